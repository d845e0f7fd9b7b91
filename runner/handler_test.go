package runner

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goliatone/go-process/failure"
	"github.com/goliatone/go-process/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingFunc struct {
	calls     atomic.Int32
	failUntil int32
}

func (c *countingFunc) fn(context.Context) error {
	n := c.calls.Add(1)
	if n <= c.failUntil {
		return errors.New("not yet")
	}
	return nil
}

func TestHandlerDoesNotRetryByDefault(t *testing.T) {
	h := NewHandler(WithLogger(logging.Nop{}))

	cf := &countingFunc{failUntil: 5}
	err := h.Run(context.Background(), cf.fn)

	require.Error(t, err)
	assert.Equal(t, int32(1), cf.calls.Load())
}

func TestHandlerSuccessOnSecondAttempt(t *testing.T) {
	h := NewHandler(WithMaxRetries(3), WithLogger(logging.Nop{}))

	cf := &countingFunc{failUntil: 1}
	require.NoError(t, h.Run(context.Background(), cf.fn))
	assert.Equal(t, int32(2), cf.calls.Load())
}

func TestHandlerAllAttemptsFail(t *testing.T) {
	h := NewHandler(WithMaxRetries(2), WithLogger(logging.Nop{}))

	cf := &countingFunc{failUntil: 5}
	err := h.Run(context.Background(), cf.fn)

	assert.EqualError(t, err, "not yet")
	assert.Equal(t, int32(3), cf.calls.Load())
}

func TestHandlerRecoversPanicAsExecutionFailed(t *testing.T) {
	var logged atomic.Bool
	h := NewHandler(WithPanicLogger(func(string, any, []byte, ...map[string]any) {
		logged.Store(true)
	}))

	err := h.Run(context.Background(), func(context.Context) error {
		panic("kaboom")
	})

	require.Error(t, err)
	assert.True(t, failure.IsExecutionFailed(err))
	assert.Contains(t, err.Error(), "kaboom")
	assert.True(t, logged.Load())
}

func TestHandlerTimeoutAppliesPerAttempt(t *testing.T) {
	h := NewHandler(WithTimeout(20 * time.Millisecond))

	err := h.Run(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHandlerStopsOnCancelledContext(t *testing.T) {
	h := NewHandler(WithMaxRetries(5), WithRetryStrategy(ExponentialBackoffStrategy{Base: time.Hour, Factor: 1}), WithLogger(logging.Nop{}))
	ctx, cancel := context.WithCancel(context.Background())

	cf := &countingFunc{failUntil: 10}
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx, cf.fn) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("handler kept waiting after cancellation")
	}
	assert.Equal(t, int32(1), cf.calls.Load())
}

func TestRunItemPassesItem(t *testing.T) {
	h := NewHandler()
	var got string
	require.NoError(t, RunItem(context.Background(), h, "item", func(_ context.Context, s string) error {
		got = s
		return nil
	}))
	assert.Equal(t, "item", got)
}

func TestCleanStackTraceDropsPanicFrames(t *testing.T) {
	stack := []byte("goroutine 1\npanic({0x1, 0x2})\n\t/runtime/panic.go:785\nmain.fn()\n\t/main.go:10")
	cleaned := string(cleanStackTrace(stack))
	assert.NotContains(t, cleaned, "panic(")
	assert.Contains(t, cleaned, "main.fn()")
}

func TestCallRunsOnceAndRecoversPanics(t *testing.T) {
	h := NewHandler(WithMaxRetries(3), WithLogger(logging.Nop{}))

	cf := &countingFunc{failUntil: 5}
	assert.EqualError(t, h.Call(context.Background(), cf.fn), "not yet")
	assert.Equal(t, int32(1), cf.calls.Load())

	err := h.Call(context.Background(), func(context.Context) error {
		var m map[string]int
		m["x"] = 1
		return nil
	})
	require.Error(t, err)
	assert.True(t, failure.IsExecutionFailed(err))
}

package cron

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-process/chain"
	"github.com/goliatone/go-process/events"
	"github.com/goliatone/go-process/execution"
	"github.com/goliatone/go-process/failure"
	"github.com/goliatone/go-process/logging"
)

func waitDone(t *testing.T, h Handle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("handle %s did not finish, status %s", h.Name(), h.Status())
	}
}

func TestScheduleAfterCompletesAndReportsStatus(t *testing.T) {
	s := NewScheduler()
	var count atomic.Int32

	h, err := s.ScheduleAfter(20*time.Millisecond, JobConfig{Name: "once"}, func(context.Context) error {
		count.Add(1)
		return nil
	})
	require.NoError(t, err)
	waitDone(t, h)

	assert.Equal(t, int32(1), count.Load())
	assert.Equal(t, ScheduleStatusCompleted, h.Status())
	assert.Equal(t, 1, h.Runs())
	assert.False(t, h.LastRun().IsZero())
	assert.Equal(t, "once", h.Name())
}

func TestScheduleAfterReportsFailure(t *testing.T) {
	var handled atomic.Int32
	s := NewScheduler(WithErrorHandler(func(error) { handled.Add(1) }))
	boom := errors.New("boom")

	h, err := s.ScheduleAfter(0, JobConfig{}, func(context.Context) error { return boom })
	require.NoError(t, err)
	waitDone(t, h)

	assert.Equal(t, ScheduleStatusFailed, h.Status())
	assert.ErrorIs(t, h.Err(), boom)
	assert.Equal(t, int32(1), handled.Load())
}

func TestScheduleAtRetriesAndRecoversPanics(t *testing.T) {
	s := NewScheduler(WithErrorHandler(func(error) {}))
	var calls atomic.Int32

	h, err := s.ScheduleAt(time.Now(), JobConfig{MaxRetries: 2}, func(context.Context) error {
		if calls.Add(1) < 3 {
			panic("flaky")
		}
		return nil
	})
	require.NoError(t, err)
	waitDone(t, h)

	assert.Equal(t, ScheduleStatusCompleted, h.Status())
	assert.Equal(t, int32(3), calls.Load())
}

func TestScheduleAtCancelPreventsExecution(t *testing.T) {
	s := NewScheduler()
	var count atomic.Int32

	h, err := s.ScheduleAt(time.Now().Add(200*time.Millisecond), JobConfig{}, func(context.Context) error {
		count.Add(1)
		return nil
	})
	require.NoError(t, err)

	h.Cancel()
	waitDone(t, h)

	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, int32(0), count.Load())
	assert.Equal(t, ScheduleStatusCanceled, h.Status())
}

func TestScheduleCronRunsUntilCancelled(t *testing.T) {
	s := NewScheduler(WithParser(SecondsParser))
	var count atomic.Int32

	h, err := s.ScheduleCron(JobConfig{Name: "tick", Expression: "@every 1s"}, func(context.Context) error {
		count.Add(1)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	require.Eventually(t, func() bool { return count.Load() > 0 }, 2500*time.Millisecond, 20*time.Millisecond)
	require.Eventually(t, func() bool { return h.Status() == ScheduleStatusIdle }, time.Second, 10*time.Millisecond)

	h.Cancel()
	waitDone(t, h)
	assert.Equal(t, ScheduleStatusCanceled, h.Status())
	assert.Empty(t, s.Handles())
}

func TestStopMarksHandlesStoppedAndCancelsJobs(t *testing.T) {
	s := NewScheduler()

	started := make(chan struct{})
	var sawCancel atomic.Bool
	oneOff, err := s.ScheduleAfter(0, JobConfig{}, func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		sawCancel.Store(true)
		return ctx.Err()
	})
	require.NoError(t, err)

	recurring, err := s.ScheduleCron(JobConfig{Expression: "@every 5s"}, func(context.Context) error { return nil })
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	<-started
	require.NoError(t, s.Stop(context.Background()))

	waitDone(t, recurring)
	waitDone(t, oneOff)
	assert.Equal(t, ScheduleStatusStopped, recurring.Status())
	assert.Equal(t, ScheduleStatusStopped, oneOff.Status())
	assert.Eventually(t, sawCancel.Load, time.Second, 10*time.Millisecond)
}

func TestScheduleCronValidation(t *testing.T) {
	s := NewScheduler()

	_, err := s.ScheduleCron(JobConfig{}, func(context.Context) error { return nil })
	assert.True(t, failure.IsInvalidArgument(err))

	_, err = s.ScheduleCron(JobConfig{Expression: "@every 1s"}, nil)
	assert.True(t, failure.IsInvalidArgument(err))

	_, err = s.ScheduleCron(JobConfig{Expression: "not a cron"}, func(context.Context) error { return nil })
	assert.True(t, failure.IsInvalidArgument(err))
}

func TestPipelineJobRunsOnChildContexts(t *testing.T) {
	parent, err := execution.ForDevelopment("acme", execution.WithLogger(logging.Nop{}))
	require.NoError(t, err)
	defer parent.Close()

	c := chain.New("shout")
	chain.AddTransform(c, func(_ context.Context, s string) (string, error) {
		return strings.ToUpper(strings.TrimSpace(s)), nil
	}, "upper")

	var mu sync.Mutex
	var seen []events.Event
	var outputs []any
	job := PipelineJob(parent, c, "  hi  ",
		WithObserver(events.ObserverFunc(func(e events.Event) {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, e)
		})),
		WithResult(func(out any, err error) {
			mu.Lock()
			defer mu.Unlock()
			require.NoError(t, err)
			outputs = append(outputs, out)
		}),
	)

	require.NoError(t, job(context.Background()))
	require.NoError(t, job(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []any{"HI", "HI"}, outputs)

	correlations := map[string]bool{}
	for _, e := range seen {
		env := e.EventEnvelope()
		assert.Equal(t, "acme", env.Tenant)
		correlations[env.CorrelationID] = true
	}
	assert.Len(t, correlations, 2)
	assert.Equal(t, events.TypeChainStarted, seen[0].Type())
}

func TestPipelineJobFailsOnClosedParent(t *testing.T) {
	parent, err := execution.ForDevelopment("acme", execution.WithLogger(logging.Nop{}))
	require.NoError(t, err)
	require.NoError(t, parent.Close())

	c := chain.New("noop")
	chain.AddTransform(c, func(_ context.Context, s string) (string, error) { return s, nil }, "noop")

	err = PipelineJob(parent, c, "x")(context.Background())
	assert.True(t, failure.IsObjectDisposed(err))
}

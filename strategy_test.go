package process

import (
	"context"
	"fmt"
	"iter"
	"math/rand"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goliatone/go-process/execution"
	"github.com/goliatone/go-process/failure"
	"github.com/goliatone/go-process/runner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetermineStrategy(t *testing.T) {
	cases := []struct {
		env   execution.Environment
		scale execution.Scale
		want  Strategy
	}{
		{execution.Development, execution.ScaleSmall, Sequential},
		{execution.Staging, execution.ScaleMedium, Parallel},
		{execution.Staging, execution.ScaleLarge, Parallel},
		{execution.Production, execution.ScaleLarge, Distributed},
		{execution.Production, execution.ScaleAuto, Distributed},
		{execution.Testing, execution.ScaleAuto, Sequential},
		{execution.Development, execution.Scale(99), Sequential},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("%s/%s", tc.env, tc.scale), func(t *testing.T) {
			ec := newContext(t, tc.env, tc.scale)
			assert.Equal(t, tc.want, DetermineStrategy(ec))
		})
	}
	assert.Equal(t, Sequential, DetermineStrategy(nil))
}

func TestSequentialPreservesInputOrder(t *testing.T) {
	ec := newContext(t, execution.Development, execution.ScaleSmall)

	var mu sync.Mutex
	var seen []int
	items := []int{5, 3, 9, 1, 7}

	inst, err := runItems(t, ec, items, func(_ context.Context, item int) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, item)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, items, seen)
	assert.Equal(t, int64(5), inst.ItemsProcessed())
	assert.Equal(t, "sequential", inst.Metrics()[MetricStrategy])
}

func TestSequentialStopsAtFirstFailure(t *testing.T) {
	ec := newContext(t, execution.Development, execution.ScaleSmall)

	var calls atomic.Int32
	inst, err := runItems(t, ec, []int{1, 2, 3, 4}, func(_ context.Context, item int) error {
		calls.Add(1)
		if item == 2 {
			return errBoom
		}
		return nil
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, errBoom)
	assert.True(t, failure.IsExecutionFailed(err))
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, int64(1), inst.ItemsProcessed())
	assert.Equal(t, StatusFailed, inst.Status())
}

func TestParallelCountsEveryItemExactlyOnce(t *testing.T) {
	ec := newContext(t, execution.Staging, execution.ScaleMedium)
	const n = 500

	items := make([]int, n)
	for i := range items {
		items[i] = i
	}

	var active, peak atomic.Int32
	inst, err := runItems(t, ec, items, func(_ context.Context, _ int) error {
		cur := active.Add(1)
		for {
			old := peak.Load()
			if cur <= old || peak.CompareAndSwap(old, cur) {
				break
			}
		}
		time.Sleep(time.Duration(rand.Intn(200)) * time.Microsecond)
		active.Add(-1)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, int64(n), inst.ItemsProcessed())
	assert.LessOrEqual(t, int(peak.Load()), ec.RecommendedParallelism())
	assert.Equal(t, "parallel", inst.Metrics()[MetricStrategy])
}

func TestParallelFirstFailureWinsAndAbortsRemaining(t *testing.T) {
	ec := newContext(t, execution.Staging, execution.ScaleMedium)
	const n = 200

	items := make([]int, n)
	for i := range items {
		items[i] = i
	}

	var started atomic.Int32
	inst, err := runItems(t, ec, items, func(ctx context.Context, item int) error {
		started.Add(1)
		if item == 3 {
			return errBoom
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Millisecond):
			return nil
		}
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, errBoom)
	assert.True(t, failure.IsExecutionFailed(err))
	assert.Less(t, int(started.Load()), n)
	assert.Less(t, inst.ItemsProcessed(), int64(n))
}

func TestParallelCallerCancellationSurfacesCancelled(t *testing.T) {
	ec := newContext(t, execution.Staging, execution.ScaleMedium)
	ctx, cancel := context.WithCancel(context.Background())

	items := make([]int, 100)
	var started atomic.Int32
	p := New("cancel", HandlerFunc[[]int, struct{}](func(ctx context.Context, run *Run, in []int) (struct{}, error) {
		return struct{}{}, ProcessItems(ctx, run, in, func(ctx context.Context, _ int) error {
			if started.Add(1) == 1 {
				cancel()
			}
			<-ctx.Done()
			return ctx.Err()
		})
	}))

	_, err := p.Execute(ctx, ec, items)
	require.Error(t, err)
	assert.True(t, failure.IsCancelled(err))
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, failure.IsExecutionFailed(err))
}

func TestSequentialChecksCancellationBeforeEachItem(t *testing.T) {
	ec := newContext(t, execution.Development, execution.ScaleSmall)
	ctx, cancel := context.WithCancel(context.Background())

	var calls atomic.Int32
	p := New("cancel", HandlerFunc[[]int, struct{}](func(ctx context.Context, run *Run, in []int) (struct{}, error) {
		return struct{}{}, ProcessItems(ctx, run, in, func(context.Context, int) error {
			if calls.Add(1) == 2 {
				cancel()
			}
			return nil
		})
	}))
	inst := p.NewInstance()
	defer inst.Close()

	_, err := inst.Execute(ctx, ec, []int{1, 2, 3, 4})
	assert.True(t, failure.IsCancelled(err))
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, int64(2), inst.ItemsProcessed())
	assert.Equal(t, StatusCancelled, inst.Status())
}

func TestDistributedFallsBackToParallel(t *testing.T) {
	ec := newContext(t, execution.Production, execution.ScaleAuto)

	inst, err := runItems(t, ec, []string{"a", "b", "c", "d"}, func(context.Context, string) error {
		return nil
	})
	require.NoError(t, err)

	metrics := inst.Metrics()
	assert.Equal(t, "distributed", metrics[MetricStrategy])
	assert.Equal(t, true, metrics[MetricDistributedFallback])
	assert.Equal(t, int64(4), inst.ItemsProcessed())
}

func TestPanickingItemSurfacesExecutionFailed(t *testing.T) {
	ec := newContext(t, execution.Staging, execution.ScaleMedium)

	_, err := runItems(t, ec, []int{1, 2, 3}, func(_ context.Context, item int) error {
		if item == 2 {
			panic("bad item")
		}
		return nil
	})
	require.Error(t, err)
	assert.True(t, failure.IsExecutionFailed(err))
}

func TestItemRetriesAreOptIn(t *testing.T) {
	ec := newContext(t, execution.Development, execution.ScaleSmall)

	var calls atomic.Int32
	flaky := func(context.Context, int) error {
		if calls.Add(1)%2 == 1 {
			return errBoom
		}
		return nil
	}

	_, err := runItems(t, ec, []int{1}, flaky)
	require.Error(t, err)

	calls.Store(0)
	inst, err := runItems(t, ec, []int{1, 2}, flaky, WithItemRetries(1, runner.NoDelayStrategy{}))
	require.NoError(t, err)
	assert.Equal(t, int64(2), inst.ItemsProcessed())
	assert.Equal(t, int32(4), calls.Load())
}

func TestItemTimeoutIsAFailureNotACancellation(t *testing.T) {
	ec := newContext(t, execution.Development, execution.ScaleSmall)

	_, err := runItems(t, ec, []int{1}, func(ctx context.Context, _ int) error {
		<-ctx.Done()
		return ctx.Err()
	}, WithItemTimeout(10*time.Millisecond))

	require.Error(t, err)
	assert.True(t, failure.IsExecutionFailed(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestProcessSeqMaterializesOnce(t *testing.T) {
	ec := newContext(t, execution.Development, execution.ScaleSmall)

	var pulls atomic.Int32
	var seq iter.Seq[int] = func(yield func(int) bool) {
		pulls.Add(1)
		for _, v := range []int{1, 2, 3} {
			if !yield(v) {
				return
			}
		}
	}

	var got []int
	p := New("seq", HandlerFunc[int, []int](func(ctx context.Context, run *Run, _ int) ([]int, error) {
		err := ProcessSeq(ctx, run, seq, func(_ context.Context, v int) error {
			got = append(got, v)
			return nil
		})
		return got, err
	}))
	out, err := p.Execute(context.Background(), ec, 0)
	require.NoError(t, err)
	assert.True(t, slices.Equal([]int{1, 2, 3}, out))
	assert.Equal(t, int32(1), pulls.Load())
}

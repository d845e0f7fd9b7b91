package process

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/goliatone/go-process/execution"
	"github.com/goliatone/go-process/failure"
	"github.com/goliatone/go-process/runner"
)

// Strategy is the concurrency approach used to process items.
type Strategy int

const (
	Sequential Strategy = iota
	Parallel
	// Distributed currently runs exactly like Parallel on the local host.
	Distributed
)

func (s Strategy) String() string {
	switch s {
	case Sequential:
		return "sequential"
	case Parallel:
		return "parallel"
	case Distributed:
		return "distributed"
	default:
		return "unknown"
	}
}

// DetermineStrategy derives the strategy from the context scale.
func DetermineStrategy(ec *execution.Context) Strategy {
	if ec == nil {
		return Sequential
	}
	switch ec.Scale() {
	case execution.ScaleSmall:
		return Sequential
	case execution.ScaleMedium:
		return Parallel
	case execution.ScaleLarge:
		if ec.ShouldUseDistributedExecution() {
			return Distributed
		}
		return Parallel
	default:
		return Sequential
	}
}

// ItemFunc processes a single item.
type ItemFunc[T any] func(ctx context.Context, item T) error

// ProcessSeq materializes seq once and hands it to ProcessItems.
func ProcessSeq[T any](ctx context.Context, run *Run, seq iter.Seq[T], fn ItemFunc[T]) error {
	if seq == nil {
		return ProcessItems[T](ctx, run, nil, fn)
	}
	return ProcessItems(ctx, run, slices.Collect(seq), fn)
}

// ProcessItems runs fn over every item using the strategy of the run's
// context. The run's item counter grows by one per successful item. The
// first failing item aborts the rest and its error is returned; caller
// cancellation is returned as CANCELLED.
func ProcessItems[T any](ctx context.Context, run *Run, items []T, fn ItemFunc[T]) error {
	if run == nil || run.Context() == nil {
		return failure.InvalidOperation("items can only be processed inside a running process", nil)
	}
	if fn == nil {
		return failure.InvalidArgument("item function cannot be nil", nil)
	}

	ec := run.Context()
	strategy := DetermineStrategy(ec)
	run.SetMetric(MetricStrategy, strategy.String())
	run.SetMetric(MetricItemsTotal, len(items))

	h := runner.NewHandler(append([]runner.Option{runner.WithLogger(run.Logger())}, run.itemOptions...)...)

	switch strategy {
	case Distributed:
		run.Logger().Warn("distributed execution not available, processing %d items in parallel", len(items))
		run.SetMetric(MetricDistributedFallback, true)
		return processParallel(ctx, run, h, items, fn, ec.RecommendedParallelism())
	case Parallel:
		return processParallel(ctx, run, h, items, fn, ec.RecommendedParallelism())
	default:
		return processSequential(ctx, run, h, items, fn)
	}
}

func processSequential[T any](ctx context.Context, run *Run, h *runner.Handler, items []T, fn ItemFunc[T]) error {
	for i, item := range items {
		if err := ctx.Err(); err != nil {
			return cancelledItems(run, err, i)
		}
		if err := runner.RunItem(ctx, h, item, fn); err != nil {
			return itemError(ctx, run, i, err)
		}
		run.addItem()
	}
	return nil
}

func processParallel[T any](ctx context.Context, run *Run, h *runner.Handler, items []T, fn ItemFunc[T], limit int) error {
	if limit < 1 {
		limit = 1
	}

	var completed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for i, item := range items {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := runner.RunItem(gctx, h, item, fn); err != nil {
				return itemError(ctx, run, i, err)
			}
			run.addItem()
			completed.Add(1)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	// the loop may have stopped early on a caller cancel without any item failing
	if err := ctx.Err(); err != nil && completed.Load() < int64(len(items)) {
		return cancelledItems(run, err, -1)
	}
	return nil
}

// itemError keeps caller cancellation distinguishable from item failures.
func itemError(ctx context.Context, run *Run, index int, err error) error {
	if ctx.Err() != nil && failure.IsCancelled(err) {
		return cancelledItems(run, err, index)
	}
	return failure.Annotate(err, fmt.Sprintf("item %d failed", index), map[string]any{
		"item_index":      index,
		"process":         run.Name(),
		"instance_id":     run.ID(),
		"items_processed": run.ItemsProcessed(),
	})
}

func cancelledItems(run *Run, cause error, index int) error {
	meta := map[string]any{
		"process":         run.Name(),
		"instance_id":     run.ID(),
		"items_processed": run.ItemsProcessed(),
	}
	if index >= 0 {
		meta["item_index"] = index
	}
	if failure.Code(cause) == failure.CodeCancelled {
		return failure.Annotate(cause, "", meta)
	}
	return failure.Cancelled("item processing cancelled", cause, meta)
}

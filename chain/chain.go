// Package chain composes processes into an ordered pipeline where each
// step's output feeds the next step's input.
package chain

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/goliatone/go-process"
	"github.com/goliatone/go-process/events"
	"github.com/goliatone/go-process/execution"
	"github.com/goliatone/go-process/failure"
	"github.com/goliatone/go-process/logging"
)

// StepError reports the step a chain failed at. The original error stays
// reachable through Unwrap so its kind is preserved.
type StepError struct {
	ChainID   string
	ChainName string
	Index     int
	Name      string
	Err       error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("chain %s failed at step %d (%s): %v", e.ChainName, e.Index, e.Name, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// StepInfo describes a step for introspection.
type StepInfo struct {
	Index      int
	Name       string
	InputType  string
	OutputType string
}

type Chain struct {
	id     string
	name   string
	logger logging.Logger

	mu    sync.RWMutex
	steps []Step

	closed atomic.Bool
}

type Option func(*Chain)

// WithLogger overrides the execution context logger.
func WithLogger(logger logging.Logger) Option {
	return func(c *Chain) {
		c.logger = logger
	}
}

func New(name string, opts ...Option) *Chain {
	c := &Chain{
		id:   uuid.NewString(),
		name: name,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

func (c *Chain) ID() string   { return c.id }
func (c *Chain) Name() string { return c.name }

func (c *Chain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.steps)
}

// Append adds step to the end of the chain. Nil steps are ignored.
func (c *Chain) Append(step Step) *Chain {
	if step == nil {
		return c
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.steps = append(c.steps, step)
	return c
}

// AddStep appends executor as a typed step.
func AddStep[In, Out any](c *Chain, executor process.Executor[In, Out], name ...string) *Chain {
	return c.Append(NewStep(executor, name...))
}

// AddTransform appends fn wrapped in an anonymous process.
func AddTransform[In, Out any](c *Chain, fn TransformFunc[In, Out], name string) *Chain {
	return c.Append(NewTransformStep(name, fn))
}

// AddConditionalStep appends executor guarded by pred.
func AddConditionalStep[T any](c *Chain, pred Predicate[T], executor process.Executor[T, T], name ...string) *Chain {
	return c.Append(NewConditionalStep(pred, executor, name...))
}

// StepInfo lists the steps in execution order.
func (c *Chain) StepInfo() []StepInfo {
	steps := c.snapshot()
	out := make([]StepInfo, 0, len(steps))
	for i, s := range steps {
		out = append(out, StepInfo{
			Index:      i,
			Name:       s.Name(),
			InputType:  typeName(s.InputType()),
			OutputType: typeName(s.OutputType()),
		})
	}
	return out
}

// Run executes the steps in order, feeding each output to the next step.
// A failing step stops the chain and is reported as a *StepError.
func (c *Chain) Run(ctx context.Context, ec *execution.Context, input any) (any, error) {
	if c.closed.Load() {
		return nil, failure.ObjectDisposed("chain is closed", c.meta())
	}
	if ec == nil {
		return nil, failure.InvalidArgument("execution context cannot be nil", c.meta())
	}
	steps := c.snapshot()
	if len(steps) == 0 {
		return nil, failure.InvalidOperation(fmt.Sprintf("chain %s has no steps", c.name), c.meta())
	}
	if ctx == nil {
		ctx = context.Background()
	}

	logger := c.logger
	if logger == nil {
		logger = ec.Logger()
	}
	logger = logging.WithFields(logger, mergeFields(ec.LogFields(), map[string]any{
		"chain":    c.name,
		"chain_id": c.id,
	}))

	started := time.Now()
	err := ec.EmitEvent(events.ChainStarted{
		Envelope:  events.NewEnvelope(c.name),
		ChainID:   c.id,
		ChainName: c.name,
		StepCount: len(steps),
	})
	if err != nil {
		return nil, err
	}
	logger.Debug("chain %s started with %d steps", c.name, len(steps))

	current := input
	for i, step := range steps {
		if ctxErr := ctx.Err(); ctxErr != nil {
			cancelled := failure.Cancelled(
				fmt.Sprintf("chain %s cancelled before step %d", c.name, i),
				ctxErr,
				c.stepMeta(i, step),
			)
			return nil, c.fail(ec, logger, i, step, cancelled)
		}

		out, err := step.Execute(ctx, ec, current)
		if err != nil {
			return nil, c.fail(ec, logger, i, step, err)
		}
		current = out
	}

	elapsed := time.Since(started)
	err = ec.EmitEvent(events.ChainCompleted{
		Envelope:       events.NewEnvelope(c.name),
		ChainID:        c.id,
		ChainName:      c.name,
		StepsCompleted: len(steps),
		Duration:       elapsed,
	})
	if err != nil {
		logger.Warn("chain %s completed but the completion event was not emitted: %v", c.name, err)
	}
	logger.Debug("chain %s completed in %s", c.name, elapsed)

	return current, nil
}

func (c *Chain) fail(ec *execution.Context, logger logging.Logger, index int, step Step, err error) error {
	if failure.IsCancelled(err) {
		logger.Info("chain %s cancelled at step %d (%s)", c.name, index, step.Name())
	} else {
		logger.Error("chain %s failed at step %d (%s): %v", c.name, index, step.Name(), err)
	}

	emitErr := ec.EmitEvent(events.ChainFailed{
		Envelope:  events.NewEnvelope(c.name),
		ChainID:   c.id,
		ChainName: c.name,
		StepIndex: index,
		StepName:  step.Name(),
		Message:   err.Error(),
		Err:       err,
	})
	if emitErr != nil {
		logger.Warn("chain %s failure event was not emitted: %v", c.name, emitErr)
	}

	return &StepError{
		ChainID:   c.id,
		ChainName: c.name,
		Index:     index,
		Name:      step.Name(),
		Err:       err,
	}
}

// Execute runs c and casts the final output to Out.
func Execute[Out any](ctx context.Context, c *Chain, ec *execution.Context, input any) (Out, error) {
	var zero Out
	res, err := c.Run(ctx, ec, input)
	if err != nil {
		return zero, err
	}
	out, ok := res.(Out)
	if !ok {
		if res == nil && nillable(reflect.TypeFor[Out]()) {
			return zero, nil
		}
		return zero, failure.InvalidOperation(
			fmt.Sprintf("chain %s produced %T, expected %s", c.name, res, reflect.TypeFor[Out]()),
			c.meta(),
		)
	}
	return out, nil
}

// Close closes every step in order. Close is idempotent.
func (c *Chain) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	var errs error
	for i, s := range c.snapshot() {
		if err := s.Close(); err != nil {
			errs = errors.Join(errs, fmt.Errorf("close step %d (%s): %w", i, s.Name(), err))
		}
	}
	return errs
}

func (c *Chain) snapshot() []Step {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Step, len(c.steps))
	copy(out, c.steps)
	return out
}

func (c *Chain) meta() map[string]any {
	return map[string]any{
		"chain":    c.name,
		"chain_id": c.id,
	}
}

func (c *Chain) stepMeta(index int, step Step) map[string]any {
	m := c.meta()
	m["step_index"] = index
	m["step_name"] = step.Name()
	return m
}

func typeName(t reflect.Type) string {
	if t == nil {
		return "<nil>"
	}
	return t.String()
}

func mergeFields(a, b map[string]any) map[string]any {
	out := make(map[string]any, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}

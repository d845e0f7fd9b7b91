// Package process runs units of work under a lifecycle state machine whose
// concurrency strategy and observable behavior follow the execution context
// they are bound to.
package process

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/goliatone/go-process/events"
	"github.com/goliatone/go-process/execution"
	"github.com/goliatone/go-process/failure"
	"github.com/goliatone/go-process/logging"
	"github.com/goliatone/go-process/runner"
)

// Executor is what chains, schedulers and callers need from a process.
type Executor[In, Out any] interface {
	Name() string
	Execute(ctx context.Context, ec *execution.Context, input In) (Out, error)
}

// Handler does the core work of a process.
type Handler[In, Out any] interface {
	Handle(ctx context.Context, run *Run, input In) (Out, error)
}

// HandlerFunc is an adapter that lets you use a function as a Handler[In, Out]
type HandlerFunc[In, Out any] func(ctx context.Context, run *Run, input In) (Out, error)

// Handle calls the underlying function
func (f HandlerFunc[In, Out]) Handle(ctx context.Context, run *Run, input In) (Out, error) {
	return f(ctx, run, input)
}

// Initializer is implemented by handlers that record startup metrics or
// check preconditions. An error aborts the execution before Running.
type Initializer interface {
	Initialize(ctx context.Context, run *Run) error
}

// InitializerFunc is an adapter that lets you use a function as an Initializer
type InitializerFunc func(ctx context.Context, run *Run) error

func (f InitializerFunc) Initialize(ctx context.Context, run *Run) error {
	return f(ctx, run)
}

type config struct {
	initializers []Initializer
	itemOptions  []runner.Option
}

type Option func(*config)

// WithInitializer adds an initializer that runs after the handler's own.
func WithInitializer(init Initializer) Option {
	return func(c *config) {
		if init != nil {
			c.initializers = append(c.initializers, init)
		}
	}
}

// WithItemRunner sets runner options applied to every item of ProcessItems.
func WithItemRunner(opts ...runner.Option) Option {
	return func(c *config) {
		c.itemOptions = append(c.itemOptions, opts...)
	}
}

// WithItemTimeout bounds each item of ProcessItems.
func WithItemTimeout(timeout time.Duration) Option {
	return WithItemRunner(runner.WithTimeout(timeout))
}

// WithItemRetries retries failing items up to max times using strategy.
func WithItemRetries(max int, strategy runner.RetryStrategy) Option {
	opts := []runner.Option{runner.WithMaxRetries(max)}
	if strategy != nil {
		opts = append(opts, runner.WithRetryStrategy(strategy))
	}
	return WithItemRunner(opts...)
}

// Process is a reusable process definition. Every Execute call runs on a
// fresh Instance.
type Process[In, Out any] struct {
	name    string
	handler Handler[In, Out]
	cfg     config
}

// New defines a process named name around handler.
func New[In, Out any](name string, handler Handler[In, Out], opts ...Option) *Process[In, Out] {
	p := &Process[In, Out]{name: name, handler: handler}
	if init, ok := handler.(Initializer); ok {
		p.cfg.initializers = append(p.cfg.initializers, init)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&p.cfg)
		}
	}
	return p
}

func (p *Process[In, Out]) Name() string {
	return p.name
}

// NewInstance binds a new instance to this definition. The caller owns the
// instance and must Close it.
func (p *Process[In, Out]) NewInstance() *Instance[In, Out] {
	id := uuid.NewString()
	return &Instance[In, Out]{
		def: p,
		run: newRun(id, p.name),
	}
}

// Execute runs input on a fresh instance and releases it.
func (p *Process[In, Out]) Execute(ctx context.Context, ec *execution.Context, input In) (Out, error) {
	inst := p.NewInstance()
	defer inst.Close()
	return inst.Execute(ctx, ec, input)
}

// Close is a no-op; definitions hold no resources.
func (p *Process[In, Out]) Close() error {
	return nil
}

// Instance is a process bound to exactly one execution.
type Instance[In, Out any] struct {
	def *Process[In, Out]
	run *Run

	mu     sync.RWMutex
	status Status

	executed atomic.Bool
	closed   atomic.Bool

	cancelMu        sync.Mutex
	cancel          context.CancelFunc
	cancelRequested atomic.Bool
}

func (i *Instance[In, Out]) ID() string              { return i.run.ID() }
func (i *Instance[In, Out]) Name() string            { return i.run.Name() }
func (i *Instance[In, Out]) Elapsed() time.Duration  { return i.run.Elapsed() }
func (i *Instance[In, Out]) ItemsProcessed() int64   { return i.run.ItemsProcessed() }
func (i *Instance[In, Out]) Metrics() map[string]any { return i.run.Metrics() }

func (i *Instance[In, Out]) Status() Status {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.status
}

// Cancel requests cancellation of the running execution. It is treated the
// same as a cancel of the caller's context.
func (i *Instance[In, Out]) Cancel() {
	i.cancelRequested.Store(true)
	i.cancelMu.Lock()
	defer i.cancelMu.Unlock()
	if i.cancel != nil {
		i.cancel()
	}
}

// Close releases the internal cancellation scope. Close is idempotent.
func (i *Instance[In, Out]) Close() error {
	if !i.closed.CompareAndSwap(false, true) {
		return nil
	}
	i.cancelMu.Lock()
	defer i.cancelMu.Unlock()
	if i.cancel != nil {
		i.cancel()
		i.cancel = nil
	}
	return nil
}

// Execute runs the instance once.
func (i *Instance[In, Out]) Execute(ctx context.Context, ec *execution.Context, input In) (Out, error) {
	var zero Out

	if i.closed.Load() {
		return zero, failure.ObjectDisposed("process instance is closed", i.meta())
	}
	if ec == nil {
		return zero, failure.InvalidArgument("execution context cannot be nil", i.meta())
	}
	if ec.Closed() {
		return zero, failure.ObjectDisposed("execution context is closed", i.meta())
	}
	if !i.executed.CompareAndSwap(false, true) {
		return zero, failure.InvalidOperation("process instance already executed", i.meta())
	}
	if ctx == nil {
		ctx = context.Background()
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	i.cancelMu.Lock()
	i.cancel = cancel
	i.cancelMu.Unlock()
	if i.cancelRequested.Load() {
		cancel()
	}

	logger := logging.WithFields(ec.Logger(), mergeFields(ec.LogFields(), i.meta()))

	if err := i.transition(StatusInitializing); err != nil {
		return zero, err
	}
	i.run.bind(ec, logger, i.def.cfg.itemOptions)

	guard := runner.NewHandler(runner.WithLogger(logger))

	for _, init := range i.def.cfg.initializers {
		err := guard.Call(runCtx, func(ctx context.Context) error {
			return init.Initialize(ctx, i.run)
		})
		if err != nil {
			return zero, i.fail(ctx, ec, logger, err)
		}
	}

	if err := i.transition(StatusRunning); err != nil {
		return zero, err
	}
	i.run.start()
	logger.Debug("process %s started", i.Name())

	err := ec.EmitEvent(events.ProcessStarted{
		Envelope:               events.NewEnvelope(i.Name()),
		ProcessName:            i.Name(),
		InstanceID:             i.ID(),
		Scale:                  ec.Scale().String(),
		Environment:            ec.Environment().String(),
		RecommendedParallelism: ec.RecommendedParallelism(),
	})
	if err != nil {
		return zero, i.fail(ctx, ec, logger, err)
	}

	var out Out
	err = guard.Call(runCtx, func(ctx context.Context) error {
		var herr error
		out, herr = i.def.handler.Handle(ctx, i.run, input)
		return herr
	})
	if err != nil {
		return zero, i.fail(ctx, ec, logger, err)
	}

	i.run.stop()
	if err := i.transition(StatusCompleted); err != nil {
		return zero, err
	}

	err = ec.EmitEvent(events.ProcessCompleted{
		Envelope:       events.NewEnvelope(i.Name()),
		ProcessName:    i.Name(),
		InstanceID:     i.ID(),
		Duration:       i.run.Elapsed(),
		ItemsProcessed: i.run.ItemsProcessed(),
		Metrics:        i.run.Metrics(),
	})
	if err != nil {
		logger.Warn("process %s completed but the completion event was not emitted: %v", i.Name(), err)
	}
	logger.Debug("process %s completed in %s", i.Name(), i.run.Elapsed())

	return out, nil
}

// fail records the terminal state for err and returns the error the caller
// sees. ctx is the caller's context.
func (i *Instance[In, Out]) fail(ctx context.Context, ec *execution.Context, logger logging.Logger, err error) error {
	i.run.stop()
	meta := i.meta()

	callerCancelled := ctx.Err() != nil || i.cancelRequested.Load()
	if callerCancelled && failure.IsCancelled(err) {
		_ = i.transition(StatusCancelled)
		logger.Info("process %s cancelled after %s", i.Name(), i.run.Elapsed())
		if failure.Code(err) == failure.CodeCancelled {
			return failure.Annotate(err, "", meta)
		}
		return failure.Cancelled(fmt.Sprintf("process %s cancelled", i.Name()), err, meta)
	}

	_ = i.transition(StatusFailed)
	logger.Error("process %s failed: %v", i.Name(), err)

	emitErr := ec.EmitEvent(events.ProcessFailed{
		Envelope:    events.NewEnvelope(i.Name()),
		ProcessName: i.Name(),
		InstanceID:  i.ID(),
		Message:     err.Error(),
		Err:         err,
		Duration:    i.run.Elapsed(),
	})
	if emitErr != nil {
		logger.Warn("process %s failure event was not emitted: %v", i.Name(), emitErr)
	}

	return failure.Annotate(err, fmt.Sprintf("process %s failed", i.Name()), meta)
}

func (i *Instance[In, Out]) transition(to Status) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if !CanTransition(i.status, to) {
		return failure.InvalidOperation(
			fmt.Sprintf("invalid process transition %s -> %s", i.status, to),
			i.meta(),
		)
	}
	i.status = to
	return nil
}

func (i *Instance[In, Out]) meta() map[string]any {
	return map[string]any{
		"process":     i.run.Name(),
		"instance_id": i.run.ID(),
	}
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

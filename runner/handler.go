// Package runner executes a single unit of work with panic recovery and,
// when configured, a per-attempt timeout and retries.
package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/goliatone/go-process/failure"
	"github.com/goliatone/go-process/logging"
)

type Handler struct {
	logger        logging.Logger
	panicLogger   PanicLogger
	retryStrategy RetryStrategy

	maxRetries int
	timeout    time.Duration
}

// NewHandler constructs a Handler from various options, applying defaults if unset.
func NewHandler(opts ...Option) *Handler {
	h := &Handler{
		retryStrategy: NoDelayStrategy{},
	}
	for _, o := range opts {
		if o != nil {
			o(h)
		}
	}
	h.logger = logging.Normalize(h.logger)
	if h.panicLogger == nil {
		h.panicLogger = LoggerPanicLogger(h.logger)
	}
	return h
}

func (h *Handler) MaxRetries() int              { return h.maxRetries }
func (h *Handler) Timeout() time.Duration       { return h.timeout }
func (h *Handler) RetryStrategy() RetryStrategy { return h.retryStrategy }

// Run calls fn until it succeeds or the attempts are exhausted and returns
// the last error. A panic inside fn is recovered and returned as
// EXECUTION_FAILED. Cancellation of ctx is never retried.
func (h *Handler) Run(ctx context.Context, fn func(context.Context) error) error {
	var err error
	for attempt := 0; attempt <= h.maxRetries; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if err == nil {
				err = ctxErr
			}
			return err
		}

		err = h.attempt(ctx, fn)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || attempt == h.maxRetries {
			break
		}

		decision := DecideRetry(h.retryStrategy, attempt, err)
		if !decision.ShouldRetry {
			break
		}
		h.logger.Warn("attempt %d of %d failed: %v", attempt+1, h.maxRetries+1, err)

		if decision.Delay > 0 {
			timer := time.NewTimer(decision.Delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return err
			case <-timer.C:
			}
		}
	}
	return err
}

// Call runs fn exactly once, with the configured timeout and panic
// recovery but without retries or a cancellation pre-check.
func (h *Handler) Call(ctx context.Context, fn func(context.Context) error) error {
	return h.attempt(ctx, fn)
}

func (h *Handler) attempt(ctx context.Context, fn func(context.Context) error) (err error) {
	ctx, cancel := h.contextWithSettings(ctx)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			stack := captureStack()
			h.panicLogger("runner.Handler.Run", r, stack)
			cause, ok := r.(error)
			if !ok {
				cause = fmt.Errorf("%v", r)
			}
			err = failure.ExecutionFailed(fmt.Sprintf("recovered from panic: %v", r), cause, map[string]any{
				"panic": true,
			})
		}
	}()

	return fn(ctx)
}

func (h *Handler) contextWithSettings(parent context.Context) (context.Context, context.CancelFunc) {
	if h.timeout > 0 {
		return context.WithTimeout(parent, h.timeout)
	}
	return parent, func() {}
}

// RunItem runs fn for a single item through h.
func RunItem[T any](ctx context.Context, h *Handler, item T, fn func(context.Context, T) error) error {
	return h.Run(ctx, func(ctx context.Context) error {
		return fn(ctx, item)
	})
}

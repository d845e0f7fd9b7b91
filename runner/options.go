package runner

import (
	"time"

	"github.com/goliatone/go-process/logging"
)

type Option func(*Handler)

// WithTimeout bounds every attempt. Zero disables the timeout.
func WithTimeout(t time.Duration) Option {
	return func(r *Handler) {
		r.timeout = t
	}
}

// WithMaxRetries enables retries. Handlers never retry unless asked to.
func WithMaxRetries(max int) Option {
	return func(r *Handler) {
		if max < 0 {
			max = 0
		}
		r.maxRetries = max
	}
}

func WithLogger(l logging.Logger) Option {
	return func(r *Handler) {
		r.logger = l
	}
}

// WithRetryStrategy lets you define a custom retry/backoff approach
func WithRetryStrategy(s RetryStrategy) Option {
	return func(r *Handler) {
		r.retryStrategy = s
	}
}

// WithPanicLogger replaces the logger used for recovered panics.
func WithPanicLogger(l PanicLogger) Option {
	return func(r *Handler) {
		r.panicLogger = l
	}
}

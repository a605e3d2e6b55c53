package runner

import "time"

// Option configures how a Handler runs one dispatched step.
type Option func(*Handler)

// WithTimeout bounds a whole run, retries and pauses included.
func WithTimeout(t time.Duration) Option {
	return func(r *Handler) {
		r.timeout = t
	}
}

func WithDeadline(d time.Time) Option {
	return func(r *Handler) {
		r.deadline = d
	}
}

// WithNoTimeout lets a step run until its caller context ends, even when
// a timeout or deadline is also set.
func WithNoTimeout() Option {
	return func(r *Handler) {
		r.noTimeout = true
	}
}

// WithMaxRetries sets how many extra attempts follow a failed one. Zero
// runs the step once.
func WithMaxRetries(max int) Option {
	return func(r *Handler) {
		if max < 0 {
			max = 0
		}
		r.maxRetries = max
	}
}

func WithErrorHandler(h func(error)) Option {
	return func(r *Handler) {
		if h == nil {
			h = func(err error) {}
		}
		r.errorHandler = h
	}
}

func WithLogger(l Logger) Option {
	return func(r *Handler) {
		r.logger = l
	}
}

// WithRetryStrategy picks the pause between attempts. A nil strategy
// retries immediately.
func WithRetryStrategy(s RetryStrategy) Option {
	return func(r *Handler) {
		if s == nil {
			s = NoDelayStrategy{}
		}
		r.retryStrategy = s
	}
}

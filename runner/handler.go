package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/goliatone/go-orchestrator/command"
)

type Logger interface {
	Debug(msg string, args ...any)
	Error(msg string, args ...any)
}

// Handler applies a timeout, deadline and retry policy around a single
// handler invocation. A Handler is safe for concurrent use.
type Handler struct {
	logger        Logger
	errorHandler  func(error)
	retryStrategy RetryStrategy

	maxRetries int
	timeout    time.Duration
	deadline   time.Time
	noTimeout  bool
}

// NewHandler constructs a Handler from options, applying defaults if unset.
func NewHandler(opts ...Option) *Handler {
	h := &Handler{
		errorHandler:  func(error) {},
		retryStrategy: NoDelayStrategy{},
	}
	for _, o := range opts {
		if o != nil {
			o(h)
		}
	}
	return h
}

// Run calls fn until it succeeds or the retry budget is spent. The last
// error is returned unwrapped so callers can inspect its category.
func (h *Handler) Run(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := h.contextWithSettings(ctx)
	defer cancel()

	var err error
	for attempt := 0; attempt <= h.maxRetries; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}

		if attempt == h.maxRetries {
			break
		}

		h.errorHandler(command.WrapError(
			"RunFailed",
			fmt.Sprintf("attempt %d of %d failed", attempt+1, h.maxRetries+1),
			err,
		))
		h.logDebug("retrying handler after error: %v", err)

		if delay := h.retryStrategy.SleepDuration(attempt, err); delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}

	return err
}

func (h *Handler) logDebug(format string, args ...any) {
	if h.logger != nil {
		h.logger.Debug(format, args...)
	}
}

func (h *Handler) contextWithSettings(parent context.Context) (context.Context, context.CancelFunc) {
	if h.noTimeout {
		return parent, func() {}
	}
	switch {
	case h.timeout != 0 && !h.deadline.IsZero():
		ctx, cancelTimeout := context.WithTimeout(parent, h.timeout)
		ctxDeadline, cancelDeadline := context.WithDeadline(ctx, h.deadline)
		return ctxDeadline, func() {
			cancelDeadline()
			cancelTimeout()
		}
	case h.timeout != 0:
		return context.WithTimeout(parent, h.timeout)
	case !h.deadline.IsZero():
		return context.WithDeadline(parent, h.deadline)
	default:
		return parent, func() {}
	}
}

// RunCommand executes c under the handler policy.
func RunCommand[T any](ctx context.Context, h *Handler, c command.Commander[T], msg T) error {
	return h.Run(ctx, func(ctx context.Context) error {
		return c.Execute(ctx, msg)
	})
}

// RunQuery executes q under the handler policy and returns the last result.
func RunQuery[T any, R any](ctx context.Context, h *Handler, q command.Querier[T, R], msg T) (R, error) {
	var result R
	err := h.Run(ctx, func(ctx context.Context) error {
		var qerr error
		result, qerr = q.Query(ctx, msg)
		return qerr
	})
	return result, err
}

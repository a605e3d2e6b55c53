package runner

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type countingFunc struct {
	calls     atomic.Int32
	failUntil int32
}

func (c *countingFunc) fn(context.Context) error {
	n := c.calls.Add(1)
	if n <= c.failUntil {
		return errors.New("simulated failure")
	}
	return nil
}

func TestHandler_NoError_NoRetries(t *testing.T) {
	h := NewHandler()

	cf := &countingFunc{}
	if err := h.Run(context.Background(), cf.fn); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if cf.calls.Load() != 1 {
		t.Errorf("expected calls=1, got %d", cf.calls.Load())
	}
}

func TestHandler_SuccessOnSecondAttempt(t *testing.T) {
	var reported int
	h := NewHandler(
		WithMaxRetries(3),
		WithErrorHandler(func(error) { reported++ }),
	)

	cf := &countingFunc{failUntil: 1}
	if err := h.Run(context.Background(), cf.fn); err != nil {
		t.Fatalf("expected success on retry, got %v", err)
	}

	if cf.calls.Load() != 2 {
		t.Errorf("expected calls=2, got %d", cf.calls.Load())
	}
	if reported != 1 {
		t.Errorf("expected one reported intermediate failure, got %d", reported)
	}
}

func TestHandler_AllAttemptsFail(t *testing.T) {
	h := NewHandler(WithMaxRetries(2))

	cf := &countingFunc{failUntil: 5}
	err := h.Run(context.Background(), cf.fn)
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}

	if cf.calls.Load() != 3 {
		t.Errorf("expected calls=3 (1 initial + 2 retries), got %d", cf.calls.Load())
	}
}

func TestHandler_Timeout(t *testing.T) {
	h := NewHandler(WithTimeout(50 * time.Millisecond))

	start := time.Now()
	err := h.Run(context.Background(), func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
			return nil
		}
	})

	if time.Since(start) >= 500*time.Millisecond {
		t.Error("expected function to time out quickly, but took too long")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestHandler_Deadline(t *testing.T) {
	h := NewHandler(WithDeadline(time.Now().Add(50 * time.Millisecond)))

	err := h.Run(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestHandler_NoTimeoutIgnoresTimeout(t *testing.T) {
	h := NewHandler(WithTimeout(time.Millisecond), WithNoTimeout())

	err := h.Run(context.Background(), func(ctx context.Context) error {
		time.Sleep(10 * time.Millisecond)
		return ctx.Err()
	})
	if err != nil {
		t.Fatalf("expected no timeout, got %v", err)
	}
}

func TestHandler_BackoffStopsOnCancel(t *testing.T) {
	h := NewHandler(
		WithMaxRetries(5),
		WithRetryStrategy(ExponentialBackoffStrategy{Base: time.Second, Factor: 2}),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	cf := &countingFunc{failUntil: 10}
	err := h.Run(ctx, cf.fn)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context error while backing off, got %v", err)
	}
	if cf.calls.Load() != 1 {
		t.Errorf("expected a single attempt before cancel, got %d", cf.calls.Load())
	}
}

type echo struct{ Value string }

func TestRunQuery(t *testing.T) {
	h := NewHandler(WithMaxRetries(1))

	var calls int
	q := queryFunc(func(_ context.Context, msg echo) (string, error) {
		calls++
		if calls == 1 {
			return "", errors.New("first call fails")
		}
		return msg.Value, nil
	})

	got, err := RunQuery[echo, string](context.Background(), h, q, echo{Value: "ok"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "ok" {
		t.Errorf("expected ok, got %q", got)
	}
}

type queryFunc func(ctx context.Context, msg echo) (string, error)

func (f queryFunc) Query(ctx context.Context, msg echo) (string, error) { return f(ctx, msg) }

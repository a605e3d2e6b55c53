package command

import (
	"context"
	"sync"
)

type resultKey[T any] struct{}

// Result carries a value out of a command handler, which otherwise only
// returns an error. The bulk engine steps fill it with their report when
// the caller put one on the context with ContextWithResult.
type Result[T any] struct {
	mu       sync.RWMutex
	value    T
	err      error
	stored   bool
	metadata map[string]any
}

func NewResult[T any]() *Result[T] {
	return &Result[T]{
		metadata: make(map[string]any),
	}
}

func (r *Result[T]) Store(value T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.value = value
	r.stored = true
	r.err = nil
}

func (r *Result[T]) StoreError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
	r.stored = true
}

// StoreWithMeta stores value and adds meta to the entries already kept.
func (r *Result[T]) StoreWithMeta(value T, meta map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.value = value
	r.stored = true
	r.err = nil
	for k, v := range meta {
		r.metadata[k] = v
	}
}

func (r *Result[T]) Load() (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.value, r.stored
}

func (r *Result[T]) Error() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.err
}

func (r *Result[T]) Metadata(key string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	val, ok := r.metadata[key]
	return val, ok
}

func ContextWithResult[T any](ctx context.Context, result *Result[T]) context.Context {
	return context.WithValue(ctx, resultKey[T]{}, result)
}

// ResultFromContext returns the Result for T on ctx, or nil when the
// caller did not ask for one.
func ResultFromContext[T any](ctx context.Context) *Result[T] {
	if result, ok := ctx.Value(resultKey[T]{}).(*Result[T]); ok {
		return result
	}
	return nil
}

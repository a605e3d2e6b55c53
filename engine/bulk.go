package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/goliatone/go-orchestrator/command"
	"golang.org/x/sync/errgroup"
)

// BulkReport summarizes a bulk command. Callers that need it attach a
// command.Result[BulkReport] to the dispatch context.
type BulkReport struct {
	Total  int
	Failed map[string]error
}

func (b BulkReport) Succeeded() int { return b.Total - len(b.Failed) }

// fanOut runs fn for every key concurrently and waits for all of them. A
// failing member never stops its siblings; failures are joined.
func (r *Runtime) fanOut(ctx context.Context, op string, keys []string, fn func(context.Context, string) error) error {
	result := command.ResultFromContext[BulkReport](ctx)
	// members must not report into the caller's collector
	memberCtx := command.ContextWithResult[BulkReport](ctx, nil)

	var (
		mu     sync.Mutex
		errs   []error
		failed = make(map[string]error)
		g      errgroup.Group
	)
	for _, key := range keys {
		g.Go(func() error {
			if err := fn(memberCtx, key); err != nil {
				mu.Lock()
				failed[key] = err
				errs = append(errs, fmt.Errorf("%s %s: %w", op, key, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(failed) > 0 {
		r.log(ctx).Warn("%s: %d of %d members failed", op, len(failed), len(keys))
	}
	if result != nil {
		result.StoreWithMeta(BulkReport{Total: len(keys), Failed: failed}, map[string]any{"operation": op})
	}
	return errors.Join(errs...)
}

func (r *Runtime) runAll(ctx context.Context, cmd RunAll) error {
	return r.fanOut(ctx, "run", cmd.DefinitionIDs, func(ctx context.Context, definitionID string) error {
		return dispatch(ctx, r, RunActivity{ActivityRef: ByDefinition(cmd.ProcessID, definitionID)})
	})
}

func (r *Runtime) failAll(ctx context.Context, cmd FailAll) error {
	return r.fanOut(ctx, "fail", cmd.ActivityIDs, func(ctx context.Context, id string) error {
		return dispatch(ctx, r, FailActivity{ActivityRef: ByID(id), Reason: cmd.Reason})
	})
}

func (r *Runtime) retryAll(ctx context.Context, cmd RetryAll) error {
	return r.fanOut(ctx, "retry", cmd.ActivityIDs, func(ctx context.Context, id string) error {
		return dispatch(ctx, r, RetryActivity{ActivityRef: ByID(id)})
	})
}

func (r *Runtime) terminateAll(ctx context.Context, cmd TerminateAll) error {
	return r.fanOut(ctx, "terminate", cmd.ActivityIDs, func(ctx context.Context, id string) error {
		return dispatch(ctx, r, TerminateActivity{ActivityRef: ByID(id), Interrupt: cmd.Interrupt})
	})
}

func (r *Runtime) cancelAll(ctx context.Context, cmd CancelAll) error {
	return r.fanOut(ctx, "cancel", cmd.ActivityIDs, func(ctx context.Context, id string) error {
		return dispatch(ctx, r, CancelActivity{ActivityRef: ByID(id)})
	})
}

func (r *Runtime) deleteAll(ctx context.Context, cmd DeleteAll) error {
	return r.fanOut(ctx, "delete", cmd.ActivityIDs, func(ctx context.Context, id string) error {
		return dispatch(ctx, r, DeleteActivity{ActivityRef: ByID(id)})
	})
}

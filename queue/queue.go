package queue

import (
	"context"
	"errors"
	"time"

	"github.com/goliatone/go-orchestrator/command"
	"github.com/goliatone/go-orchestrator/dispatcher"
	"github.com/goliatone/go-orchestrator/engine"
	"github.com/goliatone/go-orchestrator/logging"
	"github.com/goliatone/go-orchestrator/model"
	"github.com/goliatone/go-orchestrator/store"
)

const (
	DefaultTimeoutBatchSize = 100
	DefaultSuspendBatchSize = 100
	DefaultFailureReason    = "Task failed"
)

// Task is an external task handed to a worker.
type Task struct {
	ID                   string         `json:"id"`
	ProcessID            string         `json:"processId"`
	ProcessDefinitionKey string         `json:"processDefinitionKey"`
	DefinitionID         string         `json:"definitionId"`
	Topic                string         `json:"topic"`
	BusinessKey          string         `json:"businessKey,omitempty"`
	Retries              int            `json:"retries"`
	Timeout              *time.Time     `json:"timeout,omitempty"`
	Variables            map[string]any `json:"variables"`
}

// Queue distributes external tasks to workers and keeps their deadlines.
type Queue struct {
	rt           *engine.Runtime
	store        store.Gateway
	dispatcher   *dispatcher.Dispatcher
	logger       logging.Logger
	now          func() time.Time
	timeoutBatch int
	suspendBatch int
}

type Option func(*Queue)

func WithLogger(l logging.Logger) Option {
	return func(q *Queue) {
		q.logger = l
	}
}

func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

func WithTimeoutBatchSize(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.timeoutBatch = n
		}
	}
}

func WithSuspendBatchSize(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.suspendBatch = n
		}
	}
}

func New(rt *engine.Runtime, opts ...Option) *Queue {
	q := &Queue{
		rt:           rt,
		store:        rt.Store(),
		dispatcher:   rt.Dispatcher(),
		logger:       rt.Logger(),
		now:          func() time.Time { return time.Now().UTC() },
		timeoutBatch: DefaultTimeoutBatchSize,
		suspendBatch: DefaultSuspendBatchSize,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(q)
		}
	}
	q.logger = logging.Normalize(q.logger)
	return q
}

// Poll claims up to limit scheduled tasks of topic for processes of
// processDefinitionKey. Claimed tasks are ACTIVE.
func (q *Queue) Poll(ctx context.Context, req PollRequest) ([]Task, error) {
	if err := command.ValidateMessage(req); err != nil {
		return nil, err
	}
	claimed, err := q.store.Poll(ctx, req.Topic, req.ProcessDefinitionKey, req.Limit)
	if err != nil {
		return nil, err
	}

	tasks := make([]Task, 0, len(claimed))
	for _, a := range claimed {
		if err := q.attach(ctx, a); err != nil {
			return nil, err
		}
		vars, err := q.rt.Variables().Visible(ctx, a)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, Task{
			ID:                   a.ID,
			ProcessID:            a.ProcessID,
			ProcessDefinitionKey: a.ProcessDefinitionKey,
			DefinitionID:         a.DefinitionID,
			Topic:                a.Topic,
			BusinessKey:          a.Process.BusinessKey,
			Retries:              a.Retries,
			Timeout:              a.Timeout,
			Variables:            vars,
		})
	}
	if len(tasks) > 0 {
		q.logger.Debug("claimed %d tasks of topic %s", len(tasks), req.Topic)
	}
	return tasks, nil
}

func (q *Queue) attach(ctx context.Context, a *model.ActivityExecution) error {
	if a.Process != nil && a.Process.Definition != nil {
		return nil
	}
	p, err := q.store.FindProcess(ctx, a.ProcessID)
	if err != nil {
		return err
	}
	if p.Definition == nil {
		if p.Definition, err = q.store.FindDefinition(ctx, p.DefinitionID); err != nil {
			return err
		}
	}
	a.Process = p
	return nil
}

// Complete finishes a claimed task with the worker's variables.
func (q *Queue) Complete(ctx context.Context, taskID string, variables map[string]any) error {
	return dispatcher.Dispatch(ctx, q.dispatcher, engine.CompleteActivity{
		ActivityRef: engine.ByID(taskID),
		Variables:   variables,
	})
}

// Fail reports a task failure. The engine retries while the task's retry
// budget lasts.
func (q *Queue) Fail(ctx context.Context, taskID, reason string, variables map[string]any) error {
	if reason == "" {
		reason = DefaultFailureReason
	}
	return dispatcher.Dispatch(ctx, q.dispatcher, engine.FailActivity{
		ActivityRef: engine.ByID(taskID),
		Reason:      reason,
		Variables:   variables,
	})
}

// SweepTimeouts fails every task whose deadline has passed with the
// Timeout reason. It works in batches and stops on a short batch or when a
// batch brings nothing new. It returns the number of tasks failed.
func (q *Queue) SweepTimeouts(ctx context.Context) (int, error) {
	var (
		failed int
		errs   []error
		seen   = map[string]bool{}
	)
	for {
		if err := ctx.Err(); err != nil {
			return failed, err
		}
		batch, err := q.store.FindTimedOut(ctx, q.now(), q.timeoutBatch)
		if err != nil {
			return failed, err
		}

		ids := make([]string, 0, len(batch))
		for _, a := range batch {
			if !seen[a.ID] {
				seen[a.ID] = true
				ids = append(ids, a.ID)
			}
		}
		if len(ids) == 0 {
			break
		}

		result := command.NewResult[engine.BulkReport]()
		err = dispatcher.Dispatch(command.ContextWithResult(ctx, result), q.dispatcher, engine.FailAll{
			ActivityIDs: ids,
			Reason:      engine.TimeoutReason,
		})
		if report, ok := result.Load(); ok {
			failed += report.Succeeded()
		}
		if err != nil {
			q.logger.Warn("timeout sweep: %v", err)
			errs = append(errs, err)
		}
		if len(batch) < q.timeoutBatch {
			break
		}
	}
	if failed > 0 {
		q.logger.Info("timeout sweep failed %d tasks", failed)
	}
	return failed, errors.Join(errs...)
}

// NextTimeout returns how long until the earliest pending task deadline.
func (q *Queue) NextTimeout(ctx context.Context) (time.Duration, bool, error) {
	now := q.now()
	next, ok, err := q.store.NextTimeout(ctx, now)
	if err != nil || !ok {
		return 0, false, err
	}
	return next.Sub(now), true, nil
}

// Suspend marks the selected definitions suspended and suspends their
// running processes with every descendant. It returns the number of
// processes updated.
func (q *Queue) Suspend(ctx context.Context, sel DefinitionSelector) (int, error) {
	ids, err := q.definitionIDs(ctx, sel)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		if err := q.store.SetDefinitionSuspended(ctx, id, true); err != nil {
			return 0, err
		}
	}
	n, err := q.batched(ctx, func() (int, error) {
		return q.store.SuspendByDefinition(ctx, ids, q.suspendBatch)
	})
	q.logger.Info("suspended %d processes of %s", n, sel)
	return n, err
}

// Resume clears the suspension of the selected definitions and resumes
// their processes. Descendants whose own definition is still suspended
// stay suspended.
func (q *Queue) Resume(ctx context.Context, sel DefinitionSelector) (int, error) {
	ids, err := q.definitionIDs(ctx, sel)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		if err := q.store.SetDefinitionSuspended(ctx, id, false); err != nil {
			return 0, err
		}
	}
	n, err := q.batched(ctx, func() (int, error) {
		return q.store.ResumeByDefinition(ctx, ids, q.suspendBatch)
	})
	q.logger.Info("resumed %d processes of %s", n, sel)
	return n, err
}

func (q *Queue) batched(ctx context.Context, step func() (int, error)) (int, error) {
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := step()
		total += n
		if err != nil {
			return total, err
		}
		if n < q.suspendBatch {
			return total, nil
		}
	}
}

func (q *Queue) definitionIDs(ctx context.Context, sel DefinitionSelector) ([]string, error) {
	if err := command.ValidateMessage(sel); err != nil {
		return nil, err
	}
	if sel.DefinitionID != "" {
		def, err := q.store.FindDefinition(ctx, sel.DefinitionID)
		if err != nil {
			return nil, err
		}
		return []string{def.ID}, nil
	}
	defs, err := q.store.FindDefinitionsByKey(ctx, sel.DefinitionKey)
	if err != nil {
		return nil, err
	}
	if len(defs) == 0 {
		err := engine.ErrNotFound.Clone()
		err.Message = "no definitions with key " + sel.DefinitionKey
		return nil, err.WithMetadata(map[string]any{"kind": "definition key", "id": sel.DefinitionKey})
	}
	ids := make([]string, 0, len(defs))
	for _, def := range defs {
		ids = append(ids, def.ID)
	}
	return ids, nil
}

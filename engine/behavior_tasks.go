package engine

import (
	"context"
	"slices"

	"github.com/goliatone/go-orchestrator/model"
)

// externalTask waits in SCHEDULED until a worker claims it.
type externalTask struct {
	base
}

func (t *externalTask) Run(ctx context.Context, a *model.ActivityExecution) error {
	return t.schedule(ctx, a)
}

func (t *externalTask) schedule(ctx context.Context, a *model.ActivityExecution) error {
	def, err := definitionOf(a)
	if err != nil {
		return err
	}
	deadline := t.rt.now().Add(t.rt.settings.TaskTimeout(def, a.ProcessDefinitionKey))
	a.Timeout = &deadline
	a.Topic = def.Topic
	a.StartedAt = nil
	return t.rt.persist(ctx, a, model.ActivityScheduled)
}

// Fail retries while the retry budget lasts. Only an exhausted budget is a
// terminal failure.
func (t *externalTask) Fail(ctx context.Context, a *model.ActivityExecution) (bool, error) {
	def, err := definitionOf(a)
	if err != nil {
		return false, err
	}
	if a.Retries < t.rt.settings.TaskRetries(def, a.ProcessDefinitionKey) {
		a.Timeout = nil
		a.UpdatedAt = t.rt.now()
		if err := t.rt.store.SaveActivity(ctx, a); err != nil {
			return false, err
		}
		dispatchAsync(ctx, t.rt, RetryActivity{ActivityRef: ByID(a.ID)})
		return false, nil
	}
	return t.base.Fail(ctx, a)
}

func (t *externalTask) Retry(ctx context.Context, a *model.ActivityExecution) error {
	a.Retries++
	return t.schedule(ctx, a)
}

// catchEvent waits in ACTIVE until a correlated event completes it.
type catchEvent struct {
	base
}

var _ Triggerable = (*catchEvent)(nil)

func (c *catchEvent) Run(ctx context.Context, a *model.ActivityExecution) error {
	if err := c.rt.persist(ctx, a, model.ActivityActive); err != nil {
		return err
	}
	def, err := definitionOf(a)
	if err != nil {
		return err
	}
	if def.Type != model.ConditionalIntermediateCatchEvent || def.Condition == "" {
		return nil
	}
	visible, err := c.rt.variables.Visible(ctx, a)
	if err != nil {
		return err
	}
	ok, err := c.rt.evaluator.EvaluateBoolean(def.Condition, visible)
	if err != nil {
		return err
	}
	if ok {
		dispatchAsync(ctx, c.rt, CompleteActivity{ActivityRef: ByID(a.ID)})
	}
	return nil
}

// Complete also cancels the competing branches of a preceding event based
// gateway.
func (c *catchEvent) Complete(ctx context.Context, a *model.ActivityExecution, vars map[string]any) (Completion, error) {
	res, err := c.base.Complete(ctx, a, vars)
	if err != nil {
		return res, err
	}
	def := a.Process.Definition
	for _, prev := range def.Previous(a.DefinitionID) {
		if prev.Type != model.EventBasedGateway {
			continue
		}
		others := slices.DeleteFunc(slices.Clone(prev.Outgoing), func(id string) bool { return id == a.DefinitionID })
		live, err := c.activeOf(ctx, a.ProcessID, others)
		if err != nil {
			return res, err
		}
		if len(live) > 0 {
			if err := dispatch(ctx, c.rt, CancelAll{ActivityIDs: ids(live)}); err != nil {
				return res, err
			}
		}
	}
	return res, nil
}

func (c *catchEvent) Trigger(ctx context.Context, p *model.ProcessExecution, def *model.ActivityDefinition, vars map[string]any) error {
	waiting, err := c.rt.store.FindActivities(ctx, storeFilter(p.ID, []string{def.ID}, model.ActivityActive))
	if err != nil {
		return err
	}
	if len(waiting) == 0 {
		c.rt.log(ctx).Debug("no execution of %s waiting in process %s", def.ID, p.ID)
		return nil
	}
	for _, w := range waiting {
		if err := dispatch(ctx, c.rt, CompleteActivity{ActivityRef: ByID(w.ID), Variables: vars}); err != nil {
			return err
		}
	}
	return nil
}

// throwEnd completes like a plain end event, then throws its error,
// escalation or message.
type throwEnd struct {
	base
	kind throwKind
}

func (t *throwEnd) Complete(ctx context.Context, a *model.ActivityExecution, vars map[string]any) (Completion, error) {
	res, err := t.base.Complete(ctx, a, vars)
	if err != nil {
		return res, err
	}
	def, err := definitionOf(a)
	if err != nil {
		return res, err
	}

	switch t.kind {
	case throwError:
		dispatchAsync(ctx, t.rt, CorrelateError{ActivityID: a.ID, Code: def.ErrorCode})
	case throwEscalation:
		dispatchAsync(ctx, t.rt, CorrelateEscalation{ActivityID: a.ID, Code: def.EscalationCode})
	case throwMessage:
		if def.MessageReference == "" || a.Process.BusinessKey == "" {
			break
		}
		_, err := t.rt.correlateMessage(ctx, CorrelateMessage{
			Message:     def.MessageReference,
			BusinessKey: a.Process.BusinessKey,
		})
		if err != nil {
			t.rt.log(ctx).Warn("message %s thrown by %s not delivered: %v", def.MessageReference, a.ID, err)
		}
	}
	return res, nil
}

func definitionOf(a *model.ActivityExecution) (*model.ActivityDefinition, error) {
	def, ok := a.Definition()
	if !ok {
		return nil, newError(ErrNotFound, "activity definition "+a.DefinitionID+" not found", nil,
			map[string]any{"kind": "activity definition", "id": a.DefinitionID})
	}
	return def, nil
}

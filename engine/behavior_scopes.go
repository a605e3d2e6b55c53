package engine

import (
	"context"
	"fmt"
	"maps"

	"github.com/goliatone/go-orchestrator/dispatcher"
	"github.com/goliatone/go-orchestrator/expression"
	"github.com/goliatone/go-orchestrator/model"
	"github.com/goliatone/go-orchestrator/store"
)

// subprocess covers embedded and event subprocesses. It completes once
// every nested execution is terminal.
type subprocess struct {
	base
}

func (s *subprocess) Run(ctx context.Context, a *model.ActivityExecution) error {
	def, err := definitionOf(a)
	if err != nil {
		return err
	}
	start, ok := startEventOf(a.Process.Definition, def)
	if !ok {
		return newError(ErrConfiguration, fmt.Sprintf("subprocess %s has no start event", def.ID), nil,
			map[string]any{"definition_id": def.ID})
	}
	return s.rt.enter(ctx, a, start)
}

func startEventOf(graph *model.ProcessDefinition, def *model.ActivityDefinition) (*model.ActivityDefinition, bool) {
	if def.Type == model.EventSubprocess {
		return graph.ChildStartEvent(def.ID)
	}
	for _, c := range graph.Children(def.ID) {
		if c.Type == model.StartEvent {
			return c, true
		}
	}
	return nil, false
}

// enter activates a scope execution and runs start inside it.
func (r *Runtime) enter(ctx context.Context, a *model.ActivityExecution, start *model.ActivityDefinition) error {
	if err := r.persist(ctx, a, model.ActivityActive); err != nil {
		return err
	}
	dispatchAsync(ctx, r, RunActivity{ActivityRef: ByDefinition(a.ProcessID, start.ID)})
	return nil
}

func (s *subprocess) Complete(ctx context.Context, a *model.ActivityExecution, vars map[string]any) (Completion, error) {
	children := a.Process.Definition.ChildIDs(a.DefinitionID)
	done, err := s.rt.store.IsAllCompleted(ctx, a.ProcessID, children)
	if err != nil || !done {
		return Completion{}, err
	}
	return s.base.Complete(ctx, a, vars)
}

func (s *subprocess) Retry(ctx context.Context, a *model.ActivityExecution) error {
	children := a.Process.Definition.ChildIDs(a.DefinitionID)
	failed, err := s.rt.store.FindActivities(ctx, storeFilter(a.ProcessID, children, model.ActivityFailed))
	if err != nil {
		return err
	}
	if a.State == model.ActivityFailed {
		if err := s.rt.persist(ctx, a, model.ActivityActive); err != nil {
			return err
		}
	}
	if len(failed) == 0 {
		return nil
	}
	return dispatch(ctx, s.rt, RetryAll{ActivityIDs: ids(failed)})
}

func (s *subprocess) Terminate(ctx context.Context, a *model.ActivityExecution, interrupt bool) error {
	live, err := s.liveChildren(ctx, a)
	if err != nil {
		return err
	}
	if len(live) > 0 {
		if err := dispatch(ctx, s.rt, TerminateAll{ActivityIDs: live, Interrupt: true}); err != nil {
			return err
		}
	}
	return s.base.Terminate(ctx, a, interrupt)
}

func (s *subprocess) Cancel(ctx context.Context, a *model.ActivityExecution) error {
	live, err := s.liveChildren(ctx, a)
	if err != nil {
		return err
	}
	if len(live) > 0 {
		if err := dispatch(ctx, s.rt, CancelAll{ActivityIDs: live}); err != nil {
			return err
		}
	}
	return s.base.Cancel(ctx, a)
}

func (s *subprocess) Delete(ctx context.Context, a *model.ActivityExecution) error {
	live, err := s.liveChildren(ctx, a)
	if err != nil {
		return err
	}
	if len(live) > 0 {
		if err := dispatch(ctx, s.rt, DeleteAll{ActivityIDs: live}); err != nil {
			return err
		}
	}
	return s.base.Delete(ctx, a)
}

func (s *subprocess) liveChildren(ctx context.Context, a *model.ActivityExecution) ([]string, error) {
	live, err := s.activeOf(ctx, a.ProcessID, a.Process.Definition.ChildIDs(a.DefinitionID))
	if err != nil {
		return nil, err
	}
	return ids(live), nil
}

// callActivity runs a child process whose id is the call activity id.
type callActivity struct {
	base
}

func (c *callActivity) Run(ctx context.Context, a *model.ActivityExecution) error {
	def, err := definitionOf(a)
	if err != nil {
		return err
	}

	values := map[string]any{}
	if def.InheritVariables || len(def.Inputs) > 0 {
		visible, err := c.rt.variables.Visible(ctx, a)
		if err != nil {
			return err
		}
		if def.InheritVariables {
			maps.Copy(values, visible)
		}
		inputs, err := expression.EvaluateMap(c.rt.evaluator, def.Inputs, visible)
		if err != nil {
			return err
		}
		maps.Copy(values, inputs)
	}

	if err := c.rt.persist(ctx, a, model.ActivityActive); err != nil {
		return err
	}

	_, err = dispatcher.Execute[StartProcess, *model.ProcessExecution](ctx, c.rt.dispatcher, StartProcess{
		DefinitionKey:    def.CalledElement,
		Version:          def.CalledElementVersion,
		ProcessID:        a.ID,
		BusinessKey:      a.Process.BusinessKey,
		Variables:        values,
		ParentActivityID: a.ID,
	})
	if err != nil {
		if ferr := dispatch(ctx, c.rt, FailActivity{ActivityRef: ByID(a.ID), Reason: err.Error()}); ferr != nil {
			c.rt.log(ctx).Error("fail call activity %s: %v", a.ID, ferr)
		}
		return err
	}
	return nil
}

// Complete maps outputs from the child process variables.
func (c *callActivity) Complete(ctx context.Context, a *model.ActivityExecution, vars map[string]any) (Completion, error) {
	child, err := c.rt.variables.Process(ctx, a.ID)
	if err != nil {
		return Completion{}, err
	}
	return c.complete(ctx, a, vars, child, a.Process.Definition.Next(a.DefinitionID))
}

func (c *callActivity) Retry(ctx context.Context, a *model.ActivityExecution) error {
	child, err := c.rt.findProcess(ctx, a.ID)
	if err != nil {
		if store.IsNotFound(err) {
			return c.base.Retry(ctx, a)
		}
		return err
	}
	failed, err := c.rt.store.FindActivities(ctx, storeFilter(child.ID, nil, model.ActivityFailed))
	if err != nil {
		return err
	}
	if a.State == model.ActivityFailed {
		if err := c.rt.persist(ctx, a, model.ActivityActive); err != nil {
			return err
		}
	}
	if len(failed) == 0 {
		if child.State == model.ProcessIncident {
			return dispatch(ctx, c.rt, NewResolveIncident(child.ID))
		}
		return nil
	}
	return dispatch(ctx, c.rt, RetryAll{ActivityIDs: ids(failed)})
}

func (c *callActivity) Terminate(ctx context.Context, a *model.ActivityExecution, interrupt bool) error {
	if err := c.child(ctx, a, func(id string) error {
		return dispatch(ctx, c.rt, NewTerminateProcess(id, true))
	}); err != nil {
		return err
	}
	return c.base.Terminate(ctx, a, interrupt)
}

func (c *callActivity) Cancel(ctx context.Context, a *model.ActivityExecution) error {
	if err := c.child(ctx, a, func(id string) error {
		return dispatch(ctx, c.rt, NewCancelProcess(id))
	}); err != nil {
		return err
	}
	return c.base.Cancel(ctx, a)
}

func (c *callActivity) Delete(ctx context.Context, a *model.ActivityExecution) error {
	if err := c.child(ctx, a, func(id string) error {
		return dispatch(ctx, c.rt, NewDeleteProcess(id))
	}); err != nil {
		return err
	}
	return c.base.Delete(ctx, a)
}

// child calls fn with the id of the live child process, if any.
func (c *callActivity) child(ctx context.Context, a *model.ActivityExecution, fn func(string) error) error {
	p, err := c.rt.store.FindProcess(ctx, a.ID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil
		}
		return err
	}
	if p.IsTerminal() {
		return nil
	}
	return fn(p.ID)
}

// boundaryEvent runs only while the activity it is attached to is live.
type boundaryEvent struct {
	base
}

var _ Triggerable = (*boundaryEvent)(nil)

func (b *boundaryEvent) Trigger(ctx context.Context, p *model.ProcessExecution, def *model.ActivityDefinition, _ map[string]any) error {
	return dispatch(ctx, b.rt, RunActivity{ActivityRef: ByDefinition(p.ID, def.ID)})
}

func (b *boundaryEvent) Run(ctx context.Context, a *model.ActivityExecution) error {
	def, err := definitionOf(a)
	if err != nil {
		return err
	}
	attached, err := b.rt.store.FindActivityByDefinition(ctx, a.ProcessID, def.AttachedToRef)
	if err != nil {
		if store.IsNotFound(err) {
			b.rt.log(ctx).Debug("boundary %s ignored: %s never ran", def.ID, def.AttachedToRef)
			return nil
		}
		return err
	}
	if attached.State != model.ActivityActive && attached.State != model.ActivityScheduled {
		b.rt.log(ctx).Debug("boundary %s ignored: %s is %s", def.ID, attached.ID, attached.State)
		return nil
	}
	if def.CancelActivity {
		if err := dispatch(ctx, b.rt, TerminateActivity{ActivityRef: ByID(attached.ID), Interrupt: true}); err != nil {
			return err
		}
	}
	return b.base.Run(ctx, a)
}

// eventStart is the start event of an event subprocess. Triggering it
// enters the event subprocess; an interrupting start first terminates the
// live activities of the enclosing scope.
type eventStart struct {
	base
}

var _ Triggerable = (*eventStart)(nil)

func (e *eventStart) Trigger(ctx context.Context, p *model.ProcessExecution, def *model.ActivityDefinition, _ map[string]any) error {
	sub, ok := p.Definition.Activity(def.ParentID)
	if !ok || sub.Type != model.EventSubprocess {
		e.rt.log(ctx).Debug("start event %s ignored: not inside an event subprocess", def.ID)
		return nil
	}

	if def.Interrupting {
		live, err := e.rt.store.FindActivities(ctx, storeFilter(p.ID, nil, liveStates()...))
		if err != nil {
			return err
		}
		var interrupted []string
		for _, a := range live {
			if a.ParentDefinitionID == sub.ParentID && !a.IsAsync() {
				interrupted = append(interrupted, a.ID)
			}
		}
		if len(interrupted) > 0 {
			if err := dispatch(ctx, e.rt, TerminateAll{ActivityIDs: interrupted, Interrupt: true}); err != nil {
				return err
			}
		}
	}

	a := model.NewActivity(store.NewID(), p, sub)
	if !e.rt.canHandle(a, "trigger") {
		return nil
	}
	return e.rt.enter(ctx, a, def)
}

package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/goliatone/go-orchestrator/expression"
	"github.com/goliatone/go-orchestrator/model"
	"github.com/goliatone/go-orchestrator/store"
)

func liveStates() []model.ActivityState {
	return []model.ActivityState{model.ActivityScheduled, model.ActivityActive, model.ActivityFailed}
}

func storeFilter(processID string, definitionIDs []string, states ...model.ActivityState) store.ActivityFilter {
	return store.ActivityFilter{ProcessID: processID, DefinitionIDs: definitionIDs, States: states}
}

func (r *Runtime) runActivity(ctx context.Context, cmd RunActivity) error {
	var (
		a   *model.ActivityExecution
		err error
	)
	if cmd.ActivityID != "" {
		a, err = r.findActivity(ctx, cmd.ActivityRef)
	} else {
		a, err = r.newActivity(ctx, cmd.ProcessID, cmd.DefinitionID)
	}
	if err != nil {
		return err
	}
	if !r.canHandle(a, "run") {
		return nil
	}

	b, def, err := r.behaviorFor(a)
	if err != nil {
		return err
	}

	// call activities hand their inputs to the child process instead
	if a.IsNew() && len(def.Inputs) > 0 && def.Type != model.CallActivity {
		visible, err := r.variables.Visible(ctx, a)
		if err != nil {
			return err
		}
		inputs, err := expression.EvaluateMap(r.evaluator, def.Inputs, visible)
		if err != nil {
			return err
		}
		if _, err := r.variables.SetActivityVariables(ctx, a, inputs); err != nil {
			return err
		}
	}

	if err := b.Run(ctx, a); err != nil {
		return err
	}
	if a.Process.State == model.ProcessIncident {
		dispatchAsync(ctx, r, NewResolveIncident(a.ProcessID))
	}
	return nil
}

func (r *Runtime) completeActivity(ctx context.Context, cmd CompleteActivity) error {
	a, err := r.findActivity(ctx, cmd.ActivityRef)
	if err != nil {
		return err
	}
	if !r.canHandle(a, "complete") {
		return nil
	}

	b, def, err := r.behaviorFor(a)
	if err != nil {
		return err
	}

	res, err := b.Complete(ctx, a, cmd.Variables)
	if err != nil {
		failErr := dispatch(ctx, r, FailActivity{ActivityRef: ByID(a.ID), Reason: err.Error()})
		return newError(ErrExecutionFailed, fmt.Sprintf("complete activity %s failed", a.ID),
			errors.Join(err, failErr), map[string]any{
				"activity_id":   a.ID,
				"definition_id": a.DefinitionID,
				"process_id":    a.ProcessID,
			})
	}
	if !res.Done {
		return nil
	}
	return r.continueFrom(ctx, a, def, res.Next)
}

// continueFrom moves the flow past a finished activity: successors run
// independently, an activity without successors completes its enclosing
// scope.
func (r *Runtime) continueFrom(ctx context.Context, a *model.ActivityExecution, def *model.ActivityDefinition, next []*model.ActivityDefinition) error {
	if a.Process.State == model.ProcessIncident {
		if err := dispatch(ctx, r, NewResolveIncident(a.ProcessID)); err != nil {
			return err
		}
	}

	if len(next) > 0 {
		for _, n := range next {
			dispatchAsync(ctx, r, RunActivity{ActivityRef: ByDefinition(a.ProcessID, n.ID)})
		}
		return nil
	}

	switch def.Type {
	case model.ErrorEndEvent:
		return nil
	case model.TerminateEndEvent:
		return r.terminateScope(ctx, a, def)
	}

	if def.ParentID != "" {
		dispatchAsync(ctx, r, CompleteActivity{ActivityRef: ByDefinition(a.ProcessID, def.ParentID)})
		return nil
	}
	dispatchAsync(ctx, r, NewCompleteProcess(a.ProcessID))
	return nil
}

// terminateScope ends the scope enclosing a terminate end event. Ending a
// nested scope lets the flow continue after it.
func (r *Runtime) terminateScope(ctx context.Context, a *model.ActivityExecution, def *model.ActivityDefinition) error {
	if def.ParentID == "" {
		return dispatch(ctx, r, NewTerminateProcess(a.ProcessID, false))
	}
	parent, err := activityDefinition(a.Process, def.ParentID)
	if err != nil {
		return err
	}
	if parent.Type != model.EventSubprocess {
		return dispatch(ctx, r, TerminateActivity{ActivityRef: ByDefinition(a.ProcessID, parent.ID)})
	}

	if err := dispatch(ctx, r, TerminateActivity{ActivityRef: ByDefinition(a.ProcessID, parent.ID), Interrupt: true}); err != nil {
		return err
	}
	if parent.ParentID == "" {
		return dispatch(ctx, r, NewTerminateProcess(a.ProcessID, false))
	}
	return dispatch(ctx, r, TerminateActivity{ActivityRef: ByDefinition(a.ProcessID, parent.ParentID)})
}

func (r *Runtime) failActivity(ctx context.Context, cmd FailActivity) error {
	a, err := r.findActivity(ctx, cmd.ActivityRef)
	if err != nil {
		return err
	}
	if !r.canHandle(a, "fail") {
		return nil
	}

	b, _, err := r.behaviorFor(a)
	if err != nil {
		return err
	}

	a.Failure = &model.Failure{Reason: cmd.Reason, Trace: cmd.Trace}
	if cmd.Reason == TimeoutReason && cmd.Trace == "" {
		a.Failure.Trace = timedOut(a).Error()
	}
	if len(cmd.Variables) > 0 {
		if _, err := r.variables.SetProcessVariables(ctx, a.Process, cmd.Variables); err != nil {
			return err
		}
	}

	terminal, err := b.Fail(ctx, a)
	if err != nil {
		return err
	}
	if terminal {
		r.log(ctx).Warn("activity %s (%s) failed: %s", a.ID, a.DefinitionID, cmd.Reason)
		dispatchAsync(ctx, r, NewIncidentProcess(a.ProcessID))
	}
	return nil
}

func (r *Runtime) retryActivity(ctx context.Context, cmd RetryActivity) error {
	a, err := r.findActivity(ctx, cmd.ActivityRef)
	if err != nil {
		return err
	}
	if !r.canHandle(a, "retry") {
		return nil
	}
	b, _, err := r.behaviorFor(a)
	if err != nil {
		return err
	}
	if err := b.Retry(ctx, a); err != nil {
		return err
	}
	if a.Process.State == model.ProcessIncident {
		dispatchAsync(ctx, r, NewResolveIncident(a.ProcessID))
	}
	return nil
}

func (r *Runtime) terminateActivity(ctx context.Context, cmd TerminateActivity) error {
	a, err := r.findActivity(ctx, cmd.ActivityRef)
	if err != nil {
		return err
	}
	if !r.canHandle(a, "terminate") {
		return nil
	}
	b, def, err := r.behaviorFor(a)
	if err != nil {
		return err
	}
	if err := b.Terminate(ctx, a, cmd.Interrupt); err != nil {
		return err
	}
	if cmd.Interrupt {
		return nil
	}
	return r.continueFrom(ctx, a, def, a.Process.Definition.Next(a.DefinitionID))
}

func (r *Runtime) cancelActivity(ctx context.Context, cmd CancelActivity) error {
	a, err := r.findActivity(ctx, cmd.ActivityRef)
	if err != nil {
		return err
	}
	if !r.canHandle(a, "cancel") {
		return nil
	}
	b, _, err := r.behaviorFor(a)
	if err != nil {
		return err
	}
	return b.Cancel(ctx, a)
}

func (r *Runtime) deleteActivity(ctx context.Context, cmd DeleteActivity) error {
	a, err := r.findActivity(ctx, cmd.ActivityRef)
	if err != nil {
		return err
	}
	if !r.canHandle(a, "delete") {
		return nil
	}
	b, _, err := r.behaviorFor(a)
	if err != nil {
		return err
	}
	return b.Delete(ctx, a)
}

func (r *Runtime) triggerActivity(ctx context.Context, cmd TriggerActivity) error {
	p, err := r.findProcess(ctx, cmd.ProcessID)
	if err != nil {
		return err
	}
	if p.IsTerminal() {
		r.log(ctx).Debug("trigger %s ignored: process %s is %s", cmd.DefinitionID, p.ID, p.State)
		return nil
	}
	def, err := activityDefinition(p, cmd.DefinitionID)
	if err != nil {
		return err
	}
	b, err := r.behaviors.Resolve(def.Type)
	if err != nil {
		return err
	}
	t, ok := b.(Triggerable)
	if !ok {
		return newError(ErrConfiguration, fmt.Sprintf("activity type %s cannot be triggered", def.Type), nil,
			map[string]any{"activity_type": string(def.Type), "definition_id": def.ID})
	}
	return t.Trigger(ctx, p, def, cmd.Variables)
}

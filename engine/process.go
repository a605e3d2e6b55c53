package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/goliatone/go-orchestrator/model"
	"github.com/goliatone/go-orchestrator/store"
)

func (r *Runtime) findDefinition(ctx context.Context, cmd StartProcess) (*model.ProcessDefinition, error) {
	if cmd.DefinitionID != "" {
		return r.store.FindDefinition(ctx, cmd.DefinitionID)
	}
	if cmd.Version <= 0 {
		return r.store.FindLatestDefinition(ctx, cmd.DefinitionKey)
	}
	defs, err := r.store.FindDefinitionsByKey(ctx, cmd.DefinitionKey)
	if err != nil {
		return nil, err
	}
	for _, def := range defs {
		if def.Version == cmd.Version {
			return def, nil
		}
	}
	return nil, newError(ErrNotFound,
		fmt.Sprintf("definition %s version %d not found", cmd.DefinitionKey, cmd.Version), nil,
		map[string]any{"kind": "definition", "id": cmd.DefinitionKey, "version": cmd.Version})
}

func (r *Runtime) startProcess(ctx context.Context, cmd StartProcess) (*model.ProcessExecution, error) {
	def, err := r.findDefinition(ctx, cmd)
	if err != nil {
		return nil, err
	}
	start, ok := def.StartActivity()
	if !ok {
		return nil, newError(ErrConfiguration, fmt.Sprintf("definition %s has no start event", def.ID), nil,
			map[string]any{"definition_id": def.ID})
	}

	id := cmd.ProcessID
	if id == "" {
		id = store.NewID()
	}
	p := model.NewProcess(id, def)
	p.BusinessKey = cmd.BusinessKey

	if cmd.ParentActivityID != "" {
		call, err := r.findActivity(ctx, ByID(cmd.ParentActivityID))
		if err != nil {
			return nil, err
		}
		p.ParentID = call.ProcessID
		p.RootProcessID = call.Process.RootProcessID
		p.Suspended = p.Suspended || call.Process.Suspended
		if p.BusinessKey == "" {
			p.BusinessKey = call.Process.BusinessKey
		}
	}

	now := r.now()
	p.StartedAt = &now
	if err := r.store.SaveProcess(ctx, p); err != nil {
		return nil, err
	}
	if len(cmd.Variables) > 0 {
		vars, err := r.variables.SetProcessVariables(ctx, p, cmd.Variables)
		if err != nil {
			return nil, err
		}
		p.Variables = vars
	}

	r.log(ctx).Info("process %s started from %s", p.ID, def.ID)
	dispatchAsync(ctx, r, RunActivity{ActivityRef: ByDefinition(p.ID, start.ID)})
	return p, nil
}

func (r *Runtime) completeProcess(ctx context.Context, cmd CompleteProcess) error {
	p, err := r.findProcess(ctx, cmd.ProcessID)
	if err != nil {
		return err
	}
	if p.State != model.ProcessActive {
		return nil
	}
	done, err := r.store.IsAllCompleted(ctx, p.ID, nil)
	if err != nil || !done {
		return err
	}

	if err := r.saveProcess(ctx, p, model.ProcessCompleted); err != nil {
		return err
	}
	r.log(ctx).Info("process %s completed", p.ID)

	if p.IsChild() {
		dispatchAsync(ctx, r, CompleteActivity{ActivityRef: ByID(p.ID)})
	}
	return nil
}

func (r *Runtime) incidentProcess(ctx context.Context, cmd IncidentProcess) error {
	p, err := r.findProcess(ctx, cmd.ProcessID)
	if err != nil {
		return err
	}
	if p.IsTerminal() || p.State == model.ProcessIncident {
		return nil
	}
	if err := r.saveProcess(ctx, p, model.ProcessIncident); err != nil {
		return err
	}
	r.log(ctx).Warn("process %s moved to incident", p.ID)

	if p.IsChild() {
		dispatchAsync(ctx, r, FailActivity{
			ActivityRef: ByID(p.ID),
			Reason:      fmt.Sprintf("incident in child process %s", p.ID),
		})
	}
	return nil
}

func (r *Runtime) resolveIncident(ctx context.Context, cmd ResolveIncident) error {
	p, err := r.findProcess(ctx, cmd.ProcessID)
	if err != nil {
		return err
	}
	if p.State != model.ProcessIncident {
		return nil
	}
	failed, err := r.store.IsAnyFailed(ctx, p.ID)
	if err != nil || failed {
		return err
	}
	if err := r.saveProcess(ctx, p, model.ProcessActive); err != nil {
		return err
	}
	r.log(ctx).Info("process %s incident resolved", p.ID)
	return nil
}

func (r *Runtime) liveActivities(ctx context.Context, processID string) ([]string, error) {
	live, err := r.store.FindActivities(ctx, storeFilter(processID, nil, liveStates()...))
	if err != nil {
		return nil, err
	}
	return ids(live), nil
}

func (r *Runtime) terminateProcess(ctx context.Context, cmd TerminateProcess) error {
	p, err := r.findProcess(ctx, cmd.ProcessID)
	if err != nil {
		return err
	}
	if p.IsTerminal() {
		return nil
	}
	live, err := r.liveActivities(ctx, p.ID)
	if err != nil {
		return err
	}
	if len(live) > 0 {
		if err := dispatch(ctx, r, TerminateAll{ActivityIDs: live, Interrupt: true}); err != nil {
			return err
		}
	}
	if err := r.saveProcess(ctx, p, model.ProcessTerminated); err != nil {
		return err
	}
	r.log(ctx).Info("process %s terminated", p.ID)

	if p.IsChild() && !cmd.Interrupt {
		dispatchAsync(ctx, r, CompleteActivity{ActivityRef: ByID(p.ID)})
	}
	return nil
}

func (r *Runtime) cancelProcess(ctx context.Context, cmd CancelProcess) error {
	p, err := r.findProcess(ctx, cmd.ProcessID)
	if err != nil {
		return err
	}
	if p.IsTerminal() {
		return nil
	}
	live, err := r.liveActivities(ctx, p.ID)
	if err != nil {
		return err
	}
	var errs []error
	if len(live) > 0 {
		// children are shut down on a best-effort basis
		if err := dispatch(ctx, r, CancelAll{ActivityIDs: live}); err != nil {
			r.log(ctx).Warn("cancel process %s: %v", p.ID, err)
			errs = append(errs, err)
		}
	}
	if err := r.saveProcess(ctx, p, model.ProcessCancelled); err != nil {
		return errors.Join(append(errs, err)...)
	}
	r.log(ctx).Info("process %s cancelled", p.ID)
	return errors.Join(errs...)
}

func (r *Runtime) deleteProcess(ctx context.Context, cmd DeleteProcess) error {
	p, err := r.findProcess(ctx, cmd.ProcessID)
	if err != nil {
		return err
	}
	if p.State == model.ProcessDeleted {
		return nil
	}
	live, err := r.liveActivities(ctx, p.ID)
	if err != nil {
		return err
	}
	if len(live) > 0 {
		if err := dispatch(ctx, r, DeleteAll{ActivityIDs: live}); err != nil {
			return err
		}
	}
	children, err := r.store.FindChildProcesses(ctx, p.ID)
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := dispatch(ctx, r, NewDeleteProcess(child.ID)); err != nil {
			return err
		}
	}
	if err := r.saveProcess(ctx, p, model.ProcessDeleted); err != nil {
		return err
	}
	r.log(ctx).Info("process %s deleted", p.ID)
	return nil
}

func (r *Runtime) moveExecution(ctx context.Context, cmd MoveExecution) error {
	p, err := r.findProcess(ctx, cmd.ProcessID)
	if err != nil {
		return err
	}
	if _, err := activityDefinition(p, cmd.ToDefinitionID); err != nil {
		return err
	}
	from, err := r.findActivity(ctx, ByDefinition(cmd.ProcessID, cmd.FromDefinitionID))
	if err != nil {
		return err
	}
	if err := dispatch(ctx, r, TerminateActivity{ActivityRef: ByID(from.ID), Interrupt: true}); err != nil {
		return err
	}
	return dispatch(ctx, r, RunActivity{ActivityRef: ByDefinition(cmd.ProcessID, cmd.ToDefinitionID)})
}

func (r *Runtime) setVariables(ctx context.Context, cmd SetVariables) error {
	return r.variables.Set(ctx, cmd.ExecutionID, cmd.Variables, cmd.Local)
}

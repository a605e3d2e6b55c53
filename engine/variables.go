package engine

import (
	"context"
	"maps"
	"slices"

	"github.com/goliatone/go-orchestrator/model"
)

// Variables reads and writes execution variables. Every write is followed
// by variable correlation for the changed rows.
type Variables struct {
	rt *Runtime
}

// Visible returns the variables a sees through its scope chain, innermost
// binding first.
func (v *Variables) Visible(ctx context.Context, a *model.ActivityExecution) (map[string]any, error) {
	all, err := v.rt.store.FindVariables(ctx, a.ProcessID)
	if err != nil {
		return nil, err
	}
	return model.ScopedMap(all, a.Scope()), nil
}

// Process returns the process scope variables of processID.
func (v *Variables) Process(ctx context.Context, processID string) (map[string]any, error) {
	vars, err := v.rt.store.FindExecutionVariables(ctx, processID)
	if err != nil {
		return nil, err
	}
	return model.ToMap(vars), nil
}

func (v *Variables) SetProcessVariables(ctx context.Context, p *model.ProcessExecution, values map[string]any) ([]model.Variable, error) {
	vars, err := model.NewVariables(p.ID, p.ID, p.DefinitionID, values)
	if err != nil {
		return nil, err
	}
	return vars, v.save(ctx, p.ID, vars)
}

func (v *Variables) SetActivityVariables(ctx context.Context, a *model.ActivityExecution, values map[string]any) ([]model.Variable, error) {
	vars, err := model.NewVariables(a.ProcessID, a.ID, a.DefinitionID, values)
	if err != nil {
		return nil, err
	}
	return vars, v.save(ctx, a.ProcessID, vars)
}

// Set writes values for the process or activity executionID. A non local
// activity write updates each key where it is already bound in the scope
// chain and puts new keys on the process.
func (v *Variables) Set(ctx context.Context, executionID string, values map[string]any, local bool) error {
	if len(values) == 0 {
		return nil
	}

	p, err := v.rt.findProcess(ctx, executionID)
	if err == nil {
		_, err = v.SetProcessVariables(ctx, p, values)
		return err
	}
	if !IsNotFound(err) {
		return err
	}

	a, err := v.rt.findActivity(ctx, ByID(executionID))
	if err != nil {
		return err
	}
	if local {
		_, err = v.SetActivityVariables(ctx, a, values)
		return err
	}

	existing, err := v.rt.store.FindVariables(ctx, a.ProcessID)
	if err != nil {
		return err
	}
	scope := a.Scope()

	var (
		updates []model.Variable
		rest    = map[string]any{}
	)
	for _, key := range slices.Sorted(maps.Keys(values)) {
		bound, ok := binding(existing, scope, a, key)
		if !ok {
			rest[key] = values[key]
			continue
		}
		value, typ, err := model.EncodeValue(values[key])
		if err != nil {
			return err
		}
		bound.Value = value
		bound.Type = typ
		bound.UpdatedAt = v.rt.now()
		updates = append(updates, bound)
	}

	fresh, err := model.NewVariables(a.ProcessID, a.ProcessID, a.Process.DefinitionID, rest)
	if err != nil {
		return err
	}
	return v.save(ctx, a.ProcessID, append(updates, fresh...))
}

// binding finds the innermost row holding key for a. The first scope
// element is a itself and only matches rows of that execution.
func binding(vars []model.Variable, scope []string, a *model.ActivityExecution, key string) (model.Variable, bool) {
	for i, element := range scope {
		for _, row := range vars {
			if row.Key != key || row.ExecutionDefinitionID != element {
				continue
			}
			if i == 0 && row.ExecutionID != a.ID {
				continue
			}
			if i == len(scope)-1 && row.ExecutionID != a.ProcessID {
				continue
			}
			return row, true
		}
	}
	return model.Variable{}, false
}

func (v *Variables) save(ctx context.Context, processID string, vars []model.Variable) error {
	if len(vars) == 0 {
		return nil
	}
	if err := v.rt.store.SaveVariables(ctx, vars); err != nil {
		return err
	}
	dispatchAsync(ctx, v.rt, CorrelateVariables{ProcessID: processID, Variables: vars})
	return nil
}

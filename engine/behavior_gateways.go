package engine

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/goliatone/go-orchestrator/model"
)

// conditionalGateway picks outgoing paths from Conditions. The empty
// condition key is the default path taken when nothing else matches.
type conditionalGateway struct {
	base
	exclusive bool
}

func (g *conditionalGateway) Complete(ctx context.Context, a *model.ActivityExecution, vars map[string]any) (Completion, error) {
	def, err := definitionOf(a)
	if err != nil {
		return Completion{}, err
	}
	next, err := g.paths(ctx, a, def, vars)
	if err != nil {
		return Completion{}, err
	}
	return g.complete(ctx, a, vars, nil, next)
}

func (g *conditionalGateway) paths(ctx context.Context, a *model.ActivityExecution, def *model.ActivityDefinition, vars map[string]any) ([]*model.ActivityDefinition, error) {
	graph := a.Process.Definition
	if len(def.Conditions) == 0 {
		next := graph.Next(def.ID)
		if g.exclusive && len(next) > 1 {
			return nil, g.pathError(def, len(next))
		}
		return next, nil
	}

	visible, err := g.rt.variables.Visible(ctx, a)
	if err != nil {
		return nil, err
	}
	maps.Copy(visible, vars)

	var targets []string
	for _, condition := range slices.Sorted(maps.Keys(def.Conditions)) {
		if condition == "" {
			continue
		}
		ok, err := g.rt.evaluator.EvaluateBoolean(condition, visible)
		if err != nil {
			return nil, err
		}
		if ok {
			targets = append(targets, def.Conditions[condition]...)
		}
	}
	if len(targets) == 0 {
		targets = def.Conditions[""]
	}

	next := graph.Lookup(targets)
	if len(next) == 0 || (g.exclusive && len(next) != 1) {
		return nil, g.pathError(def, len(next))
	}
	return next, nil
}

func (g *conditionalGateway) pathError(def *model.ActivityDefinition, matched int) error {
	return newError(ErrExecutionFailed,
		fmt.Sprintf("gateway %s matched %d outgoing paths", def.ID, matched), nil,
		map[string]any{"definition_id": def.ID, "matched": matched, "exclusive": g.exclusive})
}

// parallelGateway forks on every outgoing path. With several incoming
// paths it joins: one execution waits until every incoming definition has
// completed once more than the gateway itself.
type parallelGateway struct {
	base
}

func (g *parallelGateway) Run(ctx context.Context, a *model.ActivityExecution) error {
	def, err := definitionOf(a)
	if err != nil {
		return err
	}
	if len(def.Incoming) <= 1 {
		return g.base.Run(ctx, a)
	}

	mu := g.rt.joinLock(a.ProcessID, def.ID)
	mu.Lock()
	defer mu.Unlock()

	pending, ready, err := g.tokens(ctx, a.ProcessID, def)
	if err != nil {
		return err
	}
	if !pending {
		return nil
	}

	waiting, err := g.rt.store.FindActivities(ctx, storeFilter(a.ProcessID, []string{def.ID}, model.ActivityActive))
	if err != nil {
		return err
	}
	target := a
	if len(waiting) > 0 {
		target = waiting[0]
	} else if err := g.rt.persist(ctx, a, model.ActivityActive); err != nil {
		return err
	}
	if ready {
		dispatchAsync(ctx, g.rt, CompleteActivity{ActivityRef: ByID(target.ID)})
	}
	return nil
}

func (g *parallelGateway) Complete(ctx context.Context, a *model.ActivityExecution, vars map[string]any) (Completion, error) {
	def, err := definitionOf(a)
	if err != nil {
		return Completion{}, err
	}
	if len(def.Incoming) <= 1 {
		return g.base.Complete(ctx, a, vars)
	}

	mu := g.rt.joinLock(a.ProcessID, def.ID)
	mu.Lock()
	defer mu.Unlock()

	current, err := g.rt.store.FindActivity(ctx, a.ID)
	if err != nil {
		return Completion{}, err
	}
	if current.IsTerminal() {
		return Completion{}, nil
	}
	_, ready, err := g.tokens(ctx, a.ProcessID, def)
	if err != nil || !ready {
		return Completion{}, err
	}
	return g.base.Complete(ctx, a, vars)
}

// tokens counts completed arrivals per incoming definition against the
// completed executions of the join. pending reports an unconsumed arrival,
// ready reports one on every incoming path.
func (g *parallelGateway) tokens(ctx context.Context, processID string, def *model.ActivityDefinition) (pending, ready bool, err error) {
	done, err := g.rt.store.FindActivities(ctx, storeFilter(processID, append(slices.Clone(def.Incoming), def.ID), model.ActivityCompleted))
	if err != nil {
		return false, false, err
	}
	counts := make(map[string]int, len(def.Incoming)+1)
	for _, e := range done {
		counts[e.DefinitionID]++
	}
	consumed := counts[def.ID]
	ready = true
	for _, in := range def.Incoming {
		if counts[in] > consumed {
			pending = true
		} else {
			ready = false
		}
	}
	return pending, ready, nil
}

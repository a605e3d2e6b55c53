package engine

import (
	"context"
	"fmt"
	"maps"
	"sync"

	"github.com/goliatone/go-orchestrator/expression"
	"github.com/goliatone/go-orchestrator/model"
)

// Completion tells the lifecycle what happens after a behavior completed an
// activity. Done is false when the behavior is still waiting, e.g. a join
// that has not seen every branch.
type Completion struct {
	Done bool
	Next []*model.ActivityDefinition
}

// Behavior is the per activity type lifecycle. Handlers run the guard
// before calling into a behavior.
type Behavior interface {
	Run(ctx context.Context, a *model.ActivityExecution) error
	Complete(ctx context.Context, a *model.ActivityExecution, vars map[string]any) (Completion, error)
	// Fail reports whether the failure is terminal and should raise an
	// incident.
	Fail(ctx context.Context, a *model.ActivityExecution) (bool, error)
	Retry(ctx context.Context, a *model.ActivityExecution) error
	Terminate(ctx context.Context, a *model.ActivityExecution, interrupt bool) error
	Cancel(ctx context.Context, a *model.ActivityExecution) error
	Delete(ctx context.Context, a *model.ActivityExecution) error
}

// Triggerable behaviors react to correlated events.
type Triggerable interface {
	Trigger(ctx context.Context, p *model.ProcessExecution, def *model.ActivityDefinition, vars map[string]any) error
}

// Registry maps every activity type to its behavior.
type Registry struct {
	mu        sync.RWMutex
	behaviors map[model.ActivityType]Behavior
}

func NewRegistry() *Registry {
	return &Registry{behaviors: make(map[model.ActivityType]Behavior)}
}

// Register fails on unknown types and on a second registration of t.
func (r *Registry) Register(t model.ActivityType, b Behavior) error {
	if !t.Valid() {
		return newError(ErrConfiguration, fmt.Sprintf("unknown activity type %q", t), nil,
			map[string]any{"activity_type": string(t)})
	}
	if b == nil {
		return newError(ErrConfiguration, fmt.Sprintf("nil behavior for %s", t), nil,
			map[string]any{"activity_type": string(t)})
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.behaviors[t]; exists {
		return newError(ErrConfiguration, fmt.Sprintf("behavior already registered for %s", t), nil,
			map[string]any{"activity_type": string(t)})
	}
	r.behaviors[t] = b
	return nil
}

func (r *Registry) Resolve(t model.ActivityType) (Behavior, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.behaviors[t]
	if !ok {
		return nil, newError(ErrConfiguration, fmt.Sprintf("no behavior registered for activity type %q", t), nil,
			map[string]any{"activity_type": string(t)})
	}
	return b, nil
}

func defaultBehaviors(rt *Runtime) (*Registry, error) {
	b := base{rt: rt}
	external := &externalTask{base: b}
	catch := &catchEvent{base: b}
	boundary := &boundaryEvent{base: b}
	eventStart := &eventStart{base: b}
	sub := &subprocess{base: b}

	entries := map[model.ActivityType]Behavior{
		model.ExternalTask:                      external,
		model.SendTask:                          external,
		model.StartEvent:                        &b,
		model.EndEvent:                          &b,
		model.TerminateEndEvent:                 &b,
		model.ErrorEndEvent:                     &throwEnd{base: b, kind: throwError},
		model.EscalationEndEvent:                &throwEnd{base: b, kind: throwEscalation},
		model.MessageEndEvent:                   &throwEnd{base: b, kind: throwMessage},
		model.ReceiveTask:                       catch,
		model.IntermediateCatchEvent:            catch,
		model.MessageIntermediateCatchEvent:     catch,
		model.ConditionalIntermediateCatchEvent: catch,
		model.ExclusiveGateway:                  &conditionalGateway{base: b, exclusive: true},
		model.InclusiveGateway:                  &conditionalGateway{base: b},
		model.ParallelGateway:                   &parallelGateway{base: b},
		model.EventBasedGateway:                 &b,
		model.Subprocess:                        sub,
		model.EventSubprocess:                   sub,
		model.CallActivity:                      &callActivity{base: b},
		model.ErrorBoundaryEvent:                boundary,
		model.EscalationBoundaryEvent:           boundary,
		model.MessageBoundaryEvent:              boundary,
		model.TimerBoundaryEvent:                boundary,
		model.SignalBoundaryEvent:               boundary,
		model.ConditionalBoundaryEvent:          boundary,
		model.ErrorStartEvent:                   eventStart,
		model.EscalationStartEvent:              eventStart,
		model.MessageStartEvent:                 eventStart,
	}

	reg := NewRegistry()
	for _, t := range model.ActivityTypes() {
		behavior, ok := entries[t]
		if !ok {
			return nil, newError(ErrConfiguration, fmt.Sprintf("no built-in behavior for %s", t), nil,
				map[string]any{"activity_type": string(t)})
		}
		if err := reg.Register(t, behavior); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// base runs an activity straight through: run activates and completes it
// right away.
type base struct {
	rt *Runtime
}

var _ Behavior = (*base)(nil)

func (b *base) Run(ctx context.Context, a *model.ActivityExecution) error {
	if err := b.rt.persist(ctx, a, model.ActivityActive); err != nil {
		return err
	}
	dispatchAsync(ctx, b.rt, CompleteActivity{ActivityRef: ByID(a.ID)})
	return nil
}

func (b *base) Complete(ctx context.Context, a *model.ActivityExecution, vars map[string]any) (Completion, error) {
	return b.complete(ctx, a, vars, nil, a.Process.Definition.Next(a.DefinitionID))
}

func (b *base) Fail(ctx context.Context, a *model.ActivityExecution) (bool, error) {
	if err := b.rt.persist(ctx, a, model.ActivityFailed); err != nil {
		return false, err
	}
	return true, nil
}

func (b *base) Retry(ctx context.Context, a *model.ActivityExecution) error {
	dispatchAsync(ctx, b.rt, RunActivity{ActivityRef: ByID(a.ID)})
	return nil
}

func (b *base) Terminate(ctx context.Context, a *model.ActivityExecution, _ bool) error {
	return b.rt.persist(ctx, a, model.ActivityTerminated)
}

func (b *base) Cancel(ctx context.Context, a *model.ActivityExecution) error {
	return b.rt.persist(ctx, a, model.ActivityCancelled)
}

func (b *base) Delete(ctx context.Context, a *model.ActivityExecution) error {
	return b.rt.persist(ctx, a, model.ActivityDeleted)
}

// complete evaluates the output mappings of a against source, marks it
// COMPLETED and stores the outputs with the completion variables on the
// process scope. A nil source evaluates against the variables visible to a.
func (b *base) complete(ctx context.Context, a *model.ActivityExecution, vars, source map[string]any, next []*model.ActivityDefinition) (Completion, error) {
	values, err := b.outputs(ctx, a, vars, source)
	if err != nil {
		return Completion{}, err
	}
	if err := b.rt.persist(ctx, a, model.ActivityCompleted); err != nil {
		return Completion{}, err
	}
	if len(values) > 0 {
		if _, err := b.rt.variables.SetProcessVariables(ctx, a.Process, values); err != nil {
			return Completion{}, err
		}
	}
	return Completion{Done: true, Next: next}, nil
}

func (b *base) outputs(ctx context.Context, a *model.ActivityExecution, vars, source map[string]any) (map[string]any, error) {
	values := maps.Clone(vars)
	if values == nil {
		values = map[string]any{}
	}
	def, ok := a.Definition()
	if !ok || len(def.Outputs) == 0 {
		return values, nil
	}
	if source == nil {
		visible, err := b.rt.variables.Visible(ctx, a)
		if err != nil {
			return nil, err
		}
		source = visible
	}
	scope := maps.Clone(source)
	if scope == nil {
		scope = map[string]any{}
	}
	maps.Copy(scope, vars)
	outputs, err := expression.EvaluateMap(b.rt.evaluator, def.Outputs, scope)
	if err != nil {
		return nil, err
	}
	maps.Copy(values, outputs)
	return values, nil
}

// activeOf returns the live executions of definitionIDs in processID.
func (b *base) activeOf(ctx context.Context, processID string, definitionIDs []string) ([]*model.ActivityExecution, error) {
	if len(definitionIDs) == 0 {
		return nil, nil
	}
	return b.rt.store.FindActivities(ctx, storeFilter(processID, definitionIDs, liveStates()...))
}

func ids(list []*model.ActivityExecution) []string {
	out := make([]string, len(list))
	for i, a := range list {
		out[i] = a.ID
	}
	return out
}

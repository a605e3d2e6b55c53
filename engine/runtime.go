package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goliatone/go-orchestrator/command"
	"github.com/goliatone/go-orchestrator/dispatcher"
	"github.com/goliatone/go-orchestrator/expression"
	"github.com/goliatone/go-orchestrator/logging"
	"github.com/goliatone/go-orchestrator/model"
	"github.com/goliatone/go-orchestrator/runner"
	"github.com/goliatone/go-orchestrator/store"
)

const (
	DefaultTaskTimeout = time.Hour
	DefaultTaskRetries = 0
)

// TaskSettings overrides the deadline and retry budget of external tasks.
type TaskSettings struct {
	Timeout time.Duration
	Retries *int
}

// ProcessSettings holds the overrides of one process definition key. Topics
// overrides win over the process level values.
type ProcessSettings struct {
	TaskSettings
	Topics map[string]TaskSettings
}

// Settings configures external task defaults.
type Settings struct {
	DefaultTaskTimeout time.Duration
	DefaultTaskRetries int
	Processes          map[string]ProcessSettings
}

func DefaultSettings() Settings {
	return Settings{
		DefaultTaskTimeout: DefaultTaskTimeout,
		DefaultTaskRetries: DefaultTaskRetries,
	}
}

// TaskTimeout resolves the deadline of an external task: definition, topic
// override, process override, engine default.
func (s Settings) TaskTimeout(def *model.ActivityDefinition, processKey string) time.Duration {
	if d, ok := def.TaskTimeout(); ok {
		return d
	}
	if ps, ok := s.Processes[processKey]; ok {
		if ts, ok := ps.Topics[def.Topic]; ok && ts.Timeout > 0 {
			return ts.Timeout
		}
		if ps.Timeout > 0 {
			return ps.Timeout
		}
	}
	if s.DefaultTaskTimeout > 0 {
		return s.DefaultTaskTimeout
	}
	return DefaultTaskTimeout
}

// TaskRetries resolves the retry budget of an external task in the same
// order as TaskTimeout.
func (s Settings) TaskRetries(def *model.ActivityDefinition, processKey string) int {
	if def.Retries != nil {
		return *def.Retries
	}
	if ps, ok := s.Processes[processKey]; ok {
		if ts, ok := ps.Topics[def.Topic]; ok && ts.Retries != nil {
			return *ts.Retries
		}
		if ps.Retries != nil {
			return *ps.Retries
		}
	}
	return s.DefaultTaskRetries
}

// Runtime owns the activity and process lifecycle. Every step is a message
// on the dispatcher; handlers chain further steps through it.
type Runtime struct {
	store      store.Gateway
	dispatcher *dispatcher.Dispatcher
	behaviors  *Registry
	evaluator  expression.Evaluator
	logger     logging.Logger
	settings   Settings
	variables  *Variables
	now        func() time.Time

	overrides map[model.ActivityType]Behavior
	joins     sync.Map
}

type Option func(*Runtime)

func WithEvaluator(e expression.Evaluator) Option {
	return func(r *Runtime) {
		if e != nil {
			r.evaluator = e
		}
	}
}

func WithLogger(l logging.Logger) Option {
	return func(r *Runtime) {
		if l != nil {
			r.logger = l
		}
	}
}

func WithSettings(s Settings) Option {
	return func(r *Runtime) {
		r.settings = s
	}
}

// WithClock replaces time.Now, used for deadlines.
func WithClock(now func() time.Time) Option {
	return func(r *Runtime) {
		if now != nil {
			r.now = now
		}
	}
}

// WithBehavior replaces the built-in behavior of t.
func WithBehavior(t model.ActivityType, b Behavior) Option {
	return func(r *Runtime) {
		if r.overrides == nil {
			r.overrides = make(map[model.ActivityType]Behavior)
		}
		r.overrides[t] = b
	}
}

// New builds a runtime and registers its handlers on d. It fails when a
// handler for one of its messages is already registered.
func New(gw store.Gateway, d *dispatcher.Dispatcher, opts ...Option) (*Runtime, error) {
	if gw == nil {
		return nil, newError(ErrConfiguration, "store gateway required", nil, nil)
	}
	if d == nil {
		return nil, newError(ErrConfiguration, "dispatcher required", nil, nil)
	}

	r := &Runtime{
		store:      gw,
		dispatcher: d,
		settings:   DefaultSettings(),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.evaluator == nil {
		r.evaluator = expression.New()
	}
	r.logger = logging.Normalize(r.logger)
	r.variables = &Variables{rt: r}

	behaviors, err := defaultBehaviors(r)
	if err != nil {
		return nil, err
	}
	for t, b := range r.overrides {
		behaviors.behaviors[t] = b
	}
	r.behaviors = behaviors

	if err := r.registerHandlers(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Runtime) Store() store.Gateway              { return r.store }
func (r *Runtime) Dispatcher() *dispatcher.Dispatcher { return r.dispatcher }
func (r *Runtime) Variables() *Variables             { return r.variables }
func (r *Runtime) Settings() Settings                { return r.settings }
func (r *Runtime) Evaluator() expression.Evaluator   { return r.evaluator }
func (r *Runtime) Logger() logging.Logger            { return r.logger }
func (r *Runtime) Behaviors() *Registry              { return r.behaviors }

// registerHandlers subscribes every lifecycle step with retries disabled.
// A step runs at most once per message whatever the dispatcher default is.
func (r *Runtime) registerHandlers() error {
	d := r.dispatcher
	once := runner.WithMaxRetries(0)
	regs := []func() (dispatcher.Subscription, error){
		func() (dispatcher.Subscription, error) {
			return dispatcher.RegisterCommandFunc[RunActivity](d, r.runActivity, once)
		},
		func() (dispatcher.Subscription, error) {
			return dispatcher.RegisterCommandFunc[CompleteActivity](d, r.completeActivity, once)
		},
		func() (dispatcher.Subscription, error) {
			return dispatcher.RegisterCommandFunc[FailActivity](d, r.failActivity, once)
		},
		func() (dispatcher.Subscription, error) {
			return dispatcher.RegisterCommandFunc[RetryActivity](d, r.retryActivity, once)
		},
		func() (dispatcher.Subscription, error) {
			return dispatcher.RegisterCommandFunc[TerminateActivity](d, r.terminateActivity, once)
		},
		func() (dispatcher.Subscription, error) {
			return dispatcher.RegisterCommandFunc[CancelActivity](d, r.cancelActivity, once)
		},
		func() (dispatcher.Subscription, error) {
			return dispatcher.RegisterCommandFunc[DeleteActivity](d, r.deleteActivity, once)
		},
		func() (dispatcher.Subscription, error) {
			return dispatcher.RegisterCommandFunc[TriggerActivity](d, r.triggerActivity, once)
		},
		func() (dispatcher.Subscription, error) {
			return dispatcher.RegisterCommandFunc[RunAll](d, r.runAll, once)
		},
		func() (dispatcher.Subscription, error) {
			return dispatcher.RegisterCommandFunc[FailAll](d, r.failAll, once)
		},
		func() (dispatcher.Subscription, error) {
			return dispatcher.RegisterCommandFunc[RetryAll](d, r.retryAll, once)
		},
		func() (dispatcher.Subscription, error) {
			return dispatcher.RegisterCommandFunc[TerminateAll](d, r.terminateAll, once)
		},
		func() (dispatcher.Subscription, error) {
			return dispatcher.RegisterCommandFunc[CancelAll](d, r.cancelAll, once)
		},
		func() (dispatcher.Subscription, error) {
			return dispatcher.RegisterCommandFunc[DeleteAll](d, r.deleteAll, once)
		},
		func() (dispatcher.Subscription, error) {
			return dispatcher.RegisterQueryFunc[StartProcess, *model.ProcessExecution](d, r.startProcess, once)
		},
		func() (dispatcher.Subscription, error) {
			return dispatcher.RegisterCommandFunc[CompleteProcess](d, r.completeProcess, once)
		},
		func() (dispatcher.Subscription, error) {
			return dispatcher.RegisterCommandFunc[IncidentProcess](d, r.incidentProcess, once)
		},
		func() (dispatcher.Subscription, error) {
			return dispatcher.RegisterCommandFunc[ResolveIncident](d, r.resolveIncident, once)
		},
		func() (dispatcher.Subscription, error) {
			return dispatcher.RegisterCommandFunc[TerminateProcess](d, r.terminateProcess, once)
		},
		func() (dispatcher.Subscription, error) {
			return dispatcher.RegisterCommandFunc[CancelProcess](d, r.cancelProcess, once)
		},
		func() (dispatcher.Subscription, error) {
			return dispatcher.RegisterCommandFunc[DeleteProcess](d, r.deleteProcess, once)
		},
		func() (dispatcher.Subscription, error) {
			return dispatcher.RegisterCommandFunc[MoveExecution](d, r.moveExecution, once)
		},
		func() (dispatcher.Subscription, error) {
			return dispatcher.RegisterCommandFunc[SetVariables](d, r.setVariables, once)
		},
		func() (dispatcher.Subscription, error) {
			return dispatcher.RegisterCommandFunc[CorrelateError](d, r.correlateError, once)
		},
		func() (dispatcher.Subscription, error) {
			return dispatcher.RegisterCommandFunc[CorrelateEscalation](d, r.correlateEscalation, once)
		},
		func() (dispatcher.Subscription, error) {
			return dispatcher.RegisterQueryFunc[CorrelateMessage, string](d, r.correlateMessage, once)
		},
		func() (dispatcher.Subscription, error) {
			return dispatcher.RegisterCommandFunc[CorrelateVariables](d, r.correlateVariables, once)
		},
	}

	subs := make([]dispatcher.Subscription, 0, len(regs))
	for _, reg := range regs {
		sub, err := reg()
		if err != nil {
			for _, s := range subs {
				s.Unsubscribe()
			}
			return err
		}
		subs = append(subs, sub)
	}
	return nil
}

func dispatch[T command.Message](ctx context.Context, r *Runtime, msg T) error {
	return dispatcher.Dispatch(ctx, r.dispatcher, msg)
}

func dispatchAsync[T command.Message](ctx context.Context, r *Runtime, msg T) {
	dispatcher.DispatchAsync(ctx, r.dispatcher, msg)
}

// canHandle is the guard every mutating activity command runs first.
func (r *Runtime) canHandle(a *model.ActivityExecution, op string) bool {
	if a.IsTerminal() {
		r.reject(a, op, "activity is terminal")
		return false
	}
	if a.Process != nil && a.Process.IsTerminal() && !a.IsAsync() {
		r.reject(a, op, "process is terminal")
		return false
	}
	return true
}

func (r *Runtime) reject(a *model.ActivityExecution, op, reason string) {
	err := newError(ErrInvalidTransition, fmt.Sprintf("%s ignored for activity %s: %s", op, a.ID, reason), nil, map[string]any{
		"activity_id":   a.ID,
		"definition_id": a.DefinitionID,
		"state":         string(a.State),
	})
	r.logger.Debug("%v", err)
}

// findActivity loads an existing execution with its process attached.
func (r *Runtime) findActivity(ctx context.Context, ref ActivityRef) (*model.ActivityExecution, error) {
	var (
		a   *model.ActivityExecution
		err error
	)
	if ref.ActivityID != "" {
		a, err = r.store.FindActivity(ctx, ref.ActivityID)
	} else {
		a, err = r.store.FindActivityByDefinition(ctx, ref.ProcessID, ref.DefinitionID)
	}
	if err != nil {
		return nil, err
	}
	if a.Process == nil || a.Process.Definition == nil {
		p, err := r.findProcess(ctx, a.ProcessID)
		if err != nil {
			return nil, err
		}
		a.Process = p
	}
	return a, nil
}

func (r *Runtime) findProcess(ctx context.Context, id string) (*model.ProcessExecution, error) {
	p, err := r.store.FindProcess(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Definition == nil {
		def, err := r.store.FindDefinition(ctx, p.DefinitionID)
		if err != nil {
			return nil, err
		}
		p.Definition = def
	}
	return p, nil
}

// newActivity builds an unsaved execution of definitionID inside processID.
func (r *Runtime) newActivity(ctx context.Context, processID, definitionID string) (*model.ActivityExecution, error) {
	p, err := r.findProcess(ctx, processID)
	if err != nil {
		return nil, err
	}
	def, err := activityDefinition(p, definitionID)
	if err != nil {
		return nil, err
	}
	return model.NewActivity(store.NewID(), p, def), nil
}

func activityDefinition(p *model.ProcessExecution, definitionID string) (*model.ActivityDefinition, error) {
	def, ok := p.Definition.Activity(definitionID)
	if !ok {
		return nil, newError(ErrNotFound,
			fmt.Sprintf("activity definition %s not found in %s", definitionID, p.DefinitionID), nil,
			map[string]any{"kind": "activity definition", "id": definitionID})
	}
	return def, nil
}

func (r *Runtime) behaviorFor(a *model.ActivityExecution) (Behavior, *model.ActivityDefinition, error) {
	def, err := definitionOf(a)
	if err != nil {
		return nil, nil, err
	}
	b, err := r.behaviors.Resolve(def.Type)
	if err != nil {
		return nil, nil, err
	}
	return b, def, nil
}

// persist moves a to state and saves it, stamping start and end times.
func (r *Runtime) persist(ctx context.Context, a *model.ActivityExecution, state model.ActivityState) error {
	now := r.now()
	a.State = state
	a.UpdatedAt = now
	switch {
	case state == model.ActivityActive:
		if a.StartedAt == nil {
			a.StartedAt = &now
		}
		a.CompletedAt = nil
	case state.IsTerminal():
		a.CompletedAt = &now
		a.Timeout = nil
	}
	return r.store.SaveActivity(ctx, a)
}

func (r *Runtime) saveProcess(ctx context.Context, p *model.ProcessExecution, state model.ProcessState) error {
	now := r.now()
	p.State = state
	p.UpdatedAt = now
	if state.IsTerminal() && p.CompletedAt == nil {
		p.CompletedAt = &now
	}
	if err := r.store.SaveProcess(ctx, p); err != nil {
		return err
	}
	if state.IsTerminal() {
		r.releaseJoins(p.ID)
	}
	return nil
}

func (r *Runtime) log(ctx context.Context) logging.Logger {
	return r.logger.WithContext(ctx)
}

type joinKey struct {
	processID    string
	definitionID string
}

// joinLock serializes the join evaluation of one gateway in one process.
func (r *Runtime) joinLock(processID, definitionID string) *sync.Mutex {
	mu, _ := r.joins.LoadOrStore(joinKey{processID, definitionID}, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// releaseJoins drops the join locks of a process that reached a terminal
// state.
func (r *Runtime) releaseJoins(processID string) {
	r.joins.Range(func(k, _ any) bool {
		if k.(joinKey).processID == processID {
			r.joins.Delete(k)
		}
		return true
	})
}

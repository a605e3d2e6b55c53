package orchestrator

import (
	"context"
	"fmt"
	"sync"

	apperrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-orchestrator/command"
	"github.com/goliatone/go-orchestrator/config"
	"github.com/goliatone/go-orchestrator/cron"
	"github.com/goliatone/go-orchestrator/dispatcher"
	"github.com/goliatone/go-orchestrator/engine"
	"github.com/goliatone/go-orchestrator/logging"
	"github.com/goliatone/go-orchestrator/model"
	"github.com/goliatone/go-orchestrator/queue"
	"github.com/goliatone/go-orchestrator/runner"
	"github.com/goliatone/go-orchestrator/store"
)

// ErrClosed is returned by every operation after Close.
var ErrClosed = apperrors.New("orchestrator closed", apperrors.CategoryConflict).
	WithTextCode("ORCHESTRATOR_CLOSED")

// Engine wires the store, dispatcher, runtime, queue and timeout sweep
// behind one handle.
type Engine struct {
	cfg    config.Config
	logger logging.Logger

	store      store.Gateway
	ownStore   bool
	dispatcher *dispatcher.Dispatcher
	runtime    *engine.Runtime
	queue      *queue.Queue
	scheduler  *cron.Scheduler
	sweeper    *queue.Sweeper

	engineOpts []engine.Option

	mu      sync.Mutex
	started bool
	closed  bool
}

type Option func(*Engine)

func WithLogger(l logging.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithStore uses gw instead of opening the configured database. The caller
// keeps ownership of gw.
func WithStore(gw store.Gateway) Option {
	return func(e *Engine) {
		if gw != nil {
			e.store = gw
		}
	}
}

// WithEngineOptions forwards options to the runtime, after the ones derived
// from the configuration.
func WithEngineOptions(opts ...engine.Option) Option {
	return func(e *Engine) {
		e.engineOpts = append(e.engineOpts, opts...)
	}
}

// New builds an Engine from cfg. The timeout sweep is not scheduled until
// Start.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{cfg: cfg}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	e.logger = logging.Normalize(e.logger)

	if e.store == nil {
		gw, err := openStore(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		e.store = gw
		e.ownStore = true
	}

	e.dispatcher = dispatcher.New(
		dispatcher.WithWorkers(cfg.Dispatcher.Workers),
		dispatcher.WithLogger(e.logger),
		dispatcher.WithRunnerOptions(runnerOptions(cfg.Dispatcher)...),
	)

	engineOpts := append([]engine.Option{
		engine.WithSettings(cfg.EngineSettings()),
		engine.WithLogger(e.logger),
	}, e.engineOpts...)

	rt, err := engine.New(e.store, e.dispatcher, engineOpts...)
	if err != nil {
		e.dispatcher.Close()
		e.closeStore()
		return nil, err
	}
	e.runtime = rt

	e.queue = queue.New(rt,
		queue.WithLogger(e.logger),
		queue.WithTimeoutBatchSize(cfg.Queue.TimeoutBatchSize),
		queue.WithSuspendBatchSize(cfg.Queue.SuspendBatchSize),
	)
	e.schedule()
	return e, nil
}

// schedule builds a fresh scheduler; a stopped one cannot be restarted.
func (e *Engine) schedule() {
	e.scheduler = cron.NewScheduler(
		cron.WithLogger(e.logger),
		cron.WithErrorHandler(func(err error) {
			e.logger.Error("scheduled job failed: %v", err)
		}),
	)
	e.sweeper = queue.NewSweeper(e.queue, e.scheduler, e.cfg.Queue.SweepSchedule)
}

func openStore(ctx context.Context, db config.Database) (store.Gateway, error) {
	if db.Driver == config.DriverMemory {
		return store.NewMemoryStore(), nil
	}
	return store.Open(ctx, db.Driver, db.DSN)
}

func runnerOptions(cfg config.Dispatcher) []runner.Option {
	var opts []runner.Option
	if cfg.HandlerTimeout > 0 {
		opts = append(opts, runner.WithTimeout(cfg.HandlerTimeout))
	}
	if cfg.MaxRetries > 0 {
		opts = append(opts, runner.WithMaxRetries(cfg.MaxRetries))
	}
	return opts
}

func (e *Engine) Config() config.Config              { return e.cfg }
func (e *Engine) Logger() logging.Logger             { return e.logger }
func (e *Engine) Store() store.Gateway               { return e.store }
func (e *Engine) Runtime() *engine.Runtime           { return e.runtime }
func (e *Engine) Queue() *queue.Queue                { return e.queue }
func (e *Engine) Dispatcher() *dispatcher.Dispatcher { return e.dispatcher }

// Start schedules the timeout sweep.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed.Clone()
	}
	if e.started {
		return nil
	}
	if _, err := e.sweeper.Register(); err != nil {
		return err
	}
	if err := e.scheduler.Start(ctx); err != nil {
		e.sweeper.Unregister()
		return err
	}
	e.started = true
	e.logger.Info("orchestrator started, sweep %s", e.cfg.Queue.SweepSchedule)
	return nil
}

// Stop unschedules the sweep and waits for in flight work.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stop(ctx)
}

func (e *Engine) stop(ctx context.Context) error {
	if !e.started {
		return nil
	}
	e.started = false
	e.sweeper.Unregister()
	err := e.scheduler.Stop(ctx)
	e.schedule()
	e.dispatcher.Wait()
	e.logger.Info("orchestrator stopped")
	return err
}

// Close stops the engine, drains the dispatcher and closes the store when
// the engine opened it.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	err := e.stop(ctx)
	e.closed = true
	e.dispatcher.Wait()
	e.dispatcher.Close()
	return apperrors.Join(err, e.closeStore())
}

func (e *Engine) closeStore() error {
	if !e.ownStore {
		return nil
	}
	return e.store.Close()
}

func (e *Engine) live() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed.Clone()
	}
	return nil
}

// Deploy stores defs. Each definition is normalized and validated first.
func (e *Engine) Deploy(ctx context.Context, defs ...*model.ProcessDefinition) error {
	if err := e.live(); err != nil {
		return err
	}
	for _, def := range defs {
		model.Normalize(def)
		if err := def.Validate(); err != nil {
			return err
		}
	}
	for _, def := range defs {
		if err := e.store.SaveDefinition(ctx, def); err != nil {
			return fmt.Errorf("deploy %s: %w", def.ID, err)
		}
		e.logger.Info("deployed definition %s", def.ID)
	}
	return nil
}

// DeployDocument parses a YAML or JSON definitions document and deploys it.
func (e *Engine) DeployDocument(ctx context.Context, data []byte) ([]*model.ProcessDefinition, error) {
	defs, err := model.ParseDefinitions(data)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CategoryBadInput, "invalid definitions document").
			WithTextCode("INVALID_DEFINITION")
	}
	if err := e.Deploy(ctx, defs...); err != nil {
		return nil, err
	}
	return defs, nil
}

func (e *Engine) StartByDefinitionID(ctx context.Context, id, businessKey string, vars map[string]any) (*model.ProcessExecution, error) {
	return e.start(ctx, engine.StartProcess{DefinitionID: id, BusinessKey: businessKey, Variables: vars})
}

// StartByDefinitionKey starts the latest version of key.
func (e *Engine) StartByDefinitionKey(ctx context.Context, key, businessKey string, vars map[string]any) (*model.ProcessExecution, error) {
	return e.start(ctx, engine.StartProcess{DefinitionKey: key, BusinessKey: businessKey, Variables: vars})
}

func (e *Engine) start(ctx context.Context, cmd engine.StartProcess) (*model.ProcessExecution, error) {
	if err := e.live(); err != nil {
		return nil, err
	}
	return dispatcher.Execute[engine.StartProcess, *model.ProcessExecution](ctx, e.dispatcher, cmd)
}

func (e *Engine) Cancel(ctx context.Context, processID string) error {
	return send(ctx, e, engine.NewCancelProcess(processID))
}

// Terminate terminates the process and every live activity. A child
// process terminated without interrupt hands control back to its parent.
func (e *Engine) Terminate(ctx context.Context, processID string, interrupt bool) error {
	return send(ctx, e, engine.NewTerminateProcess(processID, interrupt))
}

func (e *Engine) Delete(ctx context.Context, processID string) error {
	return send(ctx, e, engine.NewDeleteProcess(processID))
}

func (e *Engine) MoveExecution(ctx context.Context, processID, fromDefinitionID, toDefinitionID string) error {
	return send(ctx, e, engine.MoveExecution{
		ProcessID:        processID,
		FromDefinitionID: fromDefinitionID,
		ToDefinitionID:   toDefinitionID,
	})
}

func (e *Engine) SetVariables(ctx context.Context, executionID string, vars map[string]any, local bool) error {
	return send(ctx, e, engine.SetVariables{ExecutionID: executionID, Variables: vars, Local: local})
}

// CorrelateMessage delivers msg and returns the id of the process that
// received it.
func (e *Engine) CorrelateMessage(ctx context.Context, msg engine.CorrelateMessage) (string, error) {
	if err := e.live(); err != nil {
		return "", err
	}
	return dispatcher.Execute[engine.CorrelateMessage, string](ctx, e.dispatcher, msg)
}

// ThrowError raises a business error from activityID.
func (e *Engine) ThrowError(ctx context.Context, activityID, code string) error {
	return send(ctx, e, engine.CorrelateError{ActivityID: activityID, Code: code})
}

func (e *Engine) Escalate(ctx context.Context, activityID, code string) error {
	return send(ctx, e, engine.CorrelateEscalation{ActivityID: activityID, Code: code})
}

func (e *Engine) RunActivity(ctx context.Context, ref engine.ActivityRef) error {
	return send(ctx, e, engine.RunActivity{ActivityRef: ref})
}

func (e *Engine) CompleteActivity(ctx context.Context, ref engine.ActivityRef, vars map[string]any) error {
	return send(ctx, e, engine.CompleteActivity{ActivityRef: ref, Variables: vars})
}

func (e *Engine) FailActivity(ctx context.Context, ref engine.ActivityRef, reason string, vars map[string]any) error {
	return send(ctx, e, engine.FailActivity{ActivityRef: ref, Reason: reason, Variables: vars})
}

func (e *Engine) RetryActivity(ctx context.Context, ref engine.ActivityRef) error {
	return send(ctx, e, engine.RetryActivity{ActivityRef: ref})
}

func (e *Engine) TerminateActivity(ctx context.Context, ref engine.ActivityRef, interrupt bool) error {
	return send(ctx, e, engine.TerminateActivity{ActivityRef: ref, Interrupt: interrupt})
}

func (e *Engine) CancelActivity(ctx context.Context, ref engine.ActivityRef) error {
	return send(ctx, e, engine.CancelActivity{ActivityRef: ref})
}

func (e *Engine) DeleteActivity(ctx context.Context, ref engine.ActivityRef) error {
	return send(ctx, e, engine.DeleteActivity{ActivityRef: ref})
}

func (e *Engine) Poll(ctx context.Context, topic, processDefinitionKey string, limit int) ([]queue.Task, error) {
	if err := e.live(); err != nil {
		return nil, err
	}
	return e.queue.Poll(ctx, queue.PollRequest{Topic: topic, ProcessDefinitionKey: processDefinitionKey, Limit: limit})
}

func (e *Engine) CompleteTask(ctx context.Context, taskID string, vars map[string]any) error {
	if err := e.live(); err != nil {
		return err
	}
	return e.queue.Complete(ctx, taskID, vars)
}

func (e *Engine) FailTask(ctx context.Context, taskID, reason string, vars map[string]any) error {
	if err := e.live(); err != nil {
		return err
	}
	return e.queue.Fail(ctx, taskID, reason, vars)
}

// SweepTimeouts runs one timeout sweep outside of the schedule.
func (e *Engine) SweepTimeouts(ctx context.Context) (int, error) {
	if err := e.live(); err != nil {
		return 0, err
	}
	return e.queue.SweepTimeouts(ctx)
}

func (e *Engine) Suspend(ctx context.Context, sel queue.DefinitionSelector) (int, error) {
	if err := e.live(); err != nil {
		return 0, err
	}
	return e.queue.Suspend(ctx, sel)
}

func (e *Engine) Resume(ctx context.Context, sel queue.DefinitionSelector) (int, error) {
	if err := e.live(); err != nil {
		return 0, err
	}
	return e.queue.Resume(ctx, sel)
}

// Snapshot is the persisted view of one process.
type Snapshot struct {
	Process    *model.ProcessExecution    `json:"process"`
	Activities []*model.ActivityExecution `json:"activities"`
	Variables  map[string]any             `json:"variables"`
}

func (e *Engine) Inspect(ctx context.Context, processID string) (*Snapshot, error) {
	if err := e.live(); err != nil {
		return nil, err
	}
	p, err := e.store.FindProcess(ctx, processID)
	if err != nil {
		return nil, err
	}
	activities, err := e.store.FindActivities(ctx, store.ActivityFilter{ProcessID: processID})
	if err != nil {
		return nil, err
	}
	vars, err := e.runtime.Variables().Process(ctx, processID)
	if err != nil {
		return nil, err
	}
	return &Snapshot{Process: p, Activities: activities, Variables: vars}, nil
}

// Wait blocks until asynchronous follow up steps settle.
func (e *Engine) Wait() {
	e.dispatcher.Wait()
}

func send[T command.Message](ctx context.Context, e *Engine, msg T) error {
	if err := e.live(); err != nil {
		return err
	}
	return dispatcher.Dispatch(ctx, e.dispatcher, msg)
}

package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/goliatone/go-orchestrator/command"
	"github.com/goliatone/go-orchestrator/logging"
	"github.com/goliatone/go-orchestrator/runner"
	"golang.org/x/sync/semaphore"
)

const DefaultWorkers = 16

// Dispatcher routes a message to the single handler registered for its type.
// Handlers may dispatch further messages, synchronously or through the
// bounded async pool.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]any

	workers      int64
	sem          *semaphore.Weighted
	runnerOpts   []runner.Option
	logger       logging.Logger
	errorHandler func(msgType string, err error)

	pendingMu sync.Mutex
	pending   int
	idle      *sync.Cond
	closed    bool
}

// Option defines the functional option signature.
type Option func(*Dispatcher)

// WithWorkers bounds the number of concurrently running async handlers.
func WithWorkers(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers = int64(n)
		}
	}
}

// WithLogger sets the logger used for async failures.
func WithLogger(l logging.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithErrorHandler receives errors returned by async handlers.
func WithErrorHandler(h func(msgType string, err error)) Option {
	return func(d *Dispatcher) {
		d.errorHandler = h
	}
}

// WithRunnerOptions sets the default execution policy for every handler.
func WithRunnerOptions(opts ...runner.Option) Option {
	return func(d *Dispatcher) {
		d.runnerOpts = append(d.runnerOpts, opts...)
	}
}

// New applies the given options to a new dispatcher instance.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		handlers: make(map[string]any),
		workers:  DefaultWorkers,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	d.logger = logging.Normalize(d.logger)
	if d.errorHandler == nil {
		d.errorHandler = func(msgType string, err error) {
			d.logger.Error("async handler for %s failed: %v", msgType, err)
		}
	}
	d.sem = semaphore.NewWeighted(d.workers)
	d.idle = sync.NewCond(&d.pendingMu)
	return d
}

func (d *Dispatcher) register(msgType string, handler any) error {
	if msgType == "" || msgType == "unknown_type" {
		return configurationError(ErrHandlerMismatch, msgType)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.handlers[msgType]; exists {
		return configurationError(ErrDuplicateHandler, msgType)
	}
	d.handlers[msgType] = handler
	return nil
}

func (d *Dispatcher) handler(msgType string) (any, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handlers[msgType]
	return h, ok
}

// Handles reports whether a handler is registered for msgType.
func (d *Dispatcher) Handles(msgType string) bool {
	_, ok := d.handler(msgType)
	return ok
}

// MessageTypes lists registered message types.
func (d *Dispatcher) MessageTypes() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.handlers))
	for k := range d.handlers {
		out = append(out, k)
	}
	return out
}

func (d *Dispatcher) newRunner(opts []runner.Option) *runner.Handler {
	all := make([]runner.Option, 0, len(d.runnerOpts)+len(opts)+1)
	all = append(all, runner.WithLogger(d.logger))
	all = append(all, d.runnerOpts...)
	all = append(all, opts...)
	return runner.NewHandler(all...)
}

// RegisterCommand registers cmd as the handler for T. Registering a second
// handler for the same type fails with a configuration error.
func RegisterCommand[T command.Message](d *Dispatcher, cmd command.Commander[T], runnerOpts ...runner.Option) (Subscription, error) {
	var msg T
	msgType := command.GetMessageType(msg)
	wrapper := &commandWrapper[T]{
		runner: d.newRunner(runnerOpts),
		cmd:    cmd,
	}
	if err := d.register(msgType, wrapper); err != nil {
		return nil, err
	}
	return &subs{dispatcher: d, msgType: msgType, handler: wrapper}, nil
}

func RegisterCommandFunc[T command.Message](d *Dispatcher, handler command.CommandFunc[T], runnerOpts ...runner.Option) (Subscription, error) {
	return RegisterCommand[T](d, handler, runnerOpts...)
}

// RegisterQuery registers qry as the value producing handler for T.
func RegisterQuery[T command.Message, R any](d *Dispatcher, qry command.Querier[T, R], runnerOpts ...runner.Option) (Subscription, error) {
	var msg T
	msgType := command.GetMessageType(msg)
	wrapper := &queryWrapper[T, R]{
		runner: d.newRunner(runnerOpts),
		qry:    qry,
	}
	if err := d.register(msgType, wrapper); err != nil {
		return nil, err
	}
	return &subs{dispatcher: d, msgType: msgType, handler: wrapper}, nil
}

func RegisterQueryFunc[T command.Message, R any](d *Dispatcher, qry command.QueryFunc[T, R], runnerOpts ...runner.Option) (Subscription, error) {
	return RegisterQuery[T, R](d, qry, runnerOpts...)
}

// Dispatch runs the handler registered for msg and returns its error.
func Dispatch[T command.Message](ctx context.Context, d *Dispatcher, msg T) (err error) {
	if err := command.ValidateMessage(msg); err != nil {
		return err
	}

	msgType := command.GetMessageType(msg)
	h, ok := d.handler(msgType)
	if !ok {
		return configurationError(ErrHandlerNotFound, msgType)
	}

	cw, ok := h.(*commandWrapper[T])
	if !ok {
		return configurationError(ErrHandlerMismatch, msgType)
	}

	if ctx.Err() != nil {
		return command.WrapError("ContextError", "context canceled or deadline exceeded", ctx.Err())
	}

	defer command.RecoverAsError(&err, msgType)

	if rerr := runner.RunCommand(ctx, cw.runner, cw.cmd, msg); rerr != nil {
		return command.WrapError(
			"HandlerExecutionFailed",
			fmt.Sprintf("handler failed for type %s", msgType),
			rerr,
		)
	}
	return nil
}

// DispatchAsync schedules msg on the worker pool and returns immediately.
// The caller's context values are kept but its cancellation is not.
func DispatchAsync[T command.Message](ctx context.Context, d *Dispatcher, msg T) {
	msgType := command.GetMessageType(msg)
	if !d.begin() {
		d.errorHandler(msgType, configurationError(ErrClosed, msgType))
		return
	}

	ctx = context.WithoutCancel(ctx)
	go func() {
		defer d.done()

		if err := d.sem.Acquire(ctx, 1); err != nil {
			d.errorHandler(msgType, err)
			return
		}
		defer d.sem.Release(1)

		if err := Dispatch(ctx, d, msg); err != nil {
			d.errorHandler(msgType, err)
		}
	}()
}

// Execute runs the query handler registered for msg and returns its value.
func Execute[T command.Message, R any](ctx context.Context, d *Dispatcher, msg T) (result R, err error) {
	var zero R
	if err := command.ValidateMessage(msg); err != nil {
		return zero, err
	}

	msgType := command.GetMessageType(msg)
	h, ok := d.handler(msgType)
	if !ok {
		return zero, configurationError(ErrHandlerNotFound, msgType)
	}

	qw, ok := h.(*queryWrapper[T, R])
	if !ok {
		return zero, configurationError(ErrHandlerMismatch, msgType)
	}

	if ctx.Err() != nil {
		return zero, command.WrapError("ContextError", "context canceled or deadline exceeded", ctx.Err())
	}

	defer command.RecoverAsError(&err, msgType)

	result, qerr := runner.RunQuery(ctx, qw.runner, qw.qry, msg)
	if qerr != nil {
		return zero, command.WrapError(
			"HandlerExecutionFailed",
			fmt.Sprintf("query handler failed for type %s", msgType),
			qerr,
		)
	}
	return result, nil
}

// Wait blocks until every async dispatch, including the ones scheduled by
// running handlers, has finished.
func (d *Dispatcher) Wait() {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()
	for d.pending > 0 {
		d.idle.Wait()
	}
}

// Close stops accepting async work and waits for in-flight work to drain.
func (d *Dispatcher) Close() {
	d.pendingMu.Lock()
	d.closed = true
	d.pendingMu.Unlock()
	d.Wait()
}

func (d *Dispatcher) begin() bool {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()
	if d.closed {
		return false
	}
	d.pending++
	return true
}

func (d *Dispatcher) done() {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()
	d.pending--
	if d.pending == 0 {
		d.idle.Broadcast()
	}
}

type commandWrapper[T command.Message] struct {
	runner *runner.Handler
	cmd    command.Commander[T]
}

type queryWrapper[T command.Message, R any] struct {
	runner *runner.Handler
	qry    command.Querier[T, R]
}

package cron

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goliatone/go-orchestrator/logging"
	"github.com/goliatone/go-orchestrator/runner"
	rcron "github.com/robfig/cron/v3"
)

// Job is one scheduled unit of work. The context is cancelled when the
// scheduler stops.
type Job func(ctx context.Context) error

// JobConfig describes how a job is scheduled and run.
type JobConfig struct {
	Name       string
	Expression string
	Timeout    time.Duration
	MaxRetries int
	// Overlap allows a recurring job to start while its previous run is
	// still going.
	Overlap bool
}

// Scheduler runs recurring and one-off jobs on top of robfig/cron.
type Scheduler struct {
	mu           sync.Mutex
	cron         *rcron.Cron
	location     *time.Location
	parser       Parser
	logger       logging.Logger
	logLevel     LogLevel
	errorHandler func(error)
	retry        runner.RetryStrategy

	ctx    context.Context
	cancel context.CancelFunc

	nextHandleID int64
	handles      map[int64]*cronSubscription
}

func NewScheduler(opts ...Option) *Scheduler {
	s := &Scheduler{
		location: time.Local,
		parser:   DefaultParser,
		logLevel: LogLevelError,
		handles:  make(map[int64]*cronSubscription),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.logger = logging.Normalize(s.logger)
	if s.errorHandler == nil {
		s.errorHandler = func(err error) {
			s.logger.Error("scheduled job failed: %v", err)
		}
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.cron = rcron.New(s.build()...)
	return s
}

// Schedule registers job to run on cfg.Expression.
func (s *Scheduler) Schedule(cfg JobConfig, job Job) (Handle, error) {
	if cfg.Expression == "" {
		return nil, fmt.Errorf("cron expression cannot be empty")
	}
	if job == nil {
		return nil, fmt.Errorf("job %q cannot be nil", cfg.Name)
	}

	run := s.runnable(cfg, job)
	sub := s.newHandle(cfg.Name)

	var entry rcron.Job = rcron.FuncJob(func() {
		if isTerminalStatus(sub.Status()) {
			return
		}
		sub.setStatus(ScheduleStatusRunning, nil)
		if err := run(); err != nil {
			sub.setStatus(ScheduleStatusFailed, err)
			s.errorHandler(fmt.Errorf("job %s: %w", cfg.Name, err))
			return
		}
		if !isTerminalStatus(sub.Status()) {
			sub.setStatus(ScheduleStatusIdle, nil)
		}
	})
	if !cfg.Overlap {
		entry = rcron.NewChain(rcron.SkipIfStillRunning(s.cronLogger())).Then(entry)
	}

	entryID, err := s.cron.AddJob(cfg.Expression, entry)
	if err != nil {
		return nil, fmt.Errorf("schedule %s: %w", cfg.Name, err)
	}
	sub.entryID = int(entryID)
	s.storeHandle(sub)
	return sub, nil
}

// ScheduleAfter runs job once after delay.
func (s *Scheduler) ScheduleAfter(delay time.Duration, cfg JobConfig, job Job) (Handle, error) {
	if delay < 0 {
		delay = 0
	}
	return s.ScheduleAt(time.Now().Add(delay), cfg, job)
}

// ScheduleAt runs job once at the given time.
func (s *Scheduler) ScheduleAt(at time.Time, cfg JobConfig, job Job) (Handle, error) {
	if job == nil {
		return nil, fmt.Errorf("job %q cannot be nil", cfg.Name)
	}
	run := s.runnable(cfg, job)
	sub := s.newHandle(cfg.Name)
	s.storeHandle(sub)

	go func() {
		timer := time.NewTimer(max(time.Until(at), 0))
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-sub.Done():
			return
		case <-s.ctx.Done():
			sub.setTerminal(ScheduleStatusStopped, nil)
			return
		}

		if isTerminalStatus(sub.Status()) {
			return
		}
		sub.setStatus(ScheduleStatusRunning, nil)
		err := run()
		s.removeStoredHandle(sub.id)
		if err != nil {
			sub.setTerminal(ScheduleStatusFailed, err)
			s.errorHandler(fmt.Errorf("job %s: %w", cfg.Name, err))
			return
		}
		sub.setTerminal(ScheduleStatusCompleted, nil)
	}()

	return sub, nil
}

// Start begins executing recurring jobs.
func (s *Scheduler) Start(_ context.Context) error {
	s.cron.Start()
	s.logger.Debug("scheduler started with %d recurring jobs", len(s.cron.Entries()))
	return nil
}

// Stop halts the scheduler, cancels running jobs and waits for them to
// return or ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	stopped := s.cron.Stop()
	s.cancel()

	s.mu.Lock()
	handles := make([]*cronSubscription, 0, len(s.handles))
	for _, h := range s.handles {
		handles = append(handles, h)
	}
	s.handles = make(map[int64]*cronSubscription)
	s.mu.Unlock()

	for _, h := range handles {
		if !isTerminalStatus(h.Status()) {
			h.setTerminal(ScheduleStatusStopped, nil)
		}
	}

	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handles returns the live schedule handles.
func (s *Scheduler) Handles() []Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Handle, 0, len(s.handles))
	for _, h := range s.handles {
		out = append(out, h)
	}
	return out
}

func (s *Scheduler) runnable(cfg JobConfig, job Job) func() error {
	opts := []runner.Option{
		runner.WithMaxRetries(cfg.MaxRetries),
		runner.WithLogger(s.logger),
	}
	if s.retry != nil {
		opts = append(opts, runner.WithRetryStrategy(s.retry))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, runner.WithTimeout(cfg.Timeout))
	} else {
		opts = append(opts, runner.WithNoTimeout())
	}
	h := runner.NewHandler(opts...)
	return func() error {
		return h.Run(s.ctx, func(ctx context.Context) error { return job(ctx) })
	}
}

func (s *Scheduler) removeHandle(id int64) {
	h := s.removeStoredHandle(id)
	if h != nil && h.entryID > 0 {
		s.cron.Remove(rcron.EntryID(h.entryID))
	}
}

func (s *Scheduler) removeStoredHandle(id int64) *cronSubscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.handles[id]
	delete(s.handles, id)
	return h
}

func (s *Scheduler) storeHandle(h *cronSubscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handles[h.id] = h
}

func (s *Scheduler) newHandle(name string) *cronSubscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextHandleID++
	return &cronSubscription{
		scheduler: s,
		id:        s.nextHandleID,
		name:      name,
		status:    ScheduleStatusScheduled,
		done:      make(chan struct{}),
	}
}

func isTerminalStatus(status ScheduleStatus) bool {
	switch status {
	case ScheduleStatusCompleted, ScheduleStatusCanceled, ScheduleStatusStopped:
		return true
	default:
		return false
	}
}

func (s *Scheduler) cronLogger() rcron.Logger {
	return &loggerAdapter{logger: s.logger, level: s.logLevel}
}

// build converts scheduler options to robfig/cron options.
func (s *Scheduler) build() []rcron.Option {
	opts := []rcron.Option{
		rcron.WithLocation(s.location),
		rcron.WithLogger(s.cronLogger()),
		rcron.WithChain(rcron.Recover(&errorHandlerAdapter{handler: s.errorHandler})),
	}
	switch s.parser {
	case StandardParser:
		opts = append(opts, rcron.WithParser(rcron.NewParser(
			rcron.Minute|rcron.Hour|rcron.Dom|rcron.Month|rcron.Dow|rcron.Descriptor,
		)))
	case SecondsParser:
		opts = append(opts, rcron.WithSeconds())
	}
	return opts
}

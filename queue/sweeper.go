package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/goliatone/go-orchestrator/cron"
)

const DefaultSweepSchedule = "@every 30s"

// sweepSlack keeps the one-shot sweep just past the deadline it targets,
// since only deadlines strictly before now count as elapsed.
const sweepSlack = 10 * time.Millisecond

// Sweeper runs SweepTimeouts on a cron schedule. After every run it arms a
// one-shot sweep at the next pending deadline, so a task times out close to
// its deadline instead of on the following tick.
type Sweeper struct {
	queue     *Queue
	scheduler *cron.Scheduler
	schedule  string

	mu     sync.Mutex
	handle cron.Handle
	next   cron.Handle
	nextAt time.Time
}

func NewSweeper(q *Queue, scheduler *cron.Scheduler, schedule string) *Sweeper {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	return &Sweeper{queue: q, scheduler: scheduler, schedule: schedule}
}

// Register adds the sweep to the scheduler. Runs never overlap.
func (s *Sweeper) Register() (cron.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle != nil {
		return s.handle, nil
	}
	handle, err := s.scheduler.Schedule(cron.JobConfig{
		Name:       "timeout-sweep",
		Expression: s.schedule,
	}, s.run)
	if err != nil {
		return nil, err
	}
	s.handle = handle
	return handle, nil
}

func (s *Sweeper) run(ctx context.Context) error {
	_, err := s.queue.SweepTimeouts(ctx)
	return errors.Join(err, s.arm(ctx))
}

func (s *Sweeper) runNext(ctx context.Context) error {
	s.mu.Lock()
	s.next = nil
	s.mu.Unlock()
	return s.run(ctx)
}

// arm schedules the one-shot sweep unless the sweeper is unregistered or an
// earlier one is already pending.
func (s *Sweeper) arm(ctx context.Context) error {
	wait, ok, err := s.queue.NextTimeout(ctx)
	if err != nil || !ok {
		return err
	}
	at := time.Now().Add(wait)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil {
		return nil
	}
	if s.next != nil {
		if pending(s.next) && !s.nextAt.After(at) {
			return nil
		}
		s.next.Cancel()
	}
	next, err := s.scheduler.ScheduleAfter(wait+sweepSlack, cron.JobConfig{Name: "timeout-sweep-next"}, s.runNext)
	if err != nil {
		return err
	}
	s.next, s.nextAt = next, at
	return nil
}

func pending(h cron.Handle) bool {
	select {
	case <-h.Done():
		return false
	default:
		return true
	}
}

// Unregister removes the sweep and any pending one-shot from the scheduler.
func (s *Sweeper) Unregister() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle != nil {
		s.handle.Cancel()
		s.handle = nil
	}
	if s.next != nil {
		s.next.Cancel()
		s.next = nil
	}
}

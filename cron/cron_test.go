package cron

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func countingJob(count *atomic.Int32) Job {
	return func(context.Context) error {
		count.Add(1)
		return nil
	}
}

func TestScheduleAfterCompletesAndReportsStatus(t *testing.T) {
	scheduler := NewScheduler()
	var count atomic.Int32

	handle, err := scheduler.ScheduleAfter(50*time.Millisecond, JobConfig{Name: "once"}, countingJob(&count))
	if err != nil {
		t.Fatalf("schedule after: %v", err)
	}

	select {
	case <-handle.Done():
	case <-time.After(time.Second):
		t.Fatal("expected handle completion")
	}

	if got := count.Load(); got != 1 {
		t.Fatalf("expected one execution, got %d", got)
	}
	if status := handle.Status(); status != ScheduleStatusCompleted {
		t.Fatalf("expected completed status, got %s", status)
	}
	if handle.Name() != "once" {
		t.Fatalf("expected handle name once, got %q", handle.Name())
	}
}

func TestScheduleAfterRetriesFailedRun(t *testing.T) {
	var errs atomic.Int32
	scheduler := NewScheduler(WithErrorHandler(func(error) { errs.Add(1) }))
	var calls atomic.Int32

	handle, err := scheduler.ScheduleAfter(0, JobConfig{Name: "flaky", MaxRetries: 2}, func(context.Context) error {
		if calls.Add(1) < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("schedule after: %v", err)
	}

	select {
	case <-handle.Done():
	case <-time.After(time.Second):
		t.Fatal("expected handle completion")
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("expected three attempts, got %d", got)
	}
	if status := handle.Status(); status != ScheduleStatusCompleted {
		t.Fatalf("expected completed status, got %s", status)
	}
	if errs.Load() != 0 {
		t.Fatalf("expected no reported errors, got %d", errs.Load())
	}
}

func TestScheduleAfterReportsFailure(t *testing.T) {
	reported := make(chan error, 1)
	scheduler := NewScheduler(WithErrorHandler(func(err error) { reported <- err }))

	handle, err := scheduler.ScheduleAfter(0, JobConfig{Name: "broken"}, func(context.Context) error {
		return errors.New("boom")
	})
	if err != nil {
		t.Fatalf("schedule after: %v", err)
	}

	select {
	case err := <-reported:
		if err == nil {
			t.Fatal("expected reported error")
		}
	case <-time.After(time.Second):
		t.Fatal("expected error handler call")
	}
	<-handle.Done()
	if status := handle.Status(); status != ScheduleStatusFailed {
		t.Fatalf("expected failed status, got %s", status)
	}
	if handle.Err() == nil {
		t.Fatal("expected handle error")
	}
}

func TestScheduleAtCancelPreventsExecution(t *testing.T) {
	scheduler := NewScheduler()
	var count atomic.Int32

	handle, err := scheduler.ScheduleAt(time.Now().Add(250*time.Millisecond), JobConfig{}, countingJob(&count))
	if err != nil {
		t.Fatalf("schedule at: %v", err)
	}

	handle.Cancel()

	select {
	case <-handle.Done():
	case <-time.After(time.Second):
		t.Fatal("expected canceled handle to close done channel")
	}

	time.Sleep(300 * time.Millisecond)
	if got := count.Load(); got != 0 {
		t.Fatalf("expected zero executions after cancel, got %d", got)
	}
	if status := handle.Status(); status != ScheduleStatusCanceled {
		t.Fatalf("expected canceled status, got %s", status)
	}
}

func TestScheduleRecurringCancelableHandle(t *testing.T) {
	scheduler := NewScheduler()
	var count atomic.Int32

	handle, err := scheduler.Schedule(JobConfig{Name: "tick", Expression: "@every 1s"}, countingJob(&count))
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	if err := scheduler.Start(context.Background()); err != nil {
		t.Fatalf("scheduler start: %v", err)
	}
	defer scheduler.Stop(context.Background())

	deadline := time.After(2500 * time.Millisecond)
	for count.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("expected at least one cron run")
		default:
			time.Sleep(20 * time.Millisecond)
		}
	}

	handle.Cancel()
	select {
	case <-handle.Done():
	case <-time.After(time.Second):
		t.Fatal("expected cancel to close handle done channel")
	}

	if status := handle.Status(); status != ScheduleStatusCanceled {
		t.Fatalf("expected canceled status, got %s", status)
	}
	if n := len(scheduler.Handles()); n != 0 {
		t.Fatalf("expected no live handles, got %d", n)
	}
}

func TestSchedulerStopMarksHandleStopped(t *testing.T) {
	scheduler := NewScheduler()
	handle, err := scheduler.Schedule(JobConfig{Expression: "@every 5s"}, func(context.Context) error { return nil })
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	if err := scheduler.Start(context.Background()); err != nil {
		t.Fatalf("scheduler start: %v", err)
	}
	if err := scheduler.Stop(context.Background()); err != nil {
		t.Fatalf("scheduler stop: %v", err)
	}

	select {
	case <-handle.Done():
	case <-time.After(time.Second):
		t.Fatal("expected handle done on stop")
	}
	if status := handle.Status(); status != ScheduleStatusStopped {
		t.Fatalf("expected stopped status, got %s", status)
	}
}

func TestScheduleValidation(t *testing.T) {
	scheduler := NewScheduler()

	if _, err := scheduler.Schedule(JobConfig{}, func(context.Context) error { return nil }); err == nil {
		t.Fatal("expected empty expression error")
	}
	if _, err := scheduler.Schedule(JobConfig{Expression: "@every 1s"}, nil); err == nil {
		t.Fatal("expected nil job error")
	}
	if _, err := scheduler.Schedule(JobConfig{Expression: "not a schedule"}, func(context.Context) error { return nil }); err == nil {
		t.Fatal("expected parse error")
	}
}

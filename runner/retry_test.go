package runner

import (
	"testing"
	"time"
)

func TestNoDelayStrategy(t *testing.T) {
	if d := (NoDelayStrategy{}).SleepDuration(3, nil); d != 0 {
		t.Fatalf("expected zero delay, got %s", d)
	}
}

func TestExponentialBackoffStrategy(t *testing.T) {
	strategy := ExponentialBackoffStrategy{
		Base:   10 * time.Millisecond,
		Factor: 2,
		Max:    50 * time.Millisecond,
	}

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{-1, 10 * time.Millisecond},
		{0, 10 * time.Millisecond},
		{1, 20 * time.Millisecond},
		{2, 40 * time.Millisecond},
		{3, 50 * time.Millisecond},
	}

	for _, tc := range cases {
		if got := strategy.SleepDuration(tc.attempt, nil); got != tc.want {
			t.Errorf("attempt %d: expected %s, got %s", tc.attempt, tc.want, got)
		}
	}
}

func TestConstantDelayStrategy(t *testing.T) {
	strategy := ConstantDelayStrategy{Delay: 25 * time.Millisecond}
	for attempt := range 4 {
		if got := strategy.SleepDuration(attempt, nil); got != 25*time.Millisecond {
			t.Errorf("attempt %d: expected 25ms, got %s", attempt, got)
		}
	}
	if got := (ConstantDelayStrategy{Delay: -time.Second}).SleepDuration(0, nil); got != 0 {
		t.Errorf("expected negative delay to clamp to zero, got %s", got)
	}
}

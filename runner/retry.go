package runner

import (
	"math"
	"time"
)

// RetryStrategy decides how long to wait before retry attempt n, counting
// from 0.
type RetryStrategy interface {
	SleepDuration(attempt int, err error) time.Duration
}

// NoDelayStrategy retries immediately.
type NoDelayStrategy struct{}

func (NoDelayStrategy) SleepDuration(_ int, _ error) time.Duration {
	return 0
}

// ConstantDelayStrategy waits Delay between every attempt.
type ConstantDelayStrategy struct {
	Delay time.Duration
}

func (c ConstantDelayStrategy) SleepDuration(_ int, _ error) time.Duration {
	if c.Delay < 0 {
		return 0
	}
	return c.Delay
}

// ExponentialBackoffStrategy grows the delay by Factor per attempt:
//
//	WithRetryStrategy(ExponentialBackoffStrategy{
//	    Base:   100 * time.Millisecond,
//	    Factor: 2,
//	    Max:    5 * time.Second,
//	})
type ExponentialBackoffStrategy struct {
	Base   time.Duration
	Factor float64
	// Max caps the delay. Zero means no cap.
	Max time.Duration
}

func (e ExponentialBackoffStrategy) SleepDuration(attempt int, _ error) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := time.Duration(float64(e.Base) * math.Pow(e.Factor, float64(attempt)))
	if e.Max > 0 && delay > e.Max {
		return e.Max
	}
	return delay
}

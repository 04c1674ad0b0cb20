package recovery

import (
	"math"
	"time"
)

// RetryStrategy computes how long to wait before the next attempt.
type RetryStrategy interface {
	// SleepDuration returns the wait before the next attempt. The attempt
	// index starts at 0, incrementing after each failure.
	SleepDuration(attempt int, err error) time.Duration
}

// NoDelayStrategy retries immediately.
type NoDelayStrategy struct{}

// SleepDuration always returns zero.
func (NoDelayStrategy) SleepDuration(_ int, _ error) time.Duration {
	return 0
}

// ExponentialBackoffStrategy waits Base*Factor^attempt, capped at Max.
//
//	ExponentialBackoffStrategy{Base: time.Second, Factor: 2, Max: time.Minute}
//	// 1s, 2s, 4s, ... 60s
type ExponentialBackoffStrategy struct {
	Base   time.Duration
	Factor float64
	Max    time.Duration
}

// SleepDuration implements RetryStrategy.
func (e ExponentialBackoffStrategy) SleepDuration(attempt int, _ error) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	factor := e.Factor
	if factor <= 0 {
		factor = 2
	}
	delay := float64(e.Base) * math.Pow(factor, float64(attempt))
	if e.Max > 0 && (delay > float64(e.Max) || math.IsInf(delay, 1)) {
		return e.Max
	}
	return time.Duration(delay)
}

// LinearStrategy waits Step*(attempt+1), capped at Max.
type LinearStrategy struct {
	Step time.Duration
	Max  time.Duration
}

// SleepDuration implements RetryStrategy.
func (l LinearStrategy) SleepDuration(attempt int, _ error) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := l.Step * time.Duration(attempt+1)
	if l.Max > 0 && delay > l.Max {
		return l.Max
	}
	return delay
}

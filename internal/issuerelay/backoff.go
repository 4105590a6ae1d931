package issuerelay

import (
	"context"
	"time"
)

// BackoffPolicy produces bounded, increasing, capped delays for retry
// loops.
type BackoffPolicy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}
}

// Delay returns the wait before retry attempt n (zero-based).
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	initial := p.InitialDelay
	if initial <= 0 {
		initial = 500 * time.Millisecond
	}
	max := p.MaxDelay
	if max <= 0 {
		max = 30 * time.Second
	}
	multiplier := p.Multiplier
	if multiplier <= 1 {
		multiplier = 2.0
	}
	delay := float64(initial)
	for i := 0; i < attempt; i++ {
		delay *= multiplier
		if time.Duration(delay) >= max {
			return max
		}
	}
	if time.Duration(delay) > max {
		return max
	}
	return time.Duration(delay)
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

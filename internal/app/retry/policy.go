// Package retry provides the bounded-retry policy used for confirmation
// polling and session status checks.
package retry

import (
	"context"
	"time"
)

// Policy describes a bounded exponential backoff. The zero value is not
// usable; construct with Default or explicit fields.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
}

// Default is the confirmation-polling policy: 5 attempts starting at 2s,
// doubling, capped at 30s.
func Default() Policy {
	return Policy{MaxAttempts: 5, BaseDelay: 2 * time.Second, Multiplier: 2, MaxDelay: 30 * time.Second}
}

// Backoff returns the delay before the given attempt (0-based).
func (p Policy) Backoff(attempt int) time.Duration {
	delay := float64(p.BaseDelay)
	for i := 0; i < attempt; i++ {
		delay *= p.Multiplier
	}
	d := time.Duration(delay)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Sleep waits for the attempt's backoff or until the context is canceled.
func (p Policy) Sleep(ctx context.Context, attempt int) error {
	timer := time.NewTimer(p.Backoff(attempt))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

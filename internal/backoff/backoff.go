// Package backoff centralizes retry pacing. Each subsystem configures its own
// Policy (service control retry vs. horizon re-dispatch) instead of scattering
// ad-hoc sleeps.
package backoff

import (
	"context"
	"time"
)

// Policy describes a bounded linear-backoff retry schedule.
type Policy struct {
	// MaxRetries is the number of attempts after the first.
	MaxRetries int
	// Base is the pause before retry n, multiplied by n.
	Base time.Duration
	// Sleep is injectable for tests; nil means time.Sleep honoring ctx.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DelayFor returns the pause before the given 1-indexed retry attempt.
func (p Policy) DelayFor(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(attempt) * p.Base
}

// Do runs fn up to 1+MaxRetries times, pausing between attempts. The last
// error is returned when every attempt fails.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := p.sleep(ctx, p.DelayFor(attempt)); err != nil {
				return err
			}
		}
		if lastErr = fn(); lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return lastErr
		}
	}
	return lastErr
}

func (p Policy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

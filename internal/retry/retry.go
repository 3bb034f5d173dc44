// Package retry provides a small capped-exponential-backoff helper for
// wrapping flaky outbound calls (ETA providers, geo index lookups).
//
// No library in the example pack covers this narrowly-scoped concern —
// gobreaker (seen elsewhere in the pack) is a circuit breaker, a different
// failure-handling strategy — so this stays on the standard library.
package retry

import (
	"context"
	"time"
)

// Policy is a capped exponential backoff schedule.
type Policy struct {
	BaseDelay  time.Duration
	Factor     float64
	MaxAttempts int
}

// DefaultPolicy is base 200ms, factor 2, up to 3 attempts, matching the
// retry budget this engine applies to ETA and geo index calls.
var DefaultPolicy = Policy{BaseDelay: 200 * time.Millisecond, Factor: 2, MaxAttempts: 3}

// Do calls fn up to p.MaxAttempts times, sleeping p.BaseDelay*p.Factor^n
// between attempts, stopping early on ctx cancellation or success.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	var err error
	delay := p.BaseDelay
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay = time.Duration(float64(delay) * p.Factor)
		}
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return err
}

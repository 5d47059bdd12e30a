// Package retry provides the appliance-wide retry policy.
//
// Every bounded-retry loop in the system (hardware frame fetch, OCR
// service calls, archive uploads) is expressed through one Policy value
// instead of an ad-hoc counter loop, so attempt budgets and delays are
// tunable in a single place per operation kind.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Policy describes a bounded retry schedule.
//
// Attempts is the total number of tries, including the first one.
// Delay is the wait before the second try; with Exponential set, each
// subsequent wait doubles, capped at MaxDelay (0 = no cap).
type Policy struct {
	Attempts    int
	Delay       time.Duration
	Exponential bool
	MaxDelay    time.Duration
}

// Fixed returns a policy with a constant delay between attempts.
func Fixed(attempts int, delay time.Duration) Policy {
	return Policy{Attempts: attempts, Delay: delay}
}

// Exponential returns a policy whose delay doubles after every failed
// attempt, capped at maxDelay.
//
// Schedule with delay=1s, maxDelay=30s:
//   - after attempt 1: 1s
//   - after attempt 2: 2s
//   - after attempt 3: 4s
//   - ...
func Exponential(attempts int, delay, maxDelay time.Duration) Policy {
	return Policy{Attempts: attempts, Delay: delay, Exponential: true, MaxDelay: maxDelay}
}

// Do runs op until it succeeds, the attempt budget is exhausted, or ctx
// is cancelled. The last error from op is returned wrapped; context
// cancellation wins over the operation error.
func (p Policy) Do(ctx context.Context, name string, op func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}

		if attempt == attempts {
			break
		}

		delay := p.backoff(attempt)
		slog.Warn("retry: attempt failed",
			"op", name,
			"attempt", attempt,
			"max_attempts", attempts,
			"delay", delay,
			"error", lastErr,
		)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return fmt.Errorf("retry: %s failed after %d attempts: %w", name, attempts, lastErr)
}

// backoff computes the wait after the given 1-based attempt number.
func (p Policy) backoff(attempt int) time.Duration {
	delay := p.Delay
	if p.Exponential {
		delay = p.Delay * time.Duration(1<<uint(attempt-1))
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
	return delay
}

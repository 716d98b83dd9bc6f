// Package resilience wraps fallible calls with retry, circuit breaking,
// and deadline-bounded fallback. Breakers are obtained by name from a
// Registry so every call-site against the same dependency shares state.
package resilience

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/c360studio/semcrew/clock"
	"github.com/c360studio/semcrew/fault"
)

// Operation is any fallible call protected by this package.
type Operation func(ctx context.Context) error

// RetryPolicy controls exponential backoff between attempts. The first
// attempt runs immediately; retry i waits
// min(base * multiplier^(i-1) * (1 + jitter*0.1), max).
type RetryPolicy struct {
	// MaxRetries is the number of retries after the initial attempt.
	// Zero disables retrying.
	MaxRetries int

	// BaseDelay seeds the backoff curve.
	BaseDelay time.Duration

	// Multiplier grows the delay per retry.
	Multiplier float64

	// MaxDelay caps the computed delay.
	MaxDelay time.Duration

	// ShouldRetry decides per error whether another attempt is worth it.
	// Nil means retry transient errors only.
	ShouldRetry func(error) bool
}

// DefaultRetryPolicy matches the breaker configuration defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		Multiplier: 2,
		MaxDelay:   30 * time.Second,
	}
}

// BackoffFor computes the delay before retry i (1-indexed) with the
// given jitter fraction in [0,1). Exposed so the curve itself is
// testable without a clock.
func (p RetryPolicy) BackoffFor(retry int, jitter float64) time.Duration {
	if retry < 1 {
		return 0
	}
	base := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(retry-1))
	delay := time.Duration(base * (1 + jitter*0.1))
	if delay > p.MaxDelay || delay < 0 {
		return p.MaxDelay
	}
	return delay
}

func (p RetryPolicy) retryable(err error) bool {
	if p.ShouldRetry != nil {
		return p.ShouldRetry(err)
	}
	return fault.IsTransient(err)
}

// Run executes op with this policy, returning the attempt count used.
// Cancellation stops the loop before the next backoff sleep.
func (p RetryPolicy) Run(ctx context.Context, clk clock.Clock, op Operation) (int, error) {
	attempts := p.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			timer := clk.NewTimer(p.BackoffFor(attempt-1, rand.Float64()))
			select {
			case <-ctx.Done():
				timer.Stop()
				return attempt - 1, fault.New(fault.Cancelled, ctx.Err())
			case <-timer.C():
			}
		}

		err := op(ctx)
		if err == nil {
			return attempt, nil
		}
		lastErr = err

		if fault.IsCancelled(err) || !p.retryable(err) {
			return attempt, err
		}
	}
	return attempts, lastErr
}

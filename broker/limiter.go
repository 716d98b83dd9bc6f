package broker

import (
	"sync"
	"time"

	"github.com/c360studio/semcrew/clock"
)

// authLimiter tracks failed authentication attempts per peer inside a
// sliding window. A peer at or past the limit is disqualified before
// any token comparison happens.
type authLimiter struct {
	clk    clock.Clock
	window time.Duration
	limit  int

	mu       sync.Mutex
	failures map[string][]time.Time
}

func newAuthLimiter(clk clock.Clock, window time.Duration, limit int) *authLimiter {
	return &authLimiter{
		clk:      clk,
		window:   window,
		limit:    limit,
		failures: make(map[string][]time.Time),
	}
}

// Disqualified reports whether the peer has exhausted its attempts
// inside the window.
func (l *authLimiter) Disqualified(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pruneLocked(key)) >= l.limit
}

// RecordFailure adds one failed attempt for the peer.
func (l *authLimiter) RecordFailure(key string) {
	now := l.clk.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures[key] = append(l.pruneLocked(key), now)
}

// Reset clears the peer after a successful authentication.
func (l *authLimiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.failures, key)
}

func (l *authLimiter) pruneLocked(key string) []time.Time {
	cutoff := l.clk.Now().Add(-l.window)
	kept := l.failures[key][:0]
	for _, at := range l.failures[key] {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	if len(kept) == 0 {
		delete(l.failures, key)
		return nil
	}
	l.failures[key] = kept
	return kept
}
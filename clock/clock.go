// Package clock abstracts time so components can be driven by a fake
// clock in tests. Nothing outside this package calls time.Now directly.
package clock

import "time"

// Clock provides the time operations the runtime needs. Real wraps the
// system clock; Fake is manually advanced.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
	After(d time.Duration) <-chan time.Time
	NewTimer(d time.Duration) Timer
}

// Timer fires once on its channel after the configured duration.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
}

// Real is the system clock.
type Real struct{}

// New returns the system clock.
func New() Clock {
	return Real{}
}

func (Real) Now() time.Time {
	return time.Now()
}

func (Real) Since(t time.Time) time.Duration {
	return time.Since(t)
}

func (Real) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

func (Real) NewTimer(d time.Duration) Timer {
	return realTimer{t: time.NewTimer(d)}
}

type realTimer struct {
	t *time.Timer
}

func (rt realTimer) C() <-chan time.Time {
	return rt.t.C
}

func (rt realTimer) Stop() bool {
	return rt.t.Stop()
}

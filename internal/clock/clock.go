package clock

import (
	"context"
	"time"
)

// Clock abstracts the time functions used by timeouts, backoff and
// reconciliation timers so tests can drive them deterministically.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	Sleep(d time.Duration)
}

// Real implements Clock using the standard library.
type Real struct{}

// Now returns the current UTC time.
func (Real) Now() time.Time {
	return time.Now().UTC()
}

// After mirrors time.After while satisfying the Clock interface.
func (Real) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// Sleep blocks for at least the supplied duration.
func (Real) Sleep(d time.Duration) {
	time.Sleep(d)
}

// Ensure returns clk, or Real when clk is nil.
func Ensure(clk Clock) Clock {
	if clk == nil {
		return Real{}
	}
	return clk
}

// SleepContext waits for d on clk or until ctx is done, whichever comes
// first. It returns ctx.Err() when the context ended the wait.
func SleepContext(ctx context.Context, clk Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-Ensure(clk).After(d):
		return nil
	}
}

// Since reports the time elapsed on clk since t.
func Since(clk Clock, t time.Time) time.Duration {
	return Ensure(clk).Now().Sub(t)
}

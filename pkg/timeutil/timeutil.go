// Package timeutil provides the injectable wall clock used by the attempt
// lifecycle and the expiry sweeper, plus a few helpers for working with
// exam deadlines. No external dependencies - uses only standard library.
package timeutil

import (
	"sync"
	"time"
)

// Clock is the source of "now" for everything that reasons about expiry.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the real wall clock, normalised to UTC.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

// FakeClock is a manually driven clock for tests and dry runs.
// It is safe for concurrent use.
type FakeClock struct {
	mu  sync.RWMutex
	now time.Time
}

// NewFakeClock creates a FakeClock frozen at t.
func NewFakeClock(t time.Time) *FakeClock {
	return &FakeClock{now: t.UTC()}
}

// Now returns the frozen time.
func (c *FakeClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now
}

// Set moves the clock to t.
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t.UTC()
	c.mu.Unlock()
}

// Advance moves the clock forward by d and returns the new time.
func (c *FakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// ClockFunc adapts a plain function to the Clock interface.
type ClockFunc func() time.Time

// Now calls f.
func (f ClockFunc) Now() time.Time {
	return f()
}

// Deadline returns the moment a timed window that opened at start closes.
func Deadline(start time.Time, minutes int) time.Time {
	return start.Add(time.Duration(minutes) * time.Minute)
}

// WithinTolerance reports whether a and b are no more than tol apart.
func WithinTolerance(a, b time.Time, tol time.Duration) bool {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d <= tol
}

// Truncate drops sub-microsecond precision so values survive a round trip
// through PostgreSQL timestamptz unchanged.
func Truncate(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// Package ratelimit provides a token bucket for pacing calls to an upstream
// service that publishes a request budget.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Config contains configuration for the limiter.
type Config struct {
	// RequestsPerSecond is the sustained rate. Zero or less disables limiting.
	RequestsPerSecond float64

	// Burst is the bucket size.
	Burst int

	// MaxWait bounds how long Wait blocks before giving up.
	MaxWait time.Duration
}

// DefaultConfig returns defaults sized for the exam catalog.
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 20,
		Burst:             40,
		MaxWait:           2 * time.Second,
	}
}

// WaitError is returned when a token would not be available within MaxWait.
type WaitError struct {
	RetryAfter time.Duration
}

func (e *WaitError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %s", e.RetryAfter)
}

// Limiter is a token bucket. A nil *Limiter allows everything.
type Limiter struct {
	mu sync.Mutex

	rate    float64
	burst   float64
	maxWait time.Duration
	now     func() time.Time

	tokens     float64
	lastRefill time.Time
	// blockedUntil is set when the upstream answered 429.
	blockedUntil time.Time
}

// New creates a limiter, or returns nil when the rate is not positive.
func New(config Config) *Limiter {
	if config.RequestsPerSecond <= 0 {
		return nil
	}
	if config.Burst < 1 {
		config.Burst = 1
	}
	l := &Limiter{
		rate:    config.RequestsPerSecond,
		burst:   float64(config.Burst),
		maxWait: config.MaxWait,
		now:     time.Now,
	}
	l.tokens = l.burst
	l.lastRefill = l.now()
	return l
}

// Wait blocks until a token is available, the context ends, or the wait
// would exceed MaxWait.
func (l *Limiter) Wait(ctx context.Context) error {
	if l == nil {
		return nil
	}
	for {
		wait, ok := l.reserve()
		if ok {
			return nil
		}
		if l.maxWait > 0 && wait > l.maxWait {
			return &WaitError{RetryAfter: wait}
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Allow takes a token without blocking.
func (l *Limiter) Allow() bool {
	if l == nil {
		return true
	}
	_, ok := l.reserve()
	return ok
}

// Backoff empties the bucket and holds every caller for d. Use it when the
// upstream answers 429; d is its Retry-After, or one refill period if absent.
func (l *Limiter) Backoff(d time.Duration) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if d <= 0 {
		d = time.Duration(float64(time.Second) / l.rate)
	}
	l.tokens = 0
	l.lastRefill = now
	if until := now.Add(d); until.After(l.blockedUntil) {
		l.blockedUntil = until
	}
}

// Tokens reports the tokens currently in the bucket.
func (l *Limiter) Tokens() float64 {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refill(l.now())
	return l.tokens
}

func (l *Limiter) reserve() (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Before(l.blockedUntil) {
		return l.blockedUntil.Sub(now), false
	}
	l.refill(now)
	if l.tokens >= 1 {
		l.tokens--
		return 0, true
	}
	missing := 1 - l.tokens
	return time.Duration(missing / l.rate * float64(time.Second)), false
}

// refill must be called with the lock held.
func (l *Limiter) refill(now time.Time) {
	elapsed := now.Sub(l.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	l.tokens += elapsed * l.rate
	if l.tokens > l.burst {
		l.tokens = l.burst
	}
	l.lastRefill = now
}

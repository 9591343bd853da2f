package messaging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/alem-hub/exam-attempts/internal/domain/shared"
	"github.com/alem-hub/exam-attempts/pkg/timeutil"
)

// Deduplicator remembers event ids a consumer has already handled.
type Deduplicator interface {
	// Claim records eventID and reports whether this is its first sighting.
	Claim(ctx context.Context, eventID string) (bool, error)

	// Release forgets eventID so a failed handler can see it again.
	Release(ctx context.Context, eventID string) error
}

// Idempotent wraps a handler so that redelivered events are dropped. When the
// handler fails the claim is released and the error returned, letting the
// transport redeliver.
func Idempotent(dedup Deduplicator, handler shared.EventHandler, logger *slog.Logger) shared.EventHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, event shared.Event) error {
		first, err := dedup.Claim(ctx, event.EventID())
		if err != nil {
			// Without the dedup store we would rather see a duplicate than lose the event.
			logger.Warn("dedup store unavailable, handling event anyway",
				"event_id", event.EventID(), "error", err)
			return handler(ctx, event)
		}
		if !first {
			logger.Debug("duplicate event dropped",
				"event_id", event.EventID(),
				"event_type", event.EventType(),
			)
			return nil
		}

		if err := handler(ctx, event); err != nil {
			if relErr := dedup.Release(ctx, event.EventID()); relErr != nil {
				logger.Warn("failed to release dedup claim", "event_id", event.EventID(), "error", relErr)
			}
			return err
		}
		return nil
	}
}

// MemoryDeduplicator keeps seen ids in memory for a fixed TTL.
type MemoryDeduplicator struct {
	mu    sync.Mutex
	seen  map[string]time.Time
	ttl   time.Duration
	clock timeutil.Clock
}

// NewMemoryDeduplicator creates a deduplicator that forgets ids after ttl.
func NewMemoryDeduplicator(ttl time.Duration, clock timeutil.Clock) *MemoryDeduplicator {
	if clock == nil {
		clock = timeutil.SystemClock{}
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &MemoryDeduplicator{
		seen:  make(map[string]time.Time),
		ttl:   ttl,
		clock: clock,
	}
}

// Claim implements Deduplicator.
func (d *MemoryDeduplicator) Claim(_ context.Context, eventID string) (bool, error) {
	now := d.clock.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if exp, ok := d.seen[eventID]; ok && now.Before(exp) {
		return false, nil
	}
	d.seen[eventID] = now.Add(d.ttl)

	if len(d.seen)%1024 == 0 {
		for id, exp := range d.seen {
			if !now.Before(exp) {
				delete(d.seen, id)
			}
		}
	}
	return true, nil
}

// Release implements Deduplicator.
func (d *MemoryDeduplicator) Release(_ context.Context, eventID string) error {
	d.mu.Lock()
	delete(d.seen, eventID)
	d.mu.Unlock()
	return nil
}

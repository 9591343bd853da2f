// Package outbox describes durable, not-yet-delivered lifecycle events.
// Entries are appended after a state change commits and drained by a relay,
// which gives at-least-once delivery to the messaging transport.
package outbox

import (
	"context"
	"time"

	"github.com/alem-hub/exam-attempts/internal/domain/shared"
)

// Status is the delivery state of an entry.
type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusDead      Status = "dead"
)

// Entry is one event waiting for delivery.
type Entry struct {
	// ID is the event id; appending the same id twice is a no-op.
	ID        string
	Topic     string
	Key       string // partition key, the attempt id
	EventType shared.EventType
	Payload   []byte // JSON-encoded shared.EventEnvelope

	Status        Status
	Attempts      int
	NextAttemptAt time.Time
	LastError     string

	CreatedAt   time.Time
	DeliveredAt *time.Time
}

// Stats is a point-in-time count of entries by status.
type Stats struct {
	Pending   int64
	Delivered int64
	Dead      int64
	// OldestPending is zero when nothing is pending.
	OldestPending time.Time
}

// Store persists outbox entries.
type Store interface {
	// Append stores a pending entry. Duplicate ids are ignored.
	Append(ctx context.Context, entry Entry) error

	// ClaimDue returns up to limit pending entries whose NextAttemptAt is at or
	// before now and pushes their NextAttemptAt to now+lease, so a concurrent
	// relay does not pick them up while they are in flight.
	ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]Entry, error)

	// MarkDelivered records a successful send.
	MarkDelivered(ctx context.Context, id string, at time.Time) error

	// MarkFailed records a failed send. A dead entry is never retried.
	MarkFailed(ctx context.Context, id string, attempts int, nextAttemptAt time.Time, lastErr string, dead bool) error

	// Requeue moves dead entries back to pending; an empty id requeues all.
	Requeue(ctx context.Context, id string, now time.Time) (int64, error)

	// Stats counts entries by status.
	Stats(ctx context.Context) (Stats, error)
}

package postgres

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/alem-hub/exam-attempts/internal/domain/outbox"
	"github.com/alem-hub/exam-attempts/internal/domain/shared"
	"github.com/alem-hub/exam-attempts/pkg/timeutil"
)

// OutboxStore implements outbox.Store on PostgreSQL.
type OutboxStore struct {
	conn *Connection
}

// NewOutboxStore creates a new PostgreSQL outbox store.
func NewOutboxStore(conn *Connection) *OutboxStore {
	return &OutboxStore{conn: conn}
}

// Append implements outbox.Store.
func (s *OutboxStore) Append(ctx context.Context, entry outbox.Entry) error {
	if entry.ID == "" {
		return fmt.Errorf("%w: outbox entry id is required", shared.ErrInvalidID)
	}
	if entry.Status == "" {
		entry.Status = outbox.StatusPending
	}

	query := `
		INSERT INTO outbox_events (
			id, topic, message_key, event_type, payload, status,
			attempts, next_attempt_at, last_error, created_at
		) VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING
	`
	_, err := s.conn.Exec(ctx, query,
		entry.ID, entry.Topic, entry.Key, string(entry.EventType), entry.Payload, string(entry.Status),
		entry.Attempts, timeutil.Truncate(entry.NextAttemptAt), entry.LastError, timeutil.Truncate(entry.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("append outbox entry %s: %w", entry.ID, err)
	}
	return nil
}

// ClaimDue implements outbox.Store. Concurrent relays skip each other's
// locked rows and then see the pushed-out next_attempt_at.
func (s *OutboxStore) ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]outbox.Entry, error) {
	now = timeutil.Truncate(now)
	query := `
		WITH due AS (
			SELECT id FROM outbox_events
			WHERE status = 'pending' AND next_attempt_at <= $1
			ORDER BY created_at, id
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE outbox_events o SET next_attempt_at = $3
		FROM due
		WHERE o.id = due.id
		RETURNING o.id, o.topic, o.message_key, o.event_type, o.payload, o.status,
			o.attempts, o.next_attempt_at, o.last_error, o.created_at, o.delivered_at
	`
	var lim any
	if limit > 0 {
		lim = limit
	}

	rows, err := s.conn.Query(ctx, query, now, lim, now.Add(lease))
	if err != nil {
		return nil, fmt.Errorf("claim outbox entries: %w", err)
	}
	defer rows.Close()

	var entries []outbox.Entry
	for rows.Next() {
		var (
			e                 outbox.Entry
			eventType, status string
			deliveredAt       *time.Time
		)
		if err := rows.Scan(&e.ID, &e.Topic, &e.Key, &eventType, &e.Payload, &status,
			&e.Attempts, &e.NextAttemptAt, &e.LastError, &e.CreatedAt, &deliveredAt); err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		e.EventType = shared.EventType(eventType)
		e.Status = outbox.Status(status)
		e.NextAttemptAt = e.NextAttemptAt.UTC()
		e.CreatedAt = e.CreatedAt.UTC()
		if deliveredAt != nil {
			t := deliveredAt.UTC()
			e.DeliveredAt = &t
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim outbox entries: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].ID < entries[j].ID
		}
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
	return entries, nil
}

// MarkDelivered implements outbox.Store.
func (s *OutboxStore) MarkDelivered(ctx context.Context, id string, at time.Time) error {
	query := `
		UPDATE outbox_events SET
			status = 'delivered',
			attempts = attempts + 1,
			delivered_at = $2,
			last_error = ''
		WHERE id = $1
	`
	return s.execOne(ctx, "mark delivered", id, query, id, timeutil.Truncate(at))
}

// MarkFailed implements outbox.Store.
func (s *OutboxStore) MarkFailed(ctx context.Context, id string, attempts int, nextAttemptAt time.Time, lastErr string, dead bool) error {
	query := `
		UPDATE outbox_events SET
			attempts = $2,
			next_attempt_at = $3,
			last_error = $4,
			status = CASE WHEN $5::boolean THEN 'dead' ELSE status END
		WHERE id = $1
	`
	return s.execOne(ctx, "mark failed", id, query, id, attempts, timeutil.Truncate(nextAttemptAt), lastErr, dead)
}

// Requeue implements outbox.Store.
func (s *OutboxStore) Requeue(ctx context.Context, id string, now time.Time) (int64, error) {
	query := `
		UPDATE outbox_events SET
			status = 'pending',
			attempts = 0,
			next_attempt_at = $2
		WHERE status = 'dead' AND ($1 = '' OR id = $1)
	`
	tag, err := s.conn.Exec(ctx, query, id, timeutil.Truncate(now))
	if err != nil {
		return 0, fmt.Errorf("requeue outbox entries: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Stats implements outbox.Store.
func (s *OutboxStore) Stats(ctx context.Context) (outbox.Stats, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'delivered'),
			COUNT(*) FILTER (WHERE status = 'dead'),
			MIN(created_at) FILTER (WHERE status = 'pending')
		FROM outbox_events
	`
	var st outbox.Stats
	var oldest *time.Time
	if err := s.conn.QueryRow(ctx, query).Scan(&st.Pending, &st.Delivered, &st.Dead, &oldest); err != nil {
		return outbox.Stats{}, fmt.Errorf("outbox stats: %w", err)
	}
	if oldest != nil {
		st.OldestPending = oldest.UTC()
	}
	return st, nil
}

func (s *OutboxStore) execOne(ctx context.Context, op, id, query string, args ...any) error {
	tag, err := s.conn.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("outbox entry %s: %w", id, shared.ErrNotFound)
	}
	return nil
}

var _ outbox.Store = (*OutboxStore)(nil)

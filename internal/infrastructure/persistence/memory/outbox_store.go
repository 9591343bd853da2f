package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alem-hub/exam-attempts/internal/domain/outbox"
	"github.com/alem-hub/exam-attempts/internal/domain/shared"
)

// OutboxStore is an in-memory outbox.Store.
type OutboxStore struct {
	mu      sync.Mutex
	entries map[string]*outbox.Entry
	order   []string
}

// NewOutboxStore creates an empty outbox.
func NewOutboxStore() *OutboxStore {
	return &OutboxStore{entries: make(map[string]*outbox.Entry)}
}

// Append implements outbox.Store.
func (s *OutboxStore) Append(ctx context.Context, entry outbox.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if entry.ID == "" {
		return fmt.Errorf("%w: outbox entry id is required", shared.ErrInvalidID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[entry.ID]; exists {
		return nil
	}
	if entry.Status == "" {
		entry.Status = outbox.StatusPending
	}
	entry.Payload = append([]byte(nil), entry.Payload...)
	s.entries[entry.ID] = &entry
	s.order = append(s.order, entry.ID)
	return nil
}

// ClaimDue implements outbox.Store. Entries come back in append order.
func (s *OutboxStore) ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]outbox.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var claimed []outbox.Entry
	for _, id := range s.order {
		if limit > 0 && len(claimed) >= limit {
			break
		}
		e := s.entries[id]
		if e.Status != outbox.StatusPending || e.NextAttemptAt.After(now) {
			continue
		}
		e.NextAttemptAt = now.Add(lease)
		claimed = append(claimed, *e)
	}
	return claimed, nil
}

// MarkDelivered implements outbox.Store.
func (s *OutboxStore) MarkDelivered(ctx context.Context, id string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return fmt.Errorf("outbox entry %s: %w", id, shared.ErrNotFound)
	}
	e.Status = outbox.StatusDelivered
	e.Attempts++
	e.DeliveredAt = &at
	e.LastError = ""
	return nil
}

// MarkFailed implements outbox.Store.
func (s *OutboxStore) MarkFailed(ctx context.Context, id string, attempts int, nextAttemptAt time.Time, lastErr string, dead bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return fmt.Errorf("outbox entry %s: %w", id, shared.ErrNotFound)
	}
	e.Attempts = attempts
	e.NextAttemptAt = nextAttemptAt
	e.LastError = lastErr
	if dead {
		e.Status = outbox.StatusDead
	}
	return nil
}

// Requeue implements outbox.Store.
func (s *OutboxStore) Requeue(ctx context.Context, id string, now time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, e := range s.entries {
		if e.Status != outbox.StatusDead || (id != "" && e.ID != id) {
			continue
		}
		e.Status = outbox.StatusPending
		e.Attempts = 0
		e.NextAttemptAt = now
		n++
	}
	return n, nil
}

// Stats implements outbox.Store.
func (s *OutboxStore) Stats(ctx context.Context) (outbox.Stats, error) {
	if err := ctx.Err(); err != nil {
		return outbox.Stats{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var st outbox.Stats
	for _, e := range s.entries {
		switch e.Status {
		case outbox.StatusPending:
			st.Pending++
			if st.OldestPending.IsZero() || e.CreatedAt.Before(st.OldestPending) {
				st.OldestPending = e.CreatedAt
			}
		case outbox.StatusDelivered:
			st.Delivered++
		case outbox.StatusDead:
			st.Dead++
		}
	}
	return st, nil
}

// Entries returns a snapshot of every entry in append order. Test helper.
func (s *OutboxStore) Entries() []outbox.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]outbox.Entry, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.entries[id])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

var _ outbox.Store = (*OutboxStore)(nil)

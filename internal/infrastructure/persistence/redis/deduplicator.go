package redis

import (
	"context"
	"time"

	"github.com/alem-hub/exam-attempts/internal/infrastructure/messaging"
)

// Deduplicator is a messaging.Deduplicator shared by every consumer in a group.
type Deduplicator struct {
	client *Client
	group  string
	ttl    time.Duration
}

// NewDeduplicator remembers consumed event ids for ttl.
func NewDeduplicator(client *Client, group string, ttl time.Duration) *Deduplicator {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Deduplicator{client: client, group: group, ttl: ttl}
}

// Claim implements messaging.Deduplicator.
func (d *Deduplicator) Claim(ctx context.Context, eventID string) (bool, error) {
	return d.client.SetNX(ctx, DedupKey(d.group, eventID), "1", d.ttl)
}

// Release implements messaging.Deduplicator.
func (d *Deduplicator) Release(ctx context.Context, eventID string) error {
	return d.client.Delete(ctx, DedupKey(d.group, eventID))
}

var _ messaging.Deduplicator = (*Deduplicator)(nil)

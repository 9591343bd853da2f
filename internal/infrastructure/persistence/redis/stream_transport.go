package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/alem-hub/exam-attempts/internal/infrastructure/messaging"
)

// Stream entry fields.
const (
	fieldKey     = "key"
	fieldPayload = "payload"
)

// StreamTransport sends outbox entries to a Redis stream per topic.
type StreamTransport struct {
	client *Client
	maxLen int64
}

// NewStreamTransport creates a transport. maxLen caps each stream
// approximately; zero leaves streams unbounded.
func NewStreamTransport(client *Client, maxLen int64) *StreamTransport {
	return &StreamTransport{client: client, maxLen: maxLen}
}

// Send implements messaging.Transport.
func (t *StreamTransport) Send(ctx context.Context, topic, key string, payload []byte) error {
	if topic == "" {
		return ErrCacheKeyEmpty
	}

	args := &redis.XAddArgs{
		Stream: StreamKey(topic),
		Values: map[string]any{
			fieldKey:     key,
			fieldPayload: string(payload),
		},
	}
	if t.maxLen > 0 {
		args.MaxLen = t.maxLen
		args.Approx = true
	}

	if err := t.client.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", args.Stream, err)
	}
	return nil
}

var _ messaging.Transport = (*StreamTransport)(nil)

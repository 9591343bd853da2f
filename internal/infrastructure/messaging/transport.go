package messaging

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alem-hub/exam-attempts/internal/domain/shared"
)

// DefaultTopic is where attempt lifecycle events are sent.
const DefaultTopic = "exam.attempt-events"

// Transport is the messaging collaborator: it accepts (topic, key, payload)
// and delivers at least once. Payload is a JSON shared.EventEnvelope.
type Transport interface {
	Send(ctx context.Context, topic, key string, payload []byte) error
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, topic, key string, payload []byte) error

// Send calls f.
func (f TransportFunc) Send(ctx context.Context, topic, key string, payload []byte) error {
	return f(ctx, topic, key, payload)
}

// BusTransport delivers outbox entries to an in-process bus. Used when the
// service runs without Redis.
type BusTransport struct {
	bus shared.EventPublisher
}

// NewBusTransport creates a transport that republishes on bus.
func NewBusTransport(bus shared.EventPublisher) *BusTransport {
	return &BusTransport{bus: bus}
}

// Send decodes the envelope and publishes the event locally. The topic is
// implicit: the bus routes on event type.
func (t *BusTransport) Send(ctx context.Context, _ string, _ string, payload []byte) error {
	event, err := DecodeEvent(payload)
	if err != nil {
		return err
	}
	return t.bus.Publish(ctx, event)
}

// DecodeEvent turns a transported envelope back into an Event.
func DecodeEvent(payload []byte) (shared.Event, error) {
	var env shared.EventEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.ID == "" || env.Type == "" {
		return nil, fmt.Errorf("decode envelope: %w: missing id or type", shared.ErrInvalidFormat)
	}
	return env.Event()
}

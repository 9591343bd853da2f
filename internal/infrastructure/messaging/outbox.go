package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alem-hub/exam-attempts/internal/domain/outbox"
	"github.com/alem-hub/exam-attempts/internal/domain/shared"
	"github.com/alem-hub/exam-attempts/pkg/timeutil"
)

// ErrEventParked is returned by Publish when the outbox append failed and the
// event was kept in memory for a later append.
var ErrEventParked = errors.New("event parked for retry")

// OutboxPublisherConfig configures OutboxPublisher.
type OutboxPublisherConfig struct {
	Topic string

	// AppendTimeout bounds a single append. The append runs detached from the
	// caller's cancellation: the state change it reports has already committed.
	AppendTimeout time.Duration

	// ParkLimit caps the in-memory buffer of events whose append failed.
	ParkLimit int
}

// DefaultOutboxPublisherConfig returns sensible defaults.
func DefaultOutboxPublisherConfig() OutboxPublisherConfig {
	return OutboxPublisherConfig{
		Topic:         DefaultTopic,
		AppendTimeout: 5 * time.Second,
		ParkLimit:     10000,
	}
}

// OutboxPublisher implements shared.EventPublisher by appending events to an
// outbox. Delivery happens later, in Relay.
type OutboxPublisher struct {
	store  outbox.Store
	clock  timeutil.Clock
	logger *slog.Logger
	config OutboxPublisherConfig

	mu      sync.Mutex
	parked  []outbox.Entry
	dropped int64
}

// NewOutboxPublisher creates a publisher writing to store.
func NewOutboxPublisher(store outbox.Store, clock timeutil.Clock, logger *slog.Logger, config OutboxPublisherConfig) *OutboxPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = timeutil.SystemClock{}
	}
	def := DefaultOutboxPublisherConfig()
	if config.Topic == "" {
		config.Topic = def.Topic
	}
	if config.AppendTimeout <= 0 {
		config.AppendTimeout = def.AppendTimeout
	}
	if config.ParkLimit <= 0 {
		config.ParkLimit = def.ParkLimit
	}

	return &OutboxPublisher{
		store:  store,
		clock:  clock,
		logger: logger.With("component", "outbox_publisher"),
		config: config,
	}
}

// Publish appends the event to the outbox. When the append fails the event is
// parked in memory and ErrEventParked is returned; it is not lost unless the
// process exits before the relay re-appends it.
func (p *OutboxPublisher) Publish(ctx context.Context, event shared.Event) error {
	entry, err := p.entryFor(event)
	if err != nil {
		return err
	}

	if err := p.append(ctx, entry); err != nil {
		p.park(entry)
		p.logger.Warn("outbox append failed, event parked",
			"event_id", entry.ID,
			"event_type", entry.EventType,
			"attempt_id", entry.Key,
			"error", err,
		)
		return fmt.Errorf("%w: %v", ErrEventParked, err)
	}

	p.logger.Debug("event appended to outbox",
		"event_id", entry.ID,
		"event_type", entry.EventType,
		"attempt_id", entry.Key,
	)
	return nil
}

// RetryParked re-appends parked events. It returns how many were appended.
func (p *OutboxPublisher) RetryParked(ctx context.Context) (int, error) {
	p.mu.Lock()
	pending := p.parked
	p.parked = nil
	p.mu.Unlock()

	if len(pending) == 0 {
		return 0, nil
	}

	for i, entry := range pending {
		if err := p.append(ctx, entry); err != nil {
			p.mu.Lock()
			// Events parked while this retry ran go after the older ones.
			p.parked = append(pending[i:], p.parked...)
			p.trimParked()
			p.mu.Unlock()
			return i, fmt.Errorf("re-append parked event %s: %w", entry.ID, err)
		}
	}

	p.logger.Info("parked events appended", "count", len(pending))
	return len(pending), nil
}

// Parked returns the number of events waiting in memory.
func (p *OutboxPublisher) Parked() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.parked)
}

func (p *OutboxPublisher) entryFor(event shared.Event) (outbox.Entry, error) {
	if event == nil {
		return outbox.Entry{}, errors.New("event cannot be nil")
	}

	env, err := shared.NewEnvelope(event)
	if err != nil {
		return outbox.Entry{}, err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return outbox.Entry{}, fmt.Errorf("marshal envelope: %w", err)
	}

	now := p.clock.Now()
	return outbox.Entry{
		ID:            env.ID,
		Topic:         p.config.Topic,
		Key:           env.AggregateID,
		EventType:     env.Type,
		Payload:       data,
		Status:        outbox.StatusPending,
		NextAttemptAt: now,
		CreatedAt:     now,
	}, nil
}

func (p *OutboxPublisher) append(ctx context.Context, entry outbox.Entry) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.config.AppendTimeout)
	defer cancel()
	return p.store.Append(ctx, entry)
}

func (p *OutboxPublisher) park(entry outbox.Entry) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.parked = append(p.parked, entry)
	p.trimParked()
}

// trimParked drops the oldest events beyond ParkLimit; they have had the most
// chances. Must be called with the lock held.
func (p *OutboxPublisher) trimParked() {
	over := len(p.parked) - p.config.ParkLimit
	if over <= 0 {
		return
	}
	p.parked = p.parked[over:]
	p.dropped += int64(over)
	p.logger.Error("parked event buffer full, dropping oldest",
		"dropped", over,
		"dropped_total", p.dropped,
	)
}

var _ shared.EventPublisher = (*OutboxPublisher)(nil)

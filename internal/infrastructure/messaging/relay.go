package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alem-hub/exam-attempts/internal/domain/outbox"
	"github.com/alem-hub/exam-attempts/pkg/retry"
	"github.com/alem-hub/exam-attempts/pkg/timeutil"
)

// RelayConfig configures Relay.
type RelayConfig struct {
	// BatchSize is how many entries are claimed at once.
	BatchSize int

	// MaxBatches bounds the work of a single Flush.
	MaxBatches int

	// MaxAttempts is the number of failed sends after which an entry is dead.
	MaxAttempts int

	// Lease keeps a claimed entry invisible to other relays while it is sent.
	Lease time.Duration

	// SendTimeout bounds a single transport call.
	SendTimeout time.Duration
}

// DefaultRelayConfig returns sensible defaults.
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		BatchSize:   100,
		MaxBatches:  10,
		MaxAttempts: 12,
		Lease:       30 * time.Second,
		SendTimeout: 5 * time.Second,
	}
}

// RelayStats summarises one Flush.
type RelayStats struct {
	Reappended   int
	Claimed      int
	Delivered    int
	Failed       int
	DeadLettered int
	Duration     time.Duration
}

// Relay moves outbox entries to the transport with exponential backoff and
// dead-lettering.
type Relay struct {
	store     outbox.Store
	transport Transport
	publisher *OutboxPublisher
	backoff   *retry.Retrier
	clock     timeutil.Clock
	logger    *slog.Logger
	config    RelayConfig
}

// NewRelay creates a relay. publisher may be nil; when set, its parked
// events are re-appended at the start of every Flush.
func NewRelay(store outbox.Store, transport Transport, publisher *OutboxPublisher, clock timeutil.Clock, logger *slog.Logger, config RelayConfig) *Relay {
	def := DefaultRelayConfig()
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	if config.MaxBatches <= 0 {
		config.MaxBatches = def.MaxBatches
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = def.MaxAttempts
	}
	if config.Lease <= 0 {
		config.Lease = def.Lease
	}
	if config.SendTimeout <= 0 {
		config.SendTimeout = def.SendTimeout
	}
	if clock == nil {
		clock = timeutil.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Relay{
		store:     store,
		transport: transport,
		publisher: publisher,
		backoff:   retry.OutboxBackoff(config.MaxAttempts),
		clock:     clock,
		logger:    logger.With("component", "outbox_relay"),
		config:    config,
	}
}

// Flush delivers due entries. A transport failure only affects its entry;
// an outbox storage failure aborts the flush and is returned.
func (r *Relay) Flush(ctx context.Context) (RelayStats, error) {
	start := time.Now()
	var stats RelayStats

	if r.publisher != nil {
		n, err := r.publisher.RetryParked(ctx)
		stats.Reappended = n
		if err != nil {
			r.logger.Warn("parked events still cannot be appended", "error", err)
		}
	}

	for batch := 0; batch < r.config.MaxBatches; batch++ {
		if err := ctx.Err(); err != nil {
			stats.Duration = time.Since(start)
			return stats, err
		}

		now := r.clock.Now()
		entries, err := r.store.ClaimDue(ctx, now, r.config.BatchSize, r.config.Lease)
		if err != nil {
			stats.Duration = time.Since(start)
			return stats, fmt.Errorf("claim outbox entries: %w", err)
		}
		stats.Claimed += len(entries)

		for _, entry := range entries {
			if err := r.deliver(ctx, entry, &stats); err != nil {
				stats.Duration = time.Since(start)
				return stats, err
			}
		}

		if len(entries) < r.config.BatchSize {
			break
		}
	}

	stats.Duration = time.Since(start)
	if stats.Claimed > 0 || stats.Reappended > 0 {
		r.logger.Info("outbox flushed",
			"claimed", stats.Claimed,
			"delivered", stats.Delivered,
			"failed", stats.Failed,
			"dead", stats.DeadLettered,
			"duration", stats.Duration,
		)
	}
	return stats, nil
}

func (r *Relay) deliver(ctx context.Context, entry outbox.Entry, stats *RelayStats) error {
	sendCtx, cancel := context.WithTimeout(ctx, r.config.SendTimeout)
	sendErr := r.transport.Send(sendCtx, entry.Topic, entry.Key, entry.Payload)
	cancel()

	now := r.clock.Now()
	if sendErr == nil {
		if err := r.store.MarkDelivered(ctx, entry.ID, now); err != nil {
			return fmt.Errorf("mark outbox entry %s delivered: %w", entry.ID, err)
		}
		stats.Delivered++
		return nil
	}

	attempts := entry.Attempts + 1
	dead := attempts >= r.config.MaxAttempts
	next := now.Add(r.backoff.Delay(attempts))

	if err := r.store.MarkFailed(ctx, entry.ID, attempts, next, sendErr.Error(), dead); err != nil {
		return fmt.Errorf("mark outbox entry %s failed: %w", entry.ID, err)
	}

	if dead {
		stats.DeadLettered++
		r.logger.Error("outbox entry dead-lettered",
			"event_id", entry.ID,
			"event_type", entry.EventType,
			"attempts", attempts,
			"error", sendErr,
		)
		return nil
	}

	stats.Failed++
	r.logger.Warn("outbox delivery failed, will retry",
		"event_id", entry.ID,
		"event_type", entry.EventType,
		"attempts", attempts,
		"next_attempt_at", next,
		"error", sendErr,
	)
	return nil
}

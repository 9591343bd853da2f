package jobs

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/alem-hub/exam-attempts/internal/domain/outbox"
	"github.com/alem-hub/exam-attempts/internal/infrastructure/messaging"
	"github.com/alem-hub/exam-attempts/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// RELAY OUTBOX JOB
// ══════════════════════════════════════════════════════════════════════════════

// Flusher is what the job needs from messaging.Relay.
type Flusher interface {
	Flush(ctx context.Context) (messaging.RelayStats, error)
}

// RelayOutboxConfig contains configuration for the relay job.
type RelayOutboxConfig struct {
	// BacklogWarnAge logs a warning when the oldest pending entry is older.
	BacklogWarnAge time.Duration
}

// DefaultRelayOutboxConfig returns sensible defaults.
func DefaultRelayOutboxConfig() RelayOutboxConfig {
	return RelayOutboxConfig{BacklogWarnAge: 5 * time.Minute}
}

// RelayOutboxJob delivers pending lifecycle events and watches the backlog.
type RelayOutboxJob struct {
	relay  Flusher
	store  outbox.Store
	clock  timeutil.Clock
	logger *slog.Logger
	config RelayOutboxConfig

	lastStats atomic.Pointer[messaging.RelayStats]
}

// NewRelayOutboxJob creates the job. store may be nil to skip backlog checks.
func NewRelayOutboxJob(relay Flusher, store outbox.Store, clock timeutil.Clock, logger *slog.Logger, config RelayOutboxConfig) *RelayOutboxJob {
	if config.BacklogWarnAge <= 0 {
		config.BacklogWarnAge = DefaultRelayOutboxConfig().BacklogWarnAge
	}
	if clock == nil {
		clock = timeutil.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RelayOutboxJob{
		relay:  relay,
		store:  store,
		clock:  clock,
		logger: logger.With("job", "relay_outbox"),
		config: config,
	}
}

// Name returns the job name.
func (j *RelayOutboxJob) Name() string {
	return "relay_outbox"
}

// Description returns a human-readable description.
func (j *RelayOutboxJob) Description() string {
	return "Delivers pending attempt events from the outbox to the broker"
}

// LastStats returns the stats of the most recent flush, or nil.
func (j *RelayOutboxJob) LastStats() *messaging.RelayStats {
	return j.lastStats.Load()
}

// Run flushes the outbox once.
func (j *RelayOutboxJob) Run(ctx context.Context) error {
	stats, err := j.relay.Flush(ctx)
	j.lastStats.Store(&stats)
	if err != nil {
		return err
	}

	if j.store == nil {
		return nil
	}
	backlog, err := j.store.Stats(ctx)
	if err != nil {
		j.logger.Warn("outbox stats unavailable", "error", err)
		return nil
	}
	if !backlog.OldestPending.IsZero() {
		age := j.clock.Now().Sub(backlog.OldestPending)
		if age > j.config.BacklogWarnAge {
			j.logger.Warn("outbox backlog growing",
				"pending", backlog.Pending,
				"oldest_age", age.String(),
				"dead", backlog.Dead,
			)
		}
	}
	if backlog.Dead > 0 && stats.DeadLettered > 0 {
		j.logger.Error("outbox has dead-lettered events", "dead", backlog.Dead)
	}
	return nil
}

// Package jobs contains the scheduled jobs of the attempt service.
package jobs

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alem-hub/exam-attempts/internal/domain/attempt"
	"github.com/alem-hub/exam-attempts/internal/domain/shared"
	"github.com/alem-hub/exam-attempts/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// EXPIRY SWEEPER JOB
// Closes attempts whose time budget ran out while nobody was looking. Several
// instances may sweep at once; the store's claim markers keep them apart.
// ══════════════════════════════════════════════════════════════════════════════

// AutoSubmitter is the part of the lifecycle the sweeper drives.
type AutoSubmitter interface {
	AutoSubmit(ctx context.Context, id string, expectedVersion int64, now time.Time) error
}

// ExpirySweeperConfig contains configuration for the sweeper.
type ExpirySweeperConfig struct {
	// ClaimWindow is how long a found attempt stays invisible to other
	// sweepers. It must comfortably exceed one AutoSubmit call.
	ClaimWindow time.Duration

	// Grace delays auto-submission past the deadline so that a student's
	// last-second submit wins.
	Grace time.Duration

	// Concurrency caps parallel AutoSubmit calls within one cycle.
	Concurrency int

	// MaxPerCycle bounds the attempts handled in one cycle (0 = unbounded).
	MaxPerCycle int
}

// DefaultExpirySweeperConfig returns sensible defaults.
func DefaultExpirySweeperConfig() ExpirySweeperConfig {
	return ExpirySweeperConfig{
		ClaimWindow: 2 * time.Minute,
		Grace:       30 * time.Second,
		Concurrency: 8,
		MaxPerCycle: 0,
	}
}

// SweepStats summarises one cycle.
type SweepStats struct {
	StartedAt time.Time
	Duration  time.Duration

	// Found is the number of claimed expired attempts.
	Found int

	// AutoSubmitted is the number of attempts this cycle closed.
	AutoSubmitted int

	// AlreadyHandled counts attempts that another actor changed first.
	AlreadyHandled int

	// Failed counts attempts left for the next cycle.
	Failed int
}

// ExpirySweeper is the only component that closes attempts without a client
// request.
type ExpirySweeper struct {
	store     attempt.Store
	lifecycle AutoSubmitter
	clock     timeutil.Clock
	logger    *slog.Logger
	config    ExpirySweeperConfig

	lastStats atomic.Pointer[SweepStats]
}

// NewExpirySweeper creates the sweeper job.
func NewExpirySweeper(
	store attempt.Store,
	lifecycle AutoSubmitter,
	clock timeutil.Clock,
	logger *slog.Logger,
	config ExpirySweeperConfig,
) *ExpirySweeper {
	def := DefaultExpirySweeperConfig()
	if config.ClaimWindow <= 0 {
		config.ClaimWindow = def.ClaimWindow
	}
	if config.Grace < 0 {
		config.Grace = 0
	}
	if config.Concurrency <= 0 {
		config.Concurrency = def.Concurrency
	}
	if clock == nil {
		clock = timeutil.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &ExpirySweeper{
		store:     store,
		lifecycle: lifecycle,
		clock:     clock,
		logger:    logger.With("job", "expiry_sweeper"),
		config:    config,
	}
}

// Name returns the job name.
func (j *ExpirySweeper) Name() string {
	return "expiry_sweeper"
}

// Description returns a human-readable description.
func (j *ExpirySweeper) Description() string {
	return "Auto-submits IN_PROGRESS attempts whose time budget has elapsed"
}

// Run executes one sweep cycle.
func (j *ExpirySweeper) Run(ctx context.Context) error {
	_, err := j.Sweep(ctx)
	return err
}

// LastStats returns the stats of the most recent cycle, or nil.
func (j *ExpirySweeper) LastStats() *SweepStats {
	return j.lastStats.Load()
}

// Sweep runs one cycle. A storage failure aborts the cycle and is returned;
// attempts it did not reach are picked up once their claims lapse.
func (j *ExpirySweeper) Sweep(ctx context.Context) (SweepStats, error) {
	now := j.clock.Now()
	stats := SweepStats{StartedAt: now}
	start := time.Now()

	var submitted, handled, failed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(j.config.Concurrency)

	var iterErr error
	cutoff := now.Add(-j.config.Grace)
	for a, err := range j.store.FindExpiredInProgress(gctx, cutoff, j.config.ClaimWindow) {
		if err != nil {
			iterErr = err
			break
		}
		stats.Found++

		g.Go(func() error {
			err := j.lifecycle.AutoSubmit(gctx, a.ID, a.Version, now)
			switch shared.KindOf(err) {
			case shared.KindNone:
				submitted.Add(1)
			case shared.KindVersionConflict, shared.KindNotFound:
				// The student (or an admin) got there first.
				handled.Add(1)
				j.logger.Debug("attempt changed before auto-submit, skipping",
					"attempt_id", a.ID,
					"version", a.Version,
					"reason", err,
				)
			case shared.KindStorageUnavailable:
				failed.Add(1)
				return err
			default:
				failed.Add(1)
				j.logger.Warn("auto-submit failed",
					"attempt_id", a.ID,
					"error", err,
				)
			}
			return nil
		})

		if j.config.MaxPerCycle > 0 && stats.Found >= j.config.MaxPerCycle {
			break
		}
	}

	err := g.Wait()
	if err == nil {
		err = iterErr
	}

	stats.AutoSubmitted = int(submitted.Load())
	stats.AlreadyHandled = int(handled.Load())
	stats.Failed = int(failed.Load())
	stats.Duration = time.Since(start)
	j.lastStats.Store(&stats)

	switch {
	case err != nil && errors.Is(err, context.Canceled) && ctx.Err() != nil:
		j.logger.Info("sweep interrupted", "found", stats.Found, "auto_submitted", stats.AutoSubmitted)
		return stats, err
	case err != nil:
		j.logger.Error("sweep aborted",
			"found", stats.Found,
			"auto_submitted", stats.AutoSubmitted,
			"error", err,
		)
		return stats, err
	case stats.Found > 0:
		j.logger.Info("sweep completed",
			"found", stats.Found,
			"auto_submitted", stats.AutoSubmitted,
			"already_handled", stats.AlreadyHandled,
			"failed", stats.Failed,
			"duration", stats.Duration.String(),
		)
	default:
		j.logger.Debug("sweep found nothing", "cutoff", cutoff)
	}
	return stats, nil
}

// Package command contains write operations (CQRS - Commands).
package command

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/alem-hub/exam-attempts/internal/domain/attempt"
	"github.com/alem-hub/exam-attempts/internal/domain/shared"
	"github.com/alem-hub/exam-attempts/pkg/logger"
	"github.com/alem-hub/exam-attempts/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// COMMANDS
// The lifecycle is the only writer of attempt state. Every operation either
// commits one version-checked change and emits one event, or changes nothing.
// ══════════════════════════════════════════════════════════════════════════════

// StartAttemptCommand opens a new attempt.
type StartAttemptCommand struct {
	// ExamID is the exam being taken.
	ExamID string `validate:"required,max=128"`

	// StudentID is the student taking it.
	StudentID string `validate:"required,max=128"`

	// DurationMinutes overrides the catalog's duration when positive. When the
	// lifecycle has no catalog it is required.
	DurationMinutes int `validate:"gte=0,lte=10080"`

	// CorrelationID for tracing; copied onto the emitted event.
	CorrelationID string `validate:"max=128"`
}

// StartAttemptResult is returned by StartAttempt.
type StartAttemptResult struct {
	// Attempt is the new attempt, or the one already holding the slot.
	Attempt *attempt.Attempt

	// Created is true when this call inserted the attempt.
	Created bool

	// RetryEcho is true when the call was rejected as AlreadyActive but the
	// existing attempt started within the clock-skew tolerance: most likely a
	// client retry of a start that already succeeded. Callers should then use
	// Attempt as if Created were true.
	RetryEcho bool
}

// SaveAnswerCommand records the latest response to one question.
type SaveAnswerCommand struct {
	AttemptID  string          `validate:"required,max=64"`
	QuestionID string          `validate:"required,max=128"`
	Response   json.RawMessage `validate:"max=65536"`
}

// ══════════════════════════════════════════════════════════════════════════════
// HANDLER
// ══════════════════════════════════════════════════════════════════════════════

// LifecycleConfig contains configuration for the lifecycle.
type LifecycleConfig struct {
	// ClockSkewTolerance bounds how old an existing attempt may be for an
	// AlreadyActive rejection to count as a retry echo.
	ClockSkewTolerance time.Duration
}

// DefaultLifecycleConfig returns default configuration.
func DefaultLifecycleConfig() LifecycleConfig {
	return LifecycleConfig{
		ClockSkewTolerance: 2 * time.Minute,
	}
}

// AttemptLifecycle drives attempts through the state machine.
type AttemptLifecycle struct {
	store     attempt.Store
	catalog   attempt.ExamCatalog
	publisher shared.EventPublisher
	clock     timeutil.Clock
	logger    *slog.Logger
	validate  *validator.Validate
	config    LifecycleConfig
	newID     func() string
}

// NewAttemptLifecycle creates the lifecycle. catalog may be nil, in which
// case StartAttempt requires an explicit duration. publisher may be nil.
func NewAttemptLifecycle(
	store attempt.Store,
	catalog attempt.ExamCatalog,
	publisher shared.EventPublisher,
	clock timeutil.Clock,
	log *slog.Logger,
	config LifecycleConfig,
) *AttemptLifecycle {
	if clock == nil {
		clock = timeutil.SystemClock{}
	}
	if log == nil {
		log = slog.Default()
	}
	if config.ClockSkewTolerance <= 0 {
		config.ClockSkewTolerance = DefaultLifecycleConfig().ClockSkewTolerance
	}

	return &AttemptLifecycle{
		store:     store,
		catalog:   catalog,
		publisher: publisher,
		clock:     clock,
		logger:    log.With(logger.Component("attempt_lifecycle")),
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		config:    config,
		newID:     uuid.NewString,
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// START
// ══════════════════════════════════════════════════════════════════════════════

// StartAttempt creates the next attempt for (exam, student).
//
// When another attempt is active the error matches shared.ErrAttemptAlreadyActive
// and the result still carries that attempt, so the caller can reference it.
func (l *AttemptLifecycle) StartAttempt(ctx context.Context, cmd StartAttemptCommand) (*StartAttemptResult, error) {
	if err := l.validateStruct(cmd); err != nil {
		return nil, fmt.Errorf("start_attempt: %w", err)
	}

	now := l.clock.Now()

	params, err := l.paramsFor(ctx, cmd)
	if err != nil {
		return nil, fmt.Errorf("start_attempt: %w", err)
	}

	created, err := l.store.TryAcquireAndCreate(ctx, params, now)
	if err != nil {
		if existing, ok := attempt.ExistingFrom(err); ok {
			echo := existing.StartedWithin(now, l.config.ClockSkewTolerance)
			l.logger.Info("start rejected, attempt already active",
				logger.ExamID(cmd.ExamID),
				logger.StudentID(cmd.StudentID),
				logger.AttemptID(existing.ID),
				slog.Bool("retry_echo", echo),
			)
			return &StartAttemptResult{Attempt: existing, RetryEcho: echo}, err
		}
		return nil, err
	}

	l.logger.Info("attempt started",
		logger.AttemptID(created.ID),
		logger.ExamID(created.ExamID),
		logger.StudentID(created.StudentID),
		slog.Int("attempt_number", created.AttemptNumber),
	)

	event := shared.NewAttemptStartedEvent(created.Ref(), created.Version,
		created.AttemptNumber, created.StartedAt, created.DurationMinutes)
	if cmd.CorrelationID != "" {
		event.BaseEvent = event.BaseEvent.WithCorrelationID(cmd.CorrelationID)
	}
	l.publish(ctx, event)

	return &StartAttemptResult{Attempt: created, Created: true}, nil
}

func (l *AttemptLifecycle) paramsFor(ctx context.Context, cmd StartAttemptCommand) (attempt.NewAttemptParams, error) {
	params := attempt.NewAttemptParams{
		ID:              l.newID(),
		ExamID:          cmd.ExamID,
		StudentID:       cmd.StudentID,
		DurationMinutes: cmd.DurationMinutes,
	}

	if l.catalog != nil {
		exam, err := l.catalog.GetExam(ctx, cmd.ExamID)
		if err != nil {
			return params, fmt.Errorf("lookup exam %s: %w", cmd.ExamID, err)
		}
		if params.DurationMinutes == 0 {
			params.DurationMinutes = exam.DurationMinutes
		}
		params.MaxAttempts = exam.MaxAttempts
		params.AllowPause = exam.AllowPause
	}

	if err := params.Validate(); err != nil {
		return params, err
	}
	return params, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// TRANSITIONS
// ══════════════════════════════════════════════════════════════════════════════

// transition describes one edge of the state machine as the lifecycle drives it.
type transition struct {
	op     string
	target attempt.Status

	// done reports whether an attempt in status s already satisfies the
	// caller's intent, making the call an idempotent success.
	done func(s attempt.Status) bool

	// check runs extra guards against the freshly read attempt.
	check func(a *attempt.Attempt, now time.Time) error

	event func(a *attempt.Attempt, now time.Time) shared.Event
}

func closedAlready(s attempt.Status) bool { return s.IsClosed() }

var (
	pauseTransition = transition{
		op:     "Pause",
		target: attempt.StatusPaused,
		done:   func(s attempt.Status) bool { return s == attempt.StatusPaused },
		check: func(a *attempt.Attempt, now time.Time) error {
			if a.IsExpiredAt(now) {
				return shared.WrapError("attempt", "Pause", shared.ErrStateTransition,
					fmt.Sprintf("attempt %s has run out of time", a.ID), nil)
			}
			return nil
		},
		event: func(a *attempt.Attempt, now time.Time) shared.Event {
			return shared.NewAttemptPausedEvent(a.Ref(), a.Version, now)
		},
	}

	resumeTransition = transition{
		op:     "Resume",
		target: attempt.StatusInProgress,
		done:   func(s attempt.Status) bool { return s == attempt.StatusInProgress },
		check: func(a *attempt.Attempt, now time.Time) error {
			if a.IsExpiredAt(now) {
				return shared.WrapError("attempt", "Resume", shared.ErrStateTransition,
					fmt.Sprintf("attempt %s has run out of time", a.ID), nil)
			}
			return nil
		},
		event: func(a *attempt.Attempt, now time.Time) shared.Event {
			return shared.NewAttemptResumedEvent(a.Ref(), a.Version, now)
		},
	}

	submitTransition = transition{
		op:     "Submit",
		target: attempt.StatusSubmitted,
		done:   closedAlready,
		event: func(a *attempt.Attempt, now time.Time) shared.Event {
			return shared.NewAttemptSubmittedEvent(a.Ref(), a.Version, submittedAt(a, now))
		},
	}

	autoSubmitTransition = transition{
		op:     "AutoSubmit",
		target: attempt.StatusAutoSubmitted,
		done:   closedAlready,
		check: func(a *attempt.Attempt, now time.Time) error {
			if !a.IsExpiredAt(now) {
				return shared.WrapError("attempt", "AutoSubmit", shared.ErrStateTransition,
					fmt.Sprintf("attempt %s has time left until %s", a.ID, a.Deadline().Format(time.RFC3339)), nil)
			}
			return nil
		},
		event: func(a *attempt.Attempt, now time.Time) shared.Event {
			return shared.NewAttemptAutoSubmittedEvent(a.Ref(), a.Version, submittedAt(a, now))
		},
	}

	abandonTransition = transition{
		op:     "Abandon",
		target: attempt.StatusAbandoned,
		done:   closedAlready,
		event: func(a *attempt.Attempt, now time.Time) shared.Event {
			return shared.NewAttemptAbandonedEvent(a.Ref(), a.Version, submittedAt(a, now))
		},
	}

	cancelTransition = transition{
		op:     "Cancel",
		target: attempt.StatusCancelled,
		done:   closedAlready,
		event: func(a *attempt.Attempt, now time.Time) shared.Event {
			return shared.NewAttemptCancelledEvent(a.Ref(), a.Version, submittedAt(a, now))
		},
	}
)

func submittedAt(a *attempt.Attempt, fallback time.Time) time.Time {
	if a.SubmittedAt != nil {
		return *a.SubmittedAt
	}
	return fallback
}

// Pause suspends an IN_PROGRESS attempt whose exam allows pausing. The
// deadline keeps running while paused.
func (l *AttemptLifecycle) Pause(ctx context.Context, id string, expectedVersion int64, now time.Time) error {
	return l.apply(ctx, pauseTransition, id, expectedVersion, now)
}

// Resume returns a PAUSED attempt to IN_PROGRESS.
func (l *AttemptLifecycle) Resume(ctx context.Context, id string, expectedVersion int64, now time.Time) error {
	return l.apply(ctx, resumeTransition, id, expectedVersion, now)
}

// Submit closes the attempt on the student's request.
func (l *AttemptLifecycle) Submit(ctx context.Context, id string, expectedVersion int64, now time.Time) error {
	return l.apply(ctx, submitTransition, id, expectedVersion, now)
}

// AutoSubmit closes an attempt whose time budget has elapsed. Only the expiry
// sweeper calls it.
func (l *AttemptLifecycle) AutoSubmit(ctx context.Context, id string, expectedVersion int64, now time.Time) error {
	return l.apply(ctx, autoSubmitTransition, id, expectedVersion, now)
}

// Abandon closes the attempt without a submission.
func (l *AttemptLifecycle) Abandon(ctx context.Context, id string, expectedVersion int64, now time.Time) error {
	return l.apply(ctx, abandonTransition, id, expectedVersion, now)
}

// Cancel is the administrative override for any active attempt.
func (l *AttemptLifecycle) Cancel(ctx context.Context, id string, expectedVersion int64, now time.Time) error {
	return l.apply(ctx, cancelTransition, id, expectedVersion, now)
}

// apply reads the attempt, short-circuits when the intent is already met,
// validates the edge and performs one version-checked update. A lost race is
// re-read once: if the winner left the attempt where this caller wanted it the
// call succeeds, otherwise the conflict is returned untouched.
func (l *AttemptLifecycle) apply(ctx context.Context, t transition, id string, expectedVersion int64, now time.Time) error {
	if err := l.validate.Var(id, "required,max=64"); err != nil {
		return shared.WrapError("attempt", t.op, shared.ErrInvalidID, "attempt id is required", err)
	}
	if now.IsZero() {
		now = l.clock.Now()
	}
	now = timeutil.Truncate(now)

	current, err := l.store.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if t.done(current.Status) {
		l.logger.Debug("transition already satisfied",
			logger.Operation(t.op),
			logger.AttemptID(id),
			logger.Status(current.Status.String()),
		)
		return nil
	}
	if err := current.CheckTransition(t.target); err != nil {
		return err
	}
	if t.check != nil {
		if err := t.check(current, now); err != nil {
			return err
		}
	}

	var stamp *time.Time
	if t.target.IsClosed() {
		stamp = &now
	}

	updated, err := l.store.UpdateStatus(ctx, id, expectedVersion, t.target, stamp, now)
	if err != nil {
		if !shared.IsVersionConflict(err) {
			return err
		}
		latest, rerr := l.store.GetByID(ctx, id)
		if rerr != nil {
			return rerr
		}
		if t.done(latest.Status) {
			l.logger.Debug("lost race, intent already reached",
				logger.Operation(t.op),
				logger.AttemptID(id),
				logger.Status(latest.Status.String()),
				logger.Version(latest.Version),
			)
			return nil
		}
		return err
	}

	l.logger.Info("attempt transitioned",
		logger.Operation(t.op),
		logger.AttemptID(id),
		slog.String("from", current.Status.String()),
		slog.String("to", updated.Status.String()),
		logger.Version(updated.Version),
	)

	l.publish(ctx, t.event(updated, now))
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// ANSWERS
// ══════════════════════════════════════════════════════════════════════════════

// SaveAnswer upserts an answer while the attempt is IN_PROGRESS and within its
// time budget.
func (l *AttemptLifecycle) SaveAnswer(ctx context.Context, cmd SaveAnswerCommand) error {
	if err := l.validateStruct(cmd); err != nil {
		return fmt.Errorf("save_answer: %w", err)
	}

	now := l.clock.Now()

	a, err := l.store.GetByID(ctx, cmd.AttemptID)
	if err != nil {
		return err
	}
	if a.Status != attempt.StatusInProgress {
		return attempt.AnswersClosed(a.ID, a.Status)
	}
	if a.IsExpiredAt(now) {
		return shared.WrapError("attempt", "SaveAnswer", shared.ErrStateTransition,
			fmt.Sprintf("attempt %s has run out of time", a.ID), nil)
	}

	answer := attempt.Answer{
		AttemptID:  cmd.AttemptID,
		QuestionID: cmd.QuestionID,
		Response:   cmd.Response,
		AnsweredAt: timeutil.Truncate(now),
	}
	if err := answer.Validate(); err != nil {
		return err
	}
	return l.store.SaveAnswer(ctx, answer)
}

// ══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ══════════════════════════════════════════════════════════════════════════════

// publish hands the event to the publisher. The state change has committed,
// so failures are logged and never returned.
func (l *AttemptLifecycle) publish(ctx context.Context, event shared.Event) {
	if l.publisher == nil {
		return
	}
	if err := l.publisher.Publish(ctx, event); err != nil {
		l.logger.Error("failed to publish attempt event",
			logger.EventID(event.EventID()),
			slog.String("event_type", string(event.EventType())),
			logger.AttemptID(event.AggregateID()),
			logger.Err(err),
		)
	}
}

func (l *AttemptLifecycle) validateStruct(v any) error {
	if err := l.validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", shared.ErrValidation, err)
	}
	return nil
}

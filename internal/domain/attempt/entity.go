package attempt

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/alem-hub/exam-attempts/internal/domain/shared"
	"github.com/alem-hub/exam-attempts/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// STATUS
// ══════════════════════════════════════════════════════════════════════════════

// Status is a state of the attempt state machine.
type Status string

const (
	// StatusInProgress - the student is answering and the clock is running.
	StatusInProgress Status = "IN_PROGRESS"
	// StatusPaused - suspended by the student; only reachable when the exam allows it.
	StatusPaused Status = "PAUSED"
	// StatusSubmitted - handed in by the student.
	StatusSubmitted Status = "SUBMITTED"
	// StatusAutoSubmitted - closed by the expiry sweeper.
	StatusAutoSubmitted Status = "AUTO_SUBMITTED"
	// StatusAbandoned - the student walked away.
	StatusAbandoned Status = "ABANDONED"
	// StatusCancelled - administrative override.
	StatusCancelled Status = "CANCELLED"

	// Downstream states are written by the grading workflow only.
	StatusUnderReview Status = "UNDER_REVIEW"
	StatusCompleted   Status = "COMPLETED"
	StatusGraded      Status = "GRADED"
)

// IsValid reports whether s is a known status, including downstream ones.
func (s Status) IsValid() bool {
	switch s {
	case StatusInProgress, StatusPaused,
		StatusSubmitted, StatusAutoSubmitted, StatusAbandoned, StatusCancelled,
		StatusUnderReview, StatusCompleted, StatusGraded:
		return true
	default:
		return false
	}
}

// IsActive reports whether the attempt still holds the (exam, student) slot.
func (s Status) IsActive() bool {
	return s == StatusInProgress || s == StatusPaused
}

// IsTerminalBound reports whether the attempt has been closed by this core.
func (s Status) IsTerminalBound() bool {
	switch s {
	case StatusSubmitted, StatusAutoSubmitted, StatusAbandoned, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsDownstream reports whether the status belongs to the grading workflow.
func (s Status) IsDownstream() bool {
	switch s {
	case StatusUnderReview, StatusCompleted, StatusGraded:
		return true
	default:
		return false
	}
}

// IsClosed is true for every status that can never go back to active.
func (s Status) IsClosed() bool {
	return s.IsTerminalBound() || s.IsDownstream()
}

// Canonical folds the downstream synonyms onto one vocabulary:
// COMPLETED is reported as GRADED.
func (s Status) Canonical() Status {
	if s == StatusCompleted {
		return StatusGraded
	}
	return s
}

// String returns the wire name of the status.
func (s Status) String() string {
	return string(s)
}

// ParseStatus parses a wire name, case-insensitively.
func ParseStatus(v string) (Status, error) {
	s := Status(strings.ToUpper(strings.TrimSpace(v)))
	if !s.IsValid() {
		return "", fmt.Errorf("%w: unknown attempt status %q", shared.ErrInvalidInput, v)
	}
	return s, nil
}

// transitions lists every edge this core may write. Downstream states have
// no outgoing edges here.
var transitions = map[Status][]Status{
	StatusInProgress: {StatusPaused, StatusSubmitted, StatusAutoSubmitted, StatusAbandoned, StatusCancelled},
	StatusPaused:     {StatusInProgress, StatusSubmitted, StatusAutoSubmitted, StatusAbandoned, StatusCancelled},
}

// SourcesOf lists the statuses from which target may be reached.
func SourcesOf(target Status) []Status {
	var out []Status
	for _, from := range []Status{StatusInProgress, StatusPaused} {
		if from.CanTransitionTo(target) {
			out = append(out, from)
		}
	}
	return out
}

// CanTransitionTo reports whether from -> to is an allowed edge.
func (s Status) CanTransitionTo(to Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ══════════════════════════════════════════════════════════════════════════════
// ATTEMPT
// ══════════════════════════════════════════════════════════════════════════════

// Attempt is one student's timed engagement with one exam.
type Attempt struct {
	ID            string
	ExamID        string
	StudentID     string
	AttemptNumber int
	Status        Status

	// StartedAt is authoritative for expiry.
	StartedAt time.Time

	// Snapshots of the exam definition taken at start.
	DurationMinutes int
	AllowPause      bool

	// SubmittedAt is nil while the attempt is active.
	SubmittedAt *time.Time

	Version int64
	Deleted bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewAttemptParams carries what the store needs to create an attempt.
type NewAttemptParams struct {
	ID              string
	ExamID          string
	StudentID       string
	DurationMinutes int
	AllowPause      bool

	// MaxAttempts caps non-deleted attempts per (exam, student); 0 is unlimited.
	MaxAttempts int
}

// Validate checks the parameters before any storage work happens.
func (p NewAttemptParams) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("%w: attempt id is required", shared.ErrInvalidID)
	}
	if strings.TrimSpace(p.ExamID) == "" || strings.TrimSpace(p.StudentID) == "" {
		return fmt.Errorf("%w: exam id and student id are required", shared.ErrInvalidInput)
	}
	if p.DurationMinutes <= 0 {
		return fmt.Errorf("%w: duration must be positive, got %d", shared.ErrInvalidInput, p.DurationMinutes)
	}
	if p.MaxAttempts < 0 {
		return fmt.Errorf("%w: max attempts cannot be negative", shared.ErrInvalidInput)
	}
	return nil
}

// Build materialises a new IN_PROGRESS attempt with the given number.
func (p NewAttemptParams) Build(number int, now time.Time) *Attempt {
	now = timeutil.Truncate(now)
	return &Attempt{
		ID:              p.ID,
		ExamID:          p.ExamID,
		StudentID:       p.StudentID,
		AttemptNumber:   number,
		Status:          StatusInProgress,
		StartedAt:       now,
		DurationMinutes: p.DurationMinutes,
		AllowPause:      p.AllowPause,
		Version:         0,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// Key is the (exam, student) pair that scopes the active-attempt invariant.
func (a *Attempt) Key() Key {
	return Key{ExamID: a.ExamID, StudentID: a.StudentID}
}

// Deadline is the instant the time budget runs out.
func (a *Attempt) Deadline() time.Time {
	return timeutil.Deadline(a.StartedAt, a.DurationMinutes)
}

// IsExpiredAt reports whether the budget has elapsed at now (inclusive).
func (a *Attempt) IsExpiredAt(now time.Time) bool {
	return !now.Before(a.Deadline())
}

// Remaining returns the time left at now, never negative.
func (a *Attempt) Remaining(now time.Time) time.Duration {
	d := a.Deadline().Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// StartedWithin reports whether the attempt started within tol of now. Used to
// recognise a client retry of a start that already succeeded.
func (a *Attempt) StartedWithin(now time.Time, tol time.Duration) bool {
	return timeutil.WithinTolerance(a.StartedAt, now, tol)
}

// Ref returns the identifying fields carried by every lifecycle event.
func (a *Attempt) Ref() shared.AttemptRef {
	return shared.AttemptRef{
		AttemptID: a.ID,
		ExamID:    a.ExamID,
		StudentID: a.StudentID,
		Status:    a.Status.String(),
	}
}

// CheckTransition validates a move to target without mutating anything.
func (a *Attempt) CheckTransition(target Status) error {
	if !a.Status.CanTransitionTo(target) {
		return shared.WrapError("attempt", "Transition", shared.ErrStateTransition,
			fmt.Sprintf("cannot move attempt %s from %s to %s", a.ID, a.Status, target), nil)
	}
	if target == StatusPaused && !a.AllowPause {
		return shared.ErrPauseNotAllowed
	}
	return nil
}

// Clone returns a deep copy so callers never share the SubmittedAt pointer.
func (a *Attempt) Clone() *Attempt {
	if a == nil {
		return nil
	}
	c := *a
	if a.SubmittedAt != nil {
		t := *a.SubmittedAt
		c.SubmittedAt = &t
	}
	return &c
}

// Key identifies the active-attempt slot.
type Key struct {
	ExamID    string
	StudentID string
}

// String renders the key as used for lock names.
func (k Key) String() string {
	return k.ExamID + ":" + k.StudentID
}

// ══════════════════════════════════════════════════════════════════════════════
// ANSWER
// ══════════════════════════════════════════════════════════════════════════════

// Answer is the latest response to one question within one attempt.
type Answer struct {
	AttemptID  string
	QuestionID string
	Response   json.RawMessage
	AnsweredAt time.Time
}

// Validate checks the answer before it is stored.
func (a Answer) Validate() error {
	if strings.TrimSpace(a.AttemptID) == "" || strings.TrimSpace(a.QuestionID) == "" {
		return fmt.Errorf("%w: attempt id and question id are required", shared.ErrInvalidInput)
	}
	if len(a.Response) > 0 && !json.Valid(a.Response) {
		return fmt.Errorf("%w: response is not valid JSON", shared.ErrInvalidFormat)
	}
	return nil
}

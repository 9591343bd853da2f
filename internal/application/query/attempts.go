// Package query contains read operations (CQRS - Queries).
package query

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alem-hub/exam-attempts/internal/domain/attempt"
	"github.com/alem-hub/exam-attempts/internal/domain/shared"
	"github.com/alem-hub/exam-attempts/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// GET ATTEMPT QUERY
// Returns one attempt with its timing and, optionally, its saved answers.
// ══════════════════════════════════════════════════════════════════════════════

// GetAttemptQuery selects one attempt.
type GetAttemptQuery struct {
	AttemptID      string
	IncludeAnswers bool
}

// Validate checks the query parameters.
func (q GetAttemptQuery) Validate() error {
	if q.AttemptID == "" {
		return fmt.Errorf("%w: attempt_id is required", shared.ErrInvalidID)
	}
	return nil
}

// AttemptDTO is the read model of one attempt.
type AttemptDTO struct {
	// ─────────────────────────────────────────────────────────────────────────
	// Identification
	// ─────────────────────────────────────────────────────────────────────────

	ID            string `json:"id"`
	ExamID        string `json:"exam_id"`
	StudentID     string `json:"student_id"`
	AttemptNumber int    `json:"attempt_number"`

	// ─────────────────────────────────────────────────────────────────────────
	// State
	// ─────────────────────────────────────────────────────────────────────────

	// Status is reported in canonical form (COMPLETED is shown as GRADED).
	Status  string `json:"status"`
	Active  bool   `json:"active"`
	Version int64  `json:"version"`

	// ─────────────────────────────────────────────────────────────────────────
	// Timing
	// ─────────────────────────────────────────────────────────────────────────

	StartedAt       time.Time  `json:"started_at"`
	Deadline        time.Time  `json:"deadline"`
	DurationMinutes int        `json:"duration_minutes"`
	SubmittedAt     *time.Time `json:"submitted_at,omitempty"`

	// RemainingSeconds is zero for closed or expired attempts.
	RemainingSeconds int64 `json:"remaining_seconds"`

	// Overdue is set for active attempts past their deadline that the
	// sweeper has not closed yet.
	Overdue bool `json:"overdue"`

	AllowPause bool `json:"allow_pause"`

	Answers []AnswerDTO `json:"answers,omitempty"`
}

// AnswerDTO is one saved answer.
type AnswerDTO struct {
	QuestionID string          `json:"question_id"`
	Response   json.RawMessage `json:"response"`
	AnsweredAt time.Time       `json:"answered_at"`
}

// GetAttemptHandler handles GetAttemptQuery.
type GetAttemptHandler struct {
	store attempt.Store
	clock timeutil.Clock
}

// NewGetAttemptHandler creates the handler.
func NewGetAttemptHandler(store attempt.Store, clock timeutil.Clock) *GetAttemptHandler {
	if clock == nil {
		clock = timeutil.SystemClock{}
	}
	return &GetAttemptHandler{store: store, clock: clock}
}

// Handle executes the query.
func (h *GetAttemptHandler) Handle(ctx context.Context, q GetAttemptQuery) (*AttemptDTO, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	a, err := h.store.GetByID(ctx, q.AttemptID)
	if err != nil {
		return nil, err
	}

	dto := toAttemptDTO(a, h.clock.Now())

	if q.IncludeAnswers {
		answers, err := h.store.ListAnswers(ctx, a.ID)
		if err != nil {
			return nil, fmt.Errorf("get_attempt: list answers: %w", err)
		}
		dto.Answers = make([]AnswerDTO, 0, len(answers))
		for _, ans := range answers {
			dto.Answers = append(dto.Answers, AnswerDTO{
				QuestionID: ans.QuestionID,
				Response:   ans.Response,
				AnsweredAt: ans.AnsweredAt,
			})
		}
	}

	return &dto, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// LIST STUDENT ATTEMPTS QUERY
// The history of one student on one exam, oldest first.
// ══════════════════════════════════════════════════════════════════════════════

// ListStudentAttemptsQuery selects a student's attempts on an exam.
type ListStudentAttemptsQuery struct {
	ExamID    string
	StudentID string
}

// Validate checks the query parameters.
func (q ListStudentAttemptsQuery) Validate() error {
	if q.ExamID == "" || q.StudentID == "" {
		return fmt.Errorf("%w: exam_id and student_id are required", shared.ErrInvalidInput)
	}
	return nil
}

// StudentAttemptsDTO summarises the history.
type StudentAttemptsDTO struct {
	ExamID    string       `json:"exam_id"`
	StudentID string       `json:"student_id"`
	Attempts  []AttemptDTO `json:"attempts"`

	// ActiveAttemptID is the attempt currently holding the slot, if any.
	ActiveAttemptID string `json:"active_attempt_id,omitempty"`

	Submitted     int `json:"submitted"`
	AutoSubmitted int `json:"auto_submitted"`
	Abandoned     int `json:"abandoned"`
	Cancelled     int `json:"cancelled"`
}

// ListStudentAttemptsHandler handles ListStudentAttemptsQuery.
type ListStudentAttemptsHandler struct {
	store attempt.Store
	clock timeutil.Clock
}

// NewListStudentAttemptsHandler creates the handler.
func NewListStudentAttemptsHandler(store attempt.Store, clock timeutil.Clock) *ListStudentAttemptsHandler {
	if clock == nil {
		clock = timeutil.SystemClock{}
	}
	return &ListStudentAttemptsHandler{store: store, clock: clock}
}

// Handle executes the query.
func (h *ListStudentAttemptsHandler) Handle(ctx context.Context, q ListStudentAttemptsQuery) (*StudentAttemptsDTO, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	attempts, err := h.store.ListByStudent(ctx, q.ExamID, q.StudentID)
	if err != nil {
		return nil, err
	}

	now := h.clock.Now()
	out := &StudentAttemptsDTO{
		ExamID:    q.ExamID,
		StudentID: q.StudentID,
		Attempts:  make([]AttemptDTO, 0, len(attempts)),
	}
	for _, a := range attempts {
		out.Attempts = append(out.Attempts, toAttemptDTO(a, now))

		switch a.Status {
		case attempt.StatusInProgress, attempt.StatusPaused:
			out.ActiveAttemptID = a.ID
		case attempt.StatusSubmitted:
			out.Submitted++
		case attempt.StatusAutoSubmitted:
			out.AutoSubmitted++
		case attempt.StatusAbandoned:
			out.Abandoned++
		case attempt.StatusCancelled:
			out.Cancelled++
		}
	}

	return out, nil
}

func toAttemptDTO(a *attempt.Attempt, now time.Time) AttemptDTO {
	active := a.Status.IsActive()
	dto := AttemptDTO{
		ID:              a.ID,
		ExamID:          a.ExamID,
		StudentID:       a.StudentID,
		AttemptNumber:   a.AttemptNumber,
		Status:          a.Status.Canonical().String(),
		Active:          active,
		Version:         a.Version,
		StartedAt:       a.StartedAt,
		Deadline:        a.Deadline(),
		DurationMinutes: a.DurationMinutes,
		SubmittedAt:     a.SubmittedAt,
		AllowPause:      a.AllowPause,
	}
	if active {
		dto.RemainingSeconds = int64(a.Remaining(now) / time.Second)
		dto.Overdue = a.IsExpiredAt(now)
	}
	return dto
}

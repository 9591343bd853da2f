package attempt

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/exam-attempts/internal/domain/shared"
)

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func newAttempt(status Status) *Attempt {
	p := NewAttemptParams{ID: "a-1", ExamID: "E1", StudentID: "S1", DurationMinutes: 30, AllowPause: true}
	a := p.Build(1, t0)
	a.Status = status
	return a
}

func TestStatus_Transitions(t *testing.T) {
	tests := []struct {
		from, to Status
		allowed  bool
	}{
		{StatusInProgress, StatusPaused, true},
		{StatusPaused, StatusInProgress, true},
		{StatusInProgress, StatusSubmitted, true},
		{StatusPaused, StatusSubmitted, true},
		{StatusInProgress, StatusAutoSubmitted, true},
		{StatusPaused, StatusAutoSubmitted, true},
		{StatusInProgress, StatusAbandoned, true},
		{StatusPaused, StatusCancelled, true},
		{StatusInProgress, StatusInProgress, false},
		{StatusSubmitted, StatusAutoSubmitted, false},
		{StatusSubmitted, StatusCancelled, false},
		{StatusAutoSubmitted, StatusSubmitted, false},
		{StatusCancelled, StatusInProgress, false},
		{StatusGraded, StatusCancelled, false},
		{StatusUnderReview, StatusSubmitted, false},
		{StatusInProgress, StatusGraded, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.allowed, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestStatus_Classification(t *testing.T) {
	assert.True(t, StatusInProgress.IsActive())
	assert.True(t, StatusPaused.IsActive())
	assert.False(t, StatusSubmitted.IsActive())

	for _, s := range []Status{StatusSubmitted, StatusAutoSubmitted, StatusAbandoned, StatusCancelled} {
		assert.True(t, s.IsTerminalBound(), s)
		assert.True(t, s.IsClosed(), s)
	}
	for _, s := range []Status{StatusUnderReview, StatusCompleted, StatusGraded} {
		assert.True(t, s.IsDownstream(), s)
		assert.True(t, s.IsClosed(), s)
		assert.False(t, s.IsTerminalBound(), s)
	}

	assert.Equal(t, StatusGraded, StatusCompleted.Canonical())
	assert.Equal(t, StatusSubmitted, StatusSubmitted.Canonical())
}

func TestParseStatus(t *testing.T) {
	s, err := ParseStatus(" auto_submitted ")
	require.NoError(t, err)
	assert.Equal(t, StatusAutoSubmitted, s)

	_, err = ParseStatus("FINISHED")
	assert.True(t, shared.IsValidation(err))
}

func TestAttempt_ExpiryBoundary(t *testing.T) {
	a := newAttempt(StatusInProgress)

	assert.Equal(t, t0.Add(30*time.Minute), a.Deadline())
	assert.False(t, a.IsExpiredAt(t0.Add(30*time.Minute-time.Nanosecond)))
	assert.True(t, a.IsExpiredAt(t0.Add(30*time.Minute)))
	assert.True(t, a.IsExpiredAt(t0.Add(31*time.Minute)))

	assert.Equal(t, 20*time.Minute, a.Remaining(t0.Add(10*time.Minute)))
	assert.Equal(t, time.Duration(0), a.Remaining(t0.Add(time.Hour)))
}

func TestAttempt_StartedWithin(t *testing.T) {
	a := newAttempt(StatusInProgress)

	assert.True(t, a.StartedWithin(t0.Add(time.Minute), 2*time.Minute))
	assert.False(t, a.StartedWithin(t0.Add(3*time.Minute), 2*time.Minute))
}

func TestAttempt_CheckTransition(t *testing.T) {
	a := newAttempt(StatusInProgress)
	assert.NoError(t, a.CheckTransition(StatusSubmitted))
	assert.NoError(t, a.CheckTransition(StatusPaused))

	a.AllowPause = false
	err := a.CheckTransition(StatusPaused)
	assert.Equal(t, shared.KindInvalidTransition, shared.KindOf(err))

	done := newAttempt(StatusSubmitted)
	err = done.CheckTransition(StatusCancelled)
	assert.Equal(t, shared.KindInvalidTransition, shared.KindOf(err))
}

func TestNewAttemptParams_Validate(t *testing.T) {
	valid := NewAttemptParams{ID: "a", ExamID: "E1", StudentID: "S1", DurationMinutes: 30}
	assert.NoError(t, valid.Validate())

	noDuration := valid
	noDuration.DurationMinutes = 0
	assert.True(t, shared.IsValidation(noDuration.Validate()))

	noStudent := valid
	noStudent.StudentID = " "
	assert.True(t, shared.IsValidation(noStudent.Validate()))
}

func TestNewAttemptParams_Build(t *testing.T) {
	p := NewAttemptParams{ID: "a", ExamID: "E1", StudentID: "S1", DurationMinutes: 45, AllowPause: true}
	a := p.Build(3, t0.Add(123*time.Nanosecond))

	assert.Equal(t, StatusInProgress, a.Status)
	assert.Equal(t, 3, a.AttemptNumber)
	assert.Equal(t, int64(0), a.Version)
	assert.Nil(t, a.SubmittedAt)
	assert.Equal(t, t0, a.StartedAt)
	assert.Equal(t, Key{ExamID: "E1", StudentID: "S1"}, a.Key())
}

func TestAlreadyActiveError(t *testing.T) {
	existing := newAttempt(StatusInProgress)
	err := NewAlreadyActiveError(existing)

	assert.Equal(t, shared.KindAlreadyActive, shared.KindOf(err))
	assert.True(t, errors.Is(err, shared.ErrAttemptAlreadyActive))

	got, ok := ExistingFrom(err)
	require.True(t, ok)
	assert.Equal(t, existing.ID, got.ID)
	assert.NotSame(t, existing, got)
}

func TestErrorConstructors(t *testing.T) {
	assert.Equal(t, shared.KindNotFound, shared.KindOf(NotFound("x")))
	assert.Equal(t, shared.KindVersionConflict, shared.KindOf(VersionConflict("x", 2)))
	assert.Equal(t, shared.KindStorageUnavailable, shared.KindOf(StorageUnavailable("Get", errors.New("conn reset"))))
	assert.Equal(t, shared.KindAttemptLimitReached, shared.KindOf(&LimitReachedError{Key: Key{"E1", "S1"}, MaxAttempts: 2}))
}

func TestAnswer_Validate(t *testing.T) {
	assert.NoError(t, Answer{AttemptID: "a", QuestionID: "q", Response: []byte(`{"choice":"B"}`)}.Validate())
	assert.True(t, shared.IsValidation(Answer{AttemptID: "a", QuestionID: "q", Response: []byte(`{`)}.Validate()))
	assert.True(t, shared.IsValidation(Answer{AttemptID: "a"}.Validate()))
}

func TestClone_CopiesSubmittedAt(t *testing.T) {
	a := newAttempt(StatusSubmitted)
	ts := t0.Add(time.Minute)
	a.SubmittedAt = &ts

	c := a.Clone()
	require.NotNil(t, c.SubmittedAt)
	assert.NotSame(t, a.SubmittedAt, c.SubmittedAt)
	assert.Equal(t, ts, *c.SubmittedAt)
}

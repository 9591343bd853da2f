package attempt

import (
	"errors"
	"fmt"

	"github.com/alem-hub/exam-attempts/internal/domain/shared"
)

// AlreadyActiveError is returned when the (exam, student) slot is taken.
// Existing is the attempt that holds it, so the caller can hand its id back
// to the client instead of failing generically.
type AlreadyActiveError struct {
	Existing *Attempt
}

func (e *AlreadyActiveError) Error() string {
	if e.Existing == nil {
		return shared.ErrAttemptAlreadyActive.Error()
	}
	return fmt.Sprintf("%s: attempt %s (number %d) is %s",
		shared.ErrAttemptAlreadyActive.Error(), e.Existing.ID, e.Existing.AttemptNumber, e.Existing.Status)
}

// Unwrap lets errors.Is match shared.ErrAttemptAlreadyActive and ErrAlreadyExists.
func (e *AlreadyActiveError) Unwrap() error {
	return shared.ErrAttemptAlreadyActive
}

// NewAlreadyActiveError wraps the attempt currently holding the slot.
func NewAlreadyActiveError(existing *Attempt) error {
	return &AlreadyActiveError{Existing: existing.Clone()}
}

// ExistingFrom extracts the active attempt from an AlreadyActive error.
func ExistingFrom(err error) (*Attempt, bool) {
	var aa *AlreadyActiveError
	if errors.As(err, &aa) && aa.Existing != nil {
		return aa.Existing, true
	}
	return nil, false
}

// LimitReachedError is returned when the exam's attempt cap is exhausted.
type LimitReachedError struct {
	Key         Key
	MaxAttempts int
}

func (e *LimitReachedError) Error() string {
	return fmt.Sprintf("%s: %s used %d of %d", shared.ErrAttemptLimitReached.Error(), e.Key, e.MaxAttempts, e.MaxAttempts)
}

// Unwrap lets errors.Is match shared.ErrAttemptLimitReached.
func (e *LimitReachedError) Unwrap() error {
	return shared.ErrAttemptLimitReached
}

// NotFound builds the error for an unknown attempt id.
func NotFound(id string) error {
	return shared.WrapError("attempt", "Find", shared.ErrNotFound, fmt.Sprintf("attempt %s not found", id), nil)
}

// AnswersClosed builds the error for an answer to an attempt that is no
// longer IN_PROGRESS.
func AnswersClosed(id string, status Status) error {
	return shared.WrapError("attempt", "SaveAnswer", shared.ErrStateTransition,
		fmt.Sprintf("attempt %s is %s, answers are closed", id, status), nil)
}

// VersionConflict builds the error for a lost optimistic update.
func VersionConflict(id string, expected int64) error {
	return shared.WrapError("attempt", "Update", shared.ErrOptimisticLock,
		fmt.Sprintf("attempt %s is no longer at version %d", id, expected), nil)
}

// StorageUnavailable wraps a driver or connectivity failure.
func StorageUnavailable(op string, err error) error {
	return shared.WrapError("attempt", op, shared.ErrServiceUnavailable, "attempt storage unavailable", err)
}

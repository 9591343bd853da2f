// Package shared contains common domain types, errors and events
// that are used across all domain packages.
package shared

import (
	"errors"
	"fmt"
)

// Base domain errors that can be used for error checking with errors.Is().
var (
	// Entity errors
	ErrNotFound      = errors.New("entity not found")
	ErrAlreadyExists = errors.New("entity already exists")

	// Validation errors
	ErrValidation    = errors.New("validation error")
	ErrInvalidID     = errors.New("invalid ID")
	ErrInvalidInput  = errors.New("invalid input")
	ErrInvalidFormat = errors.New("invalid format")

	// State errors
	ErrInvalidState    = errors.New("invalid state")
	ErrStateTransition = errors.New("invalid state transition")
	ErrLimitReached    = errors.New("limit reached")

	// Concurrency errors
	ErrConcurrentModification = errors.New("concurrent modification detected")
	ErrOptimisticLock         = errors.New("optimistic lock failure")

	// External service errors
	ErrExternalService    = errors.New("external service error")
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrTimeout            = errors.New("operation timeout")
)

// ErrorKind classifies failures of the attempt core. Callers switch on the
// kind instead of comparing individual error values.
type ErrorKind string

const (
	KindNone                ErrorKind = ""
	KindAlreadyActive       ErrorKind = "AlreadyActive"
	KindInvalidTransition   ErrorKind = "InvalidTransition"
	KindVersionConflict     ErrorKind = "VersionConflict"
	KindStorageUnavailable  ErrorKind = "StorageUnavailable"
	KindNotFound            ErrorKind = "NotFound"
	KindAttemptLimitReached ErrorKind = "AttemptLimitReached"
	KindValidation          ErrorKind = "Validation"
	KindInternal            ErrorKind = "Internal"
)

// DomainError represents a domain-specific error with context.
type DomainError struct {
	Domain  string // e.g., "attempt", "outbox", "catalog"
	Op      string // Operation that failed, e.g., "Start", "Submit"
	Kind    error  // Base error type for errors.Is() checking
	Message string // Human-readable message
	Err     error  // Underlying error (optional)
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s.%s: %s: %v", e.Domain, e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s.%s: %s", e.Domain, e.Op, e.Message)
}

// Unwrap returns the underlying error for errors.Unwrap().
func (e *DomainError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return e.Kind
}

// Is implements errors.Is() matching.
func (e *DomainError) Is(target error) bool {
	if e.Kind != nil && errors.Is(e.Kind, target) {
		return true
	}
	if e.Err != nil && errors.Is(e.Err, target) {
		return true
	}
	return false
}

// NewDomainError creates a new domain error.
func NewDomainError(domain, op string, kind error, message string) *DomainError {
	return &DomainError{
		Domain:  domain,
		Op:      op,
		Kind:    kind,
		Message: message,
	}
}

// WrapError wraps an existing error with domain context.
func WrapError(domain, op string, kind error, message string, err error) *DomainError {
	return &DomainError{
		Domain:  domain,
		Op:      op,
		Kind:    kind,
		Message: message,
		Err:     err,
	}
}

// Attempt domain errors
var (
	ErrAttemptNotFound      = NewDomainError("attempt", "Find", ErrNotFound, "attempt not found")
	ErrAttemptAlreadyActive = NewDomainError("attempt", "Start", ErrAlreadyExists, "attempt already in progress")
	ErrAttemptLimitReached  = NewDomainError("attempt", "Start", ErrLimitReached, "attempt limit reached for exam")
	ErrInvalidTransition    = NewDomainError("attempt", "Transition", ErrStateTransition, "transition not allowed")
	ErrVersionConflict      = NewDomainError("attempt", "Update", ErrOptimisticLock, "attempt was modified concurrently")
	ErrStorageUnavailable   = NewDomainError("attempt", "Store", ErrServiceUnavailable, "attempt storage unavailable")
	ErrPauseNotAllowed      = NewDomainError("attempt", "Pause", ErrStateTransition, "exam does not allow pausing")
)

// Exam catalog errors
var (
	ErrExamNotFound       = NewDomainError("catalog", "Lookup", ErrNotFound, "exam not found")
	ErrCatalogUnavailable = NewDomainError("catalog", "Lookup", ErrServiceUnavailable, "exam catalog unavailable")
)

// KindOf maps any error returned by the attempt core onto its ErrorKind.
// Wrapped errors are inspected with errors.Is, so callers may add context
// with fmt.Errorf("...: %w", err) without losing the classification.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrAlreadyExists):
		return KindAlreadyActive
	case errors.Is(err, ErrLimitReached):
		return KindAttemptLimitReached
	case errors.Is(err, ErrOptimisticLock), errors.Is(err, ErrConcurrentModification):
		return KindVersionConflict
	case errors.Is(err, ErrStateTransition), errors.Is(err, ErrInvalidState):
		return KindInvalidTransition
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrServiceUnavailable), errors.Is(err, ErrTimeout):
		return KindStorageUnavailable
	case errors.Is(err, ErrValidation), errors.Is(err, ErrInvalidID),
		errors.Is(err, ErrInvalidInput), errors.Is(err, ErrInvalidFormat):
		return KindValidation
	default:
		return KindInternal
	}
}

// IsNotFound checks if the error is a "not found" error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsVersionConflict checks if the error is a lost optimistic update.
func IsVersionConflict(err error) bool {
	return KindOf(err) == KindVersionConflict
}

// IsValidation checks if the error is a validation error.
func IsValidation(err error) bool {
	return KindOf(err) == KindValidation
}

// IsRetryable checks if the operation can be retried by the caller.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrServiceUnavailable) ||
		errors.Is(err, ErrTimeout)
}

package attempt

import (
	"context"
	"iter"
	"time"
)

// Store is the only gateway to attempt rows. Implementations enforce the
// single-active-attempt and gap-free numbering invariants atomically.
type Store interface {
	// TryAcquireAndCreate serializes on the (exam, student) key, rejects the
	// call with an *AlreadyActiveError when an active attempt exists, and
	// otherwise inserts attempt number 1+max over non-deleted rows.
	TryAcquireAndCreate(ctx context.Context, params NewAttemptParams, now time.Time) (*Attempt, error)

	// UpdateStatus applies an optimistic-locked status change and returns the
	// stored attempt at its new version. A stale expectedVersion yields a
	// VersionConflict error and no write.
	UpdateStatus(ctx context.Context, id string, expectedVersion int64, status Status, submittedAt *time.Time, now time.Time) (*Attempt, error)

	// FindExpiredInProgress lazily yields non-deleted IN_PROGRESS and PAUSED
	// attempts whose deadline is at or before now; pausing does not stop the
	// clock. Each yielded row is claimed for
	// claimWindow so concurrent callers never receive the same row.
	FindExpiredInProgress(ctx context.Context, now time.Time, claimWindow time.Duration) iter.Seq2[*Attempt, error]

	// GetByID returns a non-deleted attempt.
	GetByID(ctx context.Context, id string) (*Attempt, error)

	// ListByStudent returns every non-deleted attempt for the key, ordered by number.
	ListByStudent(ctx context.Context, examID, studentID string) ([]*Attempt, error)

	// SaveAnswer upserts one answer; the last write wins. The attempt must be
	// IN_PROGRESS when the write lands, checked atomically with the upsert.
	SaveAnswer(ctx context.Context, answer Answer) error

	// ListAnswers returns the answers of one attempt ordered by question id.
	ListAnswers(ctx context.Context, attemptID string) ([]Answer, error)

	// SoftDelete hides an attempt from every invariant and query. Administrative only.
	SoftDelete(ctx context.Context, id string, now time.Time) error
}

// ExamDefinition is the snapshot of exam configuration taken at start.
type ExamDefinition struct {
	ExamID          string
	Title           string
	DurationMinutes int
	MaxAttempts     int // 0 means unlimited
	AllowPause      bool
}

// ExamCatalog looks up exam definitions owned by another service.
type ExamCatalog interface {
	GetExam(ctx context.Context, examID string) (*ExamDefinition, error)
}

package postgres

import (
	"context"
	"errors"
	"iter"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/alem-hub/exam-attempts/internal/domain/attempt"
	"github.com/alem-hub/exam-attempts/internal/domain/shared"
	"github.com/alem-hub/exam-attempts/pkg/timeutil"
)

const defaultClaimBatchSize = 100

const attemptColumns = `id, exam_id, student_id, attempt_number, status, started_at,
	duration_minutes, allow_pause, submitted_at, version, deleted, created_at, updated_at`

// AttemptStore implements attempt.Store on PostgreSQL.
//
// The per-key intent lock is a transaction-scoped advisory lock, so it is
// released on commit, rollback or a dropped connection. The partial unique
// index uq_attempts_one_active backs it up.
type AttemptStore struct {
	conn       *Connection
	instanceID string
	batchSize  int
}

// AttemptStoreOption configures an AttemptStore.
type AttemptStoreOption func(*AttemptStore)

// WithInstanceID tags sweeper claims with the owning process.
func WithInstanceID(id string) AttemptStoreOption {
	return func(s *AttemptStore) {
		if id != "" {
			s.instanceID = id
		}
	}
}

// WithClaimBatchSize sets how many expired attempts are claimed per query.
func WithClaimBatchSize(n int) AttemptStoreOption {
	return func(s *AttemptStore) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// NewAttemptStore creates a new PostgreSQL attempt store.
func NewAttemptStore(conn *Connection, opts ...AttemptStoreOption) *AttemptStore {
	s := &AttemptStore{
		conn:       conn,
		instanceID: "attempts",
		batchSize:  defaultClaimBatchSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ══════════════════════════════════════════════════════════════════════════════
// CREATE
// ══════════════════════════════════════════════════════════════════════════════

// TryAcquireAndCreate implements attempt.Store.
func (s *AttemptStore) TryAcquireAndCreate(ctx context.Context, params attempt.NewAttemptParams, now time.Time) (*attempt.Attempt, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	key := attempt.Key{ExamID: params.ExamID, StudentID: params.StudentID}
	var created *attempt.Attempt

	err := s.conn.WithTx(ctx, DefaultTxOptions(), func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, "attempt:"+key.String()); err != nil {
			return err
		}

		active, err := findActive(ctx, tx, key)
		if err != nil {
			return err
		}
		if active != nil {
			return attempt.NewAlreadyActiveError(active)
		}

		var maxNumber, used int
		query := `
			SELECT COALESCE(MAX(attempt_number), 0), COUNT(*)
			FROM attempts
			WHERE exam_id = $1 AND student_id = $2 AND NOT deleted
		`
		if err := tx.QueryRow(ctx, query, key.ExamID, key.StudentID).Scan(&maxNumber, &used); err != nil {
			return err
		}
		if params.MaxAttempts > 0 && used >= params.MaxAttempts {
			return &attempt.LimitReachedError{Key: key, MaxAttempts: params.MaxAttempts}
		}

		a := params.Build(maxNumber+1, now)
		insert := `
			INSERT INTO attempts (
				id, exam_id, student_id, attempt_number, status, started_at,
				duration_minutes, deadline_at, allow_pause, version, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		`
		if _, err := tx.Exec(ctx, insert,
			a.ID, a.ExamID, a.StudentID, a.AttemptNumber, string(a.Status), a.StartedAt,
			a.DurationMinutes, a.Deadline(), a.AllowPause, a.Version, a.CreatedAt, a.UpdatedAt,
		); err != nil {
			return err
		}

		created = a
		return nil
	})
	if err != nil {
		if IsUniqueViolation(err) && ConstraintName(err) == "uq_attempts_one_active" {
			if active, ferr := findActive(ctx, s.conn, key); ferr == nil && active != nil {
				return nil, attempt.NewAlreadyActiveError(active)
			}
		}
		return nil, storageError("TryAcquireAndCreate", err)
	}

	return created, nil
}

func findActive(ctx context.Context, q Querier, key attempt.Key) (*attempt.Attempt, error) {
	query := `SELECT ` + attemptColumns + `
		FROM attempts
		WHERE exam_id = $1 AND student_id = $2
		  AND status IN ('IN_PROGRESS', 'PAUSED') AND NOT deleted
		LIMIT 1`

	a, err := scanAttempt(q.QueryRow(ctx, query, key.ExamID, key.StudentID))
	if IsNoRows(err) {
		return nil, nil
	}
	return a, err
}

// ══════════════════════════════════════════════════════════════════════════════
// UPDATE
// ══════════════════════════════════════════════════════════════════════════════

// UpdateStatus implements attempt.Store. The version, source status and
// pause guards are all part of the WHERE clause, so a lost race writes nothing.
func (s *AttemptStore) UpdateStatus(ctx context.Context, id string, expectedVersion int64, status attempt.Status, submittedAt *time.Time, now time.Time) (*attempt.Attempt, error) {
	now = timeutil.Truncate(now)

	var stamp *time.Time
	if status.IsClosed() {
		ts := now
		if submittedAt != nil {
			ts = timeutil.Truncate(*submittedAt)
		}
		stamp = &ts
	}

	sources := attempt.SourcesOf(status)
	from := make([]string, len(sources))
	for i, src := range sources {
		from[i] = string(src)
	}

	query := `
		UPDATE attempts SET
			status = $1,
			submitted_at = $2,
			version = version + 1,
			updated_at = $3,
			claimed_by = NULL,
			claim_expires_at = NULL
		WHERE id = $4 AND version = $5 AND NOT deleted
		  AND status = ANY($6)
		  AND (NOT $7::boolean OR allow_pause)
		RETURNING ` + attemptColumns

	a, err := scanAttempt(s.conn.QueryRow(ctx, query,
		string(status), stamp, now, id, expectedVersion, from, status == attempt.StatusPaused,
	))
	if err == nil {
		return a, nil
	}
	if !IsNoRows(err) {
		return nil, storageError("UpdateStatus", err)
	}

	// Nothing matched: find out which guard failed.
	current, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Version != expectedVersion {
		return nil, attempt.VersionConflict(id, expectedVersion)
	}
	if err := current.CheckTransition(status); err != nil {
		return nil, err
	}
	return nil, attempt.VersionConflict(id, expectedVersion)
}

// ══════════════════════════════════════════════════════════════════════════════
// EXPIRY SCAN
// ══════════════════════════════════════════════════════════════════════════════

// FindExpiredInProgress implements attempt.Store. Paused attempts are
// included: the time budget keeps running while paused. Each batch is claimed with
// FOR UPDATE SKIP LOCKED and stamped with a claim that other callers respect
// until it lapses; claims of rows the caller never consumed are released.
func (s *AttemptStore) FindExpiredInProgress(ctx context.Context, now time.Time, claimWindow time.Duration) iter.Seq2[*attempt.Attempt, error] {
	return func(yield func(*attempt.Attempt, error) bool) {
		owner := claimOwner(s.instanceID)
		now = timeutil.Truncate(now)

		for {
			batch, err := s.claimBatch(ctx, owner, now, claimWindow)
			if err != nil {
				yield(nil, storageError("FindExpiredInProgress", err))
				return
			}
			for i, a := range batch {
				if !yield(a, nil) {
					s.releaseClaims(ctx, owner, batch[i+1:])
					return
				}
			}
			if len(batch) < s.batchSize {
				return
			}
		}
	}
}

// maxClaimInstanceLen keeps claim owners short however long the host name is.
const maxClaimInstanceLen = 64

// claimOwner identifies one scan: the instance, for operators reading the
// table, and a uuid so two scans in one process never share claims.
func claimOwner(instanceID string) string {
	if len(instanceID) > maxClaimInstanceLen {
		instanceID = instanceID[:maxClaimInstanceLen]
	}
	return instanceID + ":" + uuid.NewString()
}

func (s *AttemptStore) claimBatch(ctx context.Context, owner string, now time.Time, claimWindow time.Duration) ([]*attempt.Attempt, error) {
	query := `
		UPDATE attempts SET
			claimed_by = $1,
			claim_expires_at = $2
		WHERE id IN (
			SELECT id FROM attempts
			WHERE status IN ('IN_PROGRESS', 'PAUSED') AND NOT deleted
			  AND deadline_at <= $3
			  AND (claim_expires_at IS NULL OR claim_expires_at <= $3)
			ORDER BY deadline_at, id
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + attemptColumns

	rows, err := s.conn.Query(ctx, query, owner, now.Add(claimWindow), now, s.batchSize)
	if err != nil {
		return nil, err
	}
	batch, err := scanAttempts(rows)
	if err != nil {
		return nil, err
	}

	// RETURNING does not preserve the subquery order.
	sort.Slice(batch, func(i, j int) bool {
		di, dj := batch[i].Deadline(), batch[j].Deadline()
		if di.Equal(dj) {
			return batch[i].ID < batch[j].ID
		}
		return di.Before(dj)
	})
	return batch, nil
}

func (s *AttemptStore) releaseClaims(ctx context.Context, owner string, batch []*attempt.Attempt) {
	if len(batch) == 0 {
		return
	}
	ids := make([]string, len(batch))
	for i, a := range batch {
		ids[i] = a.ID
	}
	query := `
		UPDATE attempts SET claimed_by = NULL, claim_expires_at = NULL
		WHERE id = ANY($1) AND claimed_by = $2
	`
	// Best effort: an unreleased claim simply lapses after the window.
	_, _ = s.conn.Exec(context.WithoutCancel(ctx), query, ids, owner)
}

// ══════════════════════════════════════════════════════════════════════════════
// READS
// ══════════════════════════════════════════════════════════════════════════════

// GetByID implements attempt.Store.
func (s *AttemptStore) GetByID(ctx context.Context, id string) (*attempt.Attempt, error) {
	query := `SELECT ` + attemptColumns + ` FROM attempts WHERE id = $1 AND NOT deleted`

	a, err := scanAttempt(s.conn.QueryRow(ctx, query, id))
	if err != nil {
		if IsNoRows(err) {
			return nil, attempt.NotFound(id)
		}
		return nil, storageError("GetByID", err)
	}
	return a, nil
}

// ListByStudent implements attempt.Store.
func (s *AttemptStore) ListByStudent(ctx context.Context, examID, studentID string) ([]*attempt.Attempt, error) {
	query := `SELECT ` + attemptColumns + `
		FROM attempts
		WHERE exam_id = $1 AND student_id = $2 AND NOT deleted
		ORDER BY attempt_number`

	rows, err := s.conn.Query(ctx, query, examID, studentID)
	if err != nil {
		return nil, storageError("ListByStudent", err)
	}
	list, err := scanAttempts(rows)
	if err != nil {
		return nil, storageError("ListByStudent", err)
	}
	return list, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// ANSWERS
// ══════════════════════════════════════════════════════════════════════════════

// SaveAnswer implements attempt.Store. FOR SHARE on the attempt row makes a
// concurrent status change wait for the upsert, or the upsert see the new
// status and write nothing.
func (s *AttemptStore) SaveAnswer(ctx context.Context, answer attempt.Answer) error {
	if err := answer.Validate(); err != nil {
		return err
	}

	var response []byte
	if len(answer.Response) > 0 {
		response = answer.Response
	}

	query := `
		INSERT INTO attempt_answers (attempt_id, question_id, response, answered_at)
		SELECT $1, $2, $3::jsonb, $4
		WHERE EXISTS (
			SELECT 1 FROM attempts
			WHERE id = $1 AND NOT deleted AND status = 'IN_PROGRESS'
			FOR SHARE
		)
		ON CONFLICT (attempt_id, question_id) DO UPDATE SET
			response = EXCLUDED.response,
			answered_at = EXCLUDED.answered_at
	`
	tag, err := s.conn.Exec(ctx, query, answer.AttemptID, answer.QuestionID, response, timeutil.Truncate(answer.AnsweredAt))
	if err != nil {
		return storageError("SaveAnswer", err)
	}
	if tag.RowsAffected() == 0 {
		// Either unknown or no longer IN_PROGRESS; the caller needs to know which.
		current, err := s.GetByID(ctx, answer.AttemptID)
		if err != nil {
			return err
		}
		return attempt.AnswersClosed(current.ID, current.Status)
	}
	return nil
}

// ListAnswers implements attempt.Store.
func (s *AttemptStore) ListAnswers(ctx context.Context, attemptID string) ([]attempt.Answer, error) {
	query := `
		SELECT attempt_id, question_id, response, answered_at
		FROM attempt_answers
		WHERE attempt_id = $1
		ORDER BY question_id
	`
	rows, err := s.conn.Query(ctx, query, attemptID)
	if err != nil {
		return nil, storageError("ListAnswers", err)
	}
	defer rows.Close()

	var answers []attempt.Answer
	for rows.Next() {
		var ans attempt.Answer
		var response []byte
		if err := rows.Scan(&ans.AttemptID, &ans.QuestionID, &response, &ans.AnsweredAt); err != nil {
			return nil, storageError("ListAnswers", err)
		}
		ans.Response = response
		ans.AnsweredAt = ans.AnsweredAt.UTC()
		answers = append(answers, ans)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("ListAnswers", err)
	}
	return answers, nil
}

// SoftDelete implements attempt.Store.
func (s *AttemptStore) SoftDelete(ctx context.Context, id string, now time.Time) error {
	now = timeutil.Truncate(now)
	query := `
		UPDATE attempts SET
			deleted = TRUE,
			deleted_at = $2,
			updated_at = $2,
			claimed_by = NULL,
			claim_expires_at = NULL
		WHERE id = $1 AND NOT deleted
	`
	tag, err := s.conn.Exec(ctx, query, id, now)
	if err != nil {
		return storageError("SoftDelete", err)
	}
	if tag.RowsAffected() == 0 {
		return attempt.NotFound(id)
	}
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ══════════════════════════════════════════════════════════════════════════════

func scanAttempt(row pgx.Row) (*attempt.Attempt, error) {
	var a attempt.Attempt
	var status string
	var submittedAt *time.Time

	err := row.Scan(
		&a.ID, &a.ExamID, &a.StudentID, &a.AttemptNumber, &status, &a.StartedAt,
		&a.DurationMinutes, &a.AllowPause, &submittedAt, &a.Version, &a.Deleted,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	a.Status = attempt.Status(status)
	a.StartedAt = a.StartedAt.UTC()
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	if submittedAt != nil {
		t := submittedAt.UTC()
		a.SubmittedAt = &t
	}
	return &a, nil
}

func scanAttempts(rows pgx.Rows) ([]*attempt.Attempt, error) {
	defer rows.Close()

	var list []*attempt.Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, a)
	}
	return list, rows.Err()
}

// storageError classifies a driver error. Errors that already carry a domain
// meaning pass through untouched.
func storageError(op string, err error) error {
	var (
		domainErr *shared.DomainError
		active    *attempt.AlreadyActiveError
		limit     *attempt.LimitReachedError
	)
	switch {
	case errors.As(err, &active), errors.As(err, &limit), errors.As(err, &domainErr):
		return err
	case IsIntegrityViolation(err):
		return shared.WrapError("attempt", op, shared.ErrValidation,
			"constraint "+ConstraintName(err)+" violated", err)
	default:
		return attempt.StorageUnavailable(op, err)
	}
}

var _ attempt.Store = (*AttemptStore)(nil)

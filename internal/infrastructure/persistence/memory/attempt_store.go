// Package memory implements the attempt and outbox stores in process memory.
// It is meant for single-instance deployments, local development and tests;
// the per-key intent lock is a sharded mutex rather than a database lock.
package memory

import (
	"context"
	"hash/fnv"
	"iter"
	"sort"
	"sync"
	"time"

	"github.com/alem-hub/exam-attempts/internal/domain/attempt"
	"github.com/alem-hub/exam-attempts/pkg/timeutil"
)

const (
	lockShards       = 256
	defaultBatchSize = 100
)

// keyedMutex serializes callers that share a key. Distinct keys usually land
// on distinct shards and proceed in parallel.
type keyedMutex struct {
	shards [lockShards]sync.Mutex
}

func (k *keyedMutex) lock(key string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	m := &k.shards[h.Sum32()%lockShards]
	m.Lock()
	return m.Unlock
}

// AttemptStore is an in-memory attempt.Store.
type AttemptStore struct {
	intent keyedMutex

	mu       sync.RWMutex
	attempts map[string]*attempt.Attempt
	byKey    map[attempt.Key][]string
	answers  map[string]map[string]attempt.Answer
	claims   map[string]time.Time

	batchSize int
}

// Option configures an AttemptStore.
type Option func(*AttemptStore)

// WithBatchSize sets how many expired attempts are claimed per batch.
func WithBatchSize(n int) Option {
	return func(s *AttemptStore) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// NewAttemptStore creates an empty store.
func NewAttemptStore(opts ...Option) *AttemptStore {
	s := &AttemptStore{
		attempts:  make(map[string]*attempt.Attempt),
		byKey:     make(map[attempt.Key][]string),
		answers:   make(map[string]map[string]attempt.Answer),
		claims:    make(map[string]time.Time),
		batchSize: defaultBatchSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TryAcquireAndCreate implements attempt.Store.
func (s *AttemptStore) TryAcquireAndCreate(ctx context.Context, params attempt.NewAttemptParams, now time.Time) (*attempt.Attempt, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, attempt.StorageUnavailable("TryAcquireAndCreate", err)
	}

	key := attempt.Key{ExamID: params.ExamID, StudentID: params.StudentID}
	unlock := s.intent.lock(key.String())
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	maxNumber, used := 0, 0
	for _, id := range s.byKey[key] {
		a := s.attempts[id]
		if a.Deleted {
			continue
		}
		if a.Status.IsActive() {
			return nil, attempt.NewAlreadyActiveError(a)
		}
		used++
		if a.AttemptNumber > maxNumber {
			maxNumber = a.AttemptNumber
		}
	}

	if params.MaxAttempts > 0 && used >= params.MaxAttempts {
		return nil, &attempt.LimitReachedError{Key: key, MaxAttempts: params.MaxAttempts}
	}

	a := params.Build(maxNumber+1, now)
	s.attempts[a.ID] = a
	s.byKey[key] = append(s.byKey[key], a.ID)

	return a.Clone(), nil
}

// UpdateStatus implements attempt.Store.
func (s *AttemptStore) UpdateStatus(ctx context.Context, id string, expectedVersion int64, status attempt.Status, submittedAt *time.Time, now time.Time) (*attempt.Attempt, error) {
	if err := ctx.Err(); err != nil {
		return nil, attempt.StorageUnavailable("UpdateStatus", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.attempts[id]
	if !ok || a.Deleted {
		return nil, attempt.NotFound(id)
	}
	if a.Version != expectedVersion {
		return nil, attempt.VersionConflict(id, expectedVersion)
	}
	if err := a.CheckTransition(status); err != nil {
		return nil, err
	}

	a.Status = status
	if status.IsClosed() {
		ts := timeutil.Truncate(now)
		if submittedAt != nil {
			ts = timeutil.Truncate(*submittedAt)
		}
		a.SubmittedAt = &ts
	} else {
		a.SubmittedAt = nil
	}
	a.Version++
	a.UpdatedAt = timeutil.Truncate(now)
	delete(s.claims, id)

	return a.Clone(), nil
}

// FindExpiredInProgress implements attempt.Store. Rows are claimed in
// batches under the store lock; a row claimed by one caller is skipped by
// every other caller until its claim lapses or the row changes status.
func (s *AttemptStore) FindExpiredInProgress(ctx context.Context, now time.Time, claimWindow time.Duration) iter.Seq2[*attempt.Attempt, error] {
	return func(yield func(*attempt.Attempt, error) bool) {
		for {
			if err := ctx.Err(); err != nil {
				yield(nil, attempt.StorageUnavailable("FindExpiredInProgress", err))
				return
			}

			batch := s.claimBatch(now, claimWindow)
			for i, a := range batch {
				if !yield(a, nil) {
					s.releaseClaims(batch[i+1:])
					return
				}
			}
			if len(batch) < s.batchSize {
				return
			}
		}
	}
}

func (s *AttemptStore) claimBatch(now time.Time, claimWindow time.Duration) []*attempt.Attempt {
	s.mu.Lock()
	defer s.mu.Unlock()

	candidates := make([]*attempt.Attempt, 0)
	for id, a := range s.attempts {
		if a.Deleted || !a.Status.IsActive() || !a.IsExpiredAt(now) {
			continue
		}
		if until, claimed := s.claims[id]; claimed && now.Before(until) {
			continue
		}
		candidates = append(candidates, a)
	}

	// Oldest deadline first, the same order the SQL store uses.
	sort.Slice(candidates, func(i, j int) bool {
		di, dj := candidates[i].Deadline(), candidates[j].Deadline()
		if di.Equal(dj) {
			return candidates[i].ID < candidates[j].ID
		}
		return di.Before(dj)
	})
	if len(candidates) > s.batchSize {
		candidates = candidates[:s.batchSize]
	}

	out := make([]*attempt.Attempt, 0, len(candidates))
	for _, a := range candidates {
		s.claims[a.ID] = now.Add(claimWindow)
		out = append(out, a.Clone())
	}
	return out
}

func (s *AttemptStore) releaseClaims(batch []*attempt.Attempt) {
	if len(batch) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range batch {
		delete(s.claims, a.ID)
	}
}

// GetByID implements attempt.Store.
func (s *AttemptStore) GetByID(ctx context.Context, id string) (*attempt.Attempt, error) {
	if err := ctx.Err(); err != nil {
		return nil, attempt.StorageUnavailable("GetByID", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.attempts[id]
	if !ok || a.Deleted {
		return nil, attempt.NotFound(id)
	}
	return a.Clone(), nil
}

// ListByStudent implements attempt.Store.
func (s *AttemptStore) ListByStudent(ctx context.Context, examID, studentID string) ([]*attempt.Attempt, error) {
	if err := ctx.Err(); err != nil {
		return nil, attempt.StorageUnavailable("ListByStudent", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byKey[attempt.Key{ExamID: examID, StudentID: studentID}]
	result := make([]*attempt.Attempt, 0, len(ids))
	for _, id := range ids {
		if a := s.attempts[id]; !a.Deleted {
			result = append(result, a.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].AttemptNumber < result[j].AttemptNumber })
	return result, nil
}

// SaveAnswer implements attempt.Store.
func (s *AttemptStore) SaveAnswer(ctx context.Context, answer attempt.Answer) error {
	if err := answer.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return attempt.StorageUnavailable("SaveAnswer", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.attempts[answer.AttemptID]
	if !ok || a.Deleted {
		return attempt.NotFound(answer.AttemptID)
	}
	if a.Status != attempt.StatusInProgress {
		return attempt.AnswersClosed(a.ID, a.Status)
	}

	byQuestion, ok := s.answers[answer.AttemptID]
	if !ok {
		byQuestion = make(map[string]attempt.Answer)
		s.answers[answer.AttemptID] = byQuestion
	}
	answer.Response = append([]byte(nil), answer.Response...)
	byQuestion[answer.QuestionID] = answer
	return nil
}

// ListAnswers implements attempt.Store.
func (s *AttemptStore) ListAnswers(ctx context.Context, attemptID string) ([]attempt.Answer, error) {
	if err := ctx.Err(); err != nil {
		return nil, attempt.StorageUnavailable("ListAnswers", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	byQuestion := s.answers[attemptID]
	result := make([]attempt.Answer, 0, len(byQuestion))
	for _, ans := range byQuestion {
		result = append(result, ans)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].QuestionID < result[j].QuestionID })
	return result, nil
}

// SoftDelete implements attempt.Store.
func (s *AttemptStore) SoftDelete(ctx context.Context, id string, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return attempt.StorageUnavailable("SoftDelete", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.attempts[id]
	if !ok || a.Deleted {
		return attempt.NotFound(id)
	}
	a.Deleted = true
	a.UpdatedAt = timeutil.Truncate(now)
	delete(s.claims, id)
	return nil
}

var _ attempt.Store = (*AttemptStore)(nil)

package postgres

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/exam-attempts/internal/domain/attempt"
	"github.com/alem-hub/exam-attempts/internal/domain/outbox"
	"github.com/alem-hub/exam-attempts/internal/domain/shared"
)

// These tests need a disposable database:
//
//	ATTEMPTS_INTEGRATION=1 ATTEMPTS_TEST_DSN=postgres://... go test ./...
func testConnection(t *testing.T) *Connection {
	t.Helper()
	if os.Getenv("ATTEMPTS_INTEGRATION") != "1" {
		t.Skip("set ATTEMPTS_INTEGRATION=1 to run PostgreSQL tests")
	}
	dsn := os.Getenv("ATTEMPTS_TEST_DSN")
	if dsn == "" {
		t.Skip("ATTEMPTS_TEST_DSN is not set")
	}

	ctx := context.Background()
	conn, err := Connect(ctx, dsn, DefaultPoolOptions())
	require.NoError(t, err)
	t.Cleanup(conn.Close)

	_, err = NewMigrator(conn).Migrate(ctx)
	require.NoError(t, err)
	return conn
}

func newParams(examID, studentID string) attempt.NewAttemptParams {
	return attempt.NewAttemptParams{
		ID:              uuid.NewString(),
		ExamID:          examID,
		StudentID:       studentID,
		DurationMinutes: 30,
	}
}

func TestAttemptStore_SingleActiveUnderContention(t *testing.T) {
	conn := testConnection(t)
	store := NewAttemptStore(conn)
	ctx := context.Background()
	exam, student := "exam-"+uuid.NewString(), "student-1"
	now := time.Now().UTC()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
		losers  int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.TryAcquireAndCreate(ctx, newParams(exam, student), now)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				winners++
			} else if shared.KindOf(err) == shared.KindAlreadyActive {
				losers++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, winners)
	assert.Equal(t, 15, losers)

	list, err := store.ListByStudent(ctx, exam, student)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 1, list[0].AttemptNumber)
}

func TestAttemptStore_UpdateStatusAndNumbering(t *testing.T) {
	conn := testConnection(t)
	store := NewAttemptStore(conn)
	ctx := context.Background()
	exam := "exam-" + uuid.NewString()
	now := time.Now().UTC()

	first, err := store.TryAcquireAndCreate(ctx, newParams(exam, "s"), now)
	require.NoError(t, err)

	updated, err := store.UpdateStatus(ctx, first.ID, 0, attempt.StatusSubmitted, nil, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), updated.Version)
	require.NotNil(t, updated.SubmittedAt)

	_, err = store.UpdateStatus(ctx, first.ID, 0, attempt.StatusCancelled, nil, now)
	assert.Equal(t, shared.KindVersionConflict, shared.KindOf(err))

	_, err = store.UpdateStatus(ctx, first.ID, 1, attempt.StatusCancelled, nil, now)
	assert.Equal(t, shared.KindInvalidTransition, shared.KindOf(err))

	second, err := store.TryAcquireAndCreate(ctx, newParams(exam, "s"), now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, second.AttemptNumber)

	require.NoError(t, store.SoftDelete(ctx, second.ID, now))
	_, err = store.GetByID(ctx, second.ID)
	assert.Equal(t, shared.KindNotFound, shared.KindOf(err))
}

func TestAttemptStore_ExpiredClaimsAreDisjoint(t *testing.T) {
	conn := testConnection(t)
	ctx := context.Background()
	exam := "exam-" + uuid.NewString()
	start := time.Now().UTC().Add(-2 * time.Hour)

	store := NewAttemptStore(conn, WithClaimBatchSize(2))
	for i := 0; i < 5; i++ {
		_, err := store.TryAcquireAndCreate(ctx, newParams(exam, uuid.NewString()), start)
		require.NoError(t, err)
	}

	now := time.Now().UTC()
	seen := map[string]bool{}
	for a, err := range store.FindExpiredInProgress(ctx, now, time.Minute) {
		require.NoError(t, err)
		if a.ExamID == exam {
			seen[a.ID] = true
		}
	}
	assert.Len(t, seen, 5)

	// Every row is claimed now; a second scan inside the window skips them.
	for a, err := range store.FindExpiredInProgress(ctx, now, time.Minute) {
		require.NoError(t, err)
		assert.NotEqual(t, exam, a.ExamID)
	}
}

func TestAttemptStore_ClaimsWithLongInstanceID(t *testing.T) {
	conn := testConnection(t)
	ctx := context.Background()
	exam := "exam-" + uuid.NewString()
	start := time.Now().UTC().Add(-2 * time.Hour)

	store := NewAttemptStore(conn, WithInstanceID(strings.Repeat("exam-attempts-worker-", 5)))
	a, err := store.TryAcquireAndCreate(ctx, newParams(exam, "s"), start)
	require.NoError(t, err)

	var found []string
	for got, err := range store.FindExpiredInProgress(ctx, time.Now().UTC(), time.Minute) {
		require.NoError(t, err)
		if got.ExamID == exam {
			found = append(found, got.ID)
		}
	}
	assert.Equal(t, []string{a.ID}, found)
}

func TestAttemptStore_ExpiredPausedIsClaimed(t *testing.T) {
	conn := testConnection(t)
	store := NewAttemptStore(conn)
	ctx := context.Background()
	exam := "exam-" + uuid.NewString()
	start := time.Now().UTC().Add(-2 * time.Hour)

	a, err := store.TryAcquireAndCreate(ctx, newParams(exam, "s"), start)
	require.NoError(t, err)
	_, err = store.UpdateStatus(ctx, a.ID, 0, attempt.StatusPaused, nil, start.Add(10*time.Minute))
	require.NoError(t, err)

	var found []attempt.Status
	for got, err := range store.FindExpiredInProgress(ctx, time.Now().UTC(), time.Minute) {
		require.NoError(t, err)
		if got.ExamID == exam {
			found = append(found, got.Status)
		}
	}
	assert.Equal(t, []attempt.Status{attempt.StatusPaused}, found)
}

func TestAttemptStore_Answers(t *testing.T) {
	conn := testConnection(t)
	store := NewAttemptStore(conn)
	ctx := context.Background()
	now := time.Now().UTC()

	a, err := store.TryAcquireAndCreate(ctx, newParams("exam-"+uuid.NewString(), "s"), now)
	require.NoError(t, err)

	require.NoError(t, store.SaveAnswer(ctx, attempt.Answer{AttemptID: a.ID, QuestionID: "q2", Response: json.RawMessage(`"b"`), AnsweredAt: now}))
	require.NoError(t, store.SaveAnswer(ctx, attempt.Answer{AttemptID: a.ID, QuestionID: "q1", Response: json.RawMessage(`"a"`), AnsweredAt: now}))
	require.NoError(t, store.SaveAnswer(ctx, attempt.Answer{AttemptID: a.ID, QuestionID: "q1", Response: json.RawMessage(`"c"`), AnsweredAt: now}))

	answers, err := store.ListAnswers(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, answers, 2)
	assert.Equal(t, "q1", answers[0].QuestionID)
	assert.JSONEq(t, `"c"`, string(answers[0].Response))

	err = store.SaveAnswer(ctx, attempt.Answer{AttemptID: "missing", QuestionID: "q1", AnsweredAt: now})
	assert.Equal(t, shared.KindNotFound, shared.KindOf(err))

	_, err = store.UpdateStatus(ctx, a.ID, 0, attempt.StatusSubmitted, &now, now)
	require.NoError(t, err)
	err = store.SaveAnswer(ctx, attempt.Answer{AttemptID: a.ID, QuestionID: "q3", Response: json.RawMessage(`"late"`), AnsweredAt: now})
	assert.Equal(t, shared.KindInvalidTransition, shared.KindOf(err))

	answers, err = store.ListAnswers(ctx, a.ID)
	require.NoError(t, err)
	assert.Len(t, answers, 2)
}

func TestOutboxStore_Lifecycle(t *testing.T) {
	conn := testConnection(t)
	store := NewOutboxStore(conn)
	ctx := context.Background()
	now := time.Now().UTC()

	id := uuid.NewString()
	entry := outbox.Entry{
		ID: id, Topic: "attempts", Key: "a-1", EventType: shared.EventAttemptStarted,
		Payload: []byte(`{"k":1}`), NextAttemptAt: now.Add(-time.Second), CreatedAt: now,
	}
	require.NoError(t, store.Append(ctx, entry))
	require.NoError(t, store.Append(ctx, entry))

	claimed, err := store.ClaimDue(ctx, now, 0, time.Minute)
	require.NoError(t, err)
	var mine *outbox.Entry
	for i := range claimed {
		if claimed[i].ID == id {
			mine = &claimed[i]
		}
	}
	require.NotNil(t, mine)
	assert.JSONEq(t, `{"k":1}`, string(mine.Payload))

	again, err := store.ClaimDue(ctx, now, 0, time.Minute)
	require.NoError(t, err)
	for _, e := range again {
		assert.NotEqual(t, id, e.ID)
	}

	require.NoError(t, store.MarkFailed(ctx, id, 5, now, "boom", true))
	n, err := store.Requeue(ctx, id, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, store.MarkDelivered(ctx, id, now))
	assert.ErrorIs(t, store.MarkDelivered(ctx, "missing-"+id, now), shared.ErrNotFound)
}

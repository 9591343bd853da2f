package jobs

import (
	"context"
	"errors"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/exam-attempts/internal/application/command"
	"github.com/alem-hub/exam-attempts/internal/domain/attempt"
	"github.com/alem-hub/exam-attempts/internal/domain/outbox"
	"github.com/alem-hub/exam-attempts/internal/domain/shared"
	"github.com/alem-hub/exam-attempts/internal/infrastructure/messaging"
	"github.com/alem-hub/exam-attempts/internal/infrastructure/persistence/memory"
	"github.com/alem-hub/exam-attempts/pkg/logger"
	"github.com/alem-hub/exam-attempts/pkg/timeutil"
)

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

type recordingPublisher struct {
	mu     sync.Mutex
	events []shared.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e shared.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) count(tp shared.EventType) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.EventType() == tp {
			n++
		}
	}
	return n
}

type env struct {
	store     *memory.AttemptStore
	clock     *timeutil.FakeClock
	publisher *recordingPublisher
	lifecycle *command.AttemptLifecycle
}

func newEnv(opts ...memory.Option) *env {
	e := &env{
		store:     memory.NewAttemptStore(opts...),
		clock:     timeutil.NewFakeClock(t0),
		publisher: &recordingPublisher{},
	}
	e.lifecycle = command.NewAttemptLifecycle(e.store, nil, e.publisher, e.clock, logger.Discard(), command.DefaultLifecycleConfig())
	return e
}

func (e *env) start(t *testing.T, examID, studentID string, minutes int) *attempt.Attempt {
	t.Helper()
	res, err := e.lifecycle.StartAttempt(context.Background(), command.StartAttemptCommand{
		ExamID: examID, StudentID: studentID, DurationMinutes: minutes,
	})
	require.NoError(t, err)
	return res.Attempt
}

func (e *env) sweeper(grace time.Duration) *ExpirySweeper {
	return NewExpirySweeper(e.store, e.lifecycle, e.clock, logger.Discard(), ExpirySweeperConfig{
		ClaimWindow: 2 * time.Minute,
		Grace:       grace,
		Concurrency: 4,
	})
}

func TestExpirySweeper_AutoSubmitsExpired(t *testing.T) {
	e := newEnv()
	ctx := context.Background()

	a := e.start(t, "E1", "S1", 30)
	e.clock.Advance(time.Minute)
	_, err := e.lifecycle.StartAttempt(ctx, command.StartAttemptCommand{ExamID: "E1", StudentID: "S1", DurationMinutes: 30})
	require.Equal(t, shared.KindAlreadyActive, shared.KindOf(err))

	sweeper := e.sweeper(0)

	e.clock.Set(t0.Add(29 * time.Minute))
	stats, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Found)

	e.clock.Set(t0.Add(31 * time.Minute))
	stats, err = sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Found)
	assert.Equal(t, 1, stats.AutoSubmitted)

	got, err := e.store.GetByID(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, attempt.StatusAutoSubmitted, got.Status)
	require.NotNil(t, got.SubmittedAt)
	assert.True(t, got.SubmittedAt.Equal(t0.Add(31*time.Minute)))
	assert.Equal(t, 1, e.publisher.count(shared.EventAttemptAutoSubmitted))

	// A second pass finds nothing and emits nothing.
	stats, err = sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Found)
	assert.Equal(t, 1, e.publisher.count(shared.EventAttemptAutoSubmitted))
	assert.Zero(t, sweeper.LastStats().Found)
}

func TestExpirySweeper_ClosesExpiredPausedAttempt(t *testing.T) {
	e := newEnv()
	ctx := context.Background()

	a := e.start(t, "E1", "S1", 60)
	_, err := e.store.UpdateStatus(ctx, a.ID, a.Version, attempt.StatusPaused, nil, t0.Add(10*time.Minute))
	require.NoError(t, err)

	sweeper := e.sweeper(0)

	e.clock.Set(t0.Add(30 * time.Minute))
	stats, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Found, "paused but still inside its budget")

	// Left paused and abandoned by the client for a day.
	e.clock.Set(t0.Add(24 * time.Hour))
	stats, err = sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Found)
	assert.Equal(t, 1, stats.AutoSubmitted)

	got, err := e.store.GetByID(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, attempt.StatusAutoSubmitted, got.Status)
	assert.Equal(t, 1, e.publisher.count(shared.EventAttemptAutoSubmitted))

	// The active slot is free again.
	next := e.start(t, "E1", "S1", 60)
	assert.Equal(t, 2, next.AttemptNumber)
}

func TestExpirySweeper_ManualSubmitWins(t *testing.T) {
	e := newEnv()
	ctx := context.Background()

	a := e.start(t, "E1", "S1", 30)
	e.clock.Set(t0.Add(10 * time.Minute))
	require.NoError(t, e.lifecycle.Submit(ctx, a.ID, a.Version, e.clock.Now()))

	e.clock.Set(t0.Add(31 * time.Minute))
	stats, err := e.sweeper(0).Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Found)

	got, err := e.store.GetByID(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, attempt.StatusSubmitted, got.Status)
	assert.Zero(t, e.publisher.count(shared.EventAttemptAutoSubmitted))
}

func TestExpirySweeper_GraceDelaysAutoSubmit(t *testing.T) {
	e := newEnv()
	e.start(t, "E1", "S1", 30)

	sweeper := e.sweeper(30 * time.Second)
	e.clock.Set(t0.Add(30*time.Minute + 10*time.Second))
	stats, err := sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Found)

	e.clock.Set(t0.Add(30*time.Minute + 30*time.Second))
	stats, err = sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.AutoSubmitted)
}

func TestExpirySweeper_ConcurrentSweepersEmitOnce(t *testing.T) {
	e := newEnv(memory.WithBatchSize(3))
	for i := 0; i < 25; i++ {
		e.start(t, "E1", string(rune('a'+i)), 30)
	}
	e.clock.Set(t0.Add(31 * time.Minute))

	var wg sync.WaitGroup
	results := make([]SweepStats, 4)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			stats, err := e.sweeper(0).Sweep(context.Background())
			if err == nil {
				results[i] = stats
			}
		}()
	}
	wg.Wait()

	total := 0
	for _, s := range results {
		total += s.AutoSubmitted
	}
	assert.Equal(t, 25, total)
	assert.Equal(t, 25, e.publisher.count(shared.EventAttemptAutoSubmitted))
}

// failingStore yields a storage error after the first row.
type failingStore struct {
	*memory.AttemptStore
}

func (f failingStore) FindExpiredInProgress(ctx context.Context, now time.Time, w time.Duration) iter.Seq2[*attempt.Attempt, error] {
	return func(yield func(*attempt.Attempt, error) bool) {
		for a, err := range f.AttemptStore.FindExpiredInProgress(ctx, now, w) {
			if !yield(a, err) {
				return
			}
			yield(nil, attempt.StorageUnavailable("FindExpiredInProgress", errors.New("connection reset")))
			return
		}
	}
}

func TestExpirySweeper_StorageErrorAbortsCycle(t *testing.T) {
	e := newEnv()
	e.start(t, "E1", "S1", 30)
	e.start(t, "E1", "S2", 30)
	e.clock.Set(t0.Add(31 * time.Minute))

	sweeper := NewExpirySweeper(failingStore{e.store}, e.lifecycle, e.clock, logger.Discard(), ExpirySweeperConfig{Concurrency: 1})
	stats, err := sweeper.Sweep(context.Background())
	require.Error(t, err)
	assert.Equal(t, shared.KindStorageUnavailable, shared.KindOf(err))
	assert.Equal(t, 1, stats.Found)
	assert.Error(t, sweeper.Run(context.Background()))
}

type conflictingSubmitter struct{ err error }

func (c conflictingSubmitter) AutoSubmit(context.Context, string, int64, time.Time) error {
	return c.err
}

func TestExpirySweeper_ConflictIsBenign(t *testing.T) {
	e := newEnv()
	e.start(t, "E1", "S1", 30)
	e.clock.Set(t0.Add(31 * time.Minute))

	conflict := attempt.VersionConflict("a", 0)
	sweeper := NewExpirySweeper(e.store, conflictingSubmitter{err: conflict}, e.clock, logger.Discard(), ExpirySweeperConfig{})
	stats, err := sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.AlreadyHandled)
	assert.Zero(t, stats.Failed)
}

type stubFlusher struct {
	stats messaging.RelayStats
	err   error
}

func (s stubFlusher) Flush(context.Context) (messaging.RelayStats, error) { return s.stats, s.err }

func TestRelayOutboxJob(t *testing.T) {
	store := memory.NewOutboxStore()
	clock := timeutil.NewFakeClock(t0)
	require.NoError(t, store.Append(context.Background(), outbox.Entry{
		ID: "evt-1", Topic: "t", Key: "a-1", EventType: shared.EventAttemptStarted,
		Payload: []byte(`{}`), Status: outbox.StatusPending, NextAttemptAt: t0, CreatedAt: t0,
	}))
	clock.Advance(time.Hour)

	job := NewRelayOutboxJob(stubFlusher{stats: messaging.RelayStats{Delivered: 3}}, store, clock, logger.Discard(), RelayOutboxConfig{})
	require.NoError(t, job.Run(context.Background()))
	assert.Equal(t, 3, job.LastStats().Delivered)
	assert.Equal(t, "relay_outbox", job.Name())

	failing := NewRelayOutboxJob(stubFlusher{err: errors.New("claim failed")}, nil, clock, logger.Discard(), RelayOutboxConfig{})
	assert.Error(t, failing.Run(context.Background()))
}

func TestRelayOutboxJob_EndToEnd(t *testing.T) {
	e := newEnv()
	ob := memory.NewOutboxStore()
	pub := messaging.NewOutboxPublisher(ob, e.clock, logger.Discard(), messaging.OutboxPublisherConfig{})
	e.lifecycle = command.NewAttemptLifecycle(e.store, nil, pub, e.clock, logger.Discard(), command.LifecycleConfig{})

	bus := messaging.NewInMemoryEventBus(messaging.DefaultInMemoryEventBusConfig())
	defer bus.Close()
	var got []shared.EventType
	require.NoError(t, bus.SubscribeAll(func(_ context.Context, ev shared.Event) error {
		got = append(got, ev.EventType())
		return nil
	}))

	relay := messaging.NewRelay(ob, messaging.NewBusTransport(bus), pub, e.clock, logger.Discard(), messaging.RelayConfig{})
	job := NewRelayOutboxJob(relay, ob, e.clock, logger.Discard(), RelayOutboxConfig{})

	e.start(t, "E1", "S1", 30)
	e.clock.Set(t0.Add(31 * time.Minute))
	_, err := e.sweeper(0).Sweep(context.Background())
	require.NoError(t, err)

	require.NoError(t, job.Run(context.Background()))
	assert.Equal(t, []shared.EventType{shared.EventAttemptStarted, shared.EventAttemptAutoSubmitted}, got)
}

package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/exam-attempts/internal/domain/outbox"
	"github.com/alem-hub/exam-attempts/internal/domain/shared"
	"github.com/alem-hub/exam-attempts/internal/infrastructure/persistence/memory"
	"github.com/alem-hub/exam-attempts/pkg/timeutil"
)

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

// flakyOutbox fails Append while failing is set.
type flakyOutbox struct {
	*memory.OutboxStore
	failing atomic.Bool
}

func (f *flakyOutbox) Append(ctx context.Context, e outbox.Entry) error {
	if f.failing.Load() {
		return errors.New("connection refused")
	}
	return f.OutboxStore.Append(ctx, e)
}

type recordingTransport struct {
	mu       sync.Mutex
	sent     []string
	failures int
}

func (r *recordingTransport) Send(_ context.Context, topic, key string, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failures > 0 {
		r.failures--
		return errors.New("broker unavailable")
	}
	var env shared.EventEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return err
	}
	r.sent = append(r.sent, topic+"|"+key+"|"+string(env.Type))
	return nil
}

func (r *recordingTransport) Sent() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sent...)
}

func submittedEvent() shared.Event {
	ref := shared.AttemptRef{AttemptID: "a-1", ExamID: "E1", StudentID: "S1", Status: "SUBMITTED"}
	return shared.NewAttemptSubmittedEvent(ref, 1, t0)
}

func TestOutboxPublisher_AppendsEnvelope(t *testing.T) {
	store := memory.NewOutboxStore()
	clock := timeutil.NewFakeClock(t0)
	pub := NewOutboxPublisher(store, clock, nil, OutboxPublisherConfig{Topic: "attempts"})

	event := submittedEvent()
	require.NoError(t, pub.Publish(context.Background(), event))

	entries := store.Entries()
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, event.EventID(), e.ID)
	assert.Equal(t, "attempts", e.Topic)
	assert.Equal(t, "a-1", e.Key)
	assert.Equal(t, outbox.StatusPending, e.Status)

	var env shared.EventEnvelope
	require.NoError(t, json.Unmarshal(e.Payload, &env))
	assert.Equal(t, shared.EventAttemptSubmitted, env.Type)
	assert.Equal(t, int64(1), env.Version)

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	assert.Equal(t, event.EventID(), payload["event_id"])
	assert.Equal(t, true, payload["manual"])
	assert.Equal(t, "E1", payload["exam_id"])
}

func TestOutboxPublisher_DuplicateEventIgnored(t *testing.T) {
	store := memory.NewOutboxStore()
	pub := NewOutboxPublisher(store, timeutil.NewFakeClock(t0), nil, OutboxPublisherConfig{})

	event := submittedEvent()
	require.NoError(t, pub.Publish(context.Background(), event))
	require.NoError(t, pub.Publish(context.Background(), event))

	assert.Len(t, store.Entries(), 1)
}

func TestOutboxPublisher_ParksOnFailureAndRelayReappends(t *testing.T) {
	store := &flakyOutbox{OutboxStore: memory.NewOutboxStore()}
	store.failing.Store(true)
	clock := timeutil.NewFakeClock(t0)
	pub := NewOutboxPublisher(store, clock, nil, OutboxPublisherConfig{})

	err := pub.Publish(context.Background(), submittedEvent())
	require.ErrorIs(t, err, ErrEventParked)
	assert.Equal(t, 1, pub.Parked())

	transport := &recordingTransport{}
	relay := NewRelay(store, transport, pub, clock, nil, RelayConfig{})

	// Still failing: the event stays parked.
	_, err = relay.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, pub.Parked())
	assert.Empty(t, transport.Sent())

	store.failing.Store(false)
	stats, err := relay.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Reappended)
	assert.Equal(t, 1, stats.Delivered)
	assert.Zero(t, pub.Parked())
	assert.Equal(t, []string{DefaultTopic + "|a-1|attempt.submitted"}, transport.Sent())
}

// hookedOutbox runs onAppend before every Append and records what got in.
type hookedOutbox struct {
	*flakyOutbox
	onAppend func()
	appended []string
}

func (h *hookedOutbox) Append(ctx context.Context, e outbox.Entry) error {
	if hook := h.onAppend; hook != nil {
		h.onAppend = nil
		hook()
	}
	if err := h.flakyOutbox.Append(ctx, e); err != nil {
		return err
	}
	h.appended = append(h.appended, e.ID)
	return nil
}

func TestOutboxPublisher_FailedRetryKeepsParkLimit(t *testing.T) {
	store := &hookedOutbox{flakyOutbox: &flakyOutbox{OutboxStore: memory.NewOutboxStore()}}
	store.failing.Store(true)
	pub := NewOutboxPublisher(store, timeutil.NewFakeClock(t0), nil, OutboxPublisherConfig{ParkLimit: 2})
	ctx := context.Background()

	var ids []string
	publish := func() {
		e := submittedEvent()
		ids = append(ids, e.EventID())
		assert.ErrorIs(t, pub.Publish(ctx, e), ErrEventParked)
	}
	publish()
	publish()
	require.Equal(t, 2, pub.Parked())

	// Two more events park while the retry is still appending.
	store.onAppend = func() {
		publish()
		publish()
	}
	n, err := pub.RetryParked(ctx)
	require.Error(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 2, pub.Parked())

	store.failing.Store(false)
	n, err = pub.RetryParked(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, ids[2:], store.appended, "the oldest events are dropped")
}

func TestOutboxPublisher_CancelledCallerStillAppends(t *testing.T) {
	store := memory.NewOutboxStore()
	pub := NewOutboxPublisher(store, timeutil.NewFakeClock(t0), nil, OutboxPublisherConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, pub.Publish(ctx, submittedEvent()))
	assert.Len(t, store.Entries(), 1)
}

func TestRelay_RetriesWithBackoffThenDelivers(t *testing.T) {
	store := memory.NewOutboxStore()
	clock := timeutil.NewFakeClock(t0)
	pub := NewOutboxPublisher(store, clock, nil, OutboxPublisherConfig{})
	require.NoError(t, pub.Publish(context.Background(), submittedEvent()))

	transport := &recordingTransport{failures: 1}
	relay := NewRelay(store, transport, nil, clock, nil, RelayConfig{MaxAttempts: 5})

	stats, err := relay.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)

	entry := store.Entries()[0]
	assert.Equal(t, 1, entry.Attempts)
	assert.True(t, entry.NextAttemptAt.After(t0))
	assert.Equal(t, "broker unavailable", entry.LastError)

	// Not due yet.
	stats, err = relay.Flush(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Claimed)

	clock.Advance(time.Minute)
	stats, err = relay.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Delivered)
	assert.Equal(t, outbox.StatusDelivered, store.Entries()[0].Status)
	assert.Len(t, transport.Sent(), 1)
}

func TestRelay_DeadLettersAfterMaxAttempts(t *testing.T) {
	store := memory.NewOutboxStore()
	clock := timeutil.NewFakeClock(t0)
	pub := NewOutboxPublisher(store, clock, nil, OutboxPublisherConfig{})
	require.NoError(t, pub.Publish(context.Background(), submittedEvent()))

	transport := &recordingTransport{failures: 100}
	relay := NewRelay(store, transport, nil, clock, nil, RelayConfig{MaxAttempts: 3})

	var dead int
	for i := 0; i < 5; i++ {
		stats, err := relay.Flush(context.Background())
		require.NoError(t, err)
		dead += stats.DeadLettered
		clock.Advance(time.Hour)
	}

	assert.Equal(t, 1, dead)
	entry := store.Entries()[0]
	assert.Equal(t, outbox.StatusDead, entry.Status)
	assert.Equal(t, 3, entry.Attempts)

	st, err := store.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Dead)

	n, err := store.Requeue(context.Background(), "", clock.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	transport.mu.Lock()
	transport.failures = 0
	transport.mu.Unlock()

	stats, err := relay.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Delivered)
}

func TestRelay_BusTransportReachesSubscribers(t *testing.T) {
	bus := NewInMemoryEventBus(DefaultInMemoryEventBusConfig())
	defer bus.Close()

	var got []shared.Event
	require.NoError(t, bus.Subscribe(shared.EventAttemptSubmitted, func(ctx context.Context, e shared.Event) error {
		got = append(got, e)
		return nil
	}))

	store := memory.NewOutboxStore()
	clock := timeutil.NewFakeClock(t0)
	pub := NewOutboxPublisher(store, clock, nil, OutboxPublisherConfig{})
	event := submittedEvent()
	require.NoError(t, pub.Publish(context.Background(), event))

	relay := NewRelay(store, NewBusTransport(bus), pub, clock, nil, RelayConfig{})
	_, err := relay.Flush(context.Background())
	require.NoError(t, err)

	require.Len(t, got, 1)
	assert.Equal(t, event.EventID(), got[0].EventID())
	assert.Equal(t, "a-1", got[0].AggregateID())
	assert.Equal(t, true, got[0].Payload()["manual"])
}

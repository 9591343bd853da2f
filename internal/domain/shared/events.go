package shared

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of domain event.
type EventType string

// Attempt lifecycle events. The string values are the wire names consumers
// subscribe to and must never change.
const (
	EventAttemptStarted       EventType = "attempt.started"
	EventAttemptPaused        EventType = "attempt.paused"
	EventAttemptResumed       EventType = "attempt.resumed"
	EventAttemptSubmitted     EventType = "attempt.submitted"
	EventAttemptAutoSubmitted EventType = "attempt.auto_submitted"
	EventAttemptAbandoned     EventType = "attempt.abandoned"
	EventAttemptCancelled     EventType = "attempt.cancelled"
)

// Event is the base interface for all domain events.
type Event interface {
	// EventID returns the idempotency key consumers deduplicate on.
	EventID() string

	// EventType returns the type of the event.
	EventType() EventType

	// OccurredAt returns when the event occurred.
	OccurredAt() time.Time

	// AggregateID returns the ID of the aggregate that produced this event.
	AggregateID() string

	// Payload returns the event data as a map for serialization.
	Payload() map[string]interface{}
}

// BaseEvent provides common event functionality.
type BaseEvent struct {
	ID            string    `json:"event_id"`
	Type          EventType `json:"type"`
	Timestamp     time.Time `json:"timestamp"`
	AggregateId   string    `json:"aggregate_id"`
	Version       int64     `json:"version"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// EventID implements Event interface.
func (e BaseEvent) EventID() string {
	return e.ID
}

// EventType implements Event interface.
func (e BaseEvent) EventType() EventType {
	return e.Type
}

// OccurredAt implements Event interface.
func (e BaseEvent) OccurredAt() time.Time {
	return e.Timestamp
}

// AggregateID implements Event interface.
func (e BaseEvent) AggregateID() string {
	return e.AggregateId
}

// NewBaseEvent creates a new base event with a fresh event id.
// version is the aggregate version the event describes.
func NewBaseEvent(eventType EventType, aggregateID string, version int64, at time.Time) BaseEvent {
	return BaseEvent{
		ID:          uuid.NewString(),
		Type:        eventType,
		Timestamp:   at,
		AggregateId: aggregateID,
		Version:     version,
	}
}

// WithCorrelationID sets the correlation ID for tracing.
func (e BaseEvent) WithCorrelationID(id string) BaseEvent {
	e.CorrelationID = id
	return e
}

// AttemptRef identifies the attempt an event is about. Every lifecycle
// event carries it so consumers can route without a lookup.
type AttemptRef struct {
	AttemptID string `json:"attempt_id"`
	ExamID    string `json:"exam_id"`
	StudentID string `json:"student_id"`
	Status    string `json:"status"`
}

func (r AttemptRef) fields(e BaseEvent) map[string]interface{} {
	return map[string]interface{}{
		"event_id":   e.ID,
		"attempt_id": r.AttemptID,
		"exam_id":    r.ExamID,
		"student_id": r.StudentID,
		"status":     r.Status,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Attempt Events
// ═══════════════════════════════════════════════════════════════════════════

// AttemptStartedEvent is emitted when a new attempt is created.
type AttemptStartedEvent struct {
	BaseEvent
	AttemptRef
	AttemptNumber   int       `json:"attempt_number"`
	StartedAt       time.Time `json:"started_at"`
	DurationMinutes int       `json:"duration_minutes"`
}

// Payload implements Event interface.
func (e AttemptStartedEvent) Payload() map[string]interface{} {
	p := e.AttemptRef.fields(e.BaseEvent)
	p["attempt_number"] = e.AttemptNumber
	p["started_at"] = e.StartedAt.UTC().Format(time.RFC3339Nano)
	p["duration_minutes"] = e.DurationMinutes
	return p
}

// NewAttemptStartedEvent creates a new AttemptStartedEvent.
func NewAttemptStartedEvent(ref AttemptRef, version int64, attemptNumber int, startedAt time.Time, durationMinutes int) AttemptStartedEvent {
	return AttemptStartedEvent{
		BaseEvent:       NewBaseEvent(EventAttemptStarted, ref.AttemptID, version, startedAt),
		AttemptRef:      ref,
		AttemptNumber:   attemptNumber,
		StartedAt:       startedAt,
		DurationMinutes: durationMinutes,
	}
}

// AttemptSubmittedEvent is emitted for both manual and automatic submission.
// Manual distinguishes a student submit from a sweeper auto-submit.
type AttemptSubmittedEvent struct {
	BaseEvent
	AttemptRef
	SubmittedAt time.Time `json:"submitted_at"`
	Manual      bool      `json:"manual"`
}

// Payload implements Event interface.
func (e AttemptSubmittedEvent) Payload() map[string]interface{} {
	p := e.AttemptRef.fields(e.BaseEvent)
	p["submitted_at"] = e.SubmittedAt.UTC().Format(time.RFC3339Nano)
	p["manual"] = e.Manual
	return p
}

// NewAttemptSubmittedEvent creates the event for a student-initiated submit.
func NewAttemptSubmittedEvent(ref AttemptRef, version int64, submittedAt time.Time) AttemptSubmittedEvent {
	return AttemptSubmittedEvent{
		BaseEvent:   NewBaseEvent(EventAttemptSubmitted, ref.AttemptID, version, submittedAt),
		AttemptRef:  ref,
		SubmittedAt: submittedAt,
		Manual:      true,
	}
}

// NewAttemptAutoSubmittedEvent creates the event for an expiry auto-submit.
func NewAttemptAutoSubmittedEvent(ref AttemptRef, version int64, submittedAt time.Time) AttemptSubmittedEvent {
	return AttemptSubmittedEvent{
		BaseEvent:   NewBaseEvent(EventAttemptAutoSubmitted, ref.AttemptID, version, submittedAt),
		AttemptRef:  ref,
		SubmittedAt: submittedAt,
		Manual:      false,
	}
}

// AttemptAbandonedEvent is emitted when a student walks away from an attempt.
type AttemptAbandonedEvent struct {
	BaseEvent
	AttemptRef
	AbandonedAt time.Time `json:"abandoned_at"`
}

// Payload implements Event interface.
func (e AttemptAbandonedEvent) Payload() map[string]interface{} {
	p := e.AttemptRef.fields(e.BaseEvent)
	p["abandoned_at"] = e.AbandonedAt.UTC().Format(time.RFC3339Nano)
	return p
}

// NewAttemptAbandonedEvent creates a new AttemptAbandonedEvent.
func NewAttemptAbandonedEvent(ref AttemptRef, version int64, at time.Time) AttemptAbandonedEvent {
	return AttemptAbandonedEvent{
		BaseEvent:   NewBaseEvent(EventAttemptAbandoned, ref.AttemptID, version, at),
		AttemptRef:  ref,
		AbandonedAt: at,
	}
}

// AttemptCancelledEvent is emitted on an administrative override.
type AttemptCancelledEvent struct {
	BaseEvent
	AttemptRef
	CancelledAt time.Time `json:"cancelled_at"`
}

// Payload implements Event interface.
func (e AttemptCancelledEvent) Payload() map[string]interface{} {
	p := e.AttemptRef.fields(e.BaseEvent)
	p["cancelled_at"] = e.CancelledAt.UTC().Format(time.RFC3339Nano)
	return p
}

// NewAttemptCancelledEvent creates a new AttemptCancelledEvent.
func NewAttemptCancelledEvent(ref AttemptRef, version int64, at time.Time) AttemptCancelledEvent {
	return AttemptCancelledEvent{
		BaseEvent:   NewBaseEvent(EventAttemptCancelled, ref.AttemptID, version, at),
		AttemptRef:  ref,
		CancelledAt: at,
	}
}

// AttemptSuspensionEvent covers pause and resume; Type tells which.
type AttemptSuspensionEvent struct {
	BaseEvent
	AttemptRef
	ChangedAt time.Time `json:"changed_at"`
}

// Payload implements Event interface.
func (e AttemptSuspensionEvent) Payload() map[string]interface{} {
	p := e.AttemptRef.fields(e.BaseEvent)
	p["changed_at"] = e.ChangedAt.UTC().Format(time.RFC3339Nano)
	return p
}

// NewAttemptPausedEvent creates the event for IN_PROGRESS -> PAUSED.
func NewAttemptPausedEvent(ref AttemptRef, version int64, at time.Time) AttemptSuspensionEvent {
	return AttemptSuspensionEvent{
		BaseEvent:  NewBaseEvent(EventAttemptPaused, ref.AttemptID, version, at),
		AttemptRef: ref,
		ChangedAt:  at,
	}
}

// NewAttemptResumedEvent creates the event for PAUSED -> IN_PROGRESS.
func NewAttemptResumedEvent(ref AttemptRef, version int64, at time.Time) AttemptSuspensionEvent {
	return AttemptSuspensionEvent{
		BaseEvent:  NewBaseEvent(EventAttemptResumed, ref.AttemptID, version, at),
		AttemptRef: ref,
		ChangedAt:  at,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Event Envelope (for serialization and transport)
// ═══════════════════════════════════════════════════════════════════════════

// EventEnvelope wraps an event for transport/storage.
type EventEnvelope struct {
	ID            string          `json:"id"`
	Type          EventType       `json:"type"`
	AggregateID   string          `json:"aggregate_id"`
	Timestamp     time.Time       `json:"timestamp"`
	Version       int64           `json:"version"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

type versioned interface {
	aggregateVersion() int64
	correlationID() string
}

func (e BaseEvent) aggregateVersion() int64 { return e.Version }
func (e BaseEvent) correlationID() string   { return e.CorrelationID }

// NewEnvelope serializes an event into its transport form.
func NewEnvelope(event Event) (EventEnvelope, error) {
	payload, err := json.Marshal(event.Payload())
	if err != nil {
		return EventEnvelope{}, fmt.Errorf("marshal payload of %s: %w", event.EventType(), err)
	}

	env := EventEnvelope{
		ID:          event.EventID(),
		Type:        event.EventType(),
		AggregateID: event.AggregateID(),
		Timestamp:   event.OccurredAt().UTC(),
		Payload:     payload,
	}
	if v, ok := event.(versioned); ok {
		env.Version = v.aggregateVersion()
		env.CorrelationID = v.correlationID()
	}
	return env, nil
}

// Event rebuilds a generic Event from the envelope, for consumers that
// receive events over a transport and only need the payload map.
func (env EventEnvelope) Event() (Event, error) {
	payload := make(map[string]interface{})
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload of %s: %w", env.ID, err)
		}
	}
	return &envelopeEvent{env: env, payload: payload}, nil
}

// envelopeEvent is used to recreate events received over a transport.
type envelopeEvent struct {
	env     EventEnvelope
	payload map[string]interface{}
}

func (e *envelopeEvent) EventID() string                 { return e.env.ID }
func (e *envelopeEvent) EventType() EventType            { return e.env.Type }
func (e *envelopeEvent) OccurredAt() time.Time           { return e.env.Timestamp }
func (e *envelopeEvent) AggregateID() string             { return e.env.AggregateID }
func (e *envelopeEvent) Payload() map[string]interface{} { return e.payload }

// EventHandler is a function that handles an event.
type EventHandler func(ctx context.Context, event Event) error

// EventPublisher defines the interface for publishing events.
type EventPublisher interface {
	// Publish hands an event to the delivery pipeline.
	Publish(ctx context.Context, event Event) error
}

// EventSubscriber defines the interface for subscribing to events.
type EventSubscriber interface {
	// Subscribe registers a handler for an event type.
	Subscribe(eventType EventType, handler EventHandler) error

	// SubscribeAll registers a handler for all events.
	SubscribeAll(handler EventHandler) error
}

// EventBus combines publishing and subscribing.
type EventBus interface {
	EventPublisher
	EventSubscriber
}

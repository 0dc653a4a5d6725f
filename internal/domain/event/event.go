package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event is one immutable, ordered fact in a workflow instance's history.
// Events are never mutated or deleted; the projection is always a pure fold
// over the ordered event list.
type Event struct {
	ID         string    `json:"id"`
	InstanceID string    `json:"instance_id"`
	Sequence   int64     `json:"sequence"`
	Type       Type      `json:"type"`
	Actor      string    `json:"actor,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
	Payload    Payload   `json:"payload"`

	// CorrelationID links all events appended by one accepted signal.
	CorrelationID string `json:"correlation_id,omitempty"`
}

// New creates an event for the given instance. The sequence number is
// assigned by the event store at append time.
func New(instanceID string, actor string, payload Payload) *Event {
	return &Event{
		ID:         uuid.NewString(),
		InstanceID: instanceID,
		Type:       payload.EventType(),
		Actor:      actor,
		OccurredAt: time.Now().UTC(),
		Payload:    payload,
	}
}

// MarshalPayload serializes the typed payload for storage
func (e *Event) MarshalPayload() ([]byte, error) {
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", e.Type, err)
	}
	return data, nil
}

// Correlate stamps the same correlation ID on a batch of events appended by
// one signal and returns the batch for chaining.
func Correlate(events []*Event) []*Event {
	id := uuid.NewString()
	for _, e := range events {
		e.CorrelationID = id
	}
	return events
}

package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Envelope wraps every event written to the outbox.
type Envelope struct {
	EventID         string          `json:"event_id"`
	EventType       string          `json:"event_type"`
	Aggregate       string          `json:"aggregate"`
	TimestampMicros int64           `json:"ts_us"`
	CorrelationID   string          `json:"correlation_id,omitempty"`
	Payload         json.RawMessage `json:"payload"`
}

// EnvelopeOption tweaks envelope construction.
type EnvelopeOption func(*Envelope)

// WithEventID pins the event id instead of generating one.
func WithEventID(id string) EnvelopeOption {
	return func(e *Envelope) {
		if id != "" {
			e.EventID = id
		}
	}
}

// WithTimestamp overrides the event timestamp.
func WithTimestamp(ts time.Time) EnvelopeOption {
	return func(e *Envelope) {
		if !ts.IsZero() {
			e.TimestampMicros = ts.UTC().UnixMicro()
		}
	}
}

// WithCorrelationID ties the event to a caller-visible id.
func WithCorrelationID(id string) EnvelopeOption {
	return func(e *Envelope) {
		e.CorrelationID = id
	}
}

var nowFunc = time.Now

func newEnvelope(eventType, aggregate string, payload any, opts ...EnvelopeOption) (Envelope, error) {
	if eventType == "" {
		return Envelope{}, fmt.Errorf("events: event type required")
	}
	if aggregate == "" {
		return Envelope{}, fmt.Errorf("events: aggregate required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("events: marshal payload: %w", err)
	}
	env := Envelope{
		EventID:         uuid.NewString(),
		EventType:       eventType,
		Aggregate:       aggregate,
		TimestampMicros: nowFunc().UTC().UnixMicro(),
		Payload:         data,
	}
	for _, opt := range opts {
		opt(&env)
	}
	return env, nil
}

// Package bus provides the durable, ordered, at-least-once event log that
// connects the trader services. Streams are named; consumers join groups and
// must be idempotent with respect to the identifiers carried in events.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrBusClosed is returned by operations on a closed bus.
var ErrBusClosed = errors.New("event bus is closed")

// Event is one entry on a stream. Payload is the JSON encoding of the
// stream's message type.
type Event struct {
	ID        uuid.UUID       `json:"id"`
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// NewEvent builds an Event with a fresh id and the payload marshalled to JSON.
func NewEvent(eventType string, payload interface{}) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("failed to marshal event payload: %w", err)
	}
	return Event{
		ID:        uuid.New(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Payload:   raw,
	}, nil
}

// Decode unmarshals the event payload into out.
func (e Event) Decode(out interface{}) error {
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return fmt.Errorf("failed to decode %s event payload: %w", e.Type, err)
	}
	return nil
}

// Handler processes one delivered event. Returning an error leaves the event
// unacknowledged so the backend redelivers it; handlers therefore see
// at-least-once delivery and must tolerate duplicates.
type Handler func(ctx context.Context, event Event) error

// Bus is the append-only, replayable, multi-consumer event log.
type Bus interface {
	// Publish appends an event to the named stream, preserving per-stream order.
	Publish(ctx context.Context, stream string, event Event) error

	// Subscribe consumes the named stream as part of a consumer group,
	// blocking until ctx is cancelled or the bus closes.
	Subscribe(ctx context.Context, stream, group string, handler Handler) error

	// Close releases backend connections.
	Close() error
}

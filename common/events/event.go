// Package events defines the event envelope exchanged between services and
// its JSON wire codec.
package events

import (
	"maps"
	"time"

	"github.com/google/uuid"
)

// Event types emitted by the services.
const (
	TypeUserCreated = "user.created"
	TypeTaskCreated = "task.created"
)

// Event is an immutable domain fact. Build one with New; the fields are
// exported for the codec and for handlers reading them.
type Event struct {
	ID        string
	Type      string
	Payload   map[string]any
	CreatedAt time.Time
}

// New creates an event with a fresh time-ordered ID and the current UTC time.
// The payload map is copied so later mutation by the caller is not observed.
func New(eventType string, payload map[string]any) (*Event, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:        id.String(),
		Type:      eventType,
		Payload:   clonePayload(payload),
		CreatedAt: time.Now().UTC(),
	}, nil
}

// String returns the payload field as a string, or "" if absent or not a string.
func (e *Event) String(field string) string {
	s, _ := e.Payload[field].(string)
	return s
}

func clonePayload(p map[string]any) map[string]any {
	if p == nil {
		return map[string]any{}
	}
	return maps.Clone(p)
}

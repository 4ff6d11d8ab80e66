package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SchemaVersion is the newest envelope version this build understands.
const SchemaVersion = 1

// MaxIDLength bounds the event ID accepted by Decode. Consumers key dedup
// and dead-letter rows on it.
const MaxIDLength = 128

// envelope is the wire representation. Field order is fixed by the struct and
// encoding/json sorts map keys, so encoding is deterministic.
type envelope struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Payload       json.RawMessage `json:"payload"`
	CreatedAt     string          `json:"created_at"`
	SchemaVersion *int            `json:"schema_version"`
}

// DecodeError reports bytes that cannot be turned into an Event. It is never
// retryable: the same bytes will fail again.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode event: %s: %v", e.Reason, e.Err)
	}
	return "decode event: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

// IsDecodeError reports whether err is, or wraps, a *DecodeError.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

// Encode serializes an event to its JSON wire form.
func Encode(e *Event) ([]byte, error) {
	if e == nil {
		return nil, errors.New("encode event: nil event")
	}
	payload := e.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode event %s payload: %w", e.ID, err)
	}
	v := SchemaVersion
	return json.Marshal(envelope{
		ID:            e.ID,
		Type:          e.Type,
		Payload:       raw,
		CreatedAt:     e.CreatedAt.UTC().Format(time.RFC3339Nano),
		SchemaVersion: &v,
	})
}

// Decode parses wire bytes into an Event. It never panics; every failure is a
// *DecodeError. Unknown envelope fields are ignored.
func Decode(data []byte) (*Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &DecodeError{Reason: "invalid json", Err: err}
	}
	if env.ID == "" {
		return nil, &DecodeError{Reason: "missing id"}
	}
	if len(env.ID) > MaxIDLength {
		return nil, &DecodeError{Reason: "id too long"}
	}
	if env.Type == "" {
		return nil, &DecodeError{Reason: "missing type"}
	}
	if env.CreatedAt == "" {
		return nil, &DecodeError{Reason: "missing created_at"}
	}
	createdAt, err := time.Parse(time.RFC3339Nano, env.CreatedAt)
	if err != nil {
		return nil, &DecodeError{Reason: "invalid created_at", Err: err}
	}
	if env.SchemaVersion == nil {
		return nil, &DecodeError{Reason: "missing schema_version"}
	}
	if *env.SchemaVersion < 1 || *env.SchemaVersion > SchemaVersion {
		return nil, &DecodeError{Reason: fmt.Sprintf("unsupported schema_version %d", *env.SchemaVersion)}
	}

	payload := map[string]any{}
	trimmed := bytes.TrimSpace(env.Payload)
	if len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
		if trimmed[0] != '{' {
			return nil, &DecodeError{Reason: "payload is not an object"}
		}
		if err := json.Unmarshal(trimmed, &payload); err != nil {
			return nil, &DecodeError{Reason: "invalid payload", Err: err}
		}
	}

	return &Event{
		ID:        env.ID,
		Type:      env.Type,
		Payload:   payload,
		CreatedAt: createdAt.UTC(),
	}, nil
}

// Package consumer delivers broker messages to event handlers with
// at-least-once semantics: a committed cursor per group partition, a
// processed-event set for deduplication, and a dead-letter store for
// messages that cannot be handled.
package consumer

import (
	"errors"
	"fmt"
)

var (
	// ErrHandlerExists is returned when registering a second handler for an
	// event type.
	ErrHandlerExists = errors.New("handler already registered for event type")

	// ErrDeadLetterNotFound is returned when no dead letter has the given ID.
	ErrDeadLetterNotFound = errors.New("dead letter not found")

	// ErrAlreadyReplayed is returned when claiming a dead letter that was
	// replayed before.
	ErrAlreadyReplayed = errors.New("dead letter already replayed")
)

// HandlerError records a handler failure for one delivery.
type HandlerError struct {
	EventID    string
	EventType  string
	Deliveries int
	Err        error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handle %s %s (delivery %d): %v", e.EventType, e.EventID, e.Deliveries, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks a handler error as not worth retrying. The message is
// dead-lettered on first failure.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

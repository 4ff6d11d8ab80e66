// Package outbox implements the transactional outbox: events are written in
// the same database transaction as the business row, then drained to the
// broker by the Publisher.
package outbox

import (
	"errors"
	"fmt"
	"time"

	"github.com/telhawk-systems/taskhub/common/events"
)

// Status is the lifecycle state of an outbox record.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusPublished Status = "PUBLISHED"
	StatusFailed    Status = "FAILED"
)

// Record is an event waiting in (or drained from) the outbox.
type Record struct {
	Event         *events.Event
	Topic         string
	PartitionKey  string
	Status        Status
	AttemptCount  int
	LastAttemptAt *time.Time
	NextAttemptAt time.Time
	LastError     string
	PublishedAt   *time.Time
	FailedAt      *time.Time
	Sequence      int64
	CreatedAt     time.Time

	// ClaimedUntil is when the claim taken by FetchPending runs out. Zero
	// for records that were not fetched.
	ClaimedUntil time.Time
}

// ID is the outbox record ID, equal to the event ID.
func (r *Record) ID() string { return r.Event.ID }

var (
	// ErrRecordNotFound is returned when no record has the given ID.
	ErrRecordNotFound = errors.New("outbox record not found")

	// ErrDuplicateEvent is returned by Append when the event ID is already
	// in the outbox.
	ErrDuplicateEvent = errors.New("outbox event already exists")

	// ErrNotFailed is returned by Requeue for a record that is not FAILED.
	ErrNotFailed = errors.New("outbox record is not failed")

	// ErrLeaseLost is returned when a record is settled by a store that no
	// longer holds its claim.
	ErrLeaseLost = errors.New("outbox record lease lost")
)

// StoreUnavailableError wraps a storage failure that may clear on retry.
// The caller's transaction has been (or must be) rolled back.
type StoreUnavailableError struct {
	Op  string
	Err error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("outbox store %s: %v", e.Op, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error { return e.Err }

// IsStoreUnavailable reports whether err is, or wraps, a *StoreUnavailableError.
func IsStoreUnavailable(err error) bool {
	var se *StoreUnavailableError
	return errors.As(err, &se)
}

// AppendOption customises how an event is routed.
type AppendOption func(*appendOptions)

type appendOptions struct {
	topic        string
	partitionKey string
}

// WithTopic overrides the topic; the default is the event type.
func WithTopic(topic string) AppendOption {
	return func(o *appendOptions) { o.topic = topic }
}

// WithPartitionKey sets the ordering key; the default is the event ID.
// Events sharing a key are published in append order.
func WithPartitionKey(key string) AppendOption {
	return func(o *appendOptions) { o.partitionKey = key }
}

func resolveAppendOptions(evt *events.Event, opts []AppendOption) appendOptions {
	o := appendOptions{topic: evt.Type, partitionKey: evt.ID}
	for _, opt := range opts {
		opt(&o)
	}
	if o.topic == "" {
		o.topic = evt.Type
	}
	if o.partitionKey == "" {
		o.partitionKey = evt.ID
	}
	return o
}

// NewRecord builds the PENDING record Append stores for evt.
func NewRecord(evt *events.Event, now time.Time, opts ...AppendOption) *Record {
	o := resolveAppendOptions(evt, opts)
	return &Record{
		Event:         evt,
		Topic:         o.topic,
		PartitionKey:  o.partitionKey,
		Status:        StatusPending,
		NextAttemptAt: now,
		CreatedAt:     now,
	}
}

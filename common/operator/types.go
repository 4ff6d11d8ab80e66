// Package operator exposes the HTTP routes operators use to inspect and
// replay failed outbox records and consumer dead letters.
package operator

import (
	"time"

	"github.com/telhawk-systems/taskhub/common/consumer"
	"github.com/telhawk-systems/taskhub/common/outbox"
)

// OutboxRecord is the JSON view of an outbox record.
type OutboxRecord struct {
	ID            string         `json:"id"`
	EventType     string         `json:"event_type"`
	Topic         string         `json:"topic"`
	PartitionKey  string         `json:"partition_key"`
	Status        string         `json:"status"`
	AttemptCount  int            `json:"attempt_count"`
	LastError     string         `json:"last_error,omitempty"`
	LastAttemptAt *time.Time     `json:"last_attempt_at,omitempty"`
	NextAttemptAt time.Time      `json:"next_attempt_at"`
	PublishedAt   *time.Time     `json:"published_at,omitempty"`
	FailedAt      *time.Time     `json:"failed_at,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	Payload       map[string]any `json:"payload"`
}

// NewOutboxRecord converts a stored record to its JSON view.
func NewOutboxRecord(rec *outbox.Record) OutboxRecord {
	return OutboxRecord{
		ID:            rec.ID(),
		EventType:     rec.Event.Type,
		Topic:         rec.Topic,
		PartitionKey:  rec.PartitionKey,
		Status:        string(rec.Status),
		AttemptCount:  rec.AttemptCount,
		LastError:     rec.LastError,
		LastAttemptAt: rec.LastAttemptAt,
		NextAttemptAt: rec.NextAttemptAt,
		PublishedAt:   rec.PublishedAt,
		FailedAt:      rec.FailedAt,
		CreatedAt:     rec.CreatedAt,
		Payload:       rec.Event.Payload,
	}
}

// DeadLetter is the JSON view of a dead letter. Raw is rendered as text.
type DeadLetter struct {
	ID         string     `json:"id"`
	Group      string     `json:"group"`
	Topic      string     `json:"topic"`
	Partition  int        `json:"partition"`
	Offset     int64      `json:"offset"`
	Key        string     `json:"key"`
	EventID    string     `json:"event_id,omitempty"`
	EventType  string     `json:"event_type,omitempty"`
	Reason     string     `json:"reason"`
	LastError  string     `json:"last_error"`
	Deliveries int        `json:"deliveries"`
	CreatedAt  time.Time  `json:"created_at"`
	ReplayedAt *time.Time `json:"replayed_at,omitempty"`
	Raw        string     `json:"raw"`
}

// NewDeadLetter converts a stored dead letter to its JSON view.
func NewDeadLetter(dl *consumer.DeadLetter) DeadLetter {
	return DeadLetter{
		ID:         dl.ID,
		Group:      dl.Group,
		Topic:      dl.Topic,
		Partition:  dl.Partition,
		Offset:     dl.Offset,
		Key:        dl.Key,
		EventID:    dl.EventID,
		EventType:  dl.EventType,
		Reason:     dl.Reason,
		LastError:  dl.LastError,
		Deliveries: dl.Deliveries,
		CreatedAt:  dl.CreatedAt,
		ReplayedAt: dl.ReplayedAt,
		Raw:        string(dl.Raw),
	}
}

// List is a page of items.
type List[T any] struct {
	Items  []T `json:"items"`
	Count  int `json:"count"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// Cursors lists the committed positions of one consumer group.
type Cursors struct {
	Group string            `json:"group"`
	Items []consumer.Cursor `json:"items"`
	Count int               `json:"count"`
}

// Replay is returned after a dead letter is re-published.
type Replay struct {
	ID        string `json:"id"`
	Topic     string `json:"topic"`
	Partition int    `json:"partition"`
	Offset    int64  `json:"offset"`
}

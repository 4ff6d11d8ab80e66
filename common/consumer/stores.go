package consumer

import (
	"context"
	"time"
)

// Dead-letter reasons.
const (
	ReasonDecodeError      = "decode_error"
	ReasonHandlerExhausted = "handler_exhausted"
	ReasonHandlerPermanent = "handler_permanent"
)

// CursorStore keeps the committed offset per (group, topic, partition).
type CursorStore interface {
	// Committed returns the highest committed offset, or 0 when none.
	Committed(ctx context.Context, group, topic string, partition int) (int64, error)

	// Advance raises the committed offset to offset. It never lowers it.
	Advance(ctx context.Context, group, topic string, partition int, offset int64) error
}

// Cursor is a committed position, as listed for operators.
type Cursor struct {
	Group     string    `json:"group"`
	Topic     string    `json:"topic"`
	Partition int       `json:"partition"`
	Committed int64     `json:"committed"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ProcessedSet remembers which event IDs a group has handled.
type ProcessedSet interface {
	Contains(ctx context.Context, group, eventID string) (bool, error)
	Add(ctx context.Context, group, eventID string) error
}

// DeadLetter is a delivery the dispatcher gave up on.
type DeadLetter struct {
	ID         string     `json:"id"`
	Group      string     `json:"group"`
	Topic      string     `json:"topic"`
	Partition  int        `json:"partition"`
	Offset     int64      `json:"offset"`
	Key        string     `json:"key"`
	Raw        []byte     `json:"raw"`
	EventID    string     `json:"event_id,omitempty"`
	EventType  string     `json:"event_type,omitempty"`
	Reason     string     `json:"reason"`
	LastError  string     `json:"last_error"`
	Deliveries int        `json:"deliveries"`
	CreatedAt  time.Time  `json:"created_at"`
	ReplayedAt *time.Time `json:"replayed_at,omitempty"`
}

// DeadLetterStore persists dead letters. Save is idempotent per
// (group, topic, partition, offset).
type DeadLetterStore interface {
	Save(ctx context.Context, dl *DeadLetter) error
	Get(ctx context.Context, id string) (*DeadLetter, error)
	List(ctx context.Context, limit, offset int) ([]*DeadLetter, error)
	// ClaimReplay stamps the replay time of a dead letter that has not been
	// replayed and returns it. Only one caller wins; the rest get
	// ErrAlreadyReplayed.
	ClaimReplay(ctx context.Context, id string) (*DeadLetter, error)
	// ReleaseReplay clears the stamp after a replay that was not published.
	ReleaseReplay(ctx context.Context, id string) error
}

// ClampRetention bounds the dedup retention by the broker's replay window.
// A zero retention takes the whole window.
func ClampRetention(retention, replayWindow time.Duration) time.Duration {
	if replayWindow > 0 && (retention <= 0 || retention > replayWindow) {
		return replayWindow
	}
	return retention
}

package outbox

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/telhawk-systems/taskhub/common/events"
)

// Appender writes events inside the caller's transaction.
type Appender interface {
	Append(ctx context.Context, tx pgx.Tx, evt *events.Event, opts ...AppendOption) (*Record, error)
}

// Store is what the Publisher needs from the outbox.
type Store interface {
	// FetchPending claims up to limit due PENDING records, oldest first,
	// taking only the oldest pending record of each partition key. Each
	// record carries its ClaimedUntil deadline.
	FetchPending(ctx context.Context, limit int) ([]*Record, error)

	// The settle methods below only touch a PENDING record this store still
	// holds the claim on; otherwise they return ErrLeaseLost.

	// MarkPublished moves a record to PUBLISHED. Repeating it is a no-op.
	MarkPublished(ctx context.Context, id string) error

	// MarkFailed moves a PENDING record to FAILED and reports whether this
	// call made the transition.
	MarkFailed(ctx context.Context, id, reason string) (bool, error)

	// RecordAttempt counts a failed publish attempt, schedules the next one
	// and releases the claim.
	RecordAttempt(ctx context.Context, id, reason string, next time.Time) error
}

// Admin is the operator view of the outbox.
type Admin interface {
	Get(ctx context.Context, id string) (*Record, error)
	ListFailed(ctx context.Context, limit, offset int) ([]*Record, error)
	// Requeue moves a FAILED record back to PENDING with attempts reset.
	Requeue(ctx context.Context, id string) (*Record, error)
}

// Purger removes published records older than a cutoff. Stores that
// implement it are cleaned by the Publisher.
type Purger interface {
	PurgePublished(ctx context.Context, before time.Time) (int64, error)
}

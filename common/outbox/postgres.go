package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/telhawk-systems/taskhub/common/database"
	"github.com/telhawk-systems/taskhub/common/events"
)

const recordColumns = `id, seq, event_type, topic, partition_key, payload, event_created_at,
	status, attempt_count, last_attempt_at, next_attempt_at, COALESCE(last_error, ''),
	published_at, failed_at, created_at`

const claimedColumns = `e.id, e.seq, e.event_type, e.topic, e.partition_key, e.payload, e.event_created_at,
	e.status, e.attempt_count, e.last_attempt_at, e.next_attempt_at, COALESCE(e.last_error, ''),
	e.published_at, e.failed_at, e.created_at`

// PostgresStore keeps the outbox in the outbox_events table.
type PostgresStore struct {
	pool  *pgxpool.Pool
	owner string
	lease time.Duration
}

// NewPostgresStore creates a store. owner identifies this process in lease
// columns; an empty owner gets hostname plus a random suffix. Claims expire
// after lease so a crashed publisher's records are picked up again.
func NewPostgresStore(pool *pgxpool.Pool, owner string, lease time.Duration) *PostgresStore {
	if owner == "" {
		host, _ := os.Hostname()
		owner = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}
	if lease <= 0 {
		lease = 2 * time.Minute
	}
	return &PostgresStore{pool: pool, owner: owner, lease: lease}
}

// Owner returns the lease owner name of this store.
func (s *PostgresStore) Owner() string { return s.owner }

// Append inserts evt as a PENDING record using tx. It does not commit. It
// holds a transaction-scoped lock on the partition key, so a concurrent
// append of the same key waits for this transaction to end.
func (s *PostgresStore) Append(ctx context.Context, tx pgx.Tx, evt *events.Event, opts ...AppendOption) (*Record, error) {
	if evt == nil {
		return nil, errors.New("outbox append: nil event")
	}
	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		return nil, fmt.Errorf("outbox append %s: encode payload: %w", evt.ID, err)
	}
	rec := NewRecord(evt, time.Now().UTC(), opts...)

	// Serializes appends of one key until commit so seq order matches
	// commit order within the key.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, rec.PartitionKey); err != nil {
		return nil, &StoreUnavailableError{Op: "append", Err: err}
	}

	row := tx.QueryRow(ctx, `
		INSERT INTO outbox_events (id, event_type, topic, partition_key, payload, event_created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING seq, next_attempt_at, created_at`,
		evt.ID, evt.Type, rec.Topic, rec.PartitionKey, payload, evt.CreatedAt,
	)
	if err := row.Scan(&rec.Sequence, &rec.NextAttemptAt, &rec.CreatedAt); err != nil {
		if database.IsUniqueViolation(err) {
			return nil, ErrDuplicateEvent
		}
		return nil, &StoreUnavailableError{Op: "append", Err: err}
	}
	return rec, nil
}

// FetchPending claims due head-of-key records with FOR UPDATE SKIP LOCKED and
// a lease, so concurrent publishers never claim the same record.
func (s *PostgresStore) FetchPending(ctx context.Context, limit int) ([]*Record, error) {
	if limit <= 0 {
		return nil, nil
	}
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	// Taken before the claim so the local deadline never outlives the
	// database one.
	claimedUntil := time.Now().Add(s.lease)
	rows, err := s.pool.Query(ctx, `
		WITH claimable AS (
			SELECT o.id
			FROM outbox_events o
			WHERE o.status = 'PENDING'
			  AND o.next_attempt_at <= NOW()
			  AND (o.locked_until IS NULL OR o.locked_until < NOW())
			  AND NOT EXISTS (
				SELECT 1 FROM outbox_events p
				WHERE p.partition_key = o.partition_key
				  AND p.status = 'PENDING'
				  AND p.seq < o.seq
			  )
			ORDER BY o.seq
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE outbox_events e
		SET locked_by = $2, locked_until = NOW() + make_interval(secs => $3)
		FROM claimable c
		WHERE e.id = c.id
		RETURNING `+claimedColumns,
		limit, s.owner, s.lease.Seconds(),
	)
	if err != nil {
		return nil, &StoreUnavailableError{Op: "fetch pending", Err: err}
	}
	defer rows.Close()

	recs, err := scanRecords(rows)
	if err != nil {
		return nil, &StoreUnavailableError{Op: "fetch pending", Err: err}
	}
	slices.SortFunc(recs, func(a, b *Record) int {
		switch {
		case a.Sequence < b.Sequence:
			return -1
		case a.Sequence > b.Sequence:
			return 1
		}
		return 0
	})
	for _, rec := range recs {
		rec.ClaimedUntil = claimedUntil
	}
	return recs, nil
}

// MarkPublished records the broker ack and releases the lease.
func (s *PostgresStore) MarkPublished(ctx context.Context, id string) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `
		UPDATE outbox_events
		SET status = 'PUBLISHED', published_at = NOW(), last_attempt_at = NOW(),
		    attempt_count = attempt_count + 1, locked_by = NULL, locked_until = NULL
		WHERE id = $1 AND status = 'PENDING' AND locked_by = $2`, id, s.owner)
	if err != nil {
		return &StoreUnavailableError{Op: "mark published", Err: err}
	}
	if tag.RowsAffected() == 0 {
		return s.settleMiss(ctx, id)
	}
	return nil
}

// MarkFailed moves a PENDING record to FAILED.
func (s *PostgresStore) MarkFailed(ctx context.Context, id, reason string) (bool, error) {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `
		UPDATE outbox_events
		SET status = 'FAILED', failed_at = NOW(), last_attempt_at = NOW(),
		    attempt_count = attempt_count + 1, last_error = $2,
		    locked_by = NULL, locked_until = NULL
		WHERE id = $1 AND status = 'PENDING' AND locked_by = $3`, id, reason, s.owner)
	if err != nil {
		return false, &StoreUnavailableError{Op: "mark failed", Err: err}
	}
	if tag.RowsAffected() == 0 {
		return false, s.settleMiss(ctx, id)
	}
	return true, nil
}

// RecordAttempt counts a failed attempt and schedules the retry.
func (s *PostgresStore) RecordAttempt(ctx context.Context, id, reason string, next time.Time) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `
		UPDATE outbox_events
		SET attempt_count = attempt_count + 1, last_attempt_at = NOW(),
		    last_error = $2, next_attempt_at = $3,
		    locked_by = NULL, locked_until = NULL
		WHERE id = $1 AND status = 'PENDING' AND locked_by = $4`, id, reason, next, s.owner)
	if err != nil {
		return &StoreUnavailableError{Op: "record attempt", Err: err}
	}
	if tag.RowsAffected() == 0 {
		return s.settleMiss(ctx, id)
	}
	return nil
}

// Get returns one record by ID.
func (s *PostgresStore) Get(ctx context.Context, id string) (*Record, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrRecordNotFound
	}
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `SELECT `+recordColumns+` FROM outbox_events WHERE id = $1`, id)
	if err != nil {
		return nil, &StoreUnavailableError{Op: "get", Err: err}
	}
	defer rows.Close()
	recs, err := scanRecords(rows)
	if err != nil {
		return nil, &StoreUnavailableError{Op: "get", Err: err}
	}
	if len(recs) == 0 {
		return nil, ErrRecordNotFound
	}
	return recs[0], nil
}

// ListFailed pages through FAILED records, most recent failure first.
func (s *PostgresStore) ListFailed(ctx context.Context, limit, offset int) ([]*Record, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT `+recordColumns+`
		FROM outbox_events
		WHERE status = 'FAILED'
		ORDER BY failed_at DESC, seq DESC
		LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, &StoreUnavailableError{Op: "list failed", Err: err}
	}
	defer rows.Close()
	recs, err := scanRecords(rows)
	if err != nil {
		return nil, &StoreUnavailableError{Op: "list failed", Err: err}
	}
	return recs, nil
}

// Requeue gives a FAILED record a fresh set of attempts.
func (s *PostgresStore) Requeue(ctx context.Context, id string) (*Record, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrRecordNotFound
	}
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		UPDATE outbox_events
		SET status = 'PENDING', attempt_count = 0, next_attempt_at = NOW(),
		    failed_at = NULL, locked_by = NULL, locked_until = NULL
		WHERE id = $1 AND status = 'FAILED'
		RETURNING `+recordColumns, id)
	if err != nil {
		return nil, &StoreUnavailableError{Op: "requeue", Err: err}
	}
	recs, err := scanRecords(rows)
	rows.Close()
	if err != nil {
		return nil, &StoreUnavailableError{Op: "requeue", Err: err}
	}
	if len(recs) == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrNotFailed
	}
	return recs[0], nil
}

// PurgePublished deletes PUBLISHED records published before cutoff.
func (s *PostgresStore) PurgePublished(ctx context.Context, before time.Time) (int64, error) {
	ctx, cancel := database.PurgeContext(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx,
		`DELETE FROM outbox_events WHERE status = 'PUBLISHED' AND published_at < $1`, before)
	if err != nil {
		return 0, &StoreUnavailableError{Op: "purge", Err: err}
	}
	return tag.RowsAffected(), nil
}

// settleMiss explains a settle update that matched no row: ErrRecordNotFound
// for an unknown ID, nil when the record is already settled, and
// ErrLeaseLost when it is still PENDING under another claim or none.
func (s *PostgresStore) settleMiss(ctx context.Context, id string) error {
	var status string
	err := s.pool.QueryRow(ctx, `SELECT status FROM outbox_events WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrRecordNotFound
	}
	if err != nil {
		return &StoreUnavailableError{Op: "lookup", Err: err}
	}
	if Status(status) == StatusPending {
		return ErrLeaseLost
	}
	return nil
}

func scanRecords(rows pgx.Rows) ([]*Record, error) {
	var out []*Record
	for rows.Next() {
		var (
			rec     Record
			evt     events.Event
			payload []byte
			status  string
		)
		if err := rows.Scan(
			&evt.ID, &rec.Sequence, &evt.Type, &rec.Topic, &rec.PartitionKey, &payload, &evt.CreatedAt,
			&status, &rec.AttemptCount, &rec.LastAttemptAt, &rec.NextAttemptAt, &rec.LastError,
			&rec.PublishedAt, &rec.FailedAt, &rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(payload, &evt.Payload); err != nil {
			return nil, fmt.Errorf("decode payload of %s: %w", evt.ID, err)
		}
		if evt.Payload == nil {
			evt.Payload = map[string]any{}
		}
		evt.CreatedAt = evt.CreatedAt.UTC()
		rec.Event = &evt
		rec.Status = Status(status)
		out = append(out, &rec)
	}
	return out, rows.Err()
}

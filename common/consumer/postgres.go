package consumer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/telhawk-systems/taskhub/common/database"
)

// PostgresCursorStore keeps cursors in consumer_cursors.
type PostgresCursorStore struct {
	pool *pgxpool.Pool
}

// NewPostgresCursorStore creates a cursor store.
func NewPostgresCursorStore(pool *pgxpool.Pool) *PostgresCursorStore {
	return &PostgresCursorStore{pool: pool}
}

// Committed returns the committed offset, 0 if the group never committed.
func (s *PostgresCursorStore) Committed(ctx context.Context, group, topic string, partition int) (int64, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	var committed int64
	err := s.pool.QueryRow(ctx, `
		SELECT committed FROM consumer_cursors
		WHERE consumer_group = $1 AND topic = $2 AND partition = $3`,
		group, topic, partition).Scan(&committed)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load cursor %s/%s/%d: %w", group, topic, partition, err)
	}
	return committed, nil
}

// Advance upserts the cursor; GREATEST keeps it from moving backwards.
func (s *PostgresCursorStore) Advance(ctx context.Context, group, topic string, partition int, offset int64) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO consumer_cursors (consumer_group, topic, partition, committed, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (consumer_group, topic, partition) DO UPDATE
		SET committed = GREATEST(consumer_cursors.committed, EXCLUDED.committed),
		    updated_at = NOW()`,
		group, topic, partition, offset)
	if err != nil {
		return fmt.Errorf("advance cursor %s/%s/%d to %d: %w", group, topic, partition, offset, err)
	}
	return nil
}

// List returns the group's cursors ordered by topic and partition.
func (s *PostgresCursorStore) List(ctx context.Context, group string) ([]Cursor, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT consumer_group, topic, partition, committed, updated_at
		FROM consumer_cursors WHERE consumer_group = $1
		ORDER BY topic, partition`, group)
	if err != nil {
		return nil, fmt.Errorf("list cursors for %s: %w", group, err)
	}
	defer rows.Close()

	var out []Cursor
	for rows.Next() {
		var c Cursor
		if err := rows.Scan(&c.Group, &c.Topic, &c.Partition, &c.Committed, &c.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// PostgresProcessedSet is the database fallback for deduplication when
// Redis is not configured.
type PostgresProcessedSet struct {
	pool      *pgxpool.Pool
	retention time.Duration
}

// NewPostgresProcessedSet creates a processed set that forgets IDs after
// retention.
func NewPostgresProcessedSet(pool *pgxpool.Pool, retention time.Duration) *PostgresProcessedSet {
	return &PostgresProcessedSet{pool: pool, retention: retention}
}

// Contains reports whether eventID was processed by group within retention.
func (s *PostgresProcessedSet) Contains(ctx context.Context, group, eventID string) (bool, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	var found bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM processed_events
			WHERE consumer_group = $1 AND event_id = $2
			  AND processed_at > NOW() - make_interval(secs => $3)
		)`, group, eventID, s.retention.Seconds()).Scan(&found)
	if err != nil {
		return false, fmt.Errorf("check processed %s/%s: %w", group, eventID, err)
	}
	return found, nil
}

// Add records eventID as processed now.
func (s *PostgresProcessedSet) Add(ctx context.Context, group, eventID string) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO processed_events (consumer_group, event_id, processed_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (consumer_group, event_id) DO UPDATE SET processed_at = NOW()`,
		group, eventID)
	if err != nil {
		return fmt.Errorf("mark processed %s/%s: %w", group, eventID, err)
	}
	return nil
}

// Purge deletes entries older than retention.
func (s *PostgresProcessedSet) Purge(ctx context.Context) (int64, error) {
	ctx, cancel := database.PurgeContext(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `
		DELETE FROM processed_events
		WHERE processed_at <= NOW() - make_interval(secs => $1)`, s.retention.Seconds())
	if err != nil {
		return 0, fmt.Errorf("purge processed events: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PostgresDeadLetterStore keeps dead letters in dead_letters.
type PostgresDeadLetterStore struct {
	pool *pgxpool.Pool
}

// NewPostgresDeadLetterStore creates a dead-letter store.
func NewPostgresDeadLetterStore(pool *pgxpool.Pool) *PostgresDeadLetterStore {
	return &PostgresDeadLetterStore{pool: pool}
}

const deadLetterColumns = `id, consumer_group, topic, partition, "offset", message_key, raw,
	COALESCE(event_id, ''), COALESCE(event_type, ''), reason, last_error, deliveries,
	created_at, replayed_at`

// Save inserts dl. A second save of the same position keeps the first row
// and loads its ID and timestamp into dl.
func (s *PostgresDeadLetterStore) Save(ctx context.Context, dl *DeadLetter) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	if dl.ID == "" {
		dl.ID = uuid.NewString()
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO dead_letters (id, consumer_group, topic, partition, "offset", message_key, raw,
			event_id, event_type, reason, last_error, deliveries)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), NULLIF($9, ''), $10, $11, $12)
		ON CONFLICT (consumer_group, topic, partition, "offset") DO UPDATE
		SET last_error = dead_letters.last_error
		RETURNING id, created_at`,
		dl.ID, dl.Group, dl.Topic, dl.Partition, dl.Offset, dl.Key, dl.Raw,
		dl.EventID, dl.EventType, dl.Reason, dl.LastError, dl.Deliveries,
	).Scan(&dl.ID, &dl.CreatedAt)
	if err != nil {
		return fmt.Errorf("save dead letter %s/%s/%d@%d: %w", dl.Group, dl.Topic, dl.Partition, dl.Offset, err)
	}
	return nil
}

// Get returns one dead letter.
func (s *PostgresDeadLetterStore) Get(ctx context.Context, id string) (*DeadLetter, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrDeadLetterNotFound
	}
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `SELECT `+deadLetterColumns+` FROM dead_letters WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("get dead letter %s: %w", id, err)
	}
	defer rows.Close()
	dls, err := scanDeadLetters(rows)
	if err != nil {
		return nil, fmt.Errorf("get dead letter %s: %w", id, err)
	}
	if len(dls) == 0 {
		return nil, ErrDeadLetterNotFound
	}
	return dls[0], nil
}

// List pages through dead letters, newest first.
func (s *PostgresDeadLetterStore) List(ctx context.Context, limit, offset int) ([]*DeadLetter, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT `+deadLetterColumns+` FROM dead_letters
		ORDER BY created_at DESC, id
		LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()
	dls, err := scanDeadLetters(rows)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	return dls, nil
}

// ClaimReplay stamps replayed_at if it is still unset.
func (s *PostgresDeadLetterStore) ClaimReplay(ctx context.Context, id string) (*DeadLetter, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrDeadLetterNotFound
	}
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		UPDATE dead_letters SET replayed_at = NOW()
		WHERE id = $1 AND replayed_at IS NULL
		RETURNING `+deadLetterColumns, id)
	if err != nil {
		return nil, fmt.Errorf("claim dead letter %s replay: %w", id, err)
	}
	dls, err := scanDeadLetters(rows)
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("claim dead letter %s replay: %w", id, err)
	}
	if len(dls) == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrAlreadyReplayed
	}
	return dls[0], nil
}

// ReleaseReplay clears replayed_at.
func (s *PostgresDeadLetterStore) ReleaseReplay(ctx context.Context, id string) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `UPDATE dead_letters SET replayed_at = NULL WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("release dead letter %s replay: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDeadLetterNotFound
	}
	return nil
}

func scanDeadLetters(rows pgx.Rows) ([]*DeadLetter, error) {
	var out []*DeadLetter
	for rows.Next() {
		var dl DeadLetter
		if err := rows.Scan(&dl.ID, &dl.Group, &dl.Topic, &dl.Partition, &dl.Offset, &dl.Key, &dl.Raw,
			&dl.EventID, &dl.EventType, &dl.Reason, &dl.LastError, &dl.Deliveries,
			&dl.CreatedAt, &dl.ReplayedAt); err != nil {
			return nil, err
		}
		out = append(out, &dl)
	}
	return out, rows.Err()
}

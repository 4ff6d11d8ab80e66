package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/telhawk-systems/taskhub/common/database"
	"github.com/telhawk-systems/taskhub/common/events"
	"github.com/telhawk-systems/taskhub/common/outbox"
	"github.com/telhawk-systems/taskhub/task/internal/models"
)

const taskColumns = `id, title, description, user_id, created_at`

// PostgresRepository stores tasks in Postgres.
type PostgresRepository struct {
	pool   *pgxpool.Pool
	outbox outbox.Appender
}

// NewPostgresRepository creates a repository that appends events with ob.
func NewPostgresRepository(pool *pgxpool.Pool, ob outbox.Appender) *PostgresRepository {
	return &PostgresRepository{pool: pool, outbox: ob}
}

// Create inserts task and its task.created event. If either write fails
// neither is visible.
func (r *PostgresRepository) Create(ctx context.Context, task *models.Task) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	evt, err := events.New(events.TypeTaskCreated, task.EventPayload())
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}

	err = pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO tasks (id, title, description, user_id)
			VALUES ($1, $2, $3, $4)
			RETURNING created_at`,
			task.ID, task.Title, task.Description, task.UserID,
		).Scan(&task.CreatedAt)
		if err != nil {
			return err
		}
		_, err = r.outbox.Append(ctx, tx, evt, outbox.WithPartitionKey(task.ID))
		return err
	})
	if err != nil && !outbox.IsStoreUnavailable(err) {
		return fmt.Errorf("create task: %w", err)
	}
	return err
}

// Get returns one task.
func (r *PostgresRepository) Get(ctx context.Context, id string) (*models.Task, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrTaskNotFound
	}
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	rows, err := r.pool.Query(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	task, err := pgx.CollectExactlyOneRow(rows, scanTask)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

// List pages through tasks, newest first.
func (r *PostgresRepository) List(ctx context.Context, limit, offset int) ([]*models.Task, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	rows, err := r.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM tasks
		ORDER BY created_at DESC, id
		LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	tasks, err := pgx.CollectRows(rows, scanTask)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return tasks, nil
}

// ListByUser pages through one user's tasks, newest first.
func (r *PostgresRepository) ListByUser(ctx context.Context, userID string, limit, offset int) ([]*models.Task, error) {
	if _, err := uuid.Parse(userID); err != nil {
		return nil, nil
	}
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	rows, err := r.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE user_id = $1
		ORDER BY created_at DESC, id
		LIMIT $2 OFFSET $3`, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list tasks for user %s: %w", userID, err)
	}
	tasks, err := pgx.CollectRows(rows, scanTask)
	if err != nil {
		return nil, fmt.Errorf("list tasks for user %s: %w", userID, err)
	}
	return tasks, nil
}

func scanTask(row pgx.CollectableRow) (*models.Task, error) {
	var t models.Task
	err := row.Scan(&t.ID, &t.Title, &t.Description, &t.UserID, &t.CreatedAt)
	return &t, err
}

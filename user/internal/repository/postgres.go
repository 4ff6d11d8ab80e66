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
	"github.com/telhawk-systems/taskhub/user/internal/models"
)

// PostgresRepository stores users in Postgres.
type PostgresRepository struct {
	pool   *pgxpool.Pool
	outbox outbox.Appender
}

// NewPostgresRepository creates a repository that appends events with ob.
func NewPostgresRepository(pool *pgxpool.Pool, ob outbox.Appender) *PostgresRepository {
	return &PostgresRepository{pool: pool, outbox: ob}
}

// Create inserts user and its user.created event. If either write fails
// neither is visible.
func (r *PostgresRepository) Create(ctx context.Context, user *models.User) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	evt, err := events.New(events.TypeUserCreated, user.EventPayload())
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}

	err = pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO users (id, username, email, password_hash)
			VALUES ($1, $2, $3, $4)
			RETURNING created_at`,
			user.ID, user.Username, user.Email, user.PasswordHash,
		).Scan(&user.CreatedAt)
		if err != nil {
			return err
		}
		_, err = r.outbox.Append(ctx, tx, evt, outbox.WithPartitionKey(user.ID))
		return err
	})
	switch {
	case err == nil:
		return nil
	case database.IsUniqueViolation(err):
		return fmt.Errorf("%w: %s", ErrUserExists, conflictField(database.ConstraintName(err)))
	case outbox.IsStoreUnavailable(err):
		return err
	default:
		return fmt.Errorf("create user: %w", err)
	}
}

func conflictField(constraint string) string {
	switch constraint {
	case "users_username_key":
		return "username taken"
	case "users_email_key":
		return "email taken"
	default:
		return constraint
	}
}

// Get returns one user.
func (r *PostgresRepository) Get(ctx context.Context, id string) (*models.User, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrUserNotFound
	}
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	var u models.User
	err := r.pool.QueryRow(ctx, `
		SELECT id, username, email, password_hash, created_at
		FROM users WHERE id = $1`, id,
	).Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

// List pages through users, newest first.
func (r *PostgresRepository) List(ctx context.Context, limit, offset int) ([]*models.User, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	rows, err := r.pool.Query(ctx, `
		SELECT id, username, email, password_hash, created_at
		FROM users
		ORDER BY created_at DESC, id
		LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	users, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*models.User, error) {
		var u models.User
		err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.CreatedAt)
		return &u, err
	})
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return users, nil
}

// Package repository persists users and appends their events to the outbox
// in the same transaction.
package repository

import (
	"context"
	"errors"

	"github.com/telhawk-systems/taskhub/user/internal/models"
)

var (
	ErrUserNotFound = errors.New("user not found")
	ErrUserExists   = errors.New("user already exists")
)

// Repository stores users.
type Repository interface {
	// Create inserts user and appends its user.created event atomically.
	Create(ctx context.Context, user *models.User) error
	Get(ctx context.Context, id string) (*models.User, error)
	List(ctx context.Context, limit, offset int) ([]*models.User, error)
}

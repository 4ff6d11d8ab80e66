// Package repository persists tasks and appends their events to the outbox
// in the same transaction.
package repository

import (
	"context"
	"errors"

	"github.com/telhawk-systems/taskhub/task/internal/models"
)

var ErrTaskNotFound = errors.New("task not found")

// Repository stores tasks.
type Repository interface {
	// Create inserts task and appends its task.created event atomically.
	Create(ctx context.Context, task *models.Task) error
	Get(ctx context.Context, id string) (*models.Task, error)
	List(ctx context.Context, limit, offset int) ([]*models.Task, error)
	ListByUser(ctx context.Context, userID string, limit, offset int) ([]*models.Task, error)
}

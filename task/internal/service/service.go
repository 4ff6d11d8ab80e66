// Package service implements task creation and lookup.
package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/telhawk-systems/taskhub/common/events"
	"github.com/telhawk-systems/taskhub/common/logging"
	"github.com/telhawk-systems/taskhub/task/internal/models"
	"github.com/telhawk-systems/taskhub/task/internal/repository"
)

// Waker is told when new outbox records were committed.
type Waker interface {
	Notify()
}

// Service provides business logic for the task service
type Service struct {
	repo   repository.Repository
	waker  Waker
	logger *slog.Logger
}

// NewService creates a new Service instance. waker may be nil.
func NewService(repo repository.Repository, waker Waker, logger *slog.Logger) *Service {
	return &Service{repo: repo, waker: waker, logger: logger}
}

// CreateTask stores a task and emits task.created.
func (s *Service) CreateTask(ctx context.Context, req *models.CreateTaskRequest) (*models.Task, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate task id: %w", err)
	}
	task := &models.Task{
		ID:          id.String(),
		Title:       req.Title,
		Description: req.Description,
		UserID:      req.UserID,
	}
	if err := s.repo.Create(ctx, task); err != nil {
		return nil, err
	}

	if s.waker != nil {
		s.waker.Notify()
	}
	s.logger.InfoContext(ctx, "task created",
		slog.String("task_id", task.ID),
		slog.String("user_id", task.UserID),
		logging.EventType(events.TypeTaskCreated))
	return task, nil
}

// GetTask returns one task.
func (s *Service) GetTask(ctx context.Context, id string) (*models.Task, error) {
	return s.repo.Get(ctx, id)
}

// ListTasks pages through tasks.
func (s *Service) ListTasks(ctx context.Context, limit, offset int) ([]*models.Task, error) {
	return s.repo.List(ctx, limit, offset)
}

// ListUserTasks pages through one user's tasks.
func (s *Service) ListUserTasks(ctx context.Context, userID string, limit, offset int) ([]*models.Task, error) {
	return s.repo.ListByUser(ctx, userID, limit, offset)
}

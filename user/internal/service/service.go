// Package service implements user registration.
package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/telhawk-systems/taskhub/common/events"
	"github.com/telhawk-systems/taskhub/common/logging"
	"github.com/telhawk-systems/taskhub/user/internal/models"
	"github.com/telhawk-systems/taskhub/user/internal/repository"
)

// Waker is told when new outbox records were committed.
type Waker interface {
	Notify()
}

// Service provides business logic for the user service
type Service struct {
	repo       repository.Repository
	waker      Waker
	logger     *slog.Logger
	bcryptCost int
}

// NewService creates a new Service instance. waker may be nil.
func NewService(repo repository.Repository, waker Waker, logger *slog.Logger) *Service {
	return &Service{repo: repo, waker: waker, logger: logger, bcryptCost: bcrypt.DefaultCost}
}

// WithBcryptCost overrides the password hashing cost.
func (s *Service) WithBcryptCost(cost int) *Service {
	s.bcryptCost = cost
	return s
}

// CreateUser registers a user and emits user.created.
func (s *Service) CreateUser(ctx context.Context, req *models.CreateUserRequest) (*models.User, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate user id: %w", err)
	}
	user := &models.User{
		ID:           id.String(),
		Username:     req.Username,
		Email:        req.Email,
		PasswordHash: string(hash),
	}
	if err := s.repo.Create(ctx, user); err != nil {
		return nil, err
	}

	if s.waker != nil {
		s.waker.Notify()
	}
	s.logger.InfoContext(ctx, "user created",
		slog.String("user_id", user.ID),
		slog.String("username", user.Username),
		logging.EventType(events.TypeUserCreated))
	return user, nil
}

// GetUser returns one user.
func (s *Service) GetUser(ctx context.Context, id string) (*models.User, error) {
	return s.repo.Get(ctx, id)
}

// ListUsers pages through users.
func (s *Service) ListUsers(ctx context.Context, limit, offset int) ([]*models.User, error) {
	return s.repo.List(ctx, limit, offset)
}

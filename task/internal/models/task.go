// Package models defines the task service's data types.
package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// MaxTitleLength bounds task titles, in characters.
const MaxTitleLength = 200

// ErrValidation marks a request that failed validation.
var ErrValidation = errors.New("validation failed")

// Task is a unit of work assigned to a user.
type Task struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	UserID      string    `json:"user_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// EventPayload is the task.created payload.
func (t *Task) EventPayload() map[string]any {
	return map[string]any{
		"id":          t.ID,
		"title":       t.Title,
		"description": t.Description,
		"user_id":     t.UserID,
	}
}

// CreateTaskRequest is the body of POST /api/v1/tasks.
type CreateTaskRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	UserID      string `json:"user_id"`
}

// Validate trims the request and checks its fields.
func (r *CreateTaskRequest) Validate() error {
	r.Title = strings.TrimSpace(r.Title)
	r.UserID = strings.TrimSpace(r.UserID)

	if r.Title == "" {
		return fmt.Errorf("%w: title is required", ErrValidation)
	}
	if utf8.RuneCountInString(r.Title) > MaxTitleLength {
		return fmt.Errorf("%w: title must be at most %d characters", ErrValidation, MaxTitleLength)
	}
	if r.UserID == "" {
		return fmt.Errorf("%w: user_id is required", ErrValidation)
	}
	if _, err := uuid.Parse(r.UserID); err != nil {
		return fmt.Errorf("%w: user_id must be a UUID", ErrValidation)
	}
	return nil
}

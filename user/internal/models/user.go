// Package models defines the user service's data types.
package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// ErrValidation marks a request that failed validation.
var ErrValidation = errors.New("validation failed")

// User is a registered user. The password hash never leaves the service.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// EventPayload is the user.created payload.
func (u *User) EventPayload() map[string]any {
	return map[string]any{
		"id":       u.ID,
		"username": u.Username,
		"email":    u.Email,
	}
}

// CreateUserRequest is the body of POST /api/v1/users.
type CreateUserRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Normalize trims whitespace and lowercases the email.
func (r *CreateUserRequest) Normalize() {
	r.Username = strings.TrimSpace(r.Username)
	r.Email = strings.ToLower(strings.TrimSpace(r.Email))
}

// Validate checks the request fields.
func (r *CreateUserRequest) Validate() error {
	if n := utf8.RuneCountInString(r.Username); n < 3 || n > 64 {
		return fmt.Errorf("%w: username must be 3 to 64 characters", ErrValidation)
	}
	at := strings.Index(r.Email, "@")
	if at < 1 || at == len(r.Email)-1 || len(r.Email) > 255 {
		return fmt.Errorf("%w: email is invalid", ErrValidation)
	}
	if len(r.Password) < 8 {
		return fmt.Errorf("%w: password must be at least 8 characters", ErrValidation)
	}
	if len(r.Password) > 72 {
		return fmt.Errorf("%w: password must be at most 72 bytes", ErrValidation)
	}
	return nil
}

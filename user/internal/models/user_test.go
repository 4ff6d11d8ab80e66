package models

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCreateUserRequest_Validate(t *testing.T) {
	tests := []struct {
		name    string
		req     CreateUserRequest
		wantErr string
	}{
		{"valid", CreateUserRequest{Username: "ada", Email: "ada@example.com", Password: "correct horse"}, ""},
		{"short username", CreateUserRequest{Username: "ad", Email: "ada@example.com", Password: "password1"}, "username"},
		{"long username", CreateUserRequest{Username: strings.Repeat("a", 65), Email: "ada@example.com", Password: "password1"}, "username"},
		{"email without at", CreateUserRequest{Username: "ada", Email: "ada.example.com", Password: "password1"}, "email"},
		{"email ending in at", CreateUserRequest{Username: "ada", Email: "ada@", Password: "password1"}, "email"},
		{"short password", CreateUserRequest{Username: "ada", Email: "ada@example.com", Password: "short"}, "password"},
		{"long password", CreateUserRequest{Username: "ada", Email: "ada@example.com", Password: strings.Repeat("p", 73)}, "password"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrValidation)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestCreateUserRequest_Normalize(t *testing.T) {
	req := CreateUserRequest{Username: "  ada ", Email: " Ada@Example.COM "}
	req.Normalize()
	assert.Equal(t, "ada", req.Username)
	assert.Equal(t, "ada@example.com", req.Email)
}

func TestUser_EventPayloadOmitsPassword(t *testing.T) {
	u := &User{ID: "u1", Username: "ada", Email: "ada@example.com", PasswordHash: "secret"}
	assert.Equal(t, map[string]any{"id": "u1", "username": "ada", "email": "ada@example.com"}, u.EventPayload())
}

// Package handlers provides HTTP request handlers for the user service.
package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/telhawk-systems/taskhub/common/httputil"
	"github.com/telhawk-systems/taskhub/common/logging"
	"github.com/telhawk-systems/taskhub/common/outbox"
	"github.com/telhawk-systems/taskhub/user/internal/models"
	"github.com/telhawk-systems/taskhub/user/internal/repository"
	"github.com/telhawk-systems/taskhub/user/internal/service"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

// Handler provides HTTP handlers for the user service
type Handler struct {
	svc    *service.Service
	logger *slog.Logger
}

// NewHandler creates a new Handler instance
func NewHandler(svc *service.Service, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// Register adds the user routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/users", h.CreateUser)
	mux.HandleFunc("GET /api/v1/users", h.ListUsers)
	mux.HandleFunc("GET /api/v1/users/{id}", h.GetUser)
}

// CreateUser handles POST /api/v1/users
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req models.CreateUserRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	user, err := h.svc.CreateUser(r.Context(), &req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, user)
}

// GetUser handles GET /api/v1/users/{id}
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	user, err := h.svc.GetUser(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, user)
}

// ListUsers handles GET /api/v1/users
func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	page := httputil.ParsePagination(r, defaultLimit, maxLimit)
	users, err := h.svc.ListUsers(r.Context(), page.Limit, page.Offset)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if users == nil {
		users = []*models.User{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"items":  users,
		"count":  len(users),
		"limit":  page.Limit,
		"offset": page.Offset,
	})
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, models.ErrValidation):
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, repository.ErrUserExists):
		httputil.WriteError(w, http.StatusConflict, err.Error())
	case errors.Is(err, repository.ErrUserNotFound):
		httputil.WriteError(w, http.StatusNotFound, "user not found")
	case outbox.IsStoreUnavailable(err):
		h.logger.WarnContext(r.Context(), "outbox unavailable, user not created", logging.Error(err))
		httputil.WriteError(w, http.StatusServiceUnavailable, "event store unavailable, try again")
	default:
		h.logger.ErrorContext(r.Context(), "request failed", logging.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "internal server error")
	}
}

// Package handlers provides HTTP request handlers for the task service.
package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/telhawk-systems/taskhub/common/httputil"
	"github.com/telhawk-systems/taskhub/common/logging"
	"github.com/telhawk-systems/taskhub/common/outbox"
	"github.com/telhawk-systems/taskhub/task/internal/models"
	"github.com/telhawk-systems/taskhub/task/internal/repository"
	"github.com/telhawk-systems/taskhub/task/internal/service"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

// Handler provides HTTP handlers for the task service
type Handler struct {
	svc    *service.Service
	logger *slog.Logger
}

// NewHandler creates a new Handler instance
func NewHandler(svc *service.Service, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// TaskList is the body of the list endpoints.
type TaskList struct {
	Items  []*models.Task `json:"items"`
	Count  int            `json:"count"`
	Limit  int            `json:"limit"`
	Offset int            `json:"offset"`
}

// Register adds the task routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/tasks", h.CreateTask)
	mux.HandleFunc("GET /api/v1/tasks", h.ListTasks)
	mux.HandleFunc("GET /api/v1/tasks/{id}", h.GetTask)
	mux.HandleFunc("GET /api/v1/users/{user_id}/tasks", h.ListUserTasks)
}

// CreateTask handles POST /api/v1/tasks
func (h *Handler) CreateTask(w http.ResponseWriter, r *http.Request) {
	var req models.CreateTaskRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	task, err := h.svc.CreateTask(r.Context(), &req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, task)
}

// GetTask handles GET /api/v1/tasks/{id}
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.svc.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, task)
}

// ListTasks handles GET /api/v1/tasks
func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	page := httputil.ParsePagination(r, defaultLimit, maxLimit)
	tasks, err := h.svc.ListTasks(r.Context(), page.Limit, page.Offset)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeList(w, tasks, page)
}

// ListUserTasks handles GET /api/v1/users/{user_id}/tasks
func (h *Handler) ListUserTasks(w http.ResponseWriter, r *http.Request) {
	page := httputil.ParsePagination(r, defaultLimit, maxLimit)
	tasks, err := h.svc.ListUserTasks(r.Context(), r.PathValue("user_id"), page.Limit, page.Offset)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeList(w, tasks, page)
}

func writeList(w http.ResponseWriter, tasks []*models.Task, page httputil.Pagination) {
	if tasks == nil {
		tasks = []*models.Task{}
	}
	httputil.WriteJSON(w, http.StatusOK, TaskList{
		Items: tasks, Count: len(tasks), Limit: page.Limit, Offset: page.Offset,
	})
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, models.ErrValidation):
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, repository.ErrTaskNotFound):
		httputil.WriteError(w, http.StatusNotFound, "task not found")
	case outbox.IsStoreUnavailable(err):
		h.logger.WarnContext(r.Context(), "outbox unavailable, task not created", logging.Error(err))
		httputil.WriteError(w, http.StatusServiceUnavailable, "event store unavailable, try again")
	default:
		h.logger.ErrorContext(r.Context(), "request failed", logging.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "internal server error")
	}
}

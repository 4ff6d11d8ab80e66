package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/taskhub/common/logging"
	"github.com/telhawk-systems/taskhub/common/middleware"
	"github.com/telhawk-systems/taskhub/common/operator"
	"github.com/telhawk-systems/taskhub/common/outbox/outboxtest"
	"github.com/telhawk-systems/taskhub/user/internal/handlers"
	"github.com/telhawk-systems/taskhub/user/internal/models"
	"github.com/telhawk-systems/taskhub/user/internal/repository"
	"github.com/telhawk-systems/taskhub/user/internal/service"
)

type emptyRepo struct{}

func (emptyRepo) Create(context.Context, *models.User) error { return nil }

func (emptyRepo) Get(context.Context, string) (*models.User, error) {
	return nil, repository.ErrUserNotFound
}

func (emptyRepo) List(context.Context, int, int) ([]*models.User, error) { return nil, nil }

type noopWaker struct{}

func (noopWaker) Notify() {}

func TestRouter(t *testing.T) {
	reg := prometheus.NewRegistry()
	svc := service.NewService(emptyRepo{}, noopWaker{}, logging.Discard())
	router := NewRouter(
		handlers.NewHandler(svc, logging.Discard()),
		operator.NewOutboxHandler(outboxtest.NewStore(nil), noopWaker{}, logging.Discard()),
		reg,
		middleware.NewHTTPMetrics(reg),
		logging.Discard(),
	)

	tests := []struct {
		method string
		path   string
		status int
	}{
		{http.MethodGet, "/api/v1/users", http.StatusOK},
		{http.MethodGet, "/api/v1/users/0190a1b2-0000-7000-8000-000000000000", http.StatusNotFound},
		{http.MethodGet, "/api/v1/outbox/failed", http.StatusOK},
		{http.MethodGet, "/api/v1/outbox/missing", http.StatusNotFound},
		{http.MethodGet, "/nope", http.StatusNotFound},
	}
	for _, tt := range tests {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(tt.method, tt.path, nil))
		assert.Equal(t, tt.status, w.Code, tt.path)
		assert.NotEmpty(t, w.Header().Get(middleware.RequestIDHeader), tt.path)
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, `route="GET /api/v1/users/{id}"`)
	assert.Contains(t, body, `route="unmatched"`)
}

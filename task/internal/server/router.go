// Package server provides HTTP server setup for the task service.
package server

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/telhawk-systems/taskhub/common/middleware"
	"github.com/telhawk-systems/taskhub/common/operator"
	"github.com/telhawk-systems/taskhub/task/internal/handlers"
)

// NewRouter constructs a ServeMux with the task API, the outbox operator
// routes and /metrics registered.
func NewRouter(h *handlers.Handler, ops *operator.OutboxHandler, gatherer prometheus.Gatherer, metrics *middleware.HTTPMetrics, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	h.Register(mux)
	ops.Register(mux)
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return middleware.Chain(mux,
		middleware.RequestID,
		middleware.AccessLog(logger),
		middleware.Metrics(metrics),
		middleware.Recover(logger),
	)
}

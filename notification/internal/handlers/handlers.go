// Package handlers provides HTTP request handlers for the notification service.
package handlers

import (
	"net/http"

	"github.com/telhawk-systems/taskhub/common/httputil"
	"github.com/telhawk-systems/taskhub/notification/internal/stats"
)

// Handler provides HTTP handlers for the notification service
type Handler struct {
	stats *stats.Stats
}

// NewHandler creates a new Handler instance
func NewHandler(st *stats.Stats) *Handler {
	return &Handler{stats: st}
}

// Register adds the routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/stats", h.Stats)
}

// Stats handles GET /api/v1/stats
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, h.stats.Snapshot())
}

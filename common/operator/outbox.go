package operator

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/telhawk-systems/taskhub/common/httputil"
	"github.com/telhawk-systems/taskhub/common/logging"
	"github.com/telhawk-systems/taskhub/common/outbox"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

// Waker is notified after a record is requeued so it is published without
// waiting for the next poll.
type Waker interface {
	Notify()
}

// OutboxHandler serves the outbox operator routes.
type OutboxHandler struct {
	admin  outbox.Admin
	waker  Waker
	logger *slog.Logger
}

// NewOutboxHandler creates the handler. waker may be nil.
func NewOutboxHandler(admin outbox.Admin, waker Waker, logger *slog.Logger) *OutboxHandler {
	return &OutboxHandler{
		admin:  admin,
		waker:  waker,
		logger: logger.With(slog.String(logging.FieldComponent, "outbox_operator")),
	}
}

// Register adds the routes to mux.
func (h *OutboxHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/outbox/failed", h.ListFailed)
	mux.HandleFunc("GET /api/v1/outbox/{id}", h.Get)
	mux.HandleFunc("POST /api/v1/outbox/{id}/replay", h.Replay)
}

// ListFailed handles GET /api/v1/outbox/failed
func (h *OutboxHandler) ListFailed(w http.ResponseWriter, r *http.Request) {
	page := httputil.ParsePagination(r, defaultLimit, maxLimit)
	recs, err := h.admin.ListFailed(r.Context(), page.Limit, page.Offset)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	items := make([]OutboxRecord, 0, len(recs))
	for _, rec := range recs {
		items = append(items, NewOutboxRecord(rec))
	}
	httputil.WriteJSON(w, http.StatusOK, List[OutboxRecord]{
		Items: items, Count: len(items), Limit: page.Limit, Offset: page.Offset,
	})
}

// Get handles GET /api/v1/outbox/{id}
func (h *OutboxHandler) Get(w http.ResponseWriter, r *http.Request) {
	rec, err := h.admin.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, NewOutboxRecord(rec))
}

// Replay handles POST /api/v1/outbox/{id}/replay. Only FAILED records can be
// replayed; they go back to PENDING with their attempts reset.
func (h *OutboxHandler) Replay(w http.ResponseWriter, r *http.Request) {
	rec, err := h.admin.Requeue(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.logger.InfoContext(r.Context(), "outbox record requeued",
		slog.String(logging.FieldOutboxID, rec.ID()),
		logging.EventType(rec.Event.Type))
	if h.waker != nil {
		h.waker.Notify()
	}
	httputil.WriteJSON(w, http.StatusOK, NewOutboxRecord(rec))
}

func (h *OutboxHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, outbox.ErrRecordNotFound):
		httputil.WriteError(w, http.StatusNotFound, "outbox record not found")
	case errors.Is(err, outbox.ErrNotFailed):
		httputil.WriteError(w, http.StatusConflict, "outbox record is not failed")
	case outbox.IsStoreUnavailable(err):
		h.logger.WarnContext(r.Context(), "outbox store unavailable", logging.Error(err))
		httputil.WriteError(w, http.StatusServiceUnavailable, "outbox store unavailable")
	default:
		h.logger.ErrorContext(r.Context(), "outbox operator request failed", logging.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "internal server error")
	}
}

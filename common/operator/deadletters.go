package operator

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/telhawk-systems/taskhub/common/consumer"
	"github.com/telhawk-systems/taskhub/common/httputil"
	"github.com/telhawk-systems/taskhub/common/logging"
	"github.com/telhawk-systems/taskhub/common/messaging"
)

// DeadLetterHandler serves the dead-letter operator routes.
type DeadLetterHandler struct {
	store    consumer.DeadLetterStore
	producer messaging.Producer
	logger   *slog.Logger
}

// NewDeadLetterHandler creates the handler. Replays are published with
// producer.
func NewDeadLetterHandler(store consumer.DeadLetterStore, producer messaging.Producer, logger *slog.Logger) *DeadLetterHandler {
	return &DeadLetterHandler{
		store:    store,
		producer: producer,
		logger:   logger.With(slog.String(logging.FieldComponent, "deadletter_operator")),
	}
}

// Register adds the routes to mux.
func (h *DeadLetterHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/deadletters", h.List)
	mux.HandleFunc("GET /api/v1/deadletters/{id}", h.Get)
	mux.HandleFunc("POST /api/v1/deadletters/{id}/replay", h.Replay)
}

// List handles GET /api/v1/deadletters
func (h *DeadLetterHandler) List(w http.ResponseWriter, r *http.Request) {
	page := httputil.ParsePagination(r, defaultLimit, maxLimit)
	dls, err := h.store.List(r.Context(), page.Limit, page.Offset)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	items := make([]DeadLetter, 0, len(dls))
	for _, dl := range dls {
		items = append(items, NewDeadLetter(dl))
	}
	httputil.WriteJSON(w, http.StatusOK, List[DeadLetter]{
		Items: items, Count: len(items), Limit: page.Limit, Offset: page.Offset,
	})
}

// Get handles GET /api/v1/deadletters/{id}
func (h *DeadLetterHandler) Get(w http.ResponseWriter, r *http.Request) {
	dl, err := h.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, NewDeadLetter(dl))
}

// Replay handles POST /api/v1/deadletters/{id}/replay. The original bytes are
// published again to the original topic and key; the consumer sees them as a
// new message. The dead letter is claimed before publishing so concurrent
// replays publish it once.
func (h *DeadLetterHandler) Replay(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	dl, err := h.store.ClaimReplay(ctx, r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	key := dl.Key
	if key == "" {
		key = dl.EventID
	}
	ack, err := h.producer.Publish(ctx, dl.Topic, key, dl.Raw)
	if err != nil {
		if rerr := h.store.ReleaseReplay(context.WithoutCancel(ctx), dl.ID); rerr != nil {
			h.logger.ErrorContext(ctx, "dead letter replay failed and stays claimed",
				slog.String("dead_letter_id", dl.ID), logging.Error(rerr))
		}
		h.writeError(w, r, err)
		return
	}

	h.logger.InfoContext(ctx, "dead letter replayed",
		slog.String("dead_letter_id", dl.ID),
		logging.Topic(ack.Topic), logging.Partition(ack.Partition), logging.Offset(ack.Offset))
	httputil.WriteJSON(w, http.StatusOK, Replay{
		ID: dl.ID, Topic: ack.Topic, Partition: ack.Partition, Offset: ack.Offset,
	})
}

func (h *DeadLetterHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, consumer.ErrDeadLetterNotFound):
		httputil.WriteError(w, http.StatusNotFound, "dead letter not found")
	case errors.Is(err, consumer.ErrAlreadyReplayed):
		httputil.WriteError(w, http.StatusConflict, err.Error())
	case messaging.IsTransient(err):
		h.logger.WarnContext(r.Context(), "broker unavailable", logging.Error(err))
		httputil.WriteError(w, http.StatusServiceUnavailable, "broker unavailable")
	default:
		h.logger.ErrorContext(r.Context(), "dead letter request failed", logging.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "internal server error")
	}
}

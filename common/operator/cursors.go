package operator

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/telhawk-systems/taskhub/common/consumer"
	"github.com/telhawk-systems/taskhub/common/httputil"
	"github.com/telhawk-systems/taskhub/common/logging"
)

// CursorLister lists the committed positions of a consumer group.
type CursorLister interface {
	List(ctx context.Context, group string) ([]consumer.Cursor, error)
}

// CursorHandler serves the consumer cursor route.
type CursorHandler struct {
	lister CursorLister
	group  string
	logger *slog.Logger
}

// NewCursorHandler creates the handler. group is listed when the request
// names none.
func NewCursorHandler(lister CursorLister, group string, logger *slog.Logger) *CursorHandler {
	return &CursorHandler{
		lister: lister,
		group:  group,
		logger: logger.With(slog.String(logging.FieldComponent, "cursor_operator")),
	}
}

// Register adds the route to mux.
func (h *CursorHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/cursors", h.List)
}

// List handles GET /api/v1/cursors?group=
func (h *CursorHandler) List(w http.ResponseWriter, r *http.Request) {
	group := r.URL.Query().Get("group")
	if group == "" {
		group = h.group
	}
	cursors, err := h.lister.List(r.Context(), group)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list cursors failed", slog.String("group", group), logging.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if cursors == nil {
		cursors = []consumer.Cursor{}
	}
	httputil.WriteJSON(w, http.StatusOK, Cursors{Group: group, Items: cursors, Count: len(cursors)})
}

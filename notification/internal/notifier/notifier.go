// Package notifier holds the notification service's event handlers.
package notifier

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/telhawk-systems/taskhub/common/consumer"
	"github.com/telhawk-systems/taskhub/common/events"
	"github.com/telhawk-systems/taskhub/common/logging"
	"github.com/telhawk-systems/taskhub/notification/internal/stats"
)

// Notifier reacts to user and task events.
type Notifier struct {
	stats  *stats.Stats
	logger *slog.Logger
}

// New creates a notifier that counts into st.
func New(st *stats.Stats, logger *slog.Logger) *Notifier {
	return &Notifier{stats: st, logger: logger}
}

// Register binds the notifier's handlers in r.
func (n *Notifier) Register(r *consumer.Registry) error {
	if err := r.Register(events.TypeUserCreated, consumer.HandlerFunc(n.UserCreated)); err != nil {
		return err
	}
	return r.Register(events.TypeTaskCreated, consumer.HandlerFunc(n.TaskCreated))
}

// UserCreated announces a new user.
func (n *Notifier) UserCreated(ctx context.Context, evt *events.Event) error {
	fields, err := requireFields(evt, "id", "username", "email")
	if err != nil {
		return err
	}
	n.logger.InfoContext(ctx, "new user registered",
		logging.EventID(evt.ID),
		slog.String("user_id", fields["id"]),
		slog.String("username", fields["username"]),
		slog.String("email", fields["email"]))
	n.stats.Record(evt.Type)
	return nil
}

// TaskCreated announces a new task to its owner.
func (n *Notifier) TaskCreated(ctx context.Context, evt *events.Event) error {
	fields, err := requireFields(evt, "id", "title", "user_id")
	if err != nil {
		return err
	}
	n.logger.InfoContext(ctx, "new task created",
		logging.EventID(evt.ID),
		slog.String("task_id", fields["id"]),
		slog.String("title", fields["title"]),
		slog.String("user_id", fields["user_id"]))
	n.stats.Record(evt.Type)
	return nil
}

// requireFields returns the named string fields of the payload. A missing or
// empty field can never succeed on retry, so it is a permanent failure.
func requireFields(evt *events.Event, names ...string) (map[string]string, error) {
	out := make(map[string]string, len(names))
	for _, name := range names {
		v := evt.String(name)
		if v == "" {
			return nil, consumer.Permanent(fmt.Errorf("%s payload missing %q", evt.Type, name))
		}
		out[name] = v
	}
	return out, nil
}

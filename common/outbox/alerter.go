package outbox

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Alerter is told once per record that exhausts its publish attempts.
type Alerter interface {
	OutboxRecordFailed(ctx context.Context, rec *Record, reason string)
}

// LogAlerter raises alerts as ERROR log entries and a counter that alert
// rules can watch.
type LogAlerter struct {
	logger *slog.Logger
	alerts prometheus.Counter
}

// NewLogAlerter creates an alerter logging to logger and counting on reg.
func NewLogAlerter(logger *slog.Logger, reg prometheus.Registerer) *LogAlerter {
	return &LogAlerter{
		logger: logger,
		alerts: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "taskhub_outbox_alerts_total",
			Help: "Alerts raised for outbox records that exhausted publish attempts",
		}),
	}
}

// OutboxRecordFailed logs the failed record with enough context to replay it.
func (a *LogAlerter) OutboxRecordFailed(ctx context.Context, rec *Record, reason string) {
	a.alerts.Inc()
	a.logger.ErrorContext(ctx, "outbox record failed permanently",
		slog.String("outbox_id", rec.ID()),
		slog.String("event_type", rec.Event.Type),
		slog.String("topic", rec.Topic),
		slog.String("partition_key", rec.PartitionKey),
		slog.Int("attempt", rec.AttemptCount),
		slog.String("reason", reason),
	)
}

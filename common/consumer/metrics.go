package consumer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Delivery outcomes counted by the dispatcher.
const (
	outcomeHandled     = "handled"
	outcomeDuplicate   = "duplicate"
	outcomeCommitted   = "already_committed"
	outcomeUnknownType = "unknown_type"
	outcomeRetry       = "retry"
	outcomeDeadLetter  = "dead_letter"
)

// Metrics are the dispatcher's Prometheus collectors.
type Metrics struct {
	Deliveries      *prometheus.CounterVec
	DeadLetters     *prometheus.CounterVec
	HandlerDuration *prometheus.HistogramVec
	PollErrors      *prometheus.CounterVec
	StoreErrors     *prometheus.CounterVec
	Committed       *prometheus.GaugeVec
	State           *prometheus.GaugeVec
}

// NewMetrics registers dispatcher collectors with reg. A nil reg creates
// unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "taskhub_consumer_deliveries_total",
			Help: "Deliveries settled by the dispatcher, by outcome",
		}, []string{"group", "topic", "outcome"}),
		DeadLetters: f.NewCounterVec(prometheus.CounterOpts{
			Name: "taskhub_consumer_dead_letters_total",
			Help: "Deliveries moved to the dead-letter store",
		}, []string{"group", "topic", "reason"}),
		HandlerDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "taskhub_consumer_handler_duration_seconds",
			Help:    "Time spent in event handlers",
			Buckets: prometheus.DefBuckets,
		}, []string{"group", "event_type"}),
		PollErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "taskhub_consumer_poll_errors_total",
			Help: "Failed broker polls",
		}, []string{"group", "topic"}),
		StoreErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "taskhub_consumer_store_errors_total",
			Help: "Cursor, dedup or dead-letter store failures",
		}, []string{"group", "op"}),
		Committed: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "taskhub_consumer_committed_offset",
			Help: "Last committed offset per group partition",
		}, []string{"group", "topic", "partition"}),
		State: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "taskhub_consumer_state",
			Help: "Dispatcher state machine position; 1 marks the current state",
		}, []string{"group", "topic", "partition", "state"}),
	}
}

package outbox

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the publisher's Prometheus collectors.
type Metrics struct {
	Published      *prometheus.CounterVec
	Retried        *prometheus.CounterVec
	Failed         *prometheus.CounterVec
	Duplicates     *prometheus.CounterVec
	LeaseExpired   *prometheus.CounterVec
	Purged         prometheus.Counter
	BatchSize      prometheus.Histogram
	PublishLatency prometheus.Histogram
	StoreErrors    *prometheus.CounterVec
}

// NewMetrics registers the publisher collectors with reg. A nil reg creates
// unregistered collectors, which tests use.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Published: f.NewCounterVec(prometheus.CounterOpts{
			Name: "taskhub_outbox_published_total",
			Help: "Outbox records acknowledged by the broker",
		}, []string{"topic"}),
		Retried: f.NewCounterVec(prometheus.CounterOpts{
			Name: "taskhub_outbox_retries_total",
			Help: "Failed publish attempts that were rescheduled",
		}, []string{"topic"}),
		Failed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "taskhub_outbox_failed_total",
			Help: "Outbox records moved to FAILED",
		}, []string{"topic"}),
		Duplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "taskhub_outbox_broker_duplicates_total",
			Help: "Publishes the broker recognised as duplicates",
		}, []string{"topic"}),
		LeaseExpired: f.NewCounterVec(prometheus.CounterOpts{
			Name: "taskhub_outbox_lease_expired_total",
			Help: "Claimed records left to the next claim because their lease ran out",
		}, []string{"topic"}),
		Purged: f.NewCounter(prometheus.CounterOpts{
			Name: "taskhub_outbox_purged_total",
			Help: "Published records removed by retention cleanup",
		}),
		BatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "taskhub_outbox_batch_size",
			Help:    "Records claimed per publisher cycle",
			Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250, 500},
		}),
		PublishLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "taskhub_outbox_publish_duration_seconds",
			Help:    "Broker publish round-trip time",
			Buckets: prometheus.DefBuckets,
		}),
		StoreErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "taskhub_outbox_store_errors_total",
			Help: "Outbox store operations that failed",
		}, []string{"op"}),
	}
}

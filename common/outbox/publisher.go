package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/telhawk-systems/taskhub/common/events"
	"github.com/telhawk-systems/taskhub/common/messaging"
)

// Config tunes the Publisher.
type Config struct {
	PollInterval       time.Duration
	BatchSize          int
	MaxAttempts        int
	BaseBackoff        time.Duration
	MaxBackoff         time.Duration
	PublishTimeout     time.Duration
	ShutdownTimeout    time.Duration
	PublishedRetention time.Duration
	CleanupInterval    time.Duration
}

// DefaultConfig returns the publisher settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		PollInterval:       time.Second,
		BatchSize:          20,
		MaxAttempts:        8,
		BaseBackoff:        500 * time.Millisecond,
		MaxBackoff:         5 * time.Minute,
		PublishTimeout:     5 * time.Second,
		ShutdownTimeout:    10 * time.Second,
		PublishedRetention: 7 * 24 * time.Hour,
		CleanupInterval:    time.Hour,
	}
}

// BatchResult summarises one publisher cycle.
type BatchResult struct {
	Claimed   int
	Published int
	Retried   int
	Failed    int
	Errors    int
	// Expired counts claimed records skipped or not settled because the
	// lease ran out; whoever claims them next publishes them.
	Expired int
}

// Publisher drains the outbox to the broker.
type Publisher struct {
	store    Store
	producer messaging.Producer
	cfg      Config
	logger   *slog.Logger
	alerter  Alerter
	metrics  *Metrics
	backoff  Backoff
	now      func() time.Time

	wake chan struct{}
}

// PublisherOption customises a Publisher.
type PublisherOption func(*Publisher)

// WithAlerter replaces the default log alerter.
func WithAlerter(a Alerter) PublisherOption {
	return func(p *Publisher) { p.alerter = a }
}

// WithMetrics sets the collectors the publisher reports to.
func WithMetrics(m *Metrics) PublisherOption {
	return func(p *Publisher) { p.metrics = m }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) PublisherOption {
	return func(p *Publisher) { p.now = now }
}

// WithJitter overrides the backoff jitter source, for tests.
func WithJitter(r func() float64) PublisherOption {
	return func(p *Publisher) { p.backoff.rand = r }
}

// NewPublisher creates a publisher. Zero config fields take DefaultConfig
// values.
func NewPublisher(store Store, producer messaging.Producer, cfg Config, logger *slog.Logger, opts ...PublisherOption) *Publisher {
	cfg = withDefaults(cfg)
	p := &Publisher{
		store:    store,
		producer: producer,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "outbox-publisher")),
		backoff:  Backoff{Base: cfg.BaseBackoff, Max: cfg.MaxBackoff},
		now:      time.Now,
		wake:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.metrics == nil {
		p.metrics = NewMetrics(nil)
	}
	if p.alerter == nil {
		p.alerter = NewLogAlerter(p.logger, nil)
	}
	return p
}

func withDefaults(cfg Config) Config {
	d := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = d.PollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = d.BatchSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = d.MaxAttempts
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = d.BaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = d.MaxBackoff
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = d.PublishTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = d.ShutdownTimeout
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = d.CleanupInterval
	}
	return cfg
}

// Notify wakes the publisher loop without waiting for the next tick. It never
// blocks; wakes that arrive while one is pending are merged.
func (p *Publisher) Notify() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run publishes until ctx is cancelled. A batch in flight when ctx ends is
// completed within ShutdownTimeout.
func (p *Publisher) Run(ctx context.Context) error {
	p.logger.Info("outbox publisher started",
		slog.Duration("poll_interval", p.cfg.PollInterval),
		slog.Int("batch_size", p.cfg.BatchSize),
		slog.Int("max_attempts", p.cfg.MaxAttempts))

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	var cleanup <-chan time.Time
	purger, canPurge := p.store.(Purger)
	if canPurge && p.cfg.PublishedRetention > 0 {
		t := time.NewTicker(p.cfg.CleanupInterval)
		defer t.Stop()
		cleanup = t.C
	}

	p.drain(ctx)
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("outbox publisher stopped")
			return nil
		case <-ticker.C:
			p.drain(ctx)
		case <-p.wake:
			p.drain(ctx)
		case <-cleanup:
			p.purge(ctx, purger)
		}
	}
}

// drain runs cycles while they come back full.
func (p *Publisher) drain(ctx context.Context) {
	for ctx.Err() == nil {
		res, err := p.PublishPending(ctx)
		if err != nil {
			p.logger.Warn("outbox publish cycle failed", slog.String("error", err.Error()))
			return
		}
		if res.Claimed < p.cfg.BatchSize {
			return
		}
	}
}

// PublishPending claims one batch and publishes it.
func (p *Publisher) PublishPending(ctx context.Context) (BatchResult, error) {
	var res BatchResult
	recs, err := p.store.FetchPending(ctx, p.cfg.BatchSize)
	if err != nil {
		p.metrics.StoreErrors.WithLabelValues("fetch").Inc()
		return res, fmt.Errorf("fetch pending: %w", err)
	}
	res.Claimed = len(recs)
	p.metrics.BatchSize.Observe(float64(len(recs)))
	if len(recs) == 0 {
		return res, nil
	}

	work, cancel := p.detach(ctx)
	defer cancel()

	for _, rec := range recs {
		if work.Err() != nil {
			// Unprocessed records keep their lease and are retried after it expires.
			break
		}
		if p.leaseLeft(rec) <= 0 {
			p.expired(rec, "lease expired before publish")
			res.Expired++
			continue
		}
		switch p.publishOne(work, rec) {
		case outcomePublished:
			res.Published++
		case outcomeRetried:
			res.Retried++
		case outcomeFailed:
			res.Failed++
		case outcomeLeaseLost:
			res.Expired++
		default:
			res.Errors++
		}
	}
	return res, nil
}

type outcome int

const (
	outcomeError outcome = iota
	outcomePublished
	outcomeRetried
	outcomeFailed
	outcomeLeaseLost
)

// leaseLeft is how much of rec's claim remains, or PublishTimeout for a
// record without a deadline.
func (p *Publisher) leaseLeft(rec *Record) time.Duration {
	if rec.ClaimedUntil.IsZero() {
		return p.cfg.PublishTimeout
	}
	return rec.ClaimedUntil.Sub(p.now())
}

func (p *Publisher) expired(rec *Record, msg string) {
	p.metrics.LeaseExpired.WithLabelValues(rec.Topic).Inc()
	p.logger.Warn(msg,
		slog.String("outbox_id", rec.ID()),
		slog.String("topic", rec.Topic),
		slog.Time("claimed_until", rec.ClaimedUntil))
}

func (p *Publisher) publishOne(ctx context.Context, rec *Record) outcome {
	log := p.logger.With(
		slog.String("outbox_id", rec.ID()),
		slog.String("event_type", rec.Event.Type),
		slog.String("topic", rec.Topic),
	)

	data, err := events.Encode(rec.Event)
	if err != nil {
		// Re-encoding the same event cannot succeed.
		return p.fail(ctx, rec, fmt.Sprintf("encode: %v", err), log)
	}

	// A publish never outlives the claim.
	timeout := min(p.cfg.PublishTimeout, p.leaseLeft(rec))
	pctx, cancel := context.WithTimeout(ctx, timeout)
	start := time.Now()
	ack, err := p.producer.Publish(pctx, rec.Topic, rec.PartitionKey, data, messaging.WithMessageID(rec.Event.ID))
	cancel()
	p.metrics.PublishLatency.Observe(time.Since(start).Seconds())

	if err == nil {
		if err := p.store.MarkPublished(ctx, rec.ID()); err != nil {
			if errors.Is(err, ErrLeaseLost) {
				p.expired(rec, "outbox record published after its lease was taken over")
				return outcomeLeaseLost
			}
			p.metrics.StoreErrors.WithLabelValues("mark_published").Inc()
			log.Error("failed to mark outbox record published; it will be republished after its lease expires",
				slog.String("error", err.Error()))
			return outcomeError
		}
		p.metrics.Published.WithLabelValues(rec.Topic).Inc()
		if ack.Duplicate {
			p.metrics.Duplicates.WithLabelValues(rec.Topic).Inc()
		}
		log.Debug("outbox record published",
			slog.Int("partition", ack.Partition),
			slog.Int64("offset", ack.Offset),
			slog.Bool("duplicate", ack.Duplicate))
		return outcomePublished
	}

	attempt := rec.AttemptCount + 1
	reason := err.Error()
	if attempt >= p.cfg.MaxAttempts {
		return p.fail(ctx, rec, reason, log)
	}

	next := p.now().Add(p.backoff.Delay(attempt))
	if err := p.store.RecordAttempt(ctx, rec.ID(), reason, next); err != nil {
		if errors.Is(err, ErrLeaseLost) {
			p.expired(rec, "outbox publish attempt not recorded, lease was taken over")
			return outcomeLeaseLost
		}
		p.metrics.StoreErrors.WithLabelValues("record_attempt").Inc()
		log.Error("failed to record publish attempt", slog.String("error", err.Error()))
		return outcomeError
	}
	p.metrics.Retried.WithLabelValues(rec.Topic).Inc()
	log.Warn("outbox publish failed, will retry",
		slog.Int("attempt", attempt),
		slog.Time("next_attempt_at", next),
		slog.String("error", reason),
		slog.Bool("transient", messaging.IsTransient(err)))
	return outcomeRetried
}

func (p *Publisher) fail(ctx context.Context, rec *Record, reason string, log *slog.Logger) outcome {
	transitioned, err := p.store.MarkFailed(ctx, rec.ID(), reason)
	if errors.Is(err, ErrLeaseLost) {
		p.expired(rec, "outbox record not failed, lease was taken over")
		return outcomeLeaseLost
	}
	if err != nil {
		p.metrics.StoreErrors.WithLabelValues("mark_failed").Inc()
		log.Error("failed to mark outbox record failed", slog.String("error", err.Error()))
		return outcomeError
	}
	if !transitioned {
		return outcomeFailed
	}
	rec.Status = StatusFailed
	rec.AttemptCount++
	rec.LastError = reason
	p.metrics.Failed.WithLabelValues(rec.Topic).Inc()
	p.alerter.OutboxRecordFailed(ctx, rec, reason)
	return outcomeFailed
}

func (p *Publisher) purge(ctx context.Context, purger Purger) {
	n, err := purger.PurgePublished(ctx, p.now().Add(-p.cfg.PublishedRetention))
	if err != nil {
		p.metrics.StoreErrors.WithLabelValues("purge").Inc()
		p.logger.Warn("outbox purge failed", slog.String("error", err.Error()))
		return
	}
	p.metrics.Purged.Add(float64(n))
	if n > 0 {
		p.logger.Info("purged published outbox records", slog.Int64("count", n))
	}
}

// detach returns a context that survives cancellation of ctx for
// ShutdownTimeout, so a claimed batch is settled instead of abandoned.
func (p *Publisher) detach(ctx context.Context) (context.Context, context.CancelFunc) {
	work, cancel := context.WithCancel(context.WithoutCancel(ctx))
	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	stop := context.AfterFunc(ctx, func() {
		mu.Lock()
		timer = time.AfterFunc(p.cfg.ShutdownTimeout, cancel)
		mu.Unlock()
	})
	return work, func() {
		stop()
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
		cancel()
	}
}


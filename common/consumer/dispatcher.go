package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/telhawk-systems/taskhub/common/events"
	"github.com/telhawk-systems/taskhub/common/logging"
	"github.com/telhawk-systems/taskhub/common/messaging"
)

// Config tunes a Dispatcher.
type Config struct {
	Group               string
	BatchSize           int
	PollTimeout         time.Duration
	MaxDeliveries       int
	RetryDelay          time.Duration
	ErrorBackoffInitial time.Duration
	ErrorBackoffMax     time.Duration
	ShutdownTimeout     time.Duration
}

// DefaultConfig returns dispatcher settings for group.
func DefaultConfig(group string) Config {
	return Config{
		Group:               group,
		BatchSize:           10,
		PollTimeout:         time.Second,
		MaxDeliveries:       5,
		RetryDelay:          2 * time.Second,
		ErrorBackoffInitial: 500 * time.Millisecond,
		ErrorBackoffMax:     30 * time.Second,
		ShutdownTimeout:     10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig(c.Group)
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = d.PollTimeout
	}
	if c.MaxDeliveries <= 0 {
		c.MaxDeliveries = d.MaxDeliveries
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = 0
	}
	if c.ErrorBackoffInitial <= 0 {
		c.ErrorBackoffInitial = d.ErrorBackoffInitial
	}
	if c.ErrorBackoffMax <= 0 {
		c.ErrorBackoffMax = d.ErrorBackoffMax
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	return c
}

// Stores bundles the persistence a dispatcher needs.
type Stores struct {
	Cursors     CursorStore
	Processed   ProcessedSet
	DeadLetters DeadLetterStore
}

// State is the dispatcher's position in its per-delivery state machine.
type State string

const (
	StatePolling    State = "POLLING"
	StateDedupCheck State = "DEDUP_CHECK"
	StateHandling   State = "HANDLING"
	StateCommit     State = "COMMIT"
	StateSkip       State = "SKIP"
)

// Dispatcher consumes one partition of one topic for a group. Deliveries are
// handled strictly in offset order; a failed delivery stops the batch.
type Dispatcher struct {
	broker    messaging.Broker
	topic     string
	partition int
	registry  *Registry
	stores    Stores
	cfg       Config
	metrics   *Metrics
	logger    *slog.Logger

	// Only the Run goroutine touches state.
	state State
}

// NewDispatcher creates a dispatcher for one (topic, partition).
func NewDispatcher(broker messaging.Broker, topic string, partition int, registry *Registry, stores Stores, cfg Config, metrics *Metrics, logger *slog.Logger) *Dispatcher {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Dispatcher{
		broker:    broker,
		topic:     topic,
		partition: partition,
		registry:  registry,
		stores:    stores,
		cfg:       cfg.withDefaults(),
		metrics:   metrics,
		logger: logger.With(
			slog.String(logging.FieldComponent, "dispatcher"),
			logging.ConsumerGroup(cfg.Group),
			logging.Topic(topic),
			logging.Partition(partition),
		),
	}
}

// setState moves the state machine and mirrors it in the state gauge, which
// holds 1 for the current state of each partition.
func (d *Dispatcher) setState(s State) {
	prev := d.state
	d.state = s
	part := strconv.Itoa(d.partition)
	if prev != "" && prev != s {
		d.metrics.State.WithLabelValues(d.cfg.Group, d.topic, part, string(prev)).Set(0)
	}
	d.metrics.State.WithLabelValues(d.cfg.Group, d.topic, part, string(s)).Set(1)
}

// Run subscribes and dispatches until ctx is cancelled. Broker and store
// errors are retried with exponential backoff; Run only returns on shutdown.
func (d *Dispatcher) Run(ctx context.Context) error {
	bo := d.newBackoff()

	var sub messaging.Subscription
	for sub == nil {
		s, err := d.broker.Subscribe(ctx, d.cfg.Group, d.topic, d.partition)
		if err == nil {
			sub = s
			break
		}
		if !d.sleep(ctx, bo, "subscribe failed", err) {
			return nil
		}
	}
	defer func() {
		if err := sub.Close(); err != nil {
			d.logger.Warn("failed to close subscription", logging.Error(err))
		}
	}()
	d.logger.Info("dispatcher started")
	bo.Reset()

	for {
		if ctx.Err() != nil {
			d.logger.Info("dispatcher stopped")
			return nil
		}
		d.setState(StatePolling)
		batch, err := sub.Poll(ctx, d.cfg.BatchSize, d.cfg.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			d.metrics.PollErrors.WithLabelValues(d.cfg.Group, d.topic).Inc()
			if errors.Is(err, messaging.ErrClosed) {
				d.logger.Warn("subscription closed, stopping dispatcher")
				return nil
			}
			d.sleep(ctx, bo, "poll failed", err)
			continue
		}
		if len(batch) == 0 {
			continue
		}
		if err := d.ProcessBatch(ctx, batch); err != nil {
			d.sleep(ctx, bo, "batch aborted", err)
			continue
		}
		bo.Reset()
	}
}

func (d *Dispatcher) newBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.cfg.ErrorBackoffInitial
	bo.MaxInterval = d.cfg.ErrorBackoffMax
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// sleep waits for the next backoff interval. It returns false if ctx ended.
func (d *Dispatcher) sleep(ctx context.Context, bo *backoff.ExponentialBackOff, msg string, err error) bool {
	wait := bo.NextBackOff()
	d.logger.Warn(msg, logging.Error(err), slog.Duration("retry_in", wait),
		slog.Bool("transient", messaging.IsTransient(err)))
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// step is what handling a delivery decided.
type step int

const (
	stepAdvance step = iota // settled; continue with the next delivery
	stepStop                // not settled; release the rest of the batch
)

// ProcessBatch handles deliveries in order. On shutdown the delivery in
// progress completes and the rest of the batch is released unhandled.
func (d *Dispatcher) ProcessBatch(ctx context.Context, batch []*messaging.Delivery) error {
	work, cancel := d.detach(ctx)
	defer cancel()

	committed, err := d.stores.Cursors.Committed(work, d.cfg.Group, d.topic, d.partition)
	if err != nil {
		d.metrics.StoreErrors.WithLabelValues(d.cfg.Group, "load_cursor").Inc()
		d.release(work, batch, d.cfg.RetryDelay)
		return fmt.Errorf("load cursor: %w", err)
	}

	for i, del := range batch {
		if ctx.Err() != nil {
			d.release(work, batch[i:], 0)
			return nil
		}
		if d.handle(work, del, committed) == stepStop {
			d.release(work, batch[i+1:], 0)
			return nil
		}
		if del.Offset > committed {
			committed = del.Offset
		}
	}
	return nil
}

func (d *Dispatcher) handle(ctx context.Context, del *messaging.Delivery, committed int64) step {
	log := d.logger.With(logging.Offset(del.Offset), slog.Int("deliveries", del.Deliveries))

	if del.Offset <= committed {
		// Committed earlier but the ack was lost.
		log.Debug("delivery already committed, acknowledging")
		d.ack(ctx, del, log)
		d.count(outcomeCommitted)
		return stepAdvance
	}

	evt, err := events.Decode(del.Value)
	if err != nil {
		log.Error("undecodable message, dead-lettering", logging.Error(err))
		return d.deadLetter(ctx, del, nil, ReasonDecodeError, err, log)
	}
	log = log.With(logging.EventID(evt.ID), logging.EventType(evt.Type))

	d.setState(StateDedupCheck)
	seen, err := d.stores.Processed.Contains(ctx, d.cfg.Group, evt.ID)
	if err != nil {
		d.metrics.StoreErrors.WithLabelValues(d.cfg.Group, "dedup_check").Inc()
		log.Warn("dedup check failed, releasing delivery", logging.Error(err))
		d.nak(ctx, del, d.cfg.RetryDelay, log)
		return stepStop
	}
	if seen {
		d.setState(StateSkip)
		log.Info("duplicate event skipped")
		if !d.commit(ctx, del, log) {
			return stepStop
		}
		d.ack(ctx, del, log)
		d.count(outcomeDuplicate)
		return stepAdvance
	}

	h, ok := d.registry.Lookup(evt.Type)
	if !ok {
		log.Warn("no handler for event type, skipping")
		if !d.commit(ctx, del, log) {
			return stepStop
		}
		d.ack(ctx, del, log)
		d.count(outcomeUnknownType)
		return stepAdvance
	}

	d.setState(StateHandling)
	start := time.Now()
	err = safeHandle(ctx, h, evt)
	d.metrics.HandlerDuration.WithLabelValues(d.cfg.Group, evt.Type).Observe(time.Since(start).Seconds())

	if err == nil {
		if err := d.stores.Processed.Add(ctx, d.cfg.Group, evt.ID); err != nil {
			d.metrics.StoreErrors.WithLabelValues(d.cfg.Group, "dedup_add").Inc()
			log.Warn("failed to record processed event", logging.Error(err))
		}
		if !d.commit(ctx, del, log) {
			return stepStop
		}
		d.ack(ctx, del, log)
		d.count(outcomeHandled)
		log.Debug("event handled")
		return stepAdvance
	}

	herr := &HandlerError{EventID: evt.ID, EventType: evt.Type, Deliveries: del.Deliveries, Err: err}
	switch {
	case IsPermanent(err):
		log.Error("handler failed permanently, dead-lettering", logging.Error(herr))
		return d.deadLetter(ctx, del, evt, ReasonHandlerPermanent, herr, log)
	case del.Deliveries >= d.cfg.MaxDeliveries:
		log.Error("handler retries exhausted, dead-lettering", logging.Error(herr))
		return d.deadLetter(ctx, del, evt, ReasonHandlerExhausted, herr, log)
	default:
		log.Warn("handler failed, will retry", logging.Error(herr), slog.Duration("retry_delay", d.cfg.RetryDelay))
		d.nak(ctx, del, d.cfg.RetryDelay, log)
		d.count(outcomeRetry)
		return stepStop
	}
}

func (d *Dispatcher) deadLetter(ctx context.Context, del *messaging.Delivery, evt *events.Event, reason string, cause error, log *slog.Logger) step {
	dl := &DeadLetter{
		Group:      d.cfg.Group,
		Topic:      del.Topic,
		Partition:  del.Partition,
		Offset:     del.Offset,
		Key:        del.Key,
		Raw:        del.Value,
		Reason:     reason,
		LastError:  cause.Error(),
		Deliveries: del.Deliveries,
	}
	if evt != nil {
		dl.EventID = evt.ID
		dl.EventType = evt.Type
	}
	if err := d.stores.DeadLetters.Save(ctx, dl); err != nil {
		d.metrics.StoreErrors.WithLabelValues(d.cfg.Group, "dead_letter").Inc()
		log.Error("failed to save dead letter, releasing delivery", logging.Error(err))
		d.nak(ctx, del, d.cfg.RetryDelay, log)
		return stepStop
	}
	if !d.commit(ctx, del, log) {
		return stepStop
	}
	d.ack(ctx, del, log)
	d.metrics.DeadLetters.WithLabelValues(d.cfg.Group, d.topic, reason).Inc()
	d.count(outcomeDeadLetter)
	return stepAdvance
}

func (d *Dispatcher) commit(ctx context.Context, del *messaging.Delivery, log *slog.Logger) bool {
	d.setState(StateCommit)
	if err := d.stores.Cursors.Advance(ctx, d.cfg.Group, d.topic, d.partition, del.Offset); err != nil {
		d.metrics.StoreErrors.WithLabelValues(d.cfg.Group, "advance_cursor").Inc()
		log.Error("failed to commit cursor, releasing delivery", logging.Error(err))
		d.nak(ctx, del, d.cfg.RetryDelay, log)
		return false
	}
	d.metrics.Committed.WithLabelValues(d.cfg.Group, d.topic, strconv.Itoa(d.partition)).Set(float64(del.Offset))
	return true
}

func (d *Dispatcher) ack(ctx context.Context, del *messaging.Delivery, log *slog.Logger) {
	if err := del.Ack(ctx); err != nil {
		// The cursor is durable; the redelivery is acknowledged unhandled.
		log.Warn("ack failed", logging.Error(err))
	}
}

func (d *Dispatcher) nak(ctx context.Context, del *messaging.Delivery, delay time.Duration, log *slog.Logger) {
	if err := del.Nak(ctx, delay); err != nil {
		log.Warn("nak failed", logging.Error(err))
	}
}

// release hands undispatched deliveries back to the broker.
func (d *Dispatcher) release(ctx context.Context, rest []*messaging.Delivery, delay time.Duration) {
	for _, del := range rest {
		if err := del.Nak(ctx, delay); err != nil {
			d.logger.Warn("nak failed", logging.Offset(del.Offset), logging.Error(err))
		}
	}
}

func (d *Dispatcher) count(outcome string) {
	d.metrics.Deliveries.WithLabelValues(d.cfg.Group, d.topic, outcome).Inc()
}

// detach keeps the in-flight delivery alive for ShutdownTimeout after ctx
// ends.
func (d *Dispatcher) detach(ctx context.Context) (context.Context, context.CancelFunc) {
	work, cancel := context.WithCancel(context.WithoutCancel(ctx))
	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	stop := context.AfterFunc(ctx, func() {
		mu.Lock()
		timer = time.AfterFunc(d.cfg.ShutdownTimeout, cancel)
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

// safeHandle converts a handler panic into an error.
func safeHandle(ctx context.Context, h Handler, evt *events.Event) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return h.Handle(ctx, evt)
}

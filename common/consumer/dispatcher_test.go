package consumer_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/taskhub/common/consumer"
	"github.com/telhawk-systems/taskhub/common/consumer/consumertest"
	"github.com/telhawk-systems/taskhub/common/events"
	"github.com/telhawk-systems/taskhub/common/messaging"
	"github.com/telhawk-systems/taskhub/common/messaging/memory"
)

const group = "notification-service"

type harness struct {
	broker      *memory.Broker
	cursors     *consumertest.Cursors
	deadLetters *consumertest.DeadLetters
	processed   consumer.ProcessedSet
	registry    *consumer.Registry
	cfg         consumer.Config
	metrics     *consumer.Metrics
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := consumer.DefaultConfig(group)
	cfg.RetryDelay = 0
	cfg.PollTimeout = 20 * time.Millisecond
	cfg.ErrorBackoffInitial = 5 * time.Millisecond
	cfg.ErrorBackoffMax = 20 * time.Millisecond
	cfg.MaxDeliveries = 3

	return &harness{
		broker:      memory.NewBroker(1),
		cursors:     consumertest.NewCursors(),
		deadLetters: consumertest.NewDeadLetters(),
		processed:   consumer.NewRedisProcessedSet(client, time.Hour),
		registry:    consumer.NewRegistry(),
		cfg:         cfg,
	}
}

func (h *harness) stores() consumer.Stores {
	return consumer.Stores{Cursors: h.cursors, Processed: h.processed, DeadLetters: h.deadLetters}
}

// run starts a dispatcher for topic/partition 0 and returns a stop function
// that waits for it to exit.
func (h *harness) run(t *testing.T, topic string) func() {
	t.Helper()
	d := consumer.NewDispatcher(h.broker, topic, 0, h.registry, h.stores(), h.cfg, h.metrics, discard())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.Run(ctx)
	}()
	stop := func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("dispatcher did not stop")
		}
	}
	t.Cleanup(stop)
	return stop
}

func (h *harness) committed(topic string) int64 {
	c, _ := h.cursors.Committed(context.Background(), group, topic, 0)
	return c
}

func (h *harness) publishRaw(t *testing.T, topic string, data []byte) {
	t.Helper()
	_, err := h.broker.Publish(context.Background(), topic, "k", data)
	require.NoError(t, err)
}

func (h *harness) publish(t *testing.T, evt *events.Event) {
	t.Helper()
	data, err := events.Encode(evt)
	require.NoError(t, err)
	h.publishRaw(t, evt.Type, data)
}

type recorder struct {
	mu    sync.Mutex
	seen  []string
	fails map[string]int
	err   error
}

func newRecorder() *recorder { return &recorder{fails: map[string]int{}} }

func (r *recorder) Handle(_ context.Context, evt *events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, evt.ID)
	if r.fails[evt.ID] > 0 {
		r.fails[evt.ID]--
		return errors.New("downstream unavailable")
	}
	return r.err
}

func (r *recorder) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.seen...)
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newEvent(t *testing.T, typ string) *events.Event {
	t.Helper()
	evt, err := events.New(typ, map[string]any{"id": "x"})
	require.NoError(t, err)
	return evt
}

func TestDispatcher_RedeliveredEventHandledOnce(t *testing.T) {
	h := newHarness(t)
	rec := newRecorder()
	require.NoError(t, h.registry.Register(events.TypeUserCreated, rec))

	evt := newEvent(t, events.TypeUserCreated)
	h.publish(t, evt)
	h.publish(t, evt)
	h.publish(t, evt)

	h.run(t, events.TypeUserCreated)

	assert.Eventually(t, func() bool { return h.committed(events.TypeUserCreated) == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{evt.ID}, rec.calls())
	assert.Empty(t, h.deadLetters.All())
}

func TestDispatcher_UnknownTypeIsSkipped(t *testing.T) {
	h := newHarness(t)
	rec := newRecorder()
	require.NoError(t, h.registry.Register(events.TypeUserCreated, rec))

	unknown := newEvent(t, "order.created")
	data, err := events.Encode(unknown)
	require.NoError(t, err)
	h.publishRaw(t, events.TypeUserCreated, data)
	known := newEvent(t, events.TypeUserCreated)
	h.publish(t, known)

	h.run(t, events.TypeUserCreated)

	assert.Eventually(t, func() bool { return h.committed(events.TypeUserCreated) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{known.ID}, rec.calls())
	assert.Empty(t, h.deadLetters.All())
}

func TestDispatcher_RetriesThenDeadLetters(t *testing.T) {
	h := newHarness(t)
	rec := newRecorder()
	rec.err = errors.New("always fails")
	require.NoError(t, h.registry.Register(events.TypeTaskCreated, rec))

	evt := newEvent(t, events.TypeTaskCreated)
	h.publish(t, evt)

	h.run(t, events.TypeTaskCreated)

	assert.Eventually(t, func() bool { return len(h.deadLetters.All()) == 1 }, 2*time.Second, 5*time.Millisecond)
	dl := h.deadLetters.All()[0]
	assert.Equal(t, consumer.ReasonHandlerExhausted, dl.Reason)
	assert.Equal(t, 3, dl.Deliveries)
	assert.Equal(t, evt.ID, dl.EventID)
	assert.Equal(t, events.TypeTaskCreated, dl.EventType)
	assert.Contains(t, dl.LastError, "always fails")
	assert.Len(t, rec.calls(), 3)
	assert.Eventually(t, func() bool { return h.committed(events.TypeTaskCreated) == 1 }, time.Second, 5*time.Millisecond)

	seen, err := h.processed.Contains(context.Background(), group, evt.ID)
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestDispatcher_PermanentErrorDeadLettersImmediately(t *testing.T) {
	h := newHarness(t)
	calls := 0
	require.NoError(t, h.registry.Register(events.TypeTaskCreated, consumer.HandlerFunc(func(context.Context, *events.Event) error {
		calls++
		return consumer.Permanent(errors.New("payload missing title"))
	})))
	h.publish(t, newEvent(t, events.TypeTaskCreated))

	h.run(t, events.TypeTaskCreated)

	assert.Eventually(t, func() bool { return len(h.deadLetters.All()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, consumer.ReasonHandlerPermanent, h.deadLetters.All()[0].Reason)
	assert.Equal(t, 1, calls)
}

func TestDispatcher_DecodeErrorDeadLetters(t *testing.T) {
	h := newHarness(t)
	rec := newRecorder()
	require.NoError(t, h.registry.Register(events.TypeUserCreated, rec))

	h.publishRaw(t, events.TypeUserCreated, []byte(`{"not":"an event"`))
	good := newEvent(t, events.TypeUserCreated)
	h.publish(t, good)

	h.run(t, events.TypeUserCreated)

	assert.Eventually(t, func() bool { return h.committed(events.TypeUserCreated) == 2 }, 2*time.Second, 5*time.Millisecond)
	require.Len(t, h.deadLetters.All(), 1)
	dl := h.deadLetters.All()[0]
	assert.Equal(t, consumer.ReasonDecodeError, dl.Reason)
	assert.Equal(t, []byte(`{"not":"an event"`), dl.Raw)
	assert.Empty(t, dl.EventID)
	assert.EqualValues(t, 1, dl.Offset)
	assert.Equal(t, []string{good.ID}, rec.calls())
}

func TestDispatcher_OverlongIDDeadLettersWithoutBlocking(t *testing.T) {
	h := newHarness(t)
	rec := newRecorder()
	require.NoError(t, h.registry.Register(events.TypeUserCreated, rec))

	long := newEvent(t, events.TypeUserCreated)
	long.ID = strings.Repeat("e", events.MaxIDLength+72)
	h.publish(t, long)
	good := newEvent(t, events.TypeUserCreated)
	h.publish(t, good)

	h.run(t, events.TypeUserCreated)

	assert.Eventually(t, func() bool { return h.committed(events.TypeUserCreated) == 2 }, 2*time.Second, 5*time.Millisecond)
	require.Len(t, h.deadLetters.All(), 1)
	dl := h.deadLetters.All()[0]
	assert.Equal(t, consumer.ReasonDecodeError, dl.Reason)
	assert.Contains(t, dl.LastError, "id too long")
	assert.Equal(t, []string{good.ID}, rec.calls())
}

// states returns the state gauge of partition 0, keyed by state.
func states(t *testing.T, reg *prometheus.Registry) map[string]float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	out := map[string]float64{}
	for _, mf := range families {
		if mf.GetName() != "taskhub_consumer_state" {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if labels["partition"] == "0" {
				out[labels["state"]] = m.GetGauge().GetValue()
			}
		}
	}
	return out
}

func TestDispatcher_StateGauge(t *testing.T) {
	h := newHarness(t)
	reg := prometheus.NewRegistry()
	h.metrics = consumer.NewMetrics(reg)
	rec := newRecorder()
	require.NoError(t, h.registry.Register(events.TypeUserCreated, rec))

	evt := newEvent(t, events.TypeUserCreated)
	h.publish(t, evt)
	h.publish(t, evt)

	h.run(t, events.TypeUserCreated)

	assert.Eventually(t, func() bool { return h.committed(events.TypeUserCreated) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		s := states(t, reg)
		return s[string(consumer.StatePolling)] == 1
	}, time.Second, 5*time.Millisecond)

	s := states(t, reg)
	for _, state := range []consumer.State{consumer.StateDedupCheck, consumer.StateHandling, consumer.StateCommit, consumer.StateSkip} {
		v, seen := s[string(state)]
		assert.True(t, seen, "state %s was visited", state)
		assert.Zero(t, v, "state %s is not current", state)
	}
}

func TestDispatcher_PreservesOrderAcrossRetries(t *testing.T) {
	h := newHarness(t)
	rec := newRecorder()
	require.NoError(t, h.registry.Register(events.TypeTaskCreated, rec))

	first := newEvent(t, events.TypeTaskCreated)
	second := newEvent(t, events.TypeTaskCreated)
	rec.fails[first.ID] = 2
	h.publish(t, first)
	h.publish(t, second)

	h.run(t, events.TypeTaskCreated)

	assert.Eventually(t, func() bool { return h.committed(events.TypeTaskCreated) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{first.ID, first.ID, first.ID, second.ID}, rec.calls())
}

func TestDispatcher_AcksWithoutHandlingBelowCursor(t *testing.T) {
	h := newHarness(t)
	rec := newRecorder()
	require.NoError(t, h.registry.Register(events.TypeUserCreated, rec))

	old := newEvent(t, events.TypeUserCreated)
	fresh := newEvent(t, events.TypeUserCreated)
	h.publish(t, old)
	h.publish(t, fresh)
	require.NoError(t, h.cursors.Advance(context.Background(), group, events.TypeUserCreated, 0, 1))

	h.run(t, events.TypeUserCreated)

	assert.Eventually(t, func() bool { return h.committed(events.TypeUserCreated) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{fresh.ID}, rec.calls())
}

func TestDispatcher_CursorHeldWhileFailing(t *testing.T) {
	h := newHarness(t)
	h.cfg.MaxDeliveries = 1000
	h.cfg.RetryDelay = 10 * time.Millisecond
	rec := newRecorder()
	rec.err = errors.New("still down")
	require.NoError(t, h.registry.Register(events.TypeUserCreated, rec))
	h.publish(t, newEvent(t, events.TypeUserCreated))

	stop := h.run(t, events.TypeUserCreated)

	assert.Eventually(t, func() bool { return len(rec.calls()) >= 3 }, 2*time.Second, 5*time.Millisecond)
	stop()
	assert.Zero(t, h.committed(events.TypeUserCreated))
	assert.Empty(t, h.deadLetters.All())
}

func TestDispatcher_CommitFailureRedelivers(t *testing.T) {
	h := newHarness(t)
	h.cursors.FailAdvance(errors.New("database down"))
	rec := newRecorder()
	require.NoError(t, h.registry.Register(events.TypeUserCreated, rec))
	evt := newEvent(t, events.TypeUserCreated)
	h.publish(t, evt)

	h.run(t, events.TypeUserCreated)

	assert.Eventually(t, func() bool { return len(rec.calls()) == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, h.committed(events.TypeUserCreated))

	// Once the store recovers the redelivery is recognised as a duplicate.
	h.cursors.FailAdvance(nil)
	assert.Eventually(t, func() bool { return h.committed(events.TypeUserCreated) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, rec.calls(), 1)
}

func TestDispatcher_PanicIsRetried(t *testing.T) {
	h := newHarness(t)
	var once sync.Once
	handled := make(chan struct{})
	require.NoError(t, h.registry.Register(events.TypeUserCreated, consumer.HandlerFunc(func(context.Context, *events.Event) error {
		panicked := false
		once.Do(func() { panicked = true })
		if panicked {
			panic("boom")
		}
		close(handled)
		return nil
	})))
	h.publish(t, newEvent(t, events.TypeUserCreated))

	h.run(t, events.TypeUserCreated)

	select {
	case <-handled:
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not retried after panic")
	}
}

func TestDispatcher_SurvivesBrokerOutage(t *testing.T) {
	h := newHarness(t)
	rec := newRecorder()
	require.NoError(t, h.registry.Register(events.TypeUserCreated, rec))
	evt := newEvent(t, events.TypeUserCreated)
	h.publish(t, evt)

	h.broker.SetUnavailable(errors.New("connection refused"))
	h.run(t, events.TypeUserCreated)
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, rec.calls())

	h.broker.SetUnavailable(nil)
	assert.Eventually(t, func() bool { return len(rec.calls()) == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestDispatcher_ShutdownFinishesInFlight(t *testing.T) {
	h := newHarness(t)
	h.cfg.BatchSize = 10
	started := make(chan struct{})
	release := make(chan struct{})
	var handled []string
	var mu sync.Mutex
	require.NoError(t, h.registry.Register(events.TypeTaskCreated, consumer.HandlerFunc(func(_ context.Context, evt *events.Event) error {
		mu.Lock()
		first := len(handled) == 0
		handled = append(handled, evt.ID)
		mu.Unlock()
		if first {
			close(started)
			<-release
		}
		return nil
	})))
	first := newEvent(t, events.TypeTaskCreated)
	h.publish(t, first)
	h.publish(t, newEvent(t, events.TypeTaskCreated))

	stop := h.run(t, events.TypeTaskCreated)
	<-started
	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()
	stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{first.ID}, handled)
	assert.EqualValues(t, 1, h.committed(events.TypeTaskCreated))
}

func TestGroup_RunsEveryPartition(t *testing.T) {
	h := newHarness(t)
	h.broker = memory.NewBroker(4)
	rec := newRecorder()
	require.NoError(t, h.registry.Register(events.TypeUserCreated, rec))
	require.NoError(t, h.registry.Register(events.TypeTaskCreated, rec))

	g, err := consumer.NewGroup(h.broker, []string{messaging.TopicUserCreated, messaging.TopicTaskCreated},
		h.registry, h.stores(), h.cfg, nil, discard())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx) }()

	const n = 20
	for i := 0; i < n; i++ {
		typ := events.TypeUserCreated
		if i%2 == 0 {
			typ = events.TypeTaskCreated
		}
		evt := newEvent(t, typ)
		data, err := events.Encode(evt)
		require.NoError(t, err)
		_, err = h.broker.Publish(context.Background(), typ, evt.ID, data)
		require.NoError(t, err)
	}

	assert.Eventually(t, func() bool { return len(rec.calls()) == n }, 3*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("group did not stop")
	}
}

func TestNewGroup_Validation(t *testing.T) {
	h := newHarness(t)
	_, err := consumer.NewGroup(h.broker, nil, h.registry, h.stores(), h.cfg, nil, discard())
	assert.Error(t, err)

	cfg := h.cfg
	cfg.Group = ""
	_, err = consumer.NewGroup(h.broker, []string{"user.created"}, h.registry, h.stores(), cfg, nil, discard())
	assert.Error(t, err)

	_, err = consumer.NewGroup(h.broker, []string{"user.*"}, h.registry, h.stores(), h.cfg, nil, discard())
	assert.Error(t, err)

	_, err = consumer.NewGroup(h.broker, []string{"user.created"}, h.registry, consumer.Stores{}, h.cfg, nil, discard())
	assert.Error(t, err)
}

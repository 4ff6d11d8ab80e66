package consumer_test

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/taskhub/common/consumer"
	"github.com/telhawk-systems/taskhub/common/events"
	"github.com/telhawk-systems/taskhub/common/outbox"
	"github.com/telhawk-systems/taskhub/common/outbox/outboxtest"
)

// outcomes returns the delivery counter keyed by outcome.
func outcomes(t *testing.T, reg *prometheus.Registry) map[string]float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	out := map[string]float64{}
	for _, mf := range families {
		if mf.GetName() != "taskhub_consumer_deliveries_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "outcome" {
					out[lp.GetValue()] = m.GetCounter().GetValue()
				}
			}
		}
	}
	return out
}

func TestOutboxToHandler_RedeliveredTwiceHandledOnce(t *testing.T) {
	h := newHarness(t)
	reg := prometheus.NewRegistry()
	h.metrics = consumer.NewMetrics(reg)
	rec := newRecorder()
	require.NoError(t, h.registry.Register(events.TypeUserCreated, rec))

	store := outboxtest.NewStore(nil)
	pub := outbox.NewPublisher(store, h.broker, outbox.Config{PollInterval: 10 * time.Millisecond}, discard())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = pub.Run(ctx) }()

	evt, err := events.New(events.TypeUserCreated, map[string]any{"username": "ana"})
	require.NoError(t, err)
	store.Add(evt, outbox.WithPartitionKey(evt.ID))
	pub.Notify()

	assert.Eventually(t, func() bool {
		r, err := store.Get(context.Background(), evt.ID)
		return err == nil && r.Status == outbox.StatusPublished
	}, 2*time.Second, 5*time.Millisecond)

	h.run(t, events.TypeUserCreated)
	assert.Eventually(t, func() bool { return h.committed(events.TypeUserCreated) == 1 }, 2*time.Second, 5*time.Millisecond)

	// The broker hands the same offset out again, as after a lost ack.
	h.broker.Seek(group, events.TypeUserCreated, 0, 1)
	assert.Eventually(t, func() bool {
		return outcomes(t, reg)["already_committed"] == 1
	}, 2*time.Second, 5*time.Millisecond)

	// And the same bytes arrive at a new offset, as after a publisher retry.
	data, err := events.Encode(evt)
	require.NoError(t, err)
	h.publishRaw(t, events.TypeUserCreated, data)
	assert.Eventually(t, func() bool { return h.committed(events.TypeUserCreated) == 2 }, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{evt.ID}, rec.calls())
	got := outcomes(t, reg)
	assert.EqualValues(t, 1, got["handled"])
	assert.EqualValues(t, 1, got["duplicate"])
	assert.Empty(t, h.deadLetters.All())

	seen, err := h.processed.Contains(context.Background(), group, evt.ID)
	require.NoError(t, err)
	assert.True(t, seen)
}

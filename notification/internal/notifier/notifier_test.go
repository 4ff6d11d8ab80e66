package notifier

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/taskhub/common/consumer"
	"github.com/telhawk-systems/taskhub/common/events"
	"github.com/telhawk-systems/taskhub/common/logging"
	"github.com/telhawk-systems/taskhub/notification/internal/stats"
)

func event(t *testing.T, typ string, payload map[string]any) *events.Event {
	t.Helper()
	evt, err := events.New(typ, payload)
	require.NoError(t, err)
	return evt
}

func TestNotifier_CountsHandledEvents(t *testing.T) {
	st := stats.New()
	n := New(st, logging.Discard())
	ctx := context.Background()

	require.NoError(t, n.UserCreated(ctx, event(t, events.TypeUserCreated,
		map[string]any{"id": "u1", "username": "ada", "email": "ada@example.com"})))
	require.NoError(t, n.TaskCreated(ctx, event(t, events.TypeTaskCreated,
		map[string]any{"id": "t1", "title": "write docs", "description": "", "user_id": "u1"})))
	require.NoError(t, n.TaskCreated(ctx, event(t, events.TypeTaskCreated,
		map[string]any{"id": "t2", "title": "review", "user_id": "u1"})))

	snap := st.Snapshot()
	assert.EqualValues(t, 3, snap.ProcessedEvents)
	assert.EqualValues(t, 1, snap.ByType[events.TypeUserCreated])
	assert.EqualValues(t, 2, snap.ByType[events.TypeTaskCreated])
}

func TestNotifier_MissingFieldsArePermanent(t *testing.T) {
	st := stats.New()
	n := New(st, logging.Discard())
	ctx := context.Background()

	err := n.UserCreated(ctx, event(t, events.TypeUserCreated, map[string]any{"id": "u1", "username": "ada"}))
	require.Error(t, err)
	assert.True(t, consumer.IsPermanent(err))
	assert.Contains(t, err.Error(), `"email"`)

	err = n.TaskCreated(ctx, event(t, events.TypeTaskCreated, map[string]any{"id": "t1", "title": 42, "user_id": "u1"}))
	assert.True(t, consumer.IsPermanent(err))

	assert.Zero(t, st.Snapshot().ProcessedEvents)
}

func TestNotifier_Register(t *testing.T) {
	r := consumer.NewRegistry()
	n := New(stats.New(), logging.Discard())
	require.NoError(t, n.Register(r))
	assert.ElementsMatch(t, []string{events.TypeUserCreated, events.TypeTaskCreated}, r.Types())
	assert.ErrorIs(t, n.Register(r), consumer.ErrHandlerExists)
}

package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/taskhub/common/database/databasetest"
	"github.com/telhawk-systems/taskhub/common/events"
)

func appendCommitted(t *testing.T, pool *pgxpool.Pool, store *PostgresStore, evt *events.Event, opts ...AppendOption) *Record {
	t.Helper()
	var rec *Record
	err := pgx.BeginFunc(context.Background(), pool, func(tx pgx.Tx) error {
		var err error
		rec, err = store.Append(context.Background(), tx, evt, opts...)
		return err
	})
	require.NoError(t, err)
	return rec
}

func mustEvent(t *testing.T, typ string) *events.Event {
	t.Helper()
	evt, err := events.New(typ, map[string]any{"id": uuid.NewString(), "n": 1})
	require.NoError(t, err)
	return evt
}

func TestPostgresStore(t *testing.T) {
	pool := databasetest.Start(t)
	ctx := context.Background()
	reset := func(t *testing.T) { databasetest.Truncate(t, pool, "outbox_events") }

	t.Run("append commits with the business transaction", func(t *testing.T) {
		reset(t)
		store := NewPostgresStore(pool, "p1", time.Minute)
		evt := mustEvent(t, events.TypeUserCreated)

		rec := appendCommitted(t, pool, store, evt, WithPartitionKey("user-1"))
		assert.Equal(t, StatusPending, rec.Status)
		assert.Equal(t, events.TypeUserCreated, rec.Topic)
		assert.Positive(t, rec.Sequence)

		got, err := store.Get(ctx, evt.ID)
		require.NoError(t, err)
		assert.Equal(t, "user-1", got.PartitionKey)
		assert.Equal(t, evt.Payload["id"], got.Event.Payload["id"])
		assert.EqualValues(t, 1, got.Event.Payload["n"])
		assert.WithinDuration(t, evt.CreatedAt, got.Event.CreatedAt, time.Microsecond)
	})

	t.Run("rolled back append is invisible", func(t *testing.T) {
		reset(t)
		store := NewPostgresStore(pool, "p1", time.Minute)
		evt := mustEvent(t, events.TypeUserCreated)
		boom := errors.New("business insert failed")

		err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
			if _, err := store.Append(ctx, tx, evt); err != nil {
				return err
			}
			return boom
		})
		require.ErrorIs(t, err, boom)

		_, err = store.Get(ctx, evt.ID)
		assert.ErrorIs(t, err, ErrRecordNotFound)
		recs, err := store.FetchPending(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, recs)
	})

	t.Run("duplicate event id", func(t *testing.T) {
		reset(t)
		store := NewPostgresStore(pool, "p1", time.Minute)
		evt := mustEvent(t, events.TypeTaskCreated)
		appendCommitted(t, pool, store, evt)

		err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
			_, err := store.Append(ctx, tx, evt)
			return err
		})
		assert.ErrorIs(t, err, ErrDuplicateEvent)
	})

	t.Run("fetch claims head of each key oldest first", func(t *testing.T) {
		reset(t)
		store := NewPostgresStore(pool, "p1", time.Minute)
		a1 := appendCommitted(t, pool, store, mustEvent(t, events.TypeTaskCreated), WithPartitionKey("a"))
		appendCommitted(t, pool, store, mustEvent(t, events.TypeTaskCreated), WithPartitionKey("a"))
		b1 := appendCommitted(t, pool, store, mustEvent(t, events.TypeTaskCreated), WithPartitionKey("b"))

		recs, err := store.FetchPending(ctx, 10)
		require.NoError(t, err)
		require.Len(t, recs, 2)
		assert.Equal(t, a1.ID(), recs[0].ID())
		assert.Equal(t, b1.ID(), recs[1].ID())

		// Claimed records are leased.
		again, err := store.FetchPending(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, again)

		require.NoError(t, store.MarkPublished(ctx, a1.ID()))
		next, err := store.FetchPending(ctx, 10)
		require.NoError(t, err)
		require.Len(t, next, 1)
		assert.Equal(t, "a", next[0].PartitionKey)
	})

	t.Run("concurrent publishers never claim the same record", func(t *testing.T) {
		reset(t)
		seed := NewPostgresStore(pool, "seed", time.Minute)
		for i := 0; i < 40; i++ {
			appendCommitted(t, pool, seed, mustEvent(t, events.TypeUserCreated))
		}

		var (
			mu      sync.Mutex
			claimed = map[string]string{}
			wg      sync.WaitGroup
		)
		for w := 0; w < 4; w++ {
			store := NewPostgresStore(pool, "", time.Minute)
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					recs, err := store.FetchPending(ctx, 5)
					if err != nil || len(recs) == 0 {
						return
					}
					mu.Lock()
					for _, r := range recs {
						if prev, ok := claimed[r.ID()]; ok {
							t.Errorf("record %s claimed by %s and %s", r.ID(), prev, store.Owner())
						}
						claimed[r.ID()] = store.Owner()
					}
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Len(t, claimed, 40)
	})

	t.Run("expired lease is reclaimed", func(t *testing.T) {
		reset(t)
		store := NewPostgresStore(pool, "p1", 200*time.Millisecond)
		rec := appendCommitted(t, pool, store, mustEvent(t, events.TypeUserCreated))

		recs, err := store.FetchPending(ctx, 10)
		require.NoError(t, err)
		require.Len(t, recs, 1)

		time.Sleep(400 * time.Millisecond)
		recs, err = store.FetchPending(ctx, 10)
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, rec.ID(), recs[0].ID())
	})

	t.Run("settle needs the claim", func(t *testing.T) {
		reset(t)
		a := NewPostgresStore(pool, "a", 200*time.Millisecond)
		b := NewPostgresStore(pool, "b", time.Minute)
		rec := appendCommitted(t, pool, a, mustEvent(t, events.TypeUserCreated))

		claimedA, err := a.FetchPending(ctx, 10)
		require.NoError(t, err)
		require.Len(t, claimedA, 1)
		assert.WithinDuration(t, time.Now().Add(200*time.Millisecond), claimedA[0].ClaimedUntil, 100*time.Millisecond)

		time.Sleep(400 * time.Millisecond)
		claimedB, err := b.FetchPending(ctx, 10)
		require.NoError(t, err)
		require.Len(t, claimedB, 1)

		assert.ErrorIs(t, a.RecordAttempt(ctx, rec.ID(), "timeout", time.Now()), ErrLeaseLost)
		assert.ErrorIs(t, a.MarkPublished(ctx, rec.ID()), ErrLeaseLost)
		_, err = a.MarkFailed(ctx, rec.ID(), "exhausted")
		assert.ErrorIs(t, err, ErrLeaseLost)

		require.NoError(t, b.MarkPublished(ctx, rec.ID()))
		got, err := b.Get(ctx, rec.ID())
		require.NoError(t, err)
		assert.Equal(t, StatusPublished, got.Status)
		assert.Equal(t, 1, got.AttemptCount)

		// Settled records stay settled for the late instance.
		assert.NoError(t, a.MarkPublished(ctx, rec.ID()))
	})

	t.Run("same-key appends serialize until commit", func(t *testing.T) {
		reset(t)
		store := NewPostgresStore(pool, "p1", time.Minute)
		first := mustEvent(t, events.TypeTaskCreated)
		second := mustEvent(t, events.TypeTaskCreated)

		tx1, err := pool.Begin(ctx)
		require.NoError(t, err)
		rec1, err := store.Append(ctx, tx1, first, WithPartitionKey("k"))
		require.NoError(t, err)

		done := make(chan *Record, 1)
		go func() {
			var rec2 *Record
			err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
				var err error
				rec2, err = store.Append(ctx, tx, second, WithPartitionKey("k"))
				return err
			})
			if err != nil {
				t.Errorf("append second: %v", err)
			}
			done <- rec2
		}()

		select {
		case <-done:
			t.Fatal("second append of the key did not wait for the first transaction")
		case <-time.After(300 * time.Millisecond):
		}
		require.NoError(t, tx1.Commit(ctx))

		select {
		case rec2 := <-done:
			require.NotNil(t, rec2)
			assert.Greater(t, rec2.Sequence, rec1.Sequence)
		case <-time.After(5 * time.Second):
			t.Fatal("second append never finished")
		}
	})

	t.Run("marks are idempotent", func(t *testing.T) {
		reset(t)
		store := NewPostgresStore(pool, "p1", time.Minute)
		pub := appendCommitted(t, pool, store, mustEvent(t, events.TypeUserCreated))
		fail := appendCommitted(t, pool, store, mustEvent(t, events.TypeUserCreated))
		_, err := store.FetchPending(ctx, 10)
		require.NoError(t, err)

		require.NoError(t, store.MarkPublished(ctx, pub.ID()))
		require.NoError(t, store.MarkPublished(ctx, pub.ID()))
		got, err := store.Get(ctx, pub.ID())
		require.NoError(t, err)
		assert.Equal(t, StatusPublished, got.Status)
		assert.Equal(t, 1, got.AttemptCount)
		assert.NotNil(t, got.PublishedAt)

		first, err := store.MarkFailed(ctx, fail.ID(), "broker unavailable")
		require.NoError(t, err)
		assert.True(t, first)
		second, err := store.MarkFailed(ctx, fail.ID(), "broker unavailable")
		require.NoError(t, err)
		assert.False(t, second)

		missing := uuid.NewString()
		assert.ErrorIs(t, store.MarkPublished(ctx, missing), ErrRecordNotFound)
		_, err = store.MarkFailed(ctx, missing, "x")
		assert.ErrorIs(t, err, ErrRecordNotFound)
		assert.ErrorIs(t, store.RecordAttempt(ctx, missing, "x", time.Now()), ErrRecordNotFound)
	})

	t.Run("record attempt schedules retry", func(t *testing.T) {
		reset(t)
		store := NewPostgresStore(pool, "p1", time.Minute)
		rec := appendCommitted(t, pool, store, mustEvent(t, events.TypeUserCreated))
		_, err := store.FetchPending(ctx, 1)
		require.NoError(t, err)

		require.NoError(t, store.RecordAttempt(ctx, rec.ID(), "timeout", time.Now().Add(time.Hour)))
		got, err := store.Get(ctx, rec.ID())
		require.NoError(t, err)
		assert.Equal(t, 1, got.AttemptCount)
		assert.Equal(t, "timeout", got.LastError)
		assert.NotNil(t, got.LastAttemptAt)

		recs, err := store.FetchPending(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, recs)
	})

	t.Run("list failed and requeue", func(t *testing.T) {
		reset(t)
		store := NewPostgresStore(pool, "p1", time.Minute)
		rec := appendCommitted(t, pool, store, mustEvent(t, events.TypeTaskCreated))
		pending := appendCommitted(t, pool, store, mustEvent(t, events.TypeTaskCreated))
		_, err := store.FetchPending(ctx, 1)
		require.NoError(t, err)
		_, err = store.MarkFailed(ctx, rec.ID(), "exhausted")
		require.NoError(t, err)

		failed, err := store.ListFailed(ctx, 10, 0)
		require.NoError(t, err)
		require.Len(t, failed, 1)
		assert.Equal(t, rec.ID(), failed[0].ID())
		assert.Equal(t, "exhausted", failed[0].LastError)

		page, err := store.ListFailed(ctx, 10, 1)
		require.NoError(t, err)
		assert.Empty(t, page)

		_, err = store.Requeue(ctx, pending.ID())
		assert.ErrorIs(t, err, ErrNotFailed)
		_, err = store.Requeue(ctx, uuid.NewString())
		assert.ErrorIs(t, err, ErrRecordNotFound)
		_, err = store.Requeue(ctx, "not-a-uuid")
		assert.ErrorIs(t, err, ErrRecordNotFound)

		requeued, err := store.Requeue(ctx, rec.ID())
		require.NoError(t, err)
		assert.Equal(t, StatusPending, requeued.Status)
		assert.Zero(t, requeued.AttemptCount)
		assert.Nil(t, requeued.FailedAt)

		recs, err := store.FetchPending(ctx, 10)
		require.NoError(t, err)
		assert.Len(t, recs, 2)
	})

	t.Run("purge published", func(t *testing.T) {
		reset(t)
		store := NewPostgresStore(pool, "p1", time.Minute)
		rec := appendCommitted(t, pool, store, mustEvent(t, events.TypeUserCreated))
		keep := appendCommitted(t, pool, store, mustEvent(t, events.TypeUserCreated))
		_, err := store.FetchPending(ctx, 1)
		require.NoError(t, err)
		require.NoError(t, store.MarkPublished(ctx, rec.ID()))

		n, err := store.PurgePublished(ctx, time.Now().Add(time.Minute))
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)

		_, err = store.Get(ctx, rec.ID())
		assert.ErrorIs(t, err, ErrRecordNotFound)
		_, err = store.Get(ctx, keep.ID())
		assert.NoError(t, err)
	})
}

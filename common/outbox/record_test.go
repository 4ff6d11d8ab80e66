package outbox

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/telhawk-systems/taskhub/common/events"
)

func TestNewRecord_Defaults(t *testing.T) {
	evt := &events.Event{ID: "e1", Type: events.TypeUserCreated}
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	rec := NewRecord(evt, now)
	assert.Equal(t, events.TypeUserCreated, rec.Topic)
	assert.Equal(t, "e1", rec.PartitionKey)
	assert.Equal(t, StatusPending, rec.Status)
	assert.Equal(t, now, rec.NextAttemptAt)
	assert.Equal(t, "e1", rec.ID())
}

func TestNewRecord_Options(t *testing.T) {
	evt := &events.Event{ID: "e1", Type: events.TypeTaskCreated}

	rec := NewRecord(evt, time.Now(), WithTopic("audit"), WithPartitionKey("task-9"))
	assert.Equal(t, "audit", rec.Topic)
	assert.Equal(t, "task-9", rec.PartitionKey)

	rec = NewRecord(evt, time.Now(), WithTopic(""), WithPartitionKey(""))
	assert.Equal(t, events.TypeTaskCreated, rec.Topic)
	assert.Equal(t, "e1", rec.PartitionKey)
}

func TestStoreUnavailableError(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := fmt.Errorf("create user: %w", &StoreUnavailableError{Op: "append", Err: cause})

	assert.True(t, IsStoreUnavailable(err))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "outbox store append")
	assert.False(t, IsStoreUnavailable(ErrDuplicateEvent))
}

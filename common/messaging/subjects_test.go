package messaging

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPartitionFor(t *testing.T) {
	t.Run("stable for equal keys", func(t *testing.T) {
		for _, key := range []string{"u1", "0190f1c2-7a1b-7c3d-8e9f-000000000001", ""} {
			first := PartitionFor(key, 8)
			for i := 0; i < 5; i++ {
				assert.Equal(t, first, PartitionFor(key, 8))
			}
		}
	})

	t.Run("in range", func(t *testing.T) {
		for i := 0; i < 1000; i++ {
			p := PartitionFor(string(rune('a'+i%26))+string(rune(i)), 4)
			assert.GreaterOrEqual(t, p, 0)
			assert.Less(t, p, 4)
		}
	})

	t.Run("single partition", func(t *testing.T) {
		assert.Equal(t, 0, PartitionFor("anything", 1))
		assert.Equal(t, 0, PartitionFor("anything", 0))
	})

	t.Run("spreads keys", func(t *testing.T) {
		seen := map[int]bool{}
		for i := 0; i < 200; i++ {
			seen[PartitionFor(string(rune(i+1000)), 4)] = true
		}
		assert.Len(t, seen, 4)
	})
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "events.user.created.3", Subject(TopicUserCreated, 3))
	assert.Equal(t, "events.task.created.0", Subject(TopicTaskCreated, 0))
}

func TestValidateTopic(t *testing.T) {
	assert.NoError(t, ValidateTopic("task.created"))
	assert.NoError(t, ValidateTopic("audit"))

	for _, bad := range []string{"", "user.*", "user.>", "has space", ".user", "user.", "user..created"} {
		assert.Error(t, ValidateTopic(bad), bad)
	}
}

package messaging

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Topics carried by the event stream.
const (
	TopicUserCreated = "user.created"
	TopicTaskCreated = "task.created"
)

// SubjectPrefix roots every event subject: events.<topic>.<partition>.
const SubjectPrefix = "events"

// KeyHeader carries the partition key alongside the payload.
const KeyHeader = "Taskhub-Key"

// PartitionFor maps a key onto [0, partitions). Equal keys always map to the
// same partition.
func PartitionFor(key string, partitions int) int {
	if partitions <= 1 {
		return 0
	}
	return int(xxhash.Sum64String(key) % uint64(partitions))
}

// ValidateTopic rejects topic names that cannot be embedded in a subject.
func ValidateTopic(topic string) error {
	if topic == "" {
		return fmt.Errorf("topic is empty")
	}
	if strings.ContainsAny(topic, "*> \t\r\n") {
		return fmt.Errorf("topic %q contains wildcard or whitespace", topic)
	}
	if strings.HasPrefix(topic, ".") || strings.HasSuffix(topic, ".") || strings.Contains(topic, "..") {
		return fmt.Errorf("topic %q has an empty token", topic)
	}
	return nil
}

// Subject returns the subject for one partition of topic.
// Example: events.user.created.3
func Subject(topic string, partition int) string {
	return SubjectPrefix + "." + topic + "." + strconv.Itoa(partition)
}

// Package stats counts the events the notification service has processed.
package stats

import (
	"maps"
	"sync"
)

// Consumer lifecycle reported in the snapshot.
const (
	StatusStarting = "starting"
	StatusRunning  = "running"
	StatusStopped  = "stopped"
)

// Stats is safe for concurrent use by every dispatcher of the group.
type Stats struct {
	mu     sync.Mutex
	status string
	total  int64
	byType map[string]int64
}

// New returns empty stats in the starting state.
func New() *Stats {
	return &Stats{status: StatusStarting, byType: make(map[string]int64)}
}

// SetStatus records the consumer lifecycle state.
func (s *Stats) SetStatus(status string) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

// Record counts one processed event of eventType.
func (s *Stats) Record(eventType string) {
	s.mu.Lock()
	s.total++
	s.byType[eventType]++
	s.mu.Unlock()
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Service         string           `json:"service"`
	Status          string           `json:"status"`
	ProcessedEvents int64            `json:"processed_events"`
	ByType          map[string]int64 `json:"by_type"`
}

// Snapshot copies the counters.
func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Service:         "notification",
		Status:          s.status,
		ProcessedEvents: s.total,
		ByType:          maps.Clone(s.byType),
	}
}

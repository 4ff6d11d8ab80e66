// Package consumertest provides in-memory consumer stores for tests.
package consumertest

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/telhawk-systems/taskhub/common/consumer"
)

// Cursors is an in-memory consumer.CursorStore.
type Cursors struct {
	mu      sync.Mutex
	offsets map[position]int64
	failErr error
}

// NewCursors creates an empty cursor store.
func NewCursors() *Cursors {
	return &Cursors{offsets: make(map[position]int64)}
}

type position struct {
	group, topic string
	partition    int
}

// Committed returns the committed offset.
func (c *Cursors) Committed(_ context.Context, group, topic string, partition int) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offsets[position{group, topic, partition}], nil
}

// FailAdvance makes Advance return err until called again with nil.
func (c *Cursors) FailAdvance(err error) {
	c.mu.Lock()
	c.failErr = err
	c.mu.Unlock()
}

// Advance raises the committed offset.
func (c *Cursors) Advance(_ context.Context, group, topic string, partition int, offset int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failErr != nil {
		return c.failErr
	}
	k := position{group, topic, partition}
	if offset > c.offsets[k] {
		c.offsets[k] = offset
	}
	return nil
}

// List returns the group's cursors ordered by topic and partition.
func (c *Cursors) List(_ context.Context, group string) ([]consumer.Cursor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []consumer.Cursor
	for k, offset := range c.offsets {
		if k.group == group {
			out = append(out, consumer.Cursor{Group: k.group, Topic: k.topic, Partition: k.partition, Committed: offset})
		}
	}
	slices.SortFunc(out, func(a, b consumer.Cursor) int {
		if n := strings.Compare(a.Topic, b.Topic); n != 0 {
			return n
		}
		return a.Partition - b.Partition
	})
	return out, nil
}

// Processed is an in-memory consumer.ProcessedSet without expiry.
type Processed struct {
	mu  sync.Mutex
	ids map[string]bool
}

// NewProcessed creates an empty processed set.
func NewProcessed() *Processed {
	return &Processed{ids: make(map[string]bool)}
}

// Contains reports whether eventID was added for group.
func (p *Processed) Contains(_ context.Context, group, eventID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ids[group+":"+eventID], nil
}

// Add records eventID for group.
func (p *Processed) Add(_ context.Context, group, eventID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ids[group+":"+eventID] = true
	return nil
}

// DeadLetters is an in-memory consumer.DeadLetterStore.
type DeadLetters struct {
	mu      sync.Mutex
	letters []*consumer.DeadLetter
}

// NewDeadLetters creates an empty dead-letter store.
func NewDeadLetters() *DeadLetters {
	return &DeadLetters{}
}

// Save stores dl once per position.
func (s *DeadLetters) Save(_ context.Context, dl *consumer.DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.letters {
		if existing.Group == dl.Group && existing.Topic == dl.Topic &&
			existing.Partition == dl.Partition && existing.Offset == dl.Offset {
			dl.ID = existing.ID
			dl.CreatedAt = existing.CreatedAt
			return nil
		}
	}
	if dl.ID == "" {
		dl.ID = uuid.NewString()
	}
	dl.CreatedAt = time.Now().UTC()
	c := *dl
	s.letters = append(s.letters, &c)
	return nil
}

// Get returns one dead letter.
func (s *DeadLetters) Get(_ context.Context, id string) (*consumer.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, dl := range s.letters {
		if dl.ID == id {
			c := *dl
			return &c, nil
		}
	}
	return nil, consumer.ErrDeadLetterNotFound
}

// List returns dead letters newest first.
func (s *DeadLetters) List(_ context.Context, limit, offset int) ([]*consumer.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*consumer.DeadLetter, 0, len(s.letters))
	for _, dl := range slices.Backward(s.letters) {
		c := *dl
		out = append(out, &c)
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

// ClaimReplay stamps the replay time unless it is already set.
func (s *DeadLetters) ClaimReplay(_ context.Context, id string) (*consumer.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, dl := range s.letters {
		if dl.ID != id {
			continue
		}
		if dl.ReplayedAt != nil {
			return nil, consumer.ErrAlreadyReplayed
		}
		now := time.Now().UTC()
		dl.ReplayedAt = &now
		c := *dl
		return &c, nil
	}
	return nil, consumer.ErrDeadLetterNotFound
}

// ReleaseReplay clears the replay time.
func (s *DeadLetters) ReleaseReplay(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, dl := range s.letters {
		if dl.ID == id {
			dl.ReplayedAt = nil
			return nil
		}
	}
	return consumer.ErrDeadLetterNotFound
}

// All returns every stored dead letter in save order.
func (s *DeadLetters) All() []*consumer.DeadLetter {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*consumer.DeadLetter, 0, len(s.letters))
	for _, dl := range s.letters {
		c := *dl
		out = append(out, &c)
	}
	return out
}

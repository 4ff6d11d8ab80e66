// Package memory is an in-process messaging.Broker: a partitioned log with
// per-group positions. It backs tests and single-process runs
// (broker.driver: memory).
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/telhawk-systems/taskhub/common/messaging"
)

type record struct {
	key       string
	value     []byte
	messageID string
	at        time.Time
}

type positionKey struct {
	group     string
	topic     string
	partition int
}

// position is a group's cursor over one partition. next is the offset the
// next Poll starts from; inflight holds delivered but unsettled offsets.
type position struct {
	next       int64
	notBefore  time.Time
	inflight   map[int64]struct{}
	deliveries map[int64]int
}

// Broker is an in-memory partitioned log. Offsets start at 1 per partition.
type Broker struct {
	mu          sync.Mutex
	partitions  int
	logs        map[string][][]record
	positions   map[positionKey]*position
	seen        map[string]messaging.Ack
	changed     chan struct{}
	unavailable error
	closed      bool
}

// NewBroker creates a broker with the given partition count per topic.
func NewBroker(partitions int) *Broker {
	if partitions < 1 {
		partitions = 1
	}
	return &Broker{
		partitions: partitions,
		logs:       make(map[string][][]record),
		positions:  make(map[positionKey]*position),
		seen:       make(map[string]messaging.Ack),
		changed:    make(chan struct{}),
	}
}

// Partitions returns the partition count of every topic.
func (b *Broker) Partitions() int { return b.partitions }

// SetUnavailable makes Publish and Poll fail with a transient error until
// called again with nil. Used to simulate a broker outage.
func (b *Broker) SetUnavailable(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unavailable = err
}

// Publish appends data to the partition selected by key. A repeated message
// ID returns the original ack with Duplicate set.
func (b *Broker) Publish(ctx context.Context, topic, key string, data []byte, opts ...messaging.PublishOption) (messaging.Ack, error) {
	if err := ctx.Err(); err != nil {
		return messaging.Ack{}, messaging.Transient("publish", err)
	}
	if err := messaging.ValidateTopic(topic); err != nil {
		return messaging.Ack{}, fmt.Errorf("publish: %w", err)
	}
	o := messaging.ApplyPublishOptions(opts...)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return messaging.Ack{}, messaging.ErrClosed
	}
	if b.unavailable != nil {
		return messaging.Ack{}, messaging.Transient("publish", b.unavailable)
	}
	if o.MessageID != "" {
		if ack, ok := b.seen[o.MessageID]; ok {
			ack.Duplicate = true
			return ack, nil
		}
	}

	partition := messaging.PartitionFor(key, b.partitions)
	log := b.topicLog(topic)
	log[partition] = append(log[partition], record{
		key:       key,
		value:     append([]byte(nil), data...),
		messageID: o.MessageID,
		at:        time.Now().UTC(),
	})
	ack := messaging.Ack{Topic: topic, Partition: partition, Offset: int64(len(log[partition]))}
	if o.MessageID != "" {
		b.seen[o.MessageID] = ack
	}
	b.broadcastLocked()
	return ack, nil
}

// Subscribe opens a subscription for group on one partition of topic. The
// group's position survives the subscription; a new group starts at offset 1.
func (b *Broker) Subscribe(ctx context.Context, group, topic string, partition int) (messaging.Subscription, error) {
	if err := messaging.ValidateTopic(topic); err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	if partition < 0 || partition >= b.partitions {
		return nil, fmt.Errorf("subscribe: partition %d out of range [0,%d)", partition, b.partitions)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, messaging.ErrClosed
	}
	b.topicLog(topic)
	b.positionLocked(positionKey{group, topic, partition})
	return &subscription{broker: b, key: positionKey{group, topic, partition}}, nil
}

// Seek moves a group's position so the next Poll starts at offset. Used to
// replay a partition from an earlier point.
func (b *Broker) Seek(group, topic string, partition int, offset int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	pos := b.positionLocked(positionKey{group, topic, partition})
	if offset < 1 {
		offset = 1
	}
	pos.next = offset
	pos.notBefore = time.Time{}
	clear(pos.inflight)
	b.broadcastLocked()
}

// Len returns the number of messages stored on one partition of topic.
func (b *Broker) Len(topic string, partition int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	log, ok := b.logs[topic]
	if !ok || partition < 0 || partition >= len(log) {
		return 0
	}
	return len(log[partition])
}

// Messages returns copies of every message on topic, partition by partition.
// The returned deliveries are not bound to a subscription.
func (b *Broker) Messages(topic string) []*messaging.Delivery {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*messaging.Delivery
	for p, recs := range b.logs[topic] {
		for i, r := range recs {
			out = append(out, &messaging.Delivery{
				Topic:     topic,
				Partition: p,
				Offset:    int64(i + 1),
				Key:       r.key,
				Value:     append([]byte(nil), r.value...),
				MessageID: r.messageID,
				Timestamp: r.at,
			})
		}
	}
	return out
}

// Close stops the broker. Pending polls return ErrClosed.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		b.broadcastLocked()
	}
	return nil
}

func (b *Broker) topicLog(topic string) [][]record {
	log, ok := b.logs[topic]
	if !ok {
		log = make([][]record, b.partitions)
		b.logs[topic] = log
	}
	return log
}

func (b *Broker) positionLocked(k positionKey) *position {
	pos, ok := b.positions[k]
	if !ok {
		pos = &position{
			next:       1,
			inflight:   make(map[int64]struct{}),
			deliveries: make(map[int64]int),
		}
		b.positions[k] = pos
	}
	return pos
}

// broadcastLocked wakes every waiting Poll.
func (b *Broker) broadcastLocked() {
	close(b.changed)
	b.changed = make(chan struct{})
}

// take claims up to max records for k. It returns the deliveries, or a
// channel to wait on and how long until a delayed redelivery becomes due.
func (b *Broker) take(k positionKey, max int, acker func(int64) messaging.Acker) ([]*messaging.Delivery, <-chan struct{}, time.Duration, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, nil, 0, messaging.ErrClosed
	}
	if b.unavailable != nil {
		return nil, nil, 0, messaging.Transient("poll", b.unavailable)
	}

	pos := b.positionLocked(k)
	if wait := time.Until(pos.notBefore); wait > 0 {
		return nil, b.changed, wait, nil
	}
	recs := b.logs[k.topic][k.partition]
	var out []*messaging.Delivery
	for int(pos.next) <= len(recs) && len(out) < max {
		off := pos.next
		r := recs[off-1]
		pos.deliveries[off]++
		pos.inflight[off] = struct{}{}
		out = append(out, messaging.NewDelivery(messaging.Delivery{
			Topic:      k.topic,
			Partition:  k.partition,
			Offset:     off,
			Key:        r.key,
			Value:      append([]byte(nil), r.value...),
			MessageID:  r.messageID,
			Deliveries: pos.deliveries[off],
			Timestamp:  r.at,
		}, acker(off)))
		pos.next++
	}
	if len(out) == 0 {
		return nil, b.changed, 0, nil
	}
	return out, nil, 0, nil
}

func (b *Broker) settle(k positionKey, offset int64, redeliverAfter time.Duration, nak bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return messaging.ErrClosed
	}
	pos := b.positionLocked(k)
	if _, ok := pos.inflight[offset]; !ok {
		return nil
	}
	delete(pos.inflight, offset)
	if !nak {
		return nil
	}
	if offset < pos.next {
		pos.next = offset
	}
	if until := time.Now().Add(redeliverAfter); until.After(pos.notBefore) {
		pos.notBefore = until
	}
	b.broadcastLocked()
	return nil
}

// release rewinds the group to its oldest unsettled delivery.
func (b *Broker) release(k positionKey) {
	b.mu.Lock()
	defer b.mu.Unlock()
	pos, ok := b.positions[k]
	if !ok {
		return
	}
	for off := range pos.inflight {
		if off < pos.next {
			pos.next = off
		}
	}
	clear(pos.inflight)
	if !b.closed {
		b.broadcastLocked()
	}
}

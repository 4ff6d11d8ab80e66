package memory

import (
	"context"
	"sync"
	"time"

	"github.com/telhawk-systems/taskhub/common/messaging"
)

type subscription struct {
	broker *Broker
	key    positionKey

	mu     sync.Mutex
	closed bool
}

// Poll blocks until deliveries are available, timeout elapses or ctx ends.
func (s *subscription) Poll(ctx context.Context, max int, timeout time.Duration) ([]*messaging.Delivery, error) {
	if max < 1 {
		max = 1
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		if s.isClosed() {
			return nil, messaging.ErrClosed
		}
		out, changed, due, err := s.broker.take(s.key, max, s.acker)
		if err != nil || len(out) > 0 {
			return out, err
		}

		var redeliver *time.Timer
		var dueC <-chan time.Time
		if due > 0 {
			redeliver = time.NewTimer(due)
			dueC = redeliver.C
		}
		select {
		case <-ctx.Done():
			stopTimer(redeliver)
			return nil, nil
		case <-deadline.C:
			stopTimer(redeliver)
			return nil, nil
		case <-changed:
		case <-dueC:
		}
		stopTimer(redeliver)
	}
}

// Close rewinds unsettled deliveries so the group sees them again.
func (s *subscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.broker.release(s.key)
	return nil
}

func (s *subscription) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *subscription) acker(offset int64) messaging.Acker {
	return &acker{broker: s.broker, key: s.key, offset: offset}
}

type acker struct {
	broker *Broker
	key    positionKey
	offset int64
}

func (a *acker) Ack(context.Context) error {
	return a.broker.settle(a.key, a.offset, 0, false)
}

func (a *acker) Nak(_ context.Context, delay time.Duration) error {
	return a.broker.settle(a.key, a.offset, delay, true)
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

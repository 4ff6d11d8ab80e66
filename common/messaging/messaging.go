// Package messaging defines the partitioned log broker used to move events
// from the outbox publisher to consumer groups. Implementations live in the
// nats (JetStream) and memory subpackages.
package messaging

import (
	"context"
	"errors"
	"time"
)

// Ack is the broker's confirmation that a message is durably stored.
type Ack struct {
	Topic     string
	Partition int
	Offset    int64
	// Duplicate is set when the broker recognised the message ID and did not
	// store a second copy.
	Duplicate bool
}

// Producer publishes messages to topics. Messages with the same key land on
// the same partition and keep their publish order.
type Producer interface {
	Publish(ctx context.Context, topic, key string, data []byte, opts ...PublishOption) (Ack, error)
}

// Subscription is a pull cursor over one (group, topic, partition).
type Subscription interface {
	// Poll returns up to max deliveries in offset order, waiting at most
	// timeout for the first one. An empty slice with a nil error means
	// nothing was available.
	Poll(ctx context.Context, max int, timeout time.Duration) ([]*Delivery, error)

	// Close releases the subscription. Unacknowledged deliveries are
	// redelivered to the next subscriber of the group.
	Close() error
}

// Broker is a partitioned, durable message log with consumer groups.
type Broker interface {
	Producer

	// Subscribe opens a durable subscription for group on one partition of
	// topic. Position is kept by the broker across subscriptions.
	Subscribe(ctx context.Context, group, topic string, partition int) (Subscription, error)

	// Partitions is the fixed partition count of every topic.
	Partitions() int

	Close() error
}

// ErrClosed is returned by operations on a closed broker or subscription.
var ErrClosed = errors.New("messaging: closed")

// Acker settles a delivery with the broker.
type Acker interface {
	Ack(ctx context.Context) error
	Nak(ctx context.Context, delay time.Duration) error
}

// Delivery is one message handed to a consumer.
type Delivery struct {
	Topic      string
	Partition  int
	Offset     int64
	Key        string
	Value      []byte
	MessageID  string
	Deliveries int
	Timestamp  time.Time

	acker Acker
}

// NewDelivery binds a delivery to the acker that settles it. Broker
// implementations call this; consumers only see the result.
func NewDelivery(d Delivery, acker Acker) *Delivery {
	d.acker = acker
	return &d
}

// Ack confirms the delivery. The broker will not redeliver it to the group.
func (d *Delivery) Ack(ctx context.Context) error {
	if d.acker == nil {
		return errors.New("messaging: delivery is not bound to a subscription")
	}
	return d.acker.Ack(ctx)
}

// Nak asks for redelivery after delay.
func (d *Delivery) Nak(ctx context.Context, delay time.Duration) error {
	if d.acker == nil {
		return errors.New("messaging: delivery is not bound to a subscription")
	}
	return d.acker.Nak(ctx, delay)
}

// PublishOption configures message publishing behavior.
type PublishOption func(*PublishOptions)

// PublishOptions is the resolved set of publish options.
type PublishOptions struct {
	MessageID string
}

// WithMessageID sets the broker-side deduplication ID for the message.
func WithMessageID(id string) PublishOption {
	return func(o *PublishOptions) {
		o.MessageID = id
	}
}

// ApplyPublishOptions resolves opts.
func ApplyPublishOptions(opts ...PublishOption) PublishOptions {
	var o PublishOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

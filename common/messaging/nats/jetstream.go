package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/telhawk-systems/taskhub/common/messaging"
)

// StreamConfig defines the event stream and its consumers.
type StreamConfig struct {
	// Name is the stream name.
	Name string

	// Partitions is the partition count of every topic.
	Partitions int

	// MaxAge bounds how long messages stay replayable.
	MaxAge time.Duration

	// DuplicateWindow is how long message IDs are remembered for dedup.
	DuplicateWindow time.Duration

	// AckWait is time to wait for acknowledgment before redelivery.
	AckWait time.Duration

	// Replicas is the stream replication factor.
	Replicas int

	// Storage type (FileStorage, MemoryStorage).
	Storage jetstream.StorageType
}

// DefaultStreamConfig returns the stream used by all services.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		Name:            "TASKHUB_EVENTS",
		Partitions:      4,
		MaxAge:          72 * time.Hour,
		DuplicateWindow: 2 * time.Minute,
		AckWait:         30 * time.Second,
		Replicas:        1,
		Storage:         jetstream.FileStorage,
	}
}

// jetStreamConfig maps StreamConfig onto the server-side stream definition.
// Limits retention keeps messages for MaxAge regardless of acks, so several
// groups and replays can read the same log.
func (c StreamConfig) jetStreamConfig() jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:       c.Name,
		Subjects:   []string{messaging.SubjectPrefix + ".>"},
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     c.MaxAge,
		Duplicates: c.DuplicateWindow,
		Replicas:   c.Replicas,
		Storage:    c.Storage,
	}
}

// consumerConfig defines the durable pull consumer for one group partition.
// MaxAckPending of 1 keeps a single message in flight per partition.
func (c StreamConfig) consumerConfig(group, topic string, partition int) jetstream.ConsumerConfig {
	name := ConsumerName(group, topic, partition)
	return jetstream.ConsumerConfig{
		Name:          name,
		Durable:       name,
		FilterSubject: messaging.Subject(topic, partition),
		DeliverPolicy: jetstream.DeliverAllPolicy,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       c.AckWait,
		MaxDeliver:    -1,
		MaxAckPending: 1,
	}
}

// ConsumerName derives the durable consumer name for a group partition.
// Characters JetStream rejects in names are replaced with underscores.
func ConsumerName(group, topic string, partition int) string {
	r := strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_", "/", "_", "\\", "_")
	return r.Replace(fmt.Sprintf("%s-%s-%d", group, topic, partition))
}

// JetStreamBroker implements messaging.Broker on a JetStream stream.
type JetStreamBroker struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	cfg    StreamConfig
	logger *slog.Logger
}

// NewJetStreamBroker creates the stream if needed and returns a broker using
// it. Failing to create the stream is a startup error.
func NewJetStreamBroker(ctx context.Context, conn *nats.Conn, cfg StreamConfig, logger *slog.Logger) (*JetStreamBroker, error) {
	if cfg.Partitions < 1 {
		return nil, fmt.Errorf("stream %s: partitions must be >= 1", cfg.Name)
	}
	js, err := jetstream.New(conn)
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}
	if _, err := js.CreateOrUpdateStream(ctx, cfg.jetStreamConfig()); err != nil {
		return nil, fmt.Errorf("failed to create/update stream %s: %w", cfg.Name, err)
	}
	logger.Info("jetstream stream ready",
		slog.String("stream", cfg.Name),
		slog.Int("partitions", cfg.Partitions),
		slog.Duration("max_age", cfg.MaxAge))

	return &JetStreamBroker{conn: conn, js: js, cfg: cfg, logger: logger}, nil
}

// Partitions returns the partition count of every topic.
func (b *JetStreamBroker) Partitions() int { return b.cfg.Partitions }

// Publish stores data on the partition chosen by key and waits for the
// stream's ack. The message ID drives JetStream's duplicate window.
func (b *JetStreamBroker) Publish(ctx context.Context, topic, key string, data []byte, opts ...messaging.PublishOption) (messaging.Ack, error) {
	if err := messaging.ValidateTopic(topic); err != nil {
		return messaging.Ack{}, fmt.Errorf("publish: %w", err)
	}
	o := messaging.ApplyPublishOptions(opts...)
	partition := messaging.PartitionFor(key, b.cfg.Partitions)

	msg := &nats.Msg{
		Subject: messaging.Subject(topic, partition),
		Data:    data,
		Header:  nats.Header{},
	}
	msg.Header.Set(messaging.KeyHeader, key)

	var pubOpts []jetstream.PublishOpt
	if o.MessageID != "" {
		pubOpts = append(pubOpts, jetstream.WithMsgID(o.MessageID))
	}
	pa, err := b.js.PublishMsg(ctx, msg, pubOpts...)
	if err != nil {
		return messaging.Ack{}, messaging.Transient("publish", err)
	}
	return messaging.Ack{
		Topic:     topic,
		Partition: partition,
		Offset:    int64(pa.Sequence),
		Duplicate: pa.Duplicate,
	}, nil
}

// Subscribe binds the group's durable pull consumer for one partition.
func (b *JetStreamBroker) Subscribe(ctx context.Context, group, topic string, partition int) (messaging.Subscription, error) {
	if err := messaging.ValidateTopic(topic); err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	if partition < 0 || partition >= b.cfg.Partitions {
		return nil, fmt.Errorf("subscribe: partition %d out of range [0,%d)", partition, b.cfg.Partitions)
	}
	consumer, err := b.js.CreateOrUpdateConsumer(ctx, b.cfg.Name, b.cfg.consumerConfig(group, topic, partition))
	if err != nil {
		return nil, messaging.Transient("subscribe", fmt.Errorf("consumer %s: %w", ConsumerName(group, topic, partition), err))
	}
	return &subscription{consumer: consumer, topic: topic, partition: partition}, nil
}

// Close drains the connection.
func (b *JetStreamBroker) Close() error {
	if b.conn.IsClosed() {
		return nil
	}
	return b.conn.Drain()
}

type subscription struct {
	consumer  jetstream.Consumer
	topic     string
	partition int
}

// Poll fetches up to max messages, waiting at most timeout.
func (s *subscription) Poll(ctx context.Context, max int, timeout time.Duration) ([]*messaging.Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil
	}
	if max < 1 {
		max = 1
	}
	batch, err := s.consumer.Fetch(max, jetstream.FetchMaxWait(timeout))
	if err != nil {
		if isEmptyFetch(err) {
			return nil, nil
		}
		return nil, messaging.Transient("poll", err)
	}

	var out []*messaging.Delivery
	for msg := range batch.Messages() {
		d, err := s.toDelivery(msg)
		if err != nil {
			return out, messaging.Transient("poll", err)
		}
		out = append(out, d)
	}
	if err := batch.Error(); err != nil && !isEmptyFetch(err) {
		return out, messaging.Transient("poll", err)
	}
	return out, nil
}

// Close leaves the durable consumer on the server; its position persists.
func (s *subscription) Close() error { return nil }

func (s *subscription) toDelivery(msg jetstream.Msg) (*messaging.Delivery, error) {
	meta, err := msg.Metadata()
	if err != nil {
		return nil, fmt.Errorf("message metadata: %w", err)
	}
	var key, id string
	if h := msg.Headers(); h != nil {
		key = h.Get(messaging.KeyHeader)
		id = h.Get(jetstream.MsgIDHeader)
	}
	return messaging.NewDelivery(messaging.Delivery{
		Topic:      s.topic,
		Partition:  s.partition,
		Offset:     int64(meta.Sequence.Stream),
		Key:        key,
		Value:      msg.Data(),
		MessageID:  id,
		Deliveries: int(meta.NumDelivered),
		Timestamp:  meta.Timestamp,
	}, &acker{msg: msg}), nil
}

// isEmptyFetch reports fetch outcomes that just mean nothing arrived in time.
func isEmptyFetch(err error) bool {
	return errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}

type acker struct {
	msg jetstream.Msg
}

// Ack waits for the server to confirm the ack, so a lost ack surfaces as an
// error instead of a silent redelivery.
func (a *acker) Ack(ctx context.Context) error {
	if err := a.msg.DoubleAck(ctx); err != nil {
		return messaging.Transient("ack", err)
	}
	return nil
}

func (a *acker) Nak(_ context.Context, delay time.Duration) error {
	var err error
	if delay > 0 {
		err = a.msg.NakWithDelay(delay)
	} else {
		err = a.msg.Nak()
	}
	if err != nil {
		return messaging.Transient("nak", err)
	}
	return nil
}

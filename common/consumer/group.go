package consumer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/telhawk-systems/taskhub/common/logging"
	"github.com/telhawk-systems/taskhub/common/messaging"
)

// Group runs one Dispatcher per (topic, partition) for a consumer group.
type Group struct {
	broker   messaging.Broker
	topics   []string
	registry *Registry
	stores   Stores
	cfg      Config
	metrics  *Metrics
	logger   *slog.Logger
}

// NewGroup creates a consumer group over topics.
func NewGroup(broker messaging.Broker, topics []string, registry *Registry, stores Stores, cfg Config, metrics *Metrics, logger *slog.Logger) (*Group, error) {
	if cfg.Group == "" {
		return nil, fmt.Errorf("consumer group name is required")
	}
	if len(topics) == 0 {
		return nil, fmt.Errorf("consumer group %s has no topics", cfg.Group)
	}
	for _, t := range topics {
		if err := messaging.ValidateTopic(t); err != nil {
			return nil, fmt.Errorf("consumer group %s: %w", cfg.Group, err)
		}
	}
	if stores.Cursors == nil || stores.Processed == nil || stores.DeadLetters == nil {
		return nil, fmt.Errorf("consumer group %s: cursor, processed and dead-letter stores are required", cfg.Group)
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Group{
		broker:   broker,
		topics:   topics,
		registry: registry,
		stores:   stores,
		cfg:      cfg,
		metrics:  metrics,
		logger:   logger,
	}, nil
}

// Run starts every dispatcher and blocks until all of them stop, which
// happens when ctx is cancelled.
func (g *Group) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, topic := range g.topics {
		for p := 0; p < g.broker.Partitions(); p++ {
			d := NewDispatcher(g.broker, topic, p, g.registry, g.stores, g.cfg, g.metrics, g.logger)
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := d.Run(ctx); err != nil {
					g.logger.Error("dispatcher exited", logging.Topic(topic), logging.Partition(p), logging.Error(err))
				}
			}()
		}
	}
	g.logger.Info("consumer group started",
		logging.ConsumerGroup(g.cfg.Group),
		slog.Any("topics", g.topics),
		slog.Int("partitions", g.broker.Partitions()),
		slog.Any("event_types", g.registry.Types()))
	wg.Wait()
	g.logger.Info("consumer group stopped", logging.ConsumerGroup(g.cfg.Group))
	return nil
}

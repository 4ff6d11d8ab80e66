package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/telhawk-systems/taskhub/common/bootstrap"
	"github.com/telhawk-systems/taskhub/common/config"
	"github.com/telhawk-systems/taskhub/common/consumer"
	"github.com/telhawk-systems/taskhub/common/logging"
	"github.com/telhawk-systems/taskhub/common/middleware"
	"github.com/telhawk-systems/taskhub/common/operator"
	"github.com/telhawk-systems/taskhub/notification/internal/handlers"
	"github.com/telhawk-systems/taskhub/notification/internal/notifier"
	"github.com/telhawk-systems/taskhub/notification/internal/server"
	"github.com/telhawk-systems/taskhub/notification/internal/stats"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "notification service: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(config.ServiceNotification)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := bootstrap.NewLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := bootstrap.ConnectDatabase(ctx, cfg, logger.Logger)
	if err != nil {
		return err
	}
	defer pool.Close()

	broker, err := bootstrap.ConnectBroker(ctx, cfg, logger.Logger)
	if err != nil {
		return err
	}
	defer broker.Close()

	processed, closeProcessed, err := bootstrap.ProcessedSet(ctx, cfg, pool, logger.Logger)
	if err != nil {
		return err
	}
	defer closeProcessed()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	st := stats.New()
	registry := consumer.NewRegistry()
	if err := notifier.New(st, logger.Component("notifier")).Register(registry); err != nil {
		return err
	}

	deadLetters := consumer.NewPostgresDeadLetterStore(pool)
	cursors := consumer.NewPostgresCursorStore(pool)
	group, err := consumer.NewGroup(broker, cfg.Consumer.Topics, registry, consumer.Stores{
		Cursors:     cursors,
		Processed:   processed,
		DeadLetters: deadLetters,
	}, cfg.Consumer.Dispatcher(), consumer.NewMetrics(reg), logger.Component("consumer"))
	if err != nil {
		return err
	}

	router := server.NewRouter(
		handlers.NewHandler(st),
		operator.NewDeadLetterHandler(deadLetters, broker, logger.Logger),
		operator.NewCursorHandler(cursors, cfg.Consumer.Group, logger.Logger),
		reg,
		middleware.NewHTTPMetrics(reg),
		logger.Logger,
	)
	srv := bootstrap.NewHTTPServer(cfg, router)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		st.SetStatus(stats.StatusRunning)
		defer st.SetStatus(stats.StatusStopped)
		if err := group.Run(ctx); err != nil {
			logger.Error("consumer group stopped", logging.Error(err))
		}
	}()

	if pg, ok := processed.(*consumer.PostgresProcessedSet); ok {
		wg.Add(1)
		go func() {
			defer wg.Done()
			purgeProcessed(ctx, pg, cfg.Consumer.DedupPurgeInterval, logger.Logger)
		}()
	}

	err = bootstrap.Serve(ctx, srv, cfg.Server.ShutdownTimeout, logger.Logger)
	stop()
	wg.Wait()
	logger.Info("notification service stopped")
	return err
}

// purgeProcessed drops expired dedup rows until ctx ends.
func purgeProcessed(ctx context.Context, set *consumer.PostgresProcessedSet, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := set.Purge(ctx)
			if err != nil {
				logger.Warn("dedup purge failed", logging.Error(err))
				continue
			}
			if n > 0 {
				logger.Info("purged expired dedup entries", slog.Int64("count", n))
			}
		}
	}
}

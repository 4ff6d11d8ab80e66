// Package bootstrap wires the shared infrastructure every service starts
// with: logger, Postgres, the broker and the HTTP server lifecycle.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/telhawk-systems/taskhub/common/config"
	"github.com/telhawk-systems/taskhub/common/consumer"
	"github.com/telhawk-systems/taskhub/common/database"
	"github.com/telhawk-systems/taskhub/common/logging"
	"github.com/telhawk-systems/taskhub/common/messaging"
	"github.com/telhawk-systems/taskhub/common/messaging/memory"
	natsbroker "github.com/telhawk-systems/taskhub/common/messaging/nats"
)

// StartupTimeout bounds how long a service retries its dependencies before
// giving up.
const StartupTimeout = time.Minute

// NewLogger builds the service logger and installs it as the slog default.
func NewLogger(cfg *config.Config) *logging.Logger {
	logger := logging.New(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format).
		With(logging.Service(cfg.Service))
	logging.SetDefault(logger)
	return logger
}

// retry runs op with exponential backoff until it succeeds, ctx ends or
// StartupTimeout elapses.
func retry(ctx context.Context, logger *slog.Logger, what string, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = StartupTimeout

	return backoff.RetryNotify(op, backoff.WithContext(bo, ctx), func(err error, wait time.Duration) {
		logger.Warn(what+" not ready, retrying", logging.Error(err), slog.Duration("retry_in", wait))
	})
}

// ConnectDatabase opens the pool, retrying until Postgres accepts
// connections, and applies migrations.
func ConnectDatabase(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*pgxpool.Pool, error) {
	connString := cfg.Database.Postgres.ConnString()

	var pool *pgxpool.Pool
	err := retry(ctx, logger, "postgres", func() error {
		p, err := database.Connect(ctx, connString, cfg.Database.Pool())
		if err != nil {
			return err
		}
		pool = p
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	logger.Info("running database migrations", slog.String("source", cfg.Database.MigrationsURL))
	if err := database.Migrate(cfg.Database.MigrationsURL, connString); err != nil {
		pool.Close()
		return nil, err
	}
	logger.Info("database ready")
	return pool, nil
}

// ConnectBroker returns the broker selected by broker.driver. The NATS
// driver retries the connection and creates the stream.
func ConnectBroker(ctx context.Context, cfg *config.Config, logger *slog.Logger) (messaging.Broker, error) {
	switch cfg.Broker.Driver {
	case config.BrokerMemory:
		logger.Warn("using in-process memory broker; events do not leave this process")
		return memory.NewBroker(cfg.Broker.Partitions), nil
	case config.BrokerNATS:
	default:
		return nil, fmt.Errorf("unknown broker driver %q", cfg.Broker.Driver)
	}

	var broker *natsbroker.JetStreamBroker
	err := retry(ctx, logger, "nats", func() error {
		conn, err := natsbroker.Connect(cfg.NATS.Client("taskhub-"+cfg.Service), logger)
		if err != nil {
			return err
		}
		b, err := natsbroker.NewJetStreamBroker(ctx, conn, cfg.Broker.StreamConfig(), logger)
		if err != nil {
			conn.Close()
			return err
		}
		broker = b
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return broker, nil
}

// ProcessedSet returns the dedup store selected by consumer.dedup_backend.
// Retention is clamped to the broker's replay window. The returned close
// function releases the Redis client, if any.
func ProcessedSet(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, logger *slog.Logger) (consumer.ProcessedSet, func() error, error) {
	retention := consumer.ClampRetention(cfg.Consumer.DedupRetention, cfg.Broker.MaxAge)
	if retention != cfg.Consumer.DedupRetention {
		logger.Warn("dedup retention clamped to broker max age",
			slog.Duration("configured", cfg.Consumer.DedupRetention),
			slog.Duration("effective", retention))
	}

	if cfg.Consumer.DedupBackend == config.DedupPostgres {
		return consumer.NewPostgresProcessedSet(pool, retention), func() error { return nil }, nil
	}

	var set *consumer.RedisProcessedSet
	var closeFn func() error
	err := retry(ctx, logger, "redis", func() error {
		client, err := consumer.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return err
		}
		set = consumer.NewRedisProcessedSet(client, retention)
		closeFn = client.Close
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("connect redis: %w", err)
	}
	return set, closeFn, nil
}

// NewHTTPServer returns a server configured from cfg.Server.
func NewHTTPServer(cfg *config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
}

// Serve runs srv until ctx is cancelled, then shuts it down gracefully.
func Serve(ctx context.Context, srv *http.Server, shutdownTimeout time.Duration, logger *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down http server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

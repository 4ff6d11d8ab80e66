package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/telhawk-systems/taskhub/common/bootstrap"
	"github.com/telhawk-systems/taskhub/common/config"
	"github.com/telhawk-systems/taskhub/common/logging"
	"github.com/telhawk-systems/taskhub/common/middleware"
	"github.com/telhawk-systems/taskhub/common/operator"
	"github.com/telhawk-systems/taskhub/common/outbox"
	"github.com/telhawk-systems/taskhub/user/internal/handlers"
	"github.com/telhawk-systems/taskhub/user/internal/repository"
	"github.com/telhawk-systems/taskhub/user/internal/server"
	"github.com/telhawk-systems/taskhub/user/internal/service"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "user service: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(config.ServiceUser)
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

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	store := outbox.NewPostgresStore(pool, "", cfg.Outbox.LeaseDuration)
	publisher := outbox.NewPublisher(store, broker, cfg.Outbox.Publisher(), logger.Component("outbox_publisher"),
		outbox.WithMetrics(outbox.NewMetrics(reg)),
		outbox.WithAlerter(outbox.NewLogAlerter(logger.Component("outbox_alerter"), reg)),
	)

	repo := repository.NewPostgresRepository(pool, store)
	svc := service.NewService(repo, publisher, logger.Component("user_service"))
	router := server.NewRouter(
		handlers.NewHandler(svc, logger.Logger),
		operator.NewOutboxHandler(store, publisher, logger.Logger),
		reg,
		middleware.NewHTTPMetrics(reg),
		logger.Logger,
	)
	srv := bootstrap.NewHTTPServer(cfg, router)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := publisher.Run(ctx); err != nil {
			logger.Error("outbox publisher stopped", logging.Error(err))
		}
	}()

	err = bootstrap.Serve(ctx, srv, cfg.Server.ShutdownTimeout, logger.Logger)
	stop()
	wg.Wait()
	logger.Info("user service stopped")
	return err
}

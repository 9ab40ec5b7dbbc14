package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/lalithlochan/relay/internal/api"
	"github.com/lalithlochan/relay/internal/app"
	"github.com/lalithlochan/relay/internal/broker"
	"github.com/lalithlochan/relay/internal/config"
	"github.com/lalithlochan/relay/internal/dispatch"
	"github.com/lalithlochan/relay/internal/metrics"
	"github.com/lalithlochan/relay/internal/observ"
	"github.com/lalithlochan/relay/internal/payments"
	"github.com/lalithlochan/relay/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel, "relay-dispatcher")
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting relay dispatcher",
		zap.String("env", cfg.Env),
		zap.Int("retry_limit", cfg.RetryLimit),
		zap.Duration("retry_delay", cfg.RetryDelay),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, logger, app.Options{RequireRedis: true})
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("failed to close connections", zap.Error(err))
		}
	}()

	consumers := []*broker.Consumer{
		broker.NewConsumer(a.Connector, broker.ConsumerConfig{
			Name:           "notification-events",
			Exchange:       cfg.EventsExchange,
			Queue:          cfg.NotificationEventsQueue,
			RoutingPattern: cfg.NotificationEventsPattern,
			RetryLimit:     int64(cfg.RetryLimit),
			ReconnectDelay: config.ReconnectDelay,
		}, dispatch.EnvelopeHandler(a.Orchestrator, logger), logger),
	}

	topology := payments.Topology(cfg.PaymentsExchange, cfg.PaymentsQueue,
		cfg.PaymentsRetryExchange, cfg.PaymentsDLXExchange, cfg.RetryDelay)
	paymentsCfg := payments.ConsumerConfig(topology, cfg.PaymentsPattern, int64(cfg.RetryLimit))
	paymentsCfg.ReconnectDelay = config.ReconnectDelay
	consumers = append(consumers, broker.NewConsumer(a.Connector, paymentsCfg, a.Payments.Handle, logger))

	for _, c := range consumers {
		c.Start(ctx)
	}

	workerCfg := worker.Config{
		PollInterval: cfg.ReminderPollInterval,
		BatchSize:    cfg.ReminderBatchSize,
	}
	workers := []*worker.Worker{
		worker.New(a.Retries, worker.RetryProcessor(a.Orchestrator), workerCfg, logger),
		worker.New(a.ReminderQ, a.Reminders.Fire, workerCfg, logger),
	}

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *worker.Worker) {
			defer wg.Done()
			w.Start(ctx)
		}(w)
	}
	logger.Info("consumers and workers started",
		zap.Int("consumers", len(consumers)),
		zap.Int("workers", len(workers)),
	)

	srv := metricsServer(cfg.MetricsPort, logger, a.Health())
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("metrics listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErrors:
		logger.Error("metrics server failed", zap.Error(err))
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var shutdownErr error
	for _, c := range consumers {
		shutdownErr = multierr.Append(shutdownErr, c.Stop())
	}
	wg.Wait()
	shutdownErr = multierr.Append(shutdownErr, srv.Shutdown(shutdownCtx))

	if shutdownErr != nil {
		return fmt.Errorf("shutdown: %w", shutdownErr)
	}
	logger.Info("dispatcher stopped gracefully")
	return nil
}

func metricsServer(port int, logger *zap.Logger, checks map[string]api.HealthCheck) *http.Server {
	r := chi.NewRouter()
	r.Handle("/metrics", metrics.Handler())
	r.Get("/health", api.NewHandler(logger, api.Options{Checks: checks}).Health)

	return &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

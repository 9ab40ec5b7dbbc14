package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lalithlochan/relay/internal/api"
	"github.com/lalithlochan/relay/internal/app"
	"github.com/lalithlochan/relay/internal/broker"
	"github.com/lalithlochan/relay/internal/config"
	"github.com/lalithlochan/relay/internal/metrics"
	"github.com/lalithlochan/relay/internal/observ"
	"github.com/lalithlochan/relay/internal/stream"
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

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel, "relay-gateway")
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting relay gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("store", cfg.Store),
	)

	ctx := context.Background()
	a, err := app.Build(ctx, cfg, logger, app.Options{})
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("failed to close connections", zap.Error(err))
		}
	}()

	if cfg.JWTSecret == "" {
		logger.Warn("JWT_SECRET not set, stream endpoints will reject every token")
	}

	opts := api.Options{
		Notifier:  a.Orchestrator,
		Hub:       a.Hub,
		Payments:  a.Payments,
		JWTSecret: []byte(cfg.JWTSecret),
		Checks:    a.Health(),
	}
	// typed nils would mount routes for services that are not configured
	if a.Reminders != nil {
		opts.Reminders = a.Reminders
	}
	if a.Permissions != nil {
		opts.Permissions = a.Permissions
	}
	if a.RateLimiter != nil {
		opts.RateLimiter = a.RateLimiter
	}
	handler := api.NewHandler(logger, opts)

	// each gateway needs its own bridge queue to see every event
	if cfg.StreamBridgeQueue != "" {
		bridge := broker.NewConsumer(a.Connector, broker.ConsumerConfig{
			Name:           "stream-bridge",
			Exchange:       cfg.EventsExchange,
			Queue:          cfg.StreamBridgeQueue,
			RoutingPattern: cfg.StreamBridgePattern,
			RetryLimit:     int64(cfg.RetryLimit),
			ReconnectDelay: config.ReconnectDelay,
		}, stream.BrokerBridge(a.Hub, logger), logger)
		bridge.Start(ctx)
		defer func() { _ = bridge.Stop() }()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(api.RequestLogger(logger))
	handler.Routes(r)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: r,
		// stream handlers clear the write deadline for their own connection
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// open streams end when Shutdown starts instead of holding it to the deadline
	streamCtx, endStreams := context.WithCancel(context.Background())
	defer endStreams()
	srv.BaseContext = func(net.Listener) context.Context { return streamCtx }
	srv.RegisterOnShutdown(endStreams)

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}

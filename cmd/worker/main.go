// Package main provides the worker service entry point: it runs the outbox
// delivery loop, the event bus and the optional Redis relay, and serves the
// health and metrics endpoints.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/lllypuk/eventcore/internal/config"
	"github.com/lllypuk/eventcore/internal/infrastructure/httpserver"
)

const version = "0.1.0"

func main() {
	if err := run(); err != nil {
		//nolint:sloglint // logger may not be configured yet
		slog.Error("worker failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := setupLogger(cfg)
	logger.Info("starting eventcore worker",
		slog.String("version", version),
		slog.String("app", cfg.App.Name),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	container, err := NewContainer(cfg, WithLogger(logger))
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := container.Close(); closeErr != nil {
			logger.Error("failed to close container", slog.String("error", closeErr.Error()))
		}
	}()

	if startErr := container.Start(ctx); startErr != nil {
		return startErr
	}

	server := newOpsServer(cfg, container, logger)
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err = <-serverErr:
		if err != nil {
			logger.Error("ops server failed", slog.String("error", err.Error()))
		}
	}

	if shutdownErr := server.Shutdown(context.Background()); shutdownErr != nil {
		err = errors.Join(err, shutdownErr)
	}

	logger.Info("worker service shutdown complete")
	return err
}

func newOpsServer(cfg *config.Config, container *Container, logger *slog.Logger) *httpserver.Server {
	server := httpserver.NewServer(httpserver.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, logger)
	server.RegisterHealth(container.Health)
	server.RegisterMetrics("/metrics", container.Metrics)
	return server
}

// setupLogger creates and configures the structured logger based on configuration.
func setupLogger(cfg *config.Config) *slog.Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level:     parseLogLevel(cfg.Log.Level),
		AddSource: cfg.IsDevelopment(),
	}

	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	logger := slog.New(handler).With(slog.String("app", cfg.App.Name))
	slog.SetDefault(logger)

	return logger
}

// parseLogLevel converts a string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

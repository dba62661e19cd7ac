// Package main is the entry point for signalgate, a WebSocket admission
// gateway for real-time signaling backends.
//
// Signalgate sits in front of a signaling cluster and decides which
// connections get in and how much they may say once connected:
//   - Per-IP connection caps and a global concurrency ceiling
//   - Token-bucket admission and per-message-category throttles
//   - Heartbeat and idle supervision of established connections
//   - Load-shedding degradation with automatic recovery
//   - Full observability: Prometheus metrics, health checks, structured logging, OpenTelemetry tracing
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/signalfish/signalgate/internal/config"
	"github.com/signalfish/signalgate/internal/observability"
	"github.com/signalfish/signalgate/internal/redis"
	"github.com/signalfish/signalgate/internal/server"
)

// version is set at build time via ldflags: -ldflags "-X main.version=v1.0.0".
var version = "dev"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Printf("signalgate %s\n", version)
		return
	}

	// Load configuration from YAML file + environment variable overrides.
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: configuration error: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger.
	logger := observability.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("starting signalgate", "version", version)
	redis.InitLogger(logger)

	// Create root context with signal handling for graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Create and start the server.
	srv, err := server.New(cfg, logger, version)
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	// Start the config file watcher for hot-reload.
	watcher := config.NewWatcher(config.ConfigFilePath(), func(newCfg *config.Config) {
		if reloadErr := srv.Reload(newCfg); reloadErr != nil {
			logger.Error("config reload failed", "error", reloadErr)
		}
	}, logger)
	go func() {
		if watchErr := watcher.Start(ctx); watchErr != nil {
			logger.Error("config watcher error", "error", watchErr)
		}
	}()
	defer watcher.Stop()

	if err := srv.Run(ctx); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("signalgate shut down gracefully")
}

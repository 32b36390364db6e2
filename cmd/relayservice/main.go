/*
File: cmd/relayservice/main.go
Description: Main entrypoint for the relay service.
Handles config loading, dependency injection, and starting the application.
*/
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-relay-service/cmd"
	"github.com/tinywideclouds/go-relay-service/internal/app"
	"github.com/tinywideclouds/go-relay-service/internal/dispatch"
	"github.com/tinywideclouds/go-relay-service/internal/presence"
	"github.com/tinywideclouds/go-relay-service/internal/realtime"
)

const serviceName = "go-relay-service"

func main() {
	// --- 1. Setup structured logging (slog) ---
	logLevel := parseLevel(os.Getenv("LOG_LEVEL"))
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})).With("service", serviceName)
	slog.SetDefault(logger)

	// The transport layer logs through zerolog.
	zlog := zerolog.New(os.Stdout).Level(zerologLevel(logLevel)).With().
		Timestamp().Str("service", serviceName).Logger()

	// --- 2. Load Configuration (Stages 0-2) ---
	cfg, err := cmd.Load(logger)
	if err != nil {
		logger.Error("Failed to load configuration", "err", err)
		os.Exit(1)
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	logger = logger.With("instance", cfg.InstanceID)

	ctx := context.Background()

	if cfg.RunMode == cmd.RunModeLocal {
		mr, err := cmd.StartLocalRedis(cfg, logger)
		if err != nil {
			logger.Error("Failed to start local mode", "err", err)
			os.Exit(1)
		}
		defer mr.Close()
	}

	// --- 3. Create dependencies ---
	// Only the initial store bootstrap may stop the process; later outages
	// degrade to fail-fast presence calls.
	deps, err := newDependencies(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize dependencies", "err", err)
		os.Exit(1)
	}

	// --- 4. Wire the relay ---
	metrics := dispatch.NewMetrics(prometheus.DefaultRegisterer)
	manager := presence.NewManager(deps.store, cfg.InstanceID, logger)
	dispatcher := dispatch.NewDispatcher(manager, deps.store, deps.channel, logger,
		dispatch.WithMetrics(metrics),
		dispatch.WithNotifyOffline(cfg.Relay.NotifyOffline),
	)

	connManager, err := realtime.NewConnectionManager(
		realtime.Config{
			Port:           cfg.Port,
			AllowedOrigins: cfg.Cors.AllowedOrigins,
			ReadLimit:      cfg.WebSocket.ReadLimit,
			PingInterval:   cfg.WebSocket.PingInterval,
			WriteTimeout:   cfg.WebSocket.WriteTimeout,
			SendBuffer:     cfg.WebSocket.SendBuffer,
		},
		dispatcher,
		zlog.With().Str("instance", cfg.InstanceID).Logger(),
		realtime.WithReadiness(deps.ready),
	)
	if err != nil {
		logger.Error("Failed to create Connection Manager", "err", err)
		os.Exit(1)
	}
	dispatcher.SetEmitter(connManager)

	// --- 5. Run the application ---
	if err := app.Run(ctx, logger, connManager, dispatcher, deps.closers...); err != nil {
		logger.Error("Relay service failed", "err", err)
		os.Exit(1)
	}
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug", "DEBUG":
		return slog.LevelDebug
	case "warn", "WARN":
		return slog.LevelWarn
	case "error", "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func zerologLevel(l slog.Level) zerolog.Level {
	switch {
	case l <= slog.LevelDebug:
		return zerolog.DebugLevel
	case l <= slog.LevelInfo:
		return zerolog.InfoLevel
	case l <= slog.LevelWarn:
		return zerolog.WarnLevel
	default:
		return zerolog.ErrorLevel
	}
}

// Package app contains the shared, reusable logic for starting and stopping the service.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/tinywideclouds/go-relay-service/pkg/relay"
)

// ShutdownTimeout bounds the graceful shutdown.
const ShutdownTimeout = 15 * time.Second

// Server is the connection-facing service (the realtime ConnectionManager).
type Server interface {
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// Subscriber is the broadcast side of the dispatcher.
type Subscriber interface {
	Start(ctx context.Context) (relay.Subscription, error)
}

// Run executes the main application lifecycle for the relay service. It
// subscribes to the broadcast channel, starts the connection server, waits
// for an OS signal or a failure and then shuts down in reverse order:
// sockets first (so close-time cleanup can still reach the store), then the
// subscription, then closers such as store clients.
func Run(
	ctx context.Context,
	logger *slog.Logger,
	server Server,
	subscriber Subscriber,
	closers ...io.Closer,
) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	logger.Info("Subscribing to broadcast channel...")
	sub, err := subscriber.Start(ctx)
	if err != nil {
		closeAll(logger, closers)
		return fmt.Errorf("failed to start dispatcher: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("Starting Connection Manager Service...")
		err := server.Start(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Connection Manager Service failed", "err", err)
			cancel() // Trigger shutdown.
		}
	}()

	// Wait for a shutdown signal.
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(shutdown)
	select {
	case sig := <-shutdown:
		logger.Info("Received shutdown signal.", "signal", sig.String())
	case <-ctx.Done():
		logger.Info("Context cancelled, initiating shutdown.")
	}

	// Execute graceful shutdown.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer shutdownCancel()

	logger.Info("Shutting down Connection Manager...")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Connection Manager shutdown failed.", "err", err)
	}
	wg.Wait()

	logger.Info("Closing broadcast subscription...")
	if err := sub.Close(); err != nil {
		logger.Error("Broadcast subscription close failed.", "err", err)
	}

	closeAll(logger, closers)
	logger.Info("All services shut down gracefully.")
	return nil
}

func closeAll(logger *slog.Logger, closers []io.Closer) {
	for _, c := range closers {
		if err := c.Close(); err != nil {
			logger.Warn("Error closing dependency", "err", err)
		}
	}
}

package cmd

import (
	"fmt"
	"log/slog"

	"github.com/alicebob/miniredis/v2"

	"github.com/tinywideclouds/go-relay-service/relayservice/config"
)

// RunModeLocal starts an in-process Redis so the service runs without any
// external dependency.
const RunModeLocal = "local"

// StartLocalRedis starts an embedded Redis and points cfg at it. The
// returned server must be closed on shutdown.
func StartLocalRedis(cfg *config.AppConfig, logger *slog.Logger) (*miniredis.Miniredis, error) {
	mr, err := miniredis.Run()
	if err != nil {
		return nil, fmt.Errorf("failed to start local redis: %w", err)
	}
	cfg.Redis.URL = ""
	cfg.Redis.Host = mr.Host()
	cfg.Redis.Port = mr.Port()
	cfg.Redis.Password = ""
	logger.Warn("Running with embedded local Redis; presence is not shared with other processes", "addr", mr.Addr())
	return mr, nil
}

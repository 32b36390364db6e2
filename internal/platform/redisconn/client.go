// Package redisconn builds the shared Redis client and tracks its
// connectivity, applying the bounded reconnect policy every gateway
// process uses toward the shared store.
package redisconn

import (
	"fmt"
	"net"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultHost           = "localhost"
	defaultPort           = "6379"
	defaultConnectTimeout = 5 * time.Second
)

// Options describes how to reach the shared store. URL takes precedence
// over the discrete Host/Port/Password fields when set.
type Options struct {
	URL            string
	Host           string
	Port           string
	Password       string
	DB             int
	ConnectTimeout time.Duration
}

// NewClient creates a go-redis client. It does not dial; use a Tracker's
// Connect to bootstrap the connection.
func NewClient(opts Options) (*redis.Client, error) {
	var ro *redis.Options
	if opts.URL != "" {
		parsed, err := redis.ParseURL(opts.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		ro = parsed
	} else {
		host := opts.Host
		if host == "" {
			host = defaultHost
		}
		port := opts.Port
		if port == "" {
			port = defaultPort
		}
		ro = &redis.Options{
			Addr:     net.JoinHostPort(host, port),
			Password: opts.Password,
			DB:       opts.DB,
		}
	}

	ro.DialTimeout = opts.ConnectTimeout
	if ro.DialTimeout <= 0 {
		ro.DialTimeout = defaultConnectTimeout
	}
	// Reconnection is owned by the Tracker; per-command retries would only
	// delay the fail-fast path while the store is down.
	ro.MaxRetries = -1

	return redis.NewClient(ro), nil
}

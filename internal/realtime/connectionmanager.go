/*
File: internal/realtime/connectionmanager.go
Description: WebSocket transport for the relay. Each accepted socket gets an
opaque handle; inbound frames are passed to the Handler in order and
outbound frames go through a single writer goroutine per connection.
*/
// Package realtime provides components for managing real-time client connections.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-relay-service/pkg/relay"
)

// Handler receives connection lifecycle and inbound events.
type Handler interface {
	HandleOpen(handle string)
	HandleFrame(ctx context.Context, handle string, frame relay.Frame)
	HandleClose(ctx context.Context, handle string)
}

// Config tunes the transport. Zero values take the defaults below.
type Config struct {
	Port           string
	AllowedOrigins []string
	ReadLimit      int64
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	SendBuffer     int
	CleanupTimeout time.Duration
}

const (
	defaultReadLimit      = 64 * 1024
	defaultPingInterval   = 25 * time.Second
	defaultWriteTimeout   = 10 * time.Second
	defaultSendBuffer     = 64
	defaultCleanupTimeout = 5 * time.Second
)

func (c Config) withDefaults() Config {
	if c.ReadLimit <= 0 {
		c.ReadLimit = defaultReadLimit
	}
	if c.PingInterval <= 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = defaultSendBuffer
	}
	if c.CleanupTimeout <= 0 {
		c.CleanupTimeout = defaultCleanupTimeout
	}
	return c
}

// pongWait must exceed the ping interval so one late pong is tolerated.
func (c Config) pongWait() time.Duration {
	return c.PingInterval * 2
}

// Option configures a ConnectionManager.
type Option func(*ConnectionManager)

// WithReadiness sets the check behind /readyz.
func WithReadiness(check func(ctx context.Context) error) Option {
	return func(cm *ConnectionManager) { cm.ready = check }
}

// WithGatherer sets the registry served on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(cm *ConnectionManager) { cm.gatherer = g }
}

// ConnectionManager manages all active WebSocket connections.
// It runs its own dedicated HTTP server.
type ConnectionManager struct {
	cfg      Config
	server   *http.Server
	upgrader websocket.Upgrader
	handler  Handler
	ready    func(ctx context.Context) error
	gatherer prometheus.Gatherer

	connections sync.Map // map[string]*client
	mu          sync.Mutex
	active      sync.WaitGroup
	closing     atomic.Bool
	logger      zerolog.Logger
}

// NewConnectionManager creates and wires up a new WebSocket connection manager.
func NewConnectionManager(cfg Config, handler Handler, logger zerolog.Logger, opts ...Option) (*ConnectionManager, error) {
	if handler == nil {
		return nil, errors.New("connection handler cannot be nil")
	}
	cfg = cfg.withDefaults()

	cm := &ConnectionManager{
		cfg:      cfg,
		handler:  handler,
		ready:    func(context.Context) error { return nil },
		gatherer: prometheus.DefaultGatherer,
		logger:   logger.With().Str("component", "ConnectionManager").Logger(),
	}
	for _, opt := range opts {
		opt(cm)
	}

	origins := newOriginPolicy(cfg.AllowedOrigins)
	cm.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     origins.checkRequest,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/connect", cm.connectHandler)
	mux.HandleFunc("/socket", cm.connectHandler)
	mux.HandleFunc("GET /healthz", cm.healthHandler)
	mux.HandleFunc("GET /readyz", cm.readyHandler)
	mux.Handle("GET /metrics", promhttp.HandlerFor(cm.gatherer, promhttp.HandlerOpts{}))

	cm.server = &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           origins.middleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return cm, nil
}

// Handler exposes the HTTP handler, mainly for tests.
func (cm *ConnectionManager) Handler() http.Handler {
	return cm.server.Handler
}

// Start runs the HTTP server for WebSocket connections.
func (cm *ConnectionManager) Start(ctx context.Context) error {
	cm.logger.Info().Str("addr", cm.server.Addr).Msg("WebSocket server starting...")
	if err := cm.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("websocket server failed: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections, sends every open socket a close
// frame and waits for their close-time cleanup to finish.
func (cm *ConnectionManager) Shutdown(ctx context.Context) error {
	cm.logger.Info().Msg("Shutting down WebSocket service...")
	cm.mu.Lock()
	cm.closing.Store(true)
	cm.mu.Unlock()

	var finalErr error
	if err := cm.server.Shutdown(ctx); err != nil {
		cm.logger.Error().Err(err).Msg("WebSocket server shutdown failed.")
		finalErr = err
	}

	cm.connections.Range(func(_, v any) bool {
		v.(*client).stop(websocket.CloseGoingAway, "server shutting down")
		return true
	})

	drained := make(chan struct{})
	go func() {
		cm.active.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		cm.logger.Warn().Msg("Timed out waiting for connections to close.")
		finalErr = errors.Join(finalErr, ctx.Err())
	}

	cm.logger.Info().Msg("WebSocket service shut down.")
	return finalErr
}

// Count returns the number of open connections.
func (cm *ConnectionManager) Count() int {
	n := 0
	cm.connections.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Emit queues an event for a local connection. It reports false when the
// handle is unknown or closing. A connection whose send buffer is full is
// treated as a dead consumer and closed.
func (cm *ConnectionManager) Emit(_ context.Context, handle string, event string, data json.RawMessage) bool {
	v, ok := cm.connections.Load(handle)
	if !ok {
		return false
	}
	c := v.(*client)

	frame, err := json.Marshal(relay.Frame{Event: event, Data: data})
	if err != nil {
		cm.logger.Error().Err(err).Str("event", event).Msg("Failed to encode outbound frame.")
		return false
	}

	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	case <-c.done:
		return false
	default:
		cm.logger.Warn().Str("handle", handle).Msg("Send buffer full, closing slow consumer.")
		c.stop(websocket.ClosePolicyViolation, "slow consumer")
		return false
	}
}

func (cm *ConnectionManager) healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (cm *ConnectionManager) readyHandler(w http.ResponseWriter, r *http.Request) {
	if cm.closing.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	if err := cm.ready(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// connectHandler upgrades a new HTTP request to a WebSocket and manages its lifecycle.
func (cm *ConnectionManager) connectHandler(w http.ResponseWriter, r *http.Request) {
	cm.mu.Lock()
	if cm.closing.Load() {
		cm.mu.Unlock()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	cm.active.Add(1)
	cm.mu.Unlock()
	defer cm.active.Done()

	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		cm.logger.Error().Err(err).Msg("Failed to upgrade connection.")
		return
	}

	c := newClient(uuid.NewString(), conn, cm.cfg.SendBuffer)
	log := cm.logger.With().Str("handle", c.handle).Logger()

	cm.connections.Store(c.handle, c)
	if cm.closing.Load() {
		// Shutdown may already have walked the connection map.
		c.stop(websocket.CloseGoingAway, "server shutting down")
	}
	cm.handler.HandleOpen(c.handle)
	log.Info().Str("remote", r.RemoteAddr).Msg("Connection opened.")

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		cm.writeLoop(c, log)
	}()

	cm.readLoop(r.Context(), c, log)

	cm.connections.Delete(c.handle)
	c.stop(websocket.CloseNormalClosure, "")
	<-writerDone
	if err := conn.Close(); err != nil {
		log.Debug().Err(err).Msg("error closing connection")
	}

	cleanupCtx, cancel := context.WithTimeout(context.Background(), cm.cfg.CleanupTimeout)
	defer cancel()
	cm.handler.HandleClose(cleanupCtx, c.handle)
	log.Info().Msg("Connection closed.")
}

// readLoop delivers inbound frames to the handler one at a time, so a
// connection's events are processed in the order they arrived.
func (cm *ConnectionManager) readLoop(ctx context.Context, c *client, log zerolog.Logger) {
	pongWait := cm.cfg.pongWait()
	c.conn.SetReadLimit(cm.cfg.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				log.Debug().Err(err).Msg("Connection read failed.")
			}
			return
		}

		var frame relay.Frame
		if err := json.Unmarshal(data, &frame); err != nil || frame.Event == "" {
			log.Warn().Err(err).Msg("Ignoring unreadable frame.")
			continue
		}
		cm.handler.HandleFrame(ctx, c.handle, frame)
	}
}

// writeLoop is the only goroutine that writes data frames to c.conn.
func (cm *ConnectionManager) writeLoop(c *client, log zerolog.Logger) {
	ticker := time.NewTicker(cm.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(cm.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.Debug().Err(err).Msg("Write failed, closing connection.")
				_ = c.conn.Close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(cm.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = c.conn.Close()
				return
			}
		case <-c.done:
			code, reason := c.closeReason()
			msg := websocket.FormatCloseMessage(code, reason)
			_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(cm.cfg.WriteTimeout))
			// Unblocks the read loop when the peer never answers the close.
			_ = c.conn.Close()
			return
		}
	}
}

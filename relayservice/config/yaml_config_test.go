package config_test

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/tinywideclouds/go-relay-service/relayservice/config"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const sampleYaml = `
project_id: yaml-project
run_mode: yaml-mode
port: "9000"
cors:
  allowed_origins: ["http://yaml-origin.com"]
redis:
  host: yaml-redis
  port: "6380"
  connect_timeout: 2s
reconnect:
  initial_interval: 50ms
  max_interval: 1s
  multiplier: 1.5
  max_retries: 4
presence:
  backend: firestore
  reverse_index: true
  firestore_collection: yaml-presence
broadcast:
  backend: nats
  compression: zstd
  nats_url: nats://yaml-nats:4222
  nats_subject: yaml.subject
websocket:
  read_limit: 1024
  ping_interval: 10s
  send_buffer: 8
relay:
  notify_offline: true
`

func TestNewConfigFromYaml(t *testing.T) {
	t.Run("Success - maps all fields correctly from YAML", func(t *testing.T) {
		var yamlCfg config.YamlConfig
		require.NoError(t, yaml.Unmarshal([]byte(sampleYaml), &yamlCfg))

		// This is the "Stage 1" function
		cfg, err := config.NewConfigFromYaml(&yamlCfg, newTestLogger())
		require.NoError(t, err)
		require.NotNil(t, cfg)

		assert.Equal(t, "yaml-project", cfg.ProjectID)
		assert.Equal(t, "yaml-mode", cfg.RunMode)
		assert.Equal(t, "9000", cfg.Port)
		assert.Equal(t, []string{"http://yaml-origin.com"}, cfg.Cors.AllowedOrigins)
		assert.Equal(t, "yaml-redis", cfg.Redis.Host)
		assert.Equal(t, "6380", cfg.Redis.Port)
		assert.Equal(t, 2*time.Second, cfg.Redis.ConnectTimeout)
		assert.Equal(t, 50*time.Millisecond, cfg.Reconnect.InitialInterval)
		assert.Equal(t, time.Second, cfg.Reconnect.MaxInterval)
		assert.Equal(t, 1.5, cfg.Reconnect.Multiplier)
		assert.Equal(t, uint64(4), cfg.Reconnect.MaxRetries)
		assert.Equal(t, "firestore", cfg.Presence.Backend)
		assert.True(t, cfg.Presence.ReverseIndex)
		assert.Equal(t, "yaml-presence", cfg.Presence.FirestoreCollection)
		assert.Equal(t, "nats", cfg.Broadcast.Backend)
		assert.Equal(t, "zstd", cfg.Broadcast.Compression)
		assert.Equal(t, "nats://yaml-nats:4222", cfg.Broadcast.NATSURL)
		assert.Equal(t, "yaml.subject", cfg.Broadcast.NATSSubject)
		assert.Equal(t, int64(1024), cfg.WebSocket.ReadLimit)
		assert.Equal(t, 10*time.Second, cfg.WebSocket.PingInterval)
		assert.Equal(t, 8, cfg.WebSocket.SendBuffer)
		assert.True(t, cfg.Relay.NotifyOffline)
	})
}

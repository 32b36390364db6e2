package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Defaults applied in Stage 2 when neither YAML nor env set a value.
const (
	DefaultPort      = "8000"
	DefaultRedisHost = "localhost"
	DefaultRedisPort = "6379"
)

// DefaultReconnect is used when the reconnect block is absent altogether.
// A block that is present must set every field.
var DefaultReconnect = YamlReconnectConfig{
	InitialInterval: 100 * time.Millisecond,
	MaxInterval:     3 * time.Second,
	Multiplier:      2,
	MaxRetries:      10,
}

// AppConfig is the canonical, validated configuration object used throughout the application.
// It is created by NewConfigFromYaml (Stage 1) and finalized by
// UpdateConfigWithEnvOverrides (Stage 2).
type AppConfig struct {
	ProjectID  string
	RunMode    string
	InstanceID string
	Port       string
	Cors       YamlCorsConfig
	Redis      YamlRedisConfig
	Reconnect  YamlReconnectConfig
	Presence   YamlPresenceConfig
	Broadcast  YamlBroadcastConfig
	WebSocket  YamlWebSocketConfig
	Relay      YamlRelayConfig
}

// UsesRedis reports whether any configured backend needs the Redis client.
func (c *AppConfig) UsesRedis() bool {
	return c.Presence.Backend == "redis" || c.Broadcast.Backend == "redis"
}

// UpdateConfigWithEnvOverrides takes the base configuration (created from YAML)
// and completes it by applying environment variables and final validation.
// This function completes "Stage 2" of configuration loading.
func UpdateConfigWithEnvOverrides(cfg *AppConfig, logger *slog.Logger) (*AppConfig, error) {
	logger.Debug("Applying environment variable overrides...")

	// 1. Apply Environment Overrides
	override := func(key string, target *string) {
		if v := os.Getenv(key); v != "" {
			logger.Debug("Overriding config value", "key", key, "source", "env")
			*target = v
		}
	}
	override("GCP_PROJECT_ID", &cfg.ProjectID)
	override("INSTANCE_ID", &cfg.InstanceID)
	override("PORT", &cfg.Port)
	override("REDIS_HOST", &cfg.Redis.Host)
	override("REDIS_PORT", &cfg.Redis.Port)
	override("REDIS_PASSWORD", &cfg.Redis.Password)
	override("REDIS_URL", &cfg.Redis.URL)
	override("PRESENCE_BACKEND", &cfg.Presence.Backend)
	override("BROADCAST_BACKEND", &cfg.Broadcast.Backend)
	override("BROADCAST_COMPRESSION", &cfg.Broadcast.Compression)
	override("NATS_URL", &cfg.Broadcast.NATSURL)

	if err := overrideBool("PRESENCE_REVERSE_INDEX", &cfg.Presence.ReverseIndex, logger); err != nil {
		return nil, err
	}
	if err := overrideBool("NOTIFY_OFFLINE", &cfg.Relay.NotifyOffline, logger); err != nil {
		return nil, err
	}

	if corsOrigins := os.Getenv("CORS_ALLOWED_ORIGINS"); corsOrigins != "" {
		logger.Debug("Overriding config value", "key", "CORS_ALLOWED_ORIGINS", "source", "env")
		// Split by comma and trim spaces
		var cleanOrigins []string
		for _, o := range strings.Split(corsOrigins, ",") {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				cleanOrigins = append(cleanOrigins, trimmed)
			}
		}
		cfg.Cors.AllowedOrigins = cleanOrigins
	}

	// 2. Defaults
	if cfg.Port == "" {
		cfg.Port = DefaultPort
	}
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = DefaultRedisHost
	}
	if cfg.Redis.Port == "" {
		cfg.Redis.Port = DefaultRedisPort
	}
	if cfg.Presence.Backend == "" {
		cfg.Presence.Backend = "redis"
	}
	if cfg.Broadcast.Backend == "" {
		cfg.Broadcast.Backend = "redis"
	}
	if cfg.Broadcast.Compression == "" {
		cfg.Broadcast.Compression = "none"
	}
	if cfg.Reconnect == (YamlReconnectConfig{}) {
		cfg.Reconnect = DefaultReconnect
	}

	// 3. Final Validation
	if err := validate(cfg); err != nil {
		logger.Error("Final config validation failed", "error", err)
		return nil, err
	}

	logger.Debug("Configuration finalized and validated successfully")
	return cfg, nil
}

func overrideBool(key string, target *bool, logger *slog.Logger) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s must be a boolean: %w", key, err)
	}
	logger.Debug("Overriding config value", "key", key, "source", "env")
	*target = b
	return nil
}

func validate(cfg *AppConfig) error {
	if _, err := strconv.Atoi(cfg.Port); err != nil {
		return fmt.Errorf("PORT %q is not a valid port", cfg.Port)
	}
	if cfg.Redis.URL == "" {
		if _, err := strconv.Atoi(cfg.Redis.Port); err != nil {
			return fmt.Errorf("REDIS_PORT %q is not a valid port", cfg.Redis.Port)
		}
	}

	if err := validateReconnect(cfg.Reconnect); err != nil {
		return err
	}

	switch cfg.Presence.Backend {
	case "redis":
	case "firestore":
		if cfg.ProjectID == "" {
			return fmt.Errorf("GCP_PROJECT_ID is not set in config or env var (required by firestore presence)")
		}
	default:
		return fmt.Errorf("invalid presence backend: %s (must be 'redis' or 'firestore')", cfg.Presence.Backend)
	}

	switch cfg.Broadcast.Backend {
	case "redis", "memory":
	case "nats":
		if cfg.Broadcast.NATSURL == "" {
			return fmt.Errorf("NATS_URL is not set in config or env var (required by nats broadcast)")
		}
	case "pubsub":
		if cfg.ProjectID == "" {
			return fmt.Errorf("GCP_PROJECT_ID is not set in config or env var (required by pubsub broadcast)")
		}
		if cfg.Broadcast.PubSubTopicID == "" {
			return fmt.Errorf("broadcast.pubsub_topic_id is required by pubsub broadcast")
		}
	default:
		return fmt.Errorf("invalid broadcast backend: %s (must be 'redis', 'nats', 'pubsub' or 'memory')", cfg.Broadcast.Backend)
	}

	switch cfg.Broadcast.Compression {
	case "none", "snappy", "zstd":
	default:
		return fmt.Errorf("invalid broadcast compression: %s (must be 'none', 'snappy' or 'zstd')", cfg.Broadcast.Compression)
	}
	return nil
}

func validateReconnect(r YamlReconnectConfig) error {
	if r.InitialInterval <= 0 {
		return fmt.Errorf("reconnect.initial_interval must be positive, got %s", r.InitialInterval)
	}
	if r.MaxInterval < r.InitialInterval {
		return fmt.Errorf("reconnect.max_interval %s is below initial_interval %s", r.MaxInterval, r.InitialInterval)
	}
	if r.Multiplier < 1 {
		return fmt.Errorf("reconnect.multiplier must be at least 1, got %g", r.Multiplier)
	}
	if r.MaxRetries == 0 {
		return fmt.Errorf("reconnect.max_retries must be at least 1")
	}
	return nil
}

package config

import (
	"log/slog"
	"time"
)

// --- YAML-Specific Structs ---

type YamlRedisConfig struct {
	Host           string        `yaml:"host"`
	Port           string        `yaml:"port"`
	Password       string        `yaml:"password"`
	URL            string        `yaml:"url"`
	DB             int           `yaml:"db"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

type YamlReconnectConfig struct {
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
	MaxRetries      uint64        `yaml:"max_retries"`
}

type YamlPresenceConfig struct {
	Backend             string `yaml:"backend"` // "redis" or "firestore"
	ReverseIndex        bool   `yaml:"reverse_index"`
	FirestoreCollection string `yaml:"firestore_collection"`
}

type YamlBroadcastConfig struct {
	Backend       string `yaml:"backend"` // "redis", "nats", "pubsub" or "memory"
	Compression   string `yaml:"compression"`
	RedisChannel  string `yaml:"redis_channel"`
	NATSURL       string `yaml:"nats_url"`
	NATSSubject   string `yaml:"nats_subject"`
	PubSubTopicID string `yaml:"pubsub_topic_id"`
}

type YamlWebSocketConfig struct {
	ReadLimit    int64         `yaml:"read_limit"`
	PingInterval time.Duration `yaml:"ping_interval"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	SendBuffer   int           `yaml:"send_buffer"`
}

type YamlRelayConfig struct {
	NotifyOffline bool `yaml:"notify_offline"`
}

type YamlCorsConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// YamlConfig defines the structure for unmarshaling the embedded config.yaml file.
type YamlConfig struct {
	ProjectID  string              `yaml:"project_id"`
	RunMode    string              `yaml:"run_mode"`
	InstanceID string              `yaml:"instance_id"`
	Port       string              `yaml:"port"`
	Cors       YamlCorsConfig      `yaml:"cors"`
	Redis      YamlRedisConfig     `yaml:"redis"`
	Reconnect  YamlReconnectConfig `yaml:"reconnect"`
	Presence   YamlPresenceConfig  `yaml:"presence"`
	Broadcast  YamlBroadcastConfig `yaml:"broadcast"`
	WebSocket  YamlWebSocketConfig `yaml:"websocket"`
	Relay      YamlRelayConfig     `yaml:"relay"`
}

// --- Stage 1 Function ---

// NewConfigFromYaml converts the raw unmarshaled data (YamlConfig) into a clean, base AppConfig struct.
// Stage 1 complete: The AppConfig struct now exists, but without environment overrides.
func NewConfigFromYaml(yamlCfg *YamlConfig, logger *slog.Logger) (*AppConfig, error) {
	logger.Debug("Mapping YAML config to base config struct")

	appCfg := &AppConfig{
		ProjectID:  yamlCfg.ProjectID,
		RunMode:    yamlCfg.RunMode,
		InstanceID: yamlCfg.InstanceID,
		Port:       yamlCfg.Port,
		Cors:       yamlCfg.Cors,
		Redis:      yamlCfg.Redis,
		Reconnect:  yamlCfg.Reconnect,
		Presence:   yamlCfg.Presence,
		Broadcast:  yamlCfg.Broadcast,
		WebSocket:  yamlCfg.WebSocket,
		Relay:      yamlCfg.Relay,
	}

	logger.Debug("YAML config mapping complete",
		"project_id", appCfg.ProjectID,
		"port", appCfg.Port,
		"presence_backend", appCfg.Presence.Backend,
		"broadcast_backend", appCfg.Broadcast.Backend,
	)

	return appCfg, nil
}

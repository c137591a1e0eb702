package config

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/tinywideclouds/go-realtime-service/internal/ratelimit"
)

// --- YAML-Specific Structs ---

type YamlRedisConfig struct {
	Addr string `yaml:"addr"`
}

type YamlFirestoreConfig struct {
	CollectionName string `yaml:"collection_name"`
}

type YamlPostgresConfig struct {
	URL     string `yaml:"url"`
	Migrate bool   `yaml:"migrate"`
}

type YamlQueueConfig struct {
	Type      string              `yaml:"type"`
	Fallback  string              `yaml:"fallback"`
	Capacity  int                 `yaml:"capacity"`
	Redis     YamlRedisConfig     `yaml:"redis"`
	Firestore YamlFirestoreConfig `yaml:"firestore"`
	Postgres  YamlPostgresConfig  `yaml:"postgres"`
}

type YamlIdentityConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	JWKSURL   string        `yaml:"jwks_url"`
	Issuer    string        `yaml:"issuer"`
	Audience  string        `yaml:"audience"`
	Skew      time.Duration `yaml:"skew"`
}

type YamlMetricsConfig struct {
	URL     string        `yaml:"url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

type YamlPubsubConfig struct {
	CommandTopicID        string `yaml:"command_topic_id"`
	CommandSubscriptionID string `yaml:"command_subscription_id"`
	PushTopicID           string `yaml:"push_topic_id"`
}

type YamlRateLimitConfig struct {
	Default ratelimit.Rule            `yaml:"default"`
	Events  map[string]ratelimit.Rule `yaml:"events"`
}

type YamlWebsocketConfig struct {
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	SendBuffer      int           `yaml:"send_buffer"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	MaxMessageBytes int64         `yaml:"max_message_bytes"`
}

// YamlConfig defines the structure for unmarshaling the embedded config.yaml file.
type YamlConfig struct {
	ProjectID         string              `yaml:"project_id"`
	RunMode           string              `yaml:"run_mode"`
	APIPort           string              `yaml:"api_port"`
	WebSocketPort     string              `yaml:"websocket_port"`
	HeartbeatInterval time.Duration       `yaml:"heartbeat_interval"`
	CoalesceCooldown  time.Duration       `yaml:"coalesce_cooldown"`
	SweepInterval     time.Duration       `yaml:"sweep_interval"`
	Websocket         YamlWebsocketConfig `yaml:"websocket"`
	Queue             YamlQueueConfig     `yaml:"queue"`
	Identity          YamlIdentityConfig  `yaml:"identity"`
	Metrics           YamlMetricsConfig   `yaml:"metrics"`
	Pubsub            YamlPubsubConfig    `yaml:"pubsub"`
	RateLimits        YamlRateLimitConfig `yaml:"rate_limits"`
}

// --- Stage 1 Function ---

// NewConfigFromYaml converts the raw unmarshaled data into a base AppConfig
// without environment overrides. Zero durations and capacities take defaults.
func NewConfigFromYaml(yamlCfg *YamlConfig, logger zerolog.Logger) (*AppConfig, error) {
	logger.Debug().Msg("Mapping YAML config to base config struct")

	appCfg := &AppConfig{
		ProjectID:         yamlCfg.ProjectID,
		RunMode:           yamlCfg.RunMode,
		APIPort:           yamlCfg.APIPort,
		WebSocketPort:     yamlCfg.WebSocketPort,
		HeartbeatInterval: orDuration(yamlCfg.HeartbeatInterval, DefaultHeartbeatInterval),
		CoalesceCooldown:  orDuration(yamlCfg.CoalesceCooldown, DefaultCoalesceCooldown),
		SweepInterval:     orDuration(yamlCfg.SweepInterval, DefaultSweepInterval),
		Websocket: WebsocketConfig{
			AllowedOrigins:  yamlCfg.Websocket.AllowedOrigins,
			SendBuffer:      yamlCfg.Websocket.SendBuffer,
			WriteTimeout:    yamlCfg.Websocket.WriteTimeout,
			MaxMessageBytes: yamlCfg.Websocket.MaxMessageBytes,
		},
		Queue: QueueConfig{
			Type:                yamlCfg.Queue.Type,
			Fallback:            yamlCfg.Queue.Fallback,
			Capacity:            yamlCfg.Queue.Capacity,
			RedisAddr:           yamlCfg.Queue.Redis.Addr,
			FirestoreCollection: yamlCfg.Queue.Firestore.CollectionName,
			PostgresURL:         yamlCfg.Queue.Postgres.URL,
			PostgresMigrate:     yamlCfg.Queue.Postgres.Migrate,
		},
		Identity: IdentityConfig{
			JWTSecret: yamlCfg.Identity.JWTSecret,
			JWKSURL:   yamlCfg.Identity.JWKSURL,
			Issuer:    yamlCfg.Identity.Issuer,
			Audience:  yamlCfg.Identity.Audience,
			Skew:      yamlCfg.Identity.Skew,
		},
		Metrics: MetricsConfig{
			URL:     yamlCfg.Metrics.URL,
			Token:   yamlCfg.Metrics.Token,
			Timeout: yamlCfg.Metrics.Timeout,
		},
		Pubsub: PubsubConfig{
			CommandTopicID:        yamlCfg.Pubsub.CommandTopicID,
			CommandSubscriptionID: yamlCfg.Pubsub.CommandSubscriptionID,
			PushTopicID:           yamlCfg.Pubsub.PushTopicID,
		},
		RateLimits: RateLimitConfig{
			Default: yamlCfg.RateLimits.Default,
			Events:  yamlCfg.RateLimits.Events,
		},
	}
	if appCfg.Queue.Capacity == 0 {
		appCfg.Queue.Capacity = DefaultQueueCapacity
	}

	logger.Debug().
		Str("project_id", appCfg.ProjectID).
		Str("run_mode", appCfg.RunMode).
		Str("api_port", appCfg.APIPort).
		Str("websocket_port", appCfg.WebSocketPort).
		Str("queue_type", appCfg.Queue.Type).
		Int("queue_capacity", appCfg.Queue.Capacity).
		Msg("YAML config mapping complete")

	return appCfg, nil
}

func orDuration(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

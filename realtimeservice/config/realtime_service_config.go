// Package config holds the realtime service configuration: the embedded YAML
// shape, the validated AppConfig and environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/tinywideclouds/go-realtime-service/internal/queue"
	"github.com/tinywideclouds/go-realtime-service/internal/ratelimit"
)

const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultCoalesceCooldown  = 5 * time.Second
	DefaultSweepInterval     = time.Minute
	DefaultQueueCapacity     = queue.DefaultCapacity

	// MaxFirestoreQueueCapacity keeps a Firestore append inside one transaction.
	MaxFirestoreQueueCapacity = 450
)

type WebsocketConfig struct {
	AllowedOrigins  []string
	SendBuffer      int           `validate:"gte=0"`
	WriteTimeout    time.Duration `validate:"gte=0"`
	MaxMessageBytes int64         `validate:"gte=0"`
}

type QueueConfig struct {
	Type                string `validate:"required,oneof=memory redis firestore postgres"`
	Fallback            string `validate:"omitempty,oneof=memory redis firestore postgres,nefield=Type"`
	Capacity            int    `validate:"gte=1"`
	RedisAddr           string
	FirestoreCollection string
	PostgresURL         string
	PostgresMigrate     bool
}

// Uses reports whether the primary or fallback store is of type t.
func (q QueueConfig) Uses(t string) bool {
	return q.Type == t || q.Fallback == t
}

type IdentityConfig struct {
	JWTSecret string
	JWKSURL   string `validate:"omitempty,url"`
	Issuer    string
	Audience  string
	Skew      time.Duration `validate:"gte=0"`
}

type MetricsConfig struct {
	URL     string `validate:"omitempty,url"`
	Token   string
	Timeout time.Duration `validate:"gte=0"`
}

type PubsubConfig struct {
	CommandTopicID        string
	CommandSubscriptionID string `validate:"required_with=CommandTopicID"`
	PushTopicID           string
}

type RateLimitConfig struct {
	Default ratelimit.Rule
	Events  map[string]ratelimit.Rule
}

// AppConfig is the canonical, validated configuration object used throughout the application.
// It is created by NewConfigFromYaml (Stage 1) and finalized by
// UpdateConfigWithEnvOverrides (Stage 2).
type AppConfig struct {
	ProjectID         string
	RunMode           string        `validate:"required,oneof=local prod"`
	APIPort           string        `validate:"required,numeric"`
	WebSocketPort     string        `validate:"required,numeric,nefield=APIPort"`
	HeartbeatInterval time.Duration `validate:"gt=0"`
	CoalesceCooldown  time.Duration `validate:"gt=0"`
	SweepInterval     time.Duration `validate:"gt=0"`
	Websocket         WebsocketConfig
	Queue             QueueConfig
	Identity          IdentityConfig
	Metrics           MetricsConfig
	Pubsub            PubsubConfig
	RateLimits        RateLimitConfig
}

// UpdateConfigWithEnvOverrides takes the base configuration (created from YAML)
// and completes it by applying environment variables and final validation.
// This function completes "Stage 2" of configuration loading.
func UpdateConfigWithEnvOverrides(cfg *AppConfig, logger zerolog.Logger) (*AppConfig, error) {
	logger.Debug().Msg("Applying environment variable overrides...")

	override := func(key string, apply func(string) error) error {
		v := os.Getenv(key)
		if v == "" {
			return nil
		}
		logger.Debug().Str("key", key).Str("source", "env").Msg("Overriding config value")
		if err := apply(v); err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		return nil
	}
	setString := func(dst *string) func(string) error {
		return func(v string) error { *dst = v; return nil }
	}

	err := errors.Join(
		override("GCP_PROJECT_ID", setString(&cfg.ProjectID)),
		override("RUN_MODE", setString(&cfg.RunMode)),
		override("API_PORT", setString(&cfg.APIPort)),
		override("WEBSOCKET_PORT", setString(&cfg.WebSocketPort)),
		override("QUEUE_TYPE", setString(&cfg.Queue.Type)),
		override("REDIS_ADDR", setString(&cfg.Queue.RedisAddr)),
		override("DATABASE_URL", setString(&cfg.Queue.PostgresURL)),
		override("JWT_SECRET", setString(&cfg.Identity.JWTSecret)),
		override("JWKS_URL", setString(&cfg.Identity.JWKSURL)),
		override("METRICS_URL", setString(&cfg.Metrics.URL)),
		override("QUEUE_CAPACITY", func(v string) error {
			n, err := strconv.Atoi(v)
			if err != nil {
				return err
			}
			cfg.Queue.Capacity = n
			return nil
		}),
		override("HEARTBEAT_INTERVAL", func(v string) error {
			d, err := time.ParseDuration(v)
			if err != nil {
				return err
			}
			cfg.HeartbeatInterval = d
			return nil
		}),
		override("CORS_ALLOWED_ORIGINS", func(v string) error {
			var clean []string
			for _, o := range strings.Split(v, ",") {
				if trimmed := strings.TrimSpace(o); trimmed != "" {
					clean = append(clean, trimmed)
				}
			}
			cfg.Websocket.AllowedOrigins = clean
			return nil
		}),
	)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to apply environment overrides")
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		logger.Error().Err(err).Msg("Final config validation failed")
		return nil, err
	}

	logger.Debug().Msg("Configuration finalized and validated successfully")
	return cfg, nil
}

// Validate checks struct tags and the rules that span several sections.
func Validate(cfg *AppConfig) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	var problems []error
	if cfg.Queue.Uses("redis") && cfg.Queue.RedisAddr == "" {
		problems = append(problems, errors.New("REDIS_ADDR is required for the redis queue"))
	}
	if cfg.Queue.Uses("postgres") && cfg.Queue.PostgresURL == "" {
		problems = append(problems, errors.New("DATABASE_URL is required for the postgres queue"))
	}
	if cfg.Queue.Uses("firestore") {
		if cfg.Queue.FirestoreCollection == "" {
			problems = append(problems, errors.New("a firestore collection name is required for the firestore queue"))
		}
		if cfg.Queue.Capacity > MaxFirestoreQueueCapacity {
			problems = append(problems, fmt.Errorf("queue capacity %d exceeds the firestore limit of %d", cfg.Queue.Capacity, MaxFirestoreQueueCapacity))
		}
	}
	needsProject := cfg.Queue.Uses("firestore") || cfg.Pubsub.CommandTopicID != "" || cfg.Pubsub.PushTopicID != ""
	if cfg.RunMode == "prod" && needsProject && cfg.ProjectID == "" {
		problems = append(problems, errors.New("GCP_PROJECT_ID is not set in config or env var"))
	}
	if cfg.RunMode == "prod" && cfg.Identity.JWTSecret == "" && cfg.Identity.JWKSURL == "" {
		problems = append(problems, errors.New("JWT_SECRET or JWKS_URL must be set in prod"))
	}
	if cfg.Identity.JWTSecret != "" && cfg.Identity.JWKSURL != "" {
		problems = append(problems, errors.New("only one of JWT_SECRET or JWKS_URL may be set"))
	}
	for name, rule := range cfg.RateLimits.Events {
		if rule.Limit < 0 || rule.Window < 0 {
			problems = append(problems, fmt.Errorf("rate limit for %q must not be negative", name))
		}
	}
	return errors.Join(problems...)
}

package config_test

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-realtime-service/internal/ratelimit"
	"github.com/tinywideclouds/go-realtime-service/realtimeservice/config"
	"gopkg.in/yaml.v3"
)

const sampleYaml = `
project_id: yaml-project
run_mode: prod
api_port: "8080"
websocket_port: "8081"
heartbeat_interval: 20s
websocket:
  allowed_origins: ["https://app.example"]
  send_buffer: 64
queue:
  type: redis
  fallback: memory
  capacity: 50
  redis:
    addr: yaml-redis:6379
identity:
  jwt_secret: yaml-secret
  issuer: hr-portal
metrics:
  url: http://reporting/dashboard
  timeout: 3s
pubsub:
  command_topic_id: realtime-commands
  command_subscription_id: realtime-commands-sub
  push_topic_id: push-notifications
rate_limits:
  default:
    limit: 20
    window: 10s
  events:
    taskUpdated:
      limit: 3
      window: 10s
`

func TestNewConfigFromYaml(t *testing.T) {
	t.Run("Success - maps all fields correctly from YAML", func(t *testing.T) {
		var yamlCfg config.YamlConfig
		require.NoError(t, yaml.Unmarshal([]byte(sampleYaml), &yamlCfg))

		cfg, err := config.NewConfigFromYaml(&yamlCfg, zerolog.Nop())
		require.NoError(t, err)
		require.NotNil(t, cfg)

		assert.Equal(t, "yaml-project", cfg.ProjectID)
		assert.Equal(t, "prod", cfg.RunMode)
		assert.Equal(t, "8080", cfg.APIPort)
		assert.Equal(t, "8081", cfg.WebSocketPort)
		assert.Equal(t, 20*time.Second, cfg.HeartbeatInterval)
		assert.Equal(t, []string{"https://app.example"}, cfg.Websocket.AllowedOrigins)
		assert.Equal(t, 64, cfg.Websocket.SendBuffer)
		assert.Equal(t, "redis", cfg.Queue.Type)
		assert.Equal(t, "memory", cfg.Queue.Fallback)
		assert.Equal(t, 50, cfg.Queue.Capacity)
		assert.Equal(t, "yaml-redis:6379", cfg.Queue.RedisAddr)
		assert.Equal(t, "yaml-secret", cfg.Identity.JWTSecret)
		assert.Equal(t, "hr-portal", cfg.Identity.Issuer)
		assert.Equal(t, "http://reporting/dashboard", cfg.Metrics.URL)
		assert.Equal(t, 3*time.Second, cfg.Metrics.Timeout)
		assert.Equal(t, "realtime-commands", cfg.Pubsub.CommandTopicID)
		assert.Equal(t, "realtime-commands-sub", cfg.Pubsub.CommandSubscriptionID)
		assert.Equal(t, "push-notifications", cfg.Pubsub.PushTopicID)
		assert.Equal(t, ratelimit.Rule{Limit: 20, Window: 10 * time.Second}, cfg.RateLimits.Default)
		assert.Equal(t, ratelimit.Rule{Limit: 3, Window: 10 * time.Second}, cfg.RateLimits.Events["taskUpdated"])

		require.NoError(t, config.Validate(cfg))
	})

	t.Run("Success - zero values take defaults", func(t *testing.T) {
		cfg, err := config.NewConfigFromYaml(&config.YamlConfig{}, zerolog.Nop())
		require.NoError(t, err)

		assert.Equal(t, config.DefaultHeartbeatInterval, cfg.HeartbeatInterval)
		assert.Equal(t, config.DefaultCoalesceCooldown, cfg.CoalesceCooldown)
		assert.Equal(t, config.DefaultSweepInterval, cfg.SweepInterval)
		assert.Equal(t, config.DefaultQueueCapacity, cfg.Queue.Capacity)
	})
}

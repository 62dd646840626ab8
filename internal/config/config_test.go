package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnv_Defaults(t *testing.T) {
	cfg := FromEnv()

	assert.Equal(t, ":3001", cfg.Addr)
	assert.Equal(t, "/ws", cfg.WSPath)
	assert.Equal(t, 5*time.Minute, cfg.PresenceWindow)
	assert.Equal(t, 30*time.Second, cfg.PresenceSweepInterval)
	assert.Equal(t, "memory", cfg.DurableLog.Backend)
	assert.Equal(t, "chat-room", cfg.DurableLog.KafkaTopic)
	assert.Equal(t, 10, cfg.ConnectRateLimit)
	assert.Equal(t, 10*time.Second, cfg.DurableLog.AppendTimeout)
	assert.NotEmpty(t, cfg.InstanceID)
	require.NoError(t, cfg.Validate())
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("RELAY_ADDR", ":9000")
	t.Setenv("ALLOWED_ORIGINS", "http://localhost:3000, https://chat.example.com")
	t.Setenv("MAX_MESSAGE_SIZE", "1024")
	t.Setenv("PRESENCE_WINDOW", "2m")
	t.Setenv("DURABLE_LOG_BACKEND", "Kafka")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("PUBLISH_MAX_ATTEMPTS", "3")
	t.Setenv("REPLAY_ENABLED", "true")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("REDIS_DB", "2")
	t.Setenv("INSTANCE_ID", "relay-a")

	cfg := FromEnv()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":9000", cfg.Addr)
	assert.Equal(t, []string{"http://localhost:3000", "https://chat.example.com"}, cfg.AllowedOrigins)
	assert.Equal(t, int64(1024), cfg.MaxMessageSize)
	assert.Equal(t, 2*time.Minute, cfg.PresenceWindow)
	assert.Equal(t, "kafka", cfg.DurableLog.Backend)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.DurableLog.KafkaBrokers)
	assert.Equal(t, 3, cfg.DurableLog.MaxAttempts)
	assert.True(t, cfg.DurableLog.ReplayEnabled)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 2, cfg.Redis.DB)
	assert.Equal(t, "relay-a", cfg.InstanceID)
}

func TestFromEnv_InvalidValuesFallBack(t *testing.T) {
	t.Setenv("MAX_MESSAGE_SIZE", "-5")
	t.Setenv("SEND_QUEUE_SIZE", "lots")
	t.Setenv("PRESENCE_SWEEP_INTERVAL", "soon")
	t.Setenv("REPLAY_ENABLED", "maybe")

	cfg := FromEnv()

	assert.Equal(t, int64(4096), cfg.MaxMessageSize)
	assert.Equal(t, 256, cfg.SendQueueSize)
	assert.Equal(t, 30*time.Second, cfg.PresenceSweepInterval)
	assert.False(t, cfg.DurableLog.ReplayEnabled)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown backend", func(c *Config) { c.DurableLog.Backend = "kinesis" }},
		{"kafka without brokers", func(c *Config) {
			c.DurableLog.Backend = "kafka"
			c.DurableLog.KafkaBrokers = nil
		}},
		{"nats without url", func(c *Config) {
			c.DurableLog.Backend = "nats"
			c.DurableLog.NATSURL = ""
		}},
		{"relative ws path", func(c *Config) { c.WSPath = "ws" }},
		{"zero queue", func(c *Config) { c.SendQueueSize = 0 }},
		{"zero connect rate", func(c *Config) { c.ConnectRateLimit = 0 }},
		{"backoff max below initial", func(c *Config) { c.DurableLog.BackoffMax = time.Millisecond }},
		{"missing instance id", func(c *Config) { c.InstanceID = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.InstanceID = "relay-a"
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestOriginPatterns(t *testing.T) {
	cfg := Default()
	cfg.AllowedOrigins = []string{"*", "http://LocalHost:3000", "*.example.com", " "}

	assert.Equal(t, []string{"*", "localhost:3000", "*.example.com"}, cfg.OriginPatterns())
}

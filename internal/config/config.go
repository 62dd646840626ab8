// Package config loads relay settings from the environment, with an optional
// .env file, and applies defaults for anything unset or invalid.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

// DurableLogConfig selects the log backend and its publish policy.
type DurableLogConfig struct {
	Backend        string
	KafkaBrokers   []string
	KafkaTopic     string
	KafkaVersion   string
	NATSURL        string
	NATSSubject    string
	NATSStream     string
	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	AppendTimeout  time.Duration
	QueueSize      int
	ReplayEnabled  bool
}

// RedisConfig enables the presence mirror when Addr is set.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// TracingConfig holds configuration for OpenTelemetry tracing.
type TracingConfig struct {
	Enabled     bool
	ServiceName string
	ZipkinURL   string
}

// Config holds all configuration for the relay.
type Config struct {
	Addr   string
	WSPath string

	LogFormat string
	LogLevel  string

	AllowedOrigins []string
	MaxMessageSize int64
	SendQueueSize  int
	// ConnectRateLimit caps WebSocket upgrade attempts per client IP per second.
	ConnectRateLimit int

	PresenceWindow        time.Duration
	PresenceSweepInterval time.Duration

	DurableLog DurableLogConfig
	Redis      RedisConfig
	Tracing    TracingConfig

	// InstanceID identifies this relay in the records it produces.
	InstanceID string
}

// Default returns the configuration used when no variables are set.
func Default() Config {
	return Config{
		Addr:                  ":3001",
		WSPath:                "/ws",
		LogFormat:             "text",
		LogLevel:              "info",
		AllowedOrigins:        []string{"*"},
		MaxMessageSize:        4096,
		SendQueueSize:         256,
		ConnectRateLimit:      10,
		PresenceWindow:        5 * time.Minute,
		PresenceSweepInterval: 30 * time.Second,
		DurableLog: DurableLogConfig{
			Backend:        "memory",
			KafkaBrokers:   []string{"localhost:9092"},
			KafkaTopic:     "chat-room",
			KafkaVersion:   "2.1.0",
			NATSURL:        "nats://127.0.0.1:4222",
			NATSSubject:    "chat-room",
			MaxAttempts:    5,
			BackoffInitial: 200 * time.Millisecond,
			BackoffMax:     5 * time.Second,
			AppendTimeout:  10 * time.Second,
			QueueSize:      1024,
		},
		Tracing: TracingConfig{
			ServiceName: "chatrelay",
			ZipkinURL:   "http://localhost:9411/api/v2/spans",
		},
	}
}

// New loads a .env file if present, reads the environment and validates the
// result.
func New() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file found, relying on environment variables")
	}
	cfg := FromEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv builds a Config from environment variables. Values that do not
// parse are logged and replaced by their default.
func FromEnv() *Config {
	cfg := Default()

	cfg.Addr = envString("RELAY_ADDR", cfg.Addr)
	cfg.WSPath = envString("RELAY_WS_PATH", cfg.WSPath)
	cfg.LogFormat = envString("LOG_FORMAT", cfg.LogFormat)
	cfg.LogLevel = envString("LOG_LEVEL", cfg.LogLevel)

	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = splitList(origins)
	}
	cfg.MaxMessageSize = int64(envInt("MAX_MESSAGE_SIZE", int(cfg.MaxMessageSize)))
	cfg.SendQueueSize = envInt("SEND_QUEUE_SIZE", cfg.SendQueueSize)
	cfg.ConnectRateLimit = envInt("CONNECT_RATE_LIMIT", cfg.ConnectRateLimit)
	cfg.PresenceWindow = envDuration("PRESENCE_WINDOW", cfg.PresenceWindow)
	cfg.PresenceSweepInterval = envDuration("PRESENCE_SWEEP_INTERVAL", cfg.PresenceSweepInterval)

	dl := &cfg.DurableLog
	dl.Backend = strings.ToLower(envString("DURABLE_LOG_BACKEND", dl.Backend))
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		dl.KafkaBrokers = splitList(brokers)
	}
	dl.KafkaTopic = envString("KAFKA_TOPIC", dl.KafkaTopic)
	dl.KafkaVersion = envString("KAFKA_VERSION", dl.KafkaVersion)
	dl.NATSURL = envString("NATS_URL", dl.NATSURL)
	dl.NATSSubject = envString("NATS_SUBJECT", dl.NATSSubject)
	dl.NATSStream = envString("NATS_STREAM", dl.NATSStream)
	dl.MaxAttempts = envInt("PUBLISH_MAX_ATTEMPTS", dl.MaxAttempts)
	dl.BackoffInitial = envDuration("PUBLISH_BACKOFF_INITIAL", dl.BackoffInitial)
	dl.BackoffMax = envDuration("PUBLISH_BACKOFF_MAX", dl.BackoffMax)
	dl.AppendTimeout = envDuration("PUBLISH_APPEND_TIMEOUT", dl.AppendTimeout)
	dl.QueueSize = envInt("PUBLISH_QUEUE_SIZE", dl.QueueSize)
	dl.ReplayEnabled = envBool("REPLAY_ENABLED", dl.ReplayEnabled)

	cfg.Redis.Addr = envString("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = os.Getenv("REDIS_PASSWORD")
	if db := os.Getenv("REDIS_DB"); db != "" {
		if n, err := strconv.Atoi(db); err == nil && n >= 0 {
			cfg.Redis.DB = n
		} else {
			slog.Warn("Ignoring invalid environment value", "key", "REDIS_DB", "value", db)
		}
	}

	cfg.Tracing.Enabled = envBool("TRACING_ENABLED", cfg.Tracing.Enabled)
	cfg.Tracing.ServiceName = envString("TRACING_SERVICE_NAME", cfg.Tracing.ServiceName)
	cfg.Tracing.ZipkinURL = envString("TRACING_ZIPKIN_URL", cfg.Tracing.ZipkinURL)

	cfg.InstanceID = envString("INSTANCE_ID", uuid.NewString())

	return &cfg
}

var backends = map[string]bool{"memory": true, "kafka": true, "nats": true}

// Validate reports every setting that cannot be used.
func (c *Config) Validate() error {
	var errs []error
	if c.Addr == "" {
		errs = append(errs, errors.New("listen address is empty"))
	}
	if !strings.HasPrefix(c.WSPath, "/") {
		errs = append(errs, fmt.Errorf("websocket path %q must start with /", c.WSPath))
	}
	if c.MaxMessageSize <= 0 {
		errs = append(errs, errors.New("max message size must be positive"))
	}
	if c.SendQueueSize <= 0 {
		errs = append(errs, errors.New("send queue size must be positive"))
	}
	if c.ConnectRateLimit <= 0 {
		errs = append(errs, errors.New("connect rate limit must be positive"))
	}
	if c.PresenceWindow <= 0 || c.PresenceSweepInterval <= 0 {
		errs = append(errs, errors.New("presence window and sweep interval must be positive"))
	}

	dl := c.DurableLog
	if !backends[dl.Backend] {
		errs = append(errs, fmt.Errorf("unknown durable log backend %q", dl.Backend))
	}
	if dl.Backend == "kafka" && (len(dl.KafkaBrokers) == 0 || dl.KafkaTopic == "") {
		errs = append(errs, errors.New("kafka backend needs KAFKA_BROKERS and KAFKA_TOPIC"))
	}
	if dl.Backend == "nats" && (dl.NATSURL == "" || dl.NATSSubject == "") {
		errs = append(errs, errors.New("nats backend needs NATS_URL and NATS_SUBJECT"))
	}
	if dl.MaxAttempts <= 0 || dl.QueueSize <= 0 || dl.AppendTimeout <= 0 {
		errs = append(errs, errors.New("publish attempts, queue size and append timeout must be positive"))
	}
	if dl.BackoffInitial <= 0 || dl.BackoffMax < dl.BackoffInitial {
		errs = append(errs, errors.New("publish backoff must be positive and max must not be below initial"))
	}
	if c.InstanceID == "" {
		errs = append(errs, errors.New("instance id is empty"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// OriginPatterns converts AllowedOrigins into host patterns for the
// WebSocket handshake. Entries that are not absolute URLs are passed through
// unchanged so host globs such as "*.example.com" keep working.
func (c *Config) OriginPatterns() []string {
	patterns := make([]string, 0, len(c.AllowedOrigins))
	for _, origin := range c.AllowedOrigins {
		origin = strings.TrimSpace(origin)
		if origin == "" {
			continue
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Scheme != "" && parsed.Host != "" {
			patterns = append(patterns, strings.ToLower(parsed.Host))
			continue
		}
		patterns = append(patterns, origin)
	}
	return patterns
}

func envString(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n <= 0 {
		slog.Warn("Ignoring invalid environment value", "key", key, "value", v)
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil || d <= 0 {
		slog.Warn("Ignoring invalid environment value", "key", key, "value", v)
		return fallback
	}
	return d
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		slog.Warn("Ignoring invalid environment value", "key", key, "value", v)
		return fallback
	}
	return b
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

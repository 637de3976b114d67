// Package config provides application configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	LogLevel   string
	StatusPort string

	Session  SessionConfig
	Redis    RedisConfig
	Queue    QueueConfig
	Batch    BatchConfig
	Orders   OrdersConfig
	Database DatabaseConfig
	Reply    ReplyConfig
	Events   EventsConfig
	GeoIP    GeoIPConfig

	ConversationLog ConversationLogConfig
}

// SessionConfig controls the marketplace connection.
type SessionConfig struct {
	URL               string
	Cookies           string
	AccessToken       string
	TokenURL          string
	UserAgent         string
	Origin            string
	AppKey            string
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	RegisterGrace     time.Duration
	ReconnectDelay    time.Duration
}

// RedisConfig locates the Redis server backing the queue and markers.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// QueueConfig controls the work queue and worker pool.
type QueueConfig struct {
	Prefix        string
	MaxAttempts   int
	Workers       int
	PollTimeout   time.Duration
	ShutdownGrace time.Duration
}

// BatchConfig controls conversation batching.
type BatchConfig struct {
	Window        time.Duration
	FlushInterval time.Duration
	HistoryLimit  int
	StaleAfter    time.Duration
}

// OrdersConfig controls the shipment nudge.
type OrdersConfig struct {
	MarkerTTL         time.Duration
	ReconcileInterval time.Duration
	DedupeTTL         time.Duration
}

// DatabaseConfig selects the chat and order store.
type DatabaseConfig struct {
	Driver string // "sqlite" or "postgres"
	Path   string
	URL    string
}

// ReplyConfig selects the reply provider.
type ReplyConfig struct {
	Provider      string // "openai" or "dify"
	OpenAIKey     string
	OpenAIModel   string
	OpenAIBaseURL string
	SystemPrompt  string
	DifyKey       string
	DifyBaseURL   string
	Fallback      string
}

// EventsConfig controls domain event publishing. An empty URL disables
// the broker.
type EventsConfig struct {
	AMQPURL  string
	Exchange string
}

// GeoIPConfig controls sender location lookups.
type GeoIPConfig struct {
	Enabled bool
	URL     string
}

// ConversationLogConfig controls the per-conversation NDJSON transcript.
type ConversationLogConfig struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		LogLevel:   getEnv("LOG_LEVEL", "info"),
		StatusPort: getEnv("STATUS_PORT", "8080"),
		Session: SessionConfig{
			URL:               getEnv("WS_URL", "wss://wss-goofish.dingtalk.com/"),
			Cookies:           getEnv("COOKIES", ""),
			AccessToken:       getEnv("ACCESS_TOKEN", ""),
			TokenURL:          getEnv("TOKEN_URL", ""),
			UserAgent:         getEnv("USER_AGENT", ""),
			Origin:            getEnv("ORIGIN", "https://www.goofish.com"),
			AppKey:            getEnv("APP_KEY", ""),
			HeartbeatInterval: getEnvDuration("HEARTBEAT_INTERVAL", 15*time.Second),
			HeartbeatTimeout:  getEnvDuration("HEARTBEAT_TIMEOUT", 5*time.Second),
			RegisterGrace:     getEnvDuration("REGISTER_GRACE", time.Second),
			ReconnectDelay:    getEnvDuration("RECONNECT_DELAY", 5*time.Second),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Queue: QueueConfig{
			Prefix:        getEnv("QUEUE_PREFIX", "xianyu"),
			MaxAttempts:   getEnvInt("QUEUE_MAX_ATTEMPTS", 5),
			Workers:       getEnvInt("WORKER_COUNT", 10),
			PollTimeout:   getEnvDuration("WORKER_POLL_TIMEOUT", time.Second),
			ShutdownGrace: getEnvDuration("SHUTDOWN_GRACE", 5*time.Second),
		},
		Batch: BatchConfig{
			Window:        getEnvDuration("BATCH_WINDOW", 5*time.Second),
			FlushInterval: getEnvDuration("FLUSH_INTERVAL", 100*time.Millisecond),
			HistoryLimit:  getEnvInt("HISTORY_LIMIT", 5),
			StaleAfter:    getEnvDuration("STALE_AFTER", 5*time.Minute),
		},
		Orders: OrdersConfig{
			MarkerTTL:         getEnvDuration("MARKER_TTL", 10*time.Second),
			ReconcileInterval: getEnvDuration("RECONCILE_INTERVAL", 10*time.Second),
			DedupeTTL:         getEnvDuration("NUDGE_DEDUPE_TTL", 10*time.Minute),
		},
		Database: DatabaseConfig{
			Driver: strings.ToLower(getEnv("DB_DRIVER", "sqlite")),
			Path:   getEnv("DB_PATH", "./data/agent.db"),
			URL:    getEnv("DATABASE_URL", ""),
		},
		Reply: ReplyConfig{
			Provider:      strings.ToLower(getEnv("REPLY_PROVIDER", "openai")),
			OpenAIKey:     getEnv("OPENAI_API_KEY", ""),
			OpenAIModel:   getEnv("OPENAI_MODEL", ""),
			OpenAIBaseURL: getEnv("OPENAI_BASE_URL", ""),
			SystemPrompt:  getEnv("SYSTEM_PROMPT", ""),
			DifyKey:       getEnv("DIFY_API_KEY", ""),
			DifyBaseURL:   getEnv("DIFY_BASE_URL", ""),
			Fallback:      getEnv("FALLBACK_REPLY", ""),
		},
		Events: EventsConfig{
			AMQPURL:  getEnv("AMQP_URL", ""),
			Exchange: getEnv("AMQP_EXCHANGE", "marketplace.events"),
		},
		GeoIP: GeoIPConfig{
			Enabled: getEnvBool("GEOIP_ENABLED", false),
			URL:     getEnv("GEOIP_URL", ""),
		},
		ConversationLog: ConversationLogConfig{
			Enabled:   getEnvBool("CONVERSATION_LOG_ENABLED", false),
			Dir:       getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			QueueSize: queueSize,
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	var errs []error
	if c.Session.Cookies == "" {
		errs = append(errs, errors.New("COOKIES cannot be empty"))
	}
	if c.Session.URL == "" {
		errs = append(errs, errors.New("WS_URL cannot be empty"))
	}
	if c.Session.AccessToken == "" && c.Session.TokenURL == "" {
		errs = append(errs, errors.New("one of ACCESS_TOKEN or TOKEN_URL is required"))
	}
	if c.Session.HeartbeatInterval <= 0 || c.Session.HeartbeatTimeout <= 0 {
		errs = append(errs, errors.New("HEARTBEAT_INTERVAL and HEARTBEAT_TIMEOUT must be > 0"))
	}
	if c.Queue.Prefix == "" {
		errs = append(errs, errors.New("QUEUE_PREFIX cannot be empty"))
	}
	if c.Queue.Workers <= 0 {
		errs = append(errs, errors.New("WORKER_COUNT must be > 0"))
	}
	if c.Queue.MaxAttempts <= 0 {
		errs = append(errs, errors.New("QUEUE_MAX_ATTEMPTS must be > 0"))
	}
	if c.Batch.Window <= 0 || c.Batch.FlushInterval <= 0 {
		errs = append(errs, errors.New("BATCH_WINDOW and FLUSH_INTERVAL must be > 0"))
	}
	if c.Batch.HistoryLimit < 0 {
		errs = append(errs, errors.New("HISTORY_LIMIT cannot be negative"))
	}

	if c.Orders.MarkerTTL < time.Millisecond {
		errs = append(errs, errors.New("MARKER_TTL must be at least 1ms"))
	}
	if c.Orders.ReconcileInterval <= 0 {
		errs = append(errs, errors.New("RECONCILE_INTERVAL must be > 0"))
	}

	if c.ConversationLog.Enabled && c.ConversationLog.Dir == "" {
		errs = append(errs, errors.New("CONVERSATION_LOG_DIR cannot be empty"))
	}

	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			errs = append(errs, errors.New("DB_PATH cannot be empty"))
		}
	case "postgres":
		if c.Database.URL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for DB_DRIVER=postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported DB_DRIVER %q", c.Database.Driver))
	}

	switch c.Reply.Provider {
	case "openai":
		if c.Reply.OpenAIKey == "" {
			errs = append(errs, errors.New("OPENAI_API_KEY is required for REPLY_PROVIDER=openai"))
		}
	case "dify":
		if c.Reply.DifyKey == "" {
			errs = append(errs, errors.New("DIFY_API_KEY is required for REPLY_PROVIDER=dify"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported REPLY_PROVIDER %q", c.Reply.Provider))
	}

	return errors.Join(errs...)
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

// getEnvDuration accepts Go durations ("1.5s") or a bare number of seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return fallback
}

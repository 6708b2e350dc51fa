package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Push      PushConfig      `yaml:"push"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	SQS       SQSConfig       `yaml:"sqs"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port           int      `yaml:"port"`
	Host           string   `yaml:"host"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// GetHost returns the server host, with ECS detection
func (c ServerConfig) GetHost() string {
	// On ECS/container, listen on all interfaces
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	return c.Host
}

// DatabaseConfig holds PostgreSQL connection settings
type DatabaseConfig struct {
	URL             string `yaml:"url"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime_seconds"`
}

// Lifetime returns the connection max lifetime as a duration
func (c DatabaseConfig) Lifetime() time.Duration {
	return time.Duration(c.ConnMaxLifetime) * time.Second
}

// RedisConfig holds Redis settings. An empty URL disables Redis; locks then
// fall back to PostgreSQL advisory locks and rate limiting stays in-process.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// Enabled reports whether a Redis URL is configured
func (c RedisConfig) Enabled() bool { return c.URL != "" }

// DispatchConfig holds delivery executor and send pipeline settings
type DispatchConfig struct {
	Concurrency         int     `yaml:"concurrency"`
	RatePerSecond       int     `yaml:"rate_per_second"`
	Burst               int     `yaml:"burst"`
	SharedRateLimit     bool    `yaml:"shared_rate_limit"`
	BatchTimeoutSeconds int     `yaml:"batch_timeout_seconds"`
	MinSuccessRatio     float64 `yaml:"min_success_ratio"`
	ClickTrackingURL    string  `yaml:"click_tracking_url"`
}

// BatchTimeout returns the batch deadline. Zero means the executor computes
// one from the batch size.
func (c DispatchConfig) BatchTimeout() time.Duration {
	return time.Duration(c.BatchTimeoutSeconds) * time.Second
}

// PushConfig holds Web Push transport settings
type PushConfig struct {
	TTLSeconds     int    `yaml:"ttl_seconds"`
	Urgency        string `yaml:"urgency"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	DefaultSubject string `yaml:"default_subject"`
	MaxRetries     int    `yaml:"max_retries"`
}

// Timeout returns the per-request timeout as a duration
func (c PushConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// SchedulerConfig holds recurrence clock and RSS poller settings
type SchedulerConfig struct {
	RecurrenceTickSeconds int `yaml:"recurrence_tick_seconds"`
	RSSPollMinutes        int `yaml:"rss_poll_minutes"`
	RSSConcurrency        int `yaml:"rss_concurrency"`
	LockTTLSeconds        int `yaml:"lock_ttl_seconds"`
}

// RecurrenceTick returns the clock tick interval as a duration
func (c SchedulerConfig) RecurrenceTick() time.Duration {
	return time.Duration(c.RecurrenceTickSeconds) * time.Second
}

// RSSPollInterval returns the feed polling interval as a duration
func (c SchedulerConfig) RSSPollInterval() time.Duration {
	return time.Duration(c.RSSPollMinutes) * time.Minute
}

// LockTTL returns the per-descriptor lock TTL as a duration
func (c SchedulerConfig) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSeconds) * time.Second
}

// SQSConfig holds the delivery outcome queue settings
type SQSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	QueueURL string `yaml:"queue_url"`
	Region   string `yaml:"region"`
}

// LoggingConfig holds structured logger settings
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Redact *bool  `yaml:"redact"`
}

// RedactEnabled reports whether secrets are masked. Defaults to true.
func (c LoggingConfig) RedactEnabled() bool {
	return c.Redact == nil || *c.Redact
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if len(cfg.Server.AllowedOrigins) == 0 {
		cfg.Server.AllowedOrigins = []string{"*"}
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 300
	}
	if cfg.Dispatch.Concurrency == 0 {
		cfg.Dispatch.Concurrency = 10
	}
	if cfg.Dispatch.RatePerSecond == 0 {
		cfg.Dispatch.RatePerSecond = 500
	}
	if cfg.Dispatch.Burst == 0 {
		cfg.Dispatch.Burst = cfg.Dispatch.Concurrency
	}
	if cfg.Push.TTLSeconds == 0 {
		cfg.Push.TTLSeconds = 86400
	}
	if cfg.Push.Urgency == "" {
		cfg.Push.Urgency = "normal"
	}
	if cfg.Push.MaxRetries == 0 {
		cfg.Push.MaxRetries = 2
	}
	if cfg.Push.TimeoutSeconds == 0 {
		cfg.Push.TimeoutSeconds = 30
	}
	if cfg.Scheduler.RecurrenceTickSeconds == 0 {
		cfg.Scheduler.RecurrenceTickSeconds = 60
	}
	if cfg.Scheduler.RSSPollMinutes == 0 {
		cfg.Scheduler.RSSPollMinutes = 15
	}
	if cfg.Scheduler.RSSConcurrency == 0 {
		cfg.Scheduler.RSSConcurrency = 5
	}
	if cfg.Scheduler.LockTTLSeconds == 0 {
		cfg.Scheduler.LockTTLSeconds = 600
	}
	if cfg.SQS.Region == "" {
		cfg.SQS.Region = "us-east-1"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars on ECS.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("DISPATCH_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Dispatch.Concurrency = n
		}
	}
	if v := os.Getenv("DISPATCH_RATE_PER_SECOND"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Dispatch.RatePerSecond = n
		}
	}
	if v := os.Getenv("CLICK_TRACKING_URL"); v != "" {
		cfg.Dispatch.ClickTrackingURL = v
	}
	if v := os.Getenv("VAPID_SUBJECT"); v != "" {
		cfg.Push.DefaultSubject = v
	}
	if v := os.Getenv("OUTCOME_QUEUE_URL"); v != "" {
		cfg.SQS.QueueURL = v
		cfg.SQS.Enabled = true
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		cfg.SQS.Region = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	return cfg, nil
}

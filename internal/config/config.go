// Package config loads process configuration from an optional YAML file
// layered under environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pulsewatch/pulsewatch/internal/database"
)

// PathEnv names the environment variable holding the config file path.
const PathEnv = "PULSEWATCH_CONFIG"

// Queue drivers.
const (
	QueueMemory = "memory"
	QueuePubSub = "pubsub"
)

// Cache drivers.
const (
	CacheMemory   = "memory"
	CachePostgres = "postgres"
)

// Config is the complete process configuration.
type Config struct {
	App          AppConfig          `yaml:"app"`
	Database     DatabaseConfig     `yaml:"database"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	Auth         AuthConfig         `yaml:"auth"`
	Queue        QueueConfig        `yaml:"queue"`
	Cache        CacheConfig        `yaml:"cache"`
	Checker      CheckerConfig      `yaml:"checker"`
	Worker       WorkerConfig       `yaml:"worker"`
	Notify       NotifyConfig       `yaml:"notify"`
	Summarizer   SummarizerConfig   `yaml:"summarizer"`
	FeatureFlags FeatureFlagsConfig `yaml:"feature_flags"`
}

// AppConfig holds process-wide settings.
type AppConfig struct {
	Env  string `yaml:"env"`
	Port string `yaml:"port"`

	// MetricsPort serves the worker's health, readiness and metrics endpoints.
	MetricsPort string `yaml:"metrics_port"`
	LogLevel    string `yaml:"log_level"`

	// RequireTLS rejects API requests that did not arrive over HTTPS.
	RequireTLS bool `yaml:"require_tls"`
}

// DatabaseConfig holds Postgres connection settings.
type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Name            string        `yaml:"name"`
	SSLMode         string        `yaml:"ssl_mode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	Migrate         bool          `yaml:"migrate"`
}

// TelemetryConfig holds OpenTelemetry settings.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	SampleRatio  float64 `yaml:"sample_ratio"`
}

// AuthConfig holds API authentication settings.
type AuthConfig struct {
	JWTSigningKey string `yaml:"jwt_signing_key"`
	JWTIssuer     string `yaml:"jwt_issuer"`
	JWTAudience   string `yaml:"jwt_audience"`
}

// QueueConfig selects and configures the job queue.
type QueueConfig struct {
	Driver       string        `yaml:"driver"`
	ProjectID    string        `yaml:"project_id"`
	Topic        string        `yaml:"topic"`
	Subscription string        `yaml:"subscription"`
	BatchSize    int           `yaml:"batch_size"`
	BatchWait    time.Duration `yaml:"batch_wait"`
	MaxAttempts  int           `yaml:"max_attempts"`
}

// CacheConfig selects the key-value cache backend.
type CacheConfig struct {
	Driver string `yaml:"driver"`
}

// CheckerConfig holds checker settings.
type CheckerConfig struct {
	SlowThreshold time.Duration `yaml:"slow_threshold"`
	DoHEndpoint   string        `yaml:"doh_endpoint"`
	UserAgent     string        `yaml:"user_agent"`
}

// WorkerConfig holds processor and scheduler settings.
type WorkerConfig struct {
	Concurrency        int    `yaml:"concurrency"`
	ScheduleSpec       string `yaml:"schedule_spec"`
	UptimeEveryMinutes int    `yaml:"uptime_every_minutes"`
	Scheduler          bool   `yaml:"scheduler"`
}

// NotifyConfig holds notification channel credentials. Empty credentials
// disable the channel.
type NotifyConfig struct {
	TelegramBotToken string `yaml:"telegram_bot_token"`
	TelegramChatID   string `yaml:"telegram_chat_id"`
	TelegramBaseURL  string `yaml:"telegram_base_url"`
	EmailAPIKey      string `yaml:"email_api_key"`
	EmailFrom        string `yaml:"email_from"`
	EmailTo          string `yaml:"email_to"`
	EmailBaseURL     string `yaml:"email_base_url"`
}

// SummarizerConfig holds the incident summary model settings. An empty API
// key disables summaries.
type SummarizerConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

// FeatureFlagsConfig holds feature flag cache settings.
type FeatureFlagsConfig struct {
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		App: AppConfig{
			Env:         "development",
			Port:        "8080",
			MetricsPort: "9090",
			LogLevel:    "info",
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			User:            "pulsewatch",
			Password:        "localdev",
			Name:            "pulsewatch",
			SSLMode:         "disable",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			Migrate:         true,
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint: "localhost:4317",
			SampleRatio:  1,
		},
		Auth: AuthConfig{
			JWTIssuer:   "pulsewatch",
			JWTAudience: "pulsewatch-api",
		},
		Queue: QueueConfig{
			Driver:       QueueMemory,
			Topic:        "pulsewatch-checks",
			Subscription: "pulsewatch-checks-worker",
			BatchSize:    10,
			BatchWait:    time.Second,
			MaxAttempts:  3,
		},
		Cache: CacheConfig{
			Driver: CachePostgres,
		},
		Checker: CheckerConfig{
			SlowThreshold: 3 * time.Second,
			DoHEndpoint:   "https://cloudflare-dns.com/dns-query",
		},
		Worker: WorkerConfig{
			Concurrency:        8,
			ScheduleSpec:       "* * * * *",
			UptimeEveryMinutes: 5,
			Scheduler:          true,
		},
		FeatureFlags: FeatureFlagsConfig{
			CacheTTL: time.Minute,
		},
	}
}

// Load reads the file at path over the defaults, then applies environment
// overrides. A missing file falls back to defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		content, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(content, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFromEnv loads the file named by PULSEWATCH_CONFIG, if any.
func LoadFromEnv() (Config, error) {
	return Load(os.Getenv(PathEnv))
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch c.Queue.Driver {
	case QueueMemory:
	case QueuePubSub:
		if c.Queue.ProjectID == "" {
			return errors.New("queue.project_id is required for the pubsub driver")
		}
		if c.Queue.Topic == "" {
			return errors.New("queue.topic is required for the pubsub driver")
		}
	default:
		return fmt.Errorf("unknown queue driver %q", c.Queue.Driver)
	}

	switch c.Cache.Driver {
	case CacheMemory, CachePostgres:
	default:
		return fmt.Errorf("unknown cache driver %q", c.Cache.Driver)
	}

	if c.IsProduction() && c.Auth.JWTSigningKey == "" {
		return errors.New("auth.jwt_signing_key is required in production")
	}

	if c.Worker.Concurrency <= 0 {
		return errors.New("worker.concurrency must be positive")
	}
	if c.Worker.UptimeEveryMinutes <= 0 {
		return errors.New("worker.uptime_every_minutes must be positive")
	}
	return nil
}

// DatabaseConfig converts the settings for database.Connect.
func (c Config) DatabaseConfig() database.Config {
	return database.Config{
		URL:             c.Database.URL,
		Host:            c.Database.Host,
		Port:            c.Database.Port,
		User:            c.Database.User,
		Password:        c.Database.Password,
		Database:        c.Database.Name,
		SSLMode:         c.Database.SSLMode,
		MaxOpenConns:    c.Database.MaxOpenConns,
		MaxIdleConns:    c.Database.MaxIdleConns,
		ConnMaxLifetime: c.Database.ConnMaxLifetime,
	}
}

// IsProduction reports whether the process runs in production.
func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c *Config) applyEnv() {
	setString(&c.App.Env, "APP_ENV")
	setString(&c.App.Port, "APP_PORT")
	setString(&c.App.MetricsPort, "METRICS_PORT")
	setString(&c.App.LogLevel, "LOG_LEVEL")
	setBool(&c.App.RequireTLS, "REQUIRE_TLS")

	setString(&c.Database.URL, "DATABASE_URL")
	setString(&c.Database.Host, "DB_HOST")
	setInt(&c.Database.Port, "DB_PORT")
	setString(&c.Database.User, "DB_USER")
	setString(&c.Database.Password, "DB_PASSWORD")
	setString(&c.Database.Name, "DB_NAME")
	setString(&c.Database.SSLMode, "DB_SSL_MODE")
	setInt(&c.Database.MaxOpenConns, "DB_MAX_OPEN_CONNS")
	setInt(&c.Database.MaxIdleConns, "DB_MAX_IDLE_CONNS")
	setDuration(&c.Database.ConnMaxLifetime, "DB_CONN_MAX_LIFETIME")
	setBool(&c.Database.Migrate, "DB_MIGRATE")

	setBool(&c.Telemetry.Enabled, "OTEL_ENABLED")
	setString(&c.Telemetry.OTLPEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")

	setString(&c.Auth.JWTSigningKey, "JWT_SIGNING_KEY")

	setString(&c.Queue.Driver, "QUEUE_DRIVER")
	setString(&c.Queue.ProjectID, "PUBSUB_PROJECT_ID")
	setString(&c.Queue.Topic, "PUBSUB_TOPIC")
	setString(&c.Queue.Subscription, "PUBSUB_SUBSCRIPTION")

	setString(&c.Cache.Driver, "CACHE_DRIVER")

	setDuration(&c.Checker.SlowThreshold, "CHECK_SLOW_THRESHOLD")
	setString(&c.Checker.DoHEndpoint, "DOH_ENDPOINT")

	setInt(&c.Worker.Concurrency, "WORKER_CONCURRENCY")
	setBool(&c.Worker.Scheduler, "WORKER_SCHEDULER")

	setString(&c.Notify.TelegramBotToken, "TELEGRAM_BOT_TOKEN")
	setString(&c.Notify.TelegramChatID, "TELEGRAM_CHAT_ID")
	setString(&c.Notify.EmailAPIKey, "EMAIL_API_KEY")
	setString(&c.Notify.EmailFrom, "EMAIL_FROM")
	setString(&c.Notify.EmailTo, "EMAIL_TO")

	setString(&c.Summarizer.APIKey, "OPENAI_API_KEY")
	setString(&c.Summarizer.BaseURL, "OPENAI_BASE_URL")
	setString(&c.Summarizer.Model, "OPENAI_MODEL")
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

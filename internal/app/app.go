// Package app assembles the PulseWatch components shared by the API and
// worker processes from a loaded configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/pulsewatch/pulsewatch/internal/cache"
	"github.com/pulsewatch/pulsewatch/internal/checker"
	"github.com/pulsewatch/pulsewatch/internal/config"
	"github.com/pulsewatch/pulsewatch/internal/database"
	"github.com/pulsewatch/pulsewatch/internal/featureflags"
	"github.com/pulsewatch/pulsewatch/internal/incident"
	"github.com/pulsewatch/pulsewatch/internal/monitor"
	"github.com/pulsewatch/pulsewatch/internal/notify"
	"github.com/pulsewatch/pulsewatch/internal/provider/resilience"
	"github.com/pulsewatch/pulsewatch/internal/queue"
	"github.com/pulsewatch/pulsewatch/internal/snapshot"
	"github.com/pulsewatch/pulsewatch/internal/state"
	"github.com/pulsewatch/pulsewatch/internal/uptime"
	"github.com/pulsewatch/pulsewatch/internal/worker"
)

// NewLogger creates the process logger at the configured level.
func NewLogger(cfg config.Config, serviceName, version string) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.App.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	return zerolog.New(os.Stdout).
		Level(level).
		With().
		Timestamp().
		Str("service", serviceName).
		Str("version", version).
		Str("env", cfg.App.Env).
		Logger()
}

// Components holds every long-lived dependency of a process.
type Components struct {
	Pool      *pgxpool.Pool
	Cache     cache.Store
	Repo      *monitor.PostgresRepository
	Flags     *featureflags.Service
	Providers *resilience.Registry
	Runner    *checker.Runner
	Snapshots *snapshot.Cache
	State     *state.Registry
	Uptime    *uptime.Aggregator
	Notifier  *notify.Sender
	Incidents *incident.Manager
	Processor *worker.Processor
	Queue     queue.Queue

	logger zerolog.Logger
}

// Options tunes Build for the calling process.
type Options struct {
	// Subscribe opens the queue subscription. Publish-only processes leave
	// it unset.
	Subscribe bool
}

// Build connects to the database, runs migrations when enabled and wires
// the monitoring pipeline.
func Build(ctx context.Context, cfg config.Config, opts Options, log zerolog.Logger) (*Components, error) {
	dbCfg := cfg.DatabaseConfig()
	pool, err := database.Connect(ctx, dbCfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	log.Info().
		Str("host", dbCfg.Host).
		Int("port", dbCfg.Port).
		Str("database", dbCfg.Database).
		Msg("database connected")

	if cfg.Database.Migrate {
		if err := database.NewMigrator(pool, database.Migrations, log).Migrate(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("migrating database: %w", err)
		}
	}

	c := &Components{
		Pool:      pool,
		Repo:      monitor.NewPostgresRepository(pool),
		Providers: resilience.NewRegistry(),
		logger:    log,
	}

	switch cfg.Cache.Driver {
	case config.CacheMemory:
		c.Cache = cache.NewMemoryStore()
	default:
		c.Cache = cache.NewPostgresStore(pool)
	}

	c.Flags = featureflags.NewService(featureflags.ServiceConfig{
		Repository: featureflags.NewPostgresRepository(pool),
		Logger:     log,
		CacheTTL:   cfg.FeatureFlags.CacheTTL,
	})

	c.Runner = checker.NewRunner(checker.Config{
		SlowThreshold: cfg.Checker.SlowThreshold,
		DoHEndpoint:   cfg.Checker.DoHEndpoint,
		UserAgent:     cfg.Checker.UserAgent,
		Resolver: resilience.NewClient(resilience.ClientConfig{
			Name:           "dns-resolver",
			Timeout:        10 * time.Second,
			DisableRetries: true,
			Registry:       c.Providers,
			Critical:       true,
		}),
	})

	c.Snapshots = snapshot.New(snapshot.Config{Store: c.Cache, Logger: log})

	c.State = state.NewRegistry(state.Config{
		Store:  state.NewPostgresStore(pool),
		Cache:  c.Cache,
		Logger: log,
	})

	c.Uptime = uptime.NewAggregator(uptime.Config{
		Checks: c.Repo,
		Store:  c.Cache,
		Logger: log,
	})

	c.Notifier = notify.NewSender(notify.SenderConfig{
		Channels: c.channels(cfg.Notify),
		Gate:     c.Flags,
		Logger:   log,
	})

	var summarizer incident.Summarizer
	if cfg.Summarizer.APIKey != "" {
		summarizer = incident.NewOpenAISummarizer(incident.OpenAIConfig{
			APIKey:  cfg.Summarizer.APIKey,
			BaseURL: cfg.Summarizer.BaseURL,
			Model:   cfg.Summarizer.Model,
			Client:  c.client("summarizer", 30*time.Second),
		})
	} else {
		log.Warn().Msg("summarizer not configured, incidents will carry no summary")
	}

	c.Incidents = incident.NewManager(incident.ManagerConfig{
		Repository: incident.NewPostgresRepository(pool),
		Notifier:   c.Notifier,
		Summarizer: summarizer,
		State:      c.State,
		Flags:      c.Flags,
		Logger:     log,
	})

	c.Processor = worker.NewProcessor(worker.ProcessorConfig{
		Config: worker.Config{
			Concurrency: cfg.Worker.Concurrency,
		},
		Services:  c.Repo,
		Checks:    c.Repo,
		Runner:    c.Runner,
		Snapshots: c.Snapshots,
		State:     c.State,
		Incidents: c.Incidents,
		Flags:     c.Flags,
		Logger:    log,
	})

	q, err := openQueue(ctx, cfg.Queue, opts, log)
	if err != nil {
		_ = c.Close(ctx) //nolint:errcheck // best effort cleanup
		return nil, err
	}
	c.Queue = q

	return c, nil
}

func (c *Components) client(name string, timeout time.Duration) *resilience.Client {
	return resilience.NewClient(resilience.ClientConfig{
		Name:     name,
		Timeout:  timeout,
		Registry: c.Providers,
	})
}

func (c *Components) channels(cfg config.NotifyConfig) []notify.Channel {
	var channels []notify.Channel
	if cfg.TelegramBotToken != "" {
		channels = append(channels, notify.NewTelegramChannel(notify.TelegramConfig{
			BotToken:      cfg.TelegramBotToken,
			DefaultChatID: cfg.TelegramChatID,
			BaseURL:       cfg.TelegramBaseURL,
			Client:        c.client("telegram", 10*time.Second),
		}))
	}
	if cfg.EmailAPIKey != "" {
		channels = append(channels, notify.NewEmailChannel(notify.EmailConfig{
			APIKey:    cfg.EmailAPIKey,
			From:      cfg.EmailFrom,
			DefaultTo: cfg.EmailTo,
			BaseURL:   cfg.EmailBaseURL,
			Client:    c.client("email", 10*time.Second),
		}))
	}
	if len(channels) == 0 {
		c.logger.Warn().Msg("no notification channels configured")
	}
	return channels
}

func openQueue(ctx context.Context, cfg config.QueueConfig, opts Options, log zerolog.Logger) (queue.Queue, error) {
	switch cfg.Driver {
	case config.QueuePubSub:
		psCfg := queue.PubSubConfig{
			ProjectID: cfg.ProjectID,
			Topic:     cfg.Topic,
			Logger:    log,
		}
		if opts.Subscribe {
			psCfg.Subscription = cfg.Subscription
			psCfg.MaxOutstandingMessages = cfg.BatchSize
		}
		q, err := queue.NewPubSubQueue(ctx, psCfg)
		if err != nil {
			return nil, fmt.Errorf("opening pubsub queue: %w", err)
		}
		log.Info().Str("topic", cfg.Topic).Bool("subscribed", opts.Subscribe).Msg("pubsub queue opened")
		return q, nil
	default:
		return queue.NewMemoryQueue(queue.MemoryConfig{
			BatchSize:   cfg.BatchSize,
			BatchWait:   cfg.BatchWait,
			MaxAttempts: cfg.MaxAttempts,
			Logger:      log,
		}), nil
	}
}

// Ping reports whether the database is reachable.
func (c *Components) Ping(ctx context.Context) error {
	return c.Pool.Ping(ctx)
}

// Close drains background work and releases every resource. Runtime state
// is flushed before the pool closes.
func (c *Components) Close(ctx context.Context) error {
	var errs []error
	if c.Queue != nil {
		if err := c.Queue.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing queue: %w", err))
		}
	}
	if c.Incidents != nil {
		if err := c.Incidents.Wait(ctx); err != nil {
			errs = append(errs, fmt.Errorf("waiting for summaries: %w", err))
		}
	}
	if c.State != nil {
		if err := c.State.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flushing runtime state: %w", err))
		}
	}
	if c.Pool != nil {
		c.Pool.Close()
	}
	return errors.Join(errs...)
}

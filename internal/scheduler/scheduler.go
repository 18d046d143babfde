// Package scheduler enqueues due checks on a cron tick and falls back to
// running them inline when the queue is unavailable.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/pulsewatch/pulsewatch/internal/metrics"
	"github.com/pulsewatch/pulsewatch/internal/monitor"
	"github.com/pulsewatch/pulsewatch/internal/queue"
)

// InlineRunner executes a check without the queue.
type InlineRunner interface {
	ExecuteService(ctx context.Context, svc *monitor.Service, trigger queue.Trigger) (*monitor.CheckResult, error)
}

// UptimeAggregator refreshes cached uptime summaries.
type UptimeAggregator interface {
	Aggregate(ctx context.Context, services []*monitor.Service) error
}

// Flags gates dispatch behaviour at runtime.
type Flags interface {
	ForceInlineDispatch(ctx context.Context) bool
}

// Config holds configuration for the scheduler.
type Config struct {
	// Spec is the cron expression of the tick.
	// Default: "* * * * *"
	Spec string

	// UptimeEveryMinutes runs aggregation on ticks whose minute is a multiple of it.
	// Default: 5
	UptimeEveryMinutes int

	// InlineConcurrency bounds checks run inline on one tick.
	// Default: 4
	InlineConcurrency int

	// TickTimeout bounds one tick.
	// Default: 55 seconds
	TickTimeout time.Duration

	Services  monitor.ServiceRepository
	Publisher queue.Publisher
	Inline    InlineRunner

	// Uptime is optional.
	Uptime UptimeAggregator

	// Flags is optional.
	Flags Flags

	Logger zerolog.Logger
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		Spec:               "* * * * *",
		UptimeEveryMinutes: 5,
		InlineConcurrency:  4,
		TickTimeout:        55 * time.Second,
	}
}

// TickResult summarizes one tick.
type TickResult struct {
	Active     int
	Due        int
	Queued     int
	Inline     int
	Failed     int
	Aggregated bool
}

// Scheduler dispatches due checks every tick.
type Scheduler struct {
	cfg    Config
	cron   *cron.Cron
	logger zerolog.Logger
}

// New creates a scheduler.
func New(cfg Config) *Scheduler {
	def := DefaultConfig()
	if cfg.Spec == "" {
		cfg.Spec = def.Spec
	}
	if cfg.UptimeEveryMinutes <= 0 {
		cfg.UptimeEveryMinutes = def.UptimeEveryMinutes
	}
	if cfg.InlineConcurrency <= 0 {
		cfg.InlineConcurrency = def.InlineConcurrency
	}
	if cfg.TickTimeout <= 0 {
		cfg.TickTimeout = def.TickTimeout
	}

	log := cronLogger{logger: cfg.Logger}
	return &Scheduler{
		cfg: cfg,
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(log),
			cron.WithChain(cron.Recover(log), cron.SkipIfStillRunning(log)),
		),
		logger: cfg.Logger,
	}
}

// Start registers the tick and starts the cron runner.
func (s *Scheduler) Start() error {
	_, err := s.cron.AddFunc(s.cfg.Spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.TickTimeout)
		defer cancel()

		if _, err := s.Tick(ctx, time.Now()); err != nil {
			s.logger.Error().Err(err).Msg("scheduler tick failed")
		}
	})
	if err != nil {
		return fmt.Errorf("registering tick %q: %w", s.cfg.Spec, err)
	}

	s.cron.Start()
	s.logger.Info().Str("spec", s.cfg.Spec).Msg("scheduler started")
	return nil
}

// Stop stops the cron runner and waits for a running tick or ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Tick dispatches every active service that is due at now.
// Enqueue failures run the check inline; a check is never skipped.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (TickResult, error) {
	minute := now.UTC().Truncate(time.Minute)
	metrics.RecordTickLag(now.Sub(minute))

	var result TickResult

	services, err := s.cfg.Services.ListActive(ctx)
	if err != nil {
		return result, fmt.Errorf("listing active services: %w", err)
	}
	result.Active = len(services)

	forceInline := s.cfg.Flags != nil && s.cfg.Flags.ForceInlineDispatch(ctx)

	var inline []*monitor.Service
	for _, svc := range services {
		if !svc.IsActive || !svc.DueAt(minute) {
			continue
		}
		result.Due++

		if forceInline || s.cfg.Publisher == nil {
			inline = append(inline, svc)
			continue
		}

		job := queue.Job{ServiceID: svc.ID, Trigger: queue.TriggerScheduled, ScheduledAt: minute}
		if err := s.cfg.Publisher.Enqueue(ctx, job); err != nil {
			s.logger.Warn().
				Err(err).
				Str("service_id", svc.ID).
				Msg("enqueue failed, running check inline")
			inline = append(inline, svc)
			continue
		}
		result.Queued++
		metrics.RecordDispatch("queued")
	}

	result.Inline = len(inline)
	result.Failed = s.runInline(ctx, inline)

	if minute.Minute()%s.cfg.UptimeEveryMinutes == 0 && s.cfg.Uptime != nil {
		if err := s.cfg.Uptime.Aggregate(ctx, services); err != nil {
			s.logger.Error().Err(err).Msg("uptime aggregation failed")
		} else {
			result.Aggregated = true
		}
	}

	s.logger.Info().
		Time("minute", minute).
		Int("active", result.Active).
		Int("due", result.Due).
		Int("queued", result.Queued).
		Int("inline", result.Inline).
		Int("failed", result.Failed).
		Bool("force_inline", forceInline).
		Msg("scheduler tick completed")

	return result, nil
}

func (s *Scheduler) runInline(ctx context.Context, services []*monitor.Service) int {
	if len(services) == 0 {
		return 0
	}
	if s.cfg.Inline == nil {
		for _, svc := range services {
			metrics.RecordDispatch("dropped")
			s.logger.Error().
				Str("service_id", svc.ID).
				Msg("no inline executor configured, check not run")
		}
		return len(services)
	}

	failures := make([]bool, len(services))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.InlineConcurrency)
	for i, svc := range services {
		metrics.RecordDispatch("inline")
		g.Go(func() error {
			if _, err := s.cfg.Inline.ExecuteService(gctx, svc, queue.TriggerScheduled); err != nil {
				s.logger.Error().Err(err).Str("service_id", svc.ID).Msg("inline check failed")
				failures[i] = true
			}
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck // goroutines never return an error

	failed := 0
	for _, f := range failures {
		if f {
			failed++
		}
	}
	return failed
}

// cronLogger adapts zerolog to the cron.Logger interface.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}

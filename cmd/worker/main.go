// Package main provides the entrypoint for the PulseWatch worker: it runs
// the scheduler tick, consumes check jobs and serves health and metrics.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/pulsewatch/pulsewatch/internal/api/handler"
	"github.com/pulsewatch/pulsewatch/internal/api/middleware"
	"github.com/pulsewatch/pulsewatch/internal/api/response"
	"github.com/pulsewatch/pulsewatch/internal/app"
	"github.com/pulsewatch/pulsewatch/internal/cache"
	"github.com/pulsewatch/pulsewatch/internal/config"
	"github.com/pulsewatch/pulsewatch/internal/metrics"
	"github.com/pulsewatch/pulsewatch/internal/scheduler"
	"github.com/pulsewatch/pulsewatch/internal/telemetry"
	"github.com/pulsewatch/pulsewatch/internal/worker"
)

// Version and BuildTime are set at compile time via ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
)

const (
	serviceName   = "pulsewatch-worker"
	purgeInterval = 10 * time.Minute
)

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		bootLog := zerolog.New(os.Stderr)
		bootLog.Fatal().Err(err).Msg("failed to load configuration")
	}

	log := app.NewLogger(cfg, serviceName, Version)
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	log.Info().
		Str("build_time", BuildTime).
		Str("queue_driver", cfg.Queue.Driver).
		Str("cache_driver", cfg.Cache.Driver).
		Msg("starting PulseWatch worker")

	if err := run(cfg, log); err != nil {
		log.Error().Err(err).Msg("worker stopped with error")
		os.Exit(1)
	}
	log.Info().Msg("worker stopped")
}

func run(cfg config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    serviceName,
		ServiceVersion: Version,
		Environment:    cfg.App.Env,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		Enabled:        cfg.Telemetry.Enabled,
		SampleRatio:    cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return err
	}
	log = log.With().Str("instance_id", tp.InstanceID).Logger()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("failed to shutdown telemetry")
		}
	}()

	comps, err := app.Build(ctx, cfg, app.Options{Subscribe: true}, log)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := comps.Close(closeCtx); err != nil {
			log.Error().Err(err).Msg("failed to release resources")
		}
	}()

	server := &http.Server{
		Addr:              ":" + cfg.App.MetricsPort,
		Handler:           newOpsRouter(comps, log),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
	}

	consumer := worker.NewConsumer(worker.ConsumerConfig{
		Queue:     comps.Queue,
		Processor: comps.Processor,
		Logger:    log,
	})

	var sched *scheduler.Scheduler
	if cfg.Worker.Scheduler {
		sched = scheduler.New(scheduler.Config{
			Spec:               cfg.Worker.ScheduleSpec,
			UptimeEveryMinutes: cfg.Worker.UptimeEveryMinutes,
			Services:           comps.Repo,
			Publisher:          comps.Queue,
			Inline:             comps.Processor,
			Uptime:             comps.Uptime,
			Flags:              comps.Flags,
			Logger:             log,
		})
		if err := sched.Start(); err != nil {
			return err
		}
	} else {
		log.Info().Msg("scheduler disabled, consuming jobs only")
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", server.Addr).Msg("ops server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		return consumer.Start(gctx)
	})

	if purger, ok := comps.Cache.(*cache.PostgresStore); ok {
		g.Go(func() error {
			purgeExpired(gctx, purger, log)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down worker")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if sched != nil {
			if err := sched.Stop(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("scheduler tick still running at shutdown")
			}
		}
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// newOpsRouter serves liveness, readiness, Prometheus metrics and a JSON
// view of processor counters and outbound dependency health.
func newOpsRouter(comps *app.Components, log zerolog.Logger) http.Handler {
	ops := handler.NewOpsHandler(Version, BuildTime, map[string]handler.Pinger{
		"database":  comps,
		"providers": comps.Providers,
	})

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery(log))

	r.Get("/health", ops.HealthCheck)
	r.Get("/ready", ops.ReadinessCheck)
	r.Handle("/metrics", metrics.Handler())
	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		response.JSON(w, r, http.StatusOK, map[string]interface{}{
			"processor":    comps.Processor.MetricsSnapshot(),
			"providers":    comps.Providers.GetAllHealth(),
			"unhealthy":    comps.Providers.Unhealthy(),
			"activeActors": comps.State.ActiveActors(),
		})
	})
	return r
}

func purgeExpired(ctx context.Context, store *cache.PostgresStore, log zerolog.Logger) {
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.PurgeExpired(ctx)
			if err != nil {
				log.Warn().Err(err).Msg("purging expired cache entries")
				continue
			}
			log.Debug().Int64("purged", n).Msg("expired cache entries purged")
		}
	}
}

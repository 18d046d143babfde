// Package main provides the entrypoint for the PulseWatch operator API.
//
// With -mint-token it prints a signed operator token and exits instead of
// serving.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/pulsewatch/pulsewatch/internal/api"
	"github.com/pulsewatch/pulsewatch/internal/api/handler"
	"github.com/pulsewatch/pulsewatch/internal/api/middleware"
	"github.com/pulsewatch/pulsewatch/internal/app"
	"github.com/pulsewatch/pulsewatch/internal/auth"
	"github.com/pulsewatch/pulsewatch/internal/config"
	"github.com/pulsewatch/pulsewatch/internal/queue"
	"github.com/pulsewatch/pulsewatch/internal/telemetry"
)

// Version and BuildTime are set at compile time via ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
)

const serviceName = "pulsewatch-api"

// devSigningKey is only accepted outside production.
const devSigningKey = "local-dev-signing-key-change-in-production"

func main() {
	mintSubject := flag.String("mint-token", "", "print an operator token for `subject` and exit")
	mintScope := flag.String("scope", "", "comma-separated scopes for -mint-token")
	mintTTL := flag.Duration("ttl", auth.DefaultTokenTTL, "lifetime of a minted token")
	flag.Parse()

	cfg, err := config.LoadFromEnv()
	if err != nil {
		bootLog := zerolog.New(os.Stderr)
		bootLog.Fatal().Err(err).Msg("failed to load configuration")
	}

	log := app.NewLogger(cfg, serviceName, Version)
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	signingKey := cfg.Auth.JWTSigningKey
	if signingKey == "" {
		signingKey = devSigningKey
		log.Warn().Msg("using default JWT signing key - not secure for production")
	}
	jwtService := auth.NewJWTService(auth.JWTConfig{
		SigningKey: signingKey,
		Issuer:     cfg.Auth.JWTIssuer,
		Audience:   cfg.Auth.JWTAudience,
		TTL:        *mintTTL,
	})

	if *mintSubject != "" {
		if err := mintToken(jwtService, *mintSubject, *mintScope); err != nil {
			log.Fatal().Err(err).Msg("failed to mint token")
		}
		return
	}

	log.Info().
		Str("build_time", BuildTime).
		Msg("starting PulseWatch API")

	if err := serve(cfg, jwtService, log); err != nil {
		log.Error().Err(err).Msg("server stopped with error")
		os.Exit(1)
	}
	log.Info().Msg("server stopped")
}

func mintToken(jwtService *auth.JWTService, subject, scope string) error {
	var scopes []string
	for _, s := range strings.Split(scope, ",") {
		if s = strings.TrimSpace(s); s != "" {
			scopes = append(scopes, s)
		}
	}

	token, expiresAt, err := jwtService.GenerateAccessToken(subject, scopes...)
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stderr, "expires at", expiresAt.UTC().Format(time.RFC3339))
	fmt.Println(token)
	return nil
}

func serve(cfg config.Config, jwtService *auth.JWTService, log zerolog.Logger) error {
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

	httpMetrics, err := middleware.NewMetrics()
	if err != nil {
		return err
	}

	comps, err := app.Build(ctx, cfg, app.Options{}, log)
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

	// An in-memory queue has no consumer in this process, so manual checks
	// run inline unless jobs go to Pub/Sub.
	var publisher queue.Publisher
	if cfg.Queue.Driver == config.QueuePubSub {
		publisher = comps.Queue
	}

	router := api.NewRouter(api.RouterConfig{
		Version:        Version,
		BuildTime:      BuildTime,
		Logger:         log,
		ServiceName:    serviceName,
		Metrics:        httpMetrics,
		RequireTLS:     cfg.App.RequireTLS,
		Dependencies:   map[string]handler.Pinger{"database": comps},
		TokenValidator: jwtService,
		Services: handler.ServicesHandlerConfig{
			Services:  comps.Repo,
			Checks:    comps.Repo,
			Executor:  comps.Processor,
			Snapshots: comps.Snapshots,
			State:     comps.State,
			Uptime:    comps.Uptime,
			Incidents: comps.Incidents,
			Publisher: publisher,
		},
		FeatureFlagService: comps.Flags,
	})

	server := &http.Server{
		Addr:              ":" + cfg.App.Port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", server.Addr).Msg("server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// Package api provides the HTTP operator API for PulseWatch.
package api

import (
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/pulsewatch/pulsewatch/internal/api/handler"
	"github.com/pulsewatch/pulsewatch/internal/api/middleware"
	"github.com/pulsewatch/pulsewatch/internal/featureflags"
)

// RouterConfig holds configuration for the router.
type RouterConfig struct {
	Version     string
	BuildTime   string
	Logger      zerolog.Logger
	ServiceName string
	Metrics     *middleware.Metrics

	// RequireTLS rejects requests that did not arrive over HTTPS.
	RequireTLS bool

	// Dependencies are pinged by GET /v1/ops/ready under their map key.
	Dependencies map[string]handler.Pinger

	TokenValidator     middleware.TokenValidator
	Services           handler.ServicesHandlerConfig
	FeatureFlagService *featureflags.Service
}

// NewRouter creates a new chi router with all API routes configured.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "pulsewatch-api"
	}

	// Global middleware - order matters
	r.Use(middleware.RequestID)
	r.Use(middleware.Tracing(serviceName))
	if cfg.Metrics != nil {
		r.Use(cfg.Metrics.Middleware())
	}
	r.Use(middleware.Logger(cfg.Logger))
	r.Use(middleware.Recovery(cfg.Logger))
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.RequireTLS(cfg.RequireTLS))
	r.Use(middleware.ContentTypeJSON)

	opsHandler := handler.NewOpsHandler(cfg.Version, cfg.BuildTime, cfg.Dependencies)

	servicesCfg := cfg.Services
	servicesCfg.Logger = cfg.Logger
	servicesHandler := handler.NewServicesHandler(servicesCfg)
	featureFlagsHandler := handler.NewFeatureFlagsHandler(cfg.FeatureFlagService, cfg.Logger)

	authMiddleware := middleware.Auth(cfg.TokenValidator)
	triggerRateLimit := middleware.RateLimitByPrincipal(middleware.TriggerRateLimit)
	adminRateLimit := middleware.RateLimitByPrincipal(middleware.AdminRateLimit)
	standardRateLimit := middleware.RateLimitByPrincipal(middleware.StandardRateLimit)

	r.Route("/v1", func(r chi.Router) {
		// Ops endpoints (public)
		r.Route("/ops", func(r chi.Router) {
			r.Get("/health", opsHandler.HealthCheck)
			r.Get("/ready", opsHandler.ReadinessCheck)
		})

		r.Route("/services", func(r chi.Router) {
			r.Use(authMiddleware)
			r.Use(standardRateLimit)

			r.Get("/", servicesHandler.ListServices)
			r.Route("/{serviceId}", func(r chi.Router) {
				r.With(triggerRateLimit).Post("/checks", servicesHandler.TriggerCheck)
				r.Get("/checks", servicesHandler.ListChecks)
				r.Get("/status", servicesHandler.GetStatus)
				r.Get("/incidents", servicesHandler.ListIncidents)
				r.Delete("/state", servicesHandler.DeleteState)
			})
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(authMiddleware)
			r.Use(adminRateLimit)

			r.Route("/feature-flags", func(r chi.Router) {
				r.Get("/", featureFlagsHandler.ListFeatureFlags)
				r.With(middleware.RequireJSON).Put("/", featureFlagsHandler.UpsertFeatureFlags)
				r.Post("/invalidate", featureFlagsHandler.InvalidateCache)
				r.Delete("/{key}", featureFlagsHandler.ResetFeatureFlag)
			})
		})
	})

	return r
}

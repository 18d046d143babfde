package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/pulsewatch/pulsewatch/internal/api/middleware"
	"github.com/pulsewatch/pulsewatch/internal/api/models"
	"github.com/pulsewatch/pulsewatch/internal/api/response"
	"github.com/pulsewatch/pulsewatch/internal/cache"
	"github.com/pulsewatch/pulsewatch/internal/incident"
	"github.com/pulsewatch/pulsewatch/internal/monitor"
	"github.com/pulsewatch/pulsewatch/internal/queue"
	"github.com/pulsewatch/pulsewatch/internal/snapshot"
	"github.com/pulsewatch/pulsewatch/internal/state"
	"github.com/pulsewatch/pulsewatch/internal/uptime"
	"github.com/pulsewatch/pulsewatch/internal/worker"
)

// List limits for check and incident listings.
const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// CheckExecutor runs a check job in-process.
type CheckExecutor interface {
	Execute(ctx context.Context, job queue.Job) (*monitor.CheckResult, error)
}

// SnapshotStore reads and drops cached status snapshots.
type SnapshotStore interface {
	Read(ctx context.Context, serviceID string) (*snapshot.Snapshot, error)
	Delete(ctx context.Context, serviceID string) error
}

// StateStore exposes the per-service runtime state.
type StateStore interface {
	GetState(ctx context.Context, serviceID string) (*state.RuntimeState, error)
	CheckFlapping(ctx context.Context, serviceID string) (bool, error)
	Evict(ctx context.Context, serviceID string) error
}

// UptimeReader reads cached uptime summaries.
type UptimeReader interface {
	Read(ctx context.Context, serviceID string) (*uptime.Summary, error)
}

// IncidentReader lists incidents of a service.
type IncidentReader interface {
	ListOpen(ctx context.Context, serviceID string) ([]*incident.Incident, error)
	ListForService(ctx context.Context, serviceID string, opts incident.ListOptions) ([]*incident.Incident, error)
}

// ServicesHandlerConfig holds the dependencies of a ServicesHandler.
type ServicesHandlerConfig struct {
	Services  monitor.ServiceRepository
	Checks    monitor.CheckRepository
	Executor  CheckExecutor
	Snapshots SnapshotStore
	State     StateStore
	Uptime    UptimeReader
	Incidents IncidentReader

	// Publisher is optional. When set, manual checks are enqueued and the
	// trigger endpoint answers 202 instead of running the check inline.
	Publisher queue.Publisher

	Logger zerolog.Logger
}

// ServicesHandler handles monitored service endpoints.
type ServicesHandler struct {
	services  monitor.ServiceRepository
	checks    monitor.CheckRepository
	executor  CheckExecutor
	snapshots SnapshotStore
	state     StateStore
	uptime    UptimeReader
	incidents IncidentReader
	publisher queue.Publisher
	logger    zerolog.Logger
}

// NewServicesHandler creates a new ServicesHandler.
func NewServicesHandler(cfg ServicesHandlerConfig) *ServicesHandler {
	return &ServicesHandler{
		services:  cfg.Services,
		checks:    cfg.Checks,
		executor:  cfg.Executor,
		snapshots: cfg.Snapshots,
		state:     cfg.State,
		uptime:    cfg.Uptime,
		incidents: cfg.Incidents,
		publisher: cfg.Publisher,
		logger:    cfg.Logger,
	}
}

// ListServices handles GET /v1/services.
func (h *ServicesHandler) ListServices(w http.ResponseWriter, r *http.Request) {
	services, err := h.services.ListActive(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("listing services")
		response.InternalError(w, r, "failed to list services")
		return
	}
	if services == nil {
		services = []*monitor.Service{}
	}

	response.JSON(w, r, http.StatusOK, models.ServiceList{
		Items: services,
		Meta:  models.PagedResponseMeta{Limit: len(services), Count: len(services)},
	})
}

// TriggerCheck handles POST /v1/services/{serviceId}/checks.
func (h *ServicesHandler) TriggerCheck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	serviceID := chi.URLParam(r, "serviceId")

	logger := h.logger.With().
		Str("service_id", serviceID).
		Str("principal", middleware.GetPrincipal(ctx)).
		Logger()

	job := queue.Job{
		ServiceID:   serviceID,
		Trigger:     queue.TriggerManual,
		ScheduledAt: time.Now().UTC(),
	}

	if h.publisher != nil {
		svc, ok := h.loadService(w, r, serviceID)
		if !ok {
			return
		}
		if !svc.IsActive {
			response.Conflict(w, r, "service is inactive")
			return
		}
		if err := h.publisher.Enqueue(ctx, job); err != nil {
			logger.Error().Err(err).Msg("enqueueing manual check")
			response.ServiceUnavailable(w, r, "check queue unavailable")
			return
		}
		logger.Info().Msg("manual check enqueued")
		response.JSON(w, r, http.StatusAccepted, models.TriggeredCheck{Queued: true})
		return
	}

	result, err := h.executor.Execute(ctx, job)
	switch {
	case errors.Is(err, monitor.ErrServiceNotFound):
		response.NotFound(w, r, "service not found")
		return
	case errors.Is(err, worker.ErrServiceInactive):
		response.Conflict(w, r, "service is inactive")
		return
	case err != nil:
		logger.Error().Err(err).Msg("running manual check")
		response.InternalError(w, r, "failed to run check")
		return
	}

	logger.Info().Str("status", string(result.Status)).Msg("manual check completed")
	response.JSON(w, r, http.StatusOK, models.TriggeredCheck{Result: result})
}

// ListChecks handles GET /v1/services/{serviceId}/checks.
func (h *ServicesHandler) ListChecks(w http.ResponseWriter, r *http.Request) {
	serviceID := chi.URLParam(r, "serviceId")

	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	if _, ok := h.loadService(w, r, serviceID); !ok {
		return
	}

	results, err := h.checks.Recent(r.Context(), serviceID, limit)
	if err != nil {
		h.logger.Error().Err(err).Str("service_id", serviceID).Msg("listing checks")
		response.InternalError(w, r, "failed to list checks")
		return
	}
	if results == nil {
		results = []*monitor.CheckResult{}
	}

	response.JSON(w, r, http.StatusOK, models.CheckList{
		Items: results,
		Meta:  models.PagedResponseMeta{Limit: limit, Count: len(results)},
	})
}

// GetStatus handles GET /v1/services/{serviceId}/status. Sections that have
// not been produced yet are omitted.
func (h *ServicesHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	serviceID := chi.URLParam(r, "serviceId")

	if _, ok := h.loadService(w, r, serviceID); !ok {
		return
	}

	logger := h.logger.With().Str("service_id", serviceID).Logger()
	status := models.ServiceStatus{ServiceID: serviceID}

	snap, err := h.snapshots.Read(ctx, serviceID)
	switch {
	case err == nil:
		status.Snapshot = snap
	case !errors.Is(err, cache.ErrNotFound):
		logger.Warn().Err(err).Msg("reading snapshot")
	}

	st, err := h.state.GetState(ctx, serviceID)
	switch {
	case err == nil:
		status.State = st
		flapping, err := h.state.CheckFlapping(ctx, serviceID)
		if err != nil {
			logger.Warn().Err(err).Msg("checking flapping")
		}
		status.Flapping = flapping
	case !errors.Is(err, state.ErrStateNotFound):
		logger.Warn().Err(err).Msg("reading runtime state")
	}

	summary, err := h.uptime.Read(ctx, serviceID)
	switch {
	case err == nil:
		status.Uptime = summary
	case !errors.Is(err, cache.ErrNotFound):
		logger.Warn().Err(err).Msg("reading uptime summary")
	}

	open, err := h.incidents.ListOpen(ctx, serviceID)
	if err != nil {
		logger.Error().Err(err).Msg("listing open incidents")
		response.InternalError(w, r, "failed to load incidents")
		return
	}
	if open == nil {
		open = []*incident.Incident{}
	}
	status.Incidents = open

	response.JSON(w, r, http.StatusOK, status)
}

// ListIncidents handles GET /v1/services/{serviceId}/incidents.
func (h *ServicesHandler) ListIncidents(w http.ResponseWriter, r *http.Request) {
	serviceID := chi.URLParam(r, "serviceId")

	var includeResolved bool
	switch strings.ToLower(r.URL.Query().Get("status")) {
	case "", "open":
	case "all":
		includeResolved = true
	default:
		response.BadRequest(w, r, "invalid status filter", []models.FieldError{
			{Field: "status", Message: "must be one of: open, all", Code: "INVALID_ENUM"},
		})
		return
	}

	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	if _, ok := h.loadService(w, r, serviceID); !ok {
		return
	}

	items, err := h.incidents.ListForService(r.Context(), serviceID, incident.ListOptions{
		Limit:           limit,
		IncludeResolved: includeResolved,
	})
	if err != nil {
		h.logger.Error().Err(err).Str("service_id", serviceID).Msg("listing incidents")
		response.InternalError(w, r, "failed to list incidents")
		return
	}
	if items == nil {
		items = []*incident.Incident{}
	}

	response.JSON(w, r, http.StatusOK, models.IncidentList{
		Items: items,
		Meta:  models.PagedResponseMeta{Limit: limit, Count: len(items)},
	})
}

// DeleteState handles DELETE /v1/services/{serviceId}/state. It stops the
// service's state actor without flushing and drops its durable record,
// cache entry and snapshot.
func (h *ServicesHandler) DeleteState(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	serviceID := chi.URLParam(r, "serviceId")

	logger := h.logger.With().
		Str("service_id", serviceID).
		Str("principal", middleware.GetPrincipal(ctx)).
		Logger()

	if err := h.state.Evict(ctx, serviceID); err != nil {
		logger.Error().Err(err).Msg("evicting runtime state")
		response.InternalError(w, r, "failed to delete runtime state")
		return
	}
	if err := h.snapshots.Delete(ctx, serviceID); err != nil {
		logger.Warn().Err(err).Msg("deleting snapshot")
	}

	logger.Info().Msg("runtime state deleted")
	response.NoContent(w, r)
}

func (h *ServicesHandler) loadService(w http.ResponseWriter, r *http.Request, serviceID string) (*monitor.Service, bool) {
	svc, err := h.services.Get(r.Context(), serviceID)
	switch {
	case errors.Is(err, monitor.ErrServiceNotFound):
		response.NotFound(w, r, "service not found")
		return nil, false
	case err != nil:
		h.logger.Error().Err(err).Str("service_id", serviceID).Msg("loading service")
		response.InternalError(w, r, "failed to load service")
		return nil, false
	}
	return svc, true
}

// parseLimit reads the limit query parameter, writing a 400 when invalid.
func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return DefaultListLimit, true
	}

	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 || limit > MaxListLimit {
		response.BadRequest(w, r, "invalid limit", []models.FieldError{
			{Field: "limit", Message: "must be between 1 and " + strconv.Itoa(MaxListLimit), Code: "OUT_OF_RANGE"},
		})
		return 0, false
	}
	return limit, true
}

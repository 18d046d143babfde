package handler

import (
	"fmt"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/pulsewatch/pulsewatch/internal/api/middleware"
	"github.com/pulsewatch/pulsewatch/internal/api/models"
	"github.com/pulsewatch/pulsewatch/internal/api/response"
	"github.com/pulsewatch/pulsewatch/internal/featureflags"
)

// FeatureFlagsHandler handles feature flag endpoints.
type FeatureFlagsHandler struct {
	service *featureflags.Service
	logger  zerolog.Logger
}

// NewFeatureFlagsHandler creates a new FeatureFlagsHandler.
func NewFeatureFlagsHandler(service *featureflags.Service, logger zerolog.Logger) *FeatureFlagsHandler {
	return &FeatureFlagsHandler{service: service, logger: logger}
}

// ListFeatureFlags handles GET /v1/admin/feature-flags.
func (h *FeatureFlagsHandler) ListFeatureFlags(w http.ResponseWriter, r *http.Request) {
	flags := h.service.GetAllFlags(r.Context())

	list := featureflags.FlagList{Items: make([]featureflags.Flag, 0, len(flags))}
	for _, f := range flags {
		list.Items = append(list.Items, *f)
	}
	sort.Slice(list.Items, func(i, j int) bool { return list.Items[i].Key < list.Items[j].Key })

	response.JSON(w, r, http.StatusOK, list)
}

// UpsertFeatureFlags handles PUT /v1/admin/feature-flags. Only known flags
// with boolean values are accepted; the batch is applied atomically and the
// resulting flag list is returned.
func (h *FeatureFlagsHandler) UpsertFeatureFlags(w http.ResponseWriter, r *http.Request) {
	var req featureflags.FlagUpdateRequest
	if !response.DecodeJSON(w, r, &req) {
		return
	}

	if len(req.Updates) == 0 {
		response.BadRequest(w, r, "updates must not be empty", nil)
		return
	}

	var fieldErrors []models.FieldError
	flags := make([]*featureflags.Flag, 0, len(req.Updates))
	for i, u := range req.Updates {
		field := fmt.Sprintf("updates[%d]", i)
		if !featureflags.IsKnown(u.Key) {
			fieldErrors = append(fieldErrors, models.FieldError{Field: field + ".key", Message: "unknown feature flag", Code: "UNKNOWN_FLAG"})
			continue
		}
		if _, ok := u.Value.(bool); !ok {
			fieldErrors = append(fieldErrors, models.FieldError{Field: field + ".value", Message: "must be a boolean", Code: "INVALID_TYPE"})
			continue
		}
		flags = append(flags, &featureflags.Flag{Key: u.Key, Value: u.Value})
	}
	if len(fieldErrors) > 0 {
		response.BadRequest(w, r, "invalid feature flag updates", fieldErrors)
		return
	}

	if err := h.service.SetFlags(r.Context(), flags); err != nil {
		h.logger.Error().Err(err).Msg("updating feature flags")
		response.InternalError(w, r, "failed to update feature flags")
		return
	}

	event := h.logger.Info().
		Str("principal", middleware.GetPrincipal(r.Context())).
		Str("reason", req.Reason)
	for _, f := range flags {
		event = event.Interface(f.Key, f.Value)
	}
	event.Msg("feature flags updated")

	h.ListFeatureFlags(w, r)
}

// ResetFeatureFlag handles DELETE /v1/admin/feature-flags/{key}.
func (h *FeatureFlagsHandler) ResetFeatureFlag(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if !featureflags.IsKnown(key) {
		response.NotFound(w, r, "unknown feature flag")
		return
	}

	if err := h.service.ResetFlag(r.Context(), key); err != nil {
		h.logger.Error().Err(err).Str("flag", key).Msg("resetting feature flag")
		response.InternalError(w, r, "failed to reset feature flag")
		return
	}

	h.logger.Info().
		Str("principal", middleware.GetPrincipal(r.Context())).
		Str("flag", key).
		Msg("feature flag reset to default")

	response.NoContent(w, r)
}

// InvalidateCache handles POST /v1/admin/feature-flags/invalidate.
func (h *FeatureFlagsHandler) InvalidateCache(w http.ResponseWriter, r *http.Request) {
	h.service.InvalidateCache()
	response.NoContent(w, r)
}

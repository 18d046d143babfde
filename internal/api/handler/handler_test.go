package handler_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsewatch/pulsewatch/internal/api/handler"
	"github.com/pulsewatch/pulsewatch/internal/api/models"
	"github.com/pulsewatch/pulsewatch/internal/cache"
	"github.com/pulsewatch/pulsewatch/internal/incident"
	"github.com/pulsewatch/pulsewatch/internal/monitor"
	"github.com/pulsewatch/pulsewatch/internal/queue"
	"github.com/pulsewatch/pulsewatch/internal/snapshot"
	"github.com/pulsewatch/pulsewatch/internal/state"
	"github.com/pulsewatch/pulsewatch/internal/uptime"
	"github.com/pulsewatch/pulsewatch/internal/worker"
)

type fakeExecutor struct {
	mu     sync.Mutex
	jobs   []queue.Job
	result *monitor.CheckResult
	err    error
}

func (f *fakeExecutor) Execute(_ context.Context, job queue.Job) (*monitor.CheckResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
	return f.result, f.err
}

type fakePublisher struct {
	mu   sync.Mutex
	jobs []queue.Job
	err  error
}

func (f *fakePublisher) Enqueue(_ context.Context, job queue.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.jobs = append(f.jobs, job)
	return nil
}

type fakeState struct {
	states   map[string]*state.RuntimeState
	flapping bool
	evicted  []string
	evictErr error
}

func (f *fakeState) GetState(_ context.Context, serviceID string) (*state.RuntimeState, error) {
	st, ok := f.states[serviceID]
	if !ok {
		return nil, state.ErrStateNotFound
	}
	return st, nil
}

func (f *fakeState) CheckFlapping(context.Context, string) (bool, error) {
	return f.flapping, nil
}

func (f *fakeState) Evict(_ context.Context, serviceID string) error {
	if f.evictErr != nil {
		return f.evictErr
	}
	f.evicted = append(f.evicted, serviceID)
	return nil
}

type fakeUptime struct {
	summaries map[string]*uptime.Summary
}

func (f *fakeUptime) Read(_ context.Context, serviceID string) (*uptime.Summary, error) {
	s, ok := f.summaries[serviceID]
	if !ok {
		return nil, cache.ErrNotFound
	}
	return s, nil
}

type servicesFixture struct {
	repo      *monitor.InMemoryRepository
	snapshots *snapshot.Cache
	state     *fakeState
	uptime    *fakeUptime
	incidents *incident.InMemoryRepository
	executor  *fakeExecutor
	publisher *fakePublisher
	router    chi.Router
}

func newServicesFixture(t *testing.T, withPublisher bool) *servicesFixture {
	t.Helper()

	f := &servicesFixture{
		repo:      monitor.NewInMemoryRepository(),
		snapshots: snapshot.New(snapshot.Config{Store: cache.NewMemoryStore(), Logger: zerolog.Nop()}),
		state:     &fakeState{states: map[string]*state.RuntimeState{}},
		uptime:    &fakeUptime{summaries: map[string]*uptime.Summary{}},
		incidents: incident.NewInMemoryRepository(),
		executor:  &fakeExecutor{},
	}

	ctx := context.Background()
	require.NoError(t, f.repo.Upsert(ctx, &monitor.Service{ID: "svc_api", Name: "API", Type: monitor.TypeHTTP, Target: "https://api.example.com", IsActive: true}))
	require.NoError(t, f.repo.Upsert(ctx, &monitor.Service{ID: "svc_old", Name: "Old", Type: monitor.TypePing, Target: "old.example.com", IsActive: false}))

	cfg := handler.ServicesHandlerConfig{
		Services:  f.repo,
		Checks:    f.repo,
		Executor:  f.executor,
		Snapshots: f.snapshots,
		State:     f.state,
		Uptime:    f.uptime,
		Incidents: f.incidents,
		Logger:    zerolog.Nop(),
	}
	if withPublisher {
		f.publisher = &fakePublisher{}
		cfg.Publisher = f.publisher
	}
	h := handler.NewServicesHandler(cfg)

	r := chi.NewRouter()
	r.Get("/v1/services", h.ListServices)
	r.Route("/v1/services/{serviceId}", func(r chi.Router) {
		r.Post("/checks", h.TriggerCheck)
		r.Get("/checks", h.ListChecks)
		r.Get("/status", h.GetStatus)
		r.Get("/incidents", h.ListIncidents)
		r.Delete("/state", h.DeleteState)
	})
	f.router = r
	return f
}

func (f *servicesFixture) do(method, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestListServices_ReturnsActiveOnly(t *testing.T) {
	f := newServicesFixture(t, false)

	rec := f.do(http.MethodGet, "/v1/services")

	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[models.ServiceList](t, rec)
	require.Len(t, list.Items, 1)
	assert.Equal(t, "svc_api", list.Items[0].ID)
	assert.Equal(t, 1, list.Meta.Count)
}

func TestTriggerCheck_Inline(t *testing.T) {
	f := newServicesFixture(t, false)
	f.executor.result = &monitor.CheckResult{ID: 7, ServiceID: "svc_api", Status: monitor.StatusUp}

	rec := f.do(http.MethodPost, "/v1/services/svc_api/checks")

	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[models.TriggeredCheck](t, rec)
	assert.False(t, body.Queued)
	require.NotNil(t, body.Result)
	assert.Equal(t, int64(7), body.Result.ID)

	require.Len(t, f.executor.jobs, 1)
	assert.Equal(t, "svc_api", f.executor.jobs[0].ServiceID)
	assert.Equal(t, queue.TriggerManual, f.executor.jobs[0].Trigger)
}

func TestTriggerCheck_InlineErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"not found", monitor.ErrServiceNotFound, http.StatusNotFound},
		{"inactive", worker.ErrServiceInactive, http.StatusConflict},
		{"failure", errors.New("db down"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newServicesFixture(t, false)
			f.executor.err = tt.err

			rec := f.do(http.MethodPost, "/v1/services/svc_api/checks")

			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
		})
	}
}

func TestTriggerCheck_Enqueued(t *testing.T) {
	f := newServicesFixture(t, true)

	rec := f.do(http.MethodPost, "/v1/services/svc_api/checks")

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.True(t, decode[models.TriggeredCheck](t, rec).Queued)
	require.Len(t, f.publisher.jobs, 1)
	assert.Equal(t, queue.TriggerManual, f.publisher.jobs[0].Trigger)
	assert.Empty(t, f.executor.jobs)
}

func TestTriggerCheck_EnqueueRejectsUnknownAndInactive(t *testing.T) {
	f := newServicesFixture(t, true)

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodPost, "/v1/services/svc_missing/checks").Code)
	assert.Equal(t, http.StatusConflict, f.do(http.MethodPost, "/v1/services/svc_old/checks").Code)
	assert.Empty(t, f.publisher.jobs)
}

func TestTriggerCheck_QueueUnavailable(t *testing.T) {
	f := newServicesFixture(t, true)
	f.publisher.err = queue.ErrQueueClosed

	rec := f.do(http.MethodPost, "/v1/services/svc_api/checks")

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestListChecks(t *testing.T) {
	f := newServicesFixture(t, false)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, f.repo.Insert(ctx, &monitor.CheckResult{
			ServiceID: "svc_api",
			Status:    monitor.StatusUp,
			CheckedAt: int64(1000 + i),
		}))
	}

	rec := f.do(http.MethodGet, "/v1/services/svc_api/checks?limit=3")

	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[models.CheckList](t, rec)
	require.Len(t, list.Items, 3)
	assert.Equal(t, int64(1004), list.Items[0].CheckedAt)
	assert.Equal(t, 3, list.Meta.Limit)
}

func TestListChecks_InvalidLimit(t *testing.T) {
	f := newServicesFixture(t, false)

	for _, limit := range []string{"0", "-1", "501", "ten"} {
		t.Run(limit, func(t *testing.T) {
			rec := f.do(http.MethodGet, "/v1/services/svc_api/checks?limit="+limit)

			require.Equal(t, http.StatusBadRequest, rec.Code)
			problem := decode[models.Problem](t, rec)
			require.Len(t, problem.Errors, 1)
			assert.Equal(t, "limit", problem.Errors[0].Field)
		})
	}
}

func TestListChecks_UnknownService(t *testing.T) {
	f := newServicesFixture(t, false)

	rec := f.do(http.MethodGet, "/v1/services/svc_missing/checks")

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetStatus_OmitsMissingSections(t *testing.T) {
	f := newServicesFixture(t, false)

	rec := f.do(http.MethodGet, "/v1/services/svc_api/status")

	require.Equal(t, http.StatusOK, rec.Code)
	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &raw))
	assert.NotContains(t, raw, "snapshot")
	assert.NotContains(t, raw, "state")
	assert.NotContains(t, raw, "uptime")
	assert.JSONEq(t, `[]`, string(raw["openIncidents"]))
}

func TestGetStatus_Full(t *testing.T) {
	f := newServicesFixture(t, false)
	ctx := context.Background()

	ms := 120
	_, err := f.snapshots.Write(ctx, "svc_api", snapshot.Snapshot{Status: monitor.StatusDown, ResponseTimeMs: &ms, LastCheck: 1000})
	require.NoError(t, err)

	f.state.states["svc_api"] = &state.RuntimeState{ServiceID: "svc_api", CurrentStatus: monitor.StatusDown, LastCheckAt: 1000}
	f.state.flapping = true

	pct := 99.5
	f.uptime.summaries["svc_api"] = &uptime.Summary{
		ServiceID: "svc_api",
		Windows: map[string]uptime.WindowSummary{
			"24h": {StatusCounts: monitor.StatusCounts{Total: 200, Up: 199, Down: 1}, Percent: &pct},
		},
		ComputedAt: time.Unix(1000, 0).UTC(),
	}

	now := time.Unix(900, 0).UTC()
	require.NoError(t, f.incidents.Create(ctx,
		&incident.Incident{ID: "inc_1", ServiceID: "svc_api", Kind: incident.KindDown, Status: incident.StatusOpen, StartedAt: now, CreatedAt: now, UpdatedAt: now},
		&incident.Update{ID: "upd_1", IncidentID: "inc_1", Status: incident.StatusOpen, CreatedAt: now},
	))

	rec := f.do(http.MethodGet, "/v1/services/svc_api/status")

	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[models.ServiceStatus](t, rec)
	require.NotNil(t, status.Snapshot)
	assert.Equal(t, monitor.StatusDown, status.Snapshot.Status)
	require.NotNil(t, status.State)
	assert.Equal(t, monitor.StatusDown, status.State.CurrentStatus)
	assert.True(t, status.Flapping)
	require.NotNil(t, status.Uptime)
	assert.InDelta(t, 99.5, *status.Uptime.Windows["24h"].Percent, 0.001)
	require.Len(t, status.Incidents, 1)
	assert.Equal(t, "inc_1", status.Incidents[0].ID)
}

func TestListIncidents_StatusFilter(t *testing.T) {
	f := newServicesFixture(t, false)
	ctx := context.Background()

	start := time.Unix(1000, 0).UTC()
	require.NoError(t, f.incidents.Create(ctx,
		&incident.Incident{ID: "inc_old", ServiceID: "svc_api", Kind: incident.KindDown, Status: incident.StatusOpen, StartedAt: start, CreatedAt: start, UpdatedAt: start},
		&incident.Update{ID: "upd_1", IncidentID: "inc_old", Status: incident.StatusOpen, CreatedAt: start},
	))
	require.NoError(t, f.incidents.Resolve(ctx, "inc_old", start.Add(time.Minute),
		&incident.Update{ID: "upd_2", IncidentID: "inc_old", Status: incident.StatusResolved, CreatedAt: start.Add(time.Minute)}))
	later := start.Add(time.Hour)
	require.NoError(t, f.incidents.Create(ctx,
		&incident.Incident{ID: "inc_new", ServiceID: "svc_api", Kind: incident.KindDegraded, Status: incident.StatusOpen, StartedAt: later, CreatedAt: later, UpdatedAt: later},
		&incident.Update{ID: "upd_3", IncidentID: "inc_new", Status: incident.StatusOpen, CreatedAt: later},
	))

	open := decode[models.IncidentList](t, f.do(http.MethodGet, "/v1/services/svc_api/incidents"))
	require.Len(t, open.Items, 1)
	assert.Equal(t, "inc_new", open.Items[0].ID)

	all := decode[models.IncidentList](t, f.do(http.MethodGet, "/v1/services/svc_api/incidents?status=all"))
	assert.Len(t, all.Items, 2)
}

func TestListIncidents_InvalidStatus(t *testing.T) {
	f := newServicesFixture(t, false)

	rec := f.do(http.MethodGet, "/v1/services/svc_api/incidents?status=closed")

	require.Equal(t, http.StatusBadRequest, rec.Code)
	problem := decode[models.Problem](t, rec)
	require.Len(t, problem.Errors, 1)
	assert.Equal(t, "status", problem.Errors[0].Field)
}

func TestDeleteState(t *testing.T) {
	f := newServicesFixture(t, false)
	ctx := context.Background()
	_, err := f.snapshots.Write(ctx, "svc_api", snapshot.Snapshot{Status: monitor.StatusUp, LastCheck: 1})
	require.NoError(t, err)

	rec := f.do(http.MethodDelete, "/v1/services/svc_api/state")

	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"svc_api"}, f.state.evicted)
	_, err = f.snapshots.Read(ctx, "svc_api")
	assert.ErrorIs(t, err, cache.ErrNotFound)
}

func TestDeleteState_EvictFailure(t *testing.T) {
	f := newServicesFixture(t, false)
	f.state.evictErr = state.ErrActorClosed

	rec := f.do(http.MethodDelete, "/v1/services/svc_api/state")

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "failed to delete runtime state")
}

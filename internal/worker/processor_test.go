package worker_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsewatch/pulsewatch/internal/cache"
	"github.com/pulsewatch/pulsewatch/internal/checker"
	"github.com/pulsewatch/pulsewatch/internal/incident"
	"github.com/pulsewatch/pulsewatch/internal/monitor"
	"github.com/pulsewatch/pulsewatch/internal/notify"
	"github.com/pulsewatch/pulsewatch/internal/queue"
	"github.com/pulsewatch/pulsewatch/internal/snapshot"
	"github.com/pulsewatch/pulsewatch/internal/state"
	"github.com/pulsewatch/pulsewatch/internal/worker"
)

// scriptedRunner returns queued results per service, then repeats the last one.
type scriptedRunner struct {
	mu      sync.Mutex
	results map[string][]checker.Result
	panics  bool
}

func (r *scriptedRunner) Run(_ context.Context, svc *monitor.Service) checker.Result {
	if r.panics {
		panic("checker exploded")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	queued := r.results[svc.ID]
	if len(queued) == 0 {
		return checker.Result{Status: monitor.StatusUp, ResponseTimeMs: 100}
	}
	res := queued[0]
	if len(queued) > 1 {
		r.results[svc.ID] = queued[1:]
	}
	return res
}

type countingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *countingNotifier) Notify(_ context.Context, _ *monitor.Service, msg notify.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, msg.Event)
	return nil
}

type anomalyFlag bool

func (f anomalyFlag) AnomalyDetectionDisabled(context.Context) bool { return bool(f) }

type fixture struct {
	repo      *monitor.InMemoryRepository
	runner    *scriptedRunner
	snapshots *snapshot.Cache
	state     *state.Registry
	incidents *incident.InMemoryRepository
	notifier  *countingNotifier
	processor *worker.Processor
}

func newFixture(t *testing.T, flags worker.Flags) *fixture {
	t.Helper()

	store := cache.NewMemoryStore()
	f := &fixture{
		repo:      monitor.NewInMemoryRepository(),
		runner:    &scriptedRunner{results: make(map[string][]checker.Result)},
		snapshots: snapshot.New(snapshot.Config{Store: store, Logger: zerolog.Nop()}),
		incidents: incident.NewInMemoryRepository(),
		notifier:  &countingNotifier{},
	}
	f.state = state.NewRegistry(state.Config{Cache: store, Logger: zerolog.Nop()})
	t.Cleanup(func() { _ = f.state.Close(context.Background()) })

	manager := incident.NewManager(incident.ManagerConfig{
		Repository: f.incidents,
		Notifier:   f.notifier,
		State:      f.state,
		Logger:     zerolog.Nop(),
	})

	f.processor = worker.NewProcessor(worker.ProcessorConfig{
		Services:  f.repo,
		Checks:    f.repo,
		Runner:    f.runner,
		Snapshots: f.snapshots,
		State:     f.state,
		Incidents: manager,
		Flags:     flags,
		Logger:    zerolog.Nop(),
	})

	require.NoError(t, f.repo.Upsert(context.Background(), &monitor.Service{
		ID: "svc-1", Name: "API", Type: monitor.TypeHTTP, Target: "https://example.com", IsActive: true,
	}))
	return f
}

func (f *fixture) script(id string, results ...checker.Result) {
	f.runner.mu.Lock()
	defer f.runner.mu.Unlock()
	f.runner.results[id] = results
}

func TestDefaultConfig(t *testing.T) {
	cfg := worker.DefaultConfig()

	assert.Equal(t, 8, cfg.Concurrency)
	assert.Equal(t, 2*time.Minute, cfg.JobTimeout)
	assert.Equal(t, 20, cfg.Anomaly.Window)
}

func TestProcessor_Execute_PersistsAndCaches(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	code := 200
	f.script("svc-1", checker.Result{Status: monitor.StatusUp, ResponseTimeMs: 120, StatusCode: &code})

	result, err := f.processor.Execute(ctx, queue.Job{ServiceID: "svc-1", Trigger: queue.TriggerScheduled})
	require.NoError(t, err)
	assert.Equal(t, monitor.StatusUp, result.Status)
	assert.NotZero(t, result.ID)

	recent, err := f.repo.Recent(ctx, "svc-1", 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, 120, *recent[0].ResponseTimeMs)

	snap, err := f.snapshots.Read(ctx, "svc-1")
	require.NoError(t, err)
	assert.Equal(t, monitor.StatusUp, snap.Status)

	st, err := f.state.GetState(ctx, "svc-1")
	require.NoError(t, err)
	assert.Equal(t, monitor.StatusUp, st.CurrentStatus)
}

func TestProcessor_Execute_UnsentCheckHasNoResponseTime(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.script("svc-1", checker.Result{Status: monitor.StatusDown, ErrorMessage: "invalid target: bad host", NotSent: true})

	result, err := f.processor.Execute(ctx, queue.Job{ServiceID: "svc-1"})
	require.NoError(t, err)
	assert.Equal(t, monitor.StatusDown, result.Status)
	assert.Nil(t, result.ResponseTimeMs)

	recent, err := f.repo.Recent(ctx, "svc-1", 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Nil(t, recent[0].ResponseTimeMs)
	require.NotNil(t, recent[0].ErrorMessage)
	assert.Equal(t, "invalid target: bad host", *recent[0].ErrorMessage)
}

func TestProcessor_Execute_DetectsSpike(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	var results []checker.Result
	for _, ms := range []int{100, 102, 98, 101, 99} {
		results = append(results, checker.Result{Status: monitor.StatusUp, ResponseTimeMs: ms})
	}
	results = append(results, checker.Result{Status: monitor.StatusUp, ResponseTimeMs: 500})
	f.script("svc-1", results...)

	var last *monitor.CheckResult
	for range results {
		res, err := f.processor.Execute(ctx, queue.Job{ServiceID: "svc-1"})
		require.NoError(t, err)
		last = res
	}

	assert.True(t, last.AnomalyDetected)
	require.NotNil(t, last.AnomalyType)
	assert.Equal(t, monitor.AnomalySpike, *last.AnomalyType)
	assert.Equal(t, int64(1), f.processor.GetMetrics().Anomalies)
}

func TestProcessor_Execute_AnomalyDetectionDisabled(t *testing.T) {
	f := newFixture(t, anomalyFlag(true))
	ctx := context.Background()

	f.script("svc-1",
		checker.Result{Status: monitor.StatusUp, ResponseTimeMs: 100},
		checker.Result{Status: monitor.StatusUp, ResponseTimeMs: 102},
		checker.Result{Status: monitor.StatusUp, ResponseTimeMs: 98},
		checker.Result{Status: monitor.StatusUp, ResponseTimeMs: 5000},
	)

	var last *monitor.CheckResult
	for i := 0; i < 4; i++ {
		res, err := f.processor.Execute(ctx, queue.Job{ServiceID: "svc-1"})
		require.NoError(t, err)
		last = res
	}
	assert.False(t, last.AnomalyDetected)
}

func TestProcessor_Execute_UpDownUpDrivesIncident(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	code := 503
	f.script("svc-1",
		checker.Result{Status: monitor.StatusUp, ResponseTimeMs: 80},
		checker.Result{Status: monitor.StatusDown, ResponseTimeMs: 40, StatusCode: &code, ErrorMessage: "HTTP 503"},
		checker.Result{Status: monitor.StatusUp, ResponseTimeMs: 90},
	)

	for i := 0; i < 3; i++ {
		_, err := f.processor.Execute(ctx, queue.Job{ServiceID: "svc-1"})
		require.NoError(t, err)
	}

	assert.Equal(t, []notify.Event{notify.EventOpened, notify.EventResolved}, f.notifier.events)

	all, err := f.incidents.ListForService(ctx, "svc-1", incident.ListOptions{IncludeResolved: true})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, incident.StatusResolved, all[0].Status)
	assert.NotNil(t, all[0].ResolvedAt)

	m := f.processor.GetMetrics()
	assert.Equal(t, int64(1), m.Incidents)
	assert.Equal(t, int64(1), m.Recoveries)
}

func TestProcessor_Execute_InactiveService(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.repo.Upsert(ctx, &monitor.Service{ID: "svc-off", Type: monitor.TypeHTTP, IsActive: false}))

	_, err := f.processor.Execute(ctx, queue.Job{ServiceID: "svc-off"})
	assert.ErrorIs(t, err, worker.ErrServiceInactive)
}

func TestProcessor_Execute_InsertFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.repo.InsertErr = errors.New("connection reset")

	_, err := f.processor.Execute(context.Background(), queue.Job{ServiceID: "svc-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "persisting check result")
	assert.Equal(t, int64(1), f.processor.GetMetrics().Failed)
}

type settled struct {
	mu      sync.Mutex
	acked   []string
	retried []string
}

func (s *settled) delivery(id string, job queue.Job) *queue.Delivery {
	return queue.NewDelivery(id, job, 1,
		func() { s.mu.Lock(); s.acked = append(s.acked, id); s.mu.Unlock() },
		func() { s.mu.Lock(); s.retried = append(s.retried, id); s.mu.Unlock() },
	)
}

func TestProcessor_HandleBatch_AcksOnlyOnSuccess(t *testing.T) {
	f := newFixture(t, nil)
	s := &settled{}

	malformed := s.delivery("bad", queue.Job{})
	malformed.Err = queue.ErrMalformed

	batch := []*queue.Delivery{
		s.delivery("ok", queue.Job{ServiceID: "svc-1"}),
		s.delivery("missing", queue.Job{ServiceID: "nope"}),
		malformed,
	}
	f.processor.HandleBatch(context.Background(), batch)

	assert.ElementsMatch(t, []string{"ok", "missing", "bad"}, s.acked)
	assert.Empty(t, s.retried)

	f.repo.InsertErr = errors.New("db down")
	f.processor.HandleBatch(context.Background(), []*queue.Delivery{s.delivery("fail", queue.Job{ServiceID: "svc-1"})})
	assert.Equal(t, []string{"fail"}, s.retried)

	m := f.processor.GetMetrics()
	assert.Equal(t, int64(3), m.Acked)
	assert.Equal(t, int64(1), m.Retried)
	assert.Equal(t, int64(1), m.Malformed)
	assert.Equal(t, int64(1), m.Skipped)
}

func TestProcessor_HandleBatch_RecoversPanics(t *testing.T) {
	f := newFixture(t, nil)
	f.runner.panics = true
	s := &settled{}

	f.processor.HandleBatch(context.Background(), []*queue.Delivery{s.delivery("boom", queue.Job{ServiceID: "svc-1"})})

	assert.Equal(t, []string{"boom"}, s.retried)
	assert.Equal(t, int64(1), f.processor.GetMetrics().Panics)
}

func TestProcessor_MetricsSnapshot(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.processor.Execute(context.Background(), queue.Job{ServiceID: "svc-1"})
	require.NoError(t, err)

	snapshot := f.processor.MetricsSnapshot()

	assert.Equal(t, int64(1), snapshot["checks_executed"])
	assert.Contains(t, snapshot, "jobs_acked")
	assert.Contains(t, snapshot, "jobs_retried")
	assert.Contains(t, snapshot, "last_check_at")
	assert.Contains(t, snapshot, "last_duration")
}

func TestConsumer_ProcessesQueuedJobs_Processor(t *testing.T) {
	f := newFixture(t, nil)
	q := queue.NewMemoryQueue(queue.MemoryConfig{BatchSize: 4, BatchWait: 5 * time.Millisecond, Logger: zerolog.Nop()})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, q.Enqueue(ctx, queue.Job{ServiceID: "svc-1", Trigger: queue.TriggerScheduled}))
	}
	require.NoError(t, q.Close())

	consumer := worker.NewConsumer(worker.ConsumerConfig{Queue: q, Processor: f.processor, Logger: zerolog.Nop()})
	require.NoError(t, consumer.Start(ctx))

	recent, err := f.repo.Recent(ctx, "svc-1", 10)
	require.NoError(t, err)
	assert.Len(t, recent, 3)
	assert.Equal(t, int64(3), f.processor.GetMetrics().Acked)
}

package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/pulsewatch/pulsewatch/internal/anomaly"
	"github.com/pulsewatch/pulsewatch/internal/checker"
	"github.com/pulsewatch/pulsewatch/internal/incident"
	"github.com/pulsewatch/pulsewatch/internal/metrics"
	"github.com/pulsewatch/pulsewatch/internal/monitor"
	"github.com/pulsewatch/pulsewatch/internal/queue"
	"github.com/pulsewatch/pulsewatch/internal/snapshot"
)

// ErrServiceInactive is returned when a job targets a deactivated service.
var ErrServiceInactive = errors.New("service is inactive")

// CheckRunner checks a service.
type CheckRunner interface {
	Run(ctx context.Context, svc *monitor.Service) checker.Result
}

// SnapshotWriter caches the latest status of a service.
type SnapshotWriter interface {
	Write(ctx context.Context, serviceID string, snap snapshot.Snapshot) (bool, error)
}

// StateTracker records status samples in the per-service runtime state.
type StateTracker interface {
	Update(ctx context.Context, serviceID string, status monitor.Status, timestamp int64) error
	CheckFlapping(ctx context.Context, serviceID string) (bool, error)
}

// IncidentProcessor applies a check result to the incident lifecycle.
type IncidentProcessor interface {
	Process(ctx context.Context, svc *monitor.Service, result *monitor.CheckResult) ([]incident.Change, error)
}

// Flags gates optional processing steps at runtime.
type Flags interface {
	AnomalyDetectionDisabled(ctx context.Context) bool
}

// ProcessorConfig holds the dependencies of a Processor.
type ProcessorConfig struct {
	Config    Config
	Services  monitor.ServiceRepository
	Checks    monitor.CheckRepository
	Runner    CheckRunner
	Snapshots SnapshotWriter
	State     StateTracker
	Incidents IncidentProcessor

	// Flags is optional; without it every step runs.
	Flags Flags

	Logger zerolog.Logger

	// Now overrides the clock. Intended for tests.
	Now func() time.Time
}

// Processor executes check jobs.
type Processor struct {
	config    Config
	services  monitor.ServiceRepository
	checks    monitor.CheckRepository
	runner    CheckRunner
	snapshots SnapshotWriter
	state     StateTracker
	incidents IncidentProcessor
	flags     Flags
	logger    zerolog.Logger
	now       func() time.Time
	tracer    trace.Tracer

	flapMu   sync.Mutex
	flapping map[string]struct{}

	metrics *ProcessorMetrics
}

// ProcessorMetrics tracks processor statistics.
type ProcessorMetrics struct {
	mu sync.RWMutex

	// Counters
	Executed   int64
	Failed     int64
	Skipped    int64
	Up         int64
	Down       int64
	Degraded   int64
	Anomalies  int64
	Acked      int64
	Retried    int64
	Panics     int64
	Malformed  int64
	Incidents  int64
	Recoveries int64

	// Timings
	LastCheckAt   time.Time
	LastDuration  time.Duration
	TotalDuration time.Duration
}

// NewProcessor creates a check processor.
func NewProcessor(cfg ProcessorConfig) *Processor {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Processor{
		config:    cfg.Config.withDefaults(),
		services:  cfg.Services,
		checks:    cfg.Checks,
		runner:    cfg.Runner,
		snapshots: cfg.Snapshots,
		state:     cfg.State,
		incidents: cfg.Incidents,
		flags:     cfg.Flags,
		logger:    cfg.Logger,
		now:       cfg.Now,
		tracer:    otel.Tracer("github.com/pulsewatch/pulsewatch/internal/worker"),
		flapping:  make(map[string]struct{}),
		metrics:   &ProcessorMetrics{},
	}
}

// Execute loads the job's service and checks it.
func (p *Processor) Execute(ctx context.Context, job queue.Job) (*monitor.CheckResult, error) {
	svc, err := p.services.Get(ctx, job.ServiceID)
	if err != nil {
		return nil, fmt.Errorf("loading service %s: %w", job.ServiceID, err)
	}
	if !svc.IsActive {
		return nil, ErrServiceInactive
	}
	return p.ExecuteService(ctx, svc, job.Trigger)
}

// ExecuteService checks svc and records the result.
//
// Only a failure to persist the result is returned as an error; snapshot,
// runtime state and incident failures are logged so the recorded check is
// never redone.
func (p *Processor) ExecuteService(ctx context.Context, svc *monitor.Service, trigger queue.Trigger) (*monitor.CheckResult, error) {
	ctx, cancel := context.WithTimeout(ctx, p.config.JobTimeout)
	defer cancel()

	ctx, span := p.tracer.Start(ctx, "worker.check",
		trace.WithAttributes(
			attribute.String("service.id", svc.ID),
			attribute.String("service.type", string(svc.Type)),
			attribute.String("check.trigger", string(trigger)),
		),
	)
	defer span.End()

	logger := p.logger.With().
		Str("service_id", svc.ID).
		Str("service_type", string(svc.Type)).
		Str("trigger", string(trigger)).
		Logger()

	start := time.Now()
	res := p.runner.Run(ctx, svc)
	duration := time.Since(start)

	result := &monitor.CheckResult{
		ServiceID:  svc.ID,
		Status:     res.Status,
		StatusCode: res.StatusCode,
		CheckedAt:  p.now().Unix(),
	}
	if !res.NotSent {
		ms := res.ResponseTimeMs
		result.ResponseTimeMs = &ms
		span.SetAttributes(attribute.Int("check.response_time_ms", ms))
	}
	if res.ErrorMessage != "" {
		msg := res.ErrorMessage
		result.ErrorMessage = &msg
	}

	span.SetAttributes(attribute.String("check.status", string(result.Status)))
	metrics.RecordCheck(string(svc.Type), string(result.Status), time.Duration(res.ResponseTimeMs)*time.Millisecond)

	p.detectAnomaly(ctx, logger, result)

	if err := p.checks.Insert(ctx, result); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "persisting check result")
		p.recordFailure()
		return nil, fmt.Errorf("persisting check result: %w", err)
	}

	if p.snapshots != nil {
		if _, err := p.snapshots.Write(ctx, svc.ID, snapshot.FromResult(result)); err != nil {
			logger.Warn().Err(err).Msg("writing status snapshot")
		}
	}

	p.trackState(ctx, logger, result)

	var changes []incident.Change
	if p.incidents != nil {
		var err error
		changes, err = p.incidents.Process(ctx, svc, result)
		if err != nil {
			logger.Error().Err(err).Msg("processing incident")
		}
	}

	p.recordSuccess(result, changes, time.Since(start))

	event := logger.Debug()
	if result.Status.Failing() {
		event = logger.Info()
	}
	event.
		Str("status", string(result.Status)).
		Int("response_time_ms", res.ResponseTimeMs).
		Dur("duration", duration).
		Bool("anomaly", result.AnomalyDetected).
		Msg("check completed")

	return result, nil
}

func (p *Processor) detectAnomaly(ctx context.Context, logger zerolog.Logger, result *monitor.CheckResult) {
	if result.Status != monitor.StatusUp || result.ResponseTimeMs == nil {
		return
	}
	if p.flags != nil && p.flags.AnomalyDetectionDisabled(ctx) {
		return
	}

	history, err := p.checks.RecentUpLatencies(ctx, result.ServiceID, anomaly.HistoryLimit)
	if err != nil {
		logger.Warn().Err(err).Msg("loading latency history, skipping anomaly detection")
		return
	}

	verdict := anomaly.Detect(float64(*result.ResponseTimeMs), history, p.config.Anomaly)
	if !verdict.Detected {
		return
	}

	anomalyType := verdict.Type
	score := verdict.Score
	result.AnomalyDetected = true
	result.AnomalyType = &anomalyType
	result.AnomalyScore = &score

	metrics.RecordAnomaly(string(anomalyType))
	logger.Info().
		Str("anomaly_type", string(anomalyType)).
		Float64("score", score).
		Float64("mean_ms", verdict.Mean).
		Msg("response time anomaly detected")
}

func (p *Processor) trackState(ctx context.Context, logger zerolog.Logger, result *monitor.CheckResult) {
	if p.state == nil {
		return
	}
	if err := p.state.Update(ctx, result.ServiceID, result.Status, result.CheckedAt); err != nil {
		logger.Warn().Err(err).Msg("updating runtime state")
		return
	}

	flapping, err := p.state.CheckFlapping(ctx, result.ServiceID)
	if err != nil {
		logger.Warn().Err(err).Msg("checking flapping")
		return
	}

	p.flapMu.Lock()
	if flapping {
		p.flapping[result.ServiceID] = struct{}{}
	} else {
		delete(p.flapping, result.ServiceID)
	}
	metrics.FlappingServices.Set(float64(len(p.flapping)))
	p.flapMu.Unlock()

	if flapping {
		logger.Warn().Bool("flapping", true).Msg("service is flapping")
	}
}

// HandleBatch executes a batch of deliveries with bounded concurrency.
// A delivery is acked only when its job succeeded; failures and panics are
// retried. Malformed and unknown jobs are acked so they are not redelivered.
func (p *Processor) HandleBatch(ctx context.Context, batch []*queue.Delivery) {
	deliveries := make(chan *queue.Delivery, len(batch))
	for _, d := range batch {
		deliveries <- d
	}
	close(deliveries)

	workers := p.config.Concurrency
	if workers > len(batch) {
		workers = len(batch)
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range deliveries {
				p.handle(ctx, d)
			}
		}()
	}
	wg.Wait()
}

func (p *Processor) handle(ctx context.Context, d *queue.Delivery) {
	logger := p.logger.With().
		Str("delivery_id", d.ID).
		Str("service_id", d.Job.ServiceID).
		Int("attempt", d.Attempt).
		Logger()

	defer func() {
		if r := recover(); r != nil {
			logger.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("job panicked")
			p.countPanic()
			p.retry(d)
		}
	}()

	if d.Err != nil {
		logger.Warn().Err(d.Err).Msg("dropping malformed job")
		p.countMalformed()
		p.ack(d)
		return
	}

	_, err := p.Execute(ctx, d.Job)
	switch {
	case err == nil:
		p.ack(d)
	case errors.Is(err, monitor.ErrServiceNotFound), errors.Is(err, ErrServiceInactive):
		logger.Info().Err(err).Msg("skipping job")
		p.countSkipped()
		p.ack(d)
	default:
		logger.Error().Err(err).Msg("job failed")
		p.retry(d)
	}
}

func (p *Processor) ack(d *queue.Delivery) {
	d.Ack()
	metrics.RecordJob("acked")
	p.metrics.mu.Lock()
	p.metrics.Acked++
	p.metrics.mu.Unlock()
}

func (p *Processor) retry(d *queue.Delivery) {
	d.Retry()
	metrics.RecordJob("retried")
	p.metrics.mu.Lock()
	p.metrics.Retried++
	p.metrics.mu.Unlock()
}

func (p *Processor) countPanic() {
	p.metrics.mu.Lock()
	p.metrics.Panics++
	p.metrics.mu.Unlock()
}

func (p *Processor) countMalformed() {
	p.metrics.mu.Lock()
	p.metrics.Malformed++
	p.metrics.mu.Unlock()
}

func (p *Processor) countSkipped() {
	p.metrics.mu.Lock()
	p.metrics.Skipped++
	p.metrics.mu.Unlock()
}

func (p *Processor) recordFailure() {
	p.metrics.mu.Lock()
	p.metrics.Failed++
	p.metrics.mu.Unlock()
}

func (p *Processor) recordSuccess(result *monitor.CheckResult, changes []incident.Change, d time.Duration) {
	p.metrics.mu.Lock()
	defer p.metrics.mu.Unlock()

	p.metrics.Executed++
	switch result.Status {
	case monitor.StatusUp:
		p.metrics.Up++
	case monitor.StatusDown:
		p.metrics.Down++
	case monitor.StatusDegraded:
		p.metrics.Degraded++
	}
	if result.AnomalyDetected {
		p.metrics.Anomalies++
	}
	for _, c := range changes {
		switch c.Transition {
		case incident.TransitionOpened:
			p.metrics.Incidents++
		case incident.TransitionResolved:
			p.metrics.Recoveries++
		}
	}
	p.metrics.LastCheckAt = p.now()
	p.metrics.LastDuration = d
	p.metrics.TotalDuration += d
}

// GetMetrics returns a copy of the current metrics.
func (p *Processor) GetMetrics() ProcessorMetrics {
	p.metrics.mu.RLock()
	defer p.metrics.mu.RUnlock()

	return ProcessorMetrics{
		Executed:      p.metrics.Executed,
		Failed:        p.metrics.Failed,
		Skipped:       p.metrics.Skipped,
		Up:            p.metrics.Up,
		Down:          p.metrics.Down,
		Degraded:      p.metrics.Degraded,
		Anomalies:     p.metrics.Anomalies,
		Acked:         p.metrics.Acked,
		Retried:       p.metrics.Retried,
		Panics:        p.metrics.Panics,
		Malformed:     p.metrics.Malformed,
		Incidents:     p.metrics.Incidents,
		Recoveries:    p.metrics.Recoveries,
		LastCheckAt:   p.metrics.LastCheckAt,
		LastDuration:  p.metrics.LastDuration,
		TotalDuration: p.metrics.TotalDuration,
	}
}

// MetricsSnapshot returns a snapshot of the current metrics as a map.
func (p *Processor) MetricsSnapshot() map[string]interface{} {
	m := p.GetMetrics()
	return map[string]interface{}{
		"checks_executed":    m.Executed,
		"checks_failed":      m.Failed,
		"jobs_skipped":       m.Skipped,
		"status_up":          m.Up,
		"status_down":        m.Down,
		"status_degraded":    m.Degraded,
		"anomalies":          m.Anomalies,
		"jobs_acked":         m.Acked,
		"jobs_retried":       m.Retried,
		"jobs_panicked":      m.Panics,
		"jobs_malformed":     m.Malformed,
		"incidents_opened":   m.Incidents,
		"incidents_resolved": m.Recoveries,
		"last_check_at":      m.LastCheckAt,
		"last_duration":      m.LastDuration.String(),
		"total_duration":     m.TotalDuration.String(),
	}
}

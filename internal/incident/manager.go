package incident

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pulsewatch/pulsewatch/internal/metrics"
	"github.com/pulsewatch/pulsewatch/internal/monitor"
	"github.com/pulsewatch/pulsewatch/internal/notify"
)

// Notifier delivers incident notifications.
type Notifier interface {
	Notify(ctx context.Context, svc *monitor.Service, msg notify.Message) error
}

// StateRecorder mirrors the open incident into the service runtime state.
type StateRecorder interface {
	SetOpenIncident(ctx context.Context, serviceID string, incidentID *string) error
}

// Gate can disable summaries at runtime.
type Gate interface {
	SummariesDisabled(ctx context.Context) bool
}

// ManagerConfig holds configuration for the incident manager.
type ManagerConfig struct {
	Repository Repository
	Notifier   Notifier

	// Summarizer is optional; without it incidents carry no summary.
	Summarizer Summarizer

	// State is optional.
	State StateRecorder

	// Flags is optional.
	Flags Gate

	// SummaryTimeout bounds each background summary request.
	// Default: 30 seconds
	SummaryTimeout time.Duration

	Logger zerolog.Logger

	// Now overrides the clock. Intended for tests.
	Now func() time.Time
}

// Transition is what Process did for one incident.
type Transition string

// Incident transitions.
const (
	TransitionOpened   Transition = "opened"
	TransitionOngoing  Transition = "ongoing"
	TransitionResolved Transition = "resolved"
)

// Change records a transition applied to an incident.
type Change struct {
	Transition Transition
	Incident   *Incident
}

// Manager drives the incident state machine for check results.
type Manager struct {
	repo           Repository
	notifier       Notifier
	summarizer     Summarizer
	state          StateRecorder
	flags          Gate
	summaryTimeout time.Duration
	logger         zerolog.Logger
	now            func() time.Time

	locks     *keyedMutex
	summaries sync.WaitGroup
}

// NewManager creates an incident manager.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.SummaryTimeout == 0 {
		cfg.SummaryTimeout = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{
		repo:           cfg.Repository,
		notifier:       cfg.Notifier,
		summarizer:     cfg.Summarizer,
		state:          cfg.State,
		flags:          cfg.Flags,
		summaryTimeout: cfg.SummaryTimeout,
		logger:         cfg.Logger,
		now:            cfg.Now,
		locks:          newKeyedMutex(),
	}
}

// Process applies one check result to the service's incidents.
//
// A failing result opens an incident of the matching kind, or re-notifies
// when one is already open. An up result resolves every open incident.
// Notification failures are logged and never undo a recorded transition.
func (m *Manager) Process(ctx context.Context, svc *monitor.Service, result *monitor.CheckResult) ([]Change, error) {
	unlock := m.locks.Lock(svc.ID)
	defer unlock()

	if kind, failing := KindFor(result.Status); failing {
		change, err := m.handleFailing(ctx, svc, result, kind)
		if err != nil {
			return nil, err
		}
		return []Change{change}, nil
	}

	if result.Status == monitor.StatusUp {
		return m.resolveAll(ctx, svc, result)
	}
	return nil, nil
}

func (m *Manager) handleFailing(ctx context.Context, svc *monitor.Service, result *monitor.CheckResult, kind Kind) (Change, error) {
	open, err := m.repo.FindOpen(ctx, svc.ID, kind)
	switch {
	case err == nil:
		m.notify(ctx, svc, open, notify.EventOngoing, result)
		metrics.RecordIncidentTransition(string(kind), string(TransitionOngoing))
		return Change{Transition: TransitionOngoing, Incident: open}, nil
	case !errors.Is(err, ErrIncidentNotFound):
		return Change{}, fmt.Errorf("finding open %s incident: %w", kind, err)
	}

	inc, err := m.open(ctx, svc, result, kind)
	if errors.Is(err, ErrAlreadyOpen) {
		// Another worker opened it first.
		existing, findErr := m.repo.FindOpen(ctx, svc.ID, kind)
		if findErr != nil {
			return Change{}, fmt.Errorf("finding concurrently opened incident: %w", findErr)
		}
		m.notify(ctx, svc, existing, notify.EventOngoing, result)
		return Change{Transition: TransitionOngoing, Incident: existing}, nil
	}
	if err != nil {
		return Change{}, err
	}

	m.recordOpenIncident(ctx, svc.ID, &inc.ID)
	m.summarizeAsync(svc, inc, result)
	m.notify(ctx, svc, inc, notify.EventOpened, result)
	metrics.RecordIncidentTransition(string(kind), string(TransitionOpened))

	m.logger.Info().
		Str("service_id", svc.ID).
		Str("incident_id", inc.ID).
		Str("kind", string(kind)).
		Msg("incident opened")

	return Change{Transition: TransitionOpened, Incident: inc}, nil
}

func (m *Manager) open(ctx context.Context, svc *monitor.Service, result *monitor.CheckResult, kind Kind) (*Incident, error) {
	now := m.now().UTC()
	started := result.CheckedTime()
	if result.CheckedAt == 0 {
		started = now
	}

	description := ""
	if result.ErrorMessage != nil {
		description = *result.ErrorMessage
	}

	inc := &Incident{
		ID:          NewID(),
		ServiceID:   svc.ID,
		Kind:        kind,
		Status:      StatusOpen,
		Title:       Title(svc.Name, kind),
		Description: description,
		StartedAt:   started,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	first := &Update{
		ID:         NewUpdateID(),
		IncidentID: inc.ID,
		Message:    openMessage(kind, description),
		Status:     StatusOpen,
		CreatedAt:  now,
	}

	if err := m.repo.Create(ctx, inc, first); err != nil {
		if errors.Is(err, ErrAlreadyOpen) {
			return nil, err
		}
		return nil, fmt.Errorf("creating %s incident: %w", kind, err)
	}
	return inc, nil
}

func openMessage(kind Kind, description string) string {
	msg := "Service is down"
	if kind == KindDegraded {
		msg = "Service is experiencing degraded performance"
	}
	if description != "" {
		msg += ": " + description
	}
	return msg
}

func (m *Manager) resolveAll(ctx context.Context, svc *monitor.Service, result *monitor.CheckResult) ([]Change, error) {
	open, err := m.repo.ListOpen(ctx, svc.ID)
	if err != nil {
		return nil, fmt.Errorf("listing open incidents: %w", err)
	}
	if len(open) == 0 {
		return nil, nil
	}

	now := m.now().UTC()
	changes := make([]Change, 0, len(open))
	for _, inc := range open {
		update := &Update{
			ID:         NewUpdateID(),
			IncidentID: inc.ID,
			Message:    fmt.Sprintf("Service recovered after %s", now.Sub(inc.StartedAt).Round(time.Second)),
			Status:     StatusResolved,
			CreatedAt:  now,
		}

		if err := m.repo.Resolve(ctx, inc.ID, now, update); err != nil {
			if errors.Is(err, ErrIncidentNotFound) {
				continue
			}
			return changes, fmt.Errorf("resolving incident %s: %w", inc.ID, err)
		}

		inc.Status = StatusResolved
		resolvedAt := now
		inc.ResolvedAt = &resolvedAt
		inc.UpdatedAt = now

		m.notify(ctx, svc, inc, notify.EventResolved, result)
		metrics.RecordIncidentTransition(string(inc.Kind), string(TransitionResolved))

		m.logger.Info().
			Str("service_id", svc.ID).
			Str("incident_id", inc.ID).
			Str("kind", string(inc.Kind)).
			Dur("duration", now.Sub(inc.StartedAt)).
			Msg("incident resolved")

		changes = append(changes, Change{Transition: TransitionResolved, Incident: inc})
	}

	m.recordOpenIncident(ctx, svc.ID, nil)
	return changes, nil
}

func (m *Manager) notify(ctx context.Context, svc *monitor.Service, inc *Incident, event notify.Event, result *monitor.CheckResult) {
	if m.notifier == nil {
		return
	}

	msg := notify.Message{
		Event:          event,
		IncidentID:     inc.ID,
		IncidentKind:   string(inc.Kind),
		Title:          inc.Title,
		Status:         result.Status,
		ResponseTimeMs: result.ResponseTimeMs,
		StartedAt:      inc.StartedAt,
		Timestamp:      m.now().UTC(),
	}
	if result.ErrorMessage != nil {
		msg.ErrorMessage = *result.ErrorMessage
	}

	if err := m.notifier.Notify(ctx, svc, msg); err != nil {
		m.logger.Warn().
			Err(err).
			Str("service_id", svc.ID).
			Str("incident_id", inc.ID).
			Str("event", string(event)).
			Msg("notification failed")
	}
}

func (m *Manager) recordOpenIncident(ctx context.Context, serviceID string, incidentID *string) {
	if m.state == nil {
		return
	}
	if err := m.state.SetOpenIncident(ctx, serviceID, incidentID); err != nil {
		m.logger.Warn().Err(err).Str("service_id", serviceID).Msg("recording open incident in runtime state")
	}
}

// summarizeAsync generates a summary in the background with its own
// deadline, detached from the caller's context.
func (m *Manager) summarizeAsync(svc *monitor.Service, inc *Incident, result *monitor.CheckResult) {
	if m.summarizer == nil {
		return
	}
	if m.flags != nil && m.flags.SummariesDisabled(context.Background()) {
		return
	}

	svcCopy, incCopy, resCopy := *svc, *inc, *result

	m.summaries.Add(1)
	go func() {
		defer m.summaries.Done()

		ctx, cancel := context.WithTimeout(context.Background(), m.summaryTimeout)
		defer cancel()

		summary, err := m.summarizer.Summarize(ctx, SummaryInput{Service: &svcCopy, Incident: &incCopy, Result: &resCopy})
		if err != nil {
			m.logger.Warn().Err(err).Str("incident_id", incCopy.ID).Msg("incident summary failed")
			return
		}
		if err := m.repo.SetSummary(ctx, incCopy.ID, summary); err != nil {
			m.logger.Warn().Err(err).Str("incident_id", incCopy.ID).Msg("storing incident summary")
		}
	}()
}

// Wait blocks until background summaries finish or ctx is done.
func (m *Manager) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.summaries.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Detail is an incident with its timeline.
type Detail struct {
	*Incident
	Updates []*Update `json:"updates"`
}

// Get returns an incident with its updates.
func (m *Manager) Get(ctx context.Context, id string) (*Detail, error) {
	inc, err := m.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	updates, err := m.repo.Updates(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading incident updates: %w", err)
	}
	return &Detail{Incident: inc, Updates: updates}, nil
}

// ListOpen returns unresolved incidents of a service.
func (m *Manager) ListOpen(ctx context.Context, serviceID string) ([]*Incident, error) {
	return m.repo.ListOpen(ctx, serviceID)
}

// ListForService returns incidents of a service, newest first.
func (m *Manager) ListForService(ctx context.Context, serviceID string, opts ListOptions) ([]*Incident, error) {
	return m.repo.ListForService(ctx, serviceID, opts)
}

package incident

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemoryRepository is an in-memory implementation of Repository.
// This is intended for testing and local runs.
type InMemoryRepository struct {
	mu        sync.RWMutex
	incidents map[string]*Incident
	updates   map[string][]*Update
}

var _ Repository = (*InMemoryRepository)(nil)

// NewInMemoryRepository creates a new in-memory incident repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		incidents: make(map[string]*Incident),
		updates:   make(map[string][]*Update),
	}
}

// FindOpen returns the unresolved incident of kind.
func (r *InMemoryRepository) FindOpen(_ context.Context, serviceID string, kind Kind) (*Incident, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if inc := r.findOpenLocked(serviceID, kind); inc != nil {
		cpy := *inc
		return &cpy, nil
	}
	return nil, ErrIncidentNotFound
}

func (r *InMemoryRepository) findOpenLocked(serviceID string, kind Kind) *Incident {
	for _, inc := range r.incidents {
		if inc.ServiceID == serviceID && inc.Kind == kind && inc.Status != StatusResolved {
			return inc
		}
	}
	return nil
}

// ListOpen returns unresolved incidents, oldest first.
func (r *InMemoryRepository) ListOpen(_ context.Context, serviceID string) ([]*Incident, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Incident
	for _, inc := range r.incidents {
		if inc.ServiceID == serviceID && inc.Status != StatusResolved {
			cpy := *inc
			out = append(out, &cpy)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

// Create inserts the incident and its first update.
func (r *InMemoryRepository) Create(_ context.Context, inc *Incident, first *Update) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.findOpenLocked(inc.ServiceID, inc.Kind) != nil {
		return ErrAlreadyOpen
	}

	cpy := *inc
	r.incidents[inc.ID] = &cpy
	u := *first
	r.updates[inc.ID] = append(r.updates[inc.ID], &u)
	return nil
}

// Resolve marks the incident resolved and appends update.
func (r *InMemoryRepository) Resolve(_ context.Context, id string, resolvedAt time.Time, update *Update) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	inc, ok := r.incidents[id]
	if !ok || inc.Status == StatusResolved {
		return ErrIncidentNotFound
	}

	inc.Status = StatusResolved
	t := resolvedAt
	inc.ResolvedAt = &t
	inc.UpdatedAt = resolvedAt

	u := *update
	r.updates[id] = append(r.updates[id], &u)
	return nil
}

// SetSummary stores the generated summary.
func (r *InMemoryRepository) SetSummary(_ context.Context, id, summary string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	inc, ok := r.incidents[id]
	if !ok {
		return ErrIncidentNotFound
	}
	s := summary
	inc.AISummary = &s
	return nil
}

// Get retrieves an incident by ID.
func (r *InMemoryRepository) Get(_ context.Context, id string) (*Incident, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	inc, ok := r.incidents[id]
	if !ok {
		return nil, ErrIncidentNotFound
	}
	cpy := *inc
	return &cpy, nil
}

// Updates returns the incident timeline, oldest first.
func (r *InMemoryRepository) Updates(_ context.Context, incidentID string) ([]*Update, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Update, 0, len(r.updates[incidentID]))
	for _, u := range r.updates[incidentID] {
		cpy := *u
		out = append(out, &cpy)
	}
	return out, nil
}

// ListForService returns incidents of a service, newest first.
func (r *InMemoryRepository) ListForService(_ context.Context, serviceID string, opts ListOptions) ([]*Incident, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	var out []*Incident
	for _, inc := range r.incidents {
		if inc.ServiceID != serviceID {
			continue
		}
		if !opts.IncludeResolved && inc.Status == StatusResolved {
			continue
		}
		cpy := *inc
		out = append(out, &cpy)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

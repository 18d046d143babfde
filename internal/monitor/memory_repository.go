package monitor

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemoryRepository is an in-memory implementation of ServiceRepository and
// CheckRepository. This is intended for testing and local runs.
type InMemoryRepository struct {
	mu       sync.RWMutex
	services map[string]*Service
	checks   map[string][]*CheckResult
	nextID   int64

	// InsertErr, when set, is returned by Insert.
	InsertErr error
}

var (
	_ ServiceRepository = (*InMemoryRepository)(nil)
	_ CheckRepository   = (*InMemoryRepository)(nil)
)

// NewInMemoryRepository creates a new in-memory monitor repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		services: make(map[string]*Service),
		checks:   make(map[string][]*CheckResult),
	}
}

// ListActive returns every active service ordered by ID.
func (r *InMemoryRepository) ListActive(_ context.Context) ([]*Service, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var services []*Service
	for _, svc := range r.services {
		if svc.IsActive {
			cpy := *svc
			services = append(services, &cpy)
		}
	}
	sort.Slice(services, func(i, j int) bool { return services[i].ID < services[j].ID })

	return services, nil
}

// Get retrieves a service by ID.
func (r *InMemoryRepository) Get(_ context.Context, id string) (*Service, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	svc, ok := r.services[id]
	if !ok {
		return nil, ErrServiceNotFound
	}

	cpy := *svc
	return &cpy, nil
}

// Upsert creates or replaces a service.
func (r *InMemoryRepository) Upsert(_ context.Context, svc *Service) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	if existing, ok := r.services[svc.ID]; ok {
		svc.CreatedAt = existing.CreatedAt
	} else {
		svc.CreatedAt = now
	}
	svc.UpdatedAt = now

	cpy := *svc
	r.services[svc.ID] = &cpy
	return nil
}

// Insert appends a check result.
func (r *InMemoryRepository) Insert(_ context.Context, result *CheckResult) error {
	if r.InsertErr != nil {
		return r.InsertErr
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	result.ID = r.nextID
	cpy := *result
	r.checks[result.ServiceID] = append(r.checks[result.ServiceID], &cpy)
	return nil
}

// RecentUpLatencies returns the latest up response times, oldest first.
func (r *InMemoryRepository) RecentUpLatencies(_ context.Context, serviceID string, limit int) ([]float64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var latencies []float64
	checks := r.checks[serviceID]
	for i := len(checks) - 1; i >= 0 && len(latencies) < limit; i-- {
		c := checks[i]
		if c.Status == StatusUp && c.ResponseTimeMs != nil {
			latencies = append(latencies, float64(*c.ResponseTimeMs))
		}
	}

	for i, j := 0, len(latencies)-1; i < j; i, j = i+1, j-1 {
		latencies[i], latencies[j] = latencies[j], latencies[i]
	}
	return latencies, nil
}

// Recent returns the latest check results, newest first.
func (r *InMemoryRepository) Recent(_ context.Context, serviceID string, limit int) ([]*CheckResult, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []*CheckResult
	checks := r.checks[serviceID]
	for i := len(checks) - 1; i >= 0 && len(results) < limit; i-- {
		cpy := *checks[i]
		results = append(results, &cpy)
	}
	return results, nil
}

// CountsSince aggregates check results by status.
func (r *InMemoryRepository) CountsSince(_ context.Context, serviceID string, since time.Time) (StatusCounts, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var counts StatusCounts
	cutoff := since.Unix()
	for _, c := range r.checks[serviceID] {
		if c.CheckedAt < cutoff {
			continue
		}
		counts.Total++
		switch c.Status {
		case StatusUp:
			counts.Up++
		case StatusDown:
			counts.Down++
		case StatusDegraded:
			counts.Degraded++
		}
	}
	return counts, nil
}

package monitor

import (
	"context"
	"time"
)

// ServiceRepository defines read access to monitored services.
type ServiceRepository interface {
	// ListActive returns every service with is_active = true.
	ListActive(ctx context.Context) ([]*Service, error)

	// Get retrieves a service by ID.
	// Returns ErrServiceNotFound if the service doesn't exist.
	Get(ctx context.Context, id string) (*Service, error)

	// Upsert creates or replaces a service.
	Upsert(ctx context.Context, svc *Service) error
}

// CheckRepository defines persistence for check results.
type CheckRepository interface {
	// Insert appends a check result and sets its ID.
	Insert(ctx context.Context, result *CheckResult) error

	// RecentUpLatencies returns up to limit response times of the most recent
	// up checks, oldest first.
	RecentUpLatencies(ctx context.Context, serviceID string, limit int) ([]float64, error)

	// Recent returns up to limit check results, newest first.
	Recent(ctx context.Context, serviceID string, limit int) ([]*CheckResult, error)

	// CountsSince aggregates check results recorded at or after since.
	CountsSince(ctx context.Context, serviceID string, since time.Time) (StatusCounts, error)
}

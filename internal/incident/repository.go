package incident

import (
	"context"
	"time"
)

// ListOptions filters incidents of a service.
type ListOptions struct {
	Limit           int
	IncludeResolved bool
}

// Repository defines the interface for incident persistence.
type Repository interface {
	// FindOpen returns the unresolved incident of kind for the service.
	// Returns ErrIncidentNotFound if there is none.
	FindOpen(ctx context.Context, serviceID string, kind Kind) (*Incident, error)

	// ListOpen returns all unresolved incidents of the service.
	ListOpen(ctx context.Context, serviceID string) ([]*Incident, error)

	// Create inserts the incident and its first update atomically.
	// Returns ErrAlreadyOpen if an unresolved incident of the same kind exists.
	Create(ctx context.Context, inc *Incident, first *Update) error

	// Resolve marks the incident resolved and appends update atomically.
	Resolve(ctx context.Context, id string, resolvedAt time.Time, update *Update) error

	// SetSummary stores the generated summary.
	SetSummary(ctx context.Context, id, summary string) error

	// Get retrieves an incident by ID.
	Get(ctx context.Context, id string) (*Incident, error)

	// Updates returns the timeline of an incident, oldest first.
	Updates(ctx context.Context, incidentID string) ([]*Update, error)

	// ListForService returns incidents of a service, newest first.
	ListForService(ctx context.Context, serviceID string, opts ListOptions) ([]*Incident, error)
}

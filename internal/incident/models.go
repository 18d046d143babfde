// Package incident manages the outage and degradation incident lifecycle.
package incident

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pulsewatch/pulsewatch/internal/monitor"
)

// Errors returned by the incident repository.
var (
	ErrIncidentNotFound = errors.New("incident not found")
	ErrAlreadyOpen      = errors.New("an unresolved incident of this kind already exists")
)

// Kind separates outage incidents from degraded-performance incidents.
type Kind string

// Incident kinds.
const (
	KindDown     Kind = "down"
	KindDegraded Kind = "degraded"
)

// KindFor returns the incident kind a failing status opens.
func KindFor(status monitor.Status) (Kind, bool) {
	switch status {
	case monitor.StatusDown:
		return KindDown, true
	case monitor.StatusDegraded:
		return KindDegraded, true
	}
	return "", false
}

// Status is the incident lifecycle status.
type Status string

// Incident statuses.
const (
	StatusOpen       Status = "open"
	StatusMonitoring Status = "monitoring"
	StatusResolved   Status = "resolved"
)

// Incident is an outage or degradation of one service.
type Incident struct {
	ID          string     `json:"id"`
	ServiceID   string     `json:"serviceId"`
	Kind        Kind       `json:"kind"`
	Status      Status     `json:"status"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	AISummary   *string    `json:"aiSummary,omitempty"`
	StartedAt   time.Time  `json:"startedAt"`
	ResolvedAt  *time.Time `json:"resolvedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// Update is an append-only timeline entry of an incident.
type Update struct {
	ID         string    `json:"id"`
	IncidentID string    `json:"incidentId"`
	Message    string    `json:"message"`
	Status     Status    `json:"status"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Title returns the conventional incident title for a service and kind.
func Title(serviceName string, kind Kind) string {
	if kind == KindDegraded {
		return fmt.Sprintf("%s is experiencing degraded performance", serviceName)
	}
	return fmt.Sprintf("%s is down", serviceName)
}

// NewID generates a new incident ID.
func NewID() string {
	return "inc_" + uuid.New().String()
}

// NewUpdateID generates a new incident update ID.
func NewUpdateID() string {
	return "upd_" + uuid.New().String()
}

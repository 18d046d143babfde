// Package monitor defines monitored services and their check results.
package monitor

import (
	"errors"
	"time"
)

// Errors returned by repositories.
var (
	ErrServiceNotFound = errors.New("service not found")
)

// ServiceType is the protocol used to check a service.
type ServiceType string

// Supported service types.
const (
	TypeHTTP   ServiceType = "http"
	TypeAPI    ServiceType = "api"
	TypePing   ServiceType = "ping"
	TypeDNS    ServiceType = "dns"
	TypeSSL    ServiceType = "ssl"
	TypeDomain ServiceType = "domain"
)

// Valid reports whether t is a known service type.
func (t ServiceType) Valid() bool {
	switch t {
	case TypeHTTP, TypeAPI, TypePing, TypeDNS, TypeSSL, TypeDomain:
		return true
	}
	return false
}

// Status is the outcome of a single check.
type Status string

// Check statuses.
const (
	StatusUp       Status = "up"
	StatusDown     Status = "down"
	StatusDegraded Status = "degraded"
)

// Failing reports whether the status should be treated as an outage signal.
func (s Status) Failing() bool {
	return s == StatusDown || s == StatusDegraded
}

// AnomalyType classifies a response-time anomaly.
type AnomalyType string

// Anomaly types.
const (
	AnomalySpike    AnomalyType = "spike"
	AnomalySlowdown AnomalyType = "slowdown"
	AnomalyUnknown  AnomalyType = "unknown"
)

// Default check settings applied when a service leaves them unset.
const (
	DefaultIntervalSeconds = 60
	DefaultTimeoutMs       = 10000
)

// Service is an endpoint under monitoring. Services are created and edited
// outside this system; the monitor only reads them.
type Service struct {
	ID                   string      `json:"id"`
	ProjectID            *string     `json:"projectId,omitempty"`
	Name                 string      `json:"name"`
	Type                 ServiceType `json:"type"`
	Target               string      `json:"urlOrHost"`
	Port                 *int        `json:"port,omitempty"`
	CheckIntervalSeconds int         `json:"checkIntervalSeconds"`
	TimeoutMs            int         `json:"timeoutMs"`
	ExpectedStatusCode   *int        `json:"expectedStatusCode,omitempty"`
	ExpectedKeyword      *string     `json:"expectedKeyword,omitempty"`
	IsActive             bool        `json:"isActive"`
	NotifyEmail          bool        `json:"notifyEmail"`
	NotifyChat           bool        `json:"notifyChat"`
	AlertEmail           *string     `json:"alertEmail,omitempty"`
	ChatID               *string     `json:"chatId,omitempty"`
	CreatedAt            time.Time   `json:"createdAt"`
	UpdatedAt            time.Time   `json:"updatedAt"`
}

// Timeout returns the per-check timeout.
func (s *Service) Timeout() time.Duration {
	ms := s.TimeoutMs
	if ms <= 0 {
		ms = DefaultTimeoutMs
	}
	return time.Duration(ms) * time.Millisecond
}

// IntervalMinutes returns the check interval rounded up to whole minutes,
// never less than one.
func (s *Service) IntervalMinutes() int {
	secs := s.CheckIntervalSeconds
	if secs <= 0 {
		secs = DefaultIntervalSeconds
	}
	mins := (secs + 59) / 60
	if mins < 1 {
		mins = 1
	}
	return mins
}

// DueAt reports whether the service should be checked on the tick at t.
func (s *Service) DueAt(t time.Time) bool {
	mins := s.IntervalMinutes()
	if mins <= 1 {
		return true
	}
	return (t.Unix()/60)%int64(mins) == 0
}

// CheckResult is one executed check. Rows are append-only.
type CheckResult struct {
	ID              int64        `json:"id"`
	ServiceID       string       `json:"serviceId"`
	Status          Status       `json:"status"`
	ResponseTimeMs  *int         `json:"responseTimeMs,omitempty"`
	StatusCode      *int         `json:"statusCode,omitempty"`
	ErrorMessage    *string      `json:"errorMessage,omitempty"`
	CheckedAt       int64        `json:"checkedAt"`
	AnomalyDetected bool         `json:"anomalyDetected"`
	AnomalyType     *AnomalyType `json:"anomalyType,omitempty"`
	AnomalyScore    *float64     `json:"anomalyScore,omitempty"`
}

// CheckedTime returns CheckedAt as a time.Time.
func (r *CheckResult) CheckedTime() time.Time {
	return time.Unix(r.CheckedAt, 0).UTC()
}

// StatusCounts aggregates check results by status.
type StatusCounts struct {
	Total    int `json:"total"`
	Up       int `json:"up"`
	Down     int `json:"down"`
	Degraded int `json:"degraded"`
}

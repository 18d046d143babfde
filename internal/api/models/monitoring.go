package models

import (
	"github.com/pulsewatch/pulsewatch/internal/incident"
	"github.com/pulsewatch/pulsewatch/internal/monitor"
	"github.com/pulsewatch/pulsewatch/internal/snapshot"
	"github.com/pulsewatch/pulsewatch/internal/state"
	"github.com/pulsewatch/pulsewatch/internal/uptime"
)

// ServiceList is the response of GET /v1/services.
type ServiceList struct {
	Items []*monitor.Service `json:"items"`
	Meta  PagedResponseMeta  `json:"meta"`
}

// CheckList is the response of GET /v1/services/{serviceId}/checks.
type CheckList struct {
	Items []*monitor.CheckResult `json:"items"`
	Meta  PagedResponseMeta      `json:"meta"`
}

// TriggeredCheck is the response of POST /v1/services/{serviceId}/checks.
// Result is set when the check ran inline; Queued when it was enqueued.
type TriggeredCheck struct {
	Queued bool                 `json:"queued"`
	Result *monitor.CheckResult `json:"result,omitempty"`
}

// ServiceStatus is the response of GET /v1/services/{serviceId}/status.
// Every section is optional: a missing snapshot or summary is left out
// rather than failing the request.
type ServiceStatus struct {
	ServiceID string               `json:"serviceId"`
	Snapshot  *snapshot.Snapshot   `json:"snapshot,omitempty"`
	State     *state.RuntimeState  `json:"state,omitempty"`
	Flapping  bool                 `json:"flapping"`
	Uptime    *uptime.Summary      `json:"uptime,omitempty"`
	Incidents []*incident.Incident `json:"openIncidents"`
}

// IncidentList is the response of GET /v1/services/{serviceId}/incidents.
type IncidentList struct {
	Items []*incident.Incident `json:"items"`
	Meta  PagedResponseMeta    `json:"meta"`
}

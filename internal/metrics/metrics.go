// Package metrics defines Prometheus metrics for the monitor worker.
//
// Metric naming follows Prometheus conventions:
//   - pulsewatch_ prefix for all custom metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every pulsewatch metric plus Go runtime collectors.
var Registry = prometheus.NewRegistry()

var (
	// ChecksTotal counts executed checks by service type and resulting status.
	ChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulsewatch_checks_total",
			Help: "Total number of executed checks by service type and status.",
		},
		[]string{"type", "status"},
	)

	// CheckDurationSeconds is a histogram of check latency by service type.
	CheckDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pulsewatch_check_duration_seconds",
			Help:    "Latency of endpoint checks in seconds.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5, 10, 30},
		},
		[]string{"type"},
	)

	// AnomaliesTotal counts detected response-time anomalies by type.
	AnomaliesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulsewatch_anomalies_total",
			Help: "Total response-time anomalies detected.",
		},
		[]string{"anomaly_type"},
	)

	// IncidentTransitionsTotal counts incident lifecycle transitions.
	IncidentTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulsewatch_incident_transitions_total",
			Help: "Total incident transitions by kind and transition.",
		},
		[]string{"kind", "transition"},
	)

	// NotificationsTotal counts notification attempts by channel and outcome.
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulsewatch_notifications_total",
			Help: "Total notification attempts by channel and outcome.",
		},
		[]string{"channel", "outcome"},
	)

	// DispatchTotal counts scheduled jobs by dispatch path.
	DispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulsewatch_dispatch_total",
			Help: "Total scheduled jobs by dispatch path (queued, inline, dropped).",
		},
		[]string{"path"},
	)

	// JobsTotal counts consumed jobs by outcome.
	JobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulsewatch_jobs_total",
			Help: "Total consumed jobs by outcome (acked, retried).",
		},
		[]string{"outcome"},
	)

	// FlappingServices is the number of services currently flapping.
	FlappingServices = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pulsewatch_flapping_services",
			Help: "Services whose status changed at least three times in five minutes, as of the last check.",
		},
	)

	// TickLagSeconds is how late the last scheduler tick fired.
	TickLagSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pulsewatch_tick_lag_seconds",
			Help: "Delay between the scheduled minute and the tick start.",
		},
	)
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		ChecksTotal,
		CheckDurationSeconds,
		AnomaliesTotal,
		IncidentTransitionsTotal,
		NotificationsTotal,
		DispatchTotal,
		JobsTotal,
		FlappingServices,
		TickLagSeconds,
	)
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// RecordCheck records one executed check.
func RecordCheck(serviceType, status string, latency time.Duration) {
	ChecksTotal.WithLabelValues(serviceType, status).Inc()
	CheckDurationSeconds.WithLabelValues(serviceType).Observe(latency.Seconds())
}

// RecordAnomaly records a detected anomaly.
func RecordAnomaly(anomalyType string) {
	AnomaliesTotal.WithLabelValues(anomalyType).Inc()
}

// RecordIncidentTransition records an incident lifecycle transition.
func RecordIncidentTransition(kind, transition string) {
	IncidentTransitionsTotal.WithLabelValues(kind, transition).Inc()
}

// RecordNotification records a notification attempt.
func RecordNotification(channel string, err error) {
	outcome := "sent"
	if err != nil {
		outcome = "failed"
	}
	NotificationsTotal.WithLabelValues(channel, outcome).Inc()
}

// RecordDispatch records how a scheduled job was dispatched.
func RecordDispatch(path string) {
	DispatchTotal.WithLabelValues(path).Inc()
}

// RecordJob records a consumed job outcome.
func RecordJob(outcome string) {
	JobsTotal.WithLabelValues(outcome).Inc()
}

// RecordTickLag records how late a scheduler tick started.
func RecordTickLag(lag time.Duration) {
	TickLagSeconds.Set(lag.Seconds())
}

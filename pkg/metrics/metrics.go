package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for lenrd, registered with the default registry.
var (
	// --- Job Metrics ---

	// JobsCreated counts jobs accepted by the orchestrator.
	JobsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "lenrd",
			Subsystem: "jobs",
			Name:      "created_total",
			Help:      "Total number of jobs created or restarted",
		},
	)

	// ActiveJobs tracks jobs held in the active registry.
	ActiveJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "lenrd",
			Subsystem: "jobs",
			Name:      "active",
			Help:      "Number of jobs that have not closed yet",
		},
	)

	// JobsClosed counts terminal jobs by status.
	JobsClosed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lenrd",
			Subsystem: "jobs",
			Name:      "closed_total",
			Help:      "Total number of closed jobs by terminal status",
		},
		[]string{"status"},
	)

	// JobDuration tracks how long jobs run until they close.
	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "lenrd",
			Subsystem: "jobs",
			Name:      "duration_seconds",
			Help:      "Duration of job attempts in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 15), // 0.1s to ~1.8h
		},
		[]string{"task", "status"},
	)

	// --- Supervision Metrics ---

	// KillEscalations counts kills that needed SIGKILL.
	KillEscalations = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "lenrd",
			Subsystem: "supervision",
			Name:      "kill_escalations_total",
			Help:      "Total number of kills escalated to SIGKILL",
		},
	)

	// SupervisionFailures counts signal deliveries that failed.
	SupervisionFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "lenrd",
			Subsystem: "supervision",
			Name:      "failures_total",
			Help:      "Total number of jobs forced to FAILED by a signalling error",
		},
	)

	// --- Collaborator Metrics ---

	// PersistenceFailures counts storage errors by operation.
	PersistenceFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lenrd",
			Subsystem: "storage",
			Name:      "failures_total",
			Help:      "Total number of failed storage operations",
		},
		[]string{"op"},
	)

	// NotificationsDropped counts events not delivered to a listener.
	NotificationsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lenrd",
			Subsystem: "notify",
			Name:      "dropped_total",
			Help:      "Total number of job events not delivered",
		},
		[]string{"sink"},
	)
)

// RecordClose records metrics for a closed job attempt.
func RecordClose(task, status string, durationSeconds float64) {
	JobsClosed.WithLabelValues(status).Inc()
	JobDuration.WithLabelValues(task, status).Observe(durationSeconds)
}

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for jobtk, registered with the default registry
// via promauto.
var (
	// --- Job graph metrics ---

	// JobsByStatus tracks the current number of jobs in each status.
	JobsByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "jobtk",
			Subsystem: "jobs",
			Name:      "by_status",
			Help:      "Current number of jobs in each status",
		},
		[]string{"status"},
	)

	// TransitionsTotal counts state-machine transitions applied.
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "jobtk",
			Subsystem: "jobs",
			Name:      "transitions_total",
			Help:      "Total number of state machine transitions applied, by event and resulting status",
		},
		[]string{"event", "status"},
	)

	// IllegalTransitionsTotal counts rejected transition attempts.
	IllegalTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "jobtk",
			Subsystem: "jobs",
			Name:      "illegal_transitions_total",
			Help:      "Total number of transitions rejected because the event was illegal for the job's current status",
		},
		[]string{"event", "status"},
	)

	// --- Execution metrics ---

	// ExecutionDuration tracks job execution wall time.
	ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "jobtk",
			Subsystem: "executions",
			Name:      "duration_seconds",
			Help:      "Duration of job executions in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 15), // 0.1s to ~27m
		},
		[]string{"backend", "result"},
	)

	// --- Backend dispatch metrics ---

	// BackendOpsTotal counts calls into a backend.Backend, by operation
	// and outcome.
	BackendOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "jobtk",
			Subsystem: "backend",
			Name:      "operations_total",
			Help:      "Total backend operations by kind and outcome",
		},
		[]string{"backend", "operation", "outcome"},
	)

	// BackendOpDuration tracks backend call latency, including the SGE
	// qsub/qdel round trip for the grid backend.
	BackendOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "jobtk",
			Subsystem: "backend",
			Name:      "operation_duration_seconds",
			Help:      "Duration of backend operations in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"backend", "operation"},
	)

	// CircuitBreakerState mirrors the grid backend's circuit breaker
	// state (0=closed, 1=open, 2=half-open).
	CircuitBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "jobtk",
			Subsystem: "backend",
			Name:      "grid_circuit_breaker_state",
			Help:      "Current state of the grid backend circuit breaker (0=closed, 1=open, 2=half-open)",
		},
	)

	// --- Local worker pool metrics ---

	// QueueDepth tracks pending work items in the local backend's Redis
	// stream.
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "jobtk",
			Subsystem: "queue",
			Name:      "pending_items",
			Help:      "Number of work items pending in the local backend queue",
		},
	)

	// WorkersLive tracks the number of local workers with a live etcd
	// lease.
	WorkersLive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "jobtk",
			Subsystem: "workers",
			Name:      "live",
			Help:      "Number of local backend workers with a live registry lease",
		},
	)

	// HeartbeatsSent counts worker registry lease renewals.
	HeartbeatsSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "jobtk",
			Subsystem: "workers",
			Name:      "heartbeats_total",
			Help:      "Total number of worker liveness heartbeats sent",
		},
	)

	// --- Self-healing metrics ---

	// LostFinishesHealed counts array jobs whose stuck-executing status
	// was repaired by the self-healing heuristic on a successor's
	// execute.
	LostFinishesHealed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "jobtk",
			Subsystem: "jobs",
			Name:      "lost_finishes_healed_total",
			Help:      "Total number of array jobs healed from a stuck executing status",
		},
	)
)

// RecordExecution records metrics for a completed execution.
func RecordExecution(backendName, result string, durationSeconds float64) {
	ExecutionDuration.WithLabelValues(backendName, result).Observe(durationSeconds)
}

// RecordBackendOp records a single backend.Backend call.
func RecordBackendOp(backendName, operation, outcome string, durationSeconds float64) {
	BackendOpsTotal.WithLabelValues(backendName, operation, outcome).Inc()
	BackendOpDuration.WithLabelValues(backendName, operation).Observe(durationSeconds)
}

package engine

import "github.com/prometheus/client_golang/prometheus"

// Reap outcome label values.
const (
	outcomeExited     = "exited"
	outcomeFailed     = "failed"
	outcomeTerminated = "terminated"
	outcomeKilled     = "killed"
)

var (
	workersActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskd_workers_active",
			Help: "Number of live worker processes.",
		},
	)

	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskd_queue_depth",
			Help: "Number of task IDs waiting in the admission queue.",
		},
	)

	workersSpawned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskd_workers_spawned_total",
			Help: "Total number of worker processes started.",
		},
	)

	workersReaped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskd_workers_reaped_total",
			Help: "Total number of worker processes reclaimed, by outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(workersActive)
	prometheus.MustRegister(queueDepth)
	prometheus.MustRegister(workersSpawned)
	prometheus.MustRegister(workersReaped)

	// Pre-initialize label values so they appear in /metrics before the first reap.
	for _, o := range []string{outcomeExited, outcomeFailed, outcomeTerminated, outcomeKilled} {
		workersReaped.WithLabelValues(o)
	}
}

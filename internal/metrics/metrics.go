package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Claim protocol

	ClaimsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jobshed",
		Name:      "claims_total",
		Help:      "Claim attempts, by outcome (claimed, empty).",
	}, []string{"outcome"})

	LockConflictsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "jobshed",
		Name:      "lock_conflicts_total",
		Help:      "Claim attempts abandoned due to store lock contention.",
	})

	// Execution

	JobExecutionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "jobshed",
		Name:      "job_execution_duration_seconds",
		Help:      "Wall-clock duration of subprocess runs.",
		Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 300, 1800, 3600},
	}, []string{"outcome"})

	JobsCompletedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jobshed",
		Name:      "jobs_completed_total",
		Help:      "Jobs finalized, by terminal state (done, error, requeued).",
	}, []string{"outcome"})

	// Worker lifecycle

	WorkersActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "jobshed",
		Name:      "workers_active",
		Help:      "Workers currently in their claim-and-run loop.",
	})

	OrphansRecoveredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "jobshed",
		Name:      "orphans_recovered_total",
		Help:      "Running rows reset to pending at startup recovery.",
	})

	// Viewer HTTP

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "jobshed",
		Name:      "http_request_duration_seconds",
		Help:      "Viewer HTTP request latency.",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"method", "path", "status"})
)

func Register() {
	prometheus.MustRegister(
		ClaimsTotal,
		LockConflictsTotal,
		JobExecutionDuration,
		JobsCompletedTotal,
		WorkersActive,
		OrphansRecoveredTotal,
		HTTPRequestDuration,
	)
}

func NewServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &http.Server{Addr: addr, Handler: mux}
}

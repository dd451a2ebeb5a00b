package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Graph metrics
	CIsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lattice_cis_total",
			Help: "Total number of configuration items by type",
		},
		[]string{"type"},
	)

	RelationshipsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lattice_relationships_total",
			Help: "Total number of relationships",
		},
	)

	VersionedWritesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lattice_versioned_writes_total",
			Help: "Total number of versioned relationship creates",
		},
	)

	// Conditional engine metrics
	EvaluationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lattice_evaluation_cycles_total",
			Help: "Total number of conditional evaluation cycles",
		},
	)

	EvaluationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lattice_evaluation_duration_seconds",
			Help:    "Duration of conditional evaluation cycles in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ActivationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lattice_activations_total",
			Help: "Conditional relationship transitions by direction and condition type",
		},
		[]string{"direction", "condition_type"},
	)

	// Job fabric metrics
	JobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lattice_jobs_total",
			Help: "Total number of jobs by terminal state",
		},
		[]string{"state"},
	)

	JobDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lattice_job_duration_seconds",
			Help:    "Generation job duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600, 7200},
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lattice_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lattice_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	RateLimitedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lattice_rate_limited_total",
			Help: "Requests rejected by the admission layer, by class",
		},
		[]string{"class"},
	)
)

func init() {
	prometheus.MustRegister(
		CIsTotal,
		RelationshipsTotal,
		VersionedWritesTotal,
		EvaluationCyclesTotal,
		EvaluationDuration,
		ActivationsTotal,
		JobsTotal,
		JobDuration,
		APIRequestsTotal,
		APIRequestDuration,
		RateLimitedTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

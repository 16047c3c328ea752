package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Migration metrics
	MigrationsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pdsmover_migrations_total",
			Help: "Total number of migrations by status",
		},
		[]string{"status"},
	)

	MigrationsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pdsmover_migrations_created_total",
			Help: "Total number of migrations created",
		},
	)

	MigrationsCompleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pdsmover_migrations_completed_total",
			Help: "Total number of migrations completed",
		},
	)

	MigrationsFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pdsmover_migrations_failed_total",
			Help: "Total number of failed migrations by phase",
		},
		[]string{"phase"},
	)

	// Job metrics
	JobsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pdsmover_jobs_processed_total",
			Help: "Total number of jobs processed by phase and outcome",
		},
		[]string{"phase", "outcome"},
	)

	JobsRetried = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pdsmover_jobs_retried_total",
			Help: "Total number of job retries by phase and error kind",
		},
		[]string{"phase", "error_kind"},
	)

	JobsQueued = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pdsmover_jobs_queued_total",
			Help: "Total number of jobs waiting in the queue",
		},
	)

	PhaseDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pdsmover_phase_duration_seconds",
			Help:    "Phase execution duration in seconds",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 3600},
		},
		[]string{"phase"},
	)

	// Blob transfer metrics
	BlobBytesTransferred = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pdsmover_blob_bytes_transferred_total",
			Help: "Total number of blob bytes transferred",
		},
	)

	BlobsTransferred = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pdsmover_blobs_transferred_total",
			Help: "Total number of blobs transferred",
		},
	)

	BlobFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pdsmover_blob_failures_total",
			Help: "Total number of blob transfer failures by direction",
		},
		[]string{"direction"},
	)

	ActiveBlobMigrations = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pdsmover_active_blob_migrations",
			Help: "Number of migrations actively transferring blobs",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pdsmover_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pdsmover_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(MigrationsTotal)
	prometheus.MustRegister(MigrationsCreated)
	prometheus.MustRegister(MigrationsCompleted)
	prometheus.MustRegister(MigrationsFailed)
	prometheus.MustRegister(JobsProcessed)
	prometheus.MustRegister(JobsRetried)
	prometheus.MustRegister(JobsQueued)
	prometheus.MustRegister(PhaseDuration)
	prometheus.MustRegister(BlobBytesTransferred)
	prometheus.MustRegister(BlobsTransferred)
	prometheus.MustRegister(BlobFailures)
	prometheus.MustRegister(ActiveBlobMigrations)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures a duration for histogram observation
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time in the given histogram observer
func (t *Timer) ObserveDuration(o prometheus.Observer) {
	o.Observe(t.Duration().Seconds())
}

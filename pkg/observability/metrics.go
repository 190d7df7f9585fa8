package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Conversation metrics
	turnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatform_turns_total",
			Help: "Total number of processed conversation turns",
		},
		[]string{"intent", "status"},
	)

	turnDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatform_turn_duration_seconds",
			Help:    "Turn processing duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"intent"},
	)

	sessionsStartedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chatform_sessions_started_total",
			Help: "Total number of sessions started",
		},
	)

	sessionsEndedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatform_sessions_ended_total",
			Help: "Total number of sessions ended",
		},
		[]string{"reason"},
	)

	// Extraction metrics
	extractionJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatform_extraction_jobs_total",
			Help: "Total number of extraction jobs by outcome",
		},
		[]string{"status"},
	)

	extractionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chatform_extraction_duration_seconds",
			Help:    "Extraction job duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	extractionQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatform_extraction_queue_depth",
			Help: "Number of extraction jobs waiting in the queue",
		},
	)

	// Completion provider metrics
	completionRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatform_completion_requests_total",
			Help: "Total number of completion provider requests",
		},
		[]string{"status"},
	)

	// System metrics
	memoryUsage = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatform_memory_usage_bytes",
			Help: "Memory usage in bytes",
		},
	)

	goroutines = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatform_goroutines",
			Help: "Number of goroutines",
		},
	)

	initOnce sync.Once
)

// InitMetrics initializes Prometheus metrics
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			turnsTotal,
			turnDuration,
			sessionsStartedTotal,
			sessionsEndedTotal,
			extractionJobsTotal,
			extractionDuration,
			extractionQueueDepth,
			completionRequestsTotal,
			memoryUsage,
			goroutines,
		)
	})
}

// MetricsHandler returns an HTTP handler for Prometheus metrics
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordTurn records one processed turn
func RecordTurn(intent, status string, duration time.Duration) {
	turnsTotal.WithLabelValues(intent, status).Inc()
	turnDuration.WithLabelValues(intent).Observe(duration.Seconds())
}

// RecordSessionStarted records a started session
func RecordSessionStarted() {
	sessionsStartedTotal.Inc()
}

// RecordSessionEnded records an ended session with its end reason
func RecordSessionEnded(reason string) {
	sessionsEndedTotal.WithLabelValues(reason).Inc()
}

// RecordExtractionJob records one extraction job outcome
func RecordExtractionJob(status string, duration time.Duration) {
	extractionJobsTotal.WithLabelValues(status).Inc()
	extractionDuration.Observe(duration.Seconds())
}

// SetExtractionQueueDepth sets the extraction queue depth gauge
func SetExtractionQueueDepth(depth int) {
	extractionQueueDepth.Set(float64(depth))
}

// RecordCompletionRequest records a completion provider request
func RecordCompletionRequest(status string) {
	completionRequestsTotal.WithLabelValues(status).Inc()
}

// SetMemoryUsage sets the memory usage gauge
func SetMemoryUsage(bytes uint64) {
	memoryUsage.Set(float64(bytes))
}

// SetGoroutines sets the goroutines gauge
func SetGoroutines(count int) {
	goroutines.Set(float64(count))
}

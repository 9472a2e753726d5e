package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Job metrics
	JobsSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netpulse_jobs_submitted_total",
			Help: "Total number of jobs submitted by queue strategy",
		},
		[]string{"strategy"},
	)

	JobsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netpulse_jobs_completed_total",
			Help: "Total number of jobs reaching a terminal status",
		},
		[]string{"status"},
	)

	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "netpulse_job_duration_seconds",
			Help:    "Driver execution time per job in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"driver"},
	)

	// Worker metrics
	PinnedWorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "netpulse_pinned_workers_total",
			Help: "Live pinned workers per node",
		},
		[]string{"node"},
	)

	PinnedWorkerSuicides = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "netpulse_pinned_worker_suicides_total",
			Help: "Pinned workers that exited after losing their session",
		},
	)

	SessionsOpened = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netpulse_sessions_opened_total",
			Help: "Device sessions opened by driver",
		},
		[]string{"driver"},
	)

	KeepaliveFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "netpulse_keepalive_failures_total",
			Help: "Keepalive probes that found a dead session",
		},
	)

	// Scheduler metrics
	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "netpulse_scheduling_latency_seconds",
			Help:    "Time taken to place a pinned worker in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	SpawnRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "netpulse_spawn_retries_total",
			Help: "Spawn requests retried after a capacity_exhausted reply",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netpulse_api_requests_total",
			Help: "Total number of API requests by path and status",
		},
		[]string{"path", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "netpulse_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path"},
	)

	// Webhook metrics
	WebhooksFired = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netpulse_webhooks_fired_total",
			Help: "Webhook deliveries by outcome",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(JobsSubmitted)
	prometheus.MustRegister(JobsCompleted)
	prometheus.MustRegister(JobDuration)
	prometheus.MustRegister(PinnedWorkersTotal)
	prometheus.MustRegister(PinnedWorkerSuicides)
	prometheus.MustRegister(SessionsOpened)
	prometheus.MustRegister(KeepaliveFailures)
	prometheus.MustRegister(SchedulingLatency)
	prometheus.MustRegister(SpawnRetries)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(WebhooksFired)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

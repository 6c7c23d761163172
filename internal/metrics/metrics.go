// Package metrics exposes sandboxd's Prometheus metrics: a package-level
// registry of gauges/counters/histograms plus the promhttp handler wired to
// GET /-/metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SessionsStartedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sandboxd_sessions_started_total",
			Help: "Total number of sessions started",
		},
	)

	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sandboxd_sessions_active",
			Help: "Number of sessions currently open",
		},
	)

	SessionStartDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sandboxd_session_start_duration_seconds",
			Help:    "Time to provision a session's containers and volume",
			Buckets: prometheus.DefBuckets,
		},
	)

	ExecDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sandboxd_exec_duration_seconds",
			Help:    "Time to run a single command inside a session",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"fail_fast"},
	)

	PatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sandboxd_patch_build_duration_seconds",
			Help:    "Time to produce a patch via the patch-extractor container",
			Buckets: prometheus.DefBuckets,
		},
	)

	ArchiveBytesIn = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sandboxd_archive_bytes_in",
			Help:    "Size in bytes of base64-decoded archives received by the run endpoint, before sanitization",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
		},
	)

	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandboxd_http_requests_total",
			Help: "Total HTTP requests by route and status",
		},
		[]string{"route", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sandboxd_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds by route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

func init() {
	prometheus.MustRegister(
		SessionsStartedTotal,
		SessionsActive,
		SessionStartDuration,
		ExecDuration,
		PatchDuration,
		ArchiveBytesIn,
		RequestsTotal,
		RequestDuration,
	)
}

// Handler returns the Prometheus exposition HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer times an operation and reports it to an observer on ObserveDuration.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time since NewTimer to observer. Both
// a plain Histogram and a HistogramVec's WithLabelValues result satisfy
// prometheus.Observer.
func (t *Timer) ObserveDuration(observer prometheus.Observer) {
	observer.Observe(time.Since(t.start).Seconds())
}

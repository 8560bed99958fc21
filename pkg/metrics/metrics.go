// Package metrics exposes the daemon's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// JobsSubmitted counts accepted submissions by action.
	JobsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "promptmux_jobs_submitted_total",
		Help: "Jobs accepted for execution, by action.",
	}, []string{"action"})

	// JobsCompleted counts terminal jobs by final status.
	JobsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "promptmux_jobs_completed_total",
		Help: "Jobs that reached a terminal status.",
	}, []string{"status"})

	// JobDuration observes submit-to-finish latency in seconds.
	JobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "promptmux_job_duration_seconds",
		Help:    "Time from submission to terminal status.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})

	// QueueDepth tracks queued plus running jobs per account.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "promptmux_account_queue_depth",
		Help: "Queued plus running jobs per account.",
	}, []string{"channel_id"})

	// AccountsLive tracks how many executors are currently alive.
	AccountsLive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "promptmux_accounts_live",
		Help: "Account executors currently able to run jobs.",
	})

	// SubmitRejections counts synchronous submit failures by reason.
	SubmitRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "promptmux_submit_rejections_total",
		Help: "Submissions rejected before enqueue.",
	}, []string{"reason"})

	// HTTPDuration observes API handler latency.
	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "promptmux_http_request_duration_seconds",
		Help:    "HTTP request latency by route and status class.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "class"})
)

// Handler serves the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Package metrics exposes Prometheus instrumentation for the job core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Skip reasons for worker ticks
const (
	SkipKillSwitch = "kill_switch"
	SkipBusy       = "busy"
	SkipError      = "kill_switch_error"
)

// Metrics groups the collectors shared by the worker and the API
type Metrics struct {
	TicksSkipped       *prometheus.CounterVec
	JobsClaimed        prometheus.Counter
	JobsSucceeded      prometheus.Counter
	JobsFailed         *prometheus.CounterVec
	JobDuration        prometheus.Histogram
	SubmissionAttempts *prometheus.CounterVec
	HTTPRequests       *prometheus.CounterVec
	HTTPDuration       *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg. A nil reg skips
// registration, which tests use.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TicksSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loan_backoffice",
			Subsystem: "ocr_worker",
			Name:      "ticks_skipped_total",
			Help:      "Poll ticks that did not claim, by reason.",
		}, []string{"reason"}),
		JobsClaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "loan_backoffice",
			Subsystem: "ocr_worker",
			Name:      "jobs_claimed_total",
			Help:      "Jobs leased by this worker.",
		}),
		JobsSucceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "loan_backoffice",
			Subsystem: "ocr_worker",
			Name:      "jobs_succeeded_total",
			Help:      "Jobs whose result was recorded.",
		}),
		JobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loan_backoffice",
			Subsystem: "ocr_worker",
			Name:      "jobs_failed_total",
			Help:      "Failed job attempts, split by whether the failure was terminal.",
		}, []string{"terminal"}),
		JobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "loan_backoffice",
			Subsystem: "ocr_worker",
			Name:      "job_duration_seconds",
			Help:      "Wall time of one job execution.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		SubmissionAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loan_backoffice",
			Subsystem: "submission",
			Name:      "attempts_total",
			Help:      "Lender submission attempts by resulting status.",
		}, []string{"status"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loan_backoffice",
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "HTTP requests by route template and status code.",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "loan_backoffice",
			Subsystem: "api",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route template.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.TicksSkipped,
			m.JobsClaimed,
			m.JobsSucceeded,
			m.JobsFailed,
			m.JobDuration,
			m.SubmissionAttempts,
			m.HTTPRequests,
			m.HTTPDuration,
		)
	}

	return m
}

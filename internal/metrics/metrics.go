// Package metrics holds the Prometheus collectors for the job queue
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/cuongbtq/mintqueue/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mintqueue"

var (
	jobsSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_submitted_total",
			Help:      "Total number of jobs accepted at intake",
		},
		[]string{"chain", "existing"},
	)

	submitAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submit_attempts_total",
			Help:      "Total number of chain submission attempts by result",
		},
		[]string{"chain", "result"},
	)

	submitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "submit_duration_seconds",
			Help:      "Time spent building, signing and submitting a transaction",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"chain"},
	)

	terminalJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_terminal_total",
			Help:      "Total number of jobs reaching a terminal state",
		},
		[]string{"chain", "state"},
	)

	statusPolls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_polls_total",
			Help:      "Total number of confirmation status queries by reported status",
		},
		[]string{"chain", "status"},
	)

	inFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_in_flight",
			Help:      "Jobs submitted but not yet terminal, as seen by the last tracker poll",
		},
		[]string{"chain"},
	)

	callbacksDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "callbacks_delivered_total",
			Help:      "Total number of terminal callbacks published",
		},
		[]string{"source", "status"},
	)

	httpRequests = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route and status code",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)

// RecordJobSubmitted records an intake call
func RecordJobSubmitted(chain domain.Chain, existing bool) {
	label := "false"
	if existing {
		label = "true"
	}
	jobsSubmitted.WithLabelValues(string(chain), label).Inc()
}

// RecordSubmitAttempt records one BuildAndSubmit outcome: success, transient or fatal
func RecordSubmitAttempt(chain domain.Chain, result string, took time.Duration) {
	submitAttempts.WithLabelValues(string(chain), result).Inc()
	submitDuration.WithLabelValues(string(chain)).Observe(took.Seconds())
}

// RecordTerminal records a job reaching a terminal state
func RecordTerminal(chain domain.Chain, state domain.State) {
	terminalJobs.WithLabelValues(string(chain), string(state)).Inc()
}

// RecordStatusPoll records a QueryStatus result; errors use status "error"
func RecordStatusPoll(chain domain.Chain, status string) {
	statusPolls.WithLabelValues(string(chain), status).Inc()
}

// SetInFlight sets the in-flight gauge for chain
func SetInFlight(chain domain.Chain, n int) {
	inFlight.WithLabelValues(string(chain)).Set(float64(n))
}

// RecordCallback records a callback publish from source (tracker, dispatcher, sweeper, admin)
func RecordCallback(source, status string) {
	callbacksDelivered.WithLabelValues(source, status).Inc()
}

// ObserveHTTPRequest records one served HTTP request
func ObserveHTTPRequest(method, route string, status int, took time.Duration) {
	httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Observe(took.Seconds())
}

// Handler returns the Prometheus scrape handler
func Handler() http.Handler {
	return promhttp.Handler()
}

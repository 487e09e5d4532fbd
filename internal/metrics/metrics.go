// Package metrics provides Prometheus instrumentation for the session
// directory. It exposes counters for directory operations and their outcomes,
// histograms for store round-trip latency, and counters for the side
// channels (listeners, rate limiting).
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Operation outcomes used as the "result" label.
const (
	ResultOK          = "ok"
	ResultAbsent      = "absent"
	ResultInvalid     = "invalid"
	ResultUnavailable = "unavailable"
)

var (
	// OperationsTotal counts directory operations, labeled by operation and
	// result: "ok", "absent", "invalid", or "unavailable".
	OperationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sessiondir_operations_total",
		Help: "Total number of session directory operations",
	}, []string{"op", "result"})

	// OperationDuration records store round-trip latency per operation.
	OperationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sessiondir_operation_duration_seconds",
		Help:    "Session directory operation latency in seconds",
		Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"op"})

	// ScannedKeys counts index keys returned by SCAN during enumeration.
	ScannedKeys = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sessiondir_scanned_keys_total",
		Help: "Total number of index keys visited by identity scans",
	})

	// ListenerFailures counts session event listeners that returned an error.
	ListenerFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sessiondir_listener_failures_total",
		Help: "Total number of failed session event deliveries",
	}, []string{"listener"})

	// RateLimited counts requests rejected by a rate limit rule.
	RateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sessiondir_ratelimited_total",
		Help: "Total number of requests rejected by rate limiting",
	}, []string{"rule"})
)

func init() {
	prometheus.MustRegister(
		OperationsTotal,
		OperationDuration,
		ScannedKeys,
		ListenerFailures,
		RateLimited,
	)
}

// ObserveOperation records one finished operation.
func ObserveOperation(op, result string, started time.Time) {
	OperationsTotal.WithLabelValues(op, result).Inc()
	OperationDuration.WithLabelValues(op).Observe(time.Since(started).Seconds())
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Package metrics holds the Prometheus collectors exported on
// /metrics/prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"
)

// HTTP metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "endpoint", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "endpoint"})
)

// Pipeline metrics
var (
	// FramesTotal counts frames by what happened to them:
	// scored, calibration, gap, skipped or dropped.
	FramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shockscore_frames_total",
		Help: "Frames handled by the analysis pipeline, by outcome",
	}, []string{"outcome"})

	DataGapsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shockscore_data_gaps_total",
		Help: "Frames without usable faces, by gap kind",
	}, []string{"kind"})

	ScareEventsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shockscore_scare_events_total",
		Help: "Total number of scare events detected",
	})

	// ShockScore is the latest score per live session. Series are removed
	// when the session stops.
	ShockScore = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "shockscore_current_score",
		Help: "Latest shock score of each live session",
	}, []string{"session_id"})

	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shockscore_active_sessions",
		Help: "Sessions currently accepting frames",
	})

	SessionFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shockscore_session_failures_total",
		Help: "Sessions stopped by an ordering violation",
	})

	ClassifierDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "shockscore_classifier_duration_seconds",
		Help:    "Time spent detecting and classifying one frame",
		Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2},
	})
)

// Circuit breaker metrics
var (
	CircuitBreakerStateChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "circuit_breaker_state_changes_total",
		Help: "Circuit breaker state transitions by component and new state",
	}, []string{"component", "state"})

	// CircuitBreakerState is 0=closed, 1=half-open, 2=open.
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "circuit_breaker_state",
		Help: "Current circuit breaker state (0=closed, 1=half-open, 2=open)",
	}, []string{"component"})
)

// RecordBreakerState publishes a breaker transition.
func RecordBreakerState(component string, to gobreaker.State) {
	CircuitBreakerStateChanges.WithLabelValues(component, to.String()).Inc()
	CircuitBreakerState.WithLabelValues(component).Set(breakerStateValue(to))
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

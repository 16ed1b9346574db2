// Package metrics exposes Prometheus counters for request transitions,
// panel provisioning calls and expiry sweeps.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsSubmitted counts accepted submissions by game.
	RequestsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gamebroker_requests_submitted_total",
		Help: "Total number of game server requests submitted",
	}, []string{"game"})

	// RequestTransitions counts requests leaving pending by target status.
	RequestTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gamebroker_request_transitions_total",
		Help: "Total number of request status transitions by target status",
	}, []string{"status"})

	// SubmissionsRefused counts submissions refused by reason.
	SubmissionsRefused = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gamebroker_submissions_refused_total",
		Help: "Total number of refused submissions by reason",
	}, []string{"reason"})

	// ApprovalOutcomes counts approvals by result (full, partial, failed).
	ApprovalOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gamebroker_approval_outcomes_total",
		Help: "Total number of approvals by provisioning result",
	}, []string{"result"})

	// PanelCalls counts remote panel calls by operation and normalized outcome.
	PanelCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gamebroker_panel_calls_total",
		Help: "Total number of panel calls by operation and outcome",
	}, []string{"operation", "outcome"})

	// PanelCallLatency records panel call latency by operation.
	PanelCallLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gamebroker_panel_call_latency_seconds",
		Help:    "Panel call latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	// RequestsExpired counts requests moved to expired by the sweeper.
	RequestsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gamebroker_requests_expired_total",
		Help: "Total number of pending requests expired by the sweeper",
	})

	// SweepErrors counts failed sweep runs.
	SweepErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gamebroker_sweep_errors_total",
		Help: "Total number of failed expiry sweeps",
	})
)

// ObservePanelCall records the outcome and latency of one panel call.
func ObservePanelCall(operation, outcome string, start time.Time) {
	PanelCalls.WithLabelValues(operation, outcome).Inc()
	PanelCallLatency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}

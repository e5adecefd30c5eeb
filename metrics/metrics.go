// Package metrics provides Prometheus metrics for session and gateway operations.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the session layer.
// A nil *Metrics and one built with a nil registerer are both no-ops.
type Metrics struct {
	enabled bool

	// Authentication metrics
	authAttemptsTotal *prometheus.CounterVec
	authFailuresTotal *prometheus.CounterVec

	// Session lifecycle metrics
	refreshesTotal     *prometheus.CounterVec
	invalidationsTotal *prometheus.CounterVec
	sessionState       *prometheus.GaugeVec

	// Gateway metrics
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// New creates and registers metrics on reg.
// If reg is nil, returns a no-op Metrics instance.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{enabled: reg != nil}

	if !m.enabled {
		return m
	}
	f := promauto.With(reg)

	m.authAttemptsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "segunda_auth_attempts_total",
		Help: "Total sign-in and sign-up attempts",
	}, []string{"method"})

	m.authFailuresTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "segunda_auth_failures_total",
		Help: "Total sign-in and sign-up failures",
	}, []string{"method", "reason"})

	m.refreshesTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "segunda_token_refreshes_total",
		Help: "Total identity token refreshes",
	}, []string{"result"})

	m.invalidationsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "segunda_session_invalidations_total",
		Help: "Total forced session invalidations",
	}, []string{"reason"})

	m.sessionState = f.NewGaugeVec(prometheus.GaugeOpts{
		Name: "segunda_session_state",
		Help: "Current session state (1 for the active state, 0 otherwise)",
	}, []string{"state"})

	m.requestsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "segunda_api_requests_total",
		Help: "Total backend requests by method and outcome",
	}, []string{"method", "code"})

	m.requestDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "segunda_api_request_duration_seconds",
		Help:    "Backend request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})

	return m
}

func (m *Metrics) on() bool { return m != nil && m.enabled }

// RecordAuthAttempt records a sign-in or sign-up attempt.
func (m *Metrics) RecordAuthAttempt(method string) {
	if !m.on() {
		return
	}
	m.authAttemptsTotal.WithLabelValues(method).Inc()
}

// RecordAuthFailure records a failed sign-in or sign-up.
func (m *Metrics) RecordAuthFailure(method, reason string) {
	if !m.on() {
		return
	}
	m.authFailuresTotal.WithLabelValues(method, reason).Inc()
}

// RecordRefresh records a token refresh outcome ("success" or "failure").
func (m *Metrics) RecordRefresh(result string) {
	if !m.on() {
		return
	}
	m.refreshesTotal.WithLabelValues(result).Inc()
}

// RecordInvalidation records a forced logout.
func (m *Metrics) RecordInvalidation(reason string) {
	if !m.on() {
		return
	}
	m.invalidationsTotal.WithLabelValues(reason).Inc()
}

// SetState marks state as the active session state.
func (m *Metrics) SetState(state string, all []string) {
	if !m.on() {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1.0
		}
		m.sessionState.WithLabelValues(s).Set(v)
	}
}

// RecordRequest records a backend request. code is the HTTP status, or 0 when
// no response was received.
func (m *Metrics) RecordRequest(method string, code int, durationSeconds float64) {
	if !m.on() {
		return
	}
	label := "network_error"
	if code > 0 {
		label = strconv.Itoa(code)
	}
	m.requestsTotal.WithLabelValues(method, label).Inc()
	m.requestDuration.WithLabelValues(method).Observe(durationSeconds)
}

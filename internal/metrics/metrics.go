// ABOUTME: Prometheus instrumentation for stream sessions, sends and reconciliation
// ABOUTME: Each Metrics owns a private registry so several engines can coexist in one process

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the engine.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Stream metrics
	SessionsStarted prometheus.Counter
	SessionsActive  prometheus.Gauge
	EventsTotal     *prometheus.CounterVec
	MalformedFrames prometheus.Counter
	SessionErrors   *prometheus.CounterVec

	// Coordinator metrics
	SendsTotal      *prometheus.CounterVec
	ReconcilesTotal *prometheus.CounterVec
}

// New creates and registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{registry: reg}

	m.SessionsStarted = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "coven_stream_sessions_started_total",
			Help: "Total number of stream sessions opened",
		},
	)

	m.SessionsActive = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "coven_stream_sessions_active",
			Help: "Number of stream sessions currently reading",
		},
	)

	m.EventsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coven_stream_events_total",
			Help: "Total number of decoded stream events by type",
		},
		[]string{"type"},
	)

	m.MalformedFrames = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "coven_stream_malformed_frames_total",
			Help: "Total number of data lines skipped because they were not valid JSON",
		},
	)

	m.SessionErrors = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coven_stream_session_errors_total",
			Help: "Total number of session errors reported to handlers",
		},
		[]string{"kind"},
	)

	m.SendsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coven_stream_sends_total",
			Help: "Total number of send attempts by outcome",
		},
		[]string{"outcome"},
	)

	m.ReconcilesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coven_stream_reconciles_total",
			Help: "Total number of confirmed-message refreshes by status",
		},
		[]string{"status"},
	)

	return m
}

// Registry returns the registry holding this instance's collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SessionStarted records a newly opened stream session.
func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.SessionsStarted.Inc()
	m.SessionsActive.Inc()
}

// SessionEnded records a session whose read loop has exited.
func (m *Metrics) SessionEnded() {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
}

// EventReceived records one decoded event.
func (m *Metrics) EventReceived(eventType string) {
	if m == nil {
		return
	}
	m.EventsTotal.WithLabelValues(eventType).Inc()
}

// FrameMalformed records one skipped data line.
func (m *Metrics) FrameMalformed() {
	if m == nil {
		return
	}
	m.MalformedFrames.Inc()
}

// SessionError records an error handed to OnError.
func (m *Metrics) SessionError(kind string) {
	if m == nil {
		return
	}
	m.SessionErrors.WithLabelValues(kind).Inc()
}

// Send records the outcome of a coordinator send.
func (m *Metrics) Send(outcome string) {
	if m == nil {
		return
	}
	m.SendsTotal.WithLabelValues(outcome).Inc()
}

// Reconcile records a refresh of confirmed messages.
func (m *Metrics) Reconcile(status string) {
	if m == nil {
		return
	}
	m.ReconcilesTotal.WithLabelValues(status).Inc()
}

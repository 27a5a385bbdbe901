// Package metrics exposes orchestrator metrics in the Prometheus format.
//
// All methods are safe on a nil *Metrics, so components can run without
// instrumentation in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/session"
	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/stream"
)

const namespace = "forage_orchestrator"

// Request kinds and outcomes.
const (
	KindNew      = "new"
	KindContinue = "continue"

	OutcomeComplete   = "complete"
	OutcomeError      = "error"
	OutcomeRejected   = "rejected"
	OutcomeDisconnect = "disconnect"
	OutcomeTimeout    = "timeout"
)

// Metrics holds the orchestrator's collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	requests          *prometheus.CounterVec
	events            *prometheus.CounterVec
	transitions       *prometheus.CounterVec
	provisionDuration *prometheus.HistogramVec
	skippedLines      prometheus.Counter
	reaped            prometheus.Counter
}

// New creates the collectors. stats, when set, is sampled on every scrape
// for the session and sandbox gauges.
func New(stats func() session.Stats) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Chat requests by kind and outcome.",
		}, []string{"kind", "outcome"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_events_total",
			Help:      "Events written to client streams by type.",
		}, []string{"type"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_transitions_total",
			Help:      "Session state transitions by target state.",
		}, []string{"state"}),
		provisionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provision_duration_seconds",
			Help:      "Time to provision a sandbox for a new session.",
			Buckets:   []float64{1, 2.5, 5, 10, 20, 30, 60, 120, 300},
		}, []string{"result"}),
		skippedLines: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "response_lines_skipped_total",
			Help:      "Malformed response log lines skipped by watchers.",
		}),
		reaped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_reaped_total",
			Help:      "Sessions closed by the idle reaper.",
		}),
	}

	m.registry.MustRegister(
		m.requests,
		m.events,
		m.transitions,
		m.provisionDuration,
		m.skippedLines,
		m.reaped,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if stats != nil {
		m.registry.MustRegister(&sessionCollector{stats: stats})
	}
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest counts a finished request.
func (m *Metrics) ObserveRequest(kind, outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(kind, outcome).Inc()
}

// ObserveEvent counts an event written to a client.
func (m *Metrics) ObserveEvent(e stream.Event) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(e.Type()).Inc()
}

// ObserveTransition counts a session entering a state.
func (m *Metrics) ObserveTransition(s session.Session) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(string(s.State)).Inc()
}

// ObserveProvision records how long provisioning took.
func (m *Metrics) ObserveProvision(d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.provisionDuration.WithLabelValues(result).Observe(d.Seconds())
}

// ObserveSkippedLines counts malformed response lines.
func (m *Metrics) ObserveSkippedLines(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.skippedLines.Add(float64(n))
}

// ObserveReaped counts a session closed by the reaper.
func (m *Metrics) ObserveReaped() {
	if m == nil {
		return
	}
	m.reaped.Inc()
}

// sessionCollector reports registry gauges at scrape time.
type sessionCollector struct {
	stats func() session.Stats
}

var (
	sessionsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "sessions"),
		"Live sessions by state.",
		[]string{"state"}, nil,
	)
	sandboxesDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "sandboxes"),
		"Live sandboxes owned by sessions.",
		nil, nil,
	)
	allStates = []session.State{
		session.StateProvisioning,
		session.StateReady,
		session.StateExecuting,
		session.StateIdle,
	}
)

func (c *sessionCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- sessionsDesc
	ch <- sandboxesDesc
}

func (c *sessionCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.stats()
	for _, state := range allStates {
		ch <- prometheus.MustNewConstMetric(sessionsDesc, prometheus.GaugeValue,
			float64(stats.ByState[state]), string(state))
	}
	ch <- prometheus.MustNewConstMetric(sandboxesDesc, prometheus.GaugeValue, float64(stats.Sandboxes))
}

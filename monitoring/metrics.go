// Package monitoring exposes prometheus counters for the coordination core.
// Every collector lives in a private registry so embedding chittysync in a
// larger process never collides with its host's default registry.
package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Acquire outcome labels.
const (
	OutcomeAcquired  = "acquired"
	OutcomeContended = "contended"
	OutcomeReclaimed = "reclaimed"
	OutcomeError     = "error"
)

// Metrics bundles the coordination collectors. A nil *Metrics is valid and
// turns every recording call into a no-op, so library paths don't have to
// null-check.
type Metrics struct {
	registry *prometheus.Registry

	heartbeats        prometheus.Counter
	heartbeatFailures prometheus.Counter
	lockAcquires      *prometheus.CounterVec
	lockReclamations  prometheus.Counter
	taskClaims        *prometheus.CounterVec
	sessionsReaped    prometheus.Counter
	eventsPublished   prometheus.Counter
	eventsDropped     prometheus.Counter
	activeSessions    prometheus.Gauge
}

// NewMetrics creates and registers all collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		heartbeats: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chittysync_heartbeats_total",
			Help: "Heartbeat stamps written by this process.",
		}),
		heartbeatFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chittysync_heartbeat_failures_total",
			Help: "Heartbeat writes that failed and were swallowed.",
		}),
		lockAcquires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chittysync_lock_acquires_total",
			Help: "Lock acquire calls by outcome.",
		}, []string{"outcome"}),
		lockReclamations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chittysync_lock_reclamations_total",
			Help: "Stale holder records removed during acquire.",
		}),
		taskClaims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chittysync_task_claims_total",
			Help: "Task claim attempts by outcome.",
		}, []string{"outcome"}),
		sessionsReaped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chittysync_sessions_reaped_total",
			Help: "Stale session records deleted by the reaper.",
		}),
		eventsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chittysync_events_published_total",
			Help: "Events delivered to peer outboxes.",
		}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chittysync_events_dropped_total",
			Help: "Oldest events evicted from full outboxes.",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chittysync_active_sessions",
			Help: "Live sessions observed at the last listing.",
		}),
	}
	reg.MustRegister(
		m.heartbeats, m.heartbeatFailures,
		m.lockAcquires, m.lockReclamations,
		m.taskClaims, m.sessionsReaped,
		m.eventsPublished, m.eventsDropped,
		m.activeSessions,
	)
	return m
}

// Handler serves the registry in prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) IncHeartbeat() {
	if m != nil {
		m.heartbeats.Inc()
	}
}

func (m *Metrics) IncHeartbeatFailure() {
	if m != nil {
		m.heartbeatFailures.Inc()
	}
}

func (m *Metrics) IncLockAcquire(outcome string) {
	if m != nil {
		m.lockAcquires.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) IncLockReclamation() {
	if m != nil {
		m.lockReclamations.Inc()
	}
}

func (m *Metrics) IncTaskClaim(outcome string) {
	if m != nil {
		m.taskClaims.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) AddSessionsReaped(n int) {
	if m != nil {
		m.sessionsReaped.Add(float64(n))
	}
}

func (m *Metrics) IncEventsPublished() {
	if m != nil {
		m.eventsPublished.Inc()
	}
}

func (m *Metrics) IncEventsDropped() {
	if m != nil {
		m.eventsDropped.Inc()
	}
}

func (m *Metrics) SetActiveSessions(n int) {
	if m != nil {
		m.activeSessions.Set(float64(n))
	}
}

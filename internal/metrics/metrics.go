// Package metrics provides Prometheus metrics for the session lifecycle,
// hosting and discovery subsystems.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// No connection or session ids in labels.

var (
	// SessionTransitionsTotal counts state transitions by source and target leaf.
	SessionTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forge_session_transitions_total",
		Help: "Total number of session state transitions, by from and to state.",
	}, []string{"from", "to"})

	// RequestsTotal counts lifecycle requests by kind and outcome.
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forge_lifecycle_requests_total",
		Help: "Total number of lifecycle requests, by kind and result (accepted, rejection reason, invalid).",
	}, []string{"kind", "result"})

	// ShutdownStepsTotal counts completed shutdown steps by plan.
	ShutdownStepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forge_shutdown_steps_total",
		Help: "Total number of confirmed shutdown steps, by plan and step.",
	}, []string{"plan", "step"})

	// VisibilityFailuresTotal counts failed attempts to go public.
	VisibilityFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forge_visibility_failures_total",
		Help: "Total number of failed go-public attempts, by stage (identity, bind).",
	}, []string{"stage"})

	// AdmissionTotal counts inbound session decisions.
	AdmissionTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forge_admission_total",
		Help: "Total number of inbound session requests, by decision.",
	}, []string{"decision"})

	// ClientDisconnectsTotal counts client-side session ends by reason kind.
	ClientDisconnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forge_client_disconnects_total",
		Help: "Total number of client session disconnects, by reason kind.",
	}, []string{"kind"})

	// DiscoveryRoundsTotal counts discovery rounds by result.
	DiscoveryRoundsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forge_discovery_rounds_total",
		Help: "Total number of LAN discovery rounds, by result (found, empty, error, discarded).",
	}, []string{"result"})

	// APIRequestsTotal counts HTTP API requests by route template and status.
	APIRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forge_api_requests_total",
		Help: "Total number of HTTP API requests, by method, route and status code.",
	}, []string{"method", "route", "status"})

	// JournalPrunedTotal counts journal rows removed by retention.
	JournalPrunedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "forge_journal_pruned_rows_total",
		Help: "Total number of journal rows removed by the retention task.",
	})

	// EventHandlerFailuresTotal counts event handlers that returned an error
	// or panicked.
	EventHandlerFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forge_event_handler_failures_total",
		Help: "Total number of failed event handler invocations, by event and handler.",
	}, []string{"event", "handler"})

	// HealthWarningsTotal counts failed periodic self-checks.
	HealthWarningsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forge_health_warnings_total",
		Help: "Total number of health warnings, by check.",
	}, []string{"check"})

	// Gauges

	// DiscoveredServers tracks the current size of the discovered server list.
	DiscoveredServers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "forge_discovered_servers",
		Help: "Current number of LAN servers in the discovered list.",
	})

	// RemotePeers tracks peers attached to the host listener.
	RemotePeers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "forge_remote_peers",
		Help: "Current number of remote peers attached to the hosted session.",
	})

	// SimulationActive is 1 while the simulation runs.
	SimulationActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "forge_simulation_active",
		Help: "1 while the simulation is running, 0 otherwise.",
	})
)

// BoolGauge converts a flag into a gauge value.
func BoolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

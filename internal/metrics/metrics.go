// Package metrics exposes prometheus collectors for the sync client.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	ReconnectAttempts prometheus.Counter
	EventsApplied     *prometheus.CounterVec
	DecodeFailures    prometheus.Counter
	ConnectionPhase   prometheus.Gauge
	FleetTotal        prometheus.Gauge
	FleetOpenAlerts   prometheus.Gauge
}

// New registers all collectors on reg and returns them. Pass a fresh
// prometheus.NewRegistry() in tests to avoid duplicate-registration panics.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ReconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetsync_reconnect_attempts_total",
			Help: "Reconnection attempts made by the connection manager.",
		}),
		EventsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetsync_events_applied_total",
			Help: "Domain events applied to the canonical store, by event name.",
		}, []string{"event"}),
		DecodeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetsync_event_decode_failures_total",
			Help: "Inbound frames rejected at the transport boundary.",
		}),
		ConnectionPhase: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fleetsync_connection_phase",
			Help: "Connection phase: 0 disconnected, 1 connecting, 2 connected, 3 reconnecting.",
		}),
		FleetTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fleetsync_fleet_machines",
			Help: "Machines currently tracked in the canonical store.",
		}),
		FleetOpenAlerts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fleetsync_fleet_open_alerts",
			Help: "Unacknowledged alerts across the fleet.",
		}),
	}

	reg.MustRegister(
		m.ReconnectAttempts,
		m.EventsApplied,
		m.DecodeFailures,
		m.ConnectionPhase,
		m.FleetTotal,
		m.FleetOpenAlerts,
	)

	return m
}

// Nop returns metrics backed by an unexported registry, for callers that do
// not scrape anything.
func Nop() *Metrics {
	return New(prometheus.NewRegistry())
}

package relay

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the relay's collectors exposed on /metrics. Sourced from the
// rest of the retrieval pack (prometheus/client_golang has no teacher
// precedent here) — the relay otherwise has no metrics surface of its own.
// Only MessagesRouted is updated (by the router's dispatch); the gauges are
// registered but nothing sets them, so they always report 0.
type Metrics struct {
	HostsConnected       prometheus.Gauge
	ControllersConnected prometheus.Gauge
	SessionsActive       prometheus.Gauge
	LockoutsActive       prometheus.Gauge
	TransfersInFlight    prometheus.Gauge
	MessagesRouted       *prometheus.CounterVec
}

// NewMetrics builds and registers the relay's gauges/counters against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HostsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_hosts_connected",
			Help: "Number of hosts currently registered.",
		}),
		ControllersConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_controllers_connected",
			Help: "Number of controllers currently attached.",
		}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_sessions_active",
			Help: "Number of live controller sessions.",
		}),
		LockoutsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_lockouts_active",
			Help: "Number of passwords currently locked out.",
		}),
		TransfersInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_transfers_in_flight",
			Help: "Number of file transfers not yet completed or purged.",
		}),
		MessagesRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_messages_routed_total",
			Help: "Count of inbound messages dispatched, by type.",
		}, []string{"type"}),
	}
	reg.MustRegister(
		m.HostsConnected,
		m.ControllersConnected,
		m.SessionsActive,
		m.LockoutsActive,
		m.TransfersInFlight,
		m.MessagesRouted,
	)
	return m
}

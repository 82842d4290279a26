// Package metrics holds the peernet Prometheus collectors. All metrics
// live on an isolated registry so embedding applications never collide
// with the global default registry; every accessor is nil-safe so
// components can run unmetered.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all peernet collectors.
type Metrics struct {
	Registry *prometheus.Registry

	// Dial metrics
	DialsTotal          *prometheus.CounterVec
	DialDurationSeconds *prometheus.HistogramVec

	// Connection metrics
	ConnsOpenedTotal *prometheus.CounterVec
	ConnsClosedTotal *prometheus.CounterVec
	ActiveConns      *prometheus.GaugeVec

	// Stream metrics
	StreamsOpenedTotal *prometheus.CounterVec

	// Relay metrics
	RelayReservationsTotal        *prometheus.CounterVec
	RelayReservationsExpiredTotal prometheus.Counter
	RelayActiveSessions           prometheus.Gauge
	RelayBytesTotal               prometheus.Counter

	// Hole punch metrics
	HolePunchTotal           *prometheus.CounterVec
	HolePunchDurationSeconds *prometheus.HistogramVec

	// AutoNAT metrics
	AutoNATProbesTotal *prometheus.CounterVec
	ReachabilityState  *prometheus.GaugeVec

	// Identify metrics
	IdentifyTotal *prometheus.CounterVec
}

// NewMetrics creates a Metrics instance on an isolated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		DialsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "peernet_dials_total",
				Help: "Total dial pipelines by result.",
			},
			[]string{"result"},
		),
		DialDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "peernet_dial_duration_seconds",
				Help:    "Duration of successful dial pipelines.",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~20s
			},
			[]string{"transport"},
		),

		ConnsOpenedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "peernet_connections_opened_total",
				Help: "Total connections installed, by direction.",
			},
			[]string{"direction"},
		),
		ConnsClosedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "peernet_connections_closed_total",
				Help: "Total connections removed, by direction.",
			},
			[]string{"direction"},
		),
		ActiveConns: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "peernet_active_connections",
				Help: "Currently live connections, by direction.",
			},
			[]string{"direction"},
		),

		StreamsOpenedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "peernet_streams_opened_total",
				Help: "Total streams opened, by direction.",
			},
			[]string{"direction"},
		),

		RelayReservationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "peernet_relay_reservations_total",
				Help: "Relay reservation requests, by outcome.",
			},
			[]string{"outcome"},
		),
		RelayReservationsExpiredTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "peernet_relay_reservations_expired_total",
				Help: "Reservations removed by the relay's expiry sweep.",
			},
		),
		RelayActiveSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "peernet_relay_active_sessions",
				Help: "Currently relayed HOP/STOP session pairs.",
			},
		),
		RelayBytesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "peernet_relay_bytes_total",
				Help: "Total bytes relayed across both directions.",
			},
		),

		HolePunchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "peernet_holepunch_total",
				Help: "Hole punch attempts, by result.",
			},
			[]string{"result"},
		),
		HolePunchDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "peernet_holepunch_duration_seconds",
				Help:    "Duration of hole punch attempts.",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~5s
			},
			[]string{"result"},
		),

		AutoNATProbesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "peernet_autonat_probes_total",
				Help: "AutoNAT probes, by observed outcome.",
			},
			[]string{"outcome"},
		),
		ReachabilityState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "peernet_reachability_state",
				Help: "Current reachability (1 on the active state's label).",
			},
			[]string{"state"},
		),

		IdentifyTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "peernet_identify_total",
				Help: "Identify exchanges, by direction and result.",
			},
			[]string{"direction", "result"},
		),
	}

	reg.MustRegister(
		m.DialsTotal,
		m.DialDurationSeconds,
		m.ConnsOpenedTotal,
		m.ConnsClosedTotal,
		m.ActiveConns,
		m.StreamsOpenedTotal,
		m.RelayReservationsTotal,
		m.RelayReservationsExpiredTotal,
		m.RelayActiveSessions,
		m.RelayBytesTotal,
		m.HolePunchTotal,
		m.HolePunchDurationSeconds,
		m.AutoNATProbesTotal,
		m.ReachabilityState,
		m.IdentifyTotal,
	)
	return m
}

// Handler serves the registry over HTTP.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// Nil-safe recording helpers. Components hold a possibly-nil *Metrics.

func (m *Metrics) DialCompleted(result string) {
	if m == nil {
		return
	}
	m.DialsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) DialSucceeded(transport string, seconds float64) {
	if m == nil {
		return
	}
	m.DialsTotal.WithLabelValues("success").Inc()
	m.DialDurationSeconds.WithLabelValues(transport).Observe(seconds)
}

func (m *Metrics) ConnOpened(direction string) {
	if m == nil {
		return
	}
	m.ConnsOpenedTotal.WithLabelValues(direction).Inc()
	m.ActiveConns.WithLabelValues(direction).Inc()
}

func (m *Metrics) ConnClosed(direction string) {
	if m == nil {
		return
	}
	m.ConnsClosedTotal.WithLabelValues(direction).Inc()
	m.ActiveConns.WithLabelValues(direction).Dec()
}

func (m *Metrics) StreamOpened(direction string) {
	if m == nil {
		return
	}
	m.StreamsOpenedTotal.WithLabelValues(direction).Inc()
}

func (m *Metrics) RelayReservation(outcome string) {
	if m == nil {
		return
	}
	m.RelayReservationsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RelayReservationExpired(n int) {
	if m == nil {
		return
	}
	m.RelayReservationsExpiredTotal.Add(float64(n))
}

func (m *Metrics) RelaySessionStarted() {
	if m == nil {
		return
	}
	m.RelayActiveSessions.Inc()
}

func (m *Metrics) RelaySessionEnded(bytes int64) {
	if m == nil {
		return
	}
	m.RelayActiveSessions.Dec()
	m.RelayBytesTotal.Add(float64(bytes))
}

func (m *Metrics) HolePunchFinished(result string, seconds float64) {
	if m == nil {
		return
	}
	m.HolePunchTotal.WithLabelValues(result).Inc()
	m.HolePunchDurationSeconds.WithLabelValues(result).Observe(seconds)
}

func (m *Metrics) AutoNATProbe(outcome string) {
	if m == nil {
		return
	}
	m.AutoNATProbesTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SetReachability(state string) {
	if m == nil {
		return
	}
	for _, s := range []string{"unknown", "public", "private"} {
		v := 0.0
		if s == state {
			v = 1.0
		}
		m.ReachabilityState.WithLabelValues(s).Set(v)
	}
}

func (m *Metrics) IdentifyCompleted(direction, result string) {
	if m == nil {
		return
	}
	m.IdentifyTotal.WithLabelValues(direction, result).Inc()
}

// Package metrics provides Prometheus metrics for monitoring ronion nodes.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics holds all Prometheus metrics for a node.
type PrometheusMetrics struct {
	// Tunnel metrics
	ActiveTunnels prometheus.Gauge
	TunnelsTotal  prometheus.Counter
	HandshakeFailures prometheus.Counter

	// Circuit metrics
	ActiveCircuits  prometheus.Gauge
	CircuitsCreated prometheus.Counter
	CircuitsClosed  prometheus.Counter

	// Data plane metrics
	BytesPeeled  prometheus.Counter
	BytesLayered prometheus.Counter
	OnionsRelayed prometheus.Counter

	// Index metrics
	RegisteredRelays prometheus.Gauge
	PingsReceived    prometheus.Counter

	// Error metrics
	ErrorsTotal *prometheus.CounterVec

	// Rate limiting metrics
	RateLimitHits prometheus.Counter
	BannedIPs     prometheus.Gauge

	registry *prometheus.Registry
}

// NewPrometheusMetrics creates and registers all metrics under the given
// namespace ("ronion_index", "ronion_relay", "ronion_proxy").
func NewPrometheusMetrics(namespace string) *PrometheusMetrics {
	registry := prometheus.NewRegistry()

	m := &PrometheusMetrics{
		registry: registry,

		ActiveTunnels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_tunnels",
			Help:      "Number of currently open tunnels",
		}),
		TunnelsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tunnels_total",
			Help:      "Total number of tunnels established",
		}),
		HandshakeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_failures_total",
			Help:      "Total number of failed tunnel handshakes",
		}),
		ActiveCircuits: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_circuits",
			Help:      "Number of currently active circuits",
		}),
		CircuitsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuits_created_total",
			Help:      "Total number of circuits created",
		}),
		CircuitsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuits_closed_total",
			Help:      "Total number of circuits torn down",
		}),
		BytesPeeled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_peeled_total",
			Help:      "Total bytes peeled off forward-path onions",
		}),
		BytesLayered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_layered_total",
			Help:      "Total bytes layered onto reverse-path onions",
		}),
		OnionsRelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "onions_relayed_total",
			Help:      "Total onion frames forwarded",
		}),
		RegisteredRelays: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registered_relays",
			Help:      "Number of relays currently registered",
		}),
		PingsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pings_received_total",
			Help:      "Total RelayPingRequest messages received",
		}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Total number of errors by kind",
		}, []string{"kind"}),
		RateLimitHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_hits_total",
			Help:      "Total number of rate limit hits",
		}),
		BannedIPs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "banned_ips",
			Help:      "Number of currently banned IPs",
		}),
	}

	registry.MustRegister(
		m.ActiveTunnels,
		m.TunnelsTotal,
		m.HandshakeFailures,
		m.ActiveCircuits,
		m.CircuitsCreated,
		m.CircuitsClosed,
		m.BytesPeeled,
		m.BytesLayered,
		m.OnionsRelayed,
		m.RegisteredRelays,
		m.PingsReceived,
		m.ErrorsTotal,
		m.RateLimitHits,
		m.BannedIPs,
	)

	registry.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// RecordError records an error by kind.
func (m *PrometheusMetrics) RecordError(kind string) {
	m.ErrorsTotal.WithLabelValues(kind).Inc()
}

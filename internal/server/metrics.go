// Package server defines the Prometheus collectors each hub registers.
package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the relay's Prometheus collectors. Each hub owns its own
// registry so tests can build hubs side by side.
type Metrics struct {
	registry *prometheus.Registry

	connections       prometheus.Gauge
	rooms             prometheus.Gauge
	messagesReceived  *prometheus.CounterVec
	deliveries        prometheus.Counter
	authFailures      prometheus.Counter
	persistFailures   prometheus.Counter
	livenessReclaims  prometheus.Counter
	slowConsumerEvict prometheus.Counter
}

// NewMetrics creates and registers the relay collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_connections",
			Help: "Number of open WebSocket connections.",
		}),
		rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_rooms",
			Help: "Number of conversations with at least one subscriber.",
		}),
		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_messages_received_total",
			Help: "Inbound protocol messages by type.",
		}, []string{"type"}),
		deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_deliveries_total",
			Help: "Chat messages queued to subscribers.",
		}),
		authFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_auth_failures_total",
			Help: "Rejected authentication attempts.",
		}),
		persistFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_persist_failures_total",
			Help: "Publish requests whose record could not be stored.",
		}),
		livenessReclaims: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_liveness_reclaims_total",
			Help: "Connections terminated for missing liveness probes.",
		}),
		slowConsumerEvict: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_slow_consumer_evictions_total",
			Help: "Connections closed because their send buffer was full.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.connections,
		m.rooms,
		m.messagesReceived,
		m.deliveries,
		m.authFailures,
		m.persistFailures,
		m.livenessReclaims,
		m.slowConsumerEvict,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Package metrics exposes the relay's Prometheus instrumentation on a
// private registry (never the global default, so multiple relay
// instances in one test binary never collide).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Set is the relay's full metric collection, built once at startup and
// threaded by value (as a pointer) into every component that needs to
// increment something.
type Set struct {
	registry *prometheus.Registry

	MessagesReceived  prometheus.Counter
	MessagesSent      prometheus.Counter
	MessagesDropped   *prometheus.CounterVec
	BytesReceived     prometheus.Counter
	BytesSent         prometheus.Counter
	ActiveSessions    prometheus.Gauge
	ActiveRooms       prometheus.Gauge
	ActiveApps        prometheus.Gauge
	ResendAttempts    prometheus.Histogram
}

// New builds and registers the full metric set on a fresh, private
// registry.
func New() *Set {
	reg := prometheus.NewRegistry()

	s := &Set{
		registry: reg,
		MessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_messages_received_total",
			Help: "Application-level messages successfully decoded from inbound datagrams.",
		}),
		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_messages_sent_total",
			Help: "Application-level messages encoded and written to the socket.",
		}),
		MessagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_messages_dropped_total",
			Help: "Inbound datagrams discarded before reaching a handler, by reason.",
		}, []string{"reason"}),
		BytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_bytes_received_total",
			Help: "Raw bytes read from the UDP socket.",
		}),
		BytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_bytes_sent_total",
			Help: "Raw bytes written to the UDP socket.",
		}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_active_sessions",
			Help: "Number of currently live transport sessions.",
		}),
		ActiveRooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_active_rooms",
			Help: "Number of currently live rooms across all apps.",
		}),
		ActiveApps: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_active_apps",
			Help: "Number of distinct applications seen since process start.",
		}),
		ResendAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_reliable_resend_attempts",
			Help:    "Number of resend attempts a reliable packet needed before being acked or abandoned.",
			Buckets: prometheus.LinearBuckets(0, 2, 8),
		}),
	}

	reg.MustRegister(
		s.MessagesReceived,
		s.MessagesSent,
		s.MessagesDropped,
		s.BytesReceived,
		s.BytesSent,
		s.ActiveSessions,
		s.ActiveRooms,
		s.ActiveApps,
		s.ResendAttempts,
	)

	return s
}

// Handler returns the HTTP handler that serves this Set's registry in
// Prometheus exposition format.
func (s *Set) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

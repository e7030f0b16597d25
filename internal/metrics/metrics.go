// Package metrics exposes the daemon's operational counters. All
// methods are nil-safe so components can run unmetered in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	discoveryMessages *prometheus.CounterVec
	discoveryDrops    *prometheus.CounterVec
	announcesSent     prometheus.Counter
	healthChecks      *prometheus.CounterVec
	healthLatency     prometheus.Histogram
	sweepsSkipped     prometheus.Counter
	knownHosts        prometheus.Gauge
	authVerifications *prometheus.CounterVec
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		discoveryMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mesh_discovery_messages_total",
			Help: "Discovery datagrams accepted, by message type.",
		}, []string{"type"}),
		discoveryDrops: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mesh_discovery_drops_total",
			Help: "Discovery datagrams dropped before processing, by reason.",
		}, []string{"reason"}),
		announcesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "mesh_discovery_announces_sent_total",
			Help: "Announce datagrams sent to the multicast group.",
		}),
		healthChecks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mesh_health_checks_total",
			Help: "Health probes performed, by verdict.",
		}, []string{"status"}),
		healthLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "mesh_health_check_duration_seconds",
			Help:    "Latency of successful health probes.",
			Buckets: prometheus.DefBuckets,
		}),
		sweepsSkipped: factory.NewCounter(prometheus.CounterOpts{
			Name: "mesh_health_sweeps_skipped_total",
			Help: "Monitor ticks skipped because the previous sweep was still running.",
		}),
		knownHosts: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mesh_known_hosts",
			Help: "Hosts currently tracked in the registry.",
		}),
		authVerifications: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mesh_auth_verifications_total",
			Help: "Token and challenge verifications, by kind and result.",
		}, []string{"kind", "result"}),
	}
}

// Handler serves the scrape endpoint for this metrics set.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) DiscoveryMessage(msgType string) {
	if m == nil {
		return
	}
	m.discoveryMessages.WithLabelValues(msgType).Inc()
}

func (m *Metrics) DiscoveryDrop(reason string) {
	if m == nil {
		return
	}
	m.discoveryDrops.WithLabelValues(reason).Inc()
}

func (m *Metrics) AnnounceSent() {
	if m == nil {
		return
	}
	m.announcesSent.Inc()
}

func (m *Metrics) HealthCheck(status string, seconds float64) {
	if m == nil {
		return
	}
	m.healthChecks.WithLabelValues(status).Inc()
	if seconds > 0 {
		m.healthLatency.Observe(seconds)
	}
}

func (m *Metrics) SweepSkipped() {
	if m == nil {
		return
	}
	m.sweepsSkipped.Inc()
}

func (m *Metrics) SetKnownHosts(n int) {
	if m == nil {
		return
	}
	m.knownHosts.Set(float64(n))
}

func (m *Metrics) AuthVerification(kind, result string) {
	if m == nil {
		return
	}
	m.authVerifications.WithLabelValues(kind, result).Inc()
}

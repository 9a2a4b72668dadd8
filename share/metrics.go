package gtshare

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the server's prometheus telemetry. It implements
// guacbridge.Observer. Each Metrics owns a private registry, so several
// servers can live in one process.
type Metrics struct {
	registry *prometheus.Registry

	activeSessions    prometheus.Gauge
	sessions          *prometheus.CounterVec
	handshakeDuration *prometheus.HistogramVec
	relayedBytes      *prometheus.CounterVec
	keepalives        prometheus.Counter
}

// NewMetrics creates and registers the server's collectors
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "guactunnel_sessions_active",
			Help: "Number of browser sessions in progress",
		}),
		sessions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guactunnel_sessions_total",
				Help: "Browser sessions by outcome",
			},
			[]string{"outcome"},
		),
		handshakeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "guactunnel_handshake_duration_seconds",
				Help:    "Duration of guacd handshakes",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 15},
			},
			[]string{"result"},
		),
		relayedBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guactunnel_relayed_bytes_total",
				Help: "Bytes relayed between browsers and guacd",
			},
			[]string{"direction"},
		),
		keepalives: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "guactunnel_keepalives_total",
			Help: "Browser keepalives echoed without reaching guacd",
		}),
	}
	m.registry.MustRegister(
		m.activeSessions,
		m.sessions,
		m.handshakeDuration,
		m.relayedBytes,
		m.keepalives,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) SessionStarted() {
	m.activeSessions.Inc()
}

func (m *Metrics) SessionEnded(outcome string) {
	m.activeSessions.Dec()
	m.sessions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) HandshakeCompleted(d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.handshakeDuration.WithLabelValues(result).Observe(d.Seconds())
}

func (m *Metrics) BytesRelayed(direction string, n int) {
	m.relayedBytes.WithLabelValues(direction).Add(float64(n))
}

func (m *Metrics) KeepaliveEchoed() {
	m.keepalives.Inc()
}

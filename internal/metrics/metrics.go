// Package metrics exposes the proxy's runtime counters as Prometheus
// collectors. It generalizes the teacher's atomic-counter Metrics struct
// (internal/core/metrics.go) into registered prometheus.Collector values so
// the admin API's /metrics endpoint can serve them via the standard
// exposition format.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the proxy's Prometheus collectors and a small amount of
// derived state (session start time) that doesn't fit a single counter.
type Metrics struct {
	registry *prometheus.Registry

	connectionsTotal  prometheus.Counter
	connectionsActive prometheus.Gauge
	bytesTotal        *prometheus.CounterVec
	dialFailures      prometheus.Counter
	policySwaps       prometheus.Counter
	policyParseErrors prometheus.Counter

	startedAt time.Time
}

// New creates a Metrics instance with all collectors registered against a
// fresh registry dedicated to this process (not the global default
// registry, so tests and multiple instances don't collide).
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "proxytwister_connections_total",
			Help: "Total client connections accepted.",
		}),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "proxytwister_connections_active",
			Help: "Client connections currently being pumped.",
		}),
		bytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proxytwister_bytes_total",
			Help: "Bytes forwarded, labeled by direction.",
		}, []string{"direction"}),
		dialFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "proxytwister_dial_failures_total",
			Help: "Dial attempts to a target or upstream that failed.",
		}),
		policySwaps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "proxytwister_policy_swaps_total",
			Help: "Successful policy hot-reloads.",
		}),
		policyParseErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "proxytwister_policy_parse_failures_total",
			Help: "Policy file reloads that failed to parse.",
		}),
		startedAt: time.Now(),
	}

	reg.MustRegister(
		m.connectionsTotal,
		m.connectionsActive,
		m.bytesTotal,
		m.dialFailures,
		m.policySwaps,
		m.policyParseErrors,
	)
	return m
}

// Registry returns the Prometheus registry backing these collectors, for
// wiring into an http.Handler via promhttp.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) ConnectionOpened() {
	m.connectionsTotal.Inc()
	m.connectionsActive.Inc()
}

func (m *Metrics) ConnectionClosed() {
	m.connectionsActive.Dec()
}

func (m *Metrics) RecordBytes(direction string, n int64) {
	if n <= 0 {
		return
	}
	m.bytesTotal.WithLabelValues(direction).Add(float64(n))
}

func (m *Metrics) DialFailed() {
	m.dialFailures.Inc()
}

func (m *Metrics) PolicySwapped() {
	m.policySwaps.Inc()
}

func (m *Metrics) PolicyParseFailed() {
	m.policyParseErrors.Inc()
}

// Uptime reports how long this Metrics instance (i.e. the process) has run.
func (m *Metrics) Uptime() time.Duration {
	return time.Since(m.startedAt)
}

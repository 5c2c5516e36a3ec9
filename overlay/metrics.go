package overlay

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricsInitOnce sync.Once
	sharedMetrics   *overlayMetrics
)

type overlayMetrics struct {
	handshakes  *prometheus.CounterVec
	redirects   prometheus.Counter
	activePeers prometheus.Gauge
	connections *prometheus.GaugeVec
}

func newOverlayMetrics() *overlayMetrics {
	metricsInitOnce.Do(func() {
		m := &overlayMetrics{
			handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "helio_overlay_handshakes_total",
				Help: "Total inbound and outbound handshake outcomes.",
			}, []string{"result"}),
			redirects: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "helio_overlay_redirects_total",
				Help: "Count of callers answered with a peer-list redirect.",
			}),
			activePeers: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "helio_overlay_active_peers",
				Help: "Number of handshake-complete peers.",
			}),
			connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "helio_overlay_connections",
				Help: "Tracked connections by direction, handshaked or not.",
			}, []string{"direction"}),
		}
		prometheus.MustRegister(m.handshakes, m.redirects, m.activePeers, m.connections)
		sharedMetrics = m
	})
	return sharedMetrics
}

func (m *overlayMetrics) recordHandshake(result string) {
	if m == nil {
		return
	}
	if result == "" {
		result = "unknown"
	}
	m.handshakes.WithLabelValues(result).Inc()
}

func (m *overlayMetrics) recordRedirect() {
	if m == nil {
		return
	}
	m.redirects.Inc()
}

func (m *overlayMetrics) setActivePeers(n int) {
	if m == nil {
		return
	}
	m.activePeers.Set(float64(n))
}

func (m *overlayMetrics) connectionOpened(inbound bool) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(directionLabel(inbound)).Inc()
}

func (m *overlayMetrics) connectionClosed(inbound bool) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(directionLabel(inbound)).Dec()
}

func directionLabel(inbound bool) string {
	if inbound {
		return "inbound"
	}
	return "outbound"
}

package monitoring

import (
	"time"

	"pairline/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// RelayCollector exports relay connection and signal-routing metrics.
type RelayCollector struct {
	peersConnected    prometheus.Gauge
	connectionsTotal  prometheus.Counter
	connectionSeconds prometheus.Histogram

	signalsRouted  *prometheus.CounterVec
	signalsDropped *prometheus.CounterVec
}

var _ ports.RelayMetrics = (*RelayCollector)(nil)

// NewRelayCollector registers the relay metrics on reg; nil means the
// default registerer.
func NewRelayCollector(reg prometheus.Registerer) *RelayCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &RelayCollector{
		peersConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pairline_relay_peers_connected",
			Help: "Number of peers currently connected to the relay",
		}),

		connectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "pairline_relay_connections_total",
			Help: "Total number of relay connections accepted",
		}),

		connectionSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "pairline_relay_connection_duration_seconds",
			Help:    "How long peers stayed connected to the relay",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		}),

		signalsRouted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pairline_relay_signals_routed_total",
			Help: "Signals delivered to their destination peer",
		}, []string{"type"}),

		signalsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pairline_relay_signals_dropped_total",
			Help: "Signals that were not delivered",
		}, []string{"type", "reason"}),
	}
}

func (c *RelayCollector) RecordPeerConnected() {
	c.peersConnected.Inc()
	c.connectionsTotal.Inc()
}

func (c *RelayCollector) RecordPeerDisconnected(connected time.Duration) {
	c.peersConnected.Dec()
	c.connectionSeconds.Observe(connected.Seconds())
}

func (c *RelayCollector) RecordSignalRouted(messageType string) {
	c.signalsRouted.WithLabelValues(messageType).Inc()
}

func (c *RelayCollector) RecordSignalDropped(messageType, reason string) {
	c.signalsDropped.WithLabelValues(messageType, reason).Inc()
}

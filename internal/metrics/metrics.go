package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rickgao/kite-stream/internal/multi"
)

// Metrics holds the gatherer's Prometheus collectors. Counters are
// exported as gauges set from stats snapshots; the underlying values are
// already monotone.
type Metrics struct {
	registry *prometheus.Registry

	Frames     *prometheus.GaugeVec
	Packets    *prometheus.GaugeVec
	Bytes      *prometheus.GaugeVec
	Errors     *prometheus.GaugeVec
	Dropped    *prometheus.GaugeVec
	Reconnects *prometheus.GaugeVec
	Symbols    *prometheus.GaugeVec
	Healthy    *prometheus.GaugeVec

	UnifiedDropped prometheus.Gauge
	TotalSymbols   prometheus.Gauge
}

// connLabels identify one connection within one credential pool.
var connLabels = []string{"credential", "connection"}

// New creates and registers the collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Frames: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kitestream_frames_total",
			Help: "Binary frames received per connection.",
		}, connLabels),
		Packets: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kitestream_packets_total",
			Help: "Tick packets decoded per connection.",
		}, connLabels),
		Bytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kitestream_bytes_total",
			Help: "Frame bytes received per connection.",
		}, connLabels),
		Errors: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kitestream_errors_total",
			Help: "Codec and server errors per connection.",
		}, connLabels),
		Dropped: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kitestream_dropped_total",
			Help: "Items dropped by bounded buffers per connection.",
		}, connLabels),
		Reconnects: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kitestream_reconnects_total",
			Help: "Reconnect cycles per connection.",
		}, connLabels),
		Symbols: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kitestream_subscribed_symbols",
			Help: "Subscribed symbols per connection.",
		}, connLabels),
		Healthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kitestream_connection_healthy",
			Help: "1 when the connection is open and live.",
		}, connLabels),
		UnifiedDropped: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kitestream_unified_dropped_total",
			Help: "Items dropped at the unified channel boundary.",
		}),
		TotalSymbols: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kitestream_symbols",
			Help: "Total subscribed symbols across credentials.",
		}),
	}

	m.registry.MustRegister(
		m.Frames, m.Packets, m.Bytes, m.Errors, m.Dropped,
		m.Reconnects, m.Symbols, m.Healthy,
		m.UnifiedDropped, m.TotalSymbols,
	)
	return m
}

// Handler serves the registry for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Observe refreshes every collector from a multi-manager snapshot.
func (m *Metrics) Observe(snap multi.Snapshot) {
	m.UnifiedDropped.Set(float64(snap.UnifiedDropped))
	m.TotalSymbols.Set(float64(snap.TotalSymbols))

	for cred, cs := range snap.PerCredential {
		for _, conn := range cs.Stats.Connections {
			labels := prometheus.Labels{
				"credential": cred,
				"connection": strconv.Itoa(conn.ID),
			}
			m.Frames.With(labels).Set(float64(conn.Frames))
			m.Packets.With(labels).Set(float64(conn.Packets))
			m.Bytes.With(labels).Set(float64(conn.Bytes))
			m.Errors.With(labels).Set(float64(conn.Errors))
			m.Dropped.With(labels).Set(float64(conn.Dropped))
			m.Reconnects.With(labels).Set(float64(conn.Reconnects))
			m.Symbols.With(labels).Set(float64(conn.Symbols))
			if conn.Healthy {
				m.Healthy.With(labels).Set(1)
			} else {
				m.Healthy.With(labels).Set(0)
			}
		}
	}
}

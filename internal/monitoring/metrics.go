// Package monitoring holds the Prometheus metrics for the session server.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every collector. Registered once at startup via promauto.
type Metrics struct {
	// Session lifecycle
	SessionsActive   prometheus.Gauge
	ClientsConnected *prometheus.GaugeVec
	ClientsReaped    *prometheus.CounterVec

	// Message handling
	MessagesRouted  *prometheus.CounterVec
	MessagesFailed  *prometheus.CounterVec
	HandlerDuration *prometheus.HistogramVec

	// Broadcast fan-out
	BroadcastFanout prometheus.Histogram
	BroadcastDrops  prometheus.Counter

	// Assets
	AssetURLsPresigned *prometheus.CounterVec
	AssetBytesGranted  prometheus.Counter
}

// NewMetrics creates all collectors on the default registry.
func NewMetrics() *Metrics {
	return NewMetricsFor(prometheus.DefaultRegisterer)
}

// NewMetricsFor registers the collectors on a specific registry; tests pass
// a fresh one so repeated construction does not collide.
func NewMetricsFor(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tableforge_sessions_active",
			Help: "Number of live game sessions",
		}),
		ClientsConnected: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tableforge_clients_connected",
			Help: "Connected clients per session",
		}, []string{"session"}),
		ClientsReaped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tableforge_clients_reaped_total",
			Help: "Clients removed by the keepalive reaper",
		}, []string{"session"}),

		MessagesRouted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tableforge_messages_routed_total",
			Help: "Protocol messages handled, by type",
		}, []string{"type"}),
		MessagesFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tableforge_messages_failed_total",
			Help: "Protocol messages that produced an error reply, by error code",
		}, []string{"code"}),
		HandlerDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tableforge_handler_duration_seconds",
			Help:    "Time spent inside a message handler",
			Buckets: prometheus.DefBuckets,
		}, []string{"type"}),

		BroadcastFanout: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "tableforge_broadcast_fanout",
			Help:    "Recipients per broadcast after sender exclusion",
			Buckets: []float64{0, 1, 2, 4, 8, 16, 32, 64},
		}),
		BroadcastDrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "tableforge_broadcast_drops_total",
			Help: "Broadcast frames dropped because a client send buffer was full",
		}),

		AssetURLsPresigned: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tableforge_asset_urls_presigned_total",
			Help: "Presigned URLs minted, by direction (upload/download)",
		}, []string{"direction"}),
		AssetBytesGranted: factory.NewCounter(prometheus.CounterOpts{
			Name: "tableforge_asset_bytes_granted_total",
			Help: "Declared sizes of assets granted upload URLs",
		}),
	}
}

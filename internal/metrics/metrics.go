// Package metrics holds the Prometheus instruments shared by the edge and
// hub processes.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every instrument; one instance per process.
type Metrics struct {
	// Control plane
	SessionsOnline   prometheus.Gauge
	MessagesHandled  *prometheus.CounterVec
	BroadcastsSent   prometheus.Counter
	BroadcastsCached prometheus.Counter
	EdgesOnline      prometheus.Gauge
	RPCReconnects    prometheus.Counter

	// Voice plane
	VoicePacketsRouted  *prometheus.CounterVec // direction: local, remote, tunnel
	VoiceBytesRouted    prometheus.Counter
	CryptGood           prometheus.Counter
	CryptLate           prometheus.Counter
	CryptLost           prometheus.Counter
	CryptResyncs        prometheus.Counter
	VoiceRouteDurations prometheus.Histogram
}

// New creates and registers the instruments. A nil registerer uses the
// process default; tests pass their own registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		SessionsOnline: factory.NewGauge(prometheus.GaugeOpts{
			Name: "murmurgrid_sessions_online",
			Help: "Authenticated sessions currently connected",
		}),
		MessagesHandled: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "murmurgrid_control_messages_total",
			Help: "Control messages processed, by message kind",
		}, []string{"kind"}),
		BroadcastsSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "murmurgrid_broadcasts_sent_total",
			Help: "Cluster broadcasts delivered to online edges",
		}),
		BroadcastsCached: factory.NewCounter(prometheus.CounterOpts{
			Name: "murmurgrid_broadcasts_cached_total",
			Help: "Cluster broadcasts queued for offline edges",
		}),
		EdgesOnline: factory.NewGauge(prometheus.GaugeOpts{
			Name: "murmurgrid_edges_online",
			Help: "Edges with a live control channel",
		}),
		RPCReconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "murmurgrid_rpc_reconnects_total",
			Help: "Control channel reconnect attempts",
		}),
		VoicePacketsRouted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "murmurgrid_voice_packets_total",
			Help: "Voice packets routed, by path",
		}, []string{"path"}),
		VoiceBytesRouted: factory.NewCounter(prometheus.CounterOpts{
			Name: "murmurgrid_voice_bytes_total",
			Help: "Voice payload bytes routed",
		}),
		CryptGood: factory.NewCounter(prometheus.CounterOpts{
			Name: "murmurgrid_crypt_good_total",
			Help: "Voice packets decrypted in order",
		}),
		CryptLate: factory.NewCounter(prometheus.CounterOpts{
			Name: "murmurgrid_crypt_late_total",
			Help: "Voice packets decrypted from the late window",
		}),
		CryptLost: factory.NewCounter(prometheus.CounterOpts{
			Name: "murmurgrid_crypt_lost_total",
			Help: "Voice packets inferred lost from IV jumps",
		}),
		CryptResyncs: factory.NewCounter(prometheus.CounterOpts{
			Name: "murmurgrid_crypt_resyncs_total",
			Help: "Crypt resync handshakes initiated",
		}),
		VoiceRouteDurations: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "murmurgrid_voice_route_seconds",
			Help:    "Time spent routing one voice packet",
			Buckets: []float64{.00001, .00005, .0001, .0005, .001, .005, .01},
		}),
	}
}

// RecordMessage counts one handled control message.
func (m *Metrics) RecordMessage(kind string) {
	m.MessagesHandled.WithLabelValues(kind).Inc()
}

// RecordVoice counts one routed voice packet.
func (m *Metrics) RecordVoice(path string, bytes int) {
	m.VoicePacketsRouted.WithLabelValues(path).Inc()
	m.VoiceBytesRouted.Add(float64(bytes))
}

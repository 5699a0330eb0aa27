package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exposes hub and pipeline gauges on a private registry. The
// collectors read live counters instead of being pushed to, so nothing
// in the hot paths depends on prometheus.
type Metrics struct {
	registry *prometheus.Registry
}

func NewMetrics(s *RaidlinkAPIServer) *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "raidlink_connected_agents",
		Help: "Currently attached websocket peers.",
	}, func() float64 { return float64(s.hub.PeerCount()) }))

	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "raidlink_active_pipelines",
		Help: "Currently active stream pipeline sessions.",
	}, func() float64 { return float64(s.streams.ActiveCount()) }))

	reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "raidlink_broadcast_frames_total",
		Help: "Text frames broadcast to all peers.",
	}, func() float64 { return float64(s.hub.BroadcastCount()) }))

	reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "raidlink_ingested_bytes_total",
		Help: "Binary video payload bytes ingested.",
	}, func() float64 { return float64(s.streams.TotalBytes()) }))

	return &Metrics{registry: reg}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

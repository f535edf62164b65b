package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/xgauravyaduvanshii/laptoprelay/tunnel"
)

type metrics struct {
	registry *prometheus.Registry

	connects      prometheus.Counter
	rejects       prometheus.Counter
	registrations *prometheus.CounterVec
	proxied       *prometheus.CounterVec
	proxyLatency  prometheus.Histogram
	droppedFrames *prometheus.CounterVec
}

// newMetrics builds a private registry so several servers can coexist in one
// process (tests do this).
func newMetrics(store tunnel.Store) *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		connects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_tunnel_connects_total",
			Help: "Laptop WebSocket connections accepted",
		}),
		rejects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_tunnel_connect_rejects_total",
			Help: "Laptop WebSocket connections closed with a policy violation",
		}),
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_registrations_total",
			Help: "Tunnel registrations by kind",
		}, []string{"kind"}),
		proxied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_proxied_requests_total",
			Help: "Proxied HTTP requests by outcome",
		}, []string{"outcome"}),
		proxyLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_proxy_duration_seconds",
			Help:    "Time from forwarding a request to receiving the laptop's answer",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		}),
		droppedFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_dropped_frames_total",
			Help: "Inbound tunnel frames dropped by reason",
		}, []string{"reason"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		m.connects,
		m.rejects,
		m.registrations,
		m.proxied,
		m.proxyLatency,
		m.droppedFrames,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "relay_tunnels_connected",
			Help: "Tunnels with a live laptop connection",
		}, func() float64 { return float64(store.Len()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "relay_pending_requests",
			Help: "Proxied requests waiting for the laptop",
		}, func() float64 {
			n := 0
			for _, s := range store.All() {
				n += s.Pending().Len()
			}
			return float64(n)
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "relay_sse_subscribers",
			Help: "Open server-sent event subscriptions",
		}, func() float64 {
			n := 0
			for _, s := range store.All() {
				n += s.Streams().Len()
			}
			return float64(n)
		}),
	)
	return m
}

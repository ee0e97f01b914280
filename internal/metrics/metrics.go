// Package metrics provides Prometheus instrumentation for the chat server.
// It exposes gauges for connection and room counts, counters for message
// outcomes and bans, and a histogram for moderation gate latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// RoomsTotal tracks the current number of rooms with at least one member.
	RoomsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_rooms_total",
		Help: "Current number of rooms with at least one member",
	})

	// MessagesTotal counts processed sends, labeled by outcome:
	// "delivered", "gate_failure", "rejected", "blocked", or "dropped"
	// (gate failure under fail-closed).
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_messages_total",
		Help: "Total number of message sends processed",
	}, []string{"outcome"})

	// GateLatency records moderation gate round-trip latency in seconds.
	GateLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chat_gate_latency_seconds",
		Help:    "Moderation gate evaluation latency in seconds",
		Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10},
	})

	// BansTotal counts ban writes issued by the messaging core.
	BansTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_bans_total",
		Help: "Total number of members banned by the moderation pipeline",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		RoomsTotal,
		MessagesTotal,
		GateLatency,
		BansTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

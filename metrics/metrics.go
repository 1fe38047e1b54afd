package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Connections tracks currently open WebSocket connections.
	Connections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "codepulse_connections",
		Help: "Number of open client connections.",
	})

	// Events counts inbound events by kind, including dropped ones.
	Events = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "codepulse_events_total",
		Help: "Inbound client events by kind.",
	}, []string{"kind"})

	// Broadcasts counts room fanout operations.
	Broadcasts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "codepulse_broadcasts_total",
		Help: "Broadcasts fanned out to rooms.",
	})
)

// Handler exposes Prometheus metrics at /metrics
func Handler() http.Handler {
	return promhttp.Handler()
}

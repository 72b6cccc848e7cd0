// Package coord provides the blockgrid coordinator server.
package coord

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// coordMetricsOnce ensures metrics are only initialized once.
var coordMetricsOnce sync.Once

// coordMetricsInstance is the singleton instance of coordinator metrics.
var coordMetricsInstance *CoordMetrics

// CoordMetrics holds all Prometheus metrics for the coordinator API.
type CoordMetrics struct {
	// API request counters by endpoint and outcome
	RequestsTotal *prometheus.CounterVec // blockgrid_coordinator_requests_total{endpoint,status}

	// API latency by endpoint
	RequestDuration *prometheus.HistogramVec // blockgrid_coordinator_request_duration_seconds{endpoint}

	// Node fleet gauges
	OnlineNodes prometheus.Gauge
}

// InitCoordMetrics initializes all coordinator metrics.
// Metrics are only registered once; subsequent calls return the same instance.
// Pass a registry to register metrics with that registry (for exposure on /metrics endpoint).
// If nil, uses the default Prometheus registry.
func InitCoordMetrics(registry prometheus.Registerer) *CoordMetrics {
	coordMetricsOnce.Do(func() {
		if registry == nil {
			registry = prometheus.DefaultRegisterer
		}
		coordMetricsInstance = &CoordMetrics{
			RequestsTotal: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
				Name: "blockgrid_coordinator_requests_total",
				Help: "API requests handled by the coordinator",
			}, []string{"endpoint", "status"}),

			RequestDuration: promauto.With(registry).NewHistogramVec(prometheus.HistogramOpts{
				Name:    "blockgrid_coordinator_request_duration_seconds",
				Help:    "API request latency in seconds",
				Buckets: prometheus.DefBuckets,
			}, []string{"endpoint"}),

			OnlineNodes: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
				Name: "blockgrid_coordinator_online_nodes",
				Help: "Number of storage nodes currently online",
			}),
		}
	})

	return coordMetricsInstance
}

package node

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metricsOnce ensures node metrics are only initialized once.
var metricsOnce sync.Once

// metricsInstance is the singleton instance of node metrics.
var metricsInstance *Metrics

// Metrics holds the Prometheus metrics for the storage node daemon.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec   // blockgrid_node_requests_total{op,status}
	RequestDuration *prometheus.HistogramVec // blockgrid_node_request_duration_seconds{op}

	BlocksHeld    prometheus.Gauge // blockgrid_node_blocks
	LogicalBytes  prometheus.Gauge // blockgrid_node_logical_bytes
	PhysicalBytes prometheus.Gauge // blockgrid_node_physical_bytes
}

// InitMetrics initializes all node metrics.
// Metrics are only registered once; subsequent calls return the same instance.
func InitMetrics(registry prometheus.Registerer) *Metrics {
	metricsOnce.Do(func() {
		if registry == nil {
			registry = prometheus.DefaultRegisterer
		}
		metricsInstance = &Metrics{
			RequestsTotal: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
				Name: "blockgrid_node_requests_total",
				Help: "Block protocol requests by operation and status",
			}, []string{"op", "status"}),

			RequestDuration: promauto.With(registry).NewHistogramVec(prometheus.HistogramOpts{
				Name:    "blockgrid_node_request_duration_seconds",
				Help:    "Block protocol request duration in seconds",
				Buckets: prometheus.DefBuckets,
			}, []string{"op"}),

			BlocksHeld: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
				Name: "blockgrid_node_blocks",
				Help: "Blocks currently held by this node",
			}),

			LogicalBytes: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
				Name: "blockgrid_node_logical_bytes",
				Help: "Uncompressed bytes held by this node",
			}),

			PhysicalBytes: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
				Name: "blockgrid_node_physical_bytes",
				Help: "On-disk bytes held by this node",
			}),
		}
	})

	return metricsInstance
}

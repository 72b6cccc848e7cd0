package cluster

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metricsOnce ensures cluster metrics are only initialized once.
var metricsOnce sync.Once

// metricsInstance is the singleton instance of cluster metrics.
var metricsInstance *Metrics

// Metrics holds the Prometheus metrics for node health and transport.
type Metrics struct {
	ProbesTotal *prometheus.CounterVec // blockgrid_cluster_probes_total{node,result}
	NodeOnline  *prometheus.GaugeVec   // blockgrid_cluster_node_online{node}

	BlocksSent     *prometheus.CounterVec // blockgrid_cluster_blocks_sent_total{node}
	BlocksFetched  *prometheus.CounterVec // blockgrid_cluster_blocks_fetched_total{node}
	TransportTime  *prometheus.HistogramVec
	TransportError *prometheus.CounterVec // blockgrid_cluster_transport_errors_total{node,op}
}

// InitMetrics initializes all cluster metrics.
// Metrics are only registered once; subsequent calls return the same instance.
func InitMetrics(registry prometheus.Registerer) *Metrics {
	metricsOnce.Do(func() {
		if registry == nil {
			registry = prometheus.DefaultRegisterer
		}
		metricsInstance = &Metrics{
			ProbesTotal: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
				Name: "blockgrid_cluster_probes_total",
				Help: "Health probes by node and result",
			}, []string{"node", "result"}),

			NodeOnline: promauto.With(registry).NewGaugeVec(prometheus.GaugeOpts{
				Name: "blockgrid_cluster_node_online",
				Help: "Whether a node is currently online (1) or offline (0)",
			}, []string{"node"}),

			BlocksSent: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
				Name: "blockgrid_cluster_blocks_sent_total",
				Help: "Blocks stored on a node",
			}, []string{"node"}),

			BlocksFetched: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
				Name: "blockgrid_cluster_blocks_fetched_total",
				Help: "Blocks fetched from a node",
			}, []string{"node"}),

			TransportTime: promauto.With(registry).NewHistogramVec(prometheus.HistogramOpts{
				Name:    "blockgrid_cluster_transport_seconds",
				Help:    "Node round-trip duration in seconds",
				Buckets: prometheus.DefBuckets,
			}, []string{"node", "op"}),

			TransportError: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
				Name: "blockgrid_cluster_transport_errors_total",
				Help: "Failed node round trips by node and operation",
			}, []string{"node", "op"}),
		}
	})

	return metricsInstance
}

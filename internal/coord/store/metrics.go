package store

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks block store activity.
type Metrics struct {
	UploadsTotal     prometheus.Counter
	UploadFailures   *prometheus.CounterVec
	DownloadsTotal   prometheus.Counter
	DeletesTotal     prometheus.Counter
	BytesUploaded    prometheus.Counter
	BytesDownloaded  prometheus.Counter
	FilesStored      prometheus.Gauge
	BlocksStored     prometheus.Gauge
	PendingDeletes   prometheus.Gauge
	IntegrityRetries prometheus.Counter
	UploadDuration   prometheus.Histogram
	DownloadDuration prometheus.Histogram
}

var (
	metricsOnce     sync.Once
	metricsInstance *Metrics
)

// InitMetrics initializes store metrics with the given registry.
// Passing nil uses the default registerer.
func InitMetrics(registry prometheus.Registerer) *Metrics {
	metricsOnce.Do(func() {
		if registry == nil {
			registry = prometheus.DefaultRegisterer
		}
		factory := promauto.With(registry)
		metricsInstance = &Metrics{
			UploadsTotal: factory.NewCounter(prometheus.CounterOpts{
				Name: "blockgrid_store_uploads_total",
				Help: "Completed file uploads",
			}),
			UploadFailures: factory.NewCounterVec(prometheus.CounterOpts{
				Name: "blockgrid_store_upload_failures_total",
				Help: "Failed file uploads by reason",
			}, []string{"reason"}),
			DownloadsTotal: factory.NewCounter(prometheus.CounterOpts{
				Name: "blockgrid_store_downloads_total",
				Help: "Completed file downloads",
			}),
			DeletesTotal: factory.NewCounter(prometheus.CounterOpts{
				Name: "blockgrid_store_deletes_total",
				Help: "Accepted file deletions",
			}),
			BytesUploaded: factory.NewCounter(prometheus.CounterOpts{
				Name: "blockgrid_store_upload_bytes_total",
				Help: "Logical bytes accepted by uploads",
			}),
			BytesDownloaded: factory.NewCounter(prometheus.CounterOpts{
				Name: "blockgrid_store_download_bytes_total",
				Help: "Logical bytes served by downloads",
			}),
			FilesStored: factory.NewGauge(prometheus.GaugeOpts{
				Name: "blockgrid_store_files",
				Help: "Committed files in the directory",
			}),
			BlocksStored: factory.NewGauge(prometheus.GaugeOpts{
				Name: "blockgrid_store_blocks",
				Help: "Committed blocks in the directory",
			}),
			PendingDeletes: factory.NewGauge(prometheus.GaugeOpts{
				Name: "blockgrid_store_pending_deletes",
				Help: "Block copy deletions awaiting node confirmation",
			}),
			IntegrityRetries: factory.NewCounter(prometheus.CounterOpts{
				Name: "blockgrid_store_integrity_retries_total",
				Help: "Block reads retried on the other replica after a hash mismatch",
			}),
			UploadDuration: factory.NewHistogram(prometheus.HistogramOpts{
				Name:    "blockgrid_store_upload_seconds",
				Help:    "End to end upload latency",
				Buckets: prometheus.DefBuckets,
			}),
			DownloadDuration: factory.NewHistogram(prometheus.HistogramOpts{
				Name:    "blockgrid_store_download_seconds",
				Help:    "End to end download latency",
				Buckets: prometheus.DefBuckets,
			}),
		}
	})
	return metricsInstance
}

// GetMetrics returns the process wide store metrics, initializing
// them against the default registry on first use.
func GetMetrics() *Metrics {
	return InitMetrics(nil)
}

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "skyeupload",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests by method, route and status code.",
	}, []string{"method", "route", "status"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "skyeupload",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.3, 0.5, 1, 2, 5, 10, 30},
	}, []string{"method", "route"})

	IngestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "skyeupload",
		Name:      "ingest_total",
		Help:      "Ingestion outcomes by source kind and result.",
	}, []string{"source", "result"})

	StreamedBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "skyeupload",
		Name:      "streamed_bytes_total",
		Help:      "Bytes served to clients by stream type.",
	}, []string{"stream"})

	StreamRedirects = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "skyeupload",
		Name:      "stream_redirects_total",
		Help:      "Streams answered with a signed object store URL.",
	})

	ActiveTorrents = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "skyeupload",
		Name:      "active_torrents",
		Help:      "Number of torrent sessions currently held by the engine.",
	})

	ReclaimedTorrents = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "skyeupload",
		Name:      "reclaimed_torrents_total",
		Help:      "Finished torrent sessions torn down by the idle sweep.",
	})

	StorageUsageBytes = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "skyeupload",
		Name:      "storage_usage_bytes",
		Help:      "Bytes held per storage backend at the last usage refresh.",
	}, []string{"backend"})
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		IngestTotal,
		StreamedBytes,
		StreamRedirects,
		ActiveTorrents,
		ReclaimedTorrents,
		StorageUsageBytes,
	)
}

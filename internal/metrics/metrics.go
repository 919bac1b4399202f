package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RowsExtracted counts source rows read by the extraction step.
	RowsExtracted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "searchsync_rows_extracted_total",
			Help: "Source rows extracted per data source",
		},
		[]string{"source"},
	)

	// DocumentsLoaded counts documents confirmed by the destination.
	DocumentsLoaded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "searchsync_documents_loaded_total",
			Help: "Documents confirmed by the search index per data source",
		},
		[]string{"source"},
	)

	// DocumentsRejected counts documents the destination refused.
	DocumentsRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "searchsync_documents_rejected_total",
			Help: "Documents rejected by the search index per data source",
		},
		[]string{"source"},
	)

	// CycleErrors counts failed pipeline cycles.
	CycleErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "searchsync_cycle_errors_total",
			Help: "Failed sync cycles per data source",
		},
		[]string{"source"},
	)

	// CycleDuration observes wall-clock time of completed cycles.
	CycleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "searchsync_cycle_duration_seconds",
			Help:    "Duration of sync cycles per data source",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"source"},
	)

	// CheckpointAge tracks how far each checkpoint trails the wall clock.
	CheckpointAge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "searchsync_checkpoint_age_seconds",
			Help: "Seconds between now and the last synced tracking value",
		},
		[]string{"source"},
	)

	// ViewRefreshes counts completed materialized-view refreshes.
	ViewRefreshes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "searchsync_view_refreshes_total",
			Help: "Completed materialized view refreshes",
		},
	)
)

// Register adds all collectors to the default registry. Call once at startup.
func Register() {
	prometheus.MustRegister(
		RowsExtracted,
		DocumentsLoaded,
		DocumentsRejected,
		CycleErrors,
		CycleDuration,
		CheckpointAge,
		ViewRefreshes,
	)
}

// Handler serves the default registry for scraping.
func Handler() http.Handler {
	return promhttp.Handler()
}

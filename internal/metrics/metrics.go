package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds all pageserver metrics.
type Registry struct {
	// Ingestion
	IngestRecordsTotal    prometheus.Counter
	IngestBytesTotal      prometheus.Counter
	IngestSkippedTotal    prometheus.Counter
	IngestGapsTotal       prometheus.Counter
	IngestReconnectsTotal prometheus.Counter
	AppliedLSN            prometheus.Gauge

	// Read path
	GetPageTotal    *prometheus.CounterVec
	GetPageDuration prometheus.Histogram
	RedoDuration    prometheus.Histogram
	InFlightReads   prometheus.Gauge

	// Store
	StoreResidentBytes prometheus.Gauge
	StoreChainsTotal   prometheus.Gauge

	// Retention
	GCHorizon             prometheus.Gauge
	CompactionRunsTotal   prometheus.Counter
	CompactionPrunedTotal prometheus.Counter

	registry *prometheus.Registry
}

// New creates a registry with all metrics registered.
func New() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{registry: reg}

	r.IngestRecordsTotal = promauto.With(reg).NewCounter(prometheus.CounterOpts{
		Name: "pageserver_ingest_records_total",
		Help: "WAL records applied to the version store",
	})
	r.IngestBytesTotal = promauto.With(reg).NewCounter(prometheus.CounterOpts{
		Name: "pageserver_ingest_bytes_total",
		Help: "Bytes of WAL records applied to the version store",
	})
	r.IngestSkippedTotal = promauto.With(reg).NewCounter(prometheus.CounterOpts{
		Name: "pageserver_ingest_skipped_total",
		Help: "Records discarded because their LSN was at or below the watermark",
	})
	r.IngestGapsTotal = promauto.With(reg).NewCounter(prometheus.CounterOpts{
		Name: "pageserver_ingest_gaps_total",
		Help: "Stream teardowns caused by a detected LSN gap",
	})
	r.IngestReconnectsTotal = promauto.With(reg).NewCounter(prometheus.CounterOpts{
		Name: "pageserver_ingest_reconnects_total",
		Help: "Ingestion stream reconnect attempts",
	})
	r.AppliedLSN = promauto.With(reg).NewGauge(prometheus.GaugeOpts{
		Name: "pageserver_applied_lsn",
		Help: "Highest LSN fully ingested and visible to readers",
	})

	r.GetPageTotal = promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
		Name: "pageserver_getpage_total",
		Help: "GetPage requests by result status",
	}, []string{"status"})
	r.GetPageDuration = promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
		Name:    "pageserver_getpage_duration_seconds",
		Help:    "GetPage request duration in seconds",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
	})
	r.RedoDuration = promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
		Name:    "pageserver_redo_duration_seconds",
		Help:    "Chain replay duration in seconds",
		Buckets: []float64{0.0001, 0.001, 0.01, 0.1, 1.0, 10.0},
	})
	r.InFlightReads = promauto.With(reg).NewGauge(prometheus.GaugeOpts{
		Name: "pageserver_inflight_reads",
		Help: "Read requests currently registered for the GC horizon",
	})

	r.StoreResidentBytes = promauto.With(reg).NewGauge(prometheus.GaugeOpts{
		Name: "pageserver_store_resident_bytes",
		Help: "Approximate memory held by the version store",
	})
	r.StoreChainsTotal = promauto.With(reg).NewGauge(prometheus.GaugeOpts{
		Name: "pageserver_store_chains_total",
		Help: "Number of page version chains",
	})

	r.GCHorizon = promauto.With(reg).NewGauge(prometheus.GaugeOpts{
		Name: "pageserver_gc_horizon",
		Help: "Oldest LSN guaranteed to remain reconstructable",
	})
	r.CompactionRunsTotal = promauto.With(reg).NewCounter(prometheus.CounterOpts{
		Name: "pageserver_compaction_runs_total",
		Help: "Completed compaction passes",
	})
	r.CompactionPrunedTotal = promauto.With(reg).NewCounter(prometheus.CounterOpts{
		Name: "pageserver_compaction_pruned_total",
		Help: "Records removed by compaction",
	})

	return r
}

// RecordGetPage records one GetPage outcome.
func (r *Registry) RecordGetPage(status string, duration time.Duration) {
	r.GetPageTotal.WithLabelValues(status).Inc()
	r.GetPageDuration.Observe(duration.Seconds())
}

// Handler serves the registry in Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

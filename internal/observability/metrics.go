package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "field_series"

// Metrics holds the Prometheus counters, histograms, and gauges for a series run.
type Metrics struct {
	PipelineRunning prometheus.Gauge
	FieldsProcessed prometheus.Counter
	IndexErrors     prometheus.Counter

	// Acquisition metrics.
	Acquisitions        *prometheus.CounterVec   // labels: kind, outcome={present,absent,error}
	FallbackOffsets     *prometheus.CounterVec   // labels: kind, offset={0,+1,-1}
	AcquisitionDuration *prometheus.HistogramVec // labels: kind

	// Output metrics.
	ProductsWritten *prometheus.CounterVec // labels: kind
	ProductsSkipped *prometheus.CounterVec // labels: kind, reason={exists,absent,precondition}
	DBUpserts       *prometheus.CounterVec // labels: column, outcome={success,error}

	// Coverage cache.
	CoverageCache *prometheus.CounterVec // labels: result={hit,miss,evicted}
}

// NewMetrics creates and registers all pipeline metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(
		m.PipelineRunning,
		m.FieldsProcessed,
		m.IndexErrors,
		m.Acquisitions,
		m.FallbackOffsets,
		m.AcquisitionDuration,
		m.ProductsWritten,
		m.ProductsSkipped,
		m.DBUpserts,
		m.CoverageCache,
	)
	return m
}

// NewMetricsForTesting creates Metrics without registering them, avoiding
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		PipelineRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipeline_running",
			Help:      "1 while a series run is active, 0 otherwise.",
		}),
		FieldsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fields_processed_total",
			Help:      "Fields whose date loop completed.",
		}),
		IndexErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "index_errors_total",
			Help:      "Index computations rejected for band count or grid preconditions.",
		}),
		Acquisitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "acquisitions_total",
			Help:      "Coverage acquisition attempts by product kind and outcome.",
		}, []string{"kind", "outcome"}),
		FallbackOffsets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallback_offsets_total",
			Help:      "Resolved rasters by the day offset that produced them.",
		}, []string{"kind", "offset"}),
		AcquisitionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "acquisition_duration_seconds",
			Help:      "Coverage request plus decode duration.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"kind"}),
		ProductsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "products_written_total",
			Help:      "Products materialized by kind.",
		}, []string{"kind"}),
		ProductsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "products_skipped_total",
			Help:      "Products not materialized by kind and reason.",
		}, []string{"kind", "reason"}),
		DBUpserts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "db_upserts_total",
			Help:      "Field-day row upserts by payload column and outcome.",
		}, []string{"column", "outcome"}),
		CoverageCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "coverage_cache_total",
			Help:      "Coverage response cache lookups by result.",
		}, []string{"result"}),
	}
}

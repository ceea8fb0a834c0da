package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "heatwave"

// Metrics holds the Prometheus counters, histograms, and gauges for the heatwave pipeline.
type Metrics struct {
	ChunksRead      prometheus.Counter
	ChunksLoaded    prometheus.Counter
	DetectErrors    prometheus.Counter
	LoadRetries     *prometheus.CounterVec // labels: loader
	PipelineRunning prometheus.Gauge

	// Chunk processing metrics.
	ChunkDuration  prometheus.Histogram
	CandidateSteps prometheus.Counter
	HeatwaveStarts prometheus.Counter
	HeatwaveDays   prometheus.Counter

	// Climatology cache lookups. labels: result={hit,miss}
	ClimatologyCache *prometheus.CounterVec

	// Geocoding metrics.
	GeocodeRequests    *prometheus.CounterVec   // labels: method={reverse}, outcome={success,error,empty}
	GeocodeCache       *prometheus.CounterVec   // labels: method={reverse}, result={hit,miss}
	GeocodeAPIDuration *prometheus.HistogramVec // labels: method={reverse}
	GeocodeEnabled     prometheus.Gauge
}

func newMetrics() *Metrics {
	return &Metrics{
		ChunksRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_read_total",
			Help:      "Total chunks read from the archive.",
		}),
		ChunksLoaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_loaded_total",
			Help:      "Total chunk results written to every sink.",
		}),
		DetectErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detect_errors_total",
			Help:      "Total chunks that failed detection.",
		}),
		LoadRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "load_retries_total",
			Help:      "Load attempts that failed and were retried, by loader.",
		}, []string{"loader"}),
		PipelineRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipeline_running",
			Help:      "1 while a run is in progress, 0 otherwise.",
		}),
		ChunkDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "chunk_processing_duration_seconds",
			Help:      "Duration of a chunk read-detect-load cycle.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		CandidateSteps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "candidate_steps_total",
			Help:      "Cell-steps exceeding the climatology threshold.",
		}),
		HeatwaveStarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "starts_total",
			Help:      "Heatwave starts detected across all cells.",
		}),
		HeatwaveDays: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "days_total",
			Help:      "Cell-steps belonging to a heatwave.",
		}),
		ClimatologyCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "climatology_cache_total",
			Help:      "Climatology cache lookups by result.",
		}, []string{"result"}),
		GeocodeRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "geocode_requests_total",
			Help:      "Geocoding API requests by method and outcome.",
		}, []string{"method", "outcome"}),
		GeocodeCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "geocode_cache_total",
			Help:      "Geocoding cache lookups by method and result.",
		}, []string{"method", "result"}),
		GeocodeAPIDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "geocode_api_duration_seconds",
			Help:      "Mapbox API request duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"method"}),
		GeocodeEnabled: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "geocode_enabled",
			Help:      "1 when hotspot geocoding is enabled, 0 otherwise.",
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.ChunksRead,
		m.ChunksLoaded,
		m.DetectErrors,
		m.LoadRetries,
		m.PipelineRunning,
		m.ChunkDuration,
		m.CandidateSteps,
		m.HeatwaveStarts,
		m.HeatwaveDays,
		m.ClimatologyCache,
		m.GeocodeRequests,
		m.GeocodeCache,
		m.GeocodeAPIDuration,
		m.GeocodeEnabled,
	}
}

// NewMetrics creates and registers all pipeline metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(m.collectors()...)
	return m
}

// NewMetricsForTesting creates Metrics registered with a fresh registry to
// avoid "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	m := newMetrics()
	prometheus.NewRegistry().MustRegister(m.collectors()...)
	return m
}

package datacache

import "github.com/prometheus/client_golang/prometheus"

// Metrics names as constants for consistency.
const (
	MetricBundleReads         = "location_bundle_reads_total"
	MetricBundleFetches       = "location_bundle_fetches_total"
	MetricBundleFetchDuration = "location_bundle_fetch_duration_seconds"
	MetricCollectionFailures  = "location_collection_failures_total"
	MetricRowsDropped         = "location_bundle_rows_dropped_total"
	MetricEvictions           = "location_bundle_evictions_total"
	MetricEntries             = "location_bundle_cache_entries"
)

// Read results.
const (
	readHit   = "hit"
	readStale = "stale"
	readMiss  = "miss"
)

const (
	outcomeSuccess   = "success"
	outcomeError     = "error"
	outcomeDiscarded = "discarded"
)

// Metrics contains Prometheus metrics for the bundle cache.
// The recording methods are no-ops on a nil *Metrics.
type Metrics struct {
	reads              *prometheus.CounterVec
	fetches            *prometheus.CounterVec
	fetchDuration      prometheus.Histogram
	collectionFailures *prometheus.CounterVec
	rowsDropped        *prometheus.CounterVec
	evictions          prometheus.Counter
	entries            prometheus.Gauge
}

// NewMetrics creates bundle cache metrics. Call Register to expose them.
func NewMetrics() *Metrics {
	return &Metrics{
		reads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricBundleReads,
			Help: "Total number of active bundle reads by cache result",
		}, []string{"result"}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricBundleFetches,
			Help: "Total number of bundle fetches by outcome",
		}, []string{"outcome"}),
		fetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    MetricBundleFetchDuration,
			Help:    "Duration of bundle fetches in seconds, all collections included",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
		collectionFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricCollectionFailures,
			Help: "Total number of collection queries that failed inside a bundle fetch",
		}, []string{"collection"}),
		rowsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricRowsDropped,
			Help: "Total number of fetched rows dropped for belonging to another location",
		}, []string{"collection"}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricEvictions,
			Help: "Total number of bundles evicted by the entry limit",
		}),
		entries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricEntries,
			Help: "Number of bundles currently cached",
		}),
	}
}

// Register registers all metrics with the given registry.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Collectors returns all Prometheus collectors.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.reads,
		m.fetches,
		m.fetchDuration,
		m.collectionFailures,
		m.rowsDropped,
		m.evictions,
		m.entries,
	}
}

// IncReads counts one active read with the given result.
func (m *Metrics) IncReads(result string) {
	if m == nil {
		return
	}
	m.reads.WithLabelValues(result).Inc()
}

// IncFetches counts one bundle fetch with the given outcome.
func (m *Metrics) IncFetches(outcome string) {
	if m == nil {
		return
	}
	m.fetches.WithLabelValues(outcome).Inc()
}

// ObserveFetchDuration records a bundle fetch duration sample.
func (m *Metrics) ObserveFetchDuration(seconds float64) {
	if m == nil {
		return
	}
	m.fetchDuration.Observe(seconds)
}

// IncCollectionFailures counts one failed collection query.
func (m *Metrics) IncCollectionFailures(collection string) {
	if m == nil {
		return
	}
	m.collectionFailures.WithLabelValues(collection).Inc()
}

// AddRowsDropped counts rows discarded for a location mismatch.
func (m *Metrics) AddRowsDropped(collection string, n int) {
	if m == nil {
		return
	}
	m.rowsDropped.WithLabelValues(collection).Add(float64(n))
}

// IncEvictions counts one evicted bundle.
func (m *Metrics) IncEvictions() {
	if m == nil {
		return
	}
	m.evictions.Inc()
}

// AddEntries moves the cached bundle count by delta. The gauge is shared by
// every cache recording into m.
func (m *Metrics) AddEntries(delta int) {
	if m == nil {
		return
	}
	m.entries.Add(float64(delta))
}

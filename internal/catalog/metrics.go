package catalog

import "github.com/prometheus/client_golang/prometheus"

// Metrics names as constants for consistency.
const (
	MetricCatalogLoads        = "location_catalog_loads_total"
	MetricCatalogRecords      = "location_catalog_records"
	MetricCatalogLoadDuration = "location_catalog_load_duration_seconds"
)

const (
	outcomeSuccess = "success"
	outcomeError   = "error"
)

// Metrics contains Prometheus metrics for catalog loads.
type Metrics struct {
	loads        *prometheus.CounterVec
	records      prometheus.Gauge
	loadDuration prometheus.Histogram
}

// NewMetrics creates catalog metrics. Call Register to expose them.
func NewMetrics() *Metrics {
	return &Metrics{
		loads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricCatalogLoads,
			Help: "Total number of location catalog fetches by outcome",
		}, []string{"outcome"}),
		records: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricCatalogRecords,
			Help: "Number of active locations in the last loaded catalog",
		}),
		loadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    MetricCatalogLoadDuration,
			Help:    "Duration of location catalog fetches in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5},
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
	return []prometheus.Collector{m.loads, m.records, m.loadDuration}
}

// IncLoads counts one fetch with the given outcome.
func (m *Metrics) IncLoads(outcome string) {
	m.loads.WithLabelValues(outcome).Inc()
}

// SetRecords sets the loaded record count.
func (m *Metrics) SetRecords(n float64) {
	m.records.Set(n)
}

// ObserveLoadDuration records a fetch duration sample.
func (m *Metrics) ObserveLoadDuration(seconds float64) {
	m.loadDuration.Observe(seconds)
}

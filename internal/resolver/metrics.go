package resolver

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for the resolver
type Metrics struct {
	resolutions    *prometheus.CounterVec
	providerErrors *prometheus.CounterVec
	cacheEntries   prometheus.Gauge
}

// RegisterMetrics sets up Prometheus metrics collection. A nil registerer
// uses the default registry.
func RegisterMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		resolutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stellarprice_resolutions_total",
				Help: "Total number of price resolutions by source",
			},
			[]string{"source"},
		),
		providerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stellarprice_provider_errors_total",
				Help: "Total number of provider errors",
			},
			[]string{"provider"},
		),
		cacheEntries: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "stellarprice_cache_entries",
				Help: "Number of entries in the in-memory price cache",
			},
		),
	}

	// Register all metrics
	reg.MustRegister(
		m.resolutions,
		m.providerErrors,
		m.cacheEntries,
	)
	return m
}

// ObserveCacheSize records the current in-memory cache entry count.
func (m *Metrics) ObserveCacheSize(n int) {
	m.cacheEntries.Set(float64(n))
}

package plugins

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors of the plugin runtime.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	LoadsTotal          *prometheus.CounterVec
	LoadDuration        prometheus.Histogram
	LoadsInFlight       prometheus.Gauge
	PluginsRegistered   prometheus.Gauge
	DiscoveryRunsTotal  *prometheus.CounterVec
	DiscoveryCandidates prometheus.Gauge
	ManifestCacheHits   prometheus.Counter
	ManifestCacheMisses prometheus.Counter
}

// NewMetrics creates and registers the plugin runtime metrics
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		LoadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "exthost_plugin_loads_total",
				Help: "Total number of plugin load attempts",
			},
			[]string{"status"},
		),
		LoadDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "exthost_plugin_load_duration_seconds",
				Help:    "Plugin load duration in seconds",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2, 3, 5, 10},
			},
		),
		LoadsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "exthost_loads_in_flight",
				Help: "Number of plugin loads currently in progress",
			},
		),
		PluginsRegistered: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "exthost_plugins_registered",
				Help: "Number of plugins present in the registry",
			},
		),
		DiscoveryRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "exthost_discovery_runs_total",
				Help: "Total number of discovery passes",
			},
			[]string{"status"},
		),
		DiscoveryCandidates: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "exthost_discovery_candidates",
				Help: "Number of candidates found by the last discovery pass",
			},
		),
		ManifestCacheHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "exthost_manifest_cache_hits_total",
				Help: "Total number of manifest cache hits",
			},
		),
		ManifestCacheMisses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "exthost_manifest_cache_misses_total",
				Help: "Total number of manifest cache misses",
			},
		),
	}

	registerer.MustRegister(
		m.LoadsTotal,
		m.LoadDuration,
		m.LoadsInFlight,
		m.PluginsRegistered,
		m.DiscoveryRunsTotal,
		m.DiscoveryCandidates,
		m.ManifestCacheHits,
		m.ManifestCacheMisses,
	)

	return m
}

func (m *Metrics) observeLoad(status string, started time.Time) {
	if m == nil {
		return
	}
	m.LoadsTotal.WithLabelValues(status).Inc()
	m.LoadDuration.Observe(time.Since(started).Seconds())
}

func (m *Metrics) setInFlight(n int) {
	if m == nil {
		return
	}
	m.LoadsInFlight.Set(float64(n))
}

func (m *Metrics) setRegistered(n int) {
	if m == nil {
		return
	}
	m.PluginsRegistered.Set(float64(n))
}

func (m *Metrics) observeDiscovery(status string, candidates int) {
	if m == nil {
		return
	}
	m.DiscoveryRunsTotal.WithLabelValues(status).Inc()
	m.DiscoveryCandidates.Set(float64(candidates))
}

func (m *Metrics) cacheLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.ManifestCacheHits.Inc()
	} else {
		m.ManifestCacheMisses.Inc()
	}
}

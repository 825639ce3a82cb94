package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/chazu/gramlab/compiler"
)

// Metrics are the pipeline's Prometheus collectors. One Metrics may be
// shared by any number of sessions.
type Metrics struct {
	compiles        *prometheus.CounterVec
	compileDuration prometheus.Histogram
	parses          *prometheus.CounterVec
	parseDuration   prometheus.Histogram
	cacheHits       *prometheus.CounterVec
	liveScopes      prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		compiles: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gramlab_compiles_total",
				Help: "Grammar compiles by outcome",
			},
			[]string{"outcome"},
		),
		compileDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "gramlab_compile_duration_seconds",
				Help:    "Generation and compile time in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		parses: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gramlab_parses_total",
				Help: "Parser runs by stage of the result",
			},
			[]string{"stage"},
		),
		parseDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "gramlab_parse_duration_seconds",
				Help:    "Parser run time in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		cacheHits: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gramlab_cache_hits_total",
				Help: "Calls answered from a session cache, by cache",
			},
			[]string{"cache"},
		),
		liveScopes: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "gramlab_live_scopes",
				Help: "Isolation scopes currently open",
			},
		),
	}
}

func (m *Metrics) observeCompile(r *compiler.Result, precompiled bool) {
	outcome := r.Outcome().String()
	if precompiled {
		outcome = "precompiled"
	}
	m.compiles.WithLabelValues(outcome).Inc()
	m.compileDuration.Observe(r.Elapsed().Seconds())
}

func (m *Metrics) observeParse(r *Result) {
	m.parses.WithLabelValues(r.Stage().String()).Inc()
	if r.Parse != nil {
		m.parseDuration.Observe(r.Parse.Elapsed.Seconds())
	}
}

func (m *Metrics) hit(cache string) {
	m.cacheHits.WithLabelValues(cache).Inc()
}

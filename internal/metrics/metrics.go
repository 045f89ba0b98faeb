// Package metrics holds the in-process Prometheus instruments for the
// decision engine. Exposition is the embedder's concern: instruments
// register against a caller-supplied registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all instruments. Pass to components that record them.
type Metrics struct {
	Decisions     *prometheus.CounterVec
	CacheHits     prometheus.Counter
	CacheMisses   prometheus.Counter
	Reloads       *prometheus.CounterVec
	EvalDuration  prometheus.Histogram
	DecisionCache prometheus.Gauge
}

// New creates and registers all instruments with the given registry.
func New(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		Decisions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "rune",
				Name:      "decisions_total",
				Help:      "Total authorization decisions by effect",
			},
			[]string{"effect"}, // effect=permit/deny
		),
		CacheHits: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "rune",
				Name:      "decision_cache_hits_total",
				Help:      "Decisions served from the cache",
			},
		),
		CacheMisses: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "rune",
				Name:      "decision_cache_misses_total",
				Help:      "Decisions evaluated on a cache miss",
			},
		),
		Reloads: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "rune",
				Name:      "reloads_total",
				Help:      "Reload attempts by outcome",
			},
			[]string{"outcome"}, // outcome=success/parse_failed/validation_failed/skipped
		),
		EvalDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "rune",
				Name:      "evaluation_duration_seconds",
				Help:      "Full dual-engine evaluation duration",
				Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10), // 10µs .. ~2.6s
			},
		),
		DecisionCache: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "rune",
				Name:      "decision_cache_entries",
				Help:      "Current number of cached decisions",
			},
		),
	}
}

// Nop returns an unregistered instrument set for callers that do not
// supply a registry.
func Nop() *Metrics {
	return New(prometheus.NewRegistry())
}

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kirillkom/rag-query-pipeline/internal/core/domain"
)

// PipelineMetrics turns per-query records and cache snapshots into prometheus
// series. It implements ports.MetricsSink.
type PipelineMetrics struct {
	service string

	queriesTotal      *prometheus.CounterVec
	stageDuration     *prometheus.HistogramVec
	composite         *prometheus.HistogramVec
	retries           *prometheus.HistogramVec
	cacheLookupsTotal *prometheus.CounterVec

	cacheEntries   *prometheus.GaugeVec
	cacheHitRate   *prometheus.GaugeVec
	cacheEvictions *prometheus.GaugeVec
	cacheInFlight  *prometheus.GaugeVec
}

func NewPipelineMetrics(registry prometheus.Registerer, service string) *PipelineMetrics {
	m := &PipelineMetrics{
		service: service,
		queriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "query",
				Name:      "total",
				Help:      "Finished queries by status and failure kind.",
			},
			[]string{"service", "status", "failure_kind"},
		),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "query",
				Name:      "stage_duration_seconds",
				Help:      "Query latency by stage.",
				Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"service", "stage"},
		),
		composite: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "query",
				Name:      "confidence",
				Help:      "Distribution of final composite confidence scores.",
				Buckets:   []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.75, 0.8, 0.9, 1},
			},
			[]string{"service"},
		),
		retries: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "query",
				Name:      "retries",
				Help:      "Retrieval retries per query.",
				Buckets:   []float64{0, 1, 2, 3, 5, 8, 10},
			},
			[]string{"service"},
		),
		cacheLookupsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "lookups_total",
				Help:      "Cache lookups made by queries, by tier and outcome.",
			},
			[]string{"service", "tier", "outcome"},
		),
		cacheEntries: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "entries",
				Help:      "Live entries per cache tier.",
			},
			[]string{"service", "tier"},
		),
		cacheHitRate: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "hit_rate",
				Help:      "Hit rate per cache tier since start.",
			},
			[]string{"service", "tier"},
		),
		cacheEvictions: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "evictions",
				Help:      "Capacity evictions per cache tier since start.",
			},
			[]string{"service", "tier"},
		),
		cacheInFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "in_flight_computations",
				Help:      "Computations currently running per cache tier.",
			},
			[]string{"service", "tier"},
		),
	}

	registry.MustRegister(
		m.queriesTotal,
		m.stageDuration,
		m.composite,
		m.retries,
		m.cacheLookupsTotal,
		m.cacheEntries,
		m.cacheHitRate,
		m.cacheEvictions,
		m.cacheInFlight,
	)
	return m
}

func (m *PipelineMetrics) RecordQuery(record domain.QueryRecord) {
	failureKind := string(record.FailureKind)
	if failureKind == "" {
		failureKind = "none"
	}
	m.queriesTotal.WithLabelValues(m.service, string(record.Status), failureKind).Inc()

	m.stageDuration.WithLabelValues(m.service, "retrieval").Observe(record.RetrievalLatency.Seconds())
	m.stageDuration.WithLabelValues(m.service, "generation").Observe(record.GenerationLatency.Seconds())
	m.stageDuration.WithLabelValues(m.service, "total").Observe(record.TotalLatency.Seconds())

	if record.Status != domain.StatusFailed {
		m.composite.WithLabelValues(m.service).Observe(record.Composite)
	}
	m.retries.WithLabelValues(m.service).Observe(float64(record.Retries))

	for tier, outcome := range record.Cache {
		m.cacheLookupsTotal.WithLabelValues(m.service, string(tier), string(outcome)).Inc()
	}
}

// ObserveCacheStats publishes a snapshot taken by the compaction job.
func (m *PipelineMetrics) ObserveCacheStats(stats []domain.CacheStats) {
	for _, s := range stats {
		tier := string(s.Tier)
		m.cacheEntries.WithLabelValues(m.service, tier).Set(float64(s.Size))
		m.cacheHitRate.WithLabelValues(m.service, tier).Set(s.HitRate)
		m.cacheEvictions.WithLabelValues(m.service, tier).Set(float64(s.Evictions))
		m.cacheInFlight.WithLabelValues(m.service, tier).Set(float64(s.InFlight))
	}
}

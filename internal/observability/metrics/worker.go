package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type WorkerMetrics struct {
	registry *prometheus.Registry
	service  string

	eventsTotal    *prometheus.CounterVec
	eventDuration  *prometheus.HistogramVec
	eventsInFlight prometheus.Gauge
	chunksIndexed  prometheus.Counter
	chunksRemoved  prometheus.Counter
}

func NewWorkerMetrics(service string) *WorkerMetrics {
	registry := prometheus.NewRegistry()

	eventsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "events_total",
			Help:      "Total processed index events by kind and status.",
		},
		[]string{"service", "kind", "status"},
	)
	eventDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "event_duration_seconds",
			Help:      "Index event processing duration in seconds by kind.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "kind"},
	)
	eventsInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "worker",
			Name:        "events_in_flight",
			Help:        "Number of index events being applied.",
			ConstLabels: prometheus.Labels{"service": service},
		},
	)
	chunksIndexed := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "worker",
			Name:        "chunks_indexed_total",
			Help:        "Chunks written to the vector index.",
			ConstLabels: prometheus.Labels{"service": service},
		},
	)
	chunksRemoved := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "worker",
			Name:        "chunks_removed_total",
			Help:        "Chunks retracted from the vector index.",
			ConstLabels: prometheus.Labels{"service": service},
		},
	)

	registry.MustRegister(eventsTotal, eventDuration, eventsInFlight, chunksIndexed, chunksRemoved)

	return &WorkerMetrics{
		registry:       registry,
		service:        service,
		eventsTotal:    eventsTotal,
		eventDuration:  eventDuration,
		eventsInFlight: eventsInFlight,
		chunksIndexed:  chunksIndexed,
		chunksRemoved:  chunksRemoved,
	}
}

func (m *WorkerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *WorkerMetrics) StartEvent() {
	m.eventsInFlight.Inc()
}

// FinishEvent records one chunk batch or deletion notice. chunks is the
// number of chunks indexed or removed by it.
func (m *WorkerMetrics) FinishEvent(kind string, chunks int, duration time.Duration, err error) {
	m.eventsInFlight.Dec()

	status := "success"
	if err != nil {
		status = "error"
	}
	m.eventsTotal.WithLabelValues(m.service, kind, status).Inc()
	m.eventDuration.WithLabelValues(m.service, kind).Observe(duration.Seconds())

	if err != nil || chunks <= 0 {
		return
	}
	switch kind {
	case "chunks":
		m.chunksIndexed.Add(float64(chunks))
	case "deletion":
		m.chunksRemoved.Add(float64(chunks))
	}
}

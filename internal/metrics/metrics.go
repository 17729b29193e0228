// Package metrics exposes facilitator counters and gauges to Prometheus.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "xusdc"

// Metrics holds the facilitator's collectors.
type Metrics struct {
	registry *prometheus.Registry

	settlements     *prometheus.CounterVec
	settleDuration  prometheus.Histogram
	gcCollected     prometheus.Counter
	gcReclaimed     prometheus.Counter
	gcFailures      *prometheus.CounterVec
	poolFree        prometheus.Gauge
	poolEscrowed    prometheus.Gauge
	queueDeadLetter *prometheus.CounterVec
}

// New registers every collector on a fresh registry, plus the Go and process
// collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlements_total",
			Help:      "Settlement attempts by outcome code; empty code means committed.",
		}, []string{"code"}),
		settleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "settle_duration_seconds",
			Help:      "Time spent in one settlement attempt, including store re-execution.",
			Buckets:   prometheus.DefBuckets,
		}),
		gcCollected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gc_records_collected_total",
			Help:      "Nonce records destroyed by garbage collection.",
		}),
		gcReclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gc_rent_reclaimed_total",
			Help:      "Rent returned to the pool by garbage collection.",
		}),
		gcFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gc_failures_total",
			Help:      "Garbage collection batches aborted, by code.",
		}, []string{"code"}),
		poolFree: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rent_pool_free",
			Help:      "Rent pool balance available for new nonce records.",
		}),
		poolEscrowed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rent_pool_escrowed",
			Help:      "Rent currently escrowed by live nonce records.",
		}),
		queueDeadLetter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settle_queue_dead_letters_total",
			Help:      "Queued settle requests moved to the dead-letter queue, by code.",
		}, []string{"code"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.settlements, m.settleDuration,
		m.gcCollected, m.gcReclaimed, m.gcFailures,
		m.poolFree, m.poolEscrowed,
		m.queueDeadLetter,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry is exposed for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) ObserveSettlement(code string, took time.Duration) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues(code).Inc()
	m.settleDuration.Observe(took.Seconds())
}

func (m *Metrics) ObserveCollection(records int, reclaimed uint64) {
	if m == nil {
		return
	}
	m.gcCollected.Add(float64(records))
	m.gcReclaimed.Add(float64(reclaimed))
}

func (m *Metrics) ObserveCollectionFailure(code string) {
	if m == nil {
		return
	}
	m.gcFailures.WithLabelValues(code).Inc()
}

func (m *Metrics) SetRentPool(free, escrowed uint64) {
	if m == nil {
		return
	}
	m.poolFree.Set(float64(free))
	m.poolEscrowed.Set(float64(escrowed))
}

func (m *Metrics) ObserveDeadLetter(code string) {
	if m == nil {
		return
	}
	m.queueDeadLetter.WithLabelValues(code).Inc()
}

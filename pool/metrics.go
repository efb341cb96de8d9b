package pool

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the pool's prometheus collectors. A nil *Metrics is
// valid and records nothing, so tests can run without a registry.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration prometheus.Histogram
	WorkersLive     prometheus.Gauge
	WorkersBusy     prometheus.Gauge
	QueueDepth      prometheus.Gauge
	WorkerRestarts  prometheus.Counter
	OrphanResponses prometheus.Counter
}

// NewMetrics registers the pool collectors with reg. Pass nil for no
// metrics.
func NewMetrics(reg prometheus.Registerer, poolName string) *Metrics {
	if reg == nil {
		return nil
	}
	labels := prometheus.Labels{"pool": poolName}
	factory := promauto.With(reg)

	return &Metrics{
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "scriptpool_requests_total",
			Help:        "Requests completed, by outcome.",
			ConstLabels: labels,
		}, []string{"outcome"}),
		RequestDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:        "scriptpool_request_duration_seconds",
			Help:        "End-to-end request latency.",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		WorkersLive: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "scriptpool_workers_live",
			Help:        "Workers currently alive.",
			ConstLabels: labels,
		}),
		WorkersBusy: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "scriptpool_workers_busy",
			Help:        "Workers currently serving a request.",
			ConstLabels: labels,
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "scriptpool_queue_depth",
			Help:        "Callers waiting for a worker.",
			ConstLabels: labels,
		}),
		WorkerRestarts: factory.NewCounter(prometheus.CounterOpts{
			Name:        "scriptpool_worker_restarts_total",
			Help:        "Workers replaced after exit.",
			ConstLabels: labels,
		}),
		OrphanResponses: factory.NewCounter(prometheus.CounterOpts{
			Name:        "scriptpool_orphan_responses_total",
			Help:        "Response frames with no pending request.",
			ConstLabels: labels,
		}),
	}
}

func (m *Metrics) observeRequest(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(outcome).Inc()
	m.RequestDuration.Observe(seconds)
}

func (m *Metrics) setGauges(live, busy, queued int) {
	if m == nil {
		return
	}
	m.WorkersLive.Set(float64(live))
	m.WorkersBusy.Set(float64(busy))
	m.QueueDepth.Set(float64(queued))
}

func (m *Metrics) incRestarts() {
	if m == nil {
		return
	}
	m.WorkerRestarts.Inc()
}

package outbox

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
)

// Metrics exposes processor counters to Prometheus. Collectors work
// unregistered, so NopMetrics is just an instance nobody registers.
type Metrics struct {
	processed    prometheus.Counter
	failed       prometheus.Counter
	deadLettered prometheus.Counter
	pending      prometheus.Gauge
	publishSecs  prometheus.Histogram
}

// NewMetrics creates processor metrics under the given namespace.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "outbox"
	}
	return &Metrics{
		processed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_processed_total",
			Help:      "Total outbox events published and marked processed",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_failures_total",
			Help:      "Total failed publish attempts",
		}),
		deadLettered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dead_lettered_total",
			Help:      "Total events moved to the dead letter store",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "events_pending",
			Help:      "Current publishable backlog",
		}),
		publishSecs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "publish_duration_seconds",
			Help:      "Time from claim to processed per event",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// NopMetrics returns metrics that record nowhere visible.
func NopMetrics() *Metrics {
	return NewMetrics("")
}

// Register registers all collectors with r, accumulating errors.
// A nil registerer means the default one.
func (m *Metrics) Register(r prometheus.Registerer) error {
	if r == nil {
		r = prometheus.DefaultRegisterer
	}
	var mErr error
	for _, c := range []prometheus.Collector{
		m.processed, m.failed, m.deadLettered, m.pending, m.publishSecs,
	} {
		if err := r.Register(c); err != nil {
			mErr = multierr.Append(mErr, err)
		}
	}
	return mErr
}

// IncProcessed records a successful publish
func (m *Metrics) IncProcessed() {
	m.processed.Inc()
}

// IncFailed records a failed publish attempt
func (m *Metrics) IncFailed() {
	m.failed.Inc()
}

// IncDeadLettered records an event moved to the dead letter store
func (m *Metrics) IncDeadLettered() {
	m.deadLettered.Inc()
}

// SetPending records the current backlog
func (m *Metrics) SetPending(n int64) {
	m.pending.Set(float64(n))
}

// ObservePublish records one claim-to-processed duration
func (m *Metrics) ObservePublish(d time.Duration) {
	m.publishSecs.Observe(d.Seconds())
}

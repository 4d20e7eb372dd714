package gateway

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
)

// Metrics covers connection lifecycle and delivery outcomes for one
// gateway instance.
type Metrics struct {
	connections prometheus.Gauge
	connects    prometheus.Counter
	disconnects prometheus.Counter
	sent        prometheus.Counter
	dropped     prometheus.Counter
	sendSecs    prometheus.Histogram
}

// NewMetrics creates the gateway metric set under the given namespace,
// default "gateway". Call Register to expose them.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "gateway"
	}
	return &Metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Currently registered client connections.",
		}),
		connects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connects_total",
			Help:      "Total accepted client connections.",
		}),
		disconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disconnects_total",
			Help:      "Total client disconnections.",
		}),
		sent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_sent_total",
			Help:      "Events enqueued to a locally connected receiver.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events dropped for a closed or slow local receiver.",
		}),
		sendSecs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "event_dispatch_seconds",
			Help:      "Time from bus receive to local enqueue.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// NopMetrics returns unregistered metrics. Updates are cheap and invisible.
func NopMetrics() *Metrics {
	return NewMetrics("")
}

// Register attaches the metric set to a registerer, accumulating any
// per-collector errors.
func (m *Metrics) Register(r prometheus.Registerer) error {
	var err error
	for _, c := range []prometheus.Collector{
		m.connections,
		m.connects,
		m.disconnects,
		m.sent,
		m.dropped,
		m.sendSecs,
	} {
		err = multierr.Append(err, r.Register(c))
	}
	return err
}

func (m *Metrics) SetConnections(n int)             { m.connections.Set(float64(n)) }
func (m *Metrics) IncConnects()                     { m.connects.Inc() }
func (m *Metrics) IncDisconnects()                  { m.disconnects.Inc() }
func (m *Metrics) IncSent()                         { m.sent.Inc() }
func (m *Metrics) IncDropped()                      { m.dropped.Inc() }
func (m *Metrics) ObserveDispatch(d time.Duration)  { m.sendSecs.Observe(d.Seconds()) }

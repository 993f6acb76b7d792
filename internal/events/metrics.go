package events

import (
	"github.com/BTreeMap/ReplyPipe/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "replypipe"

// MetricsSink exports event counts and delivery latency to Prometheus.
type MetricsSink struct {
	Events          *prometheus.CounterVec
	FollowUpChecks  *prometheus.CounterVec
	DeliveryLatency prometheus.Histogram
	reg             prometheus.Registerer
}

// NewMetricsSink registers the instruments on reg.
func NewMetricsSink(reg prometheus.Registerer) *MetricsSink {
	factory := promauto.With(reg)
	return &MetricsSink{
		Events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Core events by type and instance.",
		}, []string{"type", "instance"}),
		FollowUpChecks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "follow_up_checks_total",
			Help:      "Follow-up eligibility checks by outcome reason.",
		}, []string{"reason"}),
		DeliveryLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_latency_ms",
			Help:      "Time from enqueue to transport acknowledgement in milliseconds.",
			Buckets:   []float64{250, 500, 1000, 2000, 4000, 8000, 15000, 30000},
		}),
		reg: reg,
	}
}

// Handle updates the counters for e.
func (m *MetricsSink) Handle(e models.Event) {
	m.Events.WithLabelValues(string(e.Type), e.InstanceID).Inc()
	switch e.Type {
	case models.EventFollowUpCheckResult:
		m.FollowUpChecks.WithLabelValues(e.Reason).Inc()
	case models.EventMessageSent:
		if e.LatencyMs > 0 {
			m.DeliveryLatency.Observe(float64(e.LatencyMs))
		}
	}
}

// WatchDropped exports the dispatcher's drop counter.
func (m *MetricsSink) WatchDropped(d *Dispatcher) {
	promauto.With(m.reg).NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_dropped_total",
		Help:      "Events discarded because the dispatcher queue was full.",
	}, func() float64 { return float64(d.Dropped()) })
}

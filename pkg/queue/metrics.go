package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the shared instrumentation for all adapter variants. The same
// depth and lag gauge pair is emitted by every transport so one autoscaler
// query serves both broker families.
type Metrics struct {
	enqueued    *prometheus.CounterVec
	acked       *prometheus.CounterVec
	retried     *prometheus.CounterVec
	deadLetters *prometheus.CounterVec

	depth        *prometheus.GaugeVec
	lag          *prometheus.GaugeVec
	partitionLag *prometheus.GaugeVec
}

// NewMetrics registers the queue metric set on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		enqueued: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_queue_enqueue_total",
			Help: "Messages accepted for publish, by queue and transport.",
		}, []string{"queue", "transport"}),
		acked: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_queue_ack_total",
			Help: "Deliveries acknowledged, by queue and transport.",
		}, []string{"queue", "transport"}),
		retried: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_queue_retry_total",
			Help: "Deliveries requeued for retry, by queue and transport.",
		}, []string{"queue", "transport"}),
		deadLetters: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_queue_dead_letter_total",
			Help: "Deliveries routed to the dead-letter queue, by queue and transport.",
		}, []string{"queue", "transport"}),
		depth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "orchestrator_queue_depth",
			Help: "Messages waiting in the queue.",
		}, []string{"queue", "transport", "tenant"}),
		lag: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "orchestrator_queue_lag",
			Help: "Consumer lag for the queue. Equals depth on AMQP transports.",
		}, []string{"queue", "transport", "tenant"}),
		partitionLag: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "orchestrator_queue_partition_lag",
			Help: "Per-partition consumer lag on log-based transports.",
		}, []string{"queue", "partition", "transport", "tenant"}),
	}
}

// defaultTenant labels single-tenant deployments.
const defaultTenant = "default"

func (m *Metrics) observeEnqueue(queue, transport string) {
	if m == nil {
		return
	}
	m.enqueued.WithLabelValues(queue, transport).Inc()
}

func (m *Metrics) observeAck(queue, transport string) {
	if m == nil {
		return
	}
	m.acked.WithLabelValues(queue, transport).Inc()
}

func (m *Metrics) observeRetry(queue, transport string) {
	if m == nil {
		return
	}
	m.retried.WithLabelValues(queue, transport).Inc()
}

func (m *Metrics) observeDeadLetter(queue, transport string) {
	if m == nil {
		return
	}
	m.deadLetters.WithLabelValues(queue, transport).Inc()
}

// setDepth records depth and mirrors it into the lag gauge when mirrorLag
// is set (AMQP transports, where lag and depth are the same number).
func (m *Metrics) setDepth(queue, transport string, depth int64, mirrorLag bool) {
	if m == nil {
		return
	}
	m.depth.WithLabelValues(queue, transport, defaultTenant).Set(float64(depth))
	if mirrorLag {
		m.lag.WithLabelValues(queue, transport, defaultTenant).Set(float64(depth))
	}
}

func (m *Metrics) setLag(queue, transport string, lag int64) {
	if m == nil {
		return
	}
	m.lag.WithLabelValues(queue, transport, defaultTenant).Set(float64(lag))
}

func (m *Metrics) setPartitionLag(queue, partition, transport string, lag int64) {
	if m == nil {
		return
	}
	m.partitionLag.WithLabelValues(queue, partition, transport, defaultTenant).Set(float64(lag))
}

// resetQueue zeroes the depth and lag gauges for a queue. Called when the
// broker is unreachable so autoscalers see a drained queue instead of a
// stale backlog.
func (m *Metrics) resetQueue(queue, transport string) {
	if m == nil {
		return
	}
	m.depth.WithLabelValues(queue, transport, defaultTenant).Set(0)
	m.lag.WithLabelValues(queue, transport, defaultTenant).Set(0)
}

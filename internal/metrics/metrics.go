package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "jobharbor"

var (
	EnqueueTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enqueue_total",
			Help:      "Enqueue requests by queue and outcome.",
		},
		[]string{"queue", "outcome"}, // accepted, duplicate, rejected
	)

	RejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enqueue_rejections_total",
			Help:      "Rejected enqueues by queue and reason.",
		},
		[]string{"queue", "reason"},
	)

	ExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Handler executions by queue and outcome.",
		},
		[]string{"queue", "outcome"}, // success, retry, dead_lettered, failed, deferred
	)

	ExecutionLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_latency_seconds",
			Help:      "Handler execution latency.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"queue"},
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Scheduled retries by queue and error kind.",
		},
		[]string{"queue", "kind"},
	)

	DLQTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dlq_total",
			Help:      "Jobs moved to the dead letter store by queue and error kind.",
		},
		[]string{"queue", "kind"},
	)

	DLQResolutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dlq_resolutions_total",
			Help:      "Dead letter resolutions by queue and action.",
		},
		[]string{"queue", "action"}, // retried, discarded, purged
	)

	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Circuit breaker state per dependency (0 closed, 1 open, 2 half-open, 3 panic).",
		},
		[]string{"dependency"},
	)

	BreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_transitions_total",
			Help:      "Circuit breaker transitions by dependency and target state.",
		},
		[]string{"dependency", "to"},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Sampled queue depth by state.",
		},
		[]string{"queue", "state"}, // waiting, delayed, active, failed
	)

	OldestWaitingSeconds = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_oldest_waiting_seconds",
			Help:      "Age of the oldest ready job per queue.",
		},
		[]string{"queue"},
	)

	AlertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Alerts raised by rule.",
		},
		[]string{"rule"},
	)
)

func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		EnqueueTotal, RejectionsTotal,
		ExecutionsTotal, ExecutionLatency, RetriesTotal,
		DLQTotal, DLQResolutionsTotal,
		BreakerState, BreakerTransitionsTotal,
		QueueDepth, OldestWaitingSeconds,
		AlertsTotal,
	)
}

func RecordEnqueue(queue, outcome string) {
	EnqueueTotal.WithLabelValues(queue, outcome).Inc()
}

func RecordRejection(queue, reason string) {
	EnqueueTotal.WithLabelValues(queue, "rejected").Inc()
	RejectionsTotal.WithLabelValues(queue, reason).Inc()
}

// RecordExecution counts an execution outcome. Deferred executions never
// ran the handler so they carry no latency.
func RecordExecution(queue, outcome string, d time.Duration) {
	ExecutionsTotal.WithLabelValues(queue, outcome).Inc()
	if d > 0 {
		ExecutionLatency.WithLabelValues(queue).Observe(d.Seconds())
	}
}

func RecordRetry(queue, kind string) {
	RetriesTotal.WithLabelValues(queue, kind).Inc()
}

func RecordDeadLetter(queue, kind string) {
	DLQTotal.WithLabelValues(queue, kind).Inc()
}

func RecordDLQResolution(queue, action string, n int) {
	DLQResolutionsTotal.WithLabelValues(queue, action).Add(float64(n))
}

func SetBreakerState(dependency string, state int) {
	BreakerState.WithLabelValues(dependency).Set(float64(state))
}

func RecordBreakerTransition(dependency, to string) {
	BreakerTransitionsTotal.WithLabelValues(dependency, to).Inc()
}

func RecordAlert(rule string) {
	AlertsTotal.WithLabelValues(rule).Inc()
}

package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	// QueueDepth is the current pending unit count per stage queue.
	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "lotvision",
		Subsystem: "pipeline",
		Name:      "queue_depth",
		Help:      "Current number of pending work units per stage queue.",
	}, []string{"stage"})

	// QueueDepthTotal is the pending unit count across both stages.
	QueueDepthTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "lotvision",
		Subsystem: "pipeline",
		Name:      "queue_depth_total",
		Help:      "Total number of pending work units across all stage queues.",
	})

	// ActiveBatches is the number of currently open bulk jobs.
	ActiveBatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "lotvision",
		Subsystem: "pipeline",
		Name:      "active_batches",
		Help:      "Number of bulk jobs currently open against the inference service.",
	})

	// DispatchIntervalSeconds is the currently computed dispatch cadence.
	DispatchIntervalSeconds = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "lotvision",
		Subsystem: "pipeline",
		Name:      "dispatch_interval_seconds",
		Help:      "Current load-adaptive dispatch interval in seconds.",
	})

	// LotsSubmittedTotal counts lots accepted at intake, by source.
	LotsSubmittedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lotvision",
		Subsystem: "pipeline",
		Name:      "lots_submitted_total",
		Help:      "Total lots accepted for batch processing, labeled by intake source.",
	}, []string{"source"})

	// BatchesStartedTotal counts bulk jobs submitted, by stage.
	BatchesStartedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lotvision",
		Subsystem: "pipeline",
		Name:      "batches_started_total",
		Help:      "Total bulk jobs submitted to the inference service, labeled by stage.",
	}, []string{"stage"})

	// BatchesCompletedTotal counts bulk jobs whose completion was handled,
	// by terminal status.
	BatchesCompletedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lotvision",
		Subsystem: "pipeline",
		Name:      "batches_completed_total",
		Help:      "Total bulk jobs that reached a terminal status and were handled, labeled by status.",
	}, []string{"status"})

	// BatchesLostTotal counts bulk jobs dropped after a poll transport error.
	BatchesLostTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "lotvision",
		Subsystem: "pipeline",
		Name:      "batches_lost_total",
		Help:      "Total bulk jobs whose bookkeeping was dropped after an unrecoverable poll error.",
	})

	// WebhooksSentTotal counts successful callback deliveries, by payload type.
	WebhooksSentTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lotvision",
		Subsystem: "pipeline",
		Name:      "webhooks_sent_total",
		Help:      "Total successful callback deliveries, labeled by payload type.",
	}, []string{"type"})

	// WebhookFailuresTotal counts deliveries that exhausted the retry budget.
	WebhookFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "lotvision",
		Subsystem: "pipeline",
		Name:      "webhook_failures_total",
		Help:      "Total callback deliveries that exhausted the retry budget.",
	})

	// DeliveryDurationSeconds is the end-to-end time of one delivery attempt
	// series, including backoff.
	DeliveryDurationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "lotvision",
		Subsystem: "pipeline",
		Name:      "delivery_duration_seconds",
		Help:      "End-to-end time to deliver one callback, retries included.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
	})

	// AMQPConnected reports whether the RabbitMQ intake is connected.
	AMQPConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "lotvision",
		Subsystem: "pipeline",
		Name:      "amqp_connected",
		Help:      "1 when the RabbitMQ intake connection is up, 0 otherwise.",
	})

	// AMQPMessagesTotal counts consumed intake messages, by outcome.
	AMQPMessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lotvision",
		Subsystem: "pipeline",
		Name:      "amqp_messages_total",
		Help:      "Total RabbitMQ intake messages processed, labeled by outcome.",
	}, []string{"outcome"})
)

// Register registers pipeline metrics with the default Prometheus registry.
// Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			QueueDepth,
			QueueDepthTotal,
			ActiveBatches,
			DispatchIntervalSeconds,
			LotsSubmittedTotal,
			BatchesStartedTotal,
			BatchesCompletedTotal,
			BatchesLostTotal,
			WebhooksSentTotal,
			WebhookFailuresTotal,
			DeliveryDurationSeconds,
			AMQPConnected,
			AMQPMessagesTotal,
		)
	})
}

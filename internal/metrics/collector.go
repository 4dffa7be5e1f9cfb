// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector aggregates the prometheus instruments for the coordination core.
// A nil *Collector is valid and records nothing, so components can be wired
// without metrics in tests.
type Collector struct {
	// Bus
	messagesPublished    *prometheus.CounterVec
	messagesDelivered    *prometheus.CounterVec
	messagesAcked        *prometheus.CounterVec
	messagesNacked       *prometheus.CounterVec
	messagesDeadLettered *prometheus.CounterVec

	// Budget
	budgetConsumed   prometheus.Gauge
	budgetRejections prometheus.Counter

	// HITL
	questionsAsked     prometheus.Counter
	questionsDelivered prometheus.Counter
	questionsAnswered  *prometheus.CounterVec
	questionsExpired   prometheus.Counter

	// Orchestrator
	detectionsHandled    prometheus.Counter
	detectionsSuppressed prometheus.Counter

	logger *zap.Logger
}

// NewCollector creates a metrics collector registered under namespace.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.messagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_messages_published_total",
			Help:      "Total messages published to the bus",
		},
		[]string{"queue", "priority"},
	)

	c.messagesDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_messages_delivered_total",
			Help:      "Total message delivery attempts (leases acquired)",
		},
		[]string{"queue"},
	)

	c.messagesAcked = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_messages_acked_total",
			Help:      "Total messages acknowledged",
		},
		[]string{"queue"},
	)

	c.messagesNacked = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_messages_nacked_total",
			Help:      "Total messages negatively acknowledged",
		},
		[]string{"queue"},
	)

	c.messagesDeadLettered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_messages_dead_lettered_total",
			Help:      "Total messages moved to dead-letter queues",
		},
		[]string{"queue"},
	)

	c.budgetConsumed = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "budget_consumed_dollars",
			Help:      "Budget consumed today, in dollars",
		},
	)

	c.budgetRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "budget_rejections_total",
			Help:      "Total operations rejected by the budget ceiling",
		},
	)

	c.questionsAsked = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hitl_questions_asked_total",
			Help:      "Total questions created",
		},
	)

	c.questionsDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hitl_questions_delivered_total",
			Help:      "Total questions delivered to the user",
		},
	)

	c.questionsAnswered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hitl_questions_answered_total",
			Help:      "Total question responses by kind",
		},
		[]string{"kind"},
	)

	c.questionsExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hitl_questions_expired_total",
			Help:      "Total questions expired without a response",
		},
	)

	c.detectionsHandled = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orchestrator_detections_handled_total",
			Help:      "Total detection signals handled",
		},
	)

	c.detectionsSuppressed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orchestrator_detections_suppressed_total",
			Help:      "Total detection signals suppressed by cool-down",
		},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// RecordPublish records a published message.
func (c *Collector) RecordPublish(queue, priority string) {
	if c == nil {
		return
	}
	c.messagesPublished.WithLabelValues(queue, priority).Inc()
}

// RecordDelivery records a lease acquisition.
func (c *Collector) RecordDelivery(queue string) {
	if c == nil {
		return
	}
	c.messagesDelivered.WithLabelValues(queue).Inc()
}

// RecordAck records an acknowledgment.
func (c *Collector) RecordAck(queue string) {
	if c == nil {
		return
	}
	c.messagesAcked.WithLabelValues(queue).Inc()
}

// RecordNack records a negative acknowledgment.
func (c *Collector) RecordNack(queue string) {
	if c == nil {
		return
	}
	c.messagesNacked.WithLabelValues(queue).Inc()
}

// RecordDeadLetter records a dead-letter move.
func (c *Collector) RecordDeadLetter(queue string) {
	if c == nil {
		return
	}
	c.messagesDeadLettered.WithLabelValues(queue).Inc()
}

// SetBudgetConsumed updates the consumed-budget gauge.
func (c *Collector) SetBudgetConsumed(dollars float64) {
	if c == nil {
		return
	}
	c.budgetConsumed.Set(dollars)
}

// RecordBudgetRejection records an operation blocked by the ceiling.
func (c *Collector) RecordBudgetRejection() {
	if c == nil {
		return
	}
	c.budgetRejections.Inc()
}

// RecordQuestionAsked records a created question.
func (c *Collector) RecordQuestionAsked() {
	if c == nil {
		return
	}
	c.questionsAsked.Inc()
}

// RecordQuestionDelivered records a delivered question.
func (c *Collector) RecordQuestionDelivered() {
	if c == nil {
		return
	}
	c.questionsDelivered.Inc()
}

// RecordQuestionAnswered records a response by kind.
func (c *Collector) RecordQuestionAnswered(kind string) {
	if c == nil {
		return
	}
	c.questionsAnswered.WithLabelValues(kind).Inc()
}

// RecordQuestionExpired records an expiry.
func (c *Collector) RecordQuestionExpired() {
	if c == nil {
		return
	}
	c.questionsExpired.Inc()
}

// RecordDetection records a handled detection signal.
func (c *Collector) RecordDetection() {
	if c == nil {
		return
	}
	c.detectionsHandled.Inc()
}

// RecordDetectionSuppressed records a cool-down suppression.
func (c *Collector) RecordDetectionSuppressed() {
	if c == nil {
		return
	}
	c.detectionsSuppressed.Inc()
}

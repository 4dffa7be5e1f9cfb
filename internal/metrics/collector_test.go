package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCollectorRecords(t *testing.T) {
	// Namespace must be unique: instruments register globally.
	c := NewCollector("trinity_collector_test", nil)

	c.RecordPublish("q", "high")
	c.RecordPublish("q", "high")
	c.RecordDelivery("q")
	c.RecordAck("q")
	c.RecordNack("q")
	c.RecordDeadLetter("q")
	c.SetBudgetConsumed(12.5)
	c.RecordBudgetRejection()
	c.RecordQuestionAsked()
	c.RecordQuestionDelivered()
	c.RecordQuestionAnswered("yes")
	c.RecordQuestionExpired()
	c.RecordDetection()
	c.RecordDetectionSuppressed()

	assert.Equal(t, 2.0, testutil.ToFloat64(c.messagesPublished.WithLabelValues("q", "high")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.messagesDelivered.WithLabelValues("q")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.messagesAcked.WithLabelValues("q")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.messagesNacked.WithLabelValues("q")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.messagesDeadLettered.WithLabelValues("q")))
	assert.Equal(t, 12.5, testutil.ToFloat64(c.budgetConsumed))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.budgetRejections))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.questionsAsked))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.questionsDelivered))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.questionsAnswered.WithLabelValues("yes")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.questionsExpired))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.detectionsHandled))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.detectionsSuppressed))
}

// TestNilCollectorIsSafe covers the nil-receiver contract the components
// rely on when metrics are disabled.
func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector

	assert.NotPanics(t, func() {
		c.RecordPublish("q", "low")
		c.RecordDelivery("q")
		c.RecordAck("q")
		c.RecordNack("q")
		c.RecordDeadLetter("q")
		c.SetBudgetConsumed(1)
		c.RecordBudgetRejection()
		c.RecordQuestionAsked()
		c.RecordQuestionDelivered()
		c.RecordQuestionAnswered("no")
		c.RecordQuestionExpired()
		c.RecordDetection()
		c.RecordDetectionSuppressed()
	})
}

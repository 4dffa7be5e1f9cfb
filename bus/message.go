package bus

import (
	"errors"
	"fmt"
	"time"
)

// Priority orders delivery within a queue. Lower value wins.
type Priority int

const (
	PriorityHigh   Priority = 0
	PriorityNormal Priority = 1
	PriorityLow    Priority = 2
)

// String returns the wire name of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	return p >= PriorityHigh && p <= PriorityLow
}

// Well-known queues wired by the orchestrator.
const (
	QueueDetections    = "trinity.detections"
	QueueExecution     = "trinity.execution"
	QueueResponses     = "trinity.responses"
	QueueNotifications = "trinity.notifications"
)

// DeadLetterSuffix is appended to a queue name to form its dead-letter queue.
const DeadLetterSuffix = ".dead-letter"

// DeadLetterQueue returns the dead-letter queue name for queue.
func DeadLetterQueue(queue string) string {
	return queue + DeadLetterSuffix
}

// PayloadKind tags the closed set of message payload variants.
type PayloadKind string

const (
	PayloadDetection PayloadKind = "detection"
	PayloadExecution PayloadKind = "execution_task"
	PayloadQuestion  PayloadKind = "question_prompt"
	PayloadResponse  PayloadKind = "question_response"
	PayloadNotice    PayloadKind = "user_notice"
)

// DetectionSignal is emitted by the perception stage when a pattern worth
// acting on is observed.
type DetectionSignal struct {
	Topic         string  `json:"topic"`
	QuestionKind  string  `json:"question_kind"`
	Summary       string  `json:"summary"`
	EstimatedCost float64 `json:"estimated_cost"`
	Source        string  `json:"source,omitempty"`
}

// ExecutionTask instructs the execution stage to carry out an approved action.
type ExecutionTask struct {
	Topic         string  `json:"topic"`
	Summary       string  `json:"summary"`
	QuestionID    string  `json:"question_id"`
	EstimatedCost float64 `json:"estimated_cost"`
}

// QuestionPrompt asks the human a question through the external
// notification channel.
type QuestionPrompt struct {
	QuestionID   string `json:"question_id"`
	Text         string `json:"text"`
	Topic        string `json:"topic"`
	QuestionKind string `json:"question_kind"`
}

// QuestionResponse carries a human answer back to the orchestrator.
type QuestionResponse struct {
	QuestionID   string `json:"question_id"`
	Topic        string `json:"topic"`
	QuestionKind string `json:"question_kind"`
	Response     string `json:"response"`
}

// UserNotice is an informational message for the human, delivered through the
// external notification channel.
type UserNotice struct {
	Topic string `json:"topic,omitempty"`
	Text  string `json:"text"`
}

// Payload is the tagged union carried by every message. Exactly one variant
// must be set and it must match Kind; Publish rejects anything else at the
// boundary instead of propagating unknown shapes.
type Payload struct {
	Kind      PayloadKind       `json:"kind"`
	Detection *DetectionSignal  `json:"detection,omitempty"`
	Execution *ExecutionTask    `json:"execution,omitempty"`
	Question  *QuestionPrompt   `json:"question,omitempty"`
	Response  *QuestionResponse `json:"response,omitempty"`
	Notice    *UserNotice       `json:"notice,omitempty"`
}

// ErrInvalidPayload is returned by Publish for payloads that fail validation.
var ErrInvalidPayload = errors.New("invalid message payload")

// Validate checks that exactly one variant is set and matches Kind.
func (p Payload) Validate() error {
	set := 0
	if p.Detection != nil {
		set++
	}
	if p.Execution != nil {
		set++
	}
	if p.Question != nil {
		set++
	}
	if p.Response != nil {
		set++
	}
	if p.Notice != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("%w: %d variants set", ErrInvalidPayload, set)
	}

	switch p.Kind {
	case PayloadDetection:
		if p.Detection == nil {
			return fmt.Errorf("%w: kind %s without detection variant", ErrInvalidPayload, p.Kind)
		}
	case PayloadExecution:
		if p.Execution == nil {
			return fmt.Errorf("%w: kind %s without execution variant", ErrInvalidPayload, p.Kind)
		}
	case PayloadQuestion:
		if p.Question == nil {
			return fmt.Errorf("%w: kind %s without question variant", ErrInvalidPayload, p.Kind)
		}
	case PayloadResponse:
		if p.Response == nil {
			return fmt.Errorf("%w: kind %s without response variant", ErrInvalidPayload, p.Kind)
		}
	case PayloadNotice:
		if p.Notice == nil {
			return fmt.Errorf("%w: kind %s without notice variant", ErrInvalidPayload, p.Kind)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidPayload, p.Kind)
	}
	return nil
}

// Message is a durable unit of work on the bus.
//
// A message with a live, unexpired lease is owned by exactly one consumer.
// Only the bus mutates lease and attempt count; the owning consumer resolves
// it through Ack or Nack.
type Message struct {
	// ID is the unique identifier for the message.
	ID string `json:"id"`

	// Queue is the queue the message belongs to.
	Queue string `json:"queue"`

	// Payload is the validated tagged payload.
	Payload Payload `json:"payload"`

	// Priority orders delivery within the queue.
	Priority Priority `json:"priority"`

	// CorrelationID links request/response pairs (optional).
	CorrelationID string `json:"correlation_id,omitempty"`

	// CreatedAt is when the message was published.
	CreatedAt time.Time `json:"created_at"`

	// Seq breaks created-at ties for FIFO ordering within a priority.
	Seq int64 `json:"seq"`

	// LeaseExpiry is when the current consumer's claim lapses (nil if
	// unleased).
	LeaseExpiry *time.Time `json:"lease_expiry,omitempty"`

	// AttemptCount is the number of delivery attempts so far.
	AttemptCount int `json:"attempt_count"`
}

// Leased reports whether the message holds a live lease at now.
func (m *Message) Leased(now time.Time) bool {
	return m.LeaseExpiry != nil && now.Before(*m.LeaseExpiry)
}

package hitl

import (
	"errors"
	"time"
)

// QuestionKind classifies how much is at stake in a question.
type QuestionKind string

const (
	KindLowStakes QuestionKind = "low_stakes"
	KindHighValue QuestionKind = "high_value"
)

// Valid reports whether k is a known kind.
func (k QuestionKind) Valid() bool {
	return k == KindLowStakes || k == KindHighValue
}

// State is a question's position in its lifecycle.
//
// PENDING → SCHEDULED → DELIVERED → {ANSWERED_YES, ANSWERED_NO,
// ANSWERED_LATER, EXPIRED}
type State string

const (
	StatePending       State = "pending"
	StateScheduled     State = "scheduled"
	StateDelivered     State = "delivered"
	StateAnsweredYes   State = "answered_yes"
	StateAnsweredNo    State = "answered_no"
	StateAnsweredLater State = "answered_later"
	StateExpired       State = "expired"
)

// Terminal reports whether s is a terminal state.
func (s State) Terminal() bool {
	switch s {
	case StateAnsweredYes, StateAnsweredNo, StateAnsweredLater, StateExpired:
		return true
	}
	return false
}

// ResponseKind is a human answer to a delivered question.
type ResponseKind string

const (
	ResponseYes   ResponseKind = "yes"
	ResponseNo    ResponseKind = "no"
	ResponseLater ResponseKind = "later"
)

// Valid reports whether k is a known response kind.
func (k ResponseKind) Valid() bool {
	return k == ResponseYes || k == ResponseNo || k == ResponseLater
}

// terminalFor maps a response to the question's terminal state.
func terminalFor(k ResponseKind) State {
	switch k {
	case ResponseYes:
		return StateAnsweredYes
	case ResponseNo:
		return StateAnsweredNo
	default:
		return StateAnsweredLater
	}
}

// Question is one pending interruption of the human.
type Question struct {
	ID            string       `json:"id"`
	Text          string       `json:"text"`
	Kind          QuestionKind `json:"kind"`
	Topic         string       `json:"topic"`
	BatchID       string       `json:"batch_id,omitempty"`
	ScheduledTime time.Time    `json:"scheduled_time"`
	State         State        `json:"state"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
	DeliveredAt   *time.Time   `json:"delivered_at,omitempty"`
}

// Response is the immutable record of a human answer. At most one response
// is linked to a question; a LATER answer spawns a new question instead of
// mutating the original.
type Response struct {
	QuestionID string       `json:"question_id"`
	Kind       ResponseKind `json:"kind"`
	Timestamp  time.Time    `json:"timestamp"`
}

// Lifecycle errors.
var (
	// ErrAlreadyAnswered is returned when responding to a question that
	// already reached an answered terminal state.
	ErrAlreadyAnswered = errors.New("question already answered")

	// ErrQuestionExpired is returned when responding to an expired
	// question. Callers treat it as an implicit skip, not a failure.
	ErrQuestionExpired = errors.New("question expired")

	// ErrNotDeliverable is returned when responding to a question that
	// has not been delivered yet.
	ErrNotDeliverable = errors.New("question not yet delivered")
)

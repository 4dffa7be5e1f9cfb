package trinity

import (
	"context"

	"github.com/subtract0/trinity/bus"
	"github.com/subtract0/trinity/hitl"
)

// BusNotifier delivers questions as QuestionPrompt messages on the
// notifications queue, where an external channel (CLI prompt, push service)
// consumes them. It is the default notifier wired by trinityd.
type BusNotifier struct {
	bus *bus.Bus
}

// NewBusNotifier creates a notifier publishing on b.
func NewBusNotifier(b *bus.Bus) *BusNotifier {
	return &BusNotifier{bus: b}
}

// DeliverQuestion publishes the question prompt with the question id as
// correlation id, so the channel's eventual response pairs up with it.
func (n *BusNotifier) DeliverQuestion(ctx context.Context, q *hitl.Question) error {
	_, err := n.bus.Publish(ctx, bus.QueueNotifications, bus.Payload{
		Kind: bus.PayloadQuestion,
		Question: &bus.QuestionPrompt{
			QuestionID:   q.ID,
			Text:         q.Text,
			Topic:        q.Topic,
			QuestionKind: string(q.Kind),
		},
	}, bus.PriorityHigh, bus.WithCorrelationID(q.ID))
	return err
}

// Ensure BusNotifier implements hitl.Notifier.
var _ hitl.Notifier = (*BusNotifier)(nil)

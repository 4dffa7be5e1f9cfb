// Package bus provides the durable, priority-ordered message bus of the
// Trinity coordination core.
//
// Delivery is at-least-once: a leased-but-unacked message is redelivered
// after its lease expires, so consumers must be idempotent or dedupe via
// correlation id. Messages that exhaust their delivery attempts move to a
// dead-letter queue, never a silent drop.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/subtract0/trinity/internal/metrics"
	"github.com/subtract0/trinity/store"
)

// messagesCollection is the store collection holding all live messages.
const messagesCollection = "messages"

// Config tunes bus delivery behavior.
type Config struct {
	// MaxAttempts is how many deliveries a message gets before it is
	// moved to the dead-letter queue.
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`

	// LeaseDuration is how long a consumer owns a claimed message before
	// it becomes redeliverable.
	LeaseDuration time.Duration `json:"lease_duration" yaml:"lease_duration"`

	// PollInterval is how often an idle subscriber checks for work.
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval"`
}

// DefaultConfig returns the default bus configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:   5,
		LeaseDuration: 120 * time.Second,
		PollInterval:  200 * time.Millisecond,
	}
}

// PublishOption customizes a single publish.
type PublishOption func(*Message)

// WithCorrelationID links the message to a request/response pair.
func WithCorrelationID(id string) PublishOption {
	return func(m *Message) { m.CorrelationID = id }
}

// Bus is the durable priority message bus. All state lives in the backing
// store; any number of Bus instances over the same store cooperate safely
// because leases are acquired through atomic store updates.
type Bus struct {
	store   store.Store
	config  Config
	logger  *zap.Logger
	metrics *metrics.Collector
	seq     atomic.Int64
	now     func() time.Time
}

// New creates a bus over the given store.
func New(st store.Store, cfg Config, logger *zap.Logger, collector *metrics.Collector) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = 120 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}

	b := &Bus{
		store:   st,
		config:  cfg,
		logger:  logger.With(zap.String("component", "bus")),
		metrics: collector,
		now:     time.Now,
	}
	b.seq.Store(time.Now().UnixNano())
	return b
}

// Publish validates the payload and stores a new message on the queue.
func (b *Bus) Publish(ctx context.Context, queue string, payload Payload, priority Priority, opts ...PublishOption) (string, error) {
	if queue == "" {
		return "", store.ErrInvalidInput
	}
	if !priority.Valid() {
		return "", errors.New("invalid priority")
	}
	if err := payload.Validate(); err != nil {
		return "", err
	}

	msg := &Message{
		ID:        uuid.New().String(),
		Queue:     queue,
		Payload:   payload,
		Priority:  priority,
		CreatedAt: b.now(),
		Seq:       b.seq.Add(1),
	}
	for _, opt := range opts {
		opt(msg)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}
	if err := b.store.Put(ctx, messagesCollection, msg.ID, data); err != nil {
		return "", err
	}

	b.metrics.RecordPublish(queue, priority.String())
	b.logger.Debug("message published",
		zap.String("id", msg.ID),
		zap.String("queue", queue),
		zap.String("priority", priority.String()),
		zap.String("kind", string(payload.Kind)),
	)
	return msg.ID, nil
}

// Subscribe returns a channel of leased messages for the queue. The channel
// is closed when ctx is cancelled; any message leased but not acked at that
// point simply expires and is redelivered to another consumer.
func (b *Bus) Subscribe(ctx context.Context, queue string) <-chan *Message {
	out := make(chan *Message)

	go func() {
		defer close(out)
		ticker := time.NewTicker(b.config.PollInterval)
		defer ticker.Stop()

		for {
			msg, err := b.claimNext(ctx, queue)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				b.logger.Warn("claim failed", zap.String("queue", queue), zap.Error(err))
			}
			if msg != nil {
				select {
				case out <- msg:
					continue
				case <-ctx.Done():
					return
				}
			}

			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}

// Ack acknowledges the message, removing it from the store for good.
func (b *Bus) Ack(ctx context.Context, msgID string) error {
	msg, err := b.load(ctx, msgID)
	if err != nil {
		return err
	}
	if err := b.store.Delete(ctx, messagesCollection, msgID); err != nil {
		return err
	}
	b.metrics.RecordAck(msg.Queue)
	b.logger.Debug("message acked", zap.String("id", msgID), zap.String("queue", msg.Queue))
	return nil
}

// Nack releases the message's lease so it is redelivered immediately.
func (b *Bus) Nack(ctx context.Context, msgID string) error {
	var queue string
	err := b.store.Update(ctx, messagesCollection, msgID, func(current []byte) ([]byte, error) {
		if current == nil {
			return nil, store.ErrNotFound
		}
		var m Message
		if err := json.Unmarshal(current, &m); err != nil {
			return nil, err
		}
		m.LeaseExpiry = nil
		queue = m.Queue
		return json.Marshal(&m)
	})
	if err != nil {
		return err
	}
	b.metrics.RecordNack(queue)
	b.logger.Debug("message nacked", zap.String("id", msgID), zap.String("queue", queue))
	return nil
}

// Depth returns the number of live messages on the queue.
func (b *Bus) Depth(ctx context.Context, queue string) (int, error) {
	records, err := b.queueRecords(ctx, queue)
	if err != nil {
		return 0, err
	}
	return len(records), nil
}

// load fetches and decodes a message by id.
func (b *Bus) load(ctx context.Context, msgID string) (*Message, error) {
	data, err := b.store.Get(ctx, messagesCollection, msgID)
	if err != nil {
		return nil, err
	}
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// queueRecords returns decoded messages currently on the queue.
func (b *Bus) queueRecords(ctx context.Context, queue string) ([]*Message, error) {
	records, err := b.store.Query(ctx, messagesCollection, func(id string, data []byte) bool {
		var probe struct {
			Queue string `json:"queue"`
		}
		return json.Unmarshal(data, &probe) == nil && probe.Queue == queue
	})
	if err != nil {
		return nil, err
	}

	msgs := make([]*Message, 0, len(records))
	for _, rec := range records {
		var m Message
		if err := json.Unmarshal(rec.Data, &m); err != nil {
			b.logger.Warn("skipping undecodable message", zap.String("id", rec.ID), zap.Error(err))
			continue
		}
		msgs = append(msgs, &m)
	}
	return msgs, nil
}

// claimNext picks the highest-priority eligible message on the queue and
// acquires its lease through an atomic store update. Returns nil when the
// queue has no eligible messages.
func (b *Bus) claimNext(ctx context.Context, queue string) (*Message, error) {
	msgs, err := b.queueRecords(ctx, queue)
	if err != nil {
		return nil, err
	}

	now := b.now()
	eligible := msgs[:0]
	for _, m := range msgs {
		if !m.Leased(now) {
			eligible = append(eligible, m)
		}
	}

	// HIGH before NORMAL before LOW; FIFO within a priority.
	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].Priority != eligible[j].Priority {
			return eligible[i].Priority < eligible[j].Priority
		}
		if !eligible[i].CreatedAt.Equal(eligible[j].CreatedAt) {
			return eligible[i].CreatedAt.Before(eligible[j].CreatedAt)
		}
		return eligible[i].Seq < eligible[j].Seq
	})

	for _, candidate := range eligible {
		claimed, deadLettered, err := b.tryClaim(ctx, queue, candidate.ID)
		if err != nil {
			return nil, err
		}
		if deadLettered {
			continue
		}
		if claimed != nil {
			b.metrics.RecordDelivery(queue)
			return claimed, nil
		}
		// Lost the race to another consumer; try the next candidate.
	}
	return nil, nil
}

// tryClaim attempts the atomic lease acquisition for one message. A message
// that already burned through its attempts is moved to the dead-letter queue
// inside the same update.
func (b *Bus) tryClaim(ctx context.Context, queue, msgID string) (*Message, bool, error) {
	var claimed *Message
	var deadLettered bool

	err := b.store.Update(ctx, messagesCollection, msgID, func(current []byte) ([]byte, error) {
		claimed, deadLettered = nil, false
		if current == nil {
			return nil, store.ErrAbort
		}

		var m Message
		if err := json.Unmarshal(current, &m); err != nil {
			return nil, err
		}

		now := b.now()
		if m.Queue != queue || m.Leased(now) {
			return nil, store.ErrAbort
		}

		if m.AttemptCount >= b.config.MaxAttempts {
			m.Queue = DeadLetterQueue(queue)
			m.LeaseExpiry = nil
			deadLettered = true
			return json.Marshal(&m)
		}

		m.AttemptCount++
		expiry := now.Add(b.config.LeaseDuration)
		m.LeaseExpiry = &expiry
		claimed = &m
		return json.Marshal(&m)
	})

	if errors.Is(err, store.ErrAbort) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	if deadLettered {
		b.metrics.RecordDeadLetter(queue)
		b.logger.Warn("message moved to dead-letter queue",
			zap.String("id", msgID),
			zap.String("queue", queue),
			zap.Int("attempts", b.config.MaxAttempts),
		)
		return nil, true, nil
	}
	return claimed, false, nil
}

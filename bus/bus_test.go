package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/subtract0/trinity/store"
)

func newTestBus(t *testing.T, cfg Config) *Bus {
	t.Helper()
	st := store.NewMemoryStore()
	t.Cleanup(func() { st.Close() })
	return New(st, cfg, zap.NewNop(), nil)
}

func noticePayload(text string) Payload {
	return Payload{Kind: PayloadNotice, Notice: &UserNotice{Text: text}}
}

func TestPublishValidation(t *testing.T) {
	b := newTestBus(t, DefaultConfig())
	ctx := context.Background()

	if _, err := b.Publish(ctx, "", noticePayload("x"), PriorityNormal); err == nil {
		t.Error("expected error for empty queue")
	}
	if _, err := b.Publish(ctx, "q", noticePayload("x"), Priority(42)); err == nil {
		t.Error("expected error for invalid priority")
	}
	if _, err := b.Publish(ctx, "q", Payload{Kind: PayloadNotice}, PriorityNormal); !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("expected ErrInvalidPayload for empty notice, got %v", err)
	}
	if _, err := b.Publish(ctx, "q", Payload{
		Kind:   PayloadNotice,
		Notice: &UserNotice{Text: "x"},
		Detection: &DetectionSignal{
			Topic: "t", QuestionKind: "low_stakes", Summary: "s",
		},
	}, PriorityNormal); !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("expected ErrInvalidPayload for two variants, got %v", err)
	}
}

// TestPriorityOrdering publishes a LOW, HIGH, NORMAL, HIGH sequence and
// expects delivery as HIGH, HIGH, NORMAL, LOW, with FIFO order inside the
// HIGH band.
func TestPriorityOrdering(t *testing.T) {
	b := newTestBus(t, DefaultConfig())
	ctx := context.Background()

	publishes := []struct {
		text     string
		priority Priority
	}{
		{"low-1", PriorityLow},
		{"high-1", PriorityHigh},
		{"normal-1", PriorityNormal},
		{"high-2", PriorityHigh},
	}
	for _, p := range publishes {
		if _, err := b.Publish(ctx, "q", noticePayload(p.text), p.priority); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	want := []string{"high-1", "high-2", "normal-1", "low-1"}
	for i, expected := range want {
		msg, err := b.claimNext(ctx, "q")
		if err != nil {
			t.Fatalf("claimNext failed: %v", err)
		}
		if msg == nil {
			t.Fatalf("no message at position %d", i)
		}
		if msg.Payload.Notice.Text != expected {
			t.Errorf("position %d: got %q, want %q", i, msg.Payload.Notice.Text, expected)
		}
		if err := b.Ack(ctx, msg.ID); err != nil {
			t.Fatalf("Ack failed: %v", err)
		}
	}

	msg, err := b.claimNext(ctx, "q")
	if err != nil {
		t.Fatalf("claimNext failed: %v", err)
	}
	if msg != nil {
		t.Errorf("expected drained queue, got %q", msg.Payload.Notice.Text)
	}
}

func TestAckRemovesMessage(t *testing.T) {
	b := newTestBus(t, DefaultConfig())
	ctx := context.Background()

	if _, err := b.Publish(ctx, "q", noticePayload("once"), PriorityNormal); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	msg, err := b.claimNext(ctx, "q")
	if err != nil || msg == nil {
		t.Fatalf("claimNext failed: msg=%v err=%v", msg, err)
	}
	if err := b.Ack(ctx, msg.ID); err != nil {
		t.Fatalf("Ack failed: %v", err)
	}
	if err := b.Ack(ctx, msg.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound on double ack, got %v", err)
	}

	depth, err := b.Depth(ctx, "q")
	if err != nil {
		t.Fatalf("Depth failed: %v", err)
	}
	if depth != 0 {
		t.Errorf("expected empty queue after ack, depth=%d", depth)
	}
}

// TestLeaseExpiryRedelivers simulates a consumer that claims a message and
// crashes before acking: once the lease runs out the message is claimable
// again, with the attempt counter advanced.
func TestLeaseExpiryRedelivers(t *testing.T) {
	b := newTestBus(t, DefaultConfig())
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return base }

	if _, err := b.Publish(ctx, "q", noticePayload("sticky"), PriorityNormal); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	first, err := b.claimNext(ctx, "q")
	if err != nil || first == nil {
		t.Fatalf("first claim failed: msg=%v err=%v", first, err)
	}
	if first.AttemptCount != 1 {
		t.Errorf("expected attempt 1, got %d", first.AttemptCount)
	}

	// Lease still live: nothing to claim.
	if msg, _ := b.claimNext(ctx, "q"); msg != nil {
		t.Fatal("claimed a message while its lease was held")
	}

	// Consumer crashes; the lease expires.
	b.now = func() time.Time { return base.Add(b.config.LeaseDuration + time.Second) }

	second, err := b.claimNext(ctx, "q")
	if err != nil || second == nil {
		t.Fatalf("redelivery claim failed: msg=%v err=%v", second, err)
	}
	if second.ID != first.ID {
		t.Errorf("redelivered a different message: %s vs %s", second.ID, first.ID)
	}
	if second.AttemptCount != 2 {
		t.Errorf("expected attempt 2 on redelivery, got %d", second.AttemptCount)
	}
}

func TestNackMakesImmediatelyRedeliverable(t *testing.T) {
	b := newTestBus(t, DefaultConfig())
	ctx := context.Background()

	if _, err := b.Publish(ctx, "q", noticePayload("retry-me"), PriorityNormal); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	msg, err := b.claimNext(ctx, "q")
	if err != nil || msg == nil {
		t.Fatalf("claim failed: msg=%v err=%v", msg, err)
	}
	if err := b.Nack(ctx, msg.ID); err != nil {
		t.Fatalf("Nack failed: %v", err)
	}

	again, err := b.claimNext(ctx, "q")
	if err != nil || again == nil {
		t.Fatalf("claim after nack failed: msg=%v err=%v", again, err)
	}
	if again.ID != msg.ID {
		t.Errorf("expected the nacked message back, got %s", again.ID)
	}
}

// TestDeadLetterAfterMaxAttempts drives a message through its full attempt
// budget without ever acking and verifies it lands on the dead-letter queue
// instead of being dropped or retried forever.
func TestDeadLetterAfterMaxAttempts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxAttempts = 3
	b := newTestBus(t, cfg)
	ctx := context.Background()

	if _, err := b.Publish(ctx, "q", noticePayload("poison"), PriorityNormal); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		msg, err := b.claimNext(ctx, "q")
		if err != nil || msg == nil {
			t.Fatalf("attempt %d claim failed: msg=%v err=%v", attempt, msg, err)
		}
		if err := b.Nack(ctx, msg.ID); err != nil {
			t.Fatalf("Nack failed: %v", err)
		}
	}

	// The next claim discovers the exhausted message and dead-letters it.
	msg, err := b.claimNext(ctx, "q")
	if err != nil {
		t.Fatalf("claimNext failed: %v", err)
	}
	if msg != nil {
		t.Fatalf("exhausted message was delivered again: %s", msg.ID)
	}

	depth, err := b.Depth(ctx, "q")
	if err != nil {
		t.Fatalf("Depth failed: %v", err)
	}
	if depth != 0 {
		t.Errorf("live queue should be empty, depth=%d", depth)
	}

	dead, err := b.queueRecords(ctx, DeadLetterQueue("q"))
	if err != nil {
		t.Fatalf("queueRecords failed: %v", err)
	}
	if len(dead) != 1 {
		t.Fatalf("expected 1 dead-lettered message, got %d", len(dead))
	}
	if dead[0].Payload.Notice.Text != "poison" {
		t.Errorf("wrong message dead-lettered: %q", dead[0].Payload.Notice.Text)
	}
}

func TestQueueIsolation(t *testing.T) {
	b := newTestBus(t, DefaultConfig())
	ctx := context.Background()

	if _, err := b.Publish(ctx, "q-a", noticePayload("for-a"), PriorityNormal); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if _, err := b.Publish(ctx, "q-b", noticePayload("for-b"), PriorityHigh); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	msg, err := b.claimNext(ctx, "q-a")
	if err != nil || msg == nil {
		t.Fatalf("claim failed: msg=%v err=%v", msg, err)
	}
	if msg.Payload.Notice.Text != "for-a" {
		t.Errorf("claimed message from the wrong queue: %q", msg.Payload.Notice.Text)
	}
}

func TestSubscribeDeliversAndStopsOnCancel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PollInterval = 5 * time.Millisecond
	b := newTestBus(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := b.Publish(ctx, "q", noticePayload("hello"), PriorityNormal); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	ch := b.Subscribe(ctx, "q")

	select {
	case msg := <-ch:
		if msg == nil || msg.Payload.Notice.Text != "hello" {
			t.Fatalf("unexpected message: %+v", msg)
		}
		if err := b.Ack(ctx, msg.ID); err != nil {
			t.Fatalf("Ack failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for subscription delivery")
	}

	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Error("expected channel closed after cancel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestPriorityString(t *testing.T) {
	cases := map[Priority]string{
		PriorityHigh:   "high",
		PriorityNormal: "normal",
		PriorityLow:    "low",
	}
	for p, want := range cases {
		if got := p.String(); got != want {
			t.Errorf("Priority(%d).String() = %q, want %q", p, got, want)
		}
	}
	if Priority(9).Valid() {
		t.Error("Priority(9) must not be valid")
	}
}

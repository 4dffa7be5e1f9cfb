package bus

import (
	"context"
	"fmt"
	"testing"

	"go.uber.org/zap"
	"pgregory.net/rapid"

	"github.com/subtract0/trinity/store"
)

// TestDrainOrderProperty checks that for any publish sequence, draining the
// queue yields messages grouped strictly by descending priority and FIFO
// within each priority band.
func TestDrainOrderProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		st := store.NewMemoryStore()
		defer st.Close()
		b := New(st, DefaultConfig(), zap.NewNop(), nil)
		ctx := context.Background()

		n := rapid.IntRange(0, 20).Draw(t, "n")
		published := make(map[string]Priority, n)
		order := make(map[string]int, n)
		for i := 0; i < n; i++ {
			prio := Priority(rapid.IntRange(0, 2).Draw(t, fmt.Sprintf("prio%d", i)))
			id, err := b.Publish(ctx, "q", noticePayload(fmt.Sprintf("m%d", i)), prio)
			if err != nil {
				t.Fatalf("Publish failed: %v", err)
			}
			published[id] = prio
			order[id] = i
		}

		var drained []*Message
		for {
			msg, err := b.claimNext(ctx, "q")
			if err != nil {
				t.Fatalf("claimNext failed: %v", err)
			}
			if msg == nil {
				break
			}
			drained = append(drained, msg)
			if err := b.Ack(ctx, msg.ID); err != nil {
				t.Fatalf("Ack failed: %v", err)
			}
		}

		if len(drained) != n {
			t.Fatalf("drained %d messages, published %d", len(drained), n)
		}
		for i := 1; i < len(drained); i++ {
			prev, cur := drained[i-1], drained[i]
			if prev.Priority > cur.Priority {
				t.Fatalf("priority inversion at %d: %v after %v", i, cur.Priority, prev.Priority)
			}
			if prev.Priority == cur.Priority && order[prev.ID] > order[cur.ID] {
				t.Fatalf("FIFO violation at %d within priority %v", i, cur.Priority)
			}
		}
		for _, msg := range drained {
			if published[msg.ID] != msg.Priority {
				t.Fatalf("message %s delivered with priority %v, published %v", msg.ID, msg.Priority, published[msg.ID])
			}
		}
	})
}

package trinity

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/subtract0/trinity/bus"
	"github.com/subtract0/trinity/hitl"
	"github.com/subtract0/trinity/store"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Bus.PollInterval = 5 * time.Millisecond
	cfg.Budget.Timezone = "UTC"
	cfg.HITL.Timezone = "UTC"
	cfg.HITL.PollInterval = 5 * time.Millisecond
	return cfg
}

func newTestTrinity(t *testing.T, cfg Config) *Trinity {
	t.Helper()
	st := store.NewMemoryStore()
	t.Cleanup(func() { st.Close() })

	tr, err := New(st, cfg)
	require.NoError(t, err)
	return tr
}

func testSignal(topic string, cost float64) bus.DetectionSignal {
	return bus.DetectionSignal{
		Topic:         topic,
		QuestionKind:  string(hitl.KindLowStakes),
		Summary:       "Tidy up the " + topic + " package?",
		EstimatedCost: cost,
		Source:        "watcher",
	}
}

// drainOne claims and acks a single message from the queue.
func drainOne(t *testing.T, b *bus.Bus, queue string) *bus.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	msg, ok := <-b.Subscribe(ctx, queue)
	require.True(t, ok, "timed out draining %s", queue)
	require.NoError(t, b.Ack(context.Background(), msg.ID))
	return msg
}

// forceState flips a question's state directly in the store, standing in
// for a full deliver-and-answer round trip.
func forceState(t *testing.T, tr *Trinity, questionID string, state hitl.State) {
	t.Helper()
	err := tr.store.Update(context.Background(), "questions", questionID, func(current []byte) ([]byte, error) {
		require.NotNil(t, current)
		var doc map[string]any
		require.NoError(t, json.Unmarshal(current, &doc))
		doc["state"] = string(state)
		return json.Marshal(doc)
	})
	require.NoError(t, err)
}

func forceAnsweredLater(t *testing.T, tr *Trinity, questionID string) {
	t.Helper()
	forceState(t, tr, questionID, hitl.StateAnsweredLater)
}

func TestNewAppliesDefaults(t *testing.T) {
	tr := newTestTrinity(t, Config{})
	assert.Equal(t, 7*24*time.Hour, tr.config.RejectCooldown)
	assert.Equal(t, "trinity", tr.config.Agent)
	assert.NotNil(t, tr.Bus())
	assert.NotNil(t, tr.Budget())
	assert.NotNil(t, tr.Learner())
	assert.NotNil(t, tr.HITL())
}

func TestHandleDetectionOpensQuestion(t *testing.T) {
	tr := newTestTrinity(t, testConfig())
	ctx := context.Background()

	require.NoError(t, tr.HandleDetection(ctx, testSignal("refactor", 2.50)))

	q, err := tr.HITL().OpenQuestion(ctx, "refactor", hitl.KindLowStakes)
	require.NoError(t, err)
	require.NotNil(t, q, "a detection should open a question")

	action, err := tr.getAction(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, "refactor", action.Signal.Topic)
	assert.InDelta(t, 2.50, action.Signal.EstimatedCost, 1e-9)
}

func TestHandleDetectionValidation(t *testing.T) {
	tr := newTestTrinity(t, testConfig())
	ctx := context.Background()

	err := tr.HandleDetection(ctx, bus.DetectionSignal{Summary: "no topic"})
	assert.ErrorIs(t, err, store.ErrInvalidInput)

	// An unknown question kind degrades to low stakes instead of failing.
	sig := testSignal("deploy", 1)
	sig.QuestionKind = "mysterious"
	require.NoError(t, tr.HandleDetection(ctx, sig))
	q, err := tr.HITL().OpenQuestion(ctx, "deploy", hitl.KindLowStakes)
	require.NoError(t, err)
	assert.NotNil(t, q)
}

func TestDuplicateDetectionsCoalesce(t *testing.T) {
	tr := newTestTrinity(t, testConfig())
	ctx := context.Background()

	require.NoError(t, tr.HandleDetection(ctx, testSignal("refactor", 2)))
	require.NoError(t, tr.HandleDetection(ctx, testSignal("refactor", 3)))

	records, err := tr.store.Query(ctx, actionsCollection, nil)
	require.NoError(t, err)
	assert.Len(t, records, 1, "repeat detections share the open question and its action")

	var action pendingAction
	require.NoError(t, json.Unmarshal(records[0].Data, &action))
	assert.InDelta(t, 3.0, action.Signal.EstimatedCost, 1e-9, "latest estimate wins")
}

func TestApprovalPublishesExecution(t *testing.T) {
	tr := newTestTrinity(t, testConfig())
	ctx := context.Background()

	require.NoError(t, tr.HandleDetection(ctx, testSignal("refactor", 2.50)))
	q, err := tr.HITL().OpenQuestion(ctx, "refactor", hitl.KindLowStakes)
	require.NoError(t, err)

	resp := &bus.QuestionResponse{
		QuestionID:   q.ID,
		Topic:        "refactor",
		QuestionKind: string(hitl.KindLowStakes),
		Response:     string(hitl.ResponseYes),
	}
	require.NoError(t, tr.handleResponse(ctx, resp))

	msg := drainOne(t, tr.Bus(), bus.QueueExecution)
	require.Equal(t, bus.PayloadExecution, msg.Payload.Kind)
	assert.Equal(t, "refactor", msg.Payload.Execution.Topic)
	assert.Equal(t, q.ID, msg.Payload.Execution.QuestionID)

	state, err := tr.Budget().Status(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 2.50, state.Consumed, 1e-9)

	_, err = tr.getAction(ctx, q.ID)
	assert.ErrorIs(t, err, store.ErrNotFound, "executed actions are retired")

	// A redelivered approval finds no action and is a clean no-op.
	require.NoError(t, tr.handleResponse(ctx, resp))
	depth, err := tr.Bus().Depth(ctx, bus.QueueExecution)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

// TestApprovalDeferredOnBudget approves an action the daily ceiling cannot
// fund and verifies it is queued for tomorrow with a user notice instead of
// being executed or dropped.
func TestApprovalDeferredOnBudget(t *testing.T) {
	cfg := testConfig()
	cfg.Budget.DailyLimit = 30
	tr := newTestTrinity(t, cfg)
	ctx := context.Background()

	// Most of today's budget is already gone.
	require.NoError(t, tr.Budget().RecordUsage(ctx, "earlier-work", "trinity", 25))

	require.NoError(t, tr.HandleDetection(ctx, testSignal("migration", 10)))
	q, err := tr.HITL().OpenQuestion(ctx, "migration", hitl.KindLowStakes)
	require.NoError(t, err)

	resp := &bus.QuestionResponse{
		QuestionID:   q.ID,
		Topic:        "migration",
		QuestionKind: string(hitl.KindLowStakes),
		Response:     string(hitl.ResponseYes),
	}
	require.NoError(t, tr.handleResponse(ctx, resp))

	// No execution, no spend.
	depth, err := tr.Bus().Depth(ctx, bus.QueueExecution)
	require.NoError(t, err)
	assert.Zero(t, depth)
	state, err := tr.Budget().Status(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 25, state.Consumed, 1e-9)

	// The human is told, and the action waits for tomorrow.
	notice := drainOne(t, tr.Bus(), bus.QueueNotifications)
	require.Equal(t, bus.PayloadNotice, notice.Payload.Kind)
	assert.Contains(t, notice.Payload.Notice.Text, "deferred")

	action, err := tr.getAction(ctx, q.ID)
	require.NoError(t, err)
	require.NotNil(t, action.RetryAt)
	assert.True(t, action.RetryAt.After(tr.now()))
}

func TestRetryDeferredDispatchesNextDay(t *testing.T) {
	cfg := testConfig()
	cfg.Budget.DailyLimit = 30
	tr := newTestTrinity(t, cfg)
	ctx := context.Background()

	require.NoError(t, tr.Budget().RecordUsage(ctx, "earlier-work", "trinity", 25))
	require.NoError(t, tr.HandleDetection(ctx, testSignal("migration", 10)))
	q, err := tr.HITL().OpenQuestion(ctx, "migration", hitl.KindLowStakes)
	require.NoError(t, err)

	require.NoError(t, tr.handleResponse(ctx, &bus.QuestionResponse{
		QuestionID:   q.ID,
		Topic:        "migration",
		QuestionKind: string(hitl.KindLowStakes),
		Response:     string(hitl.ResponseYes),
	}))
	drainOne(t, tr.Bus(), bus.QueueNotifications)

	// Due but still the same budget day: the action stays deferred.
	tr.now = func() time.Time { return time.Now().AddDate(0, 0, 1) }
	require.NoError(t, tr.RetryDeferred(ctx))
	depth, err := tr.Bus().Depth(ctx, bus.QueueExecution)
	require.NoError(t, err)
	assert.Zero(t, depth)
	drainOne(t, tr.Bus(), bus.QueueNotifications)

	// Roll the budget day over and retry once the new deferral is due.
	day := time.Now().UTC().Format("2006-01-02")
	require.NoError(t, tr.store.Delete(ctx, "budget_state", day))
	tr.now = func() time.Time { return time.Now().AddDate(0, 0, 3) }
	require.NoError(t, tr.RetryDeferred(ctx))

	msg := drainOne(t, tr.Bus(), bus.QueueExecution)
	assert.Equal(t, "migration", msg.Payload.Execution.Topic)
	_, err = tr.getAction(ctx, q.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// TestRejectionCoolsTopicDown verifies a NO answer suppresses the topic for
// the cool-down window and that suppression lifts afterwards.
func TestRejectionCoolsTopicDown(t *testing.T) {
	tr := newTestTrinity(t, testConfig())
	ctx := context.Background()

	require.NoError(t, tr.HandleDetection(ctx, testSignal("refactor", 2)))
	q, err := tr.HITL().OpenQuestion(ctx, "refactor", hitl.KindLowStakes)
	require.NoError(t, err)

	require.NoError(t, tr.handleResponse(ctx, &bus.QuestionResponse{
		QuestionID:   q.ID,
		Topic:        "refactor",
		QuestionKind: string(hitl.KindLowStakes),
		Response:     string(hitl.ResponseNo),
	}))

	_, err = tr.getAction(ctx, q.ID)
	assert.ErrorIs(t, err, store.ErrNotFound, "rejected actions are dropped")

	// Mark the rejected question terminal so coalescing cannot mask the
	// cool-down; the protocol does this itself on a real answer.
	forceAnsweredLater(t, tr, q.ID)

	require.NoError(t, tr.HandleDetection(ctx, testSignal("refactor", 2)))
	open, err := tr.HITL().OpenQuestion(ctx, "refactor", hitl.KindLowStakes)
	require.NoError(t, err)
	assert.Nil(t, open, "detections during cool-down must not open questions")

	// Seven days later the topic is askable again.
	tr.now = func() time.Time { return time.Now().Add(7*24*time.Hour + time.Minute) }
	require.NoError(t, tr.HandleDetection(ctx, testSignal("refactor", 2)))
	open, err = tr.HITL().OpenQuestion(ctx, "refactor", hitl.KindLowStakes)
	require.NoError(t, err)
	assert.NotNil(t, open)
}

// TestDeferralFollowsTheNewQuestion re-keys a pending action onto the
// follow-up question created for a LATER answer.
func TestDeferralFollowsTheNewQuestion(t *testing.T) {
	tr := newTestTrinity(t, testConfig())
	ctx := context.Background()

	require.NoError(t, tr.HandleDetection(ctx, testSignal("refactor", 2)))
	q, err := tr.HITL().OpenQuestion(ctx, "refactor", hitl.KindLowStakes)
	require.NoError(t, err)

	// The original question reached its LATER terminal and the protocol
	// opened a follow-up.
	forceAnsweredLater(t, tr, q.ID)
	followID, err := tr.HITL().Ask(ctx, q.Text, q.Kind, q.Topic)
	require.NoError(t, err)
	require.NotEqual(t, q.ID, followID)

	require.NoError(t, tr.handleResponse(ctx, &bus.QuestionResponse{
		QuestionID:   q.ID,
		Topic:        "refactor",
		QuestionKind: string(hitl.KindLowStakes),
		Response:     string(hitl.ResponseLater),
	}))

	_, err = tr.getAction(ctx, q.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	action, err := tr.getAction(ctx, followID)
	require.NoError(t, err)
	assert.Equal(t, followID, action.QuestionID)
	assert.Equal(t, "refactor", action.Signal.Topic)
}

// TestRunConsumesDetections exercises the full loop: a detection published
// on the bus becomes an open question, then cancellation shuts Run down
// cleanly.
func TestRunConsumesDetections(t *testing.T) {
	tr := newTestTrinity(t, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- tr.Run(ctx) }()

	_, err := tr.Bus().Publish(ctx, bus.QueueDetections, bus.Payload{
		Kind:      bus.PayloadDetection,
		Detection: &bus.DetectionSignal{Topic: "refactor", QuestionKind: "low_stakes", Summary: "Tidy up?"},
	}, bus.PriorityNormal)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		q, err := tr.HITL().OpenQuestion(context.Background(), "refactor", hitl.KindLowStakes)
		return err == nil && q != nil
	}, 2*time.Second, 10*time.Millisecond, "detection never became a question")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancellation")
	}
}

func TestExpiredQuestionDropsPendingAction(t *testing.T) {
	tr := newTestTrinity(t, testConfig())
	ctx := context.Background()

	require.NoError(t, tr.HandleDetection(ctx, testSignal("refactor", 2)))
	require.NoError(t, tr.HandleDetection(ctx, testSignal("deploy", 1)))

	expired, err := tr.HITL().OpenQuestion(ctx, "refactor", hitl.KindLowStakes)
	require.NoError(t, err)
	require.NotNil(t, expired)
	forceState(t, tr, expired.ID, hitl.StateExpired)

	require.NoError(t, tr.SweepOrphanedActions(ctx))

	_, err = tr.getAction(ctx, expired.ID)
	assert.ErrorIs(t, err, store.ErrNotFound, "an expired question's action must not linger")

	live, err := tr.HITL().OpenQuestion(ctx, "deploy", hitl.KindLowStakes)
	require.NoError(t, err)
	require.NotNil(t, live)
	_, err = tr.getAction(ctx, live.ID)
	require.NoError(t, err, "actions for open questions survive the sweep")
}

func TestDeferralRetryTracksBudgetDay(t *testing.T) {
	cfg := testConfig()
	cfg.Budget.Timezone = "America/New_York"
	tr := newTestTrinity(t, cfg)

	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	// 01:30 UTC is still the previous evening in New York; the ceiling
	// resets at New York midnight, not UTC midnight.
	tr.now = func() time.Time { return time.Date(2026, 6, 2, 1, 30, 0, 0, time.UTC) }

	got := tr.startOfTomorrow()
	want := time.Date(2026, 6, 2, 0, 0, 0, 0, loc)
	assert.True(t, got.Equal(want), "retry boundary %s, want %s", got, want)
}

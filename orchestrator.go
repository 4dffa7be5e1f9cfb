package trinity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/subtract0/trinity/budget"
	"github.com/subtract0/trinity/bus"
	"github.com/subtract0/trinity/hitl"
	"github.com/subtract0/trinity/internal/retry"
	"github.com/subtract0/trinity/store"
)

const (
	cooldownsCollection = "cooldowns"
	actionsCollection   = "actions"
)

// cooldown suppresses re-asking a rejected topic until a deadline.
type cooldown struct {
	Topic string    `json:"topic"`
	Until time.Time `json:"until"`
}

// pendingAction links an open question to the action it would approve.
type pendingAction struct {
	QuestionID string              `json:"question_id"`
	Signal     bus.DetectionSignal `json:"signal"`
	RetryAt    *time.Time          `json:"retry_at,omitempty"`
	CreatedAt  time.Time           `json:"created_at"`
}

// Run drives the sense → ask → act loop until ctx is cancelled: the HITL
// scheduler, the detection and response consumers, and the deferred-action
// retry loop all run in one group.
func (t *Trinity) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return t.hitl.RunScheduler(ctx) })
	g.Go(func() error { return t.consumeDetections(ctx) })
	g.Go(func() error { return t.consumeResponses(ctx) })
	g.Go(func() error { return t.retryDeferredLoop(ctx) })

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// HandleDetection turns a detection signal into a question for the human,
// unless the topic is still cooling down from a recent rejection.
func (t *Trinity) HandleDetection(ctx context.Context, sig bus.DetectionSignal) error {
	if sig.Topic == "" {
		return fmt.Errorf("%w: detection without topic", store.ErrInvalidInput)
	}
	kind := hitl.QuestionKind(sig.QuestionKind)
	if !kind.Valid() {
		kind = hitl.KindLowStakes
	}

	cooling, err := t.inCooldown(ctx, sig.Topic)
	if err != nil {
		return err
	}
	if cooling {
		t.metrics.RecordDetectionSuppressed()
		t.logger.Info("detection suppressed by cool-down", zap.String("topic", sig.Topic))
		return nil
	}

	questionID, err := t.hitl.Ask(ctx, sig.Summary, kind, sig.Topic)
	if err != nil {
		return err
	}

	// Coalesced or fresh, the open question carries the latest estimate.
	action := pendingAction{
		QuestionID: questionID,
		Signal:     sig,
		CreatedAt:  t.now(),
	}
	if err := t.putAction(ctx, &action); err != nil {
		return err
	}

	t.metrics.RecordDetection()
	t.logger.Info("detection handled",
		zap.String("topic", sig.Topic),
		zap.String("question", questionID),
		zap.Float64("estimated_cost", sig.EstimatedCost),
	)
	return nil
}

// consumeDetections feeds bus detection messages into HandleDetection.
func (t *Trinity) consumeDetections(ctx context.Context) error {
	for msg := range t.bus.Subscribe(ctx, bus.QueueDetections) {
		if msg.Payload.Kind != bus.PayloadDetection || msg.Payload.Detection == nil {
			t.logger.Warn("unexpected payload on detections queue",
				zap.String("id", msg.ID),
				zap.String("kind", string(msg.Payload.Kind)),
			)
			t.nack(ctx, msg.ID)
			continue
		}

		if err := t.HandleDetection(ctx, *msg.Payload.Detection); err != nil {
			t.logger.Warn("detection handling failed", zap.String("id", msg.ID), zap.Error(err))
			t.nack(ctx, msg.ID)
			continue
		}
		t.ack(ctx, msg.ID)
	}
	return ctx.Err()
}

// consumeResponses applies human answers routed back through the bus.
func (t *Trinity) consumeResponses(ctx context.Context) error {
	for msg := range t.bus.Subscribe(ctx, bus.QueueResponses) {
		if msg.Payload.Kind != bus.PayloadResponse || msg.Payload.Response == nil {
			t.logger.Warn("unexpected payload on responses queue",
				zap.String("id", msg.ID),
				zap.String("kind", string(msg.Payload.Kind)),
			)
			t.nack(ctx, msg.ID)
			continue
		}

		if err := t.handleResponse(ctx, msg.Payload.Response); err != nil {
			t.logger.Warn("response handling failed", zap.String("id", msg.ID), zap.Error(err))
			t.nack(ctx, msg.ID)
			continue
		}
		t.ack(ctx, msg.ID)
	}
	return ctx.Err()
}

// handleResponse dispatches one human answer. Consumers are idempotent: a
// redelivered response finds its action already resolved and is a no-op.
func (t *Trinity) handleResponse(ctx context.Context, resp *bus.QuestionResponse) error {
	switch hitl.ResponseKind(resp.Response) {
	case hitl.ResponseYes:
		return t.handleApproval(ctx, resp)
	case hitl.ResponseNo:
		return t.handleRejection(ctx, resp)
	case hitl.ResponseLater:
		return t.handleDeferral(ctx, resp)
	default:
		return fmt.Errorf("unknown response kind %q", resp.Response)
	}
}

// handleApproval spends budget and dispatches the approved action. When the
// ceiling is reached, the action is queued for the next day and the human is
// told; an approval is never silently dropped.
func (t *Trinity) handleApproval(ctx context.Context, resp *bus.QuestionResponse) error {
	action, err := t.getAction(ctx, resp.QuestionID)
	if errors.Is(err, store.ErrNotFound) {
		// Already executed or deferred by an earlier delivery.
		return nil
	}
	if err != nil {
		return err
	}

	return t.dispatchAction(ctx, action)
}

// dispatchAction runs the budget gate and either publishes the execution
// task or defers the action to the next day.
func (t *Trinity) dispatchAction(ctx context.Context, action *pendingAction) error {
	cost := action.Signal.EstimatedCost
	operation := "execute:" + action.Signal.Topic

	if t.budget.CheckAvailable(ctx, cost) {
		err := t.budget.RecordUsage(ctx, operation, t.config.Agent, cost)
		if err == nil {
			return t.publishExecution(ctx, action)
		}
		if !errors.Is(err, budget.ErrBudgetExceeded) {
			return err
		}
		// Lost a budget race between check and record; fall through to
		// the deferral path.
	}

	return t.deferAction(ctx, action)
}

// publishExecution hands the approved action to the execution stage and
// retires the pending entry.
func (t *Trinity) publishExecution(ctx context.Context, action *pendingAction) error {
	err := retry.Do(ctx, t.retry, t.logger, "publish-execution", func() error {
		_, err := t.bus.Publish(ctx, bus.QueueExecution, bus.Payload{
			Kind: bus.PayloadExecution,
			Execution: &bus.ExecutionTask{
				Topic:         action.Signal.Topic,
				Summary:       action.Signal.Summary,
				QuestionID:    action.QuestionID,
				EstimatedCost: action.Signal.EstimatedCost,
			},
		}, bus.PriorityNormal, bus.WithCorrelationID(action.QuestionID))
		return err
	})
	if err != nil {
		return err
	}

	if err := t.store.Delete(ctx, actionsCollection, action.QuestionID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	t.logger.Info("execution task published",
		zap.String("topic", action.Signal.Topic),
		zap.String("question", action.QuestionID),
		zap.Float64("cost", action.Signal.EstimatedCost),
	)
	return nil
}

// deferAction queues the approved action for the following day and informs
// the human through the notification queue.
func (t *Trinity) deferAction(ctx context.Context, action *pendingAction) error {
	retryAt := t.startOfTomorrow()
	err := t.store.Update(ctx, actionsCollection, action.QuestionID, func(current []byte) ([]byte, error) {
		if current == nil {
			return nil, store.ErrNotFound
		}
		var a pendingAction
		if err := json.Unmarshal(current, &a); err != nil {
			return nil, err
		}
		a.RetryAt = &retryAt
		return json.Marshal(&a)
	})
	if err != nil {
		return err
	}

	_, err = t.bus.Publish(ctx, bus.QueueNotifications, bus.Payload{
		Kind: bus.PayloadNotice,
		Notice: &bus.UserNotice{
			Topic: action.Signal.Topic,
			Text:  fmt.Sprintf("Approved action %q deferred: daily budget exhausted. It will be retried tomorrow.", action.Signal.Summary),
		},
	}, bus.PriorityNormal)
	if err != nil {
		return err
	}

	t.logger.Info("approved action deferred on budget",
		zap.String("topic", action.Signal.Topic),
		zap.Time("retry_at", retryAt),
	)
	return nil
}

// handleRejection starts the topic cool-down and drops the pending action.
func (t *Trinity) handleRejection(ctx context.Context, resp *bus.QuestionResponse) error {
	until := t.now().Add(t.config.RejectCooldown)
	cd := cooldown{Topic: resp.Topic, Until: until}
	data, err := json.Marshal(&cd)
	if err != nil {
		return err
	}
	if err := t.store.Put(ctx, cooldownsCollection, resp.Topic, data); err != nil {
		return err
	}

	if err := t.store.Delete(ctx, actionsCollection, resp.QuestionID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	t.logger.Info("topic cooling down after rejection",
		zap.String("topic", resp.Topic),
		zap.Time("until", until),
	)
	return nil
}

// handleDeferral re-keys the pending action onto the follow-up question the
// protocol created for the LATER answer.
func (t *Trinity) handleDeferral(ctx context.Context, resp *bus.QuestionResponse) error {
	action, err := t.getAction(ctx, resp.QuestionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	next, err := t.hitl.OpenQuestion(ctx, resp.Topic, hitl.QuestionKind(resp.QuestionKind))
	if err != nil {
		return err
	}
	if next == nil {
		t.logger.Warn("no follow-up question for deferred action", zap.String("topic", resp.Topic))
		return nil
	}

	action.QuestionID = next.ID
	if err := t.putAction(ctx, action); err != nil {
		return err
	}
	if err := t.store.Delete(ctx, actionsCollection, resp.QuestionID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	return nil
}

// retryDeferredLoop periodically re-dispatches actions deferred on budget.
func (t *Trinity) retryDeferredLoop(ctx context.Context) error {
	ticker := time.NewTicker(t.config.DeferredRetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := t.RetryDeferred(ctx); err != nil {
				t.logger.Warn("deferred retry pass failed", zap.Error(err))
			}
			if err := t.SweepOrphanedActions(ctx); err != nil {
				t.logger.Warn("orphaned action sweep failed", zap.Error(err))
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// SweepOrphanedActions drops pending actions whose question expired without
// an answer. Expiry produces no response message, so these actions would
// otherwise sit in the store forever.
func (t *Trinity) SweepOrphanedActions(ctx context.Context) error {
	records, err := t.store.Query(ctx, actionsCollection, nil)
	if err != nil {
		return err
	}

	for _, rec := range records {
		q, err := t.hitl.Question(ctx, rec.ID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if q != nil && q.State != hitl.StateExpired {
			continue
		}
		if err := t.store.Delete(ctx, actionsCollection, rec.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		t.logger.Info("dropped action for expired question", zap.String("question", rec.ID))
	}
	return nil
}

// RetryDeferred re-runs the budget gate for every deferred action whose
// retry time has arrived.
func (t *Trinity) RetryDeferred(ctx context.Context) error {
	now := t.now()
	records, err := t.store.Query(ctx, actionsCollection, func(id string, data []byte) bool {
		var probe struct {
			RetryAt *time.Time `json:"retry_at"`
		}
		return json.Unmarshal(data, &probe) == nil &&
			probe.RetryAt != nil && !probe.RetryAt.After(now)
	})
	if err != nil {
		return err
	}

	for _, rec := range records {
		var action pendingAction
		if err := json.Unmarshal(rec.Data, &action); err != nil {
			t.logger.Warn("skipping undecodable action", zap.String("id", rec.ID), zap.Error(err))
			continue
		}
		if err := t.dispatchAction(ctx, &action); err != nil {
			return err
		}
	}
	return nil
}

// inCooldown reports whether the topic was rejected recently.
func (t *Trinity) inCooldown(ctx context.Context, topic string) (bool, error) {
	data, err := t.store.Get(ctx, cooldownsCollection, topic)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	var cd cooldown
	if err := json.Unmarshal(data, &cd); err != nil {
		return false, err
	}
	return t.now().Before(cd.Until), nil
}

func (t *Trinity) getAction(ctx context.Context, questionID string) (*pendingAction, error) {
	data, err := t.store.Get(ctx, actionsCollection, questionID)
	if err != nil {
		return nil, err
	}
	var action pendingAction
	if err := json.Unmarshal(data, &action); err != nil {
		return nil, err
	}
	return &action, nil
}

func (t *Trinity) putAction(ctx context.Context, action *pendingAction) error {
	data, err := json.Marshal(action)
	if err != nil {
		return err
	}
	return t.store.Put(ctx, actionsCollection, action.QuestionID, data)
}

// ack acknowledges a message, logging rather than failing on error; the
// redelivery path covers any miss.
func (t *Trinity) ack(ctx context.Context, msgID string) {
	if err := t.bus.Ack(ctx, msgID); err != nil {
		t.logger.Warn("ack failed", zap.String("id", msgID), zap.Error(err))
	}
}

func (t *Trinity) nack(ctx context.Context, msgID string) {
	if err := t.bus.Nack(ctx, msgID); err != nil {
		t.logger.Warn("nack failed", zap.String("id", msgID), zap.Error(err))
	}
}

// startOfTomorrow returns the next budget-day boundary: midnight in the
// budget's timezone, since that is when the ceiling resets.
func (t *Trinity) startOfTomorrow() time.Time {
	loc := t.budget.Location()
	now := t.now().In(loc)
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, 1)
}

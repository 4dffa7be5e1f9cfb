package hitl

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/subtract0/trinity/store"
)

// dayCounter tracks deliveries per calendar day for the daily cap.
type dayCounter struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}

// RunScheduler polls for due questions and expired deliveries until ctx is
// cancelled. Multiple scheduler instances are safe to run concurrently: every
// claim goes through an atomic store update, identical to message leasing.
func (p *Protocol) RunScheduler(ctx context.Context) error {
	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	p.logger.Info("scheduler started", zap.Duration("poll_interval", p.config.PollInterval))
	for {
		if err := p.DeliverDue(ctx); err != nil {
			p.logger.Warn("delivery pass failed", zap.Error(err))
		}
		if err := p.SweepExpired(ctx); err != nil {
			p.logger.Warn("expiry sweep failed", zap.Error(err))
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			p.logger.Info("scheduler stopped")
			return ctx.Err()
		}
	}
}

// DeliverDue delivers every SCHEDULED question whose time has come, subject
// to quiet hours and the daily cap. Ineligible questions are re-scheduled to
// their next eligible slot instead of being dropped.
func (p *Protocol) DeliverDue(ctx context.Context) error {
	now := p.now()
	due, err := p.dueQuestions(ctx, now)
	if err != nil {
		return err
	}

	for _, q := range due {
		if p.inQuietHours(now) {
			if err := p.reschedule(ctx, q.ID, p.escapeQuietHours(now)); err != nil {
				return err
			}
			p.logger.Info("question deferred past quiet hours",
				zap.String("id", q.ID),
				zap.Time("rescheduled", p.escapeQuietHours(now)),
			)
			continue
		}

		ok, err := p.reserveDeliverySlot(ctx, now)
		if err != nil {
			return err
		}
		if !ok {
			next := p.nextSlot(p.startOfNextDay(now), q.ScheduledTime.In(p.location).Hour())
			if err := p.reschedule(ctx, q.ID, next); err != nil {
				return err
			}
			p.logger.Info("daily question cap reached, deferring",
				zap.String("id", q.ID),
				zap.Time("rescheduled", next),
			)
			continue
		}

		if err := p.deliver(ctx, q.ID, now); err != nil {
			return err
		}
	}
	return nil
}

// deliver claims one question for delivery and notifies the human. Losing
// the claim race releases the reserved slot.
func (p *Protocol) deliver(ctx context.Context, id string, now time.Time) error {
	var delivered *Question
	err := p.transition(ctx, id, func(q *Question) error {
		if q.State != StateScheduled {
			return store.ErrAbort
		}
		q.State = StateDelivered
		q.DeliveredAt = &now
		snapshot := *q
		delivered = &snapshot
		return nil
	})
	if errors.Is(err, store.ErrAbort) {
		// Another scheduler won the claim.
		p.releaseDeliverySlot(ctx, now)
		return nil
	}
	if err != nil {
		// Nothing was delivered; hand the reserved slot back.
		p.releaseDeliverySlot(ctx, now)
		return err
	}

	// A DELIVERED question no longer coalesces; free its slot so a fresh
	// detection can open a new one while the answer is pending.
	p.releaseOpenSlot(ctx, openSlotKey(delivered.Topic, delivered.Kind), id)

	p.metrics.RecordQuestionDelivered()
	p.logger.Info("question delivered",
		zap.String("id", id),
		zap.String("topic", delivered.Topic),
	)

	if p.notifier != nil {
		if err := p.notifier.DeliverQuestion(ctx, delivered); err != nil {
			// The question stays DELIVERED; the TTL sweep recovers it
			// if the notification never reached the human.
			p.logger.Warn("notification failed", zap.String("id", id), zap.Error(err))
		}
	}
	return nil
}

// SweepExpired expires DELIVERED questions whose TTL has elapsed without a
// response. Expiry records no preference observation: silence does not
// distinguish "ignored" from "declined".
func (p *Protocol) SweepExpired(ctx context.Context) error {
	now := p.now()
	records, err := p.store.Query(ctx, questionsCollection, func(id string, data []byte) bool {
		var probe struct {
			State       string     `json:"state"`
			DeliveredAt *time.Time `json:"delivered_at"`
		}
		if json.Unmarshal(data, &probe) != nil {
			return false
		}
		return State(probe.State) == StateDelivered &&
			probe.DeliveredAt != nil &&
			now.Sub(*probe.DeliveredAt) >= p.config.QuestionTTL
	})
	if err != nil {
		return err
	}

	for _, rec := range records {
		if err := p.Expire(ctx, rec.ID); err != nil && !errors.Is(err, ErrAlreadyAnswered) {
			return err
		}
	}
	return nil
}

// dueQuestions returns SCHEDULED questions whose scheduled time has passed,
// oldest first.
func (p *Protocol) dueQuestions(ctx context.Context, now time.Time) ([]*Question, error) {
	records, err := p.store.Query(ctx, questionsCollection, func(id string, data []byte) bool {
		var probe struct {
			State         string    `json:"state"`
			ScheduledTime time.Time `json:"scheduled_time"`
		}
		if json.Unmarshal(data, &probe) != nil {
			return false
		}
		return State(probe.State) == StateScheduled && !probe.ScheduledTime.After(now)
	})
	if err != nil {
		return nil, err
	}

	questions := make([]*Question, 0, len(records))
	for _, rec := range records {
		var q Question
		if err := json.Unmarshal(rec.Data, &q); err != nil {
			p.logger.Warn("skipping undecodable question", zap.String("id", rec.ID), zap.Error(err))
			continue
		}
		questions = append(questions, &q)
	}
	return questions, nil
}

// reschedule moves a SCHEDULED question to a new time.
func (p *Protocol) reschedule(ctx context.Context, id string, at time.Time) error {
	err := p.transition(ctx, id, func(q *Question) error {
		if q.State != StateScheduled {
			return store.ErrAbort
		}
		q.ScheduledTime = at
		return nil
	})
	if errors.Is(err, store.ErrAbort) {
		return nil
	}
	return err
}

// reserveDeliverySlot atomically claims one of today's delivery slots.
// Reports false when the daily cap is already reached.
func (p *Protocol) reserveDeliverySlot(ctx context.Context, now time.Time) (bool, error) {
	day := now.In(p.location).Format("2006-01-02")
	full := false

	err := p.store.Update(ctx, deliveryCollection, day, func(current []byte) ([]byte, error) {
		counter := dayCounter{Date: day}
		if current != nil {
			if err := json.Unmarshal(current, &counter); err != nil {
				return nil, err
			}
		}
		if counter.Count >= p.config.MaxQuestionsPerDay {
			full = true
			return nil, store.ErrAbort
		}
		counter.Count++
		return json.Marshal(&counter)
	})
	if errors.Is(err, store.ErrAbort) {
		return !full, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// releaseDeliverySlot returns a reserved slot after a lost claim race.
func (p *Protocol) releaseDeliverySlot(ctx context.Context, now time.Time) {
	day := now.In(p.location).Format("2006-01-02")
	err := p.store.Update(ctx, deliveryCollection, day, func(current []byte) ([]byte, error) {
		if current == nil {
			return nil, store.ErrAbort
		}
		var counter dayCounter
		if err := json.Unmarshal(current, &counter); err != nil {
			return nil, err
		}
		if counter.Count > 0 {
			counter.Count--
		}
		return json.Marshal(&counter)
	})
	if err != nil && !errors.Is(err, store.ErrAbort) {
		p.logger.Warn("failed to release delivery slot", zap.String("day", day), zap.Error(err))
	}
}

// DeliveredToday returns how many questions were delivered on the current
// calendar day.
func (p *Protocol) DeliveredToday(ctx context.Context) (int, error) {
	day := p.now().In(p.location).Format("2006-01-02")
	data, err := p.store.Get(ctx, deliveryCollection, day)
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var counter dayCounter
	if err := json.Unmarshal(data, &counter); err != nil {
		return 0, err
	}
	return counter.Count, nil
}

// startOfNextDay returns midnight of the day after t.
func (p *Protocol) startOfNextDay(t time.Time) time.Time {
	local := t.In(p.location)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, p.location).AddDate(0, 0, 1)
}

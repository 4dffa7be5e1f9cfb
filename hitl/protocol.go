// Package hitl manages the human-in-the-loop question lifecycle: creation,
// preference-guided scheduling, delivery under quiet-hours and daily-cap
// constraints, and response handling.
//
// All question state lives in the persistent store; transitions happen
// through atomic store updates, so any number of protocol and scheduler
// instances cooperate safely.
package hitl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/subtract0/trinity/bus"
	"github.com/subtract0/trinity/internal/metrics"
	"github.com/subtract0/trinity/preference"
	"github.com/subtract0/trinity/store"
)

const (
	questionsCollection = "questions"
	responsesCollection = "responses"
	deliveryCollection  = "hitl_delivery_days"
	openSlotCollection  = "question_slots"
)

// Notifier is the external notification channel questions are delivered
// through. The core is agnostic to its transport: a CLI prompt, a push
// notification, anything that can show a question to the human.
type Notifier interface {
	DeliverQuestion(ctx context.Context, q *Question) error
}

// Config tunes the protocol.
type Config struct {
	// QuietHoursStart/QuietHoursEnd bound the no-interruption window,
	// "HH:MM" in the configured timezone. The window may cross midnight.
	QuietHoursStart string `json:"quiet_hours_start" yaml:"quiet_hours_start"`
	QuietHoursEnd   string `json:"quiet_hours_end" yaml:"quiet_hours_end"`

	// MaxQuestionsPerDay caps deliveries per calendar day.
	MaxQuestionsPerDay int `json:"max_questions_per_day" yaml:"max_questions_per_day"`

	// QuestionTTL is how long a delivered question waits for an answer
	// before expiring.
	QuestionTTL time.Duration `json:"question_ttl" yaml:"question_ttl"`

	// PollInterval is the scheduler's polling period.
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval"`

	// Timezone names the location for quiet hours and daily caps.
	Timezone string `json:"timezone" yaml:"timezone"`
}

// DefaultConfig returns the default protocol configuration.
func DefaultConfig() Config {
	return Config{
		QuietHoursStart:    "22:00",
		QuietHoursEnd:      "08:00",
		MaxQuestionsPerDay: 3,
		QuestionTTL:        24 * time.Hour,
		PollInterval:       30 * time.Second,
		Timezone:           "Local",
	}
}

// Protocol is the question lifecycle manager.
type Protocol struct {
	store    store.Store
	learner  *preference.Learner
	bus      *bus.Bus
	notifier Notifier
	config   Config
	location *time.Location
	logger   *zap.Logger
	metrics  *metrics.Collector
	now      func() time.Time

	quietStart int // minutes since midnight
	quietEnd   int
}

// New creates a protocol instance.
func New(st store.Store, learner *preference.Learner, b *bus.Bus, notifier Notifier, cfg Config, logger *zap.Logger, collector *metrics.Collector) (*Protocol, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.QuietHoursStart == "" {
		cfg.QuietHoursStart = def.QuietHoursStart
	}
	if cfg.QuietHoursEnd == "" {
		cfg.QuietHoursEnd = def.QuietHoursEnd
	}
	if cfg.MaxQuestionsPerDay <= 0 {
		cfg.MaxQuestionsPerDay = def.MaxQuestionsPerDay
	}
	if cfg.QuestionTTL <= 0 {
		cfg.QuestionTTL = def.QuestionTTL
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}

	loc := time.Local
	if cfg.Timezone != "" && cfg.Timezone != "Local" {
		var err error
		loc, err = time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("invalid timezone %q: %w", cfg.Timezone, err)
		}
	}

	quietStart, err := parseClock(cfg.QuietHoursStart)
	if err != nil {
		return nil, err
	}
	quietEnd, err := parseClock(cfg.QuietHoursEnd)
	if err != nil {
		return nil, err
	}

	return &Protocol{
		store:      st,
		learner:    learner,
		bus:        b,
		notifier:   notifier,
		config:     cfg,
		location:   loc,
		logger:     logger.With(zap.String("component", "hitl")),
		metrics:    collector,
		now:        time.Now,
		quietStart: quietStart,
		quietEnd:   quietEnd,
	}, nil
}

// parseClock parses "HH:MM" to minutes since midnight.
func parseClock(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("invalid clock time %q: %w", s, err)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid clock time %q", s)
	}
	return h*60 + m, nil
}

// Ask creates a question for (topic, kind) and schedules it at the learner's
// recommended time. Concurrent asks for the same (topic, kind) coalesce into
// the single open question to avoid duplicate interruptions.
//
// Nothing is persisted until the schedule is known: a failed Ask leaves no
// question behind, so the caller can simply retry.
func (p *Protocol) Ask(ctx context.Context, text string, kind QuestionKind, topic string) (string, error) {
	if text == "" || topic == "" {
		return "", store.ErrInvalidInput
	}
	if !kind.Valid() {
		return "", fmt.Errorf("%w: unknown question kind %q", store.ErrInvalidInput, kind)
	}

	rec, err := p.learner.OptimalTime(ctx, topic, string(kind))
	if err != nil {
		return "", err
	}
	hour, err := preference.BucketHour(rec.Bucket)
	if err != nil {
		return "", err
	}

	now := p.now()
	q := &Question{
		ID:            uuid.New().String(),
		Text:          text,
		Kind:          kind,
		Topic:         topic,
		State:         StateScheduled,
		ScheduledTime: p.nextSlot(now, hour),
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	id, created, err := p.createOpen(ctx, q)
	if err != nil {
		return "", err
	}
	if !created {
		p.logger.Debug("coalesced into open question",
			zap.String("id", id),
			zap.String("topic", topic),
		)
		return id, nil
	}

	p.metrics.RecordQuestionAsked()
	p.logger.Info("question scheduled",
		zap.String("id", q.ID),
		zap.String("topic", topic),
		zap.String("kind", string(kind)),
		zap.Time("scheduled", q.ScheduledTime),
		zap.String("bucket", rec.Bucket),
		zap.Float64("confidence", rec.Confidence),
		zap.Bool("trusted", rec.Trusted),
	)
	return q.ID, nil
}

// openSlot is the coalescing index entry for one (topic, kind) pair. Every
// question creation funnels through an atomic update on this document, so
// two racing asks can never both open a question.
type openSlot struct {
	QuestionID string    `json:"question_id"`
	ClaimedAt  time.Time `json:"claimed_at"`
}

func openSlotKey(topic string, kind QuestionKind) string {
	return topic + "|" + string(kind)
}

// claimGracePeriod is how long a slot may point at a not-yet-visible
// question before another ask may take it over. Covers the gap between
// claiming the slot and writing the question document.
const claimGracePeriod = 5 * time.Second

// createOpen persists q as the open question for its (topic, kind) pair.
// The slot is claimed first and the question written second: a crash in
// between leaves only a dangling slot entry, which a later call detects
// and takes over once the grace period has passed. Reports created=false
// with the holder's ID when a live question already owns the slot.
func (p *Protocol) createOpen(ctx context.Context, q *Question) (string, bool, error) {
	key := openSlotKey(q.Topic, q.Kind)
	stale := ""

	for attempt := 0; attempt < 4; attempt++ {
		held, err := p.claimOpenSlot(ctx, key, q.ID, stale)
		if err != nil {
			return "", false, err
		}
		if held == nil {
			if err := p.putQuestion(ctx, q); err != nil {
				p.releaseOpenSlot(ctx, key, q.ID)
				return "", false, err
			}
			return q.ID, true, nil
		}

		existing, err := p.Question(ctx, held.QuestionID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return "", false, err
		}
		if existing != nil {
			if existing.State == StatePending || existing.State == StateScheduled {
				return held.QuestionID, false, nil
			}
			// A closed question still holds the slot; take it over.
			stale = held.QuestionID
			continue
		}
		if p.now().Sub(held.ClaimedAt) < claimGracePeriod {
			// A concurrent ask claimed the slot and is still writing
			// its question document. Treat it as the open question.
			return held.QuestionID, false, nil
		}
		// Claimed long ago but the question never appeared; take over.
		stale = held.QuestionID
	}
	return "", false, store.ErrConflict
}

// claimOpenSlot writes newID into the slot unless a different holder is
// already recorded. stale names a holder the caller has verified dead and
// may be overwritten.
func (p *Protocol) claimOpenSlot(ctx context.Context, key, newID, stale string) (*openSlot, error) {
	var held *openSlot
	err := p.store.Update(ctx, openSlotCollection, key, func(current []byte) ([]byte, error) {
		held = nil
		if current != nil {
			var slot openSlot
			if json.Unmarshal(current, &slot) == nil && slot.QuestionID != "" && slot.QuestionID != stale {
				held = &slot
				return nil, store.ErrAbort
			}
		}
		return json.Marshal(openSlot{QuestionID: newID, ClaimedAt: p.now()})
	})
	if errors.Is(err, store.ErrAbort) {
		return held, nil
	}
	if err != nil {
		return nil, err
	}
	return nil, nil
}

// releaseOpenSlot clears the slot if questionID still holds it. Best effort:
// a missed release is repaired lazily by the next createOpen for the key.
func (p *Protocol) releaseOpenSlot(ctx context.Context, key, questionID string) {
	err := p.store.Update(ctx, openSlotCollection, key, func(current []byte) ([]byte, error) {
		var slot openSlot
		if current == nil || json.Unmarshal(current, &slot) != nil || slot.QuestionID != questionID {
			return nil, store.ErrAbort
		}
		return json.Marshal(openSlot{})
	})
	if err != nil && !errors.Is(err, store.ErrAbort) {
		p.logger.Warn("failed to release question slot", zap.String("key", key), zap.Error(err))
	}
}

// SubmitResponse records a human answer, transitions the question to its
// terminal state, feeds the preference learner (YES and NO only), and routes
// the response to the orchestrator via the bus. A LATER answer additionally
// spawns a fresh question for the next eligible window.
func (p *Protocol) SubmitResponse(ctx context.Context, questionID string, kind ResponseKind) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: unknown response kind %q", store.ErrInvalidInput, kind)
	}

	var answered *Question
	err := p.transition(ctx, questionID, func(q *Question) error {
		switch q.State {
		case StateExpired:
			return ErrQuestionExpired
		case StateAnsweredYes, StateAnsweredNo, StateAnsweredLater:
			return ErrAlreadyAnswered
		case StateDelivered:
			q.State = terminalFor(kind)
			snapshot := *q
			answered = &snapshot
			return nil
		default:
			return ErrNotDeliverable
		}
	})
	if err != nil {
		return err
	}

	now := p.now()
	resp := Response{QuestionID: questionID, Kind: kind, Timestamp: now}
	data, err := json.Marshal(&resp)
	if err != nil {
		return err
	}
	if err := p.store.Put(ctx, responsesCollection, questionID, data); err != nil {
		return err
	}

	// YES and NO are signal; LATER is neither acceptance nor rejection.
	if kind == ResponseYes || kind == ResponseNo {
		outcome := preference.OutcomeAccepted
		if kind == ResponseNo {
			outcome = preference.OutcomeRejected
		}
		bucket := preference.BucketFor(answered.ScheduledTime.In(p.location))
		if answered.DeliveredAt != nil {
			bucket = preference.BucketFor(answered.DeliveredAt.In(p.location))
		}
		if err := p.learner.Observe(ctx, answered.Topic, string(answered.Kind), bucket, outcome); err != nil {
			p.logger.Warn("preference observation failed", zap.String("question", questionID), zap.Error(err))
		}
	}

	if kind == ResponseLater {
		if err := p.deferQuestion(ctx, answered); err != nil {
			p.logger.Warn("failed to reschedule deferred question",
				zap.String("question", questionID), zap.Error(err))
		}
	}

	_, err = p.bus.Publish(ctx, bus.QueueResponses, bus.Payload{
		Kind: bus.PayloadResponse,
		Response: &bus.QuestionResponse{
			QuestionID:   questionID,
			Topic:        answered.Topic,
			QuestionKind: string(answered.Kind),
			Response:     string(kind),
		},
	}, bus.PriorityHigh, bus.WithCorrelationID(questionID))
	if err != nil {
		return fmt.Errorf("response recorded but routing failed: %w", err)
	}

	p.metrics.RecordQuestionAnswered(string(kind))
	p.logger.Info("response submitted",
		zap.String("question", questionID),
		zap.String("kind", string(kind)),
	)
	return nil
}

// deferQuestion creates the follow-up question for a LATER answer. "Later"
// means a different window, never the one the human just declined, so the
// follow-up lands on the next day's slot.
func (p *Protocol) deferQuestion(ctx context.Context, original *Question) error {
	now := p.now()
	hour := original.ScheduledTime.In(p.location).Hour()

	q := &Question{
		ID:            uuid.New().String(),
		Text:          original.Text,
		Kind:          original.Kind,
		Topic:         original.Topic,
		BatchID:       original.BatchID,
		State:         StateScheduled,
		ScheduledTime: p.nextSlot(p.startOfNextDay(now), hour),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	id, created, err := p.createOpen(ctx, q)
	if err != nil {
		return err
	}
	if !created {
		p.logger.Debug("deferral coalesced into open question",
			zap.String("id", id),
			zap.String("topic", q.Topic),
		)
	}
	return nil
}

// Expire transitions a question to EXPIRED. Idempotent: expiring an already
// expired question is a no-op. Answered questions are left untouched.
func (p *Protocol) Expire(ctx context.Context, questionID string) error {
	var expired *Question
	err := p.transition(ctx, questionID, func(q *Question) error {
		switch q.State {
		case StateExpired:
			return store.ErrAbort
		case StateAnsweredYes, StateAnsweredNo, StateAnsweredLater:
			return ErrAlreadyAnswered
		default:
			q.State = StateExpired
			snapshot := *q
			expired = &snapshot
			return nil
		}
	})
	if errors.Is(err, store.ErrAbort) {
		return nil
	}
	if err != nil {
		return err
	}
	if expired != nil {
		p.releaseOpenSlot(ctx, openSlotKey(expired.Topic, expired.Kind), questionID)
		p.metrics.RecordQuestionExpired()
		p.logger.Info("question expired", zap.String("id", questionID))
	}
	return nil
}

// Question returns a question by id.
func (p *Protocol) Question(ctx context.Context, id string) (*Question, error) {
	data, err := p.store.Get(ctx, questionsCollection, id)
	if err != nil {
		return nil, err
	}
	var q Question
	if err := json.Unmarshal(data, &q); err != nil {
		return nil, err
	}
	return &q, nil
}

// OpenQuestion finds the live (PENDING or SCHEDULED) question for a
// (topic, kind) pair. Returns nil when none is open.
func (p *Protocol) OpenQuestion(ctx context.Context, topic string, kind QuestionKind) (*Question, error) {
	return p.openQuestion(ctx, topic, kind)
}

// openQuestion finds the live (PENDING or SCHEDULED) question for a
// (topic, kind) pair, if any.
func (p *Protocol) openQuestion(ctx context.Context, topic string, kind QuestionKind) (*Question, error) {
	records, err := p.store.Query(ctx, questionsCollection, func(id string, data []byte) bool {
		var probe struct {
			Topic string `json:"topic"`
			Kind  string `json:"kind"`
			State string `json:"state"`
		}
		if json.Unmarshal(data, &probe) != nil {
			return false
		}
		return probe.Topic == topic && probe.Kind == string(kind) &&
			(State(probe.State) == StatePending || State(probe.State) == StateScheduled)
	})
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	var q Question
	if err := json.Unmarshal(records[0].Data, &q); err != nil {
		return nil, err
	}
	return &q, nil
}

// putQuestion writes a question document.
func (p *Protocol) putQuestion(ctx context.Context, q *Question) error {
	data, err := json.Marshal(q)
	if err != nil {
		return err
	}
	return p.store.Put(ctx, questionsCollection, q.ID, data)
}

// transition applies fn to the question under an atomic update. fn mutates
// the decoded question in place; UpdatedAt is stamped on success.
func (p *Protocol) transition(ctx context.Context, id string, fn func(*Question) error) error {
	return p.store.Update(ctx, questionsCollection, id, func(current []byte) ([]byte, error) {
		if current == nil {
			return nil, store.ErrNotFound
		}
		var q Question
		if err := json.Unmarshal(current, &q); err != nil {
			return nil, err
		}
		if err := fn(&q); err != nil {
			return nil, err
		}
		q.UpdatedAt = p.now()
		return json.Marshal(&q)
	})
}

// inQuietHours reports whether t falls inside the configured window.
func (p *Protocol) inQuietHours(t time.Time) bool {
	local := t.In(p.location)
	mins := local.Hour()*60 + local.Minute()
	if p.quietStart == p.quietEnd {
		return false
	}
	if p.quietStart < p.quietEnd {
		return mins >= p.quietStart && mins < p.quietEnd
	}
	// Window crosses midnight, e.g. 22:00-08:00.
	return mins >= p.quietStart || mins < p.quietEnd
}

// nextSlot returns the next occurrence of the given hour-of-day window at or
// after from, pushed out of quiet hours if needed. A from inside the window
// counts as hitting it: the slot may be slightly in the past, making the
// question immediately due.
func (p *Protocol) nextSlot(from time.Time, hour int) time.Time {
	local := from.In(p.location)
	slot := time.Date(local.Year(), local.Month(), local.Day(), hour, 0, 0, 0, p.location)
	if local.Sub(slot) >= time.Hour {
		slot = slot.AddDate(0, 0, 1)
	}
	return p.escapeQuietHours(slot)
}

// escapeQuietHours moves t forward to the end of the quiet window when it
// falls inside one.
func (p *Protocol) escapeQuietHours(t time.Time) time.Time {
	if !p.inQuietHours(t) {
		return t
	}
	local := t.In(p.location)
	endH, endM := p.quietEnd/60, p.quietEnd%60
	end := time.Date(local.Year(), local.Month(), local.Day(), endH, endM, 0, 0, p.location)
	if !end.After(local) {
		end = end.AddDate(0, 0, 1)
	}
	return end
}

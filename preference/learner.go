// Package preference learns the best times of day to interrupt a human from
// observed accept/reject history.
//
// Observations are append-only records bucketed by hour of day. The learner
// weights recent observations more heavily (exponential decay by age) and
// refuses to act on thin data: below the minimum sample count it always
// recommends the configured default bucket with low confidence.
package preference

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/subtract0/trinity/store"
)

const recordsCollection = "preference_records"

// Outcome of an observed interruption.
type Outcome string

const (
	OutcomeAccepted Outcome = "accepted"
	OutcomeRejected Outcome = "rejected"
)

// TrustedConfidence is the confidence a recommendation reaches only when the
// learner has at least MinSamples matching observations. Callers can compare
// Recommendation.Confidence against it, but Trusted already encodes the test.
const TrustedConfidence = 1.0

// Config tunes the learner.
type Config struct {
	// MinSamples is the observation count below which the learner falls
	// back to DefaultBucket.
	MinSamples int `json:"min_samples" yaml:"min_samples"`

	// HalfLife controls the exponential age decay of observations.
	HalfLife time.Duration `json:"half_life" yaml:"half_life"`

	// DefaultBucket is the fallback recommendation (mid-morning).
	DefaultBucket string `json:"default_bucket" yaml:"default_bucket"`
}

// DefaultConfig returns the default learner configuration.
func DefaultConfig() Config {
	return Config{
		MinSamples:    5,
		HalfLife:      14 * 24 * time.Hour,
		DefaultBucket: "09:00",
	}
}

// Record is one append-only observation. Never mutated.
type Record struct {
	Topic        string    `json:"topic"`
	QuestionKind string    `json:"question_kind"`
	TimeBucket   string    `json:"time_bucket"`
	Outcome      Outcome   `json:"outcome"`
	Timestamp    time.Time `json:"timestamp"`
}

// Recommendation is the learner's scheduling advice.
type Recommendation struct {
	// Bucket is the recommended hour-of-day slot, e.g. "09:00".
	Bucket string

	// Confidence is min(1, samples/min_samples).
	Confidence float64

	// Trusted is true when enough observations back the recommendation.
	// When false, Bucket is the configured default.
	Trusted bool

	// Samples is the number of matching observations.
	Samples int
}

// BucketFor returns the hour-of-day bucket containing t.
func BucketFor(t time.Time) string {
	return fmt.Sprintf("%02d:00", t.Hour())
}

// BucketHour parses a bucket label back to its hour. Returns an error for
// labels outside the fixed bucket set.
func BucketHour(bucket string) (int, error) {
	var hour, minute int
	if _, err := fmt.Sscanf(bucket, "%02d:%02d", &hour, &minute); err != nil {
		return 0, fmt.Errorf("invalid time bucket %q: %w", bucket, err)
	}
	if hour < 0 || hour > 23 || minute != 0 {
		return 0, fmt.Errorf("invalid time bucket %q", bucket)
	}
	return hour, nil
}

// Learner computes optimal interruption times from stored observations.
type Learner struct {
	store  store.Store
	config Config
	logger *zap.Logger
	now    func() time.Time
}

// New creates a preference learner.
func New(st store.Store, cfg Config, logger *zap.Logger) *Learner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = DefaultConfig().MinSamples
	}
	if cfg.HalfLife <= 0 {
		cfg.HalfLife = DefaultConfig().HalfLife
	}
	if cfg.DefaultBucket == "" {
		cfg.DefaultBucket = DefaultConfig().DefaultBucket
	}

	return &Learner{
		store:  st,
		config: cfg,
		logger: logger.With(zap.String("component", "preference")),
		now:    time.Now,
	}
}

// Observe appends one accept/reject observation.
func (l *Learner) Observe(ctx context.Context, topic, questionKind, timeBucket string, outcome Outcome) error {
	if topic == "" || questionKind == "" {
		return store.ErrInvalidInput
	}
	if outcome != OutcomeAccepted && outcome != OutcomeRejected {
		return fmt.Errorf("%w: unknown outcome %q", store.ErrInvalidInput, outcome)
	}
	if _, err := BucketHour(timeBucket); err != nil {
		return err
	}

	rec := Record{
		Topic:        topic,
		QuestionKind: questionKind,
		TimeBucket:   timeBucket,
		Outcome:      outcome,
		Timestamp:    l.now(),
	}
	data, err := json.Marshal(&rec)
	if err != nil {
		return err
	}
	if err := l.store.Put(ctx, recordsCollection, uuid.New().String(), data); err != nil {
		return err
	}

	l.logger.Debug("observation recorded",
		zap.String("topic", topic),
		zap.String("kind", questionKind),
		zap.String("bucket", timeBucket),
		zap.String("outcome", string(outcome)),
	)
	return nil
}

// OptimalTime returns the time bucket with the highest recency-weighted
// acceptance rate for (topic, questionKind), plus a confidence derived from
// the sample count. With fewer than MinSamples observations the default
// bucket is returned and Trusted is false; callers must not second-guess
// that fallback.
func (l *Learner) OptimalTime(ctx context.Context, topic, questionKind string) (Recommendation, error) {
	records, err := l.matching(ctx, topic, questionKind)
	if err != nil {
		return Recommendation{}, err
	}

	n := len(records)
	confidence := math.Min(1, float64(n)/float64(l.config.MinSamples))

	if n < l.config.MinSamples {
		l.logger.Debug("insufficient preference data, using default bucket",
			zap.String("topic", topic),
			zap.String("kind", questionKind),
			zap.Int("samples", n),
		)
		return Recommendation{
			Bucket:     l.config.DefaultBucket,
			Confidence: confidence,
			Trusted:    false,
			Samples:    n,
		}, nil
	}

	type tally struct {
		accepted float64
		rejected float64
	}
	now := l.now()
	halfLife := l.config.HalfLife.Hours()
	buckets := make(map[string]*tally)

	for _, rec := range records {
		age := now.Sub(rec.Timestamp).Hours()
		if age < 0 {
			age = 0
		}
		weight := math.Pow(0.5, age/halfLife)

		t, ok := buckets[rec.TimeBucket]
		if !ok {
			t = &tally{}
			buckets[rec.TimeBucket] = t
		}
		if rec.Outcome == OutcomeAccepted {
			t.accepted += weight
		} else {
			t.rejected += weight
		}
	}

	best := ""
	bestRate := -1.0
	for bucket, t := range buckets {
		rate := t.accepted / (t.accepted + t.rejected)
		if rate > bestRate || (rate == bestRate && bucket < best) {
			best = bucket
			bestRate = rate
		}
	}

	return Recommendation{
		Bucket:     best,
		Confidence: confidence,
		Trusted:    confidence >= TrustedConfidence,
		Samples:    n,
	}, nil
}

// matching loads all observations for (topic, questionKind).
func (l *Learner) matching(ctx context.Context, topic, questionKind string) ([]Record, error) {
	recs, err := l.store.Query(ctx, recordsCollection, func(id string, data []byte) bool {
		var probe struct {
			Topic        string `json:"topic"`
			QuestionKind string `json:"question_kind"`
		}
		return json.Unmarshal(data, &probe) == nil &&
			probe.Topic == topic && probe.QuestionKind == questionKind
	})
	if err != nil {
		return nil, err
	}

	out := make([]Record, 0, len(recs))
	for _, rec := range recs {
		var r Record
		if err := json.Unmarshal(rec.Data, &r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

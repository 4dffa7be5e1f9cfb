// Package budget enforces the hard daily spending ceiling for paid
// operations.
//
// The ceiling is fail-closed: when the day's budget is exhausted, or the
// backing store cannot be reached, CheckAvailable reports false. There is no
// override path; spending resumes on the next calendar day.
package budget

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/subtract0/trinity/internal/metrics"
	"github.com/subtract0/trinity/store"
)

const (
	stateCollection   = "budget_state"
	entriesCollection = "cost_entries"
)

// ErrBudgetExceeded is returned by RecordUsage when the usage would push the
// day's consumption past the limit. It is fatal for that operation only and
// is never retried automatically.
var ErrBudgetExceeded = errors.New("daily budget exceeded")

// Config tunes the enforcer.
type Config struct {
	// DailyLimit is the hard ceiling in dollars per calendar day.
	DailyLimit float64 `json:"daily_limit" yaml:"daily_limit"`

	// AlertThreshold is the consumed fraction (0..1) at which a soft
	// alert is logged. Informational only; never blocks.
	AlertThreshold float64 `json:"alert_threshold" yaml:"alert_threshold"`

	// Timezone names the location whose calendar days key the budget.
	Timezone string `json:"timezone" yaml:"timezone"`
}

// DefaultConfig returns the default budget configuration.
func DefaultConfig() Config {
	return Config{
		DailyLimit:     30.00,
		AlertThreshold: 0.8,
		Timezone:       "Local",
	}
}

// CostEntry is one append-only line of the audit trail. Entries are never
// mutated or deleted.
type CostEntry struct {
	Operation string    `json:"operation"`
	Cost      float64   `json:"cost"`
	Agent     string    `json:"agent"`
	Timestamp time.Time `json:"timestamp"`
}

// State is the authoritative budget position for one calendar day.
type State struct {
	Date     string  `json:"date"`
	Limit    float64 `json:"limit"`
	Consumed float64 `json:"consumed"`
}

// Enforcer meters paid operations against the daily ceiling. Every check
// reads authoritative state from the store; no in-process totals exist, so
// any number of instances enforce the same ceiling.
type Enforcer struct {
	store    store.Store
	config   Config
	location *time.Location
	logger   *zap.Logger
	metrics  *metrics.Collector
	now      func() time.Time
}

// New creates a budget enforcer.
func New(st store.Store, cfg Config, logger *zap.Logger, collector *metrics.Collector) (*Enforcer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DailyLimit <= 0 {
		cfg.DailyLimit = DefaultConfig().DailyLimit
	}
	if cfg.AlertThreshold <= 0 || cfg.AlertThreshold > 1 {
		cfg.AlertThreshold = DefaultConfig().AlertThreshold
	}

	loc := time.Local
	if cfg.Timezone != "" && cfg.Timezone != "Local" {
		var err error
		loc, err = time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("invalid timezone %q: %w", cfg.Timezone, err)
		}
	}

	return &Enforcer{
		store:    st,
		config:   cfg,
		location: loc,
		logger:   logger.With(zap.String("component", "budget")),
		metrics:  collector,
		now:      time.Now,
	}, nil
}

// Location returns the location whose calendar days key the budget.
func (e *Enforcer) Location() *time.Location {
	return e.location
}

// day returns the store key for the current calendar day.
func (e *Enforcer) day() string {
	return e.now().In(e.location).Format("2006-01-02")
}

// CheckAvailable reports whether an operation with the estimated cost fits in
// today's remaining budget. Fails closed: a store failure reports false
// rather than permitting unmetered spend.
func (e *Enforcer) CheckAvailable(ctx context.Context, estimatedCost float64) bool {
	if estimatedCost < 0 {
		return false
	}

	state, err := e.loadState(ctx, e.day())
	if err != nil {
		e.logger.Error("budget check failed closed", zap.Error(err))
		return false
	}

	ok := state.Consumed+round2(estimatedCost) <= state.Limit+centEpsilon
	if !ok {
		e.metrics.RecordBudgetRejection()
		e.logger.Info("budget check rejected",
			zap.Float64("estimated_cost", estimatedCost),
			zap.Float64("consumed", state.Consumed),
			zap.Float64("limit", state.Limit),
		)
	}
	return ok
}

// RecordUsage appends a CostEntry and adds its cost to today's consumption.
// The check-and-add runs inside a single atomic store update, so two
// concurrent callers can never jointly overspend; if the addition would
// breach the limit the usage is not recorded and ErrBudgetExceeded is
// returned.
func (e *Enforcer) RecordUsage(ctx context.Context, operation, agent string, cost float64) error {
	if cost < 0 {
		return fmt.Errorf("%w: negative cost", store.ErrInvalidInput)
	}
	cost = round2(cost)
	day := e.day()

	var after State
	err := e.store.Update(ctx, stateCollection, day, func(current []byte) ([]byte, error) {
		state := State{Date: day, Limit: e.config.DailyLimit}
		if current != nil {
			if err := json.Unmarshal(current, &state); err != nil {
				return nil, err
			}
		}
		if state.Consumed+cost > state.Limit+centEpsilon {
			return nil, ErrBudgetExceeded
		}
		state.Consumed = round2(state.Consumed + cost)
		after = state
		return json.Marshal(&state)
	})
	if err != nil {
		return err
	}

	entry := CostEntry{
		Operation: operation,
		Cost:      cost,
		Agent:     agent,
		Timestamp: e.now(),
	}
	data, err := json.Marshal(&entry)
	if err != nil {
		return err
	}
	if err := e.store.Put(ctx, entriesCollection, day+"/"+uuid.New().String(), data); err != nil {
		// Keep counter and audit trail consistent: release the
		// reservation we just made.
		e.rollback(ctx, day, cost)
		return err
	}

	e.metrics.SetBudgetConsumed(after.Consumed)
	e.logger.Info("usage recorded",
		zap.String("operation", operation),
		zap.String("agent", agent),
		zap.Float64("cost", cost),
		zap.Float64("consumed", after.Consumed),
		zap.Float64("limit", after.Limit),
	)

	if after.Consumed >= after.Limit*e.config.AlertThreshold {
		e.logger.Warn("budget alert threshold reached",
			zap.Float64("consumed", after.Consumed),
			zap.Float64("limit", after.Limit),
			zap.Float64("threshold", e.config.AlertThreshold),
		)
	}
	return nil
}

// rollback subtracts a reserved cost after a failed audit append.
func (e *Enforcer) rollback(ctx context.Context, day string, cost float64) {
	err := e.store.Update(ctx, stateCollection, day, func(current []byte) ([]byte, error) {
		if current == nil {
			return nil, store.ErrAbort
		}
		var state State
		if err := json.Unmarshal(current, &state); err != nil {
			return nil, err
		}
		state.Consumed = round2(math.Max(0, state.Consumed-cost))
		return json.Marshal(&state)
	})
	if err != nil && !errors.Is(err, store.ErrAbort) {
		e.logger.Error("budget rollback failed", zap.String("day", day), zap.Float64("cost", cost), zap.Error(err))
	}
}

// Status returns the authoritative budget state for today.
func (e *Enforcer) Status(ctx context.Context) (State, error) {
	return e.loadState(ctx, e.day())
}

// Entries returns the audit trail for the given day, oldest first.
func (e *Enforcer) Entries(ctx context.Context, day string) ([]CostEntry, error) {
	records, err := e.store.Query(ctx, entriesCollection, func(id string, data []byte) bool {
		return len(id) > len(day) && id[:len(day)] == day
	})
	if err != nil {
		return nil, err
	}

	entries := make([]CostEntry, 0, len(records))
	for _, rec := range records {
		var entry CostEntry
		if err := json.Unmarshal(rec.Data, &entry); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Timestamp.Before(entries[j].Timestamp)
	})
	return entries, nil
}

// loadState reads the state document for a day, synthesizing a fresh zeroed
// state when the day has no usage yet.
func (e *Enforcer) loadState(ctx context.Context, day string) (State, error) {
	data, err := e.store.Get(ctx, stateCollection, day)
	if errors.Is(err, store.ErrNotFound) {
		return State{Date: day, Limit: e.config.DailyLimit}, nil
	}
	if err != nil {
		return State{}, err
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return State{}, err
	}
	return state, nil
}

// centEpsilon absorbs float64 representation error at 2dp comparisons.
const centEpsilon = 1e-9

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

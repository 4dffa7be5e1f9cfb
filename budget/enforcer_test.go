package budget

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/subtract0/trinity/store"
)

func newTestEnforcer(t *testing.T, cfg Config) (*Enforcer, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	t.Cleanup(func() { st.Close() })
	e, err := New(st, cfg, zap.NewNop(), nil)
	require.NoError(t, err)
	return e, st
}

func TestEnforcementSequence(t *testing.T) {
	e, _ := newTestEnforcer(t, Config{DailyLimit: 30.00, AlertThreshold: 0.8, Timezone: "UTC"})
	ctx := context.Background()

	require.NoError(t, e.RecordUsage(ctx, "api-call", "atlas", 25.00))

	assert.False(t, e.CheckAvailable(ctx, 10.00), "10.00 must not fit with 5.00 remaining")
	assert.True(t, e.CheckAvailable(ctx, 4.00), "4.00 must fit with 5.00 remaining")

	require.NoError(t, e.RecordUsage(ctx, "api-call", "atlas", 4.00))

	state, err := e.Status(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 29.00, state.Consumed, centEpsilon)
	assert.InDelta(t, 30.00, state.Limit, centEpsilon)
}

func TestRecordUsageRefusesOverspend(t *testing.T) {
	e, _ := newTestEnforcer(t, Config{DailyLimit: 10.00, Timezone: "UTC"})
	ctx := context.Background()

	require.NoError(t, e.RecordUsage(ctx, "op", "atlas", 9.50))
	err := e.RecordUsage(ctx, "op", "atlas", 1.00)
	require.ErrorIs(t, err, ErrBudgetExceeded)

	// The rejected usage must leave both counter and audit trail untouched.
	state, err := e.Status(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 9.50, state.Consumed, centEpsilon)

	entries, err := e.Entries(ctx, e.day())
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestExactLimitAllowed(t *testing.T) {
	e, _ := newTestEnforcer(t, Config{DailyLimit: 30.00, Timezone: "UTC"})
	ctx := context.Background()

	// Three 10.00 spends land exactly on the ceiling without a float64
	// artifact rejecting the last one.
	for i := 0; i < 3; i++ {
		require.NoError(t, e.RecordUsage(ctx, "op", "atlas", 10.00))
	}
	require.ErrorIs(t, e.RecordUsage(ctx, "op", "atlas", 0.01), ErrBudgetExceeded)
	assert.False(t, e.CheckAvailable(ctx, 0.01))
	assert.True(t, e.CheckAvailable(ctx, 0))
}

func TestDailyReset(t *testing.T) {
	e, _ := newTestEnforcer(t, Config{DailyLimit: 30.00, Timezone: "UTC"})
	ctx := context.Background()

	day1 := time.Date(2026, 4, 10, 23, 50, 0, 0, time.UTC)
	e.now = func() time.Time { return day1 }

	require.NoError(t, e.RecordUsage(ctx, "op", "atlas", 30.00))
	assert.False(t, e.CheckAvailable(ctx, 0.01))

	// Ten minutes later it is a new calendar day with a fresh ceiling.
	e.now = func() time.Time { return day1.Add(10 * time.Minute) }

	assert.True(t, e.CheckAvailable(ctx, 30.00))
	state, err := e.Status(ctx)
	require.NoError(t, err)
	assert.Zero(t, state.Consumed)

	// Yesterday's audit trail is still intact.
	entries, err := e.Entries(ctx, "2026-04-10")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestCheckAvailableFailsClosed(t *testing.T) {
	e, st := newTestEnforcer(t, Config{DailyLimit: 30.00, Timezone: "UTC"})
	require.NoError(t, st.Close())

	assert.False(t, e.CheckAvailable(context.Background(), 0.01),
		"an unreachable store must deny spending, not allow it")
}

func TestNegativeCostRejected(t *testing.T) {
	e, _ := newTestEnforcer(t, Config{DailyLimit: 30.00, Timezone: "UTC"})
	ctx := context.Background()

	assert.False(t, e.CheckAvailable(ctx, -1))
	require.ErrorIs(t, e.RecordUsage(ctx, "op", "atlas", -1), store.ErrInvalidInput)
}

// TestConcurrentRecordUsage hammers RecordUsage from many goroutines and
// verifies the ceiling holds: total recorded spend never exceeds the limit
// and the audit trail matches the counter.
func TestConcurrentRecordUsage(t *testing.T) {
	e, _ := newTestEnforcer(t, Config{DailyLimit: 10.00, Timezone: "UTC"})
	ctx := context.Background()

	const workers = 20
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Each call costs 1.00; only 10 of 20 can succeed.
			_ = e.RecordUsage(ctx, "op", "atlas", 1.00)
		}()
	}
	wg.Wait()

	state, err := e.Status(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 10.00, state.Consumed, centEpsilon)

	entries, err := e.Entries(ctx, e.day())
	require.NoError(t, err)
	assert.Len(t, entries, 10)
}

func TestEntriesAuditFields(t *testing.T) {
	e, _ := newTestEnforcer(t, Config{DailyLimit: 30.00, Timezone: "UTC"})
	ctx := context.Background()

	require.NoError(t, e.RecordUsage(ctx, "llm-call", "muse", 1.25))

	entries, err := e.Entries(ctx, e.day())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "llm-call", entries[0].Operation)
	assert.Equal(t, "muse", entries[0].Agent)
	assert.InDelta(t, 1.25, entries[0].Cost, centEpsilon)
	assert.False(t, entries[0].Timestamp.IsZero())
}

package budget

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/lpkeeper/journal"
	"github.com/rustyeddy/lpkeeper/model"
)

var now = time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)

func clock() time.Time { return now }

func newPolicy(t *testing.T, store journal.Store) *model.Policy {
	t.Helper()
	p := &model.Policy{
		ID:                 "pol-1",
		UserID:             "user-1",
		WalletAddress:      "wallet-1",
		TotalBudgetUSD:     100,
		MinPositionSizeUSD: 10,
		MaxPositionSizeUSD: 50,
		MaxPositions:       3,
		MaxDailySpendUSD:   40,
		IsActive:           true,
	}
	require.NoError(t, store.SavePolicy(context.Background(), p))
	return p
}

func addExecuted(t *testing.T, store journal.Store, p *model.Policy, id string, cost float64, at time.Time) {
	t.Helper()
	require.NoError(t, store.CreateLog(context.Background(), &model.ActionLog{
		ID:            id,
		UserID:        p.UserID,
		PolicyID:      p.ID,
		Kind:          model.ActionClaimFees,
		Status:        model.LogExecuted,
		ActualCostUSD: cost,
		TriggeredBy:   model.TriggerRule,
		CreatedAt:     at,
		ExecutedAt:    &at,
	}))
}

func addApproval(t *testing.T, store journal.Store, p *model.Policy, id string, cost float64, expires time.Time) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.CreateLog(ctx, &model.ActionLog{
		ID: "log-" + id, UserID: p.UserID, PolicyID: p.ID,
		Kind: model.ActionRebalance, Status: model.LogPending, TriggeredBy: model.TriggerRule,
		CreatedAt: now.Add(-time.Hour),
	}))
	require.NoError(t, store.CreateApproval(ctx, &model.ApprovalRequest{
		ID: id, LogID: "log-" + id, UserID: p.UserID, PolicyID: p.ID,
		Kind: model.ActionRebalance, EstimatedCostUSD: cost, Status: model.ApprovalPending,
		CreatedAt: now.Add(-time.Hour), ExpiresAt: expires,
	}))
}

func TestStateEmpty(t *testing.T) {
	t.Parallel()

	store := journal.NewMemory()
	p := newPolicy(t, store)
	p.SpentUSD = 25

	st, err := NewLedger(store, p, clock).State(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 100.0, st.TotalBudgetUSD)
	assert.Equal(t, 25.0, st.SpentUSD)
	assert.Equal(t, 0.0, st.ReservedUSD)
	assert.Equal(t, 75.0, st.AvailableUSD)
	assert.Empty(t, st.DailySpend)
}

func TestStateDailySpend(t *testing.T) {
	t.Parallel()

	store := journal.NewMemory()
	p := newPolicy(t, store)

	addExecuted(t, store, p, "a", 1.5, now.Add(-2*time.Hour))
	addExecuted(t, store, p, "b", 2.5, now.Add(-time.Hour))
	addExecuted(t, store, p, "c", 4, now.AddDate(0, 0, -1))
	addExecuted(t, store, p, "old", 99, now.AddDate(0, 0, -30))

	st, err := NewLedger(store, p, clock).State(context.Background())
	require.NoError(t, err)

	assert.InDelta(t, 4.0, st.TodaySpendUSD, 1e-9)
	require.Len(t, st.DailySpend, 2)
	assert.Equal(t, "2026-03-09", st.DailySpend[0].Date)
	assert.InDelta(t, 4.0, st.DailySpend[0].Amount, 1e-9)
	assert.Equal(t, "2026-03-10", st.DailySpend[1].Date)
	assert.InDelta(t, 4.0, st.DailySpend[1].Amount, 1e-9)
}

func TestReservationAccounting(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := journal.NewMemory()
	p := newPolicy(t, store)
	ledger := NewLedger(store, p, clock)

	addApproval(t, store, p, "ap-live", 30, now.Add(time.Hour))
	addApproval(t, store, p, "ap-stale", 20, now.Add(-time.Second))

	st, err := ledger.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, 30.0, st.ReservedUSD)
	assert.Equal(t, 70.0, st.AvailableUSD)

	a, err := store.GetApproval(ctx, "ap-live")
	require.NoError(t, err)
	require.NoError(t, a.Resolve(model.ApprovalRejected, now, "no"))
	require.NoError(t, store.UpdateApproval(ctx, a))

	st, err = ledger.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0.0, st.ReservedUSD)
	assert.Equal(t, 100.0, st.AvailableUSD)
}

func TestCanSpend(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		spent   float64
		today   float64
		amount  float64
		allowed bool
		code    string
		reason  string
	}{
		{"fits", 0, 0, 10, true, "", ""},
		{"exactly available", 60, 0, 40, true, "", ""},
		{"over available", 90, 0, 10.01, false, CodeInsufficientBudget, "available $10.00, required $10.01"},
		{"daily limit", 0, 35, 6, false, CodeDailyLimit, "today's spend $35.00"},
		{"daily limit boundary", 0, 35, 5, true, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			store := journal.NewMemory()
			p := newPolicy(t, store)
			p.SpentUSD = tt.spent
			if tt.today > 0 {
				addExecuted(t, store, p, "today", tt.today, now.Add(-time.Minute))
			}

			got, err := NewLedger(store, p, clock).CanSpend(context.Background(), tt.amount)
			require.NoError(t, err)
			assert.Equal(t, tt.allowed, got.Allowed)
			assert.Equal(t, tt.code, got.Code)
			if tt.reason != "" {
				assert.Contains(t, got.Reason, tt.reason)
			}
		})
	}
}

func TestRecordSpend(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := journal.NewMemory()
	p := newPolicy(t, store)
	ledger := NewLedger(store, p, clock)

	require.NoError(t, ledger.RecordSpend(ctx, 12.5))
	require.NoError(t, ledger.RecordSpend(ctx, 0))
	assert.Equal(t, 12.5, p.SpentUSD)

	stored, err := store.GetPolicy(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 12.5, stored.SpentUSD)

	assert.Error(t, ledger.RecordSpend(ctx, -1))
	assert.Equal(t, 12.5, p.SpentUSD)
}

func TestSpendNeverExceedsCeiling(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := journal.NewMemory()
	p := newPolicy(t, store)
	p.MaxDailySpendUSD = 1e9
	ledger := NewLedger(store, p, clock)

	rng := rand.New(rand.NewSource(7))
	prev := 0.0
	for i := 0; i < 200; i++ {
		amount := rng.Float64() * 15
		chk, err := ledger.CanSpend(ctx, amount)
		require.NoError(t, err)
		if !chk.Allowed {
			continue
		}
		require.NoError(t, ledger.RecordSpend(ctx, amount))
		assert.GreaterOrEqual(t, p.SpentUSD, prev)
		assert.LessOrEqual(t, p.SpentUSD, p.TotalBudgetUSD+1e-9)
		prev = p.SpentUSD
	}
}

func TestStateOverrun(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := journal.NewMemory()
	p := newPolicy(t, store)
	p.SpentUSD = 99.9
	require.NoError(t, store.SavePolicy(ctx, p))
	ledger := NewLedger(store, p, clock)

	// actual cost came in above what CanSpend approved
	require.NoError(t, ledger.RecordSpend(ctx, 0.5))
	assert.InDelta(t, 100.4, p.SpentUSD, 1e-9)
	require.NoError(t, p.Validate())

	st, err := ledger.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0.0, st.AvailableUSD)

	chk, err := ledger.CanSpend(ctx, 0.01)
	require.NoError(t, err)
	assert.False(t, chk.Allowed)
	assert.Equal(t, CodeInsufficientBudget, chk.Code)
}

func TestDailySpendByExecutionDay(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := journal.NewMemory()
	p := newPolicy(t, store)

	// logged late yesterday, approved and sent this morning
	created := now.AddDate(0, 0, -1).Add(8 * time.Hour)
	executed := now.Add(-6 * time.Hour)
	require.NoError(t, store.CreateLog(ctx, &model.ActionLog{
		ID: "late", UserID: p.UserID, PolicyID: p.ID,
		Kind: model.ActionRebalance, Status: model.LogExecuted, ActualCostUSD: 30,
		TriggeredBy: model.TriggerRule, CreatedAt: created, ExecutedAt: &executed,
	}))
	// created outside the window but executed inside it
	old := now.AddDate(0, 0, -HistoryDays-2)
	require.NoError(t, store.CreateLog(ctx, &model.ActionLog{
		ID: "stale", UserID: p.UserID, PolicyID: p.ID,
		Kind: model.ActionRebalance, Status: model.LogExecuted, ActualCostUSD: 2,
		TriggeredBy: model.TriggerRule, CreatedAt: old, ExecutedAt: &executed,
	}))

	ledger := NewLedger(store, p, clock)
	st, err := ledger.State(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 32.0, st.TodaySpendUSD, 1e-9)
	require.Len(t, st.DailySpend, 1)
	assert.Equal(t, "2026-03-10", st.DailySpend[0].Date)

	chk, err := ledger.CanSpend(ctx, 10)
	require.NoError(t, err)
	assert.False(t, chk.Allowed)
	assert.Equal(t, CodeDailyLimit, chk.Code)
}

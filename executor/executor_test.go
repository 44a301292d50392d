package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/lpkeeper/approval"
	"github.com/rustyeddy/lpkeeper/broker"
	"github.com/rustyeddy/lpkeeper/broker/sim"
	"github.com/rustyeddy/lpkeeper/budget"
	"github.com/rustyeddy/lpkeeper/journal"
	"github.com/rustyeddy/lpkeeper/model"
	"github.com/rustyeddy/lpkeeper/risk"
)

var t0 = time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)

// snapshot is a position source the tests edit between calls.
type snapshot struct {
	positions []model.Position
	err       error
}

func (s *snapshot) ActivePositions(context.Context, string, string) ([]model.Position, error) {
	return s.positions, s.err
}

type fixture struct {
	store  *journal.Memory
	policy *model.Policy
	ledger *budget.Ledger
	wf     *approval.Workflow
	signer *sim.Signer
	snap   *snapshot
	exec   *Executor
	now    time.Time
}

func newFixture(t *testing.T, mutate func(*model.Policy)) *fixture {
	t.Helper()

	f := &fixture{store: journal.NewMemory(), now: t0}
	clock := func() time.Time { return f.now }

	f.policy = &model.Policy{
		ID:                    "pol-1",
		UserID:                "user-1",
		WalletAddress:         "wallet-1",
		TotalBudgetUSD:        1000,
		MinPositionSizeUSD:    100,
		MaxPositionSizeUSD:    500,
		ClaimFeeThresholdUSD:  5,
		MaxPositions:          1,
		MaxDailySpendUSD:      200,
		RequireManualApproval: true,
		ApprovalThresholdUSD:  100,
		IsActive:              true,
	}
	if mutate != nil {
		mutate(f.policy)
	}
	require.NoError(t, f.store.SavePolicy(context.Background(), f.policy))

	f.ledger = budget.NewLedger(f.store, f.policy, clock)
	f.wf = approval.NewWorkflow(f.store, time.Hour, clock, nil)
	f.signer = sim.NewSigner(190)
	f.snap = &snapshot{positions: []model.Position{*claimable()}}
	f.exec = New(Deps{
		Store:     f.store,
		Policy:    f.policy,
		Gate:      risk.NewGate(f.policy, f.ledger, risk.DefaultLimits()),
		Ledger:    f.ledger,
		Approvals: f.wf,
		Builder:   sim.Builder{},
		Signer:    f.signer,
		Positions: f.snap,
		Now:       clock,
	})
	return f
}

func claimable() *model.Position {
	return &model.Position{PositionID: "pos-1", PoolID: "pool-1", TotalUSD: 800, UnclaimedFeesUSD: 10, OutOfRange: true}
}

func claim() model.Proposal {
	return model.Proposal{Kind: model.ActionClaimFees, PositionID: "pos-1", PoolID: "pool-1",
		EstimatedCostUSD: 0.19, ShouldExecute: true, Reason: "fees ready"}
}

func rebalance(approval bool) model.Proposal {
	return model.Proposal{Kind: model.ActionRebalance, PositionID: "pos-1", PoolID: "pool-1",
		EstimatedCostUSD: 0.38, ShouldExecute: true, RequiresApproval: approval, Reason: "out of range"}
}

func TestExecuteAuto(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	res, err := f.exec.ExecuteAction(ctx, claim(), claimable())
	require.NoError(t, err)
	assert.False(t, res.RequiresApproval)
	assert.Empty(t, res.ApprovalID)
	assert.False(t, res.Rejected())

	l, err := f.store.GetLog(ctx, res.Log.ID)
	require.NoError(t, err)
	assert.Equal(t, model.LogPending, l.Status)
	assert.Equal(t, "auto_claim_fees", l.RuleName)
	assert.Equal(t, model.TriggerRule, l.TriggeredBy)
	assert.Equal(t, "fees ready", l.Metadata["reason"])
	assert.Equal(t, false, l.Metadata["requiresApproval"])
	assert.Equal(t, t0, l.CreatedAt)

	approvals, err := f.store.ListApprovals(ctx, journal.ApprovalFilter{LogID: l.ID})
	require.NoError(t, err)
	assert.Empty(t, approvals)
}

func TestExecuteSafetyRejected(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	pos := claimable()
	pos.UnclaimedFeesUSD = 1
	res, err := f.exec.ExecuteAction(ctx, claim(), pos)
	require.NoError(t, err)
	assert.True(t, res.Rejected())

	l, err := f.store.GetLog(ctx, res.Log.ID)
	require.NoError(t, err)
	assert.Equal(t, model.LogFailed, l.Status)
	assert.NotNil(t, l.FailedAt)
	assert.Contains(t, l.ErrorMessage, "below threshold")
	assert.Equal(t, []string{risk.CodeFeesBelowMin}, l.Metadata["violations"])

	approvals, err := f.store.ListApprovals(ctx, journal.ApprovalFilter{})
	require.NoError(t, err)
	assert.Empty(t, approvals)
}

func TestExecuteBudgetRejected(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(p *model.Policy) { p.MaxDailySpendUSD = 0.1 })

	res, err := f.exec.ExecuteAction(context.Background(), claim(), claimable())
	require.NoError(t, err)
	assert.True(t, res.Rejected())
	assert.Contains(t, res.Log.ErrorMessage, "daily limit exceeded")
	assert.Equal(t, []string{budget.CodeDailyLimit}, res.Log.Metadata["violations"])
}

func TestExecuteNeedsApproval(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	before, err := f.ledger.State(ctx)
	require.NoError(t, err)

	res, err := f.exec.ExecuteAction(ctx, rebalance(true), claimable())
	require.NoError(t, err)
	require.True(t, res.RequiresApproval)
	require.NotEmpty(t, res.ApprovalID)
	assert.Equal(t, model.LogPending, res.Log.Status)
	assert.Equal(t, true, res.Log.Metadata["requiresApproval"])

	a, err := f.store.GetApproval(ctx, res.ApprovalID)
	require.NoError(t, err)
	assert.Equal(t, res.Log.ID, a.LogID)
	assert.Equal(t, t0.Add(time.Hour), a.ExpiresAt)
	require.NotNil(t, a.Details.TotalUSD)
	assert.Equal(t, 800.0, *a.Details.TotalUSD)
	require.NotNil(t, a.Details.OutOfRange)
	assert.True(t, *a.Details.OutOfRange)

	// the pending approval reserves its cost
	during, err := f.ledger.State(ctx)
	require.NoError(t, err)
	assert.InDelta(t, before.AvailableUSD-0.38, during.AvailableUSD, 1e-9)

	require.NoError(t, f.wf.Decide(ctx, "user-1", a.ID, approval.Reject, "no"))
	after, err := f.ledger.State(ctx)
	require.NoError(t, err)
	assert.InDelta(t, before.AvailableUSD, after.AvailableUSD, 1e-9)
}

func TestExecuteApprovalBoundary(t *testing.T) {
	t.Parallel()

	tests := []struct {
		cost float64
		want bool
	}{
		{100, false},
		{100.01, true},
	}
	for _, tt := range tests {
		f := newFixture(t, nil)
		prop := model.Proposal{Kind: model.ActionOpenPosition, EstimatedCostUSD: tt.cost, ShouldExecute: true}
		res, err := f.exec.ExecuteAction(context.Background(), prop, nil)
		require.NoError(t, err)
		assert.Equal(t, tt.want, res.RequiresApproval, "cost %.2f", tt.cost)
	}
}

func TestUpdateLogAfterExecution(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	ok, err := f.exec.ExecuteAction(ctx, claim(), claimable())
	require.NoError(t, err)
	require.NoError(t, f.exec.UpdateLogAfterExecution(ctx, ok.Log.ID, "sig-1", 0.2, 0.001, true))

	l, err := f.store.GetLog(ctx, ok.Log.ID)
	require.NoError(t, err)
	assert.Equal(t, model.LogExecuted, l.Status)
	assert.Equal(t, "sig-1", l.Signature)
	assert.Equal(t, 0.2, l.ActualCostUSD)
	assert.NotNil(t, l.ExecutedAt)
	assert.InDelta(t, 0.2, f.policy.SpentUSD, 1e-9)

	// terminal logs never change
	err = f.exec.UpdateLogAfterExecution(ctx, ok.Log.ID, "sig-2", 5, 0, true)
	assert.ErrorIs(t, err, model.ErrTerminal)
	assert.InDelta(t, 0.2, f.policy.SpentUSD, 1e-9)

	bad, err := f.exec.ExecuteAction(ctx, claim(), claimable())
	require.NoError(t, err)
	require.NoError(t, f.exec.UpdateLogAfterExecution(ctx, bad.Log.ID, "", 0.19, 0, false))
	l, err = f.store.GetLog(ctx, bad.Log.ID)
	require.NoError(t, err)
	assert.Equal(t, model.LogFailed, l.Status)
	assert.NotEmpty(t, l.ErrorMessage)
	assert.InDelta(t, 0.2, f.policy.SpentUSD, 1e-9)

	stored, err := f.store.GetPolicy(ctx, "pol-1")
	require.NoError(t, err)
	assert.InDelta(t, 0.2, stored.SpentUSD, 1e-9)
}

func TestSettleAuto(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	res, err := f.exec.ExecuteAction(ctx, claim(), claimable())
	require.NoError(t, err)

	l, err := f.exec.Settle(ctx, res.Log.ID)
	require.NoError(t, err)
	assert.Equal(t, model.LogExecuted, l.Status)
	assert.Contains(t, l.Signature, "sim-")
	assert.InDelta(t, 0.19, l.ActualCostUSD, 1e-9)
	assert.InDelta(t, 0.19, f.policy.SpentUSD, 1e-9)

	sent := f.signer.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "wallet-1", sent[0].Wallet)
	assert.Equal(t, "pos-1", sent[0].PositionID)

	_, err = f.exec.Settle(ctx, res.Log.ID)
	assert.ErrorIs(t, err, model.ErrTerminal)
}

func TestSettleRequiresDecision(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	res, err := f.exec.ExecuteAction(ctx, rebalance(true), claimable())
	require.NoError(t, err)

	_, err = f.exec.Settle(ctx, res.Log.ID)
	assert.ErrorIs(t, err, model.ErrInvalidTransition)

	require.NoError(t, f.wf.Decide(ctx, "user-1", res.ApprovalID, approval.Approve, ""))
	l, err := f.exec.Settle(ctx, res.Log.ID)
	require.NoError(t, err)
	assert.Equal(t, model.LogExecuted, l.Status)
}

func TestSettleExpiredApproval(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	res, err := f.exec.ExecuteAction(ctx, rebalance(true), claimable())
	require.NoError(t, err)

	f.now = t0.Add(2 * time.Hour)
	_, err = f.exec.Settle(ctx, res.Log.ID)
	assert.ErrorIs(t, err, model.ErrApprovalExpired)

	l, err := f.store.GetLog(ctx, res.Log.ID)
	require.NoError(t, err)
	assert.Equal(t, model.LogCancelled, l.Status)
}

func TestSettleOpenAmount(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(p *model.Policy) { p.RequireManualApproval = false })
	ctx := context.Background()

	prop := model.Proposal{Kind: model.ActionOpenPosition, EstimatedCostUSD: 100.19, ShouldExecute: true}
	res, err := f.exec.ExecuteAction(ctx, prop, nil)
	require.NoError(t, err)
	_, err = f.exec.Settle(ctx, res.Log.ID)
	require.NoError(t, err)

	sent := f.signer.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, 100.0, sent[0].AmountUSD)
}

type failingBuilder struct{}

func (failingBuilder) Build(context.Context, broker.TxRequest) ([]byte, error) {
	return nil, errors.New("builder offline")
}

func TestSettleCollaboratorFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()
	f.exec.builder = failingBuilder{}

	res, err := f.exec.ExecuteAction(ctx, claim(), claimable())
	require.NoError(t, err)

	l, err := f.exec.Settle(ctx, res.Log.ID)
	var cerr *model.CollaboratorError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "build transaction", cerr.Op)
	assert.Equal(t, model.LogFailed, l.Status)

	stored, err := f.store.GetLog(ctx, res.Log.ID)
	require.NoError(t, err)
	assert.Equal(t, model.LogFailed, stored.Status)
	assert.Contains(t, stored.ErrorMessage, "builder offline")
	assert.Zero(t, f.policy.SpentUSD)
}

func TestExecuteSkipsInFlight(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	first, err := f.exec.ExecuteAction(ctx, claim(), claimable())
	require.NoError(t, err)
	require.False(t, first.InFlight)

	f.now = t0.Add(5 * time.Minute)
	again, err := f.exec.ExecuteAction(ctx, claim(), claimable())
	require.NoError(t, err)
	assert.True(t, again.InFlight)
	assert.False(t, again.Rejected())
	assert.Equal(t, first.Log.ID, again.Log.ID)

	logs, err := f.store.ListLogs(ctx, journal.LogFilter{PolicyID: "pol-1"})
	require.NoError(t, err)
	assert.Len(t, logs, 1)

	// a different kind on the same position is not held up
	other, err := f.exec.ExecuteAction(ctx, rebalance(false), claimable())
	require.NoError(t, err)
	assert.False(t, other.InFlight)

	_, err = f.exec.Settle(ctx, first.Log.ID)
	require.NoError(t, err)
	next, err := f.exec.ExecuteAction(ctx, claim(), claimable())
	require.NoError(t, err)
	assert.False(t, next.InFlight)
	assert.NotEqual(t, first.Log.ID, next.Log.ID)
}

func TestExecuteInFlightLapsedApproval(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	first, err := f.exec.ExecuteAction(ctx, rebalance(true), claimable())
	require.NoError(t, err)
	again, err := f.exec.ExecuteAction(ctx, rebalance(true), claimable())
	require.NoError(t, err)
	assert.True(t, again.InFlight)

	f.now = t0.Add(2 * time.Hour)
	fresh, err := f.exec.ExecuteAction(ctx, rebalance(true), claimable())
	require.NoError(t, err)
	assert.False(t, fresh.InFlight)
	assert.True(t, fresh.RequiresApproval)

	old, err := f.store.GetLog(ctx, first.Log.ID)
	require.NoError(t, err)
	assert.Equal(t, model.LogCancelled, old.Status)
}

func TestSettleRechecksPosition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		prop   model.Proposal
		now    []model.Position
		code   string
		reason string
	}{
		{
			name:   "fees already claimed",
			prop:   claim(),
			now:    []model.Position{{PositionID: "pos-1", PoolID: "pool-1", TotalUSD: 800, OutOfRange: true}},
			code:   risk.CodeFeesBelowMin,
			reason: "below threshold",
		},
		{
			name:   "back in range",
			prop:   rebalance(false),
			now:    []model.Position{{PositionID: "pos-1", PoolID: "pool-1", TotalUSD: 800, UnclaimedFeesUSD: 10}},
			code:   risk.CodeInRange,
			reason: "still in range",
		},
		{
			name:   "position closed",
			prop:   claim(),
			now:    nil,
			code:   risk.CodeNoPositionInfo,
			reason: "position info not provided",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, nil)
			ctx := context.Background()

			res, err := f.exec.ExecuteAction(ctx, tt.prop, claimable())
			require.NoError(t, err)
			require.False(t, res.Rejected())
			require.False(t, res.RequiresApproval)

			f.snap.positions = tt.now
			l, err := f.exec.Settle(ctx, res.Log.ID)
			require.NoError(t, err)
			assert.Equal(t, model.LogFailed, l.Status)

			stored, err := f.store.GetLog(ctx, res.Log.ID)
			require.NoError(t, err)
			assert.Equal(t, model.LogFailed, stored.Status)
			assert.Contains(t, stored.ErrorMessage, tt.reason)
			assert.Equal(t, []string{tt.code}, stored.Metadata["violations"])

			assert.Empty(t, f.signer.Sent())
			assert.Zero(t, f.policy.SpentUSD)
		})
	}
}

func TestSettleSnapshotUnavailable(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	res, err := f.exec.ExecuteAction(ctx, claim(), claimable())
	require.NoError(t, err)

	f.snap.err = errors.New("indexer down")
	_, err = f.exec.Settle(ctx, res.Log.ID)
	var cerr *model.CollaboratorError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "fetch positions", cerr.Op)

	// the log waits for the next attempt
	stored, err := f.store.GetLog(ctx, res.Log.ID)
	require.NoError(t, err)
	assert.Equal(t, model.LogPending, stored.Status)
	assert.Empty(t, f.signer.Sent())

	f.snap.err = nil
	l, err := f.exec.Settle(ctx, res.Log.ID)
	require.NoError(t, err)
	assert.Equal(t, model.LogExecuted, l.Status)
}

// duplicate writes a pending claim log directly, as older runs could.
func (f *fixture) duplicate(t *testing.T, id string, created time.Time) {
	t.Helper()
	require.NoError(t, f.store.CreateLog(context.Background(), &model.ActionLog{
		ID: id, UserID: "user-1", PolicyID: "pol-1", Kind: model.ActionClaimFees,
		Status: model.LogPending, PositionID: "pos-1", PoolID: "pool-1", EstimatedCostUSD: 0.19,
		TriggeredBy: model.TriggerRule, RuleName: "auto_claim_fees",
		Metadata:  map[string]any{"reason": "fees ready", "requiresApproval": false},
		CreatedAt: created,
	}))
}

func TestSettleDuplicatesSendOnce(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	f.duplicate(t, "first", t0)
	f.duplicate(t, "second", t0.Add(time.Minute))

	// the later log yields to the earlier one
	l, err := f.exec.Settle(ctx, "second")
	require.NoError(t, err)
	assert.Equal(t, model.LogFailed, l.Status)
	assert.Contains(t, l.ErrorMessage, "superseded by pending log first")

	f.now = t0.Add(2 * time.Minute)
	l, err = f.exec.Settle(ctx, "first")
	require.NoError(t, err)
	assert.Equal(t, model.LogExecuted, l.Status)
	assert.Len(t, f.signer.Sent(), 1)
}

func TestSettleAfterSiblingExecuted(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	f.duplicate(t, "first", t0)
	f.now = t0.Add(2 * time.Minute)
	_, err := f.exec.Settle(ctx, "first")
	require.NoError(t, err)

	// created before the sibling executed; the snapshot still shows fees
	f.duplicate(t, "late", t0.Add(time.Minute))
	l, err := f.exec.Settle(ctx, "late")
	require.NoError(t, err)
	assert.Equal(t, model.LogFailed, l.Status)
	assert.Contains(t, l.ErrorMessage, "already executed by log first")
	assert.Len(t, f.signer.Sent(), 1)
	assert.InDelta(t, 0.19, f.policy.SpentUSD, 1e-9)
}

func TestSpendOverrun(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(p *model.Policy) { p.SpentUSD = 999.8 })
	ctx := context.Background()

	res, err := f.exec.ExecuteAction(ctx, claim(), claimable())
	require.NoError(t, err)
	require.False(t, res.Rejected())

	// the chain charged more than estimated
	require.NoError(t, f.exec.UpdateLogAfterExecution(ctx, res.Log.ID, "sig-1", 0.5, 0, true))
	assert.InDelta(t, 1000.3, f.policy.SpentUSD, 1e-9)
	require.NoError(t, f.policy.Validate())

	st, err := f.ledger.State(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.AvailableUSD)

	next, err := f.exec.ExecuteAction(ctx, claim(), claimable())
	require.NoError(t, err)
	assert.True(t, next.Rejected())
	assert.Equal(t, []string{budget.CodeInsufficientBudget}, next.Log.Metadata["violations"])
}

func TestSettleWithoutBroker(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.exec.signer = nil

	_, err := f.exec.Settle(context.Background(), "anything")
	var cfg *model.ConfigurationError
	assert.ErrorAs(t, err, &cfg)

	f = newFixture(t, nil)
	f.exec.positions = nil
	_, err = f.exec.Settle(context.Background(), "anything")
	require.ErrorAs(t, err, &cfg)
	assert.Equal(t, "positions", cfg.Field)
}

func TestCancel(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	res, err := f.exec.ExecuteAction(ctx, claim(), claimable())
	require.NoError(t, err)
	l, err := f.exec.Cancel(ctx, res.Log.ID, "operator")
	require.NoError(t, err)
	assert.Equal(t, model.LogCancelled, l.Status)
	assert.Equal(t, "operator", l.ErrorMessage)

	_, err = f.exec.Cancel(ctx, res.Log.ID, "")
	assert.ErrorIs(t, err, model.ErrTerminal)

	gated, err := f.exec.ExecuteAction(ctx, rebalance(true), claimable())
	require.NoError(t, err)
	_, err = f.exec.Cancel(ctx, gated.Log.ID, "")
	assert.ErrorIs(t, err, model.ErrInvalidTransition)

	_, err = f.exec.Cancel(ctx, "missing", "")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

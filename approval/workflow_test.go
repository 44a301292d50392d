package approval

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/lpkeeper/journal"
	"github.com/rustyeddy/lpkeeper/model"
)

var t0 = time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)

type fixture struct {
	store *journal.Memory
	wf    *Workflow
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{store: journal.NewMemory(), now: t0}
	f.wf = NewWorkflow(f.store, time.Hour, func() time.Time { return f.now }, nil)
	return f
}

// pending creates a pending log plus its approval.
func (f *fixture) pending(t *testing.T, logID string, cost float64) *model.ApprovalRequest {
	t.Helper()
	ctx := context.Background()
	l := &model.ActionLog{
		ID:               logID,
		UserID:           "user-1",
		PolicyID:         "pol-1",
		Kind:             model.ActionRebalance,
		Status:           model.LogPending,
		PositionID:       "pos-1",
		EstimatedCostUSD: cost,
		CreatedAt:        f.now,
	}
	require.NoError(t, f.store.CreateLog(ctx, l))
	total := 900.0
	a, err := f.wf.Create(ctx, l, model.ApprovalDetails{PositionID: "pos-1", TotalUSD: &total, Reason: "out of range"})
	require.NoError(t, err)
	return a
}

func TestCreate(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	a := f.pending(t, "log-1", 0.38)
	assert.Equal(t, model.ApprovalPending, a.Status)
	assert.Equal(t, t0.Add(time.Hour), a.ExpiresAt)
	assert.Equal(t, "log-1", a.LogID)
	assert.Equal(t, 0.38, a.EstimatedCostUSD)

	got, err := f.store.GetApproval(context.Background(), a.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Details.TotalUSD)
	assert.Equal(t, 900.0, *got.Details.TotalUSD)
}

func TestDecideApprove(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	a := f.pending(t, "log-1", 0.38)
	f.now = t0.Add(10 * time.Minute)
	require.NoError(t, f.wf.Decide(ctx, "user-1", a.ID, Approve, ""))

	got, err := f.store.GetApproval(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalApproved, got.Status)
	require.NotNil(t, got.ApprovedAt)
	assert.Equal(t, f.now, *got.ApprovedAt)

	l, err := f.store.GetLog(ctx, "log-1")
	require.NoError(t, err)
	assert.Equal(t, model.LogApproved, l.Status)

	// terminal approvals are immutable
	err = f.wf.Decide(ctx, "user-1", a.ID, Reject, "changed my mind")
	assert.ErrorIs(t, err, model.ErrNotPending)
}

func TestDecideReject(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	a := f.pending(t, "log-1", 0.38)
	require.NoError(t, f.wf.Decide(ctx, "user-1", a.ID, Reject, "too risky"))

	got, err := f.store.GetApproval(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalRejected, got.Status)
	assert.Equal(t, "too risky", got.RejectionReason)
	assert.NotNil(t, got.RejectedAt)

	l, err := f.store.GetLog(ctx, "log-1")
	require.NoError(t, err)
	assert.Equal(t, model.LogRejected, l.Status)
	assert.Equal(t, "too risky", l.ErrorMessage)
}

func TestDecideRefusals(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	a := f.pending(t, "log-1", 0.38)

	assert.ErrorIs(t, f.wf.Decide(ctx, "user-1", "missing", Approve, ""), model.ErrNotFound)
	assert.ErrorIs(t, f.wf.Decide(ctx, "user-2", a.ID, Approve, ""), model.ErrNotOwner)
	assert.ErrorIs(t, f.wf.Decide(ctx, "user-1", a.ID, Decision("maybe"), ""), model.ErrInvalidDecision)

	got, err := f.store.GetApproval(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalPending, got.Status)
}

// finish moves a log to a terminal status behind the workflow's back.
func (f *fixture) finish(t *testing.T, logID string, to model.LogStatus) {
	t.Helper()
	ctx := context.Background()
	l, err := f.store.GetLog(ctx, logID)
	require.NoError(t, err)
	require.NoError(t, l.Transition(to, f.now))
	require.NoError(t, f.store.UpdateLog(ctx, l))
}

func TestDecideLogAlreadyFinished(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	a := f.pending(t, "log-1", 0.38)
	f.finish(t, "log-1", model.LogCancelled)

	err := f.wf.Decide(ctx, "user-1", a.ID, Approve, "")
	require.ErrorIs(t, err, model.ErrTerminal)

	// neither record moved
	got, err := f.store.GetApproval(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalPending, got.Status)
	assert.Nil(t, got.ApprovedAt)

	l, err := f.store.GetLog(ctx, "log-1")
	require.NoError(t, err)
	assert.Equal(t, model.LogCancelled, l.Status)
}

func TestExpireLeavesFinishedLog(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	a := f.pending(t, "log-1", 0.38)
	f.finish(t, "log-1", model.LogFailed)

	f.now = a.ExpiresAt.Add(time.Minute)
	n, err := f.wf.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.store.GetApproval(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalExpired, got.Status)

	l, err := f.store.GetLog(ctx, "log-1")
	require.NoError(t, err)
	assert.Equal(t, model.LogFailed, l.Status)
	assert.NotEqual(t, ExpiredMessage, l.ErrorMessage)
}

func TestDecideAfterExpiry(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	a := f.pending(t, "log-1", 0.38)
	f.now = a.ExpiresAt.Add(time.Second)

	err := f.wf.Decide(ctx, "user-1", a.ID, Approve, "")
	require.ErrorIs(t, err, model.ErrApprovalExpired)

	got, err := f.store.GetApproval(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalExpired, got.Status)

	l, err := f.store.GetLog(ctx, "log-1")
	require.NoError(t, err)
	assert.Equal(t, model.LogCancelled, l.Status)
	assert.Equal(t, ExpiredMessage, l.ErrorMessage)

	// a second decision sees the terminal state
	assert.ErrorIs(t, f.wf.Decide(ctx, "user-1", a.ID, Approve, ""), model.ErrNotPending)
}

func TestDecideAtExpiryInstant(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	a := f.pending(t, "log-1", 0.38)
	f.now = a.ExpiresAt
	assert.ErrorIs(t, f.wf.Decide(context.Background(), "user-1", a.ID, Approve, ""), model.ErrApprovalExpired)
}

func TestLazyExpiryOnRead(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	stale := f.pending(t, "log-1", 0.38)
	f.now = t0.Add(30 * time.Minute)
	fresh := f.pending(t, "log-2", 0.19)

	f.now = t0.Add(time.Hour + time.Minute)

	list, err := f.wf.ListPending(ctx, "user-1", "pol-1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, fresh.ID, list[0].ID)

	got, err := f.wf.Get(ctx, "user-1", stale.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalExpired, got.Status)

	_, err = f.wf.Get(ctx, "user-2", fresh.ID)
	assert.ErrorIs(t, err, model.ErrNotOwner)
}

func TestExpireStale(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.pending(t, "log-1", 0.38)
	f.pending(t, "log-2", 0.38)
	f.now = t0.Add(20 * time.Minute)
	keep := f.pending(t, "log-3", 0.38)

	f.now = t0.Add(70 * time.Minute)
	n, err := f.wf.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = f.wf.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	left, err := f.store.ListApprovals(ctx, journal.ApprovalFilter{Status: model.ApprovalPending})
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, keep.ID, left[0].ID)

	cancelled, err := f.store.ListLogs(ctx, journal.LogFilter{Statuses: []model.LogStatus{model.LogCancelled}})
	require.NoError(t, err)
	assert.Len(t, cancelled, 2)
}

func TestParseDecision(t *testing.T) {
	t.Parallel()

	d, err := ParseDecision("reject")
	require.NoError(t, err)
	assert.Equal(t, Reject, d)

	_, err = ParseDecision("APPROVE")
	assert.ErrorIs(t, err, model.ErrInvalidDecision)
}

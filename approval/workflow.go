// Package approval manages the lifecycle of actions that need a human
// decision: create, approve, reject and expire.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rustyeddy/lpkeeper/journal"
	"github.com/rustyeddy/lpkeeper/model"
	"github.com/rustyeddy/lpkeeper/pkg/id"
)

// DefaultWindow is how long an approval stays open.
const DefaultWindow = 24 * time.Hour

// ExpiredMessage is written to the log of an approval that lapsed.
const ExpiredMessage = "approval expired"

// Decision is the human verdict on an approval.
type Decision string

const (
	Approve Decision = "approve"
	Reject  Decision = "reject"
)

// ParseDecision accepts "approve" or "reject".
func ParseDecision(s string) (Decision, error) {
	switch d := Decision(s); d {
	case Approve, Reject:
		return d, nil
	}
	return "", fmt.Errorf("%q: %w", s, model.ErrInvalidDecision)
}

type Workflow struct {
	store  journal.Store
	window time.Duration
	now    func() time.Time
	newID  func() string
	log    *slog.Logger
}

func NewWorkflow(store journal.Store, window time.Duration, now func() time.Time, logger *slog.Logger) *Workflow {
	if window <= 0 {
		window = DefaultWindow
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Workflow{store: store, window: window, now: now, newID: id.New, log: logger}
}

// Create raises a pending approval for a pending log.
func (w *Workflow) Create(ctx context.Context, l *model.ActionLog, details model.ApprovalDetails) (*model.ApprovalRequest, error) {
	now := w.now().UTC()
	a := &model.ApprovalRequest{
		ID:               w.newID(),
		LogID:            l.ID,
		UserID:           l.UserID,
		PolicyID:         l.PolicyID,
		Kind:             l.Kind,
		Details:          details,
		EstimatedCostUSD: l.EstimatedCostUSD,
		Status:           model.ApprovalPending,
		CreatedAt:        now,
		ExpiresAt:        now.Add(w.window),
	}
	if err := w.store.CreateApproval(ctx, a); err != nil {
		return nil, model.Persist("create approval", err)
	}
	w.log.Info("approval requested",
		"approval_id", a.ID, "log_id", l.ID, "policy", l.PolicyID,
		"kind", l.Kind, "cost_usd", a.EstimatedCostUSD, "expires", a.ExpiresAt)
	return a, nil
}

// Decide applies a human decision. Approvals that are missing, owned by
// another user, no longer pending or past expiry are refused; a lapsed
// approval is first marked expired. The approval and its log are written
// together, so a log that has already finished refuses the decision with
// model.ErrTerminal and leaves the approval pending.
func (w *Workflow) Decide(ctx context.Context, userID, approvalID string, d Decision, reason string) error {
	if _, err := ParseDecision(string(d)); err != nil {
		return err
	}

	a, err := w.store.GetApproval(ctx, approvalID)
	if err != nil {
		return err
	}
	if a.UserID != userID {
		return fmt.Errorf("approval %s: %w", approvalID, model.ErrNotOwner)
	}
	if a.Status != model.ApprovalPending {
		return fmt.Errorf("approval %s is %s: %w", approvalID, a.Status, model.ErrNotPending)
	}

	now := w.now().UTC()
	if a.Lapsed(now) {
		if err := w.expire(ctx, a, now); err != nil {
			return err
		}
		return fmt.Errorf("approval %s expired at %s: %w",
			approvalID, a.ExpiresAt.Format(time.RFC3339), model.ErrApprovalExpired)
	}

	to, logTo := model.ApprovalApproved, model.LogApproved
	if d == Reject {
		to, logTo = model.ApprovalRejected, model.LogRejected
	}
	l, err := w.store.GetLog(ctx, a.LogID)
	if err != nil {
		return model.Persist("load log", err)
	}
	if err := l.Transition(logTo, now); err != nil {
		return err
	}
	if d == Reject && reason != "" {
		l.ErrorMessage = reason
	}
	if err := a.Resolve(to, now, reason); err != nil {
		return err
	}
	// approval and log move together or not at all
	if err := w.store.ResolveApproval(ctx, a, l); err != nil {
		return err
	}

	w.log.Info("approval decided",
		"approval_id", a.ID, "log_id", l.ID, "user", userID, "decision", d, "reason", reason)
	return nil
}

// Get returns one approval, expiring it first if it has lapsed.
func (w *Workflow) Get(ctx context.Context, userID, approvalID string) (*model.ApprovalRequest, error) {
	a, err := w.store.GetApproval(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	if a.UserID != userID {
		return nil, fmt.Errorf("approval %s: %w", approvalID, model.ErrNotOwner)
	}
	if now := w.now().UTC(); a.Lapsed(now) {
		if err := w.expire(ctx, a, now); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// ListPending returns the user's pending approvals, oldest first. Lapsed
// entries are expired and left out. An empty policyID lists all policies.
func (w *Workflow) ListPending(ctx context.Context, userID, policyID string) ([]model.ApprovalRequest, error) {
	all, err := w.store.ListApprovals(ctx, journal.ApprovalFilter{
		UserID:   userID,
		PolicyID: policyID,
		Status:   model.ApprovalPending,
	})
	if err != nil {
		return nil, err
	}
	now := w.now().UTC()
	out := all[:0]
	for i := range all {
		if all[i].Lapsed(now) {
			if err := w.expire(ctx, &all[i], now); err != nil {
				return nil, err
			}
			continue
		}
		out = append(out, all[i])
	}
	return out, nil
}

// ExpireStale expires every lapsed pending approval and returns how many
// it changed.
func (w *Workflow) ExpireStale(ctx context.Context) (int, error) {
	all, err := w.store.ListApprovals(ctx, journal.ApprovalFilter{Status: model.ApprovalPending})
	if err != nil {
		return 0, err
	}
	now := w.now().UTC()
	n := 0
	for i := range all {
		if !all[i].Lapsed(now) {
			continue
		}
		if err := w.expire(ctx, &all[i], now); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// expire marks a lapsed approval expired and cancels its log. A concurrent
// decision that got there first is not an error, and a log that already
// finished is left as it is.
func (w *Workflow) expire(ctx context.Context, a *model.ApprovalRequest, now time.Time) error {
	if err := a.Resolve(model.ApprovalExpired, now, ""); err != nil {
		return err
	}
	l, err := w.store.GetLog(ctx, a.LogID)
	if err != nil {
		return model.Persist("load log", err)
	}

	if !l.Status.Terminal() {
		if err := l.Transition(model.LogCancelled, now); err != nil {
			return err
		}
		l.ErrorMessage = ExpiredMessage
		err := w.store.ResolveApproval(ctx, a, l)
		if !errors.Is(err, model.ErrTerminal) {
			return w.expired(a, err)
		}
	}
	// the log finished on its own; only the approval changes
	return w.expired(a, w.store.UpdateApproval(ctx, a))
}

func (w *Workflow) expired(a *model.ApprovalRequest, err error) error {
	switch {
	case errors.Is(err, model.ErrNotPending):
		return nil
	case err != nil:
		return model.Persist("expire approval", err)
	}
	w.log.Info("approval expired", "approval_id", a.ID, "log_id", a.LogID, "policy", a.PolicyID)
	return nil
}

// Package journal persists policies, action logs and approval requests.
package journal

import (
	"context"
	"time"

	"github.com/rustyeddy/lpkeeper/model"
)

// LogFilter selects action logs. Zero fields match everything.
type LogFilter struct {
	UserID      string
	PolicyID    string
	PositionID  string
	Kind        model.ActionKind
	Statuses    []model.LogStatus
	Since       time.Time // created_at >= Since
	Until       time.Time // created_at < Until
	NewestFirst bool
	Limit       int

	// ExecutedSince matches logs whose executed_at, or created_at when the
	// log never executed, is at or after it.
	ExecutedSince time.Time
}

// ApprovalFilter selects approval requests. Zero fields match everything.
type ApprovalFilter struct {
	UserID   string
	PolicyID string
	LogID    string
	Status   model.ApprovalStatus
}

// Store is the narrow record store the automation core depends on.
// Implementations must give read-your-writes consistency per call.
type Store interface {
	SavePolicy(ctx context.Context, p *model.Policy) error
	GetPolicy(ctx context.Context, id string) (*model.Policy, error)
	GetPolicyByWallet(ctx context.Context, userID, wallet string) (*model.Policy, error)
	ListPolicies(ctx context.Context, activeOnly bool) ([]model.Policy, error)
	// AddSpend atomically adds amount to the policy's cumulative spend and
	// returns the new total.
	AddSpend(ctx context.Context, policyID string, amount float64) (float64, error)
	SetLastRun(ctx context.Context, policyID string, at time.Time) error

	CreateLog(ctx context.Context, l *model.ActionLog) error
	GetLog(ctx context.Context, id string) (*model.ActionLog, error)
	// UpdateLog writes l back. It fails with model.ErrTerminal when the stored
	// row is already terminal.
	UpdateLog(ctx context.Context, l *model.ActionLog) error
	ListLogs(ctx context.Context, f LogFilter) ([]model.ActionLog, error)

	CreateApproval(ctx context.Context, a *model.ApprovalRequest) error
	GetApproval(ctx context.Context, id string) (*model.ApprovalRequest, error)
	// UpdateApproval writes a back. It fails with model.ErrNotPending when
	// the stored row is no longer pending.
	UpdateApproval(ctx context.Context, a *model.ApprovalRequest) error
	// ResolveApproval writes a and its log l together, or neither. It fails
	// with model.ErrNotPending or model.ErrTerminal under the same rules as
	// UpdateApproval and UpdateLog.
	ResolveApproval(ctx context.Context, a *model.ApprovalRequest, l *model.ActionLog) error
	ListApprovals(ctx context.Context, f ApprovalFilter) ([]model.ApprovalRequest, error)

	Close() error
}

func (f LogFilter) match(l *model.ActionLog) bool {
	if f.UserID != "" && l.UserID != f.UserID {
		return false
	}
	if f.PolicyID != "" && l.PolicyID != f.PolicyID {
		return false
	}
	if f.PositionID != "" && l.PositionID != f.PositionID {
		return false
	}
	if f.Kind != "" && l.Kind != f.Kind {
		return false
	}
	if len(f.Statuses) > 0 {
		ok := false
		for _, s := range f.Statuses {
			if l.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if !f.Since.IsZero() && l.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !l.CreatedAt.Before(f.Until) {
		return false
	}
	if !f.ExecutedSince.IsZero() && l.SettledAt().Before(f.ExecutedSince) {
		return false
	}
	return true
}

func (f ApprovalFilter) match(a *model.ApprovalRequest) bool {
	if f.UserID != "" && a.UserID != f.UserID {
		return false
	}
	if f.PolicyID != "" && a.PolicyID != f.PolicyID {
		return false
	}
	if f.LogID != "" && a.LogID != f.LogID {
		return false
	}
	if f.Status != "" && a.Status != f.Status {
		return false
	}
	return true
}

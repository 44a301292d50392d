package model

import (
	"fmt"
	"time"
)

// ApprovalStatus is the lifecycle state of an ApprovalRequest.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalExpired  ApprovalStatus = "expired"
)

// Terminal reports whether the approval has been decided or has lapsed.
func (s ApprovalStatus) Terminal() bool {
	return s != ApprovalPending
}

// ApprovalDetails is the position context captured when the approval was raised.
type ApprovalDetails struct {
	PositionID       string   `json:"position_id,omitempty"`
	PoolID           string   `json:"pool_id,omitempty"`
	TotalUSD         *float64 `json:"total_usd,omitempty"`
	UnclaimedFeesUSD *float64 `json:"unclaimed_fees_usd,omitempty"`
	OutOfRange       *bool    `json:"is_out_of_range,omitempty"`
	Reason           string   `json:"reason"`
}

// ApprovalRequest gates one ActionLog on a human decision.
type ApprovalRequest struct {
	ID       string
	LogID    string
	UserID   string
	PolicyID string

	Kind             ActionKind
	Details          ApprovalDetails
	EstimatedCostUSD float64
	Status           ApprovalStatus

	CreatedAt       time.Time
	ExpiresAt       time.Time
	ApprovedAt      *time.Time
	RejectedAt      *time.Time
	RejectionReason string
}

// Lapsed reports whether a pending approval is past its expiry at now.
func (a *ApprovalRequest) Lapsed(now time.Time) bool {
	return a.Status == ApprovalPending && !now.Before(a.ExpiresAt)
}

// Live reports whether the approval still reserves budget at now.
func (a *ApprovalRequest) Live(now time.Time) bool {
	return a.Status == ApprovalPending && now.Before(a.ExpiresAt)
}

// Resolve moves a pending approval to a terminal status.
func (a *ApprovalRequest) Resolve(to ApprovalStatus, at time.Time, reason string) error {
	if a.Status.Terminal() {
		return fmt.Errorf("approval %s is %s: %w", a.ID, a.Status, ErrNotPending)
	}
	switch to {
	case ApprovalApproved:
		a.ApprovedAt = &at
	case ApprovalRejected:
		a.RejectedAt = &at
		a.RejectionReason = reason
	case ApprovalExpired:
	default:
		return fmt.Errorf("approval %s: %s -> %s: %w", a.ID, a.Status, to, ErrInvalidTransition)
	}
	a.Status = to
	return nil
}

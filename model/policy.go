// Package model holds the records the automation core reads and writes:
// policies, position snapshots, proposals, action logs and approval requests.
package model

import "time"

// Policy is the per user+wallet automation configuration.
type Policy struct {
	ID            string `json:"id" yaml:"id"`
	UserID        string `json:"user_id" yaml:"user_id"`
	WalletAddress string `json:"wallet_address" yaml:"wallet_address"`

	// Budget controls
	TotalBudgetUSD     float64 `json:"total_budget_usd" yaml:"total_budget_usd"`
	SpentUSD           float64 `json:"spent_usd" yaml:"spent_usd"`
	MinPositionSizeUSD float64 `json:"min_position_size_usd" yaml:"min_position_size_usd"`
	MaxPositionSizeUSD float64 `json:"max_position_size_usd" yaml:"max_position_size_usd"`

	// Rules
	AutoClaimFees         bool    `json:"auto_claim_fees" yaml:"auto_claim_fees"`
	ClaimFeeThresholdUSD  float64 `json:"claim_fee_threshold_usd" yaml:"claim_fee_threshold_usd"`
	ClaimFeeIntervalHours float64 `json:"claim_fee_interval_hours" yaml:"claim_fee_interval_hours"`

	AutoRebalance             bool    `json:"auto_rebalance" yaml:"auto_rebalance"`
	RebalanceThresholdPercent float64 `json:"rebalance_threshold_percent" yaml:"rebalance_threshold_percent"`
	RebalanceCooldownHours    float64 `json:"rebalance_cooldown_hours" yaml:"rebalance_cooldown_hours"`

	AutoOpenPosition    bool    `json:"auto_open_position" yaml:"auto_open_position"`
	MinDaysBetweenOpens float64 `json:"min_days_between_opens" yaml:"min_days_between_opens"`

	// Safety
	MaxPositions          int     `json:"max_positions" yaml:"max_positions"`
	MaxDailySpendUSD      float64 `json:"max_daily_spend_usd" yaml:"max_daily_spend_usd"`
	RequireManualApproval bool    `json:"require_manual_approval" yaml:"require_manual_approval"`
	ApprovalThresholdUSD  float64 `json:"approval_threshold_usd" yaml:"approval_threshold_usd"`

	IsActive  bool       `json:"is_active" yaml:"is_active"`
	LastRunAt *time.Time `json:"last_run_at,omitempty" yaml:"last_run_at,omitempty"`
	CreatedAt time.Time  `json:"created_at" yaml:"created_at,omitempty"`
	UpdatedAt time.Time  `json:"updated_at" yaml:"updated_at,omitempty"`
}

// ClaimInterval is the cooldown between fee claims on one position.
func (p *Policy) ClaimInterval() time.Duration {
	return hours(p.ClaimFeeIntervalHours)
}

// RebalanceCooldown is the cooldown between rebalances of one position.
func (p *Policy) RebalanceCooldown() time.Duration {
	return hours(p.RebalanceCooldownHours)
}

// OpenInterval is the minimum wall-clock gap between executed opens.
func (p *Policy) OpenInterval() time.Duration {
	return hours(p.MinDaysBetweenOpens * 24)
}

// NeedsApproval reports whether a cost crosses the manual approval threshold.
// A cost equal to the threshold does not.
func (p *Policy) NeedsApproval(costUSD float64) bool {
	return p.RequireManualApproval && costUSD > p.ApprovalThresholdUSD
}

// Validate checks the policy for values the core cannot act on. Spend past
// the total budget is not an error: actual costs may overrun estimates, and
// the budget ledger then simply reports nothing available.
func (p *Policy) Validate() error {
	switch {
	case p.UserID == "":
		return &ConfigurationError{Field: "user_id", Msg: "is required"}
	case p.WalletAddress == "":
		return &ConfigurationError{Field: "wallet_address", Msg: "is required"}
	case p.TotalBudgetUSD <= 0:
		return &ConfigurationError{Field: "total_budget_usd", Msg: "must be positive"}
	case p.SpentUSD < 0:
		return &ConfigurationError{Field: "spent_usd", Msg: "must not be negative"}
	case p.MinPositionSizeUSD <= 0:
		return &ConfigurationError{Field: "min_position_size_usd", Msg: "must be positive"}
	case p.MaxPositionSizeUSD < p.MinPositionSizeUSD:
		return &ConfigurationError{Field: "max_position_size_usd", Msg: "must be >= min_position_size_usd"}
	case p.ClaimFeeThresholdUSD < 0:
		return &ConfigurationError{Field: "claim_fee_threshold_usd", Msg: "must not be negative"}
	case p.ClaimFeeIntervalHours < 0:
		return &ConfigurationError{Field: "claim_fee_interval_hours", Msg: "must not be negative"}
	case p.RebalanceCooldownHours < 0:
		return &ConfigurationError{Field: "rebalance_cooldown_hours", Msg: "must not be negative"}
	case p.MinDaysBetweenOpens < 0:
		return &ConfigurationError{Field: "min_days_between_opens", Msg: "must not be negative"}
	case p.MaxPositions < 1:
		return &ConfigurationError{Field: "max_positions", Msg: "must be at least 1"}
	case p.MaxDailySpendUSD < 0:
		return &ConfigurationError{Field: "max_daily_spend_usd", Msg: "must not be negative"}
	case p.ApprovalThresholdUSD < 0:
		return &ConfigurationError{Field: "approval_threshold_usd", Msg: "must not be negative"}
	}
	return nil
}

func hours(h float64) time.Duration {
	return time.Duration(h * float64(time.Hour))
}

package rules

import (
	"fmt"
	"time"

	"github.com/rustyeddy/lpkeeper/model"
)

// ClaimFees proposes a fee claim once unclaimed fees reach the policy
// threshold and the claim interval has passed. Claims never need approval.
type ClaimFees struct {
	Gas float64
}

func (ClaimFees) Kind() model.ActionKind { return model.ActionClaimFees }

func (ClaimFees) Enabled(p *model.Policy) bool { return p.AutoClaimFees }

func (r ClaimFees) Evaluate(p *model.Policy, pos *model.Position, now time.Time) model.Proposal {
	prop := model.Proposal{
		Kind:             model.ActionClaimFees,
		PositionID:       pos.PositionID,
		PoolID:           pos.PoolID,
		EstimatedCostUSD: r.Gas,
	}

	if pos.UnclaimedFeesUSD < p.ClaimFeeThresholdUSD {
		prop.Reason = fmt.Sprintf("unclaimed fees $%.2f below threshold $%.2f",
			pos.UnclaimedFeesUSD, p.ClaimFeeThresholdUSD)
		return prop
	}
	if left, ok := cooling(pos.LastClaimAt, p.ClaimInterval(), now); ok {
		prop.Reason = fmt.Sprintf("claim cooldown active, %.1f hours remaining", left.Hours())
		return prop
	}

	prop.ShouldExecute = true
	prop.Reason = fmt.Sprintf("unclaimed fees $%.2f meet threshold, gas $%.2f", pos.UnclaimedFeesUSD, r.Gas)
	return prop
}

// Rebalance proposes a rebalance for an out-of-range position once the
// rebalance cooldown has passed. Large positions need approval.
type Rebalance struct {
	Gas float64
}

func (Rebalance) Kind() model.ActionKind { return model.ActionRebalance }

func (Rebalance) Enabled(p *model.Policy) bool { return p.AutoRebalance }

func (r Rebalance) Evaluate(p *model.Policy, pos *model.Position, now time.Time) model.Proposal {
	prop := model.Proposal{
		Kind:       model.ActionRebalance,
		PositionID: pos.PositionID,
		PoolID:     pos.PoolID,
	}

	if !pos.OutOfRange {
		prop.Reason = "position is in range, no rebalance needed"
		return prop
	}
	if left, ok := cooling(pos.LastRebalanceAt, p.RebalanceCooldown(), now); ok {
		prop.Reason = fmt.Sprintf("rebalance cooldown active, %.1f hours remaining", left.Hours())
		return prop
	}

	prop.EstimatedCostUSD = r.Gas
	prop.ShouldExecute = true
	prop.RequiresApproval = p.NeedsApproval(pos.TotalUSD)
	prop.Reason = fmt.Sprintf("position out of range, value $%.2f, gas $%.2f", pos.TotalUSD, r.Gas)
	return prop
}

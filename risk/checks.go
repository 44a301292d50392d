package risk

import (
	"context"
	"fmt"
	"strings"

	"github.com/rustyeddy/lpkeeper/budget"
	"github.com/rustyeddy/lpkeeper/model"
)

// Violation codes.
const (
	CodeNoPositionInfo   = "NO_POSITION_INFO"
	CodePositionTooSmall = "POSITION_TOO_SMALL"
	CodePositionTooLarge = "POSITION_TOO_LARGE"
	CodeFeesBelowMin     = "FEES_BELOW_THRESHOLD"
	CodeGasTooHigh       = "GAS_TOO_HIGH"
	CodeValueTooLow      = "POSITION_VALUE_TOO_LOW"
	CodeInRange          = "POSITION_IN_RANGE"
	CodeUnknownAction    = "UNKNOWN_ACTION"
)

type Violation struct {
	Code string
	Msg  string
}

type Decision struct {
	Allowed    bool
	Violations []Violation
}

func (d *Decision) add(code, msg string) {
	d.Violations = append(d.Violations, Violation{Code: code, Msg: msg})
	d.Allowed = false
}

// Reason joins the violation messages.
func (d Decision) Reason() string {
	msgs := make([]string, len(d.Violations))
	for i, v := range d.Violations {
		msgs[i] = v.Msg
	}
	return strings.Join(msgs, "; ")
}

// Has reports whether the decision carries the given violation code.
func (d Decision) Has(code string) bool {
	for _, v := range d.Violations {
		if v.Code == code {
			return true
		}
	}
	return false
}

// Spender is the budget check the gate re-runs before anything else.
type Spender interface {
	CanSpend(ctx context.Context, amount float64) (budget.Check, error)
}

// Gate re-validates a proposal immediately before it is logged. Conditions
// may have moved since the rules engine looked at the snapshot.
type Gate struct {
	policy *model.Policy
	budget Spender
	limits Limits
}

func NewGate(policy *model.Policy, spender Spender, limits Limits) *Gate {
	return &Gate{policy: policy, budget: spender, limits: limits}
}

// Check validates one action. A budget failure short-circuits the
// kind-specific checks.
func (g *Gate) Check(ctx context.Context, kind model.ActionKind, costUSD float64, pos *model.Position) (Decision, error) {
	d := Decision{Allowed: true}

	chk, err := g.budget.CanSpend(ctx, costUSD)
	if err != nil {
		return Decision{}, fmt.Errorf("budget check: %w", err)
	}
	if !chk.Allowed {
		d.add(chk.Code, chk.Reason)
		return d, nil
	}

	switch kind {
	case model.ActionOpenPosition:
		g.checkOpen(&d, costUSD)
	case model.ActionClaimFees:
		g.checkClaim(&d, costUSD, pos)
	case model.ActionRebalance:
		g.checkRebalance(&d, pos)
	case model.ActionClosePosition:
		if pos == nil {
			d.add(CodeNoPositionInfo, "position info not provided")
		}
	default:
		d.add(CodeUnknownAction, fmt.Sprintf("unknown action type %q", kind))
	}
	return d, nil
}

func (g *Gate) checkOpen(d *Decision, costUSD float64) {
	p := g.policy
	if costUSD < p.MinPositionSizeUSD {
		d.add(CodePositionTooSmall,
			fmt.Sprintf("position size $%.2f is below minimum $%.2f", costUSD, p.MinPositionSizeUSD))
		return
	}
	if costUSD > p.MaxPositionSizeUSD {
		d.add(CodePositionTooLarge,
			fmt.Sprintf("position size $%.2f exceeds maximum $%.2f", costUSD, p.MaxPositionSizeUSD))
	}
}

func (g *Gate) checkClaim(d *Decision, costUSD float64, pos *model.Position) {
	if pos == nil {
		d.add(CodeNoPositionInfo, "position info not provided")
		return
	}
	if pos.UnclaimedFeesUSD < g.policy.ClaimFeeThresholdUSD {
		d.add(CodeFeesBelowMin,
			fmt.Sprintf("unclaimed fees $%.2f below threshold $%.2f",
				pos.UnclaimedFeesUSD, g.policy.ClaimFeeThresholdUSD))
		return
	}
	ratio := GasRatio(costUSD, pos.UnclaimedFeesUSD)
	if ratio > g.limits.ClaimMaxGasRatio {
		d.add(CodeGasTooHigh,
			fmt.Sprintf("gas fee $%.2f is %.1f%% of claimable fees (max %.1f%%)",
				costUSD, 100*ratio, 100*g.limits.ClaimMaxGasRatio))
	}
}

func (g *Gate) checkRebalance(d *Decision, pos *model.Position) {
	if pos == nil {
		d.add(CodeNoPositionInfo, "position info not provided")
		return
	}
	if pos.TotalUSD < g.limits.RebalanceMinValueUSD {
		d.add(CodeValueTooLow,
			fmt.Sprintf("position value $%.2f is below rebalance floor $%.2f",
				pos.TotalUSD, g.limits.RebalanceMinValueUSD))
		return
	}
	if !pos.OutOfRange {
		d.add(CodeInRange, "position is still in range, no rebalance needed")
	}
}

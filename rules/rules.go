// Package rules turns a policy and a position snapshot into proposals.
package rules

import (
	"context"
	"fmt"
	"time"

	"github.com/rustyeddy/lpkeeper/model"
)

// Gas holds the fixed USD gas estimates attached to proposals.
type Gas struct {
	ClaimUSD     float64 `json:"claim_usd" yaml:"claim_usd"`
	RebalanceUSD float64 `json:"rebalance_usd" yaml:"rebalance_usd"`
	OpenUSD      float64 `json:"open_usd" yaml:"open_usd"`
}

// DefaultGas prices one transaction at ~0.001 SOL and a rebalance
// (close + open) at two, with SOL at $190.
func DefaultGas() Gas {
	return Gas{ClaimUSD: 0.19, RebalanceUSD: 0.38, OpenUSD: 0.19}
}

// PositionRule is evaluated once per position, in registration order.
type PositionRule interface {
	Kind() model.ActionKind
	Enabled(p *model.Policy) bool
	Evaluate(p *model.Policy, pos *model.Position, now time.Time) model.Proposal
}

// History answers the read-only lookups needed by the open-position rule.
type History interface {
	// LastExecuted returns when the policy last executed kind, or nil.
	LastExecuted(ctx context.Context, policyID string, kind model.ActionKind) (*time.Time, error)
}

// OpenCounter reports positions that are open but may be missing from the
// snapshot (e.g. not yet indexed by the protocol API).
type OpenCounter interface {
	CountOpen(ctx context.Context, userID, wallet string) (int, error)
}

type Engine struct {
	rules   []PositionRule
	history History
	counter OpenCounter
	gas     Gas
	now     func() time.Time
}

// NewEngine returns an engine running the claim-fees then rebalance rules
// per position, followed by the open-position rule.
func NewEngine(history History, gas Gas, now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{
		rules:   []PositionRule{ClaimFees{Gas: gas.ClaimUSD}, Rebalance{Gas: gas.RebalanceUSD}},
		history: history,
		gas:     gas,
		now:     now,
	}
}

// WithOpenCounter sets the counter consulted by the open-position rule.
// Without one, the snapshot length is the open count.
func (e *Engine) WithOpenCounter(c OpenCounter) *Engine {
	e.counter = c
	return e
}

// Evaluate returns every result for the enabled rules, executing or not, in
// position order (claim before rebalance) followed by the open rule.
// Callers act only on ShouldExecute entries.
func (e *Engine) Evaluate(ctx context.Context, p *model.Policy, positions []model.Position) ([]model.Proposal, error) {
	now := e.now()

	var out []model.Proposal
	for i := range positions {
		for _, r := range e.rules {
			if r.Enabled(p) {
				out = append(out, r.Evaluate(p, &positions[i], now))
			}
		}
	}

	if p.AutoOpenPosition && len(positions) == 0 {
		prop, err := e.evaluateOpen(ctx, p, now)
		if err != nil {
			return nil, err
		}
		out = append(out, prop)
	}
	return out, nil
}

func (e *Engine) evaluateOpen(ctx context.Context, p *model.Policy, now time.Time) (model.Proposal, error) {
	prop := model.Proposal{
		Kind:             model.ActionOpenPosition,
		EstimatedCostUSD: p.MinPositionSizeUSD,
	}

	last, err := e.history.LastExecuted(ctx, p.ID, model.ActionOpenPosition)
	if err != nil {
		return prop, fmt.Errorf("last open lookup: %w", err)
	}
	if last != nil {
		if remaining := p.OpenInterval() - now.Sub(*last); remaining > 0 {
			prop.Reason = fmt.Sprintf("minimum %g days between opens, %.1f days remaining",
				p.MinDaysBetweenOpens, remaining.Hours()/24)
			return prop, nil
		}
	}

	open := 0
	if e.counter != nil {
		if open, err = e.counter.CountOpen(ctx, p.UserID, p.WalletAddress); err != nil {
			return prop, fmt.Errorf("open position count: %w", err)
		}
	}
	if open >= p.MaxPositions {
		prop.Reason = fmt.Sprintf("maximum positions (%d) reached", p.MaxPositions)
		return prop, nil
	}

	prop.EstimatedCostUSD = p.MinPositionSizeUSD + e.gas.OpenUSD
	prop.ShouldExecute = true
	prop.RequiresApproval = p.NeedsApproval(prop.EstimatedCostUSD)
	prop.Reason = fmt.Sprintf("no active positions, opening new position with $%.2f", p.MinPositionSizeUSD)
	return prop, nil
}

// cooling reports the time left on a cooldown that started at last.
func cooling(last *time.Time, cooldown time.Duration, now time.Time) (time.Duration, bool) {
	if last == nil {
		return 0, false
	}
	remaining := cooldown - now.Sub(*last)
	return remaining, remaining > 0
}

package risk

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/lpkeeper/budget"
	"github.com/rustyeddy/lpkeeper/model"
)

type fakeSpender struct {
	check budget.Check
	err   error
	calls int
}

func (f *fakeSpender) CanSpend(context.Context, float64) (budget.Check, error) {
	f.calls++
	return f.check, f.err
}

func allow() *fakeSpender { return &fakeSpender{check: budget.Check{Allowed: true}} }

func testPolicy() *model.Policy {
	return &model.Policy{
		ID:                   "pol-1",
		MinPositionSizeUSD:   100,
		MaxPositionSizeUSD:   500,
		ClaimFeeThresholdUSD: 5,
	}
}

func TestCheckBudgetShortCircuits(t *testing.T) {
	t.Parallel()

	sp := &fakeSpender{check: budget.Check{
		Code:   budget.CodeInsufficientBudget,
		Reason: "insufficient budget: available $1.00, required $2.00",
	}}
	g := NewGate(testPolicy(), sp, DefaultLimits())

	d, err := g.Check(context.Background(), model.ActionClaimFees, 2, nil)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	require.Len(t, d.Violations, 1)
	assert.True(t, d.Has(budget.CodeInsufficientBudget))
	assert.Contains(t, d.Reason(), "available $1.00")
}

func TestCheckBudgetError(t *testing.T) {
	t.Parallel()

	g := NewGate(testPolicy(), &fakeSpender{err: errors.New("db down")}, DefaultLimits())
	_, err := g.Check(context.Background(), model.ActionOpenPosition, 150, nil)
	assert.ErrorContains(t, err, "db down")
}

func TestCheckByKind(t *testing.T) {
	t.Parallel()

	rich := &model.Position{PositionID: "p1", TotalUSD: 1000, UnclaimedFeesUSD: 10, OutOfRange: true}
	inRange := &model.Position{PositionID: "p2", TotalUSD: 1000, UnclaimedFeesUSD: 10}
	dust := &model.Position{PositionID: "p3", TotalUSD: 9.99, OutOfRange: true}
	floor := &model.Position{PositionID: "p4", TotalUSD: 10, OutOfRange: true}
	fewFees := &model.Position{PositionID: "p5", TotalUSD: 1000, UnclaimedFeesUSD: 4.99}

	tests := []struct {
		name    string
		kind    model.ActionKind
		cost    float64
		pos     *model.Position
		allowed bool
		code    string
	}{
		{"open within bounds", model.ActionOpenPosition, 100.19, nil, true, ""},
		{"open at min", model.ActionOpenPosition, 100, nil, true, ""},
		{"open below min", model.ActionOpenPosition, 99.99, nil, false, CodePositionTooSmall},
		{"open above max", model.ActionOpenPosition, 500.01, nil, false, CodePositionTooLarge},
		{"claim ok", model.ActionClaimFees, 0.19, rich, true, ""},
		{"claim gas at 10 percent", model.ActionClaimFees, 1.0, rich, true, ""},
		{"claim gas over 10 percent", model.ActionClaimFees, 1.01, rich, false, CodeGasTooHigh},
		{"claim fees below threshold", model.ActionClaimFees, 0.19, fewFees, false, CodeFeesBelowMin},
		{"claim without position", model.ActionClaimFees, 0.19, nil, false, CodeNoPositionInfo},
		{"rebalance ok", model.ActionRebalance, 0.38, rich, true, ""},
		{"rebalance at floor", model.ActionRebalance, 0.38, floor, true, ""},
		{"rebalance below floor", model.ActionRebalance, 0.38, dust, false, CodeValueTooLow},
		{"rebalance in range", model.ActionRebalance, 0.38, inRange, false, CodeInRange},
		{"rebalance without position", model.ActionRebalance, 0.38, nil, false, CodeNoPositionInfo},
		{"close ok", model.ActionClosePosition, 0.19, inRange, true, ""},
		{"close without position", model.ActionClosePosition, 0.19, nil, false, CodeNoPositionInfo},
		{"monitor unknown", model.ActionMonitor, 0, nil, false, CodeUnknownAction},
		{"garbage unknown", model.ActionKind("swap"), 0, nil, false, CodeUnknownAction},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			sp := allow()
			g := NewGate(testPolicy(), sp, DefaultLimits())
			d, err := g.Check(context.Background(), tt.kind, tt.cost, tt.pos)
			require.NoError(t, err)
			assert.Equal(t, 1, sp.calls)
			assert.Equal(t, tt.allowed, d.Allowed, d.Reason())
			if tt.code != "" {
				assert.True(t, d.Has(tt.code), "want %s, got %+v", tt.code, d.Violations)
			} else {
				assert.Empty(t, d.Violations)
			}
		})
	}
}

func TestGasRatio(t *testing.T) {
	t.Parallel()

	assert.InDelta(t, 0.019, GasRatio(0.19, 10), 1e-12)
	assert.True(t, math.IsInf(GasRatio(0.19, 0), 1))
	assert.True(t, math.IsInf(GasRatio(0.19, -1), 1))
}

// Package budget tracks spend, reservations and remaining budget for a policy.
package budget

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rustyeddy/lpkeeper/journal"
	"github.com/rustyeddy/lpkeeper/model"
)

// Violation codes reported by CanSpend.
const (
	CodeInsufficientBudget = "INSUFFICIENT_BUDGET"
	CodeDailyLimit         = "DAILY_LIMIT_EXCEEDED"
)

// HistoryDays is the trailing window reported in BudgetState.DailySpend.
const HistoryDays = 7

// Check is the result of CanSpend.
type Check struct {
	Allowed bool
	Code    string
	Reason  string
}

// Ledger computes budget state for one policy. The policy is the cycle's
// view; RecordSpend keeps its SpentUSD in step with the store.
type Ledger struct {
	store  journal.Store
	policy *model.Policy
	now    func() time.Time
}

func NewLedger(store journal.Store, policy *model.Policy, now func() time.Time) *Ledger {
	if now == nil {
		now = time.Now
	}
	return &Ledger{store: store, policy: policy, now: now}
}

// State computes spent, reserved, available and the trailing daily spend.
// Spend counts on the UTC day a log executed. Available never goes below
// zero, even when actual costs have pushed spent past the total.
func (l *Ledger) State(ctx context.Context) (model.BudgetState, error) {
	now := l.now().UTC()
	today := dayStart(now)

	logs, err := l.store.ListLogs(ctx, journal.LogFilter{
		PolicyID:      l.policy.ID,
		Statuses:      []model.LogStatus{model.LogExecuted},
		ExecutedSince: today.AddDate(0, 0, -(HistoryDays - 1)),
	})
	if err != nil {
		return model.BudgetState{}, fmt.Errorf("load executed logs: %w", err)
	}

	byDay := map[string]float64{}
	for i := range logs {
		byDay[logs[i].SettledAt().UTC().Format(time.DateOnly)] += logs[i].ActualCostUSD
	}
	daily := make([]model.DailySpend, 0, len(byDay))
	for d, amt := range byDay {
		daily = append(daily, model.DailySpend{Date: d, Amount: amt})
	}
	sort.Slice(daily, func(i, j int) bool { return daily[i].Date < daily[j].Date })

	reserved, err := l.reserved(ctx, now)
	if err != nil {
		return model.BudgetState{}, err
	}

	return model.BudgetState{
		TotalBudgetUSD: l.policy.TotalBudgetUSD,
		SpentUSD:       l.policy.SpentUSD,
		ReservedUSD:    reserved,
		AvailableUSD:   math.Max(0, l.policy.TotalBudgetUSD-l.policy.SpentUSD-reserved),
		TodaySpendUSD:  byDay[today.Format(time.DateOnly)],
		DailySpend:     daily,
	}, nil
}

// reserved sums pending approvals that have not yet expired.
func (l *Ledger) reserved(ctx context.Context, now time.Time) (float64, error) {
	approvals, err := l.store.ListApprovals(ctx, journal.ApprovalFilter{
		PolicyID: l.policy.ID,
		Status:   model.ApprovalPending,
	})
	if err != nil {
		return 0, fmt.Errorf("load pending approvals: %w", err)
	}
	var sum float64
	for i := range approvals {
		if approvals[i].Live(now) {
			sum += approvals[i].EstimatedCostUSD
		}
	}
	return sum, nil
}

// CanSpend reports whether amount fits both the remaining budget and the
// daily limit.
func (l *Ledger) CanSpend(ctx context.Context, amount float64) (Check, error) {
	st, err := l.State(ctx)
	if err != nil {
		return Check{}, err
	}
	if amount > st.AvailableUSD {
		return Check{
			Code: CodeInsufficientBudget,
			Reason: fmt.Sprintf("insufficient budget: available $%.2f, required $%.2f",
				st.AvailableUSD, amount),
		}, nil
	}
	if st.TodaySpendUSD+amount > l.policy.MaxDailySpendUSD {
		return Check{
			Code: CodeDailyLimit,
			Reason: fmt.Sprintf("daily limit exceeded: today's spend $%.2f + $%.2f > limit $%.2f",
				st.TodaySpendUSD, amount, l.policy.MaxDailySpendUSD),
		}, nil
	}
	return Check{Allowed: true}, nil
}

// RecordSpend adds a confirmed execution cost to the cumulative spend.
// Refunds are not supported; a zero amount is a no-op.
func (l *Ledger) RecordSpend(ctx context.Context, amount float64) error {
	if amount < 0 {
		return fmt.Errorf("record spend: negative amount %.2f", amount)
	}
	if amount == 0 {
		return nil
	}
	spent, err := l.store.AddSpend(ctx, l.policy.ID, amount)
	if err != nil {
		return fmt.Errorf("record spend: %w", err)
	}
	l.policy.SpentUSD = spent
	return nil
}

func dayStart(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Package engine drives one automation cycle for a policy: snapshot,
// evaluate, gate and log, then record the run.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rustyeddy/lpkeeper/approval"
	"github.com/rustyeddy/lpkeeper/broker"
	"github.com/rustyeddy/lpkeeper/budget"
	"github.com/rustyeddy/lpkeeper/executor"
	"github.com/rustyeddy/lpkeeper/journal"
	"github.com/rustyeddy/lpkeeper/model"
	"github.com/rustyeddy/lpkeeper/positions"
	"github.com/rustyeddy/lpkeeper/risk"
	"github.com/rustyeddy/lpkeeper/rules"
)

// RecentLogs is how many logs Status reports.
const RecentLogs = 10

// Options configure an Engine. Zero values fall back to defaults.
type Options struct {
	Gas            rules.Gas
	Limits         risk.Limits
	ApprovalWindow time.Duration
	Builder        broker.TxBuilder
	Signer         broker.Signer
	Trigger        model.TriggerSource
	Now            func() time.Time
	Logger         *slog.Logger
}

// Engine composes the automation components. It holds no per-policy state;
// every cycle builds its own ledger, gate and executor around the policy
// it was handed.
type Engine struct {
	store     journal.Store
	source    positions.Source
	approvals *approval.Workflow
	opts      Options
	log       *slog.Logger
}

func New(store journal.Store, source positions.Source, opts Options) *Engine {
	if opts.Gas == (rules.Gas{}) {
		opts.Gas = rules.DefaultGas()
	}
	if opts.Limits == (risk.Limits{}) {
		opts.Limits = risk.DefaultLimits()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Engine{
		store:     store,
		source:    source,
		approvals: approval.NewWorkflow(store, opts.ApprovalWindow, opts.Now, opts.Logger),
		opts:      opts,
		log:       opts.Logger,
	}
}

// Approvals is the workflow the engine raises approvals through.
func (e *Engine) Approvals() *approval.Workflow { return e.approvals }

// CycleResult summarizes one cycle.
type CycleResult struct {
	Success                bool
	ActionsExecuted        int
	ActionsPendingApproval int
	ActionsRejected        int
	ActionsInFlight        int
	Errors                 []string
	Proposals              []model.Proposal
}

// Executor returns an executor bound to p.
func (e *Engine) Executor(p *model.Policy) *executor.Executor {
	ledger := budget.NewLedger(e.store, p, e.opts.Now)
	return executor.New(executor.Deps{
		Store:     e.store,
		Policy:    p,
		Gate:      risk.NewGate(p, ledger, e.opts.Limits),
		Ledger:    ledger,
		Approvals: e.approvals,
		Builder:   e.opts.Builder,
		Signer:    e.opts.Signer,
		Positions: e.source,
		Trigger:   e.opts.Trigger,
		Now:       e.opts.Now,
		Logger:    e.log,
	})
}

func (e *Engine) rules() *rules.Engine {
	re := rules.NewEngine(rules.StoreHistory{Store: e.store}, e.opts.Gas, e.opts.Now)
	if c, ok := e.source.(rules.OpenCounter); ok {
		re.WithOpenCounter(c)
	}
	return re
}

// RunCycle runs one pass for p. Callers must not run two cycles for the
// same policy at once. Per-proposal failures are collected in the result;
// the returned error is set only when the whole cycle failed, in which
// case Success is false.
func (e *Engine) RunCycle(ctx context.Context, p *model.Policy) (*CycleResult, error) {
	res := &CycleResult{Success: true}
	lg := e.log.With("policy", p.ID, "user", p.UserID, "wallet", p.WalletAddress)

	if !p.IsActive {
		lg.Debug("cycle skipped, policy inactive")
		return res, nil
	}

	fail := func(err error) (*CycleResult, error) {
		res.Success = false
		res.Errors = append(res.Errors, err.Error())
		lg.Error("cycle failed", "err", err)
		return res, err
	}

	if err := p.Validate(); err != nil {
		return fail(err)
	}

	snapshot, err := e.source.ActivePositions(ctx, p.UserID, p.WalletAddress)
	if err != nil {
		var cerr *model.CollaboratorError
		if !errors.As(err, &cerr) {
			err = &model.CollaboratorError{Op: "fetch positions", Err: err}
		}
		return fail(err)
	}

	proposals, err := e.rules().Evaluate(ctx, p, snapshot)
	if err != nil {
		return fail(fmt.Errorf("evaluate rules: %w", err))
	}
	res.Proposals = proposals

	exec := e.Executor(p)
	for _, prop := range proposals {
		if !prop.ShouldExecute {
			lg.Debug("rule not triggered", "kind", prop.Kind, "position", prop.PositionID, "reason", prop.Reason)
			continue
		}
		pos := model.FindPosition(snapshot, prop.PositionID)
		out, err := exec.ExecuteAction(ctx, prop, pos)
		switch {
		case err != nil:
			res.Errors = append(res.Errors, fmt.Sprintf("%s %s: %v", prop.Kind, prop.PositionID, err))
			lg.Warn("action failed", "kind", prop.Kind, "position", prop.PositionID, "err", err)
		case out.InFlight:
			res.ActionsInFlight++
		case out.Rejected():
			res.ActionsRejected++
		case out.RequiresApproval:
			res.ActionsPendingApproval++
		default:
			res.ActionsExecuted++
		}
	}

	now := e.opts.Now().UTC()
	if err := e.store.SetLastRun(ctx, p.ID, now); err != nil {
		res.Errors = append(res.Errors, model.Persist("set last run", err).Error())
		lg.Warn("last run not recorded", "err", err)
	} else {
		p.LastRunAt = &now
	}

	lg.Info("cycle complete",
		"positions", len(snapshot),
		"executed", res.ActionsExecuted,
		"pending_approval", res.ActionsPendingApproval,
		"rejected", res.ActionsRejected,
		"in_flight", res.ActionsInFlight,
		"errors", len(res.Errors))
	return res, nil
}

// Status is the externally visible state of a policy.
type Status struct {
	Active           bool
	LastRunAt        *time.Time
	ActivePositions  int
	PendingApprovals int
	Budget           model.BudgetState
	RecentLogs       []model.ActionLog
}

// Status reports p's current state. Lapsed approvals are expired before
// they are counted.
func (e *Engine) Status(ctx context.Context, p *model.Policy) (*Status, error) {
	st := &Status{Active: p.IsActive, LastRunAt: p.LastRunAt}

	snapshot, err := e.source.ActivePositions(ctx, p.UserID, p.WalletAddress)
	if err != nil {
		return nil, err
	}
	st.ActivePositions = len(snapshot)

	pending, err := e.approvals.ListPending(ctx, p.UserID, p.ID)
	if err != nil {
		return nil, err
	}
	st.PendingApprovals = len(pending)

	if st.Budget, err = budget.NewLedger(e.store, p, e.opts.Now).State(ctx); err != nil {
		return nil, err
	}

	st.RecentLogs, err = e.store.ListLogs(ctx, journal.LogFilter{
		PolicyID:    p.ID,
		NewestFirst: true,
		Limit:       RecentLogs,
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

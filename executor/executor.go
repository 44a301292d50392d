// Package executor turns proposals into action logs and, later, into
// settled transactions.
//
// A proposal ends in one of three places: a failed log (safety or budget
// rejection), a pending log with a linked approval request, or a pending
// log ready for settlement. Settlement builds, signs and sends the
// transaction and moves the log to executed or failed.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rustyeddy/lpkeeper/approval"
	"github.com/rustyeddy/lpkeeper/broker"
	"github.com/rustyeddy/lpkeeper/journal"
	"github.com/rustyeddy/lpkeeper/model"
	"github.com/rustyeddy/lpkeeper/pkg/id"
	"github.com/rustyeddy/lpkeeper/risk"
)

// Gate is the pre-execution safety check.
type Gate interface {
	Check(ctx context.Context, kind model.ActionKind, costUSD float64, pos *model.Position) (risk.Decision, error)
}

// Ledger records what settled actions cost. Budget checks go through the
// Gate.
type Ledger interface {
	RecordSpend(ctx context.Context, amount float64) error
}

// Positions supplies the snapshot Settle re-checks a log against.
type Positions interface {
	ActivePositions(ctx context.Context, userID, wallet string) ([]model.Position, error)
}

// Deps wires an Executor for one policy.
type Deps struct {
	Store     journal.Store
	Policy    *model.Policy
	Gate      Gate
	Ledger    Ledger
	Approvals *approval.Workflow

	// Builder, Signer and Positions are only needed by Settle.
	Builder   broker.TxBuilder
	Signer    broker.Signer
	Positions Positions

	Trigger model.TriggerSource
	Now     func() time.Time
	Logger  *slog.Logger
}

type Executor struct {
	store     journal.Store
	policy    *model.Policy
	gate      Gate
	ledger    Ledger
	approvals *approval.Workflow
	builder   broker.TxBuilder
	signer    broker.Signer
	positions Positions
	trigger   model.TriggerSource
	now       func() time.Time
	newID     func() string
	log       *slog.Logger
}

func New(d Deps) *Executor {
	e := &Executor{
		store:     d.Store,
		policy:    d.Policy,
		gate:      d.Gate,
		ledger:    d.Ledger,
		approvals: d.Approvals,
		builder:   d.Builder,
		signer:    d.Signer,
		positions: d.Positions,
		trigger:   d.Trigger,
		now:       d.Now,
		newID:     id.New,
		log:       d.Logger,
	}
	if e.trigger == "" {
		e.trigger = model.TriggerRule
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	return e
}

// Result is the outcome of ExecuteAction.
type Result struct {
	Log              *model.ActionLog
	RequiresApproval bool
	ApprovalID       string

	// InFlight is set when an earlier pending or approved log already
	// covers the same position and kind. Log is that earlier log and
	// nothing new was written.
	InFlight bool
}

// Rejected reports whether the safety gate refused the action.
func (r Result) Rejected() bool {
	return r.Log != nil && r.Log.Status == model.LogFailed
}

// ExecuteAction gates and logs one proposal. Safety and budget rejections
// are returned as a failed log, not an error. A proposal whose position and
// kind already have a log in flight is returned as InFlight without a new
// log. Errors are store or collaborator failures affecting this proposal
// only.
func (e *Executor) ExecuteAction(ctx context.Context, prop model.Proposal, pos *model.Position) (Result, error) {
	lg := e.log.With("policy", e.policy.ID, "kind", prop.Kind, "position", prop.PositionID)

	prior, err := e.inFlight(ctx, prop.Kind, prop.PositionID, "")
	if err != nil {
		return Result{}, err
	}
	if prior != nil {
		lg.Info("action already in flight", "log_id", prior.ID, "status", prior.Status)
		return Result{Log: prior, InFlight: true}, nil
	}

	d, err := e.gate.Check(ctx, prop.Kind, prop.EstimatedCostUSD, pos)
	if err != nil {
		return Result{}, fmt.Errorf("safety check %s: %w", prop.Kind, err)
	}

	now := e.now().UTC()
	l := e.newLog(prop, now)

	if !d.Allowed {
		l.Status = model.LogFailed
		l.FailedAt = &now
		l.ErrorMessage = d.Reason()
		codes := make([]string, len(d.Violations))
		for i, v := range d.Violations {
			codes[i] = v.Code
		}
		l.Metadata["violations"] = codes
		if err := e.store.CreateLog(ctx, l); err != nil {
			return Result{}, model.Persist("create log", err)
		}
		lg.Info("action rejected", "log_id", l.ID, "reason", l.ErrorMessage)
		return Result{Log: l}, nil
	}

	needsApproval := prop.RequiresApproval || e.policy.NeedsApproval(prop.EstimatedCostUSD)
	l.Metadata["requiresApproval"] = needsApproval
	if err := e.store.CreateLog(ctx, l); err != nil {
		return Result{}, model.Persist("create log", err)
	}

	if !needsApproval {
		lg.Info("action logged", "log_id", l.ID, "cost_usd", l.EstimatedCostUSD)
		return Result{Log: l}, nil
	}

	a, err := e.approvals.Create(ctx, l, details(prop, pos))
	if err != nil {
		e.abandon(ctx, l, "approval request: "+err.Error())
		return Result{Log: l}, err
	}
	return Result{Log: l, RequiresApproval: true, ApprovalID: a.ID}, nil
}

// inFlight returns the oldest log other than skip that is pending or
// approved for kind on positionID. Logs whose approval has lapsed are
// expired on the way and do not count.
func (e *Executor) inFlight(ctx context.Context, kind model.ActionKind, positionID, skip string) (*model.ActionLog, error) {
	logs, err := e.store.ListLogs(ctx, journal.LogFilter{
		PolicyID:   e.policy.ID,
		PositionID: positionID,
		Kind:       kind,
		Statuses:   []model.LogStatus{model.LogPending, model.LogApproved},
	})
	if err != nil {
		return nil, fmt.Errorf("list in-flight logs: %w", err)
	}
	for i := range logs {
		l := &logs[i]
		if l.ID == skip {
			continue
		}
		live, err := e.live(ctx, l)
		if err != nil {
			return nil, err
		}
		if live {
			return l, nil
		}
	}
	return nil, nil
}

// live reports whether a non-terminal log can still go ahead. A pending
// approval that has lapsed is expired, which cancels the log.
func (e *Executor) live(ctx context.Context, l *model.ActionLog) (bool, error) {
	if l.Status == model.LogApproved {
		return true, nil
	}
	pending, err := e.store.ListApprovals(ctx, journal.ApprovalFilter{LogID: l.ID, Status: model.ApprovalPending})
	if err != nil {
		return false, err
	}
	for _, a := range pending {
		cur, err := e.approvals.Get(ctx, a.UserID, a.ID)
		if err != nil {
			return false, err
		}
		if cur.Status != model.ApprovalPending {
			return false, nil
		}
	}
	return true, nil
}

func (e *Executor) newLog(prop model.Proposal, now time.Time) *model.ActionLog {
	return &model.ActionLog{
		ID:               e.newID(),
		UserID:           e.policy.UserID,
		PolicyID:         e.policy.ID,
		Kind:             prop.Kind,
		Status:           model.LogPending,
		PositionID:       prop.PositionID,
		PoolID:           prop.PoolID,
		EstimatedCostUSD: prop.EstimatedCostUSD,
		TriggeredBy:      e.trigger,
		RuleName:         "auto_" + string(prop.Kind),
		Metadata:         map[string]any{"reason": prop.Reason},
		CreatedAt:        now,
	}
}

func details(prop model.Proposal, pos *model.Position) model.ApprovalDetails {
	d := model.ApprovalDetails{
		PositionID: prop.PositionID,
		PoolID:     prop.PoolID,
		Reason:     prop.Reason,
	}
	if pos != nil {
		total, fees, out := pos.TotalUSD, pos.UnclaimedFeesUSD, pos.OutOfRange
		d.TotalUSD = &total
		d.UnclaimedFeesUSD = &fees
		d.OutOfRange = &out
	}
	return d
}

// abandon fails a log whose follow-up step could not complete. It is best
// effort; the original error is what the caller sees.
func (e *Executor) abandon(ctx context.Context, l *model.ActionLog, msg string) {
	if err := l.Transition(model.LogFailed, e.now().UTC()); err != nil {
		return
	}
	l.ErrorMessage = msg
	if err := e.store.UpdateLog(ctx, l); err != nil {
		e.log.Warn("abandon log", "log_id", l.ID, "err", err)
	}
}

// UpdateLogAfterExecution records the broadcast outcome of a log. Only a
// successful execution is charged to the budget.
func (e *Executor) UpdateLogAfterExecution(ctx context.Context, logID, signature string, actualCostUSD, gasNative float64, success bool) error {
	l, err := e.load(ctx, logID)
	if err != nil {
		return err
	}
	to := model.LogFailed
	if success {
		to = model.LogExecuted
	}
	if err := l.Transition(to, e.now().UTC()); err != nil {
		return err
	}
	l.Signature = signature
	l.ActualCostUSD = actualCostUSD
	l.GasNative = gasNative
	if !success && l.ErrorMessage == "" {
		l.ErrorMessage = "transaction failed"
	}
	if err := e.store.UpdateLog(ctx, l); err != nil {
		return model.Persist("update log", err)
	}

	e.log.Info("execution recorded",
		"policy", l.PolicyID, "log_id", l.ID, "kind", l.Kind,
		"status", l.Status, "cost_usd", actualCostUSD, "signature", signature)

	if success {
		if err := e.ledger.RecordSpend(ctx, actualCostUSD); err != nil {
			return model.Persist("record spend", err)
		}
	}
	return nil
}

func (e *Executor) load(ctx context.Context, logID string) (*model.ActionLog, error) {
	l, err := e.store.GetLog(ctx, logID)
	if err != nil {
		return nil, err
	}
	if l.PolicyID != e.policy.ID {
		return nil, fmt.Errorf("log %s belongs to policy %s: %w", logID, l.PolicyID, model.ErrNotFound)
	}
	return l, nil
}

// ready returns the log if it may be settled or cancelled now: approved,
// or pending with no approval still waiting on it.
func (e *Executor) ready(ctx context.Context, logID string) (*model.ActionLog, error) {
	l, err := e.load(ctx, logID)
	if err != nil {
		return nil, err
	}
	if l.Status.Terminal() {
		return nil, fmt.Errorf("log %s is %s: %w", l.ID, l.Status, model.ErrTerminal)
	}
	if l.Status == model.LogApproved {
		return l, nil
	}

	pending, err := e.store.ListApprovals(ctx, journal.ApprovalFilter{LogID: l.ID, Status: model.ApprovalPending})
	if err != nil {
		return nil, err
	}
	for _, a := range pending {
		cur, err := e.approvals.Get(ctx, a.UserID, a.ID)
		if err != nil {
			return nil, err
		}
		if cur.Status == model.ApprovalPending {
			return nil, fmt.Errorf("log %s is awaiting approval %s: %w", l.ID, cur.ID, model.ErrInvalidTransition)
		}
		return nil, fmt.Errorf("log %s: %w", l.ID, model.ErrApprovalExpired)
	}
	return l, nil
}

// Settle builds, signs and sends the transaction for a ready log. Before
// anything is built the log is gated again against a fresh position
// snapshot, and checked against any log of the same position and kind that
// executed or is still in flight ahead of it. A refusal fails the log
// without an error. A snapshot failure leaves the log untouched. Builder
// and signer failures fail the log and come back as a CollaboratorError.
func (e *Executor) Settle(ctx context.Context, logID string) (*model.ActionLog, error) {
	if e.builder == nil || e.signer == nil {
		return nil, &model.ConfigurationError{Field: "broker", Msg: "no transaction builder or signer configured"}
	}
	if e.positions == nil {
		return nil, &model.ConfigurationError{Field: "positions", Msg: "no position source configured"}
	}
	l, err := e.ready(ctx, logID)
	if err != nil {
		return nil, err
	}

	if msg, err := e.superseded(ctx, l); err != nil {
		return nil, err
	} else if msg != "" {
		e.abandon(ctx, l, msg)
		e.log.Info("settlement skipped", "policy", l.PolicyID, "log_id", l.ID, "reason", msg)
		return l, nil
	}

	pos, err := e.position(ctx, l)
	if err != nil {
		return nil, err
	}
	d, err := e.gate.Check(ctx, l.Kind, l.EstimatedCostUSD, pos)
	if err != nil {
		return nil, fmt.Errorf("safety check %s: %w", l.Kind, err)
	}
	if !d.Allowed {
		codes := make([]string, len(d.Violations))
		for i, v := range d.Violations {
			codes[i] = v.Code
		}
		if l.Metadata == nil {
			l.Metadata = map[string]any{}
		}
		l.Metadata["violations"] = codes
		e.abandon(ctx, l, d.Reason())
		e.log.Info("settlement rejected", "policy", l.PolicyID, "log_id", l.ID, "reason", l.ErrorMessage)
		return l, nil
	}

	req := broker.TxRequest{
		LogID:            l.ID,
		Kind:             l.Kind,
		Wallet:           e.policy.WalletAddress,
		PositionID:       l.PositionID,
		PoolID:           l.PoolID,
		EstimatedCostUSD: l.EstimatedCostUSD,
	}
	if l.Kind == model.ActionOpenPosition {
		req.AmountUSD = e.policy.MinPositionSizeUSD
	}

	payload, err := e.builder.Build(ctx, req)
	if err != nil {
		return e.collaboratorFailed(ctx, l, "build transaction", err)
	}
	receipt, err := e.signer.SignAndSend(ctx, req, payload)
	if err != nil {
		return e.collaboratorFailed(ctx, l, "sign and send", err)
	}

	if err := e.UpdateLogAfterExecution(ctx, l.ID, receipt.Signature, receipt.ActualCostUSD, receipt.GasNative, true); err != nil {
		return nil, err
	}
	return e.store.GetLog(ctx, l.ID)
}

// superseded explains why l must not be sent because an earlier log for
// the same position and kind is still in flight, or one has executed since
// l was created. It returns "" when l may proceed.
func (e *Executor) superseded(ctx context.Context, l *model.ActionLog) (string, error) {
	prior, err := e.inFlight(ctx, l.Kind, l.PositionID, l.ID)
	if err != nil {
		return "", err
	}
	if prior != nil && prior.CreatedAt.Before(l.CreatedAt) {
		return fmt.Sprintf("superseded by %s log %s", prior.Status, prior.ID), nil
	}

	done, err := e.store.ListLogs(ctx, journal.LogFilter{
		PolicyID:      e.policy.ID,
		PositionID:    l.PositionID,
		Kind:          l.Kind,
		Statuses:      []model.LogStatus{model.LogExecuted},
		ExecutedSince: l.CreatedAt,
		Limit:         1,
	})
	if err != nil {
		return "", fmt.Errorf("list executed logs: %w", err)
	}
	if len(done) > 0 {
		return fmt.Sprintf("already executed by log %s", done[0].ID), nil
	}
	return "", nil
}

// position returns l's position from a fresh snapshot, or nil when l
// targets no position or the position is no longer open.
func (e *Executor) position(ctx context.Context, l *model.ActionLog) (*model.Position, error) {
	if l.PositionID == "" {
		return nil, nil
	}
	snapshot, err := e.positions.ActivePositions(ctx, e.policy.UserID, e.policy.WalletAddress)
	if err != nil {
		var cerr *model.CollaboratorError
		if errors.As(err, &cerr) {
			return nil, err
		}
		return nil, &model.CollaboratorError{Op: "fetch positions", Err: err}
	}
	return model.FindPosition(snapshot, l.PositionID), nil
}

func (e *Executor) collaboratorFailed(ctx context.Context, l *model.ActionLog, op string, err error) (*model.ActionLog, error) {
	cerr := &model.CollaboratorError{Op: op, Err: err}
	e.abandon(ctx, l, cerr.Error())
	e.log.Warn("settlement failed", "policy", l.PolicyID, "log_id", l.ID, "err", err)
	return l, cerr
}

// Cancel withdraws a log that has not been broadcast.
func (e *Executor) Cancel(ctx context.Context, logID, reason string) (*model.ActionLog, error) {
	l, err := e.ready(ctx, logID)
	if err != nil {
		return nil, err
	}
	if err := l.Transition(model.LogCancelled, e.now().UTC()); err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "cancelled"
	}
	l.ErrorMessage = reason
	if err := e.store.UpdateLog(ctx, l); err != nil {
		if errors.Is(err, model.ErrTerminal) {
			return nil, err
		}
		return nil, model.Persist("cancel log", err)
	}
	e.log.Info("action cancelled", "policy", l.PolicyID, "log_id", l.ID, "reason", reason)
	return l, nil
}

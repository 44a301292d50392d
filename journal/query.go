package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rustyeddy/lpkeeper/model"
)

type scanner interface {
	Scan(dest ...any) error
}

// ListLogs returns logs matching f, oldest first unless f.NewestFirst.
func (j *SQLite) ListLogs(ctx context.Context, f LogFilter) ([]model.ActionLog, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		where = append(where, clause)
		args = append(args, v)
	}
	if f.UserID != "" {
		add("user_id = ?", f.UserID)
	}
	if f.PolicyID != "" {
		add("policy_id = ?", f.PolicyID)
	}
	if f.PositionID != "" {
		add("position_id = ?", f.PositionID)
	}
	if f.Kind != "" {
		add("action_type = ?", f.Kind)
	}
	if !f.Since.IsZero() {
		add("created_at >= ?", f.Since.UTC())
	}
	if !f.Until.IsZero() {
		add("created_at < ?", f.Until.UTC())
	}
	if !f.ExecutedSince.IsZero() {
		add("COALESCE(executed_at, created_at) >= ?", f.ExecutedSince.UTC())
	}
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			marks[i] = "?"
			args = append(args, s)
		}
		where = append(where, "status IN ("+strings.Join(marks, ",")+")")
	}

	q := `SELECT ` + logColumns + ` FROM action_logs`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	if f.NewestFirst {
		q += ` ORDER BY created_at DESC, id DESC`
	} else {
		q += ` ORDER BY created_at ASC, id ASC`
	}
	if f.Limit > 0 {
		q += fmt.Sprintf(` LIMIT %d`, f.Limit)
	}

	rows, err := j.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, model.Persist("list logs", err)
	}
	defer rows.Close()

	var out []model.ActionLog
	for rows.Next() {
		l, err := scanLog(rows)
		if err != nil {
			return nil, model.Persist("list logs", err)
		}
		out = append(out, *l)
	}
	return out, model.Persist("list logs", rows.Err())
}

// ListApprovals returns approvals matching f, oldest first.
func (j *SQLite) ListApprovals(ctx context.Context, f ApprovalFilter) ([]model.ApprovalRequest, error) {
	var (
		where []string
		args  []any
	)
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.PolicyID != "" {
		where = append(where, "policy_id = ?")
		args = append(args, f.PolicyID)
	}
	if f.LogID != "" {
		where = append(where, "log_id = ?")
		args = append(args, f.LogID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}

	q := `SELECT ` + approvalColumns + ` FROM approvals`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at ASC, id ASC`

	rows, err := j.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, model.Persist("list approvals", err)
	}
	defer rows.Close()

	var out []model.ApprovalRequest
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, model.Persist("list approvals", err)
		}
		out = append(out, *a)
	}
	return out, model.Persist("list approvals", rows.Err())
}

func scanPolicy(s scanner) (*model.Policy, error) {
	var (
		p       model.Policy
		lastRun sql.NullTime
	)
	err := s.Scan(
		&p.ID, &p.UserID, &p.WalletAddress, &p.TotalBudgetUSD, &p.SpentUSD,
		&p.MinPositionSizeUSD, &p.MaxPositionSizeUSD,
		&p.AutoClaimFees, &p.ClaimFeeThresholdUSD, &p.ClaimFeeIntervalHours,
		&p.AutoRebalance, &p.RebalanceThresholdPercent, &p.RebalanceCooldownHours,
		&p.AutoOpenPosition, &p.MinDaysBetweenOpens,
		&p.MaxPositions, &p.MaxDailySpendUSD, &p.RequireManualApproval, &p.ApprovalThresholdUSD,
		&p.IsActive, &lastRun, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.LastRunAt = timePtr(lastRun)
	return &p, nil
}

func scanLog(s scanner) (*model.ActionLog, error) {
	var (
		l                                     model.ActionLog
		positionID, poolID, sig, rule, errMsg sql.NullString
		meta                                  string
		executedAt, failedAt                  sql.NullTime
	)
	err := s.Scan(
		&l.ID, &l.UserID, &l.PolicyID, &l.Kind, &l.Status, &positionID, &poolID,
		&l.EstimatedCostUSD, &l.ActualCostUSD, &l.GasNative, &sig, &l.TriggeredBy, &rule,
		&errMsg, &meta, &l.CreatedAt, &executedAt, &failedAt,
	)
	if err != nil {
		return nil, err
	}
	l.PositionID = positionID.String
	l.PoolID = poolID.String
	l.Signature = sig.String
	l.RuleName = rule.String
	l.ErrorMessage = errMsg.String
	l.CreatedAt = l.CreatedAt.UTC()
	l.ExecutedAt = timePtr(executedAt)
	l.FailedAt = timePtr(failedAt)
	if meta != "" && meta != "null" {
		if err := json.Unmarshal([]byte(meta), &l.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for log %s: %w", l.ID, err)
		}
	}
	return &l, nil
}

func scanApproval(s scanner) (*model.ApprovalRequest, error) {
	var (
		a                      model.ApprovalRequest
		details                string
		approvedAt, rejectedAt sql.NullTime
		reason                 sql.NullString
	)
	err := s.Scan(
		&a.ID, &a.LogID, &a.UserID, &a.PolicyID, &a.Kind, &details, &a.EstimatedCostUSD,
		&a.Status, &a.CreatedAt, &a.ExpiresAt, &approvedAt, &rejectedAt, &reason,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(details), &a.Details); err != nil {
		return nil, fmt.Errorf("decode details for approval %s: %w", a.ID, err)
	}
	a.CreatedAt = a.CreatedAt.UTC()
	a.ExpiresAt = a.ExpiresAt.UTC()
	a.ApprovedAt = timePtr(approvedAt)
	a.RejectedAt = timePtr(rejectedAt)
	a.RejectionReason = reason.String
	return &a, nil
}

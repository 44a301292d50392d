package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/rustyeddy/lpkeeper/model"
)

// SQLite is the Store backed by a SQLite database file.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the database at path and applies Schema.
func NewSQLite(path string) (*SQLite, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one writer at a time
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (j *SQLite) Close() error {
	return j.db.Close()
}

// DB exposes the handle for ad-hoc reporting queries.
func (j *SQLite) DB() *sql.DB {
	return j.db
}

// --- policies ---

const policyColumns = `id, user_id, wallet_address, total_budget_usd, spent_usd,
	min_position_size_usd, max_position_size_usd,
	auto_claim_fees, claim_fee_threshold_usd, claim_fee_interval_hours,
	auto_rebalance, rebalance_threshold_percent, rebalance_cooldown_hours,
	auto_open_position, min_days_between_opens,
	max_positions, max_daily_spend_usd, require_manual_approval, approval_threshold_usd,
	is_active, last_run_at, created_at, updated_at`

func (j *SQLite) SavePolicy(ctx context.Context, p *model.Policy) error {
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	_, err := j.db.ExecContext(ctx, `
		INSERT INTO policies (`+policyColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			user_id=excluded.user_id,
			wallet_address=excluded.wallet_address,
			total_budget_usd=excluded.total_budget_usd,
			spent_usd=excluded.spent_usd,
			min_position_size_usd=excluded.min_position_size_usd,
			max_position_size_usd=excluded.max_position_size_usd,
			auto_claim_fees=excluded.auto_claim_fees,
			claim_fee_threshold_usd=excluded.claim_fee_threshold_usd,
			claim_fee_interval_hours=excluded.claim_fee_interval_hours,
			auto_rebalance=excluded.auto_rebalance,
			rebalance_threshold_percent=excluded.rebalance_threshold_percent,
			rebalance_cooldown_hours=excluded.rebalance_cooldown_hours,
			auto_open_position=excluded.auto_open_position,
			min_days_between_opens=excluded.min_days_between_opens,
			max_positions=excluded.max_positions,
			max_daily_spend_usd=excluded.max_daily_spend_usd,
			require_manual_approval=excluded.require_manual_approval,
			approval_threshold_usd=excluded.approval_threshold_usd,
			is_active=excluded.is_active,
			last_run_at=excluded.last_run_at,
			updated_at=excluded.updated_at`,
		p.ID, p.UserID, p.WalletAddress, p.TotalBudgetUSD, p.SpentUSD,
		p.MinPositionSizeUSD, p.MaxPositionSizeUSD,
		p.AutoClaimFees, p.ClaimFeeThresholdUSD, p.ClaimFeeIntervalHours,
		p.AutoRebalance, p.RebalanceThresholdPercent, p.RebalanceCooldownHours,
		p.AutoOpenPosition, p.MinDaysBetweenOpens,
		p.MaxPositions, p.MaxDailySpendUSD, p.RequireManualApproval, p.ApprovalThresholdUSD,
		p.IsActive, nullTime(p.LastRunAt), p.CreatedAt, p.UpdatedAt,
	)
	return model.Persist("save policy", err)
}

func (j *SQLite) GetPolicy(ctx context.Context, id string) (*model.Policy, error) {
	row := j.db.QueryRowContext(ctx, `SELECT `+policyColumns+` FROM policies WHERE id = ?`, id)
	p, err := scanPolicy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("policy %q: %w", id, model.ErrNotFound)
	}
	return p, model.Persist("get policy", err)
}

func (j *SQLite) GetPolicyByWallet(ctx context.Context, userID, wallet string) (*model.Policy, error) {
	row := j.db.QueryRowContext(ctx,
		`SELECT `+policyColumns+` FROM policies WHERE user_id = ? AND wallet_address = ?`, userID, wallet)
	p, err := scanPolicy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("policy for %s/%s: %w", userID, wallet, model.ErrNotFound)
	}
	return p, model.Persist("get policy", err)
}

func (j *SQLite) ListPolicies(ctx context.Context, activeOnly bool) ([]model.Policy, error) {
	q := `SELECT ` + policyColumns + ` FROM policies`
	if activeOnly {
		q += ` WHERE is_active = 1`
	}
	q += ` ORDER BY created_at ASC`

	rows, err := j.db.QueryContext(ctx, q)
	if err != nil {
		return nil, model.Persist("list policies", err)
	}
	defer rows.Close()

	var out []model.Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, model.Persist("list policies", err)
		}
		out = append(out, *p)
	}
	return out, model.Persist("list policies", rows.Err())
}

func (j *SQLite) AddSpend(ctx context.Context, policyID string, amount float64) (float64, error) {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, model.Persist("add spend", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE policies SET spent_usd = spent_usd + ?, updated_at = ? WHERE id = ?`,
		amount, time.Now().UTC(), policyID)
	if err != nil {
		return 0, model.Persist("add spend", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, fmt.Errorf("policy %q: %w", policyID, model.ErrNotFound)
	}

	var spent float64
	if err := tx.QueryRowContext(ctx, `SELECT spent_usd FROM policies WHERE id = ?`, policyID).Scan(&spent); err != nil {
		return 0, model.Persist("add spend", err)
	}
	return spent, model.Persist("add spend", tx.Commit())
}

func (j *SQLite) SetLastRun(ctx context.Context, policyID string, at time.Time) error {
	res, err := j.db.ExecContext(ctx,
		`UPDATE policies SET last_run_at = ?, updated_at = ? WHERE id = ?`, at.UTC(), time.Now().UTC(), policyID)
	if err != nil {
		return model.Persist("set last run", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("policy %q: %w", policyID, model.ErrNotFound)
	}
	return nil
}

// --- action logs ---

const logColumns = `id, user_id, policy_id, action_type, status, position_id, pool_id,
	estimated_cost_usd, cost_usd, gas_native, signature, triggered_by, rule_name,
	error_message, metadata, created_at, executed_at, failed_at`

func (j *SQLite) CreateLog(ctx context.Context, l *model.ActionLog) error {
	meta, err := json.Marshal(l.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	_, err = j.db.ExecContext(ctx, `
		INSERT INTO action_logs (`+logColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		l.ID, l.UserID, l.PolicyID, l.Kind, l.Status, l.PositionID, l.PoolID,
		l.EstimatedCostUSD, l.ActualCostUSD, l.GasNative, l.Signature, l.TriggeredBy, l.RuleName,
		l.ErrorMessage, string(meta), l.CreatedAt.UTC(), nullTime(l.ExecutedAt), nullTime(l.FailedAt),
	)
	return model.Persist("create log", err)
}

func (j *SQLite) GetLog(ctx context.Context, id string) (*model.ActionLog, error) {
	row := j.db.QueryRowContext(ctx, `SELECT `+logColumns+` FROM action_logs WHERE id = ?`, id)
	l, err := scanLog(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("log %q: %w", id, model.ErrNotFound)
	}
	return l, model.Persist("get log", err)
}

func (j *SQLite) UpdateLog(ctx context.Context, l *model.ActionLog) error {
	return updateLog(ctx, j.db, l)
}

// execer is what the update helpers need from a *sql.DB or *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func updateLog(ctx context.Context, x execer, l *model.ActionLog) error {
	meta, err := json.Marshal(l.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	res, err := x.ExecContext(ctx, `
		UPDATE action_logs SET
			status = ?, cost_usd = ?, gas_native = ?, signature = ?,
			error_message = ?, metadata = ?, executed_at = ?, failed_at = ?
		WHERE id = ? AND status NOT IN ('executed','failed','rejected','cancelled')`,
		l.Status, l.ActualCostUSD, l.GasNative, l.Signature,
		l.ErrorMessage, string(meta), nullTime(l.ExecutedAt), nullTime(l.FailedAt),
		l.ID,
	)
	if err != nil {
		return model.Persist("update log", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if err := exists(ctx, x, "action_logs", "log", l.ID); err != nil {
			return err
		}
		return fmt.Errorf("log %q: %w", l.ID, model.ErrTerminal)
	}
	return nil
}

// exists returns ErrNotFound when table has no row with id.
func exists(ctx context.Context, x execer, table, noun, id string) error {
	var one int
	err := x.QueryRowContext(ctx, `SELECT 1 FROM `+table+` WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %q: %w", noun, id, model.ErrNotFound)
	}
	return model.Persist("lookup "+noun, err)
}

// --- approvals ---

const approvalColumns = `id, log_id, user_id, policy_id, action_type, details, estimated_cost_usd,
	status, created_at, expires_at, approved_at, rejected_at, rejection_reason`

func (j *SQLite) CreateApproval(ctx context.Context, a *model.ApprovalRequest) error {
	details, err := json.Marshal(a.Details)
	if err != nil {
		return fmt.Errorf("encode details: %w", err)
	}
	_, err = j.db.ExecContext(ctx, `
		INSERT INTO approvals (`+approvalColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.LogID, a.UserID, a.PolicyID, a.Kind, string(details), a.EstimatedCostUSD,
		a.Status, a.CreatedAt.UTC(), a.ExpiresAt.UTC(), nullTime(a.ApprovedAt), nullTime(a.RejectedAt),
		a.RejectionReason,
	)
	return model.Persist("create approval", err)
}

func (j *SQLite) GetApproval(ctx context.Context, id string) (*model.ApprovalRequest, error) {
	row := j.db.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE id = ?`, id)
	a, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("approval %q: %w", id, model.ErrNotFound)
	}
	return a, model.Persist("get approval", err)
}

func (j *SQLite) UpdateApproval(ctx context.Context, a *model.ApprovalRequest) error {
	return updateApproval(ctx, j.db, a)
}

func updateApproval(ctx context.Context, x execer, a *model.ApprovalRequest) error {
	res, err := x.ExecContext(ctx, `
		UPDATE approvals SET status = ?, approved_at = ?, rejected_at = ?, rejection_reason = ?
		WHERE id = ? AND status = 'pending'`,
		a.Status, nullTime(a.ApprovedAt), nullTime(a.RejectedAt), a.RejectionReason, a.ID,
	)
	if err != nil {
		return model.Persist("update approval", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if err := exists(ctx, x, "approvals", "approval", a.ID); err != nil {
			return err
		}
		return fmt.Errorf("approval %q: %w", a.ID, model.ErrNotPending)
	}
	return nil
}

// ResolveApproval writes a decided approval and its log in one
// transaction. Neither is written unless the approval is still pending and
// the log is not terminal.
func (j *SQLite) ResolveApproval(ctx context.Context, a *model.ApprovalRequest, l *model.ActionLog) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Persist("resolve approval", err)
	}
	defer tx.Rollback()

	if err := updateApproval(ctx, tx, a); err != nil {
		return err
	}
	if err := updateLog(ctx, tx, l); err != nil {
		return err
	}
	return model.Persist("resolve approval", tx.Commit())
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

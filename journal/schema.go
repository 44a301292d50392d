package journal

const Schema = `
CREATE TABLE IF NOT EXISTS policies (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	wallet_address TEXT NOT NULL,
	total_budget_usd REAL NOT NULL,
	spent_usd REAL NOT NULL DEFAULT 0,
	min_position_size_usd REAL NOT NULL,
	max_position_size_usd REAL NOT NULL,
	auto_claim_fees INTEGER NOT NULL,
	claim_fee_threshold_usd REAL NOT NULL,
	claim_fee_interval_hours REAL NOT NULL,
	auto_rebalance INTEGER NOT NULL,
	rebalance_threshold_percent REAL NOT NULL,
	rebalance_cooldown_hours REAL NOT NULL,
	auto_open_position INTEGER NOT NULL,
	min_days_between_opens REAL NOT NULL,
	max_positions INTEGER NOT NULL,
	max_daily_spend_usd REAL NOT NULL,
	require_manual_approval INTEGER NOT NULL,
	approval_threshold_usd REAL NOT NULL,
	is_active INTEGER NOT NULL,
	last_run_at DATETIME,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	UNIQUE (user_id, wallet_address)
);

CREATE TABLE IF NOT EXISTS action_logs (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	policy_id TEXT NOT NULL,
	action_type TEXT NOT NULL,
	status TEXT NOT NULL,
	position_id TEXT,
	pool_id TEXT,
	estimated_cost_usd REAL NOT NULL,
	cost_usd REAL NOT NULL DEFAULT 0,
	gas_native REAL NOT NULL DEFAULT 0,
	signature TEXT,
	triggered_by TEXT NOT NULL,
	rule_name TEXT,
	error_message TEXT,
	metadata TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME NOT NULL,
	executed_at DATETIME,
	failed_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_logs_policy_created ON action_logs(policy_id, created_at);
CREATE INDEX IF NOT EXISTS idx_logs_status ON action_logs(status);

CREATE TABLE IF NOT EXISTS approvals (
	id TEXT PRIMARY KEY,
	log_id TEXT NOT NULL REFERENCES action_logs(id),
	user_id TEXT NOT NULL,
	policy_id TEXT NOT NULL,
	action_type TEXT NOT NULL,
	details TEXT NOT NULL,
	estimated_cost_usd REAL NOT NULL,
	status TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	expires_at DATETIME NOT NULL,
	approved_at DATETIME,
	rejected_at DATETIME,
	rejection_reason TEXT
);

CREATE INDEX IF NOT EXISTS idx_approvals_status ON approvals(status, expires_at);
CREATE INDEX IF NOT EXISTS idx_approvals_log ON approvals(log_id);
`

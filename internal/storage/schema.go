package storage

const (
	tableEvents = `
		CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			correlation_id TEXT NOT NULL UNIQUE,
			scope_key TEXT NOT NULL,
			session_id TEXT NOT NULL DEFAULT '',
			project_path TEXT NOT NULL DEFAULT '',
			event_type TEXT NOT NULL,
			tool_name TEXT NOT NULL DEFAULT '',
			input_digest TEXT NOT NULL DEFAULT '',
			decision TEXT NOT NULL CHECK(decision IN ('pending', 'allow', 'deny', 'ask', 'error')),
			reason TEXT NOT NULL DEFAULT '',
			approval_id TEXT NOT NULL DEFAULT '',
			cost_estimate REAL,
			cost_actual REAL,
			created_at TEXT NOT NULL,
			resolved_at TEXT
		)`

	// A row may be updated exactly once: from pending to its final decision.
	triggerEventsFinalizeOnce = `
		CREATE TRIGGER IF NOT EXISTS events_finalize_once
		BEFORE UPDATE ON events
		FOR EACH ROW
		WHEN OLD.decision <> 'pending'
		BEGIN
			SELECT RAISE(FAIL, 'finalized events are immutable');
		END`

	indexEventsScope = `
		CREATE INDEX IF NOT EXISTS idx_events_scope_created ON events(scope_key, created_at DESC)`

	indexEventsType = `
		CREATE INDEX IF NOT EXISTS idx_events_type ON events(event_type)`

	indexEventsCreated = `
		CREATE INDEX IF NOT EXISTS idx_events_created ON events(created_at DESC)`

	tableBudgets = `
		CREATE TABLE IF NOT EXISTS budgets (
			scope_key TEXT NOT NULL,
			period TEXT NOT NULL CHECK(period IN ('daily', 'monthly', 'session')),
			limit_amount REAL NOT NULL CHECK(limit_amount >= 0),
			soft_limit REAL NOT NULL DEFAULT 0 CHECK(soft_limit >= 0),
			spent REAL NOT NULL DEFAULT 0 CHECK(spent >= 0),
			window_start TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (scope_key, period)
		)`

	tableApprovalRequests = `
		CREATE TABLE IF NOT EXISTS approval_requests (
			id TEXT PRIMARY KEY,
			correlation_id TEXT NOT NULL UNIQUE,
			scope_key TEXT NOT NULL,
			session_id TEXT NOT NULL DEFAULT '',
			project_path TEXT NOT NULL DEFAULT '',
			request_type TEXT NOT NULL,
			tool_name TEXT NOT NULL DEFAULT '',
			request_details TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL CHECK(status IN ('pending', 'approved', 'denied', 'expired')),
			decided_by TEXT NOT NULL DEFAULT '' CHECK(decided_by IN ('', 'user', 'policy', 'timeout')),
			approver TEXT NOT NULL DEFAULT '',
			comment TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			expires_at TEXT NOT NULL,
			decided_at TEXT
		)`

	triggerApprovalsTerminal = `
		CREATE TRIGGER IF NOT EXISTS approval_requests_terminal
		BEFORE UPDATE ON approval_requests
		FOR EACH ROW
		WHEN OLD.status <> 'pending'
		BEGIN
			SELECT RAISE(FAIL, 'terminal approval requests are immutable');
		END`

	indexApprovalsStatus = `
		CREATE INDEX IF NOT EXISTS idx_approval_requests_status ON approval_requests(status, created_at DESC)`

	tableApprovalPolicies = `
		CREATE TABLE IF NOT EXISTS approval_policies (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL DEFAULT '',
			priority INTEGER NOT NULL DEFAULT 0,
			enabled INTEGER NOT NULL DEFAULT 1,
			event_type TEXT NOT NULL DEFAULT '',
			tool_name_pattern TEXT NOT NULL DEFAULT '',
			action TEXT NOT NULL CHECK(action IN ('allow', 'deny', 'ask')),
			scope_filter TEXT NOT NULL DEFAULT '',
			source TEXT NOT NULL DEFAULT 'api',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`
)

func schemaStatements() []string {
	return []string{
		tableEvents,
		triggerEventsFinalizeOnce,
		indexEventsScope,
		indexEventsType,
		indexEventsCreated,
		tableBudgets,
		tableApprovalRequests,
		triggerApprovalsTerminal,
		indexApprovalsStatus,
		tableApprovalPolicies,
	}
}

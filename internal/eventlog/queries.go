package eventlog

const (
	eventColumns = `id, correlation_id, scope_key, session_id, project_path, event_type, tool_name,
		input_digest, decision, reason, approval_id, cost_estimate, cost_actual, created_at, resolved_at`

	queryInsertEvent = `
		INSERT INTO events (correlation_id, scope_key, session_id, project_path, event_type, tool_name,
			input_digest, decision, reason, approval_id, cost_estimate, cost_actual, created_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	queryFinalizeEvent = `
		UPDATE events
		SET decision = ?, reason = ?, approval_id = ?, cost_actual = COALESCE(?, cost_actual), resolved_at = ?
		WHERE correlation_id = ? AND decision = 'pending'`

	querySelectByCorrelation = `
		SELECT ` + eventColumns + `
		FROM events
		WHERE correlation_id = ?`

	querySelectRecent = `
		SELECT ` + eventColumns + `
		FROM events`

	queryStats = `
		SELECT event_type, decision, COUNT(*), COALESCE(SUM(cost_actual), 0)
		FROM events
		WHERE created_at >= ?
		GROUP BY event_type, decision`

	queryCleanup = `
		DELETE FROM events
		WHERE created_at < ? AND decision <> 'pending'`

	defaultLimit = 100
	maxLimit     = 1000
)

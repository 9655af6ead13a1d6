package eventlog

import (
	"database/sql"
	"fmt"

	"github.com/dagbolade/hook-gateway/internal/hook"
	"github.com/dagbolade/hook-gateway/internal/storage"
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	events := []Event{}

	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}

	return events, nil
}

func scanEvent(row rowScanner) (Event, error) {
	var (
		e          Event
		eventType  string
		decision   string
		estimate   sql.NullFloat64
		actual     sql.NullFloat64
		createdAt  string
		resolvedAt sql.NullString
	)

	err := row.Scan(
		&e.ID, &e.CorrelationID, &e.ScopeKey, &e.Scope.SessionID, &e.Scope.ProjectPath,
		&eventType, &e.ToolName, &e.InputDigest, &decision, &e.Reason, &e.ApprovalID,
		&estimate, &actual, &createdAt, &resolvedAt,
	)
	if err != nil {
		return Event{}, err
	}

	e.EventType = hook.EventType(eventType)
	e.Decision = hook.Decision(decision)
	e.CostEstimate = nullFloat(estimate)
	e.CostActual = nullFloat(actual)

	if e.CreatedAt, err = storage.ParseTime(createdAt); err != nil {
		return Event{}, err
	}
	if e.ResolvedAt, err = storage.ParseNullTime(resolvedAt); err != nil {
		return Event{}, err
	}

	return e, nil
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func floatArg(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

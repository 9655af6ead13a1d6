package eventlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dagbolade/hook-gateway/internal/storage"
)

const maxRetries = 3

type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db, now: time.Now}
}

func (s *SQLiteStore) Append(ctx context.Context, e *Event) error {
	if err := validateEvent(e); err != nil {
		return err
	}

	var res sql.Result
	err := storage.Retry(maxRetries, func() error {
		var err error
		res, err = s.db.ExecContext(ctx, queryInsertEvent,
			e.CorrelationID, e.ScopeKey, e.Scope.SessionID, e.Scope.ProjectPath,
			string(e.EventType), e.ToolName, e.InputDigest, string(e.Decision), e.Reason, e.ApprovalID,
			floatArg(e.CostEstimate), floatArg(e.CostActual),
			storage.FormatTime(e.CreatedAt), storage.NullTime(e.ResolvedAt),
		)
		return err
	})
	if err != nil {
		if storage.IsUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert event: %w", err)
	}

	if id, err := res.LastInsertId(); err == nil {
		e.ID = id
	}
	return nil
}

func (s *SQLiteStore) Finalize(ctx context.Context, correlationID string, f Finalization) error {
	if err := validateFinalization(f); err != nil {
		return err
	}

	var res sql.Result
	err := storage.Retry(maxRetries, func() error {
		var err error
		res, err = s.db.ExecContext(ctx, queryFinalizeEvent,
			string(f.Decision), f.Reason, f.ApprovalID, floatArg(f.CostActual),
			storage.FormatTime(f.ResolvedAt), correlationID,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("finalize event: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finalize event: %w", err)
	}
	if affected == 1 {
		return nil
	}

	if _, err := s.Get(ctx, correlationID); err != nil {
		return err
	}
	return ErrAlreadyFinalized
}

func (s *SQLiteStore) Get(ctx context.Context, correlationID string) (Event, error) {
	e, err := scanEvent(s.db.QueryRowContext(ctx, querySelectByCorrelation, correlationID))
	if errors.Is(err, sql.ErrNoRows) {
		return Event{}, ErrNotFound
	}
	if err != nil {
		return Event{}, fmt.Errorf("get event: %w", err)
	}
	return e, nil
}

func (s *SQLiteStore) GetRecent(ctx context.Context, filter Filter) ([]Event, error) {
	query, args := buildRecentQuery(filter)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

func (s *SQLiteStore) Stats(ctx context.Context, since time.Time) (Stats, error) {
	stats := Stats{
		Since:      since,
		ByType:     map[string]int{},
		ByDecision: map[string]int{},
	}

	rows, err := s.db.QueryContext(ctx, queryStats, storage.FormatTime(since))
	if err != nil {
		return Stats{}, fmt.Errorf("query stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			eventType, decision string
			count               int
			cost                float64
		)
		if err := rows.Scan(&eventType, &decision, &count, &cost); err != nil {
			return Stats{}, fmt.Errorf("scan stats: %w", err)
		}
		stats.Total += count
		stats.ByType[eventType] += count
		stats.ByDecision[decision] += count
		stats.TotalCost += cost
	}

	if err := rows.Err(); err != nil {
		return Stats{}, fmt.Errorf("rows iteration: %w", err)
	}
	return stats, nil
}

// Cleanup deletes finalized rows older than maxAge. Pending rows are kept so
// an in-flight call can still be finalized.
func (s *SQLiteStore) Cleanup(ctx context.Context, maxAge time.Duration) (int64, error) {
	if maxAge <= 0 {
		return 0, fmt.Errorf("max age must be positive")
	}

	cutoff := s.now().Add(-maxAge)
	res, err := s.db.ExecContext(ctx, queryCleanup, storage.FormatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("cleanup events: %w", err)
	}
	return res.RowsAffected()
}

func buildRecentQuery(f Filter) (string, []any) {
	var (
		conds []string
		args  []any
	)

	add := func(cond string, arg any) {
		conds = append(conds, cond)
		args = append(args, arg)
	}

	if f.SessionID != "" {
		add("session_id = ?", f.SessionID)
	}
	if f.ProjectPath != "" {
		add("project_path = ?", f.ProjectPath)
	}
	if f.ScopeKey != "" {
		add("scope_key = ?", f.ScopeKey)
	}
	if f.EventType != "" {
		add("event_type = ?", string(f.EventType))
	}
	if f.Decision != "" {
		add("decision = ?", string(f.Decision))
	}
	if !f.Since.IsZero() {
		add("created_at >= ?", storage.FormatTime(f.Since))
	}
	if !f.Until.IsZero() {
		add("created_at < ?", storage.FormatTime(f.Until))
	}

	var b strings.Builder
	b.WriteString(querySelectRecent)
	if len(conds) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(conds, " AND "))
	}
	b.WriteString(" ORDER BY created_at DESC, id DESC LIMIT ?")
	args = append(args, clampLimit(f.Limit))

	return b.String(), args
}

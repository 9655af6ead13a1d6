package budget

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dagbolade/hook-gateway/internal/storage"
)

const (
	budgetColumns = `scope_key, period, limit_amount, soft_limit, spent, window_start, updated_at`

	queryLoadBudgets = `SELECT ` + budgetColumns + ` FROM budgets WHERE scope_key = ? ORDER BY period`

	queryListBudgets = `SELECT ` + budgetColumns + ` FROM budgets ORDER BY scope_key, period`

	queryUpsertBudget = `
		INSERT INTO budgets (scope_key, period, limit_amount, soft_limit, spent, window_start, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(scope_key, period) DO UPDATE SET
			limit_amount = excluded.limit_amount,
			soft_limit = excluded.soft_limit,
			spent = excluded.spent,
			window_start = excluded.window_start,
			updated_at = excluded.updated_at`

	queryDeleteBudget = `DELETE FROM budgets WHERE scope_key = ? AND period = ?`
)

const maxRetries = 3

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) Load(ctx context.Context, scopeKey string) ([]Entry, error) {
	return s.query(ctx, queryLoadBudgets, scopeKey)
}

func (s *SQLiteStore) List(ctx context.Context) ([]Entry, error) {
	return s.query(ctx, queryListBudgets)
}

func (s *SQLiteStore) Save(ctx context.Context, e Entry) error {
	err := storage.Retry(maxRetries, func() error {
		_, err := s.db.ExecContext(ctx, queryUpsertBudget,
			e.ScopeKey, string(e.Period), e.Limit, e.SoftLimit, e.Spent,
			storage.FormatTime(e.WindowStart), storage.FormatTime(e.UpdatedAt),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("save budget %s/%s: %w", e.ScopeKey, e.Period, err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, scopeKey string, period Period) error {
	res, err := s.db.ExecContext(ctx, queryDeleteBudget, scopeKey, string(period))
	if err != nil {
		return fmt.Errorf("delete budget: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) query(ctx context.Context, query string, args ...any) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query budgets: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e                      Entry
			period                 string
			windowStart, updatedAt string
		)
		if err := rows.Scan(&e.ScopeKey, &period, &e.Limit, &e.SoftLimit, &e.Spent, &windowStart, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan budget: %w", err)
		}
		e.Period = Period(period)
		if e.WindowStart, err = storage.ParseTime(windowStart); err != nil {
			return nil, fmt.Errorf("parse window start: %w", err)
		}
		if e.UpdatedAt, err = storage.ParseTime(updatedAt); err != nil {
			return nil, fmt.Errorf("parse updated at: %w", err)
		}
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return entries, nil
}

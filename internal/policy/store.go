package policy

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dagbolade/hook-gateway/internal/hook"
	"github.com/dagbolade/hook-gateway/internal/storage"
)

const (
	policyColumns = `id, name, priority, enabled, event_type, tool_name_pattern, action, scope_filter, source, created_at, updated_at`

	queryListPolicies = `SELECT ` + policyColumns + ` FROM approval_policies ORDER BY priority DESC, id ASC`

	queryGetPolicy = `SELECT ` + policyColumns + ` FROM approval_policies WHERE id = ?`

	queryInsertPolicy = `
		INSERT INTO approval_policies (name, priority, enabled, event_type, tool_name_pattern, action, scope_filter, source, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	queryUpdatePolicy = `
		UPDATE approval_policies
		SET name = ?, priority = ?, enabled = ?, event_type = ?, tool_name_pattern = ?, action = ?, scope_filter = ?, updated_at = ?
		WHERE id = ?`

	queryDeletePolicy = `DELETE FROM approval_policies WHERE id = ?`

	queryDeleteSource = `DELETE FROM approval_policies WHERE source = ?`
)

type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db, now: time.Now}
}

func (s *SQLiteStore) List(ctx context.Context) ([]Policy, error) {
	rows, err := s.db.QueryContext(ctx, queryListPolicies)
	if err != nil {
		return nil, fmt.Errorf("query policies: %w", err)
	}
	defer rows.Close()

	var policies []Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, fmt.Errorf("scan policy: %w", err)
		}
		policies = append(policies, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return policies, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id int64) (Policy, error) {
	p, err := scanPolicy(s.db.QueryRowContext(ctx, queryGetPolicy, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Policy{}, ErrNotFound
	}
	if err != nil {
		return Policy{}, fmt.Errorf("get policy: %w", err)
	}
	return p, nil
}

func (s *SQLiteStore) Create(ctx context.Context, p *Policy) error {
	return insertPolicy(ctx, s.db, p, s.now().UTC())
}

func (s *SQLiteStore) Update(ctx context.Context, p *Policy) error {
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx, queryUpdatePolicy,
		p.Name, p.Priority, p.Enabled, string(p.EventType), p.ToolNamePattern,
		string(p.Action), p.ScopeFilter, storage.FormatTime(now), p.ID,
	)
	if err != nil {
		return fmt.Errorf("update policy: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	p.UpdatedAt = now
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, queryDeletePolicy, id)
	if err != nil {
		return fmt.Errorf("delete policy: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// ReplaceSource swaps every policy of one source for the given set in a
// single transaction. Rules from other sources are untouched.
func (s *SQLiteStore) ReplaceSource(ctx context.Context, source string, policies []Policy) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, queryDeleteSource, source); err != nil {
		return fmt.Errorf("delete %s policies: %w", source, err)
	}

	now := s.now().UTC()
	for i := range policies {
		policies[i].Source = source
		if err := insertPolicy(ctx, tx, &policies[i], now); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertPolicy(ctx context.Context, db execer, p *Policy, now time.Time) error {
	if p.Source == "" {
		p.Source = SourceAPI
	}

	res, err := db.ExecContext(ctx, queryInsertPolicy,
		p.Name, p.Priority, p.Enabled, string(p.EventType), p.ToolNamePattern,
		string(p.Action), p.ScopeFilter, p.Source,
		storage.FormatTime(now), storage.FormatTime(now),
	)
	if err != nil {
		return fmt.Errorf("insert policy: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("policy id: %w", err)
	}
	p.ID = id
	p.CreatedAt = now
	p.UpdatedAt = now
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPolicy(row rowScanner) (Policy, error) {
	var (
		p                    Policy
		eventType, action    string
		createdAt, updatedAt string
	)
	err := row.Scan(&p.ID, &p.Name, &p.Priority, &p.Enabled, &eventType, &p.ToolNamePattern,
		&action, &p.ScopeFilter, &p.Source, &createdAt, &updatedAt)
	if err != nil {
		return Policy{}, err
	}

	p.EventType = hook.EventType(eventType)
	p.Action = Action(action)
	if p.CreatedAt, err = storage.ParseTime(createdAt); err != nil {
		return Policy{}, err
	}
	if p.UpdatedAt, err = storage.ParseTime(updatedAt); err != nil {
		return Policy{}, err
	}
	return p, nil
}

package approval

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dagbolade/hook-gateway/internal/storage"
)

const (
	requestColumns = `id, correlation_id, scope_key, session_id, project_path, request_type, tool_name,
		request_details, reason, status, decided_by, approver, comment, created_at, expires_at, decided_at`

	queryInsertRequest = `
		INSERT INTO approval_requests (` + requestColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	queryTransitionRequest = `
		UPDATE approval_requests
		SET status = ?, decided_by = ?, approver = ?, comment = ?, decided_at = ?
		WHERE id = ? AND status = 'pending'`

	queryGetRequest = `SELECT ` + requestColumns + ` FROM approval_requests WHERE id = ?`

	queryExpirePending = `
		UPDATE approval_requests
		SET status = 'expired', decided_by = 'timeout', comment = 'gateway restarted', decided_at = ?
		WHERE status = 'pending'`

	queryCleanupRequests = `DELETE FROM approval_requests WHERE status <> 'pending' AND created_at < ?`
)

const (
	defaultLimit = 100
	maxLimit     = 1000
	maxRetries   = 3
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) Insert(ctx context.Context, r *Request) error {
	err := storage.Retry(maxRetries, func() error {
		_, err := s.db.ExecContext(ctx, queryInsertRequest,
			r.ID, r.CorrelationID, r.ScopeKey, r.Scope.SessionID, r.Scope.ProjectPath,
			r.RequestType, r.ToolName, r.RequestDetails, r.Reason,
			string(r.Status), string(r.DecidedBy), r.Approver, r.Comment,
			storage.FormatTime(r.CreatedAt), storage.FormatTime(r.ExpiresAt), storage.NullTime(r.DecidedAt),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("insert approval request: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Transition(ctx context.Context, r Request) (bool, error) {
	var res sql.Result
	err := storage.Retry(maxRetries, func() error {
		var err error
		res, err = s.db.ExecContext(ctx, queryTransitionRequest,
			string(r.Status), string(r.DecidedBy), r.Approver, r.Comment,
			storage.NullTime(r.DecidedAt), r.ID,
		)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("update approval request: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update approval request: %w", err)
	}
	return n == 1, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (Request, error) {
	r, err := scanRequest(s.db.QueryRowContext(ctx, queryGetRequest, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Request{}, ErrNotFound
	}
	if err != nil {
		return Request{}, fmt.Errorf("get approval request: %w", err)
	}
	return r, nil
}

func (s *SQLiteStore) List(ctx context.Context, f Filter) ([]Request, error) {
	var (
		conds []string
		args  []any
	)
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.ScopeKey != "" {
		conds = append(conds, "scope_key = ?")
		args = append(args, f.ScopeKey)
	}

	query := `SELECT ` + requestColumns + ` FROM approval_requests`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, clampLimit(f.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query approval requests: %w", err)
	}
	defer rows.Close()

	var out []Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan approval request: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) ExpirePending(ctx context.Context, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, queryExpirePending, storage.FormatTime(at))
	if err != nil {
		return 0, fmt.Errorf("expire pending requests: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) Cleanup(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, queryCleanupRequests, storage.FormatTime(before))
	if err != nil {
		return 0, fmt.Errorf("cleanup approval requests: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (Request, error) {
	var (
		r                    Request
		status, decidedBy    string
		createdAt, expiresAt string
		decidedAt            sql.NullString
	)
	err := row.Scan(&r.ID, &r.CorrelationID, &r.ScopeKey, &r.Scope.SessionID, &r.Scope.ProjectPath,
		&r.RequestType, &r.ToolName, &r.RequestDetails, &r.Reason,
		&status, &decidedBy, &r.Approver, &r.Comment, &createdAt, &expiresAt, &decidedAt)
	if err != nil {
		return Request{}, err
	}

	r.Status = Status(status)
	r.DecidedBy = DecidedBy(decidedBy)
	if r.CreatedAt, err = storage.ParseTime(createdAt); err != nil {
		return Request{}, err
	}
	if r.ExpiresAt, err = storage.ParseTime(expiresAt); err != nil {
		return Request{}, err
	}
	if r.DecidedAt, err = storage.ParseNullTime(decidedAt); err != nil {
		return Request{}, err
	}
	return r, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultLimit
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}

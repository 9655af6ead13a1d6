package approval

import (
	"context"
	"errors"
	"time"

	"github.com/dagbolade/hook-gateway/internal/hook"
)

var (
	ErrNotFound       = errors.New("approval request not found")
	ErrInvalidOutcome = errors.New("invalid approval outcome")
	ErrClosed         = errors.New("approval queue closed")
	ErrStoreConflict  = errors.New("stored approval request already decided")
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
	StatusExpired  Status = "expired"
)

func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusDenied || s == StatusExpired
}

func (s Status) Valid() bool {
	return s == StatusPending || s.Terminal()
}

type DecidedBy string

const (
	DecidedByUser    DecidedBy = "user"
	DecidedByPolicy  DecidedBy = "policy"
	DecidedByTimeout DecidedBy = "timeout"
)

func (d DecidedBy) Valid() bool {
	return d == DecidedByUser || d == DecidedByPolicy || d == DecidedByTimeout
}

// Request is a held hook call. It starts pending and moves exactly once to
// approved, denied or expired.
type Request struct {
	ID             string     `json:"id"`
	CorrelationID  string     `json:"correlation_id"`
	Scope          hook.Scope `json:"scope"`
	ScopeKey       string     `json:"scope_key"`
	RequestType    string     `json:"request_type"`
	ToolName       string     `json:"tool_name,omitempty"`
	RequestDetails string     `json:"request_details,omitempty"`
	Reason         string     `json:"reason,omitempty"`
	Status         Status     `json:"status"`
	DecidedBy      DecidedBy  `json:"decided_by,omitempty"`
	Approver       string     `json:"approver,omitempty"`
	Comment        string     `json:"comment,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	ExpiresAt      time.Time  `json:"expires_at"`
	DecidedAt      *time.Time `json:"decided_at,omitempty"`
}

// Resolution is an outcome applied to a pending request.
type Resolution struct {
	Status    Status
	DecidedBy DecidedBy
	Approver  string
	Comment   string
}

type Filter struct {
	Status   Status
	ScopeKey string
	Limit    int
}

type Store interface {
	Insert(ctx context.Context, r *Request) error
	// Transition writes a terminal state only if the stored row is still
	// pending. It reports whether the row changed.
	Transition(ctx context.Context, r Request) (bool, error)
	Get(ctx context.Context, id string) (Request, error)
	List(ctx context.Context, f Filter) ([]Request, error)
	// ExpirePending closes every stored pending row, for rows orphaned by a
	// previous process.
	ExpirePending(ctx context.Context, at time.Time) (int64, error)
	Cleanup(ctx context.Context, before time.Time) (int64, error)
}

package eventlog

import (
	"context"
	"errors"
	"time"

	"github.com/dagbolade/hook-gateway/internal/hook"
)

var (
	ErrDuplicate        = errors.New("duplicate correlation id")
	ErrNotFound         = errors.New("event not found")
	ErrAlreadyFinalized = errors.New("event already finalized")
)

// Event is one inbound hook call. It is written on arrival with a pending
// decision and finalized exactly once.
type Event struct {
	ID            int64          `json:"id"`
	CorrelationID string         `json:"correlation_id"`
	Scope         hook.Scope     `json:"scope"`
	ScopeKey      string         `json:"scope_key"`
	EventType     hook.EventType `json:"event_type"`
	ToolName      string         `json:"tool_name,omitempty"`
	InputDigest   string         `json:"input_digest,omitempty"`
	Decision      hook.Decision  `json:"decision"`
	Reason        string         `json:"reason,omitempty"`
	ApprovalID    string         `json:"approval_id,omitempty"`
	CostEstimate  *float64       `json:"cost_estimate,omitempty"`
	CostActual    *float64       `json:"cost_actual,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	ResolvedAt    *time.Time     `json:"resolved_at,omitempty"`
}

// Finalization is the single mutation an event row ever receives.
type Finalization struct {
	Decision   hook.Decision
	Reason     string
	ApprovalID string
	CostActual *float64
	ResolvedAt time.Time
}

// Apply copies the finalization onto an in-memory event.
func (f Finalization) Apply(e *Event) {
	e.Decision = f.Decision
	e.Reason = f.Reason
	e.ApprovalID = f.ApprovalID
	if f.CostActual != nil {
		e.CostActual = f.CostActual
	}
	resolved := f.ResolvedAt
	e.ResolvedAt = &resolved
}

type Filter struct {
	SessionID   string
	ProjectPath string
	ScopeKey    string
	EventType   hook.EventType
	Decision    hook.Decision
	Since       time.Time
	Until       time.Time
	Limit       int
}

type Stats struct {
	Since      time.Time      `json:"since"`
	Total      int            `json:"total"`
	ByType     map[string]int `json:"by_type"`
	ByDecision map[string]int `json:"by_decision"`
	TotalCost  float64        `json:"total_cost"`
}

type Store interface {
	Append(ctx context.Context, e *Event) error
	Finalize(ctx context.Context, correlationID string, f Finalization) error
	Get(ctx context.Context, correlationID string) (Event, error)
	GetRecent(ctx context.Context, filter Filter) ([]Event, error)
	Stats(ctx context.Context, since time.Time) (Stats, error)
	Cleanup(ctx context.Context, maxAge time.Duration) (int64, error)
}

package policy

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dagbolade/hook-gateway/internal/hook"
)

var ErrNotFound = errors.New("policy not found")

type Action string

const (
	ActionAllow Action = "allow"
	ActionDeny  Action = "deny"
	ActionAsk   Action = "ask"
)

func (a Action) Valid() bool {
	return a == ActionAllow || a == ActionDeny || a == ActionAsk
}

const (
	SourceAPI  = "api"
	SourceFile = "file"
)

// Policy is one ordered rule. An empty EventType, ToolNamePattern or
// ScopeFilter matches everything.
type Policy struct {
	ID              int64          `json:"id"`
	Name            string         `json:"name,omitempty"`
	Priority        int            `json:"priority"`
	Enabled         bool           `json:"enabled"`
	EventType       hook.EventType `json:"event_type,omitempty"`
	ToolNamePattern string         `json:"tool_name_pattern,omitempty"`
	Action          Action         `json:"action"`
	ScopeFilter     string         `json:"scope_filter,omitempty"`
	Source          string         `json:"source"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Attributes are the parts of a hook call a policy can match on.
type Attributes struct {
	EventType hook.EventType
	ToolName  string
	Scope     hook.Scope
}

// Result is the outcome of an evaluation. Matched is false for NoMatch.
type Result struct {
	Action     Action `json:"action,omitempty"`
	Matched    bool   `json:"matched"`
	PolicyID   int64  `json:"policy_id,omitempty"`
	PolicyName string `json:"policy_name,omitempty"`
}

func NoMatch() Result { return Result{} }

func (r Result) Reason() string {
	if !r.Matched {
		return "no_match"
	}
	return "policy:" + strconv.FormatInt(r.PolicyID, 10)
}

type Store interface {
	List(ctx context.Context) ([]Policy, error)
	Get(ctx context.Context, id int64) (Policy, error)
	Create(ctx context.Context, p *Policy) error
	Update(ctx context.Context, p *Policy) error
	Delete(ctx context.Context, id int64) error
	ReplaceSource(ctx context.Context, source string, policies []Policy) error
}

// Validate checks a policy before it is stored. Patterns that fail here
// can still reach the store through direct edits; evaluation treats those
// as non-matching.
func Validate(p Policy) error {
	if !p.Action.Valid() {
		return fmt.Errorf("invalid action: %q", p.Action)
	}
	if p.EventType != "" && p.EventType != "*" && !p.EventType.Valid() {
		return fmt.Errorf("invalid event_type: %q", p.EventType)
	}
	if _, err := compilePattern(p.ToolNamePattern); err != nil {
		return fmt.Errorf("invalid tool_name_pattern: %w", err)
	}
	if _, err := compilePattern(p.ScopeFilter); err != nil {
		return fmt.Errorf("invalid scope_filter: %w", err)
	}
	return nil
}

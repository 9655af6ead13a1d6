package hook

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidPayload = errors.New("invalid_payload")

type EventType string

const (
	PreToolUse       EventType = "PreToolUse"
	PostToolUse      EventType = "PostToolUse"
	Notification     EventType = "Notification"
	UserPromptSubmit EventType = "UserPromptSubmit"
	SessionStart     EventType = "SessionStart"
	SessionStop      EventType = "SessionStop"
	Stop             EventType = "Stop"
	SubagentStop     EventType = "SubagentStop"
	PreCompact       EventType = "PreCompact"

	// BudgetRollover is written by the gateway itself when a budget window closes.
	BudgetRollover EventType = "BudgetRollover"
)

var inboundEventTypes = map[EventType]bool{
	PreToolUse:       true,
	PostToolUse:      true,
	Notification:     true,
	UserPromptSubmit: true,
	SessionStart:     true,
	SessionStop:      true,
	Stop:             true,
	SubagentStop:     true,
	PreCompact:       true,
}

// Valid reports whether t may arrive on the inbound hook endpoint.
func (t EventType) Valid() bool {
	return inboundEventTypes[t]
}

// Gating reports whether the agent waits on the decision before acting.
// Other events are observational: they are logged and may be denied by an
// explicit policy, but never enter the approval queue.
func (t EventType) Gating() bool {
	return t == PreToolUse || t == UserPromptSubmit
}

type Decision string

const (
	DecisionPending Decision = "pending"
	DecisionAllow   Decision = "allow"
	DecisionDeny    Decision = "deny"
	DecisionAsk     Decision = "ask"
	DecisionError   Decision = "error"
)

func (d Decision) Valid() bool {
	switch d {
	case DecisionPending, DecisionAllow, DecisionDeny, DecisionAsk, DecisionError:
		return true
	}
	return false
}

// Reasons returned to the caller and written to the event log.
const (
	ReasonInvalidPayload  = "invalid_payload"
	ReasonDuplicate       = "duplicate_correlation_id"
	ReasonBudgetExceeded  = "budget_exceeded"
	ReasonApproved        = "approved"
	ReasonDenied          = "denied"
	ReasonApprovalTimeout = "approval_timeout"
	ReasonApprovalExpired = "approval_expired"
	ReasonCallerCanceled  = "caller_canceled"
	ReasonShutdown        = "gateway_shutdown"
	ReasonInternalError   = "internal_error"
	ReasonObserved        = "observed"
)

// Payload is the body of an inbound hook call.
type Payload struct {
	CorrelationID string          `json:"correlation_id,omitempty"`
	EventType     EventType       `json:"event_type"`
	SessionID     string          `json:"session_id,omitempty"`
	ProjectPath   string          `json:"project_path,omitempty"`
	ToolName      string          `json:"tool_name,omitempty"`
	ToolUseID     string          `json:"tool_use_id,omitempty"`
	InputSummary  string          `json:"input_summary,omitempty"`
	ToolInput     json.RawMessage `json:"tool_input,omitempty"`
	CostEstimate  *float64        `json:"cost_estimate,omitempty"`
	CostActual    *float64        `json:"cost_actual,omitempty"`
}

// UnmarshalJSON accepts the agent's native hook field names next to ours,
// so the forwarder scripts can pipe their stdin through untouched.
func (p *Payload) UnmarshalJSON(data []byte) error {
	type plain Payload
	var aux struct {
		plain
		HookEventName EventType `json:"hook_event_name"`
		Cwd           string    `json:"cwd"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	*p = Payload(aux.plain)
	if p.EventType == "" {
		p.EventType = aux.HookEventName
	}
	if p.ProjectPath == "" {
		p.ProjectPath = aux.Cwd
	}
	if p.CorrelationID == "" {
		p.CorrelationID = p.ToolUseCorrelationID()
	}
	return nil
}

// ToolUseCorrelationID derives a correlation id from the agent's tool use id.
// The agent reuses one tool_use_id for the Pre and Post calls of a tool, so
// the event type keeps the two apart.
func (p Payload) ToolUseCorrelationID() string {
	if p.ToolUseID == "" || p.EventType == "" {
		return ""
	}
	return string(p.EventType) + ":" + p.ToolUseID
}

// Validate rejects payloads the gateway cannot attribute to a scope.
func (p Payload) Validate() error {
	if p.EventType == "" {
		return fmt.Errorf("%w: event_type is required", ErrInvalidPayload)
	}
	if !p.EventType.Valid() {
		return fmt.Errorf("%w: unknown event_type %q", ErrInvalidPayload, p.EventType)
	}
	if strings.TrimSpace(p.SessionID) == "" && strings.TrimSpace(p.ProjectPath) == "" {
		return fmt.Errorf("%w: session_id or project_path is required", ErrInvalidPayload)
	}
	if p.CostEstimate != nil && *p.CostEstimate < 0 {
		return fmt.Errorf("%w: cost_estimate must not be negative", ErrInvalidPayload)
	}
	if p.CostActual != nil && *p.CostActual < 0 {
		return fmt.Errorf("%w: cost_actual must not be negative", ErrInvalidPayload)
	}
	if len(p.ToolInput) > 0 && !json.Valid(p.ToolInput) {
		return fmt.Errorf("%w: tool_input must be valid JSON", ErrInvalidPayload)
	}
	return nil
}

func (p Payload) Scope() Scope {
	return Scope{
		ProjectPath: strings.TrimSpace(p.ProjectPath),
		SessionID:   strings.TrimSpace(p.SessionID),
	}
}

// Response is what the hook caller receives. Anything else, including a
// late or malformed answer, must be read as deny by the caller.
type Response struct {
	Decision      string `json:"decision"`
	Reason        string `json:"reason,omitempty"`
	ApprovalID    string `json:"approval_id,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

const (
	ResponseAllow        = "allow"
	ResponseDeny         = "deny"
	ResponseAskThenAllow = "ask_then_allow"
	ResponseAskThenDeny  = "ask_then_deny"
)

// Allowed reports whether the caller may proceed.
func (r Response) Allowed() bool {
	return r.Decision == ResponseAllow || r.Decision == ResponseAskThenAllow
}

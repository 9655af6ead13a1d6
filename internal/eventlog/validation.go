package eventlog

import (
	"fmt"

	"github.com/dagbolade/hook-gateway/internal/hook"
)

func validateEvent(e *Event) error {
	if e == nil {
		return fmt.Errorf("event cannot be nil")
	}

	if e.CorrelationID == "" {
		return fmt.Errorf("correlation_id cannot be empty")
	}

	if e.EventType == "" {
		return fmt.Errorf("event_type cannot be empty")
	}

	if !hook.ValidKey(e.ScopeKey) {
		return fmt.Errorf("invalid scope key: %q", e.ScopeKey)
	}

	if !e.Decision.Valid() {
		return fmt.Errorf("invalid decision: %s", e.Decision)
	}

	if e.CreatedAt.IsZero() {
		return fmt.Errorf("created_at cannot be zero")
	}

	return nil
}

func validateFinalization(f Finalization) error {
	if !f.Decision.Valid() || f.Decision == hook.DecisionPending {
		return fmt.Errorf("invalid final decision: %s", f.Decision)
	}

	if f.ResolvedAt.IsZero() {
		return fmt.Errorf("resolved_at cannot be zero")
	}

	return nil
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

package notify

// Notice is the payload of the notification topic: a short human-readable
// summary the UI can show without re-fetching state.
type Notice struct {
	Kind          string `json:"kind"`
	Message       string `json:"message"`
	Scope         string `json:"scope,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
	ApprovalID    string `json:"approval_id,omitempty"`
}

const (
	KindApprovalResolved = "approval_resolved"
	KindBudgetSoftLimit  = "budget_soft_limit"
	KindBudgetExceeded   = "budget_exceeded"
	KindBudgetRollover   = "budget_rollover"
	KindPersistFailure   = "persistence_failure"
)

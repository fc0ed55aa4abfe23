package model

import "time"

// Audit event types, one per engine transition.
const (
	EventExecutionStarted    = "execution_started"
	EventExecutionCompleted  = "execution_completed"
	EventStepStarted         = "step_started"
	EventStepCompleted       = "step_completed"
	EventStepFailed          = "step_failed"
	EventApprovalRequested   = "approval_requested"
	EventApprovalGranted     = "approval_granted"
	EventApprovalRejected    = "approval_rejected"
	EventEscalationTriggered = "escalation_triggered"
	EventRollbackCompleted   = "rollback_completed"
)

// StateSnapshot captures the minimal observable state of an execution at a
// point in time. The "before" snapshot must be taken before the mutation
// executes, not re-read afterwards.
type StateSnapshot struct {
	Status string `json:"status"`
}

// ProcessAuditLog is one immutable row in the append-only audit trail. Rows
// are never updated or deleted; ActorID is nil for system-triggered events.
type ProcessAuditLog struct {
	ID          string         `json:"id"`
	ExecutionID string         `json:"execution_id"`
	StepID      string         `json:"step_id,omitempty"`
	ActorID     *int64         `json:"actor_id,omitempty"`
	EventType   string         `json:"event_type"`
	Description string         `json:"description"`
	EventData   map[string]any `json:"event_data,omitempty"`
	Before      StateSnapshot  `json:"before"`
	After       StateSnapshot  `json:"after"`
	IPAddress   string         `json:"ip_address,omitempty"`
	UserAgent   string         `json:"user_agent,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

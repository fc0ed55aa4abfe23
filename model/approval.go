package model

import "time"

// Approval status constants.
const (
	ApprovalStatusPending  = "pending"
	ApprovalStatusApproved = "approved"
	ApprovalStatusRejected = "rejected"
)

// CanDecideApproval reports whether an approval in the given status may still
// be decided. Approving or rejecting is a one-way move out of PENDING.
func CanDecideApproval(status string) bool {
	return status == ApprovalStatusPending
}

// ProcessApproval is a pending-or-decided human gate tied to exactly one
// execution and optionally one step. At most one PENDING approval may exist
// per step.
type ProcessApproval struct {
	ID          string     `json:"id"`
	ExecutionID string     `json:"execution_id"`
	StepID      string     `json:"step_id,omitempty"`
	RequesterID int64      `json:"requester_id"`
	ApproverID  *int64     `json:"approver_id,omitempty"` // nil means unassigned, to be triaged
	Status      string     `json:"status"`
	DecidedBy   *int64     `json:"decided_by,omitempty"`
	Notes       string     `json:"notes,omitempty"`
	DecidedAt   *time.Time `json:"decided_at,omitempty"`
	DueAt       *time.Time `json:"due_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// ProcessEscalation records that an execution (optionally a specific step)
// was redirected to another responsible identity. Escalations accumulate as
// history; only the most recent one materially affects ownership, which the
// calling layer is responsible for acting on.
type ProcessEscalation struct {
	ID          string    `json:"id"`
	ExecutionID string    `json:"execution_id"`
	StepID      string    `json:"step_id,omitempty"`
	EscalatedTo int64     `json:"escalated_to"`
	EscalatedBy int64     `json:"escalated_by"`
	Reason      string    `json:"reason"`
	Notes       string    `json:"notes,omitempty"`
	Resolved    bool      `json:"resolved"`
	CreatedAt   time.Time `json:"created_at"`
}

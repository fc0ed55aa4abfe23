package model

import "time"

// Process execution status constants.
const (
	ExecutionStatusInProgress       = "in_progress"
	ExecutionStatusAwaitingApproval = "awaiting_approval"
	ExecutionStatusCompleted        = "completed"
	ExecutionStatusFailed           = "failed"
	ExecutionStatusEscalated        = "escalated"
	ExecutionStatusRolledBack       = "rolled_back"
)

// Process step status constants.
const (
	StepStatusPending    = "pending"
	StepStatusInProgress = "in_progress"
	StepStatusCompleted  = "completed"
	StepStatusFailed     = "failed"
)

// executionTransitions is the closed set of allowed execution status moves.
// COMPLETED, FAILED, and ROLLED_BACK are terminal. ESCALATED is not terminal
// but the engine never resumes it on its own; re-escalating is allowed so
// that the escalation history can grow.
var executionTransitions = map[string][]string{
	ExecutionStatusInProgress: {
		ExecutionStatusAwaitingApproval,
		ExecutionStatusCompleted,
		ExecutionStatusFailed,
		ExecutionStatusEscalated,
		ExecutionStatusRolledBack,
	},
	ExecutionStatusAwaitingApproval: {
		ExecutionStatusInProgress,
		ExecutionStatusCompleted,
		ExecutionStatusFailed,
		ExecutionStatusEscalated,
		ExecutionStatusRolledBack,
	},
	ExecutionStatusEscalated: {
		ExecutionStatusFailed,
		ExecutionStatusEscalated,
		ExecutionStatusRolledBack,
	},
	ExecutionStatusCompleted: {},
	// A failed execution can still be marked rolled back before a restart.
	ExecutionStatusFailed:     {ExecutionStatusRolledBack},
	ExecutionStatusRolledBack: {},
}

// stepTransitions is the closed set of allowed step status moves. There is no
// way back out of COMPLETED or FAILED.
var stepTransitions = map[string][]string{
	StepStatusPending:    {StepStatusInProgress},
	StepStatusInProgress: {StepStatusCompleted, StepStatusFailed},
	StepStatusCompleted:  {},
	StepStatusFailed:     {},
}

// CanTransitionExecution reports whether an execution may move from one
// status to another.
func CanTransitionExecution(from, to string) bool {
	for _, allowed := range executionTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// CanTransitionStep reports whether a step may move from one status to
// another.
func CanTransitionStep(from, to string) bool {
	for _, allowed := range stepTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsExecutionTerminal reports whether an execution status is terminal.
func IsExecutionTerminal(status string) bool {
	switch status {
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusRolledBack:
		return true
	}
	return false
}

// SLAPolicy is an optional total-duration budget for an execution.
type SLAPolicy struct {
	TotalHours float64 `yaml:"total_hours" json:"total_hours"`
}

// StepConfig is the typed configuration of one step within a process
// definition. It is snapshotted onto each materialized step so later
// definition edits never affect in-flight executions. Params carries any
// forward-compatible extras the engine itself does not interpret.
type StepConfig struct {
	Key              string         `yaml:"key" json:"key"`
	Name             string         `yaml:"name" json:"name"`
	RequiresApproval bool           `yaml:"requires_approval" json:"requires_approval"`
	ApproverID       *int64         `yaml:"approver_id" json:"approver_id,omitempty"`
	SLAHours         float64        `yaml:"sla_hours" json:"sla_hours,omitempty"`
	ApprovalSLAHours float64        `yaml:"approval_sla_hours" json:"approval_sla_hours,omitempty"`
	Params           map[string]any `yaml:"params" json:"params,omitempty"`
}

// ProcessDefinition is an immutable-per-version workflow template. It is
// created and edited by configuration tooling; the engine only reads it.
type ProcessDefinition struct {
	Key        string       `yaml:"key" json:"key"`
	Name       string       `yaml:"name" json:"name"`
	Version    int          `yaml:"version" json:"version"`
	SLA        *SLAPolicy   `yaml:"sla" json:"sla,omitempty"`
	Steps      []StepConfig `yaml:"steps" json:"steps"`
	Checksum   string       `yaml:"-" json:"-"`
	SourceFile string       `yaml:"-" json:"-"`
}

// ProcessExecution is one run of a process definition.
//
// Status must always be derivable from the aggregate state of the steps:
// COMPLETED if and only if no step is PENDING or IN_PROGRESS and none FAILED.
// Executions are never physically deleted; rolled-back and failed runs stay
// for audit.
type ProcessExecution struct {
	ID                string         `json:"id"`
	DefinitionKey     string         `json:"definition_key"`
	DefinitionVersion int            `json:"definition_version"`
	TeamID            int64          `json:"team_id"`
	InitiatorID       int64          `json:"initiator_id"`
	Status            string         `json:"status"`
	CurrentStep       int            `json:"current_step"`
	Context           map[string]any `json:"context,omitempty"`
	State             map[string]any `json:"state,omitempty"`
	StartedAt         time.Time      `json:"started_at"`
	CompletedAt       *time.Time     `json:"completed_at,omitempty"`
	DueAt             *time.Time     `json:"due_at,omitempty"`
	ErrorMessage      string         `json:"error_message,omitempty"`
	Version           int            `json:"version"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// ProcessExecutionStep is one ordinal step belonging to an execution. Steps
// are materialized all at once when the execution starts; order is 1-based
// and unique per execution. Steps are never destroyed.
type ProcessExecutionStep struct {
	ID           string         `json:"id"`
	ExecutionID  string         `json:"execution_id"`
	Key          string         `json:"key"`
	Name         string         `json:"name"`
	Order        int            `json:"order"`
	Status       string         `json:"status"`
	Config       StepConfig     `json:"config"`
	Output       map[string]any `json:"output,omitempty"`
	DueAt        *time.Time     `json:"due_at,omitempty"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// ExecutionDescriptor is the read-side view of an execution: the execution
// itself, its ordered steps, open approvals, and the audit history.
type ExecutionDescriptor struct {
	Execution ProcessExecution       `json:"execution"`
	Steps     []ProcessExecutionStep `json:"steps"`
	Approvals []ProcessApproval      `json:"approvals,omitempty"`
	History   []ProcessAuditLog      `json:"history,omitempty"`
}

// ExecutionSummary is a lightweight representation used in list views.
type ExecutionSummary struct {
	ID            string    `json:"id"`
	DefinitionKey string    `json:"definition_key"`
	Name          string    `json:"name"`
	Status        string    `json:"status"`
	CurrentStep   int       `json:"current_step"`
	InitiatorID   int64     `json:"initiator_id"`
	StartedAt     time.Time `json:"started_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ExecutionFilters are optional filters for listing executions.
type ExecutionFilters struct {
	DefinitionKey string
	Status        string
	Page          int
	PageSize      int
}

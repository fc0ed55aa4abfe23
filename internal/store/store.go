package store

import (
	"context"
	"time"

	"github.com/relaycrm/procengine/model"
)

// Store persists executions, steps, approvals, escalations, and the audit
// trail. Every engine operation runs against a single Store so that a
// Transact call can make a multi-entity mutation atomic.
type Store interface {
	// Transact runs fn against a transactional view of the store. If fn
	// returns an error, every write made through the view is discarded.
	// Nested calls join the enclosing transaction.
	Transact(ctx context.Context, fn func(ctx context.Context, tx Store) error) error

	// CreateExecution persists a new execution. Returns CONFLICT if the ID
	// already exists.
	CreateExecution(ctx context.Context, exec model.ProcessExecution) error

	// GetExecution retrieves an execution by ID. Returns NOT_FOUND if it
	// does not exist.
	GetExecution(ctx context.Context, executionID string) (model.ProcessExecution, error)

	// UpdateExecution persists an updated execution with optimistic locking.
	// The version must match the stored version; on success the stored
	// version is incremented. Returns CONFLICT on a version mismatch.
	UpdateExecution(ctx context.Context, exec model.ProcessExecution) error

	// ListExecutions returns executions matching the filters, newest first,
	// plus the total match count before pagination.
	ListExecutions(ctx context.Context, filters model.ExecutionFilters) ([]model.ProcessExecution, int, error)

	// FindOverdueExecutions returns non-terminal executions whose due_at is
	// before the cutoff.
	FindOverdueExecutions(ctx context.Context, cutoff time.Time) ([]model.ProcessExecution, error)

	// CreateSteps persists the materialized steps of an execution.
	CreateSteps(ctx context.Context, steps []model.ProcessExecutionStep) error

	// GetStep retrieves a step by ID. Returns NOT_FOUND if it does not
	// exist or belongs to a different execution.
	GetStep(ctx context.Context, executionID, stepID string) (model.ProcessExecutionStep, error)

	// ListSteps returns all steps of an execution ordered by step order.
	ListSteps(ctx context.Context, executionID string) ([]model.ProcessExecutionStep, error)

	// UpdateStep persists an updated step.
	UpdateStep(ctx context.Context, step model.ProcessExecutionStep) error

	// FindOverdueSteps returns in-progress steps whose due_at is before the
	// cutoff.
	FindOverdueSteps(ctx context.Context, cutoff time.Time) ([]model.ProcessExecutionStep, error)

	// CreateApproval persists a new approval request. Returns CONFLICT if
	// the step already has a pending approval.
	CreateApproval(ctx context.Context, approval model.ProcessApproval) error

	// GetApproval retrieves an approval by ID.
	GetApproval(ctx context.Context, approvalID string) (model.ProcessApproval, error)

	// UpdateApproval persists an updated approval.
	UpdateApproval(ctx context.Context, approval model.ProcessApproval) error

	// ListApprovals returns all approvals of an execution, oldest first.
	ListApprovals(ctx context.Context, executionID string) ([]model.ProcessApproval, error)

	// FindOverdueApprovals returns pending approvals whose due_at is before
	// the cutoff.
	FindOverdueApprovals(ctx context.Context, cutoff time.Time) ([]model.ProcessApproval, error)

	// CreateEscalation appends an escalation record.
	CreateEscalation(ctx context.Context, esc model.ProcessEscalation) error

	// ListEscalations returns all escalations of an execution, oldest first.
	ListEscalations(ctx context.Context, executionID string) ([]model.ProcessEscalation, error)

	// AppendAudit appends one row to the audit trail. Audit rows are never
	// updated or deleted.
	AppendAudit(ctx context.Context, entry model.ProcessAuditLog) error

	// GetAuditTrail returns the audit trail of an execution in insertion
	// order.
	GetAuditTrail(ctx context.Context, executionID string) ([]model.ProcessAuditLog, error)

	// HealthCheck verifies the backing store is reachable.
	HealthCheck(ctx context.Context) error
}

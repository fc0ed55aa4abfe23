package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relaycrm/procengine/internal/notify"
	"github.com/relaycrm/procengine/internal/observability"
	"github.com/relaycrm/procengine/internal/store"
	"github.com/relaycrm/procengine/model"
)

// requestApprovalTx opens a PENDING approval for an approval-gated step. The
// approver comes from the step's config snapshot and may be nil (unassigned,
// to be triaged). The store enforces at most one open approval per step.
func (e *Engine) requestApprovalTx(
	ctx context.Context,
	tx store.Store,
	caller *model.Caller,
	exec model.ProcessExecution,
	step model.ProcessExecutionStep,
) (model.ProcessApproval, notify.Notification, error) {
	now := time.Now().UTC()
	window := e.approvalSLA
	if step.Config.ApprovalSLAHours > 0 {
		window = durationHours(step.Config.ApprovalSLAHours)
	}
	due := now.Add(window)

	approval := model.ProcessApproval{
		ID:          uuid.New().String(),
		ExecutionID: exec.ID,
		StepID:      step.ID,
		RequesterID: caller.ActorID,
		ApproverID:  step.Config.ApproverID,
		Status:      model.ApprovalStatusPending,
		DueAt:       &due,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := tx.CreateApproval(ctx, approval); err != nil {
		return model.ProcessApproval{}, notify.Notification{}, err
	}

	if err := e.appendAudit(ctx, tx, caller, model.ProcessAuditLog{
		ExecutionID: exec.ID,
		StepID:      step.ID,
		EventType:   model.EventApprovalRequested,
		Description: fmt.Sprintf("Approval requested for step %q", step.Name),
		EventData:   map[string]any{"approval_id": approval.ID},
		Before:      snapshotOf(exec),
		After:       snapshotOf(exec),
	}); err != nil {
		return model.ProcessApproval{}, notify.Notification{}, err
	}
	e.metrics.RecordApprovalRequested(exec.DefinitionKey)

	note := notify.Notification{
		Kind:        notify.KindApprovalRequested,
		ExecutionID: exec.ID,
		StepID:      step.ID,
		Recipient:   approval.ApproverID,
		Message:     fmt.Sprintf("approval requested for step %q", step.Name),
	}
	return approval, note, nil
}

// ApproveStep grants a pending approval. Approval is a completion trigger:
// when the approval is bound to a step, the step is completed in the same
// transaction with empty output. Deciding a non-pending approval is an
// INVALID_TRANSITION.
func (e *Engine) ApproveStep(
	ctx context.Context,
	caller *model.Caller,
	approvalID string,
	approverID int64,
	notes string,
) (result *model.ProcessApproval, err error) {
	caller = ensureCaller(caller)
	ctx, done := e.instrument(ctx, "approve_step")
	defer func() { done(err) }()

	err = e.store.Transact(ctx, func(ctx context.Context, tx store.Store) error {
		approval, err := tx.GetApproval(ctx, approvalID)
		if err != nil {
			return err
		}
		if !model.CanDecideApproval(approval.Status) {
			return model.NewInvalidTransitionError(
				fmt.Sprintf("approval %q is %s and cannot be decided again", approval.ID, approval.Status),
			)
		}

		now := time.Now().UTC()
		approval.Status = model.ApprovalStatusApproved
		approval.DecidedBy = &approverID
		approval.Notes = notes
		approval.DecidedAt = &now
		if err := tx.UpdateApproval(ctx, approval); err != nil {
			return err
		}

		exec, err := tx.GetExecution(ctx, approval.ExecutionID)
		if err != nil {
			return err
		}
		if err := e.appendAudit(ctx, tx, caller, model.ProcessAuditLog{
			ExecutionID: exec.ID,
			StepID:      approval.StepID,
			EventType:   model.EventApprovalGranted,
			Description: "Approval granted",
			EventData:   map[string]any{"approval_id": approval.ID, "decided_by": approverID},
			Before:      snapshotOf(exec),
			After:       snapshotOf(exec),
		}); err != nil {
			return err
		}

		if approval.StepID != "" {
			step, err := tx.GetStep(ctx, exec.ID, approval.StepID)
			if err != nil {
				return err
			}
			if _, err := e.completeStepTx(ctx, tx, caller, exec, step, map[string]any{}); err != nil {
				return err
			}
		}
		result = &approval
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.metrics.RecordApprovalDecision(model.ApprovalStatusApproved)
	observability.CallerLogger(ctx, e.logger).Info("approval granted",
		zap.String("approval_id", approvalID),
		zap.Int64("decided_by", approverID),
	)
	return result, nil
}

// RejectStep rejects a pending approval and fails the owning execution with
// "Approval rejected". The gated step keeps whatever status it had.
func (e *Engine) RejectStep(
	ctx context.Context,
	caller *model.Caller,
	approvalID string,
	approverID int64,
	notes string,
) (result *model.ProcessApproval, err error) {
	caller = ensureCaller(caller)
	ctx, done := e.instrument(ctx, "reject_step")
	defer func() { done(err) }()

	var definitionKey string
	err = e.store.Transact(ctx, func(ctx context.Context, tx store.Store) error {
		approval, err := tx.GetApproval(ctx, approvalID)
		if err != nil {
			return err
		}
		if !model.CanDecideApproval(approval.Status) {
			return model.NewInvalidTransitionError(
				fmt.Sprintf("approval %q is %s and cannot be decided again", approval.ID, approval.Status),
			)
		}

		now := time.Now().UTC()
		approval.Status = model.ApprovalStatusRejected
		approval.DecidedBy = &approverID
		approval.Notes = notes
		approval.DecidedAt = &now
		if err := tx.UpdateApproval(ctx, approval); err != nil {
			return err
		}

		exec, err := tx.GetExecution(ctx, approval.ExecutionID)
		if err != nil {
			return err
		}
		if !model.CanTransitionExecution(exec.Status, model.ExecutionStatusFailed) {
			return model.NewInvalidTransitionError(
				fmt.Sprintf("execution %q is %s and cannot be failed", exec.ID, exec.Status),
			)
		}

		before := snapshotOf(exec)
		exec.Status = model.ExecutionStatusFailed
		exec.ErrorMessage = "Approval rejected"
		if err := tx.UpdateExecution(ctx, exec); err != nil {
			return err
		}

		if err := e.appendAudit(ctx, tx, caller, model.ProcessAuditLog{
			ExecutionID: exec.ID,
			StepID:      approval.StepID,
			EventType:   model.EventApprovalRejected,
			Description: "Approval rejected",
			EventData:   map[string]any{"approval_id": approval.ID, "decided_by": approverID},
			Before:      before,
			After:       snapshotOf(exec),
		}); err != nil {
			return err
		}
		definitionKey = exec.DefinitionKey
		result = &approval
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.metrics.RecordApprovalDecision(model.ApprovalStatusRejected)
	e.metrics.RecordExecutionEnd(definitionKey, model.ExecutionStatusFailed)
	observability.CallerLogger(ctx, e.logger).Info("approval rejected",
		zap.String("approval_id", approvalID),
		zap.Int64("decided_by", approverID),
	)
	return result, nil
}

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

// Escalate records that an execution (optionally a specific step) was
// redirected to another responsible identity and forces the execution status
// to ESCALATED. Ownership of the step itself is not reassigned; that is a
// follow-up action by the caller.
//
// Escalation intentionally skips the transition table: a completed or failed
// execution can still be escalated, and the escalation is recorded on top of
// the terminal status. Re-escalation accumulates history rows.
func (e *Engine) Escalate(
	ctx context.Context,
	caller *model.Caller,
	executionID string,
	escalatedTo, escalatedBy int64,
	reason, stepID, notes string,
) (result *model.ProcessEscalation, err error) {
	caller = ensureCaller(caller)
	ctx, done := e.instrument(ctx, "escalate",
		observability.AttrExecutionID.String(executionID))
	defer func() { done(err) }()

	var note notify.Notification
	err = e.store.Transact(ctx, func(ctx context.Context, tx store.Store) error {
		exec, err := tx.GetExecution(ctx, executionID)
		if err != nil {
			return err
		}
		if stepID != "" {
			if _, err := tx.GetStep(ctx, executionID, stepID); err != nil {
				return err
			}
		}

		now := time.Now().UTC()
		esc := model.ProcessEscalation{
			ID:          uuid.New().String(),
			ExecutionID: executionID,
			StepID:      stepID,
			EscalatedTo: escalatedTo,
			EscalatedBy: escalatedBy,
			Reason:      reason,
			Notes:       notes,
			Resolved:    false,
			CreatedAt:   now,
		}
		if err := tx.CreateEscalation(ctx, esc); err != nil {
			return err
		}

		before := snapshotOf(exec)
		exec.Status = model.ExecutionStatusEscalated
		if err := tx.UpdateExecution(ctx, exec); err != nil {
			return err
		}

		if err := e.appendAudit(ctx, tx, caller, model.ProcessAuditLog{
			ExecutionID: executionID,
			StepID:      stepID,
			EventType:   model.EventEscalationTriggered,
			Description: fmt.Sprintf("Escalated to %d: %s", escalatedTo, reason),
			EventData: map[string]any{
				"escalation_id": esc.ID,
				"escalated_to":  escalatedTo,
				"escalated_by":  escalatedBy,
				"reason":        reason,
			},
			Before: before,
			After:  snapshotOf(exec),
		}); err != nil {
			return err
		}

		recipient := escalatedTo
		note = notify.Notification{
			Kind:        notify.KindEscalationTriggered,
			ExecutionID: executionID,
			StepID:      stepID,
			Recipient:   &recipient,
			Message:     fmt.Sprintf("execution escalated: %s", reason),
		}
		result = &esc
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.metrics.RecordEscalation()
	e.notifier.Notify(ctx, note)
	observability.CallerLogger(ctx, e.logger).Info("execution escalated",
		zap.String("execution_id", executionID),
		zap.Int64("escalated_to", escalatedTo),
		zap.String("reason", reason),
	)
	return result, nil
}

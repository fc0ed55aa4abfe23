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

// materializeSteps builds the full PENDING step list for a new execution.
// The step config is snapshotted from the definition so later definition
// edits never affect in-flight executions.
func materializeSteps(executionID string, def model.ProcessDefinition, now time.Time) []model.ProcessExecutionStep {
	steps := make([]model.ProcessExecutionStep, 0, len(def.Steps))
	for i, cfg := range def.Steps {
		step := model.ProcessExecutionStep{
			ID:          uuid.New().String(),
			ExecutionID: executionID,
			Key:         cfg.Key,
			Name:        cfg.Name,
			Order:       i + 1,
			Status:      model.StepStatusPending,
			Config:      cfg,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if cfg.SLAHours > 0 {
			due := now.Add(durationHours(cfg.SLAHours))
			step.DueAt = &due
		}
		steps = append(steps, step)
	}
	return steps
}

// openStepCount counts steps still PENDING or IN_PROGRESS.
func openStepCount(steps []model.ProcessExecutionStep) int {
	open := 0
	for _, step := range steps {
		switch step.Status {
		case model.StepStatusPending, model.StepStatusInProgress:
			open++
		}
	}
	return open
}

// nextPendingStep returns the PENDING step at the given order, or nil.
func nextPendingStep(steps []model.ProcessExecutionStep, order int) *model.ProcessExecutionStep {
	for i := range steps {
		if steps[i].Order == order && steps[i].Status == model.StepStatusPending {
			return &steps[i]
		}
	}
	return nil
}

// openStepThrough returns the first step at or below the given order that is
// still PENDING or IN_PROGRESS, or nil.
func openStepThrough(steps []model.ProcessExecutionStep, order int) *model.ProcessExecutionStep {
	for i := range steps {
		if steps[i].Order > order {
			continue
		}
		switch steps[i].Status {
		case model.StepStatusPending, model.StepStatusInProgress:
			return &steps[i]
		}
	}
	return nil
}

// ExecuteNextStep starts the step following the execution's current step.
// When every step is done it completes the execution and returns (nil, nil).
// Returns CONFLICT while an earlier step is still open: steps execute
// strictly in ascending order, one at a time.
func (e *Engine) ExecuteNextStep(
	ctx context.Context,
	caller *model.Caller,
	executionID string,
) (result *model.ProcessExecutionStep, err error) {
	caller = ensureCaller(caller)
	ctx, done := e.instrument(ctx, "execute_next_step",
		observability.AttrExecutionID.String(executionID))
	defer func() { done(err) }()

	var notes []notify.Notification
	err = e.store.Transact(ctx, func(ctx context.Context, tx store.Store) error {
		exec, err := tx.GetExecution(ctx, executionID)
		if err != nil {
			return err
		}
		if model.IsExecutionTerminal(exec.Status) {
			return model.NewInvalidTransitionError(
				fmt.Sprintf("execution %q is %s and cannot advance", exec.ID, exec.Status),
			)
		}

		steps, err := tx.ListSteps(ctx, executionID)
		if err != nil {
			return err
		}
		// One step at a time: the current step must be closed before the
		// next one starts.
		if open := openStepThrough(steps, exec.CurrentStep); open != nil {
			return model.NewConflictError(
				fmt.Sprintf("execution %q step %d is still %s", exec.ID, open.Order, open.Status),
			)
		}
		next := nextPendingStep(steps, exec.CurrentStep+1)
		if next == nil {
			if openStepCount(steps) > 0 {
				return model.NewConflictError(
					fmt.Sprintf("execution %q has a step still awaiting completion", exec.ID),
				)
			}
			// All steps exhausted.
			_, err := e.completeExecutionTx(ctx, tx, caller, exec)
			return err
		}

		started, stepNotes, err := e.executeStepTx(ctx, tx, caller, exec, *next)
		if err != nil {
			return err
		}
		notes = stepNotes
		result = &started
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, n := range notes {
		e.notifier.Notify(ctx, n)
	}
	return result, nil
}

// ExecuteStep starts a specific PENDING step: marks it IN_PROGRESS, advances
// the execution's step counter, and opens an approval when the step config
// requires one.
func (e *Engine) ExecuteStep(
	ctx context.Context,
	caller *model.Caller,
	executionID, stepID string,
) (result *model.ProcessExecutionStep, err error) {
	caller = ensureCaller(caller)
	ctx, done := e.instrument(ctx, "execute_step",
		observability.AttrExecutionID.String(executionID))
	defer func() { done(err) }()

	var notes []notify.Notification
	err = e.store.Transact(ctx, func(ctx context.Context, tx store.Store) error {
		exec, err := tx.GetExecution(ctx, executionID)
		if err != nil {
			return err
		}
		step, err := tx.GetStep(ctx, executionID, stepID)
		if err != nil {
			return err
		}
		started, stepNotes, err := e.executeStepTx(ctx, tx, caller, exec, step)
		if err != nil {
			return err
		}
		notes = stepNotes
		result = &started
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, n := range notes {
		e.notifier.Notify(ctx, n)
	}
	return result, nil
}

// executeStepTx starts a step inside an open transaction. Only PENDING steps
// may be started; anything else is an INVALID_TRANSITION.
func (e *Engine) executeStepTx(
	ctx context.Context,
	tx store.Store,
	caller *model.Caller,
	exec model.ProcessExecution,
	step model.ProcessExecutionStep,
) (model.ProcessExecutionStep, []notify.Notification, error) {
	if model.IsExecutionTerminal(exec.Status) {
		return model.ProcessExecutionStep{}, nil, model.NewInvalidTransitionError(
			fmt.Sprintf("execution %q is %s and cannot advance", exec.ID, exec.Status),
		)
	}
	if !model.CanTransitionStep(step.Status, model.StepStatusInProgress) {
		return model.ProcessExecutionStep{}, nil, model.NewInvalidTransitionError(
			fmt.Sprintf("step %q is %s and cannot be started", step.ID, step.Status),
		)
	}

	before := snapshotOf(exec)
	now := time.Now().UTC()
	step.Status = model.StepStatusInProgress
	step.StartedAt = &now
	if err := tx.UpdateStep(ctx, step); err != nil {
		return model.ProcessExecutionStep{}, nil, err
	}

	exec.CurrentStep = step.Order
	gated := step.Config.RequiresApproval
	if gated {
		if !model.CanTransitionExecution(exec.Status, model.ExecutionStatusAwaitingApproval) {
			return model.ProcessExecutionStep{}, nil, model.NewInvalidTransitionError(
				fmt.Sprintf("execution %q cannot move from %s to %s", exec.ID, exec.Status, model.ExecutionStatusAwaitingApproval),
			)
		}
		exec.Status = model.ExecutionStatusAwaitingApproval
	}
	if err := tx.UpdateExecution(ctx, exec); err != nil {
		return model.ProcessExecutionStep{}, nil, err
	}

	if err := e.appendAudit(ctx, tx, caller, model.ProcessAuditLog{
		ExecutionID: exec.ID,
		StepID:      step.ID,
		EventType:   model.EventStepStarted,
		Description: fmt.Sprintf("Step %q started", step.Name),
		EventData:   map[string]any{"step_key": step.Key, "order": step.Order},
		Before:      before,
		After:       snapshotOf(exec),
	}); err != nil {
		return model.ProcessExecutionStep{}, nil, err
	}
	e.metrics.RecordStepTransition(exec.DefinitionKey, model.StepStatusInProgress)

	var notes []notify.Notification
	if gated {
		approval, note, err := e.requestApprovalTx(ctx, tx, caller, exec, step)
		if err != nil {
			return model.ProcessExecutionStep{}, nil, err
		}
		notes = append(notes, note)
		observability.CallerLogger(ctx, e.logger).Info("approval requested",
			zap.String("execution_id", exec.ID),
			zap.String("step_id", step.ID),
			zap.String("approval_id", approval.ID),
		)
	}

	observability.CallerLogger(ctx, e.logger).Info("step started",
		zap.String("execution_id", exec.ID),
		zap.String("step_id", step.ID),
		zap.Int("order", step.Order),
		zap.Bool("approval_gated", gated),
	)
	return step, notes, nil
}

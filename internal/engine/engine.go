// Package engine implements the process execution engine: starting,
// advancing, completing, failing, and rolling back multi-step executions over
// declarative process definitions, with approval gating, escalation, and an
// append-only audit trail. Every public operation runs as a single store
// transaction; either the state change and its audit row both commit, or
// neither does.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/relaycrm/procengine/internal/definition"
	"github.com/relaycrm/procengine/internal/notify"
	"github.com/relaycrm/procengine/internal/observability"
	"github.com/relaycrm/procengine/internal/store"
	"github.com/relaycrm/procengine/model"
)

// DefaultApprovalSLA is the fallback due window for approvals whose step
// config does not set approval_sla_hours.
const DefaultApprovalSLA = 24 * time.Hour

// Engine orchestrates the lifecycle of process executions. It enforces the
// execution and step state machines; it does not enforce exclusivity between
// concurrent callers racing on one execution — the optimistic version check
// in the store rejects the loser with CONFLICT.
type Engine struct {
	registry    *definition.Registry
	store       store.Store
	notifier    notify.Notifier
	logger      *zap.Logger
	metrics     *observability.Metrics
	approvalSLA time.Duration
}

// NewEngine creates a new process engine.
func NewEngine(
	registry *definition.Registry,
	st store.Store,
	notifier notify.Notifier,
	logger *zap.Logger,
	metrics *observability.Metrics,
	approvalSLA time.Duration,
) *Engine {
	if approvalSLA <= 0 {
		approvalSLA = DefaultApprovalSLA
	}
	return &Engine{
		registry:    registry,
		store:       st,
		notifier:    notifier,
		logger:      logger,
		metrics:     metrics,
		approvalSLA: approvalSLA,
	}
}

// instrument opens a span and returns a closer recording duration and error
// code for the operation.
func (e *Engine) instrument(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	ctx, span := observability.StartSpan(ctx, "engine."+op, attrs...)
	start := time.Now()
	return ctx, func(err error) {
		code := ""
		if err != nil {
			code = model.ErrorCode(err)
		}
		e.metrics.RecordOperation(op, time.Since(start), code)
		observability.EndSpanWithError(span, err)
	}
}

func ensureCaller(caller *model.Caller) *model.Caller {
	if caller == nil {
		return model.SystemCaller()
	}
	return caller
}

// StartExecution atomically creates an execution with status IN_PROGRESS and
// materializes one PENDING step per definition entry, numbered from 1. The
// definition version is captured so later edits never affect this run.
func (e *Engine) StartExecution(
	ctx context.Context,
	caller *model.Caller,
	def model.ProcessDefinition,
	teamID int64,
	contextData map[string]any,
) (exec *model.ProcessExecution, err error) {
	caller = ensureCaller(caller)
	ctx, done := e.instrument(ctx, "start_execution", observability.AttrDefinitionKey.String(def.Key))
	defer func() { done(err) }()

	if def.Key == "" || len(def.Steps) == 0 {
		return nil, model.NewBadRequestError(
			fmt.Sprintf("definition %q has no steps", def.Key),
		)
	}

	now := time.Now().UTC()
	created := model.ProcessExecution{
		ID:                uuid.New().String(),
		DefinitionKey:     def.Key,
		DefinitionVersion: def.Version,
		TeamID:            teamID,
		InitiatorID:       caller.ActorID,
		Status:            model.ExecutionStatusInProgress,
		CurrentStep:       0,
		Context:           contextData,
		State:             make(map[string]any),
		StartedAt:         now,
		Version:           1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if def.SLA != nil && def.SLA.TotalHours > 0 {
		due := now.Add(durationHours(def.SLA.TotalHours))
		created.DueAt = &due
	}

	steps := materializeSteps(created.ID, def, now)

	err = e.store.Transact(ctx, func(ctx context.Context, tx store.Store) error {
		if err := tx.CreateExecution(ctx, created); err != nil {
			return err
		}
		if err := tx.CreateSteps(ctx, steps); err != nil {
			return err
		}
		return e.appendAudit(ctx, tx, caller, model.ProcessAuditLog{
			ExecutionID: created.ID,
			EventType:   model.EventExecutionStarted,
			Description: fmt.Sprintf("Execution of %q started with %d steps", def.Name, len(steps)),
			EventData:   map[string]any{"definition_key": def.Key, "definition_version": def.Version},
			Before:      model.StateSnapshot{},
			After:       snapshotOf(created),
		})
	})
	if err != nil {
		return nil, err
	}

	e.metrics.RecordExecutionStart(def.Key)
	observability.CallerLogger(ctx, e.logger).Info("execution started",
		zap.String("execution_id", created.ID),
		zap.String("definition_key", def.Key),
		zap.Int("steps", len(steps)),
	)
	return &created, nil
}

// CompleteStep marks a step COMPLETED with the output payload and recomputes
// execution-level completion from step state. This is the single place where
// execution completion is decided.
func (e *Engine) CompleteStep(
	ctx context.Context,
	caller *model.Caller,
	executionID, stepID string,
	outputData map[string]any,
) (result *model.ProcessExecutionStep, err error) {
	caller = ensureCaller(caller)
	ctx, done := e.instrument(ctx, "complete_step",
		observability.AttrExecutionID.String(executionID))
	defer func() { done(err) }()

	err = e.store.Transact(ctx, func(ctx context.Context, tx store.Store) error {
		exec, err := tx.GetExecution(ctx, executionID)
		if err != nil {
			return err
		}
		step, err := tx.GetStep(ctx, executionID, stepID)
		if err != nil {
			return err
		}
		completed, err := e.completeStepTx(ctx, tx, caller, exec, step, outputData)
		if err != nil {
			return err
		}
		result = &completed
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// completeStepTx completes a step inside an open transaction. If no step
// remains PENDING or IN_PROGRESS afterwards, the execution is completed in
// the same transaction; otherwise the execution returns to IN_PROGRESS.
func (e *Engine) completeStepTx(
	ctx context.Context,
	tx store.Store,
	caller *model.Caller,
	exec model.ProcessExecution,
	step model.ProcessExecutionStep,
	outputData map[string]any,
) (model.ProcessExecutionStep, error) {
	if model.IsExecutionTerminal(exec.Status) {
		return model.ProcessExecutionStep{}, model.NewInvalidTransitionError(
			fmt.Sprintf("execution %q is %s and cannot advance", exec.ID, exec.Status),
		)
	}
	if !model.CanTransitionStep(step.Status, model.StepStatusCompleted) {
		return model.ProcessExecutionStep{}, model.NewInvalidTransitionError(
			fmt.Sprintf("step %q is %s and cannot be completed", step.ID, step.Status),
		)
	}

	before := snapshotOf(exec)
	now := time.Now().UTC()
	step.Status = model.StepStatusCompleted
	step.CompletedAt = &now
	step.Output = outputData
	if err := tx.UpdateStep(ctx, step); err != nil {
		return model.ProcessExecutionStep{}, err
	}

	steps, err := tx.ListSteps(ctx, exec.ID)
	if err != nil {
		return model.ProcessExecutionStep{}, err
	}
	if openStepCount(steps) == 0 {
		// Last open step done: the STEP_COMPLETED row first, then the
		// execution's own completion row in the same transaction.
		if err := e.appendAudit(ctx, tx, caller, model.ProcessAuditLog{
			ExecutionID: exec.ID,
			StepID:      step.ID,
			EventType:   model.EventStepCompleted,
			Description: fmt.Sprintf("Step %q completed", step.Name),
			Before:      before,
			After:       snapshotOf(exec),
		}); err != nil {
			return model.ProcessExecutionStep{}, err
		}
		e.metrics.RecordStepTransition(exec.DefinitionKey, model.StepStatusCompleted)
		if _, err := e.completeExecutionTx(ctx, tx, caller, exec); err != nil {
			return model.ProcessExecutionStep{}, err
		}
		return step, nil
	}

	// Steps remain: execution returns to IN_PROGRESS, clearing
	// AWAITING_APPROVAL if an approval just released it.
	if exec.Status != model.ExecutionStatusInProgress {
		if !model.CanTransitionExecution(exec.Status, model.ExecutionStatusInProgress) {
			return model.ProcessExecutionStep{}, model.NewInvalidTransitionError(
				fmt.Sprintf("execution %q cannot move from %s to %s", exec.ID, exec.Status, model.ExecutionStatusInProgress),
			)
		}
		exec.Status = model.ExecutionStatusInProgress
	}
	if err := tx.UpdateExecution(ctx, exec); err != nil {
		return model.ProcessExecutionStep{}, err
	}
	if err := e.appendAudit(ctx, tx, caller, model.ProcessAuditLog{
		ExecutionID: exec.ID,
		StepID:      step.ID,
		EventType:   model.EventStepCompleted,
		Description: fmt.Sprintf("Step %q completed", step.Name),
		Before:      before,
		After:       snapshotOf(exec),
	}); err != nil {
		return model.ProcessExecutionStep{}, err
	}
	e.metrics.RecordStepTransition(exec.DefinitionKey, model.StepStatusCompleted)
	return step, nil
}

// FailStep marks a step FAILED and immediately fails the owning execution.
// There is no automatic retry; resuming requires a new execution or a
// rollback-and-restart by the caller.
func (e *Engine) FailStep(
	ctx context.Context,
	caller *model.Caller,
	executionID, stepID, errorMessage string,
) (result *model.ProcessExecutionStep, err error) {
	caller = ensureCaller(caller)
	ctx, done := e.instrument(ctx, "fail_step",
		observability.AttrExecutionID.String(executionID))
	defer func() { done(err) }()

	var definitionKey string
	err = e.store.Transact(ctx, func(ctx context.Context, tx store.Store) error {
		exec, err := tx.GetExecution(ctx, executionID)
		if err != nil {
			return err
		}
		step, err := tx.GetStep(ctx, executionID, stepID)
		if err != nil {
			return err
		}
		if !model.CanTransitionStep(step.Status, model.StepStatusFailed) {
			return model.NewInvalidTransitionError(
				fmt.Sprintf("step %q is %s and cannot be failed", step.ID, step.Status),
			)
		}
		if !model.CanTransitionExecution(exec.Status, model.ExecutionStatusFailed) {
			return model.NewInvalidTransitionError(
				fmt.Sprintf("execution %q is %s and cannot be failed", exec.ID, exec.Status),
			)
		}

		before := snapshotOf(exec)
		now := time.Now().UTC()
		step.Status = model.StepStatusFailed
		step.ErrorMessage = errorMessage
		step.CompletedAt = &now
		if err := tx.UpdateStep(ctx, step); err != nil {
			return err
		}

		exec.Status = model.ExecutionStatusFailed
		exec.ErrorMessage = fmt.Sprintf("Step %q failed: %s", step.Name, errorMessage)
		if err := tx.UpdateExecution(ctx, exec); err != nil {
			return err
		}

		if err := e.appendAudit(ctx, tx, caller, model.ProcessAuditLog{
			ExecutionID: exec.ID,
			StepID:      step.ID,
			EventType:   model.EventStepFailed,
			Description: fmt.Sprintf("Step %q failed: %s", step.Name, errorMessage),
			EventData:   map[string]any{"error": errorMessage},
			Before:      before,
			After:       snapshotOf(exec),
		}); err != nil {
			return err
		}
		definitionKey = exec.DefinitionKey
		result = &step
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.metrics.RecordStepTransition(definitionKey, model.StepStatusFailed)
	e.metrics.RecordExecutionEnd(definitionKey, model.ExecutionStatusFailed)
	observability.CallerLogger(ctx, e.logger).Info("step failed",
		zap.String("execution_id", executionID),
		zap.String("step_id", stepID),
		zap.String("error", errorMessage),
	)
	return result, nil
}

// CompleteExecution sets the execution COMPLETED. Normally reached through
// CompleteStep; exposed for callers that need to finalize explicitly.
func (e *Engine) CompleteExecution(
	ctx context.Context,
	caller *model.Caller,
	executionID string,
) (result *model.ProcessExecution, err error) {
	caller = ensureCaller(caller)
	ctx, done := e.instrument(ctx, "complete_execution",
		observability.AttrExecutionID.String(executionID))
	defer func() { done(err) }()

	err = e.store.Transact(ctx, func(ctx context.Context, tx store.Store) error {
		exec, err := tx.GetExecution(ctx, executionID)
		if err != nil {
			return err
		}
		completed, err := e.completeExecutionTx(ctx, tx, caller, exec)
		if err != nil {
			return err
		}
		result = &completed
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// completeExecutionTx transitions an execution to COMPLETED inside an open
// transaction and writes the EXECUTION_COMPLETED row.
func (e *Engine) completeExecutionTx(
	ctx context.Context,
	tx store.Store,
	caller *model.Caller,
	exec model.ProcessExecution,
) (model.ProcessExecution, error) {
	if !model.CanTransitionExecution(exec.Status, model.ExecutionStatusCompleted) {
		return model.ProcessExecution{}, model.NewInvalidTransitionError(
			fmt.Sprintf("execution %q is %s and cannot be completed", exec.ID, exec.Status),
		)
	}

	before := snapshotOf(exec)
	now := time.Now().UTC()
	exec.Status = model.ExecutionStatusCompleted
	exec.CompletedAt = &now
	if err := tx.UpdateExecution(ctx, exec); err != nil {
		return model.ProcessExecution{}, err
	}

	if err := e.appendAudit(ctx, tx, caller, model.ProcessAuditLog{
		ExecutionID: exec.ID,
		EventType:   model.EventExecutionCompleted,
		Description: "Execution completed",
		Before:      before,
		After:       snapshotOf(exec),
	}); err != nil {
		return model.ProcessExecution{}, err
	}

	e.metrics.RecordExecutionEnd(exec.DefinitionKey, model.ExecutionStatusCompleted)
	observability.CallerLogger(ctx, e.logger).Info("execution completed",
		zap.String("execution_id", exec.ID),
		zap.String("definition_key", exec.DefinitionKey),
	)
	return exec, nil
}

// Rollback sets the execution ROLLED_BACK and stores the supplied payload on
// the execution record. It is a terminal marker only: side effects of
// completed steps are not reversed, compensation is the caller's concern.
func (e *Engine) Rollback(
	ctx context.Context,
	caller *model.Caller,
	executionID string,
	userID int64,
	rollbackData map[string]any,
) (result *model.ProcessExecution, err error) {
	caller = ensureCaller(caller)
	ctx, done := e.instrument(ctx, "rollback",
		observability.AttrExecutionID.String(executionID))
	defer func() { done(err) }()

	var wasOpen bool
	var definitionKey string
	err = e.store.Transact(ctx, func(ctx context.Context, tx store.Store) error {
		exec, err := tx.GetExecution(ctx, executionID)
		if err != nil {
			return err
		}
		if !model.CanTransitionExecution(exec.Status, model.ExecutionStatusRolledBack) {
			return model.NewInvalidTransitionError(
				fmt.Sprintf("execution %q is %s and cannot be rolled back", exec.ID, exec.Status),
			)
		}

		before := snapshotOf(exec)
		wasOpen = !model.IsExecutionTerminal(exec.Status)
		definitionKey = exec.DefinitionKey

		exec.Status = model.ExecutionStatusRolledBack
		if exec.State == nil {
			exec.State = make(map[string]any)
		}
		exec.State["rollback"] = rollbackData
		if err := tx.UpdateExecution(ctx, exec); err != nil {
			return err
		}

		if err := e.appendAudit(ctx, tx, caller, model.ProcessAuditLog{
			ExecutionID: exec.ID,
			EventType:   model.EventRollbackCompleted,
			Description: "Execution rolled back",
			EventData:   map[string]any{"requested_by": userID, "rollback_data": rollbackData},
			Before:      before,
			After:       snapshotOf(exec),
		}); err != nil {
			return err
		}
		result = &exec
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.metrics.RecordRollback()
	if wasOpen {
		e.metrics.RecordExecutionEnd(definitionKey, model.ExecutionStatusRolledBack)
	}
	observability.CallerLogger(ctx, e.logger).Info("execution rolled back",
		zap.String("execution_id", executionID),
		zap.Int64("requested_by", userID),
	)
	return result, nil
}

// GetExecution returns the execution with its ordered steps, approvals, and
// audit history.
func (e *Engine) GetExecution(ctx context.Context, executionID string) (*model.ExecutionDescriptor, error) {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	steps, err := e.store.ListSteps(ctx, executionID)
	if err != nil {
		return nil, err
	}
	approvals, err := e.store.ListApprovals(ctx, executionID)
	if err != nil {
		return nil, err
	}
	history, err := e.store.GetAuditTrail(ctx, executionID)
	if err != nil {
		return nil, err
	}
	return &model.ExecutionDescriptor{
		Execution: exec,
		Steps:     steps,
		Approvals: approvals,
		History:   history,
	}, nil
}

// ListExecutions returns execution summaries matching the filters plus the
// total match count.
func (e *Engine) ListExecutions(ctx context.Context, filters model.ExecutionFilters) ([]model.ExecutionSummary, int, error) {
	if filters.PageSize <= 0 {
		filters.PageSize = 20
	}
	execs, total, err := e.store.ListExecutions(ctx, filters)
	if err != nil {
		return nil, 0, err
	}

	summaries := make([]model.ExecutionSummary, 0, len(execs))
	for _, exec := range execs {
		name := exec.DefinitionKey
		if def, ok := e.registry.GetVersion(exec.DefinitionKey, exec.DefinitionVersion); ok {
			name = def.Name
		} else if def, ok := e.registry.Get(exec.DefinitionKey); ok {
			name = def.Name
		}
		summaries = append(summaries, model.ExecutionSummary{
			ID:            exec.ID,
			DefinitionKey: exec.DefinitionKey,
			Name:          name,
			Status:        exec.Status,
			CurrentStep:   exec.CurrentStep,
			InitiatorID:   exec.InitiatorID,
			StartedAt:     exec.StartedAt,
			UpdatedAt:     exec.UpdatedAt,
		})
	}
	return summaries, total, nil
}

func durationHours(hours float64) time.Duration {
	return time.Duration(hours * float64(time.Hour))
}

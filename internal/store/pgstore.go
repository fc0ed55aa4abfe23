package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/relaycrm/procengine/model"
)

// pgUniqueViolation is the Postgres error code for unique constraint
// violations; the partial unique index on pending approvals surfaces as this.
const pgUniqueViolation = "23505"

// querier is the subset of pgx operations shared by *pgxpool.Pool and
// pgx.Tx, letting PgStore methods run inside or outside a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PgStore is a PostgreSQL-backed Store using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool // nil when this store is a transactional view
	db   querier
}

// NewPgStore creates a new PostgreSQL store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool, db: pool}
}

// Transact runs fn inside a database transaction. Nested calls join the
// enclosing transaction.
func (s *PgStore) Transact(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	if s.pool == nil {
		return fn(ctx, s)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(ctx, &PgStore{db: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// CreateExecution inserts a new execution.
func (s *PgStore) CreateExecution(ctx context.Context, exec model.ProcessExecution) error {
	contextJSON, err := json.Marshal(exec.Context)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}
	stateJSON, err := json.Marshal(exec.State)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO process_executions (
			id, definition_key, definition_version, team_id, initiator_id,
			status, current_step, context, state,
			started_at, completed_at, due_at, error_message, version,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9,
			$10, $11, $12, $13, $14,
			$15, $16
		)`,
		exec.ID, exec.DefinitionKey, exec.DefinitionVersion, exec.TeamID, exec.InitiatorID,
		exec.Status, exec.CurrentStep, contextJSON, stateJSON,
		exec.StartedAt, exec.CompletedAt, exec.DueAt, exec.ErrorMessage, exec.Version,
		exec.CreatedAt, exec.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return model.NewConflictError(
			fmt.Sprintf("execution %q already exists", exec.ID),
		)
	}
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

// GetExecution retrieves an execution by ID.
func (s *PgStore) GetExecution(ctx context.Context, executionID string) (model.ProcessExecution, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, definition_key, definition_version, team_id, initiator_id,
		       status, current_step, context, state,
		       started_at, completed_at, due_at, error_message, version,
		       created_at, updated_at
		FROM process_executions
		WHERE id = $1`,
		executionID,
	)

	exec, err := scanExecution(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ProcessExecution{}, model.NewNotFoundError(
			fmt.Sprintf("execution %q not found", executionID),
		)
	}
	if err != nil {
		return model.ProcessExecution{}, fmt.Errorf("query execution: %w", err)
	}
	return exec, nil
}

// UpdateExecution persists an updated execution with optimistic locking.
func (s *PgStore) UpdateExecution(ctx context.Context, exec model.ProcessExecution) error {
	contextJSON, err := json.Marshal(exec.Context)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}
	stateJSON, err := json.Marshal(exec.State)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	tag, err := s.db.Exec(ctx, `
		UPDATE process_executions SET
			status = $1,
			current_step = $2,
			context = $3,
			state = $4,
			completed_at = $5,
			due_at = $6,
			error_message = $7,
			version = $8,
			updated_at = $9
		WHERE id = $10 AND version = $11`,
		exec.Status, exec.CurrentStep, contextJSON, stateJSON,
		exec.CompletedAt, exec.DueAt, exec.ErrorMessage, exec.Version+1,
		time.Now().UTC(),
		exec.ID, exec.Version,
	)
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(
			fmt.Sprintf("execution %q version conflict (expected %d)", exec.ID, exec.Version),
		)
	}
	return nil
}

// ListExecutions returns executions matching the filters, newest first.
func (s *PgStore) ListExecutions(ctx context.Context, filters model.ExecutionFilters) ([]model.ProcessExecution, int, error) {
	where := " WHERE 1=1"
	var args []any
	argIdx := 1

	if filters.DefinitionKey != "" {
		where += fmt.Sprintf(" AND definition_key = $%d", argIdx)
		args = append(args, filters.DefinitionKey)
		argIdx++
	}
	if filters.Status != "" {
		where += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filters.Status)
		argIdx++
	}

	var total int
	if err := s.db.QueryRow(ctx, "SELECT COUNT(*) FROM process_executions"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count executions: %w", err)
	}

	query := `SELECT id, definition_key, definition_version, team_id, initiator_id,
	                 status, current_step, context, state,
	                 started_at, completed_at, due_at, error_message, version,
	                 created_at, updated_at
	          FROM process_executions` + where + " ORDER BY started_at DESC, id ASC"

	if filters.PageSize > 0 {
		page := filters.Page
		if page < 1 {
			page = 1
		}
		query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argIdx, argIdx+1)
		args = append(args, filters.PageSize, (page-1)*filters.PageSize)
	}

	execs, err := s.queryExecutions(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	return execs, total, nil
}

// FindOverdueExecutions returns non-terminal executions past their due time.
func (s *PgStore) FindOverdueExecutions(ctx context.Context, cutoff time.Time) ([]model.ProcessExecution, error) {
	return s.queryExecutions(ctx, `
		SELECT id, definition_key, definition_version, team_id, initiator_id,
		       status, current_step, context, state,
		       started_at, completed_at, due_at, error_message, version,
		       created_at, updated_at
		FROM process_executions
		WHERE status NOT IN ('completed', 'failed', 'rolled_back')
		  AND due_at IS NOT NULL AND due_at < $1
		ORDER BY due_at ASC`,
		cutoff,
	)
}

// CreateSteps inserts the materialized steps of an execution.
func (s *PgStore) CreateSteps(ctx context.Context, steps []model.ProcessExecutionStep) error {
	for _, step := range steps {
		configJSON, err := json.Marshal(step.Config)
		if err != nil {
			return fmt.Errorf("marshal step config: %w", err)
		}
		outputJSON, err := json.Marshal(step.Output)
		if err != nil {
			return fmt.Errorf("marshal step output: %w", err)
		}

		_, err = s.db.Exec(ctx, `
			INSERT INTO process_execution_steps (
				id, execution_id, key, name, step_order, status, config, output,
				due_at, started_at, completed_at, error_message, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
			step.ID, step.ExecutionID, step.Key, step.Name, step.Order, step.Status, configJSON, outputJSON,
			step.DueAt, step.StartedAt, step.CompletedAt, step.ErrorMessage, step.CreatedAt, step.UpdatedAt,
		)
		if isUniqueViolation(err) {
			return model.NewConflictError(
				fmt.Sprintf("step %q already exists", step.ID),
			)
		}
		if err != nil {
			return fmt.Errorf("insert step: %w", err)
		}
	}
	return nil
}

// GetStep retrieves a step by ID scoped to an execution.
func (s *PgStore) GetStep(ctx context.Context, executionID, stepID string) (model.ProcessExecutionStep, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, execution_id, key, name, step_order, status, config, output,
		       due_at, started_at, completed_at, error_message, created_at, updated_at
		FROM process_execution_steps
		WHERE id = $1 AND execution_id = $2`,
		stepID, executionID,
	)

	step, err := scanStep(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ProcessExecutionStep{}, model.NewNotFoundError(
			fmt.Sprintf("step %q not found", stepID),
		)
	}
	if err != nil {
		return model.ProcessExecutionStep{}, fmt.Errorf("query step: %w", err)
	}
	return step, nil
}

// ListSteps returns all steps of an execution ordered by step order.
func (s *PgStore) ListSteps(ctx context.Context, executionID string) ([]model.ProcessExecutionStep, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, execution_id, key, name, step_order, status, config, output,
		       due_at, started_at, completed_at, error_message, created_at, updated_at
		FROM process_execution_steps
		WHERE execution_id = $1
		ORDER BY step_order ASC`,
		executionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query steps: %w", err)
	}
	defer rows.Close()

	var steps []model.ProcessExecutionStep
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// UpdateStep persists an updated step.
func (s *PgStore) UpdateStep(ctx context.Context, step model.ProcessExecutionStep) error {
	outputJSON, err := json.Marshal(step.Output)
	if err != nil {
		return fmt.Errorf("marshal step output: %w", err)
	}

	tag, err := s.db.Exec(ctx, `
		UPDATE process_execution_steps SET
			status = $1,
			output = $2,
			due_at = $3,
			started_at = $4,
			completed_at = $5,
			error_message = $6,
			updated_at = $7
		WHERE id = $8`,
		step.Status, outputJSON, step.DueAt, step.StartedAt, step.CompletedAt,
		step.ErrorMessage, time.Now().UTC(),
		step.ID,
	)
	if err != nil {
		return fmt.Errorf("update step: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(
			fmt.Sprintf("step %q not found", step.ID),
		)
	}
	return nil
}

// FindOverdueSteps returns in-progress steps past their due time.
func (s *PgStore) FindOverdueSteps(ctx context.Context, cutoff time.Time) ([]model.ProcessExecutionStep, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, execution_id, key, name, step_order, status, config, output,
		       due_at, started_at, completed_at, error_message, created_at, updated_at
		FROM process_execution_steps
		WHERE status = 'in_progress' AND due_at IS NOT NULL AND due_at < $1
		ORDER BY due_at ASC`,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("query overdue steps: %w", err)
	}
	defer rows.Close()

	var steps []model.ProcessExecutionStep
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// CreateApproval inserts a new approval request. The partial unique index on
// (step_id) WHERE status = 'pending' enforces the one-open-approval rule.
func (s *PgStore) CreateApproval(ctx context.Context, approval model.ProcessApproval) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO process_approvals (
			id, execution_id, step_id, requester_id, approver_id,
			status, decided_by, notes, decided_at, due_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		approval.ID, approval.ExecutionID, nullableString(approval.StepID), approval.RequesterID, approval.ApproverID,
		approval.Status, approval.DecidedBy, approval.Notes, approval.DecidedAt, approval.DueAt,
		approval.CreatedAt, approval.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return model.NewConflictError(
			fmt.Sprintf("step %q already has a pending approval", approval.StepID),
		)
	}
	if err != nil {
		return fmt.Errorf("insert approval: %w", err)
	}
	return nil
}

// GetApproval retrieves an approval by ID.
func (s *PgStore) GetApproval(ctx context.Context, approvalID string) (model.ProcessApproval, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, execution_id, step_id, requester_id, approver_id,
		       status, decided_by, notes, decided_at, due_at, created_at, updated_at
		FROM process_approvals
		WHERE id = $1`,
		approvalID,
	)

	approval, err := scanApproval(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ProcessApproval{}, model.NewNotFoundError(
			fmt.Sprintf("approval %q not found", approvalID),
		)
	}
	if err != nil {
		return model.ProcessApproval{}, fmt.Errorf("query approval: %w", err)
	}
	return approval, nil
}

// UpdateApproval persists an updated approval.
func (s *PgStore) UpdateApproval(ctx context.Context, approval model.ProcessApproval) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE process_approvals SET
			status = $1,
			decided_by = $2,
			notes = $3,
			decided_at = $4,
			updated_at = $5
		WHERE id = $6`,
		approval.Status, approval.DecidedBy, approval.Notes, approval.DecidedAt,
		time.Now().UTC(),
		approval.ID,
	)
	if err != nil {
		return fmt.Errorf("update approval: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(
			fmt.Sprintf("approval %q not found", approval.ID),
		)
	}
	return nil
}

// ListApprovals returns all approvals of an execution, oldest first.
func (s *PgStore) ListApprovals(ctx context.Context, executionID string) ([]model.ProcessApproval, error) {
	return s.queryApprovals(ctx, `
		SELECT id, execution_id, step_id, requester_id, approver_id,
		       status, decided_by, notes, decided_at, due_at, created_at, updated_at
		FROM process_approvals
		WHERE execution_id = $1
		ORDER BY created_at ASC, id ASC`,
		executionID,
	)
}

// FindOverdueApprovals returns pending approvals past their due time.
func (s *PgStore) FindOverdueApprovals(ctx context.Context, cutoff time.Time) ([]model.ProcessApproval, error) {
	return s.queryApprovals(ctx, `
		SELECT id, execution_id, step_id, requester_id, approver_id,
		       status, decided_by, notes, decided_at, due_at, created_at, updated_at
		FROM process_approvals
		WHERE status = 'pending' AND due_at IS NOT NULL AND due_at < $1
		ORDER BY due_at ASC`,
		cutoff,
	)
}

// CreateEscalation appends an escalation record.
func (s *PgStore) CreateEscalation(ctx context.Context, esc model.ProcessEscalation) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO process_escalations (
			id, execution_id, step_id, escalated_to, escalated_by,
			reason, notes, resolved, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		esc.ID, esc.ExecutionID, nullableString(esc.StepID), esc.EscalatedTo, esc.EscalatedBy,
		esc.Reason, esc.Notes, esc.Resolved, esc.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert escalation: %w", err)
	}
	return nil
}

// ListEscalations returns all escalations of an execution, oldest first.
func (s *PgStore) ListEscalations(ctx context.Context, executionID string) ([]model.ProcessEscalation, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, execution_id, step_id, escalated_to, escalated_by,
		       reason, notes, resolved, created_at
		FROM process_escalations
		WHERE execution_id = $1
		ORDER BY created_at ASC, id ASC`,
		executionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query escalations: %w", err)
	}
	defer rows.Close()

	var escs []model.ProcessEscalation
	for rows.Next() {
		var esc model.ProcessEscalation
		var stepID *string
		if err := rows.Scan(
			&esc.ID, &esc.ExecutionID, &stepID, &esc.EscalatedTo, &esc.EscalatedBy,
			&esc.Reason, &esc.Notes, &esc.Resolved, &esc.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan escalation: %w", err)
		}
		if stepID != nil {
			esc.StepID = *stepID
		}
		escs = append(escs, esc)
	}
	return escs, rows.Err()
}

// AppendAudit appends one row to the audit trail.
func (s *PgStore) AppendAudit(ctx context.Context, entry model.ProcessAuditLog) error {
	dataJSON, err := json.Marshal(entry.EventData)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}
	beforeJSON, err := json.Marshal(entry.Before)
	if err != nil {
		return fmt.Errorf("marshal before snapshot: %w", err)
	}
	afterJSON, err := json.Marshal(entry.After)
	if err != nil {
		return fmt.Errorf("marshal after snapshot: %w", err)
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO process_audit_log (
			id, execution_id, step_id, actor_id, event_type, description,
			event_data, before_state, after_state, ip_address, user_agent, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		entry.ID, entry.ExecutionID, nullableString(entry.StepID), entry.ActorID, entry.EventType, entry.Description,
		dataJSON, beforeJSON, afterJSON, entry.IPAddress, entry.UserAgent, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert audit row: %w", err)
	}
	return nil
}

// GetAuditTrail returns the audit trail of an execution in insertion order.
func (s *PgStore) GetAuditTrail(ctx context.Context, executionID string) ([]model.ProcessAuditLog, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, execution_id, step_id, actor_id, event_type, description,
		       event_data, before_state, after_state, ip_address, user_agent, created_at
		FROM process_audit_log
		WHERE execution_id = $1
		ORDER BY seq ASC`,
		executionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query audit trail: %w", err)
	}
	defer rows.Close()

	var entries []model.ProcessAuditLog
	for rows.Next() {
		var entry model.ProcessAuditLog
		var stepID *string
		var dataJSON, beforeJSON, afterJSON []byte
		if err := rows.Scan(
			&entry.ID, &entry.ExecutionID, &stepID, &entry.ActorID, &entry.EventType, &entry.Description,
			&dataJSON, &beforeJSON, &afterJSON, &entry.IPAddress, &entry.UserAgent, &entry.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		if stepID != nil {
			entry.StepID = *stepID
		}
		if dataJSON != nil {
			_ = json.Unmarshal(dataJSON, &entry.EventData)
		}
		_ = json.Unmarshal(beforeJSON, &entry.Before)
		_ = json.Unmarshal(afterJSON, &entry.After)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// HealthCheck pings the database.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	if s.pool == nil {
		return nil
	}
	return s.pool.Ping(ctx)
}

func (s *PgStore) queryExecutions(ctx context.Context, query string, args ...any) ([]model.ProcessExecution, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}
	defer rows.Close()

	var execs []model.ProcessExecution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		execs = append(execs, exec)
	}
	return execs, rows.Err()
}

func (s *PgStore) queryApprovals(ctx context.Context, query string, args ...any) ([]model.ProcessApproval, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query approvals: %w", err)
	}
	defer rows.Close()

	var approvals []model.ProcessApproval
	for rows.Next() {
		approval, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		approvals = append(approvals, approval)
	}
	return approvals, rows.Err()
}

func scanExecution(row pgx.Row) (model.ProcessExecution, error) {
	var exec model.ProcessExecution
	var contextJSON, stateJSON []byte

	err := row.Scan(
		&exec.ID, &exec.DefinitionKey, &exec.DefinitionVersion, &exec.TeamID, &exec.InitiatorID,
		&exec.Status, &exec.CurrentStep, &contextJSON, &stateJSON,
		&exec.StartedAt, &exec.CompletedAt, &exec.DueAt, &exec.ErrorMessage, &exec.Version,
		&exec.CreatedAt, &exec.UpdatedAt,
	)
	if err != nil {
		return model.ProcessExecution{}, err
	}
	if contextJSON != nil {
		_ = json.Unmarshal(contextJSON, &exec.Context)
	}
	if stateJSON != nil {
		_ = json.Unmarshal(stateJSON, &exec.State)
	}
	return exec, nil
}

func scanStep(row pgx.Row) (model.ProcessExecutionStep, error) {
	var step model.ProcessExecutionStep
	var configJSON, outputJSON []byte

	err := row.Scan(
		&step.ID, &step.ExecutionID, &step.Key, &step.Name, &step.Order, &step.Status, &configJSON, &outputJSON,
		&step.DueAt, &step.StartedAt, &step.CompletedAt, &step.ErrorMessage, &step.CreatedAt, &step.UpdatedAt,
	)
	if err != nil {
		return model.ProcessExecutionStep{}, err
	}
	if configJSON != nil {
		_ = json.Unmarshal(configJSON, &step.Config)
	}
	if outputJSON != nil {
		_ = json.Unmarshal(outputJSON, &step.Output)
	}
	return step, nil
}

func scanApproval(row pgx.Row) (model.ProcessApproval, error) {
	var approval model.ProcessApproval
	var stepID *string

	err := row.Scan(
		&approval.ID, &approval.ExecutionID, &stepID, &approval.RequesterID, &approval.ApproverID,
		&approval.Status, &approval.DecidedBy, &approval.Notes, &approval.DecidedAt, &approval.DueAt,
		&approval.CreatedAt, &approval.UpdatedAt,
	)
	if err != nil {
		return model.ProcessApproval{}, err
	}
	if stepID != nil {
		approval.StepID = *stepID
	}
	return approval, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

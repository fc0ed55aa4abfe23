package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/relaycrm/procengine/model"
)

// memData holds the complete store contents. Transact clones the top-level
// containers and swaps the clone in on commit; stored values are treated as
// immutable snapshots and must be replaced, never mutated in place.
type memData struct {
	executions  map[string]model.ProcessExecution
	steps       map[string]model.ProcessExecutionStep
	approvals   map[string]model.ProcessApproval
	escalations map[string][]model.ProcessEscalation // key: execution ID
	audit       map[string][]model.ProcessAuditLog   // key: execution ID
}

func newMemData() *memData {
	return &memData{
		executions:  make(map[string]model.ProcessExecution),
		steps:       make(map[string]model.ProcessExecutionStep),
		approvals:   make(map[string]model.ProcessApproval),
		escalations: make(map[string][]model.ProcessEscalation),
		audit:       make(map[string][]model.ProcessAuditLog),
	}
}

func (d *memData) clone() *memData {
	c := &memData{
		executions:  make(map[string]model.ProcessExecution, len(d.executions)),
		steps:       make(map[string]model.ProcessExecutionStep, len(d.steps)),
		approvals:   make(map[string]model.ProcessApproval, len(d.approvals)),
		escalations: make(map[string][]model.ProcessEscalation, len(d.escalations)),
		audit:       make(map[string][]model.ProcessAuditLog, len(d.audit)),
	}
	for k, v := range d.executions {
		c.executions[k] = v
	}
	for k, v := range d.steps {
		c.steps[k] = v
	}
	for k, v := range d.approvals {
		c.approvals[k] = v
	}
	for k, v := range d.escalations {
		c.escalations[k] = append([]model.ProcessEscalation(nil), v...)
	}
	for k, v := range d.audit {
		c.audit[k] = append([]model.ProcessAuditLog(nil), v...)
	}
	return c
}

// MemoryStore is an in-memory Store for testing and single-node deployments.
type MemoryStore struct {
	mu   sync.RWMutex
	data *memData
	inTx bool
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: newMemData()}
}

func (s *MemoryStore) lock() {
	if !s.inTx {
		s.mu.Lock()
	}
}

func (s *MemoryStore) unlock() {
	if !s.inTx {
		s.mu.Unlock()
	}
}

func (s *MemoryStore) rlock() {
	if !s.inTx {
		s.mu.RLock()
	}
}

func (s *MemoryStore) runlock() {
	if !s.inTx {
		s.mu.RUnlock()
	}
}

// Transact runs fn against a clone of the store contents and swaps the clone
// in only if fn succeeds. Nested calls join the enclosing transaction.
func (s *MemoryStore) Transact(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	if s.inTx {
		return fn(ctx, s)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &MemoryStore{data: s.data.clone(), inTx: true}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	s.data = tx.data
	return nil
}

// CreateExecution persists a new execution.
func (s *MemoryStore) CreateExecution(_ context.Context, exec model.ProcessExecution) error {
	s.lock()
	defer s.unlock()

	if _, exists := s.data.executions[exec.ID]; exists {
		return model.NewConflictError(
			fmt.Sprintf("execution %q already exists", exec.ID),
		)
	}
	s.data.executions[exec.ID] = exec
	return nil
}

// GetExecution retrieves an execution by ID.
func (s *MemoryStore) GetExecution(_ context.Context, executionID string) (model.ProcessExecution, error) {
	s.rlock()
	defer s.runlock()

	exec, exists := s.data.executions[executionID]
	if !exists {
		return model.ProcessExecution{}, model.NewNotFoundError(
			fmt.Sprintf("execution %q not found", executionID),
		)
	}
	return exec, nil
}

// UpdateExecution persists an updated execution with optimistic locking.
func (s *MemoryStore) UpdateExecution(_ context.Context, exec model.ProcessExecution) error {
	s.lock()
	defer s.unlock()

	existing, exists := s.data.executions[exec.ID]
	if !exists {
		return model.NewNotFoundError(
			fmt.Sprintf("execution %q not found", exec.ID),
		)
	}
	if existing.Version != exec.Version {
		return model.NewConflictError(
			fmt.Sprintf("execution %q version conflict (expected %d, got %d)", exec.ID, exec.Version, existing.Version),
		)
	}

	exec.Version++
	exec.UpdatedAt = time.Now().UTC()
	s.data.executions[exec.ID] = exec
	return nil
}

// ListExecutions returns executions matching the filters, newest first.
func (s *MemoryStore) ListExecutions(_ context.Context, filters model.ExecutionFilters) ([]model.ProcessExecution, int, error) {
	s.rlock()
	defer s.runlock()

	var result []model.ProcessExecution
	for _, exec := range s.data.executions {
		if filters.DefinitionKey != "" && exec.DefinitionKey != filters.DefinitionKey {
			continue
		}
		if filters.Status != "" && exec.Status != filters.Status {
			continue
		}
		result = append(result, exec)
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].StartedAt.Equal(result[j].StartedAt) {
			return result[i].StartedAt.After(result[j].StartedAt)
		}
		return result[i].ID < result[j].ID
	})

	total := len(result)

	page, size := filters.Page, filters.PageSize
	if page < 1 {
		page = 1
	}
	if size > 0 {
		offset := (page - 1) * size
		if offset >= len(result) {
			return []model.ProcessExecution{}, total, nil
		}
		result = result[offset:]
		if size < len(result) {
			result = result[:size]
		}
	}

	return result, total, nil
}

// FindOverdueExecutions returns non-terminal executions past their due time.
func (s *MemoryStore) FindOverdueExecutions(_ context.Context, cutoff time.Time) ([]model.ProcessExecution, error) {
	s.rlock()
	defer s.runlock()

	var result []model.ProcessExecution
	for _, exec := range s.data.executions {
		if model.IsExecutionTerminal(exec.Status) {
			continue
		}
		if exec.DueAt == nil || !exec.DueAt.Before(cutoff) {
			continue
		}
		result = append(result, exec)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].DueAt.Before(*result[j].DueAt)
	})
	return result, nil
}

// CreateSteps persists the materialized steps of an execution.
func (s *MemoryStore) CreateSteps(_ context.Context, steps []model.ProcessExecutionStep) error {
	s.lock()
	defer s.unlock()

	for _, step := range steps {
		if _, exists := s.data.steps[step.ID]; exists {
			return model.NewConflictError(
				fmt.Sprintf("step %q already exists", step.ID),
			)
		}
	}
	for _, step := range steps {
		s.data.steps[step.ID] = step
	}
	return nil
}

// GetStep retrieves a step by ID scoped to an execution.
func (s *MemoryStore) GetStep(_ context.Context, executionID, stepID string) (model.ProcessExecutionStep, error) {
	s.rlock()
	defer s.runlock()

	step, exists := s.data.steps[stepID]
	if !exists || step.ExecutionID != executionID {
		return model.ProcessExecutionStep{}, model.NewNotFoundError(
			fmt.Sprintf("step %q not found", stepID),
		)
	}
	return step, nil
}

// ListSteps returns all steps of an execution ordered by step order.
func (s *MemoryStore) ListSteps(_ context.Context, executionID string) ([]model.ProcessExecutionStep, error) {
	s.rlock()
	defer s.runlock()

	var result []model.ProcessExecutionStep
	for _, step := range s.data.steps {
		if step.ExecutionID == executionID {
			result = append(result, step)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Order < result[j].Order
	})
	return result, nil
}

// UpdateStep persists an updated step.
func (s *MemoryStore) UpdateStep(_ context.Context, step model.ProcessExecutionStep) error {
	s.lock()
	defer s.unlock()

	if _, exists := s.data.steps[step.ID]; !exists {
		return model.NewNotFoundError(
			fmt.Sprintf("step %q not found", step.ID),
		)
	}
	step.UpdatedAt = time.Now().UTC()
	s.data.steps[step.ID] = step
	return nil
}

// FindOverdueSteps returns in-progress steps past their due time.
func (s *MemoryStore) FindOverdueSteps(_ context.Context, cutoff time.Time) ([]model.ProcessExecutionStep, error) {
	s.rlock()
	defer s.runlock()

	var result []model.ProcessExecutionStep
	for _, step := range s.data.steps {
		if step.Status != model.StepStatusInProgress {
			continue
		}
		if step.DueAt == nil || !step.DueAt.Before(cutoff) {
			continue
		}
		result = append(result, step)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].DueAt.Before(*result[j].DueAt)
	})
	return result, nil
}

// CreateApproval persists a new approval request. At most one pending
// approval may exist per step.
func (s *MemoryStore) CreateApproval(_ context.Context, approval model.ProcessApproval) error {
	s.lock()
	defer s.unlock()

	if _, exists := s.data.approvals[approval.ID]; exists {
		return model.NewConflictError(
			fmt.Sprintf("approval %q already exists", approval.ID),
		)
	}
	if approval.Status == model.ApprovalStatusPending && approval.StepID != "" {
		for _, other := range s.data.approvals {
			if other.StepID == approval.StepID && other.Status == model.ApprovalStatusPending {
				return model.NewConflictError(
					fmt.Sprintf("step %q already has a pending approval", approval.StepID),
				)
			}
		}
	}
	s.data.approvals[approval.ID] = approval
	return nil
}

// GetApproval retrieves an approval by ID.
func (s *MemoryStore) GetApproval(_ context.Context, approvalID string) (model.ProcessApproval, error) {
	s.rlock()
	defer s.runlock()

	approval, exists := s.data.approvals[approvalID]
	if !exists {
		return model.ProcessApproval{}, model.NewNotFoundError(
			fmt.Sprintf("approval %q not found", approvalID),
		)
	}
	return approval, nil
}

// UpdateApproval persists an updated approval.
func (s *MemoryStore) UpdateApproval(_ context.Context, approval model.ProcessApproval) error {
	s.lock()
	defer s.unlock()

	if _, exists := s.data.approvals[approval.ID]; !exists {
		return model.NewNotFoundError(
			fmt.Sprintf("approval %q not found", approval.ID),
		)
	}
	approval.UpdatedAt = time.Now().UTC()
	s.data.approvals[approval.ID] = approval
	return nil
}

// ListApprovals returns all approvals of an execution, oldest first.
func (s *MemoryStore) ListApprovals(_ context.Context, executionID string) ([]model.ProcessApproval, error) {
	s.rlock()
	defer s.runlock()

	var result []model.ProcessApproval
	for _, approval := range s.data.approvals {
		if approval.ExecutionID == executionID {
			result = append(result, approval)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// FindOverdueApprovals returns pending approvals past their due time.
func (s *MemoryStore) FindOverdueApprovals(_ context.Context, cutoff time.Time) ([]model.ProcessApproval, error) {
	s.rlock()
	defer s.runlock()

	var result []model.ProcessApproval
	for _, approval := range s.data.approvals {
		if approval.Status != model.ApprovalStatusPending {
			continue
		}
		if approval.DueAt == nil || !approval.DueAt.Before(cutoff) {
			continue
		}
		result = append(result, approval)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].DueAt.Before(*result[j].DueAt)
	})
	return result, nil
}

// CreateEscalation appends an escalation record.
func (s *MemoryStore) CreateEscalation(_ context.Context, esc model.ProcessEscalation) error {
	s.lock()
	defer s.unlock()

	s.data.escalations[esc.ExecutionID] = append(s.data.escalations[esc.ExecutionID], esc)
	return nil
}

// ListEscalations returns all escalations of an execution, oldest first.
func (s *MemoryStore) ListEscalations(_ context.Context, executionID string) ([]model.ProcessEscalation, error) {
	s.rlock()
	defer s.runlock()

	escs := s.data.escalations[executionID]
	result := make([]model.ProcessEscalation, len(escs))
	copy(result, escs)
	return result, nil
}

// AppendAudit appends one row to the audit trail.
func (s *MemoryStore) AppendAudit(_ context.Context, entry model.ProcessAuditLog) error {
	s.lock()
	defer s.unlock()

	s.data.audit[entry.ExecutionID] = append(s.data.audit[entry.ExecutionID], entry)
	return nil
}

// GetAuditTrail returns the audit trail of an execution in insertion order.
func (s *MemoryStore) GetAuditTrail(_ context.Context, executionID string) ([]model.ProcessAuditLog, error) {
	s.rlock()
	defer s.runlock()

	entries := s.data.audit[executionID]
	result := make([]model.ProcessAuditLog, len(entries))
	copy(result, entries)
	return result, nil
}

// HealthCheck always succeeds for the in-memory store.
func (s *MemoryStore) HealthCheck(_ context.Context) error {
	return nil
}

// Len returns the total number of executions. For testing.
func (s *MemoryStore) Len() int {
	s.rlock()
	defer s.runlock()
	return len(s.data.executions)
}

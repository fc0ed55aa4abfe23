package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/relaycrm/procengine/internal/definition"
	"github.com/relaycrm/procengine/internal/notify"
	"github.com/relaycrm/procengine/internal/observability"
	"github.com/relaycrm/procengine/internal/store"
	"github.com/relaycrm/procengine/model"
)

var testCaller = &model.Caller{ActorID: 42, IPAddress: "10.0.0.1", UserAgent: "test"}

func newTestEngine(st store.Store) *Engine {
	return NewEngine(
		definition.NewRegistry(nil),
		st,
		notify.NewLogNotifier(zap.NewNop()),
		zap.NewNop(),
		observability.InitMetrics(prometheus.NewRegistry()),
		0,
	)
}

// defWithSteps builds a definition with n sequential steps. When gatedLast is
// set, the final step requires approval by actor 9001.
func defWithSteps(n int, gatedLast bool) model.ProcessDefinition {
	approver := int64(9001)
	def := model.ProcessDefinition{
		Key:     "expense.approval",
		Name:    "Expense Approval",
		Version: 1,
	}
	for i := 1; i <= n; i++ {
		cfg := model.StepConfig{
			Key:  fmt.Sprintf("step-%d", i),
			Name: fmt.Sprintf("Step %d", i),
		}
		if gatedLast && i == n {
			cfg.RequiresApproval = true
			cfg.ApproverID = &approver
		}
		def.Steps = append(def.Steps, cfg)
	}
	return def
}

func auditEvents(t *testing.T, st store.Store, executionID string) []string {
	t.Helper()
	trail, err := st.GetAuditTrail(context.Background(), executionID)
	if err != nil {
		t.Fatalf("GetAuditTrail error: %v", err)
	}
	events := make([]string, len(trail))
	for i, row := range trail {
		events[i] = row.EventType
	}
	return events
}

func wantCode(t *testing.T, err error, code string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", code)
	}
	if got := model.ErrorCode(err); got != code {
		t.Fatalf("error code = %s, want %s (err: %v)", got, code, err)
	}
}

// --- StartExecution ---

func TestStartExecution(t *testing.T) {
	st := store.NewMemoryStore()
	eng := newTestEngine(st)

	def := defWithSteps(2, false)
	def.SLA = &model.SLAPolicy{TotalHours: 48}

	exec, err := eng.StartExecution(context.Background(), testCaller, def, 7, map[string]any{"amount": 99})
	if err != nil {
		t.Fatalf("StartExecution error: %v", err)
	}

	if exec.Status != model.ExecutionStatusInProgress {
		t.Errorf("Status = %q", exec.Status)
	}
	if exec.CurrentStep != 0 {
		t.Errorf("CurrentStep = %d, want 0", exec.CurrentStep)
	}
	if exec.InitiatorID != 42 {
		t.Errorf("InitiatorID = %d", exec.InitiatorID)
	}
	if exec.DueAt == nil {
		t.Error("DueAt should be set from the definition SLA")
	}
	if exec.DefinitionVersion != 1 {
		t.Errorf("DefinitionVersion = %d", exec.DefinitionVersion)
	}

	steps, _ := st.ListSteps(context.Background(), exec.ID)
	if len(steps) != 2 {
		t.Fatalf("materialized %d steps, want 2", len(steps))
	}
	for i, step := range steps {
		if step.Order != i+1 {
			t.Errorf("steps[%d].Order = %d", i, step.Order)
		}
		if step.Status != model.StepStatusPending {
			t.Errorf("steps[%d].Status = %q", i, step.Status)
		}
	}

	events := auditEvents(t, st, exec.ID)
	if len(events) != 1 || events[0] != model.EventExecutionStarted {
		t.Errorf("audit = %v, want [execution_started]", events)
	}
}

func TestStartExecution_emptyDefinition(t *testing.T) {
	st := store.NewMemoryStore()
	eng := newTestEngine(st)

	_, err := eng.StartExecution(context.Background(), testCaller, model.ProcessDefinition{Key: "empty"}, 7, nil)
	wantCode(t, err, model.ErrBadRequest)
}

// --- Step ordering ---

func TestExecuteNextStep_visitsStepsInOrder(t *testing.T) {
	st := store.NewMemoryStore()
	eng := newTestEngine(st)

	exec, _ := eng.StartExecution(context.Background(), testCaller, defWithSteps(3, false), 7, nil)

	var visited []int
	for {
		step, err := eng.ExecuteNextStep(context.Background(), testCaller, exec.ID)
		if err != nil {
			t.Fatalf("ExecuteNextStep error: %v", err)
		}
		if step == nil {
			break
		}
		visited = append(visited, step.Order)
		if _, err := eng.CompleteStep(context.Background(), testCaller, exec.ID, step.ID, nil); err != nil {
			t.Fatalf("CompleteStep error: %v", err)
		}
		got, _ := st.GetExecution(context.Background(), exec.ID)
		if model.IsExecutionTerminal(got.Status) {
			break
		}
	}

	if len(visited) != 3 {
		t.Fatalf("visited = %v, want 3 steps", visited)
	}
	for i, order := range visited {
		if order != i+1 {
			t.Errorf("visited[%d] = %d, want %d", i, order, i+1)
		}
	}
}

func TestExecuteNextStep_whileStepOpen(t *testing.T) {
	st := store.NewMemoryStore()
	eng := newTestEngine(st)

	exec, _ := eng.StartExecution(context.Background(), testCaller, defWithSteps(2, false), 7, nil)
	if _, err := eng.ExecuteNextStep(context.Background(), testCaller, exec.ID); err != nil {
		t.Fatalf("ExecuteNextStep error: %v", err)
	}

	// Step 1 is still in progress; step 2 must not start.
	_, err := eng.ExecuteNextStep(context.Background(), testCaller, exec.ID)
	wantCode(t, err, model.ErrConflict)

	// Exactly one step may be in progress at a time.
	steps, _ := st.ListSteps(context.Background(), exec.ID)
	inProgress := 0
	for _, step := range steps {
		if step.Status == model.StepStatusInProgress {
			inProgress++
		}
	}
	if inProgress != 1 {
		t.Errorf("steps in progress = %d, want 1", inProgress)
	}
	if steps[1].Status != model.StepStatusPending {
		t.Errorf("step 2 Status = %q, want pending", steps[1].Status)
	}
}

func TestExecuteNextStep_exhausted(t *testing.T) {
	st := store.NewMemoryStore()
	eng := newTestEngine(st)
	now := time.Now().UTC()

	// Execution whose steps are all done but whose status was never
	// finalized, e.g. after a crash between transactions.
	exec := model.ProcessExecution{
		ID: "exec-1", DefinitionKey: "expense.approval", DefinitionVersion: 1,
		Status: model.ExecutionStatusInProgress, CurrentStep: 1,
		StartedAt: now, Version: 1, CreatedAt: now, UpdatedAt: now,
	}
	_ = st.CreateExecution(context.Background(), exec)
	_ = st.CreateSteps(context.Background(), []model.ProcessExecutionStep{{
		ID: "step-1", ExecutionID: "exec-1", Key: "only", Name: "Only", Order: 1,
		Status: model.StepStatusCompleted, CreatedAt: now, UpdatedAt: now,
	}})

	step, err := eng.ExecuteNextStep(context.Background(), testCaller, "exec-1")
	if err != nil {
		t.Fatalf("ExecuteNextStep error: %v", err)
	}
	if step != nil {
		t.Fatalf("step = %+v, want nil when exhausted", step)
	}
	got, _ := st.GetExecution(context.Background(), "exec-1")
	if got.Status != model.ExecutionStatusCompleted {
		t.Errorf("Status = %q, want completed", got.Status)
	}
}

// --- ExecuteStep validation ---

func TestExecuteStep_requiresPendingStep(t *testing.T) {
	st := store.NewMemoryStore()
	eng := newTestEngine(st)

	exec, _ := eng.StartExecution(context.Background(), testCaller, defWithSteps(1, false), 7, nil)
	step, _ := eng.ExecuteNextStep(context.Background(), testCaller, exec.ID)

	// Starting an already-started step is rejected, not silently rewritten.
	_, err := eng.ExecuteStep(context.Background(), testCaller, exec.ID, step.ID)
	wantCode(t, err, model.ErrInvalidTransition)
}

func TestExecuteStep_terminalExecution(t *testing.T) {
	st := store.NewMemoryStore()
	eng := newTestEngine(st)

	exec, _ := eng.StartExecution(context.Background(), testCaller, defWithSteps(1, false), 7, nil)
	step, _ := eng.ExecuteNextStep(context.Background(), testCaller, exec.ID)
	_, _ = eng.CompleteStep(context.Background(), testCaller, exec.ID, step.ID, nil)

	steps, _ := st.ListSteps(context.Background(), exec.ID)
	_, err := eng.ExecuteStep(context.Background(), testCaller, exec.ID, steps[0].ID)
	wantCode(t, err, model.ErrInvalidTransition)
}

// --- Completion consistency ---

func TestCompleteStep_completionRecomputedEachTime(t *testing.T) {
	for n := 1; n <= 5; n++ {
		st := store.NewMemoryStore()
		eng := newTestEngine(st)

		exec, _ := eng.StartExecution(context.Background(), testCaller, defWithSteps(n, false), 7, nil)
		for i := 1; i <= n; i++ {
			step, err := eng.ExecuteNextStep(context.Background(), testCaller, exec.ID)
			if err != nil {
				t.Fatalf("n=%d step=%d ExecuteNextStep: %v", n, i, err)
			}
			if _, err := eng.CompleteStep(context.Background(), testCaller, exec.ID, step.ID, nil); err != nil {
				t.Fatalf("n=%d step=%d CompleteStep: %v", n, i, err)
			}

			got, _ := st.GetExecution(context.Background(), exec.ID)
			if i < n && got.Status != model.ExecutionStatusInProgress {
				t.Errorf("n=%d after step %d: Status = %q, want in_progress", n, i, got.Status)
			}
			if i == n && got.Status != model.ExecutionStatusCompleted {
				t.Errorf("n=%d after last step: Status = %q, want completed", n, got.Status)
			}
		}
	}
}

func TestCompleteStep_mixedStepStates(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for trial := 0; trial < 50; trial++ {
		st := store.NewMemoryStore()
		eng := newTestEngine(st)
		now := time.Now().UTC()

		// Random mix of completed and pending steps around one step in
		// progress; completing it must complete the execution exactly when
		// no other step remains open.
		n := 2 + rng.Intn(5)
		target := rng.Intn(n)
		execID := fmt.Sprintf("exec-%d", trial)
		_ = st.CreateExecution(context.Background(), model.ProcessExecution{
			ID: execID, DefinitionKey: "expense.approval", DefinitionVersion: 1,
			Status: model.ExecutionStatusInProgress, CurrentStep: target + 1,
			StartedAt: now, Version: 1, CreatedAt: now, UpdatedAt: now,
		})

		openOthers := 0
		steps := make([]model.ProcessExecutionStep, 0, n)
		for i := 0; i < n; i++ {
			status := model.StepStatusCompleted
			switch {
			case i == target:
				status = model.StepStatusInProgress
			case rng.Intn(2) == 0:
				status = model.StepStatusPending
				openOthers++
			}
			steps = append(steps, model.ProcessExecutionStep{
				ID: fmt.Sprintf("step-%d-%d", trial, i+1), ExecutionID: execID,
				Key: fmt.Sprintf("step-%d", i+1), Name: fmt.Sprintf("Step %d", i+1),
				Order: i + 1, Status: status, CreatedAt: now, UpdatedAt: now,
			})
		}
		_ = st.CreateSteps(context.Background(), steps)

		if _, err := eng.CompleteStep(context.Background(), testCaller, execID, steps[target].ID, nil); err != nil {
			t.Fatalf("trial %d: CompleteStep error: %v", trial, err)
		}

		got, _ := st.GetExecution(context.Background(), execID)
		want := model.ExecutionStatusInProgress
		if openOthers == 0 {
			want = model.ExecutionStatusCompleted
		}
		if got.Status != want {
			t.Errorf("trial %d: %d other open steps, Status = %q, want %q",
				trial, openOthers, got.Status, want)
		}
	}
}

func TestFailStep_failsExecution(t *testing.T) {
	st := store.NewMemoryStore()
	eng := newTestEngine(st)

	exec, _ := eng.StartExecution(context.Background(), testCaller, defWithSteps(2, false), 7, nil)
	step, _ := eng.ExecuteNextStep(context.Background(), testCaller, exec.ID)

	failed, err := eng.FailStep(context.Background(), testCaller, exec.ID, step.ID, "ledger unavailable")
	if err != nil {
		t.Fatalf("FailStep error: %v", err)
	}
	if failed.Status != model.StepStatusFailed {
		t.Errorf("step Status = %q", failed.Status)
	}

	got, _ := st.GetExecution(context.Background(), exec.ID)
	if got.Status != model.ExecutionStatusFailed {
		t.Errorf("execution Status = %q, want failed", got.Status)
	}
	if got.ErrorMessage == "" {
		t.Error("execution ErrorMessage should reference the failed step")
	}

	// Failure is terminal; the remaining step cannot advance.
	_, err = eng.ExecuteNextStep(context.Background(), testCaller, exec.ID)
	wantCode(t, err, model.ErrInvalidTransition)
}

// --- Approval gate ---

func TestApproveStep_completesStepAndExecution(t *testing.T) {
	for n := 1; n <= 4; n++ {
		st := store.NewMemoryStore()
		eng := newTestEngine(st)

		exec, _ := eng.StartExecution(context.Background(), testCaller, defWithSteps(n, true), 7, nil)
		for i := 1; i < n; i++ {
			step, _ := eng.ExecuteNextStep(context.Background(), testCaller, exec.ID)
			_, _ = eng.CompleteStep(context.Background(), testCaller, exec.ID, step.ID, nil)
		}

		gated, err := eng.ExecuteNextStep(context.Background(), testCaller, exec.ID)
		if err != nil {
			t.Fatalf("n=%d ExecuteNextStep: %v", n, err)
		}

		got, _ := st.GetExecution(context.Background(), exec.ID)
		if got.Status != model.ExecutionStatusAwaitingApproval {
			t.Fatalf("n=%d Status = %q, want awaiting_approval", n, got.Status)
		}

		approvals, _ := st.ListApprovals(context.Background(), exec.ID)
		if len(approvals) != 1 || approvals[0].Status != model.ApprovalStatusPending {
			t.Fatalf("n=%d approvals = %v", n, approvals)
		}

		if _, err := eng.ApproveStep(context.Background(), testCaller, approvals[0].ID, 9001, "ok"); err != nil {
			t.Fatalf("n=%d ApproveStep: %v", n, err)
		}

		stepAfter, _ := st.GetStep(context.Background(), exec.ID, gated.ID)
		if stepAfter.Status != model.StepStatusCompleted {
			t.Errorf("n=%d gated step Status = %q, want completed", n, stepAfter.Status)
		}
		got, _ = st.GetExecution(context.Background(), exec.ID)
		if got.Status != model.ExecutionStatusCompleted {
			t.Errorf("n=%d execution Status = %q, want completed", n, got.Status)
		}
	}
}

func TestApproveStep_alreadyDecided(t *testing.T) {
	st := store.NewMemoryStore()
	eng := newTestEngine(st)

	exec, _ := eng.StartExecution(context.Background(), testCaller, defWithSteps(1, true), 7, nil)
	_, _ = eng.ExecuteNextStep(context.Background(), testCaller, exec.ID)
	approvals, _ := st.ListApprovals(context.Background(), exec.ID)
	_, _ = eng.ApproveStep(context.Background(), testCaller, approvals[0].ID, 9001, "ok")

	_, err := eng.ApproveStep(context.Background(), testCaller, approvals[0].ID, 9001, "again")
	wantCode(t, err, model.ErrInvalidTransition)
}

func TestRejectStep_failsExecution(t *testing.T) {
	st := store.NewMemoryStore()
	eng := newTestEngine(st)

	exec, _ := eng.StartExecution(context.Background(), testCaller, defWithSteps(1, true), 7, nil)
	gated, _ := eng.ExecuteNextStep(context.Background(), testCaller, exec.ID)
	approvals, _ := st.ListApprovals(context.Background(), exec.ID)

	rejected, err := eng.RejectStep(context.Background(), testCaller, approvals[0].ID, 9001, "not justified")
	if err != nil {
		t.Fatalf("RejectStep error: %v", err)
	}
	if rejected.Status != model.ApprovalStatusRejected {
		t.Errorf("approval Status = %q", rejected.Status)
	}

	got, _ := st.GetExecution(context.Background(), exec.ID)
	if got.Status != model.ExecutionStatusFailed {
		t.Errorf("execution Status = %q, want failed", got.Status)
	}
	if got.ErrorMessage != "Approval rejected" {
		t.Errorf("ErrorMessage = %q", got.ErrorMessage)
	}

	// The gated step keeps its status; only the execution fails.
	stepAfter, _ := st.GetStep(context.Background(), exec.ID, gated.ID)
	if stepAfter.Status != model.StepStatusInProgress {
		t.Errorf("gated step Status = %q, want in_progress", stepAfter.Status)
	}
}

// --- Audit trail ---

func TestAudit_twoStepScenario(t *testing.T) {
	st := store.NewMemoryStore()
	eng := newTestEngine(st)

	exec, _ := eng.StartExecution(context.Background(), testCaller, defWithSteps(2, false), 7, nil)
	for i := 0; i < 2; i++ {
		step, err := eng.ExecuteNextStep(context.Background(), testCaller, exec.ID)
		if err != nil {
			t.Fatalf("ExecuteNextStep: %v", err)
		}
		if _, err := eng.CompleteStep(context.Background(), testCaller, exec.ID, step.ID, nil); err != nil {
			t.Fatalf("CompleteStep: %v", err)
		}
	}

	got, _ := st.GetExecution(context.Background(), exec.ID)
	if got.Status != model.ExecutionStatusCompleted {
		t.Fatalf("Status = %q, want completed", got.Status)
	}

	want := []string{
		model.EventExecutionStarted,
		model.EventStepStarted,
		model.EventStepCompleted,
		model.EventStepStarted,
		model.EventStepCompleted,
		model.EventExecutionCompleted,
	}
	events := auditEvents(t, st, exec.ID)
	if len(events) != len(want) {
		t.Fatalf("audit = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("audit[%d] = %q, want %q", i, events[i], want[i])
		}
	}
}

func TestAudit_approvalRejectScenario(t *testing.T) {
	st := store.NewMemoryStore()
	eng := newTestEngine(st)

	exec, _ := eng.StartExecution(context.Background(), testCaller, defWithSteps(1, true), 7, nil)
	_, _ = eng.ExecuteNextStep(context.Background(), testCaller, exec.ID)
	approvals, _ := st.ListApprovals(context.Background(), exec.ID)
	_, _ = eng.RejectStep(context.Background(), testCaller, approvals[0].ID, 9001, "no")

	want := []string{
		model.EventExecutionStarted,
		model.EventStepStarted,
		model.EventApprovalRequested,
		model.EventApprovalRejected,
	}
	events := auditEvents(t, st, exec.ID)
	if len(events) != len(want) {
		t.Fatalf("audit = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("audit[%d] = %q, want %q", i, events[i], want[i])
		}
	}
}

func TestAudit_rowsPerOperation(t *testing.T) {
	st := store.NewMemoryStore()
	eng := newTestEngine(st)

	exec, _ := eng.StartExecution(context.Background(), testCaller, defWithSteps(3, false), 7, nil)
	count := func() int { return len(auditEvents(t, st, exec.ID)) }

	if count() != 1 {
		t.Fatalf("after start: %d rows, want 1", count())
	}

	step, _ := eng.ExecuteNextStep(context.Background(), testCaller, exec.ID)
	if count() != 2 {
		t.Errorf("after step start: %d rows, want 2", count())
	}

	_, _ = eng.CompleteStep(context.Background(), testCaller, exec.ID, step.ID, nil)
	if count() != 3 {
		t.Errorf("after step complete: %d rows, want 3", count())
	}

	_, _ = eng.Escalate(context.Background(), testCaller, exec.ID, 9002, 42, "stalled", "", "")
	if count() != 4 {
		t.Errorf("after escalate: %d rows, want 4", count())
	}

	_, _ = eng.Rollback(context.Background(), testCaller, exec.ID, 42, map[string]any{"why": "abandoned"})
	if count() != 5 {
		t.Errorf("after rollback: %d rows, want 5", count())
	}
}

func TestAudit_appendOnly(t *testing.T) {
	st := store.NewMemoryStore()
	eng := newTestEngine(st)

	exec, _ := eng.StartExecution(context.Background(), testCaller, defWithSteps(2, false), 7, nil)
	step, _ := eng.ExecuteNextStep(context.Background(), testCaller, exec.ID)

	before, _ := st.GetAuditTrail(context.Background(), exec.ID)

	_, _ = eng.CompleteStep(context.Background(), testCaller, exec.ID, step.ID, nil)
	step2, _ := eng.ExecuteNextStep(context.Background(), testCaller, exec.ID)
	_, _ = eng.CompleteStep(context.Background(), testCaller, exec.ID, step2.ID, nil)

	after, _ := st.GetAuditTrail(context.Background(), exec.ID)
	if len(after) <= len(before) {
		t.Fatalf("trail should have grown: %d -> %d", len(before), len(after))
	}
	for i, row := range before {
		if after[i].ID != row.ID || after[i].EventType != row.EventType || !after[i].CreatedAt.Equal(row.CreatedAt) {
			t.Errorf("row %d changed: %+v -> %+v", i, row, after[i])
		}
	}
}

func TestAudit_snapshotsCaptureTransition(t *testing.T) {
	st := store.NewMemoryStore()
	eng := newTestEngine(st)

	exec, _ := eng.StartExecution(context.Background(), testCaller, defWithSteps(1, true), 7, nil)
	_, _ = eng.ExecuteNextStep(context.Background(), testCaller, exec.ID)

	trail, _ := st.GetAuditTrail(context.Background(), exec.ID)
	// The step-start row must capture the pre-mutation status.
	stepStarted := trail[1]
	if stepStarted.Before.Status != model.ExecutionStatusInProgress {
		t.Errorf("Before.Status = %q, want in_progress", stepStarted.Before.Status)
	}
	if stepStarted.After.Status != model.ExecutionStatusAwaitingApproval {
		t.Errorf("After.Status = %q, want awaiting_approval", stepStarted.After.Status)
	}
}

// --- Escalation ---

func TestEscalate_completedExecution(t *testing.T) {
	st := store.NewMemoryStore()
	eng := newTestEngine(st)

	exec, _ := eng.StartExecution(context.Background(), testCaller, defWithSteps(1, false), 7, nil)
	step, _ := eng.ExecuteNextStep(context.Background(), testCaller, exec.ID)
	_, _ = eng.CompleteStep(context.Background(), testCaller, exec.ID, step.ID, nil)

	// Escalating a terminal execution is allowed and still recorded.
	esc, err := eng.Escalate(context.Background(), testCaller, exec.ID, 9002, 42, "post-hoc review", "", "")
	if err != nil {
		t.Fatalf("Escalate error: %v", err)
	}
	if esc.EscalatedTo != 9002 || esc.Resolved {
		t.Errorf("escalation = %+v", esc)
	}

	got, _ := st.GetExecution(context.Background(), exec.ID)
	if got.Status != model.ExecutionStatusEscalated {
		t.Errorf("Status = %q, want escalated", got.Status)
	}

	escs, _ := st.ListEscalations(context.Background(), exec.ID)
	if len(escs) != 1 {
		t.Errorf("escalations = %d, want 1", len(escs))
	}
}

func TestEscalate_accumulatesHistory(t *testing.T) {
	st := store.NewMemoryStore()
	eng := newTestEngine(st)

	exec, _ := eng.StartExecution(context.Background(), testCaller, defWithSteps(2, false), 7, nil)
	_, _ = eng.Escalate(context.Background(), testCaller, exec.ID, 9002, 42, "first", "", "")
	_, _ = eng.Escalate(context.Background(), testCaller, exec.ID, 9003, 42, "second", "", "")

	escs, _ := st.ListEscalations(context.Background(), exec.ID)
	if len(escs) != 2 {
		t.Fatalf("escalations = %d, want 2", len(escs))
	}
	if escs[0].Reason != "first" || escs[1].Reason != "second" {
		t.Errorf("history order: %v", escs)
	}
}

// --- Rollback ---

func TestRollback(t *testing.T) {
	st := store.NewMemoryStore()
	eng := newTestEngine(st)

	exec, _ := eng.StartExecution(context.Background(), testCaller, defWithSteps(2, false), 7, nil)

	rolled, err := eng.Rollback(context.Background(), testCaller, exec.ID, 42, map[string]any{"reason": "duplicate"})
	if err != nil {
		t.Fatalf("Rollback error: %v", err)
	}
	if rolled.Status != model.ExecutionStatusRolledBack {
		t.Errorf("Status = %q", rolled.Status)
	}
	if rolled.State["rollback"] == nil {
		t.Error("rollback payload should be stored on the execution")
	}
}

func TestRollback_afterFailure(t *testing.T) {
	st := store.NewMemoryStore()
	eng := newTestEngine(st)

	exec, _ := eng.StartExecution(context.Background(), testCaller, defWithSteps(1, false), 7, nil)
	step, _ := eng.ExecuteNextStep(context.Background(), testCaller, exec.ID)
	_, _ = eng.FailStep(context.Background(), testCaller, exec.ID, step.ID, "boom")

	if _, err := eng.Rollback(context.Background(), testCaller, exec.ID, 42, nil); err != nil {
		t.Fatalf("Rollback after failure error: %v", err)
	}
}

func TestRollback_completedExecution(t *testing.T) {
	st := store.NewMemoryStore()
	eng := newTestEngine(st)

	exec, _ := eng.StartExecution(context.Background(), testCaller, defWithSteps(1, false), 7, nil)
	step, _ := eng.ExecuteNextStep(context.Background(), testCaller, exec.ID)
	_, _ = eng.CompleteStep(context.Background(), testCaller, exec.ID, step.ID, nil)

	_, err := eng.Rollback(context.Background(), testCaller, exec.ID, 42, nil)
	wantCode(t, err, model.ErrInvalidTransition)
}

// --- Atomicity ---

// auditFailStore wraps a Store and fails audit appends on demand, simulating
// a mid-transaction persistence failure.
type auditFailStore struct {
	store.Store
	fail bool
}

func (s *auditFailStore) Transact(ctx context.Context, fn func(ctx context.Context, tx store.Store) error) error {
	return s.Store.Transact(ctx, func(ctx context.Context, tx store.Store) error {
		return fn(ctx, &auditFailStore{Store: tx, fail: s.fail})
	})
}

func (s *auditFailStore) AppendAudit(ctx context.Context, entry model.ProcessAuditLog) error {
	if s.fail {
		return errors.New("audit store unavailable")
	}
	return s.Store.AppendAudit(ctx, entry)
}

func TestStartExecution_atomicWithAudit(t *testing.T) {
	mem := store.NewMemoryStore()
	eng := newTestEngine(&auditFailStore{Store: mem, fail: true})

	_, err := eng.StartExecution(context.Background(), testCaller, defWithSteps(2, false), 7, nil)
	if err == nil {
		t.Fatal("expected error when audit append fails")
	}

	// Nothing may be committed if the audit row cannot be written.
	if mem.Len() != 0 {
		t.Errorf("executions committed = %d, want 0", mem.Len())
	}
}

// --- Read surface ---

func TestGetExecution_descriptor(t *testing.T) {
	st := store.NewMemoryStore()
	eng := newTestEngine(st)

	exec, _ := eng.StartExecution(context.Background(), testCaller, defWithSteps(2, true), 7, nil)
	_, _ = eng.ExecuteNextStep(context.Background(), testCaller, exec.ID)

	desc, err := eng.GetExecution(context.Background(), exec.ID)
	if err != nil {
		t.Fatalf("GetExecution error: %v", err)
	}
	if desc.Execution.ID != exec.ID {
		t.Errorf("Execution.ID = %q", desc.Execution.ID)
	}
	if len(desc.Steps) != 2 {
		t.Errorf("Steps = %d, want 2", len(desc.Steps))
	}
	if len(desc.History) != 2 {
		t.Errorf("History = %d rows, want 2", len(desc.History))
	}
}

func TestListExecutions(t *testing.T) {
	st := store.NewMemoryStore()
	eng := newTestEngine(st)

	for i := 0; i < 3; i++ {
		_, _ = eng.StartExecution(context.Background(), testCaller, defWithSteps(1, false), 7, nil)
	}

	summaries, total, err := eng.ListExecutions(context.Background(), model.ExecutionFilters{
		DefinitionKey: "expense.approval",
	})
	if err != nil {
		t.Fatalf("ListExecutions error: %v", err)
	}
	if total != 3 || len(summaries) != 3 {
		t.Fatalf("total = %d, len = %d, want 3, 3", total, len(summaries))
	}
	for _, s := range summaries {
		if s.Status != model.ExecutionStatusInProgress {
			t.Errorf("summary Status = %q", s.Status)
		}
	}
}

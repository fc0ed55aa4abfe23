// Package sweep implements the SLA sweeper: a periodic background pass that
// escalates overdue executions and approvals and fails steps that exceeded
// their window. All mutations go through the engine so the usual transition
// checks and audit rows apply.
package sweep

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/relaycrm/procengine/internal/engine"
	"github.com/relaycrm/procengine/internal/observability"
	"github.com/relaycrm/procengine/internal/store"
	"github.com/relaycrm/procengine/model"
)

// DefaultInterval is used when no sweep interval is configured.
const DefaultInterval = 60 * time.Second

// Sweeper scans for SLA breaches on a fixed interval.
type Sweeper struct {
	engine     *engine.Engine
	store      store.Store
	logger     *zap.Logger
	metrics    *observability.Metrics
	escalateTo int64
	interval   time.Duration
}

// New creates a sweeper. escalateTo is the identity that receives
// SLA-breach escalations.
func New(
	eng *engine.Engine,
	st store.Store,
	logger *zap.Logger,
	metrics *observability.Metrics,
	escalateTo int64,
	interval time.Duration,
) *Sweeper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Sweeper{
		engine:     eng,
		store:      st,
		logger:     logger,
		metrics:    metrics,
		escalateTo: escalateTo,
		interval:   interval,
	}
}

// Run sweeps on the configured interval until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Error("sla sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep performs one pass and returns the number of records handled.
// Individual record failures are logged and skipped; the pass keeps going.
func (s *Sweeper) Sweep(ctx context.Context) (handled int, err error) {
	now := time.Now().UTC()

	defer func() {
		status := "ok"
		if err != nil {
			status = "error"
		}
		s.metrics.RecordSweep(status, handled)
	}()

	n, err := s.sweepExecutions(ctx, now)
	handled += n
	if err != nil {
		return handled, err
	}

	n, err = s.sweepSteps(ctx, now)
	handled += n
	if err != nil {
		return handled, err
	}

	n, err = s.sweepApprovals(ctx, now)
	handled += n
	if err != nil {
		return handled, err
	}

	if handled > 0 {
		s.logger.Info("sla sweep completed", zap.Int("handled", handled))
	}
	return handled, nil
}

// sweepExecutions escalates executions past their overall due time. An
// execution already ESCALATED stays with its current owner; re-escalating it
// every interval would only generate noise.
func (s *Sweeper) sweepExecutions(ctx context.Context, now time.Time) (int, error) {
	overdue, err := s.store.FindOverdueExecutions(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("find overdue executions: %w", err)
	}

	handled := 0
	for _, exec := range overdue {
		if exec.Status == model.ExecutionStatusEscalated {
			continue
		}
		reason := fmt.Sprintf("execution overdue since %s", exec.DueAt.Format(time.RFC3339))
		if _, err := s.engine.Escalate(ctx, nil, exec.ID, s.escalateTo, 0, reason, "", ""); err != nil {
			s.logger.Warn("escalating overdue execution failed",
				zap.String("execution_id", exec.ID),
				zap.Error(err),
			)
			continue
		}
		handled++
	}
	return handled, nil
}

// sweepSteps fails IN_PROGRESS steps past their due time.
func (s *Sweeper) sweepSteps(ctx context.Context, now time.Time) (int, error) {
	overdue, err := s.store.FindOverdueSteps(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("find overdue steps: %w", err)
	}

	handled := 0
	for _, step := range overdue {
		msg := fmt.Sprintf("step overdue since %s", step.DueAt.Format(time.RFC3339))
		if _, err := s.engine.FailStep(ctx, nil, step.ExecutionID, step.ID, msg); err != nil {
			s.logger.Warn("failing overdue step failed",
				zap.String("execution_id", step.ExecutionID),
				zap.String("step_id", step.ID),
				zap.Error(err),
			)
			continue
		}
		handled++
	}
	return handled, nil
}

// sweepApprovals escalates executions whose pending approval blew its window.
// The approval itself stays PENDING so the decision remains possible.
func (s *Sweeper) sweepApprovals(ctx context.Context, now time.Time) (int, error) {
	overdue, err := s.store.FindOverdueApprovals(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("find overdue approvals: %w", err)
	}

	handled := 0
	for _, approval := range overdue {
		exec, err := s.store.GetExecution(ctx, approval.ExecutionID)
		if err != nil {
			s.logger.Warn("loading execution for overdue approval failed",
				zap.String("approval_id", approval.ID),
				zap.Error(err),
			)
			continue
		}
		if exec.Status == model.ExecutionStatusEscalated || model.IsExecutionTerminal(exec.Status) {
			continue
		}
		reason := fmt.Sprintf("approval overdue since %s", approval.DueAt.Format(time.RFC3339))
		if _, err := s.engine.Escalate(ctx, nil, exec.ID, s.escalateTo, 0, reason, approval.StepID, ""); err != nil {
			s.logger.Warn("escalating overdue approval failed",
				zap.String("approval_id", approval.ID),
				zap.Error(err),
			)
			continue
		}
		handled++
	}
	return handled, nil
}

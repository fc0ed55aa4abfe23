package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/relaycrm/procengine/internal/store"
	"github.com/relaycrm/procengine/model"
)

// snapshotOf captures the minimal observable execution state for an audit
// row. Callers must take the "before" snapshot prior to mutating the
// execution, never re-read it afterwards.
func snapshotOf(exec model.ProcessExecution) model.StateSnapshot {
	return model.StateSnapshot{Status: exec.Status}
}

// appendAudit fills in identity and timing on an audit row and appends it
// inside the open transaction. Audit rows are write-once: no engine path
// updates or deletes them.
func (e *Engine) appendAudit(ctx context.Context, tx store.Store, caller *model.Caller, entry model.ProcessAuditLog) error {
	entry.ID = uuid.New().String()
	entry.ActorID = caller.AuditActor()
	entry.IPAddress = caller.IPAddress
	entry.UserAgent = caller.UserAgent
	entry.CreatedAt = time.Now().UTC()

	if err := tx.AppendAudit(ctx, entry); err != nil {
		return fmt.Errorf("append audit row: %w", err)
	}
	e.metrics.RecordAuditAppend(entry.EventType)
	return nil
}

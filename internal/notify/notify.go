package notify

import (
	"context"

	"go.uber.org/zap"
)

// Notification kinds.
const (
	KindApprovalRequested   = "approval_requested"
	KindEscalationTriggered = "escalation_triggered"
)

// Notification is one outbound message about an engine event. Recipient is
// nil when the event has no assigned owner yet (unassigned approvals).
type Notification struct {
	Kind        string
	ExecutionID string
	StepID      string
	Recipient   *int64
	Message     string
}

// Notifier delivers notifications about engine events. Delivery is
// best-effort: implementations must not fail the operation that produced the
// event, so Notify returns nothing.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// LogNotifier is a Notifier that writes notifications to the log instead of
// delivering them. Used until a real messaging integration is configured.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a log-backed Notifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Notify logs the notification at info level.
func (n *LogNotifier) Notify(_ context.Context, note Notification) {
	fields := []zap.Field{
		zap.String("kind", note.Kind),
		zap.String("execution_id", note.ExecutionID),
	}
	if note.StepID != "" {
		fields = append(fields, zap.String("step_id", note.StepID))
	}
	if note.Recipient != nil {
		fields = append(fields, zap.Int64("recipient", *note.Recipient))
	}
	n.logger.Info(note.Message, fields...)
}

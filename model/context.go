package model

import "context"

// Caller carries the acting identity and network metadata for the lifetime
// of one engine call. Identity is an opaque integer resolved by the external
// identity collaborator; the engine performs no authorization itself. It is
// immutable after construction and safe for concurrent reads.
type Caller struct {
	ActorID       int64
	IPAddress     string
	UserAgent     string
	CorrelationID string

	// System marks events triggered by background jobs rather than a user.
	// Audit rows for system callers carry a nil actor.
	System bool
}

// SystemCaller returns a Caller for engine-internal or scheduled-job
// mutations.
func SystemCaller() *Caller {
	return &Caller{System: true}
}

// AuditActor returns the actor identity to record on audit rows, or nil for
// system-triggered events.
func (c *Caller) AuditActor() *int64 {
	if c == nil || c.System {
		return nil
	}
	id := c.ActorID
	return &id
}

type callerKey struct{}

// WithCaller attaches a Caller to the given context.
func WithCaller(ctx context.Context, caller *Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// CallerFrom extracts the Caller from the context, or returns nil if not
// present.
func CallerFrom(ctx context.Context) *Caller {
	caller, _ := ctx.Value(callerKey{}).(*Caller)
	return caller
}

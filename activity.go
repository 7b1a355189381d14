package identity

import (
	"context"
	"time"
)

// ActivityEventType enumerates the identity events reported to an ActivitySink.
type ActivityEventType string

const (
	ActivityEventAccountCreated ActivityEventType = "identity.account.created"
	ActivityEventLogin          ActivityEventType = "identity.login"
	ActivityEventLoginFailure   ActivityEventType = "identity.login.failure"
	ActivityEventLinkAdded      ActivityEventType = "identity.link.added"
	ActivityEventLinkRemoved    ActivityEventType = "identity.link.removed"
)

// ActivityEvent captures audit-friendly information about an identity action.
type ActivityEvent struct {
	EventType  ActivityEventType
	AccountID  string
	Provider   ProviderID
	Metadata   map[string]any
	OccurredAt time.Time
}

// ActivitySink consumes activity events for auditing/telemetry purposes.
type ActivitySink interface {
	Record(ctx context.Context, event ActivityEvent) error
}

// ActivitySinkFunc adapts a function to the ActivitySink interface.
type ActivitySinkFunc func(ctx context.Context, event ActivityEvent) error

// Record implements ActivitySink.
func (f ActivitySinkFunc) Record(ctx context.Context, event ActivityEvent) error {
	if f == nil {
		return nil
	}
	return f(ctx, event)
}

type noopActivitySink struct{}

func (noopActivitySink) Record(context.Context, ActivityEvent) error {
	return nil
}

func normalizeActivitySink(s ActivitySink) ActivitySink {
	if s == nil {
		return noopActivitySink{}
	}
	return s
}

// recordActivity is best effort: sink failures are logged and never abort
// the use case that produced the event.
func recordActivity(ctx context.Context, sink ActivitySink, logger Logger, event ActivityEvent) {
	if event.Metadata == nil {
		event.Metadata = map[string]any{}
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}
	if err := normalizeActivitySink(sink).Record(ctx, event); err != nil {
		logger.Warn("activity sink record error",
			"event", string(event.EventType),
			"error", err,
		)
	}
}

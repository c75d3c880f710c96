package auth

import (
	"context"
	"time"
)

// ActivityEventType enumerates supported activity categories.
type ActivityEventType string

const (
	ActivityEventLoginSuccess    ActivityEventType = "auth.login.success"
	ActivityEventLoginFailure    ActivityEventType = "auth.login.failure"
	ActivityEventLoginBlocked    ActivityEventType = "auth.login.blocked"
	ActivityEventLogout          ActivityEventType = "auth.logout"
	ActivityEventPasswordUpdated ActivityEventType = "auth.password.updated"
	ActivityEventObserverStarted ActivityEventType = "auth.observer.started"
	ActivityEventObserverStopped ActivityEventType = "auth.observer.stopped"
	ActivityEventPlanGraceNotice ActivityEventType = "plan.grace.notified"
	ActivityEventPlanDowngraded  ActivityEventType = "plan.downgraded"
)

// ActorRef identifies who/what triggered an action.
type ActorRef struct {
	ID   string
	Type string
}

// SystemActor is the actor used for automatic lifecycle transitions
var SystemActor = ActorRef{ID: "system", Type: "system"}

// ActivityEvent captures audit-friendly information about an action.
type ActivityEvent struct {
	EventType  ActivityEventType
	Actor      ActorRef
	UserID     string
	CompanyID  string
	From       string
	To         string
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

func recordActivity(ctx context.Context, sink ActivitySink, logger Logger, now func() time.Time, event ActivityEvent) {
	if sink == nil {
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = now()
	}
	if err := sink.Record(ctx, event); err != nil && logger != nil {
		logger.Warn("activity sink failed", "event", event.EventType, "error", err)
	}
}

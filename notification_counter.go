package auth

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// CounterOption customizes a NotificationCounter.
type CounterOption func(*NotificationCounter)

// WithCounterExcludedTypes overrides the conversational types left out of the count.
func WithCounterExcludedTypes(types ...NotificationType) CounterOption {
	return func(c *NotificationCounter) {
		c.exclude = append([]NotificationType(nil), types...)
	}
}

// WithCounterLogger overrides the logger.
func WithCounterLogger(logger Logger) CounterOption {
	return func(c *NotificationCounter) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithCounterMetrics sets the metrics recorder.
func WithCounterMetrics(m MetricsRecorder) CounterOption {
	return func(c *NotificationCounter) {
		c.metrics = normalizeMetrics(m)
	}
}

// NotificationCounter holds the unread notification count of the current user.
//
// Callers that apply an optimistic local change set the suppression flag
// for the duration of the round trip; the flag is never cleared here.
type NotificationCounter struct {
	repo    NotificationRepository
	exclude []NotificationType
	logger  Logger
	metrics MetricsRecorder

	mu         sync.RWMutex
	count      int
	suppressed bool

	listeners listenerSet[func(int)]
}

// NewNotificationCounter returns a counter reading from repo
func NewNotificationCounter(repo NotificationRepository, opts ...CounterOption) *NotificationCounter {
	c := &NotificationCounter{
		repo:    repo,
		exclude: append([]NotificationType(nil), ConversationalTypes...),
		logger:  newDefLogger("notification_counter"),
		metrics: noopMetrics{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Refresh replaces the count with the store's exact count of unread
// notifications for userID. The result is dropped if ctx is done by the
// time the count returns.
func (c *NotificationCounter) Refresh(ctx context.Context, userID uuid.UUID) error {
	return c.refresh(ctx, userID, false)
}

// RefreshUnlessSuppressed is Refresh for recounts triggered by pushes and
// reloads. It does nothing while suppressed and drops a count that returns
// after suppression started.
func (c *NotificationCounter) RefreshUnlessSuppressed(ctx context.Context, userID uuid.UUID) error {
	return c.refresh(ctx, userID, true)
}

func (c *NotificationCounter) refresh(ctx context.Context, userID uuid.UUID, guarded bool) error {
	if userID == uuid.Nil {
		return ErrNoSession
	}
	if guarded && c.Suppressed() {
		return nil
	}

	n, err := c.repo.CountUnread(ctx, userID, c.exclude)
	if err != nil {
		c.logger.Warn("failed to count unread notifications", "user_id", userID, "error", err)
		return err
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if guarded && c.Suppressed() {
		c.logger.Debug("dropping unread count during suppression", "user_id", userID)
		return nil
	}

	c.Set(n)
	return nil
}

// Set stores n, used for optimistic updates and resets
func (c *NotificationCounter) Set(n int) {
	if n < 0 {
		n = 0
	}
	c.mu.Lock()
	changed := c.count != n
	c.count = n
	c.mu.Unlock()

	c.metrics.UnreadCount(n)
	if changed {
		for _, fn := range c.listeners.snapshot() {
			fn(n)
		}
	}
}

// Count returns the current unread count
func (c *NotificationCounter) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.count
}

// SetSuppressed toggles the suppression window
func (c *NotificationCounter) SetSuppressed(suppressed bool) {
	c.mu.Lock()
	c.suppressed = suppressed
	c.mu.Unlock()
}

// Suppressed reports whether push triggered recounts must be skipped
func (c *NotificationCounter) Suppressed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.suppressed
}

// OnChange registers fn to be called with the new count after it changes.
func (c *NotificationCounter) OnChange(fn func(count int)) func() {
	return c.listeners.add(fn)
}

// Reset zeroes the count. The suppression flag is left to its owner.
func (c *NotificationCounter) Reset() {
	c.Set(0)
}

package auth

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ObserverSnapshot holds the admin identity saved while observing another account
type ObserverSnapshot struct {
	Profile   *Profile
	UserID    uuid.UUID
	StartedAt time.Time
}

// ImpersonationOption customizes an ImpersonationController.
type ImpersonationOption func(*ImpersonationController)

// WithImpersonationLogger overrides the logger.
func WithImpersonationLogger(logger Logger) ImpersonationOption {
	return func(c *ImpersonationController) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithImpersonationActivitySink sets the ActivitySink for observer events.
func WithImpersonationActivitySink(sink ActivitySink) ImpersonationOption {
	return func(c *ImpersonationController) {
		c.activitySink = normalizeActivitySink(sink)
	}
}

// WithImpersonationClock injects a custom clock (useful for tests).
func WithImpersonationClock(clock func() time.Time) ImpersonationOption {
	return func(c *ImpersonationController) {
		if clock != nil {
			c.now = clock
		}
	}
}

// ImpersonationController lets an admin swap the store projections for
// another account's profile and company. Backend records are never
// changed.
type ImpersonationController struct {
	store        *IdentityStore
	logger       Logger
	activitySink ActivitySink
	now          func() time.Time
}

// NewImpersonationController returns a controller bound to store
func NewImpersonationController(store *IdentityStore, opts ...ImpersonationOption) *ImpersonationController {
	c := &ImpersonationController{
		store:        store,
		logger:       newDefLogger("impersonation"),
		activitySink: noopActivitySink{},
		now:          time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// StartObserving observes the owner of company. The owner profile is read
// from the store; it reports whether observing started.
func (c *ImpersonationController) StartObserving(ctx context.Context, company *Company) bool {
	if company == nil || !c.canObserve() {
		return false
	}

	profile, err := TimedAwait(ctx, c.store.profileTimeout, (*Profile)(nil), func(ctx context.Context) (*Profile, error) {
		return c.store.profiles.GetProfile(ctx, company.UserID)
	})
	if err != nil || profile == nil {
		c.logger.Warn("failed to load observed profile", "company_id", company.ID, "user_id", company.UserID, "error", err)
		return false
	}

	return c.StartObservingUser(ctx, profile, company)
}

// StartObservingUser observes profile. When company is nil the company
// owned by profile is loaded. Callers without the admin role are ignored.
func (c *ImpersonationController) StartObservingUser(ctx context.Context, profile *Profile, company *Company) bool {
	if profile == nil || !c.canObserve() {
		return false
	}

	if company == nil {
		loaded, err := TimedAwait(ctx, c.store.profileTimeout, (*Company)(nil), func(ctx context.Context) (*Company, error) {
			return c.store.companies.GetCompanyByOwner(ctx, profile.ID)
		})
		if err != nil && !isMissing(err) {
			c.logger.Warn("failed to load observed company", "user_id", profile.ID, "error", err)
		}
		company = loaded
	}

	s := c.store
	s.mu.Lock()
	if !c.adminLocked() {
		s.mu.Unlock()
		return false
	}
	if s.observer == nil {
		userID := uuid.Nil
		if s.session != nil {
			userID = s.session.UserID
		}
		s.observer = &ObserverSnapshot{
			Profile:   s.profile.Clone(),
			UserID:    userID,
			StartedAt: c.now(),
		}
	}
	admin := s.observer.UserID
	s.profile = profile.Clone()
	s.company = company.Clone()
	s.pendingUpgrade = nil
	s.mu.Unlock()

	s.notifyChange()

	meta := map[string]any{"observed_user_id": profile.ID.String()}
	companyID := ""
	if company != nil {
		companyID = company.ID.String()
	}
	recordActivity(ctx, c.activitySink, c.logger, c.now, ActivityEvent{
		EventType: ActivityEventObserverStarted,
		Actor:     ActorRef{ID: admin.String(), Type: string(RoleAdmin)},
		UserID:    profile.ID.String(),
		CompanyID: companyID,
		Metadata:  meta,
	})

	return true
}

// StopObserving restores the admin profile and reloads the company of the
// session user. It is a no-op when not observing.
func (c *ImpersonationController) StopObserving(ctx context.Context) {
	s := c.store
	s.mu.Lock()
	snap := s.observer
	if snap == nil {
		s.mu.Unlock()
		return
	}
	observed := s.profile
	s.profile = snap.Profile
	s.company = nil
	s.pendingUpgrade = nil
	s.observer = nil
	s.mu.Unlock()

	s.RefreshCompany(ctx)
	s.notifyChange()

	observedID := ""
	if observed != nil {
		observedID = observed.ID.String()
	}
	recordActivity(ctx, c.activitySink, c.logger, c.now, ActivityEvent{
		EventType: ActivityEventObserverStopped,
		Actor:     ActorRef{ID: snap.UserID.String(), Type: string(RoleAdmin)},
		UserID:    observedID,
		Metadata: map[string]any{
			"duration": c.now().Sub(snap.StartedAt).String(),
		},
	})
}

// IsObserving reports whether observing is active
func (c *ImpersonationController) IsObserving() bool {
	return c.store.IsObserving()
}

// Snapshot returns a copy of the saved admin identity, nil when not observing
func (c *ImpersonationController) Snapshot() *ObserverSnapshot {
	c.store.mu.RLock()
	defer c.store.mu.RUnlock()
	if c.store.observer == nil {
		return nil
	}
	snap := *c.store.observer
	snap.Profile = snap.Profile.Clone()
	return &snap
}

func (c *ImpersonationController) canObserve() bool {
	c.store.mu.RLock()
	defer c.store.mu.RUnlock()
	return c.adminLocked()
}

// adminLocked expects the store lock to be held.
func (c *ImpersonationController) adminLocked() bool {
	s := c.store
	if s.session == nil {
		return false
	}
	actor := s.profile
	if s.observer != nil {
		actor = s.observer.Profile
	}
	return actor != nil && actor.Role.CanObserve()
}

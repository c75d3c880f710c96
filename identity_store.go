package auth

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
)

const (
	// DefaultProfileTimeout bounds each profile and company fetch
	DefaultProfileTimeout = 4 * time.Second
	// DefaultSessionTimeout bounds the initial session resolution
	DefaultSessionTimeout = 10 * time.Second
)

// StoreOption customizes an IdentityStore.
type StoreOption func(*IdentityStore)

// WithStoreLogger overrides the logger.
func WithStoreLogger(logger Logger) StoreOption {
	return func(s *IdentityStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithStoreActivitySink sets the ActivitySink for sign in/out events.
func WithStoreActivitySink(sink ActivitySink) StoreOption {
	return func(s *IdentityStore) {
		s.activitySink = normalizeActivitySink(sink)
	}
}

// WithStoreMetrics sets the metrics recorder.
func WithStoreMetrics(m MetricsRecorder) StoreOption {
	return func(s *IdentityStore) {
		s.metrics = normalizeMetrics(m)
	}
}

// WithStoreClock injects a custom clock (useful for tests).
func WithStoreClock(clock func() time.Time) StoreOption {
	return func(s *IdentityStore) {
		if clock != nil {
			s.now = clock
		}
	}
}

// WithStoreTimeouts overrides the profile/company fetch timeout and the
// initial session timeout. Zero values keep the defaults.
func WithStoreTimeouts(profile, session time.Duration) StoreOption {
	return func(s *IdentityStore) {
		if profile > 0 {
			s.profileTimeout = profile
		}
		if session > 0 {
			s.sessionTimeout = session
		}
	}
}

// WithPlanEngine evaluates the plan lifecycle on every company load.
func WithPlanEngine(engine *PlanLifecycleEngine) StoreOption {
	return func(s *IdentityStore) {
		s.engine = engine
	}
}

// WithNotificationCounter refreshes counter as part of each user data load.
func WithNotificationCounter(counter *NotificationCounter) StoreOption {
	return func(s *IdentityStore) {
		s.counter = counter
	}
}

// WithUpgradeRequests enables the pending upgrade projection.
func WithUpgradeRequests(repo UpgradeRequestRepository) StoreOption {
	return func(s *IdentityStore) {
		s.upgrades = repo
	}
}

// WithPasswordResetRedirect sets the URL sent along password reset emails.
func WithPasswordResetRedirect(url string) StoreOption {
	return func(s *IdentityStore) {
		s.resetRedirect = strings.TrimSpace(url)
	}
}

type loadMarker struct {
	userID uuid.UUID
	seq    uint64
}

// IdentityStore owns the session and the profile, company and pending
// upgrade projections derived from it.
type IdentityStore struct {
	provider  AuthProvider
	profiles  ProfileRepository
	companies CompanyRepository
	upgrades  UpgradeRequestRepository
	engine    *PlanLifecycleEngine
	counter   *NotificationCounter

	profileTimeout time.Duration
	sessionTimeout time.Duration
	resetRedirect  string

	logger       Logger
	activitySink ActivitySink
	metrics      MetricsRecorder
	now          func() time.Time

	mu             sync.RWMutex
	session        *Session
	profile        *Profile
	company        *Company
	pendingUpgrade *UpgradeRequest
	observer       *ObserverSnapshot
	inflight       *loadMarker
	seq            uint64

	loading   atomic.Bool
	signingIn atomic.Bool

	userListeners   listenerSet[func(uuid.UUID)]
	changeListeners listenerSet[func()]
	subMu           sync.Mutex
	unsubscribe     func()
	wg              sync.WaitGroup
}

// NewIdentityStore returns a store reading from the given provider and repositories.
func NewIdentityStore(provider AuthProvider, profiles ProfileRepository, companies CompanyRepository, opts ...StoreOption) *IdentityStore {
	s := &IdentityStore{
		provider:       provider,
		profiles:       profiles,
		companies:      companies,
		profileTimeout: DefaultProfileTimeout,
		sessionTimeout: DefaultSessionTimeout,
		logger:         newDefLogger("identity_store"),
		activitySink:   noopActivitySink{},
		metrics:        noopMetrics{},
		now:            time.Now,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	return s
}

// Initialize resolves the current session and loads the user data for it.
// It listens to provider session changes until Close is called. The whole
// resolution is bounded by the session timeout, after which Loading
// reports false even if fetches are still running.
func (s *IdentityStore) Initialize(ctx context.Context) {
	s.subMu.Lock()
	if s.unsubscribe == nil {
		s.unsubscribe = s.provider.OnSessionChange(s.handleSessionChange)
	}
	s.subMu.Unlock()

	s.loading.Store(true)
	defer s.loading.Store(false)

	_, err := TimedAwait(ctx, s.sessionTimeout, struct{}{}, func(ctx context.Context) (struct{}, error) {
		session, err := s.provider.CurrentSession(ctx)
		if err != nil {
			return struct{}{}, err
		}
		if !session.Valid() {
			return struct{}{}, nil
		}
		s.setSession(session)
		s.LoadUserData(ctx, session.UserID, false)
		return struct{}{}, nil
	})
	if err != nil {
		s.logger.Warn("failed to resolve session", "error", err)
	}
}

// Close stops listening to the provider and waits for background loads.
func (s *IdentityStore) Close() {
	s.subMu.Lock()
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	s.subMu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	s.wg.Wait()
}

func (s *IdentityStore) handleSessionChange(event SessionEvent, session *Session) {
	switch event {
	case SessionSignedIn:
		if s.signingIn.Load() || !session.Valid() {
			return
		}
		s.setSession(session)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.LoadUserData(context.Background(), session.UserID, false)
		}()
	case SessionTokenRefreshed:
		if session.Valid() {
			s.setSession(session)
		}
	case SessionSignedOut:
		s.clearState()
	}
}

// SignIn signs in with email and password. A blocked profile invalidates
// the new session and returns ErrAccountBlocked.
func (s *IdentityStore) SignIn(ctx context.Context, creds Credentials) (*Session, error) {
	creds.Email = strings.TrimSpace(strings.ToLower(creds.Email))
	if err := creds.Validate(); err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryValidation, "invalid sign in input").
			WithCode(goerrors.CodeBadRequest)
	}

	s.signingIn.Store(true)
	defer s.signingIn.Store(false)

	session, err := s.provider.SignInWithPassword(ctx, creds)
	if err != nil {
		recordActivity(ctx, s.activitySink, s.logger, s.now, ActivityEvent{
			EventType: ActivityEventLoginFailure,
			Metadata:  map[string]any{"email": creds.Email},
		})
		return nil, err
	}

	profile, err := TimedAwait(ctx, s.profileTimeout, (*Profile)(nil), func(ctx context.Context) (*Profile, error) {
		return s.profiles.GetProfile(ctx, session.UserID)
	})
	if err != nil {
		s.logger.Warn("failed to load profile on sign in", "user_id", session.UserID, "error", err)
	}

	if profile.IsBlocked() {
		if err := s.provider.SignOut(ctx); err != nil {
			s.logger.Error("failed to invalidate blocked session", "user_id", session.UserID, "error", err)
		}
		s.clearState()
		recordActivity(ctx, s.activitySink, s.logger, s.now, ActivityEvent{
			EventType: ActivityEventLoginBlocked,
			Actor:     ActorRef{ID: session.UserID.String(), Type: "user"},
			UserID:    session.UserID.String(),
		})
		return nil, ErrAccountBlocked
	}

	s.setSession(session)
	s.LoadUserData(ctx, session.UserID, true)

	recordActivity(ctx, s.activitySink, s.logger, s.now, ActivityEvent{
		EventType: ActivityEventLoginSuccess,
		Actor:     ActorRef{ID: session.UserID.String(), Type: "user"},
		UserID:    session.UserID.String(),
	})

	return session.Clone(), nil
}

// SignInWithSocial returns the URL the user must visit to sign in with provider.
func (s *IdentityStore) SignInWithSocial(ctx context.Context, provider, redirectTo string) (string, error) {
	provider = strings.TrimSpace(strings.ToLower(provider))
	if provider == "" {
		return "", ErrProviderUnsupported
	}
	return s.provider.SignInWithProvider(ctx, provider, redirectTo)
}

// SignOut clears every projection and invalidates the session. Calling it
// without a session is a no-op.
func (s *IdentityStore) SignOut(ctx context.Context) error {
	userID, had := s.clearState()

	if !had {
		return nil
	}

	if err := s.provider.SignOut(ctx); err != nil {
		s.logger.Warn("provider sign out failed", "user_id", userID, "error", err)
		return err
	}

	recordActivity(ctx, s.activitySink, s.logger, s.now, ActivityEvent{
		EventType: ActivityEventLogout,
		Actor:     ActorRef{ID: userID.String(), Type: "user"},
		UserID:    userID.String(),
	})
	return nil
}

// ResetPasswordForEmail sends a password reset email.
func (s *IdentityStore) ResetPasswordForEmail(ctx context.Context, email string) error {
	email = strings.TrimSpace(strings.ToLower(email))
	if err := validateEmail(email); err != nil {
		return err
	}
	return s.provider.SendPasswordReset(ctx, email, s.resetRedirect)
}

// ResendConfirmationEmail sends the sign up confirmation email again.
func (s *IdentityStore) ResendConfirmationEmail(ctx context.Context, email string) error {
	email = strings.TrimSpace(strings.ToLower(email))
	if err := validateEmail(email); err != nil {
		return err
	}
	return s.provider.ResendConfirmation(ctx, email)
}

// UpdatePassword changes the password of the signed in user.
func (s *IdentityStore) UpdatePassword(ctx context.Context, newPassword string) error {
	if len(newPassword) < MinPasswordLength {
		return ErrPasswordTooShort
	}

	userID := s.UserID()
	if userID == uuid.Nil {
		return ErrNoSession
	}

	if err := s.provider.UpdatePassword(ctx, newPassword); err != nil {
		return err
	}

	recordActivity(ctx, s.activitySink, s.logger, s.now, ActivityEvent{
		EventType: ActivityEventPasswordUpdated,
		Actor:     ActorRef{ID: userID.String(), Type: "user"},
		UserID:    userID.String(),
	})
	return nil
}

// Refresh forces a user data load for the session user.
func (s *IdentityStore) Refresh(ctx context.Context) {
	if userID := s.UserID(); userID != uuid.Nil {
		s.LoadUserData(ctx, userID, true)
	}
}

// LoadUserData loads profile, company, unread count and pending upgrade for
// userID. A call for a user that already has a load in flight returns
// immediately unless force is set. Only the latest call applies its results.
func (s *IdentityStore) LoadUserData(ctx context.Context, userID uuid.UUID, force bool) {
	if userID == uuid.Nil {
		return
	}

	marker, ok := s.acquireMarker(userID, force)
	if !ok {
		return
	}
	defer s.releaseMarker(marker)

	start := s.now()
	defer func() { s.metrics.UserDataLoaded(s.now().Sub(start)) }()

	var (
		wg         sync.WaitGroup
		profile    *Profile
		company    *Company
		profileErr error
		companyErr error
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		profile, profileErr = TimedAwait(ctx, s.profileTimeout, (*Profile)(nil), func(ctx context.Context) (*Profile, error) {
			return s.profiles.GetProfile(ctx, userID)
		})
	}()
	go func() {
		defer wg.Done()
		company, companyErr = s.fetchCompany(ctx, userID)
	}()
	if s.counter != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.counter.RefreshUnlessSuppressed(ctx, userID)
		}()
	}
	wg.Wait()

	if profileErr != nil {
		s.logger.Warn("failed to load profile", "user_id", userID, "error", profileErr)
		profile = nil
	}
	if companyErr != nil {
		s.logger.Warn("failed to load company", "user_id", userID, "error", companyErr)
		company = nil
	}

	if ctx.Err() != nil || !s.ownsMarker(marker) {
		return
	}

	if profile.IsBlocked() && !s.IsObserving() {
		s.logger.Info("blocked profile found, signing out", "user_id", userID)
		if err := s.SignOut(context.WithoutCancel(ctx)); err != nil {
			s.logger.Error("failed to sign out blocked profile", "user_id", userID, "error", err)
		}
		return
	}

	if !s.applyUserData(marker, profile, company) {
		return
	}

	s.loadPendingUpgrade(ctx, marker, company)
	s.notifyChange()
}

// RefreshCompany reloads the company of the current projection. While
// observing it reloads the observed company.
func (s *IdentityStore) RefreshCompany(ctx context.Context) {
	s.mu.RLock()
	observing := s.observer != nil
	current := s.company
	userID := uuid.Nil
	if s.session != nil {
		userID = s.session.UserID
	}
	s.mu.RUnlock()

	if observing {
		if current == nil {
			return
		}
		company, err := TimedAwait(ctx, s.profileTimeout, (*Company)(nil), func(ctx context.Context) (*Company, error) {
			return s.companies.GetCompany(ctx, current.ID)
		})
		if err != nil {
			s.logger.Warn("failed to refresh observed company", "company_id", current.ID, "error", err)
			return
		}
		s.mu.Lock()
		if s.observer != nil && s.company != nil && s.company.ID == current.ID {
			s.company = company
		}
		s.mu.Unlock()
		s.notifyChange()
		return
	}

	if userID == uuid.Nil {
		return
	}

	company, err := s.fetchCompany(ctx, userID)
	if err != nil {
		s.logger.Warn("failed to refresh company", "user_id", userID, "error", err)
		company = nil
	}

	s.mu.Lock()
	if s.observer == nil && s.session != nil && s.session.UserID == userID {
		s.company = company
	}
	s.mu.Unlock()

	s.RefreshUpgradeStatus(ctx)
}

// RefreshUpgradeStatus reloads the pending upgrade of the current company.
func (s *IdentityStore) RefreshUpgradeStatus(ctx context.Context) {
	company := s.Company()
	if company == nil || s.upgrades == nil {
		s.mu.Lock()
		s.pendingUpgrade = nil
		s.mu.Unlock()
		s.notifyChange()
		return
	}

	upgrade, err := s.upgrades.GetPendingUpgrade(ctx, company.ID)
	if err != nil && !isMissing(err) {
		s.logger.Warn("failed to load pending upgrade", "company_id", company.ID, "error", err)
		return
	}

	s.mu.Lock()
	if s.company != nil && s.company.ID == company.ID {
		s.pendingUpgrade = upgrade
	}
	s.mu.Unlock()
	s.notifyChange()
}

// ApplyCompanySnapshot replaces the company projection with a pushed
// record when it belongs to the session user.
func (s *IdentityStore) ApplyCompanySnapshot(company *Company) bool {
	if company == nil {
		return false
	}

	s.mu.Lock()
	if s.observer != nil || s.session == nil || s.session.UserID != company.UserID {
		s.mu.Unlock()
		return false
	}
	s.company = company.Clone()
	s.mu.Unlock()

	s.notifyChange()
	return true
}

// Session returns a copy of the current session
func (s *IdentityStore) Session() *Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session.Clone()
}

// UserID returns the session user id, uuid.Nil when signed out
func (s *IdentityStore) UserID() uuid.UUID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.session == nil {
		return uuid.Nil
	}
	return s.session.UserID
}

// Profile returns a copy of the current profile projection
func (s *IdentityStore) Profile() *Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.profile.Clone()
}

// Company returns a copy of the current company projection
func (s *IdentityStore) Company() *Company {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.company.Clone()
}

// PendingUpgrade returns the pending upgrade request, if any
func (s *IdentityStore) PendingUpgrade() *UpgradeRequest {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.pendingUpgrade == nil {
		return nil
	}
	up := *s.pendingUpgrade
	return &up
}

// Loading is true while the initial session is being resolved
func (s *IdentityStore) Loading() bool {
	return s.loading.Load()
}

// IsObserving reports whether an admin is observing another account
func (s *IdentityStore) IsObserving() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.observer != nil
}

// UnreadCount returns the unread notification count, 0 without a counter
func (s *IdentityStore) UnreadCount() int {
	if s.counter == nil {
		return 0
	}
	return s.counter.Count()
}

// OnUserChange registers fn to be called with the new session user id
// whenever it changes. uuid.Nil means signed out.
func (s *IdentityStore) OnUserChange(fn func(userID uuid.UUID)) func() {
	return s.userListeners.add(fn)
}

// OnChange registers fn to be called after the projections change.
func (s *IdentityStore) OnChange(fn func()) func() {
	return s.changeListeners.add(fn)
}

func (s *IdentityStore) fetchCompany(ctx context.Context, userID uuid.UUID) (*Company, error) {
	company, err := TimedAwait(ctx, s.profileTimeout, (*Company)(nil), func(ctx context.Context) (*Company, error) {
		return s.companies.GetCompanyByOwner(ctx, userID)
	})
	if err != nil {
		if isMissing(err) {
			return nil, nil
		}
		return nil, err
	}
	if company == nil || s.engine == nil {
		return company, nil
	}

	evaluated, _, err := s.engine.Evaluate(ctx, company)
	if err != nil {
		s.logger.Warn("plan lifecycle evaluation failed", "company_id", company.ID, "error", err)
	}
	return evaluated, nil
}

func (s *IdentityStore) loadPendingUpgrade(ctx context.Context, marker loadMarker, company *Company) {
	if s.upgrades == nil || s.IsObserving() {
		return
	}

	var upgrade *UpgradeRequest
	if company != nil {
		up, err := s.upgrades.GetPendingUpgrade(ctx, company.ID)
		if err != nil && !isMissing(err) {
			s.logger.Warn("failed to load pending upgrade", "company_id", company.ID, "error", err)
			return
		}
		upgrade = up
	}

	s.mu.Lock()
	if s.inflight != nil && s.inflight.seq == marker.seq && s.observer == nil {
		s.pendingUpgrade = upgrade
	}
	s.mu.Unlock()
}

func (s *IdentityStore) applyUserData(marker loadMarker, profile *Profile, company *Company) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inflight == nil || s.inflight.seq != marker.seq {
		return false
	}
	if s.session == nil || s.session.UserID != marker.userID {
		return false
	}

	if s.observer != nil {
		// keep the observed projection, refresh what StopObserving restores
		if profile != nil {
			s.observer.Profile = profile
		}
		return true
	}

	s.profile = profile
	s.company = company
	return true
}

func (s *IdentityStore) acquireMarker(userID uuid.UUID, force bool) (loadMarker, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !force && s.inflight != nil && s.inflight.userID == userID {
		return loadMarker{}, false
	}

	s.seq++
	marker := loadMarker{userID: userID, seq: s.seq}
	s.inflight = &marker
	return marker, true
}

func (s *IdentityStore) releaseMarker(marker loadMarker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight != nil && s.inflight.seq == marker.seq {
		s.inflight = nil
	}
}

func (s *IdentityStore) ownsMarker(marker loadMarker) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inflight != nil && s.inflight.seq == marker.seq
}

func (s *IdentityStore) setSession(session *Session) {
	s.mu.Lock()
	prev := uuid.Nil
	if s.session != nil {
		prev = s.session.UserID
	}
	s.session = session.Clone()
	s.mu.Unlock()

	if session.UserID != prev {
		s.notifyUser(session.UserID)
	}
}

// clearState drops every projection and returns the user that was signed in.
func (s *IdentityStore) clearState() (uuid.UUID, bool) {
	s.mu.Lock()
	had := s.session != nil
	userID := uuid.Nil
	if had {
		userID = s.session.UserID
	}
	s.session = nil
	s.profile = nil
	s.company = nil
	s.pendingUpgrade = nil
	s.observer = nil
	s.inflight = nil
	s.mu.Unlock()

	if s.counter != nil {
		s.counter.Reset()
	}

	if had {
		s.notifyUser(uuid.Nil)
		s.notifyChange()
	}
	return userID, had
}

func (s *IdentityStore) notifyUser(userID uuid.UUID) {
	for _, fn := range s.userListeners.snapshot() {
		fn(userID)
	}
}

func (s *IdentityStore) notifyChange() {
	for _, fn := range s.changeListeners.snapshot() {
		fn()
	}
}

func isMissing(err error) bool {
	return repository.IsRecordNotFound(err) || goerrors.IsNotFound(err)
}

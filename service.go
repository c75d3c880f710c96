package auth

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ServiceOption customizes a Service.
type ServiceOption func(*serviceOptions)

type serviceOptions struct {
	config       Config
	logger       Logger
	activitySink ActivitySink
	metrics      MetricsRecorder
	clock        func() time.Time
	location     *time.Location
	settings     *PlanSettings
	resetURL     string
	publisher    Publisher
}

// WithConfig sets the timing and limit options.
func WithConfig(cfg Config) ServiceOption {
	return func(o *serviceOptions) {
		o.config = cfg
	}
}

// WithLogger sets the logger shared by every component.
func WithLogger(logger Logger) ServiceOption {
	return func(o *serviceOptions) {
		o.logger = logger
	}
}

// WithActivitySink sets the ActivitySink shared by every component.
func WithActivitySink(sink ActivitySink) ServiceOption {
	return func(o *serviceOptions) {
		o.activitySink = sink
	}
}

// WithMetrics sets the metrics recorder shared by every component.
func WithMetrics(m MetricsRecorder) ServiceOption {
	return func(o *serviceOptions) {
		o.metrics = m
	}
}

// WithClock injects a custom clock (useful for tests).
func WithClock(clock func() time.Time) ServiceOption {
	return func(o *serviceOptions) {
		o.clock = clock
	}
}

// WithLocation sets the location used for renewal calendar days.
func WithLocation(loc *time.Location) ServiceOption {
	return func(o *serviceOptions) {
		o.location = loc
	}
}

// WithPlanSettings skips loading plan limits from the store.
func WithPlanSettings(settings PlanSettings) ServiceOption {
	return func(o *serviceOptions) {
		o.settings = &settings
	}
}

// WithResetRedirect sets the URL sent along password reset emails.
func WithResetRedirect(url string) ServiceOption {
	return func(o *serviceOptions) {
		o.resetURL = url
	}
}

// WithPublisher broadcasts the company and notification writes made by the
// plan lifecycle engine.
func WithPublisher(pub Publisher) ServiceOption {
	return func(o *serviceOptions) {
		o.publisher = pub
	}
}

// Service is the single entry point handed to every consumer. It owns the
// identity store, plan engine, observer controller, sync coordinator and
// notification counter, and starts or stops the feeds as the session user
// changes.
type Service struct {
	Store         *IdentityStore
	Engine        *PlanLifecycleEngine
	Impersonation *ImpersonationController
	Sync          *SyncCoordinator
	Counter       *NotificationCounter

	logger      Logger
	unsubscribe func()
	closeOnce   sync.Once
}

// NewService wires the components together. Plan limits are loaded once
// from repos unless WithPlanSettings is given.
func NewService(ctx context.Context, provider AuthProvider, repos RepositoryManager, transport Transport, opts ...ServiceOption) *Service {
	o := &serviceOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}

	logger := normalizeLogger(o.logger, "service")
	clock := o.clock
	if clock == nil {
		clock = time.Now
	}

	defaultFree := DefaultFreeProductLimit
	if o.config != nil && o.config.GetDefaultFreeProductLimit() > 0 {
		defaultFree = o.config.GetDefaultFreeProductLimit()
	}

	var settings PlanSettings
	if o.settings != nil {
		settings = *o.settings
	} else {
		loaded, err := LoadPlanSettings(ctx, repos.PlanSettings(), defaultFree)
		if err != nil {
			logger.Warn("failed to load plan settings, using defaults", "error", err)
		}
		settings = loaded
	}

	counter := NewNotificationCounter(repos.Notifications(),
		WithCounterLogger(o.logger),
		WithCounterMetrics(o.metrics),
	)

	engineOpts := []EngineOption{
		WithEngineClock(clock),
		WithEngineLocation(o.location),
		WithEnginePlanSettings(settings),
		WithEngineActivitySink(o.activitySink),
		WithEngineLogger(o.logger),
		WithEngineMetrics(o.metrics),
	}
	storeOpts := []StoreOption{
		WithStoreClock(clock),
		WithStoreLogger(o.logger),
		WithStoreActivitySink(o.activitySink),
		WithStoreMetrics(o.metrics),
		WithNotificationCounter(counter),
		WithUpgradeRequests(repos.UpgradeRequests()),
		WithPasswordResetRedirect(o.resetURL),
	}
	syncOpts := []SyncOption{
		WithSyncLogger(o.logger),
		WithSyncMetrics(o.metrics),
	}

	if cfg := o.config; cfg != nil {
		engineOpts = append(engineOpts, WithEngineGracePeriod(cfg.GetGracePeriod()))
		storeOpts = append(storeOpts, WithStoreTimeouts(cfg.GetProfileTimeout(), cfg.GetSessionTimeout()))
		syncOpts = append(syncOpts,
			WithReconnectDelay(cfg.GetReconnectDelay()),
			WithAccountReloadDelay(cfg.GetAccountReloadDelay()),
			WithRecountDelay(cfg.GetRecountDelay()),
			WithPollInterval(cfg.GetPollInterval()),
		)
	}

	companies := NewPublishingCompanies(repos.Companies(), o.publisher, o.logger)
	notifications := NewPublishingNotifications(repos.Notifications(), o.publisher, o.logger)

	engine := NewPlanLifecycleEngine(companies, repos.Products(), notifications, engineOpts...)
	storeOpts = append(storeOpts, WithPlanEngine(engine))
	store := NewIdentityStore(provider, repos.Profiles(), repos.Companies(), storeOpts...)

	s := &Service{
		Store:  store,
		Engine: engine,
		Impersonation: NewImpersonationController(store,
			WithImpersonationClock(clock),
			WithImpersonationLogger(o.logger),
			WithImpersonationActivitySink(o.activitySink),
		),
		Sync:    NewSyncCoordinator(transport, store, counter, syncOpts...),
		Counter: counter,
		logger:  logger,
	}

	s.unsubscribe = store.OnUserChange(func(userID uuid.UUID) {
		if userID == uuid.Nil {
			s.Sync.Stop()
			return
		}
		s.Sync.Start(context.Background(), userID)
	})

	return s
}

// Start resolves the current session, loads its data and opens the feeds.
func (s *Service) Start(ctx context.Context) {
	s.Store.Initialize(ctx)
}

// Close stops the feeds and waits for background work.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		s.logger.Debug("closing service")
		if s.unsubscribe != nil {
			s.unsubscribe()
		}
		s.Sync.Close()
		s.Store.Close()
	})
}

// Loading is true while the initial session is resolved
func (s *Service) Loading() bool {
	return s.Store.Loading()
}

// SignIn signs in with email and password
func (s *Service) SignIn(ctx context.Context, creds Credentials) (*Session, error) {
	return s.Store.SignIn(ctx, creds)
}

// SignInWithSocial returns the redirect URL of provider
func (s *Service) SignInWithSocial(ctx context.Context, provider, redirectTo string) (string, error) {
	return s.Store.SignInWithSocial(ctx, provider, redirectTo)
}

// SignOut ends the session and stops the feeds
func (s *Service) SignOut(ctx context.Context) error {
	return s.Store.SignOut(ctx)
}

// ResetPasswordForEmail sends a password reset email
func (s *Service) ResetPasswordForEmail(ctx context.Context, email string) error {
	return s.Store.ResetPasswordForEmail(ctx, email)
}

// ResendConfirmationEmail sends the confirmation email again
func (s *Service) ResendConfirmationEmail(ctx context.Context, email string) error {
	return s.Store.ResendConfirmationEmail(ctx, email)
}

// UpdatePassword changes the password of the signed in user
func (s *Service) UpdatePassword(ctx context.Context, newPassword string) error {
	return s.Store.UpdatePassword(ctx, newPassword)
}

// RefreshCompany reloads the company projection
func (s *Service) RefreshCompany(ctx context.Context) {
	s.Store.RefreshCompany(ctx)
}

// RefreshUpgradeStatus reloads the pending upgrade projection
func (s *Service) RefreshUpgradeStatus(ctx context.Context) {
	s.Store.RefreshUpgradeStatus(ctx)
}

// StartObserving lets an admin observe the owner of company
func (s *Service) StartObserving(ctx context.Context, company *Company) bool {
	return s.Impersonation.StartObserving(ctx, company)
}

// StartObservingUser lets an admin observe profile
func (s *Service) StartObservingUser(ctx context.Context, profile *Profile, company *Company) bool {
	return s.Impersonation.StartObservingUser(ctx, profile, company)
}

// StopObserving restores the admin identity
func (s *Service) StopObserving(ctx context.Context) {
	s.Impersonation.StopObserving(ctx)
}

// SetNotificationsSuppressed opens or closes the optimistic update window
func (s *Service) SetNotificationsSuppressed(suppressed bool) {
	s.Counter.SetSuppressed(suppressed)
}

// State is a point in time copy of the projections
type State struct {
	Session        *Session        `json:"session,omitempty"`
	Profile        *Profile        `json:"profile,omitempty"`
	Company        *Company        `json:"company,omitempty"`
	PendingUpgrade *UpgradeRequest `json:"pending_upgrade,omitempty"`
	PlanState      PlanState       `json:"plan_state,omitempty"`
	UnreadCount    int             `json:"unread_count"`
	Observing      bool            `json:"observing"`
	Loading        bool            `json:"loading"`
	Feeds          []FeedSnapshot  `json:"feeds,omitempty"`
}

// State returns the current projections
func (s *Service) State() State {
	company := s.Store.Company()
	st := State{
		Session:        s.Store.Session(),
		Profile:        s.Store.Profile(),
		Company:        company,
		PendingUpgrade: s.Store.PendingUpgrade(),
		UnreadCount:    s.Counter.Count(),
		Observing:      s.Store.IsObserving(),
		Loading:        s.Store.Loading(),
	}
	if company != nil {
		st.PlanState = s.Engine.Classify(company)
	}
	if s.Sync.Running() {
		st.Feeds = []FeedSnapshot{
			s.Sync.Snapshot(FeedAccount),
			s.Sync.Snapshot(FeedNotifications),
		}
	}
	return st
}

package local

import (
	"context"
	"net/url"
	"sort"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-repository-bun"
	auth "github.com/goliatone/go-storefront-auth"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Option customizes a Provider
type Option func(*Provider)

// WithMailer sets the mailer used for reset and confirmation emails
func WithMailer(m Mailer) Option {
	return func(p *Provider) {
		if m != nil {
			p.mailer = m
		}
	}
}

// WithLogger overrides the logger
func WithLogger(logger auth.Logger) Option {
	return func(p *Provider) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithClock injects a custom clock (useful for tests)
func WithClock(clock func() time.Time) Option {
	return func(p *Provider) {
		if clock != nil {
			p.now = clock
		}
	}
}

// WithTokenValidator accepts tokens from an external issuer in
// RestoreSession, in addition to the provider's own tokens.
func WithTokenValidator(v TokenValidator) Option {
	return func(p *Provider) {
		p.external = v
	}
}

// Provider is a database backed auth.AuthProvider. The current session
// lives in memory.
type Provider struct {
	cfg      Config
	store    Store
	tokens   *TokenService
	external TokenValidator
	mailer   Mailer
	logger   auth.Logger
	now      func() time.Time

	mu      sync.RWMutex
	session *auth.Session

	lmu       sync.Mutex
	listeners map[int]auth.SessionListener
	nextID    int
}

var _ auth.AuthProvider = (*Provider)(nil)

// New returns a Provider over store
func New(cfg Config, store Store, opts ...Option) *Provider {
	cfg = cfg.withDefaults()
	logger := auth.NewLogrusLogger(logrus.StandardLogger().WithField("component", "local_provider"))
	p := &Provider{
		cfg:       cfg,
		store:     store,
		logger:    logger,
		mailer:    LogMailer{Logger: logger},
		now:       time.Now,
		listeners: map[int]auth.SessionListener{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	p.tokens = NewTokenService(cfg.SigningKey, cfg.Issuer, p.now)
	return p
}

// Tokens returns the token service
func (p *Provider) Tokens() *TokenService {
	return p.tokens
}

// Register creates a credential for userID. A nil userID gets a new id.
func (p *Provider) Register(ctx context.Context, userID uuid.UUID, email, password string) (*Credential, error) {
	hash, err := HashPassword(password, p.cfg.HashCost)
	if err != nil {
		return nil, err
	}
	cred, err := p.store.CreateCredential(ctx, &Credential{
		UserID:       userID,
		Email:        email,
		PasswordHash: hash,
	})
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryConflict, "failed to register credential").
			WithMetadata(map[string]any{"email": email})
	}
	return cred, nil
}

func (p *Provider) CurrentSession(ctx context.Context) (*auth.Session, error) {
	p.mu.RLock()
	session := p.session
	p.mu.RUnlock()

	if session == nil {
		return nil, nil
	}
	if session.IsExpired(p.now()) {
		p.clear()
		p.emit(auth.SessionSignedOut, nil)
		return nil, nil
	}
	return session.Clone(), nil
}

func (p *Provider) SignInWithPassword(ctx context.Context, creds auth.Credentials) (*auth.Session, error) {
	cred, err := p.store.GetCredentialByEmail(ctx, creds.Email)
	if err != nil {
		if repository.IsRecordNotFound(err) {
			return nil, auth.ErrInvalidCredentials
		}
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to load credential")
	}

	ok, err := ComparePasswordAndHash(creds.Password, cred.PasswordHash)
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to compare password")
	}
	if !ok {
		return nil, auth.ErrInvalidCredentials
	}
	if p.cfg.RequireConfirmedEmail && !cred.Confirmed() {
		return nil, ErrEmailNotConfirmed
	}

	session, err := p.issue(cred.UserID, cred.Email)
	if err != nil {
		return nil, err
	}

	p.set(session)
	p.emit(auth.SessionSignedIn, session.Clone())
	return session.Clone(), nil
}

// RestoreSession resumes a session from a token minted by this provider
// or accepted by the external validator.
func (p *Provider) RestoreSession(ctx context.Context, token string) (*auth.Session, error) {
	validators := []TokenValidator{purposeValidator{p.tokens, PurposeSession}}
	if p.external != nil {
		validators = append(validators, p.external)
	}
	claims, err := NewMultiTokenValidator(validators...).Validate(token)
	if err != nil {
		return nil, err
	}

	userID, err := claims.UserID()
	if err != nil {
		return nil, malformed(err)
	}

	session := sessionFromClaims(userID, token, claims)
	p.set(session)
	p.emit(auth.SessionSignedIn, session.Clone())
	return session.Clone(), nil
}

// RefreshSession mints a new token for the current session
func (p *Provider) RefreshSession(ctx context.Context) (*auth.Session, error) {
	p.mu.RLock()
	current := p.session
	p.mu.RUnlock()
	if current == nil {
		return nil, auth.ErrNoSession
	}

	session, err := p.issue(current.UserID, current.Email)
	if err != nil {
		return nil, err
	}
	p.set(session)
	p.emit(auth.SessionTokenRefreshed, session.Clone())
	return session.Clone(), nil
}

// SignInWithProvider returns the authorize URL of provider. The state
// parameter is a signed token that carries redirectTo.
func (p *Provider) SignInWithProvider(ctx context.Context, provider, redirectTo string) (string, error) {
	base, ok := p.cfg.SocialURLs[provider]
	if !ok || base == "" {
		return "", auth.ErrProviderUnsupported
	}

	u, err := url.Parse(base)
	if err != nil {
		return "", goerrors.Wrap(err, goerrors.CategoryInternal, "invalid provider URL").
			WithMetadata(map[string]any{"provider": provider})
	}

	claims := &Claims{
		RegisteredClaims: newRegistered(p.now(), p.cfg.Issuer, provider, 10*time.Minute),
		Purpose:          PurposeState,
		RedirectTo:       redirectTo,
	}
	state, err := p.tokens.Sign(claims)
	if err != nil {
		return "", err
	}

	q := u.Query()
	q.Set("state", state)
	if redirectTo != "" {
		q.Set("redirect_to", redirectTo)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// VerifyState checks a state token returned by a social provider and
// returns the redirect it carries.
func (p *Provider) VerifyState(state string) (string, error) {
	claims, err := p.tokens.ValidatePurpose(state, PurposeState)
	if err != nil {
		return "", err
	}
	return claims.RedirectTo, nil
}

func (p *Provider) SignOut(ctx context.Context) error {
	if !p.clear() {
		return nil
	}
	p.emit(auth.SessionSignedOut, nil)
	return nil
}

// SendPasswordReset stores a reset and mails its link. Unknown emails are
// not reported.
func (p *Provider) SendPasswordReset(ctx context.Context, email, redirectTo string) error {
	cred, err := p.store.GetCredentialByEmail(ctx, email)
	if err != nil {
		if repository.IsRecordNotFound(err) {
			p.logger.Debug("password reset for unknown email", "email", email)
			return nil
		}
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to load credential")
	}

	reset, err := p.store.CreateReset(ctx, &PasswordReset{
		UserID:    cred.UserID,
		Email:     cred.Email,
		ExpiresAt: p.now().Add(p.cfg.ResetTTL),
	})
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to create password reset record")
	}

	return p.mailer.SendPasswordReset(ctx, cred.Email, resetLink(redirectTo, reset.ID))
}

// FinalizePasswordReset sets password using a reset from SendPasswordReset
func (p *Provider) FinalizePasswordReset(ctx context.Context, resetID uuid.UUID, password string) error {
	reset, err := p.store.GetReset(ctx, resetID)
	if err != nil {
		if repository.IsRecordNotFound(err) {
			return ErrResetUnusable
		}
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to load password reset")
	}
	if !reset.Usable(p.now()) {
		return ErrResetUnusable
	}

	hash, err := HashPassword(password, p.cfg.HashCost)
	if err != nil {
		return err
	}
	return p.store.CompleteReset(ctx, reset, hash, p.now())
}

func (p *Provider) UpdatePassword(ctx context.Context, newPassword string) error {
	p.mu.RLock()
	session := p.session
	p.mu.RUnlock()
	if session == nil {
		return auth.ErrNoSession
	}

	hash, err := HashPassword(newPassword, p.cfg.HashCost)
	if err != nil {
		return err
	}
	if err := p.store.UpdatePasswordHash(ctx, session.UserID, hash); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to update password")
	}
	return nil
}

// ResendConfirmation mails a new confirmation token. Confirmed and unknown
// addresses are ignored.
func (p *Provider) ResendConfirmation(ctx context.Context, email string) error {
	cred, err := p.store.GetCredentialByEmail(ctx, email)
	if err != nil {
		if repository.IsRecordNotFound(err) {
			return nil
		}
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to load credential")
	}
	if cred.Confirmed() {
		return nil
	}

	token, _, err := p.tokens.Mint(cred.UserID.String(), cred.Email, PurposeConfirmation, 24*time.Hour)
	if err != nil {
		return err
	}
	return p.mailer.SendConfirmation(ctx, cred.Email, token)
}

// ConfirmEmail marks the address of a confirmation token as confirmed
func (p *Provider) ConfirmEmail(ctx context.Context, token string) error {
	claims, err := p.tokens.ValidatePurpose(token, PurposeConfirmation)
	if err != nil {
		return err
	}
	userID, err := claims.UserID()
	if err != nil {
		return malformed(err)
	}
	return p.store.ConfirmEmail(ctx, userID, p.now())
}

func (p *Provider) OnSessionChange(fn auth.SessionListener) func() {
	if fn == nil {
		return func() {}
	}

	p.lmu.Lock()
	id := p.nextID
	p.nextID++
	p.listeners[id] = fn
	p.lmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.lmu.Lock()
			delete(p.listeners, id)
			p.lmu.Unlock()
		})
	}
}

func (p *Provider) issue(userID uuid.UUID, email string) (*auth.Session, error) {
	token, claims, err := p.tokens.Mint(userID.String(), email, PurposeSession, p.cfg.TokenTTL)
	if err != nil {
		return nil, err
	}
	return sessionFromClaims(userID, token, claims), nil
}

func (p *Provider) set(session *auth.Session) {
	p.mu.Lock()
	p.session = session
	p.mu.Unlock()
}

func (p *Provider) clear() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	had := p.session != nil
	p.session = nil
	return had
}

func (p *Provider) emit(event auth.SessionEvent, session *auth.Session) {
	p.lmu.Lock()
	ids := make([]int, 0, len(p.listeners))
	for id := range p.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]auth.SessionListener, 0, len(ids))
	for _, id := range ids {
		fns = append(fns, p.listeners[id])
	}
	p.lmu.Unlock()

	for _, fn := range fns {
		fn(event, session)
	}
}

type purposeValidator struct {
	tokens  *TokenService
	purpose string
}

func (v purposeValidator) Validate(token string) (*Claims, error) {
	return v.tokens.ValidatePurpose(token, v.purpose)
}

func sessionFromClaims(userID uuid.UUID, token string, claims *Claims) *auth.Session {
	s := &auth.Session{
		UserID:      userID,
		Email:       claims.Email,
		AccessToken: token,
	}
	if claims.IssuedAt != nil {
		t := claims.IssuedAt.Time
		s.IssuedAt = &t
	}
	if claims.ExpiresAt != nil {
		t := claims.ExpiresAt.Time
		s.ExpiresAt = &t
	}
	return s
}

func resetLink(redirectTo string, id uuid.UUID) string {
	u, err := url.Parse(redirectTo)
	if err != nil || redirectTo == "" {
		return id.String()
	}
	q := u.Query()
	q.Set("reset", id.String())
	u.RawQuery = q.Encode()
	return u.String()
}

package auth

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Logger is the logging contract used across the package. Arguments after
// the message are key/value pairs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Config holds the timing and limit options of the core
type Config interface {
	GetProfileTimeout() time.Duration
	GetSessionTimeout() time.Duration
	GetReconnectDelay() time.Duration
	GetAccountReloadDelay() time.Duration
	GetRecountDelay() time.Duration
	GetPollInterval() time.Duration
	GetGracePeriod() time.Duration
	GetDefaultFreeProductLimit() int
}

// AuthProvider is the credential/session backend.
type AuthProvider interface {
	CurrentSession(ctx context.Context) (*Session, error)
	SignInWithPassword(ctx context.Context, creds Credentials) (*Session, error)
	SignInWithProvider(ctx context.Context, provider, redirectTo string) (string, error)
	SignOut(ctx context.Context) error
	SendPasswordReset(ctx context.Context, email, redirectTo string) error
	UpdatePassword(ctx context.Context, newPassword string) error
	ResendConfirmation(ctx context.Context, email string) error
	// OnSessionChange registers a listener for login/logout/refresh events.
	// The returned function removes the listener.
	OnSessionChange(fn SessionListener) func()
}

// SessionEvent is the kind of session change reported by an AuthProvider
type SessionEvent string

const (
	SessionSignedIn       SessionEvent = "SIGNED_IN"
	SessionSignedOut      SessionEvent = "SIGNED_OUT"
	SessionTokenRefreshed SessionEvent = "TOKEN_REFRESHED"
)

// SessionListener receives session changes. session is nil on sign out.
type SessionListener func(event SessionEvent, session *Session)

// Credentials are the password sign in inputs
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// ProfileRepository reads profiles.
type ProfileRepository interface {
	GetProfile(ctx context.Context, userID uuid.UUID) (*Profile, error)
}

// CompanyRepository reads companies and persists lifecycle markers.
type CompanyRepository interface {
	GetCompany(ctx context.Context, companyID uuid.UUID) (*Company, error)
	GetCompanyByOwner(ctx context.Context, userID uuid.UUID) (*Company, error)
	UpdatePlan(ctx context.Context, companyID uuid.UUID, plan Plan) error
	// MarkRenewalNotified stores day as the notified renewal day unless it is
	// already stored. It reports whether this call changed the record.
	MarkRenewalNotified(ctx context.Context, companyID uuid.UUID, day string) (bool, error)
	MarkDowngradeNotified(ctx context.Context, companyID uuid.UUID, at time.Time) error
}

// UpgradeRequestRepository reads upgrade requests.
type UpgradeRequestRepository interface {
	GetPendingUpgrade(ctx context.Context, companyID uuid.UUID) (*UpgradeRequest, error)
}

// NotificationRepository writes and counts notifications.
type NotificationRepository interface {
	// InsertNotification stores n. Inserting an id that already exists is
	// not an error and leaves the stored record untouched.
	InsertNotification(ctx context.Context, n *Notification) error
	CountUnread(ctx context.Context, userID uuid.UUID, excludeTypes []NotificationType) (int, error)
}

// ProductRepository lists and deactivates storefront products.
type ProductRepository interface {
	// ListActiveProducts returns active products ordered oldest first.
	ListActiveProducts(ctx context.Context, companyID uuid.UUID) ([]*Product, error)
	DeactivateProducts(ctx context.Context, ids []uuid.UUID) error
}

// PlanSettingsRepository reads per plan limits.
type PlanSettingsRepository interface {
	ListPlanLimits(ctx context.Context) (map[Plan]int, error)
}

type defLogger struct {
	entry *logrus.Entry
}

func newDefLogger(component string) Logger {
	return defLogger{entry: logrus.StandardLogger().WithField("component", component)}
}

// NewLogrusLogger adapts a logrus entry to Logger.
func NewLogrusLogger(entry *logrus.Entry) Logger {
	if entry == nil {
		entry = logrus.NewEntry(logrus.StandardLogger())
	}
	return defLogger{entry: entry}
}

func (d defLogger) Debug(msg string, args ...any) {
	d.entry.WithFields(fields(args)).Debug(msg)
}

func (d defLogger) Info(msg string, args ...any) {
	d.entry.WithFields(fields(args)).Info(msg)
}

func (d defLogger) Warn(msg string, args ...any) {
	d.entry.WithFields(fields(args)).Warn(msg)
}

func (d defLogger) Error(msg string, args ...any) {
	d.entry.WithFields(fields(args)).Error(msg)
}

func fields(args []any) logrus.Fields {
	f := logrus.Fields{}
	for i := 0; i < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = "arg"
		}
		if i+1 >= len(args) {
			f[key] = nil
			break
		}
		f[key] = args[i+1]
	}
	return f
}

func normalizeLogger(l Logger, component string) Logger {
	if l == nil {
		return newDefLogger(component)
	}
	return l
}

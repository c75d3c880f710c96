package local

import (
	"context"

	auth "github.com/goliatone/go-storefront-auth"
)

// Mailer delivers account emails
type Mailer interface {
	SendPasswordReset(ctx context.Context, email, link string) error
	SendConfirmation(ctx context.Context, email, token string) error
}

// LogMailer writes the links to the logger instead of sending them
type LogMailer struct {
	Logger auth.Logger
}

func (m LogMailer) SendPasswordReset(ctx context.Context, email, link string) error {
	if m.Logger != nil {
		m.Logger.Info("password reset requested", "email", email, "link", link)
	}
	return nil
}

func (m LogMailer) SendConfirmation(ctx context.Context, email, token string) error {
	if m.Logger != nil {
		m.Logger.Info("confirmation requested", "email", email, "token", token)
	}
	return nil
}

package auth

import (
	"time"

	"github.com/google/uuid"
)

// Session is the authenticated session handed out by an AuthProvider
type Session struct {
	UserID      uuid.UUID      `json:"user_id"`
	Email       string         `json:"email,omitempty"`
	AccessToken string         `json:"access_token,omitempty"`
	IssuedAt    *time.Time     `json:"issued_at,omitempty"`
	ExpiresAt   *time.Time     `json:"expires_at,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
}

// GetUserID returns the session user id as string
func (s *Session) GetUserID() string {
	if s == nil {
		return ""
	}
	return s.UserID.String()
}

// IsExpired reports whether the session expired at now. Sessions without
// an expiration never expire.
func (s *Session) IsExpired(now time.Time) bool {
	if s == nil {
		return true
	}
	if s.ExpiresAt == nil {
		return false
	}
	return !now.Before(*s.ExpiresAt)
}

// Valid checks the session carries a user
func (s *Session) Valid() bool {
	return s != nil && s.UserID != uuid.Nil
}

// Clone returns a shallow copy of the session
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

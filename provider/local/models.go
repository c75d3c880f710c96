package local

import (
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// Credential is the password login of a user
type Credential struct {
	bun.BaseModel `bun:"table:credentials,alias:crd"`

	UserID           uuid.UUID  `bun:"user_id,pk,notnull,type:uuid" json:"user_id"`
	Email            string     `bun:"email,notnull" json:"email"`
	PasswordHash     string     `bun:"password_hash,notnull" json:"-"`
	EmailConfirmedAt *time.Time `bun:"email_confirmed_at,nullzero" json:"email_confirmed_at,omitempty"`
	CreatedAt        *time.Time `bun:"created_at,nullzero,default:current_timestamp" json:"created_at,omitempty"`
	UpdatedAt        *time.Time `bun:"updated_at,nullzero,default:current_timestamp" json:"updated_at,omitempty"`
}

// Confirmed reports whether the email address was confirmed
func (c *Credential) Confirmed() bool {
	return c != nil && c.EmailConfirmedAt != nil
}

// ResetStatus is the state of a password reset
type ResetStatus string

const (
	ResetRequested ResetStatus = "requested"
	ResetChanged   ResetStatus = "changed"
	ResetExpired   ResetStatus = "expired"
)

// PasswordReset is a pending or completed password reset
type PasswordReset struct {
	bun.BaseModel `bun:"table:password_resets,alias:pwdr"`

	ID        uuid.UUID   `bun:"id,pk,notnull,type:uuid" json:"id"`
	UserID    uuid.UUID   `bun:"user_id,notnull,type:uuid" json:"user_id"`
	Email     string      `bun:"email,notnull" json:"email"`
	Status    ResetStatus `bun:"status,notnull" json:"status"`
	ExpiresAt time.Time   `bun:"expires_at,notnull" json:"expires_at"`
	ResetedAt *time.Time  `bun:"reseted_at,nullzero" json:"reseted_at,omitempty"`
	CreatedAt *time.Time  `bun:"created_at,nullzero,default:current_timestamp" json:"created_at,omitempty"`
}

// Usable reports whether the reset can still change the password at now
func (r *PasswordReset) Usable(now time.Time) bool {
	return r != nil && r.Status == ResetRequested && now.Before(r.ExpiresAt)
}

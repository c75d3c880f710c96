package local

import (
	"time"

	"golang.org/x/crypto/bcrypt"
)

const (
	DefaultTokenTTL = 24 * time.Hour
	DefaultResetTTL = time.Hour
	DefaultIssuer   = "storefront"
)

// Config holds the local provider settings
type Config struct {
	// SigningKey signs session, state and confirmation tokens.
	SigningKey []byte
	Issuer     string
	TokenTTL   time.Duration
	ResetTTL   time.Duration
	// HashCost is the bcrypt cost; zero uses bcrypt.DefaultCost.
	HashCost int
	// RequireConfirmedEmail rejects password sign in until the email
	// address is confirmed.
	RequireConfirmedEmail bool
	// SocialURLs maps a provider name ("google") to its authorize URL.
	SocialURLs map[string]string
}

func (c Config) withDefaults() Config {
	if c.Issuer == "" {
		c.Issuer = DefaultIssuer
	}
	if c.TokenTTL <= 0 {
		c.TokenTTL = DefaultTokenTTL
	}
	if c.ResetTTL <= 0 {
		c.ResetTTL = DefaultResetTTL
	}
	if c.HashCost == 0 {
		c.HashCost = bcrypt.DefaultCost
	}
	return c
}

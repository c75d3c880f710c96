package auth

import (
	"errors"

	goerrors "github.com/goliatone/go-errors"
)

const (
	textCodeInvalidCredentials  = "INVALID_CREDENTIALS"
	textCodeAccountBlocked      = "ACCOUNT_BLOCKED"
	textCodeNoSession           = "NO_SESSION"
	textCodeProviderUnsupported = "PROVIDER_UNSUPPORTED"
	textCodePasswordTooShort    = "PASSWORD_TOO_SHORT"
	textCodeInvalidUpgrade      = "INVALID_UPGRADE_REQUEST"
)

// MetadataKeyBlocked is set on errors caused by a blocked account.
const MetadataKeyBlocked = "is_blocked"

// ErrInvalidCredentials is returned when email or password do not match
var ErrInvalidCredentials = goerrors.New("invalid credentials", goerrors.CategoryAuth).
	WithTextCode(textCodeInvalidCredentials).
	WithCode(goerrors.CodeUnauthorized)

// ErrAccountBlocked is returned when the resolved profile is blocked.
var ErrAccountBlocked = goerrors.New("account is blocked", goerrors.CategoryAuth).
	WithTextCode(textCodeAccountBlocked).
	WithCode(goerrors.CodeForbidden).
	WithMetadata(map[string]any{MetadataKeyBlocked: true})

// ErrNoSession is returned by operations that need a signed in user
var ErrNoSession = goerrors.New("no active session", goerrors.CategoryAuth).
	WithTextCode(textCodeNoSession).
	WithCode(goerrors.CodeUnauthorized)

// ErrProviderUnsupported is returned for unknown social providers
var ErrProviderUnsupported = goerrors.New("social provider not supported", goerrors.CategoryBadInput).
	WithTextCode(textCodeProviderUnsupported).
	WithCode(goerrors.CodeBadRequest)

// ErrPasswordTooShort is returned by password updates below the minimum length
var ErrPasswordTooShort = goerrors.New("password too short", goerrors.CategoryValidation).
	WithTextCode(textCodePasswordTooShort).
	WithCode(goerrors.CodeBadRequest)

// ErrInvalidUpgradeRequest wraps validation failures of an upgrade request
var ErrInvalidUpgradeRequest = goerrors.New("invalid upgrade request", goerrors.CategoryValidation).
	WithTextCode(textCodeInvalidUpgrade).
	WithCode(goerrors.CodeBadRequest)

// IsBlocked reports whether err was caused by a blocked account.
func IsBlocked(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAccountBlocked) {
		return true
	}
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		if richErr.TextCode == textCodeAccountBlocked {
			return true
		}
		if blocked, ok := richErr.Metadata[MetadataKeyBlocked].(bool); ok && blocked {
			return true
		}
	}
	return false
}

// IsInvalidCredentials reports whether err is a credential mismatch
func IsInvalidCredentials(err error) bool {
	if err == nil {
		return false
	}
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return richErr.TextCode == textCodeInvalidCredentials
	}
	return false
}

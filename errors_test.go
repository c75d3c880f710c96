package auth_test

import (
	"errors"
	"fmt"
	"testing"

	auth "github.com/goliatone/go-storefront-auth"
	goerrors "github.com/goliatone/go-errors"
	"github.com/stretchr/testify/assert"
)

func TestIsBlocked(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{
			name:     "sentinel",
			err:      auth.ErrAccountBlocked,
			expected: true,
		},
		{
			name:     "wrapped sentinel",
			err:      fmt.Errorf("sign in: %w", auth.ErrAccountBlocked),
			expected: true,
		},
		{
			name: "rich error with blocked metadata",
			err: goerrors.New("profile disabled", goerrors.CategoryAuth).
				WithMetadata(map[string]any{auth.MetadataKeyBlocked: true}),
			expected: true,
		},
		{
			name:     "different structured error",
			err:      auth.ErrNoSession,
			expected: false,
		},
		{
			name:     "plain error",
			err:      errors.New("account is blocked"),
			expected: false,
		},
		{
			name:     "nil error",
			err:      nil,
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, auth.IsBlocked(tt.err))
		})
	}
}

func TestIsInvalidCredentials(t *testing.T) {
	assert.True(t, auth.IsInvalidCredentials(auth.ErrInvalidCredentials))
	assert.True(t, auth.IsInvalidCredentials(fmt.Errorf("provider: %w", auth.ErrInvalidCredentials)))
	assert.False(t, auth.IsInvalidCredentials(auth.ErrAccountBlocked))
	assert.False(t, auth.IsInvalidCredentials(errors.New("invalid credentials")))
	assert.False(t, auth.IsInvalidCredentials(nil))
}

func TestErrorCodes(t *testing.T) {
	assert.Equal(t, goerrors.CodeUnauthorized, auth.ErrNoSession.Code)
	assert.Equal(t, goerrors.CodeForbidden, auth.ErrAccountBlocked.Code)
	assert.Equal(t, goerrors.CodeBadRequest, auth.ErrPasswordTooShort.Code)
	assert.Equal(t, goerrors.CategoryValidation, auth.ErrInvalidUpgradeRequest.Category)
}

package local

import (
	goerrors "github.com/goliatone/go-errors"
)

var ErrTokenExpired = goerrors.New("token expired", goerrors.CategoryAuth).
	WithTextCode("TOKEN_EXPIRED").
	WithCode(goerrors.CodeUnauthorized)

var ErrTokenMalformed = goerrors.New("token malformed", goerrors.CategoryAuth).
	WithTextCode("TOKEN_MALFORMED").
	WithCode(goerrors.CodeUnauthorized)

var ErrResetUnusable = goerrors.New("password reset expired or already used", goerrors.CategoryBadInput).
	WithTextCode("RESET_UNUSABLE").
	WithCode(goerrors.CodeBadRequest)

var ErrEmailNotConfirmed = goerrors.New("email not confirmed", goerrors.CategoryAuth).
	WithTextCode("EMAIL_NOT_CONFIRMED").
	WithCode(goerrors.CodeForbidden)

// IsMalformedError reports whether err is a malformed token error
func IsMalformedError(err error) bool {
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return richErr.TextCode == ErrTokenMalformed.TextCode
	}
	return false
}

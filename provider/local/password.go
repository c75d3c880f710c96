package local

import (
	"errors"

	goerrors "github.com/goliatone/go-errors"
	"golang.org/x/crypto/bcrypt"
)

var ErrEmptyPassword = goerrors.New("password must not be empty", goerrors.CategoryBadInput).
	WithTextCode("EMPTY_PASSWORD")

// HashPassword returns the bcrypt hash of password
func HashPassword(password string, cost int) (string, error) {
	if password == "" {
		return "", ErrEmptyPassword
	}
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}

	h, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	return string(h), err
}

// ComparePasswordAndHash reports whether password matches hash. A mismatch
// returns false with a nil error.
func ComparePasswordAndHash(password, hash string) (bool, error) {
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

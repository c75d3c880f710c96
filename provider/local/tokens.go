package local

import (
	"fmt"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"
	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
)

// Token purposes
const (
	PurposeSession      = "session"
	PurposeState        = "state"
	PurposeConfirmation = "confirmation"
)

// Claims are the claims of every token minted by TokenService
type Claims struct {
	jwt.RegisteredClaims
	Email   string `json:"email,omitempty"`
	Purpose string `json:"purpose"`
	// RedirectTo is set on state tokens.
	RedirectTo string `json:"redirect_to,omitempty"`
}

// UserID parses the subject
func (c *Claims) UserID() (uuid.UUID, error) {
	return uuid.Parse(c.Subject)
}

// TokenValidator validates a token and returns its claims
type TokenValidator interface {
	Validate(tokenString string) (*Claims, error)
}

// TokenService mints and validates HS256 tokens
type TokenService struct {
	signingKey []byte
	issuer     string
	now        func() time.Time
}

// NewTokenService returns a TokenService signing with key
func NewTokenService(key []byte, issuer string, now func() time.Time) *TokenService {
	if now == nil {
		now = time.Now
	}
	return &TokenService{
		signingKey: key,
		issuer:     issuer,
		now:        now,
	}
}

// Mint signs a token for subject valid for ttl
func (ts *TokenService) Mint(subject, email, purpose string, ttl time.Duration) (string, *Claims, error) {
	claims := &Claims{
		RegisteredClaims: newRegistered(ts.now(), ts.issuer, subject, ttl),
		Email:            email,
		Purpose:          purpose,
	}
	signed, err := ts.Sign(claims)
	if err != nil {
		return "", nil, err
	}
	return signed, claims, nil
}

// Sign signs arbitrary claims
func (ts *TokenService) Sign(claims *Claims) (string, error) {
	if claims == nil {
		return "", goerrors.New("claims must not be nil", goerrors.CategoryInternal)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(ts.signingKey)
	if err != nil {
		return "", goerrors.Wrap(err, goerrors.CategoryInternal, "failed to sign JWT")
	}
	return signed, nil
}

// Validate parses tokenString and checks its signature, issuer and expiry
func (ts *TokenService) Validate(tokenString string) (*Claims, error) {
	parserOptions := []jwt.ParserOption{jwt.WithTimeFunc(ts.now)}
	if ts.issuer != "" {
		parserOptions = append(parserOptions, jwt.WithIssuer(ts.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return ts.signingKey, nil
	}, parserOptions...)

	return claimsFrom(token, err)
}

// ValidatePurpose validates tokenString and requires its purpose
func (ts *TokenService) ValidatePurpose(tokenString, purpose string) (*Claims, error) {
	claims, err := ts.Validate(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.Purpose != purpose {
		return nil, malformed(fmt.Errorf("unexpected token purpose %q", claims.Purpose))
	}
	return claims, nil
}

// JWKSValidator validates tokens issued by a hosted identity provider
// against its published key set.
type JWKSValidator struct {
	jwks   *keyfunc.JWKS
	issuer string
}

// NewJWKSValidator fetches the key set at url and keeps it refreshed in
// the background until Close.
func NewJWKSValidator(url, issuer string, onRefreshError func(error)) (*JWKSValidator, error) {
	jwks, err := keyfunc.Get(url, keyfunc.Options{
		RefreshErrorHandler: onRefreshError,
		RefreshInterval:     time.Hour,
		RefreshRateLimit:    time.Minute * 5,
		RefreshTimeout:      time.Second * 10,
		RefreshUnknownKID:   true,
	})
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryOperation, "failed to get JWK set")
	}
	return &JWKSValidator{jwks: jwks, issuer: issuer}, nil
}

// NewJWKSValidatorJSON uses a static key set
func NewJWKSValidatorJSON(raw []byte, issuer string) (*JWKSValidator, error) {
	jwks, err := keyfunc.NewJSON(raw)
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryBadInput, "invalid JWK set")
	}
	return &JWKSValidator{jwks: jwks, issuer: issuer}, nil
}

func (v *JWKSValidator) Validate(tokenString string) (*Claims, error) {
	var opts []jwt.ParserOption
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, v.jwks.Keyfunc, opts...)
	return claimsFrom(token, err)
}

// Close stops the background refresh
func (v *JWKSValidator) Close() {
	v.jwks.EndBackground()
}

// MultiTokenValidator tries validators in order. Malformed errors move on
// to the next validator.
type MultiTokenValidator struct {
	validators []TokenValidator
}

// NewMultiTokenValidator drops nil validators
func NewMultiTokenValidator(validators ...TokenValidator) *MultiTokenValidator {
	filtered := make([]TokenValidator, 0, len(validators))
	for _, v := range validators {
		if v != nil {
			filtered = append(filtered, v)
		}
	}
	return &MultiTokenValidator{validators: filtered}
}

func (m *MultiTokenValidator) Validate(tokenString string) (*Claims, error) {
	var lastErr error
	for _, v := range m.validators {
		claims, err := v.Validate(tokenString)
		if err == nil {
			return claims, nil
		}
		if IsMalformedError(err) {
			lastErr = err
			continue
		}
		return nil, err
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, ErrTokenMalformed
}

func newRegistered(now time.Time, issuer, subject string, ttl time.Duration) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Issuer:    issuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
}

func claimsFrom(token *jwt.Token, err error) (*Claims, error) {
	if err != nil {
		if goerrors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, malformed(err)
	}
	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, ErrTokenMalformed
}

func malformed(err error) error {
	return goerrors.Wrap(err, ErrTokenMalformed.Category, ErrTokenMalformed.Message).
		WithTextCode(ErrTokenMalformed.TextCode)
}

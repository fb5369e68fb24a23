// Package admin exposes the dashboard-facing HTTP surface: the voice
// catalog, per-channel TTS settings CRUD, and the ignore list. All
// channel-scoped endpoints require a signed bearer token whose
// userLogin claim matches the path login.
package admin

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token validation failures. Handlers map all of them to 401.
var (
	ErrBadToken = errors.New("admin: invalid token")
	ErrNoLogin  = errors.New("admin: token carries no userLogin claim")
)

// Claims is the signed-token payload. UserLogin scopes the token to one
// channel.
type Claims struct {
	UserLogin string `json:"userLogin"`
	jwt.RegisteredClaims
}

// Auth signs and verifies the HS256 tokens used by both the dashboard
// bearer flow and the overlay query parameter.
type Auth struct {
	secret   []byte
	issuer   string
	audience string
}

// NewAuth creates an Auth with the shared signing secret.
func NewAuth(secret, issuer, audience string) *Auth {
	return &Auth{secret: []byte(secret), issuer: issuer, audience: audience}
}

// Verify parses and validates token, returning the lowercase userLogin
// claim.
func (a *Auth) Verify(token string) (string, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims,
		func(t *jwt.Token) (any, error) { return a.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(a.issuer),
		jwt.WithAudience(a.audience),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrBadToken, err)
	}
	if claims.UserLogin == "" {
		return "", ErrNoLogin
	}
	return strings.ToLower(claims.UserLogin), nil
}

// VerifyOverlayToken validates the token carried in the overlay URL.
// Same scheme as the bearer token; the fan-out server only uses it to
// mark a connection authenticated.
func (a *Auth) VerifyOverlayToken(token string) (string, error) {
	return a.Verify(token)
}

// Issue mints a token for login valid for ttl. Used when a channel is
// first managed to embed a token in its overlay URL.
func (a *Auth) Issue(login string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserLogin: strings.ToLower(login),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.issuer,
			Audience:  jwt.ClaimStrings{a.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("admin: sign token: %w", err)
	}
	return signed, nil
}

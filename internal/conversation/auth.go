package conversation

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized is returned when a request carries no valid token
var ErrUnauthorized = errors.New("unauthorized")

// Claims identifies the user attached to a client connection
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role,omitempty"`
}

// Authenticator verifies HS256 bearer tokens. A zero secret disables it.
type Authenticator struct {
	secret []byte
}

// NewAuthenticator creates an authenticator; an empty secret accepts everything
func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// Enabled reports whether tokens are checked
func (a *Authenticator) Enabled() bool {
	return a != nil && len(a.secret) > 0
}

// Authenticate reads the token from the Authorization header or the token
// query parameter. Browsers cannot set headers on WebSocket upgrades.
func (a *Authenticator) Authenticate(r *http.Request) (*Claims, error) {
	if !a.Enabled() {
		return &Claims{}, nil
	}

	raw := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
	if raw == "" {
		raw = r.URL.Query().Get("token")
	}
	if raw == "" {
		return nil, ErrUnauthorized
	}
	return a.Parse(raw)
}

// Parse validates a signed token
func (a *Authenticator) Parse(raw string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if !token.Valid {
		return nil, ErrUnauthorized
	}
	return claims, nil
}

// Sign issues a token for claims. Used by tooling and tests.
func (a *Authenticator) Sign(claims *Claims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

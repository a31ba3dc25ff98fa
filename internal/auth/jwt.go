// Package auth verifies the identity tokens presented by callers. An identity
// is optional: it only enables the stored-credential fallback when no API key
// header is present.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for malformed, expired or wrongly signed tokens.
var ErrInvalidToken = errors.New("auth: invalid token")

// Claims carries the caller's username. Identity providers such as Keycloak
// put it in preferred_username; sub is used when that claim is absent.
type Claims struct {
	PreferredUsername string `json:"preferred_username,omitempty"`
	jwt.RegisteredClaims
}

// Identity is the authenticated caller.
type Identity struct {
	Username string
}

// Verifier validates HS256 identity tokens against a shared secret.
type Verifier struct {
	secret []byte
}

// NewVerifier returns nil for an empty secret; a nil Verifier never yields an
// identity.
func NewVerifier(secret string) *Verifier {
	if secret == "" {
		return nil
	}
	return &Verifier{secret: []byte(secret)}
}

// Issue signs a token for username. It is used by tests and local tooling.
func (v *Verifier) Issue(username string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		PreferredUsername: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

// Verify parses and validates tokenString.
func (v *Verifier) Verify(tokenString string) (*Identity, error) {
	if v == nil {
		return nil, ErrInvalidToken
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	name := claims.PreferredUsername
	if name == "" {
		name = claims.Subject
	}
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("%w: no username claim", ErrInvalidToken)
	}
	return &Identity{Username: name}, nil
}

// FromHeader extracts the identity from an Authorization header value. It
// returns "" when there is no valid token.
func (v *Verifier) FromHeader(authorization string) string {
	if v == nil {
		return ""
	}
	tok := BearerToken(authorization)
	if tok == "" {
		return ""
	}
	id, err := v.Verify(tok)
	if err != nil {
		return ""
	}
	return id.Username
}

// BearerToken returns the credential of a "Bearer <token>" header value. The
// scheme is matched case-insensitively.
func BearerToken(header string) string {
	const prefix = "bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

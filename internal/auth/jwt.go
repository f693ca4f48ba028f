// Package auth is the session boundary: it validates a bearer JWT against
// a JWKS endpoint and produces the session.Session the rest of the gateway
// consumes. Nothing past this package ever parses a token.
package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/benhollis/remotegw/internal/session"
)

// Claims are the JWT claims the gateway expects. Permissions and workspace
// are carried directly on the token so the gateway does not need a separate
// authorization lookup.
type Claims struct {
	jwt.RegisteredClaims
	Workspace   string   `json:"workspace"`
	Permissions []string `json:"permissions"`
}

// Validator validates bearer tokens using a remote JWKS endpoint.
type Validator struct {
	jwks     keyfunc.Keyfunc
	audience string
	issuer   string
}

// NewValidator creates a Validator that fetches and caches keys from jwksURL.
func NewValidator(jwksURL, audience, issuer string) (*Validator, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	k, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("create JWKS keyfunc: %w", err)
	}

	return &Validator{jwks: k, audience: audience, issuer: issuer}, nil
}

// Validate parses and verifies tokenString, returning the claims on success.
func (v *Validator) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, v.jwks.Keyfunc)
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, fmt.Errorf("invalid claims type")
	}

	if v.audience != "" {
		aud, err := claims.GetAudience()
		if err != nil {
			return nil, fmt.Errorf("get audience: %w", err)
		}
		if !containsAny(aud, v.audience) {
			return nil, fmt.Errorf("invalid audience")
		}
	}

	if v.issuer != "" {
		iss, err := claims.GetIssuer()
		if err != nil {
			return nil, fmt.Errorf("get issuer: %w", err)
		}
		if iss != v.issuer {
			return nil, fmt.Errorf("invalid issuer")
		}
	}

	return claims, nil
}

// SessionFromClaims builds the session.Session the gateway core will use for
// the lifetime of one socket, assigning it a fresh socket-scoped session id.
func SessionFromClaims(claims *Claims, sessionID string) *session.Session {
	perms := make([]session.Permission, 0, len(claims.Permissions))
	for _, p := range claims.Permissions {
		perms = append(perms, session.Permission(strings.ToUpper(p)))
	}
	return session.NewSession(sessionID, claims.Subject, claims.Workspace, perms)
}

func containsAny(haystack []string, want string) bool {
	for _, h := range haystack {
		if h == want {
			return true
		}
	}
	return false
}

// Close does nothing: the JWKS refresh context is cancelled as soon as
// NewValidator returns, so the Validator holds no resources to release.
func (v *Validator) Close() {}

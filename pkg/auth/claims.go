// Package auth authenticates API callers from bearer JWTs and resolves them
// into the models.Actor the consolidation core expects.
package auth

import (
	"context"
	"slices"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

// ClaimsKey is the context key for the validated token claims.
const ClaimsKey contextKey = "claims"

// Claims is the token payload accepted by the API. Subject becomes the
// actor id recorded on change log entries.
type Claims struct {
	jwt.RegisteredClaims
	Email string   `json:"email,omitempty"`
	Roles []string `json:"roles,omitempty"`
}

// HasRole reports whether the token carries the role.
func (c *Claims) HasRole(role string) bool {
	return role != "" && slices.Contains(c.Roles, role)
}

// GetClaims retrieves claims from the request context.
func GetClaims(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(ClaimsKey).(*Claims)
	return claims, ok
}

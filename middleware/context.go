package middleware

import (
	"context"

	"github.com/golang-jwt/jwt/v5"
)

// Context key type to avoid collisions
type contextKey string

// ClaimsKey is the context key for operator claims
const ClaimsKey contextKey = "claims"

// RoleOperator may change weights, statuses and trigger evaluations.
const RoleOperator = "operator"

// Claims are the operator token claims
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// GetClaimsFromContext retrieves operator claims from context
func GetClaimsFromContext(ctx context.Context) *Claims {
	if val := ctx.Value(ClaimsKey); val != nil {
		if claims, ok := val.(*Claims); ok {
			return claims
		}
	}
	return nil
}

// WithClaims adds operator claims to the context
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, ClaimsKey, claims)
}

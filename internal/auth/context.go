// Package auth provides API key authentication and role checks.
package auth

import (
	"context"
)

// AuthContext holds authentication information for the current request.
type AuthContext struct {
	Role Role
	// Anonymous is set when no key was presented and the role was granted
	// because its key is not configured.
	Anonymous bool
}

// contextKey is a private type for context keys to avoid collisions.
type contextKey int

const authContextKey contextKey = iota

// WithAuthContext adds authentication context to a context.
func WithAuthContext(ctx context.Context, auth *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey, auth)
}

// GetAuthContext retrieves authentication context from a context.
// Returns nil if no auth context is present.
func GetAuthContext(ctx context.Context) *AuthContext {
	auth, ok := ctx.Value(authContextKey).(*AuthContext)
	if !ok {
		return nil
	}
	return auth
}

// ABOUTME: Authentication context for carrying the verified principal through handlers.
// ABOUTME: Provides WithAuth/FromContext for propagating auth info via context.

package auth

import (
	"context"
)

// AuthContext holds the identity extracted from an accepted request.
type AuthContext struct {
	PrincipalID string
}

// authContextKey is the key type for storing AuthContext in context.Context.
type authContextKey struct{}

// WithAuth returns a new context with the AuthContext attached.
func WithAuth(ctx context.Context, auth *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, auth)
}

// FromContext retrieves the AuthContext from the context, returning nil if not present.
func FromContext(ctx context.Context) *AuthContext {
	auth, ok := ctx.Value(authContextKey{}).(*AuthContext)
	if !ok {
		return nil
	}
	return auth
}

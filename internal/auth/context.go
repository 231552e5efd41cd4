// ABOUTME: Authentication context for tracking identity through request handlers
// ABOUTME: Provides WithAuth/FromContext for propagating verified claims via context

package auth

import (
	"context"
)

// AuthContext holds the identity extracted from a verified token.
type AuthContext struct {
	Subject string
	Role    string
}

// IsAdmin reports whether the identity holds the admin role.
func (a *AuthContext) IsAdmin() bool {
	return a != nil && a.Role == RoleAdmin
}

type authContextKey struct{}

// WithAuth returns a new context with the AuthContext attached.
func WithAuth(ctx context.Context, auth *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, auth)
}

// FromContext retrieves the AuthContext from the context, returning nil if not present.
func FromContext(ctx context.Context) *AuthContext {
	auth, _ := ctx.Value(authContextKey{}).(*AuthContext)
	return auth
}

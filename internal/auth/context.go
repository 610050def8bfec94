// ABOUTME: Authentication context for tracking identity through request handlers
// ABOUTME: Provides WithAuth/FromContext for propagating auth info via context

package auth

import (
	"context"
)

// AuthContext holds the authenticated identity extracted from a request.
type AuthContext struct {
	PrincipalID string   // token subject
	Role        Role     // token audience
	Roles       []string // role-list claim
}

// HasRole returns true if the role-list claim contains name.
func (a *AuthContext) HasRole(name string) bool {
	for _, r := range a.Roles {
		if r == name {
			return true
		}
	}
	return false
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

// contextFromClaims builds an AuthContext from verified claims.
func contextFromClaims(c *Claims) *AuthContext {
	roles := make([]string, len(c.Roles))
	copy(roles, c.Roles)
	return &AuthContext{
		PrincipalID: c.Subject,
		Role:        c.Role,
		Roles:       roles,
	}
}

// ABOUTME: HTTP middleware for JWT authentication on API endpoints
// ABOUTME: Extracts bearer tokens from headers or query and adds identity to context

package auth

import (
	"net/http"
	"slices"
	"strings"
)

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// TokenFromRequest returns the bearer token of a request. Browser WebSocket
// clients cannot set headers, so the "token" query parameter is accepted
// when no Authorization header is present.
func TokenFromRequest(r *http.Request) (string, string) {
	if r.Header.Get("Authorization") == "" {
		if token := r.URL.Query().Get("token"); token != "" {
			return token, ""
		}
	}
	return extractBearerToken(r.Header.Get("Authorization"))
}

func writeAuthError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}

// HTTPAuthMiddleware verifies the bearer token and attaches an AuthContext.
// If roles are given, the token audience must be one of them.
func HTTPAuthMiddleware(verifier TokenVerifier, roles ...Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := TokenFromRequest(r)
			if errMsg != "" {
				writeAuthError(w, http.StatusUnauthorized, errMsg)
				return
			}

			claims, err := verifier.Verify(token)
			if err != nil {
				writeAuthError(w, http.StatusUnauthorized, "invalid token")
				return
			}

			if len(roles) > 0 && !slices.Contains(roles, claims.Role) {
				writeAuthError(w, http.StatusUnauthorized, "token audience not allowed")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), contextFromClaims(claims))))
		})
	}
}

// RequireRoleClaim creates an HTTP middleware that requires the named entry
// in the token's role-list claim. Must be used after HTTPAuthMiddleware.
func RequireRoleClaim(name string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authCtx := FromContext(r.Context())
			if authCtx == nil {
				writeAuthError(w, http.StatusUnauthorized, "not authenticated")
				return
			}

			if !authCtx.HasRole(name) {
				writeAuthError(w, http.StatusForbidden, name+" role required")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

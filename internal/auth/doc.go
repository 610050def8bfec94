// Package auth provides authentication and authorization for omni-gateway.
//
// # Identity Tokens
//
// Agents and operators authenticate with HS256 JWTs signed by the gateway
// with the configured auth.jwt_secret. The audience claim carries the
// principal's role and must be exactly one of "agent" or "operator":
//
//	tokens := auth.NewTokenService(secret)
//	token, err := tokens.Issue("A1", auth.RoleAgent, nil, 6*time.Hour)
//	claims, err := tokens.Verify(token)
//
// Verify returns ErrExpiredToken, ErrMalformedToken or ErrInvalidToken.
// Tokens are independent of each other: issuing a new token for a subject
// never invalidates an earlier one.
//
// # HTTP
//
// HTTPAuthMiddleware extracts the bearer token (Authorization header, or the
// "token" query parameter for browser WebSocket clients), verifies it and
// stores an AuthContext in the request context. RequireRoleClaim gates
// endpoints on the optional role-list claim, e.g. "admin".
//
// # Operator Directory
//
// Directory holds the operator accounts from config. Accounts may carry a
// bcrypt password hash; without one the login is email-only, which is only
// suitable for demos.
package auth

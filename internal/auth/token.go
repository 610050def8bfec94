// ABOUTME: JWT issuing and verification for agent and operator identities
// ABOUTME: Uses HS256 signing with an injected secret

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Token errors
var (
	ErrInvalidToken   = errors.New("invalid token")
	ErrExpiredToken   = errors.New("token expired")
	ErrMalformedToken = errors.New("malformed token")
	ErrSigning        = errors.New("token signing failed")
)

// Claims is the payload of an identity token.
type Claims struct {
	jwt.RegisteredClaims

	// Roles is the optional role-list claim, e.g. ["operator", "admin"].
	Roles []string `json:"roles,omitempty"`

	// Role is derived from the audience during verification.
	Role Role `json:"-"`
}

// HasRole reports whether the role-list claim contains name.
func (c *Claims) HasRole(name string) bool {
	for _, r := range c.Roles {
		if r == name {
			return true
		}
	}
	return false
}

// TokenVerifier defines the interface for token verification
type TokenVerifier interface {
	Verify(tokenString string) (*Claims, error)
}

// TokenService issues and verifies HS256 signed JWTs.
type TokenService struct {
	secret []byte
	now    func() time.Time
}

// NewTokenService creates a token service signing with the given secret.
func NewTokenService(secret []byte) *TokenService {
	return &TokenService{secret: secret, now: time.Now}
}

// Issue creates a signed token for subject with the role as audience.
// Every call produces a distinct token; issuing never invalidates earlier ones.
func (s *TokenService) Issue(subject string, role Role, roles []string, ttl time.Duration) (string, error) {
	if len(s.secret) == 0 {
		return "", fmt.Errorf("%w: no signing secret configured", ErrSigning)
	}
	if subject == "" {
		return "", fmt.Errorf("%w: subject is required", ErrSigning)
	}
	if !role.Valid() {
		return "", fmt.Errorf("%w: invalid role %v", ErrSigning, role)
	}

	now := s.now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   subject,
			Audience:  jwt.ClaimStrings{role.String()},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Roles: roles,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSigning, err)
	}
	return signed, nil
}

// Verify validates the token signature, expiry and audience.
func (s *TokenService) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrExpiredToken
		case errors.Is(err, jwt.ErrTokenMalformed):
			return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
		default:
			return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}
	}

	if len(claims.Audience) != 1 {
		return nil, fmt.Errorf("%w: expected exactly one audience, got %d", ErrInvalidToken, len(claims.Audience))
	}
	role, err := ParseRole(claims.Audience[0])
	if err != nil {
		return nil, err
	}
	claims.Role = role

	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing sub claim", ErrInvalidToken)
	}
	return claims, nil
}

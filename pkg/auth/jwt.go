// Package auth issues and checks the bearer tokens that guard a tier's
// admin listener.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken  = errors.New("invalid token")
	ErrExpiredToken  = errors.New("token has expired")
	ErrInvalidClaims = errors.New("invalid token claims")
	ErrEmptySubject  = errors.New("subject cannot be empty")
	ErrInvalidRole   = errors.New("invalid role")
	ErrShortSecret   = errors.New("secret must be at least 32 characters")
	ErrForbidden     = errors.New("role not permitted")
)

// MinSecretLength is the shortest accepted signing secret
const MinSecretLength = 32

// Roles, weakest first. An operator may do everything a viewer may.
const (
	RoleViewer   = "viewer"
	RoleOperator = "operator"
)

var roleRank = map[string]int{
	RoleViewer:   1,
	RoleOperator: 2,
}

// ValidRole reports whether role is known
func ValidRole(role string) bool {
	_, ok := roleRank[role]
	return ok
}

// Claims identify the holder of an admin token
type Claims struct {
	Subject   string
	Role      string
	Tier      string
	ExpiresAt time.Time
	IssuedAt  time.Time
}

// Allows reports whether the claims carry at least role
func (c *Claims) Allows(role string) bool {
	return roleRank[c.Role] >= roleRank[role] && roleRank[role] > 0
}

type tokenClaims struct {
	Role string `json:"role"`
	Tier string `json:"tier,omitempty"`
	jwt.RegisteredClaims
}

// TokenManager signs and validates HS256 admin tokens
type TokenManager struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenManager creates a manager. Tokens it issues live for ttl.
func NewTokenManager(secret string, ttl time.Duration) (*TokenManager, error) {
	if len(secret) < MinSecretLength {
		return nil, ErrShortSecret
	}
	if ttl <= 0 {
		return nil, errors.New("token ttl must be positive")
	}
	return &TokenManager{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// Generate issues a token for subject with role. A non-empty tier pins
// the token to one tier id.
func (m *TokenManager) Generate(subject, role, tier string) (string, error) {
	if subject == "" {
		return "", ErrEmptySubject
	}
	if !ValidRole(role) {
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}

	now := m.now()
	claims := tokenClaims{
		Role: role,
		Tier: tier,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Validate parses a token and returns its claims
func (m *TokenManager) Validate(token string) (*Claims, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}

	var claims tokenClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithTimeFunc(m.now), jwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return nil, ErrInvalidToken
	}

	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidClaims)
	}
	if !ValidRole(claims.Role) {
		return nil, fmt.Errorf("%w: role %q", ErrInvalidClaims, claims.Role)
	}

	out := &Claims{
		Subject: claims.Subject,
		Role:    claims.Role,
		Tier:    claims.Tier,
	}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.Time
	}
	if claims.IssuedAt != nil {
		out.IssuedAt = claims.IssuedAt.Time
	}
	return out, nil
}

// TTL returns how long issued tokens live
func (m *TokenManager) TTL() time.Duration {
	return m.ttl
}

// Package auth issues and validates the bearer tokens guarding the job API.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken  = errors.New("invalid token")
	ErrExpiredToken  = errors.New("token has expired")
	ErrInvalidClaims = errors.New("invalid token claims")
	ErrInvalidRole   = errors.New("unknown role")
)

// Role represents a caller's access level
type Role string

const (
	// RoleOperator may create, kill and restart jobs.
	RoleOperator Role = "operator"
	// RoleViewer may only read jobs, tasks and events.
	RoleViewer Role = "viewer"
)

var roleLevel = map[Role]int{
	RoleOperator: 50,
	RoleViewer:   10,
}

// ParseRole validates a role name.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if _, ok := roleLevel[r]; !ok {
		return "", ErrInvalidRole
	}
	return r, nil
}

// HasPermission checks if role has at least the required permission level
func (r Role) HasPermission(required Role) bool {
	level, ok := roleLevel[r]
	return ok && level >= roleLevel[required]
}

// Claims represents JWT token claims
type Claims struct {
	jwt.RegisteredClaims
	Role Role `json:"role"`
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	SecretKey   string
	Issuer      string
	TokenExpiry time.Duration
}

// DefaultJWTConfig returns defaults; the secret must come from configuration.
func DefaultJWTConfig() JWTConfig {
	return JWTConfig{
		Issuer:      "lenrd",
		TokenExpiry: 24 * time.Hour,
	}
}

// JWTService handles JWT operations
type JWTService struct {
	config JWTConfig
}

// NewJWTService creates a new JWT service
func NewJWTService(config JWTConfig) (*JWTService, error) {
	if config.SecretKey == "" {
		return nil, errors.New("JWT secret key is required")
	}
	return &JWTService{config: config}, nil
}

// GenerateToken signs a token for subject with the given role.
func (s *JWTService) GenerateToken(subject string, role Role) (string, error) {
	if _, ok := roleLevel[role]; !ok {
		return "", ErrInvalidRole
	}
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.config.Issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.config.TokenExpiry)),
			NotBefore: jwt.NewNumericDate(now),
		},
		Role: role,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.config.SecretKey))
}

// ValidateToken validates a JWT token and returns the claims
func (s *JWTService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return []byte(s.config.SecretKey), nil
	}, jwt.WithIssuer(s.config.Issuer))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidClaims
	}
	if _, ok := roleLevel[claims.Role]; !ok {
		return nil, ErrInvalidClaims
	}

	return claims, nil
}

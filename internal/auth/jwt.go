package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// RoleViewer may read the live state and drive the agent
const RoleViewer = "viewer"

// DefaultTokenTTL is the lifetime of minted viewer tokens
const DefaultTokenTTL = 7 * 24 * time.Hour

// ErrInvalidRole is returned for tokens that are valid but not viewer tokens
var ErrInvalidRole = errors.New("token role is not allowed")

// JWTClaims represents the claims in our JWT token
type JWTClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Issuer mints and validates HS256 tokens with one shared secret
type Issuer struct {
	secret []byte
	now    func() time.Time
}

// NewIssuer creates an Issuer. The secret comes from KOVA_JWT_SECRET.
func NewIssuer(secret string) (*Issuer, error) {
	if secret == "" {
		return nil, errors.New("KOVA_JWT_SECRET is required")
	}
	return &Issuer{secret: []byte(secret), now: time.Now}, nil
}

// GenerateViewerToken generates a viewer token for subject. A zero ttl uses
// DefaultTokenTTL.
func (i *Issuer) GenerateViewerToken(subject string, ttl time.Duration) (string, time.Time, error) {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	now := i.now()
	expiresAt := now.Add(ttl)

	claims := &JWTClaims{
		Role: RoleViewer,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// ValidateToken validates a viewer token and returns its claims
func (i *Issuer) ValidateToken(tokenString string) (*JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*JWTClaims)
	if !ok || !token.Valid {
		return nil, jwt.ErrInvalidKey
	}
	if claims.Role != RoleViewer {
		return nil, ErrInvalidRole
	}
	return claims, nil
}

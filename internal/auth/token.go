// ABOUTME: JWT issuing and verification for adapter and admin credentials
// ABOUTME: Uses HS256 signing with the configured jwt_secret

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// MinSecretLength is the shortest accepted signing secret.
const MinSecretLength = 32

// Roles carried in the "role" claim.
const (
	RoleAdapter = "adapter"
	RoleAdmin   = "admin"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
	ErrShortSecret  = fmt.Errorf("jwt secret must be at least %d bytes", MinSecretLength)
	ErrUnknownRole  = errors.New("unknown role")
)

// Claims are the gateway's JWT claims. Subject is a node ID for adapter
// tokens and an operator name for admin tokens.
type Claims struct {
	Role     string `json:"role"`
	Platform string `json:"platform,omitempty"`
	jwt.RegisteredClaims
}

// TokenVerifier verifies tokens.
type TokenVerifier interface {
	Verify(tokenString string) (*Claims, error)
}

// TokenIssuer mints tokens.
type TokenIssuer interface {
	Generate(subject, role string, expiresIn time.Duration) (string, error)
}

// JWTVerifier implements TokenVerifier and TokenIssuer using HS256.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a verifier. The secret must be at least
// MinSecretLength bytes.
func NewJWTVerifier(secret []byte) (*JWTVerifier, error) {
	if len(secret) < MinSecretLength {
		return nil, ErrShortSecret
	}
	return &JWTVerifier{secret: secret}, nil
}

// Verify validates the token and returns its claims.
func (v *JWTVerifier) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	if claims.Role == "" {
		return nil, fmt.Errorf("%w: role", ErrMissingClaim)
	}
	return claims, nil
}

// Generate creates a token for subject with the given role. A zero
// expiresIn creates a token that never expires.
func (v *JWTVerifier) Generate(subject, role string, expiresIn time.Duration) (string, error) {
	if role != RoleAdapter && role != RoleAdmin {
		return "", fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}
	now := time.Now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  subject,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if expiresIn > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(expiresIn))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

// AuthorizeAdapter checks a register-handshake token for nodeID. Admin
// tokens may register any node; adapter tokens only their own subject.
func AuthorizeAdapter(v TokenVerifier, token, nodeID string) (*Claims, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: token required", ErrInvalidToken)
	}
	claims, err := v.Verify(token)
	if err != nil {
		return nil, err
	}
	switch claims.Role {
	case RoleAdmin:
		return claims, nil
	case RoleAdapter:
		if claims.Subject != nodeID {
			return nil, fmt.Errorf("%w: token issued for %q", ErrInvalidToken, claims.Subject)
		}
		return claims, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownRole, claims.Role)
	}
}

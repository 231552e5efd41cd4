// ABOUTME: Unit tests for JWT token verification and generation
// ABOUTME: Tests valid tokens, invalid tokens, expired tokens, and adapter authorization

package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var testSecret = []byte("test-secret-key-for-jwt-signing!")

func newTestVerifier(t *testing.T) *JWTVerifier {
	t.Helper()
	v, err := NewJWTVerifier(testSecret)
	if err != nil {
		t.Fatalf("NewJWTVerifier() error = %v", err)
	}
	return v
}

func TestNewJWTVerifier_ShortSecret(t *testing.T) {
	if _, err := NewJWTVerifier([]byte("short")); !errors.Is(err, ErrShortSecret) {
		t.Errorf("NewJWTVerifier() error = %v, want ErrShortSecret", err)
	}
}

func TestJWTVerifier_ValidToken(t *testing.T) {
	verifier := newTestVerifier(t)

	token, err := verifier.Generate("discord-main", RoleAdapter, time.Hour)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	claims, err := verifier.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if claims.Subject != "discord-main" {
		t.Errorf("Subject = %q, want %q", claims.Subject, "discord-main")
	}
	if claims.Role != RoleAdapter {
		t.Errorf("Role = %q, want %q", claims.Role, RoleAdapter)
	}
	if claims.ExpiresAt == nil {
		t.Error("expected exp claim")
	}
}

func TestJWTVerifier_NoExpiry(t *testing.T) {
	verifier := newTestVerifier(t)

	token, err := verifier.Generate("ops", RoleAdmin, 0)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	claims, err := verifier.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if claims.ExpiresAt != nil {
		t.Errorf("ExpiresAt = %v, want nil", claims.ExpiresAt)
	}
}

func TestJWTVerifier_InvalidToken(t *testing.T) {
	verifier := newTestVerifier(t)

	other, err := NewJWTVerifier([]byte("a-different-secret-of-32-bytes!!"))
	if err != nil {
		t.Fatal(err)
	}
	wrongSecret, _ := other.Generate("discord-main", RoleAdapter, time.Hour)

	noRole, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "x"}).SignedString(testSecret)
	noSub, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"role": RoleAdmin}).SignedString(testSecret)

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{name: "empty token", token: "", want: ErrInvalidToken},
		{name: "garbage token", token: "not-a-jwt-token", want: ErrInvalidToken},
		{name: "malformed JWT", token: "header.payload.signature", want: ErrInvalidToken},
		{name: "wrong secret", token: wrongSecret, want: ErrInvalidToken},
		{name: "missing role", token: noRole, want: ErrMissingClaim},
		{name: "missing subject", token: noSub, want: ErrMissingClaim},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := verifier.Verify(tt.token)
			if !errors.Is(err, tt.want) {
				t.Errorf("Verify() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestJWTVerifier_ExpiredToken(t *testing.T) {
	verifier := newTestVerifier(t)

	claims := Claims{
		Role: RoleAdapter,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "discord-main",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := verifier.Verify(token); !errors.Is(err, ErrExpiredToken) {
		t.Errorf("Verify() error = %v, want ErrExpiredToken", err)
	}
}

func TestJWTVerifier_UnknownRole(t *testing.T) {
	verifier := newTestVerifier(t)
	if _, err := verifier.Generate("x", "root", time.Hour); !errors.Is(err, ErrUnknownRole) {
		t.Errorf("Generate() error = %v, want ErrUnknownRole", err)
	}
}

func TestAuthorizeAdapter(t *testing.T) {
	verifier := newTestVerifier(t)
	adapterToken, _ := verifier.Generate("discord-main", RoleAdapter, time.Hour)
	adminToken, _ := verifier.Generate("ops", RoleAdmin, time.Hour)

	if _, err := AuthorizeAdapter(verifier, adapterToken, "discord-main"); err != nil {
		t.Errorf("own node: unexpected error %v", err)
	}
	if _, err := AuthorizeAdapter(verifier, adapterToken, "slack-main"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("other node: error = %v, want ErrInvalidToken", err)
	}
	if _, err := AuthorizeAdapter(verifier, adminToken, "slack-main"); err != nil {
		t.Errorf("admin token: unexpected error %v", err)
	}
	if _, err := AuthorizeAdapter(verifier, "", "discord-main"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("missing token: error = %v, want ErrInvalidToken", err)
	}
}

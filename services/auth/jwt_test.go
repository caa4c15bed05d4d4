package auth

import (
	"errors"
	"testing"
	"time"
)

func TestGenerateAndValidateToken(t *testing.T) {
	svc := NewJWTService("test-secret", "cardgate")

	token, expiresAt, err := svc.GenerateToken("merchant-1", "https://shop.example.com", time.Minute)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if time.Until(expiresAt) > time.Minute+time.Second {
		t.Fatalf("unexpected expiry: %v", expiresAt)
	}

	identity, err := svc.ValidateToken(token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if identity.MerchantID != "merchant-1" || identity.AllowedDomain != "https://shop.example.com" {
		t.Fatalf("unexpected identity: %+v", identity)
	}
}

func TestValidateTokenExpired(t *testing.T) {
	svc := NewJWTService("test-secret", "cardgate")

	token, _, err := svc.GenerateToken("merchant-1", "https://shop.example.com", -time.Minute)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	if _, err := svc.ValidateToken(token); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestValidateTokenWrongSecret(t *testing.T) {
	minter := NewJWTService("secret-a", "cardgate")
	verifier := NewJWTService("secret-b", "cardgate")

	token, _, err := minter.GenerateToken("merchant-1", "https://shop.example.com", time.Minute)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	if _, err := verifier.ValidateToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}

	if _, err := verifier.ValidateToken("not-a-jwt"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for garbage, got %v", err)
	}
}

func TestValidateTokenWrongIssuer(t *testing.T) {
	minter := NewJWTService("test-secret", "someone-else")
	verifier := NewJWTService("test-secret", "cardgate")

	token, _, err := minter.GenerateToken("merchant-1", "https://shop.example.com", time.Minute)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	if _, err := verifier.ValidateToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

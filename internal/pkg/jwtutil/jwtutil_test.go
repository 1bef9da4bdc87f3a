package jwtutil

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestTokenRoundTrip(t *testing.T) {
	token, err := GenerateToken("secret", time.Hour, 42, "alice")
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}

	claims, err := ParseToken("secret", token)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if claims.UserID != 42 || claims.Username != "alice" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if claims.Issuer != Issuer {
		t.Fatalf("expected issuer %q, got %q", Issuer, claims.Issuer)
	}

	if _, err := ParseToken("wrong-secret", token); err == nil {
		t.Fatal("expected error for wrong secret")
	}
}

func TestParseTokenRejectsForeignIssuer(t *testing.T) {
	now := time.Now()
	foreign := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		UserID:   42,
		Username: "alice",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "someone-else",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	})
	signed, err := foreign.SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}

	if _, err := ParseToken("secret", signed); err == nil {
		t.Fatal("expected error for foreign issuer")
	}
}

func TestParseTokenRejectsExpired(t *testing.T) {
	token, err := GenerateToken("secret", -time.Minute, 42, "alice")
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	if _, err := ParseToken("secret", token); err == nil {
		t.Fatal("expected error for expired token")
	}
}

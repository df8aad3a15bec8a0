package jwt

import (
	"errors"
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

func TestGenerateAndParse(t *testing.T) {
	token, expires, err := GenerateToken("u-1", "user", "secret", time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	if time.Until(expires) <= 0 {
		t.Fatalf("expected future expiry, got %s", expires)
	}
	claims, err := Parse(token, "secret")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	id, kind, err := claims.Principal()
	if err != nil {
		t.Fatalf("Principal: %v", err)
	}
	if id != "u-1" || kind != "user" {
		t.Fatalf("unexpected principal %q/%q", id, kind)
	}
}

func TestParseRejectsWrongSecretAndExpiry(t *testing.T) {
	token, _, err := GenerateToken("a-1", "admin", "secret", time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	if _, err := Parse(token, "other"); err == nil {
		t.Fatal("expected signature error")
	}

	expired, _, err := GenerateToken("a-1", "admin", "secret", -time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	if _, err := Parse(expired, "secret"); !errors.Is(err, jwtlib.ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestPrincipalMalformedSubject(t *testing.T) {
	c := &Claims{RegisteredClaims: jwtlib.RegisteredClaims{Subject: "no-kind"}}
	if _, _, err := c.Principal(); !errors.Is(err, ErrMalformedSubject) {
		t.Fatalf("expected ErrMalformedSubject, got %v", err)
	}
	if _, _, err := GenerateToken("a:b", "user", "s", time.Minute); !errors.Is(err, ErrMalformedSubject) {
		t.Fatalf("expected ErrMalformedSubject for id with colon, got %v", err)
	}
}

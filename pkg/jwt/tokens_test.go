package jwt

import (
	"strings"
	"testing"
	"time"
)

func TestTokenRoundtrip(t *testing.T) {
	token, err := GenerateToken("user-1", "team-1", "signing-secret", time.Hour)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	claims, err := Parse(token, "signing-secret")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.UserID != "user-1" || claims.TeamID != "team-1" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if claims.Issuer != "press" {
		t.Fatalf("issuer %q", claims.Issuer)
	}
}

func TestParseWrongSecretFails(t *testing.T) {
	token, _ := GenerateToken("user-1", "team-1", "signing-secret", time.Hour)
	if _, err := Parse(token, "other-secret"); err == nil {
		t.Fatal("wrong secret must not verify")
	}
}

func TestParseExpiredTokenFails(t *testing.T) {
	token, _ := GenerateToken("user-1", "team-1", "signing-secret", -time.Minute)
	if _, err := Parse(token, "signing-secret"); err == nil {
		t.Fatal("expired token must not verify")
	}
}

func TestParseMangledTokenFails(t *testing.T) {
	token, _ := GenerateToken("user-1", "team-1", "signing-secret", time.Hour)
	parts := strings.Split(token, ".")
	mangled := parts[0] + "." + parts[1] + ".AAAA"
	if _, err := Parse(mangled, "signing-secret"); err == nil {
		t.Fatal("a forged signature must not verify")
	}
}

package api

import (
	"testing"
	"time"
)

func TestGenerateAndParseToken(t *testing.T) {
	token, err := generateToken("user-123", "test-secret", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("generateToken: %v", err)
	}

	userID, err := parseToken(token, "test-secret")
	if err != nil {
		t.Fatalf("parseToken: %v", err)
	}
	if userID != "user-123" {
		t.Fatalf("userID = %q, want %q", userID, "user-123")
	}
}

func TestParseTokenWrongSecretFails(t *testing.T) {
	token, err := generateToken("user-123", "test-secret", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("generateToken: %v", err)
	}
	if _, err := parseToken(token, "wrong-secret"); err == nil {
		t.Fatal("expected parseToken to fail with the wrong secret")
	}
}

func TestParseTokenExpiredFails(t *testing.T) {
	token, err := generateToken("user-123", "test-secret", time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("generateToken: %v", err)
	}
	if _, err := parseToken(token, "test-secret"); err == nil {
		t.Fatal("expected parseToken to fail on an expired token")
	}
}

func TestHashAndCheckPassword(t *testing.T) {
	hash, err := hashPassword("correct-horse")
	if err != nil {
		t.Fatalf("hashPassword: %v", err)
	}
	if err := checkPassword(hash, "correct-horse"); err != nil {
		t.Fatalf("checkPassword with correct password: %v", err)
	}
	if err := checkPassword(hash, "wrong-password"); err == nil {
		t.Fatal("expected checkPassword to fail with the wrong password")
	}
}

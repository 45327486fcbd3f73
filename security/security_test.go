package security

import (
	"log/slog"
	"net/http/httptest"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func TestRateLimiter_Allow(t *testing.T) {
	rl := NewRateLimiter(1, 2, slog.Default())
	defer rl.Stop()

	// Burst of 2 is allowed, the third immediate request is not.
	if !rl.Allow("10.0.0.1") {
		t.Error("first request should be allowed")
	}
	if !rl.Allow("10.0.0.1") {
		t.Error("second request within burst should be allowed")
	}
	if rl.Allow("10.0.0.1") {
		t.Error("third request should exceed the burst")
	}

	// A different identifier has its own bucket.
	if !rl.Allow("10.0.0.2") {
		t.Error("independent identifier should be allowed")
	}
}

func TestGenerateToken_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		token := GenerateToken()
		if token == "" {
			t.Fatal("GenerateToken() returned empty string")
		}
		if seen[token] {
			t.Fatalf("GenerateToken() produced a duplicate: %s", token)
		}
		seen[token] = true
	}
}

func TestGenerateHexID(t *testing.T) {
	for _, length := range []int{8, 21, 48} {
		id, err := GenerateHexID(length)
		if err != nil {
			t.Fatalf("GenerateHexID(%d) error = %v", length, err)
		}
		if len(id) != length {
			t.Errorf("GenerateHexID(%d) returned %d characters", length, len(id))
		}
	}
}

func TestHashSecret(t *testing.T) {
	hash, err := HashSecret("s3cr3t")
	if err != nil {
		t.Fatalf("HashSecret() error = %v", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte("s3cr3t")); err != nil {
		t.Errorf("hash does not verify: %v", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte("other")); err == nil {
		t.Error("hash verifies a wrong secret")
	}
}

func TestSetSecurityHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	SetSecurityHeaders(rec, "https://auth.example.com")

	for header, want := range map[string]string{
		"X-Frame-Options":           "DENY",
		"X-Content-Type-Options":    "nosniff",
		"Cache-Control":             "no-store, no-cache, must-revalidate, private",
		"Strict-Transport-Security": "max-age=31536000; includeSubDomains",
	} {
		if got := rec.Header().Get(header); got != want {
			t.Errorf("%s = %q, want %q", header, got, want)
		}
	}

	// No HSTS for plain HTTP issuers.
	rec = httptest.NewRecorder()
	SetSecurityHeaders(rec, "http://localhost:8080")
	if got := rec.Header().Get("Strict-Transport-Security"); got != "" {
		t.Errorf("Strict-Transport-Security set for http issuer: %q", got)
	}
}

func TestAuditor_Disabled(t *testing.T) {
	// A disabled or nil auditor must be a safe no-op.
	var nilAuditor *Auditor
	nilAuditor.LogTokenIssued("u", "c", "password", "profile")

	disabled := NewAuditor(slog.Default(), false)
	disabled.LogAuthFailure("u", "c", "", "bad credentials")
}

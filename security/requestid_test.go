package security

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestGenerateRequestID(t *testing.T) {
	id1 := GenerateRequestID()
	id2 := GenerateRequestID()
	if id1 == "" || id1 == id2 {
		t.Errorf("GenerateRequestID() = %q, %q, want distinct non-empty IDs", id1, id2)
	}
	if len(id1) != 22 {
		t.Errorf("request ID length = %d, want 22", len(id1))
	}
}

func TestRequestIDContext(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-123")
	if got := GetRequestID(ctx); got != "req-123" {
		t.Errorf("GetRequestID() = %q, want %q", got, "req-123")
	}
	if got := GetRequestID(context.Background()); got != "" {
		t.Errorf("GetRequestID(empty) = %q, want empty", got)
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	tests := []struct {
		name     string
		upstream string
		keep     bool
	}{
		{"generates when missing", "", false},
		{"keeps valid upstream ID", "upstream-request-id_1", true},
		{"keeps UUID format", "550e8400-e29b-41d4-a716-446655440000", true},
		{"rejects spaces", "id with spaces", false},
		{"rejects header injection", "id\r\nX-Evil: 1", false},
		{"rejects special characters", "<script>alert(1)</script>", false},
		{"rejects oversized ID", strings.Repeat("a", 129), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = GetRequestID(r.Context())
			}))

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.upstream != "" {
				req.Header.Set(RequestIDHeader, tt.upstream)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if seen == "" {
				t.Fatal("no request ID in context")
			}
			if got := rec.Header().Get(RequestIDHeader); got != seen {
				t.Errorf("response header = %q, context = %q", got, seen)
			}
			if tt.keep && seen != tt.upstream {
				t.Errorf("request ID = %q, want upstream %q preserved", seen, tt.upstream)
			}
			if !tt.keep && seen == tt.upstream {
				t.Error("invalid upstream ID was not replaced")
			}
		})
	}
}

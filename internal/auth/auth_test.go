package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestIssueAndVerify(t *testing.T) {
	svc := NewService("test-secret", time.Hour)

	token, err := svc.IssueToken("u_1", "jo@example.com")
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	claims, err := svc.VerifyToken(token)
	if err != nil {
		t.Fatalf("VerifyToken: %v", err)
	}
	if claims.Subject != "u_1" || claims.Email != "jo@example.com" {
		t.Fatalf("claims=%+v", claims)
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	token, err := NewService("secret-a", time.Hour).IssueToken("u_1", "jo@example.com")
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if _, err := NewService("secret-b", time.Hour).VerifyToken(token); err == nil {
		t.Fatal("expected verification failure")
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	svc := NewService("test-secret", -time.Minute)
	token, err := svc.IssueToken("u_1", "jo@example.com")
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if _, err := svc.VerifyToken(token); err == nil {
		t.Fatal("expected expired token to fail")
	}
}

func TestRequireMiddleware(t *testing.T) {
	svc := NewService("test-secret", time.Hour)
	token, err := svc.IssueToken("u_1", "jo@example.com")
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	var got Identity
	handler := Require(svc, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = IdentityFromContext(r.Context())
	}))

	tests := []struct {
		name       string
		authHeader string
		wantStatus int
	}{
		{"valid token", "Bearer " + token, http.StatusOK},
		{"missing header", "", http.StatusUnauthorized},
		{"malformed header", "Token abc", http.StatusUnauthorized},
		{"garbage token", "Bearer not.a.jwt", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status=%d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}

	if got.UserID != "u_1" || got.Email != "jo@example.com" {
		t.Fatalf("identity=%+v", got)
	}
}

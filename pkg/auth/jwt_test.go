package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

const testSecret = "test-secret-key-must-be-at-least-32-characters-long"

func newManager(t *testing.T) *TokenManager {
	t.Helper()
	m, err := NewTokenManager(testSecret, 15*time.Minute)
	if err != nil {
		t.Fatalf("Failed to create token manager: %v", err)
	}
	return m
}

func TestNewTokenManager(t *testing.T) {
	if _, err := NewTokenManager("short", time.Minute); !errors.Is(err, ErrShortSecret) {
		t.Errorf("Expected ErrShortSecret, got %v", err)
	}
	if _, err := NewTokenManager(testSecret, 0); err == nil {
		t.Error("Expected error for zero ttl")
	}
}

func TestTokenManager_Generate(t *testing.T) {
	m := newManager(t)

	tests := []struct {
		name      string
		subject   string
		role      string
		wantError bool
	}{
		{"operator", "alice", RoleOperator, false},
		{"viewer", "bob", RoleViewer, false},
		{"empty subject", "", RoleViewer, true},
		{"unknown role", "carol", "admin", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, err := m.Generate(tt.subject, tt.role, "")
			if tt.wantError {
				if err == nil {
					t.Error("Expected error, got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			claims, err := m.Validate(token)
			if err != nil {
				t.Fatalf("Failed to validate token: %v", err)
			}
			if claims.Subject != tt.subject || claims.Role != tt.role {
				t.Errorf("Claims mismatch: got %s/%s", claims.Subject, claims.Role)
			}
			if got := claims.ExpiresAt.Sub(claims.IssuedAt); got != m.TTL() {
				t.Errorf("Expected lifetime %v, got %v", m.TTL(), got)
			}
		})
	}
}

func TestTokenManager_Validate(t *testing.T) {
	m := newManager(t)
	good, _ := m.Generate("alice", RoleOperator, "")

	other, err := NewTokenManager(strings.Repeat("x", MinSecretLength), time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	foreign, _ := other.Generate("alice", RoleOperator, "")

	expired := newManager(t)
	expired.now = func() time.Time { return time.Now().Add(-time.Hour) }
	stale, _ := expired.Generate("alice", RoleOperator, "")

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"valid", good, nil},
		{"empty", "", ErrInvalidToken},
		{"garbage", "not.a.token", ErrInvalidToken},
		{"wrong secret", foreign, ErrInvalidToken},
		{"expired", stale, ErrExpiredToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Validate(tt.token)
			if tt.want == nil {
				if err != nil {
					t.Errorf("Unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestClaimsAllows(t *testing.T) {
	op := &Claims{Role: RoleOperator}
	view := &Claims{Role: RoleViewer}

	if !op.Allows(RoleViewer) || !op.Allows(RoleOperator) {
		t.Error("operator should allow every role")
	}
	if view.Allows(RoleOperator) {
		t.Error("viewer should not allow operator")
	}
	if op.Allows("root") {
		t.Error("unknown role should never be allowed")
	}
}

func TestGuardRequire(t *testing.T) {
	m := newManager(t)
	guard := NewGuard(m, "alpha")

	var seen *Claims
	h := guard.Require(RoleOperator, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = ClaimsFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	operator, _ := m.Generate("alice", RoleOperator, "")
	pinned, _ := m.Generate("alice", RoleOperator, "alpha")
	elsewhere, _ := m.Generate("alice", RoleOperator, "beta")
	viewer, _ := m.Generate("bob", RoleViewer, "")

	tests := []struct {
		name   string
		header string
		status int
	}{
		{"operator", "Bearer " + operator, http.StatusOK},
		{"pinned to this tier", "bearer " + pinned, http.StatusOK},
		{"pinned elsewhere", "Bearer " + elsewhere, http.StatusForbidden},
		{"viewer", "Bearer " + viewer, http.StatusForbidden},
		{"missing", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic " + operator, http.StatusUnauthorized},
		{"bad token", "Bearer nope", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = nil
			req := httptest.NewRequest(http.MethodPost, "/recover", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tt.status {
				t.Fatalf("Expected status %d, got %d: %s", tt.status, rec.Code, rec.Body.String())
			}
			if tt.status == http.StatusOK && (seen == nil || seen.Subject != "alice") {
				t.Errorf("Expected claims in context, got %+v", seen)
			}
			if tt.status == http.StatusUnauthorized && rec.Header().Get("WWW-Authenticate") == "" {
				t.Error("Expected WWW-Authenticate header")
			}
		})
	}
}

func TestNilGuardPassesThrough(t *testing.T) {
	var guard *Guard
	h := guard.Require(RoleOperator, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/recover", nil))
	if rec.Code != http.StatusNoContent {
		t.Errorf("Expected pass-through, got %d", rec.Code)
	}
}

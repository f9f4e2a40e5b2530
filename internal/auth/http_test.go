// ABOUTME: Tests for HTTP authentication middleware
// ABOUTME: Covers token extraction, validation, and the admin gate

package auth

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func okHandler(got **AuthContext) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got != nil {
			*got = FromContext(r.Context())
		}
		w.WriteHeader(http.StatusOK)
	})
}

func TestHTTPAuthMiddleware_ValidToken(t *testing.T) {
	verifier := newTestVerifier(t)
	token, _ := verifier.Generate("dashboard", []string{"viewer"}, time.Hour)

	var gotAuthCtx *AuthContext
	req := httptest.NewRequest(http.MethodGet, "/api/pools", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	HTTPAuthMiddleware(verifier)(okHandler(&gotAuthCtx)).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}
	if gotAuthCtx == nil {
		t.Fatal("expected AuthContext in context")
	}
	if gotAuthCtx.Subject != "dashboard" {
		t.Errorf("expected subject 'dashboard', got '%s'", gotAuthCtx.Subject)
	}
	if len(gotAuthCtx.Roles) != 1 || gotAuthCtx.Roles[0] != "viewer" {
		t.Errorf("expected roles [viewer], got %v", gotAuthCtx.Roles)
	}
}

func TestHTTPAuthMiddleware_Rejections(t *testing.T) {
	verifier := newTestVerifier(t)
	expired, _ := verifier.Generate("dashboard", nil, -time.Minute)

	tests := []struct {
		name    string
		header  string
		wantMsg string
	}{
		{name: "missing header", header: "", wantMsg: "missing authorization header"},
		{name: "basic auth", header: "Basic dXNlcjpwYXNz", wantMsg: "invalid authorization header format"},
		{name: "empty bearer", header: "Bearer ", wantMsg: "empty token"},
		{name: "garbage", header: "Bearer nope", wantMsg: "invalid token"},
		{name: "expired", header: "Bearer " + expired, wantMsg: "token expired"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })

			req := httptest.NewRequest(http.MethodGet, "/api/pools", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()

			HTTPAuthMiddleware(verifier)(handler).ServeHTTP(rec, req)

			if called {
				t.Error("handler should not be called")
			}
			if rec.Code != http.StatusUnauthorized {
				t.Errorf("expected status 401, got %d", rec.Code)
			}
			if !strings.Contains(rec.Body.String(), tt.wantMsg) {
				t.Errorf("body = %q, want it to contain %q", rec.Body.String(), tt.wantMsg)
			}
		})
	}
}

func TestRequireAdminHTTP(t *testing.T) {
	tests := []struct {
		name       string
		authCtx    *AuthContext
		wantStatus int
	}{
		{name: "anonymous", authCtx: nil, wantStatus: http.StatusUnauthorized},
		{name: "viewer", authCtx: &AuthContext{Subject: "v", Roles: []string{"viewer"}}, wantStatus: http.StatusForbidden},
		{name: "admin", authCtx: &AuthContext{Subject: "a", Roles: []string{"viewer", RoleAdmin}}, wantStatus: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/pools/srv/drain", nil)
			if tt.authCtx != nil {
				req = req.WithContext(WithAuth(req.Context(), tt.authCtx))
			}
			rec := httptest.NewRecorder()

			RequireAdminHTTP()(okHandler(nil)).ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, rec.Code)
			}
		})
	}
}

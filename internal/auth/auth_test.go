// Ingestd - Channel Ingestion Scheduler and Idempotent Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ingestd

package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tomtom215/ingestd/internal/config"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newManager(t *testing.T) *JWTManager {
	t.Helper()
	m, err := NewJWTManager(&config.SecurityConfig{JWTSecret: testSecret, TokenTTL: time.Hour})
	if err != nil {
		t.Fatalf("NewJWTManager() error = %v", err)
	}
	return m
}

func TestNewJWTManager_ShortSecret(t *testing.T) {
	t.Parallel()
	if _, err := NewJWTManager(&config.SecurityConfig{JWTSecret: "short"}); err == nil {
		t.Error("NewJWTManager() accepted a short secret")
	}
}

func TestJWTManager_RoundTrip(t *testing.T) {
	t.Parallel()
	m := newManager(t)
	token, err := m.GenerateToken("alice", "admin")
	if err != nil {
		t.Fatal(err)
	}
	claims, err := m.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken() error = %v", err)
	}
	if claims.Subject != "alice" || claims.Role != "admin" {
		t.Errorf("claims = %+v", claims)
	}
}

func TestJWTManager_Rejects(t *testing.T) {
	t.Parallel()
	m := newManager(t)

	other, _ := NewJWTManager(&config.SecurityConfig{JWTSecret: testSecret + "x"})
	foreign, _ := other.GenerateToken("mallory", "admin")

	expiredMgr := newManager(t)
	expiredMgr.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expired, _ := expiredMgr.GenerateToken("bob", "viewer")

	for name, token := range map[string]string{
		"garbage":      "not.a.token",
		"wrong secret": foreign,
		"expired":      expired,
		"empty":        "",
	} {
		if _, err := m.ValidateToken(token); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("%s: ValidateToken() error = %v, want ErrInvalidToken", name, err)
		}
	}
}

func TestMiddleware_Authenticate(t *testing.T) {
	t.Parallel()
	m := newManager(t)
	token, _ := m.GenerateToken("alice", "operator")

	var seen *Claims
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = ClaimsFromContext(r.Context())
	})

	tests := []struct {
		name     string
		mode     string
		header   string
		query    string
		wantCode int
		wantSub  string
	}{
		{"bearer header", ModeJWT, "Bearer " + token, "", http.StatusOK, "alice"},
		{"query token", ModeJWT, "", "?token=" + token, http.StatusOK, "alice"},
		{"missing", ModeJWT, "", "", http.StatusUnauthorized, ""},
		{"wrong scheme", ModeJWT, "Basic " + token, "", http.StatusUnauthorized, ""},
		{"invalid", ModeJWT, "Bearer nope", "", http.StatusUnauthorized, ""},
		{"auth disabled", ModeNone, "", "", http.StatusOK, "anonymous"},
	}
	for _, tt := range tests {
		seen = nil
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/v1/sources"+tt.query, nil)
		if tt.header != "" {
			req.Header.Set("Authorization", tt.header)
		}
		NewMiddleware(m, tt.mode, "viewer").Authenticate(next).ServeHTTP(rec, req)

		if rec.Code != tt.wantCode {
			t.Errorf("%s: status = %d, want %d", tt.name, rec.Code, tt.wantCode)
			continue
		}
		if tt.wantSub != "" && (seen == nil || seen.Subject != tt.wantSub) {
			t.Errorf("%s: claims = %+v, want subject %s", tt.name, seen, tt.wantSub)
		}
	}
}

// Ingestd - Channel Ingestion Scheduler and Idempotent Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ingestd

package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/tomtom215/ingestd/internal/logging"
)

// Auth modes.
const (
	ModeJWT  = "jwt"
	ModeNone = "none"
)

type contextKey struct{}

// ClaimsFromContext returns the claims Authenticate attached, if any.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(contextKey{}).(*Claims)
	return c, ok
}

// ContextWithClaims attaches claims to ctx.
func ContextWithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, contextKey{}, c)
}

// Middleware authenticates requests.
type Middleware struct {
	jwt         *JWTManager
	mode        string
	defaultRole string
}

// NewMiddleware returns the authentication middleware. In ModeNone every
// request acts as an anonymous operator with defaultRole.
func NewMiddleware(jwt *JWTManager, mode, defaultRole string) *Middleware {
	return &Middleware{jwt: jwt, mode: mode, defaultRole: defaultRole}
}

// Authenticate requires a valid bearer token (header, or the token query
// parameter for websocket clients that cannot set headers).
func (m *Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.mode == ModeNone {
			claims := &Claims{Role: m.defaultRole}
			claims.Subject = "anonymous"
			next.ServeHTTP(w, r.WithContext(ContextWithClaims(r.Context(), claims)))
			return
		}

		token := bearerToken(r)
		if token == "" {
			http.Error(w, "Unauthorized: missing token", http.StatusUnauthorized)
			return
		}
		claims, err := m.jwt.ValidateToken(token)
		if err != nil {
			logging.Ctx(r.Context()).Warn().Err(err).Msg("Token validation failed")
			http.Error(w, "Unauthorized: invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(ContextWithClaims(r.Context(), claims)))
	})
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") {
			return ""
		}
		return strings.TrimSpace(token)
	}
	return r.URL.Query().Get("token")
}

// Ingestd - Channel Ingestion Scheduler and Idempotent Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ingestd

package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// recorded is one request seen by the fake server.
type recorded struct {
	Method string
	Path   string
	Query  string
	Auth   string
	Body   string
}

// fakeAPI answers every request with the response registered for
// "METHOD /path", or 404.
type fakeAPI struct {
	mu        sync.Mutex
	requests  []recorded
	responses map[string]fakeResponse
}

type fakeResponse struct {
	status int
	body   string
}

func newFakeAPI(t *testing.T, responses map[string]fakeResponse) (*fakeAPI, string) {
	t.Helper()
	f := &fakeAPI{responses: responses}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.requests = append(f.requests, recorded{
			Method: r.Method, Path: r.URL.Path, Query: r.URL.RawQuery,
			Auth: r.Header.Get("Authorization"), Body: string(body),
		})
		f.mu.Unlock()

		resp, ok := responses[r.Method+" "+r.URL.Path]
		if !ok {
			resp = fakeResponse{http.StatusNotFound, `{"success":false,"error":{"code":"NOT_FOUND","message":"not found"}}`}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resp.status)
		_, _ = io.WriteString(w, resp.body)
	}))
	t.Cleanup(srv.Close)
	return f, srv.URL
}

func (f *fakeAPI) last(t *testing.T) recorded {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		t.Fatal("no request received")
	}
	return f.requests[len(f.requests)-1]
}

func runCLI(t *testing.T, args ...string) (code int, stdout, stderr string) {
	t.Helper()
	var out, errw bytes.Buffer
	code = run(context.Background(), args, &out, &errw)
	return code, out.String(), errw.String()
}

func TestCommands(t *testing.T) {
	t.Parallel()

	ok := func(data string) fakeResponse {
		return fakeResponse{http.StatusOK, `{"success":true,"data":` + data + `}`}
	}
	api, addr := newFakeAPI(t, map[string]fakeResponse{
		"GET /api/v1/deadletter":             ok(`[{"id":"r1","status":"dead"}]`),
		"GET /api/v1/deadletter/counts":      ok(`{"dead":1}`),
		"GET /api/v1/deadletter/r1":          ok(`{"id":"r1"}`),
		"POST /api/v1/deadletter/r1/replay":  ok(`{"record":{"id":"r1"},"offset":"7"}`),
		"POST /api/v1/deadletter/r1/resolve": ok(`{"id":"r1","status":"resolved"}`),
		"DELETE /api/v1/deadletter/resolved": ok(`{"purged":2}`),
		"GET /api/v1/sources":                ok(`[]`),
		"POST /api/v1/sources":               {http.StatusCreated, `{"success":true,"data":{"id":"S1"}}`},
		"POST /api/v1/sources/S1/tick":       ok(`{"source_id":"S1","outcome":"emitted","emitted":3}`),
		"GET /api/v1/stages/lag":             ok(`[{"group":"persist","total":0}]`),
		"GET /api/v1/signals":                ok(`[]`),
		"GET /api/v1/audit":                  ok(`[{"action":"deadletter.replay","actor_id":"bob"}]`),
		"GET /api/v1/health/ready":           ok(`{"status":"ok"}`),
	})

	tests := []struct {
		name      string
		args      []string
		want      recorded
		wantOut   string
		checkBody string
	}{
		{
			name:    "deadletter list with filters",
			args:    []string{"deadletter", "list", "-status", "dead", "-entity-type", "tagging", "-limit", "5"},
			want:    recorded{Method: "GET", Path: "/api/v1/deadletter", Query: "entity_type=tagging&limit=5&status=dead"},
			wantOut: `"status": "dead"`,
		},
		{name: "deadletter counts", args: []string{"dl", "counts"}, want: recorded{Method: "GET", Path: "/api/v1/deadletter/counts"}},
		{name: "deadletter get", args: []string{"deadletter", "get", "r1"}, want: recorded{Method: "GET", Path: "/api/v1/deadletter/r1"}},
		{
			name:    "deadletter replay",
			args:    []string{"deadletter", "replay", "r1"},
			want:    recorded{Method: "POST", Path: "/api/v1/deadletter/r1/replay"},
			wantOut: `"offset": "7"`,
		},
		{name: "deadletter resolve", args: []string{"deadletter", "resolve", "r1"}, want: recorded{Method: "POST", Path: "/api/v1/deadletter/r1/resolve"}},
		{
			name: "deadletter purge",
			args: []string{"deadletter", "purge", "-older-than", "72h"},
			want: recorded{Method: "DELETE", Path: "/api/v1/deadletter/resolved", Query: "older_than=72h0m0s"},
		},
		{name: "sources list", args: []string{"sources", "list"}, want: recorded{Method: "GET", Path: "/api/v1/sources"}},
		{
			name:      "sources add",
			args:      []string{"sources", "add", "-title", "News", "S1"},
			want:      recorded{Method: "POST", Path: "/api/v1/sources"},
			checkBody: `"id":"S1","title":"News","is_active":true`,
		},
		{
			name:    "sources tick",
			args:    []string{"sources", "tick", "S1"},
			want:    recorded{Method: "POST", Path: "/api/v1/sources/S1/tick"},
			wantOut: `"emitted": 3`,
		},
		{name: "lag", args: []string{"lag"}, want: recorded{Method: "GET", Path: "/api/v1/stages/lag"}},
		{
			name: "signals",
			args: []string{"signals", "-kind", "mode_forced"},
			want: recorded{Method: "GET", Path: "/api/v1/signals", Query: "kind=mode_forced&limit=50"},
		},
		{
			name:    "audit",
			args:    []string{"audit", "-action", "deadletter.replay", "-actor", "bob", "-limit", "10"},
			want:    recorded{Method: "GET", Path: "/api/v1/audit", Query: "action=deadletter.replay&actor=bob&limit=10"},
			wantOut: `"actor_id": "bob"`,
		},
		{name: "health", args: []string{"health"}, want: recorded{Method: "GET", Path: "/api/v1/health/ready"}},
	}
	// Requests share one fake server, so cases run in order.
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"-addr", addr, "-token", "tok"}, tt.args...)
			code, out, errOut := runCLI(t, args...)
			if code != 0 {
				t.Fatalf("exit code = %d, stderr = %s", code, errOut)
			}
			got := api.last(t)
			if got.Method != tt.want.Method || got.Path != tt.want.Path || got.Query != tt.want.Query {
				t.Errorf("request = %s %s?%s, want %s %s?%s", got.Method, got.Path, got.Query, tt.want.Method, tt.want.Path, tt.want.Query)
			}
			if got.Auth != "Bearer tok" {
				t.Errorf("Authorization = %q", got.Auth)
			}
			if tt.wantOut != "" && !strings.Contains(out, tt.wantOut) {
				t.Errorf("stdout = %s, want it to contain %s", out, tt.wantOut)
			}
			if tt.checkBody != "" && !strings.Contains(got.Body, tt.checkBody) {
				t.Errorf("body = %s, want it to contain %s", got.Body, tt.checkBody)
			}
		})
	}
}

func TestErrors(t *testing.T) {
	t.Parallel()

	_, addr := newFakeAPI(t, map[string]fakeResponse{
		"POST /api/v1/deadletter/r2/replay": {http.StatusConflict, `{"success":false,"error":{"code":"CONFLICT","message":"only dead records can be replayed"}}`},
		"POST /api/v1/sources/S2/tick":      {http.StatusOK, `{"success":true,"data":{"source_id":"S2","outcome":"failed","error":"source unavailable"}}`},
		"GET /api/v1/health/ready":          {http.StatusServiceUnavailable, `{"success":false,"data":{"transport":"down"},"error":{"code":"SERVICE_UNAVAILABLE","message":"not ready"}}`},
	})

	tests := []struct {
		name       string
		args       []string
		wantCode   int
		wantStderr string
		wantStdout string
	}{
		{"no command", nil, 2, "usage:", ""},
		{"unknown command", []string{"frobnicate"}, 2, "unknown command: frobnicate", ""},
		{"missing record id", []string{"deadletter", "replay"}, 2, "exactly one record id", ""},
		{"purge without age", []string{"deadletter", "purge"}, 2, "requires -older-than", ""},
		{"api conflict", []string{"deadletter", "replay", "r2"}, 1, "HTTP 409 CONFLICT", ""},
		{"api not found", []string{"deadletter", "get", "nope"}, 1, "HTTP 404 NOT_FOUND", ""},
		{"failed tick", []string{"sources", "tick", "S2"}, 1, "tick failed: source unavailable", `"outcome": "failed"`},
		{"unready", []string{"health"}, 1, "SERVICE_UNAVAILABLE", `"transport": "down"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			code, out, errOut := runCLI(t, append([]string{"-addr", addr}, tt.args...)...)
			if code != tt.wantCode {
				t.Errorf("exit code = %d, want %d (stderr %s)", code, tt.wantCode, errOut)
			}
			if !strings.Contains(errOut, tt.wantStderr) {
				t.Errorf("stderr = %q, want it to contain %q", errOut, tt.wantStderr)
			}
			if tt.wantStdout != "" && !strings.Contains(out, tt.wantStdout) {
				t.Errorf("stdout = %q, want it to contain %q", out, tt.wantStdout)
			}
		})
	}
}

func TestClient_NonJSONError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	c, err := NewClient(strings.TrimPrefix(srv.URL, "http://"), "", time.Second)
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.Do(context.Background(), http.MethodGet, "sources", nil, nil)
	var se *StatusError
	if !errors.As(err, &se) || se.Status != http.StatusBadGateway || se.Msg != "bad gateway" {
		t.Errorf("Do() error = %v, want StatusError 502", err)
	}
}

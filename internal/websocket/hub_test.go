// Ingestd - Channel Ingestion Scheduler and Idempotent Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ingestd

package websocket

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/tomtom215/ingestd/internal/metrics"
	"github.com/tomtom215/ingestd/internal/models"
)

func startHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = hub.Serve(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return hub
}

func testClient(hub *Hub, buf int) *Client {
	return &Client{id: clientIDCounter.Add(1), hub: hub, send: make(chan Message, buf)}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func signal(kind string) models.Signal {
	return models.Signal{ID: kind + "-1", Kind: kind, Severity: models.SeverityInfo, At: time.Now()}
}

func TestHub_RegisterBroadcastUnregister(t *testing.T) {
	hub := startHub(t)

	all := testClient(hub, 4)
	forced := testClient(hub, 4)
	forced.Subscribe([]string{models.SignalModeForced})
	hub.Register <- all
	hub.Register <- forced
	waitFor(t, func() bool { return hub.ClientCount() == 2 })
	if got := testutil.ToFloat64(metrics.WebSocketClients); got != 2 {
		t.Errorf("websocket_clients = %v, want 2", got)
	}

	hub.BroadcastSignal(signal(models.SignalTickEmpty))
	hub.BroadcastSignal(signal(models.SignalModeForced))

	got := <-all.send
	if got.Type != MessageTypeSignal || got.Data.(models.Signal).Kind != models.SignalTickEmpty {
		t.Errorf("first message = %+v", got)
	}
	<-all.send
	got = <-forced.send
	if got.Data.(models.Signal).Kind != models.SignalModeForced {
		t.Errorf("filtered client got %+v, want mode_forced only", got)
	}
	select {
	case extra := <-forced.send:
		t.Errorf("filtered client got extra %+v", extra)
	case <-time.After(20 * time.Millisecond):
	}

	hub.Unregister <- all
	waitFor(t, func() bool { return hub.ClientCount() == 1 })
	if _, ok := <-all.send; ok {
		t.Error("send channel of unregistered client still open")
	}
}

func TestHub_DropsSlowClient(t *testing.T) {
	hub := startHub(t)
	slow := testClient(hub, 1)
	hub.Register <- slow
	waitFor(t, func() bool { return hub.ClientCount() == 1 })

	hub.BroadcastSignal(signal(models.SignalTickEmpty))
	hub.BroadcastSignal(signal(models.SignalTickFailed))
	waitFor(t, func() bool { return hub.ClientCount() == 0 })
}

func TestHub_ServeClosesClientsOnCancel(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- hub.Serve(ctx) }()

	c := testClient(hub, 1)
	hub.Register <- c
	cancel()
	if err := <-done; err != context.Canceled {
		t.Errorf("Serve() = %v, want context.Canceled", err)
	}
	if _, ok := <-c.send; ok {
		t.Error("client not closed on shutdown")
	}
}

func TestHandler_StreamsSignals(t *testing.T) {
	hub := startHub(t)
	srv := httptest.NewServer(Handler(hub, Upgrader([]string{"*"})))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?kind=" + models.SignalDeadLettered
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	waitFor(t, func() bool { return hub.ClientCount() == 1 })

	hub.BroadcastSignal(signal(models.SignalTickEmpty))
	hub.BroadcastSignal(signal(models.SignalDeadLettered))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg struct {
		Type string        `json:"type"`
		Data models.Signal `json:"data"`
	}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if msg.Type != MessageTypeSignal || msg.Data.Kind != models.SignalDeadLettered {
		t.Errorf("message = %+v, want dead_lettered signal", msg)
	}

	if err := conn.WriteJSON(Message{Type: MessageTypePing}); err != nil {
		t.Fatal(err)
	}
	if err := conn.ReadJSON(&msg); err != nil || msg.Type != MessageTypePong {
		t.Errorf("ping reply = %+v, %v", msg, err)
	}
}

func TestUpgrader_CheckOrigin(t *testing.T) {
	t.Parallel()
	tests := []struct {
		allowed []string
		origin  string
		want    bool
	}{
		{nil, "", true},
		{nil, "http://example.com", true},
		{nil, "http://evil.test", false},
		{[]string{"https://ops.test"}, "https://ops.test", true},
		{[]string{"https://ops.test"}, "https://evil.test", false},
		{[]string{"*"}, "https://anything.test", true},
	}
	for _, tt := range tests {
		r := httptest.NewRequest("GET", "http://example.com/ws", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		if got := Upgrader(tt.allowed).CheckOrigin(r); got != tt.want {
			t.Errorf("CheckOrigin(%v, %q) = %v, want %v", tt.allowed, tt.origin, got, tt.want)
		}
	}
}

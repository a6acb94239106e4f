// Ingestd - Channel Ingestion Scheduler and Idempotent Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ingestd

// Package websocket streams operational signals to connected operators.
//
// One Hub goroutine owns the client set. Clients register and unregister
// through channels; broadcasts are queued and fanned out in client ID
// order. A client whose send buffer is full is dropped rather than
// allowed to stall the hub.
package websocket

import (
	"context"
	"sort"
	"sync"

	"github.com/tomtom215/ingestd/internal/logging"
	"github.com/tomtom215/ingestd/internal/metrics"
	"github.com/tomtom215/ingestd/internal/models"
)

// Message types.
const (
	MessageTypeSignal    = "signal"
	MessageTypePing      = "ping"
	MessageTypePong      = "pong"
	MessageTypeSubscribe = "subscribe"
)

// Message is the JSON frame exchanged with clients.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`

	// Kinds narrows a subscribe request to these signal kinds. Empty means all.
	Kinds []string `json:"kinds,omitempty"`
}

// Hub maintains the set of active clients.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan Message
	Register   chan *Client
	Unregister chan *Client
	mu         sync.RWMutex
}

// NewHub creates a hub. Call Serve to start it.
func NewHub() *Hub {
	return &Hub{
		broadcast:  make(chan Message, 256),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
	}
}

// Serve runs the hub until ctx ends, then closes every client. It
// implements suture.Service.
func (h *Hub) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			n := h.ClientCount()
			h.closeAllClients()
			logging.Info().Str("component", "websocket-hub").Int("clients_closed", n).Msg("Websocket hub stopped")
			return ctx.Err()

		case client := <-h.Register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
			logging.Info().Uint64("client_id", client.id).Int("total_clients", n).Msg("Websocket client connected")

		case client := <-h.Unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
			logging.Info().Uint64("client_id", client.id).Int("total_clients", n).Msg("Websocket client disconnected")

		case message := <-h.broadcast:
			h.broadcastToClients(message)
		}
	}
}

// String names the service in supervisor logs.
func (h *Hub) String() string {
	return "websocket-hub"
}

func (h *Hub) sortedClients() []*Client {
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].id < clients[j].id })
	return clients
}

func (h *Hub) broadcastToClients(message Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	kind := ""
	if sig, ok := message.Data.(models.Signal); ok {
		kind = sig.Kind
	}

	var slow []*Client
	for _, client := range h.sortedClients() {
		if kind != "" && !client.wants(kind) {
			continue
		}
		select {
		case client.send <- message:
		default:
			slow = append(slow, client)
		}
	}
	for _, client := range slow {
		logging.Warn().Uint64("client_id", client.id).Msg("Dropping slow websocket client")
		close(client.send)
		delete(h.clients, client)
	}
	if len(slow) > 0 {
		metrics.WebSocketClients.Set(float64(len(h.clients)))
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, client := range h.sortedClients() {
		close(client.send)
		delete(h.clients, client)
	}
	metrics.WebSocketClients.Set(0)
}

// BroadcastSignal queues sig for every interested client. It implements
// signals.Broadcaster and never blocks: with the queue full, sig is dropped.
func (h *Hub) BroadcastSignal(sig models.Signal) {
	select {
	case h.broadcast <- Message{Type: MessageTypeSignal, Data: sig}:
	default:
		logging.Warn().Str("kind", sig.Kind).Msg("Broadcast queue full, dropping signal")
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

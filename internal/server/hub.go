// Package server is the signaling relay: it terminates the websocket
// connections, answers the call-lifecycle events itself and forwards the
// peer-addressed negotiation events between connections.
package server

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/EpochX-sol/health-connect-core/internal/signaling"
)

// Sender abstracts envelope delivery so the router can be exercised in
// tests without websockets.
type Sender interface {
	SendEvent(connID string, env signaling.Envelope) bool
	BroadcastEvent(env signaling.Envelope, exceptConnID string)
}

type client struct {
	connID    string
	conn      *websocket.Conn
	send      chan []byte
	closeOnce sync.Once
}

func (c *client) trySend(payload []byte) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

func (c *client) closeSend() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

// Hub holds the live connections keyed by connection id.
type Hub struct {
	mu      sync.Mutex
	clients map[string]*client
}

func NewHub() *Hub {
	return &Hub{clients: make(map[string]*client)}
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	// Replace an existing connection with the same id. Should not happen
	// with uuid connection ids, but a stale entry must not leak.
	if old := h.clients[c.connID]; old != nil {
		_ = old.conn.Close()
		old.closeSend()
	}
	h.clients[c.connID] = c
}

func (h *Hub) remove(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if c, ok := h.clients[connID]; ok {
		c.closeSend()
	}
	delete(h.clients, connID)
}

// SendEvent delivers one envelope to connID. A full send buffer closes the
// connection: a client that cannot drain is better reconnected than stalled.
func (h *Hub) SendEvent(connID string, env signaling.Envelope) bool {
	payload, err := json.Marshal(env)
	if err != nil {
		return false
	}

	h.mu.Lock()
	c := h.clients[connID]
	h.mu.Unlock()

	if c == nil {
		return false
	}
	if !c.trySend(payload) {
		_ = c.conn.Close()
		return false
	}
	return true
}

// BroadcastEvent delivers one envelope to every connection except one.
func (h *Hub) BroadcastEvent(env signaling.Envelope, exceptConnID string) {
	payload, err := json.Marshal(env)
	if err != nil {
		return
	}

	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for id, c := range h.clients {
		if id == exceptConnID {
			continue
		}
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		if !c.trySend(payload) {
			_ = c.conn.Close()
		}
	}
}

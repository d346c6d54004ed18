package server

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/EpochX-sol/health-connect-core/internal/signaling"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 70 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 64 * 1024
	sendBufferSize = 64
)

// Gateway owns the per-connection read/write pumps and the connection
// lifecycle: every websocket gets a fresh uuid connection id, and its
// disconnect is always reported to the router exactly once.
type Gateway struct {
	hub    *Hub
	router *Router
	logger *slog.Logger
}

func NewGateway(hub *Hub, router *Router, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{hub: hub, router: router, logger: logger}
}

// Serve runs the connection until it drops. Blocks; call from the HTTP
// handler goroutine after the upgrade.
func (g *Gateway) Serve(conn *websocket.Conn) {
	c := &client{
		connID: uuid.New().String(),
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
	}
	g.hub.add(c)
	g.logger.Info("websocket connected", "conn_id", c.connID, "remote", conn.RemoteAddr().String())

	go g.writePump(c)
	g.readPump(c)

	g.hub.remove(c.connID)
	g.router.HandleDisconnect(c.connID)
	g.logger.Info("websocket disconnected", "conn_id", c.connID)
}

func (g *Gateway) readPump(c *client) {
	defer func() { _ = c.conn.Close() }()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				g.logger.Debug("websocket read error", "conn_id", c.connID, "error", err)
			}
			return
		}

		var env signaling.Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			g.logger.Debug("dropping malformed envelope", "conn_id", c.connID, "error", err)
			continue
		}
		g.router.HandleEvent(c.connID, env)
	}
}

func (g *Gateway) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// HandleWebSocket upgrades an authenticated connection and hands it to the
// signaling gateway. The token rides in the query string because the
// browser WebSocket API cannot set an Authorization header.
func (h *Handlers) HandleWebSocket(c *gin.Context) {
	raw := c.Query("token")
	if raw == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing connect token"})
		return
	}
	claims, err := h.parseConnectToken(raw)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid connect token"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "user_id", claims.Subject, "error", err)
		return
	}

	// Serve blocks until the connection drops. The client still sends
	// register-user explicitly: the token authenticates, the event binds
	// presence.
	h.gateway.Serve(conn)
}

package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// GetTURNConfig returns the ICE server list clients feed into their peer
// connection configuration. The relay URL uses plain turn: because the
// embedded relay is UDP-only; media privacy comes from DTLS-SRTP.
func (h *Handlers) GetTURNConfig(c *gin.Context) {
	host := c.Request.Host
	if idx := strings.Index(host, ":"); idx != -1 {
		host = host[:idx]
	}
	c.JSON(http.StatusOK, gin.H{
		"iceServers": h.turnServer.ICEServers(host),
	})
}

package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/EpochX-sol/health-connect-core/internal/store"
)

// ListSessions returns the authenticated user's recent call history,
// newest first.
func (h *Handlers) ListSessions(c *gin.Context) {
	userID := c.GetString("user_id")

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}

	sessions, err := h.store.ListForUser(userID, limit)
	if err != nil {
		h.logger.Error("session list failed", "user_id", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

// GetSession returns one session the user took part in.
func (h *Handlers) GetSession(c *gin.Context) {
	userID := c.GetString("user_id")

	session, err := h.store.Get(c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
		return
	}
	if session.CallerID != userID && session.CalleeID != userID {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, session)
}

// Package handlers is the HTTP surface: connect-token auth, the websocket
// upgrade into the signaling gateway, session history, turn-config and
// push subscription endpoints.
package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/EpochX-sol/health-connect-core/internal/config"
	"github.com/EpochX-sol/health-connect-core/internal/notify"
	"github.com/EpochX-sol/health-connect-core/internal/server"
	"github.com/EpochX-sol/health-connect-core/internal/store"
	"github.com/EpochX-sol/health-connect-core/internal/turn"
)

type Handlers struct {
	config     *config.Config
	store      *store.Store
	pusher     *notify.Pusher
	turnServer *turn.Server
	gateway    *server.Gateway
	upgrader   websocket.Upgrader
	logger     *slog.Logger
}

func New(cfg *config.Config, st *store.Store, pusher *notify.Pusher, turnServer *turn.Server, gateway *server.Gateway, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		config:     cfg,
		store:      st,
		pusher:     pusher,
		turnServer: turnServer,
		gateway:    gateway,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Identity is carried by the connect token, not the Origin header.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

// RegisterRoutes wires every endpoint onto the gin engine.
func (h *Handlers) RegisterRoutes(r *gin.Engine) {
	api := r.Group("/api")
	api.POST("/auth/token", h.IssueConnectToken)
	api.GET("/ws", h.HandleWebSocket)
	api.GET("/turn-config", h.requireAuth, h.GetTURNConfig)
	api.GET("/sessions", h.requireAuth, h.ListSessions)
	api.GET("/sessions/:id", h.requireAuth, h.GetSession)
	api.GET("/push/vapid-key", h.GetVAPIDPublicKey)
	api.POST("/push/subscribe", h.requireAuth, h.SubscribePush)
	api.POST("/push/unsubscribe", h.requireAuth, h.UnsubscribePush)
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}

package handler

import (
	"net/http"

	"github.com/copyarena-server/internal/middleware"
	"github.com/copyarena-server/internal/ws"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Token auth happens before the upgrade; origin is not the boundary
		return true
	},
}

// WSHandler upgrades authenticated viewers onto the event broadcast
type WSHandler struct {
	hub *ws.Hub
}

// NewWSHandler creates a new WSHandler
func NewWSHandler(hub *ws.Hub) *WSHandler {
	return &WSHandler{hub: hub}
}

// Connect upgrades the request and attaches the viewer to its account feed
// GET /ws/account?token=...
func (h *WSHandler) Connect(c *gin.Context) {
	accountID := middleware.GetUserID(c)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the error response
		middleware.LogError("account %d: websocket upgrade failed: %v", accountID, err)
		return
	}

	h.hub.Attach(accountID, conn)
}

// RegisterRoutes registers the websocket route behind viewer authentication
func (h *WSHandler) RegisterRoutes(r *gin.Engine, authMiddleware gin.HandlerFunc) {
	r.GET("/ws/account", authMiddleware, h.Connect)
}

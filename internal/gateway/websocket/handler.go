package websocket

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pairdev/pairdev/internal/common/logger"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler upgrades HTTP connections into hub clients.
type Handler struct {
	hub    *Hub
	logger *logger.Logger
}

// NewHandler creates a WebSocket handler over the hub.
func NewHandler(hub *Hub, log *logger.Logger) *Handler {
	return &Handler{
		hub:    hub,
		logger: log.WithComponent("ws-handler"),
	}
}

// Register mounts the gateway endpoint.
func (h *Handler) Register(router *gin.Engine) {
	router.GET("/ws", h.HandleConnection)
}

// HandleConnection upgrades the request and runs the client pumps.
func (h *Handler) HandleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	clientID := uuid.New().String()
	h.logger.Debug("WebSocket connection established",
		zap.String("client_id", clientID),
		zap.String("remote_addr", c.Request.RemoteAddr))

	client := NewClient(clientID, conn, h.hub, h.logger)
	h.hub.Register(client)

	go client.WritePump()
	client.ReadPump()
}

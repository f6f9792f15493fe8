package websocket

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pairdev/pairdev/internal/common/logger"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 64 * 1024
)

// request is the only inbound frame the gateway accepts: room
// subscription management.
type request struct {
	Action    string `json:"action"` // subscribe | unsubscribe
	SessionID string `json:"session_id"`
}

// Client is a single WebSocket connection.
type Client struct {
	ID            string
	conn          *websocket.Conn
	hub           *Hub
	send          chan []byte
	subscriptions map[string]bool // session ids this client joined
	logger        *logger.Logger
}

// NewClient wraps an upgraded connection.
func NewClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:            id,
		conn:          conn,
		hub:           hub,
		send:          make(chan []byte, 256),
		subscriptions: make(map[string]bool),
		logger:        log.WithFields(zap.String("client_id", id)),
	}
}

// ReadPump consumes inbound frames until the connection drops.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket read error", zap.Error(err))
			}
			return
		}

		var req request
		if err := json.Unmarshal(message, &req); err != nil {
			c.logger.Debug("Ignoring malformed frame", zap.Error(err))
			continue
		}
		switch req.Action {
		case "subscribe":
			if req.SessionID != "" {
				c.hub.Subscribe(c, req.SessionID)
			}
		case "unsubscribe":
			if req.SessionID != "" {
				c.hub.Unsubscribe(c, req.SessionID)
			}
		default:
			c.logger.Debug("Unknown action", zap.String("action", req.Action))
		}
	}
}

// WritePump flushes outbound frames and keeps the connection alive
// with pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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

// Package websocket is the realtime gateway: it bridges multiplayer
// and prompt events from the bus to WebSocket clients subscribed to
// their sessions.
package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/pairdev/pairdev/internal/common/logger"
)

// Notification is the frame pushed to subscribed clients.
type Notification struct {
	Type      string                 `json:"type"`
	SessionID string                 `json:"session_id"`
	Timestamp string                 `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Hub manages client connections and per-session rooms.
type Hub struct {
	clients map[*Client]bool
	rooms   map[string]map[*Client]bool // session id -> subscribed clients

	register   chan *Client
	unregister chan *Client
	broadcast  chan *Notification

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates an empty hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		rooms:      make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *Notification, 256),
		logger:     log.WithComponent("ws-hub"),
	}
}

// Run is the hub's main loop. Returns when ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket hub started")
	defer h.logger.Info("WebSocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("Client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.removeClient(client)

		case notification := <-h.broadcast:
			h.deliver(notification)
		}
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client and all its room memberships.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Broadcast queues a notification for every client in the session's
// room. Never blocks the caller.
func (h *Hub) Broadcast(notification *Notification) {
	select {
	case h.broadcast <- notification:
	default:
		h.logger.Warn("Broadcast queue full, dropping notification",
			zap.String("type", notification.Type))
	}
}

// Subscribe adds the client to a session room.
func (h *Hub) Subscribe(client *Client, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[sessionID]
	if !ok {
		room = make(map[*Client]bool)
		h.rooms[sessionID] = room
	}
	room[client] = true
	client.subscriptions[sessionID] = true
}

// Unsubscribe removes the client from a session room.
func (h *Hub) Unsubscribe(client *Client, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(client.subscriptions, sessionID)
	if room, ok := h.rooms[sessionID]; ok {
		delete(room, client)
		if len(room) == 0 {
			delete(h.rooms, sessionID)
		}
	}
}

func (h *Hub) deliver(notification *Notification) {
	data, err := json.Marshal(notification)
	if err != nil {
		h.logger.Error("Failed to marshal notification", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.rooms[notification.SessionID] {
		select {
		case client.send <- data:
		default:
			// Slow consumer: drop the frame for this client only.
		}
	}
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)
	for sessionID := range client.subscriptions {
		if room, ok := h.rooms[sessionID]; ok {
			delete(room, client)
			if len(room) == 0 {
				delete(h.rooms, sessionID)
			}
		}
	}
	h.logger.Debug("Client unregistered", zap.String("client_id", client.ID))
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
	h.rooms = make(map[string]map[*Client]bool)
}

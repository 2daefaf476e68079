package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	EventMessageCreated = "message.created"
	EventMessageUpdated = "message.updated"
	EventTyping         = "typing"
)

// recentPerRoom bounds the number of delivered event keys remembered per room
const recentPerRoom = 256

// Event is what the hub fans out to the clients of a conversation room
type Event struct {
	Type           string          `json:"type"`
	ConversationID string          `json:"conversation_id"`
	MessageID      string          `json:"message_id,omitempty"`
	Version        string          `json:"version,omitempty"` // message updated_at, distinguishes successive updates
	UserID         string          `json:"user_id,omitempty"`
	Message        json.RawMessage `json:"message,omitempty"`
}

// DedupKey identifies a message event; events without a message id are never deduplicated
func (e Event) DedupKey() string {
	if e.MessageID == "" {
		return ""
	}
	return e.Type + "|" + e.MessageID + "|" + e.Version
}

type delivery struct {
	event  Event
	origin *Client // not echoed back to its origin
}

// recentKeys is a fixed-size ring of recently delivered keys
type recentKeys struct {
	seen map[string]struct{}
	ring []string
	next int
}

func newRecentKeys(size int) *recentKeys {
	return &recentKeys{seen: make(map[string]struct{}, size), ring: make([]string, size)}
}

// add records key and reports whether it was new
func (r *recentKeys) add(key string) bool {
	if _, ok := r.seen[key]; ok {
		return false
	}
	if old := r.ring[r.next]; old != "" {
		delete(r.seen, old)
	}
	r.ring[r.next] = key
	r.seen[key] = struct{}{}
	r.next = (r.next + 1) % len(r.ring)
	return true
}

type Hub struct {
	rooms      map[string]map[*Client]bool
	recent     map[string]*recentKeys
	register   chan *Client
	unregister chan *Client
	broadcast  chan delivery
	done       chan struct{}
	mu         sync.RWMutex
}

type Client struct {
	Hub            *Hub
	Conn           *websocket.Conn
	Send           chan []byte
	UserID         string
	ConversationID string
	MessageHandler func(*Client, []byte) // handles inbound frames
}

// InboundMessage is the envelope of frames sent by browsers
type InboundMessage struct {
	Type string `json:"type"`
}

func NewHub() *Hub {
	return &Hub{
		rooms:      make(map[string]map[*Client]bool),
		recent:     make(map[string]*recentKeys),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan delivery, 256),
		done:       make(chan struct{}),
	}
}

// Run processes registrations and broadcasts until ctx is cancelled
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.closeAll()
			return

		case client := <-h.register:
			h.mu.Lock()
			room, ok := h.rooms[client.ConversationID]
			if !ok {
				room = make(map[*Client]bool)
				h.rooms[client.ConversationID] = room
			}
			room[client] = true
			h.mu.Unlock()
			slog.Info("Client joined room", "user_id", client.UserID, "conversation_id", client.ConversationID)

		case client := <-h.unregister:
			h.mu.Lock()
			h.removeLocked(client)
			h.mu.Unlock()
			slog.Info("Client left room", "user_id", client.UserID, "conversation_id", client.ConversationID)

		case d := <-h.broadcast:
			h.deliver(d)
		}
	}
}

func (h *Hub) deliver(d delivery) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room := h.rooms[d.event.ConversationID]
	if len(room) == 0 {
		return
	}

	if key := d.event.DedupKey(); key != "" {
		recent, ok := h.recent[d.event.ConversationID]
		if !ok {
			recent = newRecentKeys(recentPerRoom)
			h.recent[d.event.ConversationID] = recent
		}
		if !recent.add(key) {
			slog.Debug("Duplicate event dropped", "key", key)
			return
		}
	}

	payload, err := json.Marshal(d.event)
	if err != nil {
		slog.Error("Failed to marshal event", "error", err)
		return
	}

	for client := range room {
		if client == d.origin {
			continue
		}
		select {
		case client.Send <- payload:
		default:
			// Slow consumer
			h.removeLocked(client)
		}
	}
}

func (h *Hub) removeLocked(client *Client) {
	room, ok := h.rooms[client.ConversationID]
	if !ok {
		return
	}
	if _, ok := room[client]; !ok {
		return
	}
	delete(room, client)
	close(client.Send)
	if len(room) == 0 {
		delete(h.rooms, client.ConversationID)
		delete(h.recent, client.ConversationID)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, room := range h.rooms {
		for client := range room {
			h.removeLocked(client)
		}
	}
}

// NewClient builds a client bound to one conversation room
func (h *Hub) NewClient(conn *websocket.Conn, userID, conversationID string) *Client {
	return &Client{
		Hub:            h,
		Conn:           conn,
		Send:           make(chan []byte, 256),
		UserID:         userID,
		ConversationID: conversationID,
	}
}

// Register adds the client to its room; it returns false once the hub has stopped
func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Publish queues an event for the room of event.ConversationID
func (h *Hub) Publish(event Event) {
	h.enqueue(delivery{event: event})
}

// Relay queues an event from a client to the other members of its room
func (h *Hub) Relay(origin *Client, event Event) {
	h.enqueue(delivery{event: event, origin: origin})
}

func (h *Hub) enqueue(d delivery) {
	select {
	case h.broadcast <- d:
	case <-h.done:
	}
}

// RoomSize returns the number of clients in a conversation room
func (h *Hub) RoomSize(conversationID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[conversationID])
}

func (c *Client) ReadPump() {
	defer func() {
		c.Hub.Unregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(64 * 1024)
	c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, messageBytes, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Error("WebSocket error", "error", err)
			}
			break
		}

		if c.MessageHandler != nil {
			c.MessageHandler(c, messageBytes)
		}
	}
}

func (c *Client) WritePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			// One event per frame so browsers can JSON.parse each message
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

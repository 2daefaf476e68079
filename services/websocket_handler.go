package services

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	ws "github.com/handi/backend/websocket"
)

// WebSocketHandler upgrades members of a conversation and joins them to its room
type WebSocketHandler struct {
	chat     *ChatService
	hub      *ws.Hub
	upgrader websocket.Upgrader
}

func NewWebSocketHandler(chat *ChatService, hub *ws.Hub, allowedOrigins string) *WebSocketHandler {
	return &WebSocketHandler{
		chat: chat,
		hub:  hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return CheckOrigin(r, allowedOrigins)
			},
		},
	}
}

// ServeHTTP handles GET /api/v1/ws?conversation_id=; the router must already authenticate
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		writeError(w, r, ErrUnauthenticated)
		return
	}

	conversationID := strings.TrimSpace(r.URL.Query().Get("conversation_id"))
	if conversationID == "" {
		writeError(w, r, validationError(map[string]string{"conversation_id": "This field is required"}))
		return
	}
	if err := h.chat.CanJoin(r.Context(), user, conversationID); err != nil {
		writeError(w, r, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already written the error response
		slog.Warn("WebSocket upgrade failed", "error", err, "user_id", user.ID)
		return
	}

	client := h.hub.NewClient(conn, user.ID, conversationID)
	client.MessageHandler = h.handleMessage
	if !h.hub.Register(client) {
		conn.Close()
		return
	}

	slog.Info("WebSocket connection established", "user_id", user.ID, "conversation_id", conversationID)
	go client.WritePump()
	go client.ReadPump()
}

// handleMessage relays typing indicators to the rest of the room; other frames are ignored
func (h *WebSocketHandler) handleMessage(client *ws.Client, messageBytes []byte) {
	var msg ws.InboundMessage
	if err := json.Unmarshal(messageBytes, &msg); err != nil {
		slog.Debug("Ignoring malformed WebSocket frame", "user_id", client.UserID, "error", err)
		return
	}

	switch msg.Type {
	case ws.EventTyping:
		h.hub.Relay(client, ws.Event{
			Type:           ws.EventTyping,
			ConversationID: client.ConversationID,
			UserID:         client.UserID,
		})
	default:
		slog.Debug("Ignoring WebSocket frame", "type", msg.Type, "user_id", client.UserID)
	}
}

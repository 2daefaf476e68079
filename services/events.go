package services

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/handi/backend/models"
	"github.com/handi/backend/realtime"
	"github.com/handi/backend/repository"
	ws "github.com/handi/backend/websocket"
)

// ChatNotifier turns stored messages into realtime events
type ChatNotifier struct {
	publisher realtime.Publisher
}

func NewChatNotifier(publisher realtime.Publisher) *ChatNotifier {
	return &ChatNotifier{publisher: publisher}
}

func messageEvent(eventType string, message models.Message) (ws.Event, error) {
	body, err := json.Marshal(message)
	if err != nil {
		return ws.Event{}, err
	}
	return ws.Event{
		Type:           eventType,
		ConversationID: message.ConversationID,
		MessageID:      message.ID,
		Version:        message.UpdatedAt.UTC().Format(time.RFC3339Nano),
		Message:        body,
	}, nil
}

// Created publishes newly stored messages
func (n *ChatNotifier) Created(ctx context.Context, messages ...models.Message) {
	n.publish(ctx, func(models.Message) string { return ws.EventMessageCreated }, messages)
}

// Changed publishes the messages returned by a status transition. Offer and quote cards are
// updates of an existing message; every other message in such a batch was inserted by it.
func (n *ChatNotifier) Changed(ctx context.Context, messages ...models.Message) {
	n.publish(ctx, func(m models.Message) string {
		if m.MessageType == models.MessageTypeOffer || m.MessageType == models.MessageTypeQuote {
			return ws.EventMessageUpdated
		}
		return ws.EventMessageCreated
	}, messages)
}

func (n *ChatNotifier) publish(ctx context.Context, eventType func(models.Message) string, messages []models.Message) {
	if n == nil || n.publisher == nil {
		return
	}
	for _, message := range messages {
		event, err := messageEvent(eventType(message), message)
		if err != nil {
			slog.Error("Failed to encode message event", "error", err, "message_id", message.ID)
			continue
		}
		if err := n.publisher.Publish(ctx, event); err != nil {
			slog.Warn("Failed to publish message event", "error", err, "message_id", message.ID)
		}
	}
}

// MessageLoader reloads messages for the realtime listener
func MessageLoader(chats *repository.ConversationRepository) realtime.MessageLoader {
	return func(ctx context.Context, messageID string) (json.RawMessage, error) {
		message, err := chats.GetMessageByID(ctx, messageID)
		if err != nil || message == nil {
			return nil, err
		}
		return json.Marshal(message)
	}
}

// Package realtime carries chat events between API instances through Postgres LISTEN/NOTIFY
// and hands them to the local websocket hub.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	ws "github.com/handi/backend/websocket"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// maxNotifyPayload stays below the 8000 byte NOTIFY payload limit
const maxNotifyPayload = 7900

// Publisher delivers chat events to every connected browser
type Publisher interface {
	Publish(ctx context.Context, event ws.Event) error
}

// MessageLoader reloads a message that was sent as an id-only notification
type MessageLoader func(ctx context.Context, messageID string) (json.RawMessage, error)

// LocalPublisher delivers straight to the hub of this instance
type LocalPublisher struct {
	hub *ws.Hub
}

func NewLocalPublisher(hub *ws.Hub) *LocalPublisher {
	return &LocalPublisher{hub: hub}
}

func (p *LocalPublisher) Publish(_ context.Context, event ws.Event) error {
	p.hub.Publish(event)
	return nil
}

// PGNotifier publishes events with pg_notify so that every instance's Listener receives them
type PGNotifier struct {
	pool    *pgxpool.Pool
	channel string
	local   *ws.Hub
}

func NewPGNotifier(pool *pgxpool.Pool, channel string, local *ws.Hub) *PGNotifier {
	return &PGNotifier{pool: pool, channel: channel, local: local}
}

// Publish sends the event through NOTIFY. Events too large for NOTIFY are sent without the
// message body. When NOTIFY fails the event is still delivered to this instance's clients.
func (n *PGNotifier) Publish(ctx context.Context, event ws.Event) error {
	payload, err := encodeNotification(event)
	if err != nil {
		return err
	}

	if _, err := n.pool.Exec(ctx, "SELECT pg_notify($1, $2)", n.channel, string(payload)); err != nil {
		slog.Error("Failed to notify, delivering locally", "error", err, "conversation_id", event.ConversationID)
		n.local.Publish(event)
		return fmt.Errorf("failed to notify: %w", err)
	}
	return nil
}

// encodeNotification marshals the event, dropping the message body when it would not fit
func encodeNotification(event ws.Event) ([]byte, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event: %w", err)
	}
	if len(payload) <= maxNotifyPayload {
		return payload, nil
	}

	event.Message = nil
	payload, err = json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event: %w", err)
	}
	slog.Debug("Event sent id-only", "message_id", event.MessageID)
	return payload, nil
}

// Listener feeds NOTIFY payloads into the local hub
type Listener struct {
	pool    *pgxpool.Pool
	channel string
	hub     *ws.Hub
	load    MessageLoader
}

func NewListener(pool *pgxpool.Pool, channel string, hub *ws.Hub, load MessageLoader) *Listener {
	return &Listener{pool: pool, channel: channel, hub: hub, load: load}
}

// Run listens until ctx is cancelled, reconnecting with backoff when the connection drops
func (l *Listener) Run(ctx context.Context) {
	backoff := time.Second
	for {
		err := l.listen(ctx)
		if ctx.Err() != nil {
			return
		}
		slog.Error("Realtime listener stopped, reconnecting", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, 30*time.Second)
	}
}

func (l *Listener) listen(ctx context.Context) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{l.channel}.Sanitize()); err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	slog.Info("Realtime listener started", "channel", l.channel)

	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		l.Dispatch(ctx, []byte(notification.Payload))
	}
}

// Dispatch decodes one notification payload and publishes it to the hub, reloading the
// message body when it was sent id-only
func (l *Listener) Dispatch(ctx context.Context, payload []byte) {
	var event ws.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		slog.Warn("Discarding malformed notification", "error", err)
		return
	}

	if event.MessageID != "" && len(event.Message) == 0 && l.load != nil {
		body, err := l.load(ctx, event.MessageID)
		if err != nil {
			slog.Error("Failed to reload notified message", "error", err, "message_id", event.MessageID)
			return
		}
		if body == nil {
			slog.Warn("Notified message no longer exists", "message_id", event.MessageID)
			return
		}
		event.Message = body
	}

	l.hub.Publish(event)
}

// NewPublisher picks the NOTIFY publisher when a pool is available, the local one otherwise
func NewPublisher(pool *pgxpool.Pool, channel string, hub *ws.Hub) Publisher {
	if pool == nil {
		slog.Warn("Realtime running without database pool, events stay on this instance")
		return NewLocalPublisher(hub)
	}
	return NewPGNotifier(pool, channel, hub)
}

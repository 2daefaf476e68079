package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/handi/backend/models"
	"gorm.io/gorm"
)

type ConversationRepository struct {
	db *gorm.DB
}

func NewConversationRepository(db *gorm.DB) *ConversationRepository {
	return &ConversationRepository{db: db}
}

// GetOrCreateConversation returns the conversation for the participants of a request, creating it on first use
func (r *ConversationRepository) GetOrCreateConversation(ctx context.Context, requestID, clientID, professionalID string) (*models.Conversation, bool, error) {
	conversation := models.Conversation{
		RequestID:      requestID,
		ClientID:       clientID,
		ProfessionalID: professionalID,
	}
	result := r.db.WithContext(ctx).
		Where("request_id = ? AND client_id = ? AND professional_id = ?", requestID, clientID, professionalID).
		FirstOrCreate(&conversation)
	if result.Error != nil {
		slog.Error("Failed to get or create conversation", "error", result.Error, "request_id", requestID)
		return nil, false, fmt.Errorf("failed to get or create conversation: %w", result.Error)
	}

	created := result.RowsAffected > 0
	if created {
		slog.Info("Conversation created", "conversation_id", conversation.ID, "request_id", requestID)
	}
	return &conversation, created, nil
}

func (r *ConversationRepository) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	var conversation models.Conversation
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&conversation).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.Error("Failed to get conversation", "error", err, "conversation_id", id)
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return &conversation, nil
}

// IsRequestParticipant reports whether the professional has a conversation on the request
func (r *ConversationRepository) IsRequestParticipant(ctx context.Context, requestID, professionalID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Conversation{}).
		Where("request_id = ? AND professional_id = ?", requestID, professionalID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check request participant: %w", err)
	}
	return count > 0, nil
}

// GetConversationsForUser lists the conversations the user takes part in, most recent first,
// each with its last message attached
func (r *ConversationRepository) GetConversationsForUser(ctx context.Context, userID string) ([]models.Conversation, error) {
	var conversations []models.Conversation
	err := r.db.WithContext(ctx).
		Where("client_id = ? OR professional_id = ?", userID, userID).
		Preload("Request").
		Preload("Client").
		Preload("Professional").
		Order("COALESCE(last_message_at, created_at) DESC").
		Find(&conversations).Error
	if err != nil {
		slog.Error("Failed to get conversations", "error", err, "user_id", userID)
		return nil, fmt.Errorf("failed to get conversations: %w", err)
	}

	for i := range conversations {
		var last models.Message
		err := r.db.WithContext(ctx).
			Where("conversation_id = ?", conversations[i].ID).
			Order("created_at DESC").
			First(&last).Error
		if err == nil {
			conversations[i].LastMessage = &last
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("failed to get last message: %w", err)
		}
	}
	return conversations, nil
}

// SaveMessage saves a message. When the message carries a client temp id already stored for the
// same sender and conversation, the stored message is returned and created is false.
func (r *ConversationRepository) SaveMessage(ctx context.Context, message *models.Message) (*models.Message, bool, error) {
	if message.ClientTempID != nil && message.SenderID != nil {
		existing, err := r.findByTempID(r.db.WithContext(ctx), message.ConversationID, *message.SenderID, *message.ClientTempID)
		if err != nil {
			return nil, false, err
		}
		if existing != nil {
			slog.Info("Duplicate message reconciled", "message_id", existing.ID, "client_temp_id", *message.ClientTempID)
			return existing, false, nil
		}
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return insertMessage(tx, message)
	})
	if err != nil {
		// A concurrent insert with the same temp id wins; hand back its row
		if message.ClientTempID != nil && message.SenderID != nil {
			if existing, findErr := r.findByTempID(r.db.WithContext(ctx), message.ConversationID, *message.SenderID, *message.ClientTempID); findErr == nil && existing != nil {
				return existing, false, nil
			}
		}
		slog.Error("Failed to save message", "error", err, "conversation_id", message.ConversationID)
		return nil, false, fmt.Errorf("failed to save message: %w", err)
	}

	slog.Info("Message saved", "message_id", message.ID, "conversation_id", message.ConversationID, "type", message.MessageType)
	return message, true, nil
}

func (r *ConversationRepository) findByTempID(db *gorm.DB, conversationID, senderID, tempID string) (*models.Message, error) {
	var message models.Message
	err := db.Where("conversation_id = ? AND sender_id = ? AND client_temp_id = ?", conversationID, senderID, tempID).First(&message).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find message by temp id: %w", err)
	}
	return &message, nil
}

// insertMessage creates the message and bumps the conversation's last_message_at
func insertMessage(tx *gorm.DB, message *models.Message) error {
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now()
	}
	if err := tx.Create(message).Error; err != nil {
		return err
	}
	return tx.Model(&models.Conversation{}).
		Where("id = ?", message.ConversationID).
		Update("last_message_at", message.CreatedAt).Error
}

// GetMessages returns the conversation history in ascending order. Without `after` it is the
// latest `limit` messages; with it, the messages created after that instant.
func (r *ConversationRepository) GetMessages(ctx context.Context, conversationID string, after *time.Time, limit int) ([]models.Message, error) {
	if limit <= 0 || limit > 500 {
		limit = 200
	}

	query := r.db.WithContext(ctx).Where("conversation_id = ?", conversationID)
	if after != nil {
		query = query.Where("created_at > ?", *after).Order("created_at ASC")
	} else {
		query = query.Order("created_at DESC")
	}

	var messages []models.Message
	if err := query.Limit(limit).Find(&messages).Error; err != nil {
		slog.Error("Failed to get messages", "error", err, "conversation_id", conversationID)
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	if after == nil {
		slices.Reverse(messages)
	}
	return messages, nil
}

// GetMessageByID retrieves a specific message by ID
func (r *ConversationRepository) GetMessageByID(ctx context.Context, messageID string) (*models.Message, error) {
	var message models.Message
	if err := r.db.WithContext(ctx).Where("id = ?", messageID).First(&message).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.Error("Failed to get message by ID", "error", err, "message_id", messageID)
		return nil, fmt.Errorf("failed to get message by ID: %w", err)
	}
	return &message, nil
}

// CreateOffer stores the offer, its chat message and the negotiating agreement in one transaction
func (r *ConversationRepository) CreateOffer(ctx context.Context, offer *models.Offer, senderID string) (*models.Message, error) {
	var message models.Message
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(offer).Error; err != nil {
			return err
		}

		message = models.Message{
			ConversationID: offer.ConversationID,
			SenderID:       &senderID,
			MessageType:    models.MessageTypeOffer,
			Body:           offer.Title,
			Payload:        offer.PayloadFields(),
			OfferID:        &offer.ID,
		}
		if err := insertMessage(tx, &message); err != nil {
			return err
		}

		return upsertAgreement(tx, offer, models.AgreementStatusNegotiating)
	})
	if err != nil {
		slog.Error("Failed to create offer", "error", err, "conversation_id", offer.ConversationID)
		return nil, fmt.Errorf("failed to create offer: %w", err)
	}

	slog.Info("Offer created", "offer_id", offer.ID, "conversation_id", offer.ConversationID, "amount", offer.Amount.String())
	return &message, nil
}

// upsertAgreement keeps one agreement per request/professional pair in sync with the latest offer
func upsertAgreement(tx *gorm.DB, offer *models.Offer, status string) error {
	var agreement models.Agreement
	err := tx.Where("request_id = ? AND professional_id = ?", offer.RequestID, offer.ProfessionalID).First(&agreement).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		agreement = models.Agreement{
			RequestID:      offer.RequestID,
			ProfessionalID: offer.ProfessionalID,
			OfferID:        &offer.ID,
			Amount:         offer.Amount,
			Status:         status,
		}
		return tx.Create(&agreement).Error
	}
	if err != nil {
		return err
	}
	if agreement.Status == models.AgreementStatusPaid && status != models.AgreementStatusPaid {
		// A paid agreement is final
		return nil
	}
	return tx.Model(&agreement).Updates(map[string]any{
		"offer_id": offer.ID,
		"amount":   offer.Amount,
		"status":   status,
	}).Error
}

func (r *ConversationRepository) GetOffer(ctx context.Context, id string) (*models.Offer, error) {
	return r.findOffer(ctx, "id = ?", id)
}

func (r *ConversationRepository) GetOfferByCheckoutSession(ctx context.Context, sessionID string) (*models.Offer, error) {
	return r.findOffer(ctx, "checkout_session_id = ?", sessionID)
}

func (r *ConversationRepository) findOffer(ctx context.Context, cond string, arg any) (*models.Offer, error) {
	var offer models.Offer
	if err := r.db.WithContext(ctx).Where(cond, arg).First(&offer).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.Error("Failed to get offer", "error", err, "condition", cond)
		return nil, fmt.Errorf("failed to get offer: %w", err)
	}
	return &offer, nil
}

// SetOfferCheckoutSession stores the checkout session created for an accepted offer
func (r *ConversationRepository) SetOfferCheckoutSession(ctx context.Context, offerID, sessionID string) error {
	result := r.db.WithContext(ctx).Model(&models.Offer{}).
		Where("id = ? AND status = ?", offerID, models.OfferStatusAccepted).
		Update("checkout_session_id", sessionID)
	if result.Error != nil {
		slog.Error("Failed to store checkout session", "error", result.Error, "offer_id", offerID)
		return fmt.Errorf("failed to store checkout session: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrStaleState
	}
	return nil
}

// StatusChange describes a conditional status transition of an offer or quote
type StatusChange struct {
	From   []string
	To     string
	Fields map[string]any // extra columns written with the status
	Note   string         // optional system message posted to the conversation
}

// TransitionOffer moves the offer to change.To only if it is currently in change.From (optimistic
// concurrency), mirrors the new status into the offer's chat messages and posts the optional note.
// It returns the updated offer and every message that changed. ErrStaleState means the offer was
// in another state; the current offer is returned alongside it.
func (r *ConversationRepository) TransitionOffer(ctx context.Context, id string, change StatusChange) (*models.Offer, []models.Message, error) {
	var offer models.Offer
	var changed []models.Message
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := map[string]any{"status": change.To}
		for k, v := range change.Fields {
			updates[k] = v
		}
		result := tx.Model(&models.Offer{}).Where("id = ? AND status IN ?", id, change.From).Updates(updates)
		if result.Error != nil {
			return result.Error
		}
		if err := tx.Where("id = ?", id).First(&offer).Error; err != nil {
			return err
		}
		if result.RowsAffected == 0 {
			return ErrStaleState
		}

		synced, err := syncPayloadStatus(tx, "offer_id", offer.ID, change.To, nil)
		if err != nil {
			return err
		}
		changed = append(changed, synced...)

		if change.Note != "" {
			note := models.Message{
				ConversationID: offer.ConversationID,
				MessageType:    models.MessageTypeSystem,
				Body:           change.Note,
				Payload:        map[string]any{"offer_id": offer.ID, "status": change.To},
				OfferID:        &offer.ID,
			}
			if err := insertMessage(tx, &note); err != nil {
				return err
			}
			changed = append(changed, note)
		}

		if change.To == models.OfferStatusCanceled || change.To == models.OfferStatusRejected || change.To == models.OfferStatusExpired {
			return tx.Model(&models.Agreement{}).
				Where("offer_id = ? AND status = ?", offer.ID, models.AgreementStatusNegotiating).
				Update("status", models.AgreementStatusCancelled).Error
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrStaleState) {
			return &offer, nil, ErrStaleState
		}
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, nil
		}
		slog.Error("Failed to transition offer", "error", err, "offer_id", id, "to", change.To)
		return nil, nil, fmt.Errorf("failed to transition offer: %w", err)
	}

	slog.Info("Offer status changed", "offer_id", id, "status", change.To)
	return &offer, changed, nil
}

// syncPayloadStatus rewrites payload.status (plus extra keys) on every message carrying the business id
func syncPayloadStatus(tx *gorm.DB, column, id, status string, extra map[string]any) ([]models.Message, error) {
	var messages []models.Message
	if err := tx.Where(column+" = ? AND message_type IN ?", id, []string{models.MessageTypeOffer, models.MessageTypeQuote}).Find(&messages).Error; err != nil {
		return nil, err
	}
	for i := range messages {
		if messages[i].Payload == nil {
			messages[i].Payload = map[string]any{}
		}
		messages[i].Payload["status"] = status
		for k, v := range extra {
			messages[i].Payload[k] = v
		}
		if err := tx.Model(&messages[i]).Select("payload", "updated_at").Updates(&messages[i]).Error; err != nil {
			return nil, err
		}
	}
	return messages, nil
}

// GetStalePendingOffers returns pending offers created before the cutoff
func (r *ConversationRepository) GetStalePendingOffers(ctx context.Context, cutoff time.Time, limit int) ([]models.Offer, error) {
	var offers []models.Offer
	err := r.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", models.OfferStatusPending, cutoff).
		Order("created_at ASC").
		Limit(limit).
		Find(&offers).Error
	if err != nil {
		slog.Error("Failed to get stale pending offers", "error", err)
		return nil, fmt.Errorf("failed to get stale pending offers: %w", err)
	}
	return offers, nil
}

// CreateQuote stores the quote and its chat message
func (r *ConversationRepository) CreateQuote(ctx context.Context, quote *models.Quote) (*models.Message, error) {
	var message models.Message
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(quote).Error; err != nil {
			return err
		}
		message = models.Message{
			ConversationID: quote.ConversationID,
			SenderID:       &quote.ProfessionalID,
			MessageType:    models.MessageTypeQuote,
			Body:           quote.Description,
			Payload:        quote.PayloadFields(),
			QuoteID:        &quote.ID,
		}
		return insertMessage(tx, &message)
	})
	if err != nil {
		slog.Error("Failed to create quote", "error", err, "conversation_id", quote.ConversationID)
		return nil, fmt.Errorf("failed to create quote: %w", err)
	}

	slog.Info("Quote created", "quote_id", quote.ID, "conversation_id", quote.ConversationID)
	return &message, nil
}

func (r *ConversationRepository) GetQuote(ctx context.Context, id string) (*models.Quote, error) {
	var quote models.Quote
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&quote).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.Error("Failed to get quote", "error", err, "quote_id", id)
		return nil, fmt.Errorf("failed to get quote: %w", err)
	}
	return &quote, nil
}

// TransitionQuote is the quote counterpart of TransitionOffer
func (r *ConversationRepository) TransitionQuote(ctx context.Context, id string, change StatusChange) (*models.Quote, []models.Message, error) {
	var quote models.Quote
	var changed []models.Message
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.Quote{}).Where("id = ? AND status IN ?", id, change.From).Update("status", change.To)
		if result.Error != nil {
			return result.Error
		}
		if err := tx.Where("id = ?", id).First(&quote).Error; err != nil {
			return err
		}
		if result.RowsAffected == 0 {
			return ErrStaleState
		}

		synced, err := syncPayloadStatus(tx, "quote_id", quote.ID, change.To, nil)
		if err != nil {
			return err
		}
		changed = append(changed, synced...)

		if change.Note != "" {
			note := models.Message{
				ConversationID: quote.ConversationID,
				MessageType:    models.MessageTypeSystem,
				Body:           change.Note,
				Payload:        map[string]any{"quote_id": quote.ID, "status": change.To},
				QuoteID:        &quote.ID,
			}
			if err := insertMessage(tx, &note); err != nil {
				return err
			}
			changed = append(changed, note)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrStaleState) {
			return &quote, nil, ErrStaleState
		}
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, nil
		}
		slog.Error("Failed to transition quote", "error", err, "quote_id", id, "to", change.To)
		return nil, nil, fmt.Errorf("failed to transition quote: %w", err)
	}

	slog.Info("Quote status changed", "quote_id", id, "status", change.To)
	return &quote, changed, nil
}

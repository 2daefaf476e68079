package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/handi/backend/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type PaymentRepository struct {
	db *gorm.DB
}

func NewPaymentRepository(db *gorm.DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

// CheckoutCompletion carries the fields of a paid checkout session
type CheckoutCompletion struct {
	EventID           string
	EventType         string
	OfferID           string
	CheckoutSessionID string
	PaymentIntentID   string
	AmountTotal       decimal.Decimal // zero means use the offer amount
	Currency          string
	CustomerEmail     string
}

// CheckoutOutcome describes what ApplyCheckoutCompleted changed
type CheckoutOutcome struct {
	Offer         *models.Offer
	Duplicate     bool // event already recorded
	AlreadyPaid   bool // offer was paid before this event
	Unpayable     bool // offer can no longer be paid; only the receipt is kept
	Receipt       *models.Receipt
	CalendarEvent *models.CalendarEvent
	Messages      []models.Message
}

// PaymentFailure carries the fields of a failed payment intent
type PaymentFailure struct {
	EventID         string
	EventType       string
	OfferID         string
	PaymentIntentID string
	Message         string
}

// IsEventProcessed reports whether the event id has been recorded in payment_events
func (r *PaymentRepository) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&models.PaymentEvent{}).Where("id = ?", eventID).Count(&count).Error; err != nil {
		return false, fmt.Errorf("failed to check payment event: %w", err)
	}
	return count > 0, nil
}

// RecordEvent stores an event id that needed no side effects
func (r *PaymentRepository) RecordEvent(ctx context.Context, eventID, eventType string) error {
	return recordEvent(r.db.WithContext(ctx), eventID, eventType)
}

func recordEvent(tx *gorm.DB, eventID, eventType string) error {
	if eventID == "" {
		return nil
	}
	var count int64
	if err := tx.Model(&models.PaymentEvent{}).Where("id = ?", eventID).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	return tx.Create(&models.PaymentEvent{ID: eventID, Type: eventType, ProcessedAt: time.Now()}).Error
}

// ApplyCheckoutCompleted runs every side effect of a paid checkout session in one transaction.
// Each insert is preceded by an existence check, so replaying the same session is harmless.
// A nil outcome with a nil error means the offer does not exist.
func (r *PaymentRepository) ApplyCheckoutCompleted(ctx context.Context, in CheckoutCompletion) (*CheckoutOutcome, error) {
	outcome := &CheckoutOutcome{}
	missing := false

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if in.EventID != "" {
			var count int64
			if err := tx.Model(&models.PaymentEvent{}).Where("id = ?", in.EventID).Count(&count).Error; err != nil {
				return err
			}
			if count > 0 {
				outcome.Duplicate = true
				return nil
			}
		}

		var offer models.Offer
		if err := tx.Where("id = ?", in.OfferID).First(&offer).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				missing = true
				return recordEvent(tx, in.EventID, in.EventType)
			}
			return err
		}

		now := time.Now()

		// 1. offer accepted|pending -> paid
		switch offer.Status {
		case models.OfferStatusPaid:
			outcome.AlreadyPaid = true
		case models.OfferStatusAccepted, models.OfferStatusPending:
			updates := map[string]any{
				"status":              models.OfferStatusPaid,
				"checkout_session_id": in.CheckoutSessionID,
				"paid_at":             now,
				"last_payment_error":  "",
			}
			if in.PaymentIntentID != "" {
				updates["payment_intent_id"] = in.PaymentIntentID
			}
			if err := tx.Model(&models.Offer{}).
				Where("id = ? AND status IN ?", offer.ID, []string{models.OfferStatusAccepted, models.OfferStatusPending}).
				Updates(updates).Error; err != nil {
				return err
			}
			if err := tx.Where("id = ?", offer.ID).First(&offer).Error; err != nil {
				return err
			}
			outcome.Unpayable = offer.Status != models.OfferStatusPaid
		default:
			outcome.Unpayable = true
		}
		outcome.Offer = &offer

		if outcome.Unpayable {
			slog.Warn("Payment received for offer that can no longer be paid", "offer_id", offer.ID, "status", offer.Status)
		} else {
			if err := applyPaidOffer(tx, &offer, in, outcome); err != nil {
				return err
			}
		}

		amount := in.AmountTotal
		if amount.IsZero() {
			amount = offer.Amount
		}
		currency := in.Currency
		if currency == "" {
			currency = offer.Currency
		}

		if !outcome.Unpayable {
			if err := postPaymentMessage(tx, &offer, in.CheckoutSessionID, amount, currency, outcome); err != nil {
				return err
			}
		}

		// 5. receipt
		var receipt models.Receipt
		err := tx.Where("checkout_session_id = ?", in.CheckoutSessionID).First(&receipt).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			receipt = models.Receipt{
				OfferID:           offer.ID,
				RequestID:         offer.RequestID,
				ClientID:          offer.ClientID,
				ProfessionalID:    offer.ProfessionalID,
				CheckoutSessionID: in.CheckoutSessionID,
				PaymentIntentID:   in.PaymentIntentID,
				Amount:            amount,
				Currency:          currency,
				CustomerEmail:     in.CustomerEmail,
				Status:            models.OfferStatusPaid,
			}
			if err := tx.Create(&receipt).Error; err != nil {
				return err
			}
		} else if err != nil {
			return err
		}
		outcome.Receipt = &receipt

		// 6. event record
		return recordEvent(tx, in.EventID, in.EventType)
	})
	if err != nil {
		slog.Error("Failed to apply checkout completion", "error", err, "offer_id", in.OfferID, "event_id", in.EventID)
		return nil, fmt.Errorf("failed to apply checkout completion: %w", err)
	}
	if missing {
		slog.Warn("Checkout completed for unknown offer", "offer_id", in.OfferID, "event_id", in.EventID)
		return nil, nil
	}

	slog.Info("Checkout completion applied",
		"offer_id", in.OfferID,
		"event_id", in.EventID,
		"duplicate", outcome.Duplicate,
		"already_paid", outcome.AlreadyPaid,
		"unpayable", outcome.Unpayable,
	)
	return outcome, nil
}

// applyPaidOffer moves the request, agreement, calendar and chat payloads along with a paid offer
func applyPaidOffer(tx *gorm.DB, offer *models.Offer, in CheckoutCompletion, outcome *CheckoutOutcome) error {
	// 2. request active -> in_process
	if err := tx.Model(&models.ServiceRequest{}).
		Where("id = ? AND status = ?", offer.RequestID, models.RequestStatusActive).
		Update("status", models.RequestStatusInProcess).Error; err != nil {
		return err
	}

	// 3. agreement
	if err := upsertAgreement(tx, offer, models.AgreementStatusPaid); err != nil {
		return err
	}

	// 4. calendar event and chat payload sync
	if offer.ServiceDate != nil {
		var event models.CalendarEvent
		err := tx.Where("offer_id = ?", offer.ID).First(&event).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			event = models.CalendarEvent{
				ProfessionalID: offer.ProfessionalID,
				RequestID:      offer.RequestID,
				OfferID:        offer.ID,
				Title:          offer.Title,
				StartsAt:       *offer.ServiceDate,
				Status:         models.CalendarStatusScheduled,
			}
			if err := tx.Create(&event).Error; err != nil {
				return err
			}
			outcome.CalendarEvent = &event
		} else if err != nil {
			return err
		}
	}

	synced, err := syncPayloadStatus(tx, "offer_id", offer.ID, models.OfferStatusPaid, map[string]any{
		"checkout_session_id": in.CheckoutSessionID,
	})
	if err != nil {
		return err
	}
	outcome.Messages = append(outcome.Messages, synced...)
	return nil
}

// postPaymentMessage adds one payment message per checkout session to the conversation
func postPaymentMessage(tx *gorm.DB, offer *models.Offer, sessionID string, amount decimal.Decimal, currency string, outcome *CheckoutOutcome) error {
	paymentKey := "payment:" + sessionID
	var count int64
	if err := tx.Model(&models.Message{}).
		Where("conversation_id = ? AND client_temp_id = ?", offer.ConversationID, paymentKey).
		Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		message := models.Message{
			ConversationID: offer.ConversationID,
			MessageType:    models.MessageTypePayment,
			Body:           fmt.Sprintf("Pago recibido: %s %s", amount.StringFixed(2), currency),
			Payload: map[string]any{
				"offer_id":            offer.ID,
				"status":              models.OfferStatusPaid,
				"amount":              amount.StringFixed(2),
				"currency":            currency,
				"checkout_session_id": sessionID,
			},
			ClientTempID: &paymentKey,
			OfferID:      &offer.ID,
		}
		if err := insertMessage(tx, &message); err != nil {
			return err
		}
		outcome.Messages = append(outcome.Messages, message)
	}
	return nil
}

// RecordPaymentFailure stores the failure message on the offer and posts a system message.
// Paid offers are left untouched. A nil offer with a nil error means no offer matched.
func (r *PaymentRepository) RecordPaymentFailure(ctx context.Context, in PaymentFailure) (*models.Offer, []models.Message, error) {
	var offer models.Offer
	var changed []models.Message
	missing := false

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := tx.Where("payment_intent_id = ?", in.PaymentIntentID)
		if in.PaymentIntentID == "" {
			query = tx.Where("id = ?", in.OfferID)
		}
		err := query.First(&offer).Error
		if errors.Is(err, gorm.ErrRecordNotFound) && in.PaymentIntentID != "" && in.OfferID != "" {
			err = tx.Where("id = ?", in.OfferID).First(&offer).Error
		}
		if errors.Is(err, gorm.ErrRecordNotFound) {
			missing = true
			return recordEvent(tx, in.EventID, in.EventType)
		}
		if err != nil {
			return err
		}

		if offer.Status == models.OfferStatusPaid {
			return recordEvent(tx, in.EventID, in.EventType)
		}

		updates := map[string]any{"last_payment_error": in.Message}
		if in.PaymentIntentID != "" {
			updates["payment_intent_id"] = in.PaymentIntentID
		}
		if err := tx.Model(&offer).Updates(updates).Error; err != nil {
			return err
		}

		note := models.Message{
			ConversationID: offer.ConversationID,
			MessageType:    models.MessageTypeSystem,
			Body:           "El pago no se pudo completar: " + in.Message,
			Payload: map[string]any{
				"offer_id": offer.ID,
				"status":   offer.Status,
				"error":    in.Message,
			},
			OfferID: &offer.ID,
		}
		if err := insertMessage(tx, &note); err != nil {
			return err
		}
		changed = append(changed, note)

		return recordEvent(tx, in.EventID, in.EventType)
	})
	if err != nil {
		slog.Error("Failed to record payment failure", "error", err, "payment_intent_id", in.PaymentIntentID)
		return nil, nil, fmt.Errorf("failed to record payment failure: %w", err)
	}
	if missing {
		slog.Warn("Payment failure for unknown offer", "payment_intent_id", in.PaymentIntentID, "offer_id", in.OfferID)
		return nil, nil, nil
	}
	return &offer, changed, nil
}

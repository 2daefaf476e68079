package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/handi/backend/repository"
	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"
)

// maxWebhookPayloadSize bounds the raw body read for signature verification
const maxWebhookPayloadSize = 256 * 1024

// stripeEventTTL is how long Redis remembers a processed event id
const stripeEventTTL = 72 * time.Hour

var ErrInvalidSignature = errors.New("invalid webhook signature")

// IdempotencyStore is a fast first-line check for delivered event ids. Markers are only
// written once the event's side effects are committed; payment_events stays the record.
type IdempotencyStore interface {
	IsProcessed(ctx context.Context, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, eventID string, ttl time.Duration) (bool, error)
}

// WebhookResult describes a verified event
type WebhookResult struct {
	EventID   string
	Type      string
	Duplicate bool
}

// StripeWebhookService verifies Stripe events and applies their side effects
type StripeWebhookService struct {
	secret      string
	payments    *repository.PaymentRepository
	offers      *repository.ConversationRepository
	idempotency IdempotencyStore
	notifier    *ChatNotifier
}

// NewStripeWebhookService builds the service; idempotency may be nil when Redis is not configured
func NewStripeWebhookService(secret string, payments *repository.PaymentRepository, offers *repository.ConversationRepository, idempotency IdempotencyStore, notifier *ChatNotifier) *StripeWebhookService {
	return &StripeWebhookService{
		secret:      secret,
		payments:    payments,
		offers:      offers,
		idempotency: idempotency,
		notifier:    notifier,
	}
}

// ProcessWebhook verifies the payload and dispatches it. The result is returned even on handler
// errors so the caller can report the event type.
func (s *StripeWebhookService) ProcessWebhook(ctx context.Context, payload []byte, signature string) (*WebhookResult, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, s.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		slog.Warn("Failed to verify webhook signature", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	result := &WebhookResult{EventID: event.ID, Type: string(event.Type)}
	slog.Info("Processing Stripe webhook event", "event_id", event.ID, "event_type", event.Type)

	if s.idempotency != nil {
		seen, err := s.idempotency.IsProcessed(ctx, event.ID)
		if err != nil {
			slog.Warn("Idempotency store unavailable", "error", err, "event_id", event.ID)
		} else if seen {
			slog.Info("Duplicate Stripe event", "event_id", event.ID)
			result.Duplicate = true
			return result, nil
		}
	}

	processed, err := s.payments.IsEventProcessed(ctx, event.ID)
	if err != nil {
		return result, err
	}
	if processed {
		slog.Info("Stripe event already recorded", "event_id", event.ID)
		s.markProcessed(ctx, event.ID)
		result.Duplicate = true
		return result, nil
	}

	switch event.Type {
	case "checkout.session.completed":
		result.Duplicate, err = s.handleCheckoutCompleted(ctx, event)
	case "payment_intent.payment_failed":
		err = s.handlePaymentFailed(ctx, event)
	default:
		slog.Debug("Unhandled webhook event type", "event_type", event.Type)
		err = s.payments.RecordEvent(ctx, event.ID, string(event.Type))
	}

	if err != nil {
		slog.Error("Failed to process webhook event", "error", err, "event_id", event.ID, "event_type", event.Type)
		return result, err
	}
	s.markProcessed(ctx, event.ID)
	return result, nil
}

// markProcessed remembers a committed event in Redis. It outlives the request context so a
// client hanging up after the commit still leaves the marker behind.
func (s *StripeWebhookService) markProcessed(ctx context.Context, eventID string) {
	if s.idempotency == nil {
		return
	}
	if _, err := s.idempotency.MarkProcessed(context.WithoutCancel(ctx), eventID, stripeEventTTL); err != nil {
		slog.Warn("Failed to mark event as processed", "error", err, "event_id", eventID)
	}
}

func (s *StripeWebhookService) handleCheckoutCompleted(ctx context.Context, event stripe.Event) (bool, error) {
	var checkoutSession stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &checkoutSession); err != nil {
		return false, fmt.Errorf("failed to unmarshal checkout session: %w", err)
	}

	offerID := checkoutSession.Metadata["offer_id"]
	if offerID == "" {
		offerID = checkoutSession.ClientReferenceID
	}
	if offerID == "" && checkoutSession.ID != "" {
		offer, err := s.offers.GetOfferByCheckoutSession(ctx, checkoutSession.ID)
		if err != nil {
			return false, err
		}
		if offer != nil {
			offerID = offer.ID
		}
	}
	if checkoutSession.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid || offerID == "" {
		slog.Info("Ignoring checkout session", "session_id", checkoutSession.ID, "payment_status", checkoutSession.PaymentStatus, "offer_id", offerID)
		return false, s.payments.RecordEvent(ctx, event.ID, string(event.Type))
	}

	in := repository.CheckoutCompletion{
		EventID:           event.ID,
		EventType:         string(event.Type),
		OfferID:           offerID,
		CheckoutSessionID: checkoutSession.ID,
		AmountTotal:       decimal.New(checkoutSession.AmountTotal, -2),
		Currency:          string(checkoutSession.Currency),
		CustomerEmail:     checkoutSession.CustomerEmail,
	}
	if checkoutSession.PaymentIntent != nil {
		in.PaymentIntentID = checkoutSession.PaymentIntent.ID
	}
	if checkoutSession.CustomerDetails != nil && checkoutSession.CustomerDetails.Email != "" {
		in.CustomerEmail = checkoutSession.CustomerDetails.Email
	}

	outcome, err := s.payments.ApplyCheckoutCompleted(ctx, in)
	if err != nil {
		return false, err
	}
	if outcome == nil {
		slog.Warn("Checkout completed for unknown offer", "offer_id", offerID, "session_id", checkoutSession.ID)
		return false, nil
	}

	s.notifier.Changed(ctx, outcome.Messages...)
	slog.Info("Checkout completed processed", "offer_id", offerID, "session_id", checkoutSession.ID, "already_paid", outcome.AlreadyPaid, "unpayable", outcome.Unpayable)
	return outcome.Duplicate, nil
}

func (s *StripeWebhookService) handlePaymentFailed(ctx context.Context, event stripe.Event) error {
	var intent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		return fmt.Errorf("failed to unmarshal payment intent: %w", err)
	}

	message := "payment failed"
	if intent.LastPaymentError != nil && intent.LastPaymentError.Msg != "" {
		message = intent.LastPaymentError.Msg
	}

	offer, messages, err := s.payments.RecordPaymentFailure(ctx, repository.PaymentFailure{
		EventID:         event.ID,
		EventType:       string(event.Type),
		OfferID:         intent.Metadata["offer_id"],
		PaymentIntentID: intent.ID,
		Message:         message,
	})
	if err != nil {
		return err
	}
	if offer == nil {
		slog.Warn("Payment failure for unknown offer", "payment_intent_id", intent.ID)
		return nil
	}

	s.notifier.Changed(ctx, messages...)
	return nil
}

// WebhookResponse is the body returned to Stripe
type WebhookResponse struct {
	OK        bool   `json:"ok"`
	Received  bool   `json:"received"`
	Type      string `json:"type,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Error     string `json:"error,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// StripeWebhookEndpoints handles Stripe callbacks; they carry no session
type StripeWebhookEndpoints struct {
	service *StripeWebhookService
}

func NewStripeWebhookEndpoints(service *StripeWebhookService) *StripeWebhookEndpoints {
	return &StripeWebhookEndpoints{service: service}
}

func (e *StripeWebhookEndpoints) RegisterRoutes(r chi.Router) {
	r.Post("/stripe/webhook", e.HandleWebhook)
}

func (e *StripeWebhookEndpoints) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookPayloadSize+1))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, WebhookResponse{Error: "failed to read request body"})
		return
	}
	if len(payload) > maxWebhookPayloadSize {
		writeJSON(w, http.StatusRequestEntityTooLarge, WebhookResponse{Error: "payload too large"})
		return
	}

	result, err := e.service.ProcessWebhook(r.Context(), payload, r.Header.Get("Stripe-Signature"))
	switch {
	case errors.Is(err, ErrInvalidSignature):
		writeJSON(w, http.StatusBadRequest, WebhookResponse{Error: "invalid signature"})
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, WebhookResponse{
			Received: true,
			Type:     result.Type,
			Error:    "webhook handler failed",
			Detail:   err.Error(),
		})
	default:
		writeJSON(w, http.StatusOK, WebhookResponse{
			OK:        true,
			Received:  true,
			Type:      result.Type,
			Duplicate: result.Duplicate,
		})
	}
}

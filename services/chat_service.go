package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/handi/backend/models"
	"github.com/handi/backend/repository"
	"github.com/shopspring/decimal"
)

// ChatService holds the conversation, offer and quote rules shared by the HTTP handlers and the expiry job
type ChatService struct {
	repo     *repository.GORMRepository
	chats    *repository.ConversationRepository
	notifier *ChatNotifier
	checkout CheckoutProvider
	currency string
}

func NewChatService(repo *repository.GORMRepository, chats *repository.ConversationRepository, notifier *ChatNotifier, checkout CheckoutProvider, currency string) *ChatService {
	if currency == "" {
		currency = "mxn"
	}
	return &ChatService{
		repo:     repo,
		chats:    chats,
		notifier: notifier,
		checkout: checkout,
		currency: strings.ToLower(currency),
	}
}

type OfferInput struct {
	Title       string          `json:"title" validate:"required,max=200"`
	Description string          `json:"description" validate:"max=2000"`
	Amount      decimal.Decimal `json:"amount"`
	ServiceDate *time.Time      `json:"service_date"`
}

type QuoteInput struct {
	Description string          `json:"description" validate:"required,max=2000"`
	Amount      decimal.Decimal `json:"amount"`
}

// conflictWith reports a 409 carrying the current state of the resource
func conflictWith(message string, current any) *APIError {
	return &APIError{Kind: ErrConflict, Message: message, Data: current}
}

func validateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return validationError(map[string]string{"amount": "Must be greater than 0"})
	}
	if amount.GreaterThan(decimal.NewFromInt(1_000_000)) {
		return validationError(map[string]string{"amount": "Must be at most 1000000"})
	}
	return nil
}

// StartConversation opens (or returns) the conversation about requestID between its client and
// professionalID. Either the request owner or the professional may start it.
func (s *ChatService) StartConversation(ctx context.Context, user *models.User, requestID, professionalID string) (*models.Conversation, bool, error) {
	request, err := s.repo.GetServiceRequest(ctx, requestID)
	if err != nil {
		return nil, false, err
	}
	if request == nil {
		return nil, false, newAPIError(ErrNotFound, "request not found")
	}

	switch {
	case user.ID == request.ClientID:
		if professionalID == "" || professionalID == user.ID {
			return nil, false, validationError(map[string]string{"professional_id": "This field is required"})
		}
	case user.Role == models.RoleProfessional && (professionalID == "" || professionalID == user.ID):
		professionalID = user.ID
	default:
		return nil, false, ErrForbidden
	}

	if request.Status != models.RequestStatusActive && request.Status != models.RequestStatusInProcess {
		return nil, false, conflictWith("request is not open", request)
	}

	professional, err := s.repo.GetUserByID(ctx, professionalID)
	if err != nil {
		return nil, false, err
	}
	if professional == nil || professional.Role != models.RoleProfessional {
		return nil, false, validationError(map[string]string{"professional_id": "Unknown professional"})
	}

	return s.chats.GetOrCreateConversation(ctx, request.ID, request.ClientID, professional.ID)
}

func (s *ChatService) ListConversations(ctx context.Context, user *models.User) ([]models.Conversation, error) {
	return s.chats.GetConversationsForUser(ctx, user.ID)
}

// conversationFor loads a conversation the user takes part in
func (s *ChatService) conversationFor(ctx context.Context, user *models.User, conversationID string) (*models.Conversation, error) {
	conversation, err := s.chats.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conversation == nil {
		return nil, newAPIError(ErrNotFound, "conversation not found")
	}
	if !conversation.HasParticipant(user.ID) {
		return nil, ErrForbidden
	}
	return conversation, nil
}

// CanJoin reports whether the user may subscribe to the conversation's realtime events
func (s *ChatService) CanJoin(ctx context.Context, user *models.User, conversationID string) error {
	_, err := s.conversationFor(ctx, user, conversationID)
	return err
}

func (s *ChatService) Messages(ctx context.Context, user *models.User, conversationID string, after *time.Time, limit int) ([]models.Message, error) {
	if _, err := s.conversationFor(ctx, user, conversationID); err != nil {
		return nil, err
	}
	return s.chats.GetMessages(ctx, conversationID, after, limit)
}

// SendMessage stores a text message. Resending the same client temp id returns the stored message
// with created=false.
func (s *ChatService) SendMessage(ctx context.Context, user *models.User, conversationID, body, clientTempID string) (*models.Message, bool, error) {
	if _, err := s.conversationFor(ctx, user, conversationID); err != nil {
		return nil, false, err
	}

	message := &models.Message{
		ConversationID: conversationID,
		SenderID:       &user.ID,
		MessageType:    models.MessageTypeText,
		Body:           body,
	}
	if clientTempID != "" {
		message.ClientTempID = &clientTempID
	}

	saved, created, err := s.chats.SaveMessage(ctx, message)
	if err != nil {
		return nil, false, err
	}
	if created {
		s.notifier.Created(ctx, *saved)
	}
	return saved, created, nil
}

// CreateOffer lets the client of the conversation propose a price to the professional
func (s *ChatService) CreateOffer(ctx context.Context, user *models.User, conversationID string, in OfferInput) (*models.Offer, *models.Message, error) {
	if err := validateStruct(&in); err != nil {
		return nil, nil, err
	}
	if err := validateAmount(in.Amount); err != nil {
		return nil, nil, err
	}

	conversation, err := s.conversationFor(ctx, user, conversationID)
	if err != nil {
		return nil, nil, err
	}
	if conversation.ClientID != user.ID {
		return nil, nil, newAPIError(ErrForbidden, "only the client can send offers")
	}

	request, err := s.repo.GetServiceRequest(ctx, conversation.RequestID)
	if err != nil {
		return nil, nil, err
	}
	if request == nil {
		return nil, nil, newAPIError(ErrNotFound, "request not found")
	}
	if request.Status != models.RequestStatusActive {
		return nil, nil, conflictWith("request is not open for offers", request)
	}

	offer := &models.Offer{
		ConversationID: conversation.ID,
		RequestID:      conversation.RequestID,
		ClientID:       conversation.ClientID,
		ProfessionalID: conversation.ProfessionalID,
		Title:          strings.TrimSpace(in.Title),
		Description:    strings.TrimSpace(in.Description),
		Amount:         in.Amount.Round(2),
		Currency:       s.currency,
		ServiceDate:    in.ServiceDate,
		Status:         models.OfferStatusPending,
	}
	message, err := s.chats.CreateOffer(ctx, offer, user.ID)
	if err != nil {
		return nil, nil, err
	}

	s.notifier.Created(ctx, *message)
	return offer, message, nil
}

// offerFor loads an offer and checks that the user is on the given side of it
func (s *ChatService) offerFor(ctx context.Context, user *models.User, offerID string, professionalSide bool) (*models.Offer, error) {
	offer, err := s.chats.GetOffer(ctx, offerID)
	if err != nil {
		return nil, err
	}
	if offer == nil {
		return nil, newAPIError(ErrNotFound, "offer not found")
	}
	owner := offer.ClientID
	if professionalSide {
		owner = offer.ProfessionalID
	}
	if owner != user.ID {
		return nil, ErrForbidden
	}
	return offer, nil
}

func (s *ChatService) transitionOffer(ctx context.Context, offerID string, change repository.StatusChange) (*models.Offer, error) {
	offer, changed, err := s.chats.TransitionOffer(ctx, offerID, change)
	if errors.Is(err, repository.ErrStaleState) {
		return nil, conflictWith(fmt.Sprintf("offer is %s", offer.Status), offer)
	}
	if err != nil {
		return nil, err
	}
	if offer == nil {
		return nil, newAPIError(ErrNotFound, "offer not found")
	}
	s.notifier.Changed(ctx, changed...)
	return offer, nil
}

func (s *ChatService) AcceptOffer(ctx context.Context, user *models.User, offerID string) (*models.Offer, error) {
	if _, err := s.offerFor(ctx, user, offerID, true); err != nil {
		return nil, err
	}
	return s.transitionOffer(ctx, offerID, repository.StatusChange{
		From:   []string{models.OfferStatusPending},
		To:     models.OfferStatusAccepted,
		Fields: map[string]any{"accepted_at": time.Now()},
		Note:   "Oferta aceptada. El cliente ya puede realizar el pago.",
	})
}

func (s *ChatService) RejectOffer(ctx context.Context, user *models.User, offerID, reason string) (*models.Offer, error) {
	if _, err := s.offerFor(ctx, user, offerID, true); err != nil {
		return nil, err
	}
	note := "Oferta rechazada."
	if reason = strings.TrimSpace(reason); reason != "" {
		note = "Oferta rechazada: " + reason
	}
	return s.transitionOffer(ctx, offerID, repository.StatusChange{
		From:   []string{models.OfferStatusPending},
		To:     models.OfferStatusRejected,
		Fields: map[string]any{"reject_reason": reason},
		Note:   note,
	})
}

func (s *ChatService) CancelOffer(ctx context.Context, user *models.User, offerID string) (*models.Offer, error) {
	if _, err := s.offerFor(ctx, user, offerID, false); err != nil {
		return nil, err
	}
	return s.transitionOffer(ctx, offerID, repository.StatusChange{
		From: []string{models.OfferStatusPending, models.OfferStatusAccepted},
		To:   models.OfferStatusCanceled,
		Note: "Oferta cancelada por el cliente.",
	})
}

// Checkout creates a payment page for an accepted offer
func (s *ChatService) Checkout(ctx context.Context, user *models.User, offerID string) (*CheckoutSession, error) {
	offer, err := s.offerFor(ctx, user, offerID, false)
	if err != nil {
		return nil, err
	}
	if offer.Status != models.OfferStatusAccepted {
		return nil, conflictWith(fmt.Sprintf("offer is %s", offer.Status), offer)
	}
	if s.checkout == nil {
		return nil, newAPIError(ErrUnavailable, "payments are not configured")
	}

	checkoutSession, err := s.checkout.CreateCheckoutSession(ctx, offer, user.Email)
	if err != nil {
		return nil, err
	}
	if err := s.chats.SetOfferCheckoutSession(ctx, offer.ID, checkoutSession.ID); err != nil {
		if errors.Is(err, repository.ErrStaleState) {
			current, _ := s.chats.GetOffer(ctx, offer.ID)
			return nil, conflictWith("offer is no longer accepted", current)
		}
		return nil, err
	}
	return checkoutSession, nil
}

// CreateQuote lets the professional of the conversation send a priced estimate
func (s *ChatService) CreateQuote(ctx context.Context, user *models.User, conversationID string, in QuoteInput) (*models.Quote, *models.Message, error) {
	if err := validateStruct(&in); err != nil {
		return nil, nil, err
	}
	if err := validateAmount(in.Amount); err != nil {
		return nil, nil, err
	}

	conversation, err := s.conversationFor(ctx, user, conversationID)
	if err != nil {
		return nil, nil, err
	}
	if conversation.ProfessionalID != user.ID {
		return nil, nil, newAPIError(ErrForbidden, "only the professional can send quotes")
	}

	quote := &models.Quote{
		ConversationID: conversation.ID,
		RequestID:      conversation.RequestID,
		ClientID:       conversation.ClientID,
		ProfessionalID: conversation.ProfessionalID,
		Description:    strings.TrimSpace(in.Description),
		Amount:         in.Amount.Round(2),
		Currency:       s.currency,
		Status:         models.QuoteStatusPending,
	}
	message, err := s.chats.CreateQuote(ctx, quote)
	if err != nil {
		return nil, nil, err
	}

	s.notifier.Created(ctx, *message)
	return quote, message, nil
}

// DecideQuote accepts or rejects a pending quote on behalf of its client
func (s *ChatService) DecideQuote(ctx context.Context, user *models.User, quoteID string, accept bool) (*models.Quote, error) {
	quote, err := s.chats.GetQuote(ctx, quoteID)
	if err != nil {
		return nil, err
	}
	if quote == nil {
		return nil, newAPIError(ErrNotFound, "quote not found")
	}
	if quote.ClientID != user.ID {
		return nil, ErrForbidden
	}

	change := repository.StatusChange{
		From: []string{models.QuoteStatusPending},
		To:   models.QuoteStatusRejected,
		Note: "Cotización rechazada.",
	}
	if accept {
		change.To = models.QuoteStatusAccepted
		change.Note = "Cotización aceptada."
	}

	updated, changed, err := s.chats.TransitionQuote(ctx, quoteID, change)
	if errors.Is(err, repository.ErrStaleState) {
		return nil, conflictWith(fmt.Sprintf("quote is %s", updated.Status), updated)
	}
	if err != nil {
		return nil, err
	}
	if updated == nil {
		return nil, newAPIError(ErrNotFound, "quote not found")
	}
	s.notifier.Changed(ctx, changed...)
	return updated, nil
}

// ExpireStaleOffers marks pending offers created before cutoff as expired and returns how many changed
func (s *ChatService) ExpireStaleOffers(ctx context.Context, cutoff time.Time, batch int) (int, error) {
	offers, err := s.chats.GetStalePendingOffers(ctx, cutoff, batch)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, offer := range offers {
		_, changed, err := s.chats.TransitionOffer(ctx, offer.ID, repository.StatusChange{
			From: []string{models.OfferStatusPending},
			To:   models.OfferStatusExpired,
			Note: "La oferta expiró sin respuesta.",
		})
		if errors.Is(err, repository.ErrStaleState) {
			// Answered in the meantime
			continue
		}
		if err != nil {
			slog.Error("Failed to expire offer", "error", err, "offer_id", offer.ID)
			continue
		}
		expired++
		s.notifier.Changed(ctx, changed...)
	}
	return expired, nil
}

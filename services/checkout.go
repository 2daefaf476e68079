package services

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/handi/backend/models"
	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/checkout/session"
)

// CheckoutSession is the hosted payment page created for an accepted offer
type CheckoutSession struct {
	ID  string `json:"session_id"`
	URL string `json:"url"`
}

// CheckoutProvider creates hosted payment pages for offers
type CheckoutProvider interface {
	CreateCheckoutSession(ctx context.Context, offer *models.Offer, customerEmail string) (*CheckoutSession, error)
}

// StripeCheckout creates Stripe Checkout sessions in payment mode
type StripeCheckout struct {
	publicBaseURL string
}

func NewStripeCheckout(secretKey, publicBaseURL string) *StripeCheckout {
	stripe.Key = secretKey
	return &StripeCheckout{publicBaseURL: publicBaseURL}
}

// checkoutMetadata is attached to both the session and its payment intent so either webhook can find the offer
func checkoutMetadata(offer *models.Offer) map[string]string {
	return map[string]string{
		"offer_id":        offer.ID,
		"request_id":      offer.RequestID,
		"conversation_id": offer.ConversationID,
		"client_id":       offer.ClientID,
		"professional_id": offer.ProfessionalID,
	}
}

// minorUnits converts an amount to cents
func minorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

func (c *StripeCheckout) CreateCheckoutSession(ctx context.Context, offer *models.Offer, customerEmail string) (*CheckoutSession, error) {
	metadata := checkoutMetadata(offer)
	chatURL := c.publicBaseURL + "/mensajes/" + url.PathEscape(offer.ConversationID)

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		ClientReferenceID: stripe.String(offer.ID),
		SuccessURL:        stripe.String(chatURL + "?checkout=success&session_id={CHECKOUT_SESSION_ID}"),
		CancelURL:         stripe.String(chatURL + "?checkout=cancel"),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Quantity: stripe.Int64(1),
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(offer.Currency),
					UnitAmount: stripe.Int64(minorUnits(offer.Amount)),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(offer.Title),
					},
				},
			},
		},
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: metadata,
		},
	}
	if customerEmail != "" {
		params.CustomerEmail = stripe.String(customerEmail)
	}
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}
	params.Context = ctx

	s, err := session.New(params)
	if err != nil {
		slog.Error("Failed to create checkout session", "error", err, "offer_id", offer.ID)
		return nil, fmt.Errorf("failed to create checkout session: %w", err)
	}

	slog.Info("Checkout session created", "offer_id", offer.ID, "session_id", s.ID)
	return &CheckoutSession{ID: s.ID, URL: s.URL}, nil
}

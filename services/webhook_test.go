package services

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/handi/backend/models"
	"github.com/handi/backend/repository"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v81/webhook"
)

// stripeEvent builds the JSON of a Stripe event wrapping object
func stripeEvent(t *testing.T, id, eventType string, object map[string]any) []byte {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"id":          id,
		"object":      "event",
		"type":        eventType,
		"api_version": "2024-06-20",
		"created":     time.Now().Unix(),
		"data":        map[string]any{"object": object},
	})
	require.NoError(t, err)
	return payload
}

func signPayload(payload []byte, secret string) string {
	now := time.Now()
	signature := webhook.ComputeSignature(now, payload, secret)
	return fmt.Sprintf("t=%d,v1=%s", now.Unix(), hex.EncodeToString(signature))
}

func (e *testEnv) postWebhook(payload []byte, signature string) (*httptest.ResponseRecorder, WebhookResponse) {
	e.t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/stripe/webhook", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", signature)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)

	var body WebhookResponse
	require.NoError(e.t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return rec, body
}

// acceptedOffer creates an offer the professional has accepted
func (e *testEnv) acceptedOffer() (*models.User, *models.Offer) {
	e.t.Helper()
	client, _, conversation := e.chatFixture()
	ctx := context.Background()

	offer := &models.Offer{
		ConversationID: conversation.ID,
		RequestID:      conversation.RequestID,
		ClientID:       conversation.ClientID,
		ProfessionalID: conversation.ProfessionalID,
		Title:          "Reparar fuga",
		Amount:         decimal.RequireFromString("850.50"),
		Currency:       "mxn",
		Status:         models.OfferStatusPending,
	}
	_, err := e.chats.CreateOffer(ctx, offer, client.ID)
	require.NoError(e.t, err)
	_, _, err = e.chats.TransitionOffer(ctx, offer.ID, repository.StatusChange{
		From: []string{models.OfferStatusPending},
		To:   models.OfferStatusAccepted,
	})
	require.NoError(e.t, err)
	return client, offer
}

func checkoutSessionObject(offerID string) map[string]any {
	return map[string]any{
		"id":             "cs_test_123",
		"object":         "checkout.session",
		"payment_status": "paid",
		"amount_total":   85050,
		"currency":       "mxn",
		"payment_intent": "pi_123",
		"metadata":       map[string]string{"offer_id": offerID},
		"customer_details": map[string]any{
			"email": "cliente@example.com",
		},
	}
}

func TestStripeWebhook_InvalidSignature(t *testing.T) {
	env := newTestEnv(t)
	payload := stripeEvent(t, "evt_bad", "checkout.session.completed", map[string]any{"id": "cs_1"})

	rec, body := env.postWebhook(payload, "t=1,v1=deadbeef")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, body.OK)
	assert.Equal(t, "invalid signature", body.Error)

	rec, _ = env.postWebhook(payload, signPayload(payload, "whsec_other"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStripeWebhook_CheckoutCompleted(t *testing.T) {
	env := newTestEnv(t)
	_, offer := env.acceptedOffer()
	ctx := context.Background()

	payload := stripeEvent(t, "evt_paid_1", "checkout.session.completed", checkoutSessionObject(offer.ID))
	rec, body := env.postWebhook(payload, signPayload(payload, testWebhookSecret))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, body.OK)
	assert.True(t, body.Received)
	assert.Equal(t, "checkout.session.completed", body.Type)
	assert.False(t, body.Duplicate)

	stored, err := env.chats.GetOffer(ctx, offer.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OfferStatusPaid, stored.Status)
	require.NotNil(t, stored.PaymentIntentID)
	assert.Equal(t, "pi_123", *stored.PaymentIntentID)

	var receipt models.Receipt
	require.NoError(t, env.db.Where("offer_id = ?", offer.ID).First(&receipt).Error)
	assert.True(t, receipt.Amount.Equal(decimal.RequireFromString("850.50")))
	assert.Equal(t, "cliente@example.com", receipt.CustomerEmail)

	var request models.ServiceRequest
	require.NoError(t, env.db.First(&request, "id = ?", offer.RequestID).Error)
	assert.Equal(t, models.RequestStatusInProcess, request.Status)
	assert.True(t, env.redis.Exists("handi:stripe:event:evt_paid_1"))

	t.Run("redelivery is acknowledged as duplicate", func(t *testing.T) {
		rec, body := env.postWebhook(payload, signPayload(payload, testWebhookSecret))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.True(t, body.OK)
		assert.True(t, body.Duplicate)

		var receipts int64
		env.db.Model(&models.Receipt{}).Count(&receipts)
		assert.Equal(t, int64(1), receipts)
	})

	t.Run("duplicate is detected by the database when redis forgot the event", func(t *testing.T) {
		env.redis.FlushAll()
		rec, body := env.postWebhook(payload, signPayload(payload, testWebhookSecret))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.True(t, body.Duplicate)
		assert.True(t, env.redis.Exists("handi:stripe:event:evt_paid_1"))
	})
}

func TestStripeWebhook_UnknownOfferIsAcknowledged(t *testing.T) {
	env := newTestEnv(t)

	payload := stripeEvent(t, "evt_unknown", "checkout.session.completed",
		checkoutSessionObject("00000000-0000-0000-0000-000000000000"))
	rec, body := env.postWebhook(payload, signPayload(payload, testWebhookSecret))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, body.OK)

	processed, err := repository.NewPaymentRepository(env.db).IsEventProcessed(context.Background(), "evt_unknown")
	require.NoError(t, err)
	assert.True(t, processed)
}

func TestStripeWebhook_PaymentFailed(t *testing.T) {
	env := newTestEnv(t)
	_, offer := env.acceptedOffer()

	payload := stripeEvent(t, "evt_failed_1", "payment_intent.payment_failed", map[string]any{
		"id":       "pi_failed",
		"object":   "payment_intent",
		"metadata": map[string]string{"offer_id": offer.ID},
		"last_payment_error": map[string]any{
			"message": "Your card was declined.",
		},
	})
	rec, body := env.postWebhook(payload, signPayload(payload, testWebhookSecret))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, body.OK)

	stored, err := env.chats.GetOffer(context.Background(), offer.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OfferStatusAccepted, stored.Status)
	assert.Equal(t, "Your card was declined.", stored.LastPaymentError)
}

func TestStripeWebhook_OtherEventsAreAcknowledged(t *testing.T) {
	env := newTestEnv(t)

	payload := stripeEvent(t, "evt_other", "customer.created", map[string]any{"id": "cus_1", "object": "customer"})
	rec, body := env.postWebhook(payload, signPayload(payload, testWebhookSecret))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, body.OK)
	assert.Equal(t, "customer.created", body.Type)
}

func TestStripeWebhook_HandlerErrorReturns500(t *testing.T) {
	env := newTestEnv(t)

	// a numeric id cannot be decoded into a checkout session
	payload := stripeEvent(t, "evt_broken", "checkout.session.completed", map[string]any{"id": 42})
	rec, body := env.postWebhook(payload, signPayload(payload, testWebhookSecret))
	require.Equal(t, http.StatusInternalServerError, rec.Code, rec.Body.String())
	assert.False(t, body.OK)
	assert.True(t, body.Received)
	assert.Equal(t, "checkout.session.completed", body.Type)
	assert.NotEmpty(t, body.Error)

	// no marker is left behind, so Stripe's retry is processed again
	assert.False(t, env.redis.Exists("handi:stripe:event:evt_broken"))
}

func TestStripeWebhook_PayloadTooLarge(t *testing.T) {
	env := newTestEnv(t)

	payload := bytes.Repeat([]byte("a"), maxWebhookPayloadSize+10)
	req := httptest.NewRequest(http.MethodPost, "/api/stripe/webhook", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", "t=1,v1=00")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

// hangUpStore cancels the delivery context partway through, as when Stripe closes the connection
type hangUpStore struct {
	IdempotencyStore
	cancel      context.CancelFunc
	afterCommit bool
}

func (s *hangUpStore) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	seen, err := s.IdempotencyStore.IsProcessed(ctx, eventID)
	if !s.afterCommit {
		s.cancel()
	}
	return seen, err
}

func (s *hangUpStore) MarkProcessed(ctx context.Context, eventID string, ttl time.Duration) (bool, error) {
	if s.afterCommit {
		s.cancel()
	}
	return s.IdempotencyStore.MarkProcessed(ctx, eventID, ttl)
}

func (e *testEnv) hangUpWebhookService(cancel context.CancelFunc, afterCommit bool) *StripeWebhookService {
	base := e.server.webhook.service
	store := &hangUpStore{IdempotencyStore: base.idempotency, cancel: cancel, afterCommit: afterCommit}
	return NewStripeWebhookService(testWebhookSecret, base.payments, base.offers, store, base.notifier)
}

func TestStripeWebhook_AbortedDeliveryIsProcessedOnRetry(t *testing.T) {
	env := newTestEnv(t)
	_, offer := env.acceptedOffer()
	payload := stripeEvent(t, "evt_aborted", "checkout.session.completed", checkoutSessionObject(offer.ID))

	ctx, cancel := context.WithCancel(context.Background())
	_, err := env.hangUpWebhookService(cancel, false).ProcessWebhook(ctx, payload, signPayload(payload, testWebhookSecret))
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, env.redis.Exists("handi:stripe:event:evt_aborted"))

	stored, err := env.chats.GetOffer(context.Background(), offer.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OfferStatusAccepted, stored.Status)

	rec, body := env.postWebhook(payload, signPayload(payload, testWebhookSecret))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.False(t, body.Duplicate)

	stored, err = env.chats.GetOffer(context.Background(), offer.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OfferStatusPaid, stored.Status)

	var receipts int64
	env.db.Model(&models.Receipt{}).Where("offer_id = ?", offer.ID).Count(&receipts)
	assert.Equal(t, int64(1), receipts)
}

func TestStripeWebhook_MarkerSurvivesHangUpAfterCommit(t *testing.T) {
	env := newTestEnv(t)
	_, offer := env.acceptedOffer()
	payload := stripeEvent(t, "evt_late_hangup", "checkout.session.completed", checkoutSessionObject(offer.ID))

	ctx, cancel := context.WithCancel(context.Background())
	result, err := env.hangUpWebhookService(cancel, true).ProcessWebhook(ctx, payload, signPayload(payload, testWebhookSecret))
	require.NoError(t, err)
	assert.False(t, result.Duplicate)
	assert.True(t, env.redis.Exists("handi:stripe:event:evt_late_hangup"))

	_, body := env.postWebhook(payload, signPayload(payload, testWebhookSecret))
	assert.True(t, body.Duplicate)
}

func TestStripeWebhook_CheckoutWithoutMetadataUsesSession(t *testing.T) {
	env := newTestEnv(t)
	_, offer := env.acceptedOffer()
	ctx := context.Background()
	require.NoError(t, env.chats.SetOfferCheckoutSession(ctx, offer.ID, "cs_test_123"))

	object := checkoutSessionObject(offer.ID)
	delete(object, "metadata")
	payload := stripeEvent(t, "evt_no_metadata", "checkout.session.completed", object)
	rec, body := env.postWebhook(payload, signPayload(payload, testWebhookSecret))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, body.OK)

	stored, err := env.chats.GetOffer(ctx, offer.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OfferStatusPaid, stored.Status)
}

package services

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/handi/backend/models"
	"github.com/handi/backend/repository"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChatEndpoints_StartConversation(t *testing.T) {
	env := newTestEnv(t)
	client := env.createUser("cliente@example.com", models.RoleClient)
	pro := env.createUser("pro@example.com", models.RoleProfessional)
	other := env.createUser("otro@example.com", models.RoleClient)
	request := env.createRequest(client, models.RequestStatusActive)

	body := map[string]string{"request_id": request.ID, "professional_id": pro.ID}

	rec := env.do(http.MethodPost, "/api/chat/conversations", body, client)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var conversation models.Conversation
	decodeEnvelope(t, rec, &conversation)
	assert.Equal(t, client.ID, conversation.ClientID)
	assert.Equal(t, pro.ID, conversation.ProfessionalID)

	t.Run("starting it again returns the same conversation", func(t *testing.T) {
		rec := env.do(http.MethodPost, "/api/chat/conversations", body, client)
		require.Equal(t, http.StatusOK, rec.Code)
		var again models.Conversation
		decodeEnvelope(t, rec, &again)
		assert.Equal(t, conversation.ID, again.ID)
	})

	t.Run("professional may start it without naming itself", func(t *testing.T) {
		rec := env.do(http.MethodPost, "/api/chat/conversations", map[string]string{"request_id": request.ID}, pro)
		require.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("strangers are forbidden", func(t *testing.T) {
		rec := env.do(http.MethodPost, "/api/chat/conversations", body, other)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("unknown request", func(t *testing.T) {
		rec := env.do(http.MethodPost, "/api/chat/conversations", map[string]string{
			"request_id":      "00000000-0000-0000-0000-000000000000",
			"professional_id": pro.ID,
		}, client)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("requires authentication", func(t *testing.T) {
		rec := env.do(http.MethodPost, "/api/chat/conversations", body, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestChatEndpoints_SendMessage(t *testing.T) {
	env := newTestEnv(t)
	client, pro, conversation := env.chatFixture()
	path := "/api/chat/conversations/" + conversation.ID + "/messages"

	rec := env.do(http.MethodPost, path, map[string]string{"body": "Hola, ¿puede venir mañana?", "client_temp_id": "tmp-1"}, client)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var first models.Message
	decodeEnvelope(t, rec, &first)
	require.NotNil(t, first.ClientTempID)
	assert.Equal(t, "tmp-1", *first.ClientTempID)

	t.Run("resending the temp id returns the stored message", func(t *testing.T) {
		rec := env.do(http.MethodPost, path, map[string]string{"body": "Hola, ¿puede venir mañana?", "client_temp_id": "tmp-1"}, client)
		require.Equal(t, http.StatusOK, rec.Code)
		var again models.Message
		decodeEnvelope(t, rec, &again)
		assert.Equal(t, first.ID, again.ID)

		var count int64
		env.db.Model(&models.Message{}).Where("conversation_id = ?", conversation.ID).Count(&count)
		assert.Equal(t, int64(1), count)
	})

	t.Run("history is visible to the other member", func(t *testing.T) {
		rec := env.do(http.MethodPost, path, map[string]string{"body": "Sí, a las 10"}, pro)
		require.Equal(t, http.StatusCreated, rec.Code)

		rec = env.do(http.MethodGet, path, nil, pro)
		require.Equal(t, http.StatusOK, rec.Code)
		var messages []models.Message
		decodeEnvelope(t, rec, &messages)
		require.Len(t, messages, 2)
		assert.Equal(t, first.ID, messages[0].ID)
		assert.Equal(t, "Sí, a las 10", messages[1].Body)
	})

	t.Run("empty body is rejected", func(t *testing.T) {
		rec := env.do(http.MethodPost, path, map[string]string{"body": ""}, client)
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	})

	t.Run("non members are forbidden", func(t *testing.T) {
		outsider := env.createUser("fuera@example.com", models.RoleClient)
		rec := env.do(http.MethodGet, path, nil, outsider)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})
}

func TestChatEndpoints_OfferLifecycle(t *testing.T) {
	env := newTestEnv(t)
	client, pro, conversation := env.chatFixture()

	rec := env.do(http.MethodPost, "/api/chat/conversations/"+conversation.ID+"/offers", map[string]any{
		"title":  "Reparar fuga",
		"amount": "850.50",
	}, client)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created struct {
		Offer   models.Offer   `json:"offer"`
		Message models.Message `json:"message"`
	}
	decodeEnvelope(t, rec, &created)
	assert.Equal(t, models.OfferStatusPending, created.Offer.Status)
	assert.True(t, created.Offer.Amount.Equal(decimal.RequireFromString("850.50")))
	assert.Equal(t, models.MessageTypeOffer, created.Message.MessageType)

	offerPath := "/api/offers/" + created.Offer.ID

	t.Run("the client cannot accept its own offer", func(t *testing.T) {
		rec := env.do(http.MethodPost, offerPath+"/accept", nil, client)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("checkout before acceptance conflicts", func(t *testing.T) {
		rec := env.do(http.MethodPost, offerPath+"/checkout", nil, client)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("the professional accepts", func(t *testing.T) {
		rec := env.do(http.MethodPost, offerPath+"/accept", nil, pro)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var offer models.Offer
		decodeEnvelope(t, rec, &offer)
		assert.Equal(t, models.OfferStatusAccepted, offer.Status)
		assert.NotNil(t, offer.AcceptedAt)

		message, err := env.chats.GetMessageByID(context.Background(), created.Message.ID)
		require.NoError(t, err)
		assert.Equal(t, models.OfferStatusAccepted, message.Payload["status"])
	})

	t.Run("accepting twice returns the current offer with 409", func(t *testing.T) {
		rec := env.do(http.MethodPost, offerPath+"/accept", nil, pro)
		require.Equal(t, http.StatusConflict, rec.Code)
		var current models.Offer
		envelope := decodeEnvelope(t, rec, &current)
		assert.False(t, envelope.OK)
		assert.Equal(t, models.OfferStatusAccepted, current.Status)
	})

	t.Run("rejecting an accepted offer conflicts", func(t *testing.T) {
		rec := env.do(http.MethodPost, offerPath+"/reject", map[string]string{"reason": "tarde"}, pro)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("checkout without payments configured", func(t *testing.T) {
		rec := env.do(http.MethodPost, offerPath+"/checkout", nil, client)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("the client cancels", func(t *testing.T) {
		rec := env.do(http.MethodPost, offerPath+"/cancel", nil, client)
		require.Equal(t, http.StatusOK, rec.Code)
		var offer models.Offer
		decodeEnvelope(t, rec, &offer)
		assert.Equal(t, models.OfferStatusCanceled, offer.Status)
	})
}

func TestChatEndpoints_RejectOffer(t *testing.T) {
	env := newTestEnv(t)
	client, pro, conversation := env.chatFixture()

	rec := env.do(http.MethodPost, "/api/chat/conversations/"+conversation.ID+"/offers", map[string]any{
		"title":  "Instalar lámpara",
		"amount": 300,
	}, client)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created struct {
		Offer models.Offer `json:"offer"`
	}
	decodeEnvelope(t, rec, &created)

	rec = env.do(http.MethodPost, "/api/offers/"+created.Offer.ID+"/reject", map[string]string{"reason": "No tengo disponibilidad"}, pro)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var offer models.Offer
	decodeEnvelope(t, rec, &offer)
	assert.Equal(t, models.OfferStatusRejected, offer.Status)
	assert.Equal(t, "No tengo disponibilidad", offer.RejectReason)

	var note models.Message
	require.NoError(t, env.db.Where("conversation_id = ? AND message_type = ?", conversation.ID, models.MessageTypeSystem).First(&note).Error)
	assert.Equal(t, "Oferta rechazada: No tengo disponibilidad", note.Body)
}

func TestChatEndpoints_OfferValidation(t *testing.T) {
	env := newTestEnv(t)
	client, pro, conversation := env.chatFixture()
	path := "/api/chat/conversations/" + conversation.ID + "/offers"

	t.Run("amount must be positive", func(t *testing.T) {
		rec := env.do(http.MethodPost, path, map[string]any{"title": "Trabajo", "amount": "0"}, client)
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	})

	t.Run("only the client sends offers", func(t *testing.T) {
		rec := env.do(http.MethodPost, path, map[string]any{"title": "Trabajo", "amount": "100"}, pro)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})
}

func TestChatEndpoints_Quotes(t *testing.T) {
	env := newTestEnv(t)
	client, pro, conversation := env.chatFixture()

	rec := env.do(http.MethodPost, "/api/chat/conversations/"+conversation.ID+"/quotes", map[string]any{
		"description": "Cambio de tubería completa",
		"amount":      "2400",
	}, pro)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created struct {
		Quote models.Quote `json:"quote"`
	}
	decodeEnvelope(t, rec, &created)
	assert.Equal(t, models.QuoteStatusPending, created.Quote.Status)

	quotePath := "/api/quotes/" + created.Quote.ID

	rec = env.do(http.MethodPost, quotePath+"/accept", nil, pro)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(http.MethodPost, quotePath+"/accept", nil, client)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var quote models.Quote
	decodeEnvelope(t, rec, &quote)
	assert.Equal(t, models.QuoteStatusAccepted, quote.Status)

	rec = env.do(http.MethodPost, quotePath+"/reject", nil, client)
	require.Equal(t, http.StatusConflict, rec.Code)
	var current models.Quote
	decodeEnvelope(t, rec, &current)
	assert.Equal(t, models.QuoteStatusAccepted, current.Status)
}

func TestChatService_ExpireStaleOffers(t *testing.T) {
	env := newTestEnv(t)
	client, _, conversation := env.chatFixture()
	ctx := context.Background()

	offer := &models.Offer{
		ConversationID: conversation.ID,
		RequestID:      conversation.RequestID,
		ClientID:       conversation.ClientID,
		ProfessionalID: conversation.ProfessionalID,
		Title:          "Pintar sala",
		Amount:         decimal.NewFromInt(1200),
		Currency:       "mxn",
		Status:         models.OfferStatusPending,
	}
	_, err := env.chats.CreateOffer(ctx, offer, client.ID)
	require.NoError(t, err)

	chat := NewChatService(env.repo, env.chats, nil, nil, "mxn")

	expired, err := chat.ExpireStaleOffers(ctx, time.Now().Add(-time.Hour), 10)
	require.NoError(t, err)
	assert.Equal(t, 0, expired)

	expired, err = chat.ExpireStaleOffers(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	stored, err := env.chats.GetOffer(ctx, offer.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OfferStatusExpired, stored.Status)

	_, _, err = env.chats.TransitionOffer(ctx, offer.ID, repository.StatusChange{
		From: []string{models.OfferStatusPending},
		To:   models.OfferStatusAccepted,
	})
	assert.ErrorIs(t, err, repository.ErrStaleState)
}

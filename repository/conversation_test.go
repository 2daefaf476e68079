package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/handi/backend/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConversationRepository_GetOrCreateConversation(t *testing.T) {
	db := setupTestDB(t)
	repo := NewConversationRepository(db)
	ctx := context.Background()

	client := createUser(t, db, "client@example.com", models.RoleClient)
	pro := createUser(t, db, "pro@example.com", models.RoleProfessional)
	request := createRequest(t, db, client.ID, models.RequestStatusActive)

	first, created, err := repo.GetOrCreateConversation(ctx, request.ID, client.ID, pro.ID)
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := repo.GetOrCreateConversation(ctx, request.ID, client.ID, pro.ID)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	member, err := repo.IsRequestParticipant(ctx, request.ID, pro.ID)
	require.NoError(t, err)
	assert.True(t, member)
}

func TestConversationRepository_SaveMessage(t *testing.T) {
	db := setupTestDB(t)
	repo := NewConversationRepository(db)
	ctx := context.Background()
	conversation, client, _, _ := offerFixture(t, db)

	tempID := "tmp-1"
	first, created, err := repo.SaveMessage(ctx, &models.Message{
		ConversationID: conversation.ID,
		SenderID:       &client.ID,
		MessageType:    models.MessageTypeText,
		Body:           "hola",
		ClientTempID:   &tempID,
	})
	require.NoError(t, err)
	assert.True(t, created)

	t.Run("same temp id returns the stored message", func(t *testing.T) {
		again, created, err := repo.SaveMessage(ctx, &models.Message{
			ConversationID: conversation.ID,
			SenderID:       &client.ID,
			MessageType:    models.MessageTypeText,
			Body:           "hola",
			ClientTempID:   &tempID,
		})
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, first.ID, again.ID)
	})

	t.Run("history is ascending and updates last_message_at", func(t *testing.T) {
		_, _, err := repo.SaveMessage(ctx, &models.Message{
			ConversationID: conversation.ID,
			SenderID:       &client.ID,
			MessageType:    models.MessageTypeText,
			Body:           "¿sigue disponible?",
			CreatedAt:      first.CreatedAt.Add(time.Second),
		})
		require.NoError(t, err)

		messages, err := repo.GetMessages(ctx, conversation.ID, nil, 0)
		require.NoError(t, err)
		require.Len(t, messages, 2)
		assert.Equal(t, "hola", messages[0].Body)
		assert.Equal(t, "¿sigue disponible?", messages[1].Body)

		list, err := repo.GetConversationsForUser(ctx, client.ID)
		require.NoError(t, err)
		require.Len(t, list, 1)
		require.NotNil(t, list[0].LastMessage)
		assert.Equal(t, "¿sigue disponible?", list[0].LastMessage.Body)
		assert.NotNil(t, list[0].LastMessageAt)
	})
}

func TestConversationRepository_GetMessagesWindow(t *testing.T) {
	db := setupTestDB(t)
	repo := NewConversationRepository(db)
	ctx := context.Background()
	conversation, client, _, _ := offerFixture(t, db)

	start := time.Now().Add(-time.Hour)
	for i := range 5 {
		_, _, err := repo.SaveMessage(ctx, &models.Message{
			ConversationID: conversation.ID,
			SenderID:       &client.ID,
			MessageType:    models.MessageTypeText,
			Body:           fmt.Sprintf("mensaje %d", i),
			CreatedAt:      start.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}

	latest, err := repo.GetMessages(ctx, conversation.ID, nil, 3)
	require.NoError(t, err)
	require.Len(t, latest, 3)
	assert.Equal(t, "mensaje 2", latest[0].Body)
	assert.Equal(t, "mensaje 4", latest[2].Body)

	cursor := start.Add(30 * time.Second)
	page, err := repo.GetMessages(ctx, conversation.ID, &cursor, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "mensaje 1", page[0].Body)
	assert.Equal(t, "mensaje 2", page[1].Body)
}

func TestConversationRepository_OfferLifecycle(t *testing.T) {
	db := setupTestDB(t)
	repo := NewConversationRepository(db)
	ctx := context.Background()
	conversation, client, _, request := offerFixture(t, db)

	offer := newOffer(conversation, "850.00")
	message, err := repo.CreateOffer(ctx, offer, client.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MessageTypeOffer, message.MessageType)
	assert.Equal(t, offer.ID, message.Payload["offer_id"])
	assert.Equal(t, "850.00", message.Payload["amount"])

	var agreement models.Agreement
	require.NoError(t, db.Where("request_id = ?", request.ID).First(&agreement).Error)
	assert.Equal(t, models.AgreementStatusNegotiating, agreement.Status)

	t.Run("accept syncs the payload", func(t *testing.T) {
		updated, changed, err := repo.TransitionOffer(ctx, offer.ID, StatusChange{
			From: []string{models.OfferStatusPending},
			To:   models.OfferStatusAccepted,
			Note: "Oferta aceptada",
		})
		require.NoError(t, err)
		assert.Equal(t, models.OfferStatusAccepted, updated.Status)
		require.Len(t, changed, 2)
		assert.Equal(t, models.OfferStatusAccepted, changed[0].Payload["status"])
		assert.Equal(t, models.MessageTypeSystem, changed[1].MessageType)

		stored, err := repo.GetMessageByID(ctx, message.ID)
		require.NoError(t, err)
		assert.Equal(t, models.OfferStatusAccepted, stored.Payload["status"])
	})

	t.Run("second accept is stale and returns the current offer", func(t *testing.T) {
		current, changed, err := repo.TransitionOffer(ctx, offer.ID, StatusChange{
			From: []string{models.OfferStatusPending},
			To:   models.OfferStatusAccepted,
		})
		assert.ErrorIs(t, err, ErrStaleState)
		require.NotNil(t, current)
		assert.Equal(t, models.OfferStatusAccepted, current.Status)
		assert.Empty(t, changed)
	})

	t.Run("unknown offer", func(t *testing.T) {
		current, _, err := repo.TransitionOffer(ctx, "00000000-0000-0000-0000-000000000000", StatusChange{
			From: []string{models.OfferStatusPending},
			To:   models.OfferStatusAccepted,
		})
		require.NoError(t, err)
		assert.Nil(t, current)
	})

	t.Run("checkout session is stored on accepted offers", func(t *testing.T) {
		require.NoError(t, repo.SetOfferCheckoutSession(ctx, offer.ID, "cs_test_1"))

		found, err := repo.GetOfferByCheckoutSession(ctx, "cs_test_1")
		require.NoError(t, err)
		require.NotNil(t, found)
		assert.Equal(t, offer.ID, found.ID)
	})

	t.Run("cancel closes the agreement", func(t *testing.T) {
		_, _, err := repo.TransitionOffer(ctx, offer.ID, StatusChange{
			From: []string{models.OfferStatusPending, models.OfferStatusAccepted},
			To:   models.OfferStatusCanceled,
		})
		require.NoError(t, err)

		require.NoError(t, db.Where("request_id = ?", request.ID).First(&agreement).Error)
		assert.Equal(t, models.AgreementStatusCancelled, agreement.Status)
	})
}

func TestConversationRepository_GetStalePendingOffers(t *testing.T) {
	db := setupTestDB(t)
	repo := NewConversationRepository(db)
	ctx := context.Background()
	conversation, client, _, _ := offerFixture(t, db)

	old := newOffer(conversation, "100")
	_, err := repo.CreateOffer(ctx, old, client.ID)
	require.NoError(t, err)
	require.NoError(t, db.Model(&models.Offer{}).Where("id = ?", old.ID).Update("created_at", time.Now().Add(-96*time.Hour)).Error)

	fresh := newOffer(conversation, "200")
	_, err = repo.CreateOffer(ctx, fresh, client.ID)
	require.NoError(t, err)

	stale, err := repo.GetStalePendingOffers(ctx, time.Now().Add(-72*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, old.ID, stale[0].ID)
}

func TestConversationRepository_QuoteLifecycle(t *testing.T) {
	db := setupTestDB(t)
	repo := NewConversationRepository(db)
	ctx := context.Background()
	conversation, _, _, _ := offerFixture(t, db)

	quote := &models.Quote{
		ConversationID: conversation.ID,
		RequestID:      conversation.RequestID,
		ClientID:       conversation.ClientID,
		ProfessionalID: conversation.ProfessionalID,
		Description:    "Material y mano de obra",
		Amount:         decimal.NewFromInt(1200),
		Currency:       "mxn",
		Status:         models.QuoteStatusPending,
	}
	message, err := repo.CreateQuote(ctx, quote)
	require.NoError(t, err)
	assert.Equal(t, quote.ID, message.Payload["quote_id"])

	updated, changed, err := repo.TransitionQuote(ctx, quote.ID, StatusChange{
		From: []string{models.QuoteStatusPending},
		To:   models.QuoteStatusRejected,
	})
	require.NoError(t, err)
	assert.Equal(t, models.QuoteStatusRejected, updated.Status)
	require.Len(t, changed, 1)
	assert.Equal(t, models.QuoteStatusRejected, changed[0].Payload["status"])

	_, _, err = repo.TransitionQuote(ctx, quote.ID, StatusChange{
		From: []string{models.QuoteStatusPending},
		To:   models.QuoteStatusAccepted,
	})
	assert.ErrorIs(t, err, ErrStaleState)
}

package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const (
	OfferStatusPending  = "pending"
	OfferStatusAccepted = "accepted"
	OfferStatusRejected = "rejected"
	OfferStatusPaid     = "paid"
	OfferStatusCanceled = "canceled"
	OfferStatusExpired  = "expired"
)

// Offer is a priced proposal a client sends to a professional inside a conversation
type Offer struct {
	ID                string          `gorm:"type:uuid;primaryKey" json:"id"`
	ConversationID    string          `gorm:"type:uuid;not null;index" json:"conversation_id"`
	RequestID         string          `gorm:"type:uuid;not null;index" json:"request_id"`
	ClientID          string          `gorm:"type:uuid;not null;index" json:"client_id"`
	ProfessionalID    string          `gorm:"type:uuid;not null;index" json:"professional_id"`
	Title             string          `gorm:"size:200;not null" json:"title"`
	Description       string          `gorm:"type:text" json:"description,omitempty"`
	Amount            decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"amount"`
	Currency          string          `gorm:"size:3;not null;default:'mxn'" json:"currency"`
	ServiceDate       *time.Time      `json:"service_date,omitempty"`
	Status            string          `gorm:"not null;default:'pending';index;check:status IN ('pending', 'accepted', 'rejected', 'paid', 'canceled', 'expired')" json:"status"`
	CheckoutSessionID *string         `gorm:"size:255;uniqueIndex" json:"checkout_session_id,omitempty"`
	PaymentIntentID   *string         `gorm:"size:255;index" json:"payment_intent_id,omitempty"`
	LastPaymentError  string          `gorm:"type:text" json:"last_payment_error,omitempty"`
	RejectReason      string          `gorm:"type:text" json:"reject_reason,omitempty"`
	AcceptedAt        *time.Time      `json:"accepted_at,omitempty"`
	PaidAt            *time.Time      `json:"paid_at,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

func (o *Offer) BeforeCreate(tx *gorm.DB) error {
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	return nil
}

// PayloadFields returns the offer fields mirrored into the chat message payload
func (o *Offer) PayloadFields() map[string]any {
	payload := map[string]any{
		"offer_id": o.ID,
		"title":    o.Title,
		"amount":   o.Amount.StringFixed(2),
		"currency": o.Currency,
		"status":   o.Status,
	}
	if o.Description != "" {
		payload["description"] = o.Description
	}
	if o.ServiceDate != nil {
		payload["service_date"] = o.ServiceDate.UTC().Format(time.RFC3339)
	}
	return payload
}

const (
	QuoteStatusPending  = "pending"
	QuoteStatusAccepted = "accepted"
	QuoteStatusRejected = "rejected"
)

// Quote is a professional's priced estimate sent to the client
type Quote struct {
	ID             string          `gorm:"type:uuid;primaryKey" json:"id"`
	ConversationID string          `gorm:"type:uuid;not null;index" json:"conversation_id"`
	RequestID      string          `gorm:"type:uuid;not null;index" json:"request_id"`
	ClientID       string          `gorm:"type:uuid;not null;index" json:"client_id"`
	ProfessionalID string          `gorm:"type:uuid;not null;index" json:"professional_id"`
	Description    string          `gorm:"type:text;not null" json:"description"`
	Amount         decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"amount"`
	Currency       string          `gorm:"size:3;not null;default:'mxn'" json:"currency"`
	Status         string          `gorm:"not null;default:'pending';check:status IN ('pending', 'accepted', 'rejected')" json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

func (q *Quote) BeforeCreate(tx *gorm.DB) error {
	if q.ID == "" {
		q.ID = uuid.New().String()
	}
	return nil
}

// PayloadFields returns the quote fields mirrored into the chat message payload
func (q *Quote) PayloadFields() map[string]any {
	return map[string]any{
		"quote_id":    q.ID,
		"description": q.Description,
		"amount":      q.Amount.StringFixed(2),
		"currency":    q.Currency,
		"status":      q.Status,
	}
}

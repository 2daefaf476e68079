package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const (
	CalendarStatusScheduled = "scheduled"
	CalendarStatusCancelled = "cancelled"
)

// CalendarEvent is a scheduled job on a professional's calendar
type CalendarEvent struct {
	ID             string    `gorm:"type:uuid;primaryKey" json:"id"`
	ProfessionalID string    `gorm:"type:uuid;not null;index" json:"professional_id"`
	RequestID      string    `gorm:"type:uuid;not null;index" json:"request_id"`
	OfferID        string    `gorm:"type:uuid;not null;uniqueIndex" json:"offer_id"`
	Title          string    `gorm:"size:200;not null" json:"title"`
	StartsAt       time.Time `gorm:"not null" json:"starts_at"`
	Status         string    `gorm:"not null;default:'scheduled';check:status IN ('scheduled', 'cancelled')" json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (e *CalendarEvent) BeforeCreate(tx *gorm.DB) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	return nil
}

// Receipt records a completed payment for an offer
type Receipt struct {
	ID                string          `gorm:"type:uuid;primaryKey" json:"id"`
	OfferID           string          `gorm:"type:uuid;not null;index" json:"offer_id"`
	RequestID         string          `gorm:"type:uuid;not null;index" json:"request_id"`
	ClientID          string          `gorm:"type:uuid;not null;index" json:"client_id"`
	ProfessionalID    string          `gorm:"type:uuid;not null;index" json:"professional_id"`
	CheckoutSessionID string          `gorm:"size:255;not null;uniqueIndex" json:"checkout_session_id"`
	PaymentIntentID   string          `gorm:"size:255" json:"payment_intent_id,omitempty"`
	Amount            decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"amount"`
	Currency          string          `gorm:"size:3;not null" json:"currency"`
	CustomerEmail     string          `gorm:"size:255" json:"customer_email,omitempty"`
	Status            string          `gorm:"not null;default:'paid'" json:"status"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

func (r *Receipt) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	return nil
}

// PaymentEvent records a processed Stripe event id
type PaymentEvent struct {
	ID          string    `gorm:"size:255;primaryKey" json:"id"`
	Type        string    `gorm:"size:100;not null" json:"type"`
	ProcessedAt time.Time `gorm:"not null" json:"processed_at"`
}

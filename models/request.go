package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const (
	RequestStatusDraft     = "draft"
	RequestStatusActive    = "active"
	RequestStatusInProcess = "in_process"
	RequestStatusCompleted = "completed"
	RequestStatusCancelled = "cancelled"
)

// Category is a service category offered on the marketplace
type Category struct {
	ID        string    `gorm:"type:uuid;primaryKey" json:"id"`
	Slug      string    `gorm:"size:80;uniqueIndex;not null" json:"slug"`
	Name      string    `gorm:"size:120;not null" json:"name"`
	Keywords  string    `gorm:"type:text" json:"-"` // comma separated, used by the keyword classifier
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (c *Category) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	return nil
}

// KeywordList returns the trimmed, non-empty keywords of the category
func (c Category) KeywordList() []string {
	var out []string
	for _, k := range strings.Split(c.Keywords, ",") {
		if k = strings.TrimSpace(k); k != "" {
			out = append(out, k)
		}
	}
	return out
}

// ServiceRequest is a client's request for a service
type ServiceRequest struct {
	ID            string           `gorm:"type:uuid;primaryKey" json:"id"`
	ClientID      string           `gorm:"type:uuid;not null;index" json:"client_id"`
	Title         string           `gorm:"size:200;not null" json:"title"`
	Description   string           `gorm:"type:text" json:"description"`
	Category      string           `gorm:"size:80;index" json:"category"`
	Subcategory   string           `gorm:"size:120" json:"subcategory,omitempty"`
	Address       string           `gorm:"size:300" json:"address,omitempty"`
	City          string           `gorm:"size:120;index" json:"city"`
	Latitude      *float64         `json:"latitude,omitempty"`
	Longitude     *float64         `json:"longitude,omitempty"`
	Budget        *decimal.Decimal `gorm:"type:numeric(12,2)" json:"budget,omitempty"`
	PreferredDate *time.Time       `json:"preferred_date,omitempty"`
	Status        string           `gorm:"not null;default:'active';index;check:status IN ('draft', 'active', 'in_process', 'completed', 'cancelled')" json:"status"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
	DeletedAt     gorm.DeletedAt   `gorm:"index" json:"-"`

	// Relationships
	Client *User `gorm:"foreignKey:ClientID" json:"client,omitempty"`
}

func (r *ServiceRequest) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	return nil
}

const (
	AgreementStatusNegotiating = "negotiating"
	AgreementStatusPaid        = "paid"
	AgreementStatusCancelled   = "cancelled"
)

// Agreement links a request, a professional and the negotiated amount
type Agreement struct {
	ID             string          `gorm:"type:uuid;primaryKey" json:"id"`
	RequestID      string          `gorm:"type:uuid;not null;uniqueIndex:idx_agreement_request_pro" json:"request_id"`
	ProfessionalID string          `gorm:"type:uuid;not null;uniqueIndex:idx_agreement_request_pro" json:"professional_id"`
	OfferID        *string         `gorm:"type:uuid" json:"offer_id,omitempty"`
	Amount         decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"amount"`
	Status         string          `gorm:"not null;default:'negotiating';check:status IN ('negotiating', 'paid', 'cancelled')" json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

func (a *Agreement) BeforeCreate(tx *gorm.DB) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	return nil
}

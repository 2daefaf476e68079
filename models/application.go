package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	ApplicationStatusPending  = "pending"
	ApplicationStatusAccepted = "accepted"
	ApplicationStatusRejected = "rejected"
)

// ProReference is a personal or work reference listed on a professional application
type ProReference struct {
	Name     string `json:"name" validate:"required,max=120"`
	Phone    string `json:"phone" validate:"required,max=30"`
	Relation string `json:"relation,omitempty" validate:"max=80"`
}

// ProApplication is a professional's onboarding submission reviewed by admins
type ProApplication struct {
	ID              string              `gorm:"type:uuid;primaryKey" json:"id"`
	UserID          *string             `gorm:"type:uuid;index" json:"user_id,omitempty"`
	FullName        string              `gorm:"size:255;not null" json:"full_name"`
	Email           string              `gorm:"size:255;not null;index" json:"email"`
	Phone           string              `gorm:"size:50;not null" json:"phone"`
	City            string              `gorm:"size:120;not null" json:"city"`
	Categories      string              `gorm:"type:text" json:"categories"` // comma separated category slugs
	YearsExperience int                 `json:"years_experience"`
	Bio             string              `gorm:"type:text" json:"bio,omitempty"`
	References      []ProReference      `gorm:"type:text;serializer:json" json:"references"`
	Documents       map[string][]string `gorm:"type:text;serializer:json" json:"documents"` // field name -> storage keys
	SignatureKey    string              `gorm:"size:500" json:"signature_key"`
	Status          string              `gorm:"not null;default:'pending';index;check:status IN ('pending', 'accepted', 'rejected')" json:"status"`
	ReviewNotes     string              `gorm:"type:text" json:"review_notes,omitempty"`
	ReviewedBy      *string             `gorm:"type:uuid" json:"reviewed_by,omitempty"`
	ReviewedAt      *time.Time          `json:"reviewed_at,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
	DeletedAt       gorm.DeletedAt      `gorm:"index" json:"-"`
}

func (a *ProApplication) BeforeCreate(tx *gorm.DB) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	return nil
}

// ProfessionalProfile is the public marketplace profile of an approved professional
type ProfessionalProfile struct {
	ID            string    `gorm:"type:uuid;primaryKey" json:"id"`
	UserID        string    `gorm:"type:uuid;not null;uniqueIndex" json:"user_id"`
	ApplicationID *string   `gorm:"type:uuid" json:"application_id,omitempty"`
	Headline      string    `gorm:"size:200" json:"headline,omitempty"`
	Categories    string    `gorm:"type:text" json:"categories"`
	City          string    `gorm:"size:120;index" json:"city"`
	Bio           string    `gorm:"type:text" json:"bio,omitempty"`
	IsActive      bool      `gorm:"default:true;index" json:"is_active"`
	IsFeatured    bool      `gorm:"default:false" json:"is_featured"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`

	// Relationships
	User *User `gorm:"foreignKey:UserID" json:"user,omitempty"`
}

func (p *ProfessionalProfile) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	return nil
}

package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	MessageTypeText    = "text"
	MessageTypeOffer   = "offer"
	MessageTypeQuote   = "quote"
	MessageTypeSystem  = "system"
	MessageTypePayment = "payment"
)

// Conversation is the chat thread between a client and a professional about one request
type Conversation struct {
	ID             string     `gorm:"type:uuid;primaryKey" json:"id"`
	RequestID      string     `gorm:"type:uuid;not null;uniqueIndex:idx_conversation_participants" json:"request_id"`
	ClientID       string     `gorm:"type:uuid;not null;uniqueIndex:idx_conversation_participants;index" json:"client_id"`
	ProfessionalID string     `gorm:"type:uuid;not null;uniqueIndex:idx_conversation_participants;index" json:"professional_id"`
	LastMessageAt  *time.Time `json:"last_message_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`

	// Relationships
	Request      *ServiceRequest `gorm:"foreignKey:RequestID" json:"request,omitempty"`
	Client       *User           `gorm:"foreignKey:ClientID" json:"client,omitempty"`
	Professional *User           `gorm:"foreignKey:ProfessionalID" json:"professional,omitempty"`
	LastMessage  *Message        `gorm:"-" json:"last_message,omitempty"`
}

func (c *Conversation) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	return nil
}

// HasParticipant reports whether userID is the client or the professional of the conversation
func (c *Conversation) HasParticipant(userID string) bool {
	return c.ClientID == userID || c.ProfessionalID == userID
}

// Message represents a single message in a conversation.
// Offer and quote messages carry their business id both in Payload and in the
// indexed OfferID/QuoteID columns so status changes can be synced into the payload.
type Message struct {
	ID             string         `json:"id" gorm:"primaryKey;type:uuid"`
	ConversationID string         `json:"conversation_id" gorm:"type:uuid;not null;index;uniqueIndex:idx_message_temp_id"`
	SenderID       *string        `json:"sender_id,omitempty" gorm:"type:uuid;uniqueIndex:idx_message_temp_id"` // NULL for system messages
	MessageType    string         `json:"message_type" gorm:"type:varchar(20);not null;check:message_type IN ('text', 'offer', 'quote', 'system', 'payment')"`
	Body           string         `json:"body" gorm:"type:text"`
	Payload        map[string]any `json:"payload,omitempty" gorm:"type:text;serializer:json"`
	ClientTempID   *string        `json:"client_temp_id,omitempty" gorm:"type:varchar(100);uniqueIndex:idx_message_temp_id"`
	OfferID        *string        `json:"offer_id,omitempty" gorm:"type:uuid;index"`
	QuoteID        *string        `json:"quote_id,omitempty" gorm:"type:uuid;index"`
	CreatedAt      time.Time      `json:"created_at" gorm:"not null;index"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// TableName returns the table name for the Message model
func (Message) TableName() string {
	return "messages"
}

// BeforeCreate hook to set the ID if not provided
func (m *Message) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	return nil
}

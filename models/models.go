package models

// This file serves as the central export point for all database models
// Import this package to access all model types

// All models are automatically exported from their respective files:
// - User, RefreshToken, PermanentToken from user.go
// - Category, ServiceRequest, Agreement from request.go
// - Conversation, Message from chat.go
// - Offer, Quote from offer.go
// - ProApplication, ProfessionalProfile from application.go
// - CalendarEvent, Receipt, PaymentEvent from payment.go

// Database schema overview:
// 1. users - clients, professionals and admins (cookie-based authentication)
// 2. categories - service categories with classifier keywords
// 3. service_requests - requests created by clients, drafts included
// 4. conversations / messages - chat between a client and a professional per request
// 5. offers / quotes - priced proposals whose status is mirrored into message payloads
// 6. agreements - request/professional/amount tracking alongside offers
// 7. pro_applications / professional_profiles - onboarding and public profiles
// 8. calendar_events / receipts / payment_events - payment side effects and idempotency

// All is the list of models handed to AutoMigrate
var All = []any{
	&User{},
	&RefreshToken{},
	&PermanentToken{},
	&Category{},
	&ServiceRequest{},
	&Agreement{},
	&Conversation{},
	&Message{},
	&Offer{},
	&Quote{},
	&ProApplication{},
	&ProfessionalProfile{},
	&CalendarEvent{},
	&Receipt{},
	&PaymentEvent{},
}

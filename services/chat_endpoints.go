package services

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
)

type ChatEndpoints struct {
	chat *ChatService
}

func NewChatEndpoints(chat *ChatService) *ChatEndpoints {
	return &ChatEndpoints{chat: chat}
}

type StartConversationRequest struct {
	RequestID      string `json:"request_id" validate:"required,uuid"`
	ProfessionalID string `json:"professional_id" validate:"omitempty,uuid"`
}

type SendMessageRequest struct {
	Body         string `json:"body" validate:"required,max=4000"`
	ClientTempID string `json:"client_temp_id" validate:"max=100"`
}

type RejectOfferRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

// RegisterRoutes mounts the chat routes; the router must already authenticate
func (e *ChatEndpoints) RegisterRoutes(r chi.Router) {
	r.Route("/chat/conversations", func(r chi.Router) {
		r.Get("/", e.listConversations)
		r.Post("/", e.startConversation)
		r.Get("/{id}/messages", e.listMessages)
		r.Post("/{id}/messages", e.sendMessage)
		r.Post("/{id}/offers", e.createOffer)
		r.Post("/{id}/quotes", e.createQuote)
	})

	r.Route("/offers/{id}", func(r chi.Router) {
		r.Post("/accept", e.acceptOffer)
		r.Post("/reject", e.rejectOffer)
		r.Post("/cancel", e.cancelOffer)
		r.Post("/checkout", e.checkout)
	})

	r.Route("/quotes/{id}", func(r chi.Router) {
		r.Post("/accept", e.acceptQuote)
		r.Post("/reject", e.rejectQuote)
	})
}

func (e *ChatEndpoints) startConversation(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFromContext(r.Context())

	var req StartConversationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := validateStruct(&req); err != nil {
		writeError(w, r, err)
		return
	}

	conversation, created, err := e.chat.StartConversation(r.Context(), user, req.RequestID, req.ProfessionalID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeData(w, status, conversation)
}

func (e *ChatEndpoints) listConversations(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFromContext(r.Context())

	conversations, err := e.chat.ListConversations(r.Context(), user)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, conversations)
}

func (e *ChatEndpoints) listMessages(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFromContext(r.Context())

	var after *time.Time
	if raw := r.URL.Query().Get("after"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			writeError(w, r, validationError(map[string]string{"after": "Must be an RFC 3339 timestamp"}))
			return
		}
		after = &t
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, r, validationError(map[string]string{"limit": "Must be a positive integer"}))
			return
		}
		limit = n
	}

	messages, err := e.chat.Messages(r.Context(), user, chi.URLParam(r, "id"), after, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, messages)
}

func (e *ChatEndpoints) sendMessage(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFromContext(r.Context())

	var req SendMessageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := validateStruct(&req); err != nil {
		writeError(w, r, err)
		return
	}

	message, created, err := e.chat.SendMessage(r.Context(), user, chi.URLParam(r, "id"), req.Body, req.ClientTempID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	// A resent temp id is answered with the stored message
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeData(w, status, message)
}

func (e *ChatEndpoints) createOffer(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFromContext(r.Context())

	var req OfferInput
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	offer, message, err := e.chat.CreateOffer(r.Context(), user, chi.URLParam(r, "id"), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, map[string]any{"offer": offer, "message": message})
}

func (e *ChatEndpoints) createQuote(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFromContext(r.Context())

	var req QuoteInput
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	quote, message, err := e.chat.CreateQuote(r.Context(), user, chi.URLParam(r, "id"), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, map[string]any{"quote": quote, "message": message})
}

func (e *ChatEndpoints) acceptOffer(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFromContext(r.Context())

	offer, err := e.chat.AcceptOffer(r.Context(), user, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, offer)
}

func (e *ChatEndpoints) rejectOffer(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFromContext(r.Context())

	// The reason is optional, so is the body
	var req RejectOfferRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		if err := validateStruct(&req); err != nil {
			writeError(w, r, err)
			return
		}
	}

	offer, err := e.chat.RejectOffer(r.Context(), user, chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, offer)
}

func (e *ChatEndpoints) cancelOffer(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFromContext(r.Context())

	offer, err := e.chat.CancelOffer(r.Context(), user, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, offer)
}

func (e *ChatEndpoints) checkout(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFromContext(r.Context())

	checkoutSession, err := e.chat.Checkout(r.Context(), user, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, checkoutSession)
}

func (e *ChatEndpoints) acceptQuote(w http.ResponseWriter, r *http.Request) {
	e.decideQuote(w, r, true)
}

func (e *ChatEndpoints) rejectQuote(w http.ResponseWriter, r *http.Request) {
	e.decideQuote(w, r, false)
}

func (e *ChatEndpoints) decideQuote(w http.ResponseWriter, r *http.Request, accept bool) {
	user, _ := UserFromContext(r.Context())

	quote, err := e.chat.DecideQuote(r.Context(), user, chi.URLParam(r, "id"), accept)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, quote)
}

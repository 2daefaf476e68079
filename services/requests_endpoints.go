package services

import (
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/handi/backend/models"
)

// minGeocodeQuery is the shortest query sent to the geocoding API
const minGeocodeQuery = 3

type RequestEndpoints struct {
	requests   *RequestService
	classifier *ClassificationService
	geocoder   Geocoder // nil when geocoding is not configured
}

func NewRequestEndpoints(requests *RequestService, classifier *ClassificationService, geocoder Geocoder) *RequestEndpoints {
	return &RequestEndpoints{requests: requests, classifier: classifier, geocoder: geocoder}
}

type ClassifyRequest struct {
	Title       string `json:"title" validate:"required,max=200"`
	Description string `json:"description" validate:"max=4000"`
}

// RegisterRoutes mounts the request routes; the router must already authenticate
func (e *RequestEndpoints) RegisterRoutes(r chi.Router) {
	r.Route("/requests", func(r chi.Router) {
		r.Get("/", e.list)
		r.With(RequireRole(models.RoleClient, models.RoleAdmin)).Post("/", e.create)
		r.Post("/classify", e.classify)
		r.Get("/{id}", e.get)
		r.Patch("/{id}", e.update)
		r.Post("/{id}/publish", e.publish)
		r.Post("/{id}/cancel", e.cancel)
	})
}

// RegisterPublicRoutes mounts routes that need no session
func (e *RequestEndpoints) RegisterPublicRoutes(r chi.Router) {
	r.Get("/geocode", e.geocode)
}

func (e *RequestEndpoints) create(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFromContext(r.Context())

	var req CreateRequestInput
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	request, err := e.requests.Create(r.Context(), user, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, request)
}

func (e *RequestEndpoints) update(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFromContext(r.Context())

	var req UpdateRequestInput
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	request, err := e.requests.Update(r.Context(), user, chi.URLParam(r, "id"), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, request)
}

func (e *RequestEndpoints) publish(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFromContext(r.Context())

	request, err := e.requests.Publish(r.Context(), user, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, request)
}

func (e *RequestEndpoints) cancel(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFromContext(r.Context())

	request, err := e.requests.Cancel(r.Context(), user, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, request)
}

func (e *RequestEndpoints) list(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFromContext(r.Context())

	requests, err := e.requests.List(r.Context(), user)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, requests)
}

func (e *RequestEndpoints) get(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFromContext(r.Context())

	request, err := e.requests.Get(r.Context(), user, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, request)
}

func (e *RequestEndpoints) classify(w http.ResponseWriter, r *http.Request) {
	var req ClassifyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := validateStruct(&req); err != nil {
		writeError(w, r, err)
		return
	}

	suggestion, err := e.classifier.Classify(r.Context(), req.Title, req.Description)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, suggestion)
}

func (e *RequestEndpoints) geocode(w http.ResponseWriter, r *http.Request) {
	if e.geocoder == nil {
		writeError(w, r, newAPIError(ErrUnavailable, "geocoding is not configured"))
		return
	}

	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if utf8.RuneCountInString(query) < minGeocodeQuery {
		writeData(w, http.StatusOK, []AddressSuggestion{})
		return
	}
	if len(query) > 200 {
		writeError(w, r, validationError(map[string]string{"q": "Must be at most 200 characters"}))
		return
	}

	suggestions, err := e.geocoder.Search(r.Context(), query)
	if err != nil {
		writeError(w, r, &APIError{Kind: ErrUnavailable, Message: "geocoding failed", Detail: err.Error()})
		return
	}
	writeData(w, http.StatusOK, suggestions)
}

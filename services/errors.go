package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

var (
	ErrUnauthenticated = errors.New("authentication required")
	ErrForbidden       = errors.New("forbidden")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrValidation      = errors.New("validation failed")
	ErrBadRequest      = errors.New("bad request")
	ErrUnavailable     = errors.New("service unavailable")
)

// APIError is an error carrying an HTTP-facing message, optional detail and optional data
// (409 responses return the current state of the resource in data)
type APIError struct {
	Kind    error
	Message string
	Detail  any
	Data    any
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Kind
}

func newAPIError(kind error, message string) *APIError {
	return &APIError{Kind: kind, Message: message}
}

// Envelope is the shape of every JSON API response
type Envelope struct {
	OK     bool   `json:"ok"`
	Data   any    `json:"data,omitempty"`
	Error  string `json:"error,omitempty"`
	Detail any    `json:"detail,omitempty"`
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrValidation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, Envelope{OK: true, Data: data})
}

// writeError maps err to its status and writes the error envelope. Internal errors are logged
// and their text is not exposed.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	body := Envelope{OK: false}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		body.Error = apiErr.Kind.Error()
		if apiErr.Message != "" {
			body.Error = apiErr.Message
		}
		body.Detail = apiErr.Detail
		body.Data = apiErr.Data
	} else if status == http.StatusInternalServerError {
		body.Error = "internal error"
	} else {
		body.Error = err.Error()
	}

	if status == http.StatusInternalServerError {
		slog.Error("Request failed", "error", err, "method", r.Method, "path", r.URL.Path)
	} else {
		slog.Info("Request rejected", "status", status, "error", err, "path", r.URL.Path)
	}
	writeJSON(w, status, body)
}

// decodeJSON decodes a JSON request body of at most 1 MB into dst
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return newAPIError(ErrBadRequest, "request body is empty")
		}
		return newAPIError(ErrBadRequest, "invalid request body")
	}
	return nil
}

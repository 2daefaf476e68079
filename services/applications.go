package services

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/handi/backend/geo"
	"github.com/handi/backend/models"
	"github.com/handi/backend/repository"
)

const (
	maxUploadSize       = 10 << 20
	maxCertificates     = 5
	maxApplicationBody  = 64 << 20
	multipartMemory     = 32 << 20
	signatureDataPrefix = "data:image/png;base64,"
)

// ObjectStorage stores uploaded application files
type ObjectStorage interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) error
	DownloadURL(ctx context.Context, key string) (string, error)
	DeleteObject(ctx context.Context, key string) error
}

// allowedUploads maps sniffed content types to file extensions
var allowedUploads = map[string]string{
	"image/jpeg":      "jpg",
	"image/png":       "png",
	"application/pdf": "pdf",
}

var requiredDocuments = []string{"id_front", "id_back", "proof_of_address"}

type ProApplicationForm struct {
	FullName        string                `json:"full_name" validate:"required,max=255"`
	Email           string                `json:"email" validate:"required,email,max=255"`
	Phone           string                `json:"phone" validate:"required,max=30"`
	City            string                `json:"city" validate:"required,max=120"`
	Categories      []string              `json:"categories" validate:"required,min=1,max=10,dive,required,max=80"`
	YearsExperience int                   `json:"years_experience" validate:"gte=0,lte=70"`
	Bio             string                `json:"bio" validate:"max=2000"`
	References      []models.ProReference `json:"references" validate:"max=5,dive"`
}

// upload is a validated file waiting to be stored
type upload struct {
	field       string
	data        []byte
	contentType string
}

// ProApplicationService handles professional applications
type ProApplicationService struct {
	repo    *repository.GORMRepository
	storage ObjectStorage // nil when object storage is not configured
}

func NewProApplicationService(repo *repository.GORMRepository, storage ObjectStorage) *ProApplicationService {
	return &ProApplicationService{repo: repo, storage: storage}
}

// parseApplicationForm reads the text fields of the multipart form
func parseApplicationForm(form *multipart.Form, errs map[string]string) ProApplicationForm {
	value := func(name string) string {
		if v := form.Value[name]; len(v) > 0 {
			return strings.TrimSpace(v[0])
		}
		return ""
	}

	parsed := ProApplicationForm{
		FullName: value("full_name"),
		Email:    normalizeEmail(value("email")),
		Phone:    value("phone"),
		City:     geo.CanonicalCity(value("city")),
		Bio:      value("bio"),
	}
	for _, c := range strings.Split(value("categories"), ",") {
		if c = strings.TrimSpace(c); c != "" {
			parsed.Categories = append(parsed.Categories, c)
		}
	}
	if raw := value("years_experience"); raw != "" {
		years, err := strconv.Atoi(raw)
		if err != nil {
			errs["years_experience"] = "Must be a whole number"
		}
		parsed.YearsExperience = years
	}
	if raw := value("references"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &parsed.References); err != nil {
			errs["references"] = "Must be a JSON array of references"
		}
	}
	return parsed
}

// readUpload reads one file part and checks its size and sniffed type
func readUpload(field string, header *multipart.FileHeader) (*upload, string) {
	if header.Size > maxUploadSize {
		return nil, "File must be at most 10 MB"
	}
	file, err := header.Open()
	if err != nil {
		return nil, "File could not be read"
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxUploadSize+1))
	if err != nil {
		return nil, "File could not be read"
	}
	if len(data) > maxUploadSize {
		return nil, "File must be at most 10 MB"
	}
	if len(data) == 0 {
		return nil, "File is empty"
	}

	contentType := http.DetectContentType(data)
	if _, ok := allowedUploads[contentType]; !ok {
		return nil, "File must be a JPEG, PNG or PDF"
	}
	return &upload{field: field, data: data, contentType: contentType}, ""
}

// decodeSignature decodes the PNG data URL produced by the signature pad
func decodeSignature(dataURL string) (*upload, string) {
	if dataURL == "" {
		return nil, "This field is required"
	}
	if !strings.HasPrefix(dataURL, signatureDataPrefix) {
		return nil, "Signature must be a PNG data URL"
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(dataURL, signatureDataPrefix))
	if err != nil || len(data) == 0 {
		return nil, "Signature is not valid base64"
	}
	if len(data) > maxUploadSize {
		return nil, "Signature must be at most 10 MB"
	}
	if http.DetectContentType(data) != "image/png" {
		return nil, "Signature must be a PNG image"
	}
	return &upload{field: "signature", data: data, contentType: "image/png"}, ""
}

// collectUploads validates every file of the form
func collectUploads(form *multipart.Form, errs map[string]string) []upload {
	var uploads []upload
	for _, field := range requiredDocuments {
		files := form.File[field]
		if len(files) == 0 {
			errs[field] = "This field is required"
			continue
		}
		u, msg := readUpload(field, files[0])
		if msg != "" {
			errs[field] = msg
			continue
		}
		uploads = append(uploads, *u)
	}

	certificates := form.File["certificates"]
	if len(certificates) > maxCertificates {
		errs["certificates"] = fmt.Sprintf("At most %d files", maxCertificates)
	} else {
		for i, header := range certificates {
			u, msg := readUpload("certificates", header)
			if msg != "" {
				errs[fmt.Sprintf("certificates[%d]", i)] = msg
				continue
			}
			uploads = append(uploads, *u)
		}
	}

	var signature string
	if v := form.Value["signature"]; len(v) > 0 {
		signature = strings.TrimSpace(v[0])
	}
	u, msg := decodeSignature(signature)
	if msg != "" {
		errs["signature"] = msg
	} else {
		uploads = append(uploads, *u)
	}
	return uploads
}

// objectKey builds applications/{id}/{field}-{n}.{ext}
func objectKey(applicationID, field string, n int, contentType string) string {
	return fmt.Sprintf("applications/%s/%s-%d.%s", applicationID, field, n, allowedUploads[contentType])
}

// Submit validates and stores a multipart application
func (s *ProApplicationService) Submit(ctx context.Context, form *multipart.Form) (*models.ProApplication, error) {
	if s.storage == nil {
		return nil, newAPIError(ErrUnavailable, "file storage is not configured")
	}

	errs := map[string]string{}
	fields := parseApplicationForm(form, errs)
	if err := validateStruct(&fields); err != nil {
		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			return nil, err
		}
		if detail, ok := apiErr.Detail.(map[string]string); ok {
			for k, v := range detail {
				errs[k] = v
			}
		}
	}
	uploads := collectUploads(form, errs)
	if len(errs) > 0 {
		return nil, validationError(errs)
	}

	pending, err := s.repo.HasPendingProApplication(ctx, fields.Email)
	if err != nil {
		return nil, err
	}
	if pending {
		return nil, newAPIError(ErrConflict, "an application for this email is already pending")
	}

	application := &models.ProApplication{
		ID:              uuid.New().String(),
		FullName:        fields.FullName,
		Email:           fields.Email,
		Phone:           fields.Phone,
		City:            fields.City,
		Categories:      strings.Join(fields.Categories, ","),
		YearsExperience: fields.YearsExperience,
		Bio:             fields.Bio,
		References:      fields.References,
		Documents:       map[string][]string{},
		Status:          models.ApplicationStatusPending,
	}
	if application.References == nil {
		application.References = []models.ProReference{}
	}

	var stored []string
	counts := map[string]int{}
	for _, u := range uploads {
		counts[u.field]++
		key := objectKey(application.ID, u.field, counts[u.field], u.contentType)
		if err := s.storage.Upload(ctx, key, u.data, u.contentType); err != nil {
			s.cleanup(ctx, stored)
			return nil, fmt.Errorf("failed to store %s: %w", u.field, err)
		}
		stored = append(stored, key)
		if u.field == "signature" {
			application.SignatureKey = key
		} else {
			application.Documents[u.field] = append(application.Documents[u.field], key)
		}
	}

	if err := s.repo.CreateProApplication(ctx, application); err != nil {
		s.cleanup(ctx, stored)
		return nil, err
	}
	return application, nil
}

// cleanup removes objects stored for an application that was not saved
func (s *ProApplicationService) cleanup(ctx context.Context, keys []string) {
	for _, key := range keys {
		if err := s.storage.DeleteObject(ctx, key); err != nil {
			slog.Warn("Failed to delete orphaned upload", "error", err, "key", key)
		}
	}
}

// ApplicationView is an application with short-lived download links for its files
type ApplicationView struct {
	*models.ProApplication
	DocumentURLs map[string][]string `json:"document_urls,omitempty"`
	SignatureURL string              `json:"signature_url,omitempty"`
}

// Presign attaches download URLs to the application's stored files
func (s *ProApplicationService) Presign(ctx context.Context, application *models.ProApplication) (*ApplicationView, error) {
	view := &ApplicationView{ProApplication: application}
	if s.storage == nil {
		return view, nil
	}

	view.DocumentURLs = make(map[string][]string, len(application.Documents))
	for field, keys := range application.Documents {
		for _, key := range keys {
			u, err := s.storage.DownloadURL(ctx, key)
			if err != nil {
				return nil, err
			}
			view.DocumentURLs[field] = append(view.DocumentURLs[field], u)
		}
	}
	if application.SignatureKey != "" {
		u, err := s.storage.DownloadURL(ctx, application.SignatureKey)
		if err != nil {
			return nil, err
		}
		view.SignatureURL = u
	}
	return view, nil
}

type ProApplicationEndpoints struct {
	service *ProApplicationService
}

func NewProApplicationEndpoints(service *ProApplicationService) *ProApplicationEndpoints {
	return &ProApplicationEndpoints{service: service}
}

// RegisterRoutes mounts the public intake route
func (e *ProApplicationEndpoints) RegisterRoutes(r chi.Router) {
	r.Post("/pro-applications", e.submit)
}

func (e *ProApplicationEndpoints) submit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxApplicationBody)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, newAPIError(ErrValidation, "request body is too large"))
			return
		}
		writeError(w, r, newAPIError(ErrBadRequest, "expected a multipart form"))
		return
	}
	defer r.MultipartForm.RemoveAll()

	application, err := e.service.Submit(r.Context(), r.MultipartForm)
	if err != nil {
		writeError(w, r, err)
		return
	}

	slog.Info("Pro application submitted", "application_id", application.ID)
	writeData(w, http.StatusCreated, map[string]any{
		"id":     application.ID,
		"status": application.Status,
	})
}


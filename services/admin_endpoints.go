package services

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/handi/backend/models"
	"github.com/handi/backend/repository"
)

type AdminEndpoints struct {
	repo         *repository.GORMRepository
	applications *ProApplicationService
}

func NewAdminEndpoints(repo *repository.GORMRepository, applications *ProApplicationService) *AdminEndpoints {
	return &AdminEndpoints{repo: repo, applications: applications}
}

type ApplicationStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=accepted rejected"`
	Notes  string `json:"notes" validate:"max=2000"`
}

type ProfessionalStatusRequest struct {
	IsActive   *bool `json:"is_active"`
	IsFeatured *bool `json:"is_featured"`
}

// listResult is the data of paginated admin listings
type listResult struct {
	Items    any   `json:"items"`
	Total    int64 `json:"total"`
	Page     int   `json:"page"`
	PageSize int   `json:"page_size"`
}

// RegisterRoutes mounts the back-office routes; the router must already authenticate
func (e *AdminEndpoints) RegisterRoutes(r chi.Router) {
	r.Route("/admin", func(r chi.Router) {
		r.Use(RequireRole(models.RoleAdmin))

		r.Get("/pro-applications", e.listApplications)
		r.Get("/pro-applications/{id}", e.getApplication)
		r.Post("/pro-applications/{id}/status", e.setApplicationStatus)

		r.Get("/professionals", e.listProfessionals)
		r.Post("/professionals/{id}/status", e.setProfessionalStatus)

		r.Get("/requests", e.listRequests)
	})
}

// parsePage reads page and page_size; invalid values fall back to the defaults
func parsePage(r *http.Request) repository.Page {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	return repository.Page{Page: page, PageSize: pageSize}.Normalize()
}

func (e *AdminEndpoints) listApplications(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	switch status {
	case "", models.ApplicationStatusPending, models.ApplicationStatusAccepted, models.ApplicationStatusRejected:
	default:
		writeError(w, r, validationError(map[string]string{"status": "Must be one of: pending accepted rejected"}))
		return
	}

	page := parsePage(r)
	applications, total, err := e.repo.ListProApplications(r.Context(), status, page)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, listResult{Items: applications, Total: total, Page: page.Page, PageSize: page.PageSize})
}

func (e *AdminEndpoints) getApplication(w http.ResponseWriter, r *http.Request) {
	application, err := e.repo.GetProApplication(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if application == nil {
		writeError(w, r, newAPIError(ErrNotFound, "application not found"))
		return
	}

	view, err := e.applications.Presign(r.Context(), application)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, view)
}

func (e *AdminEndpoints) setApplicationStatus(w http.ResponseWriter, r *http.Request) {
	admin, _ := UserFromContext(r.Context())

	var req ApplicationStatusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := validateStruct(&req); err != nil {
		writeError(w, r, err)
		return
	}

	application, err := e.repo.ReviewProApplication(r.Context(), chi.URLParam(r, "id"), req.Status, req.Notes, admin.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if application == nil {
		writeError(w, r, newAPIError(ErrNotFound, "application not found"))
		return
	}
	writeData(w, http.StatusOK, application)
}

func (e *AdminEndpoints) listProfessionals(w http.ResponseWriter, r *http.Request) {
	var active *bool
	if raw := r.URL.Query().Get("active"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, r, validationError(map[string]string{"active": "Must be true or false"}))
			return
		}
		active = &v
	}

	page := parsePage(r)
	profiles, total, err := e.repo.ListProfessionalProfiles(r.Context(), active, page)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, listResult{Items: profiles, Total: total, Page: page.Page, PageSize: page.PageSize})
}

// setProfessionalStatus toggles the flags of the professional whose user id is in the path
func (e *AdminEndpoints) setProfessionalStatus(w http.ResponseWriter, r *http.Request) {
	var req ProfessionalStatusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.IsActive == nil && req.IsFeatured == nil {
		writeError(w, r, validationError(map[string]string{"is_active": "Provide is_active or is_featured"}))
		return
	}

	profile, err := e.repo.UpdateProfessionalFlags(r.Context(), chi.URLParam(r, "id"), req.IsActive, req.IsFeatured)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if profile == nil {
		writeError(w, r, newAPIError(ErrNotFound, "professional not found"))
		return
	}
	writeData(w, http.StatusOK, profile)
}

func (e *AdminEndpoints) listRequests(w http.ResponseWriter, r *http.Request) {
	page := parsePage(r)
	requests, total, err := e.repo.ListServiceRequests(r.Context(), r.URL.Query().Get("status"), page)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, listResult{Items: requests, Total: total, Page: page.Page, PageSize: page.PageSize})
}

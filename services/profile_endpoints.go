package services

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/handi/backend/geo"
	"github.com/handi/backend/models"
	"github.com/handi/backend/repository"
)

type ProfileEndpoints struct {
	repo *repository.GORMRepository
}

func NewProfileEndpoints(repo *repository.GORMRepository) *ProfileEndpoints {
	return &ProfileEndpoints{repo: repo}
}

type UpdateProfileRequest struct {
	FullName  *string `json:"full_name" validate:"omitnil,min=1,max=255"`
	Phone     *string `json:"phone" validate:"omitnil,max=30"`
	City      *string `json:"city" validate:"omitnil,max=120"`
	AvatarURL *string `json:"avatar_url" validate:"omitempty,url,max=500"`
}

// publicProfessional is what anonymous visitors see of a professional
type publicProfessional struct {
	UserID     string   `json:"user_id"`
	FullName   string   `json:"full_name"`
	AvatarURL  string   `json:"avatar_url,omitempty"`
	Headline   string   `json:"headline,omitempty"`
	Bio        string   `json:"bio,omitempty"`
	City       string   `json:"city"`
	Categories []string `json:"categories"`
	IsFeatured bool     `json:"is_featured"`
}

// RegisterRoutes mounts the profile routes; the router must already authenticate
func (e *ProfileEndpoints) RegisterRoutes(r chi.Router) {
	r.Get("/profile/me", e.getMe)
	r.Patch("/profile/me", e.updateMe)
	r.Get("/receipts/{id}", e.getReceipt)
}

// RegisterPublicRoutes mounts routes that need no session
func (e *ProfileEndpoints) RegisterPublicRoutes(r chi.Router) {
	r.Get("/professionals/{id}", e.getProfessional)
	r.Get("/categories", e.listCategories)
}

func (e *ProfileEndpoints) getMe(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFromContext(r.Context())
	writeData(w, http.StatusOK, user)
}

func (e *ProfileEndpoints) updateMe(w http.ResponseWriter, r *http.Request) {
	current, _ := UserFromContext(r.Context())

	var req UpdateProfileRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := validateStruct(&req); err != nil {
		writeError(w, r, err)
		return
	}

	// the context user is shared with other middleware, so edit a copy
	user := *current
	if req.FullName != nil {
		user.FullName = strings.TrimSpace(*req.FullName)
	}
	if req.Phone != nil {
		user.Phone = strings.TrimSpace(*req.Phone)
	}
	if req.City != nil {
		user.City = geo.CanonicalCity(*req.City)
	}
	if req.AvatarURL != nil {
		user.AvatarURL = strings.TrimSpace(*req.AvatarURL)
	}

	if err := e.repo.UpdateUserProfile(r.Context(), &user); err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, &user)
}

func (e *ProfileEndpoints) getProfessional(w http.ResponseWriter, r *http.Request) {
	profile, err := e.repo.GetProfessionalProfile(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if profile == nil || !profile.IsActive || profile.User == nil {
		writeError(w, r, newAPIError(ErrNotFound, "professional not found"))
		return
	}

	view := publicProfessional{
		UserID:     profile.UserID,
		FullName:   profile.User.FullName,
		AvatarURL:  profile.User.AvatarURL,
		Headline:   profile.Headline,
		Bio:        profile.Bio,
		City:       profile.City,
		Categories: []string{},
		IsFeatured: profile.IsFeatured,
	}
	for _, c := range strings.Split(profile.Categories, ",") {
		if c = strings.TrimSpace(c); c != "" {
			view.Categories = append(view.Categories, c)
		}
	}
	writeData(w, http.StatusOK, view)
}

func (e *ProfileEndpoints) getReceipt(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFromContext(r.Context())

	receipt, err := e.repo.GetReceipt(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if receipt == nil {
		writeError(w, r, newAPIError(ErrNotFound, "receipt not found"))
		return
	}
	if receipt.ClientID != user.ID && receipt.ProfessionalID != user.ID && user.Role != models.RoleAdmin {
		writeError(w, r, ErrForbidden)
		return
	}
	writeData(w, http.StatusOK, receipt)
}

func (e *ProfileEndpoints) listCategories(w http.ResponseWriter, r *http.Request) {
	categories, err := e.repo.GetCategories(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, categories)
}

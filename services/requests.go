package services

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/handi/backend/geo"
	"github.com/handi/backend/models"
	"github.com/handi/backend/repository"
	"github.com/shopspring/decimal"
)

type CreateRequestInput struct {
	Title         string           `json:"title" validate:"required,max=200"`
	Description   string           `json:"description" validate:"max=4000"`
	Category      string           `json:"category" validate:"max=80"`
	Subcategory   string           `json:"subcategory" validate:"max=120"`
	Address       string           `json:"address" validate:"max=300"`
	City          string           `json:"city" validate:"required,max=120"`
	Latitude      *float64         `json:"latitude" validate:"omitnil,gte=-90,lte=90"`
	Longitude     *float64         `json:"longitude" validate:"omitnil,gte=-180,lte=180"`
	Budget        *decimal.Decimal `json:"budget"`
	PreferredDate *time.Time       `json:"preferred_date"`
	Publish       *bool            `json:"publish"` // false keeps the request as a draft
}

type UpdateRequestInput struct {
	Title         *string          `json:"title" validate:"omitnil,min=1,max=200"`
	Description   *string          `json:"description" validate:"omitnil,max=4000"`
	Category      *string          `json:"category" validate:"omitnil,max=80"`
	Subcategory   *string          `json:"subcategory" validate:"omitnil,max=120"`
	Address       *string          `json:"address" validate:"omitnil,max=300"`
	City          *string          `json:"city" validate:"omitnil,min=1,max=120"`
	Latitude      *float64         `json:"latitude" validate:"omitnil,gte=-90,lte=90"`
	Longitude     *float64         `json:"longitude" validate:"omitnil,gte=-180,lte=180"`
	Budget        *decimal.Decimal `json:"budget"`
	PreferredDate *time.Time       `json:"preferred_date"`
}

// RequestService manages service requests on behalf of their clients
type RequestService struct {
	repo       *repository.GORMRepository
	chats      *repository.ConversationRepository
	classifier *ClassificationService
}

func NewRequestService(repo *repository.GORMRepository, chats *repository.ConversationRepository, classifier *ClassificationService) *RequestService {
	return &RequestService{repo: repo, chats: chats, classifier: classifier}
}

func validateBudget(budget *decimal.Decimal) error {
	if budget != nil && budget.IsNegative() {
		return validationError(map[string]string{"budget": "Must be greater than or equal to 0"})
	}
	return nil
}

// checkCategory accepts empty or known category slugs
func (s *RequestService) checkCategory(ctx context.Context, slug string) error {
	if slug == "" || slug == FallbackCategory {
		return nil
	}
	categories, err := s.repo.GetCategories(ctx)
	if err != nil {
		return err
	}
	if len(categories) == 0 {
		return nil
	}
	if !slices.ContainsFunc(categories, func(c models.Category) bool { return c.Slug == slug }) {
		return validationError(map[string]string{"category": "Unknown category"})
	}
	return nil
}

func (s *RequestService) Create(ctx context.Context, user *models.User, in CreateRequestInput) (*models.ServiceRequest, error) {
	if err := validateStruct(&in); err != nil {
		return nil, err
	}
	if err := validateBudget(in.Budget); err != nil {
		return nil, err
	}
	if err := s.checkCategory(ctx, in.Category); err != nil {
		return nil, err
	}

	request := &models.ServiceRequest{
		ClientID:      user.ID,
		Title:         strings.TrimSpace(in.Title),
		Description:   strings.TrimSpace(in.Description),
		Category:      in.Category,
		Subcategory:   strings.TrimSpace(in.Subcategory),
		Address:       strings.TrimSpace(in.Address),
		City:          geo.CanonicalCity(in.City),
		Latitude:      in.Latitude,
		Longitude:     in.Longitude,
		Budget:        in.Budget,
		PreferredDate: in.PreferredDate,
		Status:        models.RequestStatusActive,
	}
	if in.Publish != nil && !*in.Publish {
		request.Status = models.RequestStatusDraft
	}

	if request.Category == "" && s.classifier != nil {
		suggestion, err := s.classifier.Classify(ctx, request.Title, request.Description)
		if err != nil {
			slog.Warn("Failed to classify request", "error", err)
		} else {
			request.Category = suggestion.Category
			if request.Subcategory == "" {
				request.Subcategory = suggestion.Subcategory
			}
		}
	}

	if err := s.repo.CreateServiceRequest(ctx, request); err != nil {
		return nil, err
	}
	return request, nil
}

// ownedRequest loads a request owned by the user
func (s *RequestService) ownedRequest(ctx context.Context, user *models.User, id string) (*models.ServiceRequest, error) {
	request, err := s.repo.GetServiceRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if request == nil {
		return nil, newAPIError(ErrNotFound, "request not found")
	}
	if request.ClientID != user.ID {
		return nil, ErrForbidden
	}
	return request, nil
}

// Update applies a partial update to a draft or active request
func (s *RequestService) Update(ctx context.Context, user *models.User, id string, in UpdateRequestInput) (*models.ServiceRequest, error) {
	if err := validateStruct(&in); err != nil {
		return nil, err
	}
	if err := validateBudget(in.Budget); err != nil {
		return nil, err
	}

	request, err := s.ownedRequest(ctx, user, id)
	if err != nil {
		return nil, err
	}
	if request.Status != models.RequestStatusDraft && request.Status != models.RequestStatusActive {
		return nil, conflictWith("request can no longer be edited", request)
	}

	if in.Category != nil {
		if err := s.checkCategory(ctx, *in.Category); err != nil {
			return nil, err
		}
		request.Category = *in.Category
	}
	if in.Title != nil {
		request.Title = strings.TrimSpace(*in.Title)
	}
	if in.Description != nil {
		request.Description = strings.TrimSpace(*in.Description)
	}
	if in.Subcategory != nil {
		request.Subcategory = strings.TrimSpace(*in.Subcategory)
	}
	if in.Address != nil {
		request.Address = strings.TrimSpace(*in.Address)
	}
	if in.City != nil {
		request.City = geo.CanonicalCity(*in.City)
	}
	if in.Latitude != nil {
		request.Latitude = in.Latitude
	}
	if in.Longitude != nil {
		request.Longitude = in.Longitude
	}
	if in.Budget != nil {
		request.Budget = in.Budget
	}
	if in.PreferredDate != nil {
		request.PreferredDate = in.PreferredDate
	}

	if err := s.repo.UpdateServiceRequest(ctx, request); err != nil {
		return nil, err
	}
	return request, nil
}

func (s *RequestService) transition(ctx context.Context, user *models.User, id string, from []string, to string) (*models.ServiceRequest, error) {
	if _, err := s.ownedRequest(ctx, user, id); err != nil {
		return nil, err
	}

	err := s.repo.TransitionServiceRequest(ctx, id, from, to)
	current, getErr := s.repo.GetServiceRequest(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	if current == nil {
		return nil, newAPIError(ErrNotFound, "request not found")
	}
	if errors.Is(err, repository.ErrStaleState) {
		return nil, conflictWith("request is "+current.Status, current)
	}
	if err != nil {
		return nil, err
	}
	return current, nil
}

func (s *RequestService) Publish(ctx context.Context, user *models.User, id string) (*models.ServiceRequest, error) {
	return s.transition(ctx, user, id, []string{models.RequestStatusDraft}, models.RequestStatusActive)
}

func (s *RequestService) Cancel(ctx context.Context, user *models.User, id string) (*models.ServiceRequest, error) {
	return s.transition(ctx, user, id,
		[]string{models.RequestStatusDraft, models.RequestStatusActive, models.RequestStatusInProcess},
		models.RequestStatusCancelled)
}

func (s *RequestService) List(ctx context.Context, user *models.User) ([]models.ServiceRequest, error) {
	return s.repo.GetServiceRequestsByClient(ctx, user.ID)
}

// Get returns a request to its owner, to admins, and to professionals chatting about it
func (s *RequestService) Get(ctx context.Context, user *models.User, id string) (*models.ServiceRequest, error) {
	request, err := s.repo.GetServiceRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if request == nil {
		return nil, newAPIError(ErrNotFound, "request not found")
	}
	if request.ClientID == user.ID || user.IsAdmin() {
		return request, nil
	}

	participant, err := s.chats.IsRequestParticipant(ctx, id, user.ID)
	if err != nil {
		return nil, err
	}
	if !participant {
		return nil, ErrForbidden
	}
	return request, nil
}

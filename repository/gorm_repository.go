package repository

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/handi/backend/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrStaleState is returned by conditional updates when the row was not in one of the expected states
var ErrStaleState = errors.New("row is not in the expected state")

type GORMRepository struct {
	db *gorm.DB
}

func NewGORMRepository(db *gorm.DB) *GORMRepository {
	return &GORMRepository{db: db}
}

// DB exposes the underlying handle for repositories sharing the connection
func (r *GORMRepository) DB() *gorm.DB {
	return r.db
}

// AutoMigrate runs database migrations
func (r *GORMRepository) AutoMigrate() error {
	return r.db.AutoMigrate(models.All...)
}

// Page describes a limit/offset window
type Page struct {
	Page     int
	PageSize int
}

// Normalize clamps the page to 1 and the page size to 1..100 (default 20)
func (p Page) Normalize() Page {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PageSize < 1 || p.PageSize > 100 {
		p.PageSize = 20
	}
	return p
}

func (p Page) offset() int {
	return (p.Page - 1) * p.PageSize
}

// User operations
func (r *GORMRepository) CreateUser(ctx context.Context, user *models.User) error {
	if err := r.db.WithContext(ctx).Create(user).Error; err != nil {
		slog.Error("Failed to create user", "error", err)
		return err
	}
	slog.Info("User created", "user_id", user.ID, "email", user.Email)
	return nil
}

func (r *GORMRepository) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var user models.User
	if err := r.db.WithContext(ctx).Where("email = ?", email).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.Error("Failed to get user by email", "error", err, "email", email)
		return nil, err
	}
	return &user, nil
}

func (r *GORMRepository) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	var user models.User
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.Error("Failed to get user by ID", "error", err, "user_id", id)
		return nil, err
	}
	return &user, nil
}

// UpdateUserProfile updates the editable profile columns of a user
func (r *GORMRepository) UpdateUserProfile(ctx context.Context, user *models.User) error {
	err := r.db.WithContext(ctx).Model(user).Select("full_name", "phone", "city", "avatar_url").Updates(user).Error
	if err != nil {
		slog.Error("Failed to update user profile", "error", err, "user_id", user.ID)
		return err
	}
	return nil
}

// Token operations
func (r *GORMRepository) CreateRefreshToken(ctx context.Context, token *models.RefreshToken) error {
	if err := r.db.WithContext(ctx).Create(token).Error; err != nil {
		slog.Error("Failed to create refresh token", "error", err)
		return err
	}
	return nil
}

func (r *GORMRepository) GetRefreshToken(ctx context.Context, token string) (*models.RefreshToken, error) {
	var refreshToken models.RefreshToken
	if err := r.db.WithContext(ctx).Where("token = ? AND expires_at > ?", token, time.Now()).First(&refreshToken).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.Error("Failed to get refresh token", "error", err)
		return nil, err
	}
	return &refreshToken, nil
}

func (r *GORMRepository) CreatePermanentToken(ctx context.Context, token *models.PermanentToken) error {
	if err := r.db.WithContext(ctx).Create(token).Error; err != nil {
		slog.Error("Failed to create permanent token", "error", err)
		return err
	}
	return nil
}

func (r *GORMRepository) GetPermanentToken(ctx context.Context, token string) (*models.PermanentToken, error) {
	var permanentToken models.PermanentToken
	if err := r.db.WithContext(ctx).Where("token = ?", token).First(&permanentToken).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.Error("Failed to get permanent token", "error", err)
		return nil, err
	}
	return &permanentToken, nil
}

func (r *GORMRepository) DeleteAllUserTokens(ctx context.Context, userID string) error {
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&models.RefreshToken{}).Error; err != nil {
		slog.Error("Failed to delete user refresh tokens", "error", err, "user_id", userID)
		return err
	}
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&models.PermanentToken{}).Error; err != nil {
		slog.Error("Failed to delete user permanent tokens", "error", err, "user_id", userID)
		return err
	}
	return nil
}

// Category operations
func (r *GORMRepository) GetCategories(ctx context.Context) ([]models.Category, error) {
	var categories []models.Category
	if err := r.db.WithContext(ctx).Order("name").Find(&categories).Error; err != nil {
		slog.Error("Failed to get categories", "error", err)
		return nil, err
	}
	return categories, nil
}

// UpsertCategory inserts a category or refreshes its name and keywords
func (r *GORMRepository) UpsertCategory(ctx context.Context, category *models.Category) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "slug"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "keywords", "updated_at"}),
	}).Create(category).Error
	if err != nil {
		slog.Error("Failed to upsert category", "error", err, "slug", category.Slug)
		return err
	}
	return nil
}

// Service request operations
func (r *GORMRepository) CreateServiceRequest(ctx context.Context, request *models.ServiceRequest) error {
	if err := r.db.WithContext(ctx).Create(request).Error; err != nil {
		slog.Error("Failed to create service request", "error", err)
		return err
	}
	slog.Info("Service request created", "request_id", request.ID, "client_id", request.ClientID, "status", request.Status)
	return nil
}

func (r *GORMRepository) GetServiceRequest(ctx context.Context, id string) (*models.ServiceRequest, error) {
	var request models.ServiceRequest
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&request).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.Error("Failed to get service request", "error", err, "request_id", id)
		return nil, err
	}
	return &request, nil
}

func (r *GORMRepository) GetServiceRequestsByClient(ctx context.Context, clientID string) ([]models.ServiceRequest, error) {
	var requests []models.ServiceRequest
	err := r.db.WithContext(ctx).Where("client_id = ?", clientID).Order("created_at DESC").Find(&requests).Error
	if err != nil {
		slog.Error("Failed to get service requests", "error", err, "client_id", clientID)
		return nil, err
	}
	return requests, nil
}

// ListServiceRequests lists requests for the back-office, optionally filtered by status
func (r *GORMRepository) ListServiceRequests(ctx context.Context, status string, page Page) ([]models.ServiceRequest, int64, error) {
	page = page.Normalize()
	query := r.db.WithContext(ctx).Model(&models.ServiceRequest{})
	if status != "" {
		query = query.Where("status = ?", status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		slog.Error("Failed to count service requests", "error", err)
		return nil, 0, err
	}

	var requests []models.ServiceRequest
	if err := query.Order("created_at DESC").Limit(page.PageSize).Offset(page.offset()).Find(&requests).Error; err != nil {
		slog.Error("Failed to list service requests", "error", err)
		return nil, 0, err
	}
	return requests, total, nil
}

// UpdateServiceRequest writes the editable fields; status only changes through TransitionServiceRequest
func (r *GORMRepository) UpdateServiceRequest(ctx context.Context, request *models.ServiceRequest) error {
	err := r.db.WithContext(ctx).Model(request).
		Select("*").
		Omit("id", "client_id", "status", "created_at", "deleted_at").
		Updates(request).Error
	if err != nil {
		slog.Error("Failed to update service request", "error", err, "request_id", request.ID)
		return err
	}
	return nil
}

// TransitionServiceRequest moves a request to status `to` only when it is currently in one of `from`
func (r *GORMRepository) TransitionServiceRequest(ctx context.Context, id string, from []string, to string) error {
	result := r.db.WithContext(ctx).Model(&models.ServiceRequest{}).
		Where("id = ? AND status IN ?", id, from).
		Update("status", to)
	if result.Error != nil {
		slog.Error("Failed to transition service request", "error", result.Error, "request_id", id, "to", to)
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrStaleState
	}
	slog.Info("Service request status changed", "request_id", id, "status", to)
	return nil
}

// Professional application operations
func (r *GORMRepository) CreateProApplication(ctx context.Context, application *models.ProApplication) error {
	if err := r.db.WithContext(ctx).Create(application).Error; err != nil {
		slog.Error("Failed to create pro application", "error", err)
		return err
	}
	slog.Info("Pro application created", "application_id", application.ID, "email", application.Email)
	return nil
}

func (r *GORMRepository) GetProApplication(ctx context.Context, id string) (*models.ProApplication, error) {
	var application models.ProApplication
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&application).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.Error("Failed to get pro application", "error", err, "application_id", id)
		return nil, err
	}
	return &application, nil
}

// HasPendingProApplication reports whether the email already has an application waiting for review
func (r *GORMRepository) HasPendingProApplication(ctx context.Context, email string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.ProApplication{}).
		Where("email = ? AND status = ?", email, models.ApplicationStatusPending).
		Count(&count).Error
	if err != nil {
		slog.Error("Failed to check pending applications", "error", err, "email", email)
		return false, err
	}
	return count > 0, nil
}

func (r *GORMRepository) ListProApplications(ctx context.Context, status string, page Page) ([]models.ProApplication, int64, error) {
	page = page.Normalize()
	query := r.db.WithContext(ctx).Model(&models.ProApplication{})
	if status != "" {
		query = query.Where("status = ?", status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		slog.Error("Failed to count pro applications", "error", err)
		return nil, 0, err
	}

	var applications []models.ProApplication
	if err := query.Order("created_at DESC").Limit(page.PageSize).Offset(page.offset()).Find(&applications).Error; err != nil {
		slog.Error("Failed to list pro applications", "error", err)
		return nil, 0, err
	}
	return applications, total, nil
}

// ReviewProApplication stores the admin decision. Accepting an application also promotes the
// applicant to professional and upserts the public profile, all in one transaction.
func (r *GORMRepository) ReviewProApplication(ctx context.Context, id, status, notes, reviewerID string) (*models.ProApplication, error) {
	var application models.ProApplication
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", id).First(&application).Error; err != nil {
			return err
		}

		now := time.Now()
		application.Status = status
		application.ReviewNotes = notes
		application.ReviewedBy = &reviewerID
		application.ReviewedAt = &now
		if err := tx.Model(&application).Select("status", "review_notes", "reviewed_by", "reviewed_at").Updates(&application).Error; err != nil {
			return err
		}

		if status != models.ApplicationStatusAccepted {
			return nil
		}

		var user models.User
		err := tx.Where("email = ?", application.Email).First(&user).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Applicants may apply before signing up; the profile is attached at signup
			slog.Info("Accepted application has no user yet", "application_id", id, "email", application.Email)
			return nil
		}
		if err != nil {
			return err
		}

		return promoteApplicant(tx, &application, &user)
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.Error("Failed to review pro application", "error", err, "application_id", id)
		return nil, err
	}

	slog.Info("Pro application reviewed", "application_id", id, "status", status, "reviewer_id", reviewerID)
	return &application, nil
}

// promoteApplicant makes the user a professional, links the application and upserts the public profile
func promoteApplicant(tx *gorm.DB, application *models.ProApplication, user *models.User) error {
	if user.Role != models.RoleAdmin {
		if err := tx.Model(user).Update("role", models.RoleProfessional).Error; err != nil {
			return err
		}
	}
	application.UserID = &user.ID
	if err := tx.Model(application).Update("user_id", user.ID).Error; err != nil {
		return err
	}

	profile := models.ProfessionalProfile{
		UserID:        user.ID,
		ApplicationID: &application.ID,
		Categories:    application.Categories,
		City:          application.City,
		Bio:           application.Bio,
		IsActive:      true,
	}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"application_id", "categories", "city", "bio", "is_active", "updated_at"}),
	}).Create(&profile).Error
}

// LinkAcceptedProApplication promotes a user who signed up after their application was accepted
func (r *GORMRepository) LinkAcceptedProApplication(ctx context.Context, user *models.User) (bool, error) {
	linked := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var application models.ProApplication
		err := tx.Where("email = ? AND status = ? AND user_id IS NULL", user.Email, models.ApplicationStatusAccepted).
			Order("reviewed_at DESC").
			First(&application).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		linked = true
		return promoteApplicant(tx, &application, user)
	})
	if err != nil {
		slog.Error("Failed to link accepted application", "error", err, "user_id", user.ID)
		return false, err
	}
	if linked {
		if user.Role != models.RoleAdmin {
			user.Role = models.RoleProfessional
		}
		slog.Info("Accepted application linked at signup", "user_id", user.ID)
	}
	return linked, nil
}

// Professional profile operations
func (r *GORMRepository) GetProfessionalProfile(ctx context.Context, userID string) (*models.ProfessionalProfile, error) {
	var profile models.ProfessionalProfile
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).Preload("User").First(&profile).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.Error("Failed to get professional profile", "error", err, "user_id", userID)
		return nil, err
	}
	return &profile, nil
}

func (r *GORMRepository) ListProfessionalProfiles(ctx context.Context, active *bool, page Page) ([]models.ProfessionalProfile, int64, error) {
	page = page.Normalize()
	query := r.db.WithContext(ctx).Model(&models.ProfessionalProfile{})
	if active != nil {
		query = query.Where("is_active = ?", *active)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		slog.Error("Failed to count professional profiles", "error", err)
		return nil, 0, err
	}

	var profiles []models.ProfessionalProfile
	err := query.Preload("User").Order("is_featured DESC, created_at DESC").Limit(page.PageSize).Offset(page.offset()).Find(&profiles).Error
	if err != nil {
		slog.Error("Failed to list professional profiles", "error", err)
		return nil, 0, err
	}
	return profiles, total, nil
}

// UpdateProfessionalFlags sets is_active and/or is_featured on a profile identified by its user id
func (r *GORMRepository) UpdateProfessionalFlags(ctx context.Context, userID string, active, featured *bool) (*models.ProfessionalProfile, error) {
	updates := map[string]any{}
	if active != nil {
		updates["is_active"] = *active
	}
	if featured != nil {
		updates["is_featured"] = *featured
	}

	result := r.db.WithContext(ctx).Model(&models.ProfessionalProfile{}).Where("user_id = ?", userID).Updates(updates)
	if result.Error != nil {
		slog.Error("Failed to update professional flags", "error", result.Error, "user_id", userID)
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}

	slog.Info("Professional flags updated", "user_id", userID, "updates", updates)
	return r.GetProfessionalProfile(ctx, userID)
}

// Receipt operations
func (r *GORMRepository) GetReceipt(ctx context.Context, id string) (*models.Receipt, error) {
	var receipt models.Receipt
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&receipt).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.Error("Failed to get receipt", "error", err, "receipt_id", id)
		return nil, err
	}
	return &receipt, nil
}

// UpsertProfessionalProfile creates the profile of a user or leaves an existing one untouched
func (r *GORMRepository) UpsertProfessionalProfile(ctx context.Context, profile *models.ProfessionalProfile) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoNothing: true,
	}).Create(profile).Error
	if err != nil {
		slog.Error("Failed to upsert professional profile", "error", err, "user_id", profile.UserID)
		return err
	}
	return nil
}

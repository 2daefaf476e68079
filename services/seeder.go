package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/handi/backend/models"
	"github.com/handi/backend/repository"
	"golang.org/x/crypto/bcrypt"
)

const (
	SeedAdminEmail        = "admin@handi.local"
	SeedClientEmail       = "cliente@handi.local"
	SeedProfessionalEmail = "pro@handi.local"
)

// seedCategories are the service categories and the keywords the keyword classifier matches
var seedCategories = []models.Category{
	{Slug: "plomeria", Name: "Plomería", Keywords: "plomero,fuga,tuberia,llave,lavabo,inodoro,wc,drenaje,tinaco,boiler,calentador,regadera"},
	{Slug: "electricidad", Name: "Electricidad", Keywords: "electricista,contacto,apagador,corto,luz,cableado,lampara,foco,breaker,pastilla,voltaje"},
	{Slug: "carpinteria", Name: "Carpintería", Keywords: "carpintero,madera,puerta,closet,mueble,cajon,repisa,barniz"},
	{Slug: "pintura", Name: "Pintura", Keywords: "pintor,pintar,pintura,pared,fachada,impermeabilizar,impermeabilizante,resane"},
	{Slug: "limpieza", Name: "Limpieza", Keywords: "limpieza,limpiar,aseo,lavado,alfombra,sala,ventanas,desinfeccion"},
	{Slug: "jardineria", Name: "Jardinería", Keywords: "jardin,jardinero,pasto,poda,arbol,riego,plantas"},
	{Slug: "aire-acondicionado", Name: "Aire acondicionado", Keywords: "minisplit,clima,aire,acondicionado,refrigeracion,gas,mantenimiento"},
	{Slug: "cerrajeria", Name: "Cerrajería", Keywords: "cerrajero,cerradura,chapa,llaves,candado,duplicado"},
	{Slug: "albanileria", Name: "Albañilería", Keywords: "albanil,muro,barda,cemento,piso,azulejo,loseta,remodelacion"},
	{Slug: "electrodomesticos", Name: "Electrodomésticos", Keywords: "lavadora,secadora,refrigerador,estufa,horno,microondas,reparacion"},
	{Slug: FallbackCategory, Name: "General", Keywords: ""},
}

// DatabaseSeeder handles database seeding operations
type DatabaseSeeder struct {
	repo     *repository.GORMRepository
	password string
}

// NewDatabaseSeeder creates a seeder whose users share the given password
func NewDatabaseSeeder(repo *repository.GORMRepository, password string) *DatabaseSeeder {
	return &DatabaseSeeder{repo: repo, password: password}
}

// SeedDatabase seeds categories and demo users (idempotent)
func (s *DatabaseSeeder) SeedDatabase(ctx context.Context) error {
	for _, category := range seedCategories {
		if err := s.repo.UpsertCategory(ctx, &category); err != nil {
			return fmt.Errorf("failed to seed category %s: %w", category.Slug, err)
		}
	}
	slog.Info("Seeded categories", "count", len(seedCategories))

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(s.password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	users := []models.User{
		{Email: SeedAdminEmail, FullName: "Administrador Handi", Role: models.RoleAdmin},
		{Email: SeedClientEmail, FullName: "Cliente Demo", City: "Monterrey", Role: models.RoleClient},
		{Email: SeedProfessionalEmail, FullName: "Profesional Demo", City: "Monterrey", Role: models.RoleProfessional},
	}
	for _, user := range users {
		user.Password = string(hashedPassword)
		seeded, err := s.seedUser(ctx, user)
		if err != nil {
			return err
		}
		if seeded.Role != models.RoleProfessional {
			continue
		}

		profile := &models.ProfessionalProfile{
			UserID:     seeded.ID,
			Headline:   "Plomería y electricidad residencial",
			Categories: "plomeria,electricidad",
			City:       seeded.City,
			IsActive:   true,
		}
		if err := s.repo.UpsertProfessionalProfile(ctx, profile); err != nil {
			return fmt.Errorf("failed to seed professional profile: %w", err)
		}
	}

	slog.Info("Database seeding completed successfully")
	return nil
}

// seedUser creates the user unless one with the same email exists, and returns the stored row
func (s *DatabaseSeeder) seedUser(ctx context.Context, user models.User) (*models.User, error) {
	existingUser, err := s.repo.GetUserByEmail(ctx, user.Email)
	if err != nil {
		return nil, fmt.Errorf("error checking user %s: %w", user.Email, err)
	}
	if existingUser != nil {
		slog.Info("User already exists, skipping", "email", user.Email)
		return existingUser, nil
	}

	if err := s.repo.CreateUser(ctx, &user); err != nil {
		return nil, fmt.Errorf("failed to create user %s: %w", user.Email, err)
	}

	slog.Info("Created user", "email", user.Email, "role", user.Role)
	return &user, nil
}

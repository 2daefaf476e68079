package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/handi/backend/repository"
	"github.com/handi/backend/services"
	"github.com/handi/backend/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func main() {
	config := services.LoadConfig()

	// Setup structured logging with JSON format
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: config.Server.SlogLevel()})))

	if err := run(config); err != nil {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}
}

func run(config *services.Config) error {
	if config.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if config.JWT.Secret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := openDatabase(config.Database)
	if err != nil {
		return err
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}
	slog.Info("Connected to database")

	repo := repository.NewGORMRepository(db)
	if err := repo.AutoMigrate(); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	if config.Database.Seed {
		seedCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err := services.NewDatabaseSeeder(repo, config.Database.SeedPassword).SeedDatabase(seedCtx)
		cancel()
		if err != nil {
			slog.Error("Failed to seed database", "error", err)
		}
	}

	deps := services.Dependencies{DB: db}

	// LISTEN/NOTIFY needs a dedicated pool; without it realtime events stay on this instance
	pool, err := pgxpool.New(ctx, config.Database.URL)
	if err != nil {
		slog.Error("Failed to create realtime pool", "error", err)
	} else {
		defer pool.Close()
		deps.Pool = pool
	}

	if config.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     config.Redis.Addr,
			Password: config.Redis.Password,
			DB:       config.Redis.DB,
		})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			slog.Warn("Redis not reachable, continuing without it", "error", err, "addr", config.Redis.Addr)
		} else {
			slog.Info("Connected to Redis", "addr", config.Redis.Addr)
		}
		deps.Redis = client
	} else {
		slog.Warn("Redis not configured, webhook idempotency relies on the database only")
	}

	if config.Storage.Enabled() {
		objects, err := storage.NewS3ObjectStorage(ctx, storage.Config{
			Endpoint:          config.Storage.Endpoint,
			Region:            config.Storage.Region,
			Bucket:            config.Storage.Bucket,
			AccessKeyID:       config.Storage.AccessKeyID,
			SecretAccessKey:   config.Storage.SecretAccessKey,
			UsePathStyle:      config.Storage.UsePathStyle,
			PresignExpiration: config.Storage.PresignExpiration,
		})
		if err != nil {
			return fmt.Errorf("failed to configure object storage: %w", err)
		}
		if err := objects.EnsureBucket(ctx); err != nil {
			slog.Error("Failed to ensure storage bucket", "error", err, "bucket", config.Storage.Bucket)
		}
		deps.Storage = objects
	} else {
		slog.Warn("Object storage not configured, pro applications are disabled")
	}

	if config.AI.GeminiAPIKey != "" {
		classifier, err := services.NewGeminiClassifier(ctx, config.AI.GeminiAPIKey)
		if err != nil {
			slog.Error("Failed to initialize Gemini, using keyword classification", "error", err)
		} else {
			deps.Classifier = classifier
			slog.Info("Gemini classifier initialized")
		}
	}

	return services.NewServer(config, deps).Start(ctx)
}

// openDatabase connects gorm to Postgres and sizes its connection pool
func openDatabase(cfg services.DatabaseConfig) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.URL), &gorm.Config{
		Logger: logger.Default.LogMode(gormLogLevel(cfg.LogLevel)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

func gormLogLevel(level string) logger.LogLevel {
	switch strings.ToLower(level) {
	case "info":
		return logger.Info
	case "warn":
		return logger.Warn
	case "error":
		return logger.Error
	default:
		return logger.Silent
	}
}

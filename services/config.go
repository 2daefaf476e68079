package services

import (
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	AI        AIConfig
	JWT       JWTConfig
	WebSocket WebSocketConfig
	Stripe    StripeConfig
	Storage   StorageConfig
	Redis     RedisConfig
	Geocoding GeocodingConfig
	Chat      ChatConfig
}

type ServerConfig struct {
	Port          string
	Environment   string
	LogLevel      string
	PublicBaseURL string
}

// IsProduction reports whether cookies should be marked secure
func (c ServerConfig) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

// SlogLevel maps LOG_LEVEL to a slog level, defaulting to info
func (c ServerConfig) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type DatabaseConfig struct {
	URL          string
	Seed         bool
	SeedPassword string
	LogLevel     string
	MaxIdleConns int
	MaxOpenConns int
}

type AIConfig struct {
	GeminiAPIKey string
}

type JWTConfig struct {
	Secret string
}

type WebSocketConfig struct {
	AllowedOrigins string
}

type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	Currency      string
}

type StorageConfig struct {
	Endpoint          string
	Region            string
	Bucket            string
	AccessKeyID       string
	SecretAccessKey   string
	UsePathStyle      bool
	PresignExpiration time.Duration
}

// Enabled reports whether enough settings are present to build the object storage client
func (c StorageConfig) Enabled() bool {
	return c.Bucket != "" && c.Region != ""
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type GeocodingConfig struct {
	URL    string
	APIKey string
}

type ChatConfig struct {
	OfferPendingTTL time.Duration
	RealtimeChannel string
}

// LoadConfig loads configuration from environment variables and config files
func LoadConfig() *Config {
	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AddConfigPath(".")
	viper.AutomaticEnv()

	// Set defaults
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("server.environment", "development")
	viper.SetDefault("server.log_level", "info")
	viper.SetDefault("server.public_base_url", "http://localhost:5173")
	viper.SetDefault("websocket.allowed_origins", "")
	viper.SetDefault("gemini.api_key", "")
	viper.SetDefault("jwt.secret", "")
	viper.SetDefault("database.url", "")
	viper.SetDefault("database.seed", "true")
	viper.SetDefault("database.seed_password", "handi-demo-123")
	viper.SetDefault("database.log_level", "silent")
	viper.SetDefault("database.max_idle_conns", "10")
	viper.SetDefault("database.max_open_conns", "100")
	viper.SetDefault("stripe.currency", "mxn")
	viper.SetDefault("storage.region", "us-east-1")
	viper.SetDefault("storage.use_path_style", "true")
	viper.SetDefault("storage.presign_expiration", "15m")
	viper.SetDefault("redis.db", "0")
	viper.SetDefault("geocoding.url", "https://api.mapbox.com/geocoding/v5/mapbox.places")
	viper.SetDefault("chat.offer_pending_ttl", "72h")
	viper.SetDefault("chat.realtime_channel", "handi_chat")

	// Map environment variables to config keys
	viper.BindEnv("server.port", "SERVER_PORT")
	viper.BindEnv("server.environment", "ENVIRONMENT")
	viper.BindEnv("server.log_level", "LOG_LEVEL")
	viper.BindEnv("server.public_base_url", "PUBLIC_BASE_URL")
	viper.BindEnv("websocket.allowed_origins", "WEBSOCKET_ALLOWED_ORIGINS")
	viper.BindEnv("gemini.api_key", "GEMINI_API_KEY")
	viper.BindEnv("jwt.secret", "JWT_SECRET")
	viper.BindEnv("database.url", "DATABASE_URL")
	viper.BindEnv("database.seed", "DATABASE_SEED")
	viper.BindEnv("database.seed_password", "DATABASE_SEED_PASSWORD")
	viper.BindEnv("database.log_level", "DATABASE_LOG_LEVEL")
	viper.BindEnv("database.max_idle_conns", "DATABASE_MAX_IDLE_CONNS")
	viper.BindEnv("database.max_open_conns", "DATABASE_MAX_OPEN_CONNS")
	viper.BindEnv("stripe.secret_key", "STRIPE_SECRET_KEY")
	viper.BindEnv("stripe.webhook_secret", "STRIPE_WEBHOOK_SECRET")
	viper.BindEnv("stripe.currency", "STRIPE_CURRENCY")
	viper.BindEnv("storage.endpoint", "STORAGE_ENDPOINT")
	viper.BindEnv("storage.region", "STORAGE_REGION")
	viper.BindEnv("storage.bucket", "STORAGE_BUCKET")
	viper.BindEnv("storage.access_key", "STORAGE_ACCESS_KEY")
	viper.BindEnv("storage.secret_key", "STORAGE_SECRET_KEY")
	viper.BindEnv("storage.use_path_style", "STORAGE_USE_PATH_STYLE")
	viper.BindEnv("storage.presign_expiration", "STORAGE_PRESIGN_EXPIRATION")
	viper.BindEnv("redis.addr", "REDIS_ADDR")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")
	viper.BindEnv("geocoding.url", "GEOCODING_URL")
	viper.BindEnv("geocoding.api_key", "GEOCODING_API_KEY")
	viper.BindEnv("chat.offer_pending_ttl", "OFFER_PENDING_TTL")
	viper.BindEnv("chat.realtime_channel", "REALTIME_CHANNEL")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			slog.Warn("Config file not found, using defaults and environment variables")
		} else {
			slog.Error("Error reading config file", "error", err)
		}
	}

	return &Config{
		Server: ServerConfig{
			Port:          viper.GetString("server.port"),
			Environment:   viper.GetString("server.environment"),
			LogLevel:      viper.GetString("server.log_level"),
			PublicBaseURL: strings.TrimRight(viper.GetString("server.public_base_url"), "/"),
		},
		Database: DatabaseConfig{
			URL:          viper.GetString("database.url"),
			Seed:         viper.GetBool("database.seed"),
			SeedPassword: viper.GetString("database.seed_password"),
			LogLevel:     viper.GetString("database.log_level"),
			MaxIdleConns: viper.GetInt("database.max_idle_conns"),
			MaxOpenConns: viper.GetInt("database.max_open_conns"),
		},
		AI: AIConfig{
			GeminiAPIKey: viper.GetString("gemini.api_key"),
		},
		JWT: JWTConfig{
			Secret: viper.GetString("jwt.secret"),
		},
		WebSocket: WebSocketConfig{
			AllowedOrigins: viper.GetString("websocket.allowed_origins"),
		},
		Stripe: StripeConfig{
			SecretKey:     viper.GetString("stripe.secret_key"),
			WebhookSecret: viper.GetString("stripe.webhook_secret"),
			Currency:      strings.ToLower(viper.GetString("stripe.currency")),
		},
		Storage: StorageConfig{
			Endpoint:          viper.GetString("storage.endpoint"),
			Region:            viper.GetString("storage.region"),
			Bucket:            viper.GetString("storage.bucket"),
			AccessKeyID:       viper.GetString("storage.access_key"),
			SecretAccessKey:   viper.GetString("storage.secret_key"),
			UsePathStyle:      viper.GetBool("storage.use_path_style"),
			PresignExpiration: viper.GetDuration("storage.presign_expiration"),
		},
		Redis: RedisConfig{
			Addr:     viper.GetString("redis.addr"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		Geocoding: GeocodingConfig{
			URL:    viper.GetString("geocoding.url"),
			APIKey: viper.GetString("geocoding.api_key"),
		},
		Chat: ChatConfig{
			OfferPendingTTL: viper.GetDuration("chat.offer_pending_ttl"),
			RealtimeChannel: viper.GetString("chat.realtime_channel"),
		},
	}
}

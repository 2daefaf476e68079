package services

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/handi/backend/cache"
	"github.com/handi/backend/realtime"
	"github.com/handi/backend/repository"
	"github.com/handi/backend/storage"
	ws "github.com/handi/backend/websocket"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

const (
	suggestionCacheTTL = 24 * time.Hour
	shutdownTimeout    = 5 * time.Second
)

// Dependencies are the connections opened by main. Only DB is required.
type Dependencies struct {
	DB         *gorm.DB
	Pool       *pgxpool.Pool
	Redis      *redis.Client
	Storage    *storage.S3ObjectStorage
	Classifier *GeminiClassifier
}

// Server holds all server dependencies
type Server struct {
	config *Config
	db     *gorm.DB
	redis  *redis.Client
	hub    *ws.Hub

	listener     *realtime.Listener
	offerExpiry  *OfferExpiryService
	authService  *AuthService
	wsHandler    *WebSocketHandler
	auth         *AuthEndpoints
	applications *ProApplicationEndpoints
	admin        *AdminEndpoints
	requests     *RequestEndpoints
	chat         *ChatEndpoints
	profiles     *ProfileEndpoints
	webhook      *StripeWebhookEndpoints
}

// NewServer wires repositories, services and endpoints. Optional dependencies that are nil turn
// their feature off.
func NewServer(config *Config, deps Dependencies) *Server {
	repo := repository.NewGORMRepository(deps.DB)
	chats := repository.NewConversationRepository(deps.DB)
	payments := repository.NewPaymentRepository(deps.DB)

	hub := ws.NewHub()
	notifier := NewChatNotifier(realtime.NewPublisher(deps.Pool, config.Chat.RealtimeChannel, hub))

	var objects ObjectStorage
	if deps.Storage != nil {
		objects = deps.Storage
	}

	var ai Classifier
	if deps.Classifier != nil {
		ai = deps.Classifier
	}

	var suggestions SuggestionCache
	var idempotency IdempotencyStore
	if deps.Redis != nil {
		suggestions = cache.NewRedisSuggestionCache(deps.Redis, suggestionCacheTTL)
		idempotency = cache.NewRedisIdempotencyStore(deps.Redis, "handi:stripe:event:")
	}

	var checkout CheckoutProvider
	if config.Stripe.SecretKey != "" {
		checkout = NewStripeCheckout(config.Stripe.SecretKey, config.Server.PublicBaseURL)
	} else {
		slog.Warn("Stripe secret key not configured, checkout disabled")
	}

	var geocoder Geocoder
	if config.Geocoding.APIKey != "" {
		geocoder = NewMapboxGeocoder(config.Geocoding.URL, config.Geocoding.APIKey)
	} else {
		slog.Warn("Geocoding API key not configured, address search disabled")
	}

	authService := NewAuthService(repo, config.JWT.Secret, config.Server.IsProduction())
	classifier := NewClassificationService(repo, ai, suggestions)
	chatService := NewChatService(repo, chats, notifier, checkout, config.Stripe.Currency)
	applicationService := NewProApplicationService(repo, objects)

	s := &Server{
		config:       config,
		db:           deps.DB,
		redis:        deps.Redis,
		hub:          hub,
		offerExpiry:  NewOfferExpiryService(chatService, config.Chat.OfferPendingTTL),
		authService:  authService,
		wsHandler:    NewWebSocketHandler(chatService, hub, config.WebSocket.AllowedOrigins),
		auth:         NewAuthEndpoints(authService),
		applications: NewProApplicationEndpoints(applicationService),
		admin:        NewAdminEndpoints(repo, applicationService),
		requests:     NewRequestEndpoints(NewRequestService(repo, chats, classifier), classifier, geocoder),
		chat:         NewChatEndpoints(chatService),
		profiles:     NewProfileEndpoints(repo),
		webhook:      NewStripeWebhookEndpoints(NewStripeWebhookService(config.Stripe.WebhookSecret, payments, chats, idempotency, notifier)),
	}
	if deps.Pool != nil {
		s.listener = realtime.NewListener(deps.Pool, config.Chat.RealtimeChannel, hub, MessageLoader(chats))
	}
	return s
}

// SetupRoutes configures all HTTP routes
func (s *Server) SetupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.healthHandler)

	r.Route("/api", func(r chi.Router) {
		// Public routes
		s.auth.RegisterRoutes(r)
		s.applications.RegisterRoutes(r)
		s.requests.RegisterPublicRoutes(r)
		s.profiles.RegisterPublicRoutes(r)
		s.webhook.RegisterRoutes(r)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(s.authService.Middleware)
			s.chat.RegisterRoutes(r)
			s.requests.RegisterRoutes(r)
			s.profiles.RegisterRoutes(r)
			s.admin.RegisterRoutes(r)
			r.Get("/v1/ws", s.wsHandler.ServeHTTP)
		})
	})

	return r
}

// RunBackground starts the hub, the realtime listener and the offer expiry checker. They stop
// when ctx is cancelled.
func (s *Server) RunBackground(ctx context.Context) {
	go s.hub.Run(ctx)
	if s.listener != nil {
		go s.listener.Run(ctx)
	}
	go s.offerExpiry.Run(ctx)
}

// Start serves HTTP until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	port := s.config.Server.Port
	if port == "" {
		port = "8080"
	}

	s.RunBackground(ctx)

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           s.SetupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting server", "port", port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		return err
	}

	slog.Info("Server exited")
	return nil
}

// CheckOrigin validates the origin of WebSocket connections against a comma-separated allow list
func CheckOrigin(r *http.Request, allowedOriginsStr string) bool {
	origin := r.Header.Get("Origin")

	// If no allowed origins are configured, deny all requests for security
	if allowedOriginsStr == "" {
		slog.Warn("WebSocket connection rejected: no allowed origins configured", "origin", origin)
		return false
	}

	for _, allowed := range strings.Split(allowedOriginsStr, ",") {
		if strings.TrimSpace(allowed) == origin {
			return true
		}
	}

	slog.Warn("WebSocket connection rejected: origin not allowed", "origin", origin, "allowed_origins", allowedOriginsStr)
	return false
}

type healthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
	Redis    string `json:"redis"`
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	health := healthResponse{Status: "ok", Database: "not configured", Redis: "not configured"}

	if s.db != nil {
		health.Database = "up"
		sqlDB, err := s.db.DB()
		if err == nil {
			err = sqlDB.PingContext(ctx)
		}
		if err != nil {
			health.Database = "down"
			health.Status = "degraded"
		}
	}

	if s.redis != nil {
		health.Redis = "up"
		if err := s.redis.Ping(ctx).Err(); err != nil {
			health.Redis = "down"
			health.Status = "degraded"
		}
	}

	status := http.StatusOK
	if health.Database == "down" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
	slog.Debug("Health check", "status", health.Status, "database", health.Database, "redis", health.Redis)
}

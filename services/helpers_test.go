package services

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/handi/backend/models"
	"github.com/handi/backend/repository"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const testWebhookSecret = "whsec_test_secret"

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, repository.NewGORMRepository(db).AutoMigrate())
	return db
}

func newTestConfig() *Config {
	return &Config{
		Server:    ServerConfig{Port: "0", Environment: "test", PublicBaseURL: "http://localhost:5173"},
		JWT:       JWTConfig{Secret: "test-jwt-secret"},
		WebSocket: WebSocketConfig{AllowedOrigins: "http://localhost:5173"},
		Stripe:    StripeConfig{WebhookSecret: testWebhookSecret, Currency: "mxn"},
		Chat:      ChatConfig{OfferPendingTTL: 72 * time.Hour, RealtimeChannel: "handi_test"},
	}
}

// testEnv is a fully routed server over SQLite and miniredis
type testEnv struct {
	t      *testing.T
	db     *gorm.DB
	repo   *repository.GORMRepository
	chats  *repository.ConversationRepository
	redis  *miniredis.Miniredis
	server *Server
	router http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := setupTestDB(t)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	server := NewServer(newTestConfig(), Dependencies{DB: db, Redis: client})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go server.hub.Run(ctx)

	return &testEnv{
		t:      t,
		db:     db,
		repo:   repository.NewGORMRepository(db),
		chats:  repository.NewConversationRepository(db),
		redis:  mr,
		server: server,
		router: server.SetupRoutes(),
	}
}

func (e *testEnv) createUser(email, role string) *models.User {
	e.t.Helper()
	user := &models.User{Email: email, Password: "x", FullName: email, Role: role, City: "Monterrey"}
	require.NoError(e.t, e.db.Create(user).Error)
	return user
}

func (e *testEnv) createRequest(client *models.User, status string) *models.ServiceRequest {
	e.t.Helper()
	request := &models.ServiceRequest{
		ClientID: client.ID,
		Title:    "Fuga en el baño",
		City:     "Monterrey",
		Category: "plomeria",
		Status:   status,
	}
	require.NoError(e.t, e.db.Create(request).Error)
	return request
}

// chatFixture creates a client, a professional, an active request and their conversation
func (e *testEnv) chatFixture() (client, pro *models.User, conversation *models.Conversation) {
	e.t.Helper()
	client = e.createUser("cliente@example.com", models.RoleClient)
	pro = e.createUser("pro@example.com", models.RoleProfessional)
	request := e.createRequest(client, models.RequestStatusActive)

	conversation, _, err := e.chats.GetOrCreateConversation(context.Background(), request.ID, client.ID, pro.ID)
	require.NoError(e.t, err)
	return client, pro, conversation
}

func (e *testEnv) token(user *models.User) string {
	e.t.Helper()
	token, err := e.server.authService.generateAccessToken(user)
	require.NoError(e.t, err)
	return token
}

// do sends a JSON request, authenticated as user when user is not nil
func (e *testEnv) do(method, path string, body any, user *models.User) *httptest.ResponseRecorder {
	e.t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(e.t, err)
		reader = bytes.NewReader(payload)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if user != nil {
		req.Header.Set("Authorization", "Bearer "+e.token(user))
	}

	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

// testEnvelope mirrors Envelope with the data left raw
type testEnvelope struct {
	OK     bool            `json:"ok"`
	Data   json.RawMessage `json:"data"`
	Error  string          `json:"error"`
	Detail json.RawMessage `json:"detail"`
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder, data any) testEnvelope {
	t.Helper()
	var envelope testEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope), rec.Body.String())
	if data != nil && len(envelope.Data) > 0 {
		require.NoError(t, json.Unmarshal(envelope.Data, data))
	}
	return envelope
}

package services

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/handi/backend/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type authData struct {
	User struct {
		ID    string `json:"id"`
		Email string `json:"email"`
		Role  string `json:"role"`
	} `json:"user"`
}

// postWithCookies sends a JSON body along with the given cookies
func (e *testEnv) postWithCookies(path string, body any, cookies []*http.Cookie) *httptest.ResponseRecorder {
	e.t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(e.t, err)

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func cookieNamed(cookies []*http.Cookie, name string) *http.Cookie {
	for _, c := range cookies {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func TestAuthEndpoints_SignupLoginLogout(t *testing.T) {
	env := newTestEnv(t)

	rec := env.postWithCookies("/api/auth/signup", map[string]any{
		"email":     " Laura@Example.com ",
		"password":  "contraseña-segura",
		"full_name": "Laura Gómez",
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var signup authData
	decodeEnvelope(t, rec, &signup)
	assert.Equal(t, "laura@example.com", signup.User.Email)
	assert.Equal(t, models.RoleClient, signup.User.Role)
	for _, name := range []string{"access_token", "refresh_token", "permanent_token"} {
		cookie := cookieNamed(rec.Result().Cookies(), name)
		require.NotNil(t, cookie, name)
		assert.True(t, cookie.HttpOnly, name)
	}

	t.Run("duplicate email", func(t *testing.T) {
		rec := env.postWithCookies("/api/auth/signup", map[string]any{
			"email":     "laura@example.com",
			"password":  "otra-contraseña",
			"full_name": "Laura",
		}, nil)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("short password", func(t *testing.T) {
		rec := env.postWithCookies("/api/auth/signup", map[string]any{
			"email":     "nuevo@example.com",
			"password":  "corta",
			"full_name": "Nuevo",
		}, nil)
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	})

	t.Run("wrong password", func(t *testing.T) {
		rec := env.postWithCookies("/api/auth/login", map[string]any{
			"email":    "laura@example.com",
			"password": "incorrecta",
		}, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	rec = env.postWithCookies("/api/auth/login", map[string]any{
		"email":    "LAURA@example.com",
		"password": "contraseña-segura",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	cookies := rec.Result().Cookies()

	t.Run("me from the access cookie", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
		req.AddCookie(cookieNamed(cookies, "access_token"))
		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)

		var me authData
		decodeEnvelope(t, rec, &me)
		assert.Equal(t, signup.User.ID, me.User.ID)
	})

	t.Run("refresh issues a new access cookie", func(t *testing.T) {
		rec := env.postWithCookies("/api/auth/refresh", nil, []*http.Cookie{cookieNamed(cookies, "refresh_token")})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.NotNil(t, cookieNamed(rec.Result().Cookies(), "access_token"))
	})

	t.Run("logout revokes the refresh token", func(t *testing.T) {
		rec := env.postWithCookies("/api/auth/logout", nil, []*http.Cookie{cookieNamed(cookies, "access_token")})
		require.Equal(t, http.StatusOK, rec.Code)

		rec = env.postWithCookies("/api/auth/refresh", nil, []*http.Cookie{cookieNamed(cookies, "refresh_token")})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("refresh without a cookie", func(t *testing.T) {
		rec := env.postWithCookies("/api/auth/refresh", nil, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestAuthEndpoints_SignupAfterAcceptedApplication(t *testing.T) {
	env := newTestEnv(t)
	admin := env.createUser("admin@example.com", models.RoleAdmin)
	application := env.createApplication("mario@example.com")

	rec := env.do(http.MethodPost, "/api/admin/pro-applications/"+application.ID+"/status", map[string]any{"status": "accepted"}, admin)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.postWithCookies("/api/auth/signup", map[string]any{
		"email":     "mario@example.com",
		"password":  "contraseña-segura",
		"full_name": "Mario Pérez",
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var signup authData
	decodeEnvelope(t, rec, &signup)
	assert.Equal(t, models.RoleProfessional, signup.User.Role)

	profile, err := env.repo.GetProfessionalProfile(t.Context(), signup.User.ID)
	require.NoError(t, err)
	require.NotNil(t, profile)
	assert.Equal(t, "Monterrey", profile.City)
}

func TestAuthEndpoints_InvalidBearer(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// a token signed with another secret is rejected
	other := NewAuthService(env.repo, "another-secret", false)
	user := env.createUser("cliente@example.com", models.RoleClient)
	token, err := other.generateAccessToken(user)
	require.NoError(t, err)

	req = httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

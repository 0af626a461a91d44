package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func protectedEcho(manager *Manager) *echo.Echo {
	e := echo.New()
	e.Use(manager.Middleware())

	e.GET("/health", func(c echo.Context) error { return c.String(http.StatusOK, "healthy") })
	e.GET("/metrics", func(c echo.Context) error { return c.String(http.StatusOK, "metrics") })
	e.GET("/protected", func(c echo.Context) error { return c.String(http.StatusOK, "success") })
	e.POST("/approve", func(c echo.Context) error {
		return c.String(http.StatusOK, Actor(c, "anonymous"))
	}, manager.RequireRole(RoleApprover))

	return e
}

func serve(e *echo.Echo, method, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestMiddlewareAuthDisabled(t *testing.T) {
	manager := NewManager(Config{JWTSecret: "test-secret", RequireAuth: false})
	e := protectedEcho(manager)

	rec := serve(e, http.MethodGet, "/protected", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(e, http.MethodPost, "/approve", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "anonymous", rec.Body.String())
}

func TestMiddlewarePublicEndpoints(t *testing.T) {
	manager := NewManager(Config{JWTSecret: "test-secret", RequireAuth: true})
	e := protectedEcho(manager)

	assert.Equal(t, http.StatusOK, serve(e, http.MethodGet, "/health", "").Code)
	assert.Equal(t, http.StatusOK, serve(e, http.MethodGet, "/metrics", "").Code)
}

func TestMiddlewareMissingToken(t *testing.T) {
	manager := NewManager(Config{JWTSecret: "test-secret", RequireAuth: true})

	rec := serve(protectedEcho(manager), http.MethodGet, "/protected", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "Missing authorization header")
}

func TestMiddlewareInvalidTokenFormat(t *testing.T) {
	manager := NewManager(Config{JWTSecret: "test-secret", RequireAuth: true})
	e := protectedEcho(manager)

	tests := []struct {
		name   string
		header string
	}{
		{"missing bearer", "just-a-token"},
		{"wrong prefix", "Basic token123"},
		{"empty token", "Bearer "},
		{"extra spaces", "Bearer  token  extra"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/protected", nil)
			req.Header.Set("Authorization", tt.header)
			rec := httptest.NewRecorder()

			e.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
}

func TestMiddlewareQueryToken(t *testing.T) {
	manager := NewManager(Config{JWTSecret: "test-secret", RequireAuth: true})
	token, err := manager.GenerateToken(User{ID: "u", Roles: []string{RoleViewer}})
	require.NoError(t, err)

	rec := serve(protectedEcho(manager), http.MethodGet, "/protected?token="+token, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMiddlewareExpiredToken(t *testing.T) {
	manager := NewManager(Config{JWTSecret: "test-secret", RequireAuth: true})
	manager.config.TokenExpiration = -time.Hour

	token, err := manager.GenerateToken(User{ID: "test-123", Roles: []string{RoleAdmin}})
	require.NoError(t, err)

	rec := serve(protectedEcho(manager), http.MethodGet, "/protected", token)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "Invalid token")
}

func TestRequireRole(t *testing.T) {
	manager := NewManager(Config{JWTSecret: "test-secret", RequireAuth: true})
	e := protectedEcho(manager)

	tests := []struct {
		name  string
		roles []string
		code  int
	}{
		{"approver allowed", []string{RoleApprover}, http.StatusOK},
		{"admin implies approver", []string{RoleAdmin}, http.StatusOK},
		{"viewer forbidden", []string{RoleViewer}, http.StatusForbidden},
		{"agent forbidden", []string{RoleAgent}, http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, err := manager.GenerateToken(User{ID: "u", Email: "u@example.com", Roles: tt.roles})
			require.NoError(t, err)

			rec := serve(e, http.MethodPost, "/approve", token)
			assert.Equal(t, tt.code, rec.Code)
			if tt.code == http.StatusOK {
				assert.Equal(t, "u@example.com", rec.Body.String())
			} else {
				assert.Contains(t, rec.Body.String(), "Role 'approver' required")
			}
		})
	}
}

func TestGenerateAndValidateToken(t *testing.T) {
	manager := NewManager(Config{JWTSecret: "test-secret-key", TokenExpiration: time.Hour})

	user := User{
		ID:          "user-123",
		Email:       "user@example.com",
		Name:        "Test User",
		Roles:       []string{RoleApprover, RoleViewer},
		WorkspaceID: "ws-1",
	}

	token, err := manager.GenerateToken(user)
	require.NoError(t, err)

	validated, err := manager.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, user, *validated)
}

func TestTokenWithDifferentSecret(t *testing.T) {
	token, err := NewManager(Config{JWTSecret: "secret-1"}).GenerateToken(User{ID: "u"})
	require.NoError(t, err)

	_, err = NewManager(Config{JWTSecret: "secret-2"}).ValidateToken(token)
	assert.Error(t, err)
}

func TestGetUserFromContext(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	c := e.NewContext(req, httptest.NewRecorder())
	c.Set("user", &User{Email: "test@example.com"})
	require.NotNil(t, GetUserFromContext(c))
	assert.Equal(t, "test@example.com", Actor(c, "x"))

	c2 := e.NewContext(req, httptest.NewRecorder())
	assert.Nil(t, GetUserFromContext(c2))
	assert.Equal(t, "x", Actor(c2, "x"))
}

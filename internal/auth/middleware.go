// Package auth issues and checks the bearer tokens that guard the HTTP API.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
)

const (
	RoleAdmin    = "admin"
	RoleApprover = "approver"
	RoleViewer   = "viewer"
	RoleAgent    = "agent"
)

const issuer = "agentguard"

var publicPaths = map[string]bool{
	"/health":  true,
	"/login":   true,
	"/metrics": true,
}

// User is the principal carried in a token.
type User struct {
	ID          string   `json:"id"`
	Email       string   `json:"email"`
	Name        string   `json:"name"`
	Roles       []string `json:"roles"`
	WorkspaceID string   `json:"workspace_id,omitempty"`
}

// HasRole reports whether the user holds role. Admin holds every role.
func (u *User) HasRole(role string) bool {
	for _, r := range u.Roles {
		if r == role || r == RoleAdmin {
			return true
		}
	}
	return false
}

// Claims are the JWT claims issued at login.
type Claims struct {
	User User `json:"user"`
	jwt.RegisteredClaims
}

// Config configures the auth manager.
type Config struct {
	JWTSecret       string
	TokenExpiration time.Duration
	RequireAuth     bool
	// Users is the AUTH_USERS credential list, see parseUsers.
	Users string
}

// Manager issues and validates tokens.
type Manager struct {
	config Config
	secret []byte
	users  []credential
}

// NewManager creates auth manager
func NewManager(config Config) *Manager {
	secret := config.JWTSecret
	if secret == "" {
		b := make([]byte, 32)
		rand.Read(b)
		secret = base64.StdEncoding.EncodeToString(b)
		log.Warn().Msg("using generated JWT secret, set JWT_SECRET for production")
	}
	if config.TokenExpiration <= 0 {
		config.TokenExpiration = 24 * time.Hour
	}

	return &Manager{
		config: config,
		secret: []byte(secret),
		users:  parseUsers(config.Users),
	}
}

func (m *Manager) RequireAuth() bool {
	return m.config.RequireAuth
}

// Middleware authenticates every non-public route when auth is required.
func (m *Manager) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !m.config.RequireAuth || publicPaths[c.Path()] {
				return next(c)
			}

			token, err := bearerToken(c.Request())
			if err != nil {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": err.Error()})
			}

			user, err := m.ValidateToken(token)
			if err != nil {
				return c.JSON(http.StatusUnauthorized, map[string]string{
					"error": fmt.Sprintf("Invalid token: %v", err),
				})
			}

			c.Set("user", user)
			return next(c)
		}
	}
}

// RequireRole rejects users holding none of roles. Admin satisfies any role.
func (m *Manager) RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !m.config.RequireAuth {
				return next(c)
			}

			user := GetUserFromContext(c)
			if user == nil {
				return c.JSON(http.StatusUnauthorized, map[string]string{
					"error": "Authentication required",
				})
			}

			for _, role := range roles {
				if user.HasRole(role) {
					return next(c)
				}
			}

			return c.JSON(http.StatusForbidden, map[string]string{
				"error": fmt.Sprintf("Role '%s' required", strings.Join(roles, "' or '")),
			})
		}
	}
}

// GenerateToken creates JWT token for user
func (m *Manager) GenerateToken(user User) (string, error) {
	now := time.Now()
	claims := &Claims{
		User: user,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			ExpiresAt: jwt.NewNumericDate(now.Add(m.config.TokenExpiration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

// ValidateToken validates JWT token and returns user
func (m *Manager) ValidateToken(tokenString string) (*User, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithIssuer(issuer))
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return &claims.User, nil
	}
	return nil, fmt.Errorf("invalid token")
}

// GetUserFromContext returns the authenticated user, or nil.
func GetUserFromContext(c echo.Context) *User {
	if user, ok := c.Get("user").(*User); ok {
		return user
	}
	return nil
}

// Actor names the caller for audit metadata, falling back when unauthenticated.
func Actor(c echo.Context, fallback string) string {
	if user := GetUserFromContext(c); user != nil {
		if user.Email != "" {
			return user.Email
		}
		return user.ID
	}
	return fallback
}

func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		// browsers cannot set headers on websocket upgrades
		if t := r.URL.Query().Get("token"); t != "" {
			return t, nil
		}
		return "", fmt.Errorf("Missing authorization header")
	}

	parts := strings.Split(header, " ")
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", fmt.Errorf("Invalid authorization header format")
	}
	return parts[1], nil
}

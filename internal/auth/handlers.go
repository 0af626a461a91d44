package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

const defaultUsers = "admin@example.com:admin:Administrator:admin"

// Handler serves login and the current user.
type Handler struct {
	manager *Manager
}

// NewHandler creates auth handler
func NewHandler(manager *Manager) *Handler {
	return &Handler{manager: manager}
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}

// Login handles POST /login
func (h *Handler) Login(c echo.Context) error {
	var req LoginRequest
	if err := c.Bind(&req); err != nil {
		log.Warn().Err(err).Str("remote_addr", c.Request().RemoteAddr).Msg("invalid login request body")
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "Invalid request",
		})
	}

	user, err := h.manager.Authenticate(req.Email, req.Password)
	if err != nil {
		log.Warn().Str("email", req.Email).Msg("login failed")
		return c.JSON(http.StatusUnauthorized, map[string]string{
			"error": "Invalid credentials",
		})
	}

	token, err := h.manager.GenerateToken(*user)
	if err != nil {
		log.Error().Err(err).Msg("failed to generate token")
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "Failed to generate token",
		})
	}

	log.Info().Str("email", user.Email).Strs("roles", user.Roles).Msg("user logged in")

	return c.JSON(http.StatusOK, LoginResponse{
		Token: token,
		User:  *user,
	})
}

// Me handles GET /me
func (h *Handler) Me(c echo.Context) error {
	user := GetUserFromContext(c)
	if user == nil {
		return c.JSON(http.StatusUnauthorized, map[string]string{
			"error": "Unauthorized",
		})
	}
	return c.JSON(http.StatusOK, user)
}

type credential struct {
	user     User
	password string
}

// Authenticate checks email and password against the configured users.
func (m *Manager) Authenticate(email, password string) (*User, error) {
	found := false
	var match User
	for _, cred := range m.users {
		emailOK := subtle.ConstantTimeCompare([]byte(email), []byte(cred.user.Email)) == 1
		passOK := subtle.ConstantTimeCompare([]byte(password), []byte(cred.password)) == 1
		if emailOK && passOK && !found {
			found = true
			match = cred.user
		}
	}
	if !found {
		return nil, ErrInvalidCredentials
	}
	return &match, nil
}

// parseUsers reads EMAIL:PASSWORD:NAME:ROLES[:WORKSPACE] entries separated by
// semicolons, e.g. "ops@example.com:pw:Ops:approver:ws-1".
func parseUsers(raw string) []credential {
	if strings.TrimSpace(raw) == "" {
		log.Warn().Msg("AUTH_USERS not set, using development admin account")
		raw = defaultUsers
	}

	var creds []credential
	for _, entry := range strings.Split(raw, ";") {
		parts := strings.Split(strings.TrimSpace(entry), ":")
		if len(parts) < 4 || parts[0] == "" {
			continue
		}

		u := User{
			ID:    strings.ReplaceAll(parts[0], "@", "-"),
			Email: parts[0],
			Name:  parts[2],
			Roles: strings.Split(parts[3], ","),
		}
		if len(parts) > 4 {
			u.WorkspaceID = parts[4]
		}
		creds = append(creds, credential{user: u, password: parts[1]})
	}
	return creds
}

// Package server exposes the action gate, approvals and the audit ledger over
// HTTP. It parses and authenticates requests and leaves every decision to the
// core packages.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog/log"

	"github.com/yuv2819-cmyk/AgentGuard/internal/auth"
	"github.com/yuv2819-cmyk/AgentGuard/internal/metrics"
)

// Server is the HTTP API.
type Server struct {
	echo   *echo.Echo
	config Config
	hub    *Hub
}

type Config struct {
	Port            int
	ReadTimeout     int
	WriteTimeout    int
	ShutdownTimeout int
	// RequireAgentKey blocks action requests that carry no X-Agent-Key.
	RequireAgentKey bool
}

// Deps are the collaborators the routes call into.
type Deps struct {
	Guard     Evaluator
	Approvals ApprovalService
	Audit     AuditReader
	Agents    AgentDirectory
	Auth      *auth.Manager
}

// New creates server with routes and middleware
func New(cfg Config, deps Deps) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	if deps.Auth == nil {
		deps.Auth = auth.NewManager(auth.Config{})
	}

	s := &Server{
		echo:   e,
		config: cfg,
	}

	s.setupMiddleware()
	s.setupRoutes(deps)

	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start blocks serving until Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.Port)
	log.Info().Int("port", s.config.Port).Msg("starting HTTP server")

	s.echo.Server.ReadTimeout = time.Duration(s.config.ReadTimeout) * time.Second
	s.echo.Server.WriteTimeout = time.Duration(s.config.WriteTimeout) * time.Second

	if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// Shutdown stops the websocket hub, then drains HTTP connections.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down server")

	if s.hub != nil {
		s.hub.Shutdown()
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, time.Duration(s.config.ShutdownTimeout)*time.Second)
	defer cancel()

	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}

	return nil
}

func (s *Server) setupMiddleware() {
	s.echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:     true,
		LogStatus:  true,
		LogMethod:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			log.Info().
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Msg("request")
			return nil
		},
	}))

	s.echo.Use(middleware.Recover())

	s.echo.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Content-Type", "Authorization", HeaderAgentKey},
	}))
}

func (s *Server) setupRoutes(deps Deps) {
	authManager := deps.Auth
	authHandler := auth.NewHandler(authManager)
	actionHandler := NewActionHandler(deps.Guard, deps.Agents, s.config.RequireAgentKey)
	auditHandler := NewAuditHandler(deps.Audit)

	s.hub = NewHub(deps.Approvals)
	approvalHandler := NewApprovalHandler(deps.Approvals, s.hub)
	wsHandler := NewWSHandler(s.hub)

	// Public endpoints
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(metrics.Handler()))
	s.echo.POST("/login", authHandler.Login)

	protected := s.echo.Group("")
	protected.Use(authManager.Middleware())

	protected.GET("/me", authHandler.Me)
	protected.GET("/ws", wsHandler.HandleWebSocket)

	v1 := protected.Group("/v1")
	v1.POST("/actions/evaluate", actionHandler.Evaluate)

	v1.GET("/approvals", approvalHandler.ListPending)
	v1.GET("/approvals/:id", approvalHandler.Get)
	v1.POST("/approvals/:id/approve", approvalHandler.Approve, authManager.RequireRole(auth.RoleApprover))
	v1.POST("/approvals/:id/reject", approvalHandler.Reject, authManager.RequireRole(auth.RoleApprover))

	v1.GET("/audit", auditHandler.GetAuditLog)
	v1.GET("/audit/verify", auditHandler.Verify)

	if deps.Agents != nil {
		agentHandler := NewAgentHandler(deps.Agents)
		admin := authManager.RequireRole(auth.RoleAdmin)

		v1.POST("/agents", agentHandler.Register, admin)
		v1.GET("/agents/:id", agentHandler.Get)
		v1.GET("/agents/:id/keys", agentHandler.Keys, admin)
		v1.POST("/agents/:id/keys", agentHandler.AddKey, admin)
		v1.POST("/agents/:id/keys/revoke", agentHandler.RevokeKeys, admin)
	}
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

// scopeWorkspace resolves the workspace a request may touch. Users bound to a
// workspace cannot name another one.
func scopeWorkspace(c echo.Context, requested string) (string, error) {
	user := auth.GetUserFromContext(c)
	if user == nil || user.WorkspaceID == "" {
		return requested, nil
	}
	if requested != "" && requested != user.WorkspaceID {
		return "", echo.NewHTTPError(http.StatusForbidden, "workspace not accessible")
	}
	return user.WorkspaceID, nil
}

func errorJSON(c echo.Context, status int, message string) error {
	return c.JSON(status, map[string]string{
		"error": message,
	})
}

package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/yuv2819-cmyk/AgentGuard/internal/agent"
)

// AgentDirectory is the agent registry as seen by the API.
type AgentDirectory interface {
	Credentials
	Register(ctx context.Context, a agent.Agent) (agent.Agent, error)
	Get(ctx context.Context, workspaceID, agentID string) (agent.Agent, error)
	AddKey(ctx context.Context, workspaceID, agentID, label string) (agent.Key, error)
	RevokeActiveKeys(ctx context.Context, workspaceID, agentID string) (int, error)
	Keys(ctx context.Context, workspaceID, agentID string) ([]agent.Key, error)
}

// AgentHandler serves agent registration and key management.
type AgentHandler struct {
	agents AgentDirectory
}

// NewAgentHandler creates agent handler
func NewAgentHandler(agents AgentDirectory) *AgentHandler {
	return &AgentHandler{agents: agents}
}

type registerAgentRequest struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspace_id"`
	Name        string `json:"name"`
	PolicyID    string `json:"policy_id"`
	Status      string `json:"status"`
}

type addKeyRequest struct {
	WorkspaceID string `json:"workspace_id"`
	Label       string `json:"label"`
}

// Register handles POST /v1/agents. It creates the agent or replaces its
// name, status and assigned policy.
func (h *AgentHandler) Register(c echo.Context) error {
	var body registerAgentRequest
	if err := c.Bind(&body); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid request body")
	}

	ws, err := scopeWorkspace(c, body.WorkspaceID)
	if err != nil {
		return err
	}
	if ws == "" || body.ID == "" {
		return errorJSON(c, http.StatusBadRequest, "id and workspace_id are required")
	}

	status := agent.Status(body.Status)
	switch status {
	case "", agent.StatusActive, agent.StatusDisabled:
	default:
		return errorJSON(c, http.StatusBadRequest, "status must be active or disabled")
	}

	a, err := h.agents.Register(c.Request().Context(), agent.Agent{
		ID:          body.ID,
		WorkspaceID: ws,
		Name:        body.Name,
		Status:      status,
		PolicyID:    body.PolicyID,
	})
	if err != nil {
		log.Error().Err(err).Str("agent_id", body.ID).Msg("failed to register agent")
		return errorJSON(c, http.StatusInternalServerError, "failed to register agent")
	}

	log.Info().Str("workspace_id", a.WorkspaceID).Str("agent_id", a.ID).Str("policy_id", a.PolicyID).Msg("agent registered")
	return c.JSON(http.StatusCreated, a)
}

// Get handles GET /v1/agents/:id?workspace_id=...
func (h *AgentHandler) Get(c echo.Context) error {
	ws, err := h.workspace(c, c.QueryParam("workspace_id"))
	if err != nil {
		return err
	}

	a, err := h.agents.Get(c.Request().Context(), ws, c.Param("id"))
	if errors.Is(err, agent.ErrNotFound) {
		return errorJSON(c, http.StatusNotFound, "agent not found")
	}
	if err != nil {
		log.Error().Err(err).Str("agent_id", c.Param("id")).Msg("failed to get agent")
		return errorJSON(c, http.StatusInternalServerError, "failed to get agent")
	}
	return c.JSON(http.StatusOK, a)
}

// Keys handles GET /v1/agents/:id/keys?workspace_id=...
func (h *AgentHandler) Keys(c echo.Context) error {
	ws, err := h.workspace(c, c.QueryParam("workspace_id"))
	if err != nil {
		return err
	}

	keys, err := h.agents.Keys(c.Request().Context(), ws, c.Param("id"))
	if err != nil {
		log.Error().Err(err).Str("agent_id", c.Param("id")).Msg("failed to list agent keys")
		return errorJSON(c, http.StatusInternalServerError, "failed to list keys")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"total": len(keys),
		"keys":  keys,
	})
}

// AddKey handles POST /v1/agents/:id/keys. The returned key id is the
// credential the agent sends in X-Agent-Key.
func (h *AgentHandler) AddKey(c echo.Context) error {
	var body addKeyRequest
	if err := c.Bind(&body); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid request body")
	}

	ws, err := h.workspace(c, body.WorkspaceID)
	if err != nil {
		return err
	}

	ctx := c.Request().Context()
	if _, err := h.agents.Get(ctx, ws, c.Param("id")); err != nil {
		if errors.Is(err, agent.ErrNotFound) {
			return errorJSON(c, http.StatusNotFound, "agent not found")
		}
		log.Error().Err(err).Str("agent_id", c.Param("id")).Msg("failed to get agent")
		return errorJSON(c, http.StatusInternalServerError, "failed to get agent")
	}

	key, err := h.agents.AddKey(ctx, ws, c.Param("id"), body.Label)
	if err != nil {
		log.Error().Err(err).Str("agent_id", c.Param("id")).Msg("failed to add agent key")
		return errorJSON(c, http.StatusInternalServerError, "failed to add key")
	}
	return c.JSON(http.StatusCreated, key)
}

// RevokeKeys handles POST /v1/agents/:id/keys/revoke.
func (h *AgentHandler) RevokeKeys(c echo.Context) error {
	var body addKeyRequest
	if err := c.Bind(&body); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid request body")
	}

	ws, err := h.workspace(c, body.WorkspaceID)
	if err != nil {
		return err
	}

	n, err := h.agents.RevokeActiveKeys(c.Request().Context(), ws, c.Param("id"))
	if err != nil {
		log.Error().Err(err).Str("agent_id", c.Param("id")).Msg("failed to revoke agent keys")
		return errorJSON(c, http.StatusInternalServerError, "failed to revoke keys")
	}
	return c.JSON(http.StatusOK, map[string]int{"revoked": n})
}

func (h *AgentHandler) workspace(c echo.Context, requested string) (string, error) {
	ws, err := scopeWorkspace(c, requested)
	if err != nil {
		return "", err
	}
	if ws == "" {
		return "", echo.NewHTTPError(http.StatusBadRequest, "workspace_id is required")
	}
	return ws, nil
}

package server

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/yuv2819-cmyk/AgentGuard/internal/auth"
	"github.com/yuv2819-cmyk/AgentGuard/internal/guard"
	"github.com/yuv2819-cmyk/AgentGuard/internal/policy"
)

// HeaderAgentKey carries the key id an agent was issued.
const HeaderAgentKey = "X-Agent-Key"

// Evaluator decides and records one action request.
type Evaluator interface {
	Evaluate(ctx context.Context, req guard.ActionRequest) (guard.Result, error)
}

// Credentials checks agent keys. See agent.Registry.Authenticate.
type Credentials interface {
	Authenticate(ctx context.Context, workspaceID, agentID, keyID string) (string, string, error)
}

// ActionHandler serves action evaluation.
type ActionHandler struct {
	guard      Evaluator
	creds      Credentials
	requireKey bool
}

// NewActionHandler creates the action handler. With creds nil no agent key is
// checked; with requireKey set a request without a key is blocked.
func NewActionHandler(g Evaluator, creds Credentials, requireKey bool) *ActionHandler {
	return &ActionHandler{guard: g, creds: creds, requireKey: requireKey}
}

// Evaluate handles POST /v1/actions/evaluate. Allowed actions answer 200,
// blocked ones 403 with the same body.
func (h *ActionHandler) Evaluate(c echo.Context) error {
	req, err := h.parseRequest(c)
	if err != nil {
		return err
	}

	result, err := h.guard.Evaluate(c.Request().Context(), req)
	if err != nil {
		log.Error().Err(err).Str("workspace_id", req.WorkspaceID).Str("agent_id", req.AgentID).Msg("action evaluation failed")
		return errorJSON(c, http.StatusInternalServerError, "decision could not be recorded")
	}

	status := http.StatusOK
	if result.Decision == policy.DecisionBlock {
		status = http.StatusForbidden
	}
	return c.JSON(status, result)
}

func (h *ActionHandler) parseRequest(c echo.Context) (guard.ActionRequest, error) {
	var req guard.ActionRequest
	if err := c.Bind(&req); err != nil {
		return req, echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	if req.Tool == "" || req.Action == "" {
		return req, echo.NewHTTPError(http.StatusBadRequest, "tool and action are required")
	}

	ws, err := scopeWorkspace(c, req.WorkspaceID)
	if err != nil {
		return req, err
	}
	if ws == "" {
		return req, echo.NewHTTPError(http.StatusBadRequest, "workspace_id is required")
	}
	req.WorkspaceID = ws

	if req.RequestedBy == "" {
		req.RequestedBy = auth.Actor(c, "")
	}

	h.checkCredential(c, &req)
	return req, nil
}

// checkCredential turns a missing, unknown, revoked or foreign agent key into
// a forced block. The request still goes through the guard so the attempt is
// audited.
func (h *ActionHandler) checkCredential(c echo.Context, req *guard.ActionRequest) {
	keyID := c.Request().Header.Get(HeaderAgentKey)
	if h.creds == nil || (keyID == "" && !h.requireKey) {
		return
	}

	agentID, reason, err := h.creds.Authenticate(c.Request().Context(), req.WorkspaceID, req.AgentID, keyID)
	if err != nil {
		log.Error().Err(err).Str("workspace_id", req.WorkspaceID).Str("agent_id", req.AgentID).Msg("agent key check failed")
		req.ForcedBlockReason = guard.ReasonAgentLookupFailed
		return
	}

	req.AgentID = agentID
	if reason != "" {
		log.Warn().Str("workspace_id", req.WorkspaceID).Str("agent_id", agentID).Str("reason", reason).Msg("agent credential rejected")
		req.ForcedBlockReason = reason
	}
}

package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/yuv2819-cmyk/AgentGuard/internal/approval"
	"github.com/yuv2819-cmyk/AgentGuard/internal/auth"
	"github.com/yuv2819-cmyk/AgentGuard/internal/metrics"
)

// ApprovalService is the approval gate as seen by the API.
type ApprovalService interface {
	Get(ctx context.Context, id string) (approval.Request, error)
	ListPending(ctx context.Context, workspaceID string) ([]approval.Request, error)
	Approve(ctx context.Context, id, approver, note string) (approval.Request, error)
	Reject(ctx context.Context, id, approver, reason string) (approval.Request, error)
	NotifyChannel() <-chan struct{}
}

type ApprovalHandler struct {
	approvals ApprovalService
	hub       *Hub
}

// NewApprovalHandler creates approval handler
func NewApprovalHandler(approvals ApprovalService, hub *Hub) *ApprovalHandler {
	return &ApprovalHandler{
		approvals: approvals,
		hub:       hub,
	}
}

type resolveRequest struct {
	Approver string `json:"approver"`
	Note     string `json:"note"`
	Reason   string `json:"reason"`
}

// ListPending handles GET /v1/approvals?workspace_id=...
func (h *ApprovalHandler) ListPending(c echo.Context) error {
	ws, err := scopeWorkspace(c, c.QueryParam("workspace_id"))
	if err != nil {
		return err
	}

	pending, err := h.approvals.ListPending(c.Request().Context(), ws)
	if err != nil {
		log.Error().Err(err).Str("workspace_id", ws).Msg("failed to list pending approvals")
		return errorJSON(c, http.StatusInternalServerError, "failed to retrieve pending approvals")
	}
	if ws == "" {
		metrics.SetPendingApprovals(len(pending))
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"total":     len(pending),
		"approvals": pending,
	})
}

// Get handles GET /v1/approvals/:id
func (h *ApprovalHandler) Get(c echo.Context) error {
	req, err := h.approvals.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.resolutionError(c, err)
	}
	if _, err := scopeWorkspace(c, req.WorkspaceID); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, req)
}

// Approve handles POST /v1/approvals/:id/approve
func (h *ApprovalHandler) Approve(c echo.Context) error {
	return h.resolve(c, approval.StatusApproved)
}

// Reject handles POST /v1/approvals/:id/reject. A reason is mandatory.
func (h *ApprovalHandler) Reject(c echo.Context) error {
	return h.resolve(c, approval.StatusRejected)
}

func (h *ApprovalHandler) resolve(c echo.Context, status approval.Status) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	var body resolveRequest
	if err := c.Bind(&body); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid request body")
	}

	approver := body.Approver
	if approver == "" {
		approver = auth.Actor(c, "")
	}
	if approver == "" {
		return errorJSON(c, http.StatusBadRequest, "approver is required")
	}

	existing, err := h.approvals.Get(ctx, id)
	if err != nil {
		return h.resolutionError(c, err)
	}
	if _, err := scopeWorkspace(c, existing.WorkspaceID); err != nil {
		return err
	}

	var req approval.Request
	if status == approval.StatusApproved {
		req, err = h.approvals.Approve(ctx, id, approver, body.Note)
	} else {
		req, err = h.approvals.Reject(ctx, id, approver, body.Reason)
	}
	if err != nil {
		return h.resolutionError(c, err)
	}

	if h.hub != nil {
		h.hub.BroadcastApprovalDecision(req.ID, string(req.Status))
	}

	log.Info().
		Str("id", id).
		Str("status", string(req.Status)).
		Str("approver", approver).
		Msg("approval resolved")

	return c.JSON(http.StatusOK, req)
}

func (h *ApprovalHandler) resolutionError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, approval.ErrNotFound):
		return errorJSON(c, http.StatusNotFound, "approval request not found")
	case errors.Is(err, approval.ErrReasonRequired):
		return errorJSON(c, http.StatusBadRequest, "reason is required for rejection")
	case errors.Is(err, approval.ErrExpired):
		return errorJSON(c, http.StatusGone, "approval request expired")
	case errors.Is(err, approval.ErrNotPending):
		return errorJSON(c, http.StatusConflict, "approval request already resolved")
	default:
		log.Error().Err(err).Str("id", c.Param("id")).Msg("approval operation failed")
		return errorJSON(c, http.StatusInternalServerError, "approval operation failed")
	}
}

package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/yuv2819-cmyk/AgentGuard/internal/audit"
)

const (
	defaultAuditLimit = 100
	maxAuditLimit     = 1000
)

// AuditReader is the read side of the audit ledger.
type AuditReader interface {
	Query(ctx context.Context, q audit.Query) ([]audit.Event, error)
	Verify(ctx context.Context, workspaceID string) (audit.VerifyResult, error)
}

type AuditHandler struct {
	ledger AuditReader
}

// NewAuditHandler creates audit handler
func NewAuditHandler(ledger AuditReader) *AuditHandler {
	return &AuditHandler{ledger: ledger}
}

// GetAuditLog handles GET /v1/audit?workspace_id=&agent_id=&from=&to=&limit=
// with RFC 3339 bounds.
func (h *AuditHandler) GetAuditLog(c echo.Context) error {
	q, err := parseAuditQuery(c)
	if err != nil {
		return err
	}

	entries, err := h.ledger.Query(c.Request().Context(), q)
	if err != nil {
		log.Error().Err(err).Str("remote_addr", c.Request().RemoteAddr).Msg("failed to retrieve audit log")
		return errorJSON(c, http.StatusInternalServerError, "failed to retrieve audit log")
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"total":   len(entries),
		"entries": entries,
	})
}

// Verify handles GET /v1/audit/verify?workspace_id=...
func (h *AuditHandler) Verify(c echo.Context) error {
	ws, err := scopeWorkspace(c, c.QueryParam("workspace_id"))
	if err != nil {
		return err
	}
	if ws == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "workspace_id is required")
	}

	result, err := h.ledger.Verify(c.Request().Context(), ws)
	if err != nil {
		log.Error().Err(err).Str("workspace_id", ws).Msg("chain verification failed")
		return errorJSON(c, http.StatusInternalServerError, "failed to verify audit chain")
	}
	if !result.Valid {
		log.Warn().Str("workspace_id", ws).Int("broken", result.BrokenCount).Int64("first_broken_id", result.FirstBrokenID).Msg("audit chain broken")
	}

	return c.JSON(http.StatusOK, result)
}

func parseAuditQuery(c echo.Context) (audit.Query, error) {
	ws, err := scopeWorkspace(c, c.QueryParam("workspace_id"))
	if err != nil {
		return audit.Query{}, err
	}
	if ws == "" {
		return audit.Query{}, echo.NewHTTPError(http.StatusBadRequest, "workspace_id is required")
	}

	q := audit.Query{
		WorkspaceID: ws,
		AgentID:     c.QueryParam("agent_id"),
		Limit:       defaultAuditLimit,
	}

	if q.From, err = parseTime(c.QueryParam("from")); err != nil {
		return q, echo.NewHTTPError(http.StatusBadRequest, "from must be RFC 3339")
	}
	if q.To, err = parseTime(c.QueryParam("to")); err != nil {
		return q, echo.NewHTTPError(http.StatusBadRequest, "to must be RFC 3339")
	}

	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return q, echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		q.Limit = min(n, maxAuditLimit)
	}

	return q, nil
}

func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}

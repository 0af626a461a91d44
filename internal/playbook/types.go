// Package playbook runs declarative remediation rules against freshly
// appended audit events.
package playbook

import (
	"context"
	"time"

	"github.com/yuv2819-cmyk/AgentGuard/internal/approval"
	"github.com/yuv2819-cmyk/AgentGuard/internal/audit"
	"github.com/yuv2819-cmyk/AgentGuard/internal/policy"
)

// ActionType is the closed set of remediation actions.
type ActionType string

const (
	ActionDisableAgent     ActionType = "disable_agent"
	ActionRevokeActiveKeys ActionType = "revoke_active_keys"
	ActionCreateApproval   ActionType = "create_approval"
	ActionNotifyWebhook    ActionType = "notify_webhook"
)

// Valid reports whether a is a known action type.
func (a ActionType) Valid() bool {
	switch a {
	case ActionDisableAgent, ActionRevokeActiveKeys, ActionCreateApproval, ActionNotifyWebhook:
		return true
	}
	return false
}

// Outcome of one playbook evaluation.
type Outcome string

const (
	OutcomeExecuted Outcome = "executed"
	OutcomeSkipped  Outcome = "skipped"
	OutcomeFailed   Outcome = "failed"
)

// Playbook triggers a remediation action when an event matches.
type Playbook struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspace_id"`
	Name        string `json:"name"`
	Enabled     bool   `json:"enabled"`
	// TriggerDecision empty matches any decision.
	TriggerDecision policy.Decision `json:"trigger_decision,omitempty"`
	MinRiskScore    int             `json:"min_risk_score"`
	MatchSignals    []policy.Signal `json:"match_signals"`
	ActionType      ActionType      `json:"action_type"`
	ActionConfig    map[string]any  `json:"action_config"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Execution records one playbook evaluation against one event.
type Execution struct {
	ID          string    `json:"id"`
	PlaybookID  string    `json:"playbook_id"`
	WorkspaceID string    `json:"workspace_id"`
	EventID     int64     `json:"event_id"`
	ActionType  string    `json:"action_type"`
	Outcome     Outcome   `json:"outcome"`
	Message     string    `json:"message"`
	CreatedAt   time.Time `json:"created_at"`
}

// Trigger is the just-logged event plus the evaluation context that is not
// stored as a first-class event column.
type Trigger struct {
	Event     audit.Event
	RiskScore int
	Signals   []policy.Signal
}

// Store persists playbooks and their executions.
type Store interface {
	Save(ctx context.Context, p Playbook) error
	// ListEnabled returns enabled playbooks for the workspace and global ones,
	// in creation order.
	ListEnabled(ctx context.Context, workspaceID string) ([]Playbook, error)
	RecordExecution(ctx context.Context, e Execution) error
	ListExecutions(ctx context.Context, eventID int64) ([]Execution, error)
}

// AgentControl applies agent-level remediations. Both calls must be idempotent.
type AgentControl interface {
	Disable(ctx context.Context, workspaceID, agentID string) error
	RevokeActiveKeys(ctx context.Context, workspaceID, agentID string) (int, error)
}

// ApprovalCreator opens approval requests for create_approval.
type ApprovalCreator interface {
	CreateRequest(ctx context.Context, nr approval.NewRequest) (approval.Request, error)
}

// Notifier delivers notify_webhook payloads.
type Notifier interface {
	Post(ctx context.Context, url, secret string, payload any) error
}

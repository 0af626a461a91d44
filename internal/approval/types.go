package approval

import (
	"context"
	"errors"
	"time"
)

// Status of an approval request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

// Origin records what minted a request.
type Origin string

const (
	OriginPolicy   Origin = "policy"
	OriginPlaybook Origin = "playbook"
)

// DefaultTTL applies when no TTL is configured or requested.
const DefaultTTL = 15 * time.Minute

var (
	ErrNotFound       = errors.New("approval request not found")
	ErrNotPending     = errors.New("approval request is not pending")
	ErrExpired        = errors.New("approval request expired")
	ErrReasonRequired = errors.New("rejection reason is required")
)

// Request is one approval request.
type Request struct {
	ID             string         `json:"id"`
	WorkspaceID    string         `json:"workspace_id"`
	AgentID        string         `json:"agent_id"`
	Tool           string         `json:"tool"`
	Action         string         `json:"action"`
	Resource       string         `json:"resource,omitempty"`
	Metadata       map[string]any `json:"metadata"`
	Status         Status         `json:"status"`
	Origin         Origin         `json:"origin"`
	PlaybookID     string         `json:"playbook_id,omitempty"`
	Reason         string         `json:"reason,omitempty"`
	RequestedBy    string         `json:"requested_by"`
	RequestedAt    time.Time      `json:"requested_at"`
	ExpiresAt      time.Time      `json:"expires_at"`
	ResolvedBy     string         `json:"resolved_by,omitempty"`
	ResolvedAt     *time.Time     `json:"resolved_at,omitempty"`
	ResolutionNote string         `json:"resolution_note,omitempty"`
	ConsumedAt     *time.Time     `json:"consumed_at,omitempty"`
}

// Expired reports whether the request's window has closed at now.
func (r Request) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Consumable reports whether a request may be consumed by workspaceID/agentID at now.
func (r Request) Consumable(workspaceID, agentID string, now time.Time) bool {
	return r.WorkspaceID == workspaceID &&
		r.AgentID == agentID &&
		r.Status == StatusApproved &&
		r.ConsumedAt == nil &&
		!r.Expired(now)
}

// Resolution moves a pending request to approved or rejected.
type Resolution struct {
	Status Status
	By     string
	Note   string
	At     time.Time
}

// Store persists approval requests. Resolve and Consume must be atomic with
// respect to concurrent callers on the same id.
type Store interface {
	Create(ctx context.Context, req Request) error
	Get(ctx context.Context, id string) (Request, error)
	// Resolve returns ErrNotFound, ErrNotPending, or ErrExpired (after
	// marking the request expired) when the transition is not allowed.
	Resolve(ctx context.Context, id string, res Resolution) (Request, error)
	// Consume reports whether this caller won the single use of an approved request.
	Consume(ctx context.Context, id, workspaceID, agentID string, now time.Time) (bool, error)
	ListPending(ctx context.Context, workspaceID string, now time.Time) ([]Request, error)
}

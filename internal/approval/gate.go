// Package approval implements the human-in-the-loop gate: time-boxed approval
// requests that are resolved once and consumed at most once.
package approval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/yuv2819-cmyk/AgentGuard/internal/policy"
)

// Gate runs the approval request lifecycle.
type Gate struct {
	store Store
	ttl   time.Duration
	now   func() time.Time

	mu       sync.RWMutex
	closed   bool
	notifyCh chan struct{}
}

// NewGate creates approval gate; ttl <= 0 uses DefaultTTL
func NewGate(store Store, ttl time.Duration) *Gate {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Gate{
		store:    store,
		ttl:      ttl,
		now:      time.Now,
		notifyCh: make(chan struct{}, 100),
	}
}

// RequiresApproval reports whether action must pass the gate under rules.
func RequiresApproval(action string, rules policy.RuleSet) bool {
	return policy.IsHighRisk(action) || rules.RequireApprovalActions.Has(action)
}

// Candidate describes an action that was allowed by policy but requires approval.
type Candidate struct {
	WorkspaceID string
	AgentID     string
	Tool        string
	Action      string
	Resource    string
	Metadata    map[string]any
	RequestedBy string
	// RequestID is the prior approval presented by the caller, if any.
	RequestID string
}

// Outcome is the result of passing a candidate through the gate.
type Outcome struct {
	Consumed  bool
	RequestID string
}

// Signal returns the signal that goes with the outcome.
func (o Outcome) Signal() policy.Signal {
	if o.Consumed {
		return policy.SignalHumanApprovalConsumed
	}
	return policy.SignalHumanApprovalRequired
}

// Check consumes the presented approval or, failing that, opens a new pending
// request. A lost consumption race is not an error.
func (g *Gate) Check(ctx context.Context, c Candidate) (Outcome, error) {
	if c.RequestID != "" {
		ok, err := g.store.Consume(ctx, c.RequestID, c.WorkspaceID, c.AgentID, g.now().UTC())
		if err != nil {
			log.Warn().Err(err).Str("approval_id", c.RequestID).Msg("approval consumption failed")
		}
		if ok {
			log.Info().Str("approval_id", c.RequestID).Str("agent_id", c.AgentID).Msg("approval consumed")
			return Outcome{Consumed: true, RequestID: c.RequestID}, nil
		}
	}

	req, err := g.CreateRequest(ctx, NewRequest{
		WorkspaceID: c.WorkspaceID,
		AgentID:     c.AgentID,
		Tool:        c.Tool,
		Action:      c.Action,
		Resource:    c.Resource,
		Metadata:    c.Metadata,
		RequestedBy: c.RequestedBy,
		Origin:      OriginPolicy,
		Reason:      "approval_required",
	})
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{RequestID: req.ID}, nil
}

// NewRequest holds the fields of a request to be opened.
type NewRequest struct {
	WorkspaceID string
	AgentID     string
	Tool        string
	Action      string
	Resource    string
	Metadata    map[string]any
	RequestedBy string
	Origin      Origin
	PlaybookID  string
	Reason      string
	// TTL overrides the gate default when positive.
	TTL time.Duration
}

// CreateRequest opens a pending request and notifies watchers.
func (g *Gate) CreateRequest(ctx context.Context, nr NewRequest) (Request, error) {
	ttl := nr.TTL
	if ttl <= 0 {
		ttl = g.ttl
	}
	origin := nr.Origin
	if origin == "" {
		origin = OriginPolicy
	}
	metadata := nr.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}

	now := g.now().UTC().Truncate(time.Millisecond)
	req := Request{
		ID:          uuid.New().String(),
		WorkspaceID: nr.WorkspaceID,
		AgentID:     nr.AgentID,
		Tool:        nr.Tool,
		Action:      nr.Action,
		Resource:    nr.Resource,
		Metadata:    metadata,
		Status:      StatusPending,
		Origin:      origin,
		PlaybookID:  nr.PlaybookID,
		Reason:      nr.Reason,
		RequestedBy: nr.RequestedBy,
		RequestedAt: now,
		ExpiresAt:   now.Add(ttl),
	}

	if err := g.store.Create(ctx, req); err != nil {
		return Request{}, fmt.Errorf("create approval request: %w", err)
	}

	log.Info().
		Str("approval_id", req.ID).
		Str("workspace_id", req.WorkspaceID).
		Str("agent_id", req.AgentID).
		Str("action", req.Action).
		Str("origin", string(req.Origin)).
		Msg("approval request created")

	g.notifyWatchers()
	return req, nil
}

// Approve resolves a pending request as approved.
func (g *Gate) Approve(ctx context.Context, id, approver, note string) (Request, error) {
	return g.resolve(ctx, id, Resolution{Status: StatusApproved, By: approver, Note: note})
}

// Reject resolves a pending request as rejected. reason is required.
func (g *Gate) Reject(ctx context.Context, id, approver, reason string) (Request, error) {
	if strings.TrimSpace(reason) == "" {
		return Request{}, ErrReasonRequired
	}
	return g.resolve(ctx, id, Resolution{Status: StatusRejected, By: approver, Note: reason})
}

// Get returns ErrNotFound for an unknown id.
func (g *Gate) Get(ctx context.Context, id string) (Request, error) {
	return g.store.Get(ctx, id)
}

// ListPending returns unexpired pending requests; an empty workspaceID lists all.
func (g *Gate) ListPending(ctx context.Context, workspaceID string) ([]Request, error) {
	return g.store.ListPending(ctx, workspaceID, g.now().UTC())
}

// NotifyChannel fires whenever the pending set may have changed.
func (g *Gate) NotifyChannel() <-chan struct{} {
	return g.notifyCh
}

// Close closes the notify channel.
func (g *Gate) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.closed {
		g.closed = true
		close(g.notifyCh)
	}
	return nil
}

func (g *Gate) resolve(ctx context.Context, id string, res Resolution) (Request, error) {
	res.At = g.now().UTC()

	req, err := g.store.Resolve(ctx, id, res)
	if err != nil {
		if errors.Is(err, ErrExpired) {
			g.notifyWatchers()
		}
		return req, err
	}

	log.Info().
		Str("approval_id", id).
		Str("status", string(req.Status)).
		Str("resolved_by", res.By).
		Msg("approval request resolved")

	g.notifyWatchers()
	return req, nil
}

func (g *Gate) notifyWatchers() {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.closed {
		return
	}
	select {
	case g.notifyCh <- struct{}{}:
	default:
	}
}

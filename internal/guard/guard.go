// Package guard runs one inbound agent action through policy, baselines,
// approvals, risk scoring, the audit ledger and remediation playbooks.
package guard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/yuv2819-cmyk/AgentGuard/internal/agent"
	"github.com/yuv2819-cmyk/AgentGuard/internal/approval"
	"github.com/yuv2819-cmyk/AgentGuard/internal/audit"
	"github.com/yuv2819-cmyk/AgentGuard/internal/baseline"
	"github.com/yuv2819-cmyk/AgentGuard/internal/metrics"
	"github.com/yuv2819-cmyk/AgentGuard/internal/playbook"
	"github.com/yuv2819-cmyk/AgentGuard/internal/policy"
	"github.com/yuv2819-cmyk/AgentGuard/internal/risk"
	"github.com/yuv2819-cmyk/AgentGuard/internal/sink"
)

const (
	ReasonAgentDisabled     = "agent_disabled"
	ReasonPolicyNotApproved = "policy_not_approved"
	ReasonAgentLookupFailed = "agent_lookup_failed"
	ReasonApprovalRequired  = "approval_required"
)

const burstWindow = 60 * time.Second

// ActionRequest is an authenticated action an agent wants to perform.
type ActionRequest struct {
	WorkspaceID string         `json:"workspace_id"`
	AgentID     string         `json:"agent_id,omitempty"`
	Tool        string         `json:"tool"`
	Action      string         `json:"action"`
	Resource    string         `json:"resource,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	// ApprovalRequestID presents a previously approved request for consumption.
	ApprovalRequestID string `json:"approval_request_id,omitempty"`
	// ForcedBlockReason is set by the request layer when the caller must be
	// blocked before policy runs, e.g. a revoked credential.
	ForcedBlockReason string `json:"-"`
	RequestedBy       string `json:"requested_by,omitempty"`
}

// Result is returned to the caller once the decision is durably recorded.
type Result struct {
	Decision          policy.Decision `json:"decision"`
	Reason            string          `json:"reason"`
	Signals           []string        `json:"signals"`
	RiskScore         int             `json:"risk_score"`
	ApprovalRequestID string          `json:"approval_request_id,omitempty"`
	EventID           int64           `json:"event_id"`
	EventHash         string          `json:"event_hash"`
}

// Ledger records decisions and counts recent ones.
type Ledger interface {
	Append(ctx context.Context, rec audit.Record) (audit.Event, error)
	CountSince(ctx context.Context, workspaceID, agentID string, since time.Time) (int, error)
}

type AgentDirectory interface {
	Get(ctx context.Context, workspaceID, agentID string) (agent.Agent, error)
}

type PolicySource interface {
	Get(id string) (policy.Policy, bool)
}

type Baselines interface {
	Lookup(ctx context.Context, key baseline.Key) (*baseline.Baseline, error)
	Update(ctx context.Context, key baseline.Key, observedRisk, observedCallsPerMinute float64) (baseline.Baseline, error)
}

type Approvals interface {
	Check(ctx context.Context, c approval.Candidate) (approval.Outcome, error)
}

type Playbooks interface {
	Run(ctx context.Context, trig playbook.Trigger) []playbook.Execution
}

type Dispatcher interface {
	Dispatch(rec sink.Record)
}

// Dependencies wires a Service. Ledger, Baselines and Approvals are required;
// the rest may be nil.
type Dependencies struct {
	Ledger    Ledger
	Agents    AgentDirectory
	Policies  PolicySource
	Baselines Baselines
	Approvals Approvals
	Playbooks Playbooks
	Sink      Dispatcher
}

// Service is the evaluate-and-log pipeline.
type Service struct {
	deps Dependencies
	now  func() time.Time
}

// NewService creates guard service
func NewService(deps Dependencies) *Service {
	return &Service{deps: deps, now: time.Now}
}

// Evaluate decides, records and reacts to one action request. Only a failure
// to append the audit event is returned as an error.
func (s *Service) Evaluate(ctx context.Context, req ActionRequest) (Result, error) {
	start := time.Now()
	now := s.now().UTC()

	burst, err := s.deps.Ledger.CountSince(ctx, req.WorkspaceID, req.AgentID, now.Add(-burstWindow))
	if err != nil {
		log.Warn().Err(err).Str("workspace_id", req.WorkspaceID).Msg("burst rate unavailable")
		burst = 0
	}

	key := baseline.Key{AgentID: req.AgentID, Tool: req.Tool, Action: req.Action}
	base, err := s.deps.Baselines.Lookup(ctx, key)
	if err != nil {
		log.Warn().Err(err).Str("agent_id", req.AgentID).Msg("baseline lookup failed")
		base = nil
	}

	decision, rules := s.decide(ctx, req, burst)
	decision.Signals = policy.AppendSignals(decision.Signals, baseline.Signals(base, burst, req.Action, now)...)

	var approvalID string
	if decision.Decision == policy.DecisionAllow && approval.RequiresApproval(req.Action, rules) {
		approvalID = s.gate(ctx, req, &decision)
	}

	in := risk.Input{
		Signals:      decision.Signals,
		Action:       req.Action,
		Decision:     decision.Decision,
		BurstRate:    burst,
		IsOffHours:   baseline.IsOffHours(now),
		IsNewPattern: baseline.IsNewPattern(base),
	}
	if base != nil {
		in.BaselineAvgPerMinute = base.AvgCallsPerMinute
		in.BaselineAvgRiskScore = base.AvgRiskScore
	}
	score := risk.Score(in)
	signals := policy.SignalStrings(decision.Signals)

	event, err := s.deps.Ledger.Append(ctx, audit.Record{
		WorkspaceID:    req.WorkspaceID,
		AgentID:        req.AgentID,
		Tool:           req.Tool,
		Action:         req.Action,
		Resource:       req.Resource,
		Decision:       decision.Decision,
		Reason:         decision.Reason,
		Metadata:       eventMetadata(req, signals, score, approvalID, burst),
		AnomalyFlagged: len(signals) > 0,
	})
	if err != nil {
		metrics.RecordLedgerFailure()
		log.Error().Err(err).Str("workspace_id", req.WorkspaceID).Str("agent_id", req.AgentID).Msg("audit append failed")
		return Result{}, fmt.Errorf("append audit event: %w", err)
	}

	if _, err := s.deps.Baselines.Update(ctx, key, float64(score), float64(burst)); err != nil {
		log.Warn().Err(err).Str("agent_id", req.AgentID).Str("tool", req.Tool).Msg("baseline update failed")
	}

	if s.deps.Playbooks != nil {
		s.deps.Playbooks.Run(ctx, playbook.Trigger{Event: event, RiskScore: score, Signals: decision.Signals})
	}

	if s.deps.Sink != nil {
		s.deps.Sink.Dispatch(sink.Record{
			EventID:           event.ID,
			WorkspaceID:       event.WorkspaceID,
			AgentID:           event.AgentID,
			Tool:              event.Tool,
			Action:            event.Action,
			Resource:          event.Resource,
			Decision:          string(event.Decision),
			Reason:            event.Reason,
			Signals:           signals,
			RiskScore:         score,
			ApprovalRequestID: approvalID,
			Hash:              event.Hash,
			PrevHash:          event.PrevHash,
			CreatedAt:         audit.FormatTimestamp(event.CreatedAt),
		})
	}

	metrics.RecordDecision(string(decision.Decision), decision.Reason, score, signals, time.Since(start))

	log.Debug().
		Str("workspace_id", req.WorkspaceID).
		Str("agent_id", req.AgentID).
		Str("action", req.Action).
		Str("decision", string(decision.Decision)).
		Str("reason", decision.Reason).
		Int("risk_score", score).
		Int64("event_id", event.ID).
		Msg("action evaluated")

	return Result{
		Decision:          decision.Decision,
		Reason:            decision.Reason,
		Signals:           signals,
		RiskScore:         score,
		ApprovalRequestID: approvalID,
		EventID:           event.ID,
		EventHash:         event.Hash,
	}, nil
}

// decide resolves the base decision and the rule set it was made under.
func (s *Service) decide(ctx context.Context, req ActionRequest, burst int) (policy.Result, policy.RuleSet) {
	rules := policy.DefaultRules()

	if req.ForcedBlockReason != "" {
		return blocked(req.ForcedBlockReason), rules
	}

	if s.deps.Agents != nil && req.AgentID != "" {
		a, err := s.deps.Agents.Get(ctx, req.WorkspaceID, req.AgentID)
		switch {
		case errors.Is(err, agent.ErrNotFound):
		case err != nil:
			log.Error().Err(err).Str("agent_id", req.AgentID).Msg("agent lookup failed")
			return blocked(ReasonAgentLookupFailed), rules
		case a.Status == agent.StatusDisabled:
			return blocked(ReasonAgentDisabled), rules
		case a.PolicyID != "":
			p, ok := s.lookupPolicy(a.PolicyID)
			if !ok || !p.Approved() {
				return blocked(ReasonPolicyNotApproved), rules
			}
			rules = p.Rules
		}
	}

	return policy.Evaluate(rules, policy.RequestContext{
		Tool:      req.Tool,
		Action:    req.Action,
		Resource:  req.Resource,
		Metadata:  req.Metadata,
		BurstRate: burst,
	}), rules
}

func (s *Service) lookupPolicy(id string) (policy.Policy, bool) {
	if s.deps.Policies == nil {
		return policy.Policy{}, false
	}
	return s.deps.Policies.Get(id)
}

// gate runs the approval check and downgrades decision when no approval was
// consumed. It returns the approval id to hand back to the caller.
func (s *Service) gate(ctx context.Context, req ActionRequest, decision *policy.Result) string {
	out, err := s.deps.Approvals.Check(ctx, approval.Candidate{
		WorkspaceID: req.WorkspaceID,
		AgentID:     req.AgentID,
		Tool:        req.Tool,
		Action:      req.Action,
		Resource:    req.Resource,
		Metadata:    req.Metadata,
		RequestedBy: req.RequestedBy,
		RequestID:   req.ApprovalRequestID,
	})
	if err != nil {
		log.Error().Err(err).Str("agent_id", req.AgentID).Str("action", req.Action).Msg("approval request could not be opened")
		decision.Decision = policy.DecisionBlock
		decision.Reason = ReasonApprovalRequired
		decision.Signals = policy.AppendSignals(decision.Signals, policy.SignalHumanApprovalRequired)
		return ""
	}

	decision.Signals = policy.AppendSignals(decision.Signals, out.Signal())
	if !out.Consumed {
		decision.Decision = policy.DecisionBlock
		decision.Reason = ReasonApprovalRequired
	}
	return out.RequestID
}

func blocked(reason string) policy.Result {
	return policy.Result{Decision: policy.DecisionBlock, Reason: reason, Signals: []policy.Signal{}}
}

// eventMetadata merges caller metadata with the evaluation context. Evaluation
// keys win over caller keys of the same name.
func eventMetadata(req ActionRequest, signals []string, score int, approvalID string, burst int) map[string]any {
	md := make(map[string]any, len(req.Metadata)+5)
	for k, v := range req.Metadata {
		md[k] = v
	}

	md["signals"] = signals
	md["risk_score"] = score
	md["burst_rate"] = burst
	if approvalID != "" {
		md["approval_request_id"] = approvalID
	}
	if req.RequestedBy != "" {
		md["requested_by"] = req.RequestedBy
	}
	return md
}

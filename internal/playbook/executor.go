package playbook

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/yuv2819-cmyk/AgentGuard/internal/approval"
	"github.com/yuv2819-cmyk/AgentGuard/internal/audit"
	"github.com/yuv2819-cmyk/AgentGuard/internal/metrics"
	"github.com/yuv2819-cmyk/AgentGuard/internal/policy"
)

const (
	defaultApprovalTTLMinutes = 15
	maxApprovalTTLMinutes     = 7 * 24 * 60
)

// Executor runs the playbooks of a workspace against freshly logged events.
type Executor struct {
	store     Store
	agents    AgentControl
	approvals ApprovalCreator
	notifier  Notifier

	webhookTimeout time.Duration
	now            func() time.Time
	wg             sync.WaitGroup
}

// NewExecutor creates playbook executor
func NewExecutor(store Store, agents AgentControl, approvals ApprovalCreator, notifier Notifier, webhookTimeout time.Duration) *Executor {
	if webhookTimeout <= 0 {
		webhookTimeout = 5 * time.Second
	}
	return &Executor{
		store:          store,
		agents:         agents,
		approvals:      approvals,
		notifier:       notifier,
		webhookTimeout: webhookTimeout,
		now:            time.Now,
	}
}

// Run evaluates every enabled playbook against the trigger. A failing or
// skipped playbook never stops the rest.
func (e *Executor) Run(ctx context.Context, trig Trigger) []Execution {
	playbooks, err := e.store.ListEnabled(ctx, trig.Event.WorkspaceID)
	if err != nil {
		log.Error().Err(err).Str("workspace_id", trig.Event.WorkspaceID).Msg("failed to list playbooks")
		return nil
	}

	executions := make([]Execution, 0, len(playbooks))
	for _, pb := range playbooks {
		outcome, msg := e.evaluate(ctx, pb, trig)

		exec := Execution{
			ID:          ulid.Make().String(),
			PlaybookID:  pb.ID,
			WorkspaceID: trig.Event.WorkspaceID,
			EventID:     trig.Event.ID,
			ActionType:  string(pb.ActionType),
			Outcome:     outcome,
			Message:     msg,
			CreatedAt:   e.now().UTC(),
		}
		executions = append(executions, exec)
		metrics.RecordPlaybookRun(exec.ActionType, string(outcome))

		if outcome == OutcomeFailed {
			log.Warn().Str("playbook_id", pb.ID).Int64("event_id", trig.Event.ID).Str("message", msg).Msg("playbook failed")
		}

		if err := e.store.RecordExecution(ctx, exec); err != nil {
			log.Warn().Err(err).Str("playbook_id", pb.ID).Msg("failed to record playbook execution")
		}
	}

	return executions
}

// Wait blocks until detached webhook deliveries finish.
func (e *Executor) Wait() {
	e.wg.Wait()
}

func (e *Executor) evaluate(ctx context.Context, pb Playbook, trig Trigger) (outcome Outcome, msg string) {
	if reason, ok := Matches(pb, trig); !ok {
		return OutcomeSkipped, reason
	}

	defer func() {
		if r := recover(); r != nil {
			outcome, msg = OutcomeFailed, fmt.Sprintf("panic: %v", r)
		}
	}()

	if err := e.dispatch(ctx, pb, trig); err != nil {
		return OutcomeFailed, err.Error()
	}
	return OutcomeExecuted, executedMessage(pb.ActionType)
}

// Matches reports whether every condition of pb holds for trig, or why not.
func Matches(pb Playbook, trig Trigger) (string, bool) {
	if pb.TriggerDecision != "" && pb.TriggerDecision != trig.Event.Decision {
		return "decision did not match", false
	}
	if trig.RiskScore < pb.MinRiskScore {
		return fmt.Sprintf("risk score %d below %d", trig.RiskScore, pb.MinRiskScore), false
	}
	for _, want := range pb.MatchSignals {
		if !policy.HasSignal(trig.Signals, want) {
			return fmt.Sprintf("signal %s not present", want), false
		}
	}
	return "", true
}

func (e *Executor) dispatch(ctx context.Context, pb Playbook, trig Trigger) error {
	ev := trig.Event

	switch pb.ActionType {
	case ActionDisableAgent:
		if ev.AgentID == "" {
			return fmt.Errorf("event has no agent")
		}
		return e.agents.Disable(ctx, ev.WorkspaceID, ev.AgentID)

	case ActionRevokeActiveKeys:
		if ev.AgentID == "" {
			return fmt.Errorf("event has no agent")
		}
		_, err := e.agents.RevokeActiveKeys(ctx, ev.WorkspaceID, ev.AgentID)
		return err

	case ActionCreateApproval:
		_, err := e.approvals.CreateRequest(ctx, approval.NewRequest{
			WorkspaceID: ev.WorkspaceID,
			AgentID:     ev.AgentID,
			Tool:        ev.Tool,
			Action:      ev.Action,
			Resource:    ev.Resource,
			Metadata:    ev.Metadata,
			RequestedBy: "playbook:" + pb.ID,
			Origin:      approval.OriginPlaybook,
			PlaybookID:  pb.ID,
			Reason:      pb.Name,
			TTL:         time.Duration(ttlMinutes(pb.ActionConfig)) * time.Minute,
		})
		return err

	case ActionNotifyWebhook:
		url := configString(pb.ActionConfig, "url")
		if url == "" {
			return fmt.Errorf("webhook url is not configured")
		}
		e.notify(pb, url, configString(pb.ActionConfig, "secret"), webhookPayload(pb, trig, e.now()))
		return nil

	default:
		return fmt.Errorf("unsupported action type %q", pb.ActionType)
	}
}

// notify delivers from a detached goroutine so the request path never waits
// on the remote endpoint.
func (e *Executor) notify(pb Playbook, url, secret string, payload map[string]any) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), e.webhookTimeout)
		defer cancel()

		if err := e.notifier.Post(ctx, url, secret, payload); err != nil {
			log.Warn().Err(err).Str("playbook_id", pb.ID).Str("url", url).Msg("webhook delivery failed")
			return
		}
		log.Debug().Str("playbook_id", pb.ID).Msg("webhook delivered")
	}()
}

func webhookPayload(pb Playbook, trig Trigger, now time.Time) map[string]any {
	ev := trig.Event
	return map[string]any{
		"playbookId":  pb.ID,
		"workspaceId": ev.WorkspaceID,
		"agentId":     ev.AgentID,
		"eventId":     ev.ID,
		"decision":    ev.Decision,
		"riskScore":   trig.RiskScore,
		"signals":     policy.SignalStrings(trig.Signals),
		"tool":        ev.Tool,
		"action":      ev.Action,
		"resource":    ev.Resource,
		"metadata":    ev.Metadata,
		"timestamp":   audit.FormatTimestamp(now),
	}
}

func executedMessage(t ActionType) string {
	switch t {
	case ActionDisableAgent:
		return "agent disabled"
	case ActionRevokeActiveKeys:
		return "active keys revoked"
	case ActionCreateApproval:
		return "approval request created"
	case ActionNotifyWebhook:
		return "webhook dispatched"
	}
	return "executed"
}

// ttlMinutes reads actionConfig.ttlMinutes, defaulting to 15, clamped to
// [1, 7 days].
func ttlMinutes(cfg map[string]any) int {
	v, ok := cfg["ttlMinutes"]
	if !ok {
		v, ok = cfg["ttl_minutes"]
	}
	if !ok {
		return defaultApprovalTTLMinutes
	}

	var n float64
	switch t := v.(type) {
	case int:
		n = float64(t)
	case int64:
		n = float64(t)
	case float64:
		n = t
	case string:
		if _, err := fmt.Sscanf(t, "%g", &n); err != nil {
			return defaultApprovalTTLMinutes
		}
	default:
		return defaultApprovalTTLMinutes
	}

	if math.IsNaN(n) {
		return defaultApprovalTTLMinutes
	}
	return int(math.Max(1, math.Min(maxApprovalTTLMinutes, math.Floor(n))))
}

func configString(cfg map[string]any, key string) string {
	s, _ := cfg[key].(string)
	return s
}

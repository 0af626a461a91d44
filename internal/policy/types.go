package policy

import "sort"

// Mode controls how allowlists are enforced.
type Mode string

const (
	ModeStrict   Mode = "strict"
	ModeBalanced Mode = "balanced"
)

// Decision is the gate outcome for one action request.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionBlock Decision = "block"
)

// Valid reports whether d is allow or block.
func (d Decision) Valid() bool {
	return d == DecisionAllow || d == DecisionBlock
}

// Signal is a fixed-vocabulary anomaly indicator attached to an evaluation.
type Signal string

const (
	SignalHighRiskAction        Signal = "high_risk_action"
	SignalUnknownTool           Signal = "unknown_tool"
	SignalBurstRate             Signal = "burst_rate"
	SignalBehaviorDrift         Signal = "behavior_drift"
	SignalOffHoursExecution     Signal = "off_hours_execution"
	SignalNewActionPattern      Signal = "new_action_pattern"
	SignalHumanApprovalRequired Signal = "human_approval_required"
	SignalHumanApprovalConsumed Signal = "human_approval_consumed"
)

// Reasons produced by Evaluate.
const (
	ReasonActionDenied         = "action_denied_by_policy"
	ReasonToolDenied           = "tool_denied_by_policy"
	ReasonActionNotAllowlisted = "action_not_allowlisted_strict"
	ReasonToolNotAllowlisted   = "tool_not_allowlisted_strict"
	ReasonAllowed              = "allowed_by_policy_engine"
)

// BurstThreshold is the trailing-minute call count that raises burst_rate.
const BurstThreshold = 5

var highRiskActions = NewSet("delete", "drop", "transfer_funds", "write_prod", "admin_override", "terminate")

// IsHighRisk reports whether action belongs to the fixed high-risk vocabulary.
func IsHighRisk(action string) bool {
	return highRiskActions.Has(action)
}

// Set is an unordered string set.
type Set map[string]struct{}

// NewSet builds a set from items.
func NewSet(items ...string) Set {
	s := make(Set, len(items))
	for _, item := range items {
		s[item] = struct{}{}
	}
	return s
}

// Has reports whether item is in the set.
func (s Set) Has(item string) bool {
	_, ok := s[item]
	return ok
}

// Empty reports whether the set has no items.
func (s Set) Empty() bool {
	return len(s) == 0
}

// Items returns the members in sorted order.
func (s Set) Items() []string {
	items := make([]string, 0, len(s))
	for item := range s {
		items = append(items, item)
	}
	sort.Strings(items)
	return items
}

// RuleSet is the normalized policy shape consumed by Evaluate.
// Deny lists always override allow lists, whatever the mode.
type RuleSet struct {
	Mode                   Mode
	AllowActions           Set
	DenyActions            Set
	AllowTools             Set
	DenyTools              Set
	RequireApprovalActions Set
}

// DefaultRules is the permissive rule set used when an agent has no assigned policy.
func DefaultRules() RuleSet {
	return Normalize(nil)
}

// RequestContext is the per-request input to Evaluate.
type RequestContext struct {
	Tool      string         `json:"tool"`
	Action    string         `json:"action"`
	Resource  string         `json:"resource,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	BurstRate int            `json:"burst_rate"`
}

// Result is the policy verdict with the signals detected along the way.
type Result struct {
	Decision Decision `json:"decision"`
	Reason   string   `json:"reason"`
	Signals  []Signal `json:"signals"`
}

// AppendSignals adds signals to list, skipping ones already present.
func AppendSignals(list []Signal, signals ...Signal) []Signal {
	for _, s := range signals {
		if !HasSignal(list, s) {
			list = append(list, s)
		}
	}
	return list
}

// HasSignal reports whether s is in list.
func HasSignal(list []Signal, s Signal) bool {
	for _, existing := range list {
		if existing == s {
			return true
		}
	}
	return false
}

// SignalStrings converts signals for storage and wire payloads.
func SignalStrings(list []Signal) []string {
	out := make([]string, len(list))
	for i, s := range list {
		out[i] = string(s)
	}
	return out
}

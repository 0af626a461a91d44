package policy

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

var ruleKeys = map[string][]string{
	"allow_actions":            {"allow_actions", "allowActions"},
	"deny_actions":             {"deny_actions", "denyActions"},
	"allow_tools":              {"allow_tools", "allowTools"},
	"deny_tools":               {"deny_tools", "denyTools"},
	"require_approval_actions": {"require_approval_actions", "requireApprovalActions"},
}

// Normalize turns a loosely-shaped rule document into a RuleSet.
// Missing or malformed fields become empty sets; any mode other than
// "strict" becomes Balanced. It never fails.
func Normalize(raw map[string]any) RuleSet {
	rules := RuleSet{
		Mode:                   ModeBalanced,
		AllowActions:           lookupSet(raw, "allow_actions"),
		DenyActions:            lookupSet(raw, "deny_actions"),
		AllowTools:             lookupSet(raw, "allow_tools"),
		DenyTools:              lookupSet(raw, "deny_tools"),
		RequireApprovalActions: lookupSet(raw, "require_approval_actions"),
	}

	if mode, ok := raw["mode"].(string); ok && strings.EqualFold(strings.TrimSpace(mode), string(ModeStrict)) {
		rules.Mode = ModeStrict
	}

	return rules
}

// ParseRules decodes a YAML or JSON rule document and normalizes it.
func ParseRules(data []byte) (RuleSet, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return RuleSet{}, fmt.Errorf("parse rules: %w", err)
	}
	return Normalize(raw), nil
}

// Raw renders rules back into the document shape accepted by Normalize.
func (r RuleSet) Raw() map[string]any {
	mode := r.Mode
	if mode == "" {
		mode = ModeBalanced
	}
	return map[string]any{
		"mode":                     string(mode),
		"allow_actions":            r.AllowActions.Items(),
		"deny_actions":             r.DenyActions.Items(),
		"allow_tools":              r.AllowTools.Items(),
		"deny_tools":               r.DenyTools.Items(),
		"require_approval_actions": r.RequireApprovalActions.Items(),
	}
}

func lookupSet(raw map[string]any, field string) Set {
	for _, key := range ruleKeys[field] {
		if v, ok := raw[key]; ok {
			return toSet(v)
		}
	}
	return NewSet()
}

func toSet(v any) Set {
	switch val := v.(type) {
	case string:
		return stringsToSet([]string{val})
	case []string:
		return stringsToSet(val)
	case []any:
		items := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := item.(string); ok {
				items = append(items, s)
			}
		}
		return stringsToSet(items)
	default:
		return NewSet()
	}
}

func stringsToSet(items []string) Set {
	s := NewSet()
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item != "" {
			s[item] = struct{}{}
		}
	}
	return s
}

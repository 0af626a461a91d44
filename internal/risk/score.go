// Package risk computes the integer risk score attached to every audited decision.
package risk

import (
	"math"

	"github.com/yuv2819-cmyk/AgentGuard/internal/policy"
)

const (
	MinScore = 0
	MaxScore = 100

	baseScore = 5
)

var signalWeights = map[policy.Signal]int{
	policy.SignalUnknownTool:       20,
	policy.SignalBurstRate:         20,
	policy.SignalBehaviorDrift:     15,
	policy.SignalOffHoursExecution: 10,
	policy.SignalNewActionPattern:  12,
}

// Input carries everything Score needs. Baseline averages are zero when no
// baseline exists yet.
type Input struct {
	Signals              []policy.Signal
	Action               string
	Decision             policy.Decision
	BurstRate            int
	BaselineAvgPerMinute float64
	BaselineAvgRiskScore float64
	IsOffHours           bool
	IsNewPattern         bool
}

// Score is deterministic and cumulative: every contribution is non-negative,
// so adding a signal never lowers the result. The result is clamped to [0,100].
//
// The high-risk action penalty is tied to the action itself and is applied
// independently of the high_risk_action signal.
func Score(in Input) int {
	score := baseScore

	if policy.IsHighRisk(in.Action) {
		score += 45
	}

	seen := make(map[policy.Signal]bool, len(in.Signals))
	for _, s := range in.Signals {
		if seen[s] {
			continue
		}
		seen[s] = true
		score += signalWeights[s]
	}

	if in.Decision == policy.DecisionBlock {
		score += 10
	}

	score += burstMultiplierPenalty(in.BurstRate, in.BaselineAvgPerMinute)

	if in.Decision == policy.DecisionAllow && in.BaselineAvgRiskScore > 0 {
		score += int(math.Round(math.Min(8, in.BaselineAvgRiskScore/20)))
	}

	if in.IsOffHours {
		score += 5
	}
	if in.IsNewPattern {
		score += 5
	}

	return clamp(score)
}

func burstMultiplierPenalty(burstRate int, avgPerMinute float64) int {
	if burstRate <= 0 || avgPerMinute <= 0 {
		return 0
	}

	ratio := float64(burstRate) / math.Max(1, avgPerMinute)
	switch {
	case ratio >= 3:
		return 12
	case ratio >= 2:
		return 6
	default:
		return 0
	}
}

func clamp(score int) int {
	if score < MinScore {
		return MinScore
	}
	if score > MaxScore {
		return MaxScore
	}
	return score
}

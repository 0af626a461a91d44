// Package baseline keeps running per (agent, tool, action) statistics and
// derives drift, novelty and off-hours signals from them.
package baseline

import (
	"context"
	"time"
)

// Key identifies one baseline.
type Key struct {
	AgentID string
	Tool    string
	Action  string
}

// Baseline holds running statistics of one (agent, tool, action).
type Baseline struct {
	Key
	AvgRiskScore      float64   `json:"avg_risk_score"`
	AvgCallsPerMinute float64   `json:"avg_calls_per_minute"`
	SampleCount       int       `json:"sample_count"`
	LastSeenAt        time.Time `json:"last_seen_at"`
}

// Store persists baselines. Get returns (nil, nil) when no baseline exists.
type Store interface {
	Get(ctx context.Context, key Key) (*Baseline, error)
	Put(ctx context.Context, b Baseline) error
}

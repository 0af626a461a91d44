package audit

import (
	"context"
	"errors"
	"time"

	"github.com/yuv2819-cmyk/AgentGuard/internal/policy"
)

// GenesisHash seeds every workspace chain.
const GenesisHash = "GENESIS"

// ErrChainConflict means the chain tail moved between read and write.
var ErrChainConflict = errors.New("audit chain tail changed concurrently")

// Record is the caller-supplied part of an audit event.
type Record struct {
	WorkspaceID    string
	AgentID        string
	Tool           string
	Action         string
	Resource       string
	Decision       policy.Decision
	Reason         string
	Metadata       map[string]any
	AnomalyFlagged bool
}

// Event is an appended, hash-chained audit record.
type Event struct {
	ID             int64           `json:"id"`
	WorkspaceID    string          `json:"workspace_id"`
	AgentID        string          `json:"agent_id,omitempty"`
	Tool           string          `json:"tool"`
	Action         string          `json:"action"`
	Resource       string          `json:"resource,omitempty"`
	Decision       policy.Decision `json:"decision"`
	Reason         string          `json:"reason"`
	Metadata       map[string]any  `json:"metadata"`
	AnomalyFlagged bool            `json:"anomaly_flagged"`
	PrevHash       string          `json:"prev_hash"`
	Hash           string          `json:"hash"`
	CreatedAt      time.Time       `json:"created_at"`
}

// ChainState is the tail of one workspace chain.
type ChainState struct {
	WorkspaceID string `json:"workspace_id"`
	LastEventID int64  `json:"last_event_id"`
	LastHash    string `json:"last_hash"`
	Version     int64  `json:"version"`
}

// Query selects events of one workspace ordered by time then id.
type Query struct {
	WorkspaceID string
	AgentID     string
	From        time.Time
	To          time.Time
	// Limit of zero returns every matching event.
	Limit int
}

// Ledger is the append-only audit log.
type Ledger interface {
	Append(ctx context.Context, rec Record) (Event, error)
	Query(ctx context.Context, q Query) ([]Event, error)
	CountSince(ctx context.Context, workspaceID, agentID string, since time.Time) (int, error)
	Head(ctx context.Context, workspaceID string) (ChainState, error)
}

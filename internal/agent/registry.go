// Package agent stores agent status, assigned policy and credentials.
package agent

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/yuv2819-cmyk/AgentGuard/internal/storage"
)

// Status of an agent.
type Status string

const (
	StatusActive   Status = "active"
	StatusDisabled Status = "disabled"
)

// KeyStatus of an agent key.
type KeyStatus string

const (
	KeyActive  KeyStatus = "active"
	KeyRevoked KeyStatus = "revoked"
)

var (
	ErrNotFound    = errors.New("agent not found")
	ErrKeyNotFound = errors.New("agent key not found")
)

// Reasons returned by Authenticate for a credential that must not be used.
const (
	ReasonCredentialMissing  = "credential_missing"
	ReasonCredentialUnknown  = "credential_unknown"
	ReasonCredentialRevoked  = "credential_revoked"
	ReasonCredentialMismatch = "credential_mismatch"
)

// Agent is an automated actor whose actions are gated.
type Agent struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspace_id"`
	Name        string    `json:"name"`
	Status      Status    `json:"status"`
	PolicyID    string    `json:"policy_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Key is a credential issued to an agent. Its ID is the secret the agent presents.
type Key struct {
	ID          string     `json:"id"`
	WorkspaceID string     `json:"workspace_id"`
	AgentID     string     `json:"agent_id"`
	Label       string     `json:"label"`
	Status      KeyStatus  `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty"`
}

const (
	tableAgents = `
		CREATE TABLE IF NOT EXISTS agents (
			workspace_id TEXT NOT NULL,
			id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL CHECK(status IN ('active', 'disabled')),
			policy_id TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (workspace_id, id)
		)`

	tableKeys = `
		CREATE TABLE IF NOT EXISTS agent_keys (
			id TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			label TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL CHECK(status IN ('active', 'revoked')),
			created_at INTEGER NOT NULL,
			revoked_at INTEGER
		)`

	indexKeysAgent = `
		CREATE INDEX IF NOT EXISTS idx_agent_keys_agent ON agent_keys(workspace_id, agent_id, status)`

	queryUpsertAgent = `
		INSERT INTO agents (workspace_id, id, name, status, policy_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (workspace_id, id) DO UPDATE SET
			name = excluded.name,
			status = excluded.status,
			policy_id = excluded.policy_id,
			updated_at = excluded.updated_at`

	querySelectAgent = `
		SELECT id, workspace_id, name, status, policy_id, created_at, updated_at
		FROM agents WHERE workspace_id = ? AND id = ?`

	queryDisable = `
		INSERT INTO agents (workspace_id, id, status, created_at, updated_at)
		VALUES (?, ?, 'disabled', ?, ?)
		ON CONFLICT (workspace_id, id) DO UPDATE SET
			status = 'disabled',
			updated_at = excluded.updated_at
		WHERE agents.status <> 'disabled'`

	queryInsertKey = `
		INSERT INTO agent_keys (id, workspace_id, agent_id, label, status, created_at)
		VALUES (?, ?, ?, ?, 'active', ?)`

	queryRevokeKeys = `
		UPDATE agent_keys SET status = 'revoked', revoked_at = ?
		WHERE workspace_id = ? AND agent_id = ? AND status = 'active'`

	querySelectKeys = `
		SELECT id, workspace_id, agent_id, label, status, created_at, revoked_at
		FROM agent_keys WHERE workspace_id = ? AND agent_id = ?
		ORDER BY created_at, id`

	querySelectKey = `
		SELECT id, workspace_id, agent_id, label, status, created_at, revoked_at
		FROM agent_keys WHERE id = ?`
)

// Registry is the SQLite-backed agent directory.
type Registry struct {
	db  *sql.DB
	now func() time.Time
}

// NewRegistry creates the agent tables if needed.
func NewRegistry(db *sql.DB) (*Registry, error) {
	if err := storage.Migrate(db, []string{tableAgents, tableKeys, indexKeysAgent}); err != nil {
		return nil, fmt.Errorf("agent schema: %w", err)
	}
	return &Registry{db: db, now: time.Now}, nil
}

// Register creates or replaces an agent record.
func (r *Registry) Register(ctx context.Context, a Agent) (Agent, error) {
	if a.WorkspaceID == "" || a.ID == "" {
		return Agent{}, fmt.Errorf("workspace_id and id are required")
	}
	if a.Status == "" {
		a.Status = StatusActive
	}

	now := r.now().UTC().Truncate(time.Millisecond)
	err := storage.WithRetry(ctx, func() error {
		_, err := r.db.ExecContext(ctx, queryUpsertAgent,
			a.WorkspaceID, a.ID, a.Name, string(a.Status), a.PolicyID,
			storage.Millis(now), storage.Millis(now))
		return err
	})
	if err != nil {
		return Agent{}, fmt.Errorf("register agent: %w", err)
	}
	return r.Get(ctx, a.WorkspaceID, a.ID)
}

// Get returns ErrNotFound for an agent that has no record.
func (r *Registry) Get(ctx context.Context, workspaceID, agentID string) (Agent, error) {
	var (
		a                    Agent
		status               string
		createdAt, updatedAt int64
	)
	err := r.db.QueryRowContext(ctx, querySelectAgent, workspaceID, agentID).
		Scan(&a.ID, &a.WorkspaceID, &a.Name, &status, &a.PolicyID, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Agent{}, ErrNotFound
	}
	if err != nil {
		return Agent{}, fmt.Errorf("query agent: %w", err)
	}

	a.Status = Status(status)
	a.CreatedAt = storage.FromMillis(createdAt)
	a.UpdatedAt = storage.FromMillis(updatedAt)
	return a, nil
}

// Disable marks the agent disabled. Repeated calls are no-ops; an agent that
// was never registered is recorded as disabled.
func (r *Registry) Disable(ctx context.Context, workspaceID, agentID string) error {
	now := storage.Millis(r.now())
	var changed int64
	err := storage.WithRetry(ctx, func() error {
		res, err := r.db.ExecContext(ctx, queryDisable, workspaceID, agentID, now, now)
		if err != nil {
			return err
		}
		changed, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("disable agent: %w", err)
	}

	if changed > 0 {
		log.Info().Str("workspace_id", workspaceID).Str("agent_id", agentID).Msg("agent disabled")
	}
	return nil
}

// AddKey issues a new active credential record for the agent.
func (r *Registry) AddKey(ctx context.Context, workspaceID, agentID, label string) (Key, error) {
	k := Key{
		ID:          uuid.New().String(),
		WorkspaceID: workspaceID,
		AgentID:     agentID,
		Label:       label,
		Status:      KeyActive,
		CreatedAt:   r.now().UTC().Truncate(time.Millisecond),
	}

	err := storage.WithRetry(ctx, func() error {
		_, err := r.db.ExecContext(ctx, queryInsertKey, k.ID, k.WorkspaceID, k.AgentID, k.Label, storage.Millis(k.CreatedAt))
		return err
	})
	if err != nil {
		return Key{}, fmt.Errorf("insert key: %w", err)
	}
	return k, nil
}

// RevokeActiveKeys revokes every active key of the agent and reports how many changed.
func (r *Registry) RevokeActiveKeys(ctx context.Context, workspaceID, agentID string) (int, error) {
	var changed int64
	err := storage.WithRetry(ctx, func() error {
		res, err := r.db.ExecContext(ctx, queryRevokeKeys, storage.Millis(r.now()), workspaceID, agentID)
		if err != nil {
			return err
		}
		changed, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("revoke keys: %w", err)
	}

	if changed > 0 {
		log.Info().Str("workspace_id", workspaceID).Str("agent_id", agentID).Int64("revoked", changed).Msg("agent keys revoked")
	}
	return int(changed), nil
}

// Keys lists every key of the agent, oldest first.
func (r *Registry) Keys(ctx context.Context, workspaceID, agentID string) ([]Key, error) {
	rows, err := r.db.QueryContext(ctx, querySelectKeys, workspaceID, agentID)
	if err != nil {
		return nil, fmt.Errorf("query keys: %w", err)
	}
	defer rows.Close()

	keys := make([]Key, 0)
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return keys, nil
}

// LookupKey returns the key with the given id.
func (r *Registry) LookupKey(ctx context.Context, keyID string) (Key, error) {
	k, err := scanKey(r.db.QueryRowContext(ctx, querySelectKey, keyID))
	if errors.Is(err, sql.ErrNoRows) {
		return Key{}, ErrKeyNotFound
	}
	if err != nil {
		return Key{}, fmt.Errorf("query key: %w", err)
	}
	return k, nil
}

// Authenticate checks the key an agent presented for workspaceID. It returns
// an empty reason when the key is active and belongs to the agent, or the
// reason the request must be blocked. When agentID is empty the key's agent
// is returned so callers can attribute the request.
func (r *Registry) Authenticate(ctx context.Context, workspaceID, agentID, keyID string) (string, string, error) {
	if keyID == "" {
		return agentID, ReasonCredentialMissing, nil
	}

	k, err := r.LookupKey(ctx, keyID)
	if errors.Is(err, ErrKeyNotFound) {
		return agentID, ReasonCredentialUnknown, nil
	}
	if err != nil {
		return agentID, "", err
	}

	if k.WorkspaceID != workspaceID || (agentID != "" && k.AgentID != agentID) {
		return agentID, ReasonCredentialMismatch, nil
	}
	if k.Status != KeyActive {
		return k.AgentID, ReasonCredentialRevoked, nil
	}
	return k.AgentID, "", nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanKey(row rowScanner) (Key, error) {
	var (
		k         Key
		status    string
		createdAt int64
		revokedAt sql.NullInt64
	)
	if err := row.Scan(&k.ID, &k.WorkspaceID, &k.AgentID, &k.Label, &status, &createdAt, &revokedAt); err != nil {
		return Key{}, err
	}
	k.Status = KeyStatus(status)
	k.CreatedAt = storage.FromMillis(createdAt)
	if revokedAt.Valid {
		t := storage.FromMillis(revokedAt.Int64)
		k.RevokedAt = &t
	}
	return k, nil
}

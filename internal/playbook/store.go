package playbook

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/yuv2819-cmyk/AgentGuard/internal/policy"
	"github.com/yuv2819-cmyk/AgentGuard/internal/storage"
)

const (
	tablePlaybooks = `
		CREATE TABLE IF NOT EXISTS playbooks (
			id TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '',
			enabled INTEGER NOT NULL DEFAULT 1,
			trigger_decision TEXT NOT NULL DEFAULT '',
			min_risk_score INTEGER NOT NULL DEFAULT 0,
			match_signals TEXT NOT NULL DEFAULT '[]',
			action_type TEXT NOT NULL,
			action_config TEXT NOT NULL DEFAULT '{}',
			created_at INTEGER NOT NULL
		)`

	tableExecutions = `
		CREATE TABLE IF NOT EXISTS playbook_executions (
			id TEXT PRIMARY KEY,
			playbook_id TEXT NOT NULL,
			workspace_id TEXT NOT NULL,
			event_id INTEGER NOT NULL,
			action_type TEXT NOT NULL,
			outcome TEXT NOT NULL CHECK(outcome IN ('executed', 'skipped', 'failed')),
			message TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		)`

	indexExecutionsEvent = `
		CREATE INDEX IF NOT EXISTS idx_playbook_exec_event ON playbook_executions(event_id)`

	queryUpsertPlaybook = `
		INSERT INTO playbooks (id, workspace_id, name, enabled, trigger_decision, min_risk_score,
			match_signals, action_type, action_config, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			workspace_id = excluded.workspace_id,
			name = excluded.name,
			enabled = excluded.enabled,
			trigger_decision = excluded.trigger_decision,
			min_risk_score = excluded.min_risk_score,
			match_signals = excluded.match_signals,
			action_type = excluded.action_type,
			action_config = excluded.action_config`

	querySelectEnabled = `
		SELECT id, workspace_id, name, enabled, trigger_decision, min_risk_score,
			match_signals, action_type, action_config, created_at
		FROM playbooks
		WHERE enabled = 1 AND (workspace_id = '' OR workspace_id = ?)
		ORDER BY created_at, id`

	queryInsertExecution = `
		INSERT INTO playbook_executions (id, playbook_id, workspace_id, event_id, action_type, outcome, message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	querySelectExecutions = `
		SELECT id, playbook_id, workspace_id, event_id, action_type, outcome, message, created_at
		FROM playbook_executions WHERE event_id = ?
		ORDER BY id`
)

// SQLiteStore keeps playbooks and executions in SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates the playbook tables if needed.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if err := storage.Migrate(db, []string{tablePlaybooks, tableExecutions, indexExecutionsEvent}); err != nil {
		return nil, fmt.Errorf("playbook schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Save upserts p by id. CreatedAt is kept from the first save.
func (s *SQLiteStore) Save(ctx context.Context, p Playbook) error {
	signals, err := json.Marshal(policy.SignalStrings(p.MatchSignals))
	if err != nil {
		return fmt.Errorf("encode signals: %w", err)
	}
	cfg := p.ActionConfig
	if cfg == nil {
		cfg = map[string]any{}
	}
	config, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode action config: %w", err)
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}

	return storage.WithRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, queryUpsertPlaybook,
			p.ID, p.WorkspaceID, p.Name, boolToInt(p.Enabled), string(p.TriggerDecision), p.MinRiskScore,
			string(signals), string(p.ActionType), string(config), storage.Millis(p.CreatedAt))
		if err != nil {
			return fmt.Errorf("save playbook: %w", err)
		}
		return nil
	})
}

// ListEnabled returns enabled playbooks of the workspace and global ones, in creation order.
func (s *SQLiteStore) ListEnabled(ctx context.Context, workspaceID string) ([]Playbook, error) {
	rows, err := s.db.QueryContext(ctx, querySelectEnabled, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("query playbooks: %w", err)
	}
	defer rows.Close()

	playbooks := make([]Playbook, 0)
	for rows.Next() {
		var (
			p                  Playbook
			enabled            int
			decision, action   string
			signalsRaw, cfgRaw string
			createdAt          int64
		)
		if err := rows.Scan(&p.ID, &p.WorkspaceID, &p.Name, &enabled, &decision, &p.MinRiskScore,
			&signalsRaw, &action, &cfgRaw, &createdAt); err != nil {
			return nil, fmt.Errorf("scan playbook: %w", err)
		}

		var signals []string
		if err := json.Unmarshal([]byte(signalsRaw), &signals); err != nil {
			return nil, fmt.Errorf("decode signals of %s: %w", p.ID, err)
		}
		if err := json.Unmarshal([]byte(cfgRaw), &p.ActionConfig); err != nil {
			return nil, fmt.Errorf("decode action config of %s: %w", p.ID, err)
		}

		p.Enabled = enabled != 0
		p.TriggerDecision = policy.Decision(decision)
		p.ActionType = ActionType(action)
		p.CreatedAt = storage.FromMillis(createdAt)
		for _, sig := range signals {
			p.MatchSignals = append(p.MatchSignals, policy.Signal(sig))
		}
		playbooks = append(playbooks, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return playbooks, nil
}

func (s *SQLiteStore) RecordExecution(ctx context.Context, e Execution) error {
	return storage.WithRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, queryInsertExecution,
			e.ID, e.PlaybookID, e.WorkspaceID, e.EventID, e.ActionType, string(e.Outcome), e.Message,
			storage.Millis(e.CreatedAt))
		if err != nil {
			return fmt.Errorf("insert execution: %w", err)
		}
		return nil
	})
}

// ListExecutions returns the executions recorded for one event.
func (s *SQLiteStore) ListExecutions(ctx context.Context, eventID int64) ([]Execution, error) {
	rows, err := s.db.QueryContext(ctx, querySelectExecutions, eventID)
	if err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}
	defer rows.Close()

	executions := make([]Execution, 0)
	for rows.Next() {
		var (
			e         Execution
			outcome   string
			createdAt int64
		)
		if err := rows.Scan(&e.ID, &e.PlaybookID, &e.WorkspaceID, &e.EventID, &e.ActionType,
			&outcome, &e.Message, &createdAt); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		e.Outcome = Outcome(outcome)
		e.CreatedAt = storage.FromMillis(createdAt)
		executions = append(executions, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return executions, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

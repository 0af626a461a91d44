package approval

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/yuv2819-cmyk/AgentGuard/internal/storage"
)

const (
	tableSchema = `
		CREATE TABLE IF NOT EXISTS approval_requests (
			id TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			tool TEXT NOT NULL,
			action TEXT NOT NULL,
			resource TEXT NOT NULL DEFAULT '',
			metadata TEXT NOT NULL DEFAULT '{}',
			status TEXT NOT NULL CHECK(status IN ('pending', 'approved', 'rejected', 'expired')),
			origin TEXT NOT NULL DEFAULT 'policy',
			playbook_id TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL DEFAULT '',
			requested_by TEXT NOT NULL DEFAULT '',
			requested_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL,
			resolved_by TEXT NOT NULL DEFAULT '',
			resolved_at INTEGER,
			resolution_note TEXT NOT NULL DEFAULT '',
			consumed_at INTEGER
		)`

	indexWorkspaceStatus = `
		CREATE INDEX IF NOT EXISTS idx_approval_workspace_status
		ON approval_requests(workspace_id, status, requested_at)`

	selectColumns = `
		SELECT id, workspace_id, agent_id, tool, action, resource, metadata, status, origin,
			playbook_id, reason, requested_by, requested_at, expires_at, resolved_by,
			resolved_at, resolution_note, consumed_at
		FROM approval_requests`

	queryInsert = `
		INSERT INTO approval_requests (id, workspace_id, agent_id, tool, action, resource, metadata,
			status, origin, playbook_id, reason, requested_by, requested_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	queryResolve = `
		UPDATE approval_requests
		SET status = ?, resolved_by = ?, resolved_at = ?, resolution_note = ?
		WHERE id = ? AND status = 'pending' AND expires_at > ?`

	queryExpire = `
		UPDATE approval_requests SET status = 'expired'
		WHERE id = ? AND status = 'pending'`

	queryConsume = `
		UPDATE approval_requests SET consumed_at = ?
		WHERE id = ? AND workspace_id = ? AND agent_id = ?
			AND status = 'approved' AND consumed_at IS NULL AND expires_at > ?`

	queryPending = selectColumns + `
		WHERE status = 'pending' AND expires_at > ? AND (? = '' OR workspace_id = ?)
		ORDER BY requested_at, id`
)

// SQLiteStore keeps approval requests in SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates the approvals table if needed.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if err := storage.Migrate(db, []string{tableSchema, indexWorkspaceStatus}); err != nil {
		return nil, fmt.Errorf("approval schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Create(ctx context.Context, req Request) error {
	metadata, err := json.Marshal(nonNil(req.Metadata))
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	return storage.WithRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, queryInsert,
			req.ID, req.WorkspaceID, req.AgentID, req.Tool, req.Action, req.Resource, string(metadata),
			string(req.Status), string(req.Origin), req.PlaybookID, req.Reason, req.RequestedBy,
			storage.Millis(req.RequestedAt), storage.Millis(req.ExpiresAt),
		)
		if err != nil {
			return fmt.Errorf("insert approval request: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (Request, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id)
	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Request{}, ErrNotFound
	}
	return req, err
}

func (s *SQLiteStore) Resolve(ctx context.Context, id string, res Resolution) (Request, error) {
	var changed int64
	err := storage.WithRetry(ctx, func() error {
		result, err := s.db.ExecContext(ctx, queryResolve,
			string(res.Status), res.By, storage.Millis(res.At), res.Note,
			id, storage.Millis(res.At),
		)
		if err != nil {
			return err
		}
		changed, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return Request{}, fmt.Errorf("resolve approval request: %w", err)
	}

	current, err := s.Get(ctx, id)
	if err != nil {
		return Request{}, err
	}
	if changed == 1 {
		return current, nil
	}

	if current.Status != StatusPending {
		return current, ErrNotPending
	}

	// still pending, so the update missed on expiry
	if _, err := s.db.ExecContext(ctx, queryExpire, id); err != nil {
		return current, fmt.Errorf("expire approval request: %w", err)
	}
	current.Status = StatusExpired
	return current, ErrExpired
}

// Consume marks an approved, unexpired, unconsumed request consumed. Only one caller wins.
func (s *SQLiteStore) Consume(ctx context.Context, id, workspaceID, agentID string, now time.Time) (bool, error) {
	var changed int64
	err := storage.WithRetry(ctx, func() error {
		ms := storage.Millis(now)
		result, err := s.db.ExecContext(ctx, queryConsume, ms, id, workspaceID, agentID, ms)
		if err != nil {
			return err
		}
		changed, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("consume approval request: %w", err)
	}
	return changed == 1, nil
}

func (s *SQLiteStore) ListPending(ctx context.Context, workspaceID string, now time.Time) ([]Request, error) {
	rows, err := s.db.QueryContext(ctx, queryPending, storage.Millis(now), workspaceID, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("query pending approvals: %w", err)
	}
	defer rows.Close()

	pending := make([]Request, 0)
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		pending = append(pending, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return pending, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRequest(row scanner) (Request, error) {
	var (
		r                      Request
		metadata               string
		status, origin         string
		requestedAt, expiresAt int64
		resolvedAt, consumedAt sql.NullInt64
	)

	err := row.Scan(&r.ID, &r.WorkspaceID, &r.AgentID, &r.Tool, &r.Action, &r.Resource, &metadata,
		&status, &origin, &r.PlaybookID, &r.Reason, &r.RequestedBy, &requestedAt, &expiresAt,
		&r.ResolvedBy, &resolvedAt, &r.ResolutionNote, &consumedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Request{}, err
	}
	if err != nil {
		return Request{}, fmt.Errorf("scan approval request: %w", err)
	}

	if err := json.Unmarshal([]byte(metadata), &r.Metadata); err != nil {
		return Request{}, fmt.Errorf("decode metadata: %w", err)
	}

	r.Status = Status(status)
	r.Origin = Origin(origin)
	r.RequestedAt = storage.FromMillis(requestedAt)
	r.ExpiresAt = storage.FromMillis(expiresAt)
	if resolvedAt.Valid {
		t := storage.FromMillis(resolvedAt.Int64)
		r.ResolvedAt = &t
	}
	if consumedAt.Valid {
		t := storage.FromMillis(consumedAt.Int64)
		r.ConsumedAt = &t
	}
	return r, nil
}

func nonNil(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// Package audit is the append-only, hash-chained ledger of gate decisions.
// Each workspace has its own chain whose tail lives in chain_state and is
// advanced in the same transaction as the event insert.
package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/yuv2819-cmyk/AgentGuard/internal/storage"
)

const maxConflictRetries = 3

// SQLiteLedger is the audit ledger on SQLite, one hash chain per workspace.
type SQLiteLedger struct {
	db  *sql.DB
	now func() time.Time

	// one mutex per workspace; appends to different workspaces never share a lock
	locks sync.Map
}

// NewSQLiteLedger creates the audit tables and triggers if needed.
func NewSQLiteLedger(db *sql.DB) (*SQLiteLedger, error) {
	if err := storage.Migrate(db, schemaStatements()); err != nil {
		return nil, fmt.Errorf("audit schema: %w", err)
	}
	return &SQLiteLedger{db: db, now: time.Now}, nil
}

// Append chains rec onto the workspace tail and persists it.
func (l *SQLiteLedger) Append(ctx context.Context, rec Record) (Event, error) {
	if err := validateRecord(rec); err != nil {
		return Event{}, err
	}

	mu := l.workspaceLock(rec.WorkspaceID)
	mu.Lock()
	defer mu.Unlock()

	var (
		event Event
		err   error
	)
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		err = storage.WithRetry(ctx, func() error {
			var appendErr error
			event, appendErr = l.appendOnce(ctx, rec)
			return appendErr
		})
		if !errors.Is(err, ErrChainConflict) {
			break
		}
		log.Warn().Str("workspace_id", rec.WorkspaceID).Int("attempt", attempt+1).Msg("audit chain conflict, retrying")
	}
	if err != nil {
		return Event{}, fmt.Errorf("append audit event: %w", err)
	}

	return event, nil
}

func (l *SQLiteLedger) appendOnce(ctx context.Context, rec Record) (Event, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return Event{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	prevHash := GenesisHash
	var (
		version       int64
		lastEventID   int64
		lastCreatedAt int64
	)
	err = tx.QueryRowContext(ctx, queryTail, rec.WorkspaceID).Scan(&lastEventID, &prevHash, &version, &lastCreatedAt)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Event{}, fmt.Errorf("read chain tail: %w", err)
	}

	createdAt := l.now().UTC().Truncate(time.Millisecond)
	// keep created_at ordering consistent with chain order if the clock steps back
	if last := storage.FromMillis(lastCreatedAt); version > 0 && createdAt.Before(last) {
		createdAt = last
	}

	metadata := rec.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	canonicalMetadata, err := Canonicalize(metadata)
	if err != nil {
		return Event{}, fmt.Errorf("canonicalize metadata: %w", err)
	}
	// hash over the stored form so verification sees the same values
	storedMetadata, err := decodeMetadata(string(canonicalMetadata))
	if err != nil {
		return Event{}, err
	}

	event := Event{
		WorkspaceID:    rec.WorkspaceID,
		AgentID:        rec.AgentID,
		Tool:           rec.Tool,
		Action:         rec.Action,
		Resource:       rec.Resource,
		Decision:       rec.Decision,
		Reason:         rec.Reason,
		Metadata:       storedMetadata,
		AnomalyFlagged: rec.AnomalyFlagged,
		PrevHash:       prevHash,
		CreatedAt:      createdAt,
	}

	event.Hash, err = EventHash(event)
	if err != nil {
		return Event{}, fmt.Errorf("compute hash: %w", err)
	}

	res, err := tx.ExecContext(ctx, queryInsertEvent,
		event.WorkspaceID, event.AgentID, event.Tool, event.Action, event.Resource,
		string(event.Decision), event.Reason, string(canonicalMetadata), boolToInt(event.AnomalyFlagged),
		event.PrevHash, event.Hash, storage.Millis(event.CreatedAt),
	)
	if err != nil {
		return Event{}, fmt.Errorf("insert event: %w", err)
	}
	if event.ID, err = res.LastInsertId(); err != nil {
		return Event{}, fmt.Errorf("event id: %w", err)
	}

	if err := advanceTail(ctx, tx, event, version); err != nil {
		return Event{}, err
	}

	if err := tx.Commit(); err != nil {
		return Event{}, fmt.Errorf("commit: %w", err)
	}
	return event, nil
}

func advanceTail(ctx context.Context, tx *sql.Tx, event Event, expectedVersion int64) error {
	var (
		res sql.Result
		err error
	)
	if expectedVersion == 0 {
		res, err = tx.ExecContext(ctx, queryInsertTail, event.WorkspaceID, event.ID, event.Hash)
	} else {
		res, err = tx.ExecContext(ctx, queryAdvanceTail, event.ID, event.Hash, event.WorkspaceID, expectedVersion)
	}
	if err != nil {
		return fmt.Errorf("advance chain tail: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("advance chain tail: %w", err)
	}
	if n != 1 {
		return ErrChainConflict
	}
	return nil
}

// Query returns events of q.WorkspaceID in chain order.
func (l *SQLiteLedger) Query(ctx context.Context, q Query) ([]Event, error) {
	var (
		conds = []string{"workspace_id = ?"}
		args  = []any{q.WorkspaceID}
	)
	if q.AgentID != "" {
		conds = append(conds, "agent_id = ?")
		args = append(args, q.AgentID)
	}
	if !q.From.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, storage.Millis(q.From))
	}
	if !q.To.IsZero() {
		conds = append(conds, "created_at <= ?")
		args = append(args, storage.Millis(q.To))
	}

	stmt := querySelectEvents + " WHERE " + strings.Join(conds, " AND ") + " ORDER BY created_at, id"
	if q.Limit > 0 {
		stmt += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := l.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// CountSince counts the agent's events in the workspace at or after since.
func (l *SQLiteLedger) CountSince(ctx context.Context, workspaceID, agentID string, since time.Time) (int, error) {
	var n int
	if err := l.db.QueryRowContext(ctx, queryCountSince, workspaceID, agentID, storage.Millis(since)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// Head returns the chain tail, or the genesis state for an empty workspace.
func (l *SQLiteLedger) Head(ctx context.Context, workspaceID string) (ChainState, error) {
	state := ChainState{WorkspaceID: workspaceID, LastHash: GenesisHash}

	err := l.db.QueryRowContext(ctx, queryHead, workspaceID).Scan(&state.LastEventID, &state.LastHash, &state.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return state, nil
	}
	if err != nil {
		return ChainState{}, fmt.Errorf("query chain head: %w", err)
	}
	return state, nil
}

// Verify re-checks the full stored chain of one workspace.
func (l *SQLiteLedger) Verify(ctx context.Context, workspaceID string) (VerifyResult, error) {
	events, err := l.Query(ctx, Query{WorkspaceID: workspaceID})
	if err != nil {
		return VerifyResult{}, err
	}
	return VerifyChain(events), nil
}

func (l *SQLiteLedger) workspaceLock(workspaceID string) *sync.Mutex {
	mu, _ := l.locks.LoadOrStore(workspaceID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

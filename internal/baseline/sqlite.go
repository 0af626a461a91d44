package baseline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/yuv2819-cmyk/AgentGuard/internal/storage"
)

const (
	tableSchema = `
		CREATE TABLE IF NOT EXISTS baselines (
			agent_id TEXT NOT NULL,
			tool TEXT NOT NULL,
			action TEXT NOT NULL,
			avg_risk_score REAL NOT NULL DEFAULT 0,
			avg_calls_per_minute REAL NOT NULL DEFAULT 0,
			sample_count INTEGER NOT NULL DEFAULT 0,
			last_seen_at INTEGER NOT NULL,
			PRIMARY KEY (agent_id, tool, action)
		)`

	querySelect = `
		SELECT avg_risk_score, avg_calls_per_minute, sample_count, last_seen_at
		FROM baselines
		WHERE agent_id = ? AND tool = ? AND action = ?`

	queryUpsert = `
		INSERT INTO baselines (agent_id, tool, action, avg_risk_score, avg_calls_per_minute, sample_count, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (agent_id, tool, action) DO UPDATE SET
			avg_risk_score = excluded.avg_risk_score,
			avg_calls_per_minute = excluded.avg_calls_per_minute,
			sample_count = excluded.sample_count,
			last_seen_at = excluded.last_seen_at`
)

// SQLiteStore keeps baselines in SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates the baselines table if needed.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if err := storage.Migrate(db, []string{tableSchema}); err != nil {
		return nil, fmt.Errorf("baseline schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, key Key) (*Baseline, error) {
	b := Baseline{Key: key}
	var lastSeen int64

	err := s.db.QueryRowContext(ctx, querySelect, key.AgentID, key.Tool, key.Action).
		Scan(&b.AvgRiskScore, &b.AvgCallsPerMinute, &b.SampleCount, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query baseline: %w", err)
	}

	b.LastSeenAt = storage.FromMillis(lastSeen)
	return &b, nil
}

func (s *SQLiteStore) Put(ctx context.Context, b Baseline) error {
	return storage.WithRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, queryUpsert,
			b.AgentID, b.Tool, b.Action,
			b.AvgRiskScore, b.AvgCallsPerMinute, b.SampleCount,
			storage.Millis(b.LastSeenAt),
		)
		return err
	})
}

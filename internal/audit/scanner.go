package audit

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/yuv2819-cmyk/AgentGuard/internal/policy"
	"github.com/yuv2819-cmyk/AgentGuard/internal/storage"
)

func scanEvents(rows *sql.Rows) ([]Event, error) {
	events := make([]Event, 0)

	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}

	return events, nil
}

func scanEvent(rows *sql.Rows) (Event, error) {
	var (
		e         Event
		decision  string
		metadata  string
		anomaly   int
		createdAt int64
	)

	if err := rows.Scan(&e.ID, &e.WorkspaceID, &e.AgentID, &e.Tool, &e.Action, &e.Resource,
		&decision, &e.Reason, &metadata, &anomaly, &e.PrevHash, &e.Hash, &createdAt); err != nil {
		return Event{}, fmt.Errorf("scan row: %w", err)
	}

	md, err := decodeMetadata(metadata)
	if err != nil {
		return Event{}, err
	}

	e.Decision = policy.Decision(decision)
	e.Metadata = md
	e.AnomalyFlagged = anomaly != 0
	e.CreatedAt = storage.FromMillis(createdAt)

	return e, nil
}

// decodeMetadata keeps numbers as json.Number so re-hashing reproduces the
// stored literal exactly.
func decodeMetadata(raw string) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()

	md := map[string]any{}
	if err := dec.Decode(&md); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return md, nil
}

package audit

const (
	queryTail = `
		SELECT c.last_event_id, c.last_hash, c.version, COALESCE(e.created_at, 0)
		FROM chain_state c
		LEFT JOIN audit_events e ON e.id = c.last_event_id
		WHERE c.workspace_id = ?`

	queryInsertEvent = `
		INSERT INTO audit_events (workspace_id, agent_id, tool, action, resource, decision, reason,
			metadata, anomaly_flagged, prev_hash, hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	queryInsertTail = `
		INSERT INTO chain_state (workspace_id, last_event_id, last_hash, version)
		VALUES (?, ?, ?, 1)
		ON CONFLICT (workspace_id) DO NOTHING`

	queryAdvanceTail = `
		UPDATE chain_state
		SET last_event_id = ?, last_hash = ?, version = version + 1
		WHERE workspace_id = ? AND version = ?`

	querySelectEvents = `
		SELECT id, workspace_id, agent_id, tool, action, resource, decision, reason,
			metadata, anomaly_flagged, prev_hash, hash, created_at
		FROM audit_events`

	queryCountSince = `
		SELECT COUNT(*) FROM audit_events
		WHERE workspace_id = ? AND agent_id = ? AND created_at >= ?`

	queryHead = `
		SELECT last_event_id, last_hash, version FROM chain_state WHERE workspace_id = ?`
)

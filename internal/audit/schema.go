package audit

const (
	tableEvents = `
		CREATE TABLE IF NOT EXISTS audit_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			workspace_id TEXT NOT NULL,
			agent_id TEXT NOT NULL DEFAULT '',
			tool TEXT NOT NULL,
			action TEXT NOT NULL,
			resource TEXT NOT NULL DEFAULT '',
			decision TEXT NOT NULL CHECK(decision IN ('allow', 'block')),
			reason TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			anomaly_flagged INTEGER NOT NULL DEFAULT 0,
			prev_hash TEXT NOT NULL,
			hash TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`

	tableChainState = `
		CREATE TABLE IF NOT EXISTS chain_state (
			workspace_id TEXT PRIMARY KEY,
			last_event_id INTEGER NOT NULL,
			last_hash TEXT NOT NULL,
			version INTEGER NOT NULL
		)`

	triggerPreventUpdate = `
		CREATE TRIGGER IF NOT EXISTS prevent_audit_update
		BEFORE UPDATE ON audit_events
		FOR EACH ROW
		BEGIN
			SELECT RAISE(FAIL, 'Updates not allowed on audit_events');
		END`

	triggerPreventDelete = `
		CREATE TRIGGER IF NOT EXISTS prevent_audit_delete
		BEFORE DELETE ON audit_events
		FOR EACH ROW
		BEGIN
			SELECT RAISE(FAIL, 'Deletes not allowed on audit_events');
		END`

	indexWorkspaceTime = `
		CREATE INDEX IF NOT EXISTS idx_audit_workspace_time
		ON audit_events(workspace_id, created_at, id)`

	indexAgentTime = `
		CREATE INDEX IF NOT EXISTS idx_audit_agent_time
		ON audit_events(workspace_id, agent_id, created_at)`
)

func schemaStatements() []string {
	return []string{
		tableEvents,
		tableChainState,
		triggerPreventUpdate,
		triggerPreventDelete,
		indexWorkspaceTime,
		indexAgentTime,
	}
}

package audit

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yuv2819-cmyk/AgentGuard/internal/policy"
	"github.com/yuv2819-cmyk/AgentGuard/internal/storage"
)

func setupTestLedger(t *testing.T) *SQLiteLedger {
	t.Helper()

	db, err := storage.Open(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ledger, err := NewSQLiteLedger(db)
	require.NoError(t, err)
	return ledger
}

func record(workspace, agent, action string) Record {
	return Record{
		WorkspaceID: workspace,
		AgentID:     agent,
		Tool:        "crm",
		Action:      action,
		Decision:    policy.DecisionAllow,
		Reason:      policy.ReasonAllowed,
		Metadata:    map[string]any{"signals": []string{}, "risk_score": 5},
	}
}

func TestSequentialAppendsChain(t *testing.T) {
	ledger := setupTestLedger(t)
	ctx := context.Background()

	e1, err := ledger.Append(ctx, record("ws-1", "agent-1", "read"))
	require.NoError(t, err)
	e2, err := ledger.Append(ctx, record("ws-1", "agent-1", "update"))
	require.NoError(t, err)

	assert.Equal(t, GenesisHash, e1.PrevHash)
	assert.Equal(t, e1.Hash, e2.PrevHash)

	result := VerifyChain([]Event{e1, e2})
	assert.True(t, result.Valid)
	assert.Equal(t, 2, result.Total)
	assert.Zero(t, result.BrokenCount)

	head, err := ledger.Head(ctx, "ws-1")
	require.NoError(t, err)
	assert.Equal(t, e2.ID, head.LastEventID)
	assert.Equal(t, e2.Hash, head.LastHash)
	assert.Equal(t, int64(2), head.Version)

	stored, err := ledger.Verify(ctx, "ws-1")
	require.NoError(t, err)
	assert.True(t, stored.Valid)
	assert.Equal(t, 2, stored.Total)
}

func TestHeadOfEmptyWorkspace(t *testing.T) {
	ledger := setupTestLedger(t)

	head, err := ledger.Head(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Equal(t, GenesisHash, head.LastHash)
	assert.Zero(t, head.Version)
}

func TestWorkspacesHaveIndependentChains(t *testing.T) {
	ledger := setupTestLedger(t)
	ctx := context.Background()

	a1, err := ledger.Append(ctx, record("ws-a", "agent", "read"))
	require.NoError(t, err)
	b1, err := ledger.Append(ctx, record("ws-b", "agent", "read"))
	require.NoError(t, err)
	a2, err := ledger.Append(ctx, record("ws-a", "agent", "read"))
	require.NoError(t, err)

	assert.Equal(t, GenesisHash, b1.PrevHash)
	assert.Equal(t, a1.Hash, a2.PrevHash)

	events, err := ledger.Query(ctx, Query{WorkspaceID: "ws-a"})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.True(t, VerifyChain(events).Valid)
}

func TestAppendRejectsInvalidRecords(t *testing.T) {
	ledger := setupTestLedger(t)
	ctx := context.Background()

	bad := []Record{
		{Tool: "crm", Action: "read", Decision: policy.DecisionAllow, Reason: "r"},
		{WorkspaceID: "ws", Action: "read", Decision: policy.DecisionAllow, Reason: "r"},
		{WorkspaceID: "ws", Tool: "crm", Action: "read", Decision: "deny", Reason: "r"},
		{WorkspaceID: "ws", Tool: "crm", Action: "read", Decision: policy.DecisionBlock},
	}
	for _, rec := range bad {
		_, err := ledger.Append(ctx, rec)
		assert.Error(t, err)
	}
}

func TestTamperedMiddleEventBreaksChain(t *testing.T) {
	ledger := setupTestLedger(t)
	ctx := context.Background()

	var events []Event
	for i := 0; i < 5; i++ {
		e, err := ledger.Append(ctx, record("ws-1", "agent-1", fmt.Sprintf("step-%d", i)))
		require.NoError(t, err)
		events = append(events, e)
	}

	tampered := append([]Event(nil), events...)
	tampered[2].Reason = "rewritten"

	result := VerifyChain(tampered)
	assert.False(t, result.Valid)
	assert.Equal(t, 3, result.BrokenCount)
	assert.Equal(t, events[2].ID, result.FirstBrokenID)
	for i, v := range result.Events {
		if i < 2 {
			assert.Equal(t, StatusOK, v.Status, "event %d", i)
		} else {
			assert.Equal(t, StatusBroken, v.Status, "event %d", i)
		}
	}
}

func TestTamperedStoredEventDetected(t *testing.T) {
	ledger := setupTestLedger(t)
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 3; i++ {
		e, err := ledger.Append(ctx, record("ws-1", "agent-1", "read"))
		require.NoError(t, err)
		ids = append(ids, e.ID)
	}

	// bypass the immutability trigger the way an attacker with file access would
	_, err := ledger.db.Exec(`DROP TRIGGER prevent_audit_update`)
	require.NoError(t, err)
	_, err = ledger.db.Exec(`UPDATE audit_events SET metadata = '{"risk_score":0}' WHERE id = ?`, ids[1])
	require.NoError(t, err)

	result, err := ledger.Verify(ctx, "ws-1")
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Equal(t, 2, result.BrokenCount)
	assert.Equal(t, ids[1], result.FirstBrokenID)
	assert.Equal(t, StatusOK, result.Events[0].Status)
	assert.Equal(t, "hash mismatch", result.Events[1].Reason)
}

func TestImmutability(t *testing.T) {
	ledger := setupTestLedger(t)
	ctx := context.Background()

	e, err := ledger.Append(ctx, record("ws-1", "agent-1", "read"))
	require.NoError(t, err)

	_, err = ledger.db.Exec(`UPDATE audit_events SET reason = 'x' WHERE id = ?`, e.ID)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "Updates not allowed"))

	_, err = ledger.db.Exec(`DELETE FROM audit_events WHERE id = ?`, e.ID)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "Deletes not allowed"))
}

func TestConcurrentAppendsSerializePerWorkspace(t *testing.T) {
	ledger := setupTestLedger(t)
	ctx := context.Background()

	workspaces := []string{"ws-a", "ws-b", "ws-c"}
	const perWorkspace = 15

	var wg sync.WaitGroup
	for _, ws := range workspaces {
		for i := 0; i < perWorkspace; i++ {
			wg.Add(1)
			go func(ws string, i int) {
				defer wg.Done()
				if _, err := ledger.Append(ctx, record(ws, fmt.Sprintf("agent-%d", i%3), "read")); err != nil {
					t.Errorf("append %s: %v", ws, err)
				}
			}(ws, i)
		}
	}
	wg.Wait()

	for _, ws := range workspaces {
		events, err := ledger.Query(ctx, Query{WorkspaceID: ws})
		require.NoError(t, err)
		require.Len(t, events, perWorkspace)

		result := VerifyChain(events)
		assert.True(t, result.Valid, "workspace %s", ws)

		head, err := ledger.Head(ctx, ws)
		require.NoError(t, err)
		assert.Equal(t, events[len(events)-1].Hash, head.LastHash)
		assert.Equal(t, int64(perWorkspace), head.Version)
	}
}

func TestQueryFiltersAndCountSince(t *testing.T) {
	ledger := setupTestLedger(t)
	ctx := context.Background()

	base := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	current := base
	ledger.now = func() time.Time { return current }

	for i := 0; i < 4; i++ {
		current = base.Add(time.Duration(i) * time.Minute)
		agent := "agent-1"
		if i%2 == 1 {
			agent = "agent-2"
		}
		_, err := ledger.Append(ctx, record("ws-1", agent, "read"))
		require.NoError(t, err)
	}

	all, err := ledger.Query(ctx, Query{WorkspaceID: "ws-1"})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.True(t, all[0].CreatedAt.Equal(base))

	byAgent, err := ledger.Query(ctx, Query{WorkspaceID: "ws-1", AgentID: "agent-2"})
	require.NoError(t, err)
	assert.Len(t, byAgent, 2)

	window, err := ledger.Query(ctx, Query{WorkspaceID: "ws-1", From: base.Add(time.Minute), To: base.Add(2 * time.Minute)})
	require.NoError(t, err)
	assert.Len(t, window, 2)

	limited, err := ledger.Query(ctx, Query{WorkspaceID: "ws-1", Limit: 3})
	require.NoError(t, err)
	assert.Len(t, limited, 3)

	n, err := ledger.CountSince(ctx, "ws-1", "agent-1", base.Add(30*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = ledger.CountSince(ctx, "ws-1", "agent-1", base)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestClockStepBackKeepsOrder(t *testing.T) {
	ledger := setupTestLedger(t)
	ctx := context.Background()

	t0 := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	ledger.now = func() time.Time { return t0 }
	first, err := ledger.Append(ctx, record("ws-1", "agent-1", "read"))
	require.NoError(t, err)

	ledger.now = func() time.Time { return t0.Add(-time.Hour) }
	second, err := ledger.Append(ctx, record("ws-1", "agent-1", "read"))
	require.NoError(t, err)
	assert.False(t, second.CreatedAt.Before(first.CreatedAt))

	result, err := ledger.Verify(ctx, "ws-1")
	require.NoError(t, err)
	assert.True(t, result.Valid)
}

package integration

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yuv2819-cmyk/AgentGuard/internal/audit"
	"github.com/yuv2819-cmyk/AgentGuard/internal/guard"
	"github.com/yuv2819-cmyk/AgentGuard/internal/policy"
)

// TestConcurrentRequests drives several workspaces in parallel and checks
// that every chain is complete and verifies.
func TestConcurrentRequests(t *testing.T) {
	env := SetupTestEnvironment(t)
	env.StartServer()

	workspaces := []string{"ws-a", "ws-b", "ws-c"}
	perWorkspace := 15

	var wg sync.WaitGroup
	var allowed, failed int32
	start := time.Now()

	for _, ws := range workspaces {
		for i := 0; i < perWorkspace; i++ {
			wg.Add(1)
			go func(ws string, id int) {
				defer wg.Done()

				status, _ := env.Evaluate(guard.ActionRequest{
					WorkspaceID: ws,
					AgentID:     fmt.Sprintf("agent-%d", id%3),
					Tool:        "kb",
					Action:      "read",
				})
				if status == http.StatusOK {
					atomic.AddInt32(&allowed, 1)
				} else {
					atomic.AddInt32(&failed, 1)
				}
			}(ws, i)
		}
	}

	wg.Wait()
	t.Logf("completed %d requests in %v", len(workspaces)*perWorkspace, time.Since(start))

	assert.Equal(t, int32(len(workspaces)*perWorkspace), allowed)
	assert.Zero(t, failed)

	for _, ws := range workspaces {
		events, err := env.Ledger.Query(context.Background(), audit.Query{WorkspaceID: ws})
		require.NoError(t, err)
		assert.Len(t, events, perWorkspace)

		result := audit.VerifyChain(events)
		assert.True(t, result.Valid, "chain of %s must verify", ws)

		head, err := env.Ledger.Head(context.Background(), ws)
		require.NoError(t, err)
		assert.Equal(t, events[len(events)-1].Hash, head.LastHash)
	}
}

// TestConcurrentApprovalConsumption races many retries presenting the same
// approval; only one may pass.
func TestConcurrentApprovalConsumption(t *testing.T) {
	env := SetupTestEnvironment(t)
	env.StartServer()
	ctx := context.Background()

	req := guard.ActionRequest{WorkspaceID: "acme", AgentID: "bot", Tool: "db", Action: "drop"}
	_, blocked := env.Evaluate(req)
	require.NotEmpty(t, blocked.ApprovalRequestID)
	_, err := env.Gate.Approve(ctx, blocked.ApprovalRequestID, "dba", "")
	require.NoError(t, err)

	req.ApprovalRequestID = blocked.ApprovalRequestID

	var wg sync.WaitGroup
	var allowed int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := env.Guard.Evaluate(ctx, req)
			if assert.NoError(t, err) && res.Decision == policy.DecisionAllow {
				atomic.AddInt32(&allowed, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), allowed)
}

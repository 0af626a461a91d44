package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yuv2819-cmyk/AgentGuard/internal/agent"
	"github.com/yuv2819-cmyk/AgentGuard/internal/approval"
	"github.com/yuv2819-cmyk/AgentGuard/internal/audit"
	"github.com/yuv2819-cmyk/AgentGuard/internal/auth"
	"github.com/yuv2819-cmyk/AgentGuard/internal/baseline"
	"github.com/yuv2819-cmyk/AgentGuard/internal/guard"
	"github.com/yuv2819-cmyk/AgentGuard/internal/policy"
	"github.com/yuv2819-cmyk/AgentGuard/internal/storage"
)

type testStack struct {
	server *Server
	gate   *approval.Gate
	ledger *audit.SQLiteLedger
	agents *agent.Registry
	guard  *guard.Service
	auth   *auth.Manager
}

func setupTestServer(t *testing.T, requireAuth bool) *testStack {
	t.Helper()

	db, err := storage.Open(filepath.Join(t.TempDir(), "server.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ledger, err := audit.NewSQLiteLedger(db)
	require.NoError(t, err)

	agents, err := agent.NewRegistry(db)
	require.NoError(t, err)

	gate := approval.NewGate(approval.NewInMemoryStore(), time.Minute)
	t.Cleanup(func() { gate.Close() })

	manager := auth.NewManager(auth.Config{
		JWTSecret:   "test-secret",
		RequireAuth: requireAuth,
		Users:       "admin@example.com:pw:Admin:admin",
	})

	svc := guard.NewService(guard.Dependencies{
		Ledger: ledger,
		Agents: agents,
		Policies: policy.NewStaticRegistry(policy.Policy{
			ID:     "kb-only",
			Status: policy.StatusApproved,
			Rules:  policy.RuleSet{Mode: policy.ModeStrict, AllowTools: policy.NewSet("kb")},
		}),
		Baselines: baseline.NewTracker(baseline.NewMemoryStore()),
		Approvals: gate,
	})

	ts := &testStack{gate: gate, ledger: ledger, agents: agents, guard: svc, auth: manager}
	ts.server = ts.newServer(t, Config{Port: 0, ShutdownTimeout: 1})
	return ts
}

func (ts *testStack) newServer(t *testing.T, cfg Config) *Server {
	t.Helper()

	s := New(cfg, Deps{
		Guard:     ts.guard,
		Approvals: ts.gate,
		Audit:     ts.ledger,
		Agents:    ts.agents,
		Auth:      ts.auth,
	})
	t.Cleanup(func() { s.hub.Shutdown() })
	return s
}

func (ts *testStack) token(t *testing.T, workspace string, roles ...string) string {
	t.Helper()
	tok, err := ts.auth.GenerateToken(auth.User{ID: "u-1", Email: "user@example.com", Roles: roles, WorkspaceID: workspace})
	require.NoError(t, err)
	return tok
}

func (ts *testStack) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	return ts.doWith(t, ts.server, method, path, token, nil, body)
}

func (ts *testStack) doWith(t *testing.T, srv *Server, method, path, token string, headers map[string]string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealthAndMetricsArePublic(t *testing.T) {
	ts := setupTestServer(t, true)

	rec := ts.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")

	rec = ts.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/v1/approvals", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLoginIssuesUsableToken(t *testing.T) {
	ts := setupTestServer(t, true)

	rec := ts.do(t, http.MethodPost, "/login", "", map[string]string{"email": "admin@example.com", "password": "pw"})
	require.Equal(t, http.StatusOK, rec.Code)
	login := decode[auth.LoginResponse](t, rec)

	rec = ts.do(t, http.MethodGet, "/me", login.Token, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "admin@example.com")
}

func TestEvaluateStatusCodes(t *testing.T) {
	ts := setupTestServer(t, false)

	rec := ts.do(t, http.MethodPost, "/v1/actions/evaluate", "", guard.ActionRequest{
		WorkspaceID: "ws-1", AgentID: "a-1", Tool: "kb", Action: "read",
	})
	assert.Equal(t, http.StatusOK, rec.Code)
	allowed := decode[guard.Result](t, rec)
	assert.Equal(t, "allow", string(allowed.Decision))
	assert.NotEmpty(t, allowed.EventHash)

	rec = ts.do(t, http.MethodPost, "/v1/actions/evaluate", "", guard.ActionRequest{
		WorkspaceID: "ws-1", AgentID: "a-1", Tool: "crm", Action: "delete",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	blocked := decode[guard.Result](t, rec)
	assert.Equal(t, guard.ReasonApprovalRequired, blocked.Reason)
	assert.NotEmpty(t, blocked.ApprovalRequestID)

	rec = ts.do(t, http.MethodPost, "/v1/actions/evaluate", "", map[string]string{"workspace_id": "ws-1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/v1/actions/evaluate", "", map[string]string{"tool": "kb", "action": "read"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

type failingEvaluator struct{}

func (failingEvaluator) Evaluate(context.Context, guard.ActionRequest) (guard.Result, error) {
	return guard.Result{}, errors.New("append audit event: disk full")
}

func TestEvaluateLedgerFailureReturns500(t *testing.T) {
	s := New(Config{}, Deps{Guard: failingEvaluator{}})
	t.Cleanup(func() { s.hub.Shutdown() })

	req := httptest.NewRequest(http.MethodPost, "/v1/actions/evaluate",
		strings.NewReader(`{"workspace_id":"ws","tool":"kb","action":"read"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "disk full")
}

func TestApprovalFlowOverHTTP(t *testing.T) {
	ts := setupTestServer(t, true)
	agentToken := ts.token(t, "ws-1", auth.RoleAgent)
	viewerToken := ts.token(t, "ws-1", auth.RoleViewer)
	approverToken := ts.token(t, "ws-1", auth.RoleApprover)

	action := guard.ActionRequest{AgentID: "a-1", Tool: "payments", Action: "transfer_funds"}
	rec := ts.do(t, http.MethodPost, "/v1/actions/evaluate", agentToken, action)
	require.Equal(t, http.StatusForbidden, rec.Code)
	blocked := decode[guard.Result](t, rec)
	require.NotEmpty(t, blocked.ApprovalRequestID)

	rec = ts.do(t, http.MethodGet, "/v1/approvals", viewerToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	listing := decode[struct {
		Total     int                `json:"total"`
		Approvals []approval.Request `json:"approvals"`
	}](t, rec)
	require.Equal(t, 1, listing.Total)
	assert.Equal(t, blocked.ApprovalRequestID, listing.Approvals[0].ID)
	assert.Equal(t, "user@example.com", listing.Approvals[0].RequestedBy)

	approvePath := "/v1/approvals/" + blocked.ApprovalRequestID + "/approve"
	rec = ts.do(t, http.MethodPost, approvePath, viewerToken, map[string]string{"note": "ok"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(t, http.MethodPost, approvePath, approverToken, map[string]string{"note": "ok"})
	require.Equal(t, http.StatusOK, rec.Code)
	resolved := decode[approval.Request](t, rec)
	assert.Equal(t, approval.StatusApproved, resolved.Status)
	assert.Equal(t, "user@example.com", resolved.ResolvedBy)

	rec = ts.do(t, http.MethodPost, approvePath, approverToken, map[string]string{"note": "again"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	action.ApprovalRequestID = blocked.ApprovalRequestID
	rec = ts.do(t, http.MethodPost, "/v1/actions/evaluate", agentToken, action)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/v1/approvals/"+blocked.ApprovalRequestID, viewerToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	consumed := decode[approval.Request](t, rec)
	assert.NotNil(t, consumed.ConsumedAt)
}

func TestRejectRequiresReason(t *testing.T) {
	ts := setupTestServer(t, false)
	ctx := context.Background()

	req, err := ts.gate.CreateRequest(ctx, approval.NewRequest{WorkspaceID: "ws-1", AgentID: "a", Tool: "db", Action: "drop"})
	require.NoError(t, err)

	path := "/v1/approvals/" + req.ID + "/reject"
	rec := ts.do(t, http.MethodPost, path, "", map[string]string{"approver": "lead"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, path, "", map[string]string{"reason": "no"})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "approver is required when unauthenticated")

	rec = ts.do(t, http.MethodPost, path, "", map[string]string{"approver": "lead", "reason": "unsafe"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, approval.StatusRejected, decode[approval.Request](t, rec).Status)

	rec = ts.do(t, http.MethodPost, "/v1/approvals/missing/reject", "", map[string]string{"approver": "lead", "reason": "x"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWorkspaceScoping(t *testing.T) {
	ts := setupTestServer(t, true)
	token := ts.token(t, "ws-1", auth.RoleAdmin)

	rec := ts.do(t, http.MethodPost, "/v1/actions/evaluate", token, guard.ActionRequest{
		WorkspaceID: "ws-2", Tool: "kb", Action: "read",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(t, http.MethodGet, "/v1/audit?workspace_id=ws-2", token, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	other, err := ts.gate.CreateRequest(context.Background(), approval.NewRequest{WorkspaceID: "ws-2", AgentID: "a", Tool: "db", Action: "drop"})
	require.NoError(t, err)
	rec = ts.do(t, http.MethodGet, "/v1/approvals/"+other.ID, token, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAuditQueryAndVerify(t *testing.T) {
	ts := setupTestServer(t, false)

	for _, agentID := range []string{"a-1", "a-2", "a-1"} {
		rec := ts.do(t, http.MethodPost, "/v1/actions/evaluate", "", guard.ActionRequest{
			WorkspaceID: "ws-1", AgentID: agentID, Tool: "kb", Action: "read",
		})
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := ts.do(t, http.MethodGet, "/v1/audit?workspace_id=ws-1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	all := decode[struct {
		Total   int           `json:"total"`
		Entries []audit.Event `json:"entries"`
	}](t, rec)
	assert.Equal(t, 3, all.Total)

	rec = ts.do(t, http.MethodGet, "/v1/audit?workspace_id=ws-1&agent_id=a-1&limit=1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[struct {
		Total int `json:"total"`
	}](t, rec).Total)

	rec = ts.do(t, http.MethodGet, "/v1/audit?workspace_id=ws-1&from=yesterday", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodGet, "/v1/audit", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodGet, "/v1/audit/verify?workspace_id=ws-1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	result := decode[audit.VerifyResult](t, rec)
	assert.True(t, result.Valid)
	assert.Equal(t, 3, result.Total)
}

func TestWebSocketPendingFeed(t *testing.T) {
	ts := setupTestServer(t, true)
	srv := httptest.NewServer(ts.server.Handler())
	defer srv.Close()

	ctx := context.Background()
	_, err := ts.gate.CreateRequest(ctx, approval.NewRequest{WorkspaceID: "ws-1", AgentID: "a", Tool: "db", Action: "drop"})
	require.NoError(t, err)
	_, err = ts.gate.CreateRequest(ctx, approval.NewRequest{WorkspaceID: "ws-2", AgentID: "b", Tool: "db", Action: "drop"})
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=" + ts.token(t, "ws-1", auth.RoleViewer)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var msg WSMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, MessagePendingSnapshot, msg.Type)
	require.Len(t, msg.Pending, 1)
	assert.Equal(t, "ws-1", msg.Pending[0].WorkspaceID)

	_, _, err = websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	assert.Error(t, err, "unauthenticated upgrade must be refused")
}

func TestPendingGaugeFollowsGate(t *testing.T) {
	ts := setupTestServer(t, false)
	ctx := context.Background()

	gauge := func(want string) func() bool {
		return func() bool {
			rec := ts.do(t, http.MethodGet, "/metrics", "", nil)
			return strings.Contains(rec.Body.String(), "agentguard_pending_approvals "+want+"\n")
		}
	}

	req, err := ts.gate.CreateRequest(ctx, approval.NewRequest{WorkspaceID: "ws-1", AgentID: "a", Tool: "db", Action: "drop"})
	require.NoError(t, err)
	assert.Eventually(t, gauge("1"), 3*time.Second, 20*time.Millisecond)

	_, err = ts.gate.Approve(ctx, req.ID, "lead", "")
	require.NoError(t, err)
	assert.Eventually(t, gauge("0"), 3*time.Second, 20*time.Millisecond)
}

func TestAgentRegistrationAndKeys(t *testing.T) {
	ts := setupTestServer(t, true)
	admin := ts.token(t, "", auth.RoleAdmin)
	viewer := ts.token(t, "", auth.RoleViewer)

	body := map[string]string{"id": "bot", "workspace_id": "ws-1", "name": "Bot", "policy_id": "kb-only"}
	rec := ts.do(t, http.MethodPost, "/v1/agents", viewer, body)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(t, http.MethodPost, "/v1/agents", admin, map[string]string{"id": "bot", "workspace_id": "ws-1", "status": "paused"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/v1/agents", admin, body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	registered := decode[agent.Agent](t, rec)
	assert.Equal(t, "kb-only", registered.PolicyID)
	assert.Equal(t, agent.StatusActive, registered.Status)

	rec = ts.do(t, http.MethodGet, "/v1/agents/bot?workspace_id=ws-1", viewer, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = ts.do(t, http.MethodGet, "/v1/agents/ghost?workspace_id=ws-1", viewer, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodPost, "/v1/agents/ghost/keys", admin, map[string]string{"workspace_id": "ws-1"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodPost, "/v1/agents/bot/keys", admin, map[string]string{"workspace_id": "ws-1", "label": "primary"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	key := decode[agent.Key](t, rec)
	assert.Equal(t, agent.KeyActive, key.Status)

	rec = ts.do(t, http.MethodGet, "/v1/agents/bot/keys?workspace_id=ws-1", viewer, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = ts.do(t, http.MethodGet, "/v1/agents/bot/keys?workspace_id=ws-1", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode[map[string]any](t, rec)["total"])
}

func TestAgentKeyGatesEvaluation(t *testing.T) {
	ts := setupTestServer(t, true)
	admin := ts.token(t, "", auth.RoleAdmin)
	caller := ts.token(t, "ws-1", auth.RoleAgent)

	rec := ts.do(t, http.MethodPost, "/v1/agents", admin, map[string]string{"id": "bot", "workspace_id": "ws-1", "policy_id": "kb-only"})
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = ts.do(t, http.MethodPost, "/v1/agents/bot/keys", admin, map[string]string{"workspace_id": "ws-1"})
	require.Equal(t, http.StatusCreated, rec.Code)
	key := decode[agent.Key](t, rec)

	evaluate := func(keyID, tool string) (int, guard.Result) {
		headers := map[string]string{}
		if keyID != "" {
			headers[HeaderAgentKey] = keyID
		}
		rec := ts.doWith(t, ts.server, http.MethodPost, "/v1/actions/evaluate", caller, headers,
			map[string]string{"tool": tool, "action": "read"})
		return rec.Code, decode[guard.Result](t, rec)
	}

	// the key names the agent, and its assigned policy applies
	code, res := evaluate(key.ID, "kb")
	assert.Equal(t, http.StatusOK, code)
	code, res = evaluate(key.ID, "crm")
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, policy.ReasonToolNotAllowlisted, res.Reason)

	code, res = evaluate("not-a-key", "kb")
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, agent.ReasonCredentialUnknown, res.Reason)

	rec = ts.do(t, http.MethodPost, "/v1/agents/bot/keys/revoke", admin, map[string]string{"workspace_id": "ws-1"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode[map[string]any](t, rec)["revoked"])

	code, res = evaluate(key.ID, "kb")
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, agent.ReasonCredentialRevoked, res.Reason)
	assert.NotZero(t, res.EventID)

	events, err := ts.ledger.Query(context.Background(), audit.Query{WorkspaceID: "ws-1"})
	require.NoError(t, err)
	require.Len(t, events, 4)
	last := events[3]
	assert.Equal(t, "bot", last.AgentID)
	assert.Equal(t, agent.ReasonCredentialRevoked, last.Reason)

	// without a key the request is evaluated as sent
	code, _ = evaluate("", "kb")
	assert.Equal(t, http.StatusOK, code)

	strict := ts.newServer(t, Config{ShutdownTimeout: 1, RequireAgentKey: true})
	rec = ts.doWith(t, strict, http.MethodPost, "/v1/actions/evaluate", caller, nil,
		map[string]string{"agent_id": "bot", "tool": "kb", "action": "read"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, agent.ReasonCredentialMissing, decode[guard.Result](t, rec).Reason)
}

func TestWSMessageForWorkspace(t *testing.T) {
	msg := WSMessage{
		Type: MessagePendingSnapshot,
		Pending: []approval.Request{
			{ID: "1", WorkspaceID: "a"},
			{ID: "2", WorkspaceID: "b"},
		},
		Total: 2,
	}

	scoped, ok := msg.forWorkspace("b")
	require.True(t, ok)
	assert.Equal(t, 1, scoped.Total)
	assert.Equal(t, "2", scoped.Pending[0].ID)

	all, _ := msg.forWorkspace("")
	assert.Equal(t, 2, all.Total)
}

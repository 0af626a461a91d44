package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yuv2819-cmyk/AgentGuard/internal/agent"
	"github.com/yuv2819-cmyk/AgentGuard/internal/approval"
	"github.com/yuv2819-cmyk/AgentGuard/internal/audit"
	"github.com/yuv2819-cmyk/AgentGuard/internal/auth"
	"github.com/yuv2819-cmyk/AgentGuard/internal/baseline"
	"github.com/yuv2819-cmyk/AgentGuard/internal/guard"
	"github.com/yuv2819-cmyk/AgentGuard/internal/playbook"
	"github.com/yuv2819-cmyk/AgentGuard/internal/policy"
	"github.com/yuv2819-cmyk/AgentGuard/internal/server"
	"github.com/yuv2819-cmyk/AgentGuard/internal/sink"
	"github.com/yuv2819-cmyk/AgentGuard/internal/storage"
	"github.com/yuv2819-cmyk/AgentGuard/internal/webhook"
)

// TestEnvironment wires every component against one SQLite file, the way
// the serve command does.
type TestEnvironment struct {
	Server     *server.Server
	HTTPServer *httptest.Server
	Guard      *guard.Service
	Ledger     *audit.SQLiteLedger
	Agents     *agent.Registry
	Gate       *approval.Gate
	Policies   *policy.Registry
	Playbooks  *playbook.SQLiteStore
	Executor   *playbook.Executor
	Webhook    *WebhookReceiver
	PolicyDir  string
	DBPath     string
	t          *testing.T
}

func SetupTestEnvironment(t *testing.T) *TestEnvironment {
	t.Helper()

	tmpDir := t.TempDir()
	policyDir := filepath.Join(tmpDir, "policies")
	dbPath := filepath.Join(tmpDir, "test.db")
	require.NoError(t, os.MkdirAll(policyDir, 0755))

	db, err := storage.Open(dbPath)
	require.NoError(t, err)

	ledger, err := audit.NewSQLiteLedger(db)
	require.NoError(t, err)
	agents, err := agent.NewRegistry(db)
	require.NoError(t, err)
	baselines, err := baseline.NewSQLiteStore(db)
	require.NoError(t, err)
	approvals, err := approval.NewSQLiteStore(db)
	require.NoError(t, err)
	playbooks, err := playbook.NewSQLiteStore(db)
	require.NoError(t, err)
	policies, err := policy.NewRegistry(policyDir)
	require.NoError(t, err)

	gate := approval.NewGate(approvals, time.Minute)
	executor := playbook.NewExecutor(playbooks, agents, gate, webhook.NewClient(2*time.Second), 2*time.Second)
	dispatcher := sink.NewDispatcher(sink.NopSink{}, time.Second)

	env := &TestEnvironment{
		Ledger:    ledger,
		Agents:    agents,
		Gate:      gate,
		Policies:  policies,
		Playbooks: playbooks,
		Executor:  executor,
		Webhook:   NewWebhookReceiver(),
		PolicyDir: policyDir,
		DBPath:    dbPath,
		t:         t,
	}
	env.Guard = guard.NewService(guard.Dependencies{
		Ledger:    ledger,
		Agents:    agents,
		Policies:  policies,
		Baselines: baseline.NewTracker(baselines),
		Approvals: gate,
		Playbooks: executor,
		Sink:      dispatcher,
	})

	t.Cleanup(func() {
		if env.HTTPServer != nil {
			env.HTTPServer.Close()
		}
		if env.Server != nil {
			_ = env.Server.Shutdown(context.Background())
		}
		executor.Wait()
		_ = dispatcher.Close()
		env.Webhook.Close()
		_ = policies.Close()
		_ = gate.Close()
		_ = db.Close()
	})

	return env
}

// StartServer serves the real router on an ephemeral port.
func (e *TestEnvironment) StartServer() {
	e.Server = server.New(server.Config{ShutdownTimeout: 5}, server.Deps{
		Guard:     e.Guard,
		Approvals: e.Gate,
		Audit:     e.Ledger,
		Agents:    e.Agents,
		Auth: auth.NewManager(auth.Config{
			JWTSecret:   "test-secret",
			RequireAuth: false,
		}),
	})
	e.HTTPServer = httptest.NewServer(e.Server.Handler())
}

func (e *TestEnvironment) BaseURL() string {
	return e.HTTPServer.URL
}

func (e *TestEnvironment) WritePolicy(filename, content string) error {
	return os.WriteFile(filepath.Join(e.PolicyDir, filename), []byte(content), 0644)
}

// WaitForPolicy polls the registry until the policy reaches status.
func (e *TestEnvironment) WaitForPolicy(id string, status policy.Status, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if p, ok := e.Policies.Get(id); ok && p.Status == status {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("policy %s did not reach %s within %v", id, status, timeout)
}

// SeedPlaybooks writes a playbook file and loads it into the store.
func (e *TestEnvironment) SeedPlaybooks(content string) {
	e.t.Helper()

	path := filepath.Join(e.t.TempDir(), "playbooks.yaml")
	require.NoError(e.t, os.WriteFile(path, []byte(content), 0644))
	_, err := playbook.Seed(context.Background(), e.Playbooks, path)
	require.NoError(e.t, err)
}

// Evaluate posts an action request and decodes the decision.
func (e *TestEnvironment) Evaluate(req guard.ActionRequest) (int, guard.Result) {
	e.t.Helper()

	var result guard.Result
	status := e.postJSON("/v1/actions/evaluate", req, &result)
	return status, result
}

func (e *TestEnvironment) Approve(id, approver string) int {
	e.t.Helper()
	return e.postJSON("/v1/approvals/"+id+"/approve", map[string]string{"approver": approver}, nil)
}

func (e *TestEnvironment) postJSON(path string, body, out any) int {
	e.t.Helper()

	payload, err := json.Marshal(body)
	require.NoError(e.t, err)

	resp, err := e.HTTPClient().Post(e.BaseURL()+path, "application/json", bytes.NewReader(payload))
	require.NoError(e.t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(e.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (e *TestEnvironment) HTTPClient() *http.Client {
	return &http.Client{
		Timeout: 10 * time.Second,
	}
}

// WebhookReceiver records every JSON payload posted to it.
type WebhookReceiver struct {
	*httptest.Server

	mu       sync.Mutex
	payloads []map[string]any
	headers  []http.Header
}

func NewWebhookReceiver() *WebhookReceiver {
	w := &WebhookReceiver{}
	w.Server = httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(rw, err.Error(), http.StatusBadRequest)
			return
		}

		w.mu.Lock()
		w.payloads = append(w.payloads, payload)
		w.headers = append(w.headers, r.Header.Clone())
		w.mu.Unlock()

		rw.WriteHeader(http.StatusNoContent)
	}))
	return w
}

func (w *WebhookReceiver) Payloads() ([]map[string]any, []http.Header) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]map[string]any(nil), w.payloads...), append([]http.Header(nil), w.headers...)
}

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pairdev/pairdev/internal/agent/scheduler"
	"github.com/pairdev/pairdev/internal/agent/spawner"
	"github.com/pairdev/pairdev/internal/common/config"
	"github.com/pairdev/pairdev/internal/common/logger"
	"github.com/pairdev/pairdev/internal/events/bus"
	"github.com/pairdev/pairdev/internal/gitsync"
	"github.com/pairdev/pairdev/internal/sandbox/local"
	"github.com/pairdev/pairdev/internal/sandbox/snapshot"
	"github.com/pairdev/pairdev/internal/sandbox/warmpool"
	"github.com/pairdev/pairdev/internal/session/manager"
	"github.com/pairdev/pairdev/internal/session/store"
	v1 "github.com/pairdev/pairdev/pkg/api/v1"
)

type testStack struct {
	server   *Server
	provider *local.Provider
	sessions *manager.Manager
}

func newStack(t *testing.T) *testStack {
	t.Helper()
	log := logger.Default()
	eventBus := bus.NewMemoryEventBus(log)
	provider := local.NewProvider(10*time.Second, log)
	pool := warmpool.New(provider, config.WarmPoolConfig{
		MaxPerKey: 3, TTLMinutes: 30, WarmTimeout: 30, HighWaterMark: 0,
	}, eventBus, log)
	snapshots := snapshot.New(provider, config.SnapshotConfig{TTLHours: 24, SweepInterval: 300}, eventBus, log)
	sessions := manager.NewManager(store.NewMemoryStore(), eventBus, config.SessionConfig{
		MaxUsersPerSession: 10, MaxClientsPerUser: 5, MaxPrompts: 50, AllowReorder: true, LockTimeout: 300,
	}, log)
	gate := gitsync.NewGate(sessions, eventBus, log)
	require.NoError(t, gate.Start())
	sched := scheduler.New(spawner.New(eventBus, log), config.SchedulerConfig{
		MaxConcurrent: 2, MaxQueued: 10, MaxPerSession: 5, InitTimeout: 5, RunTimeout: 5, AutoProcess: true,
	}, scheduler.Callbacks{
		Initialize: func(_ context.Context, _ *v1.Agent) (string, error) { return "sbx-1", nil },
		Run:        func(_ context.Context, _ *v1.Agent) (string, error) { return "done", nil },
	}, log)

	srv := New(config.ServerConfig{Host: "127.0.0.1", Port: 8080, ReadTimeout: 5, WriteTimeout: 5}, log)
	RegisterSandboxRoutes(srv.Engine(), provider, pool, snapshots, log)
	RegisterBackgroundRoutes(srv.Engine(), sched, eventBus, log)
	RegisterSessionRoutes(srv.Engine(), sessions, gate, log)

	t.Cleanup(func() {
		sched.Stop()
		gate.Stop()
		sessions.Close()
		snapshots.Stop()
		pool.Stop()
		_ = provider.Close()
		eventBus.Close()
	})
	return &testStack{server: srv, provider: provider, sessions: sessions}
}

func (s *testStack) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.server.Engine().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), out))
}

func TestHealth(t *testing.T) {
	s := newStack(t)
	w := s.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSandboxLifecycleOverHTTP(t *testing.T) {
	s := newStack(t)

	w := s.do(t, http.MethodPost, "/api/v1/sandbox", map[string]string{
		"project_id": "proj-1",
		"repository": "https://github.com/acme/api",
		"branch":     "main",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var sb v1.Sandbox
	decode(t, w, &sb)
	require.NotEmpty(t, sb.ID)
	assert.Equal(t, v1.SandboxRunning, sb.Status)

	w = s.do(t, http.MethodGet, "/api/v1/sandbox/"+sb.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/sandbox/"+sb.ID+"/exec", map[string]interface{}{
		"command": []string{"echo", "hello"},
	})
	require.Equal(t, http.StatusOK, w.Code)
	var result v1.ExecResult
	decode(t, w, &result)
	assert.Equal(t, 0, result.ExitCode)
	assert.Contains(t, result.Stdout, "hello")

	w = s.do(t, http.MethodPost, "/api/v1/sandbox/"+sb.ID+"/terminate", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/sandbox/"+sb.ID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	var errBody struct {
		Error struct {
			Kind    string `json:"kind"`
			Message string `json:"message"`
		} `json:"error"`
	}
	decode(t, w, &errBody)
	assert.Equal(t, "not_found", errBody.Error.Kind)
}

func TestSnapshotEndpoints(t *testing.T) {
	s := newStack(t)

	w := s.do(t, http.MethodPost, "/api/v1/sandbox", map[string]string{
		"repository": "https://github.com/acme/api",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var sb v1.Sandbox
	decode(t, w, &sb)

	w = s.do(t, http.MethodPost, "/api/v1/sandbox/"+sb.ID+"/snapshot", map[string]interface{}{
		"sessionID": "sess-1",
		"gitCommit": "abc123",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/sandbox/restore", map[string]string{"sessionID": "sess-1"})
	require.Equal(t, http.StatusOK, w.Code)
	var restored v1.Sandbox
	decode(t, w, &restored)
	assert.NotEqual(t, sb.ID, restored.ID)

	// Snapshot was consumed by the restore.
	w = s.do(t, http.MethodPost, "/api/v1/sandbox/restore", map[string]string{"sessionID": "sess-1"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPoolEndpoints(t *testing.T) {
	s := newStack(t)

	w := s.do(t, http.MethodPost, "/api/v1/sandbox/pool/claim", map[string]string{
		"repository": "https://github.com/acme/api",
		"branch":     "main",
		"projectID":  "proj-1",
	})
	require.Equal(t, http.StatusOK, w.Code)
	var claim struct {
		Sandbox *v1.Sandbox `json:"Sandbox"`
		Reason  string      `json:"Reason"`
	}
	decode(t, w, &claim)
	assert.Equal(t, "miss", claim.Reason)

	w = s.do(t, http.MethodPost, "/api/v1/sandbox/pool/typing", map[string]string{
		"repository": "https://github.com/acme/api",
	})
	assert.Equal(t, http.StatusAccepted, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/sandbox/pool/stats", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestBackgroundAgentOverHTTP(t *testing.T) {
	s := newStack(t)

	w := s.do(t, http.MethodPost, "/api/v1/background/spawn", map[string]string{
		"parentSessionID": "sess-1",
		"task":            "summarize the diff",
	})
	require.Equal(t, http.StatusAccepted, w.Code)
	var agent v1.Agent
	decode(t, w, &agent)
	require.NotEmpty(t, agent.ID)

	require.Eventually(t, func() bool {
		w := s.do(t, http.MethodGet, "/api/v1/background/"+agent.ID, nil)
		if w.Code != http.StatusOK {
			return false
		}
		var current v1.Agent
		decode(t, w, &current)
		return current.Status == v1.AgentCompleted
	}, 5*time.Second, 10*time.Millisecond)

	w = s.do(t, http.MethodGet, "/api/v1/background/"+agent.ID+"/output", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var output struct {
		Output string `json:"output"`
	}
	decode(t, w, &output)
	assert.Equal(t, "done", output.Output)

	// Cancelling a terminal agent conflicts.
	w = s.do(t, http.MethodPost, "/api/v1/background/"+agent.ID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestSessionAndPromptsOverHTTP(t *testing.T) {
	s := newStack(t)

	w := s.do(t, http.MethodPost, "/api/v1/session", map[string]string{
		"id":                     "sess-1",
		"linked_work_session_id": "work-1",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	// Duplicate create conflicts.
	w = s.do(t, http.MethodPost, "/api/v1/session", map[string]string{"id": "sess-1"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/session/sess-1/join", map[string]string{
		"user_id": "u1", "display_name": "Ada",
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/session/sess-1/prompts", map[string]string{
		"user_id": "u1", "content": "fix the tests", "priority": "normal",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var prompt v1.Prompt
	decode(t, w, &prompt)
	require.NotEmpty(t, prompt.ID)

	w = s.do(t, http.MethodPost, "/api/v1/session/sess-1/prompts/next", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var next struct {
		Prompt *v1.Prompt `json:"prompt"`
	}
	decode(t, w, &next)
	require.NotNil(t, next.Prompt)
	assert.Equal(t, v1.PromptExecuting, next.Prompt.Status)

	// Single-flight: no second prompt to start.
	w = s.do(t, http.MethodPost, "/api/v1/session/sess-1/prompts/next", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var second struct {
		Prompt *v1.Prompt `json:"prompt"`
	}
	decode(t, w, &second)
	assert.Nil(t, second.Prompt)

	w = s.do(t, http.MethodPost, "/api/v1/session/sess-1/prompts/complete", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// Lock endpoints.
	w = s.do(t, http.MethodPost, "/api/v1/session/sess-1/lock", map[string]string{"user_id": "u1"})
	assert.Equal(t, http.StatusOK, w.Code)
	w = s.do(t, http.MethodGet, "/api/v1/session/sess-1/can-edit?userID=u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var canEdit struct {
		CanEdit bool `json:"canEdit"`
	}
	decode(t, w, &canEdit)
	assert.True(t, canEdit.CanEdit)

	w = s.do(t, http.MethodDelete, "/api/v1/session/sess-1/lock", map[string]string{"user_id": "u1"})
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodDelete, "/api/v1/session/sess-1", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = s.do(t, http.MethodGet, "/api/v1/session/sess-1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdmitToolOverHTTP(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	_, err := s.sessions.Create(ctx, manager.CreateInput{ID: "sess-1", LinkedWorkSessionID: "work-1"})
	require.NoError(t, err)

	// Reads admit regardless of sync state.
	w := s.do(t, http.MethodPost, "/api/v1/session/sess-1/admit", map[string]string{"tool": "read"})
	assert.Equal(t, http.StatusOK, w.Code)

	// Unknown tool is a validation error.
	w = s.do(t, http.MethodPost, "/api/v1/session/sess-1/admit", map[string]string{"tool": "teleport"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Writes admit once synced.
	synced := v1.GitSyncSynced
	_, err = s.sessions.UpdateState(ctx, "sess-1", manager.StatePatch{GitSyncStatus: &synced})
	require.NoError(t, err)
	w = s.do(t, http.MethodPost, "/api/v1/session/sess-1/admit", map[string]string{"tool": "edit"})
	assert.Equal(t, http.StatusOK, w.Code)
}

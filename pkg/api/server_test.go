package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/darianrosebrook/agent-agency/pkg/config"
	"github.com/darianrosebrook/agent-agency/pkg/runtime"
	"github.com/darianrosebrook/agent-agency/pkg/types"
)

func newTestServer(t *testing.T) (*Server, *runtime.Runtime) {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.ArtifactRoot = filepath.Join(cfg.DataDir, "artifacts")
	cfg.TaskTimeoutMs = 5000

	rt, err := runtime.New(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, rt.Start())
	t.Cleanup(rt.Stop)

	return NewServer(rt, nil), rt
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestStatusEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	w := doJSON(t, s, http.MethodGet, "/v1/status", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var status StatusResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&status))
	assert.Equal(t, 0, status.QueueDepth)
}

func TestAgentRegistrationAndListing(t *testing.T) {
	s, _ := newTestServer(t)

	profile := &types.AgentProfile{
		ID:          "a1",
		Name:        "agent a1",
		ModelFamily: "gpt",
		Capability:  &types.Capability{TaskKinds: []string{"doc-gen"}},
		Load:        &types.LoadInfo{MaxConcurrency: 4},
		Performance: &types.PerformanceHistory{SuccessRate: 0.9},
	}
	w := doJSON(t, s, http.MethodPost, "/v1/agents", profile)
	require.Equal(t, http.StatusCreated, w.Code)

	// Duplicate registration conflicts
	w = doJSON(t, s, http.MethodPost, "/v1/agents", profile)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doJSON(t, s, http.MethodGet, "/v1/agents", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var agents []*types.AgentProfile
	require.NoError(t, json.NewDecoder(w.Body).Decode(&agents))
	assert.Len(t, agents, 1)

	w = doJSON(t, s, http.MethodGet, "/v1/agents/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, s, http.MethodDelete, "/v1/agents/a1", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, s, http.MethodDelete, "/v1/agents/a1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTaskSubmissionFlow(t *testing.T) {
	s, rt := newTestServer(t)

	_, err := rt.Registry.Register(&types.AgentProfile{
		ID:          "a1",
		Name:        "agent a1",
		ModelFamily: "gpt",
		Capability:  &types.Capability{TaskKinds: []string{"doc-gen"}},
		Load:        &types.LoadInfo{MaxConcurrency: 4},
		Performance: &types.PerformanceHistory{SuccessRate: 0.9},
	})
	require.NoError(t, err)

	req := &types.TaskRequest{
		Description:   "generate docs",
		Priority:      types.PriorityMedium,
		RequiredKinds: []string{"doc-gen"},
	}
	w := doJSON(t, s, http.MethodPost, "/v1/tasks", req)
	require.Equal(t, http.StatusAccepted, w.Code)

	var task types.Task
	require.NoError(t, json.NewDecoder(w.Body).Decode(&task))
	require.NotEmpty(t, task.ID)

	w = doJSON(t, s, http.MethodGet, "/v1/tasks/"+task.ID+"/wait?timeout_ms=10000", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var final types.Task
	require.NoError(t, json.NewDecoder(w.Body).Decode(&final))
	assert.Equal(t, types.TaskStateCompleted, final.State)
	require.NotEmpty(t, final.VerdictID)

	w = doJSON(t, s, http.MethodGet, "/v1/verdicts/"+final.VerdictID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	// A committed verdict replays cleanly
	w = doJSON(t, s, http.MethodPost, "/v1/verdicts/"+final.VerdictID+"/replay", nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestSubmitWithoutAgentsRejected(t *testing.T) {
	s, _ := newTestServer(t)

	req := &types.TaskRequest{
		Description:   "generate docs",
		RequiredKinds: []string{"doc-gen"},
	}
	w := doJSON(t, s, http.MethodPost, "/v1/tasks", req)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestSubmitMalformedBody(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/tasks", bytes.NewBufferString("{not json"))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCancelUnknownTask(t *testing.T) {
	s, _ := newTestServer(t)

	w := doJSON(t, s, http.MethodPost, "/v1/tasks/nope/cancel", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealthEndpoints(t *testing.T) {
	s, _ := newTestServer(t)

	for _, path := range []string{"/live", "/metrics"} {
		w := doJSON(t, s, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusOK, w.Code, path)
	}
}

func TestShutdownEndpoint(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.ArtifactRoot = filepath.Join(cfg.DataDir, "artifacts")

	rt, err := runtime.New(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, rt.Start())
	t.Cleanup(rt.Stop)

	called := make(chan struct{})
	s := NewServer(rt, func() { close(called) })

	w := doJSON(t, s, http.MethodPost, "/v1/shutdown", nil)
	assert.Equal(t, http.StatusAccepted, w.Code)

	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("shutdown callback not invoked")
	}
}

package runtime

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/darianrosebrook/agent-agency/pkg/config"
	"github.com/darianrosebrook/agent-agency/pkg/errdefs"
	"github.com/darianrosebrook/agent-agency/pkg/metrics"
	"github.com/darianrosebrook/agent-agency/pkg/types"
)

func testConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.ArtifactRoot = filepath.Join(cfg.DataDir, "artifacts")
	cfg.TaskTimeoutMs = 5000
	cfg.BackoffInitialMs = 10
	cfg.BackoffMaxMs = 50
	return cfg
}

func TestRuntimeLifecycle(t *testing.T) {
	rt, err := New(testConfig(t), nil)
	require.NoError(t, err)
	require.NoError(t, rt.Start())
	defer rt.Stop()

	// Starting twice is rejected
	assert.True(t, errdefs.IsKind(rt.Start(), errdefs.KindConflict))

	_, err = rt.Registry.Register(&types.AgentProfile{
		ID:          "a1",
		Name:        "agent a1",
		ModelFamily: "gpt",
		Capability:  &types.Capability{TaskKinds: []string{"doc-gen"}},
		Load:        &types.LoadInfo{MaxConcurrency: 4},
		Performance: &types.PerformanceHistory{SuccessRate: 0.9},
	})
	require.NoError(t, err)

	task, err := rt.Orchestrator.Submit(context.Background(), &types.TaskRequest{
		Description:   "generate docs",
		Priority:      types.PriorityMedium,
		RequiredKinds: []string{"doc-gen"},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	final, err := rt.Orchestrator.WaitForCompletion(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateCompleted, final.State)
	assert.NotEmpty(t, final.VerdictID)

	status := rt.Orchestrator.Status()
	assert.Equal(t, 1, status.ByState[types.TaskStateCompleted])
}

func TestRuntimeWiresHealthChecks(t *testing.T) {
	rt, err := New(testConfig(t), nil)
	require.NoError(t, err)
	require.NoError(t, rt.Start())

	status := metrics.GetHealth()
	assert.Equal(t, metrics.StatusHealthy, status.Components["storage"])
	assert.Equal(t, metrics.StatusHealthy, status.Components["queue"])

	rt.Stop()

	// Stop withdraws the checks rather than leaving them pinging a
	// closed store
	status = metrics.GetHealth()
	assert.NotContains(t, status.Components, "queue")
}

func TestRuntimeStopIsIdempotent(t *testing.T) {
	rt, err := New(testConfig(t), nil)
	require.NoError(t, err)
	require.NoError(t, rt.Start())

	rt.Stop()
	rt.Stop()
}

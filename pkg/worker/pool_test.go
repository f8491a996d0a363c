package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/darianrosebrook/agent-agency/pkg/errdefs"
	"github.com/darianrosebrook/agent-agency/pkg/types"
)

func poolTask(id string) *types.Task {
	return &types.Task{
		ID:      id,
		State:   types.TaskStateAssigned,
		Request: &types.TaskRequest{Description: "work"},
	}
}

func TestPoolExecutesTask(t *testing.T) {
	pool := NewPool(DefaultPoolConfig(t.TempDir()), nil)
	pool.Start()
	defer pool.Stop()

	require.NoError(t, pool.Submit(context.Background(), poolTask("t1"), "a1"))

	select {
	case result := <-pool.Results():
		require.NoError(t, result.Err)
		assert.Equal(t, "t1", result.Task.ID)
		assert.Equal(t, "a1", result.AgentID)
		assert.True(t, result.Outcome.Success)
		require.NotNil(t, result.Manifest)
		assert.NotEmpty(t, result.Manifest.Files)
	case <-time.After(5 * time.Second):
		t.Fatal("no result delivered")
	}
}

func TestPoolSaturationFailsFast(t *testing.T) {
	cfg := DefaultPoolConfig(t.TempDir())
	cfg.MinWorkers = 1
	cfg.MaxWorkers = 1
	pool := NewPool(cfg, &SimulatedExecutor{Delay: 2 * time.Second})
	pool.Start()
	defer pool.Stop()

	require.NoError(t, pool.Submit(context.Background(), poolTask("t1"), "a1"))

	// The single worker is busy; admission must not block
	start := time.Now()
	err := pool.Submit(context.Background(), poolTask("t2"), "a1")
	assert.True(t, errdefs.IsKind(err, errdefs.KindQueueFull))
	assert.Less(t, time.Since(start), time.Second)
}

func TestPoolGrowsUnderLoad(t *testing.T) {
	cfg := DefaultPoolConfig(t.TempDir())
	cfg.MinWorkers = 1
	cfg.MaxWorkers = 4
	pool := NewPool(cfg, &SimulatedExecutor{Delay: 300 * time.Millisecond})
	pool.Start()
	defer pool.Stop()

	for i := 0; i < 4; i++ {
		require.NoError(t, pool.Submit(context.Background(), poolTask(fmt.Sprintf("t%d", i)), "a1"))
	}
	assert.Equal(t, 4, pool.Workers())

	for i := 0; i < 4; i++ {
		select {
		case result := <-pool.Results():
			require.NoError(t, result.Err)
		case <-time.After(5 * time.Second):
			t.Fatal("results missing")
		}
	}
}

func TestPoolReapsIdleWorkers(t *testing.T) {
	cfg := DefaultPoolConfig(t.TempDir())
	cfg.MinWorkers = 1
	cfg.MaxWorkers = 4
	cfg.IdleTimeout = 50 * time.Millisecond
	pool := NewPool(cfg, nil)
	pool.Start()
	defer pool.Stop()

	for i := 0; i < 4; i++ {
		require.NoError(t, pool.Submit(context.Background(), poolTask(fmt.Sprintf("t%d", i)), "a1"))
		<-pool.Results()
	}

	assert.Eventually(t, func() bool { return pool.Workers() == 1 },
		2*time.Second, 20*time.Millisecond)
}

func TestPoolHonorsCancellation(t *testing.T) {
	pool := NewPool(DefaultPoolConfig(t.TempDir()), &SimulatedExecutor{Delay: 5 * time.Second})
	pool.Start()
	defer pool.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, pool.Submit(ctx, poolTask("t1"), "a1"))
	cancel()

	select {
	case result := <-pool.Results():
		require.Error(t, result.Err)
		assert.True(t, errdefs.IsKind(result.Err, errdefs.KindTimeout))
	case <-time.After(2 * time.Second):
		t.Fatal("cancellation not observed")
	}
}

type failingExecutor struct {
	calls int32
}

func (e *failingExecutor) Execute(ctx context.Context, task *types.Task, agentID, sandboxDir string) (*types.TaskOutcome, error) {
	atomic.AddInt32(&e.calls, 1)
	return nil, errdefs.E(errdefs.KindInternal, "executor down")
}

func TestPoolBreakerOpensPerAgent(t *testing.T) {
	exec := &failingExecutor{}
	cfg := DefaultPoolConfig(t.TempDir())
	cfg.MinWorkers = 1
	cfg.MaxWorkers = 1
	cfg.Breaker.FailureThreshold = 3
	pool := NewPool(cfg, exec)
	pool.Start()
	defer pool.Stop()

	for i := 0; i < 3; i++ {
		require.NoError(t, pool.Submit(context.Background(), poolTask(fmt.Sprintf("t%d", i)), "a1"))
		result := <-pool.Results()
		assert.True(t, errdefs.IsKind(result.Err, errdefs.KindInternal))
	}

	// Circuit is open: the executor is no longer invoked for a1
	require.NoError(t, pool.Submit(context.Background(), poolTask("t3"), "a1"))
	result := <-pool.Results()
	assert.True(t, errdefs.IsKind(result.Err, errdefs.KindServiceUnavailable))
	assert.Equal(t, int32(3), atomic.LoadInt32(&exec.calls))

	// Other agents keep their own circuit
	require.NoError(t, pool.Submit(context.Background(), poolTask("t4"), "a2"))
	result = <-pool.Results()
	assert.True(t, errdefs.IsKind(result.Err, errdefs.KindInternal))
}

func TestPoolConcurrentSubmitters(t *testing.T) {
	cfg := DefaultPoolConfig(t.TempDir())
	cfg.MinWorkers = 2
	cfg.MaxWorkers = 10
	pool := NewPool(cfg, nil)
	pool.Start()
	defer pool.Stop()

	const n = 20
	var wg sync.WaitGroup
	accepted := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if pool.Submit(context.Background(), poolTask(fmt.Sprintf("t%d", i)), "a1") == nil {
				accepted <- struct{}{}
			}
		}(i)
	}
	wg.Wait()
	close(accepted)

	count := 0
	for range accepted {
		count++
	}
	for i := 0; i < count; i++ {
		select {
		case result := <-pool.Results():
			require.NoError(t, result.Err)
		case <-time.After(5 * time.Second):
			t.Fatal("results missing")
		}
	}
	assert.LessOrEqual(t, pool.Workers(), 10)
}

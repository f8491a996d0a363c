package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/darianrosebrook/agent-agency/pkg/errdefs"
	"github.com/darianrosebrook/agent-agency/pkg/events"
	"github.com/darianrosebrook/agent-agency/pkg/policy"
	"github.com/darianrosebrook/agent-agency/pkg/registry"
	"github.com/darianrosebrook/agent-agency/pkg/router"
	"github.com/darianrosebrook/agent-agency/pkg/storage"
	"github.com/darianrosebrook/agent-agency/pkg/types"
	"github.com/darianrosebrook/agent-agency/pkg/worker"
)

func testAgent(id string) *types.AgentProfile {
	return &types.AgentProfile{
		ID:          id,
		Name:        "agent " + id,
		ModelFamily: "gpt",
		Capability:  &types.Capability{TaskKinds: []string{"doc-gen"}},
		Load:        &types.LoadInfo{MaxConcurrency: 4},
		Performance: &types.PerformanceHistory{SuccessRate: 0.9},
	}
}

func testRequest() *types.TaskRequest {
	return &types.TaskRequest{
		Description:   "generate docs",
		Priority:      types.PriorityMedium,
		RequiredKinds: []string{"doc-gen"},
	}
}

type harness struct {
	orc   *Orchestrator
	store storage.Store
	reg   *registry.Registry
}

// flakyExecutor fails the first n executions with a retryable error
type flakyExecutor struct {
	failures int32
	calls    int32
}

func (e *flakyExecutor) Execute(ctx context.Context, task *types.Task, agentID, sandboxDir string) (*types.TaskOutcome, error) {
	call := atomic.AddInt32(&e.calls, 1)
	if call <= atomic.LoadInt32(&e.failures) {
		return nil, errdefs.E(errdefs.KindServiceUnavailable, "agent backend unavailable")
	}
	if err := os.WriteFile(filepath.Join(sandboxDir, "out.txt"), []byte("done"), 0o644); err != nil {
		return nil, err
	}
	return &types.TaskOutcome{
		TaskID:       task.ID,
		Success:      true,
		FilesChanged: 1,
		Coverage:     0.9,
		QualityScore: 0.85,
	}, nil
}

// stubbornExecutor ignores cancellation and only returns once released
type stubbornExecutor struct {
	release chan struct{}
}

func (e *stubbornExecutor) Execute(ctx context.Context, task *types.Task, agentID, sandboxDir string) (*types.TaskOutcome, error) {
	<-e.release
	return nil, errdefs.E(errdefs.KindTimeout, "gave up")
}

type rejectingExecutor struct{}

func (rejectingExecutor) Execute(ctx context.Context, task *types.Task, agentID, sandboxDir string) (*types.TaskOutcome, error) {
	return nil, errdefs.E(errdefs.KindInvalidInput, "malformed task spec")
}

func newHarness(t *testing.T, cfg Config, exec worker.Executor, start bool) *harness {
	t.Helper()
	dir := t.TempDir()

	store, err := storage.NewBoltStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	bus := events.NewBus()
	t.Cleanup(bus.Close)

	reg := registry.New(registry.Config{MaxAgents: 10}, nil, nil)
	_, err = reg.Register(testAgent("a1"))
	require.NoError(t, err)

	rt := router.New(reg, nil, router.DefaultConfig())

	artifactRoot := filepath.Join(dir, "artifacts")
	if cfg.ArtifactRoot == "" {
		cfg.ArtifactRoot = artifactRoot
	}
	pool := worker.NewPool(worker.DefaultPoolConfig(cfg.ArtifactRoot), exec)
	pool.Start()
	t.Cleanup(pool.Stop)

	catalog, err := policy.NewCatalog(store)
	require.NoError(t, err)
	validator := policy.NewValidator(catalog, store, bus)

	orc := New(cfg, store, reg, rt, pool, validator, nil, bus)
	if start {
		require.NoError(t, orc.Start())
		t.Cleanup(func() { orc.Stop(time.Second) })
	}
	return &harness{orc: orc, store: store, reg: reg}
}

func fastConfig() Config {
	cfg := DefaultConfig("")
	cfg.TaskTimeout = 5 * time.Second
	cfg.BackoffInitial = 10 * time.Millisecond
	cfg.BackoffMax = 50 * time.Millisecond
	return cfg
}

func TestSubmitValidation(t *testing.T) {
	h := newHarness(t, fastConfig(), nil, false)

	_, err := h.orc.Submit(context.Background(), nil)
	assert.True(t, errdefs.IsKind(err, errdefs.KindInvalidInput))

	_, err = h.orc.Submit(context.Background(), &types.TaskRequest{Description: "x"})
	assert.True(t, errdefs.IsKind(err, errdefs.KindInvalidInput))
}

func TestTaskRunsToCompletion(t *testing.T) {
	h := newHarness(t, fastConfig(), &flakyExecutor{}, true)

	task, err := h.orc.Submit(context.Background(), testRequest())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	final, err := h.orc.WaitForCompletion(ctx, task.ID)
	require.NoError(t, err)

	assert.Equal(t, types.TaskStateCompleted, final.State)
	assert.Equal(t, 1, final.Attempts)
	assert.NotEmpty(t, final.ManifestID)
	assert.NotEmpty(t, final.VerdictID)
	require.NotNil(t, final.Assignment)
	assert.Equal(t, "a1", final.Assignment.AgentID)

	// The completion committed the verdict alongside the task
	verdict, err := h.store.GetVerdict(final.VerdictID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, verdict.TaskID)
}

func TestRetryAfterTransientFailure(t *testing.T) {
	h := newHarness(t, fastConfig(), &flakyExecutor{failures: 1}, true)

	task, err := h.orc.Submit(context.Background(), testRequest())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	final, err := h.orc.WaitForCompletion(ctx, task.ID)
	require.NoError(t, err)

	assert.Equal(t, types.TaskStateCompleted, final.State)
	assert.Equal(t, 2, final.Attempts)
}

func TestRetriesExhausted(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxAttempts = 2
	h := newHarness(t, cfg, &flakyExecutor{failures: 100}, true)

	task, err := h.orc.Submit(context.Background(), testRequest())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	final, err := h.orc.WaitForCompletion(ctx, task.ID)
	require.NoError(t, err)

	assert.Equal(t, types.TaskStateFailed, final.State)
	assert.Equal(t, 2, final.Attempts)
}

func TestNonRetryableFailureGoesTerminal(t *testing.T) {
	h := newHarness(t, fastConfig(), rejectingExecutor{}, true)

	task, err := h.orc.Submit(context.Background(), testRequest())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	final, err := h.orc.WaitForCompletion(ctx, task.ID)
	require.NoError(t, err)

	assert.Equal(t, types.TaskStateFailed, final.State)
	assert.Equal(t, 1, final.Attempts)
}

func TestTaskTimesOut(t *testing.T) {
	cfg := fastConfig()
	cfg.TaskTimeout = 200 * time.Millisecond
	cfg.MaxAttempts = 1
	h := newHarness(t, cfg, &worker.SimulatedExecutor{Delay: 5 * time.Second}, true)

	task, err := h.orc.Submit(context.Background(), testRequest())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	final, err := h.orc.WaitForCompletion(ctx, task.ID)
	require.NoError(t, err)

	assert.Equal(t, types.TaskStateTimedOut, final.State)
}

func TestSubmitterDeadlineExtendsTimeout(t *testing.T) {
	cfg := fastConfig()
	cfg.TaskTimeout = time.Second
	h := newHarness(t, cfg, nil, false)

	deadline := time.Now().Add(time.Hour)
	req := testRequest()
	req.Deadline = deadline

	task, err := h.orc.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, task.Deadline.Before(deadline))
}

func TestQueueFullRejectsSubmission(t *testing.T) {
	cfg := fastConfig()
	cfg.QueueMax = 1
	h := newHarness(t, cfg, nil, false)

	_, err := h.orc.Submit(context.Background(), testRequest())
	require.NoError(t, err)

	rejected, err := h.orc.Submit(context.Background(), testRequest())
	assert.True(t, errdefs.IsKind(err, errdefs.KindQueueFull))
	assert.Equal(t, types.TaskStateFailed, rejected.State)
}

func TestIdempotentSubmission(t *testing.T) {
	h := newHarness(t, fastConfig(), nil, false)

	req := testRequest()
	req.IdempotencyKey = "key-1"

	first, err := h.orc.Submit(context.Background(), req)
	require.NoError(t, err)
	second, err := h.orc.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	// A different key produces a new task
	other := testRequest()
	other.IdempotencyKey = "key-2"
	third, err := h.orc.Submit(context.Background(), other)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, third.ID)
}

func TestCancelQueuedTask(t *testing.T) {
	h := newHarness(t, fastConfig(), nil, false)

	task, err := h.orc.Submit(context.Background(), testRequest())
	require.NoError(t, err)

	require.NoError(t, h.orc.Cancel(task.ID))
	snapshot, err := h.orc.GetSnapshot(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateCancelled, snapshot.State)

	// Cancelling a terminal task is a no-op
	assert.NoError(t, h.orc.Cancel(task.ID))

	assert.True(t, errdefs.IsKind(h.orc.Cancel("missing"), errdefs.KindNotFound))
}

func TestCancelRunningTaskDiscardsOutput(t *testing.T) {
	h := newHarness(t, fastConfig(), &worker.SimulatedExecutor{Delay: 5 * time.Second}, true)

	task, err := h.orc.Submit(context.Background(), testRequest())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snapshot, err := h.orc.GetSnapshot(task.ID)
		return err == nil && snapshot.State == types.TaskStateRunning
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, h.orc.Cancel(task.ID))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	final, err := h.orc.WaitForCompletion(ctx, task.ID)
	require.NoError(t, err)

	assert.Equal(t, types.TaskStateCancelled, final.State)
	assert.Empty(t, final.ManifestID)
}

func TestCancelGraceFollowsTaskTimeout(t *testing.T) {
	cfg := fastConfig()
	cfg.TaskTimeout = time.Minute
	cfg.MaxAttempts = 1
	exec := &stubbornExecutor{release: make(chan struct{})}
	h := newHarness(t, cfg, exec, true)
	t.Cleanup(func() { close(exec.release) })

	req := testRequest()
	req.TimeoutMs = 100
	task, err := h.orc.Submit(context.Background(), req)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snapshot, err := h.orc.GetSnapshot(task.ID)
		return err == nil && snapshot.State == types.TaskStateRunning
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, h.orc.Cancel(task.ID))

	// The forced transition fires after twice the task's own 100ms
	// timeout, not twice the minute-long configured default
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	final, err := h.orc.WaitForCompletion(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateCancelled, final.State)
}

func TestTerminalRecordsSweptAfterRetention(t *testing.T) {
	cfg := fastConfig()
	cfg.RecordRetention = 50 * time.Millisecond
	cfg.IdempotencyWindow = 50 * time.Millisecond
	h := newHarness(t, cfg, &flakyExecutor{}, true)

	req := testRequest()
	req.IdempotencyKey = "key-1"
	task, err := h.orc.Submit(context.Background(), req)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err = h.orc.WaitForCompletion(ctx, task.ID)
	require.NoError(t, err)

	// The in-memory record and idempotency entry age out
	require.Eventually(t, func() bool {
		h.orc.mu.Lock()
		_, live := h.orc.records[task.ID]
		pending := len(h.orc.idem)
		h.orc.mu.Unlock()
		return !live && pending == 0
	}, 5*time.Second, 20*time.Millisecond)

	// The snapshot stays readable through the store
	snapshot, err := h.orc.GetSnapshot(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateCompleted, snapshot.State)
}

func TestRecoverRequeuesNonTerminalTasks(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.NewBoltStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	stranded := &types.Task{
		ID:          "stranded-1",
		SubmittedAt: time.Now().Add(-time.Minute),
		Request:     testRequest(),
		State:       types.TaskStateRunning,
		MaxAttempts: 3,
		Deadline:    time.Now().Add(time.Minute),
	}
	require.NoError(t, store.CreateTask(stranded))

	reg := registry.New(registry.Config{MaxAgents: 10}, nil, nil)
	_, err = reg.Register(testAgent("a1"))
	require.NoError(t, err)
	rt := router.New(reg, nil, router.DefaultConfig())

	pool := worker.NewPool(worker.DefaultPoolConfig(filepath.Join(dir, "artifacts")), &flakyExecutor{})
	pool.Start()
	t.Cleanup(pool.Stop)

	cfg := fastConfig()
	cfg.ArtifactRoot = filepath.Join(dir, "artifacts")
	orc := New(cfg, store, reg, rt, pool, nil, nil, nil)
	require.NoError(t, orc.Start())
	t.Cleanup(func() { orc.Stop(time.Second) })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	final, err := orc.WaitForCompletion(ctx, "stranded-1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateCompleted, final.State)
}

func TestStatusReportsQueueAndStates(t *testing.T) {
	h := newHarness(t, fastConfig(), nil, false)

	_, err := h.orc.Submit(context.Background(), testRequest())
	require.NoError(t, err)

	status := h.orc.Status()
	assert.Equal(t, 1, status.QueueDepth)
	assert.Equal(t, 1, status.ByState[types.TaskStateQueued])
	assert.Equal(t, 0, status.InFlight)
}

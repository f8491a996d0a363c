package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/darianrosebrook/agent-agency/pkg/breaker"
	"github.com/darianrosebrook/agent-agency/pkg/errdefs"
	"github.com/darianrosebrook/agent-agency/pkg/log"
	"github.com/darianrosebrook/agent-agency/pkg/types"
)

// Executor runs one task inside its sandbox directory and reports the
// outcome. Implementations must honor ctx cancellation.
type Executor interface {
	Execute(ctx context.Context, task *types.Task, agentID, sandboxDir string) (*types.TaskOutcome, error)
}

// Result is what the pool reports back for one execution
type Result struct {
	Task     *types.Task
	AgentID  string
	Outcome  *types.TaskOutcome
	Manifest *types.ArtifactManifest
	Err      error
}

// PoolConfig tunes pool sizing and sandbox limits
type PoolConfig struct {
	MinWorkers   int
	MaxWorkers   int
	IdleTimeout  time.Duration
	ArtifactRoot string
	Caps         ArtifactCaps
	Breaker      breaker.Config
}

// DefaultPoolConfig returns the standard pool sizing
func DefaultPoolConfig(artifactRoot string) PoolConfig {
	return PoolConfig{
		MinWorkers:   2,
		MaxWorkers:   10,
		IdleTimeout:  time.Minute,
		ArtifactRoot: artifactRoot,
		Caps:         DefaultArtifactCaps(),
		Breaker:      breaker.DefaultConfig(),
	}
}

type assignment struct {
	ctx     context.Context
	task    *types.Task
	agentID string
}

// Pool executes tasks on a bounded set of worker goroutines. Admission is
// non-blocking: when every worker is busy and the pool is at its maximum,
// Submit fails and the caller keeps the task queued. Idle workers above
// the minimum exit after the idle timeout.
type Pool struct {
	config   PoolConfig
	executor Executor
	logger   zerolog.Logger

	taskCh   chan *assignment
	resultCh chan *Result
	stopCh   chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	workers  int
	nextID   int
	stopped  bool
	breakers map[string]*breaker.Breaker
}

// NewPool creates a pool running the given executor. A nil executor gets
// the built-in simulated one.
func NewPool(cfg PoolConfig, executor Executor) *Pool {
	if cfg.MinWorkers <= 0 {
		cfg.MinWorkers = 2
	}
	if cfg.MaxWorkers < cfg.MinWorkers {
		cfg.MaxWorkers = cfg.MinWorkers
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = time.Minute
	}
	if executor == nil {
		executor = &SimulatedExecutor{}
	}
	return &Pool{
		config:   cfg,
		executor: executor,
		logger:   log.WithComponent("worker-pool"),
		taskCh:   make(chan *assignment),
		resultCh: make(chan *Result, cfg.MaxWorkers),
		stopCh:   make(chan struct{}),
		breakers: make(map[string]*breaker.Breaker),
	}
}

// Start spawns the minimum worker set
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := 0; i < p.config.MinWorkers; i++ {
		p.spawnLocked()
	}
}

// Stop waits for in-flight executions to finish and shuts the pool down
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.stopCh)
	p.wg.Wait()
	close(p.resultCh)
}

// Results delivers execution outcomes to the orchestrator
func (p *Pool) Results() <-chan *Result {
	return p.resultCh
}

// Workers reports the current worker count
func (p *Pool) Workers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workers
}

// Submit hands a task to an idle worker, growing the pool up to its
// maximum. It never blocks: a saturated pool fails with queue_full and the
// task stays queued.
func (p *Pool) Submit(ctx context.Context, task *types.Task, agentID string) error {
	a := &assignment{ctx: ctx, task: task, agentID: agentID}

	select {
	case p.taskCh <- a:
		return nil
	default:
	}

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return errdefs.E(errdefs.KindServiceUnavailable, "worker pool is stopped")
	}
	if p.workers < p.config.MaxWorkers {
		p.spawnLocked()
	}
	p.mu.Unlock()

	select {
	case p.taskCh <- a:
		return nil
	case <-time.After(10 * time.Millisecond):
		return errdefs.E(errdefs.KindQueueFull, "all workers busy").
			WithRemediation("task remains queued until a worker frees up")
	}
}

// spawnLocked starts one worker goroutine. Caller holds mu.
func (p *Pool) spawnLocked() {
	p.workers++
	p.nextID++
	id := p.nextID
	p.wg.Add(1)
	go p.runWorker(id)
	p.logger.Debug().Int("worker_id", id).Int("workers", p.workers).Msg("worker started")
}

func (p *Pool) runWorker(id int) {
	defer p.wg.Done()
	idle := time.NewTimer(p.config.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case a := <-p.taskCh:
			p.execute(a)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(p.config.IdleTimeout)
		case <-idle.C:
			p.mu.Lock()
			if p.workers > p.config.MinWorkers {
				p.workers--
				p.mu.Unlock()
				p.logger.Debug().Int("worker_id", id).Msg("idle worker reaped")
				return
			}
			p.mu.Unlock()
			idle.Reset(p.config.IdleTimeout)
		case <-p.stopCh:
			p.mu.Lock()
			p.workers--
			p.mu.Unlock()
			return
		}
	}
}

// execute runs one task in a fresh sandbox and reports the result
func (p *Pool) execute(a *assignment) {
	result := &Result{Task: a.task, AgentID: a.agentID}

	sandbox, err := p.makeSandbox(a.task.ID)
	if err != nil {
		result.Err = err
		p.deliver(result)
		return
	}

	var outcome *types.TaskOutcome
	err = p.breakerFor(a.agentID).Do(func() error {
		var execErr error
		outcome, execErr = p.executor.Execute(a.ctx, a.task, a.agentID, sandbox)
		return execErr
	})
	if err != nil {
		result.Err = err
		p.deliver(result)
		return
	}
	result.Outcome = outcome

	manifest, err := CaptureManifest(a.task.ID, sandbox, p.config.Caps)
	if err != nil {
		result.Err = err
		p.deliver(result)
		return
	}
	result.Manifest = manifest
	p.deliver(result)
}

// breakerFor returns the circuit breaker guarding one agent's executor,
// creating it on first use.
func (p *Pool) breakerFor(agentID string) *breaker.Breaker {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.breakers[agentID]
	if !ok {
		b = breaker.New("executor/"+agentID, p.config.Breaker)
		p.breakers[agentID] = b
	}
	return b
}

func (p *Pool) deliver(result *Result) {
	select {
	case p.resultCh <- result:
	case <-p.stopCh:
	}
}

// makeSandbox creates the per-task working directory under the artifact
// root. Only this directory is writable by the execution.
func (p *Pool) makeSandbox(taskID string) (string, error) {
	dir := filepath.Join(p.config.ArtifactRoot, taskID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errdefs.Wrap(errdefs.KindInternal, err, "create sandbox").WithRef(taskID)
	}
	return dir, nil
}

// SimulatedExecutor is the built-in executor used when no real agent
// runtime is attached. It writes a small result file and reports a clean
// outcome, honoring cancellation.
type SimulatedExecutor struct {
	// Delay approximates work; zero means return immediately
	Delay time.Duration
}

func (e *SimulatedExecutor) Execute(ctx context.Context, task *types.Task, agentID, sandboxDir string) (*types.TaskOutcome, error) {
	if e.Delay > 0 {
		select {
		case <-time.After(e.Delay):
		case <-ctx.Done():
			return nil, errdefs.Wrap(errdefs.KindTimeout, ctx.Err(), "execution cancelled").WithRef(task.ID)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, errdefs.Wrap(errdefs.KindTimeout, err, "execution cancelled").WithRef(task.ID)
	}

	content := fmt.Sprintf("task %s executed by %s\n", task.ID, agentID)
	if err := os.WriteFile(filepath.Join(sandboxDir, "result.txt"), []byte(content), 0o644); err != nil {
		return nil, errdefs.Wrap(errdefs.KindInternal, err, "write result").WithRef(task.ID)
	}
	return &types.TaskOutcome{
		TaskID:       task.ID,
		Success:      true,
		FilesChanged: 1,
		LOCChanged:   1,
		Coverage:     1,
		QualityScore: 1,
		Evidence:     []string{"result.txt"},
	}, nil
}

package orchestrator

import (
	"context"
	"math/rand"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/darianrosebrook/agent-agency/pkg/errdefs"
	"github.com/darianrosebrook/agent-agency/pkg/events"
	"github.com/darianrosebrook/agent-agency/pkg/log"
	"github.com/darianrosebrook/agent-agency/pkg/policy"
	"github.com/darianrosebrook/agent-agency/pkg/registry"
	"github.com/darianrosebrook/agent-agency/pkg/router"
	"github.com/darianrosebrook/agent-agency/pkg/storage"
	"github.com/darianrosebrook/agent-agency/pkg/telemetry"
	"github.com/darianrosebrook/agent-agency/pkg/types"
	"github.com/darianrosebrook/agent-agency/pkg/worker"
)

// Config tunes queueing, retries, timeouts and cancellation
type Config struct {
	QueueMax          int
	TaskTimeout       time.Duration
	MaxAttempts       int
	BackoffInitial    time.Duration
	BackoffMax        time.Duration
	BackoffMultiplier float64
	// CancelGraceFactor times the task timeout bounds how long a cancel
	// waits for worker acknowledgement
	CancelGraceFactor int
	// StarvationPromote is the queue wait after which effective priority
	// climbs one level; zero disables promotion
	StarvationPromote time.Duration
	// IdempotencyWindow dedupes resubmissions carrying the same key
	IdempotencyWindow time.Duration
	// RecordRetention bounds how long terminal task records stay in
	// memory; zero disables the sweep. Snapshots of swept tasks remain
	// available through the store.
	RecordRetention time.Duration
	ArtifactRoot    string
}

// DefaultConfig returns the standard orchestration settings
func DefaultConfig(artifactRoot string) Config {
	return Config{
		QueueMax:          100,
		TaskTimeout:       5 * time.Minute,
		MaxAttempts:       3,
		BackoffInitial:    time.Second,
		BackoffMax:        10 * time.Second,
		BackoffMultiplier: 2.0,
		CancelGraceFactor: 2,
		IdempotencyWindow: 10 * time.Minute,
		RecordRetention:   time.Hour,
		ArtifactRoot:      artifactRoot,
	}
}

// taskRecord is the orchestrator's in-memory handle on one task. All
// mutations go through the orchestrator lock; the record's task pointer is
// the single written copy.
type taskRecord struct {
	task       *types.Task
	agentID    string
	effective  types.Priority
	timeout    time.Duration
	cancelCtx  context.Context
	cancel     context.CancelFunc
	cancelExec context.CancelFunc
	cancelled  bool
	done       chan struct{}
	terminalAt time.Time
	retryTmr   *time.Timer
}

type idemEntry struct {
	taskID    string
	expiresAt time.Time
}

// Orchestrator owns the task lifecycle: routing, queueing, dispatch,
// retries, timeouts, cancellation and completion publication.
type Orchestrator struct {
	config    Config
	store     storage.Store
	registry  *registry.Registry
	router    *router.Router
	pool      *worker.Pool
	validator *policy.Validator
	collector *telemetry.Collector
	bus       *events.Bus
	logger    zerolog.Logger

	mu      sync.Mutex
	records map[string]*taskRecord
	idem    map[string]idemEntry
	queue   *taskQueue
	rng     *rand.Rand
	started time.Time

	notifyCh chan struct{}
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New wires the orchestrator over its collaborators
func New(cfg Config, store storage.Store, reg *registry.Registry, rt *router.Router,
	pool *worker.Pool, validator *policy.Validator, collector *telemetry.Collector,
	bus *events.Bus) *Orchestrator {
	if cfg.QueueMax <= 0 {
		cfg.QueueMax = 100
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 5 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 10 * time.Second
	}
	if cfg.BackoffMultiplier <= 1 {
		cfg.BackoffMultiplier = 2.0
	}
	if cfg.CancelGraceFactor <= 0 {
		cfg.CancelGraceFactor = 2
	}
	return &Orchestrator{
		config:    cfg,
		store:     store,
		registry:  reg,
		router:    rt,
		pool:      pool,
		validator: validator,
		collector: collector,
		bus:       bus,
		logger:    log.WithComponent("orchestrator"),
		records:   make(map[string]*taskRecord),
		idem:      make(map[string]idemEntry),
		queue:     newTaskQueue(cfg.QueueMax, cfg.StarvationPromote),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		notifyCh:  make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start launches the dispatch and result loops and requeues any
// non-terminal tasks recovered from the store
func (o *Orchestrator) Start() error {
	o.started = time.Now()
	if err := o.recover(); err != nil {
		return err
	}
	go o.dispatchLoop()
	go o.resultLoop()
	return nil
}

// Stop drains in-flight work within the grace period and halts the loops
func (o *Orchestrator) Stop(grace time.Duration) {
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		o.mu.Lock()
		inflight := o.inflightLocked()
		o.mu.Unlock()
		if inflight == 0 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	close(o.stopCh)
	<-o.doneCh
}

// recover reloads persisted tasks; non-terminal ones re-enter the queue
func (o *Orchestrator) recover() error {
	if o.store == nil {
		return nil
	}
	tasks, err := o.store.ListTasks()
	if err != nil {
		return errdefs.Wrap(errdefs.KindInternal, err, "recover tasks")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, task := range tasks {
		if task.State.Terminal() {
			continue
		}
		record := o.newRecordLocked(task)
		if task.Assignment != nil {
			record.agentID = task.Assignment.AgentID
		}
		task.State = types.TaskStateQueued
		task.StateReason = "requeued on restart"
		if err := o.queue.enqueue(task, task.Request.Priority); err != nil {
			task.State = types.TaskStateFailed
			task.StateReason = "queue full during recovery"
			o.closeDoneLocked(record)
		}
		o.persistLocked(task)
	}
	o.notify()
	return nil
}

// Submit validates, routes and enqueues a task request. It returns
// quickly: execution is asynchronous. A request carrying an idempotency
// key already seen inside the window returns the original task.
func (o *Orchestrator) Submit(ctx context.Context, req *types.TaskRequest) (*types.Task, error) {
	if req == nil || req.Description == "" {
		return nil, errdefs.E(errdefs.KindInvalidInput, "task description is required")
	}
	if len(req.RequiredKinds) == 0 {
		return nil, errdefs.E(errdefs.KindInvalidInput, "at least one required task kind")
	}
	if req.Priority == "" {
		req.Priority = types.PriorityMedium
	}

	if req.IdempotencyKey != "" {
		if task, ok := o.lookupIdempotent(req.IdempotencyKey); ok {
			return task, nil
		}
	}

	now := time.Now()
	deadline := now.Add(o.taskTimeout(req))
	if !req.Deadline.IsZero() && req.Deadline.After(deadline) {
		deadline = req.Deadline
	}

	task := &types.Task{
		ID:          uuid.New().String(),
		SubmittedAt: now,
		Request:     req,
		State:       types.TaskStateSubmitted,
		MaxAttempts: o.config.MaxAttempts,
		Deadline:    deadline,
	}

	o.mu.Lock()
	record := o.newRecordLocked(task)
	if o.store != nil {
		if err := o.store.CreateTask(task); err != nil {
			delete(o.records, task.ID)
			o.mu.Unlock()
			return nil, errdefs.Wrap(errdefs.KindInternal, err, "persist task")
		}
	}
	o.mu.Unlock()
	o.emitLifecycle(task, "", types.TaskStateSubmitted, "accepted")

	// Route synchronously under the router's own budget
	decision, err := o.router.Route(ctx, task)
	if err != nil {
		o.mu.Lock()
		o.transitionLocked(record, types.TaskStateFailed, string(errdefs.GetKind(err)))
		o.mu.Unlock()
		return task, err
	}

	o.mu.Lock()
	record.agentID = decision.SelectedAgent
	o.transitionLocked(record, types.TaskStateRouted, "agent "+decision.SelectedAgent)
	if err := o.queue.Enqueue(task); err != nil {
		o.transitionLocked(record, types.TaskStateFailed, string(errdefs.KindQueueFull))
		o.mu.Unlock()
		return task, err
	}
	o.transitionLocked(record, types.TaskStateQueued, "")
	if req.IdempotencyKey != "" && o.config.IdempotencyWindow > 0 {
		o.idem[req.IdempotencyKey] = idemEntry{
			taskID:    task.ID,
			expiresAt: now.Add(o.config.IdempotencyWindow),
		}
	}
	o.mu.Unlock()

	o.notify()
	return task, nil
}

func (o *Orchestrator) lookupIdempotent(key string) (*types.Task, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	entry, ok := o.idem[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expiresAt) {
		delete(o.idem, key)
		return nil, false
	}
	if record, ok := o.records[entry.taskID]; ok {
		return cloneTask(record.task), true
	}
	return nil, false
}

// Cancel flips the task's cancel signal and returns immediately. Queued
// tasks go terminal at once; running ones get a grace window before the
// orchestrator proceeds without the worker and discards its later output.
// Cancelling an already terminal task is a no-op.
func (o *Orchestrator) Cancel(taskID string) error {
	o.mu.Lock()
	record, ok := o.records[taskID]
	if !ok {
		o.mu.Unlock()
		return errdefs.E(errdefs.KindNotFound, "task not found").WithRef(taskID)
	}
	if record.task.State.Terminal() {
		o.mu.Unlock()
		return nil
	}
	record.cancelled = true
	record.cancel()
	if record.retryTmr != nil {
		record.retryTmr.Stop()
	}

	state := record.task.State
	if state != types.TaskStateRunning && state != types.TaskStateAssigned {
		o.queue.Remove(taskID)
		o.transitionLocked(record, types.TaskStateCancelled, "cancelled before execution")
		o.mu.Unlock()
		return nil
	}
	o.mu.Unlock()

	grace := time.Duration(o.config.CancelGraceFactor) * record.timeout
	time.AfterFunc(grace, func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		if !record.task.State.Terminal() {
			o.transitionLocked(record, types.TaskStateCancelled, "grace elapsed without worker acknowledgement")
		}
	})
	return nil
}

// GetSnapshot returns a copy of the task's current state
func (o *Orchestrator) GetSnapshot(taskID string) (*types.Task, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if record, ok := o.records[taskID]; ok {
		return cloneTask(record.task), nil
	}
	if o.store != nil {
		if task, err := o.store.GetTask(taskID); err == nil {
			return task, nil
		}
	}
	return nil, errdefs.E(errdefs.KindNotFound, "task not found").WithRef(taskID)
}

// WaitForCompletion blocks until the task reaches a terminal state or the
// context expires, returning the final snapshot
func (o *Orchestrator) WaitForCompletion(ctx context.Context, taskID string) (*types.Task, error) {
	o.mu.Lock()
	record, ok := o.records[taskID]
	o.mu.Unlock()
	if !ok {
		return nil, errdefs.E(errdefs.KindNotFound, "task not found").WithRef(taskID)
	}
	select {
	case <-record.done:
		return o.GetSnapshot(taskID)
	case <-ctx.Done():
		return nil, errdefs.Wrap(errdefs.KindTimeout, ctx.Err(), "wait for completion").WithRef(taskID)
	}
}

// Status summarizes queue depth, in-flight work and task states
type Status struct {
	Uptime     time.Duration           `json:"uptime"`
	QueueDepth int                     `json:"queue_depth"`
	InFlight   int                     `json:"in_flight"`
	Workers    int                     `json:"workers"`
	ByState    map[types.TaskState]int `json:"by_state"`
}

// Status reports the orchestrator's runtime condition
func (o *Orchestrator) Status() *Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	byState := make(map[types.TaskState]int)
	for _, record := range o.records {
		byState[record.task.State]++
	}
	return &Status{
		Uptime:     time.Since(o.started),
		QueueDepth: o.queue.Len(),
		InFlight:   o.inflightLocked(),
		Workers:    o.pool.Workers(),
		ByState:    byState,
	}
}

func (o *Orchestrator) inflightLocked() int {
	n := 0
	for _, record := range o.records {
		switch record.task.State {
		case types.TaskStateAssigned, types.TaskStateRunning:
			n++
		}
	}
	return n
}

// dispatchLoop moves queued tasks into the worker pool
func (o *Orchestrator) dispatchLoop() {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-o.stopCh:
			return
		case <-o.notifyCh:
		case <-ticker.C:
			o.promoteStarved()
			o.sweepRecords()
		}
		o.drainQueue()
	}
}

// drainQueue dispatches until the pool refuses or the queue empties
func (o *Orchestrator) drainQueue() {
	for {
		task := o.queue.Dequeue()
		if task == nil {
			return
		}

		o.mu.Lock()
		record, ok := o.records[task.ID]
		if !ok {
			o.mu.Unlock()
			continue
		}
		if record.cancelled {
			if !record.task.State.Terminal() {
				o.transitionLocked(record, types.TaskStateCancelled, "cancelled before execution")
			}
			o.mu.Unlock()
			continue
		}
		if record.task.State != types.TaskStateQueued {
			o.mu.Unlock()
			continue
		}
		if record.agentID == "" {
			// Recovered task with no surviving assignment: route again
			o.mu.Unlock()
			decision, err := o.router.Route(context.Background(), task)
			o.mu.Lock()
			if err != nil {
				o.transitionLocked(record, types.TaskStateFailed, string(errdefs.GetKind(err)))
				o.mu.Unlock()
				continue
			}
			record.agentID = decision.SelectedAgent
		}
		o.transitionLocked(record, types.TaskStateAssigned, "agent "+record.agentID)
		record.task.Assignment = &types.Assignment{
			AgentID:     record.agentID,
			ExecutionID: uuid.New().String(),
			AssignedAt:  time.Now(),
		}
		execCtx, cancelExec := context.WithDeadline(record.cancelCtx, record.task.Deadline)
		record.cancelExec = cancelExec
		agentID := record.agentID
		o.mu.Unlock()

		if err := o.pool.Submit(execCtx, task, agentID); err != nil {
			o.mu.Lock()
			record.task.Assignment = nil
			o.transitionLocked(record, types.TaskStateQueued, "pool saturated")
			o.queue.enqueue(task, record.effective)
			o.mu.Unlock()
			return
		}

		o.mu.Lock()
		o.transitionLocked(record, types.TaskStateRunning, "")
		record.task.StartedAt = time.Now()
		record.task.Attempts++
		o.persistLocked(record.task)
		o.mu.Unlock()

		o.record(types.EventTaskStart, agentID, task, map[string]string{
			"task_kind": firstKind(task.Request),
			"attempt":   strconv.Itoa(task.Attempts),
		}, false)
		if o.registry != nil {
			o.registry.TaskStarted(agentID)
		}
	}
}

// resultLoop consumes worker results and finishes or retries each task
func (o *Orchestrator) resultLoop() {
	defer close(o.doneCh)
	for {
		select {
		case <-o.stopCh:
			return
		case result, ok := <-o.pool.Results():
			if !ok {
				return
			}
			o.handleResult(result)
		}
	}
}

func (o *Orchestrator) handleResult(result *worker.Result) {
	o.mu.Lock()
	record, ok := o.records[result.Task.ID]
	if !ok {
		o.mu.Unlock()
		return
	}
	if record.cancelled || record.task.State.Terminal() {
		// Late output after cancel or forced termination is discarded
		if !record.task.State.Terminal() {
			o.transitionLocked(record, types.TaskStateCancelled, "worker acknowledged cancel")
		}
		if o.registry != nil {
			o.registry.TaskFinished(record.agentID)
		}
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()

	if o.registry != nil {
		defer o.registry.TaskFinished(record.agentID)
	}

	if result.Err != nil {
		o.handleFailure(record, result.Err)
		return
	}
	o.handleSuccess(record, result)
}

// handleFailure applies the retry policy: retryable errors under the
// attempt cap back off and requeue, everything else goes terminal
func (o *Orchestrator) handleFailure(record *taskRecord, cause error) {
	kind := errdefs.GetKind(cause)

	o.mu.Lock()
	task := record.task
	if errdefs.Retryable(cause) && task.Attempts < task.MaxAttempts {
		o.scheduleRetryLocked(record, kind)
		o.mu.Unlock()
		return
	}
	if kind == errdefs.KindTimeout {
		o.transitionLocked(record, types.TaskStateTimedOut, "deadline reached")
	} else {
		o.transitionLocked(record, types.TaskStateFailed, string(kind))
	}
	o.mu.Unlock()

	o.recordCompletion(record, false, 0)
}

// scheduleRetryLocked parks the task in awaiting_retry and requeues it
// after the backoff delay. Caller holds the orchestrator lock.
func (o *Orchestrator) scheduleRetryLocked(record *taskRecord, kind errdefs.Kind) {
	task := record.task
	o.transitionLocked(record, types.TaskStateAwaitingRetry, string(kind))

	delay := o.backoff(task.Attempts)
	// Fresh deadline for the next attempt
	task.Deadline = time.Now().Add(delay + record.timeout)
	o.persistLocked(task)

	record.retryTmr = time.AfterFunc(delay, func() {
		o.mu.Lock()
		if record.cancelled || record.task.State != types.TaskStateAwaitingRetry {
			o.mu.Unlock()
			return
		}
		if err := o.queue.enqueue(task, record.effective); err != nil {
			o.transitionLocked(record, types.TaskStateFailed, string(errdefs.KindQueueFull))
			o.mu.Unlock()
			o.recordCompletion(record, false, 0)
			return
		}
		o.transitionLocked(record, types.TaskStateQueued, "retry")
		o.mu.Unlock()
		o.notify()
	})
	o.logger.Info().
		Str("task_id", task.ID).
		Int("attempt", task.Attempts).
		Dur("delay", delay).
		Msg("retry scheduled")
}

// backoff computes min(max, initial * multiplier^(attempts-1)) plus a
// uniform jitter in [0, delay/2]. Caller holds the orchestrator lock.
func (o *Orchestrator) backoff(attempts int) time.Duration {
	delay := float64(o.config.BackoffInitial)
	for i := 1; i < attempts; i++ {
		delay *= o.config.BackoffMultiplier
	}
	if ceiling := float64(o.config.BackoffMax); delay > ceiling {
		delay = ceiling
	}
	jitter := time.Duration(o.rng.Int63n(int64(delay)/2 + 1))
	return time.Duration(delay) + jitter
}

// handleSuccess verifies artifacts, runs policy validation and commits
// the completion atomically
func (o *Orchestrator) handleSuccess(record *taskRecord, result *worker.Result) {
	task := record.task
	sandbox := filepath.Join(o.config.ArtifactRoot, task.ID)

	if err := worker.VerifyManifest(sandbox, result.Manifest); err != nil {
		o.mu.Lock()
		o.transitionLocked(record, types.TaskStateFailed, string(errdefs.KindArtifactIntegrity))
		o.mu.Unlock()
		o.recordCompletion(record, false, 0)
		return
	}

	var verdict *types.Verdict
	var provenance *types.ProvenanceEntry
	if o.validator != nil {
		var err error
		verdict, provenance, err = o.validator.Prepare(task.ID, task.Request, result.Outcome, policy.DefaultOptions())
		if err != nil {
			o.handleFailure(record, err)
			return
		}
	}

	latency := time.Since(task.StartedAt)
	o.mu.Lock()
	task.FinishedAt = time.Now()
	task.ManifestID = result.Manifest.ID
	if verdict != nil {
		task.VerdictID = verdict.ID
	}
	task.State = types.TaskStateCompleted
	task.StateReason = ""

	if o.store != nil {
		if err := o.store.CommitCompletion(task, result.Manifest, verdict, provenance, nil); err != nil {
			task.State = types.TaskStateRunning
			o.transitionLocked(record, types.TaskStateFailed, "completion commit failed")
			o.mu.Unlock()
			o.logger.Error().Err(err).Str("task_id", task.ID).Msg("completion commit failed")
			o.recordCompletion(record, false, latency.Seconds())
			return
		}
	}
	o.mu.Unlock()

	if verdict != nil && o.validator != nil {
		o.validator.AnnounceVerdict(verdict)
	}
	o.emitLifecycle(task, types.TaskStateRunning, types.TaskStateCompleted, "")
	o.closeDone(record)

	quality := 0.0
	if result.Outcome != nil {
		quality = result.Outcome.QualityScore
	}
	o.record(types.EventTaskComplete, record.agentID, task, map[string]string{
		"task_kind":  firstKind(task.Request),
		"success":    "true",
		"latency_ms": strconv.FormatInt(latency.Milliseconds(), 10),
		"quality":    strconv.FormatFloat(quality, 'f', 3, 64),
	}, false)
	o.feedback(record, true, quality, latency)
}

// recordCompletion emits the failure-side completion event and feedback
func (o *Orchestrator) recordCompletion(record *taskRecord, success bool, latencySec float64) {
	o.closeDone(record)
	o.mu.Lock()
	task := record.task
	o.persistLocked(task)
	o.mu.Unlock()

	o.record(types.EventTaskComplete, record.agentID, task, map[string]string{
		"task_kind":  firstKind(task.Request),
		"success":    strconv.FormatBool(success),
		"latency_ms": strconv.FormatInt(int64(latencySec*1000), 10),
	}, false)
	o.feedback(record, success, 0, 0)
}

// feedback folds the outcome into the registry and router priors
func (o *Orchestrator) feedback(record *taskRecord, success bool, quality float64, latency time.Duration) {
	if record.agentID == "" {
		return
	}
	if o.registry != nil {
		if err := o.registry.UpdatePerformance(record.agentID, registry.PerformanceSample{
			Success: success,
			Quality: quality,
			Latency: latency,
		}); err != nil {
			o.logger.Warn().Err(err).Str("agent_id", record.agentID).Msg("performance update failed")
		}
	}
	if o.router != nil {
		reward := -0.5
		if success {
			reward = quality
			if reward == 0 {
				reward = 1
			}
		}
		o.router.UpdatePrior(record.agentID, firstKind(record.task.Request), reward)
	}
}

// promoteStarved runs the anti-starvation sweep
func (o *Orchestrator) promoteStarved() {
	for _, taskID := range o.queue.PromoteStarved(time.Now()) {
		o.logger.Info().Str("task_id", taskID).Msg("queued task promoted")
	}
}

// sweepRecords drops terminal records past retention and idempotency
// entries past their window
func (o *Orchestrator) sweepRecords() {
	if o.config.RecordRetention <= 0 {
		return
	}
	now := time.Now()
	o.mu.Lock()
	defer o.mu.Unlock()
	for id, record := range o.records {
		if record.task.State.Terminal() && !record.terminalAt.IsZero() &&
			now.Sub(record.terminalAt) > o.config.RecordRetention {
			delete(o.records, id)
		}
	}
	for key, entry := range o.idem {
		if now.After(entry.expiresAt) {
			delete(o.idem, key)
		}
	}
}

// transitionLocked applies and persists a state change. Caller holds the
// orchestrator lock.
func (o *Orchestrator) transitionLocked(record *taskRecord, to types.TaskState, reason string) {
	o.transitionLockedNoPersist(record, to, reason)
	o.persistLocked(record.task)
	if to.Terminal() {
		o.closeDoneLocked(record)
	}
}

func (o *Orchestrator) transitionLockedNoPersist(record *taskRecord, to types.TaskState, reason string) {
	from := record.task.State
	record.task.State = to
	record.task.StateReason = reason
	o.emitLifecycle(record.task, from, to, reason)
}

func (o *Orchestrator) persistLocked(task *types.Task) {
	if o.store == nil {
		return
	}
	if err := o.store.UpdateTask(task); err != nil {
		o.logger.Error().Err(err).Str("task_id", task.ID).Msg("persist task state")
	}
}

func (o *Orchestrator) newRecordLocked(task *types.Task) *taskRecord {
	ctx, cancel := context.WithCancel(context.Background())
	record := &taskRecord{
		task:      task,
		effective: task.Request.Priority,
		timeout:   o.taskTimeout(task.Request),
		cancelCtx: ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	o.records[task.ID] = record
	return record
}

// taskTimeout is the effective per-attempt timeout: the request override
// when present, the configured default otherwise
func (o *Orchestrator) taskTimeout(req *types.TaskRequest) time.Duration {
	if req != nil && req.TimeoutMs > 0 {
		return time.Duration(req.TimeoutMs) * time.Millisecond
	}
	return o.config.TaskTimeout
}

func (o *Orchestrator) closeDone(record *taskRecord) {
	o.mu.Lock()
	o.closeDoneLocked(record)
	o.mu.Unlock()
}

func (o *Orchestrator) closeDoneLocked(record *taskRecord) {
	if record.terminalAt.IsZero() {
		record.terminalAt = time.Now()
	}
	select {
	case <-record.done:
	default:
		close(record.done)
	}
	if record.cancelExec != nil {
		record.cancelExec()
	}
	record.cancel()
}

func (o *Orchestrator) notify() {
	select {
	case o.notifyCh <- struct{}{}:
	default:
	}
}

// emitLifecycle publishes one task.lifecycle event
func (o *Orchestrator) emitLifecycle(task *types.Task, from, to types.TaskState, reason string) {
	if o.bus == nil {
		return
	}
	agentID := ""
	if task.Assignment != nil {
		agentID = task.Assignment.AgentID
	}
	o.bus.Publish(&events.Event{
		Topic:   events.TopicTaskLifecycle,
		Kind:    string(to),
		TaskID:  task.ID,
		AgentID: agentID,
		Payload: map[string]string{
			"from":   string(from),
			"to":     string(to),
			"reason": reason,
		},
	})
}

// record captures a telemetry event when a collector is attached
func (o *Orchestrator) record(kind types.EventKind, agentID string, task *types.Task, payload map[string]string, critical bool) {
	if o.collector == nil {
		return
	}
	o.collector.Record(kind, agentID, task.ID, payload, critical)
}

func firstKind(req *types.TaskRequest) string {
	if req == nil || len(req.RequiredKinds) == 0 {
		return ""
	}
	return req.RequiredKinds[0]
}

func cloneTask(task *types.Task) *types.Task {
	copied := *task
	if task.Request != nil {
		req := *task.Request
		copied.Request = &req
	}
	if task.Assignment != nil {
		a := *task.Assignment
		copied.Assignment = &a
	}
	return &copied
}

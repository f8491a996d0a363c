package runtime

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/darianrosebrook/agent-agency/pkg/breaker"
	"github.com/darianrosebrook/agent-agency/pkg/config"
	"github.com/darianrosebrook/agent-agency/pkg/errdefs"
	"github.com/darianrosebrook/agent-agency/pkg/events"
	"github.com/darianrosebrook/agent-agency/pkg/log"
	"github.com/darianrosebrook/agent-agency/pkg/metrics"
	"github.com/darianrosebrook/agent-agency/pkg/orchestrator"
	"github.com/darianrosebrook/agent-agency/pkg/policy"
	"github.com/darianrosebrook/agent-agency/pkg/registry"
	"github.com/darianrosebrook/agent-agency/pkg/router"
	"github.com/darianrosebrook/agent-agency/pkg/storage"
	"github.com/darianrosebrook/agent-agency/pkg/telemetry"
	"github.com/darianrosebrook/agent-agency/pkg/worker"
)

// Runtime assembles and owns every component of the agency process.
// Construction wires the dependency graph; Start brings components up in
// dependency order and Stop tears them down in reverse.
type Runtime struct {
	Config       *config.Config
	Store        storage.Store
	Bus          *events.Bus
	Registry     *registry.Registry
	Router       *router.Router
	Pool         *worker.Pool
	Catalog      *policy.Catalog
	Validator    *policy.Validator
	Collector    *telemetry.Collector
	Aggregator   *telemetry.Aggregator
	Orchestrator *orchestrator.Orchestrator
	Metrics      *metrics.Collector

	logger  zerolog.Logger
	started bool
}

// New builds the full component graph from configuration. The executor
// runs task attempts; nil selects the built-in simulated one.
func New(cfg *config.Config, executor worker.Executor) (*Runtime, error) {
	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindInternal, err, "opening store")
	}

	bus := events.NewBus()

	reg := registry.New(registry.Config{MaxAgents: cfg.MaxAgents}, store, bus)

	routerCfg := router.DefaultConfig()
	routerCfg.ExplorationRate = cfg.ExplorationRate
	routerCfg.TopK = cfg.ExplorationTopK
	routerCfg.Budget = cfg.RouteBudget()
	rt := router.New(reg, bus, routerCfg)

	pool := worker.NewPool(worker.PoolConfig{
		MinWorkers:   cfg.WorkerMin,
		MaxWorkers:   cfg.WorkerMax,
		IdleTimeout:  cfg.IdleTimeout(),
		ArtifactRoot: cfg.ArtifactRoot,
		Caps: worker.ArtifactCaps{
			MaxBytes:      cfg.MaxArtifactBytes,
			MaxFiles:      cfg.MaxArtifactFiles,
			MaxPathLength: cfg.MaxPathLength,
		},
		Breaker: breaker.Config{
			FailureThreshold: cfg.CircuitFailThreshold,
			ResetTimeout:     cfg.CircuitReset(),
		},
	}, executor)

	catalog, err := policy.NewCatalog(store)
	if err != nil {
		store.Close()
		return nil, err
	}
	validator := policy.NewValidator(catalog, store, bus)

	collector := telemetry.NewCollector(telemetry.CollectorConfig{
		BufferSize:    cfg.BufferSize,
		SamplingRate:  cfg.SamplingRate,
		BatchSize:     cfg.BatchSize,
		FlushInterval: cfg.FlushInterval(),
	}, store)

	aggregator := telemetry.NewAggregator(telemetry.DefaultAggregatorConfig(), bus)
	// Completed-task events flow straight into the aggregator windows
	collector.AddSink(aggregator.Observe)
	// Exploration anneals on the aggregator's snapshot epochs
	aggregator.OnEpoch(rt.AdvanceEpoch)

	orc := orchestrator.New(orchestrator.Config{
		QueueMax:          cfg.QueueMax,
		TaskTimeout:       cfg.TaskTimeout(),
		MaxAttempts:       cfg.MaxAttempts,
		BackoffInitial:    time.Duration(cfg.BackoffInitialMs) * time.Millisecond,
		BackoffMax:        time.Duration(cfg.BackoffMaxMs) * time.Millisecond,
		BackoffMultiplier: cfg.BackoffMultiplier,
		CancelGraceFactor: cfg.CancelGraceFactor,
		StarvationPromote: time.Duration(cfg.StarvationPromoteMs) * time.Millisecond,
		IdempotencyWindow: cfg.IdempotencyWindow(),
		RecordRetention:   cfg.RecordRetention(),
		ArtifactRoot:      cfg.ArtifactRoot,
	}, store, reg, rt, pool, validator, collector, bus)

	return &Runtime{
		Config:       cfg,
		Store:        store,
		Bus:          bus,
		Registry:     reg,
		Router:       rt,
		Pool:         pool,
		Catalog:      catalog,
		Validator:    validator,
		Collector:    collector,
		Aggregator:   aggregator,
		Orchestrator: orc,
		Metrics:      metrics.NewCollector(orc, reg, collector, aggregator, bus),
		logger:       log.WithComponent("runtime"),
	}, nil
}

// Start brings the components up in dependency order
func (r *Runtime) Start() error {
	if r.started {
		return errdefs.E(errdefs.KindConflict, "runtime already started")
	}

	if err := r.Registry.Restore(); err != nil {
		return err
	}
	metrics.RegisterComponent("storage", true, "")
	metrics.RegisterCheck("storage", func() metrics.CheckResult {
		if err := r.Store.Ping(); err != nil {
			return metrics.Unhealthy(err.Error())
		}
		return metrics.Healthy()
	})

	r.Collector.Start()
	r.Aggregator.Start()
	r.Catalog.Start(time.Minute)
	r.Pool.Start()

	if err := r.Orchestrator.Start(); err != nil {
		return err
	}
	metrics.RegisterComponent("orchestrator", true, "")
	metrics.RegisterCheck("queue", func() metrics.CheckResult {
		if status := r.Orchestrator.Status(); status.QueueDepth >= r.Config.QueueMax {
			return metrics.Degraded("task queue at capacity")
		}
		return metrics.Healthy()
	})

	r.Metrics.Start()
	r.started = true
	r.logger.Info().
		Str("data_dir", r.Config.DataDir).
		Int("worker_max", r.Config.WorkerMax).
		Msg("runtime started")
	return nil
}

// Stop drains in-flight work and shuts the components down in reverse
// dependency order
func (r *Runtime) Stop() {
	if !r.started {
		return
	}
	r.started = false

	metrics.UnregisterCheck("storage")
	metrics.UnregisterCheck("queue")
	r.Metrics.Stop()
	r.Orchestrator.Stop(r.Config.DrainGrace())
	r.Pool.Stop()
	r.Catalog.Stop()
	r.Aggregator.Stop()
	r.Collector.Stop()
	r.Bus.Close()
	if err := r.Store.Close(); err != nil {
		r.logger.Error().Err(err).Msg("closing store")
	}
	r.logger.Info().Msg("runtime stopped")
}

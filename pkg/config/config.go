package config

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/darianrosebrook/agent-agency/pkg/errdefs"
)

// Config holds every runtime option. Values come from defaults, an optional
// YAML config file, and AGENCY_-prefixed environment variables, in that
// order of increasing precedence.
type Config struct {
	// Registry
	MaxAgents int `mapstructure:"max_agents"`

	// Orchestrator
	QueueMax            int     `mapstructure:"queue_max"`
	MaxAttempts         int     `mapstructure:"max_attempts"`
	TaskTimeoutMs       int64   `mapstructure:"task_timeout_ms"`
	BackoffInitialMs    int64   `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs        int64   `mapstructure:"backoff_max_ms"`
	BackoffMultiplier   float64 `mapstructure:"backoff_multiplier"`
	StarvationPromoteMs int64   `mapstructure:"starvation_promote_ms"`
	IdempotencyWindowMs int64   `mapstructure:"idempotency_window_ms"`
	RecordRetentionMs   int64   `mapstructure:"record_retention_ms"`
	CancelGraceFactor   int     `mapstructure:"cancel_grace_factor"`
	DrainGraceMs        int64   `mapstructure:"drain_grace_ms"`

	// Worker pool
	WorkerMin        int   `mapstructure:"worker_min"`
	WorkerMax        int   `mapstructure:"worker_max"`
	IdleTimeoutMs    int64 `mapstructure:"idle_timeout_ms"`
	MaxArtifactBytes int64 `mapstructure:"max_artifact_bytes"`
	MaxArtifactFiles int   `mapstructure:"max_artifact_files"`
	MaxPathLength    int   `mapstructure:"max_path_length"`

	// Router
	ExplorationRate float64 `mapstructure:"exploration_rate"`
	ExplorationTopK int     `mapstructure:"exploration_top_k"`
	RouteBudgetMs   int64   `mapstructure:"route_budget_ms"`

	// Telemetry
	SamplingRate    float64 `mapstructure:"sampling_rate"`
	FlushIntervalMs int64   `mapstructure:"flush_interval_ms"`
	BatchSize       int     `mapstructure:"batch_size"`
	BufferSize      int     `mapstructure:"buffer_size"`

	// Circuit breaker
	CircuitFailThreshold int   `mapstructure:"circuit_fail_threshold"`
	CircuitResetMs       int64 `mapstructure:"circuit_reset_ms"`

	// Process
	DataDir      string `mapstructure:"data_dir"`
	ArtifactRoot string `mapstructure:"artifact_root"`
	ListenAddr   string `mapstructure:"listen_addr"`
	LogLevel     string `mapstructure:"log_level"`
	LogJSON      bool   `mapstructure:"log_json"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("max_agents", 1000)

	v.SetDefault("queue_max", 100)
	v.SetDefault("max_attempts", 3)
	v.SetDefault("task_timeout_ms", 300000)
	v.SetDefault("backoff_initial_ms", 1000)
	v.SetDefault("backoff_max_ms", 10000)
	v.SetDefault("backoff_multiplier", 2.0)
	v.SetDefault("starvation_promote_ms", 0)
	v.SetDefault("idempotency_window_ms", 600000)
	v.SetDefault("record_retention_ms", 3600000)
	v.SetDefault("cancel_grace_factor", 2)
	v.SetDefault("drain_grace_ms", 10000)

	v.SetDefault("worker_min", 2)
	v.SetDefault("worker_max", 10)
	v.SetDefault("idle_timeout_ms", 60000)
	v.SetDefault("max_artifact_bytes", 104857600)
	v.SetDefault("max_artifact_files", 256)
	v.SetDefault("max_path_length", 255)

	v.SetDefault("exploration_rate", 0.1)
	v.SetDefault("exploration_top_k", 3)
	v.SetDefault("route_budget_ms", 100)

	v.SetDefault("sampling_rate", 1.0)
	v.SetDefault("flush_interval_ms", 5000)
	v.SetDefault("batch_size", 100)
	v.SetDefault("buffer_size", 10000)

	v.SetDefault("circuit_fail_threshold", 5)
	v.SetDefault("circuit_reset_ms", 30000)

	v.SetDefault("data_dir", "/var/lib/agency")
	v.SetDefault("artifact_root", "")
	v.SetDefault("listen_addr", "127.0.0.1:7177")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", false)
}

// Load builds a Config from defaults, the optional config file at path, and
// AGENCY_-prefixed environment variables. Unknown keys in a config file are
// rejected rather than silently ignored.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("agency")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errdefs.Wrap(errdefs.KindInvalidInput, err, "reading config file").WithRef(path)
		}
		if err := checkUnknownKeys(v); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errdefs.Wrap(errdefs.KindInvalidInput, err, "parsing configuration")
	}

	if cfg.ArtifactRoot == "" {
		cfg.ArtifactRoot = filepath.Join(cfg.DataDir, "artifacts")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// checkUnknownKeys rejects config file keys that no Config field consumes
func checkUnknownKeys(v *viper.Viper) error {
	known := make(map[string]bool)
	probe := viper.New()
	setDefaults(probe)
	for _, k := range probe.AllKeys() {
		known[k] = true
	}
	for _, k := range v.AllKeys() {
		if !known[k] {
			return errdefs.Ef(errdefs.KindInvalidInput, "unknown configuration key %q", k).WithRef(k)
		}
	}
	return nil
}

// Validate rejects out-of-range option values
func (c *Config) Validate() error {
	switch {
	case c.MaxAgents < 1:
		return errdefs.E(errdefs.KindInvalidInput, "max_agents must be at least 1").WithRef("max_agents")
	case c.QueueMax < 1:
		return errdefs.E(errdefs.KindInvalidInput, "queue_max must be at least 1").WithRef("queue_max")
	case c.MaxAttempts < 1:
		return errdefs.E(errdefs.KindInvalidInput, "max_attempts must be at least 1").WithRef("max_attempts")
	case c.WorkerMin < 1 || c.WorkerMax < c.WorkerMin:
		return errdefs.E(errdefs.KindInvalidInput, "worker pool bounds must satisfy 1 <= worker_min <= worker_max").WithRef("worker_max")
	case c.ExplorationRate < 0 || c.ExplorationRate > 1:
		return errdefs.E(errdefs.KindInvalidInput, "exploration_rate must be within [0,1]").WithRef("exploration_rate")
	case c.ExplorationTopK < 1:
		return errdefs.E(errdefs.KindInvalidInput, "exploration_top_k must be at least 1").WithRef("exploration_top_k")
	case c.SamplingRate < 0 || c.SamplingRate > 1:
		return errdefs.E(errdefs.KindInvalidInput, "sampling_rate must be within [0,1]").WithRef("sampling_rate")
	case c.BackoffMultiplier < 1:
		return errdefs.E(errdefs.KindInvalidInput, "backoff_multiplier must be at least 1").WithRef("backoff_multiplier")
	case c.BackoffInitialMs < 1 || c.BackoffMaxMs < c.BackoffInitialMs:
		return errdefs.E(errdefs.KindInvalidInput, "backoff delays must satisfy 1 <= initial <= max").WithRef("backoff_max_ms")
	case c.BufferSize < c.BatchSize:
		return errdefs.E(errdefs.KindInvalidInput, "buffer_size must be at least batch_size").WithRef("buffer_size")
	case c.CircuitFailThreshold < 1:
		return errdefs.E(errdefs.KindInvalidInput, "circuit_fail_threshold must be at least 1").WithRef("circuit_fail_threshold")
	}
	return nil
}

// TaskTimeout returns the per-task timeout as a duration
func (c *Config) TaskTimeout() time.Duration {
	return time.Duration(c.TaskTimeoutMs) * time.Millisecond
}

// FlushInterval returns the collector flush interval as a duration
func (c *Config) FlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalMs) * time.Millisecond
}

// IdleTimeout returns the worker idle reap timeout as a duration
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutMs) * time.Millisecond
}

// RouteBudget returns the routing time budget as a duration
func (c *Config) RouteBudget() time.Duration {
	return time.Duration(c.RouteBudgetMs) * time.Millisecond
}

// CircuitReset returns the breaker open interval as a duration
func (c *Config) CircuitReset() time.Duration {
	return time.Duration(c.CircuitResetMs) * time.Millisecond
}

// IdempotencyWindow returns the duplicate-submission window as a duration
func (c *Config) IdempotencyWindow() time.Duration {
	return time.Duration(c.IdempotencyWindowMs) * time.Millisecond
}

// RecordRetention returns how long terminal task records stay in memory
func (c *Config) RecordRetention() time.Duration {
	return time.Duration(c.RecordRetentionMs) * time.Millisecond
}

// DrainGrace returns the shutdown drain window as a duration
func (c *Config) DrainGrace() time.Duration {
	return time.Duration(c.DrainGraceMs) * time.Millisecond
}

// Default returns a Config with every option at its default value
func Default() *Config {
	cfg, err := Load("")
	if err != nil {
		// Defaults are statically valid; a failure here is a programming error.
		panic(err)
	}
	return cfg
}

package storage

import (
	"github.com/darianrosebrook/agent-agency/pkg/types"
)

// Store defines the persistence contract for runtime state.
// Implementations must provide transactional multi-record writes for the
// Commit* operations: either every record lands or none do.
type Store interface {
	// Agents
	CreateAgent(agent *types.AgentProfile) error
	GetAgent(id string) (*types.AgentProfile, error)
	ListAgents() ([]*types.AgentProfile, error)
	UpdateAgent(agent *types.AgentProfile) error
	DeleteAgent(id string) error

	// Tasks. UpdateTask enforces optimistic concurrency: the write fails
	// with a conflict error when the stored version differs from the
	// caller's copy.
	CreateTask(task *types.Task) error
	GetTask(id string) (*types.Task, error)
	ListTasks() ([]*types.Task, error)
	ListTasksByState(state types.TaskState) ([]*types.Task, error)
	UpdateTask(task *types.Task) error

	// Artifact manifests
	CreateManifest(manifest *types.ArtifactManifest) error
	GetManifest(id string) (*types.ArtifactManifest, error)

	// Rules and waivers, versioned
	PutRule(rule *types.Rule) error
	GetRule(id, version string) (*types.Rule, error)
	ListRules() ([]*types.Rule, error)
	PutWaiver(waiver *types.Waiver) error
	GetWaiver(id string) (*types.Waiver, error)
	ListWaivers() ([]*types.Waiver, error)

	// Verdicts are immutable once written
	CreateVerdict(verdict *types.Verdict) error
	GetVerdict(id string) (*types.Verdict, error)
	ListVerdictsByTask(taskID string) ([]*types.Verdict, error)
	ListVerdicts() ([]*types.Verdict, error)

	// Provenance entries are append-only and hash-chained
	AppendProvenance(entry *types.ProvenanceEntry) error
	ListProvenance() ([]*types.ProvenanceEntry, error)

	// Performance events are append-only with store-assigned monotonic ids
	AppendEvents(events []*types.PerformanceEvent) error
	ListEvents(fromID uint64, limit int) ([]*types.PerformanceEvent, error)

	// CommitVerdict atomically publishes a verdict with its provenance entry
	CommitVerdict(verdict *types.Verdict, provenance *types.ProvenanceEntry) error

	// CommitCompletion atomically records a task completion: the final task
	// state, its artifact manifest, the published verdict, the provenance
	// entry and the completion events commit together or roll back.
	CommitCompletion(task *types.Task, manifest *types.ArtifactManifest,
		verdict *types.Verdict, provenance *types.ProvenanceEntry,
		events []*types.PerformanceEvent) error

	// Utility. Ping verifies the backing database still answers; the
	// storage health check calls it on every evaluation.
	Ping() error
	Close() error
}

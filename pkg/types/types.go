package types

import (
	"time"
)

// AgentStatus represents the lifecycle state of a registered agent
type AgentStatus string

const (
	AgentStatusAvailable AgentStatus = "available"
	AgentStatusBusy      AgentStatus = "busy"
	AgentStatusDraining  AgentStatus = "draining"
	AgentStatusRemoved   AgentStatus = "removed"
)

// ExpertiseLevel grades an agent's competence in a specialization
type ExpertiseLevel string

const (
	ExpertiseNovice       ExpertiseLevel = "novice"
	ExpertiseIntermediate ExpertiseLevel = "intermediate"
	ExpertiseExpert       ExpertiseLevel = "expert"
)

// Rank maps an expertise level to a comparable weight
func (l ExpertiseLevel) Rank() int {
	switch l {
	case ExpertiseExpert:
		return 2
	case ExpertiseIntermediate:
		return 1
	default:
		return 0
	}
}

// Specialization tracks graded competence in one area of work
type Specialization struct {
	Name           string         `json:"name"`
	Level          ExpertiseLevel `json:"level"`
	SuccessRate    float64        `json:"success_rate"`
	TaskCount      int            `json:"task_count"`
	AverageQuality float64        `json:"average_quality"`
	LastUsed       time.Time      `json:"last_used"`
}

// Capability declares what kinds of work an agent can take on
type Capability struct {
	TaskKinds       []string          `json:"task_kinds"`
	Languages       []string          `json:"languages"`
	Specializations []*Specialization `json:"specializations"`
}

// PerformanceHistory holds rolling outcome statistics for an agent
type PerformanceHistory struct {
	SuccessRate  float64       `json:"success_rate"`
	QualityScore float64       `json:"quality_score"`
	MeanLatency  time.Duration `json:"mean_latency"`
	TaskCount    int           `json:"task_count"`
}

// LoadInfo tracks an agent's current workload
type LoadInfo struct {
	ActiveTasks    int `json:"active_tasks"`
	QueuedTasks    int `json:"queued_tasks"`
	MaxConcurrency int `json:"max_concurrency"`
	// Utilization is derived: min(100, 100*active/max_concurrency)
	Utilization float64 `json:"utilization"`
}

// AgentProfile is the registry record for one agent
type AgentProfile struct {
	ID           string              `json:"id"`
	Name         string              `json:"name"`
	ModelFamily  string              `json:"model_family"`
	Capability   *Capability         `json:"capability"`
	Performance  *PerformanceHistory `json:"performance"`
	Load         *LoadInfo           `json:"load"`
	Status       AgentStatus         `json:"status"`
	StatusReason string              `json:"status_reason,omitempty"`
	RegisteredAt time.Time           `json:"registered_at"`
	LastActiveAt time.Time           `json:"last_active_at"`
}

// Priority orders tasks in the dispatch queue
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Rank maps a priority to its queue ordering weight (higher dispatches first)
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	default:
		return 0
	}
}

// Promote returns the next priority up, saturating at critical
func (p Priority) Promote() Priority {
	switch p {
	case PriorityLow:
		return PriorityMedium
	case PriorityMedium:
		return PriorityHigh
	case PriorityHigh:
		return PriorityCritical
	default:
		return p
	}
}

// TaskState represents a task's position in the lifecycle state machine
type TaskState string

const (
	TaskStateSubmitted     TaskState = "submitted"
	TaskStateRouted        TaskState = "routed"
	TaskStateQueued        TaskState = "queued"
	TaskStateAssigned      TaskState = "assigned"
	TaskStateRunning       TaskState = "running"
	TaskStateAwaitingRetry TaskState = "awaiting_retry"
	TaskStateCompleted     TaskState = "completed"
	TaskStateFailed        TaskState = "failed"
	TaskStateCancelled     TaskState = "cancelled"
	TaskStateTimedOut      TaskState = "timed_out"
)

// Terminal reports whether no further transitions are possible from the state
func (s TaskState) Terminal() bool {
	switch s {
	case TaskStateCompleted, TaskStateFailed, TaskStateCancelled, TaskStateTimedOut:
		return true
	}
	return false
}

// TaskRequest is the caller-provided description of work to be done
type TaskRequest struct {
	Description     string            `json:"description"`
	Priority        Priority          `json:"priority"`
	SpecRef         string            `json:"spec_ref,omitempty"`
	RequiredKinds   []string          `json:"required_kinds"`
	Languages       []string          `json:"languages,omitempty"`
	Specializations []string          `json:"specializations,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	TimeoutMs       int64             `json:"timeout_ms,omitempty"`
	Deadline        time.Time         `json:"deadline,omitempty"`
	IdempotencyKey  string            `json:"idempotency_key,omitempty"`
	RiskTier        int               `json:"risk_tier,omitempty"`
	WaiverIDs       []string          `json:"waiver_ids,omitempty"`
}

// Assignment records which agent a task was routed to
type Assignment struct {
	AgentID     string    `json:"agent_id"`
	ExecutionID string    `json:"execution_id"`
	AssignedAt  time.Time `json:"assigned_at"`
}

// Task is the orchestrator's record of one unit of work
type Task struct {
	ID          string       `json:"id"`
	SubmittedAt time.Time    `json:"submitted_at"`
	Request     *TaskRequest `json:"request"`
	State       TaskState    `json:"state"`
	StateReason string       `json:"state_reason,omitempty"`
	Assignment  *Assignment  `json:"assignment,omitempty"`
	Attempts    int          `json:"attempts"`
	MaxAttempts int          `json:"max_attempts"`
	Deadline    time.Time    `json:"deadline"`
	ManifestID  string       `json:"manifest_id,omitempty"`
	VerdictID   string       `json:"verdict_id,omitempty"`
	StartedAt   time.Time    `json:"started_at,omitempty"`
	FinishedAt  time.Time    `json:"finished_at,omitempty"`
	// Version increments on every store write for optimistic concurrency
	Version int64 `json:"version"`
}

// ArtifactFile is one file captured under a task's artifact root
type ArtifactFile struct {
	RelativePath string    `json:"relative_path"`
	SizeBytes    int64     `json:"size_bytes"`
	SHA256       string    `json:"sha256"`
	CreatedAt    time.Time `json:"created_at"`
}

// ArtifactManifest lists everything a task produced
type ArtifactManifest struct {
	ID         string          `json:"id"`
	TaskID     string          `json:"task_id"`
	Files      []*ArtifactFile `json:"files"`
	TotalBytes int64           `json:"total_bytes"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Severity grades how serious a rule violation is
type Severity string

const (
	SeverityMinor    Severity = "minor"
	SeverityModerate Severity = "moderate"
	SeverityMajor    Severity = "major"
	SeverityCritical Severity = "critical"
)

// Rank maps a severity to a comparable weight
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityMajor:
		return 2
	case SeverityModerate:
		return 1
	default:
		return 0
	}
}

// RuleCategory groups policy rules by concern
type RuleCategory string

const (
	RuleCategoryCodeQuality RuleCategory = "code_quality"
	RuleCategoryTesting     RuleCategory = "testing"
	RuleCategorySecurity    RuleCategory = "security"
	RuleCategoryBudget      RuleCategory = "budget"
)

// Rule is one versioned policy rule evaluated against task outcomes
type Rule struct {
	ID               string       `json:"id"`
	Version          string       `json:"version"`
	Category         RuleCategory `json:"category"`
	Title            string       `json:"title"`
	Description      string       `json:"description"`
	Severity         Severity     `json:"severity"`
	Waivable         bool         `json:"waivable"`
	RequiredEvidence []string     `json:"required_evidence,omitempty"`
	EffectiveAt      time.Time    `json:"effective_at"`
	ExpiresAt        time.Time    `json:"expires_at,omitempty"`
}

// Active reports whether the rule should be evaluated at the given time
func (r *Rule) Active(now time.Time) bool {
	if now.Before(r.EffectiveAt) {
		return false
	}
	if !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt) {
		return false
	}
	return true
}

// WaiverStatus represents the lifecycle state of a waiver
type WaiverStatus string

const (
	WaiverStatusActive  WaiverStatus = "active"
	WaiverStatusExpired WaiverStatus = "expired"
	WaiverStatusRevoked WaiverStatus = "revoked"
)

// BudgetDelta widens baseline budget limits; deltas are always additive
type BudgetDelta struct {
	MaxFiles int `json:"max_files"`
	MaxLOC   int `json:"max_loc"`
}

// Waiver is a policy exception with expiry, approvers and budget deltas
type Waiver struct {
	ID          string       `json:"id"`
	Title       string       `json:"title"`
	Reason      string       `json:"reason"`
	Status      WaiverStatus `json:"status"`
	Gates       []string     `json:"gates"`
	ExpiresAt   time.Time    `json:"expires_at"`
	Approvers   []string     `json:"approvers"`
	Delta       BudgetDelta  `json:"delta"`
	ImpactLevel string       `json:"impact_level,omitempty"`
	Mitigation  string       `json:"mitigation,omitempty"`
}

// Usable reports whether the waiver can relax gates at the given time.
// An active waiver needs at least one approver and a future expiry.
func (w *Waiver) Usable(now time.Time) bool {
	return w.Status == WaiverStatusActive && len(w.Approvers) > 0 && now.Before(w.ExpiresAt)
}

// Budget is a pair of change-size limits derived from a spec's risk tier
type Budget struct {
	MaxFiles int `json:"max_files"`
	MaxLOC   int `json:"max_loc"`
}

// VerdictOutcome is the result of policy validation
type VerdictOutcome string

const (
	VerdictApproved       VerdictOutcome = "approved"
	VerdictRejected       VerdictOutcome = "rejected"
	VerdictWaiverRequired VerdictOutcome = "waiver_required"
)

// Violation records one failed rule evaluation
type Violation struct {
	RuleID      string   `json:"rule_id"`
	Severity    Severity `json:"severity"`
	Waivable    bool     `json:"waivable"`
	Message     string   `json:"message"`
	Remediation string   `json:"remediation,omitempty"`
}

// AuditEntry is one append-only line in a verdict's audit log
type AuditEntry struct {
	At      time.Time `json:"at"`
	Actor   string    `json:"actor"`
	Action  string    `json:"action"`
	Details string    `json:"details,omitempty"`
}

// Verdict is the immutable record of one policy validation
type Verdict struct {
	ID              string         `json:"id"`
	TaskID          string         `json:"task_id"`
	Outcome         VerdictOutcome `json:"outcome"`
	RulesApplied    []string       `json:"rules_applied"`
	Violations      []*Violation   `json:"violations,omitempty"`
	Evidence        []string       `json:"evidence,omitempty"`
	WaiversApplied  []string       `json:"waivers_applied,omitempty"`
	BaselineBudget  Budget         `json:"baseline_budget"`
	EffectiveBudget Budget         `json:"effective_budget"`
	Confidence      float64        `json:"confidence"`
	Precedents      []string       `json:"precedents,omitempty"`
	IssuerID        string         `json:"issuer_id"`
	IssuedAt        time.Time      `json:"issued_at"`
	PriorVerdictID  string         `json:"prior_verdict_id,omitempty"`
	Signature       string         `json:"signature,omitempty"`
	AuditLog        []*AuditEntry  `json:"audit_log,omitempty"`
	CitationCount   int            `json:"citation_count"`
}

// TaskOutcome is what a worker reports back for policy validation
type TaskOutcome struct {
	TaskID        string            `json:"task_id"`
	Success       bool              `json:"success"`
	FilesChanged  int               `json:"files_changed"`
	LOCChanged    int               `json:"loc_changed"`
	Coverage      float64           `json:"coverage"`
	CriticalVulns int               `json:"critical_vulns"`
	QualityScore  float64           `json:"quality_score"`
	Evidence      []string          `json:"evidence,omitempty"`
	Details       map[string]string `json:"details,omitempty"`
}

// EventKind classifies performance events
type EventKind string

const (
	EventTaskStart         EventKind = "task_start"
	EventTaskComplete      EventKind = "task_complete"
	EventRoutingDecision   EventKind = "routing_decision"
	EventEvaluationOutcome EventKind = "evaluation_outcome"
	EventPolicyValidation  EventKind = "policy_validation"
	EventAnomaly           EventKind = "anomaly"
	EventAgentRegistered   EventKind = "agent_registered"
	EventAgentStatusChange EventKind = "agent_status_change"
)

// PerformanceEvent is one telemetry record in the hash-chained stream
type PerformanceEvent struct {
	ID        uint64            `json:"id"`
	Kind      EventKind         `json:"kind"`
	AgentID   string            `json:"agent_id,omitempty"`
	TaskID    string            `json:"task_id,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Payload   map[string]string `json:"payload,omitempty"`
	// Hash chains this event to its predecessor: H(prev_hash || canonical(payload))
	PrevHash string `json:"prev_hash"`
	Hash     string `json:"hash"`
	Critical bool   `json:"critical,omitempty"`
}

// RoutingDecision is the router's output for one task request
type RoutingDecision struct {
	TaskID        string             `json:"task_id"`
	SelectedAgent string             `json:"selected_agent"`
	Strategy      string             `json:"strategy"`
	Confidence    float64            `json:"confidence"`
	Alternatives  []*ScoredCandidate `json:"alternatives,omitempty"`
	Rationale     string             `json:"rationale"`
	DecidedAt     time.Time          `json:"decided_at"`
}

// ScoredCandidate pairs an agent with its routing score
type ScoredCandidate struct {
	AgentID string  `json:"agent_id"`
	Score   float64 `json:"score"`
}

// Window labels an aggregation horizon
type Window string

const (
	WindowRealtime Window = "realtime" // 5 minutes
	WindowShort    Window = "short"    // 1 hour
	WindowMedium   Window = "medium"   // 24 hours
	WindowLong     Window = "long"     // 7 days
)

// Duration returns the horizon covered by the window
func (w Window) Duration() time.Duration {
	switch w {
	case WindowRealtime:
		return 5 * time.Minute
	case WindowShort:
		return time.Hour
	case WindowMedium:
		return 24 * time.Hour
	default:
		return 7 * 24 * time.Hour
	}
}

// AllWindows lists every aggregation horizon, shortest first
func AllWindows() []Window {
	return []Window{WindowRealtime, WindowShort, WindowMedium, WindowLong}
}

// LatencyStats summarizes task latency over a window
type LatencyStats struct {
	Mean time.Duration `json:"mean"`
	P95  time.Duration `json:"p95"`
	P99  time.Duration `json:"p99"`
	Min  time.Duration `json:"min"`
	Max  time.Duration `json:"max"`
}

// AccuracyStats summarizes outcome quality over a window
type AccuracyStats struct {
	SuccessRate     float64 `json:"success_rate"`
	QualityScore    float64 `json:"quality_score"`
	ViolationRate   float64 `json:"violation_rate"`
	EvaluationScore float64 `json:"evaluation_score"`
}

// ResourceStats summarizes resource consumption over a window
type ResourceStats struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	NetKBps       float64 `json:"net_kbps"`
	DiskKBps      float64 `json:"disk_kbps"`
}

// ComplianceStats summarizes policy gate outcomes over a window
type ComplianceStats struct {
	PassRate      float64 `json:"pass_rate"`
	SeverityScore float64 `json:"severity_score"`
}

// CostStats summarizes spend efficiency over a window
type CostStats struct {
	PerTask      float64 `json:"per_task"`
	Efficiency   float64 `json:"efficiency"`
	WastePercent float64 `json:"waste_percent"`
}

// ReliabilityStats summarizes failure behavior over a window
type ReliabilityStats struct {
	MTBF            time.Duration `json:"mtbf"`
	Availability    float64       `json:"availability"`
	ErrorRate       float64       `json:"error_rate"`
	RecoveryMinutes float64       `json:"recovery_minutes"`
}

// TrendDirection labels how a metric is moving across a window
type TrendDirection string

const (
	TrendImproving TrendDirection = "improving"
	TrendStable    TrendDirection = "stable"
	TrendDeclining TrendDirection = "declining"
)

// Trend pairs a direction with magnitude and confidence
type Trend struct {
	Direction  TrendDirection `json:"direction"`
	Magnitude  float64        `json:"magnitude"`
	Confidence float64        `json:"confidence"`
}

// AgentPerformanceProfile is a per-(agent, task kind) window snapshot
type AgentPerformanceProfile struct {
	AgentID     string           `json:"agent_id"`
	TaskKind    string           `json:"task_kind"`
	Window      Window           `json:"window"`
	Latency     LatencyStats     `json:"latency"`
	Accuracy    AccuracyStats    `json:"accuracy"`
	Resources   ResourceStats    `json:"resources"`
	Compliance  ComplianceStats  `json:"compliance"`
	Cost        CostStats        `json:"cost"`
	Reliability ReliabilityStats `json:"reliability"`
	SampleSize  int              `json:"sample_size"`
	Confidence  float64          `json:"confidence"`
	Trend       Trend            `json:"trend"`
	ComputedAt  time.Time        `json:"computed_at"`
}

// ProvenanceEntry is one line in the append-only, hash-chained provenance log
type ProvenanceEntry struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	SpecID    string            `json:"spec_id,omitempty"`
	VerdictID string            `json:"verdict_id,omitempty"`
	Actor     string            `json:"actor"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	PrevHash  string            `json:"prev_hash"`
	Hash      string            `json:"hash"`
}

// AnomalyState tracks whether an anomaly is still firing
type AnomalyState string

const (
	AnomalyOpen     AnomalyState = "open"
	AnomalyResolved AnomalyState = "resolved"
)

// Anomaly is a detected deviation in an agent's performance stream
type Anomaly struct {
	ID         string       `json:"id"`
	AgentID    string       `json:"agent_id"`
	Kind       string       `json:"kind"`
	State      AnomalyState `json:"state"`
	Observed   float64      `json:"observed"`
	Baseline   float64      `json:"baseline"`
	DetectedAt time.Time    `json:"detected_at"`
	ResolvedAt time.Time    `json:"resolved_at,omitempty"`
}

package telemetry

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/darianrosebrook/agent-agency/pkg/errdefs"
	"github.com/darianrosebrook/agent-agency/pkg/types"
)

// TrainingExample is one (decision, outcome) pair usable as a learning signal
type TrainingExample struct {
	AgentID  string        `json:"agent_id"`
	TaskKind string        `json:"task_kind"`
	Reward   float64       `json:"reward"`
	Latency  time.Duration `json:"latency"`
	At       time.Time     `json:"at"`
}

// BatchQuality records the checks a batch passed or failed
type BatchQuality struct {
	DistinctAgents int           `json:"distinct_agents"`
	DuplicateRatio float64       `json:"duplicate_ratio"`
	RewardVariance float64       `json:"reward_variance"`
	MaxTemporalGap time.Duration `json:"max_temporal_gap"`
	Reasons        []string      `json:"reasons,omitempty"`
}

// TrainingBatch is an exported, quality-checked set of examples
type TrainingBatch struct {
	ID        string             `json:"id"`
	Examples  []*TrainingExample `json:"examples"`
	Quality   BatchQuality       `json:"quality"`
	CreatedAt time.Time          `json:"created_at"`
}

// ExportOptions bounds batch construction and quality acceptance
type ExportOptions struct {
	Window            types.Window
	MinExamples       int
	MinDistinctAgents int
	MaxDuplicateRatio float64
	MinRewardVariance float64
	MaxTemporalGap    time.Duration
}

// DefaultExportOptions returns the standard batch acceptance bar
func DefaultExportOptions() ExportOptions {
	return ExportOptions{
		Window:            types.WindowMedium,
		MinExamples:       20,
		MinDistinctAgents: 2,
		MaxDuplicateRatio: 0.2,
		MinRewardVariance: 1e-4,
		MaxTemporalGap:    6 * time.Hour,
	}
}

// ExportBatch assembles a training batch from the aggregator's samples and
// rejects it when the quality checks fail. Reward is the quality score for
// successful tasks and zero for failures.
func (a *Aggregator) ExportBatch(opts ExportOptions) (*TrainingBatch, error) {
	if opts.Window == "" {
		opts.Window = types.WindowMedium
	}
	cutoff := a.clock().Add(-opts.Window.Duration())

	a.mu.Lock()
	var examples []*TrainingExample
	for key, list := range a.samples {
		agentID, kind := splitKey(key)
		for _, s := range list {
			if !s.at.After(cutoff) {
				continue
			}
			reward := 0.0
			if s.success {
				reward = s.quality
				if reward == 0 {
					reward = 1
				}
			}
			examples = append(examples, &TrainingExample{
				AgentID:  agentID,
				TaskKind: kind,
				Reward:   reward,
				Latency:  s.latency,
				At:       s.at,
			})
		}
	}
	a.mu.Unlock()

	sort.Slice(examples, func(i, j int) bool { return examples[i].At.Before(examples[j].At) })

	batch := &TrainingBatch{
		ID:        uuid.New().String(),
		Examples:  examples,
		Quality:   measure(examples),
		CreatedAt: a.clock(),
	}
	if reasons := batch.check(opts); len(reasons) > 0 {
		batch.Quality.Reasons = reasons
		return batch, errdefs.E(errdefs.KindInvalidInput, "training batch failed quality checks").
			WithRemediation(reasons[0])
	}
	return batch, nil
}

// measure computes the quality statistics over a time-ordered example set
func measure(examples []*TrainingExample) BatchQuality {
	q := BatchQuality{}
	if len(examples) == 0 {
		return q
	}

	agents := map[string]bool{}
	seen := map[string]int{}
	var sum float64
	for _, ex := range examples {
		agents[ex.AgentID] = true
		seen[dupKey(ex)]++
		sum += ex.Reward
	}
	q.DistinctAgents = len(agents)

	dups := 0
	for _, n := range seen {
		if n > 1 {
			dups += n - 1
		}
	}
	q.DuplicateRatio = float64(dups) / float64(len(examples))

	mean := sum / float64(len(examples))
	var variance float64
	for _, ex := range examples {
		d := ex.Reward - mean
		variance += d * d
	}
	q.RewardVariance = variance / float64(len(examples))

	for i := 1; i < len(examples); i++ {
		if gap := examples[i].At.Sub(examples[i-1].At); gap > q.MaxTemporalGap {
			q.MaxTemporalGap = gap
		}
	}
	return q
}

// check returns the acceptance failures, empty when the batch is usable
func (b *TrainingBatch) check(opts ExportOptions) []string {
	var reasons []string
	if len(b.Examples) < opts.MinExamples {
		reasons = append(reasons, "too few examples; widen the window or lower the minimum")
	}
	if b.Quality.DistinctAgents < opts.MinDistinctAgents {
		reasons = append(reasons, "insufficient agent diversity")
	}
	if opts.MaxDuplicateRatio > 0 && b.Quality.DuplicateRatio > opts.MaxDuplicateRatio {
		reasons = append(reasons, "duplicate ratio above threshold")
	}
	if opts.MinRewardVariance > 0 && b.Quality.RewardVariance < opts.MinRewardVariance {
		reasons = append(reasons, "reward variance too low to carry signal")
	}
	if opts.MaxTemporalGap > 0 && b.Quality.MaxTemporalGap > opts.MaxTemporalGap {
		reasons = append(reasons, "temporal gap exceeds threshold")
	}
	return reasons
}

func dupKey(ex *TrainingExample) string {
	return ex.AgentID + "|" + ex.TaskKind + "|" + ex.At.Format(time.RFC3339Nano)
}

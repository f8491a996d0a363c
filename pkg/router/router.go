package router

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/darianrosebrook/agent-agency/pkg/errdefs"
	"github.com/darianrosebrook/agent-agency/pkg/events"
	"github.com/darianrosebrook/agent-agency/pkg/log"
	"github.com/darianrosebrook/agent-agency/pkg/registry"
	"github.com/darianrosebrook/agent-agency/pkg/types"
)

const (
	// StrategyExploit picks the top-ranked candidate
	StrategyExploit = "exploit"
	// StrategyExplore samples uniformly from the top K candidates
	StrategyExplore = "explore"

	priorCacheSize = 4096
	priorWeight    = 0.15
)

// Config tunes the routing policy
type Config struct {
	// ExplorationRate is the epsilon in the epsilon-greedy policy
	ExplorationRate float64
	// TopK bounds the uniform sample during exploration
	TopK int
	// Budget bounds one routing decision end to end
	Budget time.Duration
	// CapabilityWeight and LoadWeight blend the final score; they sum to 1
	CapabilityWeight float64
	LoadWeight       float64
	// MinExploration floors the annealed exploration rate
	MinExploration float64
	// Decay anneals exploration per aggregator epoch
	Decay float64
}

// DefaultConfig returns the standard routing policy
func DefaultConfig() Config {
	return Config{
		ExplorationRate:  0.1,
		TopK:             3,
		Budget:           100 * time.Millisecond,
		CapabilityWeight: 0.7,
		LoadWeight:       0.3,
		MinExploration:   0.01,
		Decay:            0.995,
	}
}

// Router selects an agent for each task request with an epsilon-greedy
// balance between exploiting the best-ranked candidate and exploring the
// top K. Reward priors fed back from the aggregator nudge the ranking.
type Router struct {
	registry *registry.Registry
	bus      *events.Bus
	config   Config
	logger   zerolog.Logger

	mu     sync.Mutex
	rng    *rand.Rand
	epoch  int
	priors *lru.Cache[string, float64]
}

// New creates a router over the given registry
func New(reg *registry.Registry, bus *events.Bus, cfg Config) *Router {
	if cfg.TopK <= 0 {
		cfg.TopK = 3
	}
	if cfg.Budget <= 0 {
		cfg.Budget = 100 * time.Millisecond
	}
	if cfg.CapabilityWeight <= 0 && cfg.LoadWeight <= 0 {
		cfg.CapabilityWeight = 0.7
		cfg.LoadWeight = 0.3
	}
	priors, _ := lru.New[string, float64](priorCacheSize)
	return &Router{
		registry: reg,
		bus:      bus,
		config:   cfg,
		logger:   log.WithComponent("router"),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		priors:   priors,
	}
}

// Route picks an agent for the task. It fails with no_eligible_agents when
// the filtered candidate set is empty, and with timeout when the routing
// budget elapses first.
func (r *Router) Route(ctx context.Context, task *types.Task) (*types.RoutingDecision, error) {
	ctx, cancel := context.WithTimeout(ctx, r.config.Budget)
	defer cancel()

	start := time.Now()
	type result struct {
		decision *types.RoutingDecision
		err      error
	}
	done := make(chan result, 1)
	go func() {
		decision, err := r.decide(task)
		done <- result{decision, err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, res.err
		}
		r.publish(res.decision, time.Since(start))
		return res.decision, nil
	case <-ctx.Done():
		return nil, errdefs.Wrap(errdefs.KindTimeout, ctx.Err(), "routing budget exceeded").WithRef(task.ID)
	}
}

// decide runs the candidate query and the epsilon-greedy selection
func (r *Router) decide(task *types.Task) (*types.RoutingDecision, error) {
	req := task.Request
	kind := ""
	if len(req.RequiredKinds) > 0 {
		kind = req.RequiredKinds[0]
	}

	matches := r.registry.Query(registry.Filter{
		TaskKind:        kind,
		Languages:       req.Languages,
		Specializations: req.Specializations,
	})
	if len(matches) == 0 {
		return nil, errdefs.E(errdefs.KindNoEligibleAgents, "no agent matches the required capabilities").WithRef(task.ID)
	}

	scored := r.rescore(matches, kind)

	r.mu.Lock()
	epsilon := r.effectiveEpsilon()
	explore := r.rng.Float64() < epsilon
	var pick int
	if explore {
		k := r.config.TopK
		if k > len(scored) {
			k = len(scored)
		}
		pick = r.rng.Intn(k)
	}
	r.mu.Unlock()

	strategy := StrategyExploit
	confidence := scored[pick].Score
	if explore {
		strategy = StrategyExplore
		confidence = scored[pick].Score * 0.5
	}
	if confidence > 1 {
		confidence = 1
	}

	decision := &types.RoutingDecision{
		TaskID:        task.ID,
		SelectedAgent: scored[pick].AgentID,
		Strategy:      strategy,
		Confidence:    confidence,
		Alternatives:  scored,
		Rationale: fmt.Sprintf("%s pick from %d candidates (epsilon %.3f)",
			strategy, len(scored), epsilon),
		DecidedAt: time.Now(),
	}
	return decision, nil
}

// rescore blends the registry's ranking with load balance and reward priors
func (r *Router) rescore(matches []*registry.Match, kind string) []*types.ScoredCandidate {
	scored := make([]*types.ScoredCandidate, 0, len(matches))
	for _, m := range matches {
		idle := 1 - m.Profile.Load.Utilization/100
		score := r.config.CapabilityWeight*m.Score + r.config.LoadWeight*idle
		if prior, ok := r.priors.Get(priorKey(m.Profile.ID, kind)); ok {
			score += priorWeight * prior
		}
		scored = append(scored, &types.ScoredCandidate{AgentID: m.Profile.ID, Score: score})
	}
	// Registry order is score-descending already; the blend preserves it
	// closely but not exactly, so sort again.
	for i := 1; i < len(scored); i++ {
		for j := i; j > 0 && scored[j].Score > scored[j-1].Score; j-- {
			scored[j], scored[j-1] = scored[j-1], scored[j]
		}
	}
	return scored
}

// UpdatePrior records a reward signal for an (agent, task kind) pair.
// Rewards are clamped to [-1, 1] and smoothed into the existing prior.
func (r *Router) UpdatePrior(agentID, kind string, reward float64) {
	reward = math.Max(-1, math.Min(1, reward))
	key := priorKey(agentID, kind)
	if existing, ok := r.priors.Get(key); ok {
		reward = 0.8*existing + 0.2*reward
	}
	r.priors.Add(key, reward)
}

// AdvanceEpoch anneals the exploration rate. The aggregator calls this on
// each snapshot boundary.
func (r *Router) AdvanceEpoch() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.epoch++
}

// effectiveEpsilon computes the annealed exploration rate. Caller holds mu.
func (r *Router) effectiveEpsilon() float64 {
	if r.config.Decay <= 0 || r.config.Decay >= 1 {
		return r.config.ExplorationRate
	}
	factor := math.Pow(r.config.Decay, float64(r.epoch))
	if factor < r.config.MinExploration {
		factor = r.config.MinExploration
	}
	return r.config.ExplorationRate * factor
}

func (r *Router) publish(decision *types.RoutingDecision, took time.Duration) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(&events.Event{
		Topic:   events.TopicRoutingDecision,
		Kind:    string(types.EventRoutingDecision),
		TaskID:  decision.TaskID,
		AgentID: decision.SelectedAgent,
		Payload: map[string]string{
			"strategy":   decision.Strategy,
			"confidence": fmt.Sprintf("%.3f", decision.Confidence),
			"candidates": fmt.Sprintf("%d", len(decision.Alternatives)),
			"latency_ms": fmt.Sprintf("%d", took.Milliseconds()),
		},
	})
}

func priorKey(agentID, kind string) string {
	return agentID + "|" + kind
}

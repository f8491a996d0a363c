package router

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/darianrosebrook/agent-agency/pkg/errdefs"
	"github.com/darianrosebrook/agent-agency/pkg/events"
	"github.com/darianrosebrook/agent-agency/pkg/registry"
	"github.com/darianrosebrook/agent-agency/pkg/types"
)

func newAgent(id string, successRate float64) *types.AgentProfile {
	return &types.AgentProfile{
		ID:          id,
		Name:        "agent " + id,
		ModelFamily: "gpt",
		Capability:  &types.Capability{TaskKinds: []string{"doc-gen"}},
		Load:        &types.LoadInfo{MaxConcurrency: 4},
		Performance: &types.PerformanceHistory{SuccessRate: successRate},
	}
}

func newTask(id string) *types.Task {
	return &types.Task{
		ID:          id,
		SubmittedAt: time.Now(),
		Request:     &types.TaskRequest{RequiredKinds: []string{"doc-gen"}},
	}
}

func TestRouteNoEligibleAgents(t *testing.T) {
	reg := registry.New(registry.Config{MaxAgents: 10}, nil, nil)
	r := New(reg, nil, DefaultConfig())

	_, err := r.Route(context.Background(), newTask("t1"))
	assert.True(t, errdefs.IsKind(err, errdefs.KindNoEligibleAgents))
}

func TestRouteExploitPicksBest(t *testing.T) {
	reg := registry.New(registry.Config{MaxAgents: 10}, nil, nil)
	_, err := reg.Register(newAgent("strong", 0.95))
	require.NoError(t, err)
	_, err = reg.Register(newAgent("weak", 0.40))
	require.NoError(t, err)

	bus := events.NewBus()
	defer bus.Close()
	sub := bus.Subscribe(events.TopicRoutingDecision, 10)

	cfg := DefaultConfig()
	cfg.ExplorationRate = 0
	r := New(reg, bus, cfg)

	decision, err := r.Route(context.Background(), newTask("t1"))
	require.NoError(t, err)
	assert.Equal(t, "strong", decision.SelectedAgent)
	assert.Equal(t, StrategyExploit, decision.Strategy)
	assert.Greater(t, decision.Confidence, 0.0)
	assert.Len(t, decision.Alternatives, 2)

	select {
	case ev := <-sub:
		assert.Equal(t, "t1", ev.TaskID)
		assert.Equal(t, "strong", ev.AgentID)
		assert.Equal(t, "exploit", ev.Payload["strategy"])
	case <-time.After(time.Second):
		t.Fatal("no routing event published")
	}
}

func TestRouteExploreUniform(t *testing.T) {
	reg := registry.New(registry.Config{MaxAgents: 10}, nil, nil)
	_, err := reg.Register(newAgent("a1", 0.90))
	require.NoError(t, err)
	_, err = reg.Register(newAgent("a2", 0.50))
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.ExplorationRate = 1.0
	cfg.TopK = 2
	cfg.Decay = 0
	r := New(reg, nil, cfg)
	r.rng = rand.New(rand.NewSource(42))

	counts := map[string]int{}
	for i := 0; i < 1000; i++ {
		decision, err := r.Route(context.Background(), newTask(fmt.Sprintf("t%d", i)))
		require.NoError(t, err)
		assert.Equal(t, StrategyExplore, decision.Strategy)
		counts[decision.SelectedAgent]++
	}

	// Uniform over two candidates: each within 5 points of 50%
	assert.InDelta(t, 500, counts["a1"], 50)
	assert.InDelta(t, 500, counts["a2"], 50)
}

func TestUpdatePriorAffectsRanking(t *testing.T) {
	reg := registry.New(registry.Config{MaxAgents: 10}, nil, nil)
	_, err := reg.Register(newAgent("a1", 0.80))
	require.NoError(t, err)
	_, err = reg.Register(newAgent("a2", 0.80))
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.ExplorationRate = 0
	r := New(reg, nil, cfg)

	r.UpdatePrior("a2", "doc-gen", 1.0)
	decision, err := r.Route(context.Background(), newTask("t1"))
	require.NoError(t, err)
	assert.Equal(t, "a2", decision.SelectedAgent)

	// Negative feedback flips the preference back
	for i := 0; i < 20; i++ {
		r.UpdatePrior("a2", "doc-gen", -1.0)
	}
	decision, err = r.Route(context.Background(), newTask("t2"))
	require.NoError(t, err)
	assert.Equal(t, "a1", decision.SelectedAgent)
}

func TestExplorationDecay(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ExplorationRate = 0.1
	cfg.Decay = 0.5
	cfg.MinExploration = 0.1
	r := New(nil, nil, cfg)

	assert.InDelta(t, 0.1, r.effectiveEpsilon(), 1e-9)
	r.AdvanceEpoch()
	assert.InDelta(t, 0.05, r.effectiveEpsilon(), 1e-9)
	r.AdvanceEpoch()
	assert.InDelta(t, 0.025, r.effectiveEpsilon(), 1e-9)

	// The floor stops further annealing
	for i := 0; i < 20; i++ {
		r.AdvanceEpoch()
	}
	assert.InDelta(t, 0.1*cfg.MinExploration, r.effectiveEpsilon(), 1e-9)
}

package registry

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/darianrosebrook/agent-agency/pkg/errdefs"
	"github.com/darianrosebrook/agent-agency/pkg/types"
)

func seed(id string, kinds ...string) *types.AgentProfile {
	if len(kinds) == 0 {
		kinds = []string{"doc-gen"}
	}
	return &types.AgentProfile{
		ID:          id,
		Name:        "agent " + id,
		ModelFamily: "gpt",
		Capability:  &types.Capability{TaskKinds: kinds},
		Load:        &types.LoadInfo{MaxConcurrency: 4},
	}
}

func TestRegisterGet(t *testing.T) {
	r := New(Config{MaxAgents: 10}, nil, nil)

	profile, err := r.Register(seed("a1"))
	require.NoError(t, err)
	assert.Equal(t, types.AgentStatusAvailable, profile.Status)
	assert.False(t, profile.RegisteredAt.IsZero())

	got, err := r.Get("a1")
	require.NoError(t, err)
	assert.Equal(t, "agent a1", got.Name)

	// Returned copies do not alias registry state
	got.Name = "mutated"
	again, err := r.Get("a1")
	require.NoError(t, err)
	assert.Equal(t, "agent a1", again.Name)
}

func TestRegisterValidation(t *testing.T) {
	r := New(Config{MaxAgents: 10}, nil, nil)

	tests := []struct {
		name string
		seed *types.AgentProfile
	}{
		{"missing id", &types.AgentProfile{Name: "x", ModelFamily: "gpt", Capability: &types.Capability{TaskKinds: []string{"k"}}}},
		{"missing name", &types.AgentProfile{ID: "a", ModelFamily: "gpt", Capability: &types.Capability{TaskKinds: []string{"k"}}}},
		{"missing model family", &types.AgentProfile{ID: "a", Name: "x", Capability: &types.Capability{TaskKinds: []string{"k"}}}},
		{"no capabilities", &types.AgentProfile{ID: "a", Name: "x", ModelFamily: "gpt", Capability: &types.Capability{}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Register(tt.seed)
			assert.True(t, errdefs.IsKind(err, errdefs.KindInvalidInput))
		})
	}
}

func TestRegisterDuplicate(t *testing.T) {
	r := New(Config{MaxAgents: 10}, nil, nil)

	_, err := r.Register(seed("a1"))
	require.NoError(t, err)
	_, err = r.Register(seed("a1"))
	assert.True(t, errdefs.IsKind(err, errdefs.KindAgentExists))
}

func TestRegistryCapacity(t *testing.T) {
	r := New(Config{MaxAgents: 3}, nil, nil)

	for i := 0; i < 3; i++ {
		_, err := r.Register(seed(fmt.Sprintf("a%d", i)))
		require.NoError(t, err)
	}
	_, err := r.Register(seed("overflow"))
	assert.True(t, errdefs.IsKind(err, errdefs.KindRegistryFull))
}

func TestUnregisterIdempotent(t *testing.T) {
	r := New(Config{MaxAgents: 10}, nil, nil)

	_, err := r.Register(seed("a1"))
	require.NoError(t, err)
	assert.True(t, r.Unregister("a1"))
	assert.False(t, r.Unregister("a1"))

	_, err = r.Get("a1")
	assert.True(t, errdefs.IsKind(err, errdefs.KindNotFound))
}

func TestQueryRanking(t *testing.T) {
	r := New(Config{MaxAgents: 10}, nil, nil)

	strong := seed("strong")
	strong.Performance = &types.PerformanceHistory{SuccessRate: 0.95}
	_, err := r.Register(strong)
	require.NoError(t, err)

	weak := seed("weak")
	weak.Performance = &types.PerformanceHistory{SuccessRate: 0.40}
	_, err = r.Register(weak)
	require.NoError(t, err)

	other := seed("other", "image-gen")
	_, err = r.Register(other)
	require.NoError(t, err)

	matches := r.Query(Filter{TaskKind: "doc-gen"})
	require.Len(t, matches, 2)
	assert.Equal(t, "strong", matches[0].Profile.ID)
	assert.Equal(t, "weak", matches[1].Profile.ID)
	assert.Greater(t, matches[0].Score, matches[1].Score)
}

func TestQueryFilters(t *testing.T) {
	r := New(Config{MaxAgents: 10}, nil, nil)

	a := seed("a1")
	a.Capability.Languages = []string{"go", "python"}
	a.Capability.Specializations = []*types.Specialization{
		{Name: "api-design", Level: types.ExpertiseExpert, SuccessRate: 0.92},
	}
	_, err := r.Register(a)
	require.NoError(t, err)

	b := seed("b1")
	b.Capability.Languages = []string{"go"}
	b.Capability.Specializations = []*types.Specialization{
		{Name: "api-design", Level: types.ExpertiseNovice, SuccessRate: 0.50},
	}
	_, err = r.Register(b)
	require.NoError(t, err)

	// Language containment
	matches := r.Query(Filter{TaskKind: "doc-gen", Languages: []string{"python"}})
	require.Len(t, matches, 1)
	assert.Equal(t, "a1", matches[0].Profile.ID)

	// Specialization level threshold
	matches = r.Query(Filter{
		TaskKind:        "doc-gen",
		Specializations: []string{"api-design"},
		MinSpecLevel:    types.ExpertiseIntermediate,
	})
	require.Len(t, matches, 1)
	assert.Equal(t, "a1", matches[0].Profile.ID)

	// Utilization cap
	require.NoError(t, r.UpdateLoad("a1", 4, 0))
	matches = r.Query(Filter{TaskKind: "doc-gen", MaxUtilization: 50})
	require.Len(t, matches, 1)
	assert.Equal(t, "b1", matches[0].Profile.ID)
}

func TestQueryExcludesUnavailable(t *testing.T) {
	r := New(Config{MaxAgents: 10}, nil, nil)

	_, err := r.Register(seed("a1"))
	require.NoError(t, err)
	require.NoError(t, r.UpdateStatus("a1", types.AgentStatusDraining, "maintenance"))

	assert.Empty(t, r.Query(Filter{TaskKind: "doc-gen"}))

	matches := r.Query(Filter{
		TaskKind: "doc-gen",
		Statuses: []types.AgentStatus{types.AgentStatusAvailable, types.AgentStatusDraining},
	})
	assert.Len(t, matches, 1)
}

func TestUpdatePerformance(t *testing.T) {
	r := New(Config{MaxAgents: 10}, nil, nil)
	_, err := r.Register(seed("a1"))
	require.NoError(t, err)

	// First sample dominates a cold agent
	require.NoError(t, r.UpdatePerformance("a1", PerformanceSample{Success: true, Quality: 0.8, Latency: time.Second}))
	got, err := r.Get("a1")
	require.NoError(t, err)
	assert.Equal(t, 1.0, got.Performance.SuccessRate)
	assert.Equal(t, 1, got.Performance.TaskCount)

	// A failure moves the rate down but not to zero
	require.NoError(t, r.UpdatePerformance("a1", PerformanceSample{Success: false}))
	got, err = r.Get("a1")
	require.NoError(t, err)
	assert.Less(t, got.Performance.SuccessRate, 1.0)
	assert.Greater(t, got.Performance.SuccessRate, 0.0)
	assert.LessOrEqual(t, got.Performance.SuccessRate, 1.0)
}

func TestSpecializationPromotion(t *testing.T) {
	r := New(Config{MaxAgents: 10}, nil, nil)

	a := seed("a1")
	a.Capability.Specializations = []*types.Specialization{
		{Name: "api-design", Level: types.ExpertiseNovice},
	}
	_, err := r.Register(a)
	require.NoError(t, err)

	// Sustained success over the novice threshold promotes
	for i := 0; i < 25; i++ {
		require.NoError(t, r.UpdateSpecialization("a1", "api-design", PerformanceSample{Success: true, Quality: 0.9}))
	}
	got, err := r.Get("a1")
	require.NoError(t, err)
	spec := got.Capability.Specializations[0]
	assert.Equal(t, types.ExpertiseIntermediate, spec.Level)
	assert.Equal(t, 25, spec.TaskCount)

	// Sustained failure demotes back
	for i := 0; i < 40; i++ {
		require.NoError(t, r.UpdateSpecialization("a1", "api-design", PerformanceSample{Success: false}))
	}
	got, err = r.Get("a1")
	require.NoError(t, err)
	assert.Equal(t, types.ExpertiseNovice, got.Capability.Specializations[0].Level)
}

func TestUtilizationDerivation(t *testing.T) {
	r := New(Config{MaxAgents: 10}, nil, nil)
	_, err := r.Register(seed("a1"))
	require.NoError(t, err)

	require.NoError(t, r.UpdateLoad("a1", 2, 5))
	got, err := r.Get("a1")
	require.NoError(t, err)
	assert.Equal(t, 50.0, got.Load.Utilization)
	assert.Equal(t, 5, got.Load.QueuedTasks)

	// Utilization saturates at 100
	require.NoError(t, r.UpdateLoad("a1", 9, 0))
	got, err = r.Get("a1")
	require.NoError(t, err)
	assert.Equal(t, 100.0, got.Load.Utilization)
}

func TestStats(t *testing.T) {
	r := New(Config{MaxAgents: 10}, nil, nil)
	_, err := r.Register(seed("a1"))
	require.NoError(t, err)
	_, err = r.Register(seed("a2"))
	require.NoError(t, err)
	require.NoError(t, r.UpdateStatus("a2", types.AgentStatusBusy, ""))

	stats := r.Stats()
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.ByStatus[types.AgentStatusAvailable])
	assert.Equal(t, 1, stats.ByStatus[types.AgentStatusBusy])
	assert.Equal(t, 10, stats.MaxAgents)
}

package telemetry

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/darianrosebrook/agent-agency/pkg/errdefs"
	"github.com/darianrosebrook/agent-agency/pkg/storage"
	"github.com/darianrosebrook/agent-agency/pkg/types"
)

func TestHashChainLinks(t *testing.T) {
	c := NewCollector(DefaultCollectorConfig(), nil)

	for i := 0; i < 5; i++ {
		ok := c.Record(types.EventTaskComplete, "a1", fmt.Sprintf("t%d", i),
			map[string]string{"success": "true"}, false)
		require.True(t, ok)
	}

	events := c.Events()
	require.Len(t, events, 5)
	assert.Empty(t, events[0].PrevHash)
	for i := 1; i < len(events); i++ {
		assert.Equal(t, events[i-1].Hash, events[i].PrevHash)
	}
	assert.NoError(t, VerifyChain(events))
}

func TestVerifyChainDetectsTampering(t *testing.T) {
	c := NewCollector(DefaultCollectorConfig(), nil)
	for i := 0; i < 5; i++ {
		c.Record(types.EventTaskComplete, "a1", fmt.Sprintf("t%d", i),
			map[string]string{"success": "true"}, false)
	}
	events := c.Events()

	// Mutating a payload breaks the recomputed hash
	events[2].Payload["success"] = "false"
	err := VerifyChain(events)
	require.Error(t, err)
	assert.True(t, errdefs.IsKind(err, errdefs.KindIntegrity))

	// Splicing an event out breaks the link
	fresh := NewCollector(DefaultCollectorConfig(), nil)
	for i := 0; i < 5; i++ {
		fresh.Record(types.EventTaskComplete, "a1", fmt.Sprintf("t%d", i), nil, false)
	}
	spliced := fresh.Events()
	spliced = append(spliced[:2], spliced[3:]...)
	assert.Error(t, VerifyChain(spliced))
}

func TestRingEvictsOldestNonCritical(t *testing.T) {
	cfg := DefaultCollectorConfig()
	cfg.BufferSize = 3
	c := NewCollector(cfg, nil)

	c.Record(types.EventTaskComplete, "a1", "t0", nil, false)
	c.Record(types.EventAnomaly, "a1", "t1", nil, true)
	c.Record(types.EventTaskComplete, "a1", "t2", nil, false)
	// Filling the ring lowers the sampling rate; pin it back so the
	// eviction path, not the sampler, decides t3's fate
	c.sampling = 1
	c.Record(types.EventTaskComplete, "a1", "t3", nil, false)

	events := c.Events()
	require.Len(t, events, 3)
	// t0 was the oldest non-critical; the critical t1 survives
	ids := []string{events[0].TaskID, events[1].TaskID, events[2].TaskID}
	assert.Equal(t, []string{"t1", "t2", "t3"}, ids)
}

func TestRingFullOfCriticalDropsNonCritical(t *testing.T) {
	cfg := DefaultCollectorConfig()
	cfg.BufferSize = 2
	c := NewCollector(cfg, nil)

	c.Record(types.EventAnomaly, "a1", "t0", nil, true)
	c.Record(types.EventAnomaly, "a1", "t1", nil, true)
	// Pin the backpressure-lowered sampling rate so t2 reaches the ring
	c.sampling = 1
	ok := c.Record(types.EventTaskComplete, "a1", "t2", nil, false)

	assert.False(t, ok)
	assert.Equal(t, uint64(1), c.Dropped())
	require.Len(t, c.Events(), 2)
}

func TestAnonymizeFields(t *testing.T) {
	cfg := DefaultCollectorConfig()
	cfg.AnonymizeFields = []string{"actor"}
	c := NewCollector(cfg, nil)

	c.Record(types.EventTaskComplete, "a1", "t0",
		map[string]string{"actor": "alice@example.com", "success": "true"}, false)

	ev := c.Events()[0]
	assert.NotContains(t, ev.Payload["actor"], "alice")
	assert.Contains(t, ev.Payload["actor"], "anon:")
	assert.Equal(t, "true", ev.Payload["success"])
}

func TestFlushPersistsBatch(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	c := NewCollector(DefaultCollectorConfig(), store)
	for i := 0; i < 10; i++ {
		c.Record(types.EventTaskComplete, "a1", fmt.Sprintf("t%d", i),
			map[string]string{"success": "true"}, false)
	}
	require.NoError(t, c.Flush())

	persisted, err := store.ListEvents(0, 100)
	require.NoError(t, err)
	assert.Len(t, persisted, 10)

	// Second flush with nothing pending is a no-op
	require.NoError(t, c.Flush())
	persisted, err = store.ListEvents(0, 100)
	require.NoError(t, err)
	assert.Len(t, persisted, 10)
}

func TestBackpressureLowersSampling(t *testing.T) {
	cfg := DefaultCollectorConfig()
	cfg.BufferSize = 10
	c := NewCollector(cfg, nil)

	for i := 0; i < 10; i++ {
		c.Record(types.EventAnomaly, "a1", fmt.Sprintf("t%d", i), nil, true)
	}
	assert.Less(t, c.SamplingRate(), 1.0)
}

func TestSamplingSkipsNonCritical(t *testing.T) {
	cfg := DefaultCollectorConfig()
	cfg.SamplingRate = 1.0
	c := NewCollector(cfg, nil)
	c.sampling = 0.0000001

	kept := 0
	for i := 0; i < 100; i++ {
		if c.Record(types.EventTaskComplete, "a1", fmt.Sprintf("t%d", i), nil, false) {
			kept++
		}
	}
	assert.Less(t, kept, 10)

	// Critical events bypass sampling
	assert.True(t, c.Record(types.EventAnomaly, "a1", "crit", nil, true))
}

func TestCollectorStartStop(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	cfg := DefaultCollectorConfig()
	cfg.FlushInterval = 10 * time.Millisecond
	c := NewCollector(cfg, store)
	c.Start()
	c.Record(types.EventTaskComplete, "a1", "t0", map[string]string{"success": "true"}, false)
	c.Stop()

	persisted, err := store.ListEvents(0, 10)
	require.NoError(t, err)
	assert.Len(t, persisted, 1)
}

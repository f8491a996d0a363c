package telemetry

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/darianrosebrook/agent-agency/pkg/errdefs"
	"github.com/darianrosebrook/agent-agency/pkg/log"
	"github.com/darianrosebrook/agent-agency/pkg/storage"
	"github.com/darianrosebrook/agent-agency/pkg/types"
)

const (
	// backpressureHighWater is the buffer fill fraction that triggers
	// sampling reduction
	backpressureHighWater = 0.9
	// minSamplingRate floors backpressure-driven sampling reduction
	minSamplingRate = 0.1
)

// CollectorConfig tunes event capture and flushing
type CollectorConfig struct {
	BufferSize      int
	SamplingRate    float64
	BatchSize       int
	FlushInterval   time.Duration
	AnonymizeFields []string
}

// DefaultCollectorConfig returns the standard capture settings
func DefaultCollectorConfig() CollectorConfig {
	return CollectorConfig{
		BufferSize:    10000,
		SamplingRate:  1.0,
		BatchSize:     100,
		FlushInterval: 5 * time.Second,
	}
}

// Sink receives every retained event synchronously at record time
type Sink func(*types.PerformanceEvent)

// Collector captures performance events into a bounded in-memory ring and
// flushes them in batches to durable storage. Every retained event is
// hash-chained to its predecessor so the stream is tamper-evident.
type Collector struct {
	config CollectorConfig
	store  storage.Store
	logger zerolog.Logger

	mu        sync.Mutex
	ring      []*types.PerformanceEvent
	pending   []*types.PerformanceEvent
	nextID    uint64
	prevHash  string
	sampling  float64
	dropped   uint64
	anonymize map[string]bool
	sinks     []Sink
	rng       *rand.Rand

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewCollector creates a collector. The store may be nil, in which case
// flushed batches are discarded after sinks have observed them.
func NewCollector(cfg CollectorConfig, store storage.Store) *Collector {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 10000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.SamplingRate <= 0 || cfg.SamplingRate > 1 {
		cfg.SamplingRate = 1.0
	}
	anonymize := make(map[string]bool, len(cfg.AnonymizeFields))
	for _, f := range cfg.AnonymizeFields {
		anonymize[f] = true
	}
	return &Collector{
		config:    cfg,
		store:     store,
		logger:    log.WithComponent("telemetry"),
		ring:      make([]*types.PerformanceEvent, 0, cfg.BufferSize),
		sampling:  cfg.SamplingRate,
		anonymize: anonymize,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// AddSink registers an observer invoked synchronously for every retained
// event. Register sinks before Start.
func (c *Collector) AddSink(sink Sink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sinks = append(c.sinks, sink)
}

// Start begins the periodic flush loop
func (c *Collector) Start() {
	go c.run()
}

// Stop halts the flush loop and flushes any pending events
func (c *Collector) Stop() {
	close(c.stopCh)
	<-c.doneCh
	if err := c.Flush(); err != nil {
		c.logger.Error().Err(err).Msg("final flush failed")
	}
}

func (c *Collector) run() {
	defer close(c.doneCh)
	ticker := time.NewTicker(c.config.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.Flush(); err != nil {
				c.logger.Error().Err(err).Msg("periodic flush failed")
			}
		case <-c.stopCh:
			return
		}
	}
}

// Record captures one event. Non-critical events are subject to sampling;
// critical events are always retained. The return reports whether the
// event entered the stream.
func (c *Collector) Record(kind types.EventKind, agentID, taskID string, payload map[string]string, critical bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !critical && c.sampling < 1 && c.rng.Float64() >= c.sampling {
		return false
	}

	ev := &types.PerformanceEvent{
		Kind:      kind,
		AgentID:   agentID,
		TaskID:    taskID,
		Timestamp: time.Now().UTC(),
		Payload:   c.scrub(payload),
		Critical:  critical,
	}
	c.nextID++
	ev.ID = c.nextID
	ev.PrevHash = c.prevHash
	ev.Hash = chainHash(c.prevHash, ev)
	c.prevHash = ev.Hash

	if !c.insert(ev) {
		c.dropped++
		return false
	}

	c.pending = append(c.pending, ev)
	flushNow := len(c.pending) >= c.config.BatchSize
	for _, sink := range c.sinks {
		sink(ev)
	}
	c.adjustSampling()
	if flushNow {
		go func() {
			if err := c.Flush(); err != nil {
				c.logger.Error().Err(err).Msg("batch flush failed")
			}
		}()
	}
	return true
}

// insert places the event in the ring, evicting the oldest non-critical
// event when full. Critical events are never evicted; a full all-critical
// ring only admits further critical events. Caller holds mu.
func (c *Collector) insert(ev *types.PerformanceEvent) bool {
	if len(c.ring) < c.config.BufferSize {
		c.ring = append(c.ring, ev)
		return true
	}
	for i, old := range c.ring {
		if !old.Critical {
			c.ring = append(c.ring[:i], c.ring[i+1:]...)
			c.ring = append(c.ring, ev)
			return true
		}
	}
	if !ev.Critical {
		return false
	}
	c.ring = append(c.ring[1:], ev)
	return true
}

// scrub replaces configured payload fields with a hash of their value
func (c *Collector) scrub(payload map[string]string) map[string]string {
	if len(payload) == 0 {
		return nil
	}
	out := make(map[string]string, len(payload))
	for k, v := range payload {
		if c.anonymize[k] {
			sum := sha256.Sum256([]byte(v))
			out[k] = "anon:" + hex.EncodeToString(sum[:6])
			continue
		}
		out[k] = v
	}
	return out
}

// adjustSampling lowers the sampling rate under buffer pressure and
// restores it as the ring drains. Caller holds mu.
func (c *Collector) adjustSampling() {
	fill := float64(len(c.ring)) / float64(c.config.BufferSize)
	switch {
	case fill >= backpressureHighWater && c.sampling > minSamplingRate:
		c.sampling = c.sampling / 2
		if c.sampling < minSamplingRate {
			c.sampling = minSamplingRate
		}
		c.logger.Warn().Float64("sampling", c.sampling).Msg("telemetry backpressure, sampling reduced")
	case fill < backpressureHighWater/2 && c.sampling < c.config.SamplingRate:
		c.sampling = c.config.SamplingRate
	}
}

// Flush persists pending events to the store in one append
func (c *Collector) Flush() error {
	c.mu.Lock()
	batch := c.pending
	c.pending = nil
	c.mu.Unlock()

	if len(batch) == 0 || c.store == nil {
		return nil
	}
	if err := c.store.AppendEvents(batch); err != nil {
		c.mu.Lock()
		c.pending = append(batch, c.pending...)
		c.mu.Unlock()
		return errdefs.Wrap(errdefs.KindInternal, err, "persist telemetry batch")
	}
	return nil
}

// Events returns a copy of the in-memory ring, oldest first
func (c *Collector) Events() []*types.PerformanceEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*types.PerformanceEvent, len(c.ring))
	copy(out, c.ring)
	return out
}

// Dropped reports how many events were lost to overflow
func (c *Collector) Dropped() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// SamplingRate reports the current effective sampling rate
func (c *Collector) SamplingRate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sampling
}

// chainHash computes H(prev_hash || canonical(event)) over the event's
// identifying fields and payload. Map keys marshal in sorted order, so the
// encoding is canonical.
func chainHash(prevHash string, ev *types.PerformanceEvent) string {
	canonical, _ := json.Marshal(struct {
		Kind      types.EventKind   `json:"kind"`
		AgentID   string            `json:"agent_id"`
		TaskID    string            `json:"task_id"`
		Timestamp string            `json:"timestamp"`
		Payload   map[string]string `json:"payload"`
	}{ev.Kind, ev.AgentID, ev.TaskID, ev.Timestamp.Format(time.RFC3339Nano), ev.Payload})
	sum := sha256.Sum256(append([]byte(prevHash), canonical...))
	return hex.EncodeToString(sum[:])
}

// VerifyChain checks that every event links to its predecessor and that
// each stored hash matches the recomputed one. The first broken link is
// reported by position.
func VerifyChain(events []*types.PerformanceEvent) error {
	prev := ""
	for i, ev := range events {
		if i > 0 {
			prev = events[i-1].Hash
		} else {
			prev = ev.PrevHash
		}
		if ev.PrevHash != prev {
			return errdefs.E(errdefs.KindIntegrity,
				fmt.Sprintf("event %d: prev_hash does not match predecessor", i)).
				WithRef(fmt.Sprintf("%d", ev.ID))
		}
		if chainHash(prev, ev) != ev.Hash {
			return errdefs.E(errdefs.KindIntegrity,
				fmt.Sprintf("event %d: content does not match recorded hash", i)).
				WithRef(fmt.Sprintf("%d", ev.ID))
		}
	}
	return nil
}

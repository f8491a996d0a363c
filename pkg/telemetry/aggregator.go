package telemetry

import (
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/darianrosebrook/agent-agency/pkg/events"
	"github.com/darianrosebrook/agent-agency/pkg/log"
	"github.com/darianrosebrook/agent-agency/pkg/types"
)

// AnomalyThresholds configures the detection rules
type AnomalyThresholds struct {
	// LatencyFactor flags a realtime p95 above factor x the long baseline
	LatencyFactor float64
	// SuccessDropPoints flags a success-rate drop in percentage points
	SuccessDropPoints float64
	// ErrorRateJumpPoints flags an error-rate increase in percentage points
	ErrorRateJumpPoints float64
	// SustainedResourcePercent flags sustained cpu/memory above this level
	SustainedResourcePercent float64
}

// DefaultThresholds returns the standard anomaly rules
func DefaultThresholds() AnomalyThresholds {
	return AnomalyThresholds{
		LatencyFactor:            3,
		SuccessDropPoints:        15,
		ErrorRateJumpPoints:      25,
		SustainedResourcePercent: 95,
	}
}

// AggregatorConfig tunes snapshot computation
type AggregatorConfig struct {
	// RefSampleSize is the sample count at which confidence reaches 1
	RefSampleSize int
	// SnapshotInterval drives the periodic snapshot/anomaly sweep
	SnapshotInterval time.Duration
	Thresholds       AnomalyThresholds
}

// DefaultAggregatorConfig returns the standard aggregation settings
func DefaultAggregatorConfig() AggregatorConfig {
	return AggregatorConfig{
		RefSampleSize:    50,
		SnapshotInterval: time.Minute,
		Thresholds:       DefaultThresholds(),
	}
}

// sample is one completed task observation
type sample struct {
	at         time.Time
	latency    time.Duration
	success    bool
	quality    float64
	cpuPct     float64
	memPct     float64
	violations int
	cost       float64
}

// Aggregator folds the event stream into per-(agent, task kind) performance
// profiles over four time windows and raises anomalies when the realtime
// window deviates from the long baseline.
type Aggregator struct {
	config AggregatorConfig
	bus    *events.Bus
	logger zerolog.Logger

	mu        sync.Mutex
	samples   map[string][]sample // agent|kind, time-ordered
	anomalies map[string]*types.Anomaly
	onEpoch   []func()
	clock     func() time.Time

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewAggregator creates an aggregator publishing anomalies on the bus
func NewAggregator(cfg AggregatorConfig, bus *events.Bus) *Aggregator {
	if cfg.RefSampleSize <= 0 {
		cfg.RefSampleSize = 50
	}
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = time.Minute
	}
	if cfg.Thresholds == (AnomalyThresholds{}) {
		cfg.Thresholds = DefaultThresholds()
	}
	return &Aggregator{
		config:    cfg,
		bus:       bus,
		logger:    log.WithComponent("aggregator"),
		samples:   make(map[string][]sample),
		anomalies: make(map[string]*types.Anomaly),
		clock:     time.Now,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// OnEpoch registers a hook invoked after every snapshot sweep. The router
// hangs its exploration annealing off this.
func (a *Aggregator) OnEpoch(fn func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onEpoch = append(a.onEpoch, fn)
}

// Start begins the periodic snapshot and anomaly sweep
func (a *Aggregator) Start() {
	go a.run()
}

// Stop halts the sweep loop
func (a *Aggregator) Stop() {
	close(a.stopCh)
	<-a.doneCh
}

func (a *Aggregator) run() {
	defer close(a.doneCh)
	ticker := time.NewTicker(a.config.SnapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.Sweep()
		case <-a.stopCh:
			return
		}
	}
}

// Observe ingests one event. Only task completions carry measurements; the
// collector wires this as a sink.
func (a *Aggregator) Observe(ev *types.PerformanceEvent) {
	if ev.Kind != types.EventTaskComplete || ev.AgentID == "" {
		return
	}
	s := sample{at: ev.Timestamp}
	if v, err := strconv.ParseInt(ev.Payload["latency_ms"], 10, 64); err == nil {
		s.latency = time.Duration(v) * time.Millisecond
	}
	s.success = ev.Payload["success"] == "true"
	if v, err := strconv.ParseFloat(ev.Payload["quality"], 64); err == nil {
		s.quality = v
	}
	if v, err := strconv.ParseFloat(ev.Payload["cpu_percent"], 64); err == nil {
		s.cpuPct = v
	}
	if v, err := strconv.ParseFloat(ev.Payload["memory_percent"], 64); err == nil {
		s.memPct = v
	}
	if v, err := strconv.Atoi(ev.Payload["violations"]); err == nil {
		s.violations = v
	}
	if v, err := strconv.ParseFloat(ev.Payload["cost"], 64); err == nil {
		s.cost = v
	}

	key := sampleKey(ev.AgentID, ev.Payload["task_kind"])
	a.mu.Lock()
	a.samples[key] = append(a.samples[key], s)
	a.mu.Unlock()
}

// Snapshot computes the profile for one (agent, task kind) over a window.
// Returns nil when the window holds no samples.
func (a *Aggregator) Snapshot(agentID, taskKind string, window types.Window) *types.AgentPerformanceProfile {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked(agentID, taskKind, window)
}

func (a *Aggregator) snapshotLocked(agentID, taskKind string, window types.Window) *types.AgentPerformanceProfile {
	now := a.clock()
	cutoff := now.Add(-window.Duration())
	all := a.samples[sampleKey(agentID, taskKind)]

	var in []sample
	for _, s := range all {
		if s.at.After(cutoff) {
			in = append(in, s)
		}
	}
	if len(in) == 0 {
		return nil
	}

	profile := &types.AgentPerformanceProfile{
		AgentID:    agentID,
		TaskKind:   taskKind,
		Window:     window,
		SampleSize: len(in),
		Confidence: confidence(len(in), a.config.RefSampleSize),
		ComputedAt: now,
	}

	latencies := make([]time.Duration, 0, len(in))
	var successes, violations int
	var quality, cpu, mem, cost float64
	for _, s := range in {
		latencies = append(latencies, s.latency)
		if s.success {
			successes++
		}
		violations += s.violations
		quality += s.quality
		cpu += s.cpuPct
		mem += s.memPct
		cost += s.cost
	}
	n := float64(len(in))

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}
	profile.Latency = types.LatencyStats{
		Mean: sum / time.Duration(len(latencies)),
		P95:  percentile(latencies, 0.95),
		P99:  percentile(latencies, 0.99),
		Min:  latencies[0],
		Max:  latencies[len(latencies)-1],
	}
	profile.Accuracy = types.AccuracyStats{
		SuccessRate:   float64(successes) / n,
		QualityScore:  quality / n,
		ViolationRate: float64(violations) / n,
	}
	profile.Resources = types.ResourceStats{
		CPUPercent:    cpu / n,
		MemoryPercent: mem / n,
	}
	profile.Cost = types.CostStats{PerTask: cost / n}
	profile.Reliability = types.ReliabilityStats{
		ErrorRate:    1 - profile.Accuracy.SuccessRate,
		Availability: profile.Accuracy.SuccessRate,
	}
	profile.Compliance = types.ComplianceStats{
		PassRate: 1 - profile.Accuracy.ViolationRate,
	}
	profile.Trend = trend(in)
	return profile
}

// Snapshots computes profiles for every tracked (agent, kind) pair in one
// window, skipping pairs with no samples inside it
func (a *Aggregator) Snapshots(window types.Window) []*types.AgentPerformanceProfile {
	a.mu.Lock()
	keys := make([]string, 0, len(a.samples))
	for k := range a.samples {
		keys = append(keys, k)
	}
	a.mu.Unlock()
	sort.Strings(keys)

	var out []*types.AgentPerformanceProfile
	for _, k := range keys {
		agentID, kind := splitKey(k)
		if p := a.Snapshot(agentID, kind, window); p != nil {
			out = append(out, p)
		}
	}
	return out
}

// Sweep prunes expired samples, runs anomaly detection, and fires epoch
// hooks. The run loop calls this on every tick.
func (a *Aggregator) Sweep() {
	a.mu.Lock()
	a.pruneLocked()
	fired := a.detectLocked()
	hooks := make([]func(), len(a.onEpoch))
	copy(hooks, a.onEpoch)
	a.mu.Unlock()

	for _, anomaly := range fired {
		a.publish(anomaly)
	}
	for _, fn := range hooks {
		fn()
	}
}

// pruneLocked drops samples older than the longest window
func (a *Aggregator) pruneLocked() {
	cutoff := a.clock().Add(-types.WindowLong.Duration())
	for key, list := range a.samples {
		i := 0
		for i < len(list) && !list[i].at.After(cutoff) {
			i++
		}
		if i == 0 {
			continue
		}
		if i == len(list) {
			delete(a.samples, key)
			continue
		}
		a.samples[key] = append([]sample(nil), list[i:]...)
	}
}

// detectLocked compares each pair's realtime window against its long
// baseline and opens or resolves anomalies. Returns state transitions.
func (a *Aggregator) detectLocked() []*types.Anomaly {
	var transitions []*types.Anomaly
	now := a.clock()
	th := a.config.Thresholds

	for key := range a.samples {
		agentID, kind := splitKey(key)
		recent := a.snapshotLocked(agentID, kind, types.WindowRealtime)
		baseline := a.snapshotLocked(agentID, kind, types.WindowLong)
		if recent == nil || baseline == nil {
			continue
		}

		checks := []struct {
			rule     string
			firing   bool
			observed float64
			base     float64
		}{
			{
				rule:     "latency_spike",
				firing:   baseline.Latency.P95 > 0 && float64(recent.Latency.P95) > th.LatencyFactor*float64(baseline.Latency.P95),
				observed: float64(recent.Latency.P95.Milliseconds()),
				base:     float64(baseline.Latency.P95.Milliseconds()),
			},
			{
				rule:     "success_drop",
				firing:   (baseline.Accuracy.SuccessRate-recent.Accuracy.SuccessRate)*100 > th.SuccessDropPoints,
				observed: recent.Accuracy.SuccessRate * 100,
				base:     baseline.Accuracy.SuccessRate * 100,
			},
			{
				rule:     "error_rate_jump",
				firing:   (recent.Reliability.ErrorRate-baseline.Reliability.ErrorRate)*100 > th.ErrorRateJumpPoints,
				observed: recent.Reliability.ErrorRate * 100,
				base:     baseline.Reliability.ErrorRate * 100,
			},
			{
				rule:     "resource_sustained",
				firing:   recent.Resources.CPUPercent > th.SustainedResourcePercent || recent.Resources.MemoryPercent > th.SustainedResourcePercent,
				observed: recent.Resources.CPUPercent,
				base:     th.SustainedResourcePercent,
			},
		}

		for _, check := range checks {
			akey := key + "|" + check.rule
			open := a.anomalies[akey]
			switch {
			case check.firing && open == nil:
				anomaly := &types.Anomaly{
					ID:         uuid.New().String(),
					AgentID:    agentID,
					Kind:       check.rule,
					State:      types.AnomalyOpen,
					Observed:   check.observed,
					Baseline:   check.base,
					DetectedAt: now,
				}
				a.anomalies[akey] = anomaly
				transitions = append(transitions, anomaly)
			case !check.firing && open != nil:
				open.State = types.AnomalyResolved
				open.ResolvedAt = now
				delete(a.anomalies, akey)
				transitions = append(transitions, open)
			}
		}
	}
	return transitions
}

// OpenAnomalies returns the currently firing anomalies
func (a *Aggregator) OpenAnomalies() []*types.Anomaly {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*types.Anomaly, 0, len(a.anomalies))
	for _, anomaly := range a.anomalies {
		copied := *anomaly
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.Before(out[j].DetectedAt) })
	return out
}

func (a *Aggregator) publish(anomaly *types.Anomaly) {
	a.logger.Warn().
		Str("agent_id", anomaly.AgentID).
		Str("rule", anomaly.Kind).
		Str("state", string(anomaly.State)).
		Float64("observed", anomaly.Observed).
		Float64("baseline", anomaly.Baseline).
		Msg("anomaly transition")
	if a.bus == nil {
		return
	}
	a.bus.Publish(&events.Event{
		Topic:   events.TopicAnomaly,
		Kind:    string(types.EventAnomaly),
		AgentID: anomaly.AgentID,
		Payload: map[string]string{
			"rule":     anomaly.Kind,
			"state":    string(anomaly.State),
			"observed": fmt.Sprintf("%.2f", anomaly.Observed),
			"baseline": fmt.Sprintf("%.2f", anomaly.Baseline),
		},
	})
}

// confidence grows linearly with sample count and saturates at 1
func confidence(n, ref int) float64 {
	c := float64(n) / float64(ref)
	if c > 1 {
		return 1
	}
	return c
}

// percentile returns the nearest-rank percentile of a sorted slice
func percentile(sorted []time.Duration, q float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(q*float64(len(sorted))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// trend compares the first and second halves of the window's samples
func trend(in []sample) types.Trend {
	if len(in) < 4 {
		return types.Trend{Direction: types.TrendStable, Confidence: 0}
	}
	mid := len(in) / 2
	first, second := in[:mid], in[mid:]

	rate := func(list []sample) float64 {
		ok := 0
		for _, s := range list {
			if s.success {
				ok++
			}
		}
		return float64(ok) / float64(len(list))
	}
	delta := rate(second) - rate(first)
	t := types.Trend{
		Magnitude:  delta,
		Confidence: confidence(len(in), 20),
	}
	switch {
	case delta > 0.05:
		t.Direction = types.TrendImproving
	case delta < -0.05:
		t.Direction = types.TrendDeclining
	default:
		t.Direction = types.TrendStable
	}
	return t
}

func sampleKey(agentID, kind string) string {
	return agentID + "|" + kind
}

func splitKey(key string) (string, string) {
	for i := 0; i < len(key); i++ {
		if key[i] == '|' {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}

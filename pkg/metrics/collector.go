package metrics

import (
	"strconv"
	"time"

	"github.com/darianrosebrook/agent-agency/pkg/events"
	"github.com/darianrosebrook/agent-agency/pkg/orchestrator"
	"github.com/darianrosebrook/agent-agency/pkg/registry"
	"github.com/darianrosebrook/agent-agency/pkg/telemetry"
	"github.com/darianrosebrook/agent-agency/pkg/types"
)

// Collector feeds the Prometheus metrics. Gauges sample runtime state on
// a fixed interval; counters derive from the event bus so the components
// being measured never import this package.
type Collector struct {
	orchestrator *orchestrator.Orchestrator
	registry     *registry.Registry
	telemetry    *telemetry.Collector
	aggregator   *telemetry.Aggregator
	bus          *events.Bus
	interval     time.Duration
	subs         map[events.Topic]events.Subscriber
	stopCh       chan struct{}
}

// NewCollector creates a collector over the runtime components. Nil
// components are skipped.
func NewCollector(orc *orchestrator.Orchestrator, reg *registry.Registry,
	tel *telemetry.Collector, agg *telemetry.Aggregator, bus *events.Bus) *Collector {
	return &Collector{
		orchestrator: orc,
		registry:     reg,
		telemetry:    tel,
		aggregator:   agg,
		bus:          bus,
		interval:     15 * time.Second,
		subs:         make(map[events.Topic]events.Subscriber),
		stopCh:       make(chan struct{}),
	}
}

// Start begins the sampling loop and event subscriptions
func (c *Collector) Start() {
	if c.bus != nil {
		for _, topic := range []events.Topic{
			events.TopicTaskLifecycle,
			events.TopicRoutingDecision,
			events.TopicPolicyValidation,
		} {
			sub := c.bus.Subscribe(topic, 100)
			c.subs[topic] = sub
			go c.consume(sub)
		}
	}

	ticker := time.NewTicker(c.interval)
	go func() {
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop halts the sampling loop and drops the subscriptions
func (c *Collector) Stop() {
	close(c.stopCh)
	for topic, sub := range c.subs {
		c.bus.Unsubscribe(topic, sub)
	}
}

func (c *Collector) consume(sub events.Subscriber) {
	for ev := range sub {
		switch ev.Topic {
		case events.TopicTaskLifecycle:
			switch types.TaskState(ev.Kind) {
			case types.TaskStateSubmitted:
				TasksSubmitted.Inc()
			case types.TaskStateCompleted:
				TasksCompleted.Inc()
			case types.TaskStateFailed, types.TaskStateTimedOut:
				TasksFailed.Inc()
			case types.TaskStateAwaitingRetry:
				TaskRetries.Inc()
			}
		case events.TopicRoutingDecision:
			RoutingDecisions.WithLabelValues(ev.Payload["strategy"]).Inc()
			if ms, err := strconv.ParseFloat(ev.Payload["latency_ms"], 64); err == nil {
				RoutingLatency.Observe(ms / 1000)
			}
		case events.TopicPolicyValidation:
			Verdicts.WithLabelValues(ev.Payload["outcome"]).Inc()
		}
	}
}

func (c *Collector) collect() {
	if c.orchestrator != nil {
		status := c.orchestrator.Status()
		QueueDepth.Set(float64(status.QueueDepth))
		WorkersActive.Set(float64(status.Workers))
		for state, count := range status.ByState {
			TasksTotal.WithLabelValues(string(state)).Set(float64(count))
		}
	}

	if c.registry != nil {
		stats := c.registry.Stats()
		for status, count := range stats.ByStatus {
			AgentsTotal.WithLabelValues(string(status)).Set(float64(count))
		}
	}

	if c.telemetry != nil {
		EventsDropped.Set(float64(c.telemetry.Dropped()))
	}

	if c.aggregator != nil {
		AnomaliesOpen.Set(float64(len(c.aggregator.OpenAnomalies())))
	}
}

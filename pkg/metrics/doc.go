/*
Package metrics provides Prometheus metrics and health endpoints for the
agency runtime.

All metrics register against the default Prometheus registry at package
init and expose through promhttp on /metrics. The Collector polls the
orchestrator, registry and telemetry components for gauge values and
subscribes to the event bus for the counters, so the measured components
never import this package.

# Architecture

	event bus ──subscribe──> counters ─┐
	                                   ├──> default registry ──> /metrics
	Collector ──poll──> gauges ────────┘

Metric categories:

	Registry:  agents by status
	Tasks:     totals by state, submissions, completions, failures, retries
	Queue:     depth, active workers
	Routing:   decision latency, strategy counts
	Policy:    verdicts by outcome
	Telemetry: open anomalies, dropped events
	API:       request counts and duration

The health checker tracks per-component liveness for /health, /ready and
/live. Readiness requires the storage, orchestrator and api components to
have reported healthy at least once.
*/
package metrics

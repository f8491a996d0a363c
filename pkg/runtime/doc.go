/*
Package runtime assembles the agency components into one process.

# Architecture

	            ┌──────────── Runtime ────────────┐
	            │                                  │
	  config ──>│  store ── registry ── router     │
	            │    │          │         │        │
	            │  catalog   orchestrator ┘        │
	            │    │          │                  │
	            │  validator  pool                 │
	            │    │          │                  │
	            │  collector ── aggregator         │
	            │          event bus               │
	            └──────────────────────────────────┘

New builds the graph: the bolt store opens first, every component takes
its collaborators by constructor, and two feedback edges close the loop.
Completed-task telemetry flows from the collector into the aggregator's
windows, and the aggregator's snapshot epochs advance the router's
exploration decay.

Start order is dependency-first: storage restore, telemetry, policy
catalog sweep, worker pool, orchestrator, metrics. Stop reverses it,
draining the orchestrator within the configured grace window before the
pool and the bus shut down.
*/
package runtime

/*
Package types defines the core data structures used throughout Agency.

This package contains all fundamental types that represent Agency's domain
model: agents and their capabilities, tasks and their lifecycle states,
artifact manifests, policy rules, waivers, verdicts, performance events and
aggregated performance profiles. Every other package builds on these types
for state management, persistence, routing, policy evaluation and telemetry.

# Core Types

Agent directory:
  - AgentProfile: Identity, capabilities, performance history and load
  - Capability / Specialization: What an agent can do, and how well
  - AgentStatus: available, busy, draining, removed

Task lifecycle:
  - Task / TaskRequest / Assignment: A unit of work and its routing record
  - TaskState: The state machine vocabulary (submitted through terminal)
  - Priority: low, medium, high, critical with queue ordering

Policy gate:
  - Rule: Versioned policy rule with severity, evidence and expiry
  - Waiver: Policy exception with approvers and additive budget deltas
  - Verdict: Immutable record of a validation outcome
  - Budget: Change-size limits derived from a spec's risk tier

Telemetry:
  - PerformanceEvent: One hash-chained telemetry record
  - AgentPerformanceProfile: Per-(agent, task kind) window snapshot
  - Anomaly: Detected performance deviation with open/resolved state
  - ProvenanceEntry: Append-only, hash-chained publication record

Ownership is unidirectional: the registry owns agents, the orchestrator owns
tasks, the validator owns verdicts. Cross-references are by id, never by
pointer, so records serialize cleanly and cycles cannot form.
*/
package types

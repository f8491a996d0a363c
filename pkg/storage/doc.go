/*
Package storage persists Agency's runtime state.

The Store interface is the persistence contract: agents, tasks (with
optimistic versioning), artifact manifests, versioned rules and waivers,
write-once verdicts, an append-only hash-chained provenance log and an
append-only performance event stream with store-assigned monotonic ids.

BoltStore implements the contract on BoltDB with one bucket per entity and
JSON-encoded values. Multi-record state transitions (task completion plus
manifest plus verdict plus events) go through CommitCompletion, which runs
inside a single BoltDB transaction and therefore commits or rolls back as a
unit.

Invariants enforced here rather than by callers:
  - UpdateTask fails with conflict on a version mismatch
  - CreateVerdict fails with conflict if the verdict id already exists;
    there is no verdict update operation
  - Provenance entries and performance events can only be appended
*/
package storage

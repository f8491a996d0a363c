/*
Package worker executes assigned tasks inside per-task sandboxes.

# Architecture

The Pool owns a bounded set of worker goroutines. Admission is
non-blocking: Submit hands the task to an idle worker, grows the pool up
to its maximum when all are busy, and otherwise fails with queue_full so
the orchestrator keeps the task queued. Idle workers above the minimum
exit after the idle timeout.

Each execution gets a fresh working directory under the artifact root;
only that directory is writable by the task. When the executor returns,
the pool captures an artifact manifest: every regular file with its size
and SHA-256 digest. Symlinks, non-regular files, escaping paths and trees
over the byte, count or path-length caps fail the capture with
artifact_integrity. VerifyManifest later recomputes the digests to prove
the tree unchanged.

The Executor interface is the seam for a real agent runtime; the built-in
SimulatedExecutor writes a single result file and honors cancellation.
*/
package worker

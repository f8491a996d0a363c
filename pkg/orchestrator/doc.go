/*
Package orchestrator drives tasks through their lifecycle from submission
to a terminal state.

A submitted task is routed to an agent, admitted to a bounded priority
queue and dispatched to the worker pool as capacity allows. Results come
back on the pool's result channel: successes are verified against their
artifact manifest, validated by policy and committed atomically; retryable
failures re-enter the queue after exponential backoff with jitter until
the attempt cap.

# Architecture

	Submit ──> route ──> queue ──> dispatch ──> pool
	                       ^                      │
	                       └── backoff <── result loop ──> commit

The queue orders by effective priority, then submission time. Entries
waiting past the promotion window climb one priority level per sweep so
low-priority work cannot starve. Admission past capacity fails
immediately rather than blocking the submitter.

Every task carries an absolute deadline. Execution runs under a context
derived from that deadline and from the task's cancel signal; a timed out
attempt is retryable like any transient failure. Cancellation is
cooperative: the context is cancelled and the worker gets a grace window
to acknowledge before the orchestrator proceeds without it, discarding
any output that arrives later.

State transitions persist through the store and publish on the event
bus's task lifecycle topic. Completion commits the final task state, the
artifact manifest, the policy verdict and its provenance entry in one
transaction.
*/
package orchestrator

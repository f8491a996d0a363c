/*
Package errdefs defines Agency's error taxonomy.

Inside a component, specific errors bubble up normally. At the component
boundary they are classified into one of the kinds defined here, so callers
can branch on classification instead of message text:

  - invalid_input, not_found, unauthorized, forbidden: final, never retried
  - conflict: optimistic version mismatch, retry at the caller
  - queue_full, registry_full: capacity exhaustion, caller may back off
  - no_eligible_agents: routing produced an empty candidate set
  - artifact_integrity: manifest verification failed, task fails terminally
  - timeout, retryable, service_unavailable, internal: retried with backoff
    while attempts remain

Retryable(err) is the single classification point the orchestrator's retry
policy consults.
*/
package errdefs

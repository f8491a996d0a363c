/*
Package api exposes the runtime over HTTP.

# Architecture

The server wraps a gin engine with recovery, request logging and
Prometheus instrumentation. Routes group under /v1:

	/v1/status                  runtime summary
	/v1/shutdown                graceful process shutdown
	/v1/tasks                   submit
	/v1/tasks/:id               snapshot, wait, cancel
	/v1/agents                  register, list, get
	/v1/verdicts/:id            fetch, replay

Health and metrics endpoints (/health, /ready, /live, /metrics) mount at
the root for probes and scrapers.

Errors map from their kind to an HTTP status: invalid input to 400, not
found to 404, conflicts to 409, queue and registry saturation to 429, no
eligible agents to 422. The response body always carries the kind so
clients can branch without parsing messages.
*/
package api

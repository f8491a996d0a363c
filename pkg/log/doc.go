/*
Package log provides structured logging for Agency using zerolog.

Call Init once at process start, then either use the package-level helpers
for one-off messages or derive a child logger per component:

	logger := log.WithComponent("orchestrator")
	logger.Info().Str("task_id", id).Msg("task dispatched")

Child-logger helpers exist for the fields that recur across the codebase:
component, agent_id, task_id and verdict_id. Output is human-readable
console format by default and JSON when Config.JSONOutput is set.
*/
package log

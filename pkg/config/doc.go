/*
Package config loads and validates Agency's runtime configuration.

Options are resolved in increasing precedence: built-in defaults, an
optional YAML config file, then AGENCY_-prefixed environment variables
(AGENCY_QUEUE_MAX=200 overrides queue_max). Every component receives its
slice of the single Config record explicitly; there is no module-level
mutable configuration state.

Unknown keys in a config file are rejected, and Validate catches
out-of-range values before any component starts.
*/
package config

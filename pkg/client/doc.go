/*
Package client wraps the daemon's HTTP API for CLI and programmatic use.

Every method maps to one endpoint and decodes the error payload back into
a kinded error, so callers branch on errdefs kinds exactly as they would
against the in-process components. A connection failure surfaces as
service_unavailable with a remediation hint.
*/
package client

/*
Package breaker implements the circuit breaker guarding Agency's external
dependencies (the persistence store, agent executors).

A breaker opens after a configured number of consecutive failures. While
open, calls fail fast with a service_unavailable error instead of queueing
behind a dead dependency. After the reset timeout a single probe is
admitted; its outcome decides whether the circuit closes or reopens.
*/
package breaker

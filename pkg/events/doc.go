/*
Package events implements Agency's in-process event bus.

The bus partitions the stream into topics (task lifecycle, routing
decisions, policy validations, anomalies, agent lifecycle). Each topic has a
single dispatch goroutine, so all subscribers on a topic observe events in
publish order. Across topics no ordering is guaranteed.

Subscribers receive events on bounded channels; when a subscriber's buffer
is full the event is dropped for that subscriber rather than blocking the
topic. Components that cannot tolerate loss (the telemetry collector)
size their buffers accordingly.
*/
package events

/*
Package telemetry captures and aggregates the performance event stream.

# Architecture

The Collector is the write path: components record events, the collector
samples non-critical ones, scrubs configured payload fields, links each
retained event into a SHA-256 hash chain, and holds them in a bounded ring.
Batches flush to durable storage on a size or interval trigger. When the
ring fills, the oldest non-critical event is evicted; critical events are
never dropped for space. Sustained pressure lowers the sampling rate until
the ring drains.

The Aggregator is the read path: it folds task completions into
per-(agent, task kind) profiles over four windows (realtime 5m, short 1h,
medium 24h, long 7d), with confidence growing toward 1 as sample counts
reach the reference size. A periodic sweep prunes expired samples, compares
the realtime window against the long baseline to open and resolve
anomalies, and fires epoch hooks that downstream consumers (exploration
annealing) hang off.

ExportBatch turns aggregated samples into training batches, rejecting sets
that fail diversity, duplication, variance or temporal-gap checks.
*/
package telemetry

/*
Package registry implements Agency's capability-indexed agent directory.

The registry owns AgentProfile records: it creates them on Register,
mutates them through the Update* operations, and removes them on
Unregister. Inverted indices over task kinds, languages and
specializations keep candidate lookup sub-linear, and Query ranks eligible
agents by a weighted score over capability fit, specialization fit,
success rate and idleness, with ties broken by most recent activity.

Performance updates fold task outcomes into exponentially smoothed running
averages; the smoothing factor starts near 1 for cold agents and decays
with task count. Specialization levels climb a promotion ladder
(novice to intermediate at 20 tasks and 85% success, intermediate to
expert at 50 tasks and 90%) and fall back when success regresses below the
promotion bar by a margin.

Reads are concurrent and return deep copies; writes serialize on the
registry lock and persist write-through when a store is attached.
*/
package registry

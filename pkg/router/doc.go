/*
Package router selects an agent for each task request.

Candidates come from the registry's capability query; the router blends the
registry ranking with a load-balance term and per-(agent, task kind) reward
priors fed back from the performance aggregator. Selection is
epsilon-greedy: with probability epsilon the router samples uniformly from
the top K candidates, otherwise it takes the top score. Epsilon anneals per
aggregator epoch down to a configured floor.

Every decision is published on the routing topic before Route returns, and
the whole decision runs under a configurable time budget.
*/
package router

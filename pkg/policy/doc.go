/*
Package policy gates task outcomes behind versioned rules and waivers.

# Architecture

The Catalog owns the rule and waiver sets. Rules are versioned per id line;
evaluation always uses the latest version active at validation time, and
expired rules are never evaluated. Waivers follow the WV-NNNN naming
scheme, require at least one approver while active, and carry additive
budget deltas that only widen limits. A periodic sweep expires waivers
past their deadline.

The Validator derives the change-size budget from the spec's risk tier,
widens it with every usable waiver delta, and evaluates the built-in
budget gate plus each active rule's category condition. Outcomes map to
approved, waiver_required (every violation waivable and covered by a
usable waiver) or rejected. Confidence starts at 0.7, gains 0.1 per cited
precedent up to three, and 0.1 more in strict mode.

Published verdicts are immutable: they commit atomically with a
hash-chained provenance entry recording the validation inputs, which is
what Replay later uses to re-derive and diff a verdict. Reviews produce a
new verdict citing the prior one. Rule evaluations are memoized with the
rule version in the key, so reloads never serve stale results.
*/
package policy

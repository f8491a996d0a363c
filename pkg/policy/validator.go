package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/darianrosebrook/agent-agency/pkg/errdefs"
	"github.com/darianrosebrook/agent-agency/pkg/events"
	"github.com/darianrosebrook/agent-agency/pkg/log"
	"github.com/darianrosebrook/agent-agency/pkg/storage"
	"github.com/darianrosebrook/agent-agency/pkg/types"
)

const (
	confidenceBase     = 0.7
	confidenceStrict   = 0.1
	precedentBonusUnit = 0.1
	precedentTopK      = 3
	evalCacheSize      = 2048

	// budgetRuleID labels the built-in change-size gate
	budgetRuleID = "budget_limit"
)

// baselineBudgets maps risk tiers 1-4 to change-size limits. Tier 3 is the
// reference point; the ladder doubles per tier.
var baselineBudgets = map[int]types.Budget{
	1: {MaxFiles: 5, MaxLOC: 500},
	2: {MaxFiles: 10, MaxLOC: 1000},
	3: {MaxFiles: 20, MaxLOC: 2000},
	4: {MaxFiles: 40, MaxLOC: 4000},
}

// Options steers one validation run
type Options struct {
	// Strict treats missing declared evidence as a violation and raises
	// confidence
	Strict bool
	// DryRun evaluates without publishing
	DryRun bool
	// PrecedentLookup cites prior verdicts and folds them into confidence
	PrecedentLookup bool
	// Actor is recorded on the verdict and provenance entry
	Actor string
	// CoverageThreshold gates testing-category rules
	CoverageThreshold float64
	// QualityThreshold gates code-quality-category rules
	QualityThreshold float64
}

// DefaultOptions returns the standard validation settings
func DefaultOptions() Options {
	return Options{
		PrecedentLookup:   true,
		Actor:             "system",
		CoverageThreshold: 0.8,
		QualityThreshold:  0.6,
	}
}

type evalResult struct {
	violation *types.Violation
}

// Validator evaluates task outcomes against the catalog's rules and
// publishes immutable verdicts.
type Validator struct {
	catalog *Catalog
	store   storage.Store
	bus     *events.Bus
	logger  zerolog.Logger
	cache   *lru.Cache[string, evalResult]
	clock   func() time.Time
}

// NewValidator creates a validator over the catalog. Rule reloads
// invalidate memoized evaluations through version-carrying cache keys.
func NewValidator(catalog *Catalog, store storage.Store, bus *events.Bus) *Validator {
	cache, _ := lru.New[string, evalResult](evalCacheSize)
	v := &Validator{
		catalog: catalog,
		store:   store,
		bus:     bus,
		logger:  log.WithComponent("validator"),
		cache:   cache,
		clock:   time.Now,
	}
	catalog.OnReload(func(string) {
		// Version is part of every cache key, so reloaded rules miss
		// naturally. Nothing to purge here.
	})
	return v
}

// ClearCache drops every memoized evaluation
func (v *Validator) ClearCache() {
	v.cache.Purge()
}

// Validate evaluates one task outcome. Inputs are never mutated. Unless
// opts.DryRun is set, the verdict and its provenance entry publish
// atomically and a policy_validation event fires.
func (v *Validator) Validate(taskID string, spec *types.TaskRequest, outcome *types.TaskOutcome, opts Options) (*types.Verdict, error) {
	if outcome == nil {
		return nil, errdefs.E(errdefs.KindInvalidInput, "outcome is required")
	}
	if spec == nil {
		spec = &types.TaskRequest{}
	}
	if opts.CoverageThreshold == 0 {
		opts.CoverageThreshold = 0.8
	}
	if opts.QualityThreshold == 0 {
		opts.QualityThreshold = 0.6
	}
	now := v.clock()

	baseline, effective, applied := v.deriveBudget(spec)

	var violations []*types.Violation
	var rulesApplied []string

	// Built-in change-size gate against the effective budget
	rulesApplied = append(rulesApplied, budgetRuleID)
	if outcome.FilesChanged > effective.MaxFiles {
		violations = append(violations, &types.Violation{
			RuleID:      budgetRuleID,
			Severity:    types.SeverityMajor,
			Waivable:    true,
			Message:     fmt.Sprintf("max_files %d > %d", outcome.FilesChanged, effective.MaxFiles),
			Remediation: "split the change or attach a budget waiver",
		})
	}
	if outcome.LOCChanged > effective.MaxLOC {
		violations = append(violations, &types.Violation{
			RuleID:      budgetRuleID,
			Severity:    types.SeverityMajor,
			Waivable:    true,
			Message:     fmt.Sprintf("max_loc %d > %d", outcome.LOCChanged, effective.MaxLOC),
			Remediation: "split the change or attach a budget waiver",
		})
	}

	rules := v.catalog.ActiveRules(now)
	for _, rule := range rules {
		rulesApplied = append(rulesApplied, rule.ID)
		if violation := v.evaluate(rule, outcome, opts); violation != nil {
			violations = append(violations, violation)
		}
	}

	var precedents []string
	if opts.PrecedentLookup {
		precedents = v.matchPrecedents(rules, violations)
	}

	verdict := &types.Verdict{
		ID:              uuid.New().String(),
		TaskID:          taskID,
		Outcome:         v.decide(violations),
		RulesApplied:    rulesApplied,
		Violations:      violations,
		Evidence:        append([]string(nil), outcome.Evidence...),
		WaiversApplied:  applied,
		BaselineBudget:  baseline,
		EffectiveBudget: effective,
		Confidence:      confidence(len(precedents), opts.Strict),
		Precedents:      precedents,
		IssuerID:        opts.Actor,
		IssuedAt:        now,
		AuditLog: []*types.AuditEntry{
			{At: now, Actor: opts.Actor, Action: "issued"},
		},
	}

	if opts.DryRun {
		return verdict, nil
	}
	if err := v.publish(verdict, spec, outcome, opts); err != nil {
		return nil, err
	}
	return verdict, nil
}

// deriveBudget resolves the baseline from the risk tier and widens it with
// every usable waiver delta. Deltas sum, so application order is
// irrelevant.
func (v *Validator) deriveBudget(spec *types.TaskRequest) (types.Budget, types.Budget, []string) {
	tier := spec.RiskTier
	if tier < 1 || tier > 4 {
		tier = 3
	}
	baseline := baselineBudgets[tier]
	effective := baseline

	var applied []string
	for _, waiver := range v.catalog.UsableWaivers(spec.WaiverIDs) {
		effective.MaxFiles += waiver.Delta.MaxFiles
		effective.MaxLOC += waiver.Delta.MaxLOC
		applied = append(applied, waiver.ID)
	}
	return baseline, effective, applied
}

// evaluate runs one rule's category condition, memoized by
// (rule id, version, actor, canonical outcome parameters)
func (v *Validator) evaluate(rule *types.Rule, outcome *types.TaskOutcome, opts Options) *types.Violation {
	key := evalKey(rule, outcome, opts)
	if cached, ok := v.cache.Get(key); ok {
		return cached.violation
	}

	violation := v.condition(rule, outcome, opts)
	v.cache.Add(key, evalResult{violation: violation})
	return violation
}

func (v *Validator) condition(rule *types.Rule, outcome *types.TaskOutcome, opts Options) *types.Violation {
	if opts.Strict && len(rule.RequiredEvidence) > 0 {
		have := make(map[string]bool, len(outcome.Evidence))
		for _, e := range outcome.Evidence {
			have[e] = true
		}
		for _, required := range rule.RequiredEvidence {
			if !have[required] {
				return &types.Violation{
					RuleID:      rule.ID,
					Severity:    rule.Severity,
					Waivable:    rule.Waivable,
					Message:     fmt.Sprintf("missing required evidence %q", required),
					Remediation: "attach the declared evidence to the outcome",
				}
			}
		}
	}

	switch rule.Category {
	case types.RuleCategoryTesting:
		if outcome.Coverage < opts.CoverageThreshold {
			return &types.Violation{
				RuleID:      rule.ID,
				Severity:    rule.Severity,
				Waivable:    rule.Waivable,
				Message:     fmt.Sprintf("coverage %.2f below threshold %.2f", outcome.Coverage, opts.CoverageThreshold),
				Remediation: "raise test coverage above the threshold",
			}
		}
	case types.RuleCategorySecurity:
		if outcome.CriticalVulns > 0 {
			return &types.Violation{
				RuleID:      rule.ID,
				Severity:    rule.Severity,
				Waivable:    false,
				Message:     fmt.Sprintf("%d critical vulnerabilities present", outcome.CriticalVulns),
				Remediation: "resolve every critical vulnerability before resubmitting",
			}
		}
	case types.RuleCategoryCodeQuality:
		if outcome.QualityScore < opts.QualityThreshold {
			return &types.Violation{
				RuleID:      rule.ID,
				Severity:    rule.Severity,
				Waivable:    rule.Waivable,
				Message:     fmt.Sprintf("quality score %.2f below threshold %.2f", outcome.QualityScore, opts.QualityThreshold),
				Remediation: "address the quality findings and resubmit",
			}
		}
	case types.RuleCategoryBudget:
		// Change-size limits are enforced by the built-in gate against
		// the effective budget; budget-category rules only contribute
		// evidence requirements.
	}
	return nil
}

// decide maps the violation set to a verdict outcome. A violation is
// resolvable when it is waivable and some usable waiver gates its rule.
func (v *Validator) decide(violations []*types.Violation) types.VerdictOutcome {
	if len(violations) == 0 {
		return types.VerdictApproved
	}
	now := v.clock()
	v.catalog.mu.RLock()
	defer v.catalog.mu.RUnlock()

	for _, violation := range violations {
		if !violation.Waivable {
			return types.VerdictRejected
		}
		covered := false
		for _, waiver := range v.catalog.waivers {
			if !waiver.Usable(now) {
				continue
			}
			for _, gate := range waiver.Gates {
				if gate == violation.RuleID {
					covered = true
					break
				}
			}
			if covered {
				break
			}
		}
		if !covered {
			return types.VerdictRejected
		}
	}
	return types.VerdictWaiverRequired
}

// matchPrecedents finds prior verdicts whose applied rules share a category
// with the current evaluation at equal or higher severity, ranked by
// citation count then recency, top K cited
func (v *Validator) matchPrecedents(rules []*types.Rule, violations []*types.Violation) []string {
	if v.store == nil {
		return nil
	}

	// The current evaluation's category floor: the highest severity seen
	// per category, preferring violated rules.
	floor := make(map[types.RuleCategory]int)
	for _, rule := range rules {
		if rank := rule.Severity.Rank(); rank > floor[rule.Category] {
			floor[rule.Category] = rank
		}
	}
	if len(floor) == 0 {
		return nil
	}

	priors, err := v.store.ListVerdicts()
	if err != nil {
		v.logger.Warn().Err(err).Msg("precedent lookup failed")
		return nil
	}

	ruleByID := make(map[string]*types.Rule)
	for _, rule := range rules {
		ruleByID[rule.ID] = rule
	}

	var applicable []*types.Verdict
	for _, prior := range priors {
		for _, ruleID := range prior.RulesApplied {
			rule, ok := ruleByID[ruleID]
			if !ok {
				continue
			}
			required, tracked := floor[rule.Category]
			if tracked && rule.Severity.Rank() >= required {
				applicable = append(applicable, prior)
				break
			}
		}
	}

	sort.Slice(applicable, func(i, j int) bool {
		if applicable[i].CitationCount != applicable[j].CitationCount {
			return applicable[i].CitationCount > applicable[j].CitationCount
		}
		return applicable[i].IssuedAt.After(applicable[j].IssuedAt)
	})
	if len(applicable) > precedentTopK {
		applicable = applicable[:precedentTopK]
	}
	ids := make([]string, len(applicable))
	for i, prior := range applicable {
		ids[i] = prior.ID
	}
	return ids
}

// Prepare evaluates like Validate but returns the verdict with its
// hash-chained provenance entry unpublished, for callers that commit the
// pair inside a larger transaction. The caller still owns event emission.
func (v *Validator) Prepare(taskID string, spec *types.TaskRequest, outcome *types.TaskOutcome, opts Options) (*types.Verdict, *types.ProvenanceEntry, error) {
	dry := opts
	dry.DryRun = true
	verdict, err := v.Validate(taskID, spec, outcome, dry)
	if err != nil {
		return nil, nil, err
	}
	if spec == nil {
		spec = &types.TaskRequest{}
	}
	entry, err := v.provenanceFor(verdict, spec, outcome, opts)
	if err != nil {
		return nil, nil, err
	}
	return verdict, entry, nil
}

// AnnounceVerdict emits the policy_validation event for a verdict that was
// committed outside the validator
func (v *Validator) AnnounceVerdict(verdict *types.Verdict) {
	v.emit(verdict)
}

// provenanceFor builds the hash-chained provenance entry for a verdict
func (v *Validator) provenanceFor(verdict *types.Verdict, spec *types.TaskRequest, outcome *types.TaskOutcome, opts Options) (*types.ProvenanceEntry, error) {
	entry := &types.ProvenanceEntry{
		ID:        uuid.New().String(),
		Type:      "verdict",
		Timestamp: verdict.IssuedAt,
		SpecID:    spec.SpecRef,
		VerdictID: verdict.ID,
		Actor:     opts.Actor,
		Metadata:  replayMetadata(spec, outcome, opts),
	}
	if v.store == nil {
		return nil, errdefs.E(errdefs.KindInternal, "cannot chain provenance without a store")
	}
	prior, err := v.store.ListProvenance()
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindInternal, err, "read provenance tail")
	}
	if len(prior) > 0 {
		entry.PrevHash = prior[len(prior)-1].Hash
	}
	entry.Hash = provenanceHash(entry)
	return entry, nil
}

// publish atomically writes the verdict with its provenance entry and
// emits the validation event
func (v *Validator) publish(verdict *types.Verdict, spec *types.TaskRequest, outcome *types.TaskOutcome, opts Options) error {
	if v.store == nil {
		return errdefs.E(errdefs.KindInternal, "cannot publish without a store")
	}
	entry, err := v.provenanceFor(verdict, spec, outcome, opts)
	if err != nil {
		return err
	}
	if err := v.store.CommitVerdict(verdict, entry); err != nil {
		return err
	}

	v.emit(verdict)
	v.logger.Info().
		Str("verdict_id", verdict.ID).
		Str("task_id", verdict.TaskID).
		Str("outcome", string(verdict.Outcome)).
		Int("violations", len(verdict.Violations)).
		Msg("verdict published")
	return nil
}

func (v *Validator) emit(verdict *types.Verdict) {
	if v.bus == nil {
		return
	}
	v.bus.Publish(&events.Event{
		Topic:  events.TopicPolicyValidation,
		Kind:   string(types.EventPolicyValidation),
		TaskID: verdict.TaskID,
		Payload: map[string]string{
			"verdict_id": verdict.ID,
			"outcome":    string(verdict.Outcome),
			"violations": strconv.Itoa(len(verdict.Violations)),
			"confidence": fmt.Sprintf("%.2f", verdict.Confidence),
		},
	})
}

// Review re-validates a published verdict's task with fresh options. The
// prior verdict is never mutated; the new one cites it.
func (v *Validator) Review(priorID string, spec *types.TaskRequest, outcome *types.TaskOutcome, opts Options) (*types.Verdict, error) {
	prior, err := v.store.GetVerdict(priorID)
	if err != nil {
		return nil, err
	}
	verdict, err := v.Validate(prior.TaskID, spec, outcome, opts)
	if err != nil {
		return nil, err
	}
	verdict.PriorVerdictID = prior.ID
	return verdict, nil
}

// ReplayResult reports whether a recorded verdict reproduces
type ReplayResult struct {
	Original *types.Verdict `json:"original"`
	Replayed *types.Verdict `json:"replayed"`
	Diffs    []string       `json:"diffs,omitempty"`
}

// Replay re-runs a published verdict's validation from its recorded inputs
// in dry-run mode and diffs the result against the original
func (v *Validator) Replay(verdictID string) (*ReplayResult, error) {
	if v.store == nil {
		return nil, errdefs.E(errdefs.KindInternal, "replay needs a store")
	}
	original, err := v.store.GetVerdict(verdictID)
	if err != nil {
		return nil, err
	}

	entries, err := v.store.ListProvenance()
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindInternal, err, "read provenance")
	}
	var recorded *types.ProvenanceEntry
	for _, entry := range entries {
		if entry.VerdictID == verdictID {
			recorded = entry
			break
		}
	}
	if recorded == nil {
		return nil, errdefs.E(errdefs.KindNotFound, "no provenance entry for verdict").WithRef(verdictID)
	}

	spec, outcome, opts := fromReplayMetadata(recorded)
	opts.DryRun = true
	replayed, err := v.Validate(original.TaskID, spec, outcome, opts)
	if err != nil {
		return nil, err
	}

	result := &ReplayResult{Original: original, Replayed: replayed}
	if replayed.Outcome != original.Outcome {
		result.Diffs = append(result.Diffs,
			fmt.Sprintf("outcome %s != %s", replayed.Outcome, original.Outcome))
	}
	if len(replayed.Violations) != len(original.Violations) {
		result.Diffs = append(result.Diffs,
			fmt.Sprintf("violations %d != %d", len(replayed.Violations), len(original.Violations)))
	}
	if replayed.EffectiveBudget != original.EffectiveBudget {
		result.Diffs = append(result.Diffs,
			fmt.Sprintf("effective budget %+v != %+v", replayed.EffectiveBudget, original.EffectiveBudget))
	}
	return result, nil
}

func confidence(precedents int, strict bool) float64 {
	c := confidenceBase + precedentBonusUnit*float64(min(precedents, precedentTopK))
	if strict {
		c += confidenceStrict
	}
	if c > 1 {
		c = 1
	}
	return c
}

// evalKey builds the memoization key. The rule version is part of the key,
// so reloading a rule line never serves stale results.
func evalKey(rule *types.Rule, outcome *types.TaskOutcome, opts Options) string {
	params, _ := json.Marshal(struct {
		Coverage float64  `json:"coverage"`
		Vulns    int      `json:"vulns"`
		Quality  float64  `json:"quality"`
		Evidence []string `json:"evidence"`
		Strict   bool     `json:"strict"`
	}{outcome.Coverage, outcome.CriticalVulns, outcome.QualityScore, outcome.Evidence, opts.Strict})
	return strings.Join([]string{rule.ID, rule.Version, string(rule.Category), opts.Actor, string(params)}, "|")
}

func replayMetadata(spec *types.TaskRequest, outcome *types.TaskOutcome, opts Options) map[string]string {
	return map[string]string{
		"risk_tier":      strconv.Itoa(spec.RiskTier),
		"waiver_ids":     strings.Join(spec.WaiverIDs, ","),
		"files_changed":  strconv.Itoa(outcome.FilesChanged),
		"loc_changed":    strconv.Itoa(outcome.LOCChanged),
		"coverage":       fmt.Sprintf("%.4f", outcome.Coverage),
		"critical_vulns": strconv.Itoa(outcome.CriticalVulns),
		"quality_score":  fmt.Sprintf("%.4f", outcome.QualityScore),
		"evidence":       strings.Join(outcome.Evidence, ","),
		"strict":         strconv.FormatBool(opts.Strict),
		"actor":          opts.Actor,
	}
}

func fromReplayMetadata(entry *types.ProvenanceEntry) (*types.TaskRequest, *types.TaskOutcome, Options) {
	md := entry.Metadata
	atoi := func(s string) int { n, _ := strconv.Atoi(s); return n }
	atof := func(s string) float64 { f, _ := strconv.ParseFloat(s, 64); return f }
	split := func(s string) []string {
		if s == "" {
			return nil
		}
		return strings.Split(s, ",")
	}

	spec := &types.TaskRequest{
		SpecRef:   entry.SpecID,
		RiskTier:  atoi(md["risk_tier"]),
		WaiverIDs: split(md["waiver_ids"]),
	}
	outcome := &types.TaskOutcome{
		FilesChanged:  atoi(md["files_changed"]),
		LOCChanged:    atoi(md["loc_changed"]),
		Coverage:      atof(md["coverage"]),
		CriticalVulns: atoi(md["critical_vulns"]),
		QualityScore:  atof(md["quality_score"]),
		Evidence:      split(md["evidence"]),
	}
	opts := DefaultOptions()
	opts.Actor = md["actor"]
	opts.Strict = md["strict"] == "true"
	return spec, outcome, opts
}

// provenanceHash chains the entry to its predecessor over a canonical
// encoding of its content
func provenanceHash(entry *types.ProvenanceEntry) string {
	canonical, _ := json.Marshal(struct {
		ID        string            `json:"id"`
		Type      string            `json:"type"`
		Timestamp string            `json:"timestamp"`
		SpecID    string            `json:"spec_id"`
		VerdictID string            `json:"verdict_id"`
		Actor     string            `json:"actor"`
		Metadata  map[string]string `json:"metadata"`
	}{entry.ID, entry.Type, entry.Timestamp.Format(time.RFC3339Nano), entry.SpecID, entry.VerdictID, entry.Actor, entry.Metadata})
	sum := sha256.Sum256(append([]byte(entry.PrevHash), canonical...))
	return hex.EncodeToString(sum[:])
}

package policy

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/darianrosebrook/agent-agency/pkg/errdefs"
	"github.com/darianrosebrook/agent-agency/pkg/log"
	"github.com/darianrosebrook/agent-agency/pkg/storage"
	"github.com/darianrosebrook/agent-agency/pkg/types"
)

var waiverIDPattern = regexp.MustCompile(`^WV-\d{4}$`)

// Catalog holds the versioned rule and waiver sets. Writes go through the
// backing store when one is attached; reads are served from memory.
type Catalog struct {
	store  storage.Store
	logger zerolog.Logger

	mu      sync.RWMutex
	rules   map[string][]*types.Rule // id -> versions, insertion order
	waivers map[string]*types.Waiver
	clock   func() time.Time

	onReload []func(ruleID string)

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewCatalog creates a catalog, loading any persisted rules and waivers
func NewCatalog(store storage.Store) (*Catalog, error) {
	c := &Catalog{
		store:   store,
		logger:  log.WithComponent("policy"),
		rules:   make(map[string][]*types.Rule),
		waivers: make(map[string]*types.Waiver),
		clock:   time.Now,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	if store == nil {
		return c, nil
	}
	rules, err := store.ListRules()
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindInternal, err, "load rules")
	}
	for _, rule := range rules {
		c.rules[rule.ID] = append(c.rules[rule.ID], rule)
	}
	waivers, err := store.ListWaivers()
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindInternal, err, "load waivers")
	}
	for _, waiver := range waivers {
		c.waivers[waiver.ID] = waiver
	}
	return c, nil
}

// OnReload registers a hook invoked with the rule id whenever a rule is
// loaded or replaced. The validator hangs cache invalidation off this.
func (c *Catalog) OnReload(fn func(ruleID string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReload = append(c.onReload, fn)
}

// Start begins the periodic waiver expiry sweep
func (c *Catalog) Start(interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		defer close(c.doneCh)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.SweepExpired()
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Stop halts the expiry sweep
func (c *Catalog) Stop() {
	close(c.stopCh)
	<-c.doneCh
}

// LoadRule validates and installs one rule version
func (c *Catalog) LoadRule(rule *types.Rule) error {
	if rule.ID == "" || rule.Version == "" {
		return errdefs.E(errdefs.KindInvalidInput, "rule id and version are required")
	}
	if rule.EffectiveAt.IsZero() {
		return errdefs.E(errdefs.KindInvalidInput, "rule effective date is required").WithRef(rule.ID)
	}

	c.mu.Lock()
	for _, existing := range c.rules[rule.ID] {
		if existing.Version == rule.Version {
			c.mu.Unlock()
			return errdefs.E(errdefs.KindConflict, "rule version already loaded").WithRef(rule.ID)
		}
	}
	c.rules[rule.ID] = append(c.rules[rule.ID], rule)
	hooks := make([]func(string), len(c.onReload))
	copy(hooks, c.onReload)
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.PutRule(rule); err != nil {
			return errdefs.Wrap(errdefs.KindInternal, err, "persist rule")
		}
	}
	for _, fn := range hooks {
		fn(rule.ID)
	}
	c.logger.Info().Str("rule_id", rule.ID).Str("version", rule.Version).Msg("rule loaded")
	return nil
}

// Rule returns a specific rule version
func (c *Catalog) Rule(id, version string) (*types.Rule, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, rule := range c.rules[id] {
		if rule.Version == version {
			return rule, nil
		}
	}
	return nil, errdefs.E(errdefs.KindNotFound, "rule not found").WithRef(id)
}

// ActiveRules returns the highest active version of every rule line at the
// given time, sorted by id for deterministic evaluation order
func (c *Catalog) ActiveRules(now time.Time) []*types.Rule {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []*types.Rule
	for _, versions := range c.rules {
		var latest *types.Rule
		for _, rule := range versions {
			if rule.Active(now) && (latest == nil || versionLess(latest.Version, rule.Version)) {
				latest = rule
			}
		}
		if latest != nil {
			out = append(out, latest)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// versionLess orders dotted versions numerically segment by segment, so
// 1.10.0 ranks above 1.2.0. Non-numeric segments fall back to a string
// compare.
func versionLess(a, b string) bool {
	as, bs := strings.Split(a, "."), strings.Split(b, ".")
	for i := 0; i < len(as) && i < len(bs); i++ {
		an, aerr := strconv.Atoi(as[i])
		bn, berr := strconv.Atoi(bs[i])
		if aerr != nil || berr != nil {
			if as[i] != bs[i] {
				return as[i] < bs[i]
			}
			continue
		}
		if an != bn {
			return an < bn
		}
	}
	return len(as) < len(bs)
}

// PutWaiver validates and installs a waiver
func (c *Catalog) PutWaiver(waiver *types.Waiver) error {
	if !waiverIDPattern.MatchString(waiver.ID) {
		return errdefs.E(errdefs.KindInvalidInput, "waiver id must match WV-NNNN").WithRef(waiver.ID)
	}
	if waiver.Status == types.WaiverStatusActive {
		if len(waiver.Approvers) == 0 {
			return errdefs.E(errdefs.KindInvalidInput, "active waiver needs at least one approver").WithRef(waiver.ID)
		}
		if !waiver.ExpiresAt.After(c.clock()) {
			return errdefs.E(errdefs.KindInvalidInput, "active waiver needs a future expiry").WithRef(waiver.ID)
		}
	}
	if waiver.Delta.MaxFiles < 0 || waiver.Delta.MaxLOC < 0 {
		return errdefs.E(errdefs.KindInvalidInput, "waiver deltas only widen limits").WithRef(waiver.ID)
	}

	c.mu.Lock()
	c.waivers[waiver.ID] = waiver
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.PutWaiver(waiver); err != nil {
			return errdefs.Wrap(errdefs.KindInternal, err, "persist waiver")
		}
	}
	return nil
}

// Waiver returns one waiver by id
func (c *Catalog) Waiver(id string) (*types.Waiver, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if waiver, ok := c.waivers[id]; ok {
		return waiver, nil
	}
	return nil, errdefs.E(errdefs.KindNotFound, "waiver not found").WithRef(id)
}

// UsableWaivers resolves waiver ids to those usable now, silently skipping
// missing, expired and revoked ones
func (c *Catalog) UsableWaivers(ids []string) []*types.Waiver {
	now := c.clock()
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []*types.Waiver
	for _, id := range ids {
		if waiver, ok := c.waivers[id]; ok && waiver.Usable(now) {
			out = append(out, waiver)
		}
	}
	return out
}

// RevokeWaiver marks a waiver revoked
func (c *Catalog) RevokeWaiver(id string) error {
	c.mu.Lock()
	waiver, ok := c.waivers[id]
	if !ok {
		c.mu.Unlock()
		return errdefs.E(errdefs.KindNotFound, "waiver not found").WithRef(id)
	}
	waiver.Status = types.WaiverStatusRevoked
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.PutWaiver(waiver); err != nil {
			return errdefs.Wrap(errdefs.KindInternal, err, "persist waiver")
		}
	}
	return nil
}

// SweepExpired transitions active waivers past their expiry to expired
func (c *Catalog) SweepExpired() int {
	now := c.clock()
	c.mu.Lock()
	var expired []*types.Waiver
	for _, waiver := range c.waivers {
		if waiver.Status == types.WaiverStatusActive && !now.Before(waiver.ExpiresAt) {
			waiver.Status = types.WaiverStatusExpired
			expired = append(expired, waiver)
		}
	}
	c.mu.Unlock()

	for _, waiver := range expired {
		c.logger.Info().Str("waiver_id", waiver.ID).Msg("waiver expired")
		if c.store != nil {
			if err := c.store.PutWaiver(waiver); err != nil {
				c.logger.Error().Err(err).Str("waiver_id", waiver.ID).Msg("persist expired waiver")
			}
		}
	}
	return len(expired)
}

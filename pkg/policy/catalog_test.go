package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/darianrosebrook/agent-agency/pkg/errdefs"
	"github.com/darianrosebrook/agent-agency/pkg/storage"
	"github.com/darianrosebrook/agent-agency/pkg/types"
)

func testRule(id, version string, category types.RuleCategory) *types.Rule {
	return &types.Rule{
		ID:          id,
		Version:     version,
		Category:    category,
		Title:       "rule " + id,
		Severity:    types.SeverityMajor,
		Waivable:    true,
		EffectiveAt: time.Now().Add(-time.Hour),
	}
}

func testWaiver(id string) *types.Waiver {
	return &types.Waiver{
		ID:        id,
		Title:     "waiver " + id,
		Status:    types.WaiverStatusActive,
		Gates:     []string{"budget_limit"},
		ExpiresAt: time.Now().Add(24 * time.Hour),
		Approvers: []string{"lead"},
		Delta:     types.BudgetDelta{MaxFiles: 10},
	}
}

func TestCatalogLoadRule(t *testing.T) {
	c, err := NewCatalog(nil)
	require.NoError(t, err)

	require.NoError(t, c.LoadRule(testRule("r1", "1.0.0", types.RuleCategoryTesting)))

	// Same version again conflicts, a new version is fine
	err = c.LoadRule(testRule("r1", "1.0.0", types.RuleCategoryTesting))
	assert.True(t, errdefs.IsKind(err, errdefs.KindConflict))
	require.NoError(t, c.LoadRule(testRule("r1", "1.1.0", types.RuleCategoryTesting)))

	rule, err := c.Rule("r1", "1.1.0")
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", rule.Version)
}

func TestActiveRulesSkipExpired(t *testing.T) {
	c, err := NewCatalog(nil)
	require.NoError(t, err)

	expired := testRule("old", "1.0.0", types.RuleCategorySecurity)
	expired.ExpiresAt = time.Now().Add(-time.Minute)
	require.NoError(t, c.LoadRule(expired))

	future := testRule("soon", "1.0.0", types.RuleCategorySecurity)
	future.EffectiveAt = time.Now().Add(time.Hour)
	require.NoError(t, c.LoadRule(future))

	require.NoError(t, c.LoadRule(testRule("live", "1.0.0", types.RuleCategoryTesting)))

	active := c.ActiveRules(time.Now())
	require.Len(t, active, 1)
	assert.Equal(t, "live", active[0].ID)
}

func TestActiveRulesUseLatestVersion(t *testing.T) {
	c, err := NewCatalog(nil)
	require.NoError(t, err)

	require.NoError(t, c.LoadRule(testRule("r1", "1.0.0", types.RuleCategoryTesting)))
	v2 := testRule("r1", "2.0.0", types.RuleCategorySecurity)
	require.NoError(t, c.LoadRule(v2))

	active := c.ActiveRules(time.Now())
	require.Len(t, active, 1)
	assert.Equal(t, "2.0.0", active[0].Version)
}

func TestActiveRulesPickHighestVersionRegardlessOfLoadOrder(t *testing.T) {
	c, err := NewCatalog(nil)
	require.NoError(t, err)

	// Loaded out of order, and 1.10.0 must beat 1.2.0 numerically
	require.NoError(t, c.LoadRule(testRule("r1", "1.10.0", types.RuleCategoryTesting)))
	require.NoError(t, c.LoadRule(testRule("r1", "1.0.0", types.RuleCategoryTesting)))
	require.NoError(t, c.LoadRule(testRule("r1", "1.2.0", types.RuleCategoryTesting)))

	active := c.ActiveRules(time.Now())
	require.Len(t, active, 1)
	assert.Equal(t, "1.10.0", active[0].Version)
}

func TestPutWaiverValidation(t *testing.T) {
	c, err := NewCatalog(nil)
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*types.Waiver)
	}{
		{"bad id", func(w *types.Waiver) { w.ID = "WAIVER-1" }},
		{"no approvers", func(w *types.Waiver) { w.Approvers = nil }},
		{"already expired", func(w *types.Waiver) { w.ExpiresAt = time.Now().Add(-time.Minute) }},
		{"tightening delta", func(w *types.Waiver) { w.Delta.MaxFiles = -5 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := testWaiver("WV-0001")
			tt.mutate(w)
			assert.True(t, errdefs.IsKind(c.PutWaiver(w), errdefs.KindInvalidInput))
		})
	}

	require.NoError(t, c.PutWaiver(testWaiver("WV-0001")))
}

func TestUsableWaiversSkipRevokedAndMissing(t *testing.T) {
	c, err := NewCatalog(nil)
	require.NoError(t, err)

	require.NoError(t, c.PutWaiver(testWaiver("WV-0001")))
	require.NoError(t, c.PutWaiver(testWaiver("WV-0002")))
	require.NoError(t, c.RevokeWaiver("WV-0002"))

	usable := c.UsableWaivers([]string{"WV-0001", "WV-0002", "WV-9999"})
	require.Len(t, usable, 1)
	assert.Equal(t, "WV-0001", usable[0].ID)
}

func TestSweepExpired(t *testing.T) {
	c, err := NewCatalog(nil)
	require.NoError(t, err)

	w := testWaiver("WV-0001")
	require.NoError(t, c.PutWaiver(w))

	c.clock = func() time.Time { return time.Now().Add(48 * time.Hour) }
	assert.Equal(t, 1, c.SweepExpired())

	got, err := c.Waiver("WV-0001")
	require.NoError(t, err)
	assert.Equal(t, types.WaiverStatusExpired, got.Status)
}

func TestCatalogPersistsAndReloads(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.NewBoltStore(dir)
	require.NoError(t, err)

	c, err := NewCatalog(store)
	require.NoError(t, err)
	require.NoError(t, c.LoadRule(testRule("r1", "1.0.0", types.RuleCategoryTesting)))
	require.NoError(t, c.PutWaiver(testWaiver("WV-0001")))
	require.NoError(t, store.Close())

	store, err = storage.NewBoltStore(dir)
	require.NoError(t, err)
	defer store.Close()

	reloaded, err := NewCatalog(store)
	require.NoError(t, err)
	assert.Len(t, reloaded.ActiveRules(time.Now()), 1)
	_, err = reloaded.Waiver("WV-0001")
	assert.NoError(t, err)
}

func TestOnReloadHook(t *testing.T) {
	c, err := NewCatalog(nil)
	require.NoError(t, err)

	var reloaded []string
	c.OnReload(func(id string) { reloaded = append(reloaded, id) })

	require.NoError(t, c.LoadRule(testRule("r1", "1.0.0", types.RuleCategoryTesting)))
	require.NoError(t, c.LoadRule(testRule("r1", "1.1.0", types.RuleCategoryTesting)))
	assert.Equal(t, []string{"r1", "r1"}, reloaded)
}

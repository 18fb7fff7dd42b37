package plan

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/smallbiznis/meterbill/internal/config"
	plandomain "github.com/smallbiznis/meterbill/internal/plan/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func defaultCatalog(t *testing.T) plandomain.Catalog {
	t.Helper()
	plans, err := Build(DefaultDefinitions())
	require.NoError(t, err)
	c, err := NewCatalog(plans)
	require.NoError(t, err)
	return c
}

func TestDefaultCatalog(t *testing.T) {
	c := defaultCatalog(t)

	list := c.List()
	require.Len(t, list, 4)
	assert.Equal(t, []string{"starter", "professional", "enterprise", "sovereign"},
		[]string{list[0].Code, list[1].Code, list[2].Code, list[3].Code})

	pro, err := c.Get("Professional")
	require.NoError(t, err)
	assert.Equal(t, "999", pro.Price(plandomain.CycleMonthly).String())
	assert.Equal(t, "9990", pro.Price(plandomain.CycleYearly).String())
	assert.Equal(t, 14, pro.TrialDays)

	deployments, ok := pro.Limit(plandomain.MetricChainDeployments)
	require.True(t, ok)
	assert.Equal(t, plandomain.LimitOverageBilled, deployments.Kind)
	assert.Equal(t, "10", deployments.UnitPrice.String())

	sovereign, err := c.Get("sovereign")
	require.NoError(t, err)
	for _, limit := range sovereign.Limits {
		assert.Equal(t, plandomain.LimitUnlimited, limit.Kind)
	}
}

func TestCatalogUnknownAndRetired(t *testing.T) {
	inactive := false
	defs := DefaultDefinitions()
	retired := defs[0]
	retired.Version = 2
	retired.Active = &inactive
	defs = append(defs, retired)

	plans, err := Build(defs)
	require.NoError(t, err)
	c, err := NewCatalog(plans)
	require.NoError(t, err)

	_, err = c.Get("platinum")
	assert.ErrorIs(t, err, plandomain.ErrInvalidPlan)

	// v1 stays the newest active version
	starter, err := c.Get("starter")
	require.NoError(t, err)
	assert.Equal(t, 1, starter.Version)

	pinned, err := c.GetVersion("starter", 2)
	require.NoError(t, err)
	assert.False(t, pinned.Active)

	_, err = c.GetVersion("starter", 9)
	var invalid *plandomain.InvalidPlanError
	require.True(t, errors.As(err, &invalid))
	assert.Equal(t, 9, invalid.Version)
}

func TestCatalogRejectsDuplicateVersion(t *testing.T) {
	defs := DefaultDefinitions()
	defs = append(defs, defs[1])
	plans, err := Build(defs)
	require.NoError(t, err)

	_, err = NewCatalog(plans)
	assert.ErrorIs(t, err, plandomain.ErrInvalidDefinition)
}

func TestBuildRejectsInvalidDefinitions(t *testing.T) {
	cases := map[string]func(d *Definition){
		"missing code":        func(d *Definition) { d.Code = "" },
		"bad price":           func(d *Definition) { d.MonthlyPrice = "lots" },
		"negative price":      func(d *Definition) { d.YearlyPrice = "-1" },
		"bad currency":        func(d *Definition) { d.Currency = "DOLLAR" },
		"unknown metric":      func(d *Definition) { d.Limits["gpu_hours"] = capped("1") },
		"overage no price":    func(d *Definition) { d.Limits["storage_gb"] = LimitDefinition{Kind: "overage_billed", Included: "10"} },
		"metered no price":    func(d *Definition) { d.Limits["computing_hours"] = LimitDefinition{Kind: "metered"} },
		"negative hard cap":   func(d *Definition) { d.Limits["chains"] = capped("-5") },
		"unknown limit kind":  func(d *Definition) { d.Limits["chains"] = LimitDefinition{Kind: "soft"} },
		"zero version number": func(d *Definition) { d.Version = 0 },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			def := DefaultDefinitions()[0]
			mutate(&def)
			_, err := Build([]Definition{def})
			assert.ErrorIs(t, err, plandomain.ErrInvalidDefinition)
		})
	}
}

func TestBuildInfersLimitKind(t *testing.T) {
	def := DefaultDefinitions()[0]
	def.Limits = map[string]LimitDefinition{
		"chains":       {Included: "-1"},
		"api_requests": {Included: "500"},
		"storage_gb":   {Included: "10", UnitPrice: "0.05"},
	}
	plans, err := Build([]Definition{def})
	require.NoError(t, err)

	limits := plans[0].Limits
	assert.Equal(t, plandomain.LimitUnlimited, limits[plandomain.MetricChains].Kind)
	assert.Equal(t, plandomain.LimitHardCapped, limits[plandomain.MetricAPIRequests].Kind)
	assert.Equal(t, plandomain.LimitOverageBilled, limits[plandomain.MetricStorageGB].Kind)
}

func TestLoadCatalogFromFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	content := []byte(`plans:
  - code: Team Plan
    version: 3
    name: Team
    tier: 2
    monthly_price: "49.00"
    yearly_price: "490.00"
    currency: eur
    trial_days: 7
    limits:
      api_requests:
        kind: hard_capped
        included: 5000
      bandwidth_gb:
        kind: overage_billed
        included: 20
        unit_price: "0.10"
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plans.yml"), content, 0o600))

	c, err := LoadCatalog(config.Config{ConfigDir: dir}, zap.NewNop())
	require.NoError(t, err)

	team, err := c.Get("team-plan")
	require.NoError(t, err)
	assert.Equal(t, 3, team.Version)
	assert.Equal(t, "EUR", team.Currency)
	assert.Equal(t, "5000", team.Limits[plandomain.MetricAPIRequests].Included.String())
}

func TestLoadCatalogFallsBackToBuiltin(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	c, err := LoadCatalog(config.Config{ConfigDir: dir}, zap.NewNop())
	require.NoError(t, err)
	assert.Len(t, c.List(), 4)
}

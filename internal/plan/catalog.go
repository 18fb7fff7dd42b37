package plan

import (
	"fmt"
	"sort"

	plandomain "github.com/smallbiznis/meterbill/internal/plan/domain"
)

type catalog struct {
	versions map[string]map[int]plandomain.Plan
	latest   map[string]plandomain.Plan
}

// NewCatalog indexes plans. Duplicate (code, version) pairs are rejected.
func NewCatalog(plans []plandomain.Plan) (plandomain.Catalog, error) {
	c := &catalog{
		versions: make(map[string]map[int]plandomain.Plan),
		latest:   make(map[string]plandomain.Plan),
	}
	for _, p := range plans {
		byVersion, ok := c.versions[p.Code]
		if !ok {
			byVersion = make(map[int]plandomain.Plan)
			c.versions[p.Code] = byVersion
		}
		if _, dup := byVersion[p.Version]; dup {
			return nil, fmt.Errorf("%w: duplicate plan %s@%d", plandomain.ErrInvalidDefinition, p.Code, p.Version)
		}
		byVersion[p.Version] = p

		if !p.Active {
			continue
		}
		if cur, ok := c.latest[p.Code]; !ok || p.Version > cur.Version {
			c.latest[p.Code] = p
		}
	}
	return c, nil
}

func (c *catalog) Get(code string) (plandomain.Plan, error) {
	code = NormalizeCode(code)
	p, ok := c.latest[code]
	if !ok {
		reason := "unknown plan"
		if _, known := c.versions[code]; known {
			reason = "plan is retired"
		}
		return plandomain.Plan{}, &plandomain.InvalidPlanError{Code: code, Reason: reason}
	}
	return p, nil
}

func (c *catalog) GetVersion(code string, version int) (plandomain.Plan, error) {
	code = NormalizeCode(code)
	p, ok := c.versions[code][version]
	if !ok {
		return plandomain.Plan{}, &plandomain.InvalidPlanError{Code: code, Version: version, Reason: "unknown version"}
	}
	return p, nil
}

func (c *catalog) List() []plandomain.Plan {
	out := make([]plandomain.Plan, 0, len(c.latest))
	for _, p := range c.latest {
		out = append(out, p)
	}
	sortPlans(out)
	return out
}

func (c *catalog) Versions() []plandomain.Plan {
	var out []plandomain.Plan
	for _, byVersion := range c.versions {
		for _, p := range byVersion {
			out = append(out, p)
		}
	}
	sortPlans(out)
	return out
}

func sortPlans(plans []plandomain.Plan) {
	sort.Slice(plans, func(i, j int) bool {
		if plans[i].Tier != plans[j].Tier {
			return plans[i].Tier < plans[j].Tier
		}
		if plans[i].Code != plans[j].Code {
			return plans[i].Code < plans[j].Code
		}
		return plans[i].Version < plans[j].Version
	})
}

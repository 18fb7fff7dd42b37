package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 10, 0, 0, 0, time.UTC)
}

func TestBoundaryClampsToMonthEnd(t *testing.T) {
	anchor := day(2026, time.January, 31)
	assert.Equal(t, day(2026, time.February, 28), CycleMonthly.Boundary(anchor, 1))
	assert.Equal(t, day(2026, time.March, 31), CycleMonthly.Boundary(anchor, 2))
	assert.Equal(t, day(2026, time.April, 30), CycleMonthly.Boundary(anchor, 3))

	leap := day(2024, time.February, 29)
	assert.Equal(t, day(2025, time.February, 28), CycleYearly.Boundary(leap, 1))
	assert.Equal(t, day(2028, time.February, 29), CycleYearly.Boundary(leap, 4))
}

func TestEnclosing(t *testing.T) {
	anchor := day(2026, time.January, 15)

	prev, next := CycleMonthly.Enclosing(anchor, day(2026, time.March, 20))
	assert.Equal(t, day(2026, time.March, 15), prev)
	assert.Equal(t, day(2026, time.April, 15), next)

	// a boundary instant belongs to the period it opens
	prev, next = CycleMonthly.Enclosing(anchor, day(2026, time.March, 15))
	assert.Equal(t, day(2026, time.March, 15), prev)
	assert.Equal(t, day(2026, time.April, 15), next)

	prev, next = CycleYearly.Enclosing(anchor, day(2028, time.January, 1))
	assert.Equal(t, day(2027, time.January, 15), prev)
	assert.Equal(t, day(2028, time.January, 15), next)
}

func TestMetricLimitRules(t *testing.T) {
	capped := MetricLimit{Kind: LimitHardCapped, Included: decimal.NewFromInt(100)}
	assert.True(t, capped.Allows(decimal.NewFromInt(90), decimal.NewFromInt(10)))
	assert.False(t, capped.Allows(decimal.NewFromInt(90), decimal.NewFromInt(11)))
	assert.Equal(t, "90", capped.Percentage(decimal.NewFromInt(90)).String())

	overage := MetricLimit{Kind: LimitOverageBilled, Included: decimal.NewFromInt(10), UnitPrice: decimal.NewFromInt(1)}
	assert.True(t, overage.Allows(decimal.NewFromInt(1000), decimal.NewFromInt(1)))
	assert.Equal(t, "10", overage.DisplayLimit().String())

	unlimited := MetricLimit{Kind: LimitUnlimited}
	assert.True(t, unlimited.Allows(decimal.NewFromInt(1e9), decimal.NewFromInt(1e9)))
	assert.True(t, unlimited.Percentage(decimal.NewFromInt(5)).IsZero())
	assert.Equal(t, "-1", unlimited.DisplayLimit().String())
}

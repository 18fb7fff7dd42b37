// Package domain defines plans, typed per-metric limits and billing cycle arithmetic.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Metric names a billable resource.
type Metric string

const (
	MetricAPIRequests      Metric = "api_requests"
	MetricChains           Metric = "chains"
	MetricChainDeployments Metric = "chain_deployments"
	MetricStorageGB        Metric = "storage_gb"
	MetricBandwidthGB      Metric = "bandwidth_gb"
	MetricComputingHours   Metric = "computing_hours"
)

var knownMetrics = map[Metric]struct{}{
	MetricAPIRequests:      {},
	MetricChains:           {},
	MetricChainDeployments: {},
	MetricStorageGB:        {},
	MetricBandwidthGB:      {},
	MetricComputingHours:   {},
}

func (m Metric) Valid() bool {
	_, ok := knownMetrics[m]
	return ok
}

// LimitKind selects how a metric is enforced and billed.
type LimitKind string

const (
	// LimitHardCapped allows consumption up to Included and never bills beyond it.
	LimitHardCapped LimitKind = "hard_capped"
	// LimitOverageBilled allows unbounded consumption and bills units above Included at UnitPrice.
	LimitOverageBilled LimitKind = "overage_billed"
	// LimitUnlimited always allows and never bills.
	LimitUnlimited LimitKind = "unlimited"
	// LimitMetered allows unbounded consumption and bills every unit at UnitPrice.
	LimitMetered LimitKind = "metered"
)

// MetricLimit is the typed limit of one metric on one plan version.
type MetricLimit struct {
	Metric    Metric          `json:"metric"`
	Kind      LimitKind       `json:"kind"`
	Included  decimal.Decimal `json:"included"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// Finite reports whether the limit has an upper bound on consumption.
func (l MetricLimit) Finite() bool {
	return l.Kind == LimitHardCapped
}

// Allows applies the admission rule: current + requested <= included for hard caps,
// everything else is admitted.
func (l MetricLimit) Allows(current, requested decimal.Decimal) bool {
	if !l.Finite() {
		return true
	}
	return current.Add(requested).LessThanOrEqual(l.Included)
}

// Percentage of Included consumed by total. Zero when the metric has no included quantity.
func (l MetricLimit) Percentage(total decimal.Decimal) decimal.Decimal {
	switch l.Kind {
	case LimitHardCapped, LimitOverageBilled:
		if !l.Included.IsPositive() {
			return decimal.Zero
		}
		return total.Mul(decimal.NewFromInt(100)).Div(l.Included).Round(2)
	}
	return decimal.Zero
}

// DisplayLimit is the included quantity, or -1 when consumption is unbounded and unpriced.
func (l MetricLimit) DisplayLimit() decimal.Decimal {
	switch l.Kind {
	case LimitHardCapped, LimitOverageBilled:
		return l.Included
	}
	return decimal.NewFromInt(-1)
}

// Plan is one immutable version of a catalog entry.
type Plan struct {
	Code         string                 `json:"code"`
	Version      int                    `json:"version"`
	Name         string                 `json:"name"`
	Tier         int                    `json:"tier"`
	MonthlyPrice decimal.Decimal        `json:"monthly_price"`
	YearlyPrice  decimal.Decimal        `json:"yearly_price"`
	Currency     string                 `json:"currency"`
	TrialDays    int                    `json:"trial_days"`
	Active       bool                   `json:"active"`
	Limits       map[Metric]MetricLimit `json:"limits"`
}

// Price returns the recurring price for cycle.
func (p Plan) Price(cycle BillingCycle) decimal.Decimal {
	if cycle == CycleYearly {
		return p.YearlyPrice
	}
	return p.MonthlyPrice
}

func (p Plan) Limit(metric Metric) (MetricLimit, bool) {
	l, ok := p.Limits[metric]
	return l, ok
}

// Ref identifies a pinned plan version.
type Ref struct {
	Code    string `json:"code"`
	Version int    `json:"version"`
}

func (p Plan) Ref() Ref { return Ref{Code: p.Code, Version: p.Version} }

// PlanVersion is the persisted snapshot of a plan version; a version, once written, must
// never change.
type PlanVersion struct {
	Code       string         `gorm:"primaryKey;type:text"`
	Version    int            `gorm:"primaryKey"`
	Definition datatypes.JSON `gorm:"not null"`
	Checksum   string         `gorm:"type:text;not null"`
	CreatedAt  time.Time      `gorm:"not null"`
}

// TableName sets the database table name.
func (PlanVersion) TableName() string { return "plan_versions" }

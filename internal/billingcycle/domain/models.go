// Package domain holds billing periods: the span a subscription is billed for and the plan
// that was in force.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	plandomain "github.com/smallbiznis/meterbill/internal/plan/domain"
	"github.com/smallbiznis/meterbill/pkg/money"
)

// BillingCycleStatus represents invoicing progress for a cycle.
type BillingCycleStatus string

const (
	BillingCycleStatusOpen   BillingCycleStatus = "open"
	BillingCycleStatusClosed BillingCycleStatus = "closed"
	// BillingCycleStatusVoid marks a period closed without being billed (grace expiry).
	BillingCycleStatusVoid BillingCycleStatus = "void"
)

type BillingCycleKind string

const (
	BillingCycleKindTrial   BillingCycleKind = "trial"
	BillingCycleKindRegular BillingCycleKind = "regular"
)

// BillingCycle is one billing period of a subscription.
//
// [PeriodStart, PeriodEnd) is the span actually covered and may be shorter than the nominal
// anchor-grid span [CycleStart, CycleEnd) after a trial conversion or an early close.
type BillingCycle struct {
	ID              snowflake.ID            `gorm:"primaryKey"`
	SubscriptionID  snowflake.ID            `gorm:"not null;uniqueIndex:ux_billing_cycle_period,priority:1"`
	CustomerID      string                  `gorm:"type:text;not null;index"`
	Kind            BillingCycleKind        `gorm:"type:text;not null"`
	PeriodStart     time.Time               `gorm:"not null;uniqueIndex:ux_billing_cycle_period,priority:2"`
	PeriodEnd       time.Time               `gorm:"not null;index"`
	CycleStart      time.Time               `gorm:"not null"`
	CycleEnd        time.Time               `gorm:"not null"`
	BasePlanCode    string                  `gorm:"type:text;not null"`
	BasePlanVersion int                     `gorm:"not null"`
	BaseCycle       plandomain.BillingCycle `gorm:"type:text;not null"`
	PlanCode        string                  `gorm:"type:text;not null"`
	PlanVersion     int                     `gorm:"not null"`
	Status          BillingCycleStatus      `gorm:"type:text;not null;default:'open';index"`
	ClosedAt        *time.Time              `gorm:""`
	InvoicedAt      *time.Time              `gorm:""`
	CreatedAt       time.Time               `gorm:"not null"`
	UpdatedAt       time.Time               `gorm:"not null"`
}

// TableName sets the database table name.
func (BillingCycle) TableName() string { return "billing_cycles" }

// BasePlan is the plan version the recurring fee is charged for.
func (c BillingCycle) BasePlan() plandomain.Ref {
	return plandomain.Ref{Code: c.BasePlanCode, Version: c.BasePlanVersion}
}

// CurrentPlan is the plan version whose limits apply at the end of the period.
func (c BillingCycle) CurrentPlan() plandomain.Ref {
	return plandomain.Ref{Code: c.PlanCode, Version: c.PlanVersion}
}

// Span is the nominal length of the cycle used as the proration denominator.
func (c BillingCycle) Span() time.Duration {
	return c.CycleEnd.Sub(c.CycleStart)
}

// BaseAmount is the recurring fee for the period: price scaled by the covered share of the
// nominal cycle. Trial periods carry no fee.
func (c BillingCycle) BaseAmount(price decimal.Decimal) decimal.Decimal {
	if c.Kind == BillingCycleKindTrial {
		return decimal.Zero
	}
	return money.Prorate(price, c.CycleEnd.Sub(c.PeriodStart), c.Span())
}

// Remaining prorates price over the part of the nominal cycle after at.
func (c BillingCycle) Remaining(price decimal.Decimal, at time.Time) decimal.Decimal {
	if c.Kind == BillingCycleKindTrial {
		return decimal.Zero
	}
	return money.Prorate(price, c.CycleEnd.Sub(at), c.Span())
}

func (c BillingCycle) Contains(at time.Time) bool {
	return !at.Before(c.PeriodStart) && at.Before(c.PeriodEnd)
}

func (c BillingCycle) IsOpen() bool { return c.Status == BillingCycleStatusOpen }

// Package domain prices a billing period: recurring fee, metered usage, overage, proration,
// discount and tax.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	plandomain "github.com/smallbiznis/meterbill/internal/plan/domain"
)

// LineKind classifies an estimate or invoice line.
type LineKind string

const (
	LineKindBase      LineKind = "base"
	LineKindUsage     LineKind = "usage"
	LineKindOverage   LineKind = "overage"
	LineKindProration LineKind = "proration"
	LineKindDiscount  LineKind = "discount"
	LineKindTax       LineKind = "tax"
)

type Line struct {
	Kind        LineKind          `json:"kind"`
	Metric      plandomain.Metric `json:"metric,omitempty"`
	Description string            `json:"description"`
	Quantity    decimal.Decimal   `json:"quantity"`
	UnitPrice   decimal.Decimal   `json:"unit_price"`
	Amount      decimal.Decimal   `json:"amount"`
}

// Estimate is the priced projection of one billing period. Every amount is rounded to
// minor units.
type Estimate struct {
	SubscriptionID snowflake.ID `json:"subscription_id,string"`
	CustomerID     string       `json:"customer_id"`
	BillingCycleID snowflake.ID `json:"billing_cycle_id,string"`
	PlanCode       string       `json:"plan_code"`
	PlanVersion    int          `json:"plan_version"`
	Currency       string       `json:"currency"`
	PeriodStart    time.Time    `json:"period_start"`
	PeriodEnd      time.Time    `json:"period_end"`
	Trial          bool         `json:"trial"`

	Base         decimal.Decimal `json:"base"`
	Usage        decimal.Decimal `json:"usage"`
	Overage      decimal.Decimal `json:"overage"`
	Proration    decimal.Decimal `json:"proration"`
	Subtotal     decimal.Decimal `json:"subtotal"`
	Discount     decimal.Decimal `json:"discount"`
	DiscountCode string          `json:"discount_code,omitempty"`
	Taxable      decimal.Decimal `json:"taxable"`
	TaxRate      decimal.Decimal `json:"tax_rate"`
	Tax          decimal.Decimal `json:"tax"`
	Total        decimal.Decimal `json:"total"`

	Lines []Line `json:"lines"`
}

// Billable reports whether the period produces a charge worth invoicing. Trial periods are
// invoiced only for usage.
func (e Estimate) Billable() bool {
	if e.Trial {
		return e.Usage.IsPositive() || e.Overage.IsPositive()
	}
	return true
}

// Package domain defines discount codes and their redemptions.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type Kind string

const (
	KindPercentage  Kind = "percentage"
	KindFixedAmount Kind = "fixed_amount"
)

// DiscountCode is a redeemable code. Code is stored upper-cased.
type DiscountCode struct {
	ID          snowflake.ID    `gorm:"primaryKey" json:"id"`
	Code        string          `gorm:"type:text;not null;uniqueIndex" json:"code"`
	Description string          `gorm:"type:text;not null;default:''" json:"description"`
	Kind        Kind            `gorm:"type:text;not null" json:"kind"`
	Value       decimal.Decimal `gorm:"type:numeric(20,6);not null" json:"value"`
	StartsAt    *time.Time      `json:"starts_at,omitempty"`
	ExpiresAt   *time.Time      `json:"expires_at,omitempty"`
	// UsageCap is the total number of redemptions; nil means unlimited.
	UsageCap      *int                        `json:"usage_cap,omitempty"`
	TimesRedeemed int                         `gorm:"not null;default:0" json:"times_redeemed"`
	EligiblePlans datatypes.JSONSlice[string] `json:"eligible_plans"`
	MinPlanTier   int                         `gorm:"not null;default:0" json:"min_plan_tier"`
	Active        bool                        `gorm:"not null;default:true" json:"active"`
	CreatedAt     time.Time                   `gorm:"not null" json:"created_at"`
	UpdatedAt     time.Time                   `gorm:"not null" json:"updated_at"`
}

// TableName sets the database table name.
func (DiscountCode) TableName() string { return "discount_codes" }

// Amount is the discount this code grants on a gross amount, never more than gross.
func (c DiscountCode) Amount(gross decimal.Decimal) decimal.Decimal {
	if !gross.IsPositive() {
		return decimal.Zero
	}
	var amount decimal.Decimal
	switch c.Kind {
	case KindPercentage:
		amount = gross.Mul(c.Value).Div(decimal.NewFromInt(100))
	case KindFixedAmount:
		amount = c.Value
	}
	if amount.GreaterThan(gross) {
		return gross
	}
	if amount.IsNegative() {
		return decimal.Zero
	}
	return amount
}

// DiscountRedemption binds a code to the invoice it was applied on. A customer redeems a
// code at most once.
type DiscountRedemption struct {
	ID         snowflake.ID    `gorm:"primaryKey"`
	CodeID     snowflake.ID    `gorm:"not null;uniqueIndex:ux_discount_redemption_customer,priority:1"`
	CustomerID string          `gorm:"type:text;not null;uniqueIndex:ux_discount_redemption_customer,priority:2"`
	InvoiceID  snowflake.ID    `gorm:"not null;index"`
	Amount     decimal.Decimal `gorm:"type:numeric(20,6);not null"`
	RedeemedAt time.Time       `gorm:"not null"`
}

// TableName sets the database table name.
func (DiscountRedemption) TableName() string { return "discount_redemptions" }

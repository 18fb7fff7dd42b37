// Package domain contains persistence models for invoicing.
package domain

import (
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	plandomain "github.com/smallbiznis/meterbill/internal/plan/domain"
	ratingdomain "github.com/smallbiznis/meterbill/internal/rating/domain"
)

// InvoiceStatus represents invoice lifecycle states.
type InvoiceStatus string

const (
	InvoiceStatusDraft  InvoiceStatus = "draft"
	InvoiceStatusIssued InvoiceStatus = "issued"
	InvoiceStatusPaid   InvoiceStatus = "paid"
	InvoiceStatusFailed InvoiceStatus = "failed"
	InvoiceStatusVoid   InvoiceStatus = "void"
)

// Collectible reports whether a payment may still be applied.
func (s InvoiceStatus) Collectible() bool {
	return s == InvoiceStatusIssued || s == InvoiceStatusFailed
}

type InvoiceKind string

const (
	InvoiceKindPeriod     InvoiceKind = "period"
	InvoiceKindTrialUsage InvoiceKind = "trial_usage"
)

// Invoice is a frozen bill for one billing period. Amounts never change after issue; only
// status and payment bookkeeping columns move. Corrections are issued as a new revision.
type Invoice struct {
	ID             snowflake.ID    `gorm:"primaryKey" json:"id,string"`
	Number         string          `gorm:"type:text;not null;uniqueIndex" json:"number"`
	CustomerID     string          `gorm:"type:text;not null;index" json:"customer_id"`
	SubscriptionID snowflake.ID    `gorm:"not null;uniqueIndex:ux_invoice_period,priority:1" json:"subscription_id,string"`
	BillingCycleID snowflake.ID    `gorm:"not null;index" json:"billing_cycle_id,string"`
	PeriodStart    time.Time       `gorm:"not null;uniqueIndex:ux_invoice_period,priority:2" json:"period_start"`
	PeriodEnd      time.Time       `gorm:"not null" json:"period_end"`
	Kind           InvoiceKind     `gorm:"type:text;not null;uniqueIndex:ux_invoice_period,priority:3" json:"kind"`
	Revision       int             `gorm:"not null;default:1;uniqueIndex:ux_invoice_period,priority:4" json:"revision"`
	SupersedesID   *snowflake.ID   `gorm:"" json:"supersedes_id,omitempty,string"`
	PlanCode       string          `gorm:"type:text;not null" json:"plan_code"`
	PlanVersion    int             `gorm:"not null" json:"plan_version"`
	Currency       string          `gorm:"type:text;not null" json:"currency"`
	Subtotal       decimal.Decimal `gorm:"type:numeric(20,6);not null" json:"subtotal"`
	Discount       decimal.Decimal `gorm:"type:numeric(20,6);not null" json:"discount"`
	Tax            decimal.Decimal `gorm:"type:numeric(20,6);not null" json:"tax"`
	TaxRate        decimal.Decimal `gorm:"type:numeric(20,6);not null" json:"tax_rate"`
	Total          decimal.Decimal `gorm:"type:numeric(20,6);not null" json:"total"`
	DiscountCode   *string         `gorm:"type:text" json:"discount_code,omitempty"`
	Status         InvoiceStatus   `gorm:"type:text;not null;default:'draft';index" json:"status"`
	// PaymentAttempts counts gateway charges made for this invoice.
	PaymentAttempts int        `gorm:"not null;default:0" json:"payment_attempts"`
	NextRetryAt     *time.Time `gorm:"index" json:"next_retry_at,omitempty"`
	FailureReason   *string    `gorm:"type:text" json:"failure_reason,omitempty"`
	IssuedAt        time.Time  `gorm:"not null" json:"issued_at"`
	DueAt           time.Time  `gorm:"not null" json:"due_at"`
	PaidAt          *time.Time `gorm:"" json:"paid_at,omitempty"`
	VoidedAt        *time.Time `gorm:"" json:"voided_at,omitempty"`
	CreatedAt       time.Time  `gorm:"not null" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"not null" json:"updated_at"`

	Lines []InvoiceLine `gorm:"-" json:"lines"`
}

// TableName sets the database table name.
func (Invoice) TableName() string { return "invoices" }

// Payable reports whether the invoice asks the customer for money.
func (i Invoice) Payable() bool {
	return i.Status.Collectible() && i.Total.IsPositive()
}

// InvoiceLine represents a line on an invoice.
type InvoiceLine struct {
	ID          snowflake.ID          `gorm:"primaryKey" json:"-"`
	InvoiceID   snowflake.ID          `gorm:"not null;index" json:"-"`
	Position    int                   `gorm:"not null" json:"-"`
	Kind        ratingdomain.LineKind `gorm:"type:text;not null" json:"kind"`
	Metric      plandomain.Metric     `gorm:"type:text;not null;default:''" json:"metric,omitempty"`
	Description string                `gorm:"type:text;not null" json:"description"`
	Quantity    decimal.Decimal       `gorm:"type:numeric(20,6);not null" json:"quantity"`
	UnitPrice   decimal.Decimal       `gorm:"type:numeric(20,6);not null" json:"unit_price"`
	Amount      decimal.Decimal       `gorm:"type:numeric(20,6);not null" json:"amount"`
}

// TableName sets the database table name.
func (InvoiceLine) TableName() string { return "invoice_lines" }

// LockKey names the exclusion shared by issuance and payment reconciliation of one period.
func LockKey(subscriptionID snowflake.ID, periodStart time.Time) string {
	return fmt.Sprintf("invoice:%s:%d", subscriptionID, periodStart.UTC().Unix())
}

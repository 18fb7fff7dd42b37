package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	plandomain "github.com/smallbiznis/meterbill/internal/plan/domain"
	"gorm.io/gorm"
)

type UsagePoint struct {
	Metric     plandomain.Metric
	Quantity   decimal.Decimal
	RecordedAt time.Time
}

type InvoiceRow struct {
	CustomerID string
	PlanCode   string
	Total      decimal.Decimal
	IssuedAt   time.Time
}

type PaymentTotals struct {
	Final     int
	Succeeded int
	Collected decimal.Decimal
}

type SubscriptionGroup struct {
	PlanCode     string
	PlanVersion  int
	BillingCycle plandomain.BillingCycle
	Status       string
	Count        int
}

// Repository reads across the usage, invoice, payment and subscription tables. An empty
// customerID reads every customer.
type Repository interface {
	ListUsage(ctx context.Context, db *gorm.DB, customerID string, from, to time.Time) ([]UsagePoint, error)
	ListInvoices(ctx context.Context, db *gorm.DB, customerID string, from, to time.Time) ([]InvoiceRow, error)
	SumPayments(ctx context.Context, db *gorm.DB, customerID string, from, to time.Time) (PaymentTotals, error)
	GroupSubscriptions(ctx context.Context, db *gorm.DB) ([]SubscriptionGroup, error)
	CountCreated(ctx context.Context, db *gorm.DB, from, to time.Time) (int, error)
	CountCancelled(ctx context.Context, db *gorm.DB, from, to time.Time) (int, error)
}

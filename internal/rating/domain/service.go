package domain

import (
	"context"
	"errors"

	billingcycledomain "github.com/smallbiznis/meterbill/internal/billingcycle/domain"
	discountdomain "github.com/smallbiznis/meterbill/internal/discount/domain"
	subscriptiondomain "github.com/smallbiznis/meterbill/internal/subscription/domain"
	"gorm.io/gorm"
)

var (
	ErrCurrencyMismatch = errors.New("currency_mismatch")
	ErrInvalidTaxRate   = errors.New("invalid_tax_rate")
	ErrNegativeTotal    = errors.New("negative_total")
)

// QuoteRequest prices a specific cycle. Discount is applied as given; callers decide whether
// the code is still redeemable.
type QuoteRequest struct {
	Subscription subscriptiondomain.Subscription
	Cycle        billingcycledomain.BillingCycle
	Discount     *discountdomain.DiscountCode
}

type Service interface {
	// Estimate projects the customer's current period without side effects.
	Estimate(ctx context.Context, customerID string) (Estimate, error)
	// Quote prices cycle reading through db, so it can run inside an issuance transaction.
	Quote(ctx context.Context, db *gorm.DB, req QuoteRequest) (Estimate, error)
}

// EstimateObserver is told about every computed estimate.
type EstimateObserver interface {
	EstimateComputed(ctx context.Context, subscription subscriptiondomain.Subscription, estimate Estimate)
}

package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	billingcycledomain "github.com/smallbiznis/meterbill/internal/billingcycle/domain"
)

type CreateSubscriptionRequest struct {
	CustomerID         string `json:"customer_id"`
	PlanCode           string `json:"plan_code"`
	BillingCycle       string `json:"billing_cycle"`
	TrialDays          *int   `json:"trial_days,omitempty"`
	TaxJurisdiction    string `json:"tax_jurisdiction,omitempty"`
	DiscountCode       string `json:"discount_code,omitempty"`
	PaymentMethodToken string `json:"payment_method_token,omitempty"`
}

type ChangePlanRequest struct {
	SubscriptionID string
	PlanCode       string
	// BillingCycle switches monthly/yearly when set.
	BillingCycle string
}

type ChangePlanResult struct {
	Subscription Subscription
	Change       SubscriptionChange
	// ClosedCycle is set when a cycle switch ended the running period early.
	ClosedCycle *billingcycledomain.BillingCycle
}

type CancelRequest struct {
	SubscriptionID string
	EndOfPeriod    bool
}

type CancelResult struct {
	Subscription Subscription
	// ClosedCycle is the period ended by an immediate cancellation and still to be invoiced.
	ClosedCycle *billingcycledomain.BillingCycle
	Change      *SubscriptionChange
}

type AdvanceResult struct {
	Subscription Subscription
	// Closed lists periods that ended during the advance, oldest first.
	Closed []billingcycledomain.BillingCycle
	Opened *billingcycledomain.BillingCycle
}

type Service interface {
	Create(context.Context, CreateSubscriptionRequest) (Subscription, error)
	GetByID(context.Context, string) (Subscription, error)
	// GetActiveByCustomerID resolves the customer's live subscription through a short-lived cache.
	GetActiveByCustomerID(context.Context, string) (Subscription, error)
	// RequireActive reads the live subscription and fails unless usage is admitted at the
	// current instant.
	RequireActive(ctx context.Context, customerID string) (Subscription, error)
	// Hold takes the shared side of the subscription's lifecycle lock. Plan changes and
	// cancellations wait until every holder has released.
	Hold(subscriptionID snowflake.ID) func()

	ChangePlan(context.Context, ChangePlanRequest) (ChangePlanResult, error)
	Cancel(context.Context, CancelRequest) (CancelResult, error)
	AttachDiscount(ctx context.Context, subscriptionID, code string) (Subscription, error)
	DetachDiscount(ctx context.Context, subscriptionID snowflake.ID, code string) error
	SetPaymentMethod(ctx context.Context, customerID string, token *string) error

	// Advance applies every period boundary that has passed: trial conversion, renewal and
	// deferred cancellation.
	Advance(ctx context.Context, subscriptionID snowflake.ID) (AdvanceResult, error)
	ListDue(ctx context.Context, limit int) ([]Subscription, error)
	MarkPastDue(ctx context.Context, subscriptionID snowflake.ID) error
	MarkPaid(ctx context.Context, subscriptionID snowflake.ID) error
	// ExpireGrace cancels past-due subscriptions whose grace period has elapsed.
	ExpireGrace(ctx context.Context, grace time.Duration, limit int) ([]Subscription, error)
	ListTrialsEnding(ctx context.Context, within time.Duration) ([]Subscription, error)

	ListChanges(ctx context.Context, subscriptionID string) ([]SubscriptionChange, error)
	ListCycles(ctx context.Context, subscriptionID string) ([]billingcycledomain.BillingCycle, error)
}

var (
	ErrSubscriptionNotFound   = errors.New("subscription_not_found")
	ErrSubscriptionInactive   = errors.New("subscription_inactive")
	ErrSubscriptionCancelled  = errors.New("subscription_cancelled")
	ErrConcurrentModification = errors.New("concurrent_modification")
	ErrAlreadySubscribed      = errors.New("customer_already_subscribed")
	ErrInvalidCustomer        = errors.New("invalid_customer")
	ErrInvalidTrialDays       = errors.New("invalid_trial_days")
	ErrInvalidSubscription    = errors.New("invalid_subscription")
	ErrInvalidTransition      = errors.New("invalid_transition")
	ErrNoChange               = errors.New("plan_unchanged")
	ErrPeriodElapsed          = errors.New("period_elapsed")
)

// UsableAt reports whether usage may be admitted at the given instant.
func (s Subscription) UsableAt(at time.Time) error {
	switch s.Status {
	case SubscriptionStatusCancelled:
		return ErrSubscriptionCancelled
	case SubscriptionStatusExpired:
		return ErrSubscriptionInactive
	case SubscriptionStatusPastDue:
		if !at.Before(s.CurrentPeriodEnd) {
			return ErrSubscriptionInactive
		}
		return nil
	}
	if !at.Before(s.CurrentPeriodEnd) && s.CancelAtPeriodEnd {
		if s.Status == SubscriptionStatusTrialing {
			return ErrSubscriptionInactive
		}
		return ErrSubscriptionCancelled
	}
	return nil
}

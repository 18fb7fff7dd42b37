// Package domain contains subscriptions, their lifecycle rules and plan change history.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	plandomain "github.com/smallbiznis/meterbill/internal/plan/domain"
)

// SubscriptionStatus represents lifecycle states for a subscription.
type SubscriptionStatus string

const (
	SubscriptionStatusTrialing  SubscriptionStatus = "trialing"
	SubscriptionStatusActive    SubscriptionStatus = "active"
	SubscriptionStatusPastDue   SubscriptionStatus = "past_due"
	SubscriptionStatusCancelled SubscriptionStatus = "cancelled"
	SubscriptionStatusExpired   SubscriptionStatus = "expired"
)

func (s SubscriptionStatus) Terminal() bool {
	return s == SubscriptionStatusCancelled || s == SubscriptionStatusExpired
}

var transitions = map[SubscriptionStatus][]SubscriptionStatus{
	SubscriptionStatusTrialing: {SubscriptionStatusActive, SubscriptionStatusCancelled, SubscriptionStatusExpired},
	SubscriptionStatusActive:   {SubscriptionStatusPastDue, SubscriptionStatusCancelled},
	SubscriptionStatusPastDue:  {SubscriptionStatusActive, SubscriptionStatusCancelled},
}

// CanTransition reports whether the lifecycle allows moving from s to target.
func (s SubscriptionStatus) CanTransition(target SubscriptionStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == target {
			return true
		}
	}
	return false
}

// Subscription captures a customer's billing agreement.
type Subscription struct {
	ID         snowflake.ID `gorm:"primaryKey"`
	CustomerID string       `gorm:"type:text;not null;index"`
	// ActiveCustomerKey equals CustomerID while the subscription is non-terminal and is NULL
	// afterwards; its unique index admits one live subscription per customer.
	ActiveCustomerKey     *string                 `gorm:"type:text;uniqueIndex:ux_subscriptions_active_customer"`
	PlanCode              string                  `gorm:"type:text;not null"`
	PlanVersion           int                     `gorm:"not null"`
	BillingCycle          plandomain.BillingCycle `gorm:"type:text;not null"`
	Status                SubscriptionStatus      `gorm:"type:text;not null;index"`
	CurrentCycleID        snowflake.ID            `gorm:"not null"`
	CurrentPeriodStart    time.Time               `gorm:"not null"`
	CurrentPeriodEnd      time.Time               `gorm:"not null;index"`
	BillingAnchor         time.Time               `gorm:"not null"`
	TrialEnd              *time.Time              `gorm:""`
	CancelAtPeriodEnd     bool                    `gorm:"not null;default:false"`
	CancelledAt           *time.Time              `gorm:""`
	PastDueSince          *time.Time              `gorm:""`
	GatewaySubscriptionID *string                 `gorm:"type:text"`
	DiscountCode          *string                 `gorm:"type:text"`
	TaxJurisdiction       string                  `gorm:"type:text;not null;default:''"`
	PaymentMethodToken    *string                 `gorm:"type:text"`
	Version               int64                   `gorm:"not null;default:1"`
	CreatedAt             time.Time               `gorm:"not null"`
	UpdatedAt             time.Time               `gorm:"not null"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }

func (s Subscription) Plan() plandomain.Ref {
	return plandomain.Ref{Code: s.PlanCode, Version: s.PlanVersion}
}

// Renews reports whether the subscription continues past its current period.
func (s Subscription) Renews() bool {
	switch s.Status {
	case SubscriptionStatusTrialing, SubscriptionStatusActive:
		return !s.CancelAtPeriodEnd
	}
	return false
}

// NextPeriodEnd returns the anchor-grid boundary that closes a period starting at start.
func (s Subscription) NextPeriodEnd(start time.Time) time.Time {
	_, next := s.BillingCycle.Enclosing(s.BillingAnchor, start)
	return next
}

// PeriodAt returns the billing period that at falls in. Instants past the current period
// are projected onto future periods only when the subscription renews.
func (s Subscription) PeriodAt(at time.Time) (time.Time, time.Time, bool) {
	start, end := s.CurrentPeriodStart, s.CurrentPeriodEnd
	if at.Before(end) {
		return start, end, true
	}
	if !s.Renews() {
		return time.Time{}, time.Time{}, false
	}
	for !at.Before(end) {
		start, end = end, s.NextPeriodEnd(end)
	}
	return start, end, true
}

// ChangeKind classifies a SubscriptionChange.
type ChangeKind string

const (
	ChangeKindPlan         ChangeKind = "plan_change"
	ChangeKindCycle        ChangeKind = "cycle_change"
	ChangeKindCancellation ChangeKind = "cancellation"
)

// ChangeDirection compares plan tiers.
type ChangeDirection string

const (
	DirectionUpgrade   ChangeDirection = "upgrade"
	DirectionDowngrade ChangeDirection = "downgrade"
	DirectionLateral   ChangeDirection = "lateral"
)

// SubscriptionChange records a mid-period change and its proration. Net is billed as a
// proration line on the invoice of BillingCycleID.
type SubscriptionChange struct {
	ID             snowflake.ID            `gorm:"primaryKey"`
	SubscriptionID snowflake.ID            `gorm:"not null;index"`
	CustomerID     string                  `gorm:"type:text;not null"`
	BillingCycleID snowflake.ID            `gorm:"not null;index"`
	Kind           ChangeKind              `gorm:"type:text;not null"`
	Direction      ChangeDirection         `gorm:"type:text;not null"`
	OldPlanCode    string                  `gorm:"type:text;not null"`
	OldPlanVersion int                     `gorm:"not null"`
	OldCycle       plandomain.BillingCycle `gorm:"type:text;not null"`
	NewPlanCode    string                  `gorm:"type:text;not null"`
	NewPlanVersion int                     `gorm:"not null"`
	NewCycle       plandomain.BillingCycle `gorm:"type:text;not null"`
	OldPrice       decimal.Decimal         `gorm:"type:numeric(20,6);not null"`
	NewPrice       decimal.Decimal         `gorm:"type:numeric(20,6);not null"`
	Credit         decimal.Decimal         `gorm:"type:numeric(20,6);not null"`
	Charge         decimal.Decimal         `gorm:"type:numeric(20,6);not null"`
	Net            decimal.Decimal         `gorm:"type:numeric(20,6);not null"`
	EffectiveAt    time.Time               `gorm:"not null"`
	InvoiceID      *snowflake.ID           `gorm:""`
	CreatedAt      time.Time               `gorm:"not null"`
}

// TableName sets the database table name.
func (SubscriptionChange) TableName() string { return "subscription_changes" }

func directionOf(oldTier, newTier int) ChangeDirection {
	switch {
	case newTier > oldTier:
		return DirectionUpgrade
	case newTier < oldTier:
		return DirectionDowngrade
	}
	return DirectionLateral
}

// Direction labels a move between two plans by tier.
func Direction(from, to plandomain.Plan) ChangeDirection {
	return directionOf(from.Tier, to.Tier)
}

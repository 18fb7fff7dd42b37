package service

import (
	"context"

	billingcycledomain "github.com/smallbiznis/meterbill/internal/billingcycle/domain"
	discountdomain "github.com/smallbiznis/meterbill/internal/discount/domain"
	plandomain "github.com/smallbiznis/meterbill/internal/plan/domain"
	ratingdomain "github.com/smallbiznis/meterbill/internal/rating/domain"
	subscriptiondomain "github.com/smallbiznis/meterbill/internal/subscription/domain"
	taxdomain "github.com/smallbiznis/meterbill/internal/tax/domain"
	usagedomain "github.com/smallbiznis/meterbill/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	Catalog       plandomain.Catalog
	Subscriptions subscriptiondomain.Service
	Changes       subscriptiondomain.Repository
	Cycles        billingcycledomain.Repository
	Usage         usagedomain.Service
	Discounts     discountdomain.Service
	Tax           taxdomain.TaxResolver
	Observers     []ratingdomain.EstimateObserver `group:"estimate_observers"`
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	catalog       plandomain.Catalog
	subscriptions subscriptiondomain.Service
	changes       subscriptiondomain.Repository
	cycles        billingcycledomain.Repository
	usage         usagedomain.Service
	discounts     discountdomain.Service
	tax           taxdomain.TaxResolver
	observers     []ratingdomain.EstimateObserver
}

func NewService(p ServiceParam) ratingdomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("rating.service"),

		catalog:       p.Catalog,
		subscriptions: p.Subscriptions,
		changes:       p.Changes,
		cycles:        p.Cycles,
		usage:         p.Usage,
		discounts:     p.Discounts,
		tax:           p.Tax,
		observers:     p.Observers,
	}
}

// Estimate reads through the cached subscription, so it may lag a change made on another
// replica by up to the cache TTL.
func (s *Service) Estimate(ctx context.Context, customerID string) (ratingdomain.Estimate, error) {
	subscription, err := s.subscriptions.GetActiveByCustomerID(ctx, customerID)
	if err != nil {
		return ratingdomain.Estimate{}, err
	}
	cycle, err := s.cycles.FindByID(ctx, s.db, subscription.CurrentCycleID)
	if err != nil {
		return ratingdomain.Estimate{}, err
	}
	if cycle == nil {
		return ratingdomain.Estimate{}, billingcycledomain.ErrCycleNotFound
	}

	discount, err := s.attachedDiscount(ctx, subscription, *cycle)
	if err != nil {
		return ratingdomain.Estimate{}, err
	}

	estimate, err := s.Quote(ctx, s.db, ratingdomain.QuoteRequest{
		Subscription: subscription,
		Cycle:        *cycle,
		Discount:     discount,
	})
	if err != nil {
		return ratingdomain.Estimate{}, err
	}

	for _, observer := range s.observers {
		observer.EstimateComputed(ctx, subscription, estimate)
	}
	return estimate, nil
}

func (s *Service) Quote(ctx context.Context, db *gorm.DB, req ratingdomain.QuoteRequest) (ratingdomain.Estimate, error) {
	cycle := req.Cycle
	basePlan, err := s.catalog.GetVersion(cycle.BasePlanCode, cycle.BasePlanVersion)
	if err != nil {
		return ratingdomain.Estimate{}, err
	}
	plan, err := s.catalog.GetVersion(cycle.PlanCode, cycle.PlanVersion)
	if err != nil {
		return ratingdomain.Estimate{}, err
	}
	usage, err := s.usage.Totals(ctx, db, cycle.SubscriptionID, cycle.PeriodStart)
	if err != nil {
		return ratingdomain.Estimate{}, err
	}
	changes, err := s.changes.ListChangesForCycle(ctx, db, cycle.ID)
	if err != nil {
		return ratingdomain.Estimate{}, err
	}

	estimate, err := ratingdomain.Calculate(ratingdomain.Input{
		Cycle:    cycle,
		BasePlan: basePlan,
		Plan:     plan,
		Usage:    usage,
		Changes:  changes,
		Discount: req.Discount,
		TaxRate:  s.tax.Resolve(req.Subscription.TaxJurisdiction).Rate,
	})
	if err != nil {
		return ratingdomain.Estimate{}, err
	}
	if estimate.Total.IsNegative() {
		s.log.DPanic("negative estimate total",
			zap.String("subscription_id", cycle.SubscriptionID.String()),
			zap.String("billing_cycle_id", cycle.ID.String()),
			zap.String("total", estimate.Total.String()),
		)
		return ratingdomain.Estimate{}, ratingdomain.ErrNegativeTotal
	}
	return estimate, nil
}

// attachedDiscount returns the subscription's code when it would still redeem.
func (s *Service) attachedDiscount(ctx context.Context, subscription subscriptiondomain.Subscription, cycle billingcycledomain.BillingCycle) (*discountdomain.DiscountCode, error) {
	if subscription.DiscountCode == nil {
		return nil, nil
	}
	plan, err := s.catalog.GetVersion(cycle.PlanCode, cycle.PlanVersion)
	if err != nil {
		return nil, err
	}
	validation, err := s.discounts.Validate(ctx, discountdomain.ValidateRequest{
		Code:       *subscription.DiscountCode,
		CustomerID: subscription.CustomerID,
		Plan:       plan,
	})
	if err != nil {
		return nil, err
	}
	if !validation.Valid {
		s.log.Debug("attached discount no longer applies",
			zap.String("subscription_id", subscription.ID.String()),
			zap.String("code", *subscription.DiscountCode),
			zap.String("reason", string(validation.Reason)),
		)
		return nil, nil
	}
	return validation.Code, nil
}

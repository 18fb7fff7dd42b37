package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	billingcycledomain "github.com/smallbiznis/meterbill/internal/billingcycle/domain"
	"github.com/smallbiznis/meterbill/internal/cache"
	"github.com/smallbiznis/meterbill/internal/clock"
	discountdomain "github.com/smallbiznis/meterbill/internal/discount/domain"
	"github.com/smallbiznis/meterbill/internal/lock"
	plandomain "github.com/smallbiznis/meterbill/internal/plan/domain"
	subscriptiondomain "github.com/smallbiznis/meterbill/internal/subscription/domain"
	"github.com/smallbiznis/meterbill/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	maxAttempts   = 3
	maxTrialDays  = 365
	resolverSize  = 10_000
	resolverTTL   = 30 * time.Second
	defaultBatch  = 100
	guardKeySpace = "subscription:"
)

type ServiceParam struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Repo      subscriptiondomain.Repository
	CycleRepo billingcycledomain.Repository
	Catalog   plandomain.Catalog
	Discounts discountdomain.Service
	Guards    *lock.KeyedRWMutex
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID     *snowflake.Node
	clock     clock.Clock
	repo      subscriptiondomain.Repository
	cycles    billingcycledomain.Repository
	catalog   plandomain.Catalog
	discounts discountdomain.Service
	guards    *lock.KeyedRWMutex
	resolver  *cache.Cache[string, subscriptiondomain.Subscription]
}

func NewService(p ServiceParam) subscriptiondomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("subscription.service"),

		genID:     p.GenID,
		clock:     p.Clock,
		repo:      p.Repo,
		cycles:    p.CycleRepo,
		catalog:   p.Catalog,
		discounts: p.Discounts,
		guards:    p.Guards,
		resolver:  cache.New[string, subscriptiondomain.Subscription](resolverSize, resolverTTL),
	}
}

func (s *Service) Create(ctx context.Context, req subscriptiondomain.CreateSubscriptionRequest) (subscriptiondomain.Subscription, error) {
	customerID := strings.TrimSpace(req.CustomerID)
	if customerID == "" {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrInvalidCustomer
	}
	cycle, err := parseCycle(req.BillingCycle, plandomain.CycleMonthly)
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}
	plan, err := s.catalog.Get(req.PlanCode)
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}
	trialDays := plan.TrialDays
	if req.TrialDays != nil {
		trialDays = *req.TrialDays
	}
	if trialDays < 0 || trialDays > maxTrialDays {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrInvalidTrialDays
	}

	var discountCode *string
	if code := strings.TrimSpace(req.DiscountCode); code != "" {
		validation, err := s.discounts.Validate(ctx, discountdomain.ValidateRequest{Code: code, CustomerID: customerID, Plan: plan})
		if err != nil {
			return subscriptiondomain.Subscription{}, err
		}
		if err := validation.Err(code); err != nil {
			return subscriptiondomain.Subscription{}, err
		}
		normalized := validation.Code.Code
		discountCode = &normalized
	}

	release := s.guards.Lock("customer:" + customerID)
	defer release()

	now := s.clock.Now()
	subscription := subscriptiondomain.Subscription{
		ID:                 s.genID.Generate(),
		CustomerID:         customerID,
		ActiveCustomerKey:  &customerID,
		PlanCode:           plan.Code,
		PlanVersion:        plan.Version,
		BillingCycle:       cycle,
		BillingAnchor:      now,
		DiscountCode:       discountCode,
		TaxJurisdiction:    strings.ToUpper(strings.TrimSpace(req.TaxJurisdiction)),
		PaymentMethodToken: optionalString(req.PaymentMethodToken),
		Version:            1,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	period := billingcycledomain.BillingCycle{
		ID:              s.genID.Generate(),
		SubscriptionID:  subscription.ID,
		CustomerID:      customerID,
		PeriodStart:     now,
		BasePlanCode:    plan.Code,
		BasePlanVersion: plan.Version,
		BaseCycle:       cycle,
		PlanCode:        plan.Code,
		PlanVersion:     plan.Version,
		Status:          billingcycledomain.BillingCycleStatusOpen,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if trialDays > 0 {
		trialEnd := now.Add(time.Duration(trialDays) * 24 * time.Hour)
		subscription.Status = subscriptiondomain.SubscriptionStatusTrialing
		subscription.TrialEnd = &trialEnd
		period.Kind = billingcycledomain.BillingCycleKindTrial
		period.PeriodEnd = trialEnd
	} else {
		subscription.Status = subscriptiondomain.SubscriptionStatusActive
		period.Kind = billingcycledomain.BillingCycleKindRegular
		period.PeriodEnd = cycle.Boundary(now, 1)
	}
	period.CycleStart, period.CycleEnd = period.PeriodStart, period.PeriodEnd
	subscription.CurrentCycleID = period.ID
	subscription.CurrentPeriodStart = period.PeriodStart
	subscription.CurrentPeriodEnd = period.PeriodEnd

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.repo.FindLatestByCustomer(ctx, tx, customerID)
		if err != nil {
			return err
		}
		if existing != nil && !existing.Status.Terminal() {
			return subscriptiondomain.ErrAlreadySubscribed
		}
		if err := s.repo.Insert(ctx, tx, &subscription); err != nil {
			if db.IsDuplicateKeyErr(err) {
				return subscriptiondomain.ErrAlreadySubscribed
			}
			return err
		}
		return s.cycles.Insert(ctx, tx, &period)
	})
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}
	s.resolver.Remove(customerID)

	s.log.Info("subscription created",
		zap.String("subscription_id", subscription.ID.String()),
		zap.String("customer_id", customerID),
		zap.String("plan", plan.Code),
		zap.Int("plan_version", plan.Version),
		zap.String("status", string(subscription.Status)),
		zap.Time("period_end", subscription.CurrentPeriodEnd),
	)
	return subscription, nil
}

func (s *Service) GetByID(ctx context.Context, id string) (subscriptiondomain.Subscription, error) {
	subscriptionID, err := parseID(id)
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}
	subscription, err := s.repo.FindByID(ctx, s.db, subscriptionID)
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}
	if subscription == nil {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrSubscriptionNotFound
	}
	return *subscription, nil
}

func (s *Service) GetActiveByCustomerID(ctx context.Context, customerID string) (subscriptiondomain.Subscription, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrInvalidCustomer
	}
	subscription, ok, err := s.resolver.GetOrLoad(ctx, customerID, func(ctx context.Context) (subscriptiondomain.Subscription, bool, error) {
		row, err := s.repo.FindLatestByCustomer(ctx, s.db, customerID)
		if err != nil || row == nil || row.Status.Terminal() {
			return subscriptiondomain.Subscription{}, false, err
		}
		return *row, true, nil
	})
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}
	if !ok {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrSubscriptionNotFound
	}
	return subscription, nil
}

func (s *Service) RequireActive(ctx context.Context, customerID string) (subscriptiondomain.Subscription, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrInvalidCustomer
	}
	subscription, err := s.repo.FindLatestByCustomer(ctx, s.db, customerID)
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}
	if subscription == nil {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrSubscriptionNotFound
	}
	if err := subscription.UsableAt(s.clock.Now()); err != nil {
		return *subscription, err
	}
	return *subscription, nil
}

func (s *Service) Hold(subscriptionID snowflake.ID) func() {
	return s.guards.RLock(guardKeySpace + subscriptionID.String())
}

func (s *Service) AttachDiscount(ctx context.Context, subscriptionID, code string) (subscriptiondomain.Subscription, error) {
	id, err := parseID(subscriptionID)
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return subscriptiondomain.Subscription{}, &discountdomain.InvalidCodeError{Reason: discountdomain.ReasonNotFound}
	}

	current, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}
	if current == nil {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrSubscriptionNotFound
	}
	if current.Status.Terminal() {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrSubscriptionCancelled
	}
	plan, err := s.catalog.GetVersion(current.PlanCode, current.PlanVersion)
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}
	validation, err := s.discounts.Validate(ctx, discountdomain.ValidateRequest{
		Code:       code,
		CustomerID: current.CustomerID,
		Plan:       plan,
	})
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}
	if err := validation.Err(code); err != nil {
		return subscriptiondomain.Subscription{}, err
	}
	normalized := validation.Code.Code

	// eligibility was checked against the plan read above; redemption re-checks it
	return s.mutate(ctx, id, func(tx *gorm.DB, subscription *subscriptiondomain.Subscription, _ time.Time) error {
		if subscription.Status.Terminal() {
			return subscriptiondomain.ErrSubscriptionCancelled
		}
		subscription.DiscountCode = &normalized
		return nil
	})
}

func (s *Service) DetachDiscount(ctx context.Context, subscriptionID snowflake.ID, code string) error {
	_, err := s.mutate(ctx, subscriptionID, func(tx *gorm.DB, subscription *subscriptiondomain.Subscription, _ time.Time) error {
		if subscription.DiscountCode == nil || !strings.EqualFold(*subscription.DiscountCode, code) {
			return errUnchanged
		}
		subscription.DiscountCode = nil
		return nil
	})
	return err
}

func (s *Service) SetPaymentMethod(ctx context.Context, customerID string, token *string) error {
	live, err := s.GetActiveByCustomerID(ctx, customerID)
	if err != nil {
		return err
	}
	_, err = s.mutate(ctx, live.ID, func(tx *gorm.DB, subscription *subscriptiondomain.Subscription, _ time.Time) error {
		if subscription.Status.Terminal() {
			return errUnchanged
		}
		subscription.PaymentMethodToken = token
		return nil
	})
	return err
}

func (s *Service) ListDue(ctx context.Context, limit int) ([]subscriptiondomain.Subscription, error) {
	return s.repo.ListDue(ctx, s.db, s.clock.Now(), batchSize(limit))
}

func (s *Service) ListTrialsEnding(ctx context.Context, within time.Duration) ([]subscriptiondomain.Subscription, error) {
	now := s.clock.Now()
	return s.repo.ListTrialsEndingBetween(ctx, s.db, now, now.Add(within))
}

func (s *Service) ListChanges(ctx context.Context, subscriptionID string) ([]subscriptiondomain.SubscriptionChange, error) {
	id, err := parseID(subscriptionID)
	if err != nil {
		return nil, err
	}
	return s.repo.ListChanges(ctx, s.db, id)
}

func (s *Service) ListCycles(ctx context.Context, subscriptionID string) ([]billingcycledomain.BillingCycle, error) {
	id, err := parseID(subscriptionID)
	if err != nil {
		return nil, err
	}
	return s.cycles.ListBySubscription(ctx, s.db, id)
}

// errUnchanged aborts a mutation without writing; mutate reports success.
var errUnchanged = errors.New("unchanged")

type mutation func(tx *gorm.DB, subscription *subscriptiondomain.Subscription, now time.Time) error

// mutate runs fn against a fresh copy of the subscription under its exclusive guard and
// persists the result with an optimistic version check, retrying on conflicts.
func (s *Service) mutate(ctx context.Context, id snowflake.ID, fn mutation) (subscriptiondomain.Subscription, error) {
	release := s.guards.Lock(guardKeySpace + id.String())
	defer release()

	var (
		result subscriptiondomain.Subscription
		err    error
	)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			subscription, err := s.repo.FindByID(ctx, tx, id)
			if err != nil {
				return err
			}
			if subscription == nil {
				return subscriptiondomain.ErrSubscriptionNotFound
			}
			now := s.clock.Now()
			if err := fn(tx, subscription, now); err != nil {
				if errors.Is(err, errUnchanged) {
					result = *subscription
					return nil
				}
				return err
			}
			subscription.UpdatedAt = now
			ok, err := s.repo.Update(ctx, tx, subscription)
			if err != nil {
				return err
			}
			if !ok {
				return subscriptiondomain.ErrConcurrentModification
			}
			result = *subscription
			return nil
		})
		if !errors.Is(err, subscriptiondomain.ErrConcurrentModification) {
			break
		}
		s.log.Debug("subscription version conflict, retrying",
			zap.String("subscription_id", id.String()),
			zap.Int("attempt", attempt),
		)
	}
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}
	s.resolver.Remove(result.CustomerID)
	return result, nil
}

func parseID(value string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(value))
	if err != nil || id == 0 {
		return 0, subscriptiondomain.ErrInvalidSubscription
	}
	return id, nil
}

func parseCycle(value string, fallback plandomain.BillingCycle) (plandomain.BillingCycle, error) {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" {
		return fallback, nil
	}
	cycle := plandomain.BillingCycle(value)
	if !cycle.Valid() {
		return "", fmt.Errorf("%w: %q", plandomain.ErrInvalidBillingCycle, value)
	}
	return cycle, nil
}

func optionalString(value string) *string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return &value
}

func batchSize(limit int) int {
	if limit <= 0 {
		return defaultBatch
	}
	return limit
}

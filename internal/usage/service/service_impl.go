package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/meterbill/internal/clock"
	"github.com/smallbiznis/meterbill/internal/config"
	obsmetrics "github.com/smallbiznis/meterbill/internal/observability/metrics"
	plandomain "github.com/smallbiznis/meterbill/internal/plan/domain"
	subscriptiondomain "github.com/smallbiznis/meterbill/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/meterbill/internal/usage/domain"
	"github.com/smallbiznis/meterbill/internal/usage/pending"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var hundred = decimal.NewFromInt(100)

type ServiceParam struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	GenID         *snowflake.Node
	Clock         clock.Clock
	Repo          usagedomain.Repository
	Subscriptions subscriptiondomain.Service
	Catalog       plandomain.Catalog
	Policy        *config.PolicyHolder
	Pending       *pending.Queue
	Metrics       *obsmetrics.Metrics    `optional:"true"`
	Observers     []usagedomain.Observer `group:"usage_observers"`
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID         *snowflake.Node
	clock         clock.Clock
	repo          usagedomain.Repository
	subscriptions subscriptiondomain.Service
	catalog       plandomain.Catalog
	policy        *config.PolicyHolder
	pending       *pending.Queue
	metrics       *obsmetrics.Metrics
	observers     []usagedomain.Observer
}

func NewService(p ServiceParam) usagedomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("usage.service"),

		genID:         p.GenID,
		clock:         p.Clock,
		repo:          p.Repo,
		subscriptions: p.Subscriptions,
		catalog:       p.Catalog,
		policy:        p.Policy,
		pending:       p.Pending,
		metrics:       p.Metrics,
		observers:     p.Observers,
	}
}

// meteredPeriod is everything needed to account one unit of usage.
type meteredPeriod struct {
	subscription subscriptiondomain.Subscription
	plan         plandomain.Plan
	limit        plandomain.MetricLimit
	start        time.Time
	end          time.Time
}

// CheckLimit is advisory. It reads the subscription through the short-lived cache, so a cancel
// on another replica may take a cache TTL to show; RecordUsage and Gate re-check with a fresh read.
func (s *Service) CheckLimit(ctx context.Context, req usagedomain.CheckRequest) (usagedomain.LimitCheck, error) {
	customerID, err := validateTarget(req.CustomerID, req.Metric)
	if err != nil {
		return usagedomain.LimitCheck{}, err
	}
	if req.Requested.IsNegative() {
		return usagedomain.LimitCheck{}, usagedomain.ErrInvalidQuantity
	}

	subscription, err := s.subscriptions.GetActiveByCustomerID(ctx, customerID)
	if err != nil {
		return usagedomain.LimitCheck{}, err
	}
	now := s.clock.Now()
	if err := subscription.UsableAt(now); err != nil {
		return usagedomain.LimitCheck{}, err
	}
	period, err := s.resolve(subscription, req.Metric, now)
	if err != nil {
		return usagedomain.LimitCheck{}, err
	}
	check, err := s.evaluate(ctx, period, req.Requested)
	if err != nil {
		return usagedomain.LimitCheck{}, err
	}
	if !check.Allowed {
		s.metrics.RecordLimitDenied(ctx, string(req.Metric), string(check.Kind))
	}
	return check, nil
}

func (s *Service) RecordUsage(ctx context.Context, req usagedomain.RecordRequest) (usagedomain.UsageCounter, error) {
	customerID, err := validateTarget(req.CustomerID, req.Metric)
	if err != nil {
		return usagedomain.UsageCounter{}, err
	}
	if req.Quantity.IsNegative() {
		return usagedomain.UsageCounter{}, usagedomain.ErrInvalidQuantity
	}

	subscription, err := s.subscriptions.RequireActive(ctx, customerID)
	if err != nil {
		return usagedomain.UsageCounter{}, err
	}
	now := s.clock.Now()
	period, err := s.resolve(subscription, req.Metric, now)
	if err != nil {
		return usagedomain.UsageCounter{}, err
	}

	record := s.newRecord(period, req.Quantity, optionalKey(req.IdempotencyKey), req.Metadata, now)
	counter, inserted, err := s.write(ctx, record, period.end)
	if err != nil {
		return usagedomain.UsageCounter{}, err
	}
	if inserted {
		s.committed(ctx, period, record, counter)
	}
	return counter, nil
}

func (s *Service) Correct(ctx context.Context, req usagedomain.CorrectionRequest) (usagedomain.UsageCounter, error) {
	customerID, err := validateTarget(req.CustomerID, req.Metric)
	if err != nil {
		return usagedomain.UsageCounter{}, err
	}
	if req.Quantity.IsZero() {
		return usagedomain.UsageCounter{}, usagedomain.ErrInvalidQuantity
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return usagedomain.UsageCounter{}, fmt.Errorf("%w: correction reason required", usagedomain.ErrInvalidQuantity)
	}

	subscription, err := s.subscriptions.RequireActive(ctx, customerID)
	if err != nil {
		return usagedomain.UsageCounter{}, err
	}
	now := s.clock.Now()
	period, err := s.resolve(subscription, req.Metric, now)
	if err != nil {
		return usagedomain.UsageCounter{}, err
	}

	record := s.newRecord(period, req.Quantity, optionalKey(req.IdempotencyKey), map[string]any{"reason": reason}, now)
	record.Correction = true
	counter, inserted, err := s.write(ctx, record, period.end)
	if err != nil {
		return usagedomain.UsageCounter{}, err
	}
	if !inserted {
		return counter, nil
	}

	s.log.Info("usage corrected",
		zap.String("customer_id", customerID),
		zap.String("subscription_id", subscription.ID.String()),
		zap.String("metric", string(req.Metric)),
		zap.String("quantity", req.Quantity.String()),
		zap.String("reason", reason),
	)
	s.committed(ctx, period, record, counter)
	return counter, nil
}

func (s *Service) Summary(ctx context.Context, customerID string) (usagedomain.Summary, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return usagedomain.Summary{}, usagedomain.ErrInvalidCustomer
	}
	subscription, err := s.subscriptions.GetActiveByCustomerID(ctx, customerID)
	if err != nil {
		return usagedomain.Summary{}, err
	}
	plan, err := s.catalog.GetVersion(subscription.PlanCode, subscription.PlanVersion)
	if err != nil {
		return usagedomain.Summary{}, err
	}

	start, end, ok := subscription.PeriodAt(s.clock.Now())
	if !ok {
		start, end = subscription.CurrentPeriodStart, subscription.CurrentPeriodEnd
	}
	totals, err := s.Totals(ctx, s.db, subscription.ID, start)
	if err != nil {
		return usagedomain.Summary{}, err
	}

	summary := usagedomain.Summary{
		CustomerID:     customerID,
		SubscriptionID: subscription.ID,
		PlanCode:       plan.Code,
		PeriodStart:    start,
		PeriodEnd:      end,
		Metrics:        make([]usagedomain.MetricUsage, 0, len(plan.Limits)),
	}
	for metric, limit := range plan.Limits {
		total := totals[metric]
		summary.Metrics = append(summary.Metrics, usagedomain.MetricUsage{
			Metric:     metric,
			Kind:       limit.Kind,
			Total:      total,
			Limit:      limit.DisplayLimit(),
			Percentage: limit.Percentage(total),
			UnitPrice:  limit.UnitPrice,
		})
	}
	sort.Slice(summary.Metrics, func(i, j int) bool {
		return summary.Metrics[i].Metric < summary.Metrics[j].Metric
	})
	return summary, nil
}

func (s *Service) Totals(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, periodStart time.Time) (map[plandomain.Metric]decimal.Decimal, error) {
	counters, err := s.repo.ListCounters(ctx, db, subscriptionID, periodStart.UTC())
	if err != nil {
		return nil, err
	}
	totals := make(map[plandomain.Metric]decimal.Decimal, len(counters))
	for _, counter := range counters {
		totals[counter.Metric] = counter.Total
	}
	return totals, nil
}

func (s *Service) CloseCounters(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, periodStart time.Time) error {
	return s.repo.CloseCounters(ctx, db, subscriptionID, periodStart.UTC(), s.clock.Now())
}

func (s *Service) Rebuild(ctx context.Context, subscriptionID snowflake.ID, periodStart time.Time) error {
	periodStart = periodStart.UTC()
	subscription, err := s.subscriptions.GetByID(ctx, subscriptionID.String())
	if err != nil {
		return err
	}
	now := s.clock.Now()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sums, err := s.repo.SumRecords(ctx, tx, subscriptionID, periodStart)
		if err != nil {
			return err
		}
		counters, err := s.repo.ListCounters(ctx, tx, subscriptionID, periodStart)
		if err != nil {
			return err
		}
		existing := make(map[plandomain.Metric]usagedomain.UsageCounter, len(counters))
		periodEnd := time.Time{}
		for _, counter := range counters {
			existing[counter.Metric] = counter
			periodEnd = counter.PeriodEnd
		}
		if periodEnd.IsZero() {
			if periodStart.Equal(subscription.CurrentPeriodStart) {
				periodEnd = subscription.CurrentPeriodEnd
			} else if _, end, ok := subscription.PeriodAt(periodStart); ok {
				periodEnd = end
			}
		}

		for metric, total := range sums {
			counter, ok := existing[plandomain.Metric(metric)]
			if !ok {
				counter = usagedomain.UsageCounter{
					SubscriptionID: subscriptionID,
					Metric:         plandomain.Metric(metric),
					PeriodStart:    periodStart,
					PeriodEnd:      periodEnd,
					CustomerID:     subscription.CustomerID,
				}
			}
			if counter.Total.Equal(total) && ok {
				continue
			}
			s.log.Warn("usage counter drifted from ledger",
				zap.String("subscription_id", subscriptionID.String()),
				zap.String("metric", metric),
				zap.String("counter", counter.Total.String()),
				zap.String("ledger", total.String()),
			)
			counter.Total = total
			counter.UpdatedAt = now
			if err := s.repo.ReplaceTotal(ctx, tx, counter); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Service) Replay(ctx context.Context, item usagedomain.PendingUsage) error {
	_, inserted, err := s.write(ctx, item.Record, item.PeriodEnd)
	if err != nil {
		return err
	}
	if inserted {
		s.metrics.RecordUsage(ctx, string(item.Record.Metric))
	}
	return nil
}

func (s *Service) resolve(subscription subscriptiondomain.Subscription, metric plandomain.Metric, now time.Time) (meteredPeriod, error) {
	plan, err := s.catalog.GetVersion(subscription.PlanCode, subscription.PlanVersion)
	if err != nil {
		return meteredPeriod{}, err
	}
	limit, ok := plan.Limit(metric)
	if !ok {
		return meteredPeriod{}, fmt.Errorf("%w: %s is not metered on %s", plandomain.ErrUnknownMetric, metric, plan.Code)
	}
	start, end, ok := subscription.PeriodAt(now)
	if !ok {
		return meteredPeriod{}, subscriptiondomain.ErrSubscriptionInactive
	}
	return meteredPeriod{subscription: subscription, plan: plan, limit: limit, start: start, end: end}, nil
}

func (s *Service) evaluate(ctx context.Context, period meteredPeriod, requested decimal.Decimal) (usagedomain.LimitCheck, error) {
	counter, err := s.repo.FindCounter(ctx, s.db, usagedomain.CounterKey{
		SubscriptionID: period.subscription.ID,
		Metric:         period.limit.Metric,
		PeriodStart:    period.start,
	})
	if err != nil {
		return usagedomain.LimitCheck{}, err
	}
	current := decimal.Zero
	if counter != nil {
		current = counter.Total
	}

	limit := period.limit
	check := usagedomain.LimitCheck{
		Allowed:         limit.Allows(current, requested),
		Metric:          limit.Metric,
		Kind:            limit.Kind,
		CurrentTotal:    current,
		Limit:           limit.DisplayLimit(),
		UsagePercentage: limit.Percentage(current),
	}
	check.Warning = s.warning(limit, current.Add(requested))
	return check, nil
}

func (s *Service) warning(limit plandomain.MetricLimit, after decimal.Decimal) *usagedomain.Warning {
	if limit.Kind != plandomain.LimitHardCapped && limit.Kind != plandomain.LimitOverageBilled {
		return nil
	}
	if !limit.Included.IsPositive() {
		return nil
	}
	policy := s.policy.Get()
	pct := limit.Percentage(after)

	critical := decimal.NewFromFloat(policy.CriticalThreshold).Mul(hundred)
	soft := decimal.NewFromFloat(policy.WarningThreshold).Mul(hundred)
	switch {
	case pct.GreaterThanOrEqual(critical):
		return &usagedomain.Warning{
			Level:      usagedomain.WarningLevelCritical,
			Percentage: pct,
			Message:    fmt.Sprintf("%s usage at %s%% of the included %s", limit.Metric, pct.StringFixed(0), limit.Included),
		}
	case pct.GreaterThanOrEqual(soft):
		return &usagedomain.Warning{
			Level:      usagedomain.WarningLevelWarning,
			Percentage: pct,
			Message:    fmt.Sprintf("%s usage at %s%% of the included %s", limit.Metric, pct.StringFixed(0), limit.Included),
		}
	}
	return nil
}

func (s *Service) newRecord(period meteredPeriod, quantity decimal.Decimal, key *string, metadata map[string]any, now time.Time) usagedomain.UsageRecord {
	record := usagedomain.UsageRecord{
		ID:             s.genID.Generate(),
		CustomerID:     period.subscription.CustomerID,
		SubscriptionID: period.subscription.ID,
		Metric:         period.limit.Metric,
		PeriodStart:    period.start,
		Quantity:       quantity,
		RecordedAt:     now,
		IdempotencyKey: key,
		CreatedAt:      now,
	}
	if len(metadata) > 0 {
		record.Metadata = datatypes.JSONMap(metadata)
	}
	return record
}

// write appends the record and bumps its counter in one transaction. A repeated idempotency
// key returns the counter untouched and inserted false.
func (s *Service) write(ctx context.Context, record usagedomain.UsageRecord, periodEnd time.Time) (usagedomain.UsageCounter, bool, error) {
	var (
		counter  usagedomain.UsageCounter
		inserted bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		inserted, err = s.repo.InsertRecord(ctx, tx, &record)
		if err != nil {
			return err
		}
		if !inserted {
			existing, err := s.repo.FindRecordByKey(ctx, tx, *record.IdempotencyKey)
			if err != nil {
				return err
			}
			if existing == nil || !sameUsage(*existing, record) {
				return usagedomain.ErrDuplicateUsage
			}
			current, err := s.repo.FindCounter(ctx, tx, usagedomain.CounterKey{
				SubscriptionID: existing.SubscriptionID,
				Metric:         existing.Metric,
				PeriodStart:    existing.PeriodStart,
			})
			if err != nil {
				return err
			}
			if current != nil {
				counter = *current
			}
			return nil
		}

		updated, err := s.repo.Increment(ctx, tx, usagedomain.UsageCounter{
			SubscriptionID: record.SubscriptionID,
			Metric:         record.Metric,
			PeriodStart:    record.PeriodStart,
			PeriodEnd:      periodEnd,
			CustomerID:     record.CustomerID,
			UpdatedAt:      record.CreatedAt,
		}, record.Quantity)
		if err != nil {
			return err
		}
		if updated == nil {
			return usagedomain.ErrPeriodClosed
		}
		if updated.Total.IsNegative() {
			return usagedomain.ErrNegativeTotal
		}
		counter = *updated
		return nil
	})
	if err != nil {
		return usagedomain.UsageCounter{}, false, err
	}
	return counter, inserted, nil
}

func (s *Service) committed(ctx context.Context, period meteredPeriod, record usagedomain.UsageRecord, counter usagedomain.UsageCounter) {
	s.metrics.RecordUsage(ctx, string(record.Metric))
	event := usagedomain.Event{
		Subscription: period.subscription,
		Plan:         period.plan,
		Limit:        period.limit,
		Record:       record,
		Counter:      counter,
	}
	for _, observer := range s.observers {
		observer.UsageRecorded(ctx, event)
	}
}

func sameUsage(a, b usagedomain.UsageRecord) bool {
	return a.CustomerID == b.CustomerID && a.Metric == b.Metric && a.Quantity.Equal(b.Quantity)
}

func validateTarget(customerID string, metric plandomain.Metric) (string, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return "", usagedomain.ErrInvalidCustomer
	}
	if !metric.Valid() {
		return "", usagedomain.ErrInvalidMetric
	}
	return customerID, nil
}

func optionalKey(key string) *string {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	return &key
}

func newIdempotencyKey() string {
	return "gate_" + uuid.NewString()
}

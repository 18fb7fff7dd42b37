package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	analyticsdomain "github.com/smallbiznis/meterbill/internal/analytics/domain"
	"github.com/smallbiznis/meterbill/internal/clock"
	"github.com/smallbiznis/meterbill/internal/config"
	plandomain "github.com/smallbiznis/meterbill/internal/plan/domain"
	subscriptiondomain "github.com/smallbiznis/meterbill/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/meterbill/internal/usage/domain"
	"github.com/smallbiznis/meterbill/pkg/money"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultDays       = 30
	maxDays           = 90
	defaultRevenueWin = 30 * 24 * time.Hour
	maxRevenueWin     = 366 * 24 * time.Hour
	highAPIVolume     = 50000
	secondsPerDay     = 86400
)

var (
	hundred = decimal.NewFromInt(100)
	twelve  = decimal.NewFromInt(12)
	// Window-over-window change inside this band is reported as stable.
	stableBand = decimal.NewFromInt(5)
	// A projection above this share of the included quantity is flagged as an overage risk.
	riskShare       = decimal.RequireFromString("0.9")
	upgradePercent  = decimal.NewFromInt(90)
	downgradeShare  = decimal.RequireFromString("0.5")
	downgradeFloor  = decimal.NewFromInt(10)
	highAPIRequests = decimal.NewFromInt(highAPIVolume)
)

type ServiceParam struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Clock   clock.Clock
	Repo    analyticsdomain.Repository
	Usage   usagedomain.Service
	Catalog plandomain.Catalog
	Policy  *config.PolicyHolder
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	clock   clock.Clock
	repo    analyticsdomain.Repository
	usage   usagedomain.Service
	catalog plandomain.Catalog
	policy  *config.PolicyHolder
}

func NewService(p ServiceParam) analyticsdomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("analytics.service"),

		clock:   p.Clock,
		repo:    p.Repo,
		usage:   p.Usage,
		catalog: p.Catalog,
		policy:  p.Policy,
	}
}

func (s *Service) Usage(ctx context.Context, customerID string, days int) (analyticsdomain.UsageAnalytics, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return analyticsdomain.UsageAnalytics{}, usagedomain.ErrInvalidCustomer
	}
	if days == 0 {
		days = defaultDays
	}
	if days < 1 || days > maxDays {
		return analyticsdomain.UsageAnalytics{}, analyticsdomain.ErrInvalidDays
	}

	summary, err := s.usage.Summary(ctx, customerID)
	if err != nil {
		return analyticsdomain.UsageAnalytics{}, err
	}

	now := s.clock.Now().UTC()
	today := now.Truncate(24 * time.Hour)
	windowStart := today.AddDate(0, 0, -(days - 1))
	previousStart := windowStart.AddDate(0, 0, -days)
	points, err := s.repo.ListUsage(ctx, s.db, customerID, previousStart, now)
	if err != nil {
		return analyticsdomain.UsageAnalytics{}, err
	}

	daily := make([]analyticsdomain.DailyUsage, days)
	for i := range daily {
		daily[i] = analyticsdomain.DailyUsage{
			Date:    windowStart.AddDate(0, 0, i),
			Metrics: map[plandomain.Metric]decimal.Decimal{},
		}
	}
	current := map[plandomain.Metric]decimal.Decimal{}
	previous := map[plandomain.Metric]decimal.Decimal{}
	for _, point := range points {
		at := point.RecordedAt.UTC()
		if at.Before(windowStart) {
			previous[point.Metric] = previous[point.Metric].Add(point.Quantity)
			continue
		}
		current[point.Metric] = current[point.Metric].Add(point.Quantity)
		day := int(at.Sub(windowStart) / (24 * time.Hour))
		if day >= 0 && day < days {
			daily[day].Metrics[point.Metric] = daily[day].Metrics[point.Metric].Add(point.Quantity)
		}
	}

	out := analyticsdomain.UsageAnalytics{
		CustomerID:      customerID,
		PlanCode:        summary.PlanCode,
		WindowStart:     windowStart,
		WindowEnd:       now,
		Days:            days,
		PeriodStart:     summary.PeriodStart,
		PeriodEnd:       summary.PeriodEnd,
		Metrics:         summary.Metrics,
		Daily:           daily,
		Trends:          make([]analyticsdomain.MetricTrend, 0, len(summary.Metrics)),
		Forecasts:       make([]analyticsdomain.MetricForecast, 0, len(summary.Metrics)),
		Recommendations: []analyticsdomain.Recommendation{},
		GeneratedAt:     now,
	}
	for _, usage := range summary.Metrics {
		out.Trends = append(out.Trends, trend(usage.Metric, current[usage.Metric], previous[usage.Metric]))
		forecast := project(usage, summary.PeriodStart, summary.PeriodEnd, now)
		out.Forecasts = append(out.Forecasts, forecast)
		out.Recommendations = append(out.Recommendations, recommend(usage, forecast, current[usage.Metric])...)
	}
	return out, nil
}

func trend(metric plandomain.Metric, current, previous decimal.Decimal) analyticsdomain.MetricTrend {
	t := analyticsdomain.MetricTrend{
		Metric:        metric,
		Trend:         analyticsdomain.TrendStable,
		Current:       current,
		Previous:      previous,
		PredictedNext: money.FloorZero(current.Add(current.Sub(previous))),
	}
	if previous.IsZero() {
		if current.IsPositive() {
			t.Trend = analyticsdomain.TrendIncreasing
			t.ChangePercentage = hundred
		}
		return t
	}
	t.ChangePercentage = current.Sub(previous).Mul(hundred).Div(previous.Abs()).Round(2)
	switch {
	case t.ChangePercentage.GreaterThan(stableBand):
		t.Trend = analyticsdomain.TrendIncreasing
	case t.ChangePercentage.LessThan(stableBand.Neg()):
		t.Trend = analyticsdomain.TrendDecreasing
	}
	return t
}

// project extends the period-to-date total at its average rate to the period end.
func project(usage usagedomain.MetricUsage, start, end, now time.Time) analyticsdomain.MetricForecast {
	f := analyticsdomain.MetricForecast{
		Metric:    usage.Metric,
		Kind:      usage.Kind,
		Total:     usage.Total,
		Limit:     usage.Limit,
		Projected: usage.Total,
	}
	elapsed := int64(now.Sub(start) / time.Second)
	length := int64(end.Sub(start) / time.Second)
	if elapsed > 0 && elapsed < length {
		f.Projected = usage.Total.Mul(decimal.NewFromInt(length)).Div(decimal.NewFromInt(elapsed)).Round(2)
	}
	if !bounded(usage) {
		return f
	}

	f.OverageRisk = f.Projected.GreaterThan(usage.Limit.Mul(riskShare))
	if !usage.Total.LessThan(usage.Limit) {
		zero := 0
		f.DaysToLimit = &zero
		return f
	}
	if elapsed <= 0 || !usage.Total.IsPositive() {
		return f
	}
	perDay := usage.Total.Mul(decimal.NewFromInt(secondsPerDay)).Div(decimal.NewFromInt(elapsed))
	days := int(usage.Limit.Sub(usage.Total).Div(perDay).Ceil().IntPart())
	f.DaysToLimit = &days
	return f
}

func recommend(usage usagedomain.MetricUsage, forecast analyticsdomain.MetricForecast, window decimal.Decimal) []analyticsdomain.Recommendation {
	var out []analyticsdomain.Recommendation
	if bounded(usage) {
		switch {
		case usage.Percentage.GreaterThanOrEqual(upgradePercent):
			out = append(out, analyticsdomain.Recommendation{
				Metric:  usage.Metric,
				Kind:    analyticsdomain.RecommendUpgrade,
				Message: fmt.Sprintf("%s is at %s%% of the included quantity; a higher plan avoids the limit.", usage.Metric, usage.Percentage.StringFixed(1)),
			})
		case usage.Limit.GreaterThan(downgradeFloor) && forecast.Projected.LessThanOrEqual(usage.Limit.Mul(downgradeShare)):
			out = append(out, analyticsdomain.Recommendation{
				Metric:  usage.Metric,
				Kind:    analyticsdomain.RecommendDowngrade,
				Message: fmt.Sprintf("%s is projected to use %s of %s included; a lower plan may fit.", usage.Metric, forecast.Projected.String(), usage.Limit.String()),
			})
		}
	}
	if usage.Metric == plandomain.MetricAPIRequests && window.GreaterThan(highAPIRequests) {
		out = append(out, analyticsdomain.Recommendation{
			Metric:  usage.Metric,
			Kind:    analyticsdomain.RecommendReduceCalls,
			Message: "High API request volume; caching responses reduces metered calls.",
		})
	}
	return out
}

func bounded(usage usagedomain.MetricUsage) bool {
	switch usage.Kind {
	case plandomain.LimitHardCapped, plandomain.LimitOverageBilled:
		return usage.Limit.IsPositive()
	}
	return false
}

func (s *Service) Revenue(ctx context.Context, req analyticsdomain.RevenueRequest) (analyticsdomain.Revenue, error) {
	now := s.clock.Now().UTC()
	to := req.To.UTC()
	if req.To.IsZero() {
		to = now
	}
	from := req.From.UTC()
	if req.From.IsZero() {
		from = to.Add(-defaultRevenueWin)
	}
	if !from.Before(to) || to.Sub(from) > maxRevenueWin {
		return analyticsdomain.Revenue{}, analyticsdomain.ErrInvalidWindow
	}
	customerID := strings.TrimSpace(req.CustomerID)

	invoices, err := s.repo.ListInvoices(ctx, s.db, customerID, from, to)
	if err != nil {
		return analyticsdomain.Revenue{}, err
	}
	payments, err := s.repo.SumPayments(ctx, s.db, customerID, from, to)
	if err != nil {
		return analyticsdomain.Revenue{}, err
	}

	out := analyticsdomain.Revenue{
		CustomerID:  customerID,
		From:        from,
		To:          to,
		Invoiced:    decimal.Zero,
		Collected:   money.Round(payments.Collected),
		Invoices:    len(invoices),
		Payments:    payments.Final,
		ByPlan:      []analyticsdomain.PlanRevenue{},
		Monthly:     []analyticsdomain.MonthlyRevenue{},
		GeneratedAt: now,
	}
	byPlan := map[string]*analyticsdomain.PlanRevenue{}
	byMonth := map[string]*analyticsdomain.MonthlyRevenue{}
	customers := map[string]struct{}{}
	for _, invoice := range invoices {
		out.Invoiced = out.Invoiced.Add(invoice.Total)
		customers[invoice.CustomerID] = struct{}{}

		plan, ok := byPlan[invoice.PlanCode]
		if !ok {
			plan = &analyticsdomain.PlanRevenue{PlanCode: invoice.PlanCode}
			byPlan[invoice.PlanCode] = plan
		}
		plan.Revenue = plan.Revenue.Add(invoice.Total)
		plan.Invoices++

		key := invoice.IssuedAt.UTC().Format("2006-01")
		month, ok := byMonth[key]
		if !ok {
			month = &analyticsdomain.MonthlyRevenue{Month: key}
			byMonth[key] = month
		}
		month.Revenue = month.Revenue.Add(invoice.Total)
		month.Invoices++
	}
	out.Invoiced = money.Round(out.Invoiced)
	out.Outstanding = money.FloorZero(out.Invoiced.Sub(out.Collected))
	out.PaymentSuccessRate = ratio(payments.Succeeded, payments.Final)
	for _, plan := range byPlan {
		out.ByPlan = append(out.ByPlan, *plan)
	}
	sort.Slice(out.ByPlan, func(i, j int) bool { return out.ByPlan[i].PlanCode < out.ByPlan[j].PlanCode })
	for _, month := range byMonth {
		out.Monthly = append(out.Monthly, *month)
	}
	sort.Slice(out.Monthly, func(i, j int) bool { return out.Monthly[i].Month < out.Monthly[j].Month })

	if customerID != "" {
		return out, nil
	}

	platform, err := s.platform(ctx, from, to)
	if err != nil {
		return analyticsdomain.Revenue{}, err
	}
	if len(customers) > 0 {
		platform.RevenuePerCustomer = money.Round(out.Invoiced.Div(decimal.NewFromInt(int64(len(customers)))))
	}
	out.Platform = &platform
	return out, nil
}

func (s *Service) platform(ctx context.Context, from, to time.Time) (analyticsdomain.PlatformRevenue, error) {
	groups, err := s.repo.GroupSubscriptions(ctx, s.db)
	if err != nil {
		return analyticsdomain.PlatformRevenue{}, err
	}
	created, err := s.repo.CountCreated(ctx, s.db, from, to)
	if err != nil {
		return analyticsdomain.PlatformRevenue{}, err
	}
	churned, err := s.repo.CountCancelled(ctx, s.db, from, to)
	if err != nil {
		return analyticsdomain.PlatformRevenue{}, err
	}

	out := analyticsdomain.PlatformRevenue{
		NewSubscriptions:     created,
		ChurnedSubscriptions: churned,
	}
	for _, group := range groups {
		if subscriptiondomain.SubscriptionStatus(group.Status) == subscriptiondomain.SubscriptionStatusActive {
			out.ActiveSubscriptions += group.Count
		}
	}
	// Churn is measured against the base that could have churned: still active plus lost.
	out.ChurnRate = ratio(churned, out.ActiveSubscriptions+churned)
	return out, nil
}

func (s *Service) Subscriptions(ctx context.Context) (analyticsdomain.SubscriptionMetrics, error) {
	now := s.clock.Now().UTC()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	groups, err := s.repo.GroupSubscriptions(ctx, s.db)
	if err != nil {
		return analyticsdomain.SubscriptionMetrics{}, err
	}
	created, err := s.repo.CountCreated(ctx, s.db, monthStart, now)
	if err != nil {
		return analyticsdomain.SubscriptionMetrics{}, err
	}
	churned, err := s.repo.CountCancelled(ctx, s.db, monthStart, now)
	if err != nil {
		return analyticsdomain.SubscriptionMetrics{}, err
	}

	out := analyticsdomain.SubscriptionMetrics{
		NewThisMonth:     created,
		ChurnedThisMonth: churned,
		MRR:              decimal.Zero,
		Currency:         s.policy.Get().Currency,
		ByPlan:           []analyticsdomain.PlanSubscriptions{},
		MonthStart:       monthStart,
		GeneratedAt:      now,
	}
	byPlan := map[string]*analyticsdomain.PlanSubscriptions{}
	for _, group := range groups {
		plan, ok := byPlan[group.PlanCode]
		if !ok {
			plan = &analyticsdomain.PlanSubscriptions{PlanCode: group.PlanCode, MRR: decimal.Zero}
			byPlan[group.PlanCode] = plan
		}

		switch subscriptiondomain.SubscriptionStatus(group.Status) {
		case subscriptiondomain.SubscriptionStatusTrialing:
			plan.Trialing += group.Count
			out.Trialing += group.Count
			continue
		case subscriptiondomain.SubscriptionStatusActive:
			plan.Active += group.Count
			out.Active += group.Count
		case subscriptiondomain.SubscriptionStatusPastDue:
			plan.PastDue += group.Count
			out.PastDue += group.Count
		default:
			continue
		}

		monthly, err := s.monthlyPrice(group)
		if err != nil {
			s.log.Warn("plan version missing from catalog, excluded from mrr",
				zap.String("plan_code", group.PlanCode),
				zap.Int("plan_version", group.PlanVersion),
				zap.Error(err),
			)
			continue
		}
		plan.MRR = plan.MRR.Add(monthly.Mul(decimal.NewFromInt(int64(group.Count))))
	}

	for _, plan := range byPlan {
		plan.MRR = money.Round(plan.MRR)
		out.MRR = out.MRR.Add(plan.MRR)
		out.ByPlan = append(out.ByPlan, *plan)
	}
	sort.Slice(out.ByPlan, func(i, j int) bool { return out.ByPlan[i].PlanCode < out.ByPlan[j].PlanCode })
	return out, nil
}

func (s *Service) monthlyPrice(group analyticsdomain.SubscriptionGroup) (decimal.Decimal, error) {
	plan, err := s.catalog.GetVersion(group.PlanCode, group.PlanVersion)
	if err != nil {
		return decimal.Zero, err
	}
	price := plan.Price(group.BillingCycle)
	if group.BillingCycle == plandomain.CycleYearly {
		price = price.Div(twelve)
	}
	return price, nil
}

// ratio returns part/whole as a percentage rounded to two places, zero when whole is zero.
func ratio(part, whole int) decimal.Decimal {
	if whole <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(part)).Mul(hundred).Div(decimal.NewFromInt(int64(whole))).Round(2)
}

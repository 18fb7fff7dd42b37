package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	analyticsdomain "github.com/smallbiznis/meterbill/internal/analytics/domain"
	analyticsrepository "github.com/smallbiznis/meterbill/internal/analytics/repository"
	analyticsservice "github.com/smallbiznis/meterbill/internal/analytics/service"
	"github.com/smallbiznis/meterbill/internal/clock"
	"github.com/smallbiznis/meterbill/internal/config"
	invoicedomain "github.com/smallbiznis/meterbill/internal/invoice/domain"
	paymentdomain "github.com/smallbiznis/meterbill/internal/payment/domain"
	"github.com/smallbiznis/meterbill/internal/plan"
	plandomain "github.com/smallbiznis/meterbill/internal/plan/domain"
	subscriptiondomain "github.com/smallbiznis/meterbill/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/meterbill/internal/usage/domain"
	"github.com/smallbiznis/meterbill/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	periodStart = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	periodEnd   = time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	now         = time.Date(2026, 3, 20, 12, 0, 0, 0, time.UTC)
)

type fakeUsage struct {
	usagedomain.Service
	summary usagedomain.Summary
}

func (f *fakeUsage) Summary(_ context.Context, customerID string) (usagedomain.Summary, error) {
	if customerID != f.summary.CustomerID {
		return usagedomain.Summary{}, subscriptiondomain.ErrSubscriptionNotFound
	}
	return f.summary, nil
}

type fixture struct {
	db      *gorm.DB
	usage   *fakeUsage
	service analyticsdomain.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := dbtest.Open(t,
		&usagedomain.UsageRecord{},
		&invoicedomain.Invoice{},
		&paymentdomain.PaymentAttempt{},
		&subscriptiondomain.Subscription{},
	)
	plans, err := plan.Build(plan.DefaultDefinitions())
	require.NoError(t, err)
	catalog, err := plan.NewCatalog(plans)
	require.NoError(t, err)

	usage := &fakeUsage{summary: usagedomain.Summary{
		CustomerID:  "cus_1",
		PlanCode:    "starter",
		PeriodStart: periodStart,
		PeriodEnd:   periodEnd,
		Metrics: []usagedomain.MetricUsage{
			{Metric: plandomain.MetricAPIRequests, Kind: plandomain.LimitHardCapped, Total: decimal.NewFromInt(9500), Limit: decimal.NewFromInt(10000), Percentage: decimal.NewFromInt(95)},
			{Metric: plandomain.MetricBandwidthGB, Kind: plandomain.LimitOverageBilled, Total: decimal.NewFromInt(10), Limit: decimal.NewFromInt(100), Percentage: decimal.NewFromInt(10)},
			{Metric: plandomain.MetricStorageGB, Kind: plandomain.LimitOverageBilled, Total: decimal.Zero, Limit: decimal.NewFromInt(10), Percentage: decimal.Zero},
		},
	}}

	svc := analyticsservice.NewService(analyticsservice.ServiceParam{
		DB:      db,
		Log:     zap.NewNop(),
		Clock:   clock.NewFakeClock(now),
		Repo:    analyticsrepository.Provide(),
		Usage:   usage,
		Catalog: catalog,
		Policy:  config.NewStaticPolicyHolder(config.DefaultPolicy()),
	})
	return &fixture{db: db, usage: usage, service: svc}
}

func (f *fixture) record(t *testing.T, id int64, customerID string, metric plandomain.Metric, quantity int64, at time.Time) {
	t.Helper()
	require.NoError(t, f.db.Create(&usagedomain.UsageRecord{
		ID:          snowflake.ID(id),
		CustomerID:  customerID,
		Metric:      metric,
		PeriodStart: periodStart,
		Quantity:    decimal.NewFromInt(quantity),
		RecordedAt:  at,
		CreatedAt:   at,
	}).Error)
}

func (f *fixture) invoice(t *testing.T, id int64, customerID, planCode string, total int64, status invoicedomain.InvoiceStatus, issuedAt time.Time) {
	t.Helper()
	require.NoError(t, f.db.Create(&invoicedomain.Invoice{
		ID:             snowflake.ID(id),
		Number:         "INV-" + snowflake.ID(id).String(),
		CustomerID:     customerID,
		SubscriptionID: snowflake.ID(id),
		PeriodStart:    issuedAt,
		PeriodEnd:      issuedAt.AddDate(0, 1, 0),
		Kind:           invoicedomain.InvoiceKindPeriod,
		Revision:       1,
		PlanCode:       planCode,
		PlanVersion:    1,
		Currency:       "USD",
		Subtotal:       decimal.NewFromInt(total),
		Total:          decimal.NewFromInt(total),
		Status:         status,
		IssuedAt:       issuedAt,
		DueAt:          issuedAt.AddDate(0, 0, 7),
		CreatedAt:      issuedAt,
		UpdatedAt:      issuedAt,
	}).Error)
}

func (f *fixture) attempt(t *testing.T, id int64, customerID string, amount int64, status paymentdomain.AttemptStatus, at time.Time) {
	t.Helper()
	require.NoError(t, f.db.Create(&paymentdomain.PaymentAttempt{
		ID:               snowflake.ID(id),
		InvoiceID:        snowflake.ID(id),
		CustomerID:       customerID,
		Gateway:          "sandbox",
		GatewayReference: "ref_" + snowflake.ID(id).String(),
		Amount:           decimal.NewFromInt(amount),
		Currency:         "USD",
		Status:           status,
		AttemptNumber:    1,
		CreatedAt:        at,
		UpdatedAt:        at,
	}).Error)
}

func (f *fixture) subscription(t *testing.T, id int64, customerID, planCode string, cycle plandomain.BillingCycle, status subscriptiondomain.SubscriptionStatus, createdAt time.Time, cancelledAt *time.Time) {
	t.Helper()
	require.NoError(t, f.db.Create(&subscriptiondomain.Subscription{
		ID:                 snowflake.ID(id),
		CustomerID:         customerID,
		PlanCode:           planCode,
		PlanVersion:        1,
		BillingCycle:       cycle,
		Status:             status,
		CurrentPeriodStart: periodStart,
		CurrentPeriodEnd:   periodEnd,
		BillingAnchor:      createdAt,
		CancelledAt:        cancelledAt,
		CreatedAt:          createdAt,
		UpdatedAt:          createdAt,
	}).Error)
}

// seedBilling lays down two paying customers, one trial, one delinquent and one churned.
func (f *fixture) seedBilling(t *testing.T) {
	t.Helper()
	day := func(m time.Month, d int) time.Time { return time.Date(2026, m, d, 9, 0, 0, 0, time.UTC) }

	f.invoice(t, 1, "cus_1", "starter", 199, invoicedomain.InvoiceStatusPaid, day(time.February, 1))
	f.invoice(t, 2, "cus_1", "starter", 199, invoicedomain.InvoiceStatusIssued, day(time.March, 1))
	f.invoice(t, 3, "cus_2", "professional", 999, invoicedomain.InvoiceStatusPaid, day(time.March, 1))
	f.invoice(t, 4, "cus_2", "professional", 500, invoicedomain.InvoiceStatusDraft, day(time.March, 2))
	f.invoice(t, 5, "cus_4", "enterprise", 4999, invoicedomain.InvoiceStatusVoid, day(time.March, 3))

	f.attempt(t, 11, "cus_1", 199, paymentdomain.AttemptStatusSucceeded, day(time.February, 3))
	f.attempt(t, 12, "cus_2", 999, paymentdomain.AttemptStatusSucceeded, day(time.March, 2))
	f.attempt(t, 13, "cus_1", 199, paymentdomain.AttemptStatusFailed, day(time.March, 5))
	f.attempt(t, 14, "cus_1", 199, paymentdomain.AttemptStatusPending, day(time.March, 6))

	cancelled := day(time.March, 3)
	f.subscription(t, 21, "cus_1", "starter", plandomain.CycleMonthly, subscriptiondomain.SubscriptionStatusActive, day(time.January, 1), nil)
	f.subscription(t, 22, "cus_2", "professional", plandomain.CycleYearly, subscriptiondomain.SubscriptionStatusActive, day(time.March, 5), nil)
	f.subscription(t, 23, "cus_3", "starter", plandomain.CycleMonthly, subscriptiondomain.SubscriptionStatusTrialing, day(time.March, 10), nil)
	f.subscription(t, 24, "cus_4", "enterprise", plandomain.CycleMonthly, subscriptiondomain.SubscriptionStatusPastDue, time.Date(2025, time.December, 1, 0, 0, 0, 0, time.UTC), nil)
	f.subscription(t, 25, "cus_5", "starter", plandomain.CycleMonthly, subscriptiondomain.SubscriptionStatusCancelled, time.Date(2025, time.November, 1, 0, 0, 0, 0, time.UTC), &cancelled)
}

func TestUsageAnalytics(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Seven-day window is Mar 14 to Mar 20; the previous window is Mar 7 to Mar 13.
	f.record(t, 1, "cus_1", plandomain.MetricAPIRequests, 100, time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC))
	f.record(t, 2, "cus_1", plandomain.MetricAPIRequests, 300, time.Date(2026, 3, 15, 8, 0, 0, 0, time.UTC))
	f.record(t, 3, "cus_1", plandomain.MetricAPIRequests, 200, time.Date(2026, 3, 20, 10, 0, 0, 0, time.UTC))
	f.record(t, 4, "cus_1", plandomain.MetricBandwidthGB, 50, time.Date(2026, 3, 9, 8, 0, 0, 0, time.UTC))
	f.record(t, 5, "cus_1", plandomain.MetricBandwidthGB, 20, time.Date(2026, 3, 16, 8, 0, 0, 0, time.UTC))
	f.record(t, 6, "cus_2", plandomain.MetricAPIRequests, 70000, time.Date(2026, 3, 16, 8, 0, 0, 0, time.UTC))

	out, err := f.service.Usage(ctx, "cus_1", 7)
	require.NoError(t, err)

	assert.Equal(t, "starter", out.PlanCode)
	assert.Equal(t, time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC), out.WindowStart)
	require.Len(t, out.Daily, 7)
	assert.Equal(t, "300", out.Daily[1].Metrics[plandomain.MetricAPIRequests].String())
	assert.Equal(t, "20", out.Daily[2].Metrics[plandomain.MetricBandwidthGB].String())
	assert.Equal(t, "200", out.Daily[6].Metrics[plandomain.MetricAPIRequests].String())
	assert.Empty(t, out.Daily[0].Metrics)

	require.Len(t, out.Trends, 3)
	api := out.Trends[0]
	assert.Equal(t, analyticsdomain.TrendIncreasing, api.Trend)
	assert.Equal(t, "500", api.Current.String())
	assert.Equal(t, "100", api.Previous.String())
	assert.Equal(t, "400", api.ChangePercentage.String())
	assert.Equal(t, "900", api.PredictedNext.String())

	bandwidth := out.Trends[1]
	assert.Equal(t, analyticsdomain.TrendDecreasing, bandwidth.Trend)
	assert.Equal(t, "-60", bandwidth.ChangePercentage.String())
	assert.True(t, bandwidth.PredictedNext.IsZero())

	assert.Equal(t, analyticsdomain.TrendStable, out.Trends[2].Trend)

	require.Len(t, out.Forecasts, 3)
	assert.Equal(t, "15102.56", out.Forecasts[0].Projected.String())
	assert.True(t, out.Forecasts[0].OverageRisk)
	require.NotNil(t, out.Forecasts[0].DaysToLimit)
	assert.Equal(t, 2, *out.Forecasts[0].DaysToLimit)

	assert.Equal(t, "15.9", out.Forecasts[1].Projected.String())
	assert.False(t, out.Forecasts[1].OverageRisk)
	require.NotNil(t, out.Forecasts[1].DaysToLimit)
	assert.Equal(t, 176, *out.Forecasts[1].DaysToLimit)

	assert.Nil(t, out.Forecasts[2].DaysToLimit)

	require.Len(t, out.Recommendations, 2)
	assert.Equal(t, analyticsdomain.RecommendUpgrade, out.Recommendations[0].Kind)
	assert.Equal(t, plandomain.MetricAPIRequests, out.Recommendations[0].Metric)
	assert.Equal(t, analyticsdomain.RecommendDowngrade, out.Recommendations[1].Kind)
	assert.Equal(t, plandomain.MetricBandwidthGB, out.Recommendations[1].Metric)
}

func TestUsageAnalyticsFlagsHighAPIVolume(t *testing.T) {
	f := newFixture(t)
	f.usage.summary.Metrics = f.usage.summary.Metrics[:1]
	f.usage.summary.Metrics[0].Total = decimal.NewFromInt(60000)
	f.usage.summary.Metrics[0].Limit = decimal.NewFromInt(1000000)
	f.usage.summary.Metrics[0].Percentage = decimal.NewFromInt(6)
	f.record(t, 1, "cus_1", plandomain.MetricAPIRequests, 60000, time.Date(2026, 3, 18, 8, 0, 0, 0, time.UTC))

	out, err := f.service.Usage(context.Background(), "cus_1", 0)
	require.NoError(t, err)

	assert.Equal(t, 30, out.Days)
	require.Len(t, out.Recommendations, 2)
	assert.Equal(t, analyticsdomain.RecommendDowngrade, out.Recommendations[0].Kind)
	assert.Equal(t, analyticsdomain.RecommendReduceCalls, out.Recommendations[1].Kind)
}

func TestUsageAnalyticsRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.Usage(ctx, " ", 7)
	assert.ErrorIs(t, err, usagedomain.ErrInvalidCustomer)

	_, err = f.service.Usage(ctx, "cus_1", 91)
	assert.ErrorIs(t, err, analyticsdomain.ErrInvalidDays)

	_, err = f.service.Usage(ctx, "cus_1", -1)
	assert.ErrorIs(t, err, analyticsdomain.ErrInvalidDays)

	_, err = f.service.Usage(ctx, "cus_9", 7)
	assert.ErrorIs(t, err, subscriptiondomain.ErrSubscriptionNotFound)
}

func TestRevenuePlatformWide(t *testing.T) {
	f := newFixture(t)
	f.seedBilling(t)

	out, err := f.service.Revenue(context.Background(), analyticsdomain.RevenueRequest{
		From: time.Date(2026, 1, 25, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	assert.Equal(t, now, out.To)
	assert.Equal(t, "1397", out.Invoiced.String())
	assert.Equal(t, "1198", out.Collected.String())
	assert.Equal(t, "199", out.Outstanding.String())
	assert.Equal(t, 3, out.Invoices)
	assert.Equal(t, 3, out.Payments)
	assert.Equal(t, "66.67", out.PaymentSuccessRate.String())

	require.Len(t, out.ByPlan, 2)
	assert.Equal(t, "professional", out.ByPlan[0].PlanCode)
	assert.Equal(t, "999", out.ByPlan[0].Revenue.String())
	assert.Equal(t, "starter", out.ByPlan[1].PlanCode)
	assert.Equal(t, "398", out.ByPlan[1].Revenue.String())
	assert.Equal(t, 2, out.ByPlan[1].Invoices)

	require.Len(t, out.Monthly, 2)
	assert.Equal(t, "2026-02", out.Monthly[0].Month)
	assert.Equal(t, "199", out.Monthly[0].Revenue.String())
	assert.Equal(t, "2026-03", out.Monthly[1].Month)
	assert.Equal(t, "1198", out.Monthly[1].Revenue.String())

	require.NotNil(t, out.Platform)
	assert.Equal(t, 2, out.Platform.ActiveSubscriptions)
	assert.Equal(t, 2, out.Platform.NewSubscriptions)
	assert.Equal(t, 1, out.Platform.ChurnedSubscriptions)
	assert.Equal(t, "33.33", out.Platform.ChurnRate.String())
	assert.Equal(t, "698.5", out.Platform.RevenuePerCustomer.String())
}

func TestRevenueForCustomer(t *testing.T) {
	f := newFixture(t)
	f.seedBilling(t)

	out, err := f.service.Revenue(context.Background(), analyticsdomain.RevenueRequest{
		CustomerID: "cus_1",
		From:       time.Date(2026, 1, 25, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	assert.Equal(t, "398", out.Invoiced.String())
	assert.Equal(t, "199", out.Collected.String())
	assert.Equal(t, "199", out.Outstanding.String())
	assert.Equal(t, 2, out.Payments)
	assert.Equal(t, "50", out.PaymentSuccessRate.String())
	assert.Nil(t, out.Platform)
}

func TestRevenueRejectsInvertedWindow(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.Revenue(context.Background(), analyticsdomain.RevenueRequest{
		From: now,
		To:   now.Add(-time.Hour),
	})
	assert.ErrorIs(t, err, analyticsdomain.ErrInvalidWindow)

	_, err = f.service.Revenue(context.Background(), analyticsdomain.RevenueRequest{
		From: now.AddDate(-2, 0, 0),
	})
	assert.ErrorIs(t, err, analyticsdomain.ErrInvalidWindow)
}

func TestSubscriptionMetrics(t *testing.T) {
	f := newFixture(t)
	f.seedBilling(t)
	// A retired plan still counts as a subscriber but cannot be priced.
	f.subscription(t, 26, "cus_6", "legacy", plandomain.CycleMonthly, subscriptiondomain.SubscriptionStatusActive, time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC), nil)

	out, err := f.service.Subscriptions(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, out.Trialing)
	assert.Equal(t, 3, out.Active)
	assert.Equal(t, 1, out.PastDue)
	assert.Equal(t, 2, out.NewThisMonth)
	assert.Equal(t, 1, out.ChurnedThisMonth)
	assert.Equal(t, "USD", out.Currency)
	assert.Equal(t, periodStart, out.MonthStart)
	// starter 199 + professional 9990/12 + enterprise 4999
	assert.Equal(t, "6030.5", out.MRR.String())

	require.Len(t, out.ByPlan, 4)
	assert.Equal(t, "enterprise", out.ByPlan[0].PlanCode)
	assert.Equal(t, 1, out.ByPlan[0].PastDue)
	assert.Equal(t, "4999", out.ByPlan[0].MRR.String())
	assert.Equal(t, "legacy", out.ByPlan[1].PlanCode)
	assert.True(t, out.ByPlan[1].MRR.IsZero())
	assert.Equal(t, "professional", out.ByPlan[2].PlanCode)
	assert.Equal(t, "832.5", out.ByPlan[2].MRR.String())
	assert.Equal(t, "starter", out.ByPlan[3].PlanCode)
	assert.Equal(t, 1, out.ByPlan[3].Trialing)
	assert.Equal(t, 1, out.ByPlan[3].Active)
	assert.Equal(t, "199", out.ByPlan[3].MRR.String())
}

package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	alertdomain "github.com/smallbiznis/meterbill/internal/alert/domain"
	"github.com/smallbiznis/meterbill/internal/alert/repository"
	"github.com/smallbiznis/meterbill/internal/clock"
	"github.com/smallbiznis/meterbill/internal/config"
	plandomain "github.com/smallbiznis/meterbill/internal/plan/domain"
	ratingdomain "github.com/smallbiznis/meterbill/internal/rating/domain"
	subscriptiondomain "github.com/smallbiznis/meterbill/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/meterbill/internal/usage/domain"
	"github.com/smallbiznis/meterbill/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var may = time.Date(2026, time.May, 1, 0, 0, 0, 0, time.UTC)

type fakeSubscriptions struct {
	subscriptiondomain.Service
	trials []subscriptiondomain.Subscription
}

func (f *fakeSubscriptions) ListTrialsEnding(context.Context, time.Duration) ([]subscriptiondomain.Subscription, error) {
	return f.trials, nil
}

func newTestService(t *testing.T, subs *fakeSubscriptions) (*Service, *clock.FakeClock) {
	t.Helper()
	db := dbtest.Open(t, &alertdomain.BillingAlert{}, &alertdomain.AlertPreference{})
	node, err := snowflake.NewNode(5)
	require.NoError(t, err)
	clk := clock.NewFakeClock(may.Add(10 * 24 * time.Hour))
	if subs == nil {
		subs = &fakeSubscriptions{}
	}
	svc := NewService(ServiceParam{
		DB:            db,
		Log:           zap.NewNop(),
		GenID:         node,
		Clock:         clk,
		Repo:          repository.Provide(),
		Policy:        config.NewStaticPolicyHolder(config.DefaultPolicy()),
		Subscriptions: subs,
	})
	return svc, clk
}

func usageEvent(total int64) usagedomain.Event {
	return usagedomain.Event{
		Subscription: subscriptiondomain.Subscription{ID: 42, CustomerID: "cus_1", PlanCode: "starter"},
		Limit: plandomain.MetricLimit{
			Metric:   plandomain.MetricAPIRequests,
			Kind:     plandomain.LimitHardCapped,
			Included: decimal.NewFromInt(1000),
		},
		Counter: usagedomain.UsageCounter{
			SubscriptionID: 42,
			Metric:         plandomain.MetricAPIRequests,
			PeriodStart:    may,
			PeriodEnd:      may.AddDate(0, 1, 0),
			CustomerID:     "cus_1",
			Total:          decimal.NewFromInt(total),
		},
	}
}

func listAll(t *testing.T, svc *Service, unread bool) []alertdomain.BillingAlert {
	t.Helper()
	resp, err := svc.List(context.Background(), alertdomain.ListAlertRequest{CustomerID: "cus_1", UnreadOnly: unread})
	require.NoError(t, err)
	return resp.Alerts
}

func TestUsageBelowWarningRaisesNothing(t *testing.T) {
	svc, _ := newTestService(t, nil)
	svc.UsageRecorded(context.Background(), usageEvent(799))
	assert.Empty(t, listAll(t, svc, false))
}

func TestUsageAlertIsDeduplicatedPerPeriod(t *testing.T) {
	svc, clk := newTestService(t, nil)
	ctx := context.Background()

	svc.UsageRecorded(ctx, usageEvent(800))
	first := listAll(t, svc, false)
	require.Len(t, first, 1)
	assert.Equal(t, alertdomain.SeverityNormal, first[0].Severity)
	assert.Equal(t, 1, first[0].TriggerCount)
	assert.Equal(t, "80", first[0].ThresholdPercentage.String())

	clk.Advance(time.Hour)
	svc.UsageRecorded(ctx, usageEvent(850))
	again := listAll(t, svc, false)
	require.Len(t, again, 1)
	assert.Equal(t, first[0].ID, again[0].ID)
	assert.Equal(t, 2, again[0].TriggerCount)
	assert.True(t, again[0].LastTriggeredAt.After(first[0].LastTriggeredAt))

	// a new period is a new condition
	next := usageEvent(900)
	next.Counter.PeriodStart = may.AddDate(0, 1, 0)
	svc.UsageRecorded(ctx, next)
	assert.Len(t, listAll(t, svc, false), 2)
}

func TestEscalationMarksAlertUnread(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	svc.UsageRecorded(ctx, usageEvent(820))
	alerts := listAll(t, svc, true)
	require.Len(t, alerts, 1)

	read, err := svc.MarkRead(ctx, alerts[0].ID.String())
	require.NoError(t, err)
	assert.True(t, read.Read)
	assert.Empty(t, listAll(t, svc, true))

	svc.UsageRecorded(ctx, usageEvent(830))
	assert.Empty(t, listAll(t, svc, true), "same severity stays read")

	svc.UsageRecorded(ctx, usageEvent(1000))
	unread := listAll(t, svc, true)
	require.Len(t, unread, 1)
	assert.Equal(t, alertdomain.SeverityCritical, unread[0].Severity)
	assert.True(t, unread[0].ActionRequired)
}

func TestMarkReadErrors(t *testing.T) {
	svc, _ := newTestService(t, nil)
	_, err := svc.MarkRead(context.Background(), "abc")
	assert.ErrorIs(t, err, alertdomain.ErrInvalidAlertID)
	_, err = svc.MarkRead(context.Background(), "12345")
	assert.ErrorIs(t, err, alertdomain.ErrAlertNotFound)
}

func TestEstimateCeiling(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()
	sub := subscriptiondomain.Subscription{ID: 42, CustomerID: "cus_1"}
	estimate := ratingdomain.Estimate{
		CustomerID: "cus_1", Currency: "USD", PeriodStart: may, Total: decimal.NewFromInt(600),
	}

	svc.EstimateComputed(ctx, sub, estimate)
	assert.Empty(t, listAll(t, svc, false), "no ceiling configured")

	ceiling := decimal.NewFromInt(500)
	pref, err := svc.SetPreference(ctx, alertdomain.PreferenceRequest{CustomerID: "cus_1", EstimateCeiling: &ceiling})
	require.NoError(t, err)
	require.NotNil(t, pref.EstimateCeiling)

	svc.EstimateComputed(ctx, sub, estimate)
	alerts := listAll(t, svc, false)
	require.Len(t, alerts, 1)
	assert.Equal(t, alertdomain.AlertTypeEstimateCeiling, alerts[0].Type)
	assert.Equal(t, "120", alerts[0].ThresholdPercentage.String())
	assert.Contains(t, alerts[0].Message, "USD 600.00")
}

func TestSetPreferenceValidates(t *testing.T) {
	svc, _ := newTestService(t, nil)
	negative := decimal.NewFromInt(-1)
	_, err := svc.SetPreference(context.Background(), alertdomain.PreferenceRequest{CustomerID: "cus_1", EstimateCeiling: &negative})
	assert.ErrorIs(t, err, alertdomain.ErrInvalidRequest)
	_, err = svc.SetPreference(context.Background(), alertdomain.PreferenceRequest{})
	assert.ErrorIs(t, err, alertdomain.ErrInvalidRequest)
}

func TestSweepTrialsEndingHonoursNoticeWindow(t *testing.T) {
	subs := &fakeSubscriptions{}
	svc, clk := newTestService(t, subs)
	ctx := context.Background()
	now := clk.Now()

	soon := now.Add(2 * 24 * time.Hour)
	later := now.Add(6 * 24 * time.Hour)
	subs.trials = []subscriptiondomain.Subscription{
		{ID: 1, CustomerID: "cus_1", PlanCode: "starter", CurrentPeriodStart: may, TrialEnd: &soon},
		{ID: 2, CustomerID: "cus_2", PlanCode: "starter", CurrentPeriodStart: may, TrialEnd: &later},
		{ID: 3, CustomerID: "cus_3", PlanCode: "starter", CurrentPeriodStart: may, TrialEnd: &later},
	}
	week := 7
	_, err := svc.SetPreference(ctx, alertdomain.PreferenceRequest{CustomerID: "cus_3", TrialNoticeDays: &week})
	require.NoError(t, err)

	raised, err := svc.SweepTrialsEnding(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, raised)

	alerts := listAll(t, svc, false)
	require.Len(t, alerts, 1)
	assert.Equal(t, alertdomain.AlertTypeTrialEnding, alerts[0].Type)
	assert.True(t, alerts[0].ActionRequired)

	// sweeping again folds into the same alert
	_, err = svc.SweepTrialsEnding(ctx)
	require.NoError(t, err)
	alerts = listAll(t, svc, false)
	require.Len(t, alerts, 1)
	assert.Equal(t, 2, alerts[0].TriggerCount)
}

func TestPaymentFailedAndExpiry(t *testing.T) {
	svc, clk := newTestService(t, nil)
	ctx := context.Background()

	failure := alertdomain.PaymentFailure{
		CustomerID: "cus_1", SubscriptionID: 42, InvoiceID: 7, InvoiceNumber: "INV-1",
		PeriodStart: may, Amount: decimal.NewFromInt(199), Currency: "USD", Reason: "card_declined", Attempt: 1,
	}
	alert, err := svc.PaymentFailed(ctx, failure)
	require.NoError(t, err)
	assert.Equal(t, alertdomain.SeverityHigh, alert.Severity)
	assert.Contains(t, alert.Message, "card_declined")

	failure.Attempt, failure.Final = 4, true
	alert, err = svc.PaymentFailed(ctx, failure)
	require.NoError(t, err)
	assert.Equal(t, alertdomain.SeverityCritical, alert.Severity)
	assert.Equal(t, 2, alert.TriggerCount)

	clk.Advance(config.DefaultPolicy().AlertTTL + time.Hour)
	assert.Empty(t, listAll(t, svc, false), "expired alerts are hidden")
	purged, err := svc.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, purged)
}

func TestListPagesNewestFirst(t *testing.T) {
	svc, clk := newTestService(t, nil)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := svc.PaymentFailed(ctx, alertdomain.PaymentFailure{
			CustomerID: "cus_1", InvoiceID: snowflake.ID(100 + i), InvoiceNumber: "INV", PeriodStart: may,
		})
		require.NoError(t, err)
		clk.Advance(time.Minute)
	}

	req := alertdomain.ListAlertRequest{CustomerID: "cus_1"}
	req.PageSize = 2
	page, err := svc.List(ctx, req)
	require.NoError(t, err)
	require.Len(t, page.Alerts, 2)
	assert.True(t, page.HasMore)
	assert.Equal(t, "102", page.Alerts[0].Subject)

	req.PageToken = page.NextPageToken
	page, err = svc.List(ctx, req)
	require.NoError(t, err)
	require.Len(t, page.Alerts, 1)
	assert.Equal(t, "100", page.Alerts[0].Subject)
	assert.False(t, page.HasMore)
}

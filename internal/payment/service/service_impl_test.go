package service_test

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	alertdomain "github.com/smallbiznis/meterbill/internal/alert/domain"
	"github.com/smallbiznis/meterbill/internal/clock"
	"github.com/smallbiznis/meterbill/internal/config"
	invoicedomain "github.com/smallbiznis/meterbill/internal/invoice/domain"
	invoicerepository "github.com/smallbiznis/meterbill/internal/invoice/repository"
	"github.com/smallbiznis/meterbill/internal/lock"
	"github.com/smallbiznis/meterbill/internal/payment/adapters/sandbox"
	paymentdomain "github.com/smallbiznis/meterbill/internal/payment/domain"
	paymentrepository "github.com/smallbiznis/meterbill/internal/payment/repository"
	paymentservice "github.com/smallbiznis/meterbill/internal/payment/service"
	subscriptiondomain "github.com/smallbiznis/meterbill/internal/subscription/domain"
	"github.com/smallbiznis/meterbill/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const webhookSecret = "whsec_test"

var may = time.Date(2026, time.May, 1, 0, 0, 0, 0, time.UTC)

type fakeSubscriptions struct {
	subscriptiondomain.Service

	mu         sync.Mutex
	tokens     map[snowflake.ID]string
	pastDue    []snowflake.ID
	reinstated []snowflake.ID
}

func (f *fakeSubscriptions) GetByID(_ context.Context, id string) (subscriptiondomain.Subscription, error) {
	parsed, err := snowflake.ParseString(id)
	if err != nil {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrSubscriptionNotFound
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	sub := subscriptiondomain.Subscription{ID: parsed, Status: subscriptiondomain.SubscriptionStatusActive}
	if token, ok := f.tokens[parsed]; ok {
		sub.PaymentMethodToken = &token
	}
	return sub, nil
}

func (f *fakeSubscriptions) MarkPastDue(_ context.Context, id snowflake.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pastDue = append(f.pastDue, id)
	return nil
}

func (f *fakeSubscriptions) MarkPaid(_ context.Context, id snowflake.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reinstated = append(f.reinstated, id)
	return nil
}

type fakeAlerts struct {
	alertdomain.Service

	mu       sync.Mutex
	failures []alertdomain.PaymentFailure
}

func (f *fakeAlerts) PaymentFailed(_ context.Context, failure alertdomain.PaymentFailure) (alertdomain.BillingAlert, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, failure)
	return alertdomain.BillingAlert{}, nil
}

type fixture struct {
	db            *gorm.DB
	node          *snowflake.Node
	clock         *clock.FakeClock
	invoices      invoicedomain.Repository
	subscriptions *fakeSubscriptions
	alerts        *fakeAlerts
	gateway       paymentdomain.Gateway
	svc           paymentdomain.Service
}

type failingLocker struct {
	lock.Locker

	mu       sync.Mutex
	failures int
}

// Acquire fails the next period-lock acquisitions while failures remain.
func (l *failingLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (lock.Release, error) {
	l.mu.Lock()
	if l.failures > 0 && !strings.HasPrefix(key, "collect:") {
		l.failures--
		l.mu.Unlock()
		return nil, errors.New("lock backend unavailable")
	}
	l.mu.Unlock()
	return l.Locker.Acquire(ctx, key, ttl)
}

func newFixture(t *testing.T, lockers ...lock.Locker) *fixture {
	t.Helper()
	db := dbtest.Open(t,
		&invoicedomain.Invoice{},
		&invoicedomain.InvoiceLine{},
		&paymentdomain.PaymentAttempt{},
		&paymentdomain.EventRecord{},
		&paymentdomain.PaymentMethod{},
	)
	node, err := snowflake.NewNode(6)
	require.NoError(t, err)
	gateway, err := sandbox.NewFactory().NewGateway(paymentdomain.GatewayConfig{
		Name:          sandbox.Provider,
		WebhookSecret: webhookSecret,
	})
	require.NoError(t, err)

	var locker lock.Locker = lock.NewKeyedMutex()
	if len(lockers) > 0 {
		locker = lockers[0]
	}

	f := &fixture{
		db:            db,
		node:          node,
		clock:         clock.NewFakeClock(may),
		invoices:      invoicerepository.Provide(),
		subscriptions: &fakeSubscriptions{tokens: map[snowflake.ID]string{}},
		alerts:        &fakeAlerts{},
		gateway:       gateway,
	}
	f.svc = paymentservice.NewService(paymentservice.Params{
		DB:            db,
		Log:           zap.NewNop(),
		GenID:         node,
		Clock:         f.clock,
		Repo:          paymentrepository.Provide(),
		Gateway:       gateway,
		Invoices:      f.invoices,
		Subscriptions: f.subscriptions,
		Alerts:        f.alerts,
		Locker:        locker,
		Policy:        config.NewStaticPolicyHolder(config.DefaultPolicy()),
	})
	return f
}

// issue stores an issued invoice whose subscription carries token.
func (f *fixture) issue(t *testing.T, customerID, token, total string) invoicedomain.Invoice {
	t.Helper()
	subscriptionID := f.node.Generate()
	if token != "" {
		f.subscriptions.tokens[subscriptionID] = token
	}
	now := f.clock.Now()
	invoice := invoicedomain.Invoice{
		ID:             f.node.Generate(),
		Number:         "INV-" + subscriptionID.String(),
		CustomerID:     customerID,
		SubscriptionID: subscriptionID,
		BillingCycleID: f.node.Generate(),
		PeriodStart:    now.AddDate(0, -1, 0),
		PeriodEnd:      now,
		Kind:           invoicedomain.InvoiceKindPeriod,
		Revision:       1,
		PlanCode:       "starter",
		PlanVersion:    1,
		Currency:       "USD",
		Subtotal:       decimal.RequireFromString(total),
		Total:          decimal.RequireFromString(total),
		Status:         invoicedomain.InvoiceStatusIssued,
		IssuedAt:       now,
		DueAt:          now.AddDate(0, 0, 14),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, f.invoices.Insert(context.Background(), f.db, &invoice))
	return invoice
}

func (f *fixture) reload(t *testing.T, id snowflake.ID) *invoicedomain.Invoice {
	t.Helper()
	invoice, err := f.invoices.FindByID(context.Background(), f.db, id)
	require.NoError(t, err)
	require.NotNil(t, invoice)
	return invoice
}

func (f *fixture) deliver(t *testing.T, event sandbox.WebhookEvent) (paymentdomain.WebhookResult, error) {
	t.Helper()
	payload, header, err := sandbox.SignedEvent(webhookSecret, event, time.Now())
	require.NoError(t, err)
	headers := http.Header{}
	headers.Set(sandbox.SignatureHeader, header)
	return f.svc.HandleWebhook(context.Background(), sandbox.Provider, payload, headers)
}

func TestCollectSuccessMarksPaid(t *testing.T) {
	f := newFixture(t)
	invoice := f.issue(t, "cus_1", "tok_visa", "204.00")

	res, err := f.svc.Collect(context.Background(), invoice.ID.String())
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.InvoiceStatusPaid, res.Invoice.Status)
	assert.Equal(t, paymentdomain.AttemptStatusSucceeded, res.Attempt.Status)
	assert.Equal(t, 1, res.Attempt.AttemptNumber)
	assert.True(t, res.Attempt.Amount.Equal(decimal.RequireFromString("204.00")))

	stored := f.reload(t, invoice.ID)
	assert.Equal(t, invoicedomain.InvoiceStatusPaid, stored.Status)
	require.NotNil(t, stored.PaidAt)
	assert.Equal(t, 1, stored.PaymentAttempts)
	assert.Equal(t, []snowflake.ID{invoice.SubscriptionID}, f.subscriptions.reinstated)
	assert.Empty(t, f.alerts.failures)

	_, err = f.svc.Collect(context.Background(), invoice.ID.String())
	assert.ErrorIs(t, err, paymentdomain.ErrInvoiceAlreadyPaid)
}

func TestCollectFailureSchedulesRetry(t *testing.T) {
	f := newFixture(t)
	invoice := f.issue(t, "cus_1", "tok_fail", "99.00")

	res, err := f.svc.Collect(context.Background(), invoice.ID.String())
	require.Error(t, err)
	assert.ErrorIs(t, err, paymentdomain.ErrPaymentFailed)
	var failed *paymentdomain.FailedPaymentError
	require.True(t, errors.As(err, &failed))
	assert.Equal(t, sandbox.DeclineReason, failed.Reason)
	assert.True(t, failed.Retrying)
	assert.Equal(t, invoicedomain.InvoiceStatusFailed, res.Invoice.Status)

	stored := f.reload(t, invoice.ID)
	assert.Equal(t, 1, stored.PaymentAttempts)
	require.NotNil(t, stored.NextRetryAt)
	assert.True(t, stored.NextRetryAt.Equal(may.Add(24*time.Hour)))
	require.NotNil(t, stored.FailureReason)
	assert.Equal(t, sandbox.DeclineReason, *stored.FailureReason)

	assert.Equal(t, []snowflake.ID{invoice.SubscriptionID}, f.subscriptions.pastDue)
	require.Len(t, f.alerts.failures, 1)
	assert.Equal(t, 1, f.alerts.failures[0].Attempt)
	assert.False(t, f.alerts.failures[0].Final)
}

func TestRetryDueExhaustsDunning(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	invoice := f.issue(t, "cus_1", "tok_fail", "10.00")

	_, err := f.svc.Collect(ctx, invoice.ID.String())
	require.ErrorIs(t, err, paymentdomain.ErrPaymentFailed)

	n, err := f.svc.RetryDue(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, f.alerts.failures, 1, "retry is not due yet")

	for _, wait := range []time.Duration{24 * time.Hour, 72 * time.Hour, 120 * time.Hour} {
		f.clock.Advance(wait)
		_, err := f.svc.RetryDue(ctx, 10)
		require.NoError(t, err)
	}

	stored := f.reload(t, invoice.ID)
	assert.Equal(t, 4, stored.PaymentAttempts)
	assert.Nil(t, stored.NextRetryAt)
	require.Len(t, f.alerts.failures, 4)
	assert.True(t, f.alerts.failures[3].Final)

	attempts, err := f.svc.ListAttempts(ctx, invoice.ID.String())
	require.NoError(t, err)
	require.Len(t, attempts, 4)
	for i, attempt := range attempts {
		assert.Equal(t, i+1, attempt.AttemptNumber)
		assert.Equal(t, paymentdomain.AttemptStatusFailed, attempt.Status)
	}

	f.clock.Advance(365 * 24 * time.Hour)
	_, err = f.svc.RetryDue(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, f.alerts.failures, 4)
}

func TestCollectRejectsUncollectibleInvoices(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Collect(ctx, "nope")
	assert.ErrorIs(t, err, invoicedomain.ErrInvalidInvoiceID)

	_, err = f.svc.Collect(ctx, f.node.Generate().String())
	assert.ErrorIs(t, err, invoicedomain.ErrInvoiceNotFound)

	free := f.issue(t, "cus_1", "tok_visa", "0")
	_, err = f.svc.Collect(ctx, free.ID.String())
	assert.ErrorIs(t, err, paymentdomain.ErrInvoiceNotPayable)

	voided := f.issue(t, "cus_2", "tok_visa", "5")
	ok, err := f.invoices.UpdateStatus(ctx, f.db, voided.ID, invoicedomain.InvoiceStatusVoid, may, invoicedomain.InvoiceStatusIssued)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = f.svc.Collect(ctx, voided.ID.String())
	assert.ErrorIs(t, err, paymentdomain.ErrInvoiceNotPayable)

	noToken := f.issue(t, "cus_3", "", "5")
	_, err = f.svc.Collect(ctx, noToken.ID.String())
	assert.ErrorIs(t, err, paymentdomain.ErrNoPaymentMethod)
}

func TestPendingChargeSettledByWebhookOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	invoice := f.issue(t, "cus_1", "tok_pending", "50.00")

	res, err := f.svc.Collect(ctx, invoice.ID.String())
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.AttemptStatusPending, res.Attempt.Status)
	assert.Equal(t, invoicedomain.InvoiceStatusIssued, f.reload(t, invoice.ID).Status)

	_, err = f.svc.Collect(ctx, invoice.ID.String())
	assert.ErrorIs(t, err, paymentdomain.ErrCollectionInProgress)

	event := sandbox.WebhookEvent{
		ID:         "evt_1",
		Reference:  res.Attempt.GatewayReference,
		Status:     "succeeded",
		OccurredAt: may,
	}
	out, err := f.deliver(t, event)
	require.NoError(t, err)
	assert.False(t, out.Duplicate)
	require.NotNil(t, out.Attempt)
	assert.Equal(t, paymentdomain.AttemptStatusSucceeded, out.Attempt.Status)
	assert.Equal(t, invoicedomain.InvoiceStatusPaid, f.reload(t, invoice.ID).Status)

	event.ID = "evt_1_redelivered"
	out, err = f.deliver(t, event)
	require.NoError(t, err)
	assert.True(t, out.Duplicate)
	assert.Len(t, f.subscriptions.reinstated, 1)

	var events int64
	require.NoError(t, f.db.Model(&paymentdomain.EventRecord{}).Count(&events).Error)
	assert.Equal(t, int64(1), events)
}

func TestWebhookRedeliveryAfterFailedApply(t *testing.T) {
	locker := &failingLocker{Locker: lock.NewKeyedMutex()}
	f := newFixture(t, locker)
	ctx := context.Background()
	invoice := f.issue(t, "cus_1", "tok_pending", "50.00")

	res, err := f.svc.Collect(ctx, invoice.ID.String())
	require.NoError(t, err)
	require.Equal(t, paymentdomain.AttemptStatusPending, res.Attempt.Status)

	event := sandbox.WebhookEvent{
		ID:         "evt_1",
		Reference:  res.Attempt.GatewayReference,
		Status:     "succeeded",
		OccurredAt: may,
	}
	locker.failures = 1
	_, err = f.deliver(t, event)
	require.Error(t, err)

	stored := f.reload(t, invoice.ID)
	assert.Equal(t, invoicedomain.InvoiceStatusIssued, stored.Status)
	attempts, err := f.svc.ListAttempts(ctx, invoice.ID.String())
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, paymentdomain.AttemptStatusPending, attempts[0].Status, "attempt stays pending when the invoice was not updated")

	out, err := f.deliver(t, event)
	require.NoError(t, err)
	assert.False(t, out.Duplicate)
	require.NotNil(t, out.Attempt)
	assert.Equal(t, paymentdomain.AttemptStatusSucceeded, out.Attempt.Status)
	assert.Equal(t, invoicedomain.InvoiceStatusPaid, f.reload(t, invoice.ID).Status)
	assert.Equal(t, []snowflake.ID{invoice.SubscriptionID}, f.subscriptions.reinstated)

	out, err = f.deliver(t, event)
	require.NoError(t, err)
	assert.True(t, out.Duplicate)
}

func TestWebhookReconcilesFinalAttemptWithUnpaidInvoice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	invoice := f.issue(t, "cus_1", "tok_visa", "30.00")

	now := f.clock.Now()
	attempt := paymentdomain.PaymentAttempt{
		ID:               f.node.Generate(),
		InvoiceID:        invoice.ID,
		SubscriptionID:   invoice.SubscriptionID,
		CustomerID:       invoice.CustomerID,
		Gateway:          sandbox.Provider,
		GatewayReference: "sbx_settled",
		Amount:           invoice.Total,
		Currency:         invoice.Currency,
		Status:           paymentdomain.AttemptStatusSucceeded,
		AttemptNumber:    1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	inserted, err := paymentrepository.Provide().InsertAttempt(ctx, f.db, &attempt)
	require.NoError(t, err)
	require.True(t, inserted)

	_, err = f.deliver(t, sandbox.WebhookEvent{ID: "evt_2", Reference: "sbx_settled", Status: "succeeded"})
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.InvoiceStatusPaid, f.reload(t, invoice.ID).Status)
	assert.Len(t, f.subscriptions.reinstated, 1)
}

func TestWebhookForUnseenReference(t *testing.T) {
	f := newFixture(t)
	invoice := f.issue(t, "cus_1", "tok_visa", "75.00")

	_, err := f.deliver(t, sandbox.WebhookEvent{ID: "evt_x", Reference: "sbx_unknown", Status: "succeeded"})
	assert.ErrorIs(t, err, paymentdomain.ErrUnknownReference)

	out, err := f.deliver(t, sandbox.WebhookEvent{
		ID:        "evt_y",
		Reference: "sbx_external",
		Status:    "failed",
		InvoiceID: invoice.ID.String(),
	})
	require.NoError(t, err)
	require.NotNil(t, out.Attempt)
	assert.Equal(t, invoice.ID, out.Attempt.InvoiceID)
	assert.Equal(t, paymentdomain.AttemptStatusFailed, out.Attempt.Status)

	stored := f.reload(t, invoice.ID)
	assert.Equal(t, invoicedomain.InvoiceStatusFailed, stored.Status)
	assert.Len(t, f.alerts.failures, 1)
}

func TestWebhookRejectsForgedOrForeignDeliveries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	payload, header, err := sandbox.SignedEvent("other_secret", sandbox.WebhookEvent{
		ID: "evt_1", Reference: "sbx_1", Status: "succeeded",
	}, time.Now())
	require.NoError(t, err)
	headers := http.Header{}
	headers.Set(sandbox.SignatureHeader, header)

	_, err = f.svc.HandleWebhook(ctx, sandbox.Provider, payload, headers)
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidSignature)

	_, err = f.svc.HandleWebhook(ctx, "stripe", payload, headers)
	assert.ErrorIs(t, err, paymentdomain.ErrGatewayNotFound)
}

func TestPaymentMethods(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.AddMethod(ctx, paymentdomain.AddMethodRequest{CustomerID: "cus_1", Token: "tok_visa", Last4: "42"})
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidRequest)

	first, err := f.svc.AddMethod(ctx, paymentdomain.AddMethodRequest{CustomerID: "cus_1", Token: "tok_visa", Brand: "Visa", Last4: "4242"})
	require.NoError(t, err)
	assert.True(t, first.IsDefault)
	assert.Equal(t, "visa", first.Brand)

	second, err := f.svc.AddMethod(ctx, paymentdomain.AddMethodRequest{CustomerID: "cus_1", Token: "tok_fail_card", MakeDefault: true})
	require.NoError(t, err)
	assert.True(t, second.IsDefault)

	methods, err := f.svc.ListMethods(ctx, "cus_1")
	require.NoError(t, err)
	require.Len(t, methods, 2)
	assert.False(t, methods[0].IsDefault)
	assert.True(t, methods[1].IsDefault)

	// the stored default wins over the subscription token
	invoice := f.issue(t, "cus_1", "tok_visa", "12.00")
	_, err = f.svc.Collect(ctx, invoice.ID.String())
	assert.ErrorIs(t, err, paymentdomain.ErrPaymentFailed)

	require.NoError(t, f.svc.RemoveMethod(ctx, "cus_1", second.ID.String()))
	methods, err = f.svc.ListMethods(ctx, "cus_1")
	require.NoError(t, err)
	require.Len(t, methods, 1)
	assert.True(t, methods[0].IsDefault)

	assert.ErrorIs(t, f.svc.RemoveMethod(ctx, "cus_2", first.ID.String()), paymentdomain.ErrPaymentMethodNotFound)
	_, err = f.svc.SetDefaultMethod(ctx, "cus_1", "bogus")
	assert.ErrorIs(t, err, paymentdomain.ErrPaymentMethodNotFound)

	updated, err := f.svc.SetDefaultMethod(ctx, "cus_1", first.ID.String())
	require.NoError(t, err)
	assert.True(t, updated.IsDefault)
}

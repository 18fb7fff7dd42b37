package service

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	billingcycledomain "github.com/smallbiznis/meterbill/internal/billingcycle/domain"
	billingcyclerepository "github.com/smallbiznis/meterbill/internal/billingcycle/repository"
	"github.com/smallbiznis/meterbill/internal/clock"
	"github.com/smallbiznis/meterbill/internal/config"
	discountdomain "github.com/smallbiznis/meterbill/internal/discount/domain"
	discountrepository "github.com/smallbiznis/meterbill/internal/discount/repository"
	discountservice "github.com/smallbiznis/meterbill/internal/discount/service"
	invoicedomain "github.com/smallbiznis/meterbill/internal/invoice/domain"
	"github.com/smallbiznis/meterbill/internal/invoice/render"
	"github.com/smallbiznis/meterbill/internal/invoice/repository"
	"github.com/smallbiznis/meterbill/internal/lock"
	"github.com/smallbiznis/meterbill/internal/plan"
	plandomain "github.com/smallbiznis/meterbill/internal/plan/domain"
	ratingservice "github.com/smallbiznis/meterbill/internal/rating/service"
	subscriptiondomain "github.com/smallbiznis/meterbill/internal/subscription/domain"
	subscriptionrepository "github.com/smallbiznis/meterbill/internal/subscription/repository"
	subscriptionservice "github.com/smallbiznis/meterbill/internal/subscription/service"
	taxdomain "github.com/smallbiznis/meterbill/internal/tax/domain"
	usagedomain "github.com/smallbiznis/meterbill/internal/usage/domain"
	"github.com/smallbiznis/meterbill/internal/usage/pending"
	usagerepository "github.com/smallbiznis/meterbill/internal/usage/repository"
	usageservice "github.com/smallbiznis/meterbill/internal/usage/service"
	"github.com/smallbiznis/meterbill/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var april = time.Date(2026, time.April, 1, 0, 0, 0, 0, time.UTC)

// idTax charges 11% in ID and nothing elsewhere.
type idTax struct{}

func (idTax) Resolve(jurisdiction string) taxdomain.Rate {
	rate := decimal.Zero
	if strings.EqualFold(jurisdiction, "id") {
		rate = decimal.RequireFromString("0.11")
	}
	return taxdomain.Rate{Jurisdiction: jurisdiction, Rate: rate, Mode: taxdomain.TaxModeExclusive}
}

type fixture struct {
	db            *gorm.DB
	clock         *clock.FakeClock
	discounts     discountdomain.Service
	subscriptions subscriptiondomain.Service
	usage         usagedomain.Service
	invoices      invoicedomain.Service
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	db := dbtest.Open(t,
		&subscriptiondomain.Subscription{},
		&subscriptiondomain.SubscriptionChange{},
		&billingcycledomain.BillingCycle{},
		&discountdomain.DiscountCode{},
		&discountdomain.DiscountRedemption{},
		&usagedomain.UsageRecord{},
		&usagedomain.UsageCounter{},
		&invoicedomain.Invoice{},
		&invoicedomain.InvoiceLine{},
	)
	node, err := snowflake.NewNode(4)
	require.NoError(t, err)
	clk := clock.NewFakeClock(april)

	plans, err := plan.Build(plan.DefaultDefinitions())
	require.NoError(t, err)
	catalog, err := plan.NewCatalog(plans)
	require.NoError(t, err)

	holder := config.NewStaticPolicyHolder(config.DefaultPolicy())

	discounts := discountservice.NewService(discountservice.ServiceParam{
		DB: db, Log: zap.NewNop(), GenID: node, Clock: clk, Repo: discountrepository.Provide(),
	})
	subscriptionRepo := subscriptionrepository.Provide()
	cycleRepo := billingcyclerepository.Provide()
	subscriptions := subscriptionservice.NewService(subscriptionservice.ServiceParam{
		DB:        db,
		Log:       zap.NewNop(),
		GenID:     node,
		Clock:     clk,
		Repo:      subscriptionRepo,
		CycleRepo: cycleRepo,
		Catalog:   catalog,
		Discounts: discounts,
		Guards:    lock.NewKeyedRWMutex(),
	})
	usage := usageservice.NewService(usageservice.ServiceParam{
		DB:            db,
		Log:           zap.NewNop(),
		GenID:         node,
		Clock:         clk,
		Repo:          usagerepository.Provide(),
		Subscriptions: subscriptions,
		Catalog:       catalog,
		Policy:        holder,
		Pending:       pending.NewQueue(pending.DefaultConfig()),
	})
	rating := ratingservice.NewService(ratingservice.ServiceParam{
		DB:            db,
		Log:           zap.NewNop(),
		Catalog:       catalog,
		Subscriptions: subscriptions,
		Changes:       subscriptionRepo,
		Cycles:        cycleRepo,
		Usage:         usage,
		Discounts:     discounts,
		Tax:           idTax{},
	})
	invoices := NewService(ServiceParam{
		DB:               db,
		Log:              zap.NewNop(),
		GenID:            node,
		Clock:            clk,
		Repo:             repository.Provide(),
		Locker:           lock.NewKeyedMutex(),
		Policy:           holder,
		Catalog:          catalog,
		Subscriptions:    subscriptions,
		SubscriptionRepo: subscriptionRepo,
		Cycles:           cycleRepo,
		Rating:           rating,
		Discounts:        discounts,
		Usage:            usage,
		Renderer:         render.NewRenderer(),
	})

	return fixture{
		db: db, clock: clk, discounts: discounts, subscriptions: subscriptions,
		usage: usage, invoices: invoices,
	}
}

func (f fixture) subscribe(t *testing.T, req subscriptiondomain.CreateSubscriptionRequest) subscriptiondomain.Subscription {
	t.Helper()
	if req.TrialDays == nil {
		noTrial := 0
		req.TrialDays = &noTrial
	}
	sub, err := f.subscriptions.Create(context.Background(), req)
	require.NoError(t, err)
	return sub
}

func (f fixture) record(t *testing.T, customerID string, metric plandomain.Metric, quantity int64) {
	t.Helper()
	_, err := f.usage.RecordUsage(context.Background(), usagedomain.RecordRequest{
		CustomerID: customerID, Metric: metric, Quantity: decimal.NewFromInt(quantity),
	})
	require.NoError(t, err)
}

func (f fixture) closePeriod(t *testing.T, sub subscriptiondomain.Subscription) subscriptiondomain.AdvanceResult {
	t.Helper()
	result, err := f.subscriptions.Advance(context.Background(), sub.ID)
	require.NoError(t, err)
	require.NotEmpty(t, result.Closed)
	return result
}

func TestIssueInvoiceTwiceReturnsSameInvoice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.subscribe(t, subscriptiondomain.CreateSubscriptionRequest{
		CustomerID: "cus_1", PlanCode: "starter", TaxJurisdiction: "id",
	})
	f.record(t, "cus_1", plandomain.MetricChainDeployments, 120)
	f.record(t, "cus_1", plandomain.MetricComputingHours, 2)

	f.clock.Set(april.AddDate(0, 1, 0).Add(time.Hour))
	f.closePeriod(t, sub)

	req := invoicedomain.IssueRequest{SubscriptionID: sub.ID.String(), PeriodStart: april}
	first, err := f.invoices.Issue(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.InvoiceStatusIssued, first.Status)
	assert.Equal(t, invoicedomain.InvoiceKindPeriod, first.Kind)
	assert.True(t, strings.HasPrefix(first.Number, "INV-202605-"), first.Number)
	// 199 base + 200 overage + 10 compute, 11% tax
	assert.Equal(t, "409.00", first.Subtotal.StringFixed(2))
	assert.Equal(t, "44.99", first.Tax.StringFixed(2))
	assert.Equal(t, "453.99", first.Total.StringFixed(2))
	assert.Equal(t, april.AddDate(0, 1, 0).Add(time.Hour).AddDate(0, 0, 14), first.DueAt)
	require.NotEmpty(t, first.Lines)

	second, err := f.invoices.Issue(ctx, req)
	var dup *invoicedomain.DuplicateInvoiceError
	require.ErrorAs(t, err, &dup)
	assert.ErrorIs(t, err, invoicedomain.ErrDuplicateInvoice)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.ID, dup.Invoice.ID)

	var count int64
	require.NoError(t, f.db.Model(&invoicedomain.Invoice{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)

	cycles, err := f.subscriptions.ListCycles(ctx, sub.ID.String())
	require.NoError(t, err)
	require.NotNil(t, cycles[0].InvoicedAt)

	var open int64
	require.NoError(t, f.db.Model(&usagedomain.UsageCounter{}).
		Where("subscription_id = ? AND period_start = ? AND closed = ?", sub.ID, april, false).
		Count(&open).Error)
	assert.Zero(t, open)
}

func TestConcurrentIssueSamePeriod(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.subscribe(t, subscriptiondomain.CreateSubscriptionRequest{CustomerID: "cus_1", PlanCode: "professional"})
	f.clock.Set(april.AddDate(0, 1, 0))
	f.closePeriod(t, sub)

	var wg sync.WaitGroup
	ids := make([]snowflake.ID, 4)
	errs := make([]error, 4)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			invoice, err := f.invoices.Issue(ctx, invoicedomain.IssueRequest{SubscriptionID: sub.ID.String(), PeriodStart: april})
			ids[i], errs[i] = invoice.ID, err
		}(i)
	}
	wg.Wait()

	fresh := 0
	for i := range ids {
		if errs[i] == nil {
			fresh++
		} else {
			require.ErrorIs(t, errs[i], invoicedomain.ErrDuplicateInvoice)
		}
		assert.Equal(t, ids[0], ids[i])
	}
	assert.Equal(t, 1, fresh)
}

func TestIssueRejectsOpenPeriod(t *testing.T) {
	f := newFixture(t)
	sub := f.subscribe(t, subscriptiondomain.CreateSubscriptionRequest{CustomerID: "cus_1", PlanCode: "starter"})

	_, err := f.invoices.Issue(context.Background(), invoicedomain.IssueRequest{SubscriptionID: sub.ID.String(), PeriodStart: april})
	assert.ErrorIs(t, err, billingcycledomain.ErrCycleNotClosed)

	_, err = f.invoices.Issue(context.Background(), invoicedomain.IssueRequest{SubscriptionID: sub.ID.String(), PeriodStart: april.AddDate(0, 0, 3)})
	assert.ErrorIs(t, err, billingcycledomain.ErrCycleNotFound)
}

func TestDiscountCapSharedByConcurrentIssues(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cap := 1
	_, err := f.discounts.Create(ctx, discountdomain.CreateRequest{
		Code: "LAUNCH", Kind: discountdomain.KindPercentage, Value: decimal.NewFromInt(20), UsageCap: &cap,
	})
	require.NoError(t, err)

	subs := []subscriptiondomain.Subscription{
		f.subscribe(t, subscriptiondomain.CreateSubscriptionRequest{CustomerID: "cus_1", PlanCode: "starter", DiscountCode: "launch"}),
		f.subscribe(t, subscriptiondomain.CreateSubscriptionRequest{CustomerID: "cus_2", PlanCode: "starter", DiscountCode: "launch"}),
	}
	f.clock.Set(april.AddDate(0, 1, 0))
	for _, sub := range subs {
		f.closePeriod(t, sub)
	}

	var wg sync.WaitGroup
	errs := make([]error, len(subs))
	invoices := make([]invoicedomain.Invoice, len(subs))
	for i, sub := range subs {
		wg.Add(1)
		go func(i int, sub subscriptiondomain.Subscription) {
			defer wg.Done()
			invoices[i], errs[i] = f.invoices.Issue(ctx, invoicedomain.IssueRequest{SubscriptionID: sub.ID.String(), PeriodStart: april})
		}(i, sub)
	}
	wg.Wait()

	var succeeded, rejected int
	for i, err := range errs {
		switch {
		case err == nil:
			succeeded++
			assert.Equal(t, "39.80", invoices[i].Discount.StringFixed(2))
		case errors.Is(err, discountdomain.ErrDiscountInvalid):
			rejected++
			var invalid *discountdomain.InvalidCodeError
			require.ErrorAs(t, err, &invalid)
			assert.Equal(t, discountdomain.ReasonCapReached, invalid.Reason)
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, rejected)

	var redemptions int64
	require.NoError(t, f.db.Model(&discountdomain.DiscountRedemption{}).Count(&redemptions).Error)
	assert.EqualValues(t, 1, redemptions)
	var invoiceCount int64
	require.NoError(t, f.db.Model(&invoicedomain.Invoice{}).Count(&invoiceCount).Error)
	assert.EqualValues(t, 1, invoiceCount, "the rejected issue rolled back")
}

func TestRedeemedCodeIsNotAppliedTwice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.discounts.Create(ctx, discountdomain.CreateRequest{
		Code: "WELCOME", Kind: discountdomain.KindFixedAmount, Value: decimal.NewFromInt(50),
	})
	require.NoError(t, err)
	sub := f.subscribe(t, subscriptiondomain.CreateSubscriptionRequest{CustomerID: "cus_1", PlanCode: "starter", DiscountCode: "WELCOME"})

	f.clock.Set(april.AddDate(0, 2, 0))
	result := f.closePeriod(t, sub)
	require.Len(t, result.Closed, 2)

	first, err := f.invoices.Issue(ctx, invoicedomain.IssueRequest{SubscriptionID: sub.ID.String(), PeriodStart: result.Closed[0].PeriodStart})
	require.NoError(t, err)
	assert.Equal(t, "149.00", first.Total.StringFixed(2))

	second, err := f.invoices.Issue(ctx, invoicedomain.IssueRequest{SubscriptionID: sub.ID.String(), PeriodStart: result.Closed[1].PeriodStart})
	require.NoError(t, err)
	assert.True(t, second.Discount.IsZero())
	assert.Equal(t, "199.00", second.Total.StringFixed(2))
}

func TestTrialPeriodInvoicedOnlyWithUsage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	trialDays := 14
	idle := f.subscribe(t, subscriptiondomain.CreateSubscriptionRequest{CustomerID: "cus_idle", PlanCode: "starter", TrialDays: &trialDays})
	busy := f.subscribe(t, subscriptiondomain.CreateSubscriptionRequest{CustomerID: "cus_busy", PlanCode: "starter", TrialDays: &trialDays})
	f.record(t, "cus_busy", plandomain.MetricComputingHours, 3)

	f.clock.Set(april.AddDate(0, 0, 15))
	f.closePeriod(t, idle)
	f.closePeriod(t, busy)

	_, err := f.invoices.Issue(ctx, invoicedomain.IssueRequest{SubscriptionID: idle.ID.String(), PeriodStart: april})
	assert.ErrorIs(t, err, invoicedomain.ErrNotBillable)
	cycles, err := f.subscriptions.ListCycles(ctx, idle.ID.String())
	require.NoError(t, err)
	assert.NotNil(t, cycles[0].InvoicedAt, "nothing left to sweep")

	invoice, err := f.invoices.Issue(ctx, invoicedomain.IssueRequest{SubscriptionID: busy.ID.String(), PeriodStart: april})
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.InvoiceKindTrialUsage, invoice.Kind)
	assert.Equal(t, "15.00", invoice.Total.StringFixed(2))
}

func TestSupersedeIssuesNextRevision(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.subscribe(t, subscriptiondomain.CreateSubscriptionRequest{CustomerID: "cus_1", PlanCode: "starter"})
	f.clock.Set(april.AddDate(0, 1, 0))
	f.closePeriod(t, sub)

	original, err := f.invoices.Issue(ctx, invoicedomain.IssueRequest{SubscriptionID: sub.ID.String(), PeriodStart: april})
	require.NoError(t, err)

	_, err = f.invoices.Supersede(ctx, invoicedomain.SupersedeRequest{InvoiceID: original.ID.String()})
	assert.ErrorIs(t, err, invoicedomain.ErrInvalidRequest)

	revised, err := f.invoices.Supersede(ctx, invoicedomain.SupersedeRequest{InvoiceID: original.ID.String(), Reason: "billing address fixed"})
	require.NoError(t, err)
	assert.Equal(t, 2, revised.Revision)
	require.NotNil(t, revised.SupersedesID)
	assert.Equal(t, original.ID, *revised.SupersedesID)
	assert.True(t, original.Total.Equal(revised.Total))

	voided, err := f.invoices.GetByID(ctx, original.ID.String())
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.InvoiceStatusVoid, voided.Status)

	_, err = f.invoices.Supersede(ctx, invoicedomain.SupersedeRequest{InvoiceID: original.ID.String(), Reason: "again"})
	assert.ErrorIs(t, err, invoicedomain.ErrInvoiceNotVoidable)

	// issuing the period again reports the live revision
	again, err := f.invoices.Issue(ctx, invoicedomain.IssueRequest{SubscriptionID: sub.ID.String(), PeriodStart: april})
	assert.ErrorIs(t, err, invoicedomain.ErrDuplicateInvoice)
	assert.Equal(t, revised.ID, again.ID)
}

func TestListInvoicesPages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.subscribe(t, subscriptiondomain.CreateSubscriptionRequest{CustomerID: "cus_1", PlanCode: "starter"})

	for month := 1; month <= 3; month++ {
		f.clock.Set(april.AddDate(0, month, 0))
		result := f.closePeriod(t, sub)
		_, err := f.invoices.Issue(ctx, invoicedomain.IssueRequest{SubscriptionID: sub.ID.String(), PeriodStart: result.Closed[0].PeriodStart})
		require.NoError(t, err)
	}

	req := invoicedomain.ListInvoiceRequest{CustomerID: "cus_1"}
	req.PageSize = 2
	page, err := f.invoices.List(ctx, req)
	require.NoError(t, err)
	require.Len(t, page.Invoices, 2)
	assert.True(t, page.HasMore)
	assert.Equal(t, april.AddDate(0, 2, 0), page.Invoices[0].PeriodStart, "newest first")

	req.PageToken = page.NextPageToken
	page, err = f.invoices.List(ctx, req)
	require.NoError(t, err)
	require.Len(t, page.Invoices, 1)
	assert.False(t, page.HasMore)
	assert.Equal(t, april, page.Invoices[0].PeriodStart)

	req.PageToken = "%%%"
	_, err = f.invoices.List(ctx, req)
	assert.ErrorIs(t, err, invoicedomain.ErrInvalidPageToken)
}

func TestRenderInvoice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.subscribe(t, subscriptiondomain.CreateSubscriptionRequest{CustomerID: "cus_1", PlanCode: "starter"})
	f.record(t, "cus_1", plandomain.MetricComputingHours, 1)
	f.clock.Set(april.AddDate(0, 1, 0))
	f.closePeriod(t, sub)
	invoice, err := f.invoices.Issue(ctx, invoicedomain.IssueRequest{SubscriptionID: sub.ID.String(), PeriodStart: april})
	require.NoError(t, err)

	html, err := f.invoices.Render(ctx, invoice.ID.String(), invoicedomain.RenderFormatHTML)
	require.NoError(t, err)
	assert.Contains(t, string(html.Body), invoice.Number)
	assert.Contains(t, string(html.Body), "USD 204.00")

	pdf, err := f.invoices.Render(ctx, invoice.ID.String(), invoicedomain.RenderFormatPDF)
	require.NoError(t, err)
	assert.Equal(t, "application/pdf", pdf.ContentType)
	assert.True(t, bytes.HasPrefix(pdf.Body, []byte("%PDF")))

	_, err = f.invoices.Render(ctx, invoice.ID.String(), "docx")
	assert.ErrorIs(t, err, invoicedomain.ErrUnsupportedFormat)
}

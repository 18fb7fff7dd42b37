package service

import (
	"context"
	"errors"
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
	"github.com/smallbiznis/meterbill/internal/lock"
	"github.com/smallbiznis/meterbill/internal/plan"
	plandomain "github.com/smallbiznis/meterbill/internal/plan/domain"
	subscriptiondomain "github.com/smallbiznis/meterbill/internal/subscription/domain"
	subscriptionrepository "github.com/smallbiznis/meterbill/internal/subscription/repository"
	subscriptionservice "github.com/smallbiznis/meterbill/internal/subscription/service"
	usagedomain "github.com/smallbiznis/meterbill/internal/usage/domain"
	"github.com/smallbiznis/meterbill/internal/usage/pending"
	"github.com/smallbiznis/meterbill/internal/usage/repository"
	"github.com/smallbiznis/meterbill/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var april = time.Date(2026, time.April, 1, 0, 0, 0, 0, time.UTC)

type harness struct {
	db            *gorm.DB
	clock         *clock.FakeClock
	subscriptions subscriptiondomain.Service
	usage         *Service
	queue         *pending.Queue
	repo          *flakyRepo
}

// flakyRepo fails the next n record inserts.
type flakyRepo struct {
	usagedomain.Repository
	mu       sync.Mutex
	failures int
}

func (r *flakyRepo) failNext(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = n
}

func (r *flakyRepo) InsertRecord(ctx context.Context, db *gorm.DB, record *usagedomain.UsageRecord) (bool, error) {
	r.mu.Lock()
	if r.failures > 0 {
		r.failures--
		r.mu.Unlock()
		return false, errors.New("connection reset")
	}
	r.mu.Unlock()
	return r.Repository.InsertRecord(ctx, db, record)
}

type observerMock struct {
	mock.Mock
}

func (m *observerMock) UsageRecorded(ctx context.Context, event usagedomain.Event) {
	m.Called(ctx, event)
}

func newHarness(t *testing.T, observers ...usagedomain.Observer) harness {
	t.Helper()
	db := dbtest.Open(t,
		&subscriptiondomain.Subscription{},
		&subscriptiondomain.SubscriptionChange{},
		&billingcycledomain.BillingCycle{},
		&discountdomain.DiscountCode{},
		&discountdomain.DiscountRedemption{},
		&usagedomain.UsageRecord{},
		&usagedomain.UsageCounter{},
	)
	node, err := snowflake.NewNode(2)
	require.NoError(t, err)
	clk := clock.NewFakeClock(april)

	plans, err := plan.Build(plan.DefaultDefinitions())
	require.NoError(t, err)
	catalog, err := plan.NewCatalog(plans)
	require.NoError(t, err)

	discounts := discountservice.NewService(discountservice.ServiceParam{
		DB: db, Log: zap.NewNop(), GenID: node, Clock: clk, Repo: discountrepository.Provide(),
	})
	subscriptions := subscriptionservice.NewService(subscriptionservice.ServiceParam{
		DB:        db,
		Log:       zap.NewNop(),
		GenID:     node,
		Clock:     clk,
		Repo:      subscriptionrepository.Provide(),
		CycleRepo: billingcyclerepository.Provide(),
		Catalog:   catalog,
		Discounts: discounts,
		Guards:    lock.NewKeyedRWMutex(),
	})

	repo := &flakyRepo{Repository: repository.Provide()}
	queue := pending.NewQueue(pending.DefaultConfig())
	usage := NewService(ServiceParam{
		DB:            db,
		Log:           zap.NewNop(),
		GenID:         node,
		Clock:         clk,
		Repo:          repo,
		Subscriptions: subscriptions,
		Catalog:       catalog,
		Policy:        config.NewStaticPolicyHolder(config.DefaultPolicy()),
		Pending:       queue,
		Observers:     observers,
	}).(*Service)

	return harness{db: db, clock: clk, subscriptions: subscriptions, usage: usage, queue: queue, repo: repo}
}

func (h harness) subscribe(t *testing.T, customerID, planCode string) subscriptiondomain.Subscription {
	t.Helper()
	noTrial := 0
	sub, err := h.subscriptions.Create(context.Background(), subscriptiondomain.CreateSubscriptionRequest{
		CustomerID: customerID, PlanCode: planCode, TrialDays: &noTrial,
	})
	require.NoError(t, err)
	return sub
}

func qty(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func noop(context.Context) error { return nil }

func TestRecordUsageAccumulatesAndDeduplicates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.subscribe(t, "cus_1", "starter")

	counter, err := h.usage.RecordUsage(ctx, usagedomain.RecordRequest{
		CustomerID: "cus_1", Metric: plandomain.MetricAPIRequests, Quantity: qty(40), IdempotencyKey: "req-1",
	})
	require.NoError(t, err)
	assert.Equal(t, sub.ID, counter.SubscriptionID)
	assert.Equal(t, sub.CurrentPeriodStart, counter.PeriodStart)
	assert.True(t, counter.Total.Equal(qty(40)))

	// a retried request does not count twice
	counter, err = h.usage.RecordUsage(ctx, usagedomain.RecordRequest{
		CustomerID: "cus_1", Metric: plandomain.MetricAPIRequests, Quantity: qty(40), IdempotencyKey: "req-1",
	})
	require.NoError(t, err)
	assert.True(t, counter.Total.Equal(qty(40)))

	_, err = h.usage.RecordUsage(ctx, usagedomain.RecordRequest{
		CustomerID: "cus_1", Metric: plandomain.MetricAPIRequests, Quantity: qty(7), IdempotencyKey: "req-1",
	})
	assert.ErrorIs(t, err, usagedomain.ErrDuplicateUsage)

	counter, err = h.usage.RecordUsage(ctx, usagedomain.RecordRequest{
		CustomerID: "cus_1", Metric: plandomain.MetricAPIRequests, Quantity: qty(2),
	})
	require.NoError(t, err)
	assert.True(t, counter.Total.Equal(qty(42)))

	_, err = h.usage.RecordUsage(ctx, usagedomain.RecordRequest{
		CustomerID: "cus_1", Metric: "tokens", Quantity: qty(1),
	})
	assert.ErrorIs(t, err, usagedomain.ErrInvalidMetric)

	_, err = h.usage.RecordUsage(ctx, usagedomain.RecordRequest{
		CustomerID: "cus_1", Metric: plandomain.MetricAPIRequests, Quantity: qty(-1),
	})
	assert.ErrorIs(t, err, usagedomain.ErrInvalidQuantity)
}

func TestCheckLimit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.subscribe(t, "cus_1", "starter")
	h.subscribe(t, "cus_2", "sovereign")

	_, err := h.usage.RecordUsage(ctx, usagedomain.RecordRequest{
		CustomerID: "cus_1", Metric: plandomain.MetricAPIRequests, Quantity: qty(7500),
	})
	require.NoError(t, err)

	check, err := h.usage.CheckLimit(ctx, usagedomain.CheckRequest{
		CustomerID: "cus_1", Metric: plandomain.MetricAPIRequests, Requested: qty(1000),
	})
	require.NoError(t, err)
	assert.True(t, check.Allowed)
	assert.Equal(t, "75", check.UsagePercentage.String())
	assert.Equal(t, "10000", check.Limit.String())
	require.NotNil(t, check.Warning)
	assert.Equal(t, usagedomain.WarningLevelWarning, check.Warning.Level)

	check, err = h.usage.CheckLimit(ctx, usagedomain.CheckRequest{
		CustomerID: "cus_1", Metric: plandomain.MetricAPIRequests, Requested: qty(2501),
	})
	require.NoError(t, err)
	assert.False(t, check.Allowed)
	require.NotNil(t, check.Warning)
	assert.Equal(t, usagedomain.WarningLevelCritical, check.Warning.Level)

	check, err = h.usage.CheckLimit(ctx, usagedomain.CheckRequest{
		CustomerID: "cus_1", Metric: plandomain.MetricAPIRequests, Requested: qty(2500),
	})
	require.NoError(t, err)
	assert.True(t, check.Allowed, "reaching the cap exactly is allowed")

	// overage-billed metrics are never denied
	check, err = h.usage.CheckLimit(ctx, usagedomain.CheckRequest{
		CustomerID: "cus_1", Metric: plandomain.MetricChainDeployments, Requested: qty(1000),
	})
	require.NoError(t, err)
	assert.True(t, check.Allowed)

	check, err = h.usage.CheckLimit(ctx, usagedomain.CheckRequest{
		CustomerID: "cus_2", Metric: plandomain.MetricChains, Requested: qty(1_000_000),
	})
	require.NoError(t, err)
	assert.True(t, check.Allowed)
	assert.Nil(t, check.Warning)
	assert.Equal(t, "-1", check.Limit.String())

	_, err = h.usage.CheckLimit(ctx, usagedomain.CheckRequest{
		CustomerID: "cus_404", Metric: plandomain.MetricChains, Requested: qty(1),
	})
	assert.ErrorIs(t, err, subscriptiondomain.ErrSubscriptionNotFound)
}

func TestGateRejectsOverLimitWithoutRunningOperation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.subscribe(t, "cus_1", "starter")

	result, err := h.usage.Gate(ctx, usagedomain.GateRequest{
		CustomerID: "cus_1", Metric: plandomain.MetricChains, Quantity: qty(1),
	}, noop)
	require.NoError(t, err)
	require.NotNil(t, result.Counter)
	assert.True(t, result.Counter.Total.Equal(qty(1)))

	ran := false
	_, err = h.usage.Gate(ctx, usagedomain.GateRequest{
		CustomerID: "cus_1", Metric: plandomain.MetricChains, Quantity: qty(1),
	}, func(context.Context) error {
		ran = true
		return nil
	})
	require.ErrorIs(t, err, usagedomain.ErrLimitExceeded)
	assert.False(t, ran)

	var exceeded *usagedomain.LimitExceededError
	require.True(t, errors.As(err, &exceeded))
	assert.Equal(t, plandomain.MetricChains, exceeded.Metric)
	assert.True(t, exceeded.Limit.Equal(qty(1)))
}

func TestGateDoesNotRecordFailedOperation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.subscribe(t, "cus_1", "starter")

	boom := errors.New("deploy failed")
	_, err := h.usage.Gate(ctx, usagedomain.GateRequest{
		CustomerID: "cus_1", Metric: plandomain.MetricChainDeployments, Quantity: qty(1),
	}, func(context.Context) error { return boom })
	require.ErrorIs(t, err, boom)

	totals, err := h.usage.Totals(ctx, h.db, sub.ID, sub.CurrentPeriodStart)
	require.NoError(t, err)
	assert.Empty(t, totals)
}

func TestGateBoundsOvershootUnderConcurrency(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.subscribe(t, "cus_1", "professional")

	const workers = 12
	limit := qty(5)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.usage.Gate(ctx, usagedomain.GateRequest{
				CustomerID: "cus_1", Metric: plandomain.MetricChains, Quantity: qty(1),
			}, noop)
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, usagedomain.ErrLimitExceeded)
		}()
	}
	wg.Wait()

	totals, err := h.usage.Totals(ctx, h.db, sub.ID, sub.CurrentPeriodStart)
	require.NoError(t, err)
	total := totals[plandomain.MetricChains]
	assert.True(t, total.Equal(qty(int64(succeeded))), "every admitted operation is recorded")
	assert.True(t, total.GreaterThanOrEqual(limit))
	assert.True(t, total.LessThanOrEqual(limit.Add(qty(workers-1))), "overshoot bounded by concurrent checks")
}

func TestGateQueuesUsageWhenWriteFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.subscribe(t, "cus_1", "starter")

	h.repo.failNext(1)
	result, err := h.usage.Gate(ctx, usagedomain.GateRequest{
		CustomerID: "cus_1", Metric: plandomain.MetricChainDeployments, Quantity: qty(3),
	}, noop)
	require.NoError(t, err)
	assert.True(t, result.Pending)
	assert.Equal(t, 1, h.queue.Len())

	worker := pending.NewWorker(pending.Params{
		Log: zap.NewNop(), Clock: h.clock, Queue: h.queue, Usage: h.usage,
	})
	assert.Equal(t, 1, worker.RunOnce(ctx))
	assert.Equal(t, 0, h.queue.Len())

	totals, err := h.usage.Totals(ctx, h.db, sub.ID, sub.CurrentPeriodStart)
	require.NoError(t, err)
	assert.True(t, totals[plandomain.MetricChainDeployments].Equal(qty(3)))
}

func TestGateAfterCancellation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.subscribe(t, "cus_1", "starter")

	_, err := h.subscriptions.Cancel(ctx, subscriptiondomain.CancelRequest{SubscriptionID: sub.ID.String()})
	require.NoError(t, err)

	_, err = h.usage.Gate(ctx, usagedomain.GateRequest{
		CustomerID: "cus_1", Metric: plandomain.MetricChains, Quantity: qty(1),
	}, noop)
	assert.ErrorIs(t, err, subscriptiondomain.ErrSubscriptionNotFound)

	_, err = h.usage.RecordUsage(ctx, usagedomain.RecordRequest{
		CustomerID: "cus_1", Metric: plandomain.MetricChains, Quantity: qty(1),
	})
	assert.ErrorIs(t, err, subscriptiondomain.ErrSubscriptionCancelled)
}

func TestUsagePastPeriodEndLandsInNextPeriod(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.subscribe(t, "cus_1", "starter")

	h.clock.Set(sub.CurrentPeriodEnd.Add(time.Hour))
	counter, err := h.usage.RecordUsage(ctx, usagedomain.RecordRequest{
		CustomerID: "cus_1", Metric: plandomain.MetricStorageGB, Quantity: qty(2),
	})
	require.NoError(t, err)
	assert.Equal(t, sub.CurrentPeriodEnd, counter.PeriodStart)
	assert.Equal(t, time.Date(2026, time.June, 1, 0, 0, 0, 0, time.UTC), counter.PeriodEnd)
}

func TestCorrectionIsCompensatingRecord(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.subscribe(t, "cus_1", "starter")

	_, err := h.usage.RecordUsage(ctx, usagedomain.RecordRequest{
		CustomerID: "cus_1", Metric: plandomain.MetricBandwidthGB, Quantity: qty(120),
	})
	require.NoError(t, err)

	counter, err := h.usage.Correct(ctx, usagedomain.CorrectionRequest{
		CustomerID: "cus_1", Metric: plandomain.MetricBandwidthGB, Quantity: qty(-20), Reason: "double-counted health check traffic",
	})
	require.NoError(t, err)
	assert.True(t, counter.Total.Equal(qty(100)))

	_, err = h.usage.Correct(ctx, usagedomain.CorrectionRequest{
		CustomerID: "cus_1", Metric: plandomain.MetricBandwidthGB, Quantity: qty(-101), Reason: "too much",
	})
	assert.ErrorIs(t, err, usagedomain.ErrNegativeTotal)

	_, err = h.usage.Correct(ctx, usagedomain.CorrectionRequest{
		CustomerID: "cus_1", Metric: plandomain.MetricBandwidthGB, Quantity: qty(-1),
	})
	assert.ErrorIs(t, err, usagedomain.ErrInvalidQuantity)

	var records int64
	require.NoError(t, h.db.Model(&usagedomain.UsageRecord{}).Count(&records).Error)
	assert.EqualValues(t, 2, records)
}

func TestSummaryAndRebuild(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.subscribe(t, "cus_1", "starter")

	_, err := h.usage.RecordUsage(ctx, usagedomain.RecordRequest{
		CustomerID: "cus_1", Metric: plandomain.MetricAPIRequests, Quantity: qty(2500),
	})
	require.NoError(t, err)

	summary, err := h.usage.Summary(ctx, "cus_1")
	require.NoError(t, err)
	assert.Equal(t, "starter", summary.PlanCode)
	assert.Len(t, summary.Metrics, 6)
	for _, m := range summary.Metrics {
		if m.Metric == plandomain.MetricAPIRequests {
			assert.Equal(t, "25", m.Percentage.String())
		}
	}

	// drift the cache, then rebuild from the ledger
	require.NoError(t, h.repo.ReplaceTotal(ctx, h.db, usagedomain.UsageCounter{
		SubscriptionID: sub.ID,
		Metric:         plandomain.MetricAPIRequests,
		PeriodStart:    sub.CurrentPeriodStart,
		PeriodEnd:      sub.CurrentPeriodEnd,
		CustomerID:     "cus_1",
		Total:          qty(1),
		UpdatedAt:      april,
	}))
	require.NoError(t, h.usage.Rebuild(ctx, sub.ID, sub.CurrentPeriodStart))

	totals, err := h.usage.Totals(ctx, h.db, sub.ID, sub.CurrentPeriodStart)
	require.NoError(t, err)
	assert.True(t, totals[plandomain.MetricAPIRequests].Equal(qty(2500)))
}

func TestClosedCountersRejectWrites(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.subscribe(t, "cus_1", "starter")

	_, err := h.usage.RecordUsage(ctx, usagedomain.RecordRequest{
		CustomerID: "cus_1", Metric: plandomain.MetricStorageGB, Quantity: qty(1),
	})
	require.NoError(t, err)
	require.NoError(t, h.usage.CloseCounters(ctx, h.db, sub.ID, sub.CurrentPeriodStart))

	_, err = h.usage.RecordUsage(ctx, usagedomain.RecordRequest{
		CustomerID: "cus_1", Metric: plandomain.MetricStorageGB, Quantity: qty(1),
	})
	assert.ErrorIs(t, err, usagedomain.ErrPeriodClosed)
}

func TestObserversSeeCommittedUsage(t *testing.T) {
	observer := &observerMock{}
	h := newHarness(t, observer)
	ctx := context.Background()
	h.subscribe(t, "cus_1", "starter")

	observer.On("UsageRecorded", mock.Anything, mock.MatchedBy(func(event usagedomain.Event) bool {
		return event.Record.Metric == plandomain.MetricAPIRequests &&
			event.Counter.Total.Equal(qty(9)) &&
			event.Plan.Code == "starter"
	})).Once()

	_, err := h.usage.RecordUsage(ctx, usagedomain.RecordRequest{
		CustomerID: "cus_1", Metric: plandomain.MetricAPIRequests, Quantity: qty(9),
	})
	require.NoError(t, err)
	observer.AssertExpectations(t)
}

func TestReplayedKeyNotifiesObserversOnce(t *testing.T) {
	observer := &observerMock{}
	h := newHarness(t, observer)
	ctx := context.Background()
	h.subscribe(t, "cus_1", "starter")

	observer.On("UsageRecorded", mock.Anything, mock.Anything).Return()

	for i := 0; i < 2; i++ {
		counter, err := h.usage.RecordUsage(ctx, usagedomain.RecordRequest{
			CustomerID: "cus_1", Metric: plandomain.MetricAPIRequests, Quantity: qty(5), IdempotencyKey: "req-replayed",
		})
		require.NoError(t, err)
		assert.True(t, counter.Total.Equal(qty(5)))
	}
	observer.AssertNumberOfCalls(t, "UsageRecorded", 1)

	for i := 0; i < 2; i++ {
		counter, err := h.usage.Correct(ctx, usagedomain.CorrectionRequest{
			CustomerID: "cus_1", Metric: plandomain.MetricAPIRequests, Quantity: qty(-2),
			Reason: "retried client", IdempotencyKey: "fix-replayed",
		})
		require.NoError(t, err)
		assert.True(t, counter.Total.Equal(qty(3)))
	}
	observer.AssertNumberOfCalls(t, "UsageRecorded", 2)

	ran := 0
	for i := 0; i < 2; i++ {
		result, err := h.usage.Gate(ctx, usagedomain.GateRequest{
			CustomerID: "cus_1", Metric: plandomain.MetricAPIRequests, Quantity: qty(1), IdempotencyKey: "gate-replayed",
		}, func(context.Context) error {
			ran++
			return nil
		})
		require.NoError(t, err)
		require.NotNil(t, result.Counter)
		assert.True(t, result.Counter.Total.Equal(qty(4)))
	}
	assert.Equal(t, 2, ran)
	observer.AssertNumberOfCalls(t, "UsageRecorded", 3)
}

func TestCorrectionSeesCancellationFromAnotherReplica(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.subscribe(t, "cus_1", "starter")

	// warm the subscription cache
	_, err := h.usage.CheckLimit(ctx, usagedomain.CheckRequest{
		CustomerID: "cus_1", Metric: plandomain.MetricBandwidthGB, Requested: qty(1),
	})
	require.NoError(t, err)

	require.NoError(t, h.db.Model(&subscriptiondomain.Subscription{}).
		Where("id = ?", int64(sub.ID)).
		Update("status", subscriptiondomain.SubscriptionStatusCancelled).Error)

	_, err = h.usage.Correct(ctx, usagedomain.CorrectionRequest{
		CustomerID: "cus_1", Metric: plandomain.MetricBandwidthGB, Quantity: qty(-1), Reason: "late refund",
	})
	assert.ErrorIs(t, err, subscriptiondomain.ErrSubscriptionCancelled)
}

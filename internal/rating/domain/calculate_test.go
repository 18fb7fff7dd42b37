package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	billingcycledomain "github.com/smallbiznis/meterbill/internal/billingcycle/domain"
	discountdomain "github.com/smallbiznis/meterbill/internal/discount/domain"
	plandomain "github.com/smallbiznis/meterbill/internal/plan/domain"
	subscriptiondomain "github.com/smallbiznis/meterbill/internal/subscription/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

var (
	may  = time.Date(2026, time.May, 1, 0, 0, 0, 0, time.UTC)
	june = time.Date(2026, time.June, 1, 0, 0, 0, 0, time.UTC)
)

func testPlan(monthly string) plandomain.Plan {
	return plandomain.Plan{
		Code:         "growth",
		Version:      1,
		Name:         "Growth",
		Tier:         2,
		MonthlyPrice: d(monthly),
		YearlyPrice:  d(monthly).Mul(decimal.NewFromInt(10)),
		Currency:     "USD",
		Active:       true,
		Limits: map[plandomain.Metric]plandomain.MetricLimit{
			plandomain.MetricChainDeployments: {Metric: plandomain.MetricChainDeployments, Kind: plandomain.LimitOverageBilled, Included: d("100"), UnitPrice: d("10")},
			plandomain.MetricComputingHours:   {Metric: plandomain.MetricComputingHours, Kind: plandomain.LimitMetered, UnitPrice: d("5")},
			plandomain.MetricAPIRequests:      {Metric: plandomain.MetricAPIRequests, Kind: plandomain.LimitHardCapped, Included: d("10000")},
		},
	}
}

func regularCycle() billingcycledomain.BillingCycle {
	return billingcycledomain.BillingCycle{
		ID:              11,
		SubscriptionID:  7,
		CustomerID:      "cus_1",
		Kind:            billingcycledomain.BillingCycleKindRegular,
		PeriodStart:     may,
		PeriodEnd:       june,
		CycleStart:      may,
		CycleEnd:        june,
		BasePlanCode:    "growth",
		BasePlanVersion: 1,
		BaseCycle:       plandomain.CycleMonthly,
		PlanCode:        "growth",
		PlanVersion:     1,
		Status:          billingcycledomain.BillingCycleStatusClosed,
	}
}

func TestPercentageDiscountOnFullPeriod(t *testing.T) {
	plan := testPlan("1200")
	est, err := Calculate(Input{
		Cycle:    regularCycle(),
		BasePlan: plan,
		Plan:     plan,
		Discount: &discountdomain.DiscountCode{Code: "SAVE20", Kind: discountdomain.KindPercentage, Value: d("20")},
		TaxRate:  decimal.Zero,
	})
	require.NoError(t, err)

	assert.Equal(t, "1200.00", est.Base.StringFixed(2))
	assert.Equal(t, "240.00", est.Discount.StringFixed(2))
	assert.Equal(t, "960.00", est.Total.StringFixed(2))
	assert.Equal(t, "SAVE20", est.DiscountCode)
	require.Len(t, est.Lines, 2)
	assert.Equal(t, LineKindDiscount, est.Lines[1].Kind)
	assert.Equal(t, "-240.00", est.Lines[1].Amount.StringFixed(2))
}

func TestUsageOverageProrationAndTax(t *testing.T) {
	plan := testPlan("999")
	cycle := regularCycle()
	est, err := Calculate(Input{
		Cycle:    cycle,
		BasePlan: plan,
		Plan:     plan,
		Usage: map[plandomain.Metric]decimal.Decimal{
			plandomain.MetricChainDeployments: d("130"),
			plandomain.MetricComputingHours:   d("12.5"),
			plandomain.MetricAPIRequests:      d("9000"),
		},
		Changes: []subscriptiondomain.SubscriptionChange{
			{Kind: subscriptiondomain.ChangeKindPlan, OldPlanCode: "starter", NewPlanCode: "growth", Direction: subscriptiondomain.DirectionUpgrade, Net: d("400.004")},
		},
		TaxRate: d("0.1"),
	})
	require.NoError(t, err)

	assert.Equal(t, "999.00", est.Base.StringFixed(2))
	assert.Equal(t, "62.50", est.Usage.StringFixed(2))
	assert.Equal(t, "300.00", est.Overage.StringFixed(2))
	assert.Equal(t, "400.00", est.Proration.StringFixed(2))
	assert.Equal(t, "1761.50", est.Subtotal.StringFixed(2))
	assert.Equal(t, "176.15", est.Tax.StringFixed(2))
	assert.Equal(t, "1937.65", est.Total.StringFixed(2))

	kinds := make([]LineKind, 0, len(est.Lines))
	for _, line := range est.Lines {
		kinds = append(kinds, line.Kind)
	}
	assert.Equal(t, []LineKind{LineKindBase, LineKindOverage, LineKindUsage, LineKindProration, LineKindTax}, kinds)
}

func TestPartialFirstPeriodIsProrated(t *testing.T) {
	plan := testPlan("300")
	cycle := regularCycle()
	cycle.PeriodStart = may.Add(21 * 24 * time.Hour)

	est, err := Calculate(Input{Cycle: cycle, BasePlan: plan, Plan: plan})
	require.NoError(t, err)
	// 10 of May's 31 days
	assert.Equal(t, "96.77", est.Base.StringFixed(2))
}

func TestCreditsFloorTotalAtZero(t *testing.T) {
	plan := testPlan("100")
	est, err := Calculate(Input{
		Cycle:    regularCycle(),
		BasePlan: plan,
		Plan:     plan,
		Changes: []subscriptiondomain.SubscriptionChange{
			{Kind: subscriptiondomain.ChangeKindCancellation, OldPlanCode: "growth", Net: d("-250")},
		},
		Discount: &discountdomain.DiscountCode{Code: "FLAT50", Kind: discountdomain.KindFixedAmount, Value: d("50")},
		TaxRate:  d("0.2"),
	})
	require.NoError(t, err)
	assert.Equal(t, "-150.00", est.Subtotal.StringFixed(2))
	assert.True(t, est.Discount.IsZero(), "no discount on a credit")
	assert.True(t, est.Tax.IsZero())
	assert.True(t, est.Total.IsZero())
}

func TestTrialPeriodBillsOnlyUsage(t *testing.T) {
	plan := testPlan("999")
	cycle := regularCycle()
	cycle.Kind = billingcycledomain.BillingCycleKindTrial

	est, err := Calculate(Input{Cycle: cycle, BasePlan: plan, Plan: plan})
	require.NoError(t, err)
	assert.True(t, est.Base.IsZero())
	assert.False(t, est.Billable())

	est, err = Calculate(Input{Cycle: cycle, BasePlan: plan, Plan: plan, Usage: map[plandomain.Metric]decimal.Decimal{
		plandomain.MetricComputingHours: d("2"),
	}})
	require.NoError(t, err)
	assert.True(t, est.Billable())
	assert.Equal(t, "10.00", est.Total.StringFixed(2))
}

func TestCalculateIsPure(t *testing.T) {
	plan := testPlan("999")
	usage := map[plandomain.Metric]decimal.Decimal{plandomain.MetricChainDeployments: d("150")}
	in := Input{Cycle: regularCycle(), BasePlan: plan, Plan: plan, Usage: usage, TaxRate: d("0.11")}

	first, err := Calculate(in)
	require.NoError(t, err)
	second, err := Calculate(in)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Len(t, usage, 1)
	assert.Equal(t, "150", usage[plandomain.MetricChainDeployments].String())
}

func TestCalculateRejectsMixedCurrencies(t *testing.T) {
	base := testPlan("10")
	current := testPlan("20")
	current.Currency = "EUR"
	_, err := Calculate(Input{Cycle: regularCycle(), BasePlan: base, Plan: current})
	assert.ErrorIs(t, err, ErrCurrencyMismatch)
}

package domain

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	billingcycledomain "github.com/smallbiznis/meterbill/internal/billingcycle/domain"
	discountdomain "github.com/smallbiznis/meterbill/internal/discount/domain"
	plandomain "github.com/smallbiznis/meterbill/internal/plan/domain"
	subscriptiondomain "github.com/smallbiznis/meterbill/internal/subscription/domain"
	"github.com/smallbiznis/meterbill/pkg/money"
)

// Input is everything Calculate reads. Calculate never touches storage or the clock.
type Input struct {
	Cycle    billingcycledomain.BillingCycle
	BasePlan plandomain.Plan
	// Plan prices usage: the plan in effect when the period ends.
	Plan     plandomain.Plan
	Usage    map[plandomain.Metric]decimal.Decimal
	Changes  []subscriptiondomain.SubscriptionChange
	Discount *discountdomain.DiscountCode
	TaxRate  decimal.Decimal
}

// Calculate prices one period.
//
//	subtotal = base + usage + overage + proration
//	discount = percentage of (base + usage + overage), or a flat amount, never above subtotal
//	tax      = (subtotal - discount) * rate, on a non-negative base
//	total    = subtotal - discount + tax
func Calculate(in Input) (Estimate, error) {
	if in.BasePlan.Currency != in.Plan.Currency {
		return Estimate{}, fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, in.BasePlan.Currency, in.Plan.Currency)
	}
	if in.TaxRate.IsNegative() {
		return Estimate{}, ErrInvalidTaxRate
	}
	cycle := in.Cycle

	est := Estimate{
		SubscriptionID: cycle.SubscriptionID,
		CustomerID:     cycle.CustomerID,
		BillingCycleID: cycle.ID,
		PlanCode:       in.Plan.Code,
		PlanVersion:    in.Plan.Version,
		Currency:       in.Plan.Currency,
		PeriodStart:    cycle.PeriodStart,
		PeriodEnd:      cycle.PeriodEnd,
		Trial:          cycle.Kind == billingcycledomain.BillingCycleKindTrial,
		TaxRate:        in.TaxRate,
		Base:           decimal.Zero,
		Usage:          decimal.Zero,
		Overage:        decimal.Zero,
		Proration:      decimal.Zero,
		Discount:       decimal.Zero,
		Tax:            decimal.Zero,
	}

	if !est.Trial {
		price := in.BasePlan.Price(cycle.BaseCycle)
		est.Base = money.Round(cycle.BaseAmount(price))
		est.Lines = append(est.Lines, Line{
			Kind:        LineKindBase,
			Description: fmt.Sprintf("%s plan (%s), %s to %s", in.BasePlan.Name, cycle.BaseCycle, cycle.PeriodStart.Format("2006-01-02"), cycle.PeriodEnd.Format("2006-01-02")),
			Quantity:    decimal.NewFromInt(1),
			UnitPrice:   price,
			Amount:      est.Base,
		})
	}

	for _, metric := range sortedMetrics(in.Usage) {
		consumed := in.Usage[metric]
		limit, ok := in.Plan.Limit(metric)
		if !ok || !consumed.IsPositive() {
			continue
		}
		switch limit.Kind {
		case plandomain.LimitMetered:
			amount := money.Round(consumed.Mul(limit.UnitPrice))
			est.Usage = est.Usage.Add(amount)
			est.Lines = append(est.Lines, Line{
				Kind:        LineKindUsage,
				Metric:      metric,
				Description: fmt.Sprintf("%s usage", metric),
				Quantity:    consumed,
				UnitPrice:   limit.UnitPrice,
				Amount:      amount,
			})
		case plandomain.LimitOverageBilled:
			excess := consumed.Sub(limit.Included)
			if !excess.IsPositive() {
				continue
			}
			amount := money.Round(excess.Mul(limit.UnitPrice))
			est.Overage = est.Overage.Add(amount)
			est.Lines = append(est.Lines, Line{
				Kind:        LineKindOverage,
				Metric:      metric,
				Description: fmt.Sprintf("%s above %s included", metric, limit.Included),
				Quantity:    excess,
				UnitPrice:   limit.UnitPrice,
				Amount:      amount,
			})
		}
	}

	for _, change := range in.Changes {
		amount := money.Round(change.Net)
		if amount.IsZero() {
			continue
		}
		est.Proration = est.Proration.Add(amount)
		est.Lines = append(est.Lines, Line{
			Kind:        LineKindProration,
			Description: prorationLabel(change),
			Quantity:    decimal.NewFromInt(1),
			UnitPrice:   amount,
			Amount:      amount,
		})
	}

	gross := est.Base.Add(est.Usage).Add(est.Overage)
	est.Subtotal = gross.Add(est.Proration)

	if in.Discount != nil {
		ceiling := money.FloorZero(est.Subtotal)
		var amount decimal.Decimal
		switch in.Discount.Kind {
		case discountdomain.KindPercentage:
			amount = in.Discount.Amount(gross)
		default:
			amount = in.Discount.Amount(ceiling)
		}
		amount = money.Round(decimal.Min(amount, ceiling))
		if amount.IsPositive() {
			est.Discount = amount
			est.DiscountCode = in.Discount.Code
			est.Lines = append(est.Lines, Line{
				Kind:        LineKindDiscount,
				Description: fmt.Sprintf("Discount %s", in.Discount.Code),
				Quantity:    decimal.NewFromInt(1),
				UnitPrice:   amount.Neg(),
				Amount:      amount.Neg(),
			})
		}
	}

	est.Taxable = money.FloorZero(est.Subtotal.Sub(est.Discount))
	est.Tax = money.Round(est.Taxable.Mul(in.TaxRate))
	if est.Tax.IsPositive() {
		est.Lines = append(est.Lines, Line{
			Kind:        LineKindTax,
			Description: fmt.Sprintf("Tax %s%%", in.TaxRate.Mul(decimal.NewFromInt(100)).String()),
			Quantity:    est.Taxable,
			UnitPrice:   in.TaxRate,
			Amount:      est.Tax,
		})
	}
	est.Total = est.Taxable.Add(est.Tax)
	return est, nil
}

func prorationLabel(change subscriptiondomain.SubscriptionChange) string {
	switch change.Kind {
	case subscriptiondomain.ChangeKindCancellation:
		return fmt.Sprintf("Unused %s time after cancellation", change.OldPlanCode)
	case subscriptiondomain.ChangeKindCycle:
		return fmt.Sprintf("Unused %s %s time after switching to %s", change.OldPlanCode, change.OldCycle, change.NewCycle)
	}
	return fmt.Sprintf("Proration %s to %s (%s)", change.OldPlanCode, change.NewPlanCode, change.Direction)
}

func sortedMetrics(usage map[plandomain.Metric]decimal.Decimal) []plandomain.Metric {
	metrics := make([]plandomain.Metric, 0, len(usage))
	for metric := range usage {
		metrics = append(metrics, metric)
	}
	sort.Slice(metrics, func(i, j int) bool { return metrics[i] < metrics[j] })
	return metrics
}

package service

import (
	"strings"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/meterbill/internal/config"
	taxdomain "github.com/smallbiznis/meterbill/internal/tax/domain"
	"github.com/smallbiznis/meterbill/pkg/money"
	"go.uber.org/fx"
)

type resolverParam struct {
	fx.In

	Policy *config.PolicyHolder
}

type resolver struct {
	policy *config.PolicyHolder
}

func NewResolver(p resolverParam) taxdomain.TaxResolver {
	return &resolver{policy: p.Policy}
}

func (r *resolver) Resolve(jurisdiction string) taxdomain.Rate {
	jurisdiction = strings.ToUpper(strings.TrimSpace(jurisdiction))
	return taxdomain.Rate{
		Jurisdiction: jurisdiction,
		Rate:         r.policy.Get().TaxRate(jurisdiction),
		Mode:         taxdomain.TaxModeExclusive,
	}
}

// ComputeTaxExclusive calculates tax added on top of subtotal, rounded to minor units.
func ComputeTaxExclusive(subtotal, rate decimal.Decimal) decimal.Decimal {
	if !subtotal.IsPositive() || !rate.IsPositive() {
		return decimal.Zero
	}
	return money.Round(subtotal.Mul(rate))
}

// ComputeTaxInclusive calculates the tax portion already included in subtotal.
func ComputeTaxInclusive(subtotal, rate decimal.Decimal) decimal.Decimal {
	if !subtotal.IsPositive() || !rate.IsPositive() {
		return decimal.Zero
	}
	return money.Round(subtotal.Mul(rate).Div(rate.Add(decimal.NewFromInt(1))))
}

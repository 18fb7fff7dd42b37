package plan

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gosimple/slug"
	"github.com/shopspring/decimal"
	plandomain "github.com/smallbiznis/meterbill/internal/plan/domain"
)

// Definition is the on-disk shape of one plan version in plans.yml.
type Definition struct {
	Code         string                     `mapstructure:"code" validate:"required"`
	Version      int                        `mapstructure:"version" validate:"gte=1"`
	Name         string                     `mapstructure:"name" validate:"required"`
	Tier         int                        `mapstructure:"tier" validate:"gte=1"`
	MonthlyPrice string                     `mapstructure:"monthly_price" validate:"required,numeric"`
	YearlyPrice  string                     `mapstructure:"yearly_price" validate:"required,numeric"`
	Currency     string                     `mapstructure:"currency" validate:"required,len=3,alpha"`
	TrialDays    int                        `mapstructure:"trial_days" validate:"gte=0,lte=365"`
	Active       *bool                      `mapstructure:"active"`
	Limits       map[string]LimitDefinition `mapstructure:"limits" validate:"required,min=1,dive"`
}

// LimitDefinition configures one metric. An included value of -1 with no kind means unlimited.
type LimitDefinition struct {
	Kind      string `mapstructure:"kind" validate:"omitempty,oneof=hard_capped overage_billed unlimited metered"`
	Included  string `mapstructure:"included" validate:"omitempty,numeric"`
	UnitPrice string `mapstructure:"unit_price" validate:"omitempty,numeric"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Build validates definitions and converts them into typed plans.
func Build(defs []Definition) ([]plandomain.Plan, error) {
	plans := make([]plandomain.Plan, 0, len(defs))
	var errs []error
	for _, def := range defs {
		p, err := def.build()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		plans = append(plans, p)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return plans, nil
}

func (d Definition) build() (plandomain.Plan, error) {
	code := NormalizeCode(d.Code)
	if err := validate.Struct(d); err != nil {
		return plandomain.Plan{}, fmt.Errorf("%w: plan %q: %v", plandomain.ErrInvalidDefinition, code, err)
	}

	monthly := decimal.RequireFromString(d.MonthlyPrice)
	yearly := decimal.RequireFromString(d.YearlyPrice)
	if monthly.IsNegative() || yearly.IsNegative() {
		return plandomain.Plan{}, fmt.Errorf("%w: plan %q: negative price", plandomain.ErrInvalidDefinition, code)
	}

	limits := make(map[plandomain.Metric]plandomain.MetricLimit, len(d.Limits))
	for name, ld := range d.Limits {
		metric := plandomain.Metric(strings.ToLower(strings.TrimSpace(name)))
		if !metric.Valid() {
			return plandomain.Plan{}, fmt.Errorf("%w: plan %q: %w %q", plandomain.ErrInvalidDefinition, code, plandomain.ErrUnknownMetric, name)
		}
		limit, err := ld.build(metric)
		if err != nil {
			return plandomain.Plan{}, fmt.Errorf("%w: plan %q metric %q: %v", plandomain.ErrInvalidDefinition, code, metric, err)
		}
		limits[metric] = limit
	}

	active := true
	if d.Active != nil {
		active = *d.Active
	}

	return plandomain.Plan{
		Code:         code,
		Version:      d.Version,
		Name:         strings.TrimSpace(d.Name),
		Tier:         d.Tier,
		MonthlyPrice: monthly,
		YearlyPrice:  yearly,
		Currency:     strings.ToUpper(d.Currency),
		TrialDays:    d.TrialDays,
		Active:       active,
		Limits:       limits,
	}, nil
}

func (d LimitDefinition) build(metric plandomain.Metric) (plandomain.MetricLimit, error) {
	included := decimal.Zero
	if d.Included != "" {
		included = decimal.RequireFromString(d.Included)
	}
	unitPrice := decimal.Zero
	if d.UnitPrice != "" {
		unitPrice = decimal.RequireFromString(d.UnitPrice)
	}

	kind := plandomain.LimitKind(d.Kind)
	if kind == "" {
		switch {
		case included.Equal(decimal.NewFromInt(-1)):
			kind = plandomain.LimitUnlimited
		case unitPrice.IsPositive():
			kind = plandomain.LimitOverageBilled
		default:
			kind = plandomain.LimitHardCapped
		}
	}

	switch kind {
	case plandomain.LimitUnlimited:
		included, unitPrice = decimal.Zero, decimal.Zero
	case plandomain.LimitHardCapped:
		if included.IsNegative() {
			return plandomain.MetricLimit{}, errors.New("hard cap must be >= 0")
		}
		unitPrice = decimal.Zero
	case plandomain.LimitOverageBilled:
		if included.IsNegative() || !unitPrice.IsPositive() {
			return plandomain.MetricLimit{}, errors.New("overage billing needs included >= 0 and unit_price > 0")
		}
	case plandomain.LimitMetered:
		if !unitPrice.IsPositive() {
			return plandomain.MetricLimit{}, errors.New("metered billing needs unit_price > 0")
		}
		included = decimal.Zero
	}

	return plandomain.MetricLimit{
		Metric:    metric,
		Kind:      kind,
		Included:  included,
		UnitPrice: unitPrice,
	}, nil
}

// NormalizeCode maps a user-supplied plan name or code onto its catalog key.
func NormalizeCode(code string) string {
	return slug.Make(strings.TrimSpace(code))
}

func limits(pairs ...any) map[string]LimitDefinition {
	out := make(map[string]LimitDefinition, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		out[pairs[i].(string)] = pairs[i+1].(LimitDefinition)
	}
	return out
}

func capped(included string) LimitDefinition {
	return LimitDefinition{Kind: string(plandomain.LimitHardCapped), Included: included}
}

func overage(included, unitPrice string) LimitDefinition {
	return LimitDefinition{Kind: string(plandomain.LimitOverageBilled), Included: included, UnitPrice: unitPrice}
}

func metered(unitPrice string) LimitDefinition {
	return LimitDefinition{Kind: string(plandomain.LimitMetered), UnitPrice: unitPrice}
}

var unlimited = LimitDefinition{Kind: string(plandomain.LimitUnlimited), Included: "-1"}

// DefaultDefinitions is the catalog served when no plans.yml is present.
func DefaultDefinitions() []Definition {
	return []Definition{
		{
			Code: "starter", Version: 1, Name: "Starter", Tier: 1,
			MonthlyPrice: "199.00", YearlyPrice: "1990.00", Currency: "USD", TrialDays: 14,
			Limits: limits(
				"chains", capped("1"),
				"chain_deployments", overage("100", "10.00"),
				"storage_gb", overage("10", "0.05"),
				"api_requests", capped("10000"),
				"bandwidth_gb", overage("100", "0.10"),
				"computing_hours", metered("5.00"),
			),
		},
		{
			Code: "professional", Version: 1, Name: "Professional", Tier: 2,
			MonthlyPrice: "999.00", YearlyPrice: "9990.00", Currency: "USD", TrialDays: 14,
			Limits: limits(
				"chains", capped("5"),
				"chain_deployments", overage("500", "10.00"),
				"storage_gb", overage("50", "0.05"),
				"api_requests", capped("100000"),
				"bandwidth_gb", overage("500", "0.10"),
				"computing_hours", metered("5.00"),
			),
		},
		{
			Code: "enterprise", Version: 1, Name: "Enterprise", Tier: 3,
			MonthlyPrice: "4999.00", YearlyPrice: "49990.00", Currency: "USD", TrialDays: 30,
			Limits: limits(
				"chains", unlimited,
				"chain_deployments", unlimited,
				"storage_gb", overage("500", "0.05"),
				"api_requests", capped("1000000"),
				"bandwidth_gb", overage("5000", "0.10"),
				"computing_hours", metered("5.00"),
			),
		},
		{
			Code: "sovereign", Version: 1, Name: "Sovereign", Tier: 4,
			MonthlyPrice: "19999.00", YearlyPrice: "199990.00", Currency: "USD", TrialDays: 30,
			Limits: limits(
				"chains", unlimited,
				"chain_deployments", unlimited,
				"storage_gb", unlimited,
				"api_requests", unlimited,
				"bandwidth_gb", unlimited,
				"computing_hours", unlimited,
			),
		},
	}
}

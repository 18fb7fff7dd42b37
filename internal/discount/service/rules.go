package service

import (
	"slices"
	"time"

	"github.com/shopspring/decimal"
	discountdomain "github.com/smallbiznis/meterbill/internal/discount/domain"
	plandomain "github.com/smallbiznis/meterbill/internal/plan/domain"
)

var decimalHundred = decimal.NewFromInt(100)

// eligible applies the checks that do not depend on the customer.
func eligible(code discountdomain.DiscountCode, plan plandomain.Plan, now time.Time) (discountdomain.Reason, bool) {
	switch {
	case !code.Active:
		return discountdomain.ReasonInactive, false
	case code.StartsAt != nil && now.Before(*code.StartsAt):
		return discountdomain.ReasonNotStarted, false
	case code.ExpiresAt != nil && !now.Before(*code.ExpiresAt):
		return discountdomain.ReasonExpired, false
	case code.UsageCap != nil && code.TimesRedeemed >= *code.UsageCap:
		return discountdomain.ReasonCapReached, false
	case len(code.EligiblePlans) > 0 && !slices.Contains(code.EligiblePlans, plan.Code):
		return discountdomain.ReasonPlanIneligible, false
	case code.MinPlanTier > 0 && plan.Tier < code.MinPlanTier:
		return discountdomain.ReasonTierTooLow, false
	}
	return "", true
}

func invalid(reason discountdomain.Reason, code *discountdomain.DiscountCode) discountdomain.Validation {
	return discountdomain.Validation{Valid: false, Reason: reason, Code: code}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

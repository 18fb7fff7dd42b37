package service

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	alertdomain "github.com/smallbiznis/meterbill/internal/alert/domain"
	plandomain "github.com/smallbiznis/meterbill/internal/plan/domain"
	ratingdomain "github.com/smallbiznis/meterbill/internal/rating/domain"
	subscriptiondomain "github.com/smallbiznis/meterbill/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/meterbill/internal/usage/domain"
	"go.uber.org/zap"
)

var highUsage = decimal.NewFromInt(90)

// UsageRecorded raises a usage_threshold alert once the metric's counter crosses the warning
// threshold. Failures are logged and never reach the usage write.
func (s *Service) UsageRecorded(ctx context.Context, event usagedomain.Event) {
	alert, ok := s.usageAlert(event.Limit, event.Subscription, event.Counter)
	if !ok {
		return
	}
	if _, err := s.raise(ctx, alert); err != nil {
		s.log.Warn("failed to raise usage alert",
			zap.String("customer_id", event.Counter.CustomerID),
			zap.String("metric", string(event.Limit.Metric)),
			zap.Error(err),
		)
	}
}

func (s *Service) usageAlert(limit plandomain.MetricLimit, sub subscriptiondomain.Subscription, counter usagedomain.UsageCounter) (alertdomain.BillingAlert, bool) {
	if limit.Kind != plandomain.LimitHardCapped && limit.Kind != plandomain.LimitOverageBilled {
		return alertdomain.BillingAlert{}, false
	}
	if !limit.Included.IsPositive() {
		return alertdomain.BillingAlert{}, false
	}

	policy := s.policy.Get()
	pct := limit.Percentage(counter.Total)
	warning := decimal.NewFromFloat(policy.WarningThreshold).Mul(hundred)
	critical := decimal.NewFromFloat(policy.CriticalThreshold).Mul(hundred)
	if pct.LessThan(warning) {
		return alertdomain.BillingAlert{}, false
	}

	severity := alertdomain.SeverityNormal
	title := fmt.Sprintf("%s usage warning", limit.Metric)
	switch {
	case pct.GreaterThanOrEqual(critical):
		severity = alertdomain.SeverityCritical
		title = fmt.Sprintf("%s limit reached", limit.Metric)
	case pct.GreaterThanOrEqual(highUsage):
		severity = alertdomain.SeverityHigh
	}

	message := fmt.Sprintf("Your %s usage is at %s%% of your limit (%s of %s)",
		limit.Metric, pct.StringFixed(1), counter.Total.String(), limit.Included.String())
	if limit.Kind == plandomain.LimitOverageBilled && pct.GreaterThan(hundred) {
		message += fmt.Sprintf(". Usage above the included amount is billed at %s per unit", limit.UnitPrice.String())
	}

	return alertdomain.BillingAlert{
		CustomerID:          counter.CustomerID,
		SubscriptionID:      sub.ID,
		Type:                alertdomain.AlertTypeUsageThreshold,
		Subject:             string(limit.Metric),
		PeriodStart:         counter.PeriodStart,
		Severity:            severity,
		Title:               title,
		Message:             message,
		ThresholdPercentage: pct.Round(2),
		CurrentValue:        counter.Total,
		LimitValue:          limit.Included,
		ActionRequired:      limit.Kind == plandomain.LimitHardCapped && severity == alertdomain.SeverityCritical,
	}, true
}

// EstimateComputed raises an estimate_ceiling alert when the projected total passes the
// customer's configured ceiling.
func (s *Service) EstimateComputed(ctx context.Context, sub subscriptiondomain.Subscription, estimate ratingdomain.Estimate) {
	pref, err := s.GetPreference(ctx, sub.CustomerID)
	if err != nil {
		s.log.Warn("failed to load alert preference", zap.String("customer_id", sub.CustomerID), zap.Error(err))
		return
	}
	if pref.EstimateCeiling == nil || !estimate.Total.GreaterThan(*pref.EstimateCeiling) {
		return
	}

	ceiling := *pref.EstimateCeiling
	pct := hundred
	if ceiling.IsPositive() {
		pct = estimate.Total.Div(ceiling).Mul(hundred).Round(2)
	}
	_, err = s.raise(ctx, alertdomain.BillingAlert{
		CustomerID:     sub.CustomerID,
		SubscriptionID: sub.ID,
		Type:           alertdomain.AlertTypeEstimateCeiling,
		PeriodStart:    estimate.PeriodStart,
		Severity:       alertdomain.SeverityHigh,
		Title:          "Estimated bill above your limit",
		Message: fmt.Sprintf("Your estimated bill of %s %s exceeds your configured ceiling of %s %s",
			estimate.Currency, estimate.Total.StringFixed(2), estimate.Currency, ceiling.StringFixed(2)),
		ThresholdPercentage: pct,
		CurrentValue:        estimate.Total,
		LimitValue:          ceiling,
	})
	if err != nil {
		s.log.Warn("failed to raise estimate alert", zap.String("customer_id", sub.CustomerID), zap.Error(err))
	}
}

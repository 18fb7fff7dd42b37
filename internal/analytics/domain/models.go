package domain

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
	plandomain "github.com/smallbiznis/meterbill/internal/plan/domain"
	usagedomain "github.com/smallbiznis/meterbill/internal/usage/domain"
)

var (
	ErrInvalidDays   = errors.New("invalid_days")
	ErrInvalidWindow = errors.New("invalid_window")
)

type Trend string

const (
	TrendIncreasing Trend = "increasing"
	TrendDecreasing Trend = "decreasing"
	TrendStable     Trend = "stable"
)

type RecommendationKind string

const (
	RecommendUpgrade     RecommendationKind = "upgrade"
	RecommendDowngrade   RecommendationKind = "downgrade"
	RecommendReduceCalls RecommendationKind = "reduce_calls"
)

// DailyUsage is one UTC day of recorded usage, corrections included.
type DailyUsage struct {
	Date    time.Time                             `json:"date"`
	Metrics map[plandomain.Metric]decimal.Decimal `json:"metrics"`
}

// MetricTrend compares the analysed window with the window of equal length before it.
type MetricTrend struct {
	Metric           plandomain.Metric `json:"metric"`
	Trend            Trend             `json:"trend"`
	Current          decimal.Decimal   `json:"current"`
	Previous         decimal.Decimal   `json:"previous"`
	ChangePercentage decimal.Decimal   `json:"change_percentage"`
	PredictedNext    decimal.Decimal   `json:"predicted_next_window"`
}

// MetricForecast projects the current period total linearly to the period end.
type MetricForecast struct {
	Metric      plandomain.Metric    `json:"metric"`
	Kind        plandomain.LimitKind `json:"kind"`
	Total       decimal.Decimal      `json:"total"`
	Limit       decimal.Decimal      `json:"limit"`
	Projected   decimal.Decimal      `json:"projected"`
	OverageRisk bool                 `json:"overage_risk"`
	// DaysToLimit is nil when the metric has no included quantity or usage is flat.
	DaysToLimit *int `json:"days_to_limit,omitempty"`
}

type Recommendation struct {
	Metric  plandomain.Metric  `json:"metric"`
	Kind    RecommendationKind `json:"kind"`
	Message string             `json:"message"`
}

type UsageAnalytics struct {
	CustomerID      string                    `json:"customer_id"`
	PlanCode        string                    `json:"plan_code"`
	WindowStart     time.Time                 `json:"window_start"`
	WindowEnd       time.Time                 `json:"window_end"`
	Days            int                       `json:"days"`
	PeriodStart     time.Time                 `json:"period_start"`
	PeriodEnd       time.Time                 `json:"period_end"`
	Metrics         []usagedomain.MetricUsage `json:"metrics"`
	Daily           []DailyUsage              `json:"daily"`
	Trends          []MetricTrend             `json:"trends"`
	Forecasts       []MetricForecast          `json:"forecasts"`
	Recommendations []Recommendation          `json:"recommendations"`
	GeneratedAt     time.Time                 `json:"generated_at"`
}

type RevenueRequest struct {
	// CustomerID narrows the report to one customer. Empty reports across all customers.
	CustomerID string
	From       time.Time
	To         time.Time
}

type PlanRevenue struct {
	PlanCode string          `json:"plan_code"`
	Revenue  decimal.Decimal `json:"revenue"`
	Invoices int             `json:"invoices"`
}

type MonthlyRevenue struct {
	Month    string          `json:"month"`
	Revenue  decimal.Decimal `json:"revenue"`
	Invoices int             `json:"invoices"`
}

// Revenue summarises invoiced and collected money over a window. Void and draft invoices are
// excluded, so a superseded invoice counts once through its replacement.
type Revenue struct {
	CustomerID         string           `json:"customer_id,omitempty"`
	From               time.Time        `json:"from"`
	To                 time.Time        `json:"to"`
	Invoiced           decimal.Decimal  `json:"invoiced"`
	Collected          decimal.Decimal  `json:"collected"`
	Outstanding        decimal.Decimal  `json:"outstanding"`
	Invoices           int              `json:"invoices"`
	Payments           int              `json:"payments"`
	PaymentSuccessRate decimal.Decimal  `json:"payment_success_rate"`
	ByPlan             []PlanRevenue    `json:"by_plan"`
	Monthly            []MonthlyRevenue `json:"monthly"`
	Platform           *PlatformRevenue `json:"platform,omitempty"`
	GeneratedAt        time.Time        `json:"generated_at"`
}

// PlatformRevenue carries the customer-base figures only reported across all customers.
type PlatformRevenue struct {
	ActiveSubscriptions  int             `json:"active_subscriptions"`
	NewSubscriptions     int             `json:"new_subscriptions"`
	ChurnedSubscriptions int             `json:"churned_subscriptions"`
	ChurnRate            decimal.Decimal `json:"churn_rate"`
	RevenuePerCustomer   decimal.Decimal `json:"revenue_per_customer"`
}

type PlanSubscriptions struct {
	PlanCode string          `json:"plan_code"`
	Trialing int             `json:"trialing"`
	Active   int             `json:"active"`
	PastDue  int             `json:"past_due"`
	MRR      decimal.Decimal `json:"mrr"`
}

// SubscriptionMetrics counts live subscriptions and their monthly recurring revenue. MRR is
// the list price of active and past-due subscriptions, yearly plans spread over twelve months.
type SubscriptionMetrics struct {
	Trialing         int                 `json:"trialing"`
	Active           int                 `json:"active"`
	PastDue          int                 `json:"past_due"`
	NewThisMonth     int                 `json:"new_this_month"`
	ChurnedThisMonth int                 `json:"churned_this_month"`
	MRR              decimal.Decimal     `json:"mrr"`
	Currency         string              `json:"currency"`
	ByPlan           []PlanSubscriptions `json:"by_plan"`
	MonthStart       time.Time           `json:"month_start"`
	GeneratedAt      time.Time           `json:"generated_at"`
}

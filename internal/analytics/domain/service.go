package domain

import "context"

type Service interface {
	// Usage reports daily usage over the last days, window-over-window trends and an
	// end-of-period forecast for the customer's live subscription.
	Usage(ctx context.Context, customerID string, days int) (UsageAnalytics, error)
	Revenue(ctx context.Context, req RevenueRequest) (Revenue, error)
	Subscriptions(ctx context.Context) (SubscriptionMetrics, error)
}

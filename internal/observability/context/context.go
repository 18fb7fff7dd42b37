// Package context carries request-scoped correlation values used by logging and tracing.
package context

import (
	"context"
	"strings"
)

type ctxKey int

const (
	requestIDKey ctxKey = iota
	customerIDKey
	jobKey
)

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, strings.TrimSpace(requestID))
}

func RequestIDFromContext(ctx context.Context) string {
	return stringValue(ctx, requestIDKey)
}

// WithCustomerID tags the context with the billed customer the request acts on.
func WithCustomerID(ctx context.Context, customerID string) context.Context {
	return context.WithValue(ctx, customerIDKey, strings.TrimSpace(customerID))
}

func CustomerIDFromContext(ctx context.Context) string {
	return stringValue(ctx, customerIDKey)
}

// WithJob tags the context with the scheduler job driving the work.
func WithJob(ctx context.Context, job string) context.Context {
	return context.WithValue(ctx, jobKey, strings.TrimSpace(job))
}

func JobFromContext(ctx context.Context) string {
	return stringValue(ctx, jobKey)
}

func stringValue(ctx context.Context, key ctxKey) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(key).(string)
	return value
}

// Gin context keys handlers set so request logs and spans can name what the request billed.
const (
	GinMetricKey   = "metric"
	GinCustomerKey = "customer_id"
)


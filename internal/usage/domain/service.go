package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	plandomain "github.com/smallbiznis/meterbill/internal/plan/domain"
	subscriptiondomain "github.com/smallbiznis/meterbill/internal/subscription/domain"
	"gorm.io/gorm"
)

var (
	ErrLimitExceeded      = errors.New("limit_exceeded")
	ErrInvalidCustomer    = errors.New("invalid_customer")
	ErrInvalidMetric      = errors.New("invalid_metric")
	ErrInvalidQuantity    = errors.New("invalid_quantity")
	ErrPeriodClosed       = errors.New("usage_period_closed")
	ErrNegativeTotal      = errors.New("usage_total_negative")
	ErrDuplicateUsage     = errors.New("usage_idempotency_conflict")
	ErrPendingQueueFull   = errors.New("usage_pending_queue_full")
	ErrPendingUnavailable = errors.New("usage_pending_unavailable")
)

// LimitExceededError carries the limit state that caused a rejection.
type LimitExceededError struct {
	Metric    plandomain.Metric
	Current   decimal.Decimal
	Requested decimal.Decimal
	Limit     decimal.Decimal
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("limit exceeded for %s: %s + %s > %s", e.Metric, e.Current, e.Requested, e.Limit)
}

func (e *LimitExceededError) Is(target error) bool {
	return target == ErrLimitExceeded
}

type RecordRequest struct {
	CustomerID     string            `json:"customer_id"`
	Metric         plandomain.Metric `json:"metric"`
	Quantity       decimal.Decimal   `json:"quantity"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	Metadata       map[string]any    `json:"metadata,omitempty"`
}

type CorrectionRequest struct {
	CustomerID     string            `json:"customer_id"`
	Metric         plandomain.Metric `json:"metric"`
	Quantity       decimal.Decimal   `json:"quantity"`
	Reason         string            `json:"reason"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
}

type CheckRequest struct {
	CustomerID string            `json:"customer_id"`
	Metric     plandomain.Metric `json:"metric"`
	Requested  decimal.Decimal   `json:"requested"`
}

// WarningLevel grades a soft-threshold crossing.
type WarningLevel string

const (
	WarningLevelWarning  WarningLevel = "warning"
	WarningLevelCritical WarningLevel = "critical"
)

type Warning struct {
	Level      WarningLevel    `json:"level"`
	Percentage decimal.Decimal `json:"percentage"`
	Message    string          `json:"message"`
}

// LimitCheck is the outcome of CheckLimit. Warning is independent of Allowed.
type LimitCheck struct {
	Allowed         bool                 `json:"allowed"`
	Metric          plandomain.Metric    `json:"metric"`
	Kind            plandomain.LimitKind `json:"kind"`
	CurrentTotal    decimal.Decimal      `json:"current_total"`
	Limit           decimal.Decimal      `json:"limit"`
	UsagePercentage decimal.Decimal      `json:"usage_percentage"`
	Warning         *Warning             `json:"warning,omitempty"`
}

// Err returns a *LimitExceededError for a denied check.
func (c LimitCheck) Err(requested decimal.Decimal) error {
	if c.Allowed {
		return nil
	}
	return &LimitExceededError{Metric: c.Metric, Current: c.CurrentTotal, Requested: requested, Limit: c.Limit}
}

// GateRequest describes a gated operation: the usage it will consume once it succeeds.
type GateRequest struct {
	CustomerID     string
	Metric         plandomain.Metric
	Quantity       decimal.Decimal
	IdempotencyKey string
	Metadata       map[string]any
}

// Operation is the work admitted by Gate.
type Operation func(ctx context.Context) error

type GateResult struct {
	Check   LimitCheck    `json:"check"`
	Counter *UsageCounter `json:"counter,omitempty"`
	// Pending is set when the operation succeeded but its usage was queued for retry.
	Pending bool `json:"pending"`
}

type MetricUsage struct {
	Metric     plandomain.Metric    `json:"metric"`
	Kind       plandomain.LimitKind `json:"kind"`
	Total      decimal.Decimal      `json:"total"`
	Limit      decimal.Decimal      `json:"limit"`
	Percentage decimal.Decimal      `json:"percentage"`
	UnitPrice  decimal.Decimal      `json:"unit_price"`
}

type Summary struct {
	CustomerID     string        `json:"customer_id"`
	SubscriptionID snowflake.ID  `json:"subscription_id,string"`
	PlanCode       string        `json:"plan_code"`
	PeriodStart    time.Time     `json:"period_start"`
	PeriodEnd      time.Time     `json:"period_end"`
	Metrics        []MetricUsage `json:"metrics"`
}

// Event is delivered to observers after a usage record is committed.
type Event struct {
	Subscription subscriptiondomain.Subscription
	Plan         plandomain.Plan
	Limit        plandomain.MetricLimit
	Record       UsageRecord
	Counter      UsageCounter
}

// Observer reacts to committed usage. Observers run synchronously after the write and their
// failures never fail the write.
type Observer interface {
	UsageRecorded(ctx context.Context, event Event)
}

// PendingUsage is a record whose gated operation succeeded but whose write failed.
type PendingUsage struct {
	Record      UsageRecord
	PeriodEnd   time.Time
	Attempts    int
	NextAttempt time.Time
}

type Service interface {
	RecordUsage(ctx context.Context, req RecordRequest) (UsageCounter, error)
	CheckLimit(ctx context.Context, req CheckRequest) (LimitCheck, error)
	// Gate checks the limit, runs op while holding the subscription's read lock, then records.
	Gate(ctx context.Context, req GateRequest, op Operation) (GateResult, error)
	Correct(ctx context.Context, req CorrectionRequest) (UsageCounter, error)
	Summary(ctx context.Context, customerID string) (Summary, error)

	// Totals returns the counters of one period keyed by metric.
	Totals(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, periodStart time.Time) (map[plandomain.Metric]decimal.Decimal, error)
	CloseCounters(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, periodStart time.Time) error
	// Rebuild recomputes the counters of one period from the ledger.
	Rebuild(ctx context.Context, subscriptionID snowflake.ID, periodStart time.Time) error
	// Replay writes a pending record. Replaying an already-written record is a no-op.
	Replay(ctx context.Context, pending PendingUsage) error
}

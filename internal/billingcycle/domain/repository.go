package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

var (
	ErrCycleNotFound      = errors.New("billing_cycle_not_found")
	ErrCycleNotClosed     = errors.New("billing_cycle_not_closed")
	ErrInvalidCyclePeriod = errors.New("invalid_cycle_period")
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, cycle *BillingCycle) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*BillingCycle, error)
	FindByPeriodStart(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, periodStart time.Time) (*BillingCycle, error)
	FindOpen(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) (*BillingCycle, error)
	ListBySubscription(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) ([]BillingCycle, error)
	// ListUninvoiced returns closed cycles without an invoice, oldest first.
	ListUninvoiced(ctx context.Context, db *gorm.DB, limit int) ([]BillingCycle, error)
	// Close moves an open cycle to status, ending it at periodEnd. It reports false when
	// the cycle was no longer open.
	Close(ctx context.Context, db *gorm.DB, id snowflake.ID, status BillingCycleStatus, periodEnd, closedAt time.Time) (bool, error)
	UpdatePlan(ctx context.Context, db *gorm.DB, id snowflake.ID, code string, version int, at time.Time) error
	MarkInvoiced(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error
}

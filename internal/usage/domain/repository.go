package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type Repository interface {
	// InsertRecord appends a record. It reports false when the idempotency key already exists.
	InsertRecord(ctx context.Context, db *gorm.DB, record *UsageRecord) (bool, error)
	FindRecordByKey(ctx context.Context, db *gorm.DB, idempotencyKey string) (*UsageRecord, error)

	// Increment adds delta to the counter in one statement and returns the new row. It returns
	// nil when the counter is already closed.
	Increment(ctx context.Context, db *gorm.DB, counter UsageCounter, delta decimal.Decimal) (*UsageCounter, error)
	FindCounter(ctx context.Context, db *gorm.DB, key CounterKey) (*UsageCounter, error)
	ListCounters(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, periodStart time.Time) ([]UsageCounter, error)
	CloseCounters(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, periodStart, at time.Time) error

	// SumRecords totals the ledger per metric for one period.
	SumRecords(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, periodStart time.Time) (map[string]decimal.Decimal, error)
	// ReplaceTotal overwrites a counter with a value derived from the ledger.
	ReplaceTotal(ctx context.Context, db *gorm.DB, counter UsageCounter) error
}

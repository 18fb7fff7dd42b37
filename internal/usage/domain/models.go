// Package domain contains the usage ledger and the per-period counters derived from it.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	plandomain "github.com/smallbiznis/meterbill/internal/plan/domain"
	"gorm.io/datatypes"
)

// UsageRecord stores a single unit of metered activity. Records are append-only; a correction
// is a compensating record with a signed quantity.
type UsageRecord struct {
	ID             snowflake.ID      `gorm:"primaryKey" json:"id"`
	CustomerID     string            `gorm:"type:text;not null;index" json:"customer_id"`
	SubscriptionID snowflake.ID      `gorm:"not null;index:idx_usage_records_period,priority:1" json:"subscription_id"`
	Metric         plandomain.Metric `gorm:"type:text;not null;index:idx_usage_records_period,priority:2" json:"metric"`
	PeriodStart    time.Time         `gorm:"not null;index:idx_usage_records_period,priority:3" json:"period_start"`
	Quantity       decimal.Decimal   `gorm:"type:numeric(20,6);not null" json:"quantity"`
	Correction     bool              `gorm:"not null;default:false" json:"correction"`
	RecordedAt     time.Time         `gorm:"not null" json:"recorded_at"`
	IdempotencyKey *string           `gorm:"type:text;uniqueIndex" json:"idempotency_key,omitempty"`
	Metadata       datatypes.JSONMap `gorm:"type:json" json:"metadata,omitempty"`
	CreatedAt      time.Time         `gorm:"not null" json:"created_at"`
}

// TableName sets the database table name.
func (UsageRecord) TableName() string { return "usage_records" }

// UsageCounter is the running total of one metric within one billing period. It is a cache
// over UsageRecord and can always be rebuilt from it.
type UsageCounter struct {
	SubscriptionID snowflake.ID      `gorm:"primaryKey;autoIncrement:false" json:"subscription_id"`
	Metric         plandomain.Metric `gorm:"primaryKey;type:text" json:"metric"`
	PeriodStart    time.Time         `gorm:"primaryKey" json:"period_start"`
	PeriodEnd      time.Time         `gorm:"not null" json:"period_end"`
	CustomerID     string            `gorm:"type:text;not null;index" json:"customer_id"`
	Total          decimal.Decimal   `gorm:"type:numeric(20,6);not null" json:"total"`
	Closed         bool              `gorm:"not null;default:false" json:"closed"`
	UpdatedAt      time.Time         `gorm:"not null" json:"updated_at"`
}

// TableName sets the database table name.
func (UsageCounter) TableName() string { return "usage_counters" }

// CounterKey addresses one counter row.
type CounterKey struct {
	SubscriptionID snowflake.ID
	Metric         plandomain.Metric
	PeriodStart    time.Time
}

package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	usagedomain "github.com/smallbiznis/meterbill/internal/usage/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() usagedomain.Repository {
	return &repo{}
}

const counterColumns = `subscription_id, metric, period_start, period_end, customer_id, total, closed, updated_at`

func (r *repo) InsertRecord(ctx context.Context, db *gorm.DB, record *usagedomain.UsageRecord) (bool, error) {
	query := `INSERT INTO usage_records (
		id, customer_id, subscription_id, metric, period_start, quantity, correction,
		recorded_at, idempotency_key, metadata, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if record.IdempotencyKey != nil {
		query += " ON CONFLICT (idempotency_key) DO NOTHING"
	}
	result := db.WithContext(ctx).Exec(query,
		record.ID,
		record.CustomerID,
		record.SubscriptionID,
		record.Metric,
		record.PeriodStart,
		record.Quantity,
		record.Correction,
		record.RecordedAt,
		record.IdempotencyKey,
		record.Metadata,
		record.CreatedAt,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) FindRecordByKey(ctx context.Context, db *gorm.DB, idempotencyKey string) (*usagedomain.UsageRecord, error) {
	var record usagedomain.UsageRecord
	err := db.WithContext(ctx).Raw(
		`SELECT id, customer_id, subscription_id, metric, period_start, quantity, correction,
		        recorded_at, idempotency_key, metadata, created_at
		 FROM usage_records
		 WHERE idempotency_key = ?
		 LIMIT 1`,
		idempotencyKey,
	).Scan(&record).Error
	if err != nil {
		return nil, err
	}
	if record.ID == 0 {
		return nil, nil
	}
	return &record, nil
}

func (r *repo) Increment(ctx context.Context, db *gorm.DB, counter usagedomain.UsageCounter, delta decimal.Decimal) (*usagedomain.UsageCounter, error) {
	var rows []usagedomain.UsageCounter
	err := db.WithContext(ctx).Raw(
		`INSERT INTO usage_counters (`+counterColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, false, ?)
		 ON CONFLICT (subscription_id, metric, period_start) DO UPDATE
		 SET total = usage_counters.total + excluded.total,
		     updated_at = excluded.updated_at
		 WHERE usage_counters.closed = false
		 RETURNING `+counterColumns,
		counter.SubscriptionID,
		counter.Metric,
		counter.PeriodStart,
		counter.PeriodEnd,
		counter.CustomerID,
		delta,
		counter.UpdatedAt,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (r *repo) FindCounter(ctx context.Context, db *gorm.DB, key usagedomain.CounterKey) (*usagedomain.UsageCounter, error) {
	var rows []usagedomain.UsageCounter
	err := db.WithContext(ctx).Raw(
		`SELECT `+counterColumns+`
		 FROM usage_counters
		 WHERE subscription_id = ? AND metric = ? AND period_start = ?`,
		key.SubscriptionID,
		key.Metric,
		key.PeriodStart,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (r *repo) ListCounters(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, periodStart time.Time) ([]usagedomain.UsageCounter, error) {
	var rows []usagedomain.UsageCounter
	err := db.WithContext(ctx).Raw(
		`SELECT `+counterColumns+`
		 FROM usage_counters
		 WHERE subscription_id = ? AND period_start = ?
		 ORDER BY metric ASC`,
		subscriptionID,
		periodStart,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repo) CloseCounters(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, periodStart, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE usage_counters
		 SET closed = true, updated_at = ?
		 WHERE subscription_id = ? AND period_start = ? AND closed = false`,
		at,
		subscriptionID,
		periodStart,
	).Error
}

func (r *repo) SumRecords(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, periodStart time.Time) (map[string]decimal.Decimal, error) {
	var rows []struct {
		Metric string
		Total  decimal.Decimal
	}
	err := db.WithContext(ctx).Raw(
		`SELECT metric, COALESCE(SUM(quantity), 0) AS total
		 FROM usage_records
		 WHERE subscription_id = ? AND period_start = ?
		 GROUP BY metric`,
		subscriptionID,
		periodStart,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	totals := make(map[string]decimal.Decimal, len(rows))
	for _, row := range rows {
		totals[row.Metric] = row.Total
	}
	return totals, nil
}

func (r *repo) ReplaceTotal(ctx context.Context, db *gorm.DB, counter usagedomain.UsageCounter) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO usage_counters (`+counterColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (subscription_id, metric, period_start) DO UPDATE
		 SET total = excluded.total, updated_at = excluded.updated_at`,
		counter.SubscriptionID,
		counter.Metric,
		counter.PeriodStart,
		counter.PeriodEnd,
		counter.CustomerID,
		counter.Total,
		counter.Closed,
		counter.UpdatedAt,
	).Error
}

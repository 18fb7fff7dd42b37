package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	billingcycledomain "github.com/smallbiznis/meterbill/internal/billingcycle/domain"
	"gorm.io/gorm"
)

const cycleColumns = `id, subscription_id, customer_id, kind, period_start, period_end, cycle_start,
	cycle_end, base_plan_code, base_plan_version, base_cycle, plan_code, plan_version, status,
	closed_at, invoiced_at, created_at, updated_at`

type repo struct{}

func Provide() billingcycledomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, cycle *billingcycledomain.BillingCycle) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO billing_cycles (`+cycleColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cycle.ID,
		cycle.SubscriptionID,
		cycle.CustomerID,
		cycle.Kind,
		cycle.PeriodStart,
		cycle.PeriodEnd,
		cycle.CycleStart,
		cycle.CycleEnd,
		cycle.BasePlanCode,
		cycle.BasePlanVersion,
		cycle.BaseCycle,
		cycle.PlanCode,
		cycle.PlanVersion,
		cycle.Status,
		cycle.ClosedAt,
		cycle.InvoicedAt,
		cycle.CreatedAt,
		cycle.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*billingcycledomain.BillingCycle, error) {
	return r.findOne(ctx, db, `SELECT `+cycleColumns+` FROM billing_cycles WHERE id = ?`, id)
}

func (r *repo) FindByPeriodStart(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, periodStart time.Time) (*billingcycledomain.BillingCycle, error) {
	return r.findOne(ctx, db,
		`SELECT `+cycleColumns+` FROM billing_cycles WHERE subscription_id = ? AND period_start = ?`,
		subscriptionID, periodStart.UTC(),
	)
}

func (r *repo) FindOpen(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) (*billingcycledomain.BillingCycle, error) {
	return r.findOne(ctx, db,
		`SELECT `+cycleColumns+` FROM billing_cycles
		 WHERE subscription_id = ? AND status = ?
		 ORDER BY period_start DESC LIMIT 1`,
		subscriptionID, billingcycledomain.BillingCycleStatusOpen,
	)
}

func (r *repo) ListBySubscription(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) ([]billingcycledomain.BillingCycle, error) {
	var cycles []billingcycledomain.BillingCycle
	err := db.WithContext(ctx).Raw(
		`SELECT `+cycleColumns+` FROM billing_cycles WHERE subscription_id = ? ORDER BY period_start ASC`,
		subscriptionID,
	).Scan(&cycles).Error
	if err != nil {
		return nil, err
	}
	return cycles, nil
}

func (r *repo) ListUninvoiced(ctx context.Context, db *gorm.DB, limit int) ([]billingcycledomain.BillingCycle, error) {
	var cycles []billingcycledomain.BillingCycle
	err := db.WithContext(ctx).Raw(
		`SELECT `+cycleColumns+` FROM billing_cycles
		 WHERE status = ? AND invoiced_at IS NULL
		 ORDER BY period_end ASC, id ASC LIMIT ?`,
		billingcycledomain.BillingCycleStatusClosed,
		limit,
	).Scan(&cycles).Error
	if err != nil {
		return nil, err
	}
	return cycles, nil
}

func (r *repo) Close(ctx context.Context, db *gorm.DB, id snowflake.ID, status billingcycledomain.BillingCycleStatus, periodEnd, closedAt time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE billing_cycles
		 SET status = ?, period_end = ?, closed_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		status,
		periodEnd.UTC(),
		closedAt.UTC(),
		closedAt.UTC(),
		id,
		billingcycledomain.BillingCycleStatusOpen,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) UpdatePlan(ctx context.Context, db *gorm.DB, id snowflake.ID, code string, version int, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE billing_cycles SET plan_code = ?, plan_version = ?, updated_at = ? WHERE id = ?`,
		code, version, at.UTC(), id,
	).Error
}

func (r *repo) MarkInvoiced(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE billing_cycles SET invoiced_at = ?, updated_at = ? WHERE id = ? AND invoiced_at IS NULL`,
		at.UTC(), at.UTC(), id,
	).Error
}

func (r *repo) findOne(ctx context.Context, db *gorm.DB, query string, args ...any) (*billingcycledomain.BillingCycle, error) {
	var cycle billingcycledomain.BillingCycle
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&cycle).Error; err != nil {
		return nil, err
	}
	if cycle.ID == 0 {
		return nil, nil
	}
	return &cycle, nil
}

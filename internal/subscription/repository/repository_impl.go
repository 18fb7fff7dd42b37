package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/smallbiznis/meterbill/internal/subscription/domain"
	"gorm.io/gorm"
)

const subscriptionColumns = `id, customer_id, active_customer_key, plan_code, plan_version, billing_cycle,
	status, current_cycle_id, current_period_start, current_period_end, billing_anchor, trial_end,
	cancel_at_period_end, cancelled_at, past_due_since, gateway_subscription_id, discount_code,
	tax_jurisdiction, payment_method_token, version, created_at, updated_at`

const changeColumns = `id, subscription_id, customer_id, billing_cycle_id, kind, direction,
	old_plan_code, old_plan_version, old_cycle, new_plan_code, new_plan_version, new_cycle,
	old_price, new_price, credit, charge, net, effective_at, invoice_id, created_at`

type repo struct{}

func Provide() subscriptiondomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, subscription *subscriptiondomain.Subscription) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO subscriptions (`+subscriptionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		subscription.ID,
		subscription.CustomerID,
		subscription.ActiveCustomerKey,
		subscription.PlanCode,
		subscription.PlanVersion,
		subscription.BillingCycle,
		subscription.Status,
		subscription.CurrentCycleID,
		subscription.CurrentPeriodStart,
		subscription.CurrentPeriodEnd,
		subscription.BillingAnchor,
		subscription.TrialEnd,
		subscription.CancelAtPeriodEnd,
		subscription.CancelledAt,
		subscription.PastDueSince,
		subscription.GatewaySubscriptionID,
		subscription.DiscountCode,
		subscription.TaxJurisdiction,
		subscription.PaymentMethodToken,
		subscription.Version,
		subscription.CreatedAt,
		subscription.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	return r.findOne(ctx, db, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = ?`, id)
}

func (r *repo) FindLatestByCustomer(ctx context.Context, db *gorm.DB, customerID string) (*subscriptiondomain.Subscription, error) {
	return r.findOne(ctx, db,
		`SELECT `+subscriptionColumns+` FROM subscriptions
		 WHERE customer_id = ?
		 ORDER BY created_at DESC, id DESC LIMIT 1`,
		customerID,
	)
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, subscription *subscriptiondomain.Subscription) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE subscriptions SET
			active_customer_key = ?, plan_code = ?, plan_version = ?, billing_cycle = ?, status = ?,
			current_cycle_id = ?, current_period_start = ?, current_period_end = ?, billing_anchor = ?,
			trial_end = ?, cancel_at_period_end = ?, cancelled_at = ?, past_due_since = ?,
			gateway_subscription_id = ?, discount_code = ?, tax_jurisdiction = ?,
			payment_method_token = ?, version = version + 1, updated_at = ?
		 WHERE id = ? AND version = ?`,
		subscription.ActiveCustomerKey,
		subscription.PlanCode,
		subscription.PlanVersion,
		subscription.BillingCycle,
		subscription.Status,
		subscription.CurrentCycleID,
		subscription.CurrentPeriodStart,
		subscription.CurrentPeriodEnd,
		subscription.BillingAnchor,
		subscription.TrialEnd,
		subscription.CancelAtPeriodEnd,
		subscription.CancelledAt,
		subscription.PastDueSince,
		subscription.GatewaySubscriptionID,
		subscription.DiscountCode,
		subscription.TaxJurisdiction,
		subscription.PaymentMethodToken,
		subscription.UpdatedAt,
		subscription.ID,
		subscription.Version,
	)
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected != 1 {
		return false, nil
	}
	subscription.Version++
	return true, nil
}

func (r *repo) ListDue(ctx context.Context, db *gorm.DB, at time.Time, limit int) ([]subscriptiondomain.Subscription, error) {
	return r.findMany(ctx, db,
		`SELECT `+subscriptionColumns+` FROM subscriptions
		 WHERE status IN (?, ?) AND current_period_end <= ?
		 ORDER BY current_period_end ASC, id ASC LIMIT ?`,
		subscriptiondomain.SubscriptionStatusTrialing,
		subscriptiondomain.SubscriptionStatusActive,
		at.UTC(),
		limit,
	)
}

func (r *repo) ListPastDueSince(ctx context.Context, db *gorm.DB, before time.Time, limit int) ([]subscriptiondomain.Subscription, error) {
	return r.findMany(ctx, db,
		`SELECT `+subscriptionColumns+` FROM subscriptions
		 WHERE status = ? AND past_due_since IS NOT NULL AND past_due_since <= ?
		 ORDER BY past_due_since ASC, id ASC LIMIT ?`,
		subscriptiondomain.SubscriptionStatusPastDue,
		before.UTC(),
		limit,
	)
}

func (r *repo) ListTrialsEndingBetween(ctx context.Context, db *gorm.DB, from, to time.Time) ([]subscriptiondomain.Subscription, error) {
	return r.findMany(ctx, db,
		`SELECT `+subscriptionColumns+` FROM subscriptions
		 WHERE status = ? AND trial_end IS NOT NULL AND trial_end > ? AND trial_end <= ?
		 ORDER BY trial_end ASC, id ASC`,
		subscriptiondomain.SubscriptionStatusTrialing,
		from.UTC(),
		to.UTC(),
	)
}

func (r *repo) InsertChange(ctx context.Context, db *gorm.DB, change *subscriptiondomain.SubscriptionChange) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO subscription_changes (`+changeColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		change.ID,
		change.SubscriptionID,
		change.CustomerID,
		change.BillingCycleID,
		change.Kind,
		change.Direction,
		change.OldPlanCode,
		change.OldPlanVersion,
		change.OldCycle,
		change.NewPlanCode,
		change.NewPlanVersion,
		change.NewCycle,
		change.OldPrice,
		change.NewPrice,
		change.Credit,
		change.Charge,
		change.Net,
		change.EffectiveAt,
		change.InvoiceID,
		change.CreatedAt,
	).Error
}

func (r *repo) ListChanges(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) ([]subscriptiondomain.SubscriptionChange, error) {
	var changes []subscriptiondomain.SubscriptionChange
	err := db.WithContext(ctx).Raw(
		`SELECT `+changeColumns+` FROM subscription_changes
		 WHERE subscription_id = ? ORDER BY effective_at ASC, id ASC`,
		subscriptionID,
	).Scan(&changes).Error
	if err != nil {
		return nil, err
	}
	return changes, nil
}

func (r *repo) ListChangesForCycle(ctx context.Context, db *gorm.DB, cycleID snowflake.ID) ([]subscriptiondomain.SubscriptionChange, error) {
	var changes []subscriptiondomain.SubscriptionChange
	err := db.WithContext(ctx).Raw(
		`SELECT `+changeColumns+` FROM subscription_changes
		 WHERE billing_cycle_id = ? ORDER BY effective_at ASC, id ASC`,
		cycleID,
	).Scan(&changes).Error
	if err != nil {
		return nil, err
	}
	return changes, nil
}

func (r *repo) MarkChangesInvoiced(ctx context.Context, db *gorm.DB, cycleID, invoiceID snowflake.ID) error {
	return db.WithContext(ctx).Exec(
		`UPDATE subscription_changes SET invoice_id = ? WHERE billing_cycle_id = ?`,
		invoiceID,
		cycleID,
	).Error
}

func (r *repo) findOne(ctx context.Context, db *gorm.DB, query string, args ...any) (*subscriptiondomain.Subscription, error) {
	var subscription subscriptiondomain.Subscription
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&subscription).Error; err != nil {
		return nil, err
	}
	if subscription.ID == 0 {
		return nil, nil
	}
	return &subscription, nil
}

func (r *repo) findMany(ctx context.Context, db *gorm.DB, query string, args ...any) ([]subscriptiondomain.Subscription, error) {
	var subscriptions []subscriptiondomain.Subscription
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&subscriptions).Error; err != nil {
		return nil, err
	}
	return subscriptions, nil
}

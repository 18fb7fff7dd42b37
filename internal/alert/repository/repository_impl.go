package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	alertdomain "github.com/smallbiznis/meterbill/internal/alert/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() alertdomain.Repository {
	return &repo{}
}

const alertColumns = `id, customer_id, subscription_id, type, subject, period_start, severity, title, message,
	threshold_percentage, current_value, limit_value, read, action_required, trigger_count,
	last_triggered_at, expires_at, created_at, updated_at`

func (r *repo) Upsert(ctx context.Context, db *gorm.DB, alert alertdomain.BillingAlert) (*alertdomain.BillingAlert, error) {
	var rows []alertdomain.BillingAlert
	err := db.WithContext(ctx).Raw(
		`INSERT INTO billing_alerts (`+alertColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, false, ?, 1, ?, ?, ?, ?)
		 ON CONFLICT (customer_id, type, subject, period_start) DO UPDATE
		 SET severity = excluded.severity,
		     title = excluded.title,
		     message = excluded.message,
		     threshold_percentage = excluded.threshold_percentage,
		     current_value = excluded.current_value,
		     limit_value = excluded.limit_value,
		     action_required = excluded.action_required,
		     read = CASE WHEN billing_alerts.severity <> excluded.severity THEN false ELSE billing_alerts.read END,
		     trigger_count = billing_alerts.trigger_count + 1,
		     last_triggered_at = excluded.last_triggered_at,
		     expires_at = excluded.expires_at,
		     updated_at = excluded.updated_at
		 RETURNING `+alertColumns,
		alert.ID,
		alert.CustomerID,
		alert.SubscriptionID,
		alert.Type,
		alert.Subject,
		alert.PeriodStart,
		alert.Severity,
		alert.Title,
		alert.Message,
		alert.ThresholdPercentage,
		alert.CurrentValue,
		alert.LimitValue,
		alert.ActionRequired,
		alert.LastTriggeredAt,
		alert.ExpiresAt,
		alert.CreatedAt,
		alert.UpdatedAt,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*alertdomain.BillingAlert, error) {
	var alert alertdomain.BillingAlert
	err := db.WithContext(ctx).Raw(
		`SELECT `+alertColumns+` FROM billing_alerts WHERE id = ? LIMIT 1`,
		id,
	).Scan(&alert).Error
	if err != nil {
		return nil, err
	}
	if alert.ID == 0 {
		return nil, nil
	}
	return &alert, nil
}

func (r *repo) ListByCustomer(ctx context.Context, db *gorm.DB, filter alertdomain.ListFilter) ([]alertdomain.BillingAlert, error) {
	query := `SELECT ` + alertColumns + ` FROM billing_alerts
		WHERE customer_id = ? AND (expires_at IS NULL OR expires_at > ?)`
	args := []any{filter.CustomerID, filter.Now}
	if filter.UnreadOnly {
		query += ` AND read = false`
	}
	if filter.After != nil {
		query += ` AND (last_triggered_at < ? OR (last_triggered_at = ? AND id < ?))`
		args = append(args, filter.After.LastTriggeredAt, filter.After.LastTriggeredAt, filter.After.ID)
	}
	query += ` ORDER BY last_triggered_at DESC, id DESC LIMIT ?`
	args = append(args, filter.Limit)

	var alerts []alertdomain.BillingAlert
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&alerts).Error; err != nil {
		return nil, err
	}
	return alerts, nil
}

func (r *repo) MarkRead(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE billing_alerts SET read = true, updated_at = ? WHERE id = ?`,
		at, id,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) DeleteExpired(ctx context.Context, db *gorm.DB, before time.Time) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`DELETE FROM billing_alerts WHERE expires_at IS NOT NULL AND expires_at <= ?`,
		before,
	)
	return result.RowsAffected, result.Error
}

func (r *repo) FindPreference(ctx context.Context, db *gorm.DB, customerID string) (*alertdomain.AlertPreference, error) {
	var pref alertdomain.AlertPreference
	err := db.WithContext(ctx).Raw(
		`SELECT customer_id, estimate_ceiling, trial_notice_days, created_at, updated_at
		 FROM alert_preferences WHERE customer_id = ? LIMIT 1`,
		customerID,
	).Scan(&pref).Error
	if err != nil {
		return nil, err
	}
	if pref.CustomerID == "" {
		return nil, nil
	}
	return &pref, nil
}

func (r *repo) UpsertPreference(ctx context.Context, db *gorm.DB, pref alertdomain.AlertPreference) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO alert_preferences (customer_id, estimate_ceiling, trial_notice_days, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (customer_id) DO UPDATE
		 SET estimate_ceiling = excluded.estimate_ceiling,
		     trial_notice_days = excluded.trial_notice_days,
		     updated_at = excluded.updated_at`,
		pref.CustomerID,
		pref.EstimateCeiling,
		pref.TrialNoticeDays,
		pref.CreatedAt,
		pref.UpdatedAt,
	).Error
}

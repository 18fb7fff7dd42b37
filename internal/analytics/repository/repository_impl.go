package repository

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	analyticsdomain "github.com/smallbiznis/meterbill/internal/analytics/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() analyticsdomain.Repository {
	return &repo{}
}

// customerFilter appends the optional customer predicate and its argument.
func customerFilter(query string, args []any, customerID string) (string, []any) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return query, args
	}
	return query + ` AND customer_id = ?`, append(args, customerID)
}

func (r *repo) ListUsage(ctx context.Context, db *gorm.DB, customerID string, from, to time.Time) ([]analyticsdomain.UsagePoint, error) {
	query, args := customerFilter(
		`SELECT metric, quantity, recorded_at
		 FROM usage_records
		 WHERE recorded_at >= ? AND recorded_at < ?`,
		[]any{from, to},
		customerID,
	)
	var rows []analyticsdomain.UsagePoint
	if err := db.WithContext(ctx).Raw(query+` ORDER BY recorded_at ASC, id ASC`, args...).Scan(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repo) ListInvoices(ctx context.Context, db *gorm.DB, customerID string, from, to time.Time) ([]analyticsdomain.InvoiceRow, error) {
	query, args := customerFilter(
		`SELECT customer_id, plan_code, total, issued_at
		 FROM invoices
		 WHERE issued_at >= ? AND issued_at < ? AND status IN ('issued', 'paid', 'failed')`,
		[]any{from, to},
		customerID,
	)
	var rows []analyticsdomain.InvoiceRow
	if err := db.WithContext(ctx).Raw(query+` ORDER BY issued_at ASC, id ASC`, args...).Scan(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repo) SumPayments(ctx context.Context, db *gorm.DB, customerID string, from, to time.Time) (analyticsdomain.PaymentTotals, error) {
	query, args := customerFilter(
		`SELECT COUNT(*) AS final,
		        COALESCE(SUM(CASE WHEN status = 'succeeded' THEN 1 ELSE 0 END), 0) AS succeeded,
		        COALESCE(SUM(CASE WHEN status = 'succeeded' THEN amount ELSE 0 END), 0) AS collected
		 FROM payment_attempts
		 WHERE updated_at >= ? AND updated_at < ? AND status IN ('succeeded', 'failed')`,
		[]any{from, to},
		customerID,
	)
	var row struct {
		Final     int
		Succeeded int
		Collected decimal.Decimal
	}
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&row).Error; err != nil {
		return analyticsdomain.PaymentTotals{}, err
	}
	return analyticsdomain.PaymentTotals{
		Final:     row.Final,
		Succeeded: row.Succeeded,
		Collected: row.Collected,
	}, nil
}

func (r *repo) GroupSubscriptions(ctx context.Context, db *gorm.DB) ([]analyticsdomain.SubscriptionGroup, error) {
	var rows []analyticsdomain.SubscriptionGroup
	err := db.WithContext(ctx).Raw(
		`SELECT plan_code, plan_version, billing_cycle, status, COUNT(*) AS count
		 FROM subscriptions
		 WHERE status IN ('trialing', 'active', 'past_due')
		 GROUP BY plan_code, plan_version, billing_cycle, status
		 ORDER BY plan_code ASC, plan_version ASC, billing_cycle ASC, status ASC`,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repo) CountCreated(ctx context.Context, db *gorm.DB, from, to time.Time) (int, error) {
	return count(ctx, db,
		`SELECT COUNT(*) FROM subscriptions WHERE created_at >= ? AND created_at < ?`,
		from, to,
	)
}

func (r *repo) CountCancelled(ctx context.Context, db *gorm.DB, from, to time.Time) (int, error) {
	return count(ctx, db,
		`SELECT COUNT(*) FROM subscriptions WHERE cancelled_at >= ? AND cancelled_at < ?`,
		from, to,
	)
}

func count(ctx context.Context, db *gorm.DB, query string, args ...any) (int, error) {
	var n int64
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&n).Error; err != nil {
		return 0, err
	}
	return int(n), nil
}

package repository

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	invoicedomain "github.com/smallbiznis/meterbill/internal/invoice/domain"
	"gorm.io/gorm"
)

const invoiceColumns = `id, number, customer_id, subscription_id, billing_cycle_id, period_start, period_end,
	kind, revision, supersedes_id, plan_code, plan_version, currency, subtotal, discount, tax,
	tax_rate, total, discount_code, status, payment_attempts, next_retry_at, failure_reason,
	issued_at, due_at, paid_at, voided_at, created_at, updated_at`

type repo struct{}

func Provide() invoicedomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, invoice *invoicedomain.Invoice) error {
	err := db.WithContext(ctx).Exec(
		`INSERT INTO invoices (`+invoiceColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		invoice.ID,
		invoice.Number,
		invoice.CustomerID,
		invoice.SubscriptionID,
		invoice.BillingCycleID,
		invoice.PeriodStart.UTC(),
		invoice.PeriodEnd.UTC(),
		invoice.Kind,
		invoice.Revision,
		invoice.SupersedesID,
		invoice.PlanCode,
		invoice.PlanVersion,
		invoice.Currency,
		invoice.Subtotal,
		invoice.Discount,
		invoice.Tax,
		invoice.TaxRate,
		invoice.Total,
		invoice.DiscountCode,
		invoice.Status,
		invoice.PaymentAttempts,
		invoice.NextRetryAt,
		invoice.FailureReason,
		invoice.IssuedAt.UTC(),
		invoice.DueAt.UTC(),
		invoice.PaidAt,
		invoice.VoidedAt,
		invoice.CreatedAt.UTC(),
		invoice.UpdatedAt.UTC(),
	).Error
	if err != nil {
		return err
	}

	for i := range invoice.Lines {
		line := &invoice.Lines[i]
		line.InvoiceID = invoice.ID
		line.Position = i + 1
		if err := db.WithContext(ctx).Exec(
			`INSERT INTO invoice_lines (id, invoice_id, position, kind, metric, description, quantity, unit_price, amount)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			line.ID,
			line.InvoiceID,
			line.Position,
			line.Kind,
			line.Metric,
			line.Description,
			line.Quantity,
			line.UnitPrice,
			line.Amount,
		).Error; err != nil {
			return err
		}
	}
	return nil
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*invoicedomain.Invoice, error) {
	var row invoicedomain.Invoice
	err := db.WithContext(ctx).Raw(
		`SELECT `+invoiceColumns+` FROM invoices WHERE id = ?`,
		id,
	).Scan(&row).Error
	if err != nil {
		return nil, err
	}
	if row.ID == 0 {
		return nil, nil
	}
	return &row, nil
}

func (r *repo) FindLatest(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, periodStart time.Time, kind invoicedomain.InvoiceKind) (*invoicedomain.Invoice, error) {
	var row invoicedomain.Invoice
	err := db.WithContext(ctx).Raw(
		`SELECT `+invoiceColumns+` FROM invoices
		 WHERE subscription_id = ? AND period_start = ? AND kind = ?
		 ORDER BY revision DESC
		 LIMIT 1`,
		subscriptionID, periodStart.UTC(), kind,
	).Scan(&row).Error
	if err != nil {
		return nil, err
	}
	if row.ID == 0 {
		return nil, nil
	}
	return &row, nil
}

func (r *repo) ListLines(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) ([]invoicedomain.InvoiceLine, error) {
	var lines []invoicedomain.InvoiceLine
	err := db.WithContext(ctx).Raw(
		`SELECT id, invoice_id, position, kind, metric, description, quantity, unit_price, amount
		 FROM invoice_lines
		 WHERE invoice_id = ?
		 ORDER BY position ASC`,
		invoiceID,
	).Scan(&lines).Error
	if err != nil {
		return nil, err
	}
	return lines, nil
}

func (r *repo) ListByCustomer(ctx context.Context, db *gorm.DB, customerID string, after *invoicedomain.Cursor, limit int) ([]invoicedomain.Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE customer_id = ?`
	args := []any{customerID}
	if after != nil {
		query += ` AND (issued_at < ? OR (issued_at = ? AND id < ?))`
		args = append(args, after.IssuedAt.UTC(), after.IssuedAt.UTC(), after.ID)
	}
	query += ` ORDER BY issued_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	var rows []invoicedomain.Invoice
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repo) ListBySubscription(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) ([]invoicedomain.Invoice, error) {
	var rows []invoicedomain.Invoice
	err := db.WithContext(ctx).Raw(
		`SELECT `+invoiceColumns+` FROM invoices
		 WHERE subscription_id = ?
		 ORDER BY period_start ASC, revision ASC`,
		subscriptionID,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repo) ListRetryDue(ctx context.Context, db *gorm.DB, at time.Time, limit int) ([]invoicedomain.Invoice, error) {
	var rows []invoicedomain.Invoice
	err := db.WithContext(ctx).Raw(
		`SELECT `+invoiceColumns+` FROM invoices
		 WHERE status = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ?
		 ORDER BY next_retry_at ASC, id ASC
		 LIMIT ?`,
		invoicedomain.InvoiceStatusFailed, at.UTC(), limit,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repo) ListUnpaid(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) ([]invoicedomain.Invoice, error) {
	var rows []invoicedomain.Invoice
	err := db.WithContext(ctx).Raw(
		`SELECT `+invoiceColumns+` FROM invoices
		 WHERE subscription_id = ? AND status IN (?, ?)
		 ORDER BY period_start ASC`,
		subscriptionID, invoicedomain.InvoiceStatusIssued, invoicedomain.InvoiceStatusFailed,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repo) UpdateStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, to invoicedomain.InvoiceStatus, at time.Time, from ...invoicedomain.InvoiceStatus) (bool, error) {
	if len(from) == 0 {
		return false, nil
	}
	at = at.UTC()
	set := `status = ?, updated_at = ?`
	args := []any{to, at}
	switch to {
	case invoicedomain.InvoiceStatusPaid:
		set += `, paid_at = ?, next_retry_at = NULL, failure_reason = NULL`
		args = append(args, at)
	case invoicedomain.InvoiceStatusVoid:
		set += `, voided_at = ?, next_retry_at = NULL`
		args = append(args, at)
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(from)), ", ")
	args = append(args, id)
	for _, status := range from {
		args = append(args, status)
	}
	result := db.WithContext(ctx).Exec(
		`UPDATE invoices SET `+set+` WHERE id = ? AND status IN (`+placeholders+`)`,
		args...,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) RecordAttempt(ctx context.Context, db *gorm.DB, id snowflake.ID, failureReason *string, nextRetryAt *time.Time, at time.Time) error {
	var next *time.Time
	if nextRetryAt != nil {
		utc := nextRetryAt.UTC()
		next = &utc
	}
	return db.WithContext(ctx).Exec(
		`UPDATE invoices
		 SET payment_attempts = payment_attempts + 1, failure_reason = ?, next_retry_at = ?, updated_at = ?
		 WHERE id = ?`,
		failureReason, next, at.UTC(), id,
	).Error
}

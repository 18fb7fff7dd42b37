package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterbill/internal/payment/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const attemptColumns = `id, invoice_id, subscription_id, customer_id, gateway, gateway_reference, amount,
	currency, status, failure_reason, attempt_number, created_at, updated_at`

const methodColumns = `id, customer_id, gateway, token, brand, last4, is_default, created_at, updated_at`

func (r *repo) InsertAttempt(ctx context.Context, db *gorm.DB, attempt *domain.PaymentAttempt) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO payment_attempts (`+attemptColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (gateway_reference) DO NOTHING`,
		attempt.ID,
		attempt.InvoiceID,
		attempt.SubscriptionID,
		attempt.CustomerID,
		attempt.Gateway,
		attempt.GatewayReference,
		attempt.Amount,
		attempt.Currency,
		attempt.Status,
		attempt.FailureReason,
		attempt.AttemptNumber,
		attempt.CreatedAt,
		attempt.UpdatedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindAttemptByReference(ctx context.Context, db *gorm.DB, reference string) (*domain.PaymentAttempt, error) {
	var item domain.PaymentAttempt
	err := db.WithContext(ctx).Raw(
		`SELECT `+attemptColumns+` FROM payment_attempts WHERE gateway_reference = ? LIMIT 1`,
		reference,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) ListAttempts(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) ([]domain.PaymentAttempt, error) {
	var items []domain.PaymentAttempt
	err := db.WithContext(ctx).Raw(
		`SELECT `+attemptColumns+` FROM payment_attempts WHERE invoice_id = ? ORDER BY attempt_number ASC, id ASC`,
		invoiceID,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) SettleAttempt(ctx context.Context, db *gorm.DB, id snowflake.ID, status domain.AttemptStatus, failureReason *string, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE payment_attempts
		 SET status = ?, failure_reason = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		status,
		failureReason,
		at,
		id,
		domain.AttemptStatusPending,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindEvent(ctx context.Context, db *gorm.DB, gateway, reference string) (*domain.EventRecord, error) {
	var item domain.EventRecord
	err := db.WithContext(ctx).Raw(
		`SELECT id, gateway, gateway_reference, status, failure_reason, payload, received_at, processed_at
		 FROM payment_events
		 WHERE gateway = ? AND gateway_reference = ?
		 LIMIT 1`,
		gateway,
		reference,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) InsertEvent(ctx context.Context, db *gorm.DB, event *domain.EventRecord) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO payment_events (
			id, gateway, gateway_reference, status, failure_reason, payload, received_at, processed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (gateway, gateway_reference) DO NOTHING`,
		event.ID,
		event.Gateway,
		event.GatewayReference,
		event.Status,
		event.FailureReason,
		event.Payload,
		event.ReceivedAt,
		event.ProcessedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) MarkProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, processedAt time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE payment_events
		 SET processed_at = ?
		 WHERE id = ?`,
		processedAt,
		id,
	).Error
}

func (r *repo) InsertMethod(ctx context.Context, db *gorm.DB, method *domain.PaymentMethod) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO payment_methods (`+methodColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		method.ID,
		method.CustomerID,
		method.Gateway,
		method.Token,
		method.Brand,
		method.Last4,
		method.IsDefault,
		method.CreatedAt,
		method.UpdatedAt,
	).Error
}

func (r *repo) FindMethod(ctx context.Context, db *gorm.DB, customerID string, id snowflake.ID) (*domain.PaymentMethod, error) {
	var item domain.PaymentMethod
	err := db.WithContext(ctx).Raw(
		`SELECT `+methodColumns+` FROM payment_methods WHERE customer_id = ? AND id = ? LIMIT 1`,
		customerID,
		id,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) FindDefaultMethod(ctx context.Context, db *gorm.DB, customerID string) (*domain.PaymentMethod, error) {
	var item domain.PaymentMethod
	err := db.WithContext(ctx).Raw(
		`SELECT `+methodColumns+` FROM payment_methods
		 WHERE customer_id = ?
		 ORDER BY is_default DESC, created_at DESC, id DESC
		 LIMIT 1`,
		customerID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) ListMethods(ctx context.Context, db *gorm.DB, customerID string) ([]domain.PaymentMethod, error) {
	var items []domain.PaymentMethod
	err := db.WithContext(ctx).Raw(
		`SELECT `+methodColumns+` FROM payment_methods WHERE customer_id = ? ORDER BY created_at ASC, id ASC`,
		customerID,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) DeleteMethod(ctx context.Context, db *gorm.DB, customerID string, id snowflake.ID) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`DELETE FROM payment_methods WHERE customer_id = ? AND id = ?`,
		customerID,
		id,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) SetDefaultMethod(ctx context.Context, db *gorm.DB, customerID string, id snowflake.ID, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE payment_methods
		 SET is_default = (id = ?), updated_at = ?
		 WHERE customer_id = ?`,
		id,
		at,
		customerID,
	).Error
}

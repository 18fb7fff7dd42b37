package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	// Insert writes the invoice and its lines. A clash on the period key surfaces as a
	// duplicate-key error.
	Insert(ctx context.Context, db *gorm.DB, invoice *Invoice) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Invoice, error)
	// FindLatest returns the highest revision issued for a period, void ones included.
	FindLatest(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, periodStart time.Time, kind InvoiceKind) (*Invoice, error)
	ListLines(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) ([]InvoiceLine, error)
	// ListByCustomer pages newest first; after is the (issued_at, id) of the last row seen.
	ListByCustomer(ctx context.Context, db *gorm.DB, customerID string, after *Cursor, limit int) ([]Invoice, error)
	ListBySubscription(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) ([]Invoice, error)
	// ListRetryDue returns failed invoices whose next retry is at or before at.
	ListRetryDue(ctx context.Context, db *gorm.DB, at time.Time, limit int) ([]Invoice, error)
	ListUnpaid(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) ([]Invoice, error)

	// UpdateStatus moves an invoice from one of the from statuses to to. It reports false
	// when the invoice was in none of them.
	UpdateStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, to InvoiceStatus, at time.Time, from ...InvoiceStatus) (bool, error)
	// RecordAttempt bumps the attempt counter and schedules the next retry.
	RecordAttempt(ctx context.Context, db *gorm.DB, id snowflake.ID, failureReason *string, nextRetryAt *time.Time, at time.Time) error
}

// Cursor is the keyset position of a listing page.
type Cursor struct {
	IssuedAt time.Time
	ID       snowflake.ID
}

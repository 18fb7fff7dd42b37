package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	// Upsert inserts the alert or, when its dedupe key exists, refreshes the existing row and
	// increments its trigger count. It returns the stored row.
	Upsert(ctx context.Context, db *gorm.DB, alert BillingAlert) (*BillingAlert, error)
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*BillingAlert, error)
	// ListByCustomer returns alerts not expired at now, newest trigger first.
	ListByCustomer(ctx context.Context, db *gorm.DB, filter ListFilter) ([]BillingAlert, error)
	MarkRead(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (bool, error)
	DeleteExpired(ctx context.Context, db *gorm.DB, before time.Time) (int64, error)

	FindPreference(ctx context.Context, db *gorm.DB, customerID string) (*AlertPreference, error)
	UpsertPreference(ctx context.Context, db *gorm.DB, pref AlertPreference) error
}

type ListFilter struct {
	CustomerID string
	UnreadOnly bool
	Now        time.Time
	After      *Cursor
	Limit      int
}

// Cursor is the keyset position of the last alert on a page.
type Cursor struct {
	LastTriggeredAt time.Time
	ID              snowflake.ID
}

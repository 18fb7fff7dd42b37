package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, subscription *Subscription) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Subscription, error)
	// FindLatestByCustomer returns the most recent subscription; a live one is always the latest.
	FindLatestByCustomer(ctx context.Context, db *gorm.DB, customerID string) (*Subscription, error)
	// Update writes every mutable column when the stored version matches subscription.Version
	// and bumps it. It reports false on a version mismatch.
	Update(ctx context.Context, db *gorm.DB, subscription *Subscription) (bool, error)
	// ListDue returns renewing subscriptions whose period ended at or before at.
	ListDue(ctx context.Context, db *gorm.DB, at time.Time, limit int) ([]Subscription, error)
	ListPastDueSince(ctx context.Context, db *gorm.DB, before time.Time, limit int) ([]Subscription, error)
	ListTrialsEndingBetween(ctx context.Context, db *gorm.DB, from, to time.Time) ([]Subscription, error)

	InsertChange(ctx context.Context, db *gorm.DB, change *SubscriptionChange) error
	ListChanges(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) ([]SubscriptionChange, error)
	ListChangesForCycle(ctx context.Context, db *gorm.DB, cycleID snowflake.ID) ([]SubscriptionChange, error)
	MarkChangesInvoiced(ctx context.Context, db *gorm.DB, cycleID, invoiceID snowflake.ID) error
}

package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	InsertAttempt(ctx context.Context, db *gorm.DB, attempt *PaymentAttempt) (bool, error)
	FindAttemptByReference(ctx context.Context, db *gorm.DB, reference string) (*PaymentAttempt, error)
	ListAttempts(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) ([]PaymentAttempt, error)
	// SettleAttempt moves a pending attempt to a final status. It reports false when the
	// attempt was already final.
	SettleAttempt(ctx context.Context, db *gorm.DB, id snowflake.ID, status AttemptStatus, failureReason *string, at time.Time) (bool, error)

	InsertEvent(ctx context.Context, db *gorm.DB, event *EventRecord) (bool, error)
	FindEvent(ctx context.Context, db *gorm.DB, gateway, reference string) (*EventRecord, error)
	MarkProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, processedAt time.Time) error

	InsertMethod(ctx context.Context, db *gorm.DB, method *PaymentMethod) error
	FindMethod(ctx context.Context, db *gorm.DB, customerID string, id snowflake.ID) (*PaymentMethod, error)
	FindDefaultMethod(ctx context.Context, db *gorm.DB, customerID string) (*PaymentMethod, error)
	ListMethods(ctx context.Context, db *gorm.DB, customerID string) ([]PaymentMethod, error)
	DeleteMethod(ctx context.Context, db *gorm.DB, customerID string, id snowflake.ID) (bool, error)
	SetDefaultMethod(ctx context.Context, db *gorm.DB, customerID string, id snowflake.ID, at time.Time) error
}

package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, code *DiscountCode) error
	FindByCode(ctx context.Context, db *gorm.DB, code string) (*DiscountCode, error)
	List(ctx context.Context, db *gorm.DB) ([]DiscountCode, error)
	SetActive(ctx context.Context, db *gorm.DB, code string, active bool, at time.Time) (bool, error)
	// IncrementRedeemed bumps times_redeemed only while below the cap; it reports whether a
	// row was updated.
	IncrementRedeemed(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (bool, error)
	HasRedemption(ctx context.Context, db *gorm.DB, codeID snowflake.ID, customerID string) (bool, error)
	InsertRedemption(ctx context.Context, db *gorm.DB, redemption *DiscountRedemption) error
}

package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	discountdomain "github.com/smallbiznis/meterbill/internal/discount/domain"
	"gorm.io/gorm"
)

const codeColumns = `id, code, description, kind, value, starts_at, expires_at, usage_cap,
	times_redeemed, eligible_plans, min_plan_tier, active, created_at, updated_at`

type repo struct{}

func Provide() discountdomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, code *discountdomain.DiscountCode) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO discount_codes (`+codeColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		code.ID,
		code.Code,
		code.Description,
		code.Kind,
		code.Value,
		code.StartsAt,
		code.ExpiresAt,
		code.UsageCap,
		code.TimesRedeemed,
		code.EligiblePlans,
		code.MinPlanTier,
		code.Active,
		code.CreatedAt,
		code.UpdatedAt,
	).Error
}

func (r *repo) FindByCode(ctx context.Context, db *gorm.DB, code string) (*discountdomain.DiscountCode, error) {
	var row discountdomain.DiscountCode
	err := db.WithContext(ctx).Raw(
		`SELECT `+codeColumns+` FROM discount_codes WHERE code = ?`,
		code,
	).Scan(&row).Error
	if err != nil {
		return nil, err
	}
	if row.ID == 0 {
		return nil, nil
	}
	return &row, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB) ([]discountdomain.DiscountCode, error) {
	var rows []discountdomain.DiscountCode
	err := db.WithContext(ctx).Raw(
		`SELECT ` + codeColumns + ` FROM discount_codes ORDER BY created_at DESC, id DESC`,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repo) SetActive(ctx context.Context, db *gorm.DB, code string, active bool, at time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE discount_codes SET active = ?, updated_at = ? WHERE code = ?`,
		active, at.UTC(), code,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) IncrementRedeemed(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE discount_codes
		 SET times_redeemed = times_redeemed + 1, updated_at = ?
		 WHERE id = ? AND active = ? AND (usage_cap IS NULL OR times_redeemed < usage_cap)`,
		at.UTC(), id, true,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) HasRedemption(ctx context.Context, db *gorm.DB, codeID snowflake.ID, customerID string) (bool, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM discount_redemptions WHERE code_id = ? AND customer_id = ?`,
		codeID, customerID,
	).Scan(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *repo) InsertRedemption(ctx context.Context, db *gorm.DB, redemption *discountdomain.DiscountRedemption) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO discount_redemptions (id, code_id, customer_id, invoice_id, amount, redeemed_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		redemption.ID,
		redemption.CodeID,
		redemption.CustomerID,
		redemption.InvoiceID,
		redemption.Amount,
		redemption.RedeemedAt,
	).Error
}

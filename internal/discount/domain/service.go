package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	plandomain "github.com/smallbiznis/meterbill/internal/plan/domain"
	"gorm.io/gorm"
)

type Reason string

const (
	ReasonNotFound        Reason = "not_found"
	ReasonInactive        Reason = "inactive"
	ReasonNotStarted      Reason = "not_started"
	ReasonExpired         Reason = "expired"
	ReasonCapReached      Reason = "usage_cap_reached"
	ReasonPlanIneligible  Reason = "plan_not_eligible"
	ReasonTierTooLow      Reason = "plan_tier_too_low"
	ReasonAlreadyRedeemed Reason = "already_redeemed"
)

var (
	ErrDiscountInvalid = errors.New("discount_invalid")
	ErrInvalidRequest  = errors.New("invalid_discount_request")
	ErrDuplicateCode   = errors.New("discount_code_exists")
)

// InvalidCodeError explains why a code cannot be used.
type InvalidCodeError struct {
	Code   string
	Reason Reason
}

func (e *InvalidCodeError) Error() string {
	return fmt.Sprintf("discount code %s invalid: %s", e.Code, e.Reason)
}

func (e *InvalidCodeError) Is(target error) bool {
	return target == ErrDiscountInvalid
}

type CreateRequest struct {
	Code          string          `json:"code" validate:"required,min=3,max=64"`
	Description   string          `json:"description"`
	Kind          Kind            `json:"kind" validate:"required,oneof=percentage fixed_amount"`
	Value         decimal.Decimal `json:"value"`
	StartsAt      *time.Time      `json:"starts_at,omitempty"`
	ExpiresAt     *time.Time      `json:"expires_at,omitempty"`
	UsageCap      *int            `json:"usage_cap,omitempty" validate:"omitempty,gte=1"`
	EligiblePlans []string        `json:"eligible_plans,omitempty"`
	MinPlanTier   int             `json:"min_plan_tier,omitempty" validate:"gte=0"`
}

type ValidateRequest struct {
	Code       string
	CustomerID string
	Plan       plandomain.Plan
}

type Validation struct {
	Valid  bool          `json:"valid"`
	Reason Reason        `json:"reason,omitempty"`
	Code   *DiscountCode `json:"code,omitempty"`
}

// Err returns the validation failure as an *InvalidCodeError, or nil.
func (v Validation) Err(code string) error {
	if v.Valid {
		return nil
	}
	return &InvalidCodeError{Code: code, Reason: v.Reason}
}

type RedeemRequest struct {
	Code       string
	CustomerID string
	InvoiceID  snowflake.ID
	Amount     decimal.Decimal
	Plan       plandomain.Plan
}

type Service interface {
	Create(context.Context, CreateRequest) (DiscountCode, error)
	List(context.Context) ([]DiscountCode, error)
	Deactivate(ctx context.Context, code string) error
	// Validate checks a code without consuming it.
	Validate(context.Context, ValidateRequest) (Validation, error)
	// Lookup returns an active code by name without eligibility checks.
	Lookup(ctx context.Context, db *gorm.DB, code string) (*DiscountCode, error)
	// Redeem consumes one use of a code inside the caller's transaction. The cap check and
	// increment are a single statement, so concurrent redemptions cannot exceed the cap.
	Redeem(ctx context.Context, tx *gorm.DB, req RedeemRequest) (DiscountRedemption, error)
}

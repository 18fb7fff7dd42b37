package service

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/go-playground/validator/v10"
	"github.com/smallbiznis/meterbill/internal/clock"
	discountdomain "github.com/smallbiznis/meterbill/internal/discount/domain"
	plandomain "github.com/smallbiznis/meterbill/internal/plan/domain"
	"github.com/smallbiznis/meterbill/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  discountdomain.Repository
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	repo     discountdomain.Repository
	validate *validator.Validate
}

func NewService(p ServiceParam) discountdomain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("discount.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		repo:     p.Repo,
		validate: validator.New(),
	}
}

// NormalizeCode upper-cases and trims a user supplied code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func (s *Service) Create(ctx context.Context, req discountdomain.CreateRequest) (discountdomain.DiscountCode, error) {
	req.Code = NormalizeCode(req.Code)
	if err := s.validate.Struct(req); err != nil {
		return discountdomain.DiscountCode{}, errors.Join(discountdomain.ErrInvalidRequest, err)
	}
	if !req.Value.IsPositive() {
		return discountdomain.DiscountCode{}, discountdomain.ErrInvalidRequest
	}
	if req.Kind == discountdomain.KindPercentage && req.Value.GreaterThan(decimalHundred) {
		return discountdomain.DiscountCode{}, discountdomain.ErrInvalidRequest
	}
	if req.StartsAt != nil && req.ExpiresAt != nil && !req.ExpiresAt.After(*req.StartsAt) {
		return discountdomain.DiscountCode{}, discountdomain.ErrInvalidRequest
	}

	plans := make([]string, 0, len(req.EligiblePlans))
	for _, code := range req.EligiblePlans {
		if code = strings.ToLower(strings.TrimSpace(code)); code != "" {
			plans = append(plans, code)
		}
	}

	now := s.clock.Now()
	code := discountdomain.DiscountCode{
		ID:            s.genID.Generate(),
		Code:          req.Code,
		Description:   strings.TrimSpace(req.Description),
		Kind:          req.Kind,
		Value:         req.Value,
		StartsAt:      utcPtr(req.StartsAt),
		ExpiresAt:     utcPtr(req.ExpiresAt),
		UsageCap:      req.UsageCap,
		EligiblePlans: plans,
		MinPlanTier:   req.MinPlanTier,
		Active:        true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.repo.Insert(ctx, s.db, &code); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return discountdomain.DiscountCode{}, discountdomain.ErrDuplicateCode
		}
		return discountdomain.DiscountCode{}, err
	}

	s.log.Info("discount code created",
		zap.String("code", code.Code),
		zap.String("kind", string(code.Kind)),
		zap.String("value", code.Value.String()),
	)
	return code, nil
}

func (s *Service) List(ctx context.Context) ([]discountdomain.DiscountCode, error) {
	return s.repo.List(ctx, s.db)
}

func (s *Service) Deactivate(ctx context.Context, code string) error {
	ok, err := s.repo.SetActive(ctx, s.db, NormalizeCode(code), false, s.clock.Now())
	if err != nil {
		return err
	}
	if !ok {
		return &discountdomain.InvalidCodeError{Code: NormalizeCode(code), Reason: discountdomain.ReasonNotFound}
	}
	return nil
}

func (s *Service) Lookup(ctx context.Context, tx *gorm.DB, code string) (*discountdomain.DiscountCode, error) {
	if tx == nil {
		tx = s.db
	}
	return s.repo.FindByCode(ctx, tx, NormalizeCode(code))
}

func (s *Service) Validate(ctx context.Context, req discountdomain.ValidateRequest) (discountdomain.Validation, error) {
	return s.check(ctx, s.db, NormalizeCode(req.Code), req.CustomerID, req.Plan)
}

func (s *Service) check(ctx context.Context, tx *gorm.DB, code, customerID string, plan plandomain.Plan) (discountdomain.Validation, error) {
	row, err := s.repo.FindByCode(ctx, tx, code)
	if err != nil {
		return discountdomain.Validation{}, err
	}
	if row == nil {
		return invalid(discountdomain.ReasonNotFound, nil), nil
	}
	if reason, ok := eligible(*row, plan, s.clock.Now()); !ok {
		return invalid(reason, row), nil
	}
	if customerID != "" {
		redeemed, err := s.repo.HasRedemption(ctx, tx, row.ID, customerID)
		if err != nil {
			return discountdomain.Validation{}, err
		}
		if redeemed {
			return invalid(discountdomain.ReasonAlreadyRedeemed, row), nil
		}
	}
	return discountdomain.Validation{Valid: true, Code: row}, nil
}

func (s *Service) Redeem(ctx context.Context, tx *gorm.DB, req discountdomain.RedeemRequest) (discountdomain.DiscountRedemption, error) {
	code := NormalizeCode(req.Code)
	validation, err := s.check(ctx, tx, code, req.CustomerID, req.Plan)
	if err != nil {
		return discountdomain.DiscountRedemption{}, err
	}
	if !validation.Valid {
		return discountdomain.DiscountRedemption{}, validation.Err(code)
	}

	now := s.clock.Now()
	ok, err := s.repo.IncrementRedeemed(ctx, tx, validation.Code.ID, now)
	if err != nil {
		return discountdomain.DiscountRedemption{}, err
	}
	if !ok {
		return discountdomain.DiscountRedemption{}, &discountdomain.InvalidCodeError{Code: code, Reason: discountdomain.ReasonCapReached}
	}

	redemption := discountdomain.DiscountRedemption{
		ID:         s.genID.Generate(),
		CodeID:     validation.Code.ID,
		CustomerID: req.CustomerID,
		InvoiceID:  req.InvoiceID,
		Amount:     req.Amount,
		RedeemedAt: now,
	}
	if err := s.repo.InsertRedemption(ctx, tx, &redemption); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return discountdomain.DiscountRedemption{}, &discountdomain.InvalidCodeError{Code: code, Reason: discountdomain.ReasonAlreadyRedeemed}
		}
		return discountdomain.DiscountRedemption{}, err
	}

	s.log.Info("discount code redeemed",
		zap.String("code", code),
		zap.String("customer_id", req.CustomerID),
		zap.String("invoice_id", req.InvoiceID.String()),
		zap.String("amount", req.Amount.String()),
	)
	return redemption, nil
}

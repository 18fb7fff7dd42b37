package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
	billingcycledomain "github.com/smallbiznis/meterbill/internal/billingcycle/domain"
	"github.com/smallbiznis/meterbill/internal/clock"
	"github.com/smallbiznis/meterbill/internal/config"
	discountdomain "github.com/smallbiznis/meterbill/internal/discount/domain"
	invoicedomain "github.com/smallbiznis/meterbill/internal/invoice/domain"
	invoiceformat "github.com/smallbiznis/meterbill/internal/invoice/format"
	"github.com/smallbiznis/meterbill/internal/invoice/render"
	"github.com/smallbiznis/meterbill/internal/lock"
	"github.com/smallbiznis/meterbill/internal/observability/metrics"
	plandomain "github.com/smallbiznis/meterbill/internal/plan/domain"
	ratingdomain "github.com/smallbiznis/meterbill/internal/rating/domain"
	subscriptiondomain "github.com/smallbiznis/meterbill/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/meterbill/internal/usage/domain"
	"github.com/smallbiznis/meterbill/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const issueLockTTL = 30 * time.Second

type ServiceParam struct {
	fx.In

	DB               *gorm.DB
	Log              *zap.Logger
	GenID            *snowflake.Node
	Clock            clock.Clock
	Repo             invoicedomain.Repository
	Locker           lock.Locker
	Policy           *config.PolicyHolder
	Catalog          plandomain.Catalog
	Subscriptions    subscriptiondomain.Service
	SubscriptionRepo subscriptiondomain.Repository
	Cycles           billingcycledomain.Repository
	Rating           ratingdomain.Service
	Discounts        discountdomain.Service
	Usage            usagedomain.Service
	Renderer         render.Renderer
	Metrics          *metrics.Metrics `optional:"true"`
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock

	repo             invoicedomain.Repository
	locker           lock.Locker
	policy           *config.PolicyHolder
	catalog          plandomain.Catalog
	subscriptions    subscriptiondomain.Service
	subscriptionRepo subscriptiondomain.Repository
	cycles           billingcycledomain.Repository
	rating           ratingdomain.Service
	discounts        discountdomain.Service
	usage            usagedomain.Service
	renderer         render.Renderer
	metrics          *metrics.Metrics
}

func NewService(p ServiceParam) invoicedomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("invoice.service"),
		genID: p.GenID,
		clock: p.Clock,

		repo:             p.Repo,
		locker:           p.Locker,
		policy:           p.Policy,
		catalog:          p.Catalog,
		subscriptions:    p.Subscriptions,
		subscriptionRepo: p.SubscriptionRepo,
		cycles:           p.Cycles,
		rating:           p.Rating,
		discounts:        p.Discounts,
		usage:            p.Usage,
		renderer:         p.Renderer,
		metrics:          p.Metrics,
	}
}

func (s *Service) Issue(ctx context.Context, req invoicedomain.IssueRequest) (invoicedomain.Invoice, error) {
	if req.PeriodStart.IsZero() {
		return invoicedomain.Invoice{}, invoicedomain.ErrInvalidRequest
	}
	subscription, err := s.subscriptions.GetByID(ctx, req.SubscriptionID)
	if err != nil {
		return invoicedomain.Invoice{}, err
	}
	periodStart := req.PeriodStart.UTC()

	release, err := s.locker.Acquire(ctx, invoicedomain.LockKey(subscription.ID, periodStart), issueLockTTL)
	if err != nil {
		return invoicedomain.Invoice{}, err
	}
	defer release()

	return s.issue(ctx, subscription, periodStart, nil)
}

func (s *Service) Supersede(ctx context.Context, req invoicedomain.SupersedeRequest) (invoicedomain.Invoice, error) {
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return invoicedomain.Invoice{}, invoicedomain.ErrInvalidRequest
	}
	current, err := s.load(ctx, req.InvoiceID)
	if err != nil {
		return invoicedomain.Invoice{}, err
	}

	release, err := s.locker.Acquire(ctx, invoicedomain.LockKey(current.SubscriptionID, current.PeriodStart), issueLockTTL)
	if err != nil {
		return invoicedomain.Invoice{}, err
	}
	defer release()

	// re-read under the lock; a payment may have landed meanwhile
	latest, err := s.repo.FindLatest(ctx, s.db, current.SubscriptionID, current.PeriodStart, current.Kind)
	if err != nil {
		return invoicedomain.Invoice{}, err
	}
	if latest == nil || latest.ID != current.ID || !latest.Status.Collectible() {
		return invoicedomain.Invoice{}, invoicedomain.ErrInvoiceNotVoidable
	}
	subscription, err := s.subscriptions.GetByID(ctx, current.SubscriptionID.String())
	if err != nil {
		return invoicedomain.Invoice{}, err
	}

	s.log.Info("superseding invoice",
		zap.String("invoice_id", latest.ID.String()),
		zap.String("number", latest.Number),
		zap.String("reason", reason),
	)
	return s.issue(ctx, subscription, latest.PeriodStart, latest)
}

// issue freezes one period. The caller holds the period lock. previous is the revision being
// replaced, or nil for a first issue.
func (s *Service) issue(ctx context.Context, subscription subscriptiondomain.Subscription, periodStart time.Time, previous *invoicedomain.Invoice) (invoicedomain.Invoice, error) {
	cycle, err := s.cycles.FindByPeriodStart(ctx, s.db, subscription.ID, periodStart)
	if err != nil {
		return invoicedomain.Invoice{}, err
	}
	if cycle == nil {
		return invoicedomain.Invoice{}, billingcycledomain.ErrCycleNotFound
	}
	kind := kindOf(*cycle)

	if previous == nil {
		existing, err := s.existing(ctx, subscription.ID, periodStart, kind)
		if err != nil {
			return invoicedomain.Invoice{}, err
		}
		if existing != nil {
			return *existing, &invoicedomain.DuplicateInvoiceError{Invoice: *existing}
		}
	}

	switch cycle.Status {
	case billingcycledomain.BillingCycleStatusOpen:
		return invoicedomain.Invoice{}, billingcycledomain.ErrCycleNotClosed
	case billingcycledomain.BillingCycleStatusVoid:
		return invoicedomain.Invoice{}, invoicedomain.ErrNotBillable
	}

	plan, err := s.catalog.GetVersion(cycle.PlanCode, cycle.PlanVersion)
	if err != nil {
		return invoicedomain.Invoice{}, err
	}
	var discount *discountdomain.DiscountCode
	if previous == nil {
		discount, err = s.attachedDiscount(ctx, subscription, plan)
		if err != nil {
			return invoicedomain.Invoice{}, err
		}
	}

	now := s.clock.Now()
	policy := s.policy.Get()
	var (
		invoice     invoicedomain.Invoice
		notBillable bool
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if previous != nil && previous.DiscountCode != nil {
			// the code was redeemed by the replaced revision and carries over as is
			if discount, err = s.discounts.Lookup(ctx, tx, *previous.DiscountCode); err != nil {
				return err
			}
		}

		estimate, err := s.rating.Quote(ctx, tx, ratingdomain.QuoteRequest{
			Subscription: subscription,
			Cycle:        *cycle,
			Discount:     discount,
		})
		if err != nil {
			return err
		}

		if !estimate.Billable() {
			notBillable = true
			return s.settleCycle(ctx, tx, *cycle, 0, now)
		}

		invoice, err = s.freeze(estimate, *cycle, kind, policy, now)
		if err != nil {
			return err
		}
		if previous != nil {
			invoice.Revision = previous.Revision + 1
			invoice.SupersedesID = &previous.ID
			ok, err := s.repo.UpdateStatus(ctx, tx, previous.ID, invoicedomain.InvoiceStatusVoid, now,
				invoicedomain.InvoiceStatusIssued, invoicedomain.InvoiceStatusFailed)
			if err != nil {
				return err
			}
			if !ok {
				return invoicedomain.ErrInvoiceNotVoidable
			}
		}

		if err := s.repo.Insert(ctx, tx, &invoice); err != nil {
			return err
		}

		if previous == nil && estimate.Discount.IsPositive() {
			if _, err := s.discounts.Redeem(ctx, tx, discountdomain.RedeemRequest{
				Code:       estimate.DiscountCode,
				CustomerID: subscription.CustomerID,
				InvoiceID:  invoice.ID,
				Amount:     estimate.Discount,
				Plan:       plan,
			}); err != nil {
				return err
			}
		}

		return s.settleCycle(ctx, tx, *cycle, invoice.ID, now)
	})
	if err != nil {
		if db.IsDuplicateKeyErr(err) {
			existing, findErr := s.existing(ctx, subscription.ID, periodStart, kind)
			if findErr == nil && existing != nil {
				return *existing, &invoicedomain.DuplicateInvoiceError{Invoice: *existing}
			}
		}
		return invoicedomain.Invoice{}, err
	}
	if notBillable {
		s.log.Debug("period has nothing to bill",
			zap.String("subscription_id", subscription.ID.String()),
			zap.Time("period_start", periodStart),
		)
		return invoicedomain.Invoice{}, invoicedomain.ErrNotBillable
	}

	s.metrics.RecordInvoiceIssued(ctx, string(invoice.Kind))
	s.log.Info("invoice issued",
		zap.String("invoice_id", invoice.ID.String()),
		zap.String("number", invoice.Number),
		zap.String("subscription_id", subscription.ID.String()),
		zap.String("customer_id", invoice.CustomerID),
		zap.Time("period_start", invoice.PeriodStart),
		zap.Int("revision", invoice.Revision),
		zap.String("total", invoice.Total.StringFixed(2)),
	)
	return invoice, nil
}

// settleCycle marks the period billed and freezes its counters. invoiceID is zero when
// nothing was invoiced.
func (s *Service) settleCycle(ctx context.Context, tx *gorm.DB, cycle billingcycledomain.BillingCycle, invoiceID snowflake.ID, now time.Time) error {
	if err := s.cycles.MarkInvoiced(ctx, tx, cycle.ID, now); err != nil {
		return err
	}
	if invoiceID != 0 {
		if err := s.subscriptionRepo.MarkChangesInvoiced(ctx, tx, cycle.ID, invoiceID); err != nil {
			return err
		}
	}
	return s.usage.CloseCounters(ctx, tx, cycle.SubscriptionID, cycle.PeriodStart)
}

// attachedDiscount returns the code to price the invoice with. A code this customer has
// already redeemed is skipped; any other failure is surfaced so the caller can detach it.
func (s *Service) attachedDiscount(ctx context.Context, subscription subscriptiondomain.Subscription, plan plandomain.Plan) (*discountdomain.DiscountCode, error) {
	if subscription.DiscountCode == nil {
		return nil, nil
	}
	validation, err := s.discounts.Validate(ctx, discountdomain.ValidateRequest{
		Code:       *subscription.DiscountCode,
		CustomerID: subscription.CustomerID,
		Plan:       plan,
	})
	if err != nil {
		return nil, err
	}
	if validation.Reason == discountdomain.ReasonAlreadyRedeemed {
		return nil, nil
	}
	if err := validation.Err(*subscription.DiscountCode); err != nil {
		return nil, err
	}
	return validation.Code, nil
}

func (s *Service) freeze(estimate ratingdomain.Estimate, cycle billingcycledomain.BillingCycle, kind invoicedomain.InvoiceKind, policy config.Policy, now time.Time) (invoicedomain.Invoice, error) {
	id := ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy())
	number, err := invoiceformat.FormatInvoiceNumber(policy.Invoice.NumberFormat, now, id)
	if err != nil {
		return invoicedomain.Invoice{}, err
	}

	invoice := invoicedomain.Invoice{
		ID:             s.genID.Generate(),
		Number:         number,
		CustomerID:     cycle.CustomerID,
		SubscriptionID: cycle.SubscriptionID,
		BillingCycleID: cycle.ID,
		PeriodStart:    cycle.PeriodStart,
		PeriodEnd:      cycle.PeriodEnd,
		Kind:           kind,
		Revision:       1,
		PlanCode:       estimate.PlanCode,
		PlanVersion:    estimate.PlanVersion,
		Currency:       estimate.Currency,
		Subtotal:       estimate.Subtotal,
		Discount:       estimate.Discount,
		Tax:            estimate.Tax,
		TaxRate:        estimate.TaxRate,
		Total:          estimate.Total,
		Status:         invoicedomain.InvoiceStatusIssued,
		IssuedAt:       now,
		DueAt:          now.AddDate(0, 0, policy.InvoiceDueDays),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if estimate.DiscountCode != "" {
		code := estimate.DiscountCode
		invoice.DiscountCode = &code
	}
	if !invoice.Total.IsPositive() {
		// credits and zero-rated periods need no collection
		invoice.Status = invoicedomain.InvoiceStatusPaid
		invoice.PaidAt = &now
	}

	invoice.Lines = make([]invoicedomain.InvoiceLine, 0, len(estimate.Lines))
	for _, line := range estimate.Lines {
		invoice.Lines = append(invoice.Lines, invoicedomain.InvoiceLine{
			ID:          s.genID.Generate(),
			Kind:        line.Kind,
			Metric:      line.Metric,
			Description: line.Description,
			Quantity:    line.Quantity,
			UnitPrice:   line.UnitPrice,
			Amount:      line.Amount,
		})
	}
	return invoice, nil
}

func (s *Service) existing(ctx context.Context, subscriptionID snowflake.ID, periodStart time.Time, kind invoicedomain.InvoiceKind) (*invoicedomain.Invoice, error) {
	row, err := s.repo.FindLatest(ctx, s.db, subscriptionID, periodStart, kind)
	if err != nil || row == nil {
		return nil, err
	}
	if err := s.withLines(ctx, row); err != nil {
		return nil, err
	}
	return row, nil
}

func (s *Service) GetByID(ctx context.Context, id string) (invoicedomain.Invoice, error) {
	invoice, err := s.load(ctx, id)
	if err != nil {
		return invoicedomain.Invoice{}, err
	}
	if err := s.withLines(ctx, &invoice); err != nil {
		return invoicedomain.Invoice{}, err
	}
	return invoice, nil
}

func (s *Service) List(ctx context.Context, req invoicedomain.ListInvoiceRequest) (invoicedomain.ListInvoiceResponse, error) {
	customerID := strings.TrimSpace(req.CustomerID)
	if customerID == "" {
		return invoicedomain.ListInvoiceResponse{}, invoicedomain.ErrInvalidRequest
	}

	var after *invoicedomain.Cursor
	if token := strings.TrimSpace(req.PageToken); token != "" {
		cursor, err := decodeCursor(token)
		if err != nil {
			return invoicedomain.ListInvoiceResponse{}, err
		}
		after = cursor
	}

	limit := req.Limit()
	rows, err := s.repo.ListByCustomer(ctx, s.db, customerID, after, limit+1)
	if err != nil {
		return invoicedomain.ListInvoiceResponse{}, err
	}
	rows, pageInfo, err := paginate(rows, limit)
	if err != nil {
		return invoicedomain.ListInvoiceResponse{}, err
	}
	for i := range rows {
		if err := s.withLines(ctx, &rows[i]); err != nil {
			return invoicedomain.ListInvoiceResponse{}, err
		}
	}
	return invoicedomain.ListInvoiceResponse{PageInfo: pageInfo, Invoices: rows}, nil
}

func (s *Service) ListBySubscription(ctx context.Context, subscriptionID string) ([]invoicedomain.Invoice, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(subscriptionID))
	if err != nil {
		return nil, subscriptiondomain.ErrInvalidSubscription
	}
	return s.repo.ListBySubscription(ctx, s.db, id)
}

func (s *Service) load(ctx context.Context, id string) (invoicedomain.Invoice, error) {
	invoiceID, err := snowflake.ParseString(strings.TrimSpace(id))
	if err != nil {
		return invoicedomain.Invoice{}, invoicedomain.ErrInvalidInvoiceID
	}
	row, err := s.repo.FindByID(ctx, s.db, invoiceID)
	if err != nil {
		return invoicedomain.Invoice{}, err
	}
	if row == nil {
		return invoicedomain.Invoice{}, invoicedomain.ErrInvoiceNotFound
	}
	return *row, nil
}

func (s *Service) withLines(ctx context.Context, invoice *invoicedomain.Invoice) error {
	lines, err := s.repo.ListLines(ctx, s.db, invoice.ID)
	if err != nil {
		return err
	}
	invoice.Lines = lines
	return nil
}

func kindOf(cycle billingcycledomain.BillingCycle) invoicedomain.InvoiceKind {
	if cycle.Kind == billingcycledomain.BillingCycleKindTrial {
		return invoicedomain.InvoiceKindTrialUsage
	}
	return invoicedomain.InvoiceKindPeriod
}

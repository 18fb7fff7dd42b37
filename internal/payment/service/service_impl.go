package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	alertdomain "github.com/smallbiznis/meterbill/internal/alert/domain"
	"github.com/smallbiznis/meterbill/internal/clock"
	"github.com/smallbiznis/meterbill/internal/config"
	invoicedomain "github.com/smallbiznis/meterbill/internal/invoice/domain"
	"github.com/smallbiznis/meterbill/internal/lock"
	obsmetrics "github.com/smallbiznis/meterbill/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/meterbill/internal/payment/domain"
	subscriptiondomain "github.com/smallbiznis/meterbill/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	collectLockTTL   = 2 * time.Minute
	reconcileLockTTL = 30 * time.Second
	defaultRetryScan = 50
)

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	GenID         *snowflake.Node
	Clock         clock.Clock
	Repo          paymentdomain.Repository
	Gateway       paymentdomain.Gateway
	Invoices      invoicedomain.Repository
	Subscriptions subscriptiondomain.Service
	Alerts        alertdomain.Service
	Locker        lock.Locker
	Policy        *config.PolicyHolder
	ObsMetrics    *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db            *gorm.DB
	log           *zap.Logger
	genID         *snowflake.Node
	clock         clock.Clock
	repo          paymentdomain.Repository
	gateway       paymentdomain.Gateway
	invoices      invoicedomain.Repository
	subscriptions subscriptiondomain.Service
	alerts        alertdomain.Service
	locker        lock.Locker
	policy        *config.PolicyHolder
	obsMetrics    *obsmetrics.Metrics
}

func NewService(p Params) paymentdomain.Service {
	return &Service{
		db:            p.DB,
		log:           p.Log.Named("payment.service"),
		genID:         p.GenID,
		clock:         p.Clock,
		repo:          p.Repo,
		gateway:       p.Gateway,
		invoices:      p.Invoices,
		subscriptions: p.Subscriptions,
		alerts:        p.Alerts,
		locker:        p.Locker,
		policy:        p.Policy,
		obsMetrics:    p.ObsMetrics,
	}
}

func (s *Service) Collect(ctx context.Context, invoiceID string) (paymentdomain.CollectResult, error) {
	id, err := parseID(invoiceID, invoicedomain.ErrInvalidInvoiceID)
	if err != nil {
		return paymentdomain.CollectResult{}, err
	}

	release, err := s.locker.TryAcquire(ctx, "collect:"+id.String(), collectLockTTL)
	if err != nil {
		if errors.Is(err, lock.ErrLockNotAcquired) {
			return paymentdomain.CollectResult{}, paymentdomain.ErrCollectionInProgress
		}
		return paymentdomain.CollectResult{}, err
	}
	defer release()

	invoice, err := s.loadInvoice(ctx, id)
	if err != nil {
		return paymentdomain.CollectResult{}, err
	}
	if invoice.Status == invoicedomain.InvoiceStatusPaid {
		return paymentdomain.CollectResult{}, paymentdomain.ErrInvoiceAlreadyPaid
	}
	if !invoice.Payable() {
		return paymentdomain.CollectResult{}, paymentdomain.ErrInvoiceNotPayable
	}

	attempts, err := s.repo.ListAttempts(ctx, s.db, invoice.ID)
	if err != nil {
		return paymentdomain.CollectResult{}, err
	}
	for _, attempt := range attempts {
		if attempt.Status == paymentdomain.AttemptStatusPending {
			return paymentdomain.CollectResult{}, paymentdomain.ErrCollectionInProgress
		}
	}

	token, err := s.resolveToken(ctx, invoice)
	if err != nil {
		return paymentdomain.CollectResult{}, err
	}

	number := invoice.PaymentAttempts + 1
	result, err := s.gateway.Charge(ctx, paymentdomain.ChargeRequest{
		InvoiceID:          invoice.ID,
		InvoiceNumber:      invoice.Number,
		CustomerID:         invoice.CustomerID,
		Amount:             invoice.Total,
		Currency:           invoice.Currency,
		PaymentMethodToken: token,
		IdempotencyKey:     fmt.Sprintf("inv_%s_%d", invoice.ID, number),
	})
	if err != nil {
		s.log.Error("gateway charge failed",
			zap.String("invoice_id", invoice.ID.String()),
			zap.String("gateway", s.gateway.Name()),
			zap.Error(err),
		)
		return paymentdomain.CollectResult{}, fmt.Errorf("charge invoice %s: %w", invoice.Number, err)
	}
	if strings.TrimSpace(result.GatewayReference) == "" {
		return paymentdomain.CollectResult{}, paymentdomain.ErrInvalidEvent
	}
	if result.Status == "" {
		result.Status = paymentdomain.AttemptStatusPending
	}

	now := s.clock.Now()
	attempt := paymentdomain.PaymentAttempt{
		ID:               s.genID.Generate(),
		InvoiceID:        invoice.ID,
		SubscriptionID:   invoice.SubscriptionID,
		CustomerID:       invoice.CustomerID,
		Gateway:          s.gateway.Name(),
		GatewayReference: result.GatewayReference,
		Amount:           invoice.Total,
		Currency:         invoice.Currency,
		Status:           result.Status,
		FailureReason:    optionalString(result.FailureReason),
		AttemptNumber:    number,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if attempt.Status == paymentdomain.AttemptStatusPending {
		if _, err := s.storeAttempt(ctx, s.db, &attempt); err != nil {
			return paymentdomain.CollectResult{}, err
		}
		s.recordEvent(ctx, attempt.Status)
		s.log.Info("payment pending",
			zap.String("invoice_id", invoice.ID.String()),
			zap.String("reference", attempt.GatewayReference),
		)
		return paymentdomain.CollectResult{Invoice: *invoice, Attempt: attempt}, nil
	}

	updated, retrying, err := s.apply(ctx, *invoice, attempt.Status, stringValue(attempt.FailureReason), func(tx *gorm.DB) (bool, error) {
		return s.storeAttempt(ctx, tx, &attempt)
	})
	if err != nil {
		return paymentdomain.CollectResult{}, err
	}
	s.recordEvent(ctx, attempt.Status)
	res := paymentdomain.CollectResult{Invoice: updated, Attempt: attempt}
	if attempt.Status == paymentdomain.AttemptStatusFailed {
		return res, &paymentdomain.FailedPaymentError{Reason: stringValue(attempt.FailureReason), Retrying: retrying}
	}
	return res, nil
}

// storeAttempt records a charge result. A reference already on record is settled instead, so a
// replayed idempotent charge reports whether this call moved it to a final status.
func (s *Service) storeAttempt(ctx context.Context, db *gorm.DB, attempt *paymentdomain.PaymentAttempt) (bool, error) {
	inserted, err := s.repo.InsertAttempt(ctx, db, attempt)
	if err != nil || inserted {
		return inserted, err
	}
	existing, err := s.repo.FindAttemptByReference(ctx, db, attempt.GatewayReference)
	if err != nil {
		return false, err
	}
	if existing == nil {
		return false, paymentdomain.ErrUnknownReference
	}
	settled := false
	if attempt.Status.Final() {
		settled, err = s.repo.SettleAttempt(ctx, db, existing.ID, attempt.Status, attempt.FailureReason, attempt.UpdatedAt)
		if err != nil {
			return false, err
		}
	}
	if settled {
		existing.Status = attempt.Status
		existing.FailureReason = attempt.FailureReason
		existing.UpdatedAt = attempt.UpdatedAt
	}
	*attempt = *existing
	return settled, nil
}

func (s *Service) HandleWebhook(ctx context.Context, gateway string, payload []byte, headers http.Header) (paymentdomain.WebhookResult, error) {
	if !strings.EqualFold(strings.TrimSpace(gateway), s.gateway.Name()) {
		return paymentdomain.WebhookResult{}, paymentdomain.ErrGatewayNotFound
	}
	if err := s.gateway.Verify(ctx, payload, headers); err != nil {
		return paymentdomain.WebhookResult{}, err
	}
	event, err := s.gateway.Parse(ctx, payload)
	if err != nil {
		return paymentdomain.WebhookResult{}, err
	}
	if !event.Status.Final() || strings.TrimSpace(event.GatewayReference) == "" {
		return paymentdomain.WebhookResult{}, paymentdomain.ErrInvalidEvent
	}

	now := s.clock.Now()
	record := paymentdomain.EventRecord{
		ID:               s.genID.Generate(),
		Gateway:          s.gateway.Name(),
		GatewayReference: event.GatewayReference,
		Status:           event.Status,
		FailureReason:    optionalString(event.FailureReason),
		Payload:          datatypes.JSON(payload),
		ReceivedAt:       now,
	}
	inserted, err := s.repo.InsertEvent(ctx, s.db, &record)
	if err != nil {
		return paymentdomain.WebhookResult{}, err
	}
	if !inserted {
		existing, err := s.repo.FindEvent(ctx, s.db, record.Gateway, record.GatewayReference)
		if err != nil {
			return paymentdomain.WebhookResult{}, err
		}
		if existing == nil {
			return paymentdomain.WebhookResult{}, paymentdomain.ErrInvalidEvent
		}
		if existing.ProcessedAt != nil {
			s.log.Info("duplicate webhook ignored",
				zap.String("gateway", record.Gateway),
				zap.String("reference", record.GatewayReference),
				zap.String("event_id", event.EventID),
			)
			attempt, err := s.repo.FindAttemptByReference(ctx, s.db, record.GatewayReference)
			if err != nil {
				return paymentdomain.WebhookResult{}, err
			}
			return paymentdomain.WebhookResult{Duplicate: true, Attempt: attempt}, nil
		}
		// An earlier delivery failed before it was applied; finish it now.
		record = *existing
	}

	attempt, err := s.attemptForEvent(ctx, event, now)
	if err != nil {
		return paymentdomain.WebhookResult{}, err
	}

	// An attempt already final keeps its outcome; the invoice is brought in line with it.
	status, reason := record.Status, stringValue(record.FailureReason)
	if attempt.Status.Final() {
		status, reason = attempt.Status, stringValue(attempt.FailureReason)
	}

	invoice, err := s.loadInvoice(ctx, attempt.InvoiceID)
	if err != nil {
		return paymentdomain.WebhookResult{}, err
	}
	settled := false
	_, _, err = s.apply(ctx, *invoice, status, reason, func(tx *gorm.DB) (bool, error) {
		ok, err := s.repo.SettleAttempt(ctx, tx, attempt.ID, status, optionalString(reason), now)
		settled = ok
		return ok, err
	})
	if err != nil {
		return paymentdomain.WebhookResult{}, err
	}
	if settled {
		attempt.Status = status
		attempt.FailureReason = optionalString(reason)
		attempt.UpdatedAt = now
		s.recordEvent(ctx, status)
	}

	if err := s.repo.MarkProcessed(ctx, s.db, record.ID, now); err != nil {
		return paymentdomain.WebhookResult{}, err
	}
	return paymentdomain.WebhookResult{Attempt: attempt}, nil
}

// attemptForEvent finds the attempt a webhook refers to. A reference first seen by webhook is
// attributed through the invoice id in the charge metadata.
func (s *Service) attemptForEvent(ctx context.Context, event *paymentdomain.Event, now time.Time) (*paymentdomain.PaymentAttempt, error) {
	attempt, err := s.repo.FindAttemptByReference(ctx, s.db, event.GatewayReference)
	if err != nil {
		return nil, err
	}
	if attempt != nil {
		return attempt, nil
	}
	if event.InvoiceID == nil {
		return nil, paymentdomain.ErrUnknownReference
	}

	invoice, err := s.loadInvoice(ctx, *event.InvoiceID)
	if err != nil {
		return nil, err
	}
	created := paymentdomain.PaymentAttempt{
		ID:               s.genID.Generate(),
		InvoiceID:        invoice.ID,
		SubscriptionID:   invoice.SubscriptionID,
		CustomerID:       invoice.CustomerID,
		Gateway:          s.gateway.Name(),
		GatewayReference: event.GatewayReference,
		Amount:           invoice.Total,
		Currency:         invoice.Currency,
		Status:           paymentdomain.AttemptStatusPending,
		AttemptNumber:    invoice.PaymentAttempts + 1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if _, err := s.repo.InsertAttempt(ctx, s.db, &created); err != nil {
		return nil, err
	}
	return s.repo.FindAttemptByReference(ctx, s.db, event.GatewayReference)
}

// settleFunc makes an attempt final inside the invoice transaction. It reports false when the
// attempt was already final, in which case the invoice already carries its outcome.
type settleFunc func(tx *gorm.DB) (bool, error)

// apply settles the attempt and moves the invoice to its outcome in one transaction under the
// period lock shared with issuance, then updates the subscription standing. A success is
// reapplied to an unpaid invoice even when the attempt was already final.
func (s *Service) apply(ctx context.Context, invoice invoicedomain.Invoice, status paymentdomain.AttemptStatus, reason string, settle settleFunc) (invoicedomain.Invoice, bool, error) {
	release, err := s.locker.Acquire(ctx, invoicedomain.LockKey(invoice.SubscriptionID, invoice.PeriodStart), reconcileLockTTL)
	if err != nil {
		return invoicedomain.Invoice{}, false, err
	}
	defer release()

	var (
		updated  *invoicedomain.Invoice
		next     *time.Time
		attempts int
		settled  bool
	)
	now := s.clock.Now()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		settled, err = settle(tx)
		if err != nil {
			return err
		}
		current, err := s.invoices.FindByID(ctx, tx, invoice.ID)
		if err != nil {
			return err
		}
		if current == nil {
			return invoicedomain.ErrInvoiceNotFound
		}

		switch status {
		case paymentdomain.AttemptStatusSucceeded:
			if current.Status == invoicedomain.InvoiceStatusPaid {
				break
			}
			if err := s.invoices.RecordAttempt(ctx, tx, current.ID, nil, nil, now); err != nil {
				return err
			}
			ok, err := s.invoices.UpdateStatus(ctx, tx, current.ID, invoicedomain.InvoiceStatusPaid, now,
				invoicedomain.InvoiceStatusIssued, invoicedomain.InvoiceStatusFailed)
			if err != nil {
				return err
			}
			if !ok {
				s.log.Warn("payment succeeded for uncollectible invoice",
					zap.String("invoice_id", current.ID.String()),
					zap.String("status", string(current.Status)),
				)
				return paymentdomain.ErrInvoiceNotPayable
			}
		case paymentdomain.AttemptStatusFailed:
			if !settled {
				attempts = current.PaymentAttempts
				next = current.NextRetryAt
				break
			}
			if !current.Status.Collectible() {
				return paymentdomain.ErrInvoiceNotPayable
			}
			attempts = current.PaymentAttempts + 1
			if delay, ok := s.policy.Get().Dunning.NextRetry(attempts); ok {
				at := now.Add(delay)
				next = &at
			}
			if err := s.invoices.RecordAttempt(ctx, tx, current.ID, optionalString(reason), next, now); err != nil {
				return err
			}
			if _, err := s.invoices.UpdateStatus(ctx, tx, current.ID, invoicedomain.InvoiceStatusFailed, now,
				invoicedomain.InvoiceStatusIssued, invoicedomain.InvoiceStatusFailed); err != nil {
				return err
			}
		default:
			return paymentdomain.ErrInvalidEvent
		}

		updated, err = s.invoices.FindByID(ctx, tx, current.ID)
		return err
	})
	if err != nil {
		return invoicedomain.Invoice{}, false, err
	}

	switch status {
	case paymentdomain.AttemptStatusSucceeded:
		s.log.Info("invoice paid",
			zap.String("invoice_id", invoice.ID.String()),
			zap.String("subscription_id", invoice.SubscriptionID.String()),
		)
		if err := s.reinstateIfSettled(ctx, invoice.SubscriptionID); err != nil {
			return invoicedomain.Invoice{}, false, err
		}
	case paymentdomain.AttemptStatusFailed:
		s.log.Warn("invoice payment failed",
			zap.String("invoice_id", invoice.ID.String()),
			zap.String("reason", reason),
			zap.Int("attempt", attempts),
			zap.Bool("retrying", next != nil),
		)
		if err := s.subscriptions.MarkPastDue(ctx, invoice.SubscriptionID); err != nil {
			return invoicedomain.Invoice{}, false, err
		}
		if !settled {
			break
		}
		if _, err := s.alerts.PaymentFailed(ctx, alertdomain.PaymentFailure{
			CustomerID:     invoice.CustomerID,
			SubscriptionID: invoice.SubscriptionID,
			InvoiceID:      invoice.ID,
			InvoiceNumber:  invoice.Number,
			PeriodStart:    invoice.PeriodStart,
			Amount:         invoice.Total,
			Currency:       invoice.Currency,
			Reason:         reason,
			Attempt:        attempts,
			Final:          next == nil,
		}); err != nil {
			s.log.Warn("failed to raise payment alert", zap.String("invoice_id", invoice.ID.String()), zap.Error(err))
		}
	}
	return *updated, next != nil, nil
}

// reinstateIfSettled returns a past-due subscription to active once no failed invoice is left.
func (s *Service) reinstateIfSettled(ctx context.Context, subscriptionID snowflake.ID) error {
	unpaid, err := s.invoices.ListUnpaid(ctx, s.db, subscriptionID)
	if err != nil {
		return err
	}
	for _, invoice := range unpaid {
		if invoice.Status == invoicedomain.InvoiceStatusFailed {
			return nil
		}
	}
	return s.subscriptions.MarkPaid(ctx, subscriptionID)
}

func (s *Service) RetryDue(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = defaultRetryScan
	}
	due, err := s.invoices.ListRetryDue(ctx, s.db, s.clock.Now(), limit)
	if err != nil {
		return 0, err
	}

	collected := 0
	for _, invoice := range due {
		if err := ctx.Err(); err != nil {
			return collected, err
		}
		_, err := s.Collect(ctx, invoice.ID.String())
		switch {
		case err == nil:
			collected++
		case errors.Is(err, paymentdomain.ErrPaymentFailed),
			errors.Is(err, paymentdomain.ErrCollectionInProgress),
			errors.Is(err, paymentdomain.ErrInvoiceNotPayable),
			errors.Is(err, paymentdomain.ErrInvoiceAlreadyPaid):
			s.log.Info("dunning retry not collected",
				zap.String("invoice_id", invoice.ID.String()),
				zap.String("reason", err.Error()),
			)
		default:
			s.log.Error("dunning retry failed", zap.String("invoice_id", invoice.ID.String()), zap.Error(err))
		}
	}
	return collected, nil
}

func (s *Service) ListAttempts(ctx context.Context, invoiceID string) ([]paymentdomain.PaymentAttempt, error) {
	id, err := parseID(invoiceID, invoicedomain.ErrInvalidInvoiceID)
	if err != nil {
		return nil, err
	}
	if _, err := s.loadInvoice(ctx, id); err != nil {
		return nil, err
	}
	attempts, err := s.repo.ListAttempts(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if attempts == nil {
		attempts = []paymentdomain.PaymentAttempt{}
	}
	return attempts, nil
}

func (s *Service) loadInvoice(ctx context.Context, id snowflake.ID) (*invoicedomain.Invoice, error) {
	invoice, err := s.invoices.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if invoice == nil {
		return nil, invoicedomain.ErrInvoiceNotFound
	}
	return invoice, nil
}

// resolveToken prefers the customer's default stored method over the token on the subscription.
func (s *Service) resolveToken(ctx context.Context, invoice *invoicedomain.Invoice) (string, error) {
	method, err := s.repo.FindDefaultMethod(ctx, s.db, invoice.CustomerID)
	if err != nil {
		return "", err
	}
	if method != nil && strings.TrimSpace(method.Token) != "" {
		return method.Token, nil
	}

	subscription, err := s.subscriptions.GetByID(ctx, invoice.SubscriptionID.String())
	if err != nil {
		return "", err
	}
	if token := stringValue(subscription.PaymentMethodToken); strings.TrimSpace(token) != "" {
		return token, nil
	}
	return "", paymentdomain.ErrNoPaymentMethod
}

func (s *Service) recordEvent(ctx context.Context, status paymentdomain.AttemptStatus) {
	if s.obsMetrics == nil {
		return
	}
	s.obsMetrics.RecordPaymentEvent(ctx, s.gateway.Name(), string(status))
}

func parseID(raw string, invalid error) (snowflake.ID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, invalid
	}
	id, err := snowflake.ParseString(raw)
	if err != nil {
		return 0, invalid
	}
	return id, nil
}

func optionalString(value string) *string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return &value
}

func stringValue(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	discountdomain "github.com/smallbiznis/meterbill/internal/discount/domain"
	invoicedomain "github.com/smallbiznis/meterbill/internal/invoice/domain"
	paymentdomain "github.com/smallbiznis/meterbill/internal/payment/domain"
	"go.uber.org/zap"
)

// RenewalsJob advances every subscription whose period has ended and bills the periods
// that closed.
func (s *Scheduler) RenewalsJob(ctx context.Context) (int, error) {
	due, err := s.subscriptions.ListDue(ctx, s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, subscription := range due {
		if err := ctx.Err(); err != nil {
			return processed, err
		}
		result, err := s.subscriptions.Advance(ctx, subscription.ID)
		if err != nil {
			s.logItemError(ctx, "subscription advance failed", err,
				zap.String("subscription_id", subscription.ID.String()))
			continue
		}
		for _, cycle := range result.Closed {
			if err := s.bill(ctx, cycle.SubscriptionID, cycle.PeriodStart); err != nil {
				s.logItemError(ctx, "period billing failed", err,
					zap.String("subscription_id", cycle.SubscriptionID.String()),
					zap.Time("period_start", cycle.PeriodStart))
			}
		}
		processed++
	}
	return processed, nil
}

// InvoiceSweepJob bills closed periods left without an invoice, e.g. after a crash between
// renewal and issuance.
func (s *Scheduler) InvoiceSweepJob(ctx context.Context) (int, error) {
	cycles, err := s.cycles.ListUninvoiced(ctx, s.db, s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, cycle := range cycles {
		if err := ctx.Err(); err != nil {
			return processed, err
		}
		if err := s.bill(ctx, cycle.SubscriptionID, cycle.PeriodStart); err != nil {
			s.logItemError(ctx, "period billing failed", err,
				zap.String("cycle_id", cycle.ID.String()),
				zap.String("subscription_id", cycle.SubscriptionID.String()))
			continue
		}
		processed++
	}
	return processed, nil
}

func (s *Scheduler) DunningJob(ctx context.Context) (int, error) {
	return s.payments.RetryDue(ctx, s.cfg.BatchSize)
}

func (s *Scheduler) GraceExpiryJob(ctx context.Context) (int, error) {
	expired, err := s.subscriptions.ExpireGrace(ctx, s.policy.Get().Dunning.GracePeriod, s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	for _, subscription := range expired {
		s.logger(ctx).Warn("subscription cancelled after grace period",
			zap.String("subscription_id", subscription.ID.String()),
			zap.String("customer_id", subscription.CustomerID),
		)
	}
	return len(expired), nil
}

func (s *Scheduler) TrialAlertsJob(ctx context.Context) (int, error) {
	return s.alerts.SweepTrialsEnding(ctx)
}

func (s *Scheduler) AlertPurgeJob(ctx context.Context) (int, error) {
	purged, err := s.alerts.PurgeExpired(ctx)
	return int(purged), err
}

// bill issues the invoice for a closed period and submits it for collection. A discount
// that stopped being valid is detached and the period is priced without it.
func (s *Scheduler) bill(ctx context.Context, subscriptionID snowflake.ID, periodStart time.Time) error {
	req := invoicedomain.IssueRequest{SubscriptionID: subscriptionID.String(), PeriodStart: periodStart}
	invoice, err := s.invoices.Issue(ctx, req)

	var invalid *discountdomain.InvalidCodeError
	if errors.As(err, &invalid) {
		s.logger(ctx).Warn("detaching invalid discount",
			zap.String("subscription_id", subscriptionID.String()),
			zap.String("code", invalid.Code),
			zap.String("reason", string(invalid.Reason)),
		)
		if err := s.subscriptions.DetachDiscount(ctx, subscriptionID, invalid.Code); err != nil {
			return err
		}
		invoice, err = s.invoices.Issue(ctx, req)
	}

	var duplicate *invoicedomain.DuplicateInvoiceError
	switch {
	case err == nil:
	case errors.As(err, &duplicate):
		invoice = duplicate.Invoice
	case errors.Is(err, invoicedomain.ErrNotBillable):
		return nil
	default:
		return err
	}

	if !invoice.Payable() {
		return nil
	}
	_, err = s.payments.Collect(ctx, invoice.ID.String())
	switch {
	case err == nil:
		return nil
	case errors.Is(err, paymentdomain.ErrPaymentFailed):
		// dunning owns it from here
		return nil
	case errors.Is(err, paymentdomain.ErrNoPaymentMethod):
		s.logger(ctx).Warn("invoice left open without payment method",
			zap.String("invoice_id", invoice.ID.String()),
			zap.String("customer_id", invoice.CustomerID),
		)
		return nil
	case errors.Is(err, paymentdomain.ErrCollectionInProgress),
		errors.Is(err, paymentdomain.ErrInvoiceAlreadyPaid),
		errors.Is(err, paymentdomain.ErrInvoiceNotPayable):
		return nil
	default:
		return err
	}
}

package service

import (
	"context"
	"errors"

	subscriptiondomain "github.com/smallbiznis/meterbill/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/meterbill/internal/usage/domain"
	"go.uber.org/zap"
)

// Gate runs check, operation and record as one guarded unit. The subscription's read lock is
// held throughout, so a plan change or cancellation waits for the operation to be accounted.
func (s *Service) Gate(ctx context.Context, req usagedomain.GateRequest, op usagedomain.Operation) (usagedomain.GateResult, error) {
	customerID, err := validateTarget(req.CustomerID, req.Metric)
	if err != nil {
		return usagedomain.GateResult{}, err
	}
	if req.Quantity.IsNegative() {
		return usagedomain.GateResult{}, usagedomain.ErrInvalidQuantity
	}
	key := optionalKey(req.IdempotencyKey)
	if key == nil {
		generated := newIdempotencyKey()
		key = &generated
	}

	subscription, release, err := s.hold(ctx, customerID)
	if err != nil {
		return usagedomain.GateResult{}, err
	}
	defer release()

	now := s.clock.Now()
	period, err := s.resolve(subscription, req.Metric, now)
	if err != nil {
		return usagedomain.GateResult{}, err
	}
	check, err := s.evaluate(ctx, period, req.Quantity)
	if err != nil {
		return usagedomain.GateResult{}, err
	}
	result := usagedomain.GateResult{Check: check}
	if !check.Allowed {
		s.metrics.RecordLimitDenied(ctx, string(req.Metric), string(check.Kind))
		return result, check.Err(req.Quantity)
	}

	if err := op(ctx); err != nil {
		return result, err
	}

	record := s.newRecord(period, req.Quantity, key, req.Metadata, s.clock.Now())
	counter, inserted, err := s.write(ctx, record, period.end)
	if err != nil {
		result.Pending = true
		s.queuePending(ctx, record, period, err)
		return result, nil
	}
	result.Counter = &counter
	if inserted {
		s.committed(ctx, period, record, counter)
	}
	return result, nil
}

// hold resolves the customer's subscription and takes its read lock, re-reading after the lock
// so the state used for the check is the state the lock protects.
func (s *Service) hold(ctx context.Context, customerID string) (subscriptiondomain.Subscription, func(), error) {
	cached, err := s.subscriptions.GetActiveByCustomerID(ctx, customerID)
	if err != nil {
		return subscriptiondomain.Subscription{}, nil, err
	}
	id := cached.ID
	for attempt := 0; attempt < 2; attempt++ {
		release := s.subscriptions.Hold(id)
		fresh, err := s.subscriptions.RequireActive(ctx, customerID)
		if err != nil {
			release()
			return subscriptiondomain.Subscription{}, nil, err
		}
		if fresh.ID == id {
			return fresh, release, nil
		}
		release()
		id = fresh.ID
	}
	return subscriptiondomain.Subscription{}, nil, subscriptiondomain.ErrConcurrentModification
}

func (s *Service) queuePending(ctx context.Context, record usagedomain.UsageRecord, period meteredPeriod, cause error) {
	fields := []zap.Field{
		zap.NamedError("cause", cause),
		zap.String("customer_id", record.CustomerID),
		zap.String("subscription_id", record.SubscriptionID.String()),
		zap.String("metric", string(record.Metric)),
		zap.String("quantity", record.Quantity.String()),
		zap.Stringp("idempotency_key", record.IdempotencyKey),
	}
	switch {
	case errors.Is(cause, usagedomain.ErrPeriodClosed):
		s.log.Error("usage for a completed operation landed in a closed period", fields...)
		s.metrics.RecordUsagePending(ctx, "period_closed")
		return
	case errors.Is(cause, usagedomain.ErrDuplicateUsage):
		s.log.Error("usage for a completed operation reused an idempotency key", fields...)
		s.metrics.RecordUsagePending(ctx, "duplicate")
		return
	}
	if err := s.pending.Enqueue(usagedomain.PendingUsage{
		Record:      record,
		PeriodEnd:   period.end,
		NextAttempt: s.clock.Now(),
	}); err != nil {
		s.log.Error("usage for a completed operation could not be queued", append(fields, zap.Error(err))...)
		s.metrics.RecordUsagePending(ctx, "dropped")
		return
	}
	s.log.Warn("usage write failed, queued for retry", fields...)
	s.metrics.RecordUsagePending(ctx, "write_failed")
}

package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	billingcycledomain "github.com/smallbiznis/meterbill/internal/billingcycle/domain"
	plandomain "github.com/smallbiznis/meterbill/internal/plan/domain"
	subscriptiondomain "github.com/smallbiznis/meterbill/internal/subscription/domain"
	"github.com/smallbiznis/meterbill/pkg/money"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// maxCatchUp bounds how many missed periods a single Advance will roll over.
const maxCatchUp = 36

func (s *Service) ChangePlan(ctx context.Context, req subscriptiondomain.ChangePlanRequest) (subscriptiondomain.ChangePlanResult, error) {
	id, err := parseID(req.SubscriptionID)
	if err != nil {
		return subscriptiondomain.ChangePlanResult{}, err
	}
	target, err := s.catalog.Get(req.PlanCode)
	if err != nil {
		return subscriptiondomain.ChangePlanResult{}, err
	}

	var result subscriptiondomain.ChangePlanResult
	updated, err := s.mutate(ctx, id, func(tx *gorm.DB, subscription *subscriptiondomain.Subscription, now time.Time) error {
		result = subscriptiondomain.ChangePlanResult{}

		switch subscription.Status {
		case subscriptiondomain.SubscriptionStatusTrialing, subscriptiondomain.SubscriptionStatusActive:
		case subscriptiondomain.SubscriptionStatusCancelled:
			return subscriptiondomain.ErrSubscriptionCancelled
		default:
			return subscriptiondomain.ErrSubscriptionInactive
		}
		if !now.Before(subscription.CurrentPeriodEnd) {
			return subscriptiondomain.ErrPeriodElapsed
		}

		newCycle, err := parseCycle(req.BillingCycle, subscription.BillingCycle)
		if err != nil {
			return err
		}
		if target.Ref() == subscription.Plan() && newCycle == subscription.BillingCycle {
			return subscriptiondomain.ErrNoChange
		}

		current, err := s.catalog.GetVersion(subscription.PlanCode, subscription.PlanVersion)
		if err != nil {
			return err
		}
		cycle, err := s.currentCycle(ctx, tx, subscription)
		if err != nil {
			return err
		}

		change := subscriptiondomain.SubscriptionChange{
			ID:             s.genID.Generate(),
			SubscriptionID: subscription.ID,
			CustomerID:     subscription.CustomerID,
			BillingCycleID: cycle.ID,
			Kind:           subscriptiondomain.ChangeKindPlan,
			Direction:      subscriptiondomain.Direction(current, target),
			OldPlanCode:    current.Code,
			OldPlanVersion: current.Version,
			OldCycle:       subscription.BillingCycle,
			NewPlanCode:    target.Code,
			NewPlanVersion: target.Version,
			NewCycle:       newCycle,
			OldPrice:       current.Price(subscription.BillingCycle),
			NewPrice:       target.Price(newCycle),
			Credit:         decimal.Zero,
			Charge:         decimal.Zero,
			EffectiveAt:    now,
			CreatedAt:      now,
		}

		switch {
		case cycle.Kind == billingcycledomain.BillingCycleKindTrial:
			// no fee has accrued during a trial; the new plan prices the first paid period
			if newCycle != subscription.BillingCycle {
				change.Kind = subscriptiondomain.ChangeKindCycle
			}
			subscription.BillingCycle = newCycle
			if err := s.cycles.UpdatePlan(ctx, tx, cycle.ID, target.Code, target.Version, now); err != nil {
				return err
			}

		case newCycle == subscription.BillingCycle:
			change.Credit = cycle.Remaining(change.OldPrice, now)
			change.Charge = cycle.Remaining(change.NewPrice, now)
			if err := s.cycles.UpdatePlan(ctx, tx, cycle.ID, target.Code, target.Version, now); err != nil {
				return err
			}

		default:
			// a cycle switch ends the running period now and starts a fresh anchor grid
			change.Kind = subscriptiondomain.ChangeKindCycle
			change.Credit = cycle.Remaining(change.OldPrice, now)
			closed, err := s.closeCycle(ctx, tx, cycle, billingcycledomain.BillingCycleStatusClosed, now, now)
			if err != nil {
				return err
			}
			opened := s.newCycle(subscription, billingcycledomain.BillingCycleKindRegular, target, newCycle, now, now, newCycle.Boundary(now, 1), now)
			if err := s.cycles.Insert(ctx, tx, &opened); err != nil {
				return err
			}
			subscription.BillingCycle = newCycle
			subscription.BillingAnchor = now
			s.moveTo(subscription, opened)
			result.ClosedCycle = &closed
		}

		change.Net = change.Charge.Sub(change.Credit)
		if err := s.repo.InsertChange(ctx, tx, &change); err != nil {
			return err
		}
		subscription.PlanCode = target.Code
		subscription.PlanVersion = target.Version
		result.Change = change
		return nil
	})
	if err != nil {
		return subscriptiondomain.ChangePlanResult{}, err
	}
	result.Subscription = updated

	s.log.Info("subscription plan changed",
		zap.String("subscription_id", updated.ID.String()),
		zap.String("customer_id", updated.CustomerID),
		zap.String("from", result.Change.OldPlanCode),
		zap.String("to", result.Change.NewPlanCode),
		zap.String("direction", string(result.Change.Direction)),
		zap.String("net", money.Round(result.Change.Net).String()),
		zap.Bool("cycle_switched", result.ClosedCycle != nil),
	)
	return result, nil
}

func (s *Service) Cancel(ctx context.Context, req subscriptiondomain.CancelRequest) (subscriptiondomain.CancelResult, error) {
	id, err := parseID(req.SubscriptionID)
	if err != nil {
		return subscriptiondomain.CancelResult{}, err
	}

	var result subscriptiondomain.CancelResult
	updated, err := s.mutate(ctx, id, func(tx *gorm.DB, subscription *subscriptiondomain.Subscription, now time.Time) error {
		result = subscriptiondomain.CancelResult{}
		if subscription.Status.Terminal() {
			return subscriptiondomain.ErrSubscriptionCancelled
		}

		if req.EndOfPeriod {
			if subscription.Status == subscriptiondomain.SubscriptionStatusPastDue {
				return subscriptiondomain.ErrInvalidTransition
			}
			if subscription.CancelAtPeriodEnd {
				return errUnchanged
			}
			subscription.CancelAtPeriodEnd = true
			return nil
		}

		cycle, err := s.currentCycle(ctx, tx, subscription)
		if err != nil {
			return err
		}

		if now.After(cycle.PeriodStart) {
			closed, err := s.closeCycle(ctx, tx, cycle, billingcycledomain.BillingCycleStatusClosed, now, now)
			if err != nil {
				return err
			}
			result.ClosedCycle = &closed

			if cycle.Kind == billingcycledomain.BillingCycleKindRegular {
				plan, err := s.catalog.GetVersion(subscription.PlanCode, subscription.PlanVersion)
				if err != nil {
					return err
				}
				price := plan.Price(subscription.BillingCycle)
				credit := cycle.Remaining(price, now)
				change := subscriptiondomain.SubscriptionChange{
					ID:             s.genID.Generate(),
					SubscriptionID: subscription.ID,
					CustomerID:     subscription.CustomerID,
					BillingCycleID: cycle.ID,
					Kind:           subscriptiondomain.ChangeKindCancellation,
					Direction:      subscriptiondomain.DirectionLateral,
					OldPlanCode:    plan.Code,
					OldPlanVersion: plan.Version,
					OldCycle:       subscription.BillingCycle,
					NewPlanCode:    plan.Code,
					NewPlanVersion: plan.Version,
					NewCycle:       subscription.BillingCycle,
					OldPrice:       price,
					NewPrice:       decimal.Zero,
					Credit:         credit,
					Charge:         decimal.Zero,
					Net:            credit.Neg(),
					EffectiveAt:    now,
					CreatedAt:      now,
				}
				if err := s.repo.InsertChange(ctx, tx, &change); err != nil {
					return err
				}
				result.Change = &change
			}
		} else {
			// cancelled at the instant the period opened: nothing accrued
			if _, err := s.closeCycle(ctx, tx, cycle, billingcycledomain.BillingCycleStatusVoid, now, now); err != nil {
				return err
			}
		}

		s.terminate(subscription, subscriptiondomain.SubscriptionStatusCancelled, now)
		subscription.CurrentPeriodEnd = now
		return nil
	})
	if err != nil {
		return subscriptiondomain.CancelResult{}, err
	}
	result.Subscription = updated

	s.log.Info("subscription cancellation applied",
		zap.String("subscription_id", updated.ID.String()),
		zap.String("customer_id", updated.CustomerID),
		zap.Bool("end_of_period", req.EndOfPeriod),
		zap.String("status", string(updated.Status)),
	)
	return result, nil
}

func (s *Service) Advance(ctx context.Context, subscriptionID snowflake.ID) (subscriptiondomain.AdvanceResult, error) {
	var result subscriptiondomain.AdvanceResult
	updated, err := s.mutate(ctx, subscriptionID, func(tx *gorm.DB, subscription *subscriptiondomain.Subscription, now time.Time) error {
		result = subscriptiondomain.AdvanceResult{}

		for i := 0; i < maxCatchUp && !now.Before(subscription.CurrentPeriodEnd); i++ {
			// past-due subscriptions wait for payment or grace expiry
			if subscription.Status != subscriptiondomain.SubscriptionStatusTrialing &&
				subscription.Status != subscriptiondomain.SubscriptionStatusActive {
				break
			}

			cycle, err := s.currentCycle(ctx, tx, subscription)
			if err != nil {
				return err
			}
			closed, err := s.closeCycle(ctx, tx, cycle, billingcycledomain.BillingCycleStatusClosed, cycle.PeriodEnd, now)
			if err != nil {
				return err
			}
			result.Closed = append(result.Closed, closed)

			if subscription.CancelAtPeriodEnd {
				status := subscriptiondomain.SubscriptionStatusCancelled
				if subscription.Status == subscriptiondomain.SubscriptionStatusTrialing {
					status = subscriptiondomain.SubscriptionStatusExpired
				}
				s.terminate(subscription, status, cycle.PeriodEnd)
				break
			}

			plan, err := s.catalog.GetVersion(subscription.PlanCode, subscription.PlanVersion)
			if err != nil {
				return err
			}
			start := cycle.PeriodEnd
			cycleStart, cycleEnd := subscription.BillingCycle.Enclosing(subscription.BillingAnchor, start)
			opened := s.newCycle(subscription, billingcycledomain.BillingCycleKindRegular, plan, subscription.BillingCycle, start, cycleStart, cycleEnd, now)
			if err := s.cycles.Insert(ctx, tx, &opened); err != nil {
				return err
			}
			subscription.Status = subscriptiondomain.SubscriptionStatusActive
			s.moveTo(subscription, opened)
			result.Opened = &opened
		}

		if len(result.Closed) == 0 {
			return errUnchanged
		}
		return nil
	})
	if err != nil {
		return subscriptiondomain.AdvanceResult{}, err
	}
	result.Subscription = updated

	if len(result.Closed) > 0 {
		s.log.Info("subscription advanced",
			zap.String("subscription_id", updated.ID.String()),
			zap.String("customer_id", updated.CustomerID),
			zap.Int("closed_periods", len(result.Closed)),
			zap.String("status", string(updated.Status)),
			zap.Time("period_end", updated.CurrentPeriodEnd),
		)
	}
	return result, nil
}

func (s *Service) MarkPastDue(ctx context.Context, subscriptionID snowflake.ID) error {
	_, err := s.mutate(ctx, subscriptionID, func(tx *gorm.DB, subscription *subscriptiondomain.Subscription, now time.Time) error {
		if subscription.Status != subscriptiondomain.SubscriptionStatusActive {
			return errUnchanged
		}
		subscription.Status = subscriptiondomain.SubscriptionStatusPastDue
		subscription.PastDueSince = &now
		s.log.Warn("subscription past due",
			zap.String("subscription_id", subscription.ID.String()),
			zap.String("customer_id", subscription.CustomerID),
		)
		return nil
	})
	return err
}

func (s *Service) MarkPaid(ctx context.Context, subscriptionID snowflake.ID) error {
	_, err := s.mutate(ctx, subscriptionID, func(tx *gorm.DB, subscription *subscriptiondomain.Subscription, now time.Time) error {
		if subscription.Status != subscriptiondomain.SubscriptionStatusPastDue {
			return errUnchanged
		}
		subscription.Status = subscriptiondomain.SubscriptionStatusActive
		subscription.PastDueSince = nil
		s.log.Info("subscription reinstated",
			zap.String("subscription_id", subscription.ID.String()),
			zap.String("customer_id", subscription.CustomerID),
		)
		return nil
	})
	return err
}

func (s *Service) ExpireGrace(ctx context.Context, grace time.Duration, limit int) ([]subscriptiondomain.Subscription, error) {
	cutoff := s.clock.Now().Add(-grace)
	candidates, err := s.repo.ListPastDueSince(ctx, s.db, cutoff, batchSize(limit))
	if err != nil {
		return nil, err
	}

	var expired []subscriptiondomain.Subscription
	for _, candidate := range candidates {
		var changed bool
		updated, err := s.mutate(ctx, candidate.ID, func(tx *gorm.DB, subscription *subscriptiondomain.Subscription, now time.Time) error {
			changed = false
			if subscription.Status != subscriptiondomain.SubscriptionStatusPastDue ||
				subscription.PastDueSince == nil || subscription.PastDueSince.After(now.Add(-grace)) {
				return errUnchanged
			}
			cycle, err := s.cycles.FindByID(ctx, tx, subscription.CurrentCycleID)
			if err != nil {
				return err
			}
			if cycle != nil && cycle.IsOpen() {
				end := cycle.PeriodEnd
				if now.Before(end) {
					end = now
				}
				if _, err := s.closeCycle(ctx, tx, *cycle, billingcycledomain.BillingCycleStatusVoid, end, now); err != nil {
					return err
				}
				subscription.CurrentPeriodEnd = end
			}
			s.terminate(subscription, subscriptiondomain.SubscriptionStatusCancelled, now)
			changed = true
			return nil
		})
		if err != nil {
			return expired, err
		}
		if changed {
			s.log.Warn("subscription cancelled after grace period",
				zap.String("subscription_id", updated.ID.String()),
				zap.String("customer_id", updated.CustomerID),
			)
			expired = append(expired, updated)
		}
	}
	return expired, nil
}

func (s *Service) currentCycle(ctx context.Context, tx *gorm.DB, subscription *subscriptiondomain.Subscription) (billingcycledomain.BillingCycle, error) {
	cycle, err := s.cycles.FindByID(ctx, tx, subscription.CurrentCycleID)
	if err != nil {
		return billingcycledomain.BillingCycle{}, err
	}
	if cycle == nil {
		return billingcycledomain.BillingCycle{}, billingcycledomain.ErrCycleNotFound
	}
	if !cycle.IsOpen() {
		return billingcycledomain.BillingCycle{}, subscriptiondomain.ErrConcurrentModification
	}
	return *cycle, nil
}

func (s *Service) closeCycle(ctx context.Context, tx *gorm.DB, cycle billingcycledomain.BillingCycle, status billingcycledomain.BillingCycleStatus, end, now time.Time) (billingcycledomain.BillingCycle, error) {
	ok, err := s.cycles.Close(ctx, tx, cycle.ID, status, end, now)
	if err != nil {
		return billingcycledomain.BillingCycle{}, err
	}
	if !ok {
		return billingcycledomain.BillingCycle{}, subscriptiondomain.ErrConcurrentModification
	}
	cycle.Status = status
	cycle.PeriodEnd = end
	cycle.ClosedAt = &now
	cycle.UpdatedAt = now
	return cycle, nil
}

func (s *Service) newCycle(
	subscription *subscriptiondomain.Subscription,
	kind billingcycledomain.BillingCycleKind,
	plan plandomain.Plan,
	cycle plandomain.BillingCycle,
	start, cycleStart, cycleEnd, now time.Time,
) billingcycledomain.BillingCycle {
	return billingcycledomain.BillingCycle{
		ID:              s.genID.Generate(),
		SubscriptionID:  subscription.ID,
		CustomerID:      subscription.CustomerID,
		Kind:            kind,
		PeriodStart:     start,
		PeriodEnd:       cycleEnd,
		CycleStart:      cycleStart,
		CycleEnd:        cycleEnd,
		BasePlanCode:    plan.Code,
		BasePlanVersion: plan.Version,
		BaseCycle:       cycle,
		PlanCode:        plan.Code,
		PlanVersion:     plan.Version,
		Status:          billingcycledomain.BillingCycleStatusOpen,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func (s *Service) moveTo(subscription *subscriptiondomain.Subscription, cycle billingcycledomain.BillingCycle) {
	subscription.CurrentCycleID = cycle.ID
	subscription.CurrentPeriodStart = cycle.PeriodStart
	subscription.CurrentPeriodEnd = cycle.PeriodEnd
}

func (s *Service) terminate(subscription *subscriptiondomain.Subscription, status subscriptiondomain.SubscriptionStatus, at time.Time) {
	subscription.Status = status
	subscription.CancelledAt = &at
	subscription.ActiveCustomerKey = nil
	subscription.CancelAtPeriodEnd = false
}

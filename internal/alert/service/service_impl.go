package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	alertdomain "github.com/smallbiznis/meterbill/internal/alert/domain"
	"github.com/smallbiznis/meterbill/internal/cache"
	"github.com/smallbiznis/meterbill/internal/clock"
	"github.com/smallbiznis/meterbill/internal/config"
	"github.com/smallbiznis/meterbill/internal/observability/metrics"
	subscriptiondomain "github.com/smallbiznis/meterbill/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	preferenceCacheSize = 4096
	preferenceCacheTTL  = time.Minute

	// trials are never longer than this, so one listing covers every customer's notice window
	maxTrialNotice = 90 * 24 * time.Hour
)

var hundred = decimal.NewFromInt(100)

type ServiceParam struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	GenID         *snowflake.Node
	Clock         clock.Clock
	Repo          alertdomain.Repository
	Policy        *config.PolicyHolder
	Subscriptions subscriptiondomain.Service
	Metrics       *metrics.Metrics `optional:"true"`
}

// Service stores billing alerts. It also observes committed usage and computed estimates.
type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock

	repo          alertdomain.Repository
	policy        *config.PolicyHolder
	subscriptions subscriptiondomain.Service
	metrics       *metrics.Metrics
	preferences   *cache.Cache[string, alertdomain.AlertPreference]
}

func NewService(p ServiceParam) *Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("alert.service"),
		genID: p.GenID,
		clock: p.Clock,

		repo:          p.Repo,
		policy:        p.Policy,
		subscriptions: p.Subscriptions,
		metrics:       p.Metrics,
		preferences:   cache.New[string, alertdomain.AlertPreference](preferenceCacheSize, preferenceCacheTTL),
	}
}

// raise stores alert, folding it into an existing alert for the same condition.
func (s *Service) raise(ctx context.Context, alert alertdomain.BillingAlert) (alertdomain.BillingAlert, error) {
	now := s.clock.Now()
	alert.ID = s.genID.Generate()
	alert.PeriodStart = alert.PeriodStart.UTC()
	alert.LastTriggeredAt = now
	alert.CreatedAt = now
	alert.UpdatedAt = now
	if ttl := s.policy.Get().AlertTTL; ttl > 0 && alert.ExpiresAt == nil {
		expires := now.Add(ttl)
		alert.ExpiresAt = &expires
	}

	stored, err := s.repo.Upsert(ctx, s.db, alert)
	if err != nil {
		return alertdomain.BillingAlert{}, err
	}
	if stored == nil {
		return alertdomain.BillingAlert{}, alertdomain.ErrAlertNotFound
	}
	s.metrics.RecordAlert(ctx, string(stored.Type), string(stored.Severity))
	s.log.Info("alert raised",
		zap.String("customer_id", stored.CustomerID),
		zap.String("type", string(stored.Type)),
		zap.String("subject", stored.Subject),
		zap.String("severity", string(stored.Severity)),
		zap.Int("trigger_count", stored.TriggerCount),
	)
	return *stored, nil
}

func (s *Service) List(ctx context.Context, req alertdomain.ListAlertRequest) (alertdomain.ListAlertResponse, error) {
	customerID := strings.TrimSpace(req.CustomerID)
	if customerID == "" {
		return alertdomain.ListAlertResponse{}, alertdomain.ErrInvalidRequest
	}

	filter := alertdomain.ListFilter{
		CustomerID: customerID,
		UnreadOnly: req.UnreadOnly,
		Now:        s.clock.Now(),
	}
	if token := strings.TrimSpace(req.PageToken); token != "" {
		cursor, err := decodeCursor(token)
		if err != nil {
			return alertdomain.ListAlertResponse{}, err
		}
		filter.After = cursor
	}

	limit := req.Limit()
	filter.Limit = limit + 1
	rows, err := s.repo.ListByCustomer(ctx, s.db, filter)
	if err != nil {
		return alertdomain.ListAlertResponse{}, err
	}
	rows, pageInfo, err := paginate(rows, limit)
	if err != nil {
		return alertdomain.ListAlertResponse{}, err
	}
	return alertdomain.ListAlertResponse{PageInfo: pageInfo, Alerts: rows}, nil
}

func (s *Service) MarkRead(ctx context.Context, id string) (alertdomain.BillingAlert, error) {
	alertID, err := snowflake.ParseString(strings.TrimSpace(id))
	if err != nil || alertID <= 0 {
		return alertdomain.BillingAlert{}, alertdomain.ErrInvalidAlertID
	}
	ok, err := s.repo.MarkRead(ctx, s.db, alertID, s.clock.Now())
	if err != nil {
		return alertdomain.BillingAlert{}, err
	}
	if !ok {
		return alertdomain.BillingAlert{}, alertdomain.ErrAlertNotFound
	}
	alert, err := s.repo.FindByID(ctx, s.db, alertID)
	if err != nil {
		return alertdomain.BillingAlert{}, err
	}
	if alert == nil {
		return alertdomain.BillingAlert{}, alertdomain.ErrAlertNotFound
	}
	return *alert, nil
}

func (s *Service) GetPreference(ctx context.Context, customerID string) (alertdomain.AlertPreference, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return alertdomain.AlertPreference{}, alertdomain.ErrInvalidRequest
	}
	pref, _, err := s.preferences.GetOrLoad(ctx, customerID, func(ctx context.Context) (alertdomain.AlertPreference, bool, error) {
		stored, err := s.repo.FindPreference(ctx, s.db, customerID)
		if err != nil {
			return alertdomain.AlertPreference{}, false, err
		}
		if stored == nil {
			return alertdomain.AlertPreference{CustomerID: customerID}, true, nil
		}
		return *stored, true, nil
	})
	return pref, err
}

func (s *Service) SetPreference(ctx context.Context, req alertdomain.PreferenceRequest) (alertdomain.AlertPreference, error) {
	customerID := strings.TrimSpace(req.CustomerID)
	if customerID == "" {
		return alertdomain.AlertPreference{}, alertdomain.ErrInvalidRequest
	}
	if req.EstimateCeiling != nil && req.EstimateCeiling.IsNegative() {
		return alertdomain.AlertPreference{}, alertdomain.ErrInvalidRequest
	}
	if req.TrialNoticeDays != nil && (*req.TrialNoticeDays < 0 || *req.TrialNoticeDays > 90) {
		return alertdomain.AlertPreference{}, alertdomain.ErrInvalidRequest
	}

	now := s.clock.Now()
	pref := alertdomain.AlertPreference{
		CustomerID:      customerID,
		EstimateCeiling: req.EstimateCeiling,
		TrialNoticeDays: req.TrialNoticeDays,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.repo.UpsertPreference(ctx, s.db, pref); err != nil {
		return alertdomain.AlertPreference{}, err
	}
	s.preferences.Remove(customerID)
	return s.GetPreference(ctx, customerID)
}

func (s *Service) PaymentFailed(ctx context.Context, failure alertdomain.PaymentFailure) (alertdomain.BillingAlert, error) {
	severity := alertdomain.SeverityHigh
	message := "Payment for invoice " + failure.InvoiceNumber + " of " + failure.Currency + " " +
		failure.Amount.StringFixed(2) + " failed"
	if reason := strings.TrimSpace(failure.Reason); reason != "" {
		message += ": " + reason
	}
	if failure.Final {
		severity = alertdomain.SeverityCritical
		message += ". No further retries are scheduled."
	}
	return s.raise(ctx, alertdomain.BillingAlert{
		CustomerID:     failure.CustomerID,
		SubscriptionID: failure.SubscriptionID,
		Type:           alertdomain.AlertTypePaymentFailed,
		Subject:        failure.InvoiceID.String(),
		PeriodStart:    failure.PeriodStart,
		Severity:       severity,
		Title:          "Payment failed",
		Message:        message,
		CurrentValue:   decimal.NewFromInt(int64(failure.Attempt)),
		LimitValue:     failure.Amount,
		ActionRequired: true,
	})
}

func (s *Service) SweepTrialsEnding(ctx context.Context) (int, error) {
	trials, err := s.subscriptions.ListTrialsEnding(ctx, maxTrialNotice)
	if err != nil {
		return 0, err
	}

	now := s.clock.Now()
	defaultDays := s.policy.Get().TrialNoticeDays
	raised := 0
	for _, sub := range trials {
		if sub.TrialEnd == nil {
			continue
		}
		days := defaultDays
		pref, err := s.GetPreference(ctx, sub.CustomerID)
		if err != nil {
			return raised, err
		}
		if pref.TrialNoticeDays != nil {
			days = *pref.TrialNoticeDays
		}
		remaining := sub.TrialEnd.Sub(now)
		if remaining > time.Duration(days)*24*time.Hour {
			continue
		}

		severity := alertdomain.SeverityNormal
		if remaining <= 24*time.Hour {
			severity = alertdomain.SeverityHigh
		}
		expires := *sub.TrialEnd
		_, err = s.raise(ctx, alertdomain.BillingAlert{
			CustomerID:     sub.CustomerID,
			SubscriptionID: sub.ID,
			Type:           alertdomain.AlertTypeTrialEnding,
			Subject:        sub.PlanCode,
			PeriodStart:    sub.CurrentPeriodStart,
			Severity:       severity,
			Title:          "Trial ending soon",
			Message:        "Your " + sub.PlanCode + " trial ends on " + sub.TrialEnd.UTC().Format("2006-01-02"),
			CurrentValue:   decimal.NewFromFloat(remaining.Hours() / 24).Round(1),
			LimitValue:     decimal.NewFromInt(int64(days)),
			ActionRequired: sub.PaymentMethodToken == nil,
			ExpiresAt:      &expires,
		})
		if err != nil {
			return raised, err
		}
		raised++
	}
	return raised, nil
}

func (s *Service) PurgeExpired(ctx context.Context) (int64, error) {
	n, err := s.repo.DeleteExpired(ctx, s.db, s.clock.Now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Info("expired alerts purged", zap.Int64("count", n))
	}
	return n, nil
}

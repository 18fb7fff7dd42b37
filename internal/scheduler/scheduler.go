// Package scheduler drives the time-based side of billing: period renewal and invoicing,
// collection retries, grace-period expiry and alert upkeep.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/robfig/cron/v3"
	alertdomain "github.com/smallbiznis/meterbill/internal/alert/domain"
	billingcycledomain "github.com/smallbiznis/meterbill/internal/billingcycle/domain"
	"github.com/smallbiznis/meterbill/internal/clock"
	"github.com/smallbiznis/meterbill/internal/config"
	invoicedomain "github.com/smallbiznis/meterbill/internal/invoice/domain"
	"github.com/smallbiznis/meterbill/internal/lock"
	obsmetrics "github.com/smallbiznis/meterbill/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/meterbill/internal/payment/domain"
	subscriptiondomain "github.com/smallbiznis/meterbill/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	GenID         *snowflake.Node
	Clock         clock.Clock
	Config        Config `optional:"true"`
	Locker        lock.Locker
	Policy        *config.PolicyHolder
	Subscriptions subscriptiondomain.Service
	Invoices      invoicedomain.Service
	Cycles        billingcycledomain.Repository
	Payments      paymentdomain.Service
	Alerts        alertdomain.Service
	Metrics       *obsmetrics.SchedulerMetrics `optional:"true"`
}

type Scheduler struct {
	db            *gorm.DB
	log           *zap.Logger
	cfg           Config
	genID         *snowflake.Node
	clock         clock.Clock
	locker        lock.Locker
	policy        *config.PolicyHolder
	subscriptions subscriptiondomain.Service
	invoices      invoicedomain.Service
	cycles        billingcycledomain.Repository
	payments      paymentdomain.Service
	alerts        alertdomain.Service
	metrics       *obsmetrics.SchedulerMetrics

	mu   sync.Mutex
	cron *cron.Cron
}

type job struct {
	name     string
	resource string
	run      func(ctx context.Context) (int, error)
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.GenID == nil || p.Clock == nil || p.Locker == nil || p.Policy == nil ||
		p.Subscriptions == nil || p.Invoices == nil || p.Cycles == nil || p.Payments == nil || p.Alerts == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:            p.DB,
		log:           p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:           p.Config.withDefaults(),
		genID:         p.GenID,
		clock:         p.Clock,
		locker:        p.Locker,
		policy:        p.Policy,
		subscriptions: p.Subscriptions,
		invoices:      p.Invoices,
		cycles:        p.Cycles,
		payments:      p.Payments,
		alerts:        p.Alerts,
		metrics:       p.Metrics,
	}, nil
}

func (s *Scheduler) jobs() []job {
	return []job{
		{JobRenewals, "subscription", s.RenewalsJob},
		{JobInvoiceSweep, "billing_cycle", s.InvoiceSweepJob},
		{JobDunning, "invoice", s.DunningJob},
		{JobGraceExpiry, "subscription", s.GraceExpiryJob},
		{JobTrialAlerts, "alert", s.TrialAlertsJob},
		{JobAlertPurge, "alert", s.AlertPurgeJob},
	}
}

// runJob executes one job under its cluster-wide lock. A tick that finds the lock held is
// skipped; a deadline is a soft failure picked up by the next tick.
func (s *Scheduler) runJob(parent context.Context, j job) error {
	ctx, cancel := context.WithTimeout(parent, s.cfg.JobTimeout)
	defer cancel()

	release, err := s.locker.TryAcquire(ctx, "scheduler:"+j.name, s.cfg.LockTTL)
	if err != nil {
		if errors.Is(err, lock.ErrLockNotAcquired) {
			s.metrics.IncJobSkipped(j.name)
			return nil
		}
		return fmt.Errorf("%s: %w", j.name, err)
	}
	defer release()

	ctx, run := s.startJobRun(ctx, j.name)
	s.logJobStart(ctx, run)
	s.metrics.IncJobRun(j.name)
	start := time.Now()

	processed, err := j.run(ctx)
	run.AddProcessed(processed)
	s.metrics.ObserveJobDuration(j.name, time.Since(start))
	s.metrics.AddBatchProcessed(j.name, j.resource, processed)
	if err != nil && run.errorCount == 0 {
		run.IncError()
	}
	s.logJobFinish(ctx, run)
	if err == nil {
		return nil
	}

	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	s.metrics.IncJobError(j.name, err)
	if isTimeout {
		s.metrics.IncJobTimeout(j.name)
		s.logger(ctx).Warn("job timed out",
			zap.String("job", j.name),
			zap.Duration("timeout", s.cfg.JobTimeout),
			zap.Error(err),
		)
		return nil
	}
	return fmt.Errorf("%s: %w", j.name, err)
}

// RunOnce runs every enabled job once, in order.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	var err error
	for _, j := range s.jobs() {
		if !s.cfg.jobEnabled(j.name) {
			continue
		}
		err = errors.Join(err, s.runJob(ctx, j))
	}
	return err
}

// Start registers the enabled jobs with cron and starts it. Overlapping ticks of one job are
// skipped.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}

	logger := cronLogger{log: s.log.Sugar()}
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	for _, j := range s.jobs() {
		if !s.cfg.jobEnabled(j.name) {
			continue
		}
		j := j
		spec := s.cfg.spec(j.name)
		if _, err := c.AddFunc(spec, func() {
			if err := s.runJob(ctx, j); err != nil {
				s.log.Warn("scheduler job failed", zap.String("job", j.name), zap.Error(err))
			}
		}); err != nil {
			return fmt.Errorf("schedule %s (%q): %w", j.name, spec, err)
		}
		s.log.Info("scheduler job registered", zap.String("job", j.name), zap.String("spec", spec))
	}
	c.Start()
	s.cron = c
	return nil
}

// Stop halts cron and waits for running jobs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

package pending

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/meterbill/internal/clock"
	obsmetrics "github.com/smallbiznis/meterbill/internal/observability/metrics"
	usagedomain "github.com/smallbiznis/meterbill/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log     *zap.Logger
	Clock   clock.Clock
	Queue   *Queue
	Usage   usagedomain.Service
	Metrics *obsmetrics.Metrics `optional:"true"`
	Config  Config              `optional:"true"`
}

type Worker struct {
	log     *zap.Logger
	clock   clock.Clock
	queue   *Queue
	usage   usagedomain.Service
	metrics *obsmetrics.Metrics
	cfg     Config
}

func NewWorker(p Params) *Worker {
	return &Worker{
		log:     p.Log.Named("usage.pending"),
		clock:   p.Clock,
		queue:   p.Queue,
		usage:   p.Usage,
		metrics: p.Metrics,
		cfg:     p.Config.withDefaults(),
	}
}

func (w *Worker) RunForever(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		w.RunOnce(ctx)
	}
}

// RunOnce replays every due item and returns how many landed.
func (w *Worker) RunOnce(parentCtx context.Context) int {
	ctx, cancel := context.WithTimeout(parentCtx, w.cfg.RunTimeout)
	defer cancel()

	return w.replay(ctx, w.queue.Due(w.clock.Now()))
}

// Drain replays everything still queued, ignoring backoff, until ctx is done. Items that still
// fail are logged with enough detail to be re-entered by hand.
func (w *Worker) Drain(ctx context.Context) error {
	for w.queue.Len() > 0 {
		if err := ctx.Err(); err != nil {
			break
		}
		items := w.queue.Take()
		if w.replay(ctx, items) == 0 && w.queue.Len() > 0 {
			// nothing lands; stop hammering a failing store
			break
		}
	}
	remaining := w.queue.Take()
	for _, item := range remaining {
		w.log.Error("pending usage not recorded at shutdown",
			zap.String("customer_id", item.Record.CustomerID),
			zap.String("subscription_id", item.Record.SubscriptionID.String()),
			zap.String("metric", string(item.Record.Metric)),
			zap.String("quantity", item.Record.Quantity.String()),
			zap.Time("period_start", item.Record.PeriodStart),
			zap.Stringp("idempotency_key", item.Record.IdempotencyKey),
		)
	}
	if len(remaining) > 0 {
		return errors.New("usage_pending_not_drained")
	}
	return nil
}

func (w *Worker) replay(ctx context.Context, items []usagedomain.PendingUsage) int {
	landed := 0
	for _, item := range items {
		err := w.usage.Replay(ctx, item)
		switch {
		case err == nil:
			landed++
			w.metrics.RecordUsagePending(ctx, "replayed")
		case errors.Is(err, usagedomain.ErrPeriodClosed):
			w.metrics.RecordUsagePending(ctx, "period_closed")
			w.log.Error("pending usage landed in a closed period",
				zap.String("customer_id", item.Record.CustomerID),
				zap.String("subscription_id", item.Record.SubscriptionID.String()),
				zap.String("metric", string(item.Record.Metric)),
				zap.String("quantity", item.Record.Quantity.String()),
				zap.Time("period_start", item.Record.PeriodStart),
			)
		default:
			item.Attempts++
			item.NextAttempt = w.clock.Now().Add(w.cfg.backoff(item.Attempts))
			if qerr := w.queue.Enqueue(item); qerr != nil {
				w.log.Error("pending usage dropped", zap.Error(qerr), zap.NamedError("cause", err),
					zap.String("customer_id", item.Record.CustomerID),
					zap.String("metric", string(item.Record.Metric)),
					zap.String("quantity", item.Record.Quantity.String()),
				)
				continue
			}
			w.log.Warn("pending usage replay failed", zap.Error(err),
				zap.Int("attempts", item.Attempts),
				zap.Time("next_attempt", item.NextAttempt),
			)
		}
	}
	return landed
}

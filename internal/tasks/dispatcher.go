package tasks

import (
	"context"
	"log/slog"
	"time"

	"figwatch/internal/config"
	"figwatch/internal/pkg/taskqueue"
)

// Deduper suppresses duplicate task submissions within a time window.
type Deduper interface {
	IsDuplicate(ctx context.Context, fingerprint string) (bool, error)
}

// Dispatcher submits the periodic maintenance tasks: the price update
// fan-out, the nightly aggregation and the listing cleanup. The dedup guard
// keeps multiple api replicas from double-submitting the same tick.
type Dispatcher struct {
	cfg      *config.Config
	producer *taskqueue.Producer
	deduper  Deduper
	logger   *slog.Logger
}

func NewDispatcher(cfg *config.Config, producer *taskqueue.Producer, deduper Deduper, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{cfg: cfg, producer: producer, deduper: deduper, logger: logger}
}

// Run blocks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	priceTicker := time.NewTicker(d.cfg.App.PriceUpdateInterval)
	aggTicker := time.NewTicker(d.cfg.App.AggregateInterval)
	cleanupTicker := time.NewTicker(d.cfg.App.CleanupInterval)
	defer priceTicker.Stop()
	defer aggTicker.Stop()
	defer cleanupTicker.Stop()

	d.logger.Info("dispatcher started",
		slog.Duration("price_update_interval", d.cfg.App.PriceUpdateInterval),
		slog.Duration("aggregate_interval", d.cfg.App.AggregateInterval),
		slog.Duration("cleanup_interval", d.cfg.App.CleanupInterval))

	for {
		select {
		case <-ctx.Done():
			return
		case <-priceTicker.C:
			d.submit(ctx, TaskUpdateAllPrices, nil)
		case <-aggTicker.C:
			d.submit(ctx, TaskAggregateDaily, nil)
		case <-cleanupTicker.C:
			d.submit(ctx, TaskCleanupListings, nil)
		}
	}
}

func (d *Dispatcher) submit(ctx context.Context, name string, args interface{}) {
	if d.deduper != nil {
		// Fingerprint on the tick's hour so replicas firing within the
		// dedup window collapse to one submission.
		fingerprint := name + "@" + time.Now().UTC().Format("2006-01-02T15")
		dup, err := d.deduper.IsDuplicate(ctx, fingerprint)
		if err != nil {
			d.logger.Warn("dedup check failed, submitting anyway", slog.String("task", name), slog.String("error", err.Error()))
		} else if dup {
			d.logger.Info("periodic task already submitted elsewhere", slog.String("task", name))
			return
		}
	}

	if err := d.producer.Submit(ctx, name, args, "schedule"); err != nil {
		d.logger.Error("submit periodic task failed", slog.String("task", name), slog.String("error", err.Error()))
	}
}

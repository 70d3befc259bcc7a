package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"figwatch/internal/aggregate"
	"figwatch/internal/config"
	"figwatch/internal/pipeline"
	"figwatch/internal/pkg/taskqueue"
	"figwatch/internal/scraper"
	"figwatch/internal/storage"
)

const dateLayout = "2006-01-02"

// Handlers binds the task names to the ingestion pipeline, the aggregation
// engine and the source adapters. One instance serves the whole worker.
type Handlers struct {
	cfg      *config.Config
	store    storage.Store
	sources  *scraper.Registry
	pipeline *pipeline.Pipeline
	engine   *aggregate.Engine
	producer *taskqueue.Producer
	logger   *slog.Logger
	now      func() time.Time
}

func NewHandlers(
	cfg *config.Config,
	store storage.Store,
	sources *scraper.Registry,
	pipe *pipeline.Pipeline,
	engine *aggregate.Engine,
	producer *taskqueue.Producer,
	logger *slog.Logger,
) *Handlers {
	return &Handlers{
		cfg:      cfg,
		store:    store,
		sources:  sources,
		pipeline: pipe,
		engine:   engine,
		producer: producer,
		logger:   logger,
		now:      time.Now,
	}
}

// RegisterAll wires every task into the registry.
func (h *Handlers) RegisterAll(r *Registry) {
	r.Register(TaskSyncCatalog, h.SyncCatalog)
	r.Register(TaskFetchPrices, h.FetchPrices)
	r.Register(TaskUpdateAllPrices, h.UpdateAllPrices)
	r.Register(TaskAggregateDaily, h.AggregateDaily)
	r.Register(TaskAggregateItem, h.AggregateItem)
	r.Register(TaskCleanupListings, h.CleanupListings)
	r.Register(TaskBackfillSnapshots, h.BackfillSnapshots)
}

type syncCatalogArgs struct {
	Theme string `json:"theme"`
	Year  int    `json:"year"`
	Limit int    `json:"limit"`
}

// SyncCatalog pulls catalog entries from every enabled source and runs them
// through the pipeline. Sources without a catalog contribute nothing.
func (h *Handlers) SyncCatalog(ctx context.Context, rawArgs json.RawMessage) error {
	var args syncCatalogArgs
	if err := unmarshalArgs(rawArgs, &args); err != nil {
		return err
	}
	if args.Limit <= 0 {
		args.Limit = h.cfg.App.CatalogPageSize
	}

	var lastErr error
	for _, adapter := range h.sources.All() {
		figs, err := adapter.FetchCatalog(ctx, args.Theme, args.Year, args.Limit)
		h.recordSource(ctx, adapter.Name(), err)
		if err != nil {
			h.logger.Warn("catalog fetch failed", slog.String("source", adapter.Name()), slog.String("error", err.Error()))
			lastErr = classifySourceErr(err)
			continue
		}
		if len(figs) == 0 {
			continue
		}

		summary, err := h.pipeline.Process(ctx, pipeline.Batch{Source: adapter.Name(), Catalog: figs})
		if err != nil {
			return fmt.Errorf("process catalog from %s: %w", adapter.Name(), err)
		}
		h.logger.Info("catalog synced",
			slog.String("source", adapter.Name()),
			slog.Int("saved", summary.Saved),
			slog.Int("errors", summary.Errors),
			slog.Int("total", summary.Total))
	}
	return lastErr
}

type fetchPricesArgs struct {
	SetNumber string `json:"set_number"`
	Condition string `json:"condition"`
}

// FetchPrices collects current price listings for one minifigure from every
// enabled source, persists them and schedules a same-day re-aggregation.
func (h *Handlers) FetchPrices(ctx context.Context, rawArgs json.RawMessage) error {
	var args fetchPricesArgs
	if err := unmarshalArgs(rawArgs, &args); err != nil {
		return err
	}
	// The set number is case-insensitive; the catalog stores it lower-cased.
	setNumber := strings.ToLower(strings.TrimSpace(args.SetNumber))
	if setNumber == "" {
		return Fatalf("fetch_prices: set_number is required")
	}

	fig, err := h.store.GetMinifigureBySetNumber(ctx, setNumber)
	if errors.Is(err, storage.ErrNotFound) {
		return Fatalf("fetch_prices: unknown set number %q", setNumber)
	}
	if err != nil {
		return fmt.Errorf("look up %s: %w", setNumber, err)
	}

	condition := scraper.Condition(args.Condition)
	saved := 0
	var lastErr error
	for _, adapter := range h.sources.All() {
		listings, err := adapter.FetchPriceListings(ctx, fig.SetNumber, condition)
		h.recordSource(ctx, adapter.Name(), err)
		if err != nil {
			h.logger.Warn("price fetch failed",
				slog.String("source", adapter.Name()),
				slog.String("set_number", fig.SetNumber),
				slog.String("error", err.Error()))
			lastErr = classifySourceErr(err)
			continue
		}
		if len(listings) == 0 {
			continue
		}

		summary, err := h.pipeline.Process(ctx, pipeline.Batch{Source: adapter.Name(), Listings: listings})
		if err != nil {
			return fmt.Errorf("process listings from %s: %w", adapter.Name(), err)
		}
		saved += summary.Saved
	}

	if saved > 0 && h.producer != nil {
		itemArgs := aggregateItemArgs{MinifigID: fig.ID, Date: h.now().UTC().Format(dateLayout)}
		if err := h.producer.Submit(ctx, TaskAggregateItem, itemArgs, TaskFetchPrices); err != nil {
			h.logger.Warn("schedule re-aggregation failed", slog.String("error", err.Error()))
		}
	}
	return lastErr
}

type updateAllPricesArgs struct {
	BatchSize int `json:"batch_size"`
}

// UpdateAllPrices fans one fetch_prices task out for each of the batch_size
// newest minifigures, staggering the due times so the fan-out does not
// stampede the sources. The rest of the catalog waits for the next cycle.
func (h *Handlers) UpdateAllPrices(ctx context.Context, rawArgs json.RawMessage) error {
	var args updateAllPricesArgs
	if err := unmarshalArgs(rawArgs, &args); err != nil {
		return err
	}
	batchSize := args.BatchSize
	if batchSize <= 0 {
		batchSize = h.cfg.App.PriceBatchSize
	}
	if h.producer == nil {
		return Fatalf("update_all_prices: no producer configured")
	}

	figs, err := h.store.ListMinifiguresNewestFirst(ctx, batchSize, 0)
	if err != nil {
		return fmt.Errorf("list minifigures: %w", err)
	}
	submitted := 0
	for _, fig := range figs {
		delay := time.Duration(submitted) * h.cfg.App.StaggerDelay
		fetchArgs := fetchPricesArgs{SetNumber: fig.SetNumber}
		if err := h.producer.SubmitAfter(ctx, TaskFetchPrices, fetchArgs, TaskUpdateAllPrices, delay); err != nil {
			return fmt.Errorf("submit fetch_prices for %s: %w", fig.SetNumber, err)
		}
		submitted++
	}

	h.logger.Info("price update fan-out done", slog.Int("submitted", submitted))
	return nil
}

type aggregateDailyArgs struct {
	Date string `json:"date"`
}

// AggregateDaily recomputes the snapshots for one day; without an explicit
// date it closes out yesterday (UTC).
func (h *Handlers) AggregateDaily(ctx context.Context, rawArgs json.RawMessage) error {
	var args aggregateDailyArgs
	if err := unmarshalArgs(rawArgs, &args); err != nil {
		return err
	}

	day := aggregate.Day(h.now()).AddDate(0, 0, -1)
	if args.Date != "" {
		parsed, err := time.Parse(dateLayout, args.Date)
		if err != nil {
			return Fatalf("aggregate_daily: bad date %q: %v", args.Date, err)
		}
		day = parsed
	}

	_, err := h.engine.AggregateForDate(ctx, day)
	return err
}

type aggregateItemArgs struct {
	MinifigID uint   `json:"minifig_id"`
	Date      string `json:"date"`
}

// AggregateItem recomputes one minifigure's snapshot; without an explicit
// date it targets today (UTC), the day fresh listings land on.
func (h *Handlers) AggregateItem(ctx context.Context, rawArgs json.RawMessage) error {
	var args aggregateItemArgs
	if err := unmarshalArgs(rawArgs, &args); err != nil {
		return err
	}
	if args.MinifigID == 0 {
		return Fatalf("aggregate_item: minifig_id is required")
	}
	if _, err := h.store.GetMinifigureByID(ctx, args.MinifigID); errors.Is(err, storage.ErrNotFound) {
		return Fatalf("aggregate_item: unknown minifig id %d", args.MinifigID)
	} else if err != nil {
		return err
	}

	day := aggregate.Day(h.now())
	if args.Date != "" {
		parsed, err := time.Parse(dateLayout, args.Date)
		if err != nil {
			return Fatalf("aggregate_item: bad date %q: %v", args.Date, err)
		}
		day = parsed
	}

	_, err := h.engine.AggregateForMinifig(ctx, args.MinifigID, day)
	return err
}

type cleanupListingsArgs struct {
	RetentionDays int `json:"retention_days"`
}

// CleanupListings purges raw listings past the retention window. Snapshots
// are never deleted.
func (h *Handlers) CleanupListings(ctx context.Context, rawArgs json.RawMessage) error {
	var args cleanupListingsArgs
	if err := unmarshalArgs(rawArgs, &args); err != nil {
		return err
	}
	days := args.RetentionDays
	if days <= 0 {
		days = h.cfg.App.RetentionDays
	}

	_, err := h.engine.CleanupListings(ctx, days)
	return err
}

type backfillArgs struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// BackfillSnapshots re-aggregates an inclusive date range, oldest day first.
func (h *Handlers) BackfillSnapshots(ctx context.Context, rawArgs json.RawMessage) error {
	var args backfillArgs
	if err := unmarshalArgs(rawArgs, &args); err != nil {
		return err
	}
	if args.From == "" || args.To == "" {
		return Fatalf("backfill_snapshots: from and to are required")
	}
	from, err := time.Parse(dateLayout, args.From)
	if err != nil {
		return Fatalf("backfill_snapshots: bad from date %q: %v", args.From, err)
	}
	to, err := time.Parse(dateLayout, args.To)
	if err != nil {
		return Fatalf("backfill_snapshots: bad to date %q: %v", args.To, err)
	}
	if to.Before(from) {
		return Fatalf("backfill_snapshots: range inverted (%s after %s)", args.From, args.To)
	}

	_, err = h.engine.Backfill(ctx, from, to)
	return err
}

// classifySourceErr upgrades permanent adapter failures to fatal so a task
// with no credentials is not retried through its whole budget.
func classifySourceErr(err error) error {
	if errors.Is(err, scraper.ErrMissingAPIKey) {
		return Fatal(err)
	}
	return err
}

func (h *Handlers) recordSource(ctx context.Context, name string, scrapeErr error) {
	if err := h.store.RecordSourceResult(ctx, name, h.now().UTC(), scrapeErr); err != nil {
		h.logger.Warn("record source health failed", slog.String("source", name), slog.String("error", err.Error()))
	}
}

func unmarshalArgs(raw json.RawMessage, out interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return Fatalf("bad task args: %v", err)
	}
	return nil
}

package aggregate

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"figwatch/internal/model"
	"figwatch/internal/pkg/metrics"
	"figwatch/internal/scraper"
	"figwatch/internal/storage"
)

// Stats summarizes one aggregation run over a day.
type Stats struct {
	Date      string `json:"date"`
	Snapshots int    `json:"snapshots"`
	Skipped   int    `json:"skipped"`
	Errors    int    `json:"errors"`
}

// Engine computes the daily price snapshots from raw listings and owns
// listing retention. All date handling is UTC.
type Engine struct {
	store  storage.Store
	logger *slog.Logger
	now    func() time.Time
}

func NewEngine(store storage.Store, logger *slog.Logger) *Engine {
	return &Engine{store: store, logger: logger, now: time.Now}
}

// Day truncates t to its UTC calendar day.
func Day(t time.Time) time.Time {
	return t.UTC().Truncate(24 * time.Hour)
}

// AggregateForDate recomputes the snapshot of every minifigure that has at
// least one listing on the given day. A per-figure failure does not stop the
// run, but the run as a whole reports an error so the task layer retries it;
// re-running a day overwrites its snapshots in place.
func (e *Engine) AggregateForDate(ctx context.Context, day time.Time) (Stats, error) {
	day = Day(day)
	stats := Stats{Date: day.Format("2006-01-02")}

	ids, err := e.store.ListMinifigIDsWithListings(ctx, day)
	if err != nil {
		return stats, fmt.Errorf("list minifigs for %s: %w", stats.Date, err)
	}

	var firstErr error
	for _, id := range ids {
		snap, err := e.AggregateForMinifig(ctx, id, day)
		switch {
		case err != nil:
			stats.Errors++
			if firstErr == nil {
				firstErr = err
			}
			e.logger.Warn("aggregate failed", slog.Uint64("minifig_id", uint64(id)), slog.String("date", stats.Date), slog.String("error", err.Error()))
		case snap == nil:
			stats.Skipped++
		default:
			stats.Snapshots++
		}
	}

	e.logger.Info("daily aggregation done",
		slog.String("date", stats.Date),
		slog.Int("snapshots", stats.Snapshots),
		slog.Int("skipped", stats.Skipped),
		slog.Int("errors", stats.Errors))
	if firstErr != nil {
		return stats, fmt.Errorf("aggregate %s: %d of %d figures failed: %w", stats.Date, stats.Errors, len(ids), firstErr)
	}
	return stats, nil
}

// AggregateForMinifig recomputes one (minifigure, day) snapshot. A day with
// no listings produces no snapshot and leaves any existing one untouched.
func (e *Engine) AggregateForMinifig(ctx context.Context, minifigID uint, day time.Time) (*model.PriceSnapshot, error) {
	day = Day(day)
	listings, err := e.store.ListListingsForDate(ctx, minifigID, day)
	if err != nil {
		return nil, fmt.Errorf("load listings: %w", err)
	}
	if len(listings) == 0 {
		return nil, nil
	}

	prices := make([]float64, 0, len(listings))
	var sum float64
	snap := model.PriceSnapshot{MinifigureID: minifigID, Date: day, ListingCount: len(listings)}
	for _, l := range listings {
		prices = append(prices, l.PriceUSD)
		sum += l.PriceUSD
		switch l.Condition {
		case string(scraper.ConditionNew):
			snap.NewCount++
		case string(scraper.ConditionSealed):
			snap.SealedCount++
		default:
			snap.UsedCount++
		}
	}
	sort.Float64s(prices)

	snap.MinPriceUSD = prices[0]
	snap.MaxPriceUSD = prices[len(prices)-1]
	snap.AvgPriceUSD = round2(sum / float64(len(prices)))
	snap.MedianPriceUSD = round2(median(prices))

	if err := e.store.UpsertSnapshot(ctx, &snap); err != nil {
		metrics.SnapshotUpsertsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("upsert snapshot: %w", err)
	}
	metrics.SnapshotUpsertsTotal.WithLabelValues("ok").Inc()
	return &snap, nil
}

// Backfill recomputes snapshots for every day in [from, to], inclusive on
// both ends.
func (e *Engine) Backfill(ctx context.Context, from, to time.Time) ([]Stats, error) {
	from, to = Day(from), Day(to)
	if to.Before(from) {
		return nil, fmt.Errorf("backfill range inverted: %s after %s", from.Format("2006-01-02"), to.Format("2006-01-02"))
	}

	var all []Stats
	for day := from; !day.After(to); day = day.Add(24 * time.Hour) {
		if err := ctx.Err(); err != nil {
			return all, err
		}
		stats, err := e.AggregateForDate(ctx, day)
		if err != nil {
			return all, err
		}
		all = append(all, stats)
	}
	return all, nil
}

// CleanupListings deletes raw listings older than the retention window.
// Snapshots are never touched; they are the long-term record.
func (e *Engine) CleanupListings(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		retentionDays = 90
	}
	cutoff := e.now().UTC().AddDate(0, 0, -retentionDays)

	deleted, err := e.store.DeleteListingsBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete listings before %s: %w", cutoff.Format("2006-01-02"), err)
	}
	metrics.ListingsDeletedTotal.Add(float64(deleted))
	e.logger.Info("listing cleanup done", slog.Int64("deleted", deleted), slog.String("cutoff", cutoff.Format("2006-01-02")))
	return deleted, nil
}

// median expects prices sorted ascending.
func median(prices []float64) float64 {
	n := len(prices)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return prices[n/2]
	}
	return (prices[n/2-1] + prices[n/2]) / 2
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

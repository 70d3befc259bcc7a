package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"figwatch/internal/model"
	"figwatch/internal/pkg/metrics"
	"figwatch/internal/scraper"
	"figwatch/internal/storage"
)

// dupWindow bounds the look-back for listing duplicate checks.
const dupWindow = time.Hour

// Batch is one scrape result handed to the pipeline: catalog entries and
// price listings from a single source run. Either side may be empty.
type Batch struct {
	Source   string
	Catalog  []scraper.RawMinifigure
	Listings []scraper.RawListing
}

func (b Batch) Empty() bool {
	return len(b.Catalog) == 0 && len(b.Listings) == 0
}

// Summary reports what happened to a batch. Total counts the input records;
// records dropped as duplicates count toward neither Saved nor Errors.
type Summary struct {
	Saved  int `json:"saved"`
	Errors int `json:"errors"`
	Total  int `json:"total"`
}

// Pipeline validates, normalizes, de-duplicates and persists scrape batches.
// The catalog rows of a batch are committed together, as are the listing
// rows. One instance is shared by concurrent tasks.
type Pipeline struct {
	store  storage.Store
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	sourceIDs map[string]uint
}

func New(store storage.Store, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		store:     store,
		logger:    logger,
		now:       time.Now,
		sourceIDs: make(map[string]uint),
	}
}

// sourceID resolves a source name to its DataSource row, registering the
// source on first sight so listings never dangle. The lock covers the store
// round-trip so two tasks cannot race the registration.
func (p *Pipeline) sourceID(ctx context.Context, name string) (uint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id, ok := p.sourceIDs[name]; ok {
		return id, nil
	}
	src, err := p.store.GetSourceByName(ctx, name)
	if errors.Is(err, storage.ErrNotFound) {
		src = &model.DataSource{Name: name, Enabled: true}
		if err := p.store.UpsertSource(ctx, src); err != nil {
			return 0, fmt.Errorf("register source %s: %w", name, err)
		}
	} else if err != nil {
		return 0, err
	}
	p.sourceIDs[name] = src.ID
	return src.ID, nil
}

// Process runs the batch through every stage. Stage-level record failures
// are counted in the summary, not returned; the error return is reserved for
// storage failures that abort the batch.
func (p *Pipeline) Process(ctx context.Context, batch Batch) (Summary, error) {
	summary := Summary{Total: len(batch.Catalog) + len(batch.Listings)}
	if batch.Empty() {
		return summary, nil
	}
	metrics.PipelineBatchesTotal.Inc()

	figs := make([]*model.Minifigure, 0, len(batch.Catalog))
	seen := make(map[string]struct{}, len(batch.Catalog))
	for _, raw := range batch.Catalog {
		fig, err := p.normalizeCatalogEntry(ctx, raw)
		switch {
		case err == nil:
			if _, dup := seen[fig.SetNumber]; dup {
				metrics.PipelineRecordsTotal.WithLabelValues("catalog", "duplicate").Inc()
				continue
			}
			seen[fig.SetNumber] = struct{}{}
			figs = append(figs, fig)
			summary.Saved++
			metrics.PipelineRecordsTotal.WithLabelValues("catalog", "saved").Inc()
		case errors.Is(err, errDuplicate):
			metrics.PipelineRecordsTotal.WithLabelValues("catalog", "duplicate").Inc()
		case errors.Is(err, errInvalid):
			summary.Errors++
			metrics.PipelineRecordsTotal.WithLabelValues("catalog", "invalid").Inc()
		default:
			return summary, fmt.Errorf("normalize catalog entry %s: %w", raw.SetNumber, err)
		}
	}
	if len(figs) > 0 {
		if err := p.store.CreateMinifigures(ctx, figs); err != nil {
			summary.Saved -= len(figs)
			summary.Errors += len(figs)
			return summary, fmt.Errorf("persist catalog entries: %w", err)
		}
	}

	rows, listingSummary, err := p.prepareListings(ctx, batch.Listings)
	summary.Saved += listingSummary.Saved
	summary.Errors += listingSummary.Errors
	if err != nil {
		return summary, err
	}
	if len(rows) > 0 {
		if err := p.store.CreateListings(ctx, rows); err != nil {
			summary.Saved -= len(rows)
			summary.Errors += len(rows)
			return summary, fmt.Errorf("persist listings: %w", err)
		}
	}

	p.logger.Info("batch processed",
		slog.String("source", batch.Source),
		slog.Int("saved", summary.Saved),
		slog.Int("errors", summary.Errors),
		slog.Int("total", summary.Total))
	return summary, nil
}

var (
	errInvalid   = errors.New("invalid record")
	errDuplicate = errors.New("duplicate record")
)

// normalizeCatalogEntry validates a catalog entry and builds the row to
// insert. The set number is the case-insensitive business key and is stored
// lower-cased. An existing entry is dropped untouched, never merged.
func (p *Pipeline) normalizeCatalogEntry(ctx context.Context, raw scraper.RawMinifigure) (*model.Minifigure, error) {
	setNumber := strings.ToLower(strings.TrimSpace(raw.SetNumber))
	name := strings.TrimSpace(raw.Name)
	if setNumber == "" || name == "" {
		return nil, errInvalid
	}

	_, err := p.store.GetMinifigureBySetNumber(ctx, setNumber)
	if err == nil {
		return nil, errDuplicate
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	var extra string
	if len(raw.Extra) > 0 {
		if data, err := json.Marshal(raw.Extra); err == nil {
			extra = string(data)
		}
	}
	return &model.Minifigure{
		SetNumber:    setNumber,
		Name:         name,
		Theme:        strings.TrimSpace(raw.Theme),
		Subtheme:     strings.TrimSpace(raw.Subtheme),
		Year:         raw.Year,
		PieceCount:   raw.PieceCount,
		ImageURL:     raw.ImageURL,
		ThumbnailURL: raw.ThumbnailURL,
		ExtraData:    extra,
	}, nil
}

// prepareListings validates, resolves, normalizes and de-duplicates the raw
// listings, returning the rows ready to commit. The returned summary already
// counts the rows as saved; Process rolls that back if the commit fails.
func (p *Pipeline) prepareListings(ctx context.Context, raws []scraper.RawListing) ([]model.PriceListing, Summary, error) {
	var summary Summary
	if len(raws) == 0 {
		return nil, summary, nil
	}
	now := p.now().UTC()

	// One recent-listings fetch per minifig, shared by all its raws.
	recent := make(map[uint][]model.PriceListing)
	rows := make([]model.PriceListing, 0, len(raws))

	for _, raw := range raws {
		row, err := p.normalizeListing(ctx, raw, now)
		switch {
		case err == nil:
		case errors.Is(err, errInvalid):
			summary.Errors++
			metrics.PipelineRecordsTotal.WithLabelValues("listing", "invalid").Inc()
			continue
		case errors.Is(err, storage.ErrNotFound):
			// Unknown minifig: drop, the catalog sync owns discovery.
			summary.Errors++
			metrics.PipelineRecordsTotal.WithLabelValues("listing", "unknown_minifig").Inc()
			continue
		default:
			return nil, summary, err
		}

		prior, ok := recent[row.MinifigureID]
		if !ok {
			var err error
			prior, err = p.store.ListRecentListings(ctx, row.MinifigureID, now.Add(-dupWindow))
			if err != nil {
				return nil, summary, fmt.Errorf("load recent listings: %w", err)
			}
			recent[row.MinifigureID] = prior
		}
		if isDuplicateListing(row, prior) {
			metrics.PipelineRecordsTotal.WithLabelValues("listing", "duplicate").Inc()
			continue
		}

		recent[row.MinifigureID] = append(recent[row.MinifigureID], row)
		rows = append(rows, row)
		summary.Saved++
		metrics.PipelineRecordsTotal.WithLabelValues("listing", "saved").Inc()
	}
	return rows, summary, nil
}

func (p *Pipeline) normalizeListing(ctx context.Context, raw scraper.RawListing, now time.Time) (model.PriceListing, error) {
	setNumber := strings.ToLower(strings.TrimSpace(raw.SetNumber))
	if setNumber == "" || raw.Price <= 0 || raw.Source == "" {
		return model.PriceListing{}, errInvalid
	}
	rate := rateFor(raw.Currency)

	fig, err := p.store.GetMinifigureBySetNumber(ctx, setNumber)
	if err != nil {
		return model.PriceListing{}, err
	}
	srcID, err := p.sourceID(ctx, raw.Source)
	if err != nil {
		return model.PriceListing{}, err
	}

	listedAt := raw.ListedAt.UTC()
	if listedAt.IsZero() {
		listedAt = now
	}
	quantity := raw.Quantity
	if quantity <= 0 {
		quantity = 1
	}
	confidence := raw.Confidence
	if confidence <= 0 || confidence > 1 {
		confidence = 1
	}

	var rawData string
	if len(raw.Extra) > 0 {
		if data, err := json.Marshal(raw.Extra); err == nil {
			rawData = string(data)
		}
	}

	return model.PriceListing{
		MinifigureID:     fig.ID,
		SourceID:         srcID,
		ExternalID:       raw.SourceID,
		ListedAt:         listedAt,
		PriceUSD:         round2(raw.Price * rate),
		OriginalPrice:    round2(raw.Price),
		OriginalCurrency: strings.ToUpper(strings.TrimSpace(raw.Currency)),
		ExchangeRate:     rate,
		Condition:        normalizeCondition(raw.Condition),
		SellerName:       strings.TrimSpace(raw.SellerName),
		SellerRating:     raw.SellerRating,
		Quantity:         quantity,
		ListingURL:       raw.URL,
		Confidence:       confidence,
		RawData:          rawData,
	}, nil
}

// isDuplicateListing applies the near-duplicate rule: same minifig and
// source, same seller, identical USD price, seen within the last hour.
func isDuplicateListing(row model.PriceListing, prior []model.PriceListing) bool {
	for _, p := range prior {
		if p.SourceID == row.SourceID &&
			p.SellerName == row.SellerName &&
			p.PriceUSD == row.PriceUSD {
			return true
		}
	}
	return false
}

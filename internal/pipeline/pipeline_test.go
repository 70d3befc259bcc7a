package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"figwatch/internal/model"
	"figwatch/internal/scraper"
	"figwatch/internal/storage"
)

func newTestPipeline(t *testing.T) (*Pipeline, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	p := New(store, slog.Default())
	p.now = func() time.Time { return time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC) }
	return p, store
}

func seedFigure(t *testing.T, store *storage.MemoryStore, setNumber string) *model.Minifigure {
	t.Helper()
	fig := &model.Minifigure{SetNumber: setNumber, Name: "Test Figure"}
	if err := store.CreateMinifigure(context.Background(), fig); err != nil {
		t.Fatalf("seed figure: %v", err)
	}
	return fig
}

func TestProcessEmptyBatch(t *testing.T) {
	p, _ := newTestPipeline(t)

	summary, err := p.Process(context.Background(), Batch{Source: "brickset"})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if summary != (Summary{}) {
		t.Errorf("empty batch summary = %+v, want zero", summary)
	}
}

func TestProcessCatalogCreatesAndDropsDuplicates(t *testing.T) {
	p, store := newTestPipeline(t)
	ctx := context.Background()

	batch := Batch{
		Source: "brickset",
		Catalog: []scraper.RawMinifigure{
			{
				Source: "brickset", SetNumber: "sw0547", Name: "Darth Revan", Theme: "Star Wars", Year: 2014,
				ThumbnailURL: "https://img.example/sw0547_tn.jpg",
				Extra:        map[string]interface{}{"setID": 102},
			},
			{Source: "brickset", SetNumber: "sw0547", Name: "Darth Revan (relisted)"},
			{Source: "brickset", SetNumber: "", Name: "broken"},
		},
	}
	summary, err := p.Process(ctx, batch)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if summary.Saved != 1 || summary.Errors != 1 || summary.Total != 3 {
		t.Errorf("summary = %+v, want saved 1, errors 1, total 3", summary)
	}

	fig, err := store.GetMinifigureBySetNumber(ctx, "sw0547")
	if err != nil {
		t.Fatalf("figure missing: %v", err)
	}
	// The duplicate must not merge over the original.
	if fig.Name != "Darth Revan" {
		t.Errorf("duplicate overwrote original: %q", fig.Name)
	}
	if fig.ThumbnailURL != "https://img.example/sw0547_tn.jpg" {
		t.Errorf("ThumbnailURL = %q, want the scraped thumbnail", fig.ThumbnailURL)
	}
	if fig.ExtraData == "" {
		t.Error("ExtraData should carry the source payload")
	}
}

func TestProcessCatalogFoldsSetNumberCase(t *testing.T) {
	p, store := newTestPipeline(t)
	ctx := context.Background()

	first := Batch{Source: "brickset", Catalog: []scraper.RawMinifigure{
		{Source: "brickset", SetNumber: "SW0547", Name: "Darth Revan"},
	}}
	if _, err := p.Process(ctx, first); err != nil {
		t.Fatalf("first batch: %v", err)
	}

	// Re-sighting the same figure under a different casing is a duplicate,
	// not a second identity.
	second := Batch{Source: "brickset", Catalog: []scraper.RawMinifigure{
		{Source: "brickset", SetNumber: "sw0547", Name: "Darth Revan (re-sighted)"},
	}}
	summary, err := p.Process(ctx, second)
	if err != nil {
		t.Fatalf("second batch: %v", err)
	}
	if summary.Saved != 0 || summary.Errors != 0 {
		t.Errorf("case-variant summary = %+v, want duplicate drop", summary)
	}
	if n, _ := store.CountMinifigures(ctx); n != 1 {
		t.Errorf("minifigure count = %d, want 1", n)
	}
	if _, err := store.GetMinifigureBySetNumber(ctx, "sw0547"); err != nil {
		t.Errorf("set number should be stored lower-cased: %v", err)
	}
}

// catalogCommitFailStore rejects the batch insert to exercise the rollback
// accounting.
type catalogCommitFailStore struct {
	*storage.MemoryStore
}

func (s *catalogCommitFailStore) CreateMinifigures(ctx context.Context, figs []*model.Minifigure) error {
	return errors.New("deadlock")
}

func TestProcessCatalogCommitFailureRollsBackSummary(t *testing.T) {
	store := &catalogCommitFailStore{storage.NewMemoryStore()}
	p := New(store, slog.Default())

	batch := Batch{Source: "brickset", Catalog: []scraper.RawMinifigure{
		{Source: "brickset", SetNumber: "sw0001", Name: "Luke"},
		{Source: "brickset", SetNumber: "sw0002", Name: "Leia"},
	}}
	summary, err := p.Process(context.Background(), batch)
	if err == nil {
		t.Fatal("commit failure must surface as an error")
	}
	if summary.Saved != 0 || summary.Errors != 2 {
		t.Errorf("summary = %+v, want every staged row rolled back", summary)
	}
}

func TestProcessListingNormalization(t *testing.T) {
	p, store := newTestPipeline(t)
	ctx := context.Background()
	fig := seedFigure(t, store, "sw0547")

	batch := Batch{
		Source: "ebay",
		Listings: []scraper.RawListing{{
			Source:     "ebay",
			SourceID:   "111",
			SetNumber:  "SW0547", // folds onto the stored key
			ListedAt:   time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC),
			Price:      40.00,
			Currency:   "EUR",
			Condition:  "New",
			SellerName: "brickdealer",
			Confidence: 0.72,
		}},
	}
	summary, err := p.Process(ctx, batch)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if summary.Saved != 1 {
		t.Fatalf("summary = %+v, want 1 saved", summary)
	}

	listings, err := store.ListListingsForDate(ctx, fig.ID, time.Date(2026, 8, 29, 0, 0, 0, 0, time.UTC))
	if err != nil || len(listings) != 1 {
		t.Fatalf("stored listings = %d, err=%v", len(listings), err)
	}
	got := listings[0]
	if got.PriceUSD != 43.20 { // 40.00 EUR * 1.08
		t.Errorf("PriceUSD = %v, want 43.20", got.PriceUSD)
	}
	if got.OriginalCurrency != "EUR" || got.ExchangeRate != 1.08 {
		t.Errorf("conversion audit fields wrong: %+v", got)
	}
	if got.Condition != "NEW" {
		t.Errorf("Condition = %q, want NEW", got.Condition)
	}
	if got.ExternalID != "111" || got.Quantity != 1 {
		t.Errorf("identity fields wrong: %+v", got)
	}
}

func TestProcessListingUnknownMinifigDropped(t *testing.T) {
	p, store := newTestPipeline(t)

	batch := Batch{
		Source: "ebay",
		Listings: []scraper.RawListing{{
			Source: "ebay", SetNumber: "nope001", Price: 10, Currency: "USD",
		}},
	}
	summary, err := p.Process(context.Background(), batch)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if summary.Saved != 0 || summary.Errors != 1 {
		t.Errorf("summary = %+v, want the unknown minifig counted as error", summary)
	}
	if store.ListingCount() != 0 {
		t.Error("unknown minifig listing must not be stored")
	}
}

func TestProcessListingDuplicateWindow(t *testing.T) {
	p, store := newTestPipeline(t)
	ctx := context.Background()
	seedFigure(t, store, "sw0547")

	listing := scraper.RawListing{
		Source: "ebay", SetNumber: "sw0547", Price: 45, Currency: "USD",
		SellerName: "brickdealer", ListedAt: time.Date(2026, 8, 29, 11, 30, 0, 0, time.UTC),
	}

	// Same seller, same price, within the hour: second batch drops it.
	if _, err := p.Process(ctx, Batch{Source: "ebay", Listings: []scraper.RawListing{listing}}); err != nil {
		t.Fatalf("first batch: %v", err)
	}
	summary, err := p.Process(ctx, Batch{Source: "ebay", Listings: []scraper.RawListing{listing}})
	if err != nil {
		t.Fatalf("second batch: %v", err)
	}
	if summary.Saved != 0 || summary.Errors != 0 {
		t.Errorf("duplicate summary = %+v, want neither saved nor error", summary)
	}
	if store.ListingCount() != 1 {
		t.Fatalf("listing count = %d, want 1", store.ListingCount())
	}

	// A different price is a legitimate new observation.
	cheaper := listing
	cheaper.Price = 42
	summary, err = p.Process(ctx, Batch{Source: "ebay", Listings: []scraper.RawListing{cheaper}})
	if err != nil {
		t.Fatalf("third batch: %v", err)
	}
	if summary.Saved != 1 {
		t.Errorf("price change summary = %+v, want 1 saved", summary)
	}
}

func TestProcessListingUnknownCurrencyKeptAtParity(t *testing.T) {
	p, store := newTestPipeline(t)
	ctx := context.Background()
	fig := seedFigure(t, store, "sw0547")

	batch := Batch{
		Source: "ebay",
		Listings: []scraper.RawListing{{
			Source: "ebay", SetNumber: "sw0547", Price: 5000, Currency: "jpy",
		}},
	}
	summary, err := p.Process(ctx, batch)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if summary.Saved != 1 || summary.Errors != 0 {
		t.Fatalf("summary = %+v, want the observation kept", summary)
	}

	listings, err := store.ListListingsForDate(ctx, fig.ID, time.Date(2026, 8, 29, 0, 0, 0, 0, time.UTC))
	if err != nil || len(listings) != 1 {
		t.Fatalf("stored listings = %d, err=%v", len(listings), err)
	}
	got := listings[0]
	// No table entry for the currency: pass through at parity, keep the
	// original currency for auditing.
	if got.PriceUSD != 5000 || got.ExchangeRate != 1.00 {
		t.Errorf("PriceUSD/rate = %v/%v, want 5000/1.00", got.PriceUSD, got.ExchangeRate)
	}
	if got.OriginalCurrency != "JPY" {
		t.Errorf("OriginalCurrency = %q, want JPY", got.OriginalCurrency)
	}
}

func TestSourceIDSharedAcrossConcurrentBatches(t *testing.T) {
	p, _ := newTestPipeline(t)
	ctx := context.Background()

	const n = 8
	ids := make([]uint, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := "ebay"
			if i%2 == 1 {
				name = "bricklink"
			}
			id, err := p.sourceID(ctx, name)
			if err != nil {
				t.Errorf("sourceID: %v", err)
				return
			}
			ids[i] = id
		}(i)
	}
	wg.Wait()

	for i := 2; i < n; i++ {
		if ids[i] != ids[i%2] {
			t.Errorf("source %d resolved to id %d and %d", i%2, ids[i%2], ids[i])
		}
	}
}

func TestProcessRegistersUnknownSource(t *testing.T) {
	p, store := newTestPipeline(t)
	ctx := context.Background()
	seedFigure(t, store, "sw0547")

	batch := Batch{
		Source: "bricklink",
		Listings: []scraper.RawListing{{
			Source: "bricklink", SetNumber: "sw0547", Price: 30, Currency: "USD",
		}},
	}
	if _, err := p.Process(ctx, batch); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if _, err := store.GetSourceByName(ctx, "bricklink"); err != nil {
		t.Errorf("source should have been registered: %v", err)
	}
}

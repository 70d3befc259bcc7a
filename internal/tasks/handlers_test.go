package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"figwatch/internal/aggregate"
	"figwatch/internal/config"
	"figwatch/internal/model"
	"figwatch/internal/pipeline"
	"figwatch/internal/pkg/taskqueue"
	"figwatch/internal/scraper"
	"figwatch/internal/storage"
)

var handlerNow = time.Date(2026, 8, 29, 15, 0, 0, 0, time.UTC)

// fakeAdapter is a canned-response source for handler tests.
type fakeAdapter struct {
	name     string
	catalog  []scraper.RawMinifigure
	listings []scraper.RawListing
	err      error
	calls    int
}

func (f *fakeAdapter) Name() string { return f.name }
func (f *fakeAdapter) FetchCatalog(ctx context.Context, theme string, year, limit int) ([]scraper.RawMinifigure, error) {
	f.calls++
	return f.catalog, f.err
}
func (f *fakeAdapter) FetchDetails(ctx context.Context, setNumber string) (*scraper.RawMinifigure, error) {
	return nil, nil
}
func (f *fakeAdapter) FetchPriceListings(ctx context.Context, setNumber string, condition scraper.Condition) ([]scraper.RawListing, error) {
	f.calls++
	return f.listings, f.err
}
func (f *fakeAdapter) IsRequestAllowed(ctx context.Context, rawURL string) bool { return true }
func (f *fakeAdapter) Policy() scraper.Policy                                   { return scraper.Policy{} }
func (f *fakeAdapter) Close() error                                             { return nil }

type testEnv struct {
	handlers *Handlers
	store    *storage.MemoryStore
	consumer *taskqueue.Consumer
	rdb      *redis.Client
}

func newTestEnv(t *testing.T, adapters ...scraper.Adapter) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	logger := slog.Default()
	store := storage.NewMemoryStore()
	registry := scraper.NewRegistry(config.SourcesConfig{}, nil)
	for _, a := range adapters {
		registry.Register(a)
	}

	pipe := pipeline.New(store, logger)
	engine := aggregate.NewEngine(store, logger)
	producer := taskqueue.NewProducer(rdb, logger, "figwatch:test:tasks")
	consumer, err := taskqueue.NewConsumer(rdb, logger, "figwatch:test:tasks", "test_group", "c1")
	if err != nil {
		t.Fatalf("new consumer: %v", err)
	}

	cfg := &config.Config{}
	cfg.App.PriceBatchSize = 2
	cfg.App.StaggerDelay = 2 * time.Second
	cfg.App.RetentionDays = 90
	cfg.App.CatalogPageSize = 500

	h := NewHandlers(cfg, store, registry, pipe, engine, producer, logger)
	h.now = func() time.Time { return handlerNow }

	return &testEnv{handlers: h, store: store, consumer: consumer, rdb: rdb}
}

func mustArgs(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal args: %v", err)
	}
	return data
}

func (e *testEnv) drain(t *testing.T) []*taskqueue.MessageWithID {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	var all []*taskqueue.MessageWithID
	for {
		msgs, err := e.consumer.Read(ctx)
		if err != nil || len(msgs) == 0 {
			return all
		}
		all = append(all, msgs...)
	}
}

func TestSyncCatalogPersistsFigures(t *testing.T) {
	adapter := &fakeAdapter{name: "brickset", catalog: []scraper.RawMinifigure{
		{Source: "brickset", SetNumber: "sw0547", Name: "Darth Revan", Theme: "Star Wars"},
		{Source: "brickset", SetNumber: "coltlbm07", Name: "Calculator"},
	}}
	env := newTestEnv(t, adapter)

	if err := env.handlers.SyncCatalog(context.Background(), nil); err != nil {
		t.Fatalf("SyncCatalog: %v", err)
	}

	n, _ := env.store.CountMinifigures(context.Background())
	if n != 2 {
		t.Errorf("minifigure count = %d, want 2", n)
	}
	src, err := env.store.GetSourceByName(context.Background(), "brickset")
	if err != nil || src.SuccessCount != 1 {
		t.Errorf("source health not recorded: %+v, err=%v", src, err)
	}
}

func TestSyncCatalogMissingAPIKeyIsFatal(t *testing.T) {
	adapter := &fakeAdapter{name: "brickset", err: fmt.Errorf("brickset: %w", scraper.ErrMissingAPIKey)}
	env := newTestEnv(t, adapter)

	err := env.handlers.SyncCatalog(context.Background(), nil)
	if !IsFatal(err) {
		t.Fatalf("missing credentials must not be retried, got %v", err)
	}
}

func TestFetchPricesFoldsSetNumberCase(t *testing.T) {
	adapter := &fakeAdapter{name: "ebay", listings: []scraper.RawListing{
		{Source: "ebay", SetNumber: "sw0547", Price: 45, Currency: "USD", SellerName: "brickdealer"},
	}}
	env := newTestEnv(t, adapter)
	if err := env.store.CreateMinifigure(context.Background(), &model.Minifigure{SetNumber: "sw0547", Name: "Darth Revan"}); err != nil {
		t.Fatal(err)
	}

	err := env.handlers.FetchPrices(context.Background(), mustArgs(t, fetchPricesArgs{SetNumber: "SW0547"}))
	if err != nil {
		t.Fatalf("case-variant lookup must resolve: %v", err)
	}
	if env.store.ListingCount() != 1 {
		t.Errorf("listing count = %d, want 1", env.store.ListingCount())
	}
}

func TestFetchPricesUnknownSetIsFatal(t *testing.T) {
	env := newTestEnv(t, &fakeAdapter{name: "ebay"})

	err := env.handlers.FetchPrices(context.Background(), mustArgs(t, fetchPricesArgs{SetNumber: "ghost01"}))
	if !IsFatal(err) {
		t.Fatalf("unknown set must be fatal, got %v", err)
	}
}

func TestFetchPricesSavesAndSchedulesAggregation(t *testing.T) {
	adapter := &fakeAdapter{name: "ebay", listings: []scraper.RawListing{
		{Source: "ebay", SetNumber: "sw0547", Price: 45, Currency: "USD", SellerName: "brickdealer"},
	}}
	env := newTestEnv(t, adapter)
	fig := &model.Minifigure{SetNumber: "sw0547", Name: "Darth Revan"}
	if err := env.store.CreateMinifigure(context.Background(), fig); err != nil {
		t.Fatal(err)
	}

	if err := env.handlers.FetchPrices(context.Background(), mustArgs(t, fetchPricesArgs{SetNumber: "sw0547"})); err != nil {
		t.Fatalf("FetchPrices: %v", err)
	}
	if env.store.ListingCount() != 1 {
		t.Errorf("listing count = %d, want 1", env.store.ListingCount())
	}

	msgs := env.drain(t)
	if len(msgs) != 1 || msgs[0].Message.Name != TaskAggregateItem {
		t.Fatalf("expected one aggregate_item follow-up, got %+v", msgs)
	}
	var args aggregateItemArgs
	if err := json.Unmarshal(msgs[0].Message.Args, &args); err != nil {
		t.Fatalf("unmarshal follow-up args: %v", err)
	}
	if args.MinifigID != fig.ID || args.Date != "2026-08-29" {
		t.Errorf("follow-up args = %+v", args)
	}
}

func TestUpdateAllPricesBoundedNewestFirst(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	for _, set := range []string{"sw0001", "sw0002", "sw0003"} {
		if err := env.store.CreateMinifigure(ctx, &model.Minifigure{SetNumber: set, Name: set}); err != nil {
			t.Fatal(err)
		}
	}

	if err := env.handlers.UpdateAllPrices(ctx, nil); err != nil {
		t.Fatalf("UpdateAllPrices: %v", err)
	}

	// PriceBatchSize is 2: one cycle covers the two newest figures only.
	msgs := env.drain(t)
	if len(msgs) != 2 {
		t.Fatalf("submitted %d tasks, want the configured batch of 2", len(msgs))
	}
	var sets []string
	for i, msg := range msgs {
		if msg.Message.Name != TaskFetchPrices {
			t.Errorf("task %d = %q, want fetch_prices", i, msg.Message.Name)
		}
		var args fetchPricesArgs
		if err := json.Unmarshal(msg.Message.Args, &args); err != nil {
			t.Fatalf("unmarshal args: %v", err)
		}
		sets = append(sets, args.SetNumber)
		if i == 0 {
			if !msg.Message.NotBefore.IsZero() {
				t.Errorf("first task should be immediate, got NotBefore %v", msg.Message.NotBefore)
			}
			continue
		}
		if msg.Message.NotBefore.IsZero() {
			t.Errorf("task %d should be staggered", i)
		}
	}
	if sets[0] != "sw0003" || sets[1] != "sw0002" {
		t.Errorf("fan-out order = %v, want newest first", sets)
	}
}

func TestAggregateDailyDefaultsToYesterday(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	yesterday := time.Date(2026, 8, 28, 0, 0, 0, 0, time.UTC)
	listings := []model.PriceListing{{MinifigureID: 7, SourceID: 1, ListedAt: yesterday.Add(10 * time.Hour), PriceUSD: 30, Condition: "USED"}}
	if err := env.store.CreateListings(ctx, listings); err != nil {
		t.Fatal(err)
	}

	if err := env.handlers.AggregateDaily(ctx, nil); err != nil {
		t.Fatalf("AggregateDaily: %v", err)
	}
	if _, err := env.store.GetSnapshot(ctx, 7, yesterday); err != nil {
		t.Errorf("expected a snapshot for yesterday: %v", err)
	}
}

func TestAggregateItemUnknownFigureIsFatal(t *testing.T) {
	env := newTestEnv(t)

	err := env.handlers.AggregateItem(context.Background(), mustArgs(t, aggregateItemArgs{MinifigID: 99}))
	if !IsFatal(err) {
		t.Fatalf("unknown minifig must be fatal, got %v", err)
	}
}

func TestCleanupListingsUsesConfiguredRetention(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	old := handlerNow.AddDate(0, 0, -120)
	listings := []model.PriceListing{{MinifigureID: 1, SourceID: 1, ListedAt: old, PriceUSD: 10}}
	if err := env.store.CreateListings(ctx, listings); err != nil {
		t.Fatal(err)
	}

	if err := env.handlers.CleanupListings(ctx, nil); err != nil {
		t.Fatalf("CleanupListings: %v", err)
	}
	if env.store.ListingCount() != 0 {
		t.Error("listing older than 90 days should be gone")
	}
}

func TestBackfillValidatesRange(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if err := env.handlers.BackfillSnapshots(ctx, nil); !IsFatal(err) {
		t.Errorf("missing range must be fatal, got %v", err)
	}
	err := env.handlers.BackfillSnapshots(ctx, mustArgs(t, backfillArgs{From: "2026-08-29", To: "2026-08-01"}))
	if !IsFatal(err) {
		t.Errorf("inverted range must be fatal, got %v", err)
	}
	if err := env.handlers.BackfillSnapshots(ctx, mustArgs(t, backfillArgs{From: "08/01", To: "2026-08-29"})); !IsFatal(err) {
		t.Errorf("bad date must be fatal, got %v", err)
	}
}

func TestBadArgsAreFatal(t *testing.T) {
	env := newTestEnv(t)

	err := env.handlers.AggregateDaily(context.Background(), json.RawMessage(`{not json`))
	if !IsFatal(err) {
		t.Fatalf("malformed args must be fatal, got %v", err)
	}
}

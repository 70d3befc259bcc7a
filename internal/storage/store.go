package storage

import (
	"context"
	"errors"
	"time"

	"figwatch/internal/model"
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("storage: record not found")

// ListingPage bounds listing queries.
type ListingPage struct {
	Limit  int
	Offset int
}

// Store is the persistence surface for the pipeline, the aggregation engine
// and the API handlers. Implementations must keep every multi-row write in
// CreateMinifigures, CreateListings and UpsertSnapshot atomic.
type Store interface {
	// Catalog.
	GetMinifigureBySetNumber(ctx context.Context, setNumber string) (*model.Minifigure, error)
	GetMinifigureByID(ctx context.Context, id uint) (*model.Minifigure, error)
	CreateMinifigure(ctx context.Context, fig *model.Minifigure) error
	CreateMinifigures(ctx context.Context, figs []*model.Minifigure) error
	UpdateMinifigure(ctx context.Context, fig *model.Minifigure) error
	ListMinifigures(ctx context.Context, theme string, limit, offset int) ([]model.Minifigure, error)
	ListMinifiguresNewestFirst(ctx context.Context, limit, offset int) ([]model.Minifigure, error)
	CountMinifigures(ctx context.Context) (int64, error)

	// Sources.
	GetSourceByName(ctx context.Context, name string) (*model.DataSource, error)
	UpsertSource(ctx context.Context, src *model.DataSource) error
	ListSources(ctx context.Context) ([]model.DataSource, error)
	RecordSourceResult(ctx context.Context, name string, scrapedAt time.Time, scrapeErr error) error

	// Listings.
	CreateListings(ctx context.Context, listings []model.PriceListing) error
	ListListingsForDate(ctx context.Context, minifigID uint, day time.Time) ([]model.PriceListing, error)
	ListRecentListings(ctx context.Context, minifigID uint, since time.Time) ([]model.PriceListing, error)
	ListMinifigIDsWithListings(ctx context.Context, day time.Time) ([]uint, error)
	DeleteListingsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Snapshots.
	UpsertSnapshot(ctx context.Context, snap *model.PriceSnapshot) error
	GetSnapshot(ctx context.Context, minifigID uint, day time.Time) (*model.PriceSnapshot, error)
	ListSnapshots(ctx context.Context, minifigID uint, from, to time.Time) ([]model.PriceSnapshot, error)

	Close() error
}

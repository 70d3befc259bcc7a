package scraper

import (
	"context"
	"errors"
	"time"
)

// ErrMissingAPIKey is returned before any request is made when an adapter
// has no credentials configured. Retrying cannot fix it; callers should
// treat it as permanent.
var ErrMissingAPIKey = errors.New("api key not configured")

// Condition is the normalized listing condition vocabulary.
type Condition string

const (
	ConditionNew    Condition = "NEW"
	ConditionUsed   Condition = "USED"
	ConditionSealed Condition = "SEALED"
)

// Policy describes how politely an adapter must talk to its source.
type Policy struct {
	RequestsPerMinute int
	MinInterval       time.Duration
}

// RawMinifigure is a catalog entry as scraped, before normalization.
type RawMinifigure struct {
	Source       string
	SourceID     string
	SetNumber    string
	Name         string
	Theme        string
	Subtheme     string
	Year         int
	PieceCount   int
	ImageURL     string
	ThumbnailURL string
	Extra        map[string]interface{}
}

// RawListing is a marketplace price observation as scraped.
//
// Condition carries the source's own wording; the pipeline maps it onto the
// Condition vocabulary. Confidence is the adapter's reliability estimate in
// [0,1].
type RawListing struct {
	Source       string
	SourceID     string
	SetNumber    string
	ListedAt     time.Time
	Price        float64
	Currency     string
	Condition    string
	Quantity     int
	SellerName   string
	SellerRating float64
	URL          string
	Confidence   float64
	Extra        map[string]interface{}
}

// Adapter is a marketplace source. Implementations cover whatever subset of
// capabilities the source offers; unsupported calls return empty results, not
// errors. Every outbound request goes through the adapter's politeness check
// and rate limiter, and transport failures are surfaced to the caller
// unretried so the task layer owns the retry decision.
type Adapter interface {
	// Name is the registry key, e.g. "brickset".
	Name() string

	// FetchCatalog lists catalog entries, optionally filtered by theme and
	// release year. limit <= 0 means the source default.
	FetchCatalog(ctx context.Context, theme string, year, limit int) ([]RawMinifigure, error)

	// FetchDetails looks up one catalog entry by set number. Returns
	// (nil, nil) when the source has no catalog or no such entry.
	FetchDetails(ctx context.Context, setNumber string) (*RawMinifigure, error)

	// FetchPriceListings returns current price observations for a set
	// number, optionally filtered by condition ("" means all).
	FetchPriceListings(ctx context.Context, setNumber string, condition Condition) ([]RawListing, error)

	// IsRequestAllowed checks source politeness rules (robots.txt) for a
	// URL. API-only sources always allow.
	IsRequestAllowed(ctx context.Context, rawURL string) bool

	// Policy exposes the rate limit the adapter enforces on itself.
	Policy() Policy

	// Close releases the adapter's transport resources.
	Close() error
}

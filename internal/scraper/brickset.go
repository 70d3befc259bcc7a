package scraper

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"figwatch/internal/config"
	"figwatch/internal/pkg/ratelimit"
)

// BricksetAdapter reads the Brickset catalog API. It is catalog-only: price
// listing calls return empty results.
type BricksetAdapter struct {
	cfg    config.SourceConfig
	client *apiClient
}

func NewBricksetAdapter(cfg config.SourceConfig, global *ratelimit.RateLimiter) *BricksetAdapter {
	return &BricksetAdapter{
		cfg:    cfg,
		client: newAPIClient("brickset", cfg.RequestsPerMinute, cfg.MinInterval, global),
	}
}

func (a *BricksetAdapter) Name() string { return "brickset" }

func (a *BricksetAdapter) Policy() Policy {
	return Policy{RequestsPerMinute: a.cfg.RequestsPerMinute, MinInterval: a.cfg.MinInterval}
}

// Brickset is a documented JSON API; robots rules do not apply to it.
func (a *BricksetAdapter) IsRequestAllowed(ctx context.Context, rawURL string) bool { return true }

func (a *BricksetAdapter) Close() error { return nil }

type bricksetSet struct {
	SetID    int64  `json:"setID"`
	Number   string `json:"number"`
	Name     string `json:"name"`
	Theme    string `json:"theme"`
	Subtheme string `json:"subtheme"`
	Year     int    `json:"year"`
	Pieces   int    `json:"pieces"`
	Image    struct {
		ImageURL     string `json:"imageURL"`
		ThumbnailURL string `json:"thumbnailURL"`
	} `json:"image"`
}

type bricksetResponse struct {
	Status  string        `json:"status"`
	Message string        `json:"message"`
	Matches int           `json:"matches"`
	Sets    []bricksetSet `json:"sets"`
}

func (a *BricksetAdapter) FetchCatalog(ctx context.Context, theme string, year, limit int) ([]RawMinifigure, error) {
	if a.cfg.APIKey == "" {
		return nil, fmt.Errorf("brickset: %w", ErrMissingAPIKey)
	}
	if limit <= 0 {
		limit = 500
	}
	params := url.Values{}
	params.Set("apiKey", a.cfg.APIKey)
	params.Set("setType", "Minifigure")
	params.Set("pageSize", strconv.Itoa(limit))
	if theme != "" {
		params.Set("theme", theme)
	}
	if year > 0 {
		params.Set("year", strconv.Itoa(year))
	}

	var resp bricksetResponse
	if err := a.client.getJSON(ctx, a.cfg.BaseURL+"/getSets?"+params.Encode(), &resp); err != nil {
		return nil, err
	}
	if resp.Status != "success" {
		return nil, fmt.Errorf("brickset getSets: %s", resp.Message)
	}

	figs := make([]RawMinifigure, 0, len(resp.Sets))
	for _, s := range resp.Sets {
		figs = append(figs, a.toRaw(s))
	}
	return figs, nil
}

func (a *BricksetAdapter) FetchDetails(ctx context.Context, setNumber string) (*RawMinifigure, error) {
	if a.cfg.APIKey == "" {
		return nil, fmt.Errorf("brickset: %w", ErrMissingAPIKey)
	}
	params := url.Values{}
	params.Set("apiKey", a.cfg.APIKey)
	params.Set("setNumber", setNumber)

	var resp bricksetResponse
	if err := a.client.getJSON(ctx, a.cfg.BaseURL+"/getSet?"+params.Encode(), &resp); err != nil {
		return nil, err
	}
	if resp.Status != "success" {
		return nil, fmt.Errorf("brickset getSet %s: %s", setNumber, resp.Message)
	}
	if len(resp.Sets) == 0 {
		return nil, nil
	}
	raw := a.toRaw(resp.Sets[0])
	return &raw, nil
}

// FetchPriceListings is unsupported; Brickset carries no marketplace data.
func (a *BricksetAdapter) FetchPriceListings(ctx context.Context, setNumber string, condition Condition) ([]RawListing, error) {
	return []RawListing{}, nil
}

func (a *BricksetAdapter) toRaw(s bricksetSet) RawMinifigure {
	return RawMinifigure{
		Source:       a.Name(),
		SourceID:     strconv.FormatInt(s.SetID, 10),
		SetNumber:    s.Number,
		Name:         s.Name,
		Theme:        s.Theme,
		Subtheme:     s.Subtheme,
		Year:         s.Year,
		PieceCount:   s.Pieces,
		ImageURL:     s.Image.ImageURL,
		ThumbnailURL: s.Image.ThumbnailURL,
	}
}

var _ Adapter = (*BricksetAdapter)(nil)

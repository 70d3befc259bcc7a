package scraper

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"figwatch/internal/config"
	"figwatch/internal/pkg/ratelimit"
)

// BrickLinkAdapter reads the BrickLink price guide. Unlike the API-only
// sources its endpoints sit on the public store host, so every request is
// checked against robots.txt first.
type BrickLinkAdapter struct {
	cfg    config.SourceConfig
	client *apiClient
	robots *RobotsChecker
	now    func() time.Time
}

func NewBrickLinkAdapter(cfg config.SourceConfig, global *ratelimit.RateLimiter) *BrickLinkAdapter {
	return &BrickLinkAdapter{
		cfg:    cfg,
		client: newAPIClient("bricklink", cfg.RequestsPerMinute, cfg.MinInterval, global),
		robots: NewRobotsChecker(nil, defaultUserAgent),
		now:    time.Now,
	}
}

func (a *BrickLinkAdapter) Name() string { return "bricklink" }

func (a *BrickLinkAdapter) Policy() Policy {
	return Policy{RequestsPerMinute: a.cfg.RequestsPerMinute, MinInterval: a.cfg.MinInterval}
}

func (a *BrickLinkAdapter) IsRequestAllowed(ctx context.Context, rawURL string) bool {
	return a.robots.Allowed(ctx, rawURL)
}

func (a *BrickLinkAdapter) Close() error { return nil }

// FetchCatalog is unsupported; BrickLink is used for detail lookups and
// price guides only.
func (a *BrickLinkAdapter) FetchCatalog(ctx context.Context, theme string, year, limit int) ([]RawMinifigure, error) {
	return []RawMinifigure{}, nil
}

type bricklinkItem struct {
	No           string `json:"no"`
	Name         string `json:"name"`
	CategoryName string `json:"category_name"`
	YearReleased int    `json:"year_released"`
	ImageURL     string `json:"image_url"`
	ThumbnailURL string `json:"thumbnail_url"`
}

type bricklinkPriceDetail struct {
	UnitPrice         string `json:"unit_price"`
	Quantity          int    `json:"quantity"`
	SellerCountryCode string `json:"seller_country_code"`
	DateOrdered       string `json:"date_ordered"`
}

type bricklinkPriceGuide struct {
	Item struct {
		No string `json:"no"`
	} `json:"item"`
	NewOrUsed    string                 `json:"new_or_used"`
	CurrencyCode string                 `json:"currency_code"`
	PriceDetail  []bricklinkPriceDetail `json:"price_detail"`
}

func (a *BrickLinkAdapter) FetchDetails(ctx context.Context, setNumber string) (*RawMinifigure, error) {
	u := fmt.Sprintf("%s/items/minifig/%s", a.cfg.BaseURL, url.PathEscape(setNumber))
	if !a.IsRequestAllowed(ctx, u) {
		return nil, fmt.Errorf("bricklink robots.txt disallows %s", u)
	}

	var resp struct {
		Data bricklinkItem `json:"data"`
	}
	if err := a.client.getJSON(ctx, u, &resp); err != nil {
		return nil, err
	}
	if resp.Data.No == "" {
		return nil, nil
	}
	return &RawMinifigure{
		Source:       a.Name(),
		SourceID:     resp.Data.No,
		SetNumber:    setNumber,
		Name:         resp.Data.Name,
		Theme:        resp.Data.CategoryName,
		Year:         resp.Data.YearReleased,
		ImageURL:     resp.Data.ImageURL,
		ThumbnailURL: resp.Data.ThumbnailURL,
	}, nil
}

func (a *BrickLinkAdapter) FetchPriceListings(ctx context.Context, setNumber string, condition Condition) ([]RawListing, error) {
	states := []string{"N", "U"}
	switch condition {
	case ConditionNew, ConditionSealed:
		states = []string{"N"}
	case ConditionUsed:
		states = []string{"U"}
	}

	var listings []RawListing
	for _, state := range states {
		u := fmt.Sprintf("%s/items/minifig/%s/price?guide_type=stock&new_or_used=%s",
			a.cfg.BaseURL, url.PathEscape(setNumber), state)
		if !a.IsRequestAllowed(ctx, u) {
			return nil, fmt.Errorf("bricklink robots.txt disallows %s", u)
		}

		var resp struct {
			Data bricklinkPriceGuide `json:"data"`
		}
		if err := a.client.getJSON(ctx, u, &resp); err != nil {
			return nil, err
		}

		cond := "used"
		if state == "N" {
			cond = "new"
		}
		for _, d := range resp.Data.PriceDetail {
			price, err := strconv.ParseFloat(d.UnitPrice, 64)
			if err != nil || price <= 0 {
				continue
			}
			qty := d.Quantity
			if qty <= 0 {
				qty = 1
			}
			listings = append(listings, RawListing{
				Source:     a.Name(),
				SourceID:   setNumber + "/" + state,
				SetNumber:  setNumber,
				ListedAt:   a.now().UTC(),
				Price:      price,
				Currency:   resp.Data.CurrencyCode,
				Condition:  cond,
				Quantity:   qty,
				Confidence: 0.95,
			})
		}
	}
	return listings, nil
}

var _ Adapter = (*BrickLinkAdapter)(nil)

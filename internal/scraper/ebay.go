package scraper

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"figwatch/internal/config"
	"figwatch/internal/pkg/ratelimit"
)

// ebayCategoryMinifigs is the LEGO Minifigures category on eBay.
const ebayCategoryMinifigs = "19006"

// EBayAdapter reads the eBay Finding API. It is price-only: catalog calls
// return empty results. Each FetchPriceListings issues two searches, one for
// active listings and one for completed (sold) ones.
type EBayAdapter struct {
	cfg    config.SourceConfig
	client *apiClient
	now    func() time.Time
}

func NewEBayAdapter(cfg config.SourceConfig, global *ratelimit.RateLimiter) *EBayAdapter {
	return &EBayAdapter{
		cfg:    cfg,
		client: newAPIClient("ebay", cfg.RequestsPerMinute, cfg.MinInterval, global),
		now:    time.Now,
	}
}

func (a *EBayAdapter) Name() string { return "ebay" }

func (a *EBayAdapter) Policy() Policy {
	return Policy{RequestsPerMinute: a.cfg.RequestsPerMinute, MinInterval: a.cfg.MinInterval}
}

func (a *EBayAdapter) IsRequestAllowed(ctx context.Context, rawURL string) bool { return true }

func (a *EBayAdapter) Close() error { return nil }

// FetchCatalog is unsupported; eBay has no structured minifigure catalog.
func (a *EBayAdapter) FetchCatalog(ctx context.Context, theme string, year, limit int) ([]RawMinifigure, error) {
	return []RawMinifigure{}, nil
}

func (a *EBayAdapter) FetchDetails(ctx context.Context, setNumber string) (*RawMinifigure, error) {
	return nil, nil
}

// The Finding API wraps every value in a single-element array.
type ebayMoney struct {
	Value    string `json:"__value__"`
	Currency string `json:"@currencyId"`
}

type ebayItem struct {
	ItemID        []string `json:"itemId"`
	Title         []string `json:"title"`
	ViewItemURL   []string `json:"viewItemURL"`
	SellingStatus []struct {
		CurrentPrice []ebayMoney `json:"currentPrice"`
		SellingState []string    `json:"sellingState"`
	} `json:"sellingStatus"`
	Condition []struct {
		ConditionDisplayName []string `json:"conditionDisplayName"`
	} `json:"condition"`
	ListingInfo []struct {
		ListingType []string `json:"listingType"`
		EndTime     []string `json:"endTime"`
	} `json:"listingInfo"`
	SellerInfo []struct {
		SellerUserName          []string `json:"sellerUserName"`
		PositiveFeedbackPercent []string `json:"positiveFeedbackPercent"`
	} `json:"sellerInfo"`
}

type ebaySearchResponse struct {
	Ack          []string `json:"ack"`
	SearchResult []struct {
		Item []ebayItem `json:"item"`
	} `json:"searchResult"`
}

type ebayFindResponse struct {
	Advanced  []ebaySearchResponse `json:"findItemsAdvancedResponse"`
	Completed []ebaySearchResponse `json:"findCompletedItemsResponse"`
}

func (a *EBayAdapter) FetchPriceListings(ctx context.Context, setNumber string, condition Condition) ([]RawListing, error) {
	active, err := a.search(ctx, "findItemsAdvanced", setNumber)
	if err != nil {
		return nil, err
	}
	sold, err := a.search(ctx, "findCompletedItems", setNumber)
	if err != nil {
		// Active results are still worth keeping when the completed
		// search fails; the caller decides whether a partial batch
		// warrants a retry.
		slog.Warn("ebay completed search failed", "setNumber", setNumber, "error", err)
		sold = nil
	}

	listings := make([]RawListing, 0, len(active)+len(sold))
	for _, item := range active {
		if l, ok := a.toListing(item, setNumber, false); ok {
			listings = append(listings, l)
		}
	}
	for _, item := range sold {
		if l, ok := a.toListing(item, setNumber, true); ok {
			listings = append(listings, l)
		}
	}
	if condition != "" {
		filtered := listings[:0]
		for _, l := range listings {
			if ParseCondition(l.Condition) == condition {
				filtered = append(filtered, l)
			}
		}
		listings = filtered
	}
	return listings, nil
}

func (a *EBayAdapter) search(ctx context.Context, operation, setNumber string) ([]ebayItem, error) {
	if a.cfg.APIKey == "" {
		return nil, fmt.Errorf("ebay %s: %w", operation, ErrMissingAPIKey)
	}
	params := url.Values{}
	params.Set("OPERATION-NAME", operation)
	params.Set("SERVICE-VERSION", "1.13.0")
	params.Set("SECURITY-APPNAME", a.cfg.APIKey)
	params.Set("RESPONSE-DATA-FORMAT", "JSON")
	params.Set("keywords", "lego minifigure "+setNumber)
	params.Set("categoryId", ebayCategoryMinifigs)
	params.Set("paginationInput.entriesPerPage", "100")

	var resp ebayFindResponse
	if err := a.client.getJSON(ctx, a.cfg.BaseURL+"?"+params.Encode(), &resp); err != nil {
		return nil, err
	}

	envelopes := resp.Advanced
	if operation == "findCompletedItems" {
		envelopes = resp.Completed
	}
	var items []ebayItem
	for _, env := range envelopes {
		for _, sr := range env.SearchResult {
			items = append(items, sr.Item...)
		}
	}
	return items, nil
}

// toListing flattens one Finding API item. completed marks whether it came
// from the sold-items search; active listings carry lower confidence because
// the asking price may never transact.
func (a *EBayAdapter) toListing(item ebayItem, setNumber string, completed bool) (RawListing, bool) {
	if len(item.SellingStatus) == 0 || len(item.SellingStatus[0].CurrentPrice) == 0 {
		return RawListing{}, false
	}
	money := item.SellingStatus[0].CurrentPrice[0]
	price, err := strconv.ParseFloat(money.Value, 64)
	if err != nil || price <= 0 {
		return RawListing{}, false
	}

	listedAt := a.now().UTC()
	auction := false
	if len(item.ListingInfo) > 0 {
		info := item.ListingInfo[0]
		if len(info.ListingType) > 0 && info.ListingType[0] == "Auction" {
			auction = true
		}
		if len(info.EndTime) > 0 {
			if t, err := time.Parse(time.RFC3339, info.EndTime[0]); err == nil && completed {
				listedAt = t.UTC()
			}
		}
	}

	condition := "Used"
	if len(item.Condition) > 0 && len(item.Condition[0].ConditionDisplayName) > 0 {
		condition = item.Condition[0].ConditionDisplayName[0]
	}

	seller := ""
	feedback := 100.0
	if len(item.SellerInfo) > 0 {
		info := item.SellerInfo[0]
		if len(info.SellerUserName) > 0 {
			seller = info.SellerUserName[0]
		}
		if len(info.PositiveFeedbackPercent) > 0 {
			if f, err := strconv.ParseFloat(info.PositiveFeedbackPercent[0], 64); err == nil {
				feedback = f
			}
		}
	}

	confidence := 1.0
	if !completed {
		confidence *= 0.8
	}
	if auction {
		confidence *= 0.9
	}
	if feedback < 95 {
		confidence *= 0.9
	}

	l := RawListing{
		Source:       a.Name(),
		SetNumber:    setNumber,
		ListedAt:     listedAt,
		Price:        price,
		Currency:     money.Currency,
		Condition:    condition,
		Quantity:     1,
		SellerName:   seller,
		SellerRating: feedback,
		Confidence:   confidence,
	}
	if len(item.ItemID) > 0 {
		l.SourceID = item.ItemID[0]
	}
	if len(item.ViewItemURL) > 0 {
		l.URL = item.ViewItemURL[0]
	}
	return l, true
}

var _ Adapter = (*EBayAdapter)(nil)

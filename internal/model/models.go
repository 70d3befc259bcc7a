package model

import (
	"time"
)

// Minifigure is a catalog entry for a collectible minifigure.
//
// SetNumber is the business key (e.g. "sw0001"), stored lowercase. Listings
// and snapshots hang off the numeric ID and are removed with it.
type Minifigure struct {
	ID        uint      `gorm:"primaryKey"`
	CreatedAt time.Time // first time the catalog sync saw this figure
	UpdatedAt time.Time

	SetNumber    string `gorm:"type:varchar(64);uniqueIndex;not null"`
	Name         string `gorm:"not null"`
	Theme        string `gorm:"type:varchar(128);index"`
	Subtheme     string
	Year         int `gorm:"index"`
	PieceCount   int
	ImageURL     string
	ThumbnailURL string
	ExtraData    string `gorm:"type:text"` // source payload, JSON

	Listings  []PriceListing  `gorm:"constraint:OnDelete:CASCADE"`
	Snapshots []PriceSnapshot `gorm:"constraint:OnDelete:CASCADE"`
}

// DataSource is a registered marketplace source plus its scrape health.
type DataSource struct {
	ID        uint      `gorm:"primaryKey"`
	CreatedAt time.Time
	UpdatedAt time.Time

	Name              string `gorm:"type:varchar(64);uniqueIndex;not null"` // "brickset", "ebay", "bricklink"
	BaseURL           string
	RequestsPerMinute int
	Enabled           bool `gorm:"default:true"`

	LastScrapedAt *time.Time
	LastStatus    string `gorm:"type:varchar(16)"` // "ok" / "error"
	LastError     string `gorm:"type:varchar(512)"`
	SuccessCount  int64  `gorm:"default:0"`
	FailureCount  int64  `gorm:"default:0"`
}

// PriceListing is an append-only observation of a marketplace listing.
//
// PriceUSD is normalized at ingest; the original price, currency and exchange
// rate are kept so the conversion can be audited later.
type PriceListing struct {
	ID        uint      `gorm:"primaryKey"`
	CreatedAt time.Time

	MinifigureID uint       `gorm:"index:idx_listing_minifig_time;not null"`
	Minifigure   Minifigure `gorm:"foreignKey:MinifigureID"`
	SourceID     uint       `gorm:"index;not null"`
	Source       DataSource `gorm:"foreignKey:SourceID"`

	// ExternalID is the source's own listing identifier, when it has one.
	ExternalID string `gorm:"type:varchar(128);index"`

	ListedAt time.Time `gorm:"index:idx_listing_minifig_time;not null"` // observation timestamp from the source

	PriceUSD         float64 `gorm:"type:decimal(10,2);not null"`
	OriginalPrice    float64 `gorm:"type:decimal(10,2)"`
	OriginalCurrency string  `gorm:"type:varchar(8)"`
	ExchangeRate     float64

	Condition    string `gorm:"type:varchar(16);index"` // NEW / USED / SEALED
	SellerName   string `gorm:"type:varchar(191)"`
	SellerRating float64
	Quantity     int `gorm:"default:1"`
	ListingURL   string
	Confidence   float64 // [0,1], source-assigned reliability
	RawData      string  `gorm:"type:text"` // source payload, JSON
}

// PriceSnapshot is the pre-computed daily aggregate for one minifigure.
//
// One row per (minifigure, date); re-aggregation updates in place.
type PriceSnapshot struct {
	ID        uint      `gorm:"primaryKey"`
	CreatedAt time.Time
	UpdatedAt time.Time

	MinifigureID uint       `gorm:"uniqueIndex:idx_snapshot_minifig_date;not null"`
	Minifigure   Minifigure `gorm:"foreignKey:MinifigureID"`
	Date         time.Time  `gorm:"type:date;uniqueIndex:idx_snapshot_minifig_date;not null"`

	MinPriceUSD    float64 `gorm:"type:decimal(10,2)"`
	MaxPriceUSD    float64 `gorm:"type:decimal(10,2)"`
	AvgPriceUSD    float64 `gorm:"type:decimal(10,2)"`
	MedianPriceUSD float64 `gorm:"type:decimal(10,2)"`

	ListingCount int
	NewCount     int
	UsedCount    int
	SealedCount  int
}

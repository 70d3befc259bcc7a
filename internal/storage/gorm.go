package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormLogger "gorm.io/gorm/logger"

	"figwatch/internal/model"
)

// GormStore backs Store with MySQL through gorm.
type GormStore struct {
	db *gorm.DB
}

// Open connects to MySQL, runs the auto migration and returns the store.
func Open(dsn string) (*GormStore, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	if err := db.AutoMigrate(
		&model.Minifigure{},
		&model.DataSource{},
		&model.PriceListing{},
		&model.PriceSnapshot{},
	); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return &GormStore{db: db}, nil
}

// NewGormStore wraps an existing connection, mainly for tests.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *GormStore) GetMinifigureBySetNumber(ctx context.Context, setNumber string) (*model.Minifigure, error) {
	var fig model.Minifigure
	err := s.db.WithContext(ctx).Where("set_number = ?", setNumber).First(&fig).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &fig, nil
}

func (s *GormStore) GetMinifigureByID(ctx context.Context, id uint) (*model.Minifigure, error) {
	var fig model.Minifigure
	err := s.db.WithContext(ctx).First(&fig, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &fig, nil
}

func (s *GormStore) CreateMinifigure(ctx context.Context, fig *model.Minifigure) error {
	return s.db.WithContext(ctx).Create(fig).Error
}

// CreateMinifigures writes the batch in one transaction so a partial failure
// leaves nothing behind.
func (s *GormStore) CreateMinifigures(ctx context.Context, figs []*model.Minifigure) error {
	if len(figs) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.CreateInBatches(figs, 200).Error
	})
}

func (s *GormStore) UpdateMinifigure(ctx context.Context, fig *model.Minifigure) error {
	return s.db.WithContext(ctx).Save(fig).Error
}

func (s *GormStore) ListMinifigures(ctx context.Context, theme string, limit, offset int) ([]model.Minifigure, error) {
	q := s.db.WithContext(ctx).Model(&model.Minifigure{})
	if theme != "" {
		q = q.Where("theme = ?", theme)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var figs []model.Minifigure
	if err := q.Offset(offset).Order("set_number").Find(&figs).Error; err != nil {
		return nil, err
	}
	return figs, nil
}

func (s *GormStore) ListMinifiguresNewestFirst(ctx context.Context, limit, offset int) ([]model.Minifigure, error) {
	q := s.db.WithContext(ctx).Model(&model.Minifigure{}).Order("created_at DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var figs []model.Minifigure
	if err := q.Offset(offset).Find(&figs).Error; err != nil {
		return nil, err
	}
	return figs, nil
}

func (s *GormStore) CountMinifigures(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&model.Minifigure{}).Count(&n).Error
	return n, err
}

func (s *GormStore) GetSourceByName(ctx context.Context, name string) (*model.DataSource, error) {
	var src model.DataSource
	err := s.db.WithContext(ctx).Where("name = ?", name).First(&src).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &src, nil
}

// UpsertSource keys on the unique source name. Health counters are left
// alone so seeding does not wipe history.
func (s *GormStore) UpsertSource(ctx context.Context, src *model.DataSource) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"base_url", "requests_per_minute", "enabled"}),
	}).Create(src).Error
}

func (s *GormStore) ListSources(ctx context.Context) ([]model.DataSource, error) {
	var srcs []model.DataSource
	if err := s.db.WithContext(ctx).Order("name").Find(&srcs).Error; err != nil {
		return nil, err
	}
	return srcs, nil
}

func (s *GormStore) RecordSourceResult(ctx context.Context, name string, scrapedAt time.Time, scrapeErr error) error {
	updates := map[string]interface{}{
		"last_scraped_at": scrapedAt,
	}
	if scrapeErr != nil {
		updates["last_status"] = "error"
		updates["last_error"] = scrapeErr.Error()
		updates["failure_count"] = gorm.Expr("failure_count + 1")
	} else {
		updates["last_status"] = "ok"
		updates["last_error"] = ""
		updates["success_count"] = gorm.Expr("success_count + 1")
	}
	return s.db.WithContext(ctx).Model(&model.DataSource{}).Where("name = ?", name).Updates(updates).Error
}

// CreateListings writes the batch in one transaction so a partial failure
// leaves nothing behind.
func (s *GormStore) CreateListings(ctx context.Context, listings []model.PriceListing) error {
	if len(listings) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.CreateInBatches(listings, 200).Error
	})
}

func (s *GormStore) ListListingsForDate(ctx context.Context, minifigID uint, day time.Time) ([]model.PriceListing, error) {
	start := day.UTC().Truncate(24 * time.Hour)
	end := start.Add(24 * time.Hour)
	var listings []model.PriceListing
	err := s.db.WithContext(ctx).
		Where("minifigure_id = ? AND listed_at >= ? AND listed_at < ?", minifigID, start, end).
		Order("listed_at").
		Find(&listings).Error
	if err != nil {
		return nil, err
	}
	return listings, nil
}

func (s *GormStore) ListRecentListings(ctx context.Context, minifigID uint, since time.Time) ([]model.PriceListing, error) {
	var listings []model.PriceListing
	err := s.db.WithContext(ctx).
		Where("minifigure_id = ? AND listed_at >= ?", minifigID, since).
		Find(&listings).Error
	if err != nil {
		return nil, err
	}
	return listings, nil
}

func (s *GormStore) ListMinifigIDsWithListings(ctx context.Context, day time.Time) ([]uint, error) {
	start := day.UTC().Truncate(24 * time.Hour)
	end := start.Add(24 * time.Hour)
	var ids []uint
	err := s.db.WithContext(ctx).Model(&model.PriceListing{}).
		Where("listed_at >= ? AND listed_at < ?", start, end).
		Distinct("minifigure_id").
		Pluck("minifigure_id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *GormStore) DeleteListingsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("listed_at < ?", cutoff).Delete(&model.PriceListing{})
	return res.RowsAffected, res.Error
}

// UpsertSnapshot keys on (minifigure_id, date) so re-aggregating a day
// overwrites the old stats instead of duplicating them.
func (s *GormStore) UpsertSnapshot(ctx context.Context, snap *model.PriceSnapshot) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "minifigure_id"}, {Name: "date"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"min_price_usd", "max_price_usd", "avg_price_usd", "median_price_usd",
			"listing_count", "new_count", "used_count", "sealed_count",
		}),
	}).Create(snap).Error
}

func (s *GormStore) GetSnapshot(ctx context.Context, minifigID uint, day time.Time) (*model.PriceSnapshot, error) {
	var snap model.PriceSnapshot
	err := s.db.WithContext(ctx).
		Where("minifigure_id = ? AND date = ?", minifigID, day.UTC().Truncate(24*time.Hour)).
		First(&snap).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *GormStore) ListSnapshots(ctx context.Context, minifigID uint, from, to time.Time) ([]model.PriceSnapshot, error) {
	var snaps []model.PriceSnapshot
	err := s.db.WithContext(ctx).
		Where("minifigure_id = ? AND date >= ? AND date <= ?", minifigID, from.UTC(), to.UTC()).
		Order("date").
		Find(&snaps).Error
	if err != nil {
		return nil, err
	}
	return snaps, nil
}

var _ Store = (*GormStore)(nil)

package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"figwatch/internal/model"
)

// MemoryStore is an in-memory Store used by pipeline and aggregation tests.
type MemoryStore struct {
	mu sync.Mutex

	nextFigID     uint
	nextListingID uint
	nextSnapID    uint

	figs      map[uint]model.Minifigure
	bySet     map[string]uint
	sources   map[string]model.DataSource
	listings  map[uint]model.PriceListing
	snapshots map[uint]model.PriceSnapshot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		figs:      make(map[uint]model.Minifigure),
		bySet:     make(map[string]uint),
		sources:   make(map[string]model.DataSource),
		listings:  make(map[uint]model.PriceListing),
		snapshots: make(map[uint]model.PriceSnapshot),
	}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) GetMinifigureBySetNumber(ctx context.Context, setNumber string) (*model.Minifigure, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.bySet[setNumber]
	if !ok {
		return nil, ErrNotFound
	}
	fig := s.figs[id]
	return &fig, nil
}

func (s *MemoryStore) GetMinifigureByID(ctx context.Context, id uint) (*model.Minifigure, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fig, ok := s.figs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &fig, nil
}

func (s *MemoryStore) CreateMinifigure(ctx context.Context, fig *model.Minifigure) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextFigID++
	fig.ID = s.nextFigID
	fig.CreatedAt = time.Now().UTC()
	fig.UpdatedAt = fig.CreatedAt
	s.figs[fig.ID] = *fig
	s.bySet[fig.SetNumber] = fig.ID
	return nil
}

func (s *MemoryStore) CreateMinifigures(ctx context.Context, figs []*model.Minifigure) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	// All-or-nothing, like the transactional store.
	for _, fig := range figs {
		if _, exists := s.bySet[fig.SetNumber]; exists {
			return fmt.Errorf("set number %s already exists", fig.SetNumber)
		}
	}
	now := time.Now().UTC()
	for _, fig := range figs {
		s.nextFigID++
		fig.ID = s.nextFigID
		fig.CreatedAt = now
		fig.UpdatedAt = now
		s.figs[fig.ID] = *fig
		s.bySet[fig.SetNumber] = fig.ID
	}
	return nil
}

func (s *MemoryStore) UpdateMinifigure(ctx context.Context, fig *model.Minifigure) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.figs[fig.ID]; !ok {
		return ErrNotFound
	}
	fig.UpdatedAt = time.Now().UTC()
	s.figs[fig.ID] = *fig
	s.bySet[fig.SetNumber] = fig.ID
	return nil
}

func (s *MemoryStore) ListMinifigures(ctx context.Context, theme string, limit, offset int) ([]model.Minifigure, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var figs []model.Minifigure
	for _, fig := range s.figs {
		if theme == "" || fig.Theme == theme {
			figs = append(figs, fig)
		}
	}
	sort.Slice(figs, func(i, j int) bool { return figs[i].SetNumber < figs[j].SetNumber })
	return page(figs, limit, offset), nil
}

func (s *MemoryStore) ListMinifiguresNewestFirst(ctx context.Context, limit, offset int) ([]model.Minifigure, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	figs := make([]model.Minifigure, 0, len(s.figs))
	for _, fig := range s.figs {
		figs = append(figs, fig)
	}
	sort.Slice(figs, func(i, j int) bool {
		if figs[i].CreatedAt.Equal(figs[j].CreatedAt) {
			return figs[i].ID > figs[j].ID
		}
		return figs[i].CreatedAt.After(figs[j].CreatedAt)
	})
	return page(figs, limit, offset), nil
}

func (s *MemoryStore) CountMinifigures(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.figs)), nil
}

func (s *MemoryStore) GetSourceByName(ctx context.Context, name string) (*model.DataSource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.sources[name]
	if !ok {
		return nil, ErrNotFound
	}
	return &src, nil
}

func (s *MemoryStore) UpsertSource(ctx context.Context, src *model.DataSource) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.sources[src.Name]; ok {
		existing.BaseURL = src.BaseURL
		existing.RequestsPerMinute = src.RequestsPerMinute
		existing.Enabled = src.Enabled
		s.sources[src.Name] = existing
		*src = existing
		return nil
	}
	src.ID = uint(len(s.sources) + 1)
	s.sources[src.Name] = *src
	return nil
}

func (s *MemoryStore) ListSources(ctx context.Context) ([]model.DataSource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	srcs := make([]model.DataSource, 0, len(s.sources))
	for _, src := range s.sources {
		srcs = append(srcs, src)
	}
	sort.Slice(srcs, func(i, j int) bool { return srcs[i].Name < srcs[j].Name })
	return srcs, nil
}

func (s *MemoryStore) RecordSourceResult(ctx context.Context, name string, scrapedAt time.Time, scrapeErr error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.sources[name]
	if !ok {
		return nil
	}
	t := scrapedAt
	src.LastScrapedAt = &t
	if scrapeErr != nil {
		src.LastStatus = "error"
		src.LastError = scrapeErr.Error()
		src.FailureCount++
	} else {
		src.LastStatus = "ok"
		src.LastError = ""
		src.SuccessCount++
	}
	s.sources[name] = src
	return nil
}

func (s *MemoryStore) CreateListings(ctx context.Context, listings []model.PriceListing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range listings {
		s.nextListingID++
		listings[i].ID = s.nextListingID
		s.listings[listings[i].ID] = listings[i]
	}
	return nil
}

func (s *MemoryStore) ListListingsForDate(ctx context.Context, minifigID uint, day time.Time) ([]model.PriceListing, error) {
	start := day.UTC().Truncate(24 * time.Hour)
	end := start.Add(24 * time.Hour)
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.PriceListing
	for _, l := range s.listings {
		if l.MinifigureID == minifigID && !l.ListedAt.Before(start) && l.ListedAt.Before(end) {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ListedAt.Before(out[j].ListedAt) })
	return out, nil
}

func (s *MemoryStore) ListRecentListings(ctx context.Context, minifigID uint, since time.Time) ([]model.PriceListing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.PriceListing
	for _, l := range s.listings {
		if l.MinifigureID == minifigID && !l.ListedAt.Before(since) {
			out = append(out, l)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListMinifigIDsWithListings(ctx context.Context, day time.Time) ([]uint, error) {
	start := day.UTC().Truncate(24 * time.Hour)
	end := start.Add(24 * time.Hour)
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[uint]bool)
	for _, l := range s.listings {
		if !l.ListedAt.Before(start) && l.ListedAt.Before(end) {
			seen[l.MinifigureID] = true
		}
	}
	ids := make([]uint, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *MemoryStore) DeleteListingsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted int64
	for id, l := range s.listings {
		if l.ListedAt.Before(cutoff) {
			delete(s.listings, id)
			deleted++
		}
	}
	return deleted, nil
}

func (s *MemoryStore) UpsertSnapshot(ctx context.Context, snap *model.PriceSnapshot) error {
	day := snap.Date.UTC().Truncate(24 * time.Hour)
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, existing := range s.snapshots {
		if existing.MinifigureID == snap.MinifigureID && existing.Date.Equal(day) {
			snap.ID = id
			snap.Date = day
			s.snapshots[id] = *snap
			return nil
		}
	}
	s.nextSnapID++
	snap.ID = s.nextSnapID
	snap.Date = day
	s.snapshots[snap.ID] = *snap
	return nil
}

func (s *MemoryStore) GetSnapshot(ctx context.Context, minifigID uint, day time.Time) (*model.PriceSnapshot, error) {
	target := day.UTC().Truncate(24 * time.Hour)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, snap := range s.snapshots {
		if snap.MinifigureID == minifigID && snap.Date.Equal(target) {
			out := snap
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListSnapshots(ctx context.Context, minifigID uint, from, to time.Time) ([]model.PriceSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.PriceSnapshot
	for _, snap := range s.snapshots {
		if snap.MinifigureID == minifigID && !snap.Date.Before(from) && !snap.Date.After(to) {
			out = append(out, snap)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

// ListingCount reports stored listings, for tests.
func (s *MemoryStore) ListingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listings)
}

// SnapshotCount reports stored snapshots, for tests.
func (s *MemoryStore) SnapshotCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.snapshots)
}

func page(figs []model.Minifigure, limit, offset int) []model.Minifigure {
	if offset >= len(figs) {
		return []model.Minifigure{}
	}
	figs = figs[offset:]
	if limit > 0 && limit < len(figs) {
		figs = figs[:limit]
	}
	return figs
}

var _ Store = (*MemoryStore)(nil)

package scraper

import (
	"log/slog"
	"sort"

	"figwatch/internal/config"
	"figwatch/internal/pkg/ratelimit"
)

// Registry holds the adapters for all enabled sources, keyed by name.
type Registry struct {
	adapters map[string]Adapter
}

func NewRegistry(cfg config.SourcesConfig, global *ratelimit.RateLimiter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter)}
	if cfg.Brickset.Enabled {
		r.Register(NewBricksetAdapter(cfg.Brickset, global))
	}
	if cfg.EBay.Enabled {
		r.Register(NewEBayAdapter(cfg.EBay, global))
	}
	if cfg.BrickLink.Enabled {
		r.Register(NewBrickLinkAdapter(cfg.BrickLink, global))
	}
	return r
}

func (r *Registry) Register(a Adapter) {
	r.adapters[a.Name()] = a
}

func (r *Registry) Get(name string) (Adapter, bool) {
	a, ok := r.adapters[name]
	return a, ok
}

// All returns the adapters in stable name order.
func (r *Registry) All() []Adapter {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]Adapter, 0, len(names))
	for _, name := range names {
		out = append(out, r.adapters[name])
	}
	return out
}

func (r *Registry) Close() {
	for name, a := range r.adapters {
		if err := a.Close(); err != nil {
			slog.Warn("adapter close failed", "source", name, "error", err)
		}
	}
}
